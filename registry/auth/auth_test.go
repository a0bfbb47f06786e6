// Copyright © 2022 Alibaba Group Holding Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/docker/docker-credential-helpers/client"
	"github.com/docker/docker-credential-helpers/credentials"
	"github.com/docker/docker/api/types"
	"github.com/stretchr/testify/assert"
)

func writeConfig(t *testing.T, cfg string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	assert.NoError(t, os.WriteFile(path, []byte(cfg), 0600))
	return path
}

func TestResolveExplicitWins(t *testing.T) {
	path := writeConfig(t, fmt.Sprintf(`{"auths":{"my.registry.io":{"auth":%q}}}`,
		base64.StdEncoding.EncodeToString([]byte("filed:unused"))))

	r := &Resolver{
		Explicit:   &types.AuthConfig{Username: "explicit", Password: "secret"},
		ConfigPath: path,
	}
	auth, err := r.Resolve("my.registry.io")
	assert.NoError(t, err)
	assert.Equal(t, "explicit", auth.Username)
	assert.Equal(t, "secret", auth.Password)
	assert.Equal(t, "my.registry.io", auth.ServerAddress)
}

func TestResolveFromConfigFile(t *testing.T) {
	path := writeConfig(t, fmt.Sprintf(`{"auths":{"my.registry.io":{"auth":%q}}}`,
		base64.StdEncoding.EncodeToString([]byte("alice:wonder:land"))))

	r := &Resolver{ConfigPath: path}
	auth, err := r.Resolve("my.registry.io")
	assert.NoError(t, err)
	assert.Equal(t, "alice", auth.Username)
	assert.Equal(t, "wonder:land", auth.Password)
}

func TestResolveDockerHubAlias(t *testing.T) {
	path := writeConfig(t, fmt.Sprintf(`{"auths":{"https://index.docker.io/v1/":{"auth":%q}}}`,
		base64.StdEncoding.EncodeToString([]byte("hubuser:hubpass"))))

	r := &Resolver{ConfigPath: path}
	auth, err := r.Resolve("registry-1.docker.io")
	assert.NoError(t, err)
	assert.Equal(t, "hubuser", auth.Username)
	assert.Equal(t, "registry-1.docker.io", auth.ServerAddress)
}

func TestResolveAnonymousWhenNothingMatches(t *testing.T) {
	path := writeConfig(t, `{"auths":{}}`)

	r := &Resolver{ConfigPath: path}
	auth, err := r.Resolve("gcr.io")
	assert.NoError(t, err)
	assert.Empty(t, auth.Username)
	assert.Equal(t, "gcr.io", auth.ServerAddress)
}

func TestResolveMissingConfigFile(t *testing.T) {
	r := &Resolver{ConfigPath: filepath.Join(t.TempDir(), "absent.json")}
	auth, err := r.Resolve("gcr.io")
	assert.NoError(t, err)
	assert.Empty(t, auth.Username)
}

// mockHelper simulates a remote credentials helper process.
type mockHelper struct {
	arg   string
	input io.Reader
}

func (m *mockHelper) Output() ([]byte, error) {
	in, err := ioutil.ReadAll(m.input)
	if err != nil {
		return nil, err
	}
	switch string(in) {
	case "my.registry.io":
		return []byte(`{"Username": "helped", "Secret": "helper-secret"}`), nil
	default:
		return []byte(credentials.NewErrCredentialsNotFound().Error()), errors.New("exited 1")
	}
}

func (m *mockHelper) Input(in io.Reader) {
	m.input = in
}

func mockHelperFn(args ...string) client.Program {
	return &mockHelper{arg: args[0]}
}

func TestResolveFromHelper(t *testing.T) {
	path := writeConfig(t, `{"auths":{}}`)

	r := &Resolver{
		Helper:      "mock",
		ConfigPath:  path,
		programFunc: mockHelperFn,
	}
	auth, err := r.Resolve("my.registry.io")
	assert.NoError(t, err)
	assert.Equal(t, "helped", auth.Username)
	assert.Equal(t, "helper-secret", auth.Password)
}

func TestResolveExplicitHelperUnknownHostFails(t *testing.T) {
	path := writeConfig(t, `{"auths":{}}`)

	r := &Resolver{
		Helper:      "mock",
		ConfigPath:  path,
		programFunc: mockHelperFn,
	}
	_, err := r.Resolve("unknown.registry.io")
	var unsupported *HelperUnsupportedHostError
	assert.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "unknown.registry.io", unsupported.Host)
}

func TestResolveConfigHelperUnknownHostFallsBackToAnonymous(t *testing.T) {
	path := writeConfig(t, `{"auths":{},"credsStore":"mock"}`)

	r := &Resolver{
		ConfigPath:  path,
		programFunc: mockHelperFn,
	}
	auth, err := r.Resolve("unknown.registry.io")
	assert.NoError(t, err)
	assert.Empty(t, auth.Username)
}

func TestResolveHelperNotInstalled(t *testing.T) {
	path := writeConfig(t, `{"auths":{}}`)

	r := &Resolver{
		Helper:     "surely-not-installed-anywhere",
		ConfigPath: path,
	}
	_, err := r.Resolve("my.registry.io")
	var notFound *HelperNotFoundError
	assert.ErrorAs(t, err, &notFound)
	assert.Contains(t, notFound.Helper, "surely-not-installed-anywhere")
}

func TestConfigCredHelpersSection(t *testing.T) {
	path := writeConfig(t, `{"auths":{},"credHelpers":{"my.registry.io":"mock"}}`)

	r := &Resolver{
		ConfigPath:  path,
		programFunc: mockHelperFn,
	}
	auth, err := r.Resolve("my.registry.io")
	assert.NoError(t, err)
	assert.Equal(t, "helped", auth.Username)
}
