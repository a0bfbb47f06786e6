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
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/docker/docker-credential-helpers/client"
	"github.com/docker/docker-credential-helpers/credentials"
	"github.com/docker/docker/api/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/idefav/jib/common"
	"github.com/idefav/jib/utils"
)

const remoteCredentialsPrefix = "docker-credential-"

// index.docker.io aliases under which Docker Hub credentials are
// commonly stored.
var dockerHubAliases = []string{
	"https://index.docker.io/v1/",
	"index.docker.io",
	"docker.io",
}

// HelperNotFoundError means the named credential helper binary is not
// installed on PATH.
type HelperNotFoundError struct {
	Helper string
	Err    error
}

func (e *HelperNotFoundError) Error() string {
	return fmt.Sprintf("credential helper %s not found on PATH: %v", e.Helper, e.Err)
}

func (e *HelperNotFoundError) Unwrap() error { return e.Err }

// HelperUnsupportedHostError means the helper ran but holds no
// credentials for the requested registry.
type HelperUnsupportedHostError struct {
	Helper string
	Host   string
}

func (e *HelperUnsupportedHostError) Error() string {
	return fmt.Sprintf("credential helper %s has no credentials for %s", e.Helper, e.Host)
}

type authItem struct {
	Auth     string `json:"auth,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// DockerConfig mirrors the auths and credHelpers sections of
// ~/.docker/config.json.
type DockerConfig struct {
	Auths       map[string]authItem `json:"auths"`
	CredHelpers map[string]string   `json:"credHelpers,omitempty"`
	CredsStore  string              `json:"credsStore,omitempty"`
}

func (d *DockerConfig) get(domain string) (string, string, error) {
	item := d.Auths[domain]
	if item.Username != "" {
		return item.Username, item.Password, nil
	}
	if item.Auth == "" {
		return "", "", fmt.Errorf("auth for %s doesn't exist", domain)
	}

	decode, err := base64.StdEncoding.DecodeString(item.Auth)
	if err != nil {
		return "", "", err
	}
	i := bytes.IndexRune(decode, ':')
	if i == -1 {
		return "", "", fmt.Errorf("auth base64 has problem of format")
	}

	return string(decode[:i]), string(decode[i+1:]), nil
}

// Resolver produces registry credentials for a domain. Sources are
// consulted in a fixed order: explicitly supplied credentials, the
// docker config file, then the configured credential helper.
type Resolver struct {
	// Explicit wins over every other source when set.
	Explicit *types.AuthConfig

	// Helper is the credential helper suffix, e.g. "gcloud" for
	// docker-credential-gcloud.
	Helper string

	// ConfigPath overrides the default docker config location.
	ConfigPath string

	// programFunc is swapped out in tests.
	programFunc client.ProgramFunc
}

// NewResolver builds a resolver over the given helper name and explicit
// credentials, either of which may be empty.
func NewResolver(explicit *types.AuthConfig, helper string) *Resolver {
	return &Resolver{Explicit: explicit, Helper: helper}
}

func (r *Resolver) configPath() string {
	if r.ConfigPath != "" {
		return r.ConfigPath
	}
	return common.DefaultRegistryAuthConfigPath()
}

func (r *Resolver) loadConfig() (*DockerConfig, error) {
	cfg := &DockerConfig{Auths: map[string]authItem{}}

	path := r.configPath()
	if !utils.IsFileExist(path) {
		return cfg, nil
	}

	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return cfg, err
	}

	if err := json.Unmarshal(content, cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing %s", path)
	}
	return cfg, nil
}

// Resolve returns credentials for the registry domain. A domain with no
// credentials anywhere resolves to an anonymous AuthConfig, not an
// error: public base images need no login.
func (r *Resolver) Resolve(domain string) (types.AuthConfig, error) {
	anonymous := types.AuthConfig{ServerAddress: domain}

	if r.Explicit != nil && r.Explicit.Username != "" {
		logrus.Debugf("using explicit credentials for %s", domain)
		cfg := *r.Explicit
		cfg.ServerAddress = domain
		return cfg, nil
	}

	cfg, err := r.loadConfig()
	if err != nil {
		return anonymous, err
	}

	for _, key := range configKeys(domain) {
		if username, password, err := cfg.get(key); err == nil {
			logrus.Debugf("using docker config credentials for %s (key %s)", domain, key)
			return types.AuthConfig{
				Username:      username,
				Password:      password,
				ServerAddress: domain,
			}, nil
		}
	}

	helper, explicitHelper := r.Helper, r.Helper != ""
	if helper == "" {
		if h, ok := cfg.CredHelpers[domain]; ok {
			helper = h
		} else {
			helper = cfg.CredsStore
		}
	}
	if helper != "" {
		auth, err := r.fromHelper(helper, domain)
		if err == nil {
			return auth, nil
		}
		var unsupported *HelperUnsupportedHostError
		var notFound *HelperNotFoundError
		switch {
		case !explicitHelper && errors.As(err, &unsupported):
			// a config-discovered helper missing one host should not
			// block anonymous pulls
			logrus.Debugf("helper %s has no entry for %s, continuing anonymously", helper, domain)
		case !explicitHelper && errors.As(err, &notFound):
			// a stale credsStore in the config file should not block
			// anonymous pulls
			logrus.Debugf("configured helper %s is not installed, continuing anonymously", helper)
		default:
			return anonymous, err
		}
	}

	return anonymous, nil
}

func (r *Resolver) fromHelper(helper, domain string) (types.AuthConfig, error) {
	programFunc := r.programFunc
	if programFunc == nil {
		binary := remoteCredentialsPrefix + helper
		if _, err := exec.LookPath(binary); err != nil {
			return types.AuthConfig{}, &HelperNotFoundError{Helper: binary, Err: err}
		}
		programFunc = client.NewShellProgramFunc(binary)
	}

	creds, err := client.Get(programFunc, domain)
	if err != nil {
		if credentials.IsErrCredentialsNotFound(err) {
			return types.AuthConfig{}, &HelperUnsupportedHostError{Helper: helper, Host: domain}
		}
		return types.AuthConfig{}, errors.Wrapf(err, "credential helper %s failed for %s", helper, domain)
	}

	logrus.Debugf("using credential helper %s for %s", helper, domain)
	return types.AuthConfig{
		Username:      creds.Username,
		Password:      creds.Secret,
		ServerAddress: domain,
	}, nil
}

// configKeys returns the config file keys to try for a domain. Docker
// Hub credentials live under legacy index URLs.
func configKeys(domain string) []string {
	if domain == "registry-1.docker.io" || domain == "docker.io" || domain == "index.docker.io" {
		return append([]string{domain}, dockerHubAliases...)
	}
	return []string{domain, "https://" + domain, "http://" + domain}
}
