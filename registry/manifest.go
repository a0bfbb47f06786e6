// Copyright © 2021 Alibaba Group Holding Ltd.
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

package registry

import (
	"bytes"
	"context"
	"io/ioutil"
	"net/http"

	"github.com/docker/distribution"
	"github.com/docker/distribution/manifest/schema2"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// ErrUnexpectedSchemaVersion is returned when the registry answers with a
// manifest schema version other than the one requested.
var ErrUnexpectedSchemaVersion = errors.New("received a different schema version than expected")

// Manifest returns the manifest for a specific repository:ref, in
// whatever media type the registry answered with.
func (r *Registry) Manifest(ctx context.Context, repository, ref string) (distribution.Manifest, error) {
	uri := r.url("/v2/%s/manifests/%s", repository, ref)
	r.Logf("registry.manifests uri=%s repository=%s ref=%s", uri, repository, ref)

	req, err := http.NewRequest("GET", uri, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Add("Accept", schema2.MediaTypeManifest)

	resp, err := r.doWithRetry(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	m, _, err := distribution.UnmarshalManifest(resp.Header.Get("Content-Type"), body)
	if err != nil {
		return nil, &ProtocolError{Op: "manifest get", Err: err}
	}

	return m, nil
}

// ManifestV2 gets the registry v2 manifest for a repository:ref.
func (r *Registry) ManifestV2(ctx context.Context, repository, ref string) (schema2.Manifest, error) {
	uri := r.url("/v2/%s/manifests/%s", repository, ref)
	r.Logf("registry.manifests uri=%s repository=%s ref=%s", uri, repository, ref)

	var m schema2.Manifest
	if _, err := r.getJSON(ctx, uri, &m); err != nil {
		return m, err
	}

	if m.Versioned.SchemaVersion != 2 {
		return m, ErrUnexpectedSchemaVersion
	}

	return m, nil
}

// Digest returns the digest the registry reports for a repository:ref.
func (r *Registry) Digest(ctx context.Context, repository, ref string) (digest.Digest, error) {
	uri := r.url("/v2/%s/manifests/%s", repository, ref)
	r.Logf("registry.manifests.head uri=%s repository=%s ref=%s", uri, repository, ref)

	req, err := http.NewRequest("HEAD", uri, nil)
	if err != nil {
		return "", err
	}
	req.Header.Add("Accept", schema2.MediaTypeManifest)

	resp, err := r.doWithRetry(ctx, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &ProtocolError{
			Op:  "manifest head",
			Err: errors.Errorf("unexpected status %d for %s:%s", resp.StatusCode, repository, ref),
		}
	}

	return digest.Parse(resp.Header.Get("Docker-Content-Digest"))
}

func (r *Registry) initManifestsPut(ctx context.Context, repository, ref string) (string, error) {
	uri := r.url("/v2/%s/manifests/%s", repository, ref)
	r.Logf("registry.manifest.put.init url=%s repository=%s reference=%s", uri, repository, ref)

	req, err := http.NewRequest("PUT", uri, nil)
	if err != nil {
		return "", err
	}

	resp, err := r.Client.Do(req.WithContext(ctx))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	return resp.Header.Get("Request-Token"), nil
}

// PutManifest publishes a manifest for a repository:ref. It runs last
// in a push: the image only becomes pullable once this succeeds.
func (r *Registry) PutManifest(ctx context.Context, repository, ref string, manifest distribution.Manifest) error {
	token, err := r.initManifestsPut(ctx, repository, ref)
	if err != nil {
		return err
	}

	uri := r.url("/v2/%s/manifests/%s", repository, ref)
	r.Logf("registry.manifest.put url=%s repository=%s reference=%s", uri, repository, ref)

	mediaType, b, err := manifest.Payload()
	if err != nil {
		return err
	}

	req, err := http.NewRequest("PUT", uri, bytes.NewBuffer(b))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", mediaType)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.Client.Do(req.WithContext(ctx))
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return &ProtocolError{
			Op:  "manifest put",
			Err: errors.Errorf("unexpected status %d for %s:%s", resp.StatusCode, repository, ref),
		}
	}
	return nil
}
