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
	"context"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"

	"github.com/docker/distribution"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// DownloadBlob fetches a blob by digest for a repository, e.g. a base
// image configuration.
func (r *Registry) DownloadBlob(ctx context.Context, repository string, dig digest.Digest) (io.ReadCloser, error) {
	url := r.url("/v2/%s/blobs/%s", repository, dig)
	r.Logf("registry.blob.download url=%s repository=%s digest=%s", url, repository, dig)

	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.doWithRetry(ctx, req)
	if err != nil {
		return nil, err
	}

	return resp.Body, nil
}

// UploadBlob uploads a blob by digest for a repository: a POST opens an
// upload session, a single PUT carries the content. The bytes are
// re-hashed on the way out and compared against the expected digest.
func (r *Registry) UploadBlob(ctx context.Context, repository string, dig digest.Digest, content io.Reader) error {
	uploadURL, token, err := r.initiateUpload(ctx, repository)
	if err != nil {
		return err
	}

	q := uploadURL.Query()
	q.Set("digest", dig.String())
	uploadURL.RawQuery = q.Encode()

	// used to verify the compressed blob hash
	hash := dig.Algorithm().Hash()
	uploadReader := io.TeeReader(content, hash)
	r.Logf("registry.blob.upload url=%s repository=%s digest=%s", uploadURL, repository, dig)
	upload, err := http.NewRequest("PUT", uploadURL.String(), uploadReader)
	if err != nil {
		return err
	}

	upload.Header.Set("Content-Type", "application/octet-stream")
	if token != "" {
		upload.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := r.Client.Do(upload.WithContext(ctx))
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return err
	}

	currentDigestHex := hex.EncodeToString(hash.Sum(nil))
	if currentDigestHex != dig.Hex() {
		return &BlobVerificationError{Expected: dig, Actual: currentDigestHex}
	}

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return &ProtocolError{
			Op:  "blob upload",
			Err: errors.Errorf("unexpected status %d for %s", resp.StatusCode, dig),
		}
	}
	return nil
}

// HasBlob returns if the registry contains the specific digest for a repository.
func (r *Registry) HasBlob(ctx context.Context, repository string, dig digest.Digest) (bool, error) {
	checkURL := r.url("/v2/%s/blobs/%s", repository, dig)
	r.Logf("registry.blob.check url=%s repository=%s digest=%s", checkURL, repository, dig)

	req, err := http.NewRequest("HEAD", checkURL, nil)
	if err != nil {
		return false, err
	}
	resp, err := r.doWithRetry(ctx, req)
	if err == nil {
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK, nil
	}

	return false, err
}

// BlobMetadata returns the size descriptor for a blob already present
// in the repository, or distribution.ErrBlobUnknown.
func (r *Registry) BlobMetadata(ctx context.Context, repository string, dig digest.Digest) (distribution.Descriptor, error) {
	checkURL := r.url("/v2/%s/blobs/%s", repository, dig)
	r.Logf("registry.blob.metadata url=%s repository=%s digest=%s", checkURL, repository, dig)

	req, err := http.NewRequest("HEAD", checkURL, nil)
	if err != nil {
		return distribution.Descriptor{}, err
	}
	resp, err := r.doWithRetry(ctx, req)
	if err != nil {
		return distribution.Descriptor{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusNotFound {
			return distribution.Descriptor{}, distribution.ErrBlobUnknown
		}
		return distribution.Descriptor{}, &ProtocolError{
			Op:  "blob metadata",
			Err: errors.Errorf("unexpected status %d for %s", resp.StatusCode, dig),
		}
	}

	return distribution.Descriptor{
		Digest: dig,
		Size:   resp.ContentLength,
	}, nil
}

func (r *Registry) initiateUpload(ctx context.Context, repository string) (*url.URL, string, error) {
	initiateURL := r.url("/v2/%s/blobs/uploads/", repository)
	r.Logf("registry.blob.initiate-upload url=%s repository=%s", initiateURL, repository)

	req, err := http.NewRequest("POST", initiateURL, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := r.Client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, "", err
	}
	token := resp.Header.Get("Request-Token")
	defer resp.Body.Close()

	location := resp.Header.Get("Location")
	if location == "" {
		return nil, token, &ProtocolError{
			Op:  "initiate upload",
			Err: errors.Errorf("missing Location header (status %d)", resp.StatusCode),
		}
	}
	locationURL, err := url.Parse(location)
	if err != nil {
		return nil, token, &ProtocolError{Op: "initiate upload", Err: err}
	}
	return locationURL, token, nil
}
