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
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/opencontainers/go-digest"
)

// UnauthorizedError covers 401 and 403 registry responses. StatusCode
// lets callers tell missing credentials (401) from a denied push (403)
// and render the right remediation.
type UnauthorizedError struct {
	Host       string
	StatusCode int
	Body       []byte
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("registry %s denied the request (status=%d body=%q)", e.Host, e.StatusCode, e.Body)
}

// Forbidden reports whether the registry understood the credentials but
// refused the action.
func (e *UnauthorizedError) Forbidden() bool {
	return e.StatusCode == http.StatusForbidden
}

// TransientError covers 5xx responses and transport-level failures.
// Eligible for bounded retry before escalating.
type TransientError struct {
	Host       string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient registry failure against %s: %v", e.Host, e.Err)
	}
	return fmt.Sprintf("transient registry failure against %s (status=%d)", e.Host, e.StatusCode)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ProtocolError covers responses the registry should never produce:
// bodies that do not decode, missing headers. Never retried.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed registry response during %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// BlobVerificationError reports an uploaded blob whose bytes hashed to a
// different digest than expected. Fatal for the push.
type BlobVerificationError struct {
	Expected digest.Digest
	Actual   string
}

func (e *BlobVerificationError) Error() string {
	return fmt.Sprintf("blob digest changed during upload, expected %s, uploaded %s", e.Expected.Hex(), e.Actual)
}

// isTransient reports whether an error is worth retrying: 5xx responses
// and plain transport failures are, authorization and protocol errors
// are not. http.Client wraps round tripper errors in *url.Error, so
// classification unwraps first.
func isTransient(err error) bool {
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}

	var unauthorized *UnauthorizedError
	var protocol *ProtocolError
	if errors.As(err, &unauthorized) || errors.As(err, &protocol) || errors.Is(err, ErrBasicAuth) {
		return false
	}

	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
