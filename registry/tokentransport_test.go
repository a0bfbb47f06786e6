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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// tokenServer answers bearer challenges for every endpoint except its
// own token endpoints, which hand out a token in either response shape.
type tokenServer struct {
	realm         string
	tokenRequests int
	refuseTokens  bool
}

func (s *tokenServer) handler(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/token") || strings.HasPrefix(r.URL.Path, "/accesstoken") {
		s.tokenRequests++
		if s.refuseTokens {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if strings.HasPrefix(r.URL.Path, "/accesstoken") {
			w.Write([]byte(`{"access_token":"push-token-1234"}`))
		} else {
			w.Write([]byte(`{"token":"push-token-1234"}`))
		}
		return
	}
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer") {
		w.Header().Set("www-authenticate",
			`Bearer realm="`+s.realm+`",service="my.registry.io",scope="repository:test/app:pull,push"`)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"errors":[{"code":"UNAUTHORIZED","message":"authentication required"}]}`))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func TestTokenBasicAuthChallenge(t *testing.T) {
	ctx := context.Background()
	r, done := newTestRegistry(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/" {
			w.Header().Set("www-authenticate", `Basic realm="Registry Realm",service="container registry"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer done()

	token, err := r.Token(ctx, r.URL+"/")
	if !errors.Is(err, ErrBasicAuth) {
		t.Fatalf("expected ErrBasicAuth getting token, got %v", err)
	}
	if token != "" {
		t.Fatalf("expected empty token, got %q", token)
	}
}

func TestTokenBothResponseShapesWork(t *testing.T) {
	for _, endpoint := range []string{"/token", "/accesstoken"} {
		srv := &tokenServer{}
		ts := httptest.NewServer(http.HandlerFunc(srv.handler))
		srv.realm = ts.URL + endpoint

		ctx := context.Background()
		auth := types.AuthConfig{Username: "pusher", Password: "pushword", ServerAddress: ts.URL}
		r, err := New(ctx, auth, Opt{Insecure: true, Debug: true, SkipPing: true})
		if err != nil {
			ts.Close()
			t.Fatalf("creating client: %v", err)
		}

		token, err := r.Token(ctx, ts.URL+"/v2/test/app/blobs/uploads/")
		if err != nil {
			t.Fatalf("getting token via %s: %v", endpoint, err)
		}
		if token != "push-token-1234" {
			t.Fatalf("got token %q via %s", token, endpoint)
		}
		ts.Close()
	}
}

// TestTokenExchangeUnauthorized pins the error type for a refused token
// exchange: callers need *UnauthorizedError to tell a credentials
// problem from a transient one, and a refusal must not be retried.
func TestTokenExchangeUnauthorized(t *testing.T) {
	srv := &tokenServer{refuseTokens: true}
	ts := httptest.NewServer(http.HandlerFunc(srv.handler))
	defer ts.Close()
	srv.realm = ts.URL + "/token"

	ctx := context.Background()
	r, err := New(ctx, types.AuthConfig{ServerAddress: ts.URL}, Opt{Insecure: true, Debug: true, SkipPing: true})
	if err != nil {
		t.Fatalf("creating client: %v", err)
	}

	_, err = r.HasBlob(ctx, "test/app", digest.FromBytes([]byte("anything")))
	var unauthorized *UnauthorizedError
	if !errors.As(err, &unauthorized) {
		t.Fatalf("expected *UnauthorizedError, got %v", err)
	}
	if unauthorized.Forbidden() {
		t.Fatal("a 401 token refusal must not read as forbidden")
	}
	if isTransient(err) {
		t.Fatal("a refused token exchange must not be retryable")
	}
	if srv.tokenRequests != 1 {
		t.Fatalf("expected a single token request, got %d", srv.tokenRequests)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func TestTokenTransportPassesThroughErrors(t *testing.T) {
	transport := &TokenTransport{
		Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			return nil, errors.New("connection refused")
		}),
	}
	if _, err := transport.RoundTrip(httptest.NewRequest(http.MethodGet, "/", nil)); err == nil {
		t.Fatal("expected the transport error to surface")
	}
}

// bodySpy records whether a response body got closed.
type bodySpy struct {
	t      *testing.T
	closed bool
}

func (b *bodySpy) Read(p []byte) (int, error) {
	b.t.Helper()
	panic("unexpected read")
}

func (b *bodySpy) Close() error {
	b.closed = true
	return nil
}

func TestTokenTransportClosesBodyOnBadChallenge(t *testing.T) {
	body := &bodySpy{t: t}
	transport := &TokenTransport{
		Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			// 401 without a www-authenticate header
			return &http.Response{StatusCode: http.StatusUnauthorized, Body: body}, nil
		}),
	}
	resp, err := transport.RoundTrip(httptest.NewRequest(http.MethodGet, "/", nil))
	if err == nil {
		t.Fatal("expected an error for the missing challenge header")
	}
	if resp != nil {
		t.Fatal("expected no response alongside the error")
	}
	if !body.closed {
		t.Fatal("expected the challenge body to be closed")
	}
}

func TestTokenTransportClosesChallengeBodyOnRetry(t *testing.T) {
	srv := &tokenServer{}
	ts := httptest.NewServer(http.HandlerFunc(srv.handler))
	defer ts.Close()
	srv.realm = ts.URL + "/token"

	calls := 0
	body := &bodySpy{t: t}
	transport := &TokenTransport{
		Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			calls++
			switch calls {
			case 1: // challenged request
				header := http.Header{}
				header.Set("www-authenticate", `Bearer realm="`+srv.realm+`",service="my.registry.io"`)
				return &http.Response{StatusCode: http.StatusUnauthorized, Header: header, Body: body}, nil
			case 2: // token exchange
				return ts.Client().Transport.RoundTrip(req)
			default: // replay with the token
				return &http.Response{StatusCode: http.StatusOK, Body: &bodySpy{t: t}, Header: http.Header{}}, nil
			}
		}),
	}

	resp, err := transport.RoundTrip(httptest.NewRequest(http.MethodGet, "/", nil))
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if resp == nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("expected the replayed request to succeed, got %+v", resp)
	}
	if !body.closed {
		t.Fatal("expected the challenge body to be closed")
	}
}
