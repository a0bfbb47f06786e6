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
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// TokenTransport answers bearer challenges: an unauthenticated request
// goes out first, and on a 401 with a Bearer challenge the named realm
// is asked for a token which is then replayed on the original request.
// Tokens are cached per (host, scope) so one exchange serves every
// following request of the same push.
type TokenTransport struct {
	Transport http.RoundTripper
	Username  string
	Password  string

	mux    sync.RWMutex
	tokens map[string]string
}

// RoundTrip defines the round tripper for the token transport.
func (t *TokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.Transport.RoundTrip(req)
	if err != nil {
		return resp, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	// token demand: the original body is done for either way
	authService, err := parseAuthHeader(resp.Header)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	return t.authAndRetry(authService, req)
}

type authToken struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
}

func (t *authToken) String() (string, error) {
	if t.Token != "" {
		return t.Token, nil
	}
	if t.AccessToken != "" {
		return t.AccessToken, nil
	}
	return "", errors.New("auth token cannot be empty")
}

func (t *TokenTransport) authAndRetry(authService *authService, req *http.Request) (*http.Response, error) {
	token, err := t.auth(authService)
	if err != nil {
		return nil, err
	}

	resp, err := t.retry(req, token)
	if err == nil && resp != nil && resp.StatusCode == http.StatusUnauthorized {
		// replayed token was refused, drop the cache so the next
		// request exchanges a fresh one
		t.invalidate()
	}
	return resp, err
}

func (t *TokenTransport) auth(authService *authService) (string, error) {
	cacheKey := authCacheKey(authService)
	if token := t.cachedToken(cacheKey); token != "" {
		return token, nil
	}

	authReq, err := authService.Request(t.Username, t.Password)
	if err != nil {
		return "", err
	}

	c := http.Client{Transport: t.Transport}
	resp, err := c.Do(authReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	// the token endpoint sits below the error transport, so refusals
	// get typed here
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		body, _ := ioutil.ReadAll(resp.Body)
		return "", &UnauthorizedError{
			Host:       authService.Realm.Host,
			StatusCode: resp.StatusCode,
			Body:       body,
		}
	case resp.StatusCode >= 500:
		return "", &TransientError{
			Host:       authService.Realm.Host,
			StatusCode: resp.StatusCode,
		}
	case resp.StatusCode != http.StatusOK:
		return "", &ProtocolError{Op: "token exchange", Err: errors.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var token authToken
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", &ProtocolError{Op: "token exchange", Err: err}
	}

	tokenStr, err := token.String()
	if err != nil {
		return "", &ProtocolError{Op: "token exchange", Err: err}
	}

	t.storeToken(cacheKey, tokenStr)
	return tokenStr, nil
}

func (t *TokenTransport) retry(req *http.Request, token string) (*http.Response, error) {
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	return t.Transport.RoundTrip(req)
}

// invalidate drops every cached token, forcing a fresh exchange on the
// next challenge. Called when a replayed token comes back 401.
func (t *TokenTransport) invalidate() {
	t.mux.Lock()
	defer t.mux.Unlock()
	t.tokens = nil
}

func (t *TokenTransport) cachedToken(key string) string {
	t.mux.RLock()
	defer t.mux.RUnlock()
	return t.tokens[key]
}

func (t *TokenTransport) storeToken(key, token string) {
	t.mux.Lock()
	defer t.mux.Unlock()
	if t.tokens == nil {
		t.tokens = map[string]string{}
	}
	t.tokens[key] = token
}

func authCacheKey(a *authService) string {
	return a.Realm.Host + "|" + strings.Join(a.Scope, ",")
}

// Token manually requests a bearer token for the given url, primarily
// for probing a registry's auth configuration.
func (r *Registry) Token(ctx context.Context, url string) (string, error) {
	r.Logf("registry.token url=%s", url)

	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return "", err
	}

	client := http.Client{Transport: r.baseTransport}
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		// no challenge, no token needed
		return "", nil
	}

	authService, err := parseAuthHeader(resp.Header)
	if err != nil {
		if errors.Is(err, ErrBasicAuth) {
			return "", ErrBasicAuth
		}
		return "", err
	}

	tokenTransport := &TokenTransport{
		Transport: r.baseTransport,
		Username:  r.Username,
		Password:  r.Password,
	}
	return tokenTransport.auth(authService)
}
