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
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// ErrBasicAuth indicates the registry wants basic auth, not a bearer
// token exchange.
var ErrBasicAuth = errors.New("basic auth required")

var (
	bearerRegex = regexp.MustCompile(
		`^\s*Bearer\s+(.*)$`)
	keyValueRegex = regexp.MustCompile(
		`^([^=]+)="?([^"]*)"?$`)
)

// authService describes the token endpoint named by a WWW-Authenticate
// challenge: where to get a token, for which service, in which scope.
type authService struct {
	Realm   *url.URL
	Service string
	Scope   []string
}

func (a *authService) Request(username, password string) (*http.Request, error) {
	q := a.Realm.Query()
	q.Set("service", a.Service)
	for _, s := range a.Scope {
		q.Add("scope", s)
	}

	u := *a.Realm
	u.RawQuery = q.Encode()

	req, err := http.NewRequest("GET", u.String(), nil)
	if err != nil {
		return nil, err
	}
	if username != "" || password != "" {
		req.SetBasicAuth(username, password)
	}
	return req, nil
}

func parseAuthHeader(header http.Header) (*authService, error) {
	ch, err := parseChallenge(header.Get("www-authenticate"))
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// parseChallenge parses a WWW-Authenticate header value such as
//
//	Bearer realm="https://auth.example.com/token",service="registry",scope="repository:foo/bar:push"
func parseChallenge(challengeHeader string) (*authService, error) {
	if strings.HasPrefix(strings.ToLower(challengeHeader), "basic") {
		return nil, errors.Wrap(ErrBasicAuth, "unsupported auth scheme")
	}

	match := bearerRegex.FindAllStringSubmatch(challengeHeader, -1)
	if d := len(match); d != 1 {
		return nil, errors.Errorf("malformed auth challenge header: '%s', %d", challengeHeader, d)
	}
	parts := splitChallenge(strings.TrimSpace(match[0][1]))

	var realm, service string
	var scope []string
	for _, s := range parts {
		p := keyValueRegex.FindAllStringSubmatch(s, -1)
		if len(p) != 1 {
			return nil, fmt.Errorf("malformed auth challenge header: '%s'", challengeHeader)
		}

		key := strings.ToLower(strings.TrimSpace(p[0][1]))
		value := strings.TrimSpace(p[0][2])
		switch key {
		case "realm":
			realm = value
		case "service":
			service = value
		case "scope":
			if value != "" {
				scope = append(scope, value)
			}
		}
	}

	if realm == "" {
		return nil, errors.Errorf("missing realm in bearer auth challenge: '%s'", challengeHeader)
	}
	realmURL, err := url.Parse(realm)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid realm %q in auth challenge", realm)
	}

	return &authService{
		Realm:   realmURL,
		Service: service,
		Scope:   scope,
	}, nil
}

// splitChallenge splits the challenge on commas outside quoted values;
// push scopes like "repository:foo/bar:pull,push" carry commas inside.
func splitChallenge(s string) []string {
	var parts []string
	var cur strings.Builder
	inQuotes := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			cur.WriteRune(r)
		case r == ',' && !inQuotes:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}
