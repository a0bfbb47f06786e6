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
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/docker/distribution/manifest/schema2"
	"github.com/docker/docker/api/types"
	"github.com/sirupsen/logrus"
)

// Registry defines the client for pushing to and reading from the
// registry blob/manifest API.
type Registry struct {
	URL        string
	Domain     string
	Username   string
	Password   string
	Client     *http.Client
	Logf       LogfCallback
	Opt        Opt
	authConfig types.AuthConfig

	// baseTransport is the chain below the token transport, used for
	// the token exchange itself.
	baseTransport http.RoundTripper
}

var reProtocol = regexp.MustCompile("^https?://")

// LogfCallback is the callback for formatting logs.
type LogfCallback func(format string, args ...interface{})

// Quiet discards logs silently.
func Quiet(format string, args ...interface{}) {}

// Log passes log messages to logrus at debug level.
func Log(format string, args ...interface{}) {
	logrus.Debugf(format, args...)
}

// Opt holds the options for a new registry.
type Opt struct {
	Domain     string
	Insecure   bool
	Debug      bool
	SkipPing   bool
	NonSSL     bool
	Timeout    time.Duration
	Headers    map[string]string
	MaxRetries int
	RetryDelay time.Duration
}

// New creates a new Registry struct with the given URL and credentials.
func New(ctx context.Context, auth types.AuthConfig, opt Opt) (*Registry, error) {
	transport := http.DefaultTransport

	if opt.Insecure {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: true, // #nosec G402 -- requested by the caller for local registries
			},
		}
	}

	return newFromTransport(ctx, auth, transport, opt)
}

func newFromTransport(ctx context.Context, auth types.AuthConfig, transport http.RoundTripper, opt Opt) (*Registry, error) {
	if len(opt.Domain) < 1 || opt.Domain == "docker.io" {
		opt.Domain = auth.ServerAddress
	}
	url := strings.TrimSuffix(opt.Domain, "/")
	authURL := strings.TrimSuffix(auth.ServerAddress, "/")

	if !reProtocol.MatchString(url) {
		if !opt.NonSSL {
			url = "https://" + url
		} else {
			url = "http://" + url
		}
	}

	if !reProtocol.MatchString(authURL) {
		if !opt.NonSSL {
			authURL = "https://" + authURL
		} else {
			authURL = "http://" + authURL
		}
	}

	tokenTransport := &TokenTransport{
		Transport: transport,
		Username:  auth.Username,
		Password:  auth.Password,
	}
	basicAuthTransport := &BasicTransport{
		Transport: tokenTransport,
		URL:       authURL,
		Username:  auth.Username,
		Password:  auth.Password,
	}
	errorTransport := &ErrorTransport{
		Transport: basicAuthTransport,
	}
	customTransport := &CustomTransport{
		Transport: errorTransport,
		Headers:   opt.Headers,
	}

	// set the logging
	logf := Quiet
	if opt.Debug {
		logf = Log
	}

	registry := &Registry{
		URL:    url,
		Domain: reProtocol.ReplaceAllString(url, ""),
		Client: &http.Client{
			Timeout:   opt.Timeout,
			Transport: customTransport,
		},
		Username:      auth.Username,
		Password:      auth.Password,
		Logf:          logf,
		Opt:           opt,
		authConfig:    auth,
		baseTransport: transport,
	}

	if registry.Pingable() && !opt.SkipPing {
		if err := registry.Ping(ctx); err != nil {
			return nil, err
		}
	}

	return registry, nil
}

// url returns a registry URL with the passed arguments concatenated.
func (r *Registry) url(pathTemplate string, args ...interface{}) string {
	pathSuffix := fmt.Sprintf(pathTemplate, args...)
	url := fmt.Sprintf("%s%s", r.URL, pathSuffix)
	return url
}

func (r *Registry) getJSON(ctx context.Context, url string, response interface{}) (*http.Response, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}

	if _, ok := response.(*schema2.Manifest); ok {
		req.Header.Add("Accept", schema2.MediaTypeManifest)
	}

	resp, err := r.doWithRetry(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	r.Logf("registry.registry resp.Status=%s", resp.Status)
	if err := json.NewDecoder(resp.Body).Decode(response); err != nil {
		return nil, &ProtocolError{Op: "decoding " + url, Err: err}
	}

	return resp, nil
}

// doWithRetry performs the request, retrying transient failures with
// exponential backoff. Authorization and protocol failures escalate
// immediately.
func (r *Registry) doWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	maxRetries := r.Opt.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	delay := r.Opt.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}

	// requests carrying a body cannot be replayed
	if req.Body != nil {
		return r.Client.Do(req.WithContext(ctx))
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			r.Logf("registry.retry attempt=%d url=%s err=%v", attempt, req.URL, lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		resp, err := r.Client.Do(req.WithContext(ctx))
		if err == nil {
			return resp, nil
		}
		if !isTransient(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

const (
	defaultMaxRetries = 3
	defaultRetryDelay = 500 * time.Millisecond
)
