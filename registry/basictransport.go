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
	"net/http"
	"strings"
)

// BasicTransport attaches basic credentials to requests aimed at the
// registry itself. Requests that already carry an Authorization header,
// such as a bearer token set by the transport below it, pass through
// untouched, as do requests to other hosts like a token realm.
type BasicTransport struct {
	Transport http.RoundTripper
	URL       string
	Username  string
	Password  string
}

// RoundTrip defines the round tripper for the basic transport.
func (t *BasicTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Username != "" || t.Password != "" {
		if strings.HasPrefix(req.URL.String(), t.URL) && req.Header.Get("Authorization") == "" {
			req.SetBasicAuth(t.Username, t.Password)
		}
	}
	return t.Transport.RoundTrip(req)
}
