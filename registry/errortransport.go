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
	"io/ioutil"
	"net/http"
)

// ErrorTransport turns authorization and server failures into typed
// errors so callers never have to inspect raw status codes. It sits
// below the token transport in the chain: a 401 only reaches it after
// the bearer exchange already had its chance.
type ErrorTransport struct {
	Transport http.RoundTripper
}

// RoundTrip defines the round tripper for the error transport.
func (t *ErrorTransport) RoundTrip(request *http.Request) (*http.Response, error) {
	resp, err := t.Transport.RoundTrip(request)
	if err != nil {
		return resp, err
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		defer resp.Body.Close()
		body, readErr := ioutil.ReadAll(resp.Body)
		if readErr != nil {
			return nil, &ProtocolError{Op: "reading error response", Err: readErr}
		}
		return nil, &UnauthorizedError{
			Host:       request.URL.Host,
			StatusCode: resp.StatusCode,
			Body:       body,
		}
	case resp.StatusCode >= 500:
		resp.Body.Close()
		return nil, &TransientError{
			Host:       request.URL.Host,
			StatusCode: resp.StatusCode,
		}
	}

	return resp, nil
}
