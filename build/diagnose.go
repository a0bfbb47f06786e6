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

package build

import (
	"github.com/pkg/errors"

	"github.com/idefav/jib/registry"
	"github.com/idefav/jib/registry/auth"
)

// diagnose turns raw registry and helper failures into errors that tell
// the user what to fix. Other errors pass through untouched.
func (b *builder) diagnose(err error) error {
	if err == nil {
		return nil
	}

	var unauthorized *registry.UnauthorizedError
	if errors.As(err, &unauthorized) {
		if unauthorized.Forbidden() {
			return errors.Wrapf(err, "check that you have push permission to %s", b.req.TargetImage)
		}
		if b.req.CredentialHelper == "" && b.req.Username == "" {
			return errors.Wrap(err, "registry rejected anonymous access, configure a credential helper or pass credentials")
		}
		return errors.Wrap(err, "registry rejected the configured credentials, check your credential helper setup")
	}

	var helperMissing *auth.HelperNotFoundError
	if errors.As(err, &helperMissing) {
		return errors.Wrapf(err, "install %s or configure a different credential helper", helperMissing.Helper)
	}

	return err
}
