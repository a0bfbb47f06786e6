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

package common

import (
	"path/filepath"

	"github.com/mitchellh/go-homedir"
)

// Logical layer types, ordered least-to-most-frequently changing so that
// rebuilds keep hitting the cache for the expensive layers.
const (
	LayerTypeDependencies = "dependencies"
	LayerTypeResources    = "resources"
	LayerTypeClasses      = "classes"
)

const (
	DefaultBaseImage    = "gcr.io/distroless/java:latest"
	DefaultCacheDirName = ".jib/cache"

	DependenciesPathOnImage = "/app/libs"
	ResourcesPathOnImage    = "/app/resources"
	ClassesPathOnImage      = "/app/classes"

	CacheMetadataFileName = "metadata.json"
	CacheLayerFileName    = "layer.tar.gz"
)

const (
	FileMode0766 = 0766
	FileMode0755 = 0755
	FileMode0644 = 0644
	FileMode0600 = 0600
)

// DefaultCacheDir is the per-user layer cache root, used when the build
// request does not name one.
func DefaultCacheDir() string {
	home, err := homedir.Dir()
	if err != nil {
		return filepath.Join("/tmp", DefaultCacheDirName)
	}
	return filepath.Join(home, DefaultCacheDirName)
}

// DefaultRegistryAuthConfigPath returns the docker CLI config file holding
// registry auths and credential helper configuration.
func DefaultRegistryAuthConfigPath() string {
	home, err := homedir.Dir()
	if err != nil {
		return "/root/.docker/config.json"
	}
	return filepath.Join(home, ".docker", "config.json")
}
