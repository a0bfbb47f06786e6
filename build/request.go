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
	"os"
	"path/filepath"

	"github.com/docker/docker/pkg/progress"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/idefav/jib/common"
	"github.com/idefav/jib/image/layer"
)

// Request is the full input to one build-and-push run.
type Request struct {
	// BaseImage defaults to gcr.io/distroless/java:latest.
	BaseImage   string
	TargetImage string

	// CredentialHelper is the docker-credential-<name> suffix used for
	// both registries when the docker config has no entry.
	CredentialHelper string
	// AuthConfigPath overrides the default ~/.docker/config.json.
	AuthConfigPath string
	// Username and Password are explicit target registry credentials
	// and win over every other source.
	Username string
	Password string

	MainClass string
	JVMFlags  []string
	Env       map[string]string
	Ports     []string

	// Source paths per layer, mapped under /app on the image.
	Dependencies []string
	Resources    []string
	Classes      []string

	// CacheDir defaults to ~/.jib/cache.
	CacheDir string
	// Workers bounds layer builds and blob uploads. Defaults to 4.
	Workers int

	// AllowInsecureRegistries permits plain HTTP and self-signed TLS,
	// for local registries only.
	AllowInsecureRegistries bool

	Logger BuildLogger
	// ProgressOutput receives per-blob push progress when set.
	ProgressOutput progress.Output
}

const defaultWorkers = 4

// sourceSet is one logical layer's resolved input.
type sourceSet struct {
	layerType string
	entries   []layer.Entry
}

func (r *Request) normalize() {
	if r.BaseImage == "" {
		r.BaseImage = common.DefaultBaseImage
	}
	if r.CacheDir == "" {
		r.CacheDir = common.DefaultCacheDir()
	}
	if r.Workers <= 0 {
		r.Workers = defaultWorkers
	}
	if r.Logger == nil {
		r.Logger = NewLogrusLogger()
	}
}

// resolveSources validates every source path and maps each layer type's
// files under its fixed image path. Layer types without sources are
// skipped. All missing paths are reported together.
func (r *Request) resolveSources() ([]sourceSet, error) {
	if r.TargetImage == "" {
		return nil, errors.New("a target image is required")
	}
	if r.MainClass == "" {
		return nil, errors.New("a main class is required")
	}

	mappings := []struct {
		layerType string
		sources   []string
		target    string
	}{
		{common.LayerTypeDependencies, r.Dependencies, common.DependenciesPathOnImage},
		{common.LayerTypeResources, r.Resources, common.ResourcesPathOnImage},
		{common.LayerTypeClasses, r.Classes, common.ClassesPathOnImage},
	}

	var (
		sets    []sourceSet
		missing *multierror.Error
	)
	for _, m := range mappings {
		if len(m.sources) == 0 {
			continue
		}
		set := sourceSet{layerType: m.layerType}
		for _, src := range m.sources {
			if _, err := os.Stat(src); err != nil {
				missing = multierror.Append(missing, &layer.SourceNotFoundError{Path: src, Err: err})
				continue
			}
			set.entries = append(set.entries, layer.Entry{
				SourcePath: src,
				TargetPath: m.target + "/" + filepath.Base(src),
			})
		}
		sets = append(sets, set)
	}
	if err := missing.ErrorOrNil(); err != nil {
		return nil, err
	}
	if len(sets) == 0 {
		return nil, errors.New("no layer sources configured")
	}

	return sets, nil
}
