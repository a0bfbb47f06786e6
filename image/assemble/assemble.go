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

package assemble

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/docker/distribution"
	"github.com/docker/distribution/manifest/schema2"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"

	"github.com/idefav/jib/common"
	"github.com/idefav/jib/image/layer"
)

// imageCreated pins config timestamps so that identical inputs always
// produce identical config blobs.
var imageCreated = time.Unix(1, 0).UTC()

// LayerCountMismatchError reports an image whose layer bookkeeping
// disagrees with itself: manifest layers vs config diff IDs, or diff
// IDs vs non-empty history rows. Pushing such an image would produce a
// broken rootfs.
type LayerCountMismatchError struct {
	ManifestLayers  int
	ConfigDiffIDs   int
	NonEmptyHistory int
}

func (e *LayerCountMismatchError) Error() string {
	if e.ManifestLayers != e.ConfigDiffIDs {
		return fmt.Sprintf("base image manifest has %d layers but its config has %d diff IDs",
			e.ManifestLayers, e.ConfigDiffIDs)
	}
	return fmt.Sprintf("image config has %d diff IDs but %d non-empty history entries",
		e.ConfigDiffIDs, e.NonEmptyHistory)
}

// BaseImage carries the two blobs that describe a pulled base image.
type BaseImage struct {
	Config   v1.Image
	Manifest schema2.Manifest
}

// Options configures the application part of the assembled image.
type Options struct {
	MainClass string
	JVMFlags  []string
	// Env entries override base image variables of the same name.
	Env   map[string]string
	Ports []string
}

// Image is a fully assembled image ready to push: the serialized config
// blob plus the manifest referencing it and every layer.
type Image struct {
	Config       v1.Image
	RawConfig    []byte
	ConfigDigest digest.Digest
	Manifest     *schema2.DeserializedManifest
}

// Assemble layers the application archives on top of the base image and
// produces the final config and manifest. Layer order in the output
// follows the input slice, after the base image's own layers.
func Assemble(base BaseImage, layers []*layer.Layer, opts Options) (*Image, error) {
	if len(base.Manifest.Layers) != len(base.Config.RootFS.DiffIDs) {
		return nil, &LayerCountMismatchError{
			ManifestLayers: len(base.Manifest.Layers),
			ConfigDiffIDs:  len(base.Config.RootFS.DiffIDs),
		}
	}
	if opts.MainClass == "" {
		return nil, errors.New("a main class is required to assemble the image")
	}

	config := base.Config
	config.Created = &imageCreated

	config.RootFS.DiffIDs = append(append([]digest.Digest{}, base.Config.RootFS.DiffIDs...), diffIDs(layers)...)
	config.History = append(append([]v1.History{}, base.Config.History...), history(layers)...)

	// bases with empty-layer history rows (ENV, LABEL steps) are fine,
	// but every diff ID needs exactly one non-empty row
	nonEmpty := 0
	for _, h := range config.History {
		if !h.EmptyLayer {
			nonEmpty++
		}
	}
	if nonEmpty != len(config.RootFS.DiffIDs) {
		return nil, &LayerCountMismatchError{
			ManifestLayers:  len(base.Manifest.Layers) + len(layers),
			ConfigDiffIDs:   len(config.RootFS.DiffIDs),
			NonEmptyHistory: nonEmpty,
		}
	}

	config.Config.Env = mergeEnv(base.Config.Config.Env, opts.Env)
	config.Config.Entrypoint = entrypoint(opts)
	config.Config.Cmd = nil
	if len(opts.Ports) > 0 {
		config.Config.ExposedPorts = exposedPorts(opts.Ports)
	}

	rawConfig, err := json.Marshal(config)
	if err != nil {
		return nil, errors.Wrap(err, "serializing image config")
	}
	configDigest := digest.FromBytes(rawConfig)

	manifest, err := schema2.FromStruct(schema2.Manifest{
		Versioned: schema2.SchemaVersion,
		Config: distribution.Descriptor{
			MediaType: schema2.MediaTypeImageConfig,
			Digest:    configDigest,
			Size:      int64(len(rawConfig)),
		},
		Layers: append(append([]distribution.Descriptor{}, base.Manifest.Layers...), descriptors(layers)...),
	})
	if err != nil {
		return nil, errors.Wrap(err, "building manifest")
	}

	return &Image{
		Config:       config,
		RawConfig:    rawConfig,
		ConfigDigest: configDigest,
		Manifest:     manifest,
	}, nil
}

func diffIDs(layers []*layer.Layer) []digest.Digest {
	ids := make([]digest.Digest, 0, len(layers))
	for _, l := range layers {
		ids = append(ids, l.DiffID)
	}
	return ids
}

func descriptors(layers []*layer.Layer) []distribution.Descriptor {
	descs := make([]distribution.Descriptor, 0, len(layers))
	for _, l := range layers {
		descs = append(descs, distribution.Descriptor{
			MediaType: schema2.MediaTypeLayer,
			Digest:    l.ContentDigest,
			Size:      l.Size,
		})
	}
	return descs
}

func history(layers []*layer.Layer) []v1.History {
	entries := make([]v1.History, 0, len(layers))
	for _, l := range layers {
		created := imageCreated
		entries = append(entries, v1.History{
			Created:   &created,
			CreatedBy: "jib:" + l.Type,
		})
	}
	return entries
}

// mergeEnv applies overrides onto the base environment. A variable set
// in both keeps its base position with the override value; new
// variables are appended in sorted order so output stays stable.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}

	pending := make(map[string]string, len(overrides))
	for k, v := range overrides {
		pending[k] = v
	}

	merged := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key := kv
		if i := strings.IndexRune(kv, '='); i != -1 {
			key = kv[:i]
		}
		if v, ok := pending[key]; ok {
			merged = append(merged, key+"="+v)
			delete(pending, key)
			continue
		}
		merged = append(merged, kv)
	}

	added := make([]string, 0, len(pending))
	for k, v := range pending {
		added = append(added, k+"="+v)
	}
	sort.Strings(added)

	return append(merged, added...)
}

func entrypoint(opts Options) []string {
	classpath := strings.Join([]string{
		common.DependenciesPathOnImage + "/*",
		common.ResourcesPathOnImage + "/",
		common.ClassesPathOnImage + "/",
	}, ":")

	ep := append([]string{"java"}, opts.JVMFlags...)
	return append(ep, "-cp", classpath, opts.MainClass)
}

func exposedPorts(ports []string) map[string]struct{} {
	exposed := make(map[string]struct{}, len(ports))
	for _, p := range ports {
		if !strings.ContainsRune(p, '/') {
			p += "/tcp"
		}
		exposed[p] = struct{}{}
	}
	return exposed
}
