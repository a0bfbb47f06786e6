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
	"testing"
	"time"

	"github.com/docker/distribution"
	"github.com/docker/distribution/manifest/schema2"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"

	"github.com/idefav/jib/common"
	"github.com/idefav/jib/image/layer"
)

func testBase(t *testing.T, layerContents ...string) BaseImage {
	t.Helper()
	var (
		diffs []digest.Digest
		descs []distribution.Descriptor
		hist  []v1.History
	)
	created := time.Unix(1, 0).UTC()
	for _, content := range layerContents {
		diffs = append(diffs, digest.FromBytes([]byte(content)))
		descs = append(descs, distribution.Descriptor{
			MediaType: schema2.MediaTypeLayer,
			Digest:    digest.FromBytes([]byte(content + ".gz")),
			Size:      int64(len(content)),
		})
		hist = append(hist, v1.History{Created: &created, CreatedBy: "base"})
	}
	return BaseImage{
		Config: v1.Image{
			Architecture: "amd64",
			OS:           "linux",
			Config: v1.ImageConfig{
				Env: []string{"PATH=/usr/bin", "JAVA_HOME=/opt/java"},
			},
			RootFS:  v1.RootFS{Type: "layers", DiffIDs: diffs},
			History: hist,
		},
		Manifest: schema2.Manifest{
			Versioned: schema2.SchemaVersion,
			Config: distribution.Descriptor{
				MediaType: schema2.MediaTypeImageConfig,
				Digest:    digest.FromBytes([]byte("base config")),
				Size:      11,
			},
			Layers: descs,
		},
	}
}

func testLayers(t *testing.T) []*layer.Layer {
	t.Helper()
	return []*layer.Layer{
		layer.FromContent(common.LayerTypeDependencies, []byte("deps"), digest.FromBytes([]byte("deps tar"))),
		layer.FromContent(common.LayerTypeResources, []byte("res"), digest.FromBytes([]byte("res tar"))),
		layer.FromContent(common.LayerTypeClasses, []byte("cls"), digest.FromBytes([]byte("cls tar"))),
	}
}

func TestAssembleAppendsLayers(t *testing.T) {
	base := testBase(t, "base1", "base2")
	layers := testLayers(t)

	img, err := Assemble(base, layers, Options{MainClass: "com.example.Main"})
	assert.NoError(t, err)

	assert.Len(t, img.Config.RootFS.DiffIDs, 5)
	assert.Len(t, img.Config.History, 5)
	assert.Len(t, img.Manifest.Layers, 5)

	assert.Equal(t, base.Config.RootFS.DiffIDs[0], img.Config.RootFS.DiffIDs[0])
	assert.Equal(t, layers[0].DiffID, img.Config.RootFS.DiffIDs[2])
	assert.Equal(t, layers[2].ContentDigest, img.Manifest.Layers[4].Digest)
	assert.Equal(t, "jib:"+common.LayerTypeClasses, img.Config.History[4].CreatedBy)

	assert.Equal(t, img.ConfigDigest, digest.FromBytes(img.RawConfig))
	assert.Equal(t, img.ConfigDigest, img.Manifest.Config.Digest)
	assert.Equal(t, int64(len(img.RawConfig)), img.Manifest.Config.Size)
}

func TestAssembleEntrypoint(t *testing.T) {
	img, err := Assemble(testBase(t), testLayers(t), Options{
		MainClass: "com.example.Main",
		JVMFlags:  []string{"-Xmx512m", "-Dserver.port=8080"},
	})
	assert.NoError(t, err)

	assert.Equal(t, []string{
		"java", "-Xmx512m", "-Dserver.port=8080",
		"-cp", "/app/libs/*:/app/resources/:/app/classes/",
		"com.example.Main",
	}, []string(img.Config.Config.Entrypoint))
	assert.Nil(t, img.Config.Config.Cmd)
}

func TestAssembleEnvOverrideWins(t *testing.T) {
	img, err := Assemble(testBase(t), testLayers(t), Options{
		MainClass: "com.example.Main",
		Env: map[string]string{
			"JAVA_HOME": "/opt/custom-java",
			"APP_MODE":  "prod",
		},
	})
	assert.NoError(t, err)

	assert.Equal(t, []string{
		"PATH=/usr/bin",
		"JAVA_HOME=/opt/custom-java",
		"APP_MODE=prod",
	}, img.Config.Config.Env)
}

func TestAssembleExposedPorts(t *testing.T) {
	img, err := Assemble(testBase(t), testLayers(t), Options{
		MainClass: "com.example.Main",
		Ports:     []string{"8080", "9090/udp"},
	})
	assert.NoError(t, err)

	assert.Contains(t, img.Config.Config.ExposedPorts, "8080/tcp")
	assert.Contains(t, img.Config.Config.ExposedPorts, "9090/udp")
}

func TestAssembleDeterministic(t *testing.T) {
	opts := Options{
		MainClass: "com.example.Main",
		Env:       map[string]string{"B_VAR": "2", "A_VAR": "1"},
		Ports:     []string{"8080"},
	}

	first, err := Assemble(testBase(t, "base1"), testLayers(t), opts)
	assert.NoError(t, err)
	second, err := Assemble(testBase(t, "base1"), testLayers(t), opts)
	assert.NoError(t, err)

	assert.Equal(t, first.RawConfig, second.RawConfig)
	assert.Equal(t, first.ConfigDigest, second.ConfigDigest)
}

func TestAssembleLayerCountMismatch(t *testing.T) {
	base := testBase(t, "base1", "base2")
	base.Config.RootFS.DiffIDs = base.Config.RootFS.DiffIDs[:1]

	_, err := Assemble(base, testLayers(t), Options{MainClass: "com.example.Main"})
	var mismatch *LayerCountMismatchError
	assert.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 2, mismatch.ManifestLayers)
	assert.Equal(t, 1, mismatch.ConfigDiffIDs)
}

func TestAssembleAllowsEmptyLayerHistory(t *testing.T) {
	base := testBase(t, "base1")
	created := time.Unix(1, 0).UTC()
	base.Config.History = append(base.Config.History,
		v1.History{Created: &created, CreatedBy: "ENV JAVA_HOME=/opt/java", EmptyLayer: true})

	img, err := Assemble(base, testLayers(t), Options{MainClass: "com.example.Main"})
	assert.NoError(t, err)
	assert.Len(t, img.Config.RootFS.DiffIDs, 4)
	assert.Len(t, img.Config.History, 5)
}

func TestAssembleHistoryMismatch(t *testing.T) {
	base := testBase(t, "base1")
	created := time.Unix(1, 0).UTC()
	// a non-empty history row with no matching diff ID
	base.Config.History = append(base.Config.History,
		v1.History{Created: &created, CreatedBy: "base"})

	_, err := Assemble(base, testLayers(t), Options{MainClass: "com.example.Main"})
	var mismatch *LayerCountMismatchError
	assert.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 4, mismatch.ConfigDiffIDs)
	assert.Equal(t, 5, mismatch.NonEmptyHistory)
}

func TestAssembleRequiresMainClass(t *testing.T) {
	_, err := Assemble(testBase(t), testLayers(t), Options{})
	assert.Error(t, err)
}
