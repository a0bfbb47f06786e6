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

package layer

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"

	"github.com/opencontainers/go-digest"
)

// Entry maps one source file into the layer filesystem.
type Entry struct {
	SourcePath string
	TargetPath string
	Mode       int64
	// Owner is "uid:gid"; empty means root.
	Owner string
}

// Layer is an immutable content-addressed archive of filesystem entries.
// ContentDigest covers the compressed bytes as they travel to a registry,
// DiffID the uncompressed tar as it lands in an image rootfs.
type Layer struct {
	Type          string
	ContentDigest digest.Digest
	DiffID        digest.Digest
	Size          int64

	content []byte
}

func (l *Layer) Open() (io.ReadCloser, error) {
	if l.content == nil {
		return nil, fmt.Errorf("layer %s has no content attached", l.ContentDigest)
	}
	return ioutil.NopCloser(bytes.NewReader(l.content)), nil
}

// Content returns the compressed archive bytes.
func (l *Layer) Content() []byte {
	return l.content
}

// SimpleID is the short digest form used in log and progress output.
func (l *Layer) SimpleID() string {
	return l.ContentDigest.Hex()[0:12]
}

// FromContent rebuilds a layer value around already-built compressed
// bytes, e.g. when rehydrating a cache entry.
func FromContent(layerType string, content []byte, diffID digest.Digest) *Layer {
	return &Layer{
		Type:          layerType,
		ContentDigest: digest.FromBytes(content),
		DiffID:        diffID,
		Size:          int64(len(content)),
		content:       content,
	}
}

// SourceNotFoundError reports a layer entry whose source path is missing
// or unreadable.
type SourceNotFoundError struct {
	Path string
	Err  error
}

func (e *SourceNotFoundError) Error() string {
	return fmt.Sprintf("layer source %s does not exist or is unreadable: %v", e.Path, e.Err)
}

func (e *SourceNotFoundError) Unwrap() error { return e.Err }
