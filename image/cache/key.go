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

package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/opencontainers/go-digest"

	"github.com/idefav/jib/image/layer"
)

// Key identifies a layer build input set. Two keys are equal only when
// the layer type and every entry's path, size, mtime and mode agree, so
// a changed source file always produces a fresh key and distinct layer
// types can never collide on the same cache slot.
type Key struct {
	LayerType string
	ID        digest.Digest
}

func (k Key) String() string {
	return k.LayerType + ":" + k.ID.Hex()
}

// NewKey fingerprints the entries for one layer type. Source files must
// exist; a missing file surfaces as the builder's source error.
func NewKey(layerType string, entries []layer.Entry) (Key, error) {
	sorted := make([]layer.Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].TargetPath < sorted[j].TargetPath
	})

	digester := digest.Canonical.Digester()
	fmt.Fprintf(digester.Hash(), "type:%s\n", layerType)
	for _, entry := range sorted {
		info, err := os.Stat(entry.SourcePath)
		if err != nil {
			return Key{}, &layer.SourceNotFoundError{Path: entry.SourcePath, Err: err}
		}
		fmt.Fprintf(digester.Hash(), "%s\x00%s\x00%o\x00%s\n",
			entry.TargetPath, entry.SourcePath, entry.Mode, entry.Owner)

		if !info.IsDir() {
			fingerprintFile(digester, entry.SourcePath, info)
			continue
		}
		// a directory source is fingerprinted file by file, otherwise an
		// edit deep inside it would not change the key.
		err = filepath.Walk(entry.SourcePath, func(path string, fi os.FileInfo, walkErr error) error {
			if walkErr != nil {
				return &layer.SourceNotFoundError{Path: path, Err: walkErr}
			}
			if fi.IsDir() {
				return nil
			}
			fingerprintFile(digester, path, fi)
			return nil
		})
		if err != nil {
			return Key{}, err
		}
	}

	return Key{LayerType: layerType, ID: digester.Digest()}, nil
}

func fingerprintFile(digester digest.Digester, path string, info os.FileInfo) {
	fmt.Fprintf(digester.Hash(), "%s\x00%d\x00%d\n", path, info.Size(), info.ModTime().UnixNano())
}
