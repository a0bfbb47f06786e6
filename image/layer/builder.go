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
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// entryEpoch is the fixed modification time written for every archive
// entry. One second past the epoch, not zero, so extraction tools do not
// treat the timestamp as unset. Caching is only sound because identical
// inputs always produce identical bytes.
var entryEpoch = time.Unix(1, 0).UTC()

// Build produces a layer of the given type from the entry mappings.
// Entries are captured in target-path order regardless of input order,
// timestamps are normalized and owner names cleared, so the resulting
// archive and both digests are reproducible across runs and processes.
func Build(layerType string, entries []Entry) (*Layer, error) {
	resolved, err := resolveEntries(entries)
	if err != nil {
		return nil, err
	}

	var compressed bytes.Buffer
	diffDigester := digest.Canonical.Digester()

	gzWriter := gzip.NewWriter(&compressed)
	// the gzip header must stay empty: a file name or mod time there would
	// break build determinism.
	tarWriter := tar.NewWriter(io.MultiWriter(gzWriter, diffDigester.Hash()))

	seenDirs := map[string]bool{}
	for _, entry := range resolved {
		if err := writeParentDirs(tarWriter, entry.TargetPath, seenDirs); err != nil {
			return nil, err
		}
		if err := writeEntry(tarWriter, entry); err != nil {
			return nil, err
		}
	}

	if err := tarWriter.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to finish layer tar")
	}
	if err := gzWriter.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to finish layer gzip")
	}

	content := compressed.Bytes()
	return &Layer{
		Type:          layerType,
		ContentDigest: digest.FromBytes(content),
		DiffID:        diffDigester.Digest(),
		Size:          int64(len(content)),
		content:       content,
	}, nil
}

// resolveEntries expands directory sources into per-file entries and
// returns them sorted by target path.
func resolveEntries(entries []Entry) ([]Entry, error) {
	var resolved []Entry
	for _, entry := range entries {
		info, err := os.Stat(entry.SourcePath)
		if err != nil {
			return nil, &SourceNotFoundError{Path: entry.SourcePath, Err: err}
		}

		if !info.IsDir() {
			resolved = append(resolved, withMode(entry, info))
			continue
		}

		err = filepath.Walk(entry.SourcePath, func(path string, fi os.FileInfo, walkErr error) error {
			if walkErr != nil {
				return &SourceNotFoundError{Path: path, Err: walkErr}
			}
			if fi.IsDir() {
				return nil
			}
			rel, relErr := filepath.Rel(entry.SourcePath, path)
			if relErr != nil {
				return relErr
			}
			sub := Entry{
				SourcePath: path,
				TargetPath: joinTargetPath(entry.TargetPath, rel),
				Mode:       entry.Mode,
				Owner:      entry.Owner,
			}
			resolved = append(resolved, withMode(sub, fi))
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	sort.Slice(resolved, func(i, j int) bool {
		return resolved[i].TargetPath < resolved[j].TargetPath
	})
	return resolved, nil
}

func withMode(entry Entry, info os.FileInfo) Entry {
	if entry.Mode == 0 {
		entry.Mode = int64(info.Mode().Perm())
	}
	return entry
}

func joinTargetPath(target, rel string) string {
	return strings.TrimSuffix(target, "/") + "/" + filepath.ToSlash(rel)
}

// writeParentDirs emits directory headers for every yet-unseen parent of
// target, outermost first, so extraction never depends on entry order.
func writeParentDirs(tw *tar.Writer, target string, seen map[string]bool) error {
	var parents []string
	for dir := path.Dir(target); dir != "/" && dir != "."; dir = path.Dir(dir) {
		if seen[dir] {
			break
		}
		parents = append(parents, dir)
	}
	for i := len(parents) - 1; i >= 0; i-- {
		dir := parents[i]
		seen[dir] = true
		header := &tar.Header{
			Typeflag: tar.TypeDir,
			Name:     strings.TrimPrefix(dir, "/") + "/",
			Mode:     0755,
			ModTime:  entryEpoch,
		}
		if err := tw.WriteHeader(header); err != nil {
			return errors.Wrapf(err, "failed to write dir header %s", dir)
		}
	}
	return nil
}

func writeEntry(tw *tar.Writer, entry Entry) error {
	uid, gid, err := parseOwner(entry.Owner)
	if err != nil {
		return err
	}

	file, err := os.Open(entry.SourcePath)
	if err != nil {
		return &SourceNotFoundError{Path: entry.SourcePath, Err: err}
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return &SourceNotFoundError{Path: entry.SourcePath, Err: err}
	}

	header := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     strings.TrimPrefix(entry.TargetPath, "/"),
		Size:     info.Size(),
		Mode:     entry.Mode,
		Uid:      uid,
		Gid:      gid,
		ModTime:  entryEpoch,
		Format:   tar.FormatPAX,
	}
	if err := tw.WriteHeader(header); err != nil {
		return errors.Wrapf(err, "failed to write header for %s", entry.TargetPath)
	}
	if _, err := io.Copy(tw, file); err != nil {
		return errors.Wrapf(err, "failed to write %s into layer", entry.SourcePath)
	}
	return nil
}

func parseOwner(owner string) (int, int, error) {
	if owner == "" {
		return 0, 0, nil
	}
	parts := strings.SplitN(owner, ":", 2)
	if len(parts) != 2 {
		return 0, 0, errors.Errorf("invalid owner %q, expect uid:gid", owner)
	}
	uid, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, errors.Wrapf(err, "invalid uid in owner %q", owner)
	}
	gid, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, errors.Wrapf(err, "invalid gid in owner %q", owner)
	}
	return uid, gid, nil
}
