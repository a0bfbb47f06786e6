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
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/idefav/jib/common"
	"github.com/idefav/jib/image/layer"
	"github.com/idefav/jib/utils"
)

// CorruptedError reports a cache entry whose on-disk archive no longer
// matches its recorded digest. The caller must rebuild; the bad bytes
// are never returned.
type CorruptedError struct {
	Key      Key
	Expected digest.Digest
	Actual   digest.Digest
}

func (e *CorruptedError) Error() string {
	return fmt.Sprintf("cache entry %s is corrupted: metadata records %s but stored layer hashes to %s",
		e.Key, e.Expected, e.Actual)
}

// Metadata is the per-entry index record persisted next to the archive.
type Metadata struct {
	CacheKey      string        `json:"cacheKey"`
	LayerType     string        `json:"layerType"`
	ContentDigest digest.Digest `json:"contentDigest"`
	DiffID        digest.Digest `json:"diffID"`
	Size          int64         `json:"size"`
	LastUsed      time.Time     `json:"lastUsed"`
}

// Entry is a cache hit: the recorded metadata plus access to the stored
// archive bytes.
type Entry struct {
	Metadata Metadata

	layerPath string
}

// Open streams the stored compressed archive.
func (e *Entry) Open() (io.ReadCloser, error) {
	return os.Open(e.layerPath)
}

// Layer rehydrates a layer value from the stored entry.
func (e *Entry) Layer() (*layer.Layer, error) {
	content, err := ioutil.ReadFile(e.layerPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read cached layer %s", e.Metadata.ContentDigest)
	}
	return layer.FromContent(e.Metadata.LayerType, content, e.Metadata.DiffID), nil
}

// Store persists built layers under one subtree per layer type:
//
//	<root>/<layerType>/<key-hex>/layer.tar.gz
//	<root>/<layerType>/<key-hex>/metadata.json
//
// Writes land in a temp sibling directory first and are renamed into
// place, so a crash mid-write never corrupts a previously valid entry.
type Store struct {
	root string

	mux   sync.Mutex
	locks map[string]*sync.Mutex
}

func NewStore(root string) (*Store, error) {
	if err := utils.MkDirIfNotExists(root); err != nil {
		return nil, errors.Wrapf(err, "failed to init cache dir %s", root)
	}
	return &Store{
		root:  root,
		locks: map[string]*sync.Mutex{},
	}, nil
}

// keyLock returns the mutex serializing access to one cache slot.
// Distinct keys proceed independently.
func (s *Store) keyLock(key Key) *sync.Mutex {
	s.mux.Lock()
	defer s.mux.Unlock()
	l, ok := s.locks[key.String()]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key.String()] = l
	}
	return l
}

func (s *Store) entryDir(key Key) string {
	return filepath.Join(s.root, key.LayerType, key.ID.Hex())
}

// Lookup returns the entry for key, nil when absent. The stored archive
// is re-hashed against the recorded metadata on every hit; a mismatch
// yields a *CorruptedError instead of stale data.
func (s *Store) Lookup(key Key) (*Entry, error) {
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	dir := s.entryDir(key)
	metadataPath := filepath.Join(dir, common.CacheMetadataFileName)
	if !utils.IsFileExist(metadataPath) {
		return nil, nil
	}

	raw, err := ioutil.ReadFile(metadataPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read cache metadata for %s", key)
	}
	var metadata Metadata
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return nil, errors.Wrapf(err, "failed to decode cache metadata for %s", key)
	}
	if metadata.LayerType != key.LayerType {
		// never serve a layer across layer-type tags
		return nil, &CorruptedError{Key: key, Expected: metadata.ContentDigest}
	}

	layerPath := filepath.Join(dir, common.CacheLayerFileName)
	actual, err := digestFile(layerPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to hash cached layer for %s", key)
	}
	if actual != metadata.ContentDigest {
		return nil, &CorruptedError{Key: key, Expected: metadata.ContentDigest, Actual: actual}
	}

	s.touch(dir, metadata)
	return &Entry{Metadata: metadata, layerPath: layerPath}, nil
}

// Put stores a built layer under key, replacing any previous entry.
func (s *Store) Put(key Key, l *layer.Layer) (*Entry, error) {
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	typeDir := filepath.Join(s.root, key.LayerType)
	if err := utils.MkDirIfNotExists(typeDir); err != nil {
		return nil, err
	}

	metadata := Metadata{
		CacheKey:      key.String(),
		LayerType:     key.LayerType,
		ContentDigest: l.ContentDigest,
		DiffID:        l.DiffID,
		Size:          l.Size,
		LastUsed:      time.Now().UTC(),
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode cache metadata")
	}

	// stage the whole entry in a sibling dir, then rename. rename within
	// one parent dir is atomic, unlike writing two files in place.
	stageDir := filepath.Join(typeDir, ".tmp."+utils.GenUniqueID(16))
	if err := os.MkdirAll(stageDir, common.FileMode0755); err != nil {
		return nil, errors.Wrap(err, "failed to create cache staging dir")
	}
	defer func() {
		_ = os.RemoveAll(stageDir)
	}()

	if err := ioutil.WriteFile(filepath.Join(stageDir, common.CacheLayerFileName), l.Content(), common.FileMode0644); err != nil {
		return nil, errors.Wrap(err, "failed to stage cached layer")
	}
	if err := ioutil.WriteFile(filepath.Join(stageDir, common.CacheMetadataFileName), metadataJSON, common.FileMode0644); err != nil {
		return nil, errors.Wrap(err, "failed to stage cache metadata")
	}

	dir := s.entryDir(key)
	if err := utils.CleanFiles(dir); err != nil {
		return nil, errors.Wrapf(err, "failed to clear previous cache entry %s", key)
	}
	if err := os.Rename(stageDir, dir); err != nil {
		return nil, errors.Wrapf(err, "failed to commit cache entry %s", key)
	}

	return &Entry{Metadata: metadata, layerPath: filepath.Join(dir, common.CacheLayerFileName)}, nil
}

// Purge drops the entry for key. Used after corruption; absent keys are
// a no-op.
func (s *Store) Purge(key Key) error {
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()
	return utils.CleanFiles(s.entryDir(key))
}

// touch refreshes last-used metadata; failures only cost pruning
// accuracy, so they are logged and dropped.
func (s *Store) touch(dir string, metadata Metadata) {
	metadata.LastUsed = time.Now().UTC()
	raw, err := json.Marshal(metadata)
	if err != nil {
		return
	}
	if err := utils.AtomicWriteFile(filepath.Join(dir, common.CacheMetadataFileName), raw, common.FileMode0644); err != nil {
		logrus.Debugf("failed to refresh cache metadata in %s: %v", dir, err)
	}
}

func digestFile(path string) (digest.Digest, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	return digest.Canonical.FromReader(file)
}
