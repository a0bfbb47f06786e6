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

package utils

import (
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

type atomicFileWriter struct {
	f    *os.File
	path string
	perm os.FileMode
}

func (a *atomicFileWriter) commit() (err error) {
	if err = a.f.Sync(); err != nil {
		a.f.Close()
		return err
	}
	if err := a.f.Close(); err != nil {
		return err
	}
	if err := os.Chmod(a.f.Name(), a.perm); err != nil {
		return err
	}
	return os.Rename(a.f.Name(), a.path)
}

// discard drops a temp file that never got renamed into place. Failures
// only leave stray temp files behind, so they are logged and dropped.
func (a *atomicFileWriter) discard() {
	if err := a.f.Close(); err != nil && err != os.ErrClosed {
		logrus.Warn(err)
	}
	if err := os.Remove(a.f.Name()); err != nil {
		logrus.Warn(err)
	}
}

func newAtomicFileWriter(path string, perm os.FileMode) (*atomicFileWriter, error) {
	// the temp file lives next to the target so the rename never
	// crosses a filesystem boundary
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".tmp-")
	if err != nil {
		return nil, err
	}
	return &atomicFileWriter{f: tmpFile, path: path, perm: perm}, nil
}

// AtomicWriteFile writes data to a temp file and renames it into place so
// a crash mid-write never corrupts a previously valid file.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	afw, err := newAtomicFileWriter(path, perm)
	if err != nil {
		return err
	}
	if _, err := afw.f.Write(data); err != nil {
		afw.discard()
		return err
	}
	return afw.commit()
}
