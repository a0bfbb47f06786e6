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

package utils

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/idefav/jib/common"
)

func IsFileExist(filename string) bool {
	_, err := os.Stat(filename)
	return !os.IsNotExist(err)
}

func MkDirIfNotExists(dir string) (err error) {
	if _, err = os.Stat(dir); err != nil && os.IsNotExist(err) {
		err = os.MkdirAll(dir, common.FileMode0766)
	}
	//this operation won't fail regularly, so we would logger the err
	if err != nil {
		logrus.Errorf("failed to mkdir, err %s", err)
	}
	return err
}

func CleanFiles(file ...string) error {
	for _, f := range file {
		err := os.RemoveAll(f)
		if err != nil {
			return err
		}
	}
	return nil
}
