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

import "github.com/sirupsen/logrus"

// BuildLogger lets a host build tool route pipeline output through its
// own log system. The zero Request uses logrus.
type BuildLogger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type logrusLogger struct{}

func (logrusLogger) Debugf(format string, args ...interface{}) { logrus.Debugf(format, args...) }
func (logrusLogger) Infof(format string, args ...interface{})  { logrus.Infof(format, args...) }
func (logrusLogger) Warnf(format string, args ...interface{})  { logrus.Warnf(format, args...) }
func (logrusLogger) Errorf(format string, args ...interface{}) { logrus.Errorf(format, args...) }

// NewLogrusLogger returns the default BuildLogger backed by the global
// logrus logger.
func NewLogrusLogger() BuildLogger {
	return logrusLogger{}
}
