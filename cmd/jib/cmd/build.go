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

package cmd

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/idefav/jib/build"
)

type buildFlags struct {
	BaseImage        string
	TargetImage      string
	CredentialHelper string
	Username         string
	Password         string
	MainClass        string
	JVMFlags         []string
	Env              []string
	Ports            []string
	Dependencies     []string
	Resources        []string
	Classes          []string
	CacheDir         string
	Workers          int
	Insecure         bool
}

var buildConfig *buildFlags

// buildCmd represents the build command
var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "build an image from build output and push it to a registry",
	Long:  `jib build --target my.registry.io/app:v1 --main-class com.example.Main --dependencies target/libs --classes target/classes`,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := parseEnv(buildConfig.Env)
		if err != nil {
			return err
		}

		result, err := build.Run(context.Background(), build.Request{
			BaseImage:               buildConfig.BaseImage,
			TargetImage:             buildConfig.TargetImage,
			CredentialHelper:        buildConfig.CredentialHelper,
			Username:                buildConfig.Username,
			Password:                buildConfig.Password,
			MainClass:               buildConfig.MainClass,
			JVMFlags:                buildConfig.JVMFlags,
			Env:                     env,
			Ports:                   buildConfig.Ports,
			Dependencies:            buildConfig.Dependencies,
			Resources:               buildConfig.Resources,
			Classes:                 buildConfig.Classes,
			CacheDir:                buildConfig.CacheDir,
			Workers:                 buildConfig.Workers,
			AllowInsecureRegistries: buildConfig.Insecure,
		})
		if err != nil {
			return err
		}

		logrus.Infof("image pushed: %s@%s", result.Target, result.Digest)
		logrus.Infof("layers built: %d, from cache: %d, blobs pushed: %d, already present: %d",
			result.BuiltLayers, result.CachedLayers, result.PushedBlobs, result.SkippedBlobs)
		for _, timing := range result.Timings {
			logrus.Debugf("stage %s: %s", timing.Stage, timing.Duration)
		}
		return nil
	},
}

func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		i := strings.IndexRune(pair, '=')
		if i <= 0 {
			return nil, errInvalidEnv(pair)
		}
		env[pair[:i]] = pair[i+1:]
	}
	return env, nil
}

type errInvalidEnv string

func (e errInvalidEnv) Error() string {
	return "invalid --env entry " + string(e) + ", expected KEY=VALUE"
}

func init() {
	buildConfig = &buildFlags{}
	rootCmd.AddCommand(buildCmd)
	buildCmd.Flags().StringVarP(&buildConfig.BaseImage, "base", "b", "", "base image reference, default gcr.io/distroless/java:latest")
	buildCmd.Flags().StringVarP(&buildConfig.TargetImage, "target", "t", "", "target image reference to push")
	buildCmd.Flags().StringVar(&buildConfig.CredentialHelper, "credential-helper", "", "docker credential helper suffix, e.g. gcloud")
	buildCmd.Flags().StringVar(&buildConfig.Username, "username", "", "registry username, wins over helpers")
	buildCmd.Flags().StringVar(&buildConfig.Password, "password", "", "registry password")
	buildCmd.Flags().StringVarP(&buildConfig.MainClass, "main-class", "m", "", "fully qualified main class")
	buildCmd.Flags().StringSliceVar(&buildConfig.JVMFlags, "jvm-flags", nil, "JVM flags for the entrypoint")
	buildCmd.Flags().StringSliceVarP(&buildConfig.Env, "env", "e", nil, "environment variables as KEY=VALUE")
	buildCmd.Flags().StringSliceVarP(&buildConfig.Ports, "ports", "p", nil, "exposed ports, e.g. 8080 or 9090/udp")
	buildCmd.Flags().StringSliceVar(&buildConfig.Dependencies, "dependencies", nil, "dependency jar paths")
	buildCmd.Flags().StringSliceVar(&buildConfig.Resources, "resources", nil, "resource file paths")
	buildCmd.Flags().StringSliceVar(&buildConfig.Classes, "classes", nil, "compiled class paths")
	buildCmd.Flags().StringVar(&buildConfig.CacheDir, "cache-dir", "", "layer cache directory, default ~/.jib/cache")
	buildCmd.Flags().IntVar(&buildConfig.Workers, "workers", 0, "max parallel layer builds and uploads")
	buildCmd.Flags().BoolVar(&buildConfig.Insecure, "insecure", false, "allow plain HTTP and self-signed registries")
	_ = buildCmd.MarkFlagRequired("target")
	_ = buildCmd.MarkFlagRequired("main-class")
}
