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

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/progress"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/idefav/jib/image/assemble"
	"github.com/idefav/jib/image/cache"
	"github.com/idefav/jib/image/layer"
	"github.com/idefav/jib/image/reference"
	"github.com/idefav/jib/registry"
	"github.com/idefav/jib/registry/auth"
)

// Stage names one pipeline phase, used in errors and timings.
type Stage string

const (
	StageResolveSources Stage = "resolve-sources"
	StageBuildLayers    Stage = "build-layers"
	StageAssembleImage  Stage = "assemble-image"
	StageAuthenticate   Stage = "authenticate"
	StageCheckBlobs     Stage = "check-blobs"
	StagePushBlobs      Stage = "push-blobs"
	StagePushManifest   Stage = "push-manifest"
)

// StageError wraps a failure with the pipeline stage it happened in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// StageTiming records how long one stage ran.
type StageTiming struct {
	Stage    Stage
	Duration time.Duration
}

// Result summarizes a successful build and push.
type Result struct {
	Target       string
	Digest       digest.Digest
	Timings      []StageTiming
	BuiltLayers  int
	CachedLayers int
	PushedBlobs  int
	SkippedBlobs int
}

type pushBlob struct {
	dig   digest.Digest
	label string
	open  func(ctx context.Context) (io.ReadCloser, error)
}

type builder struct {
	req      Request
	log      BuildLogger
	store    *cache.Store
	resolver *auth.Resolver

	sources   []sourceSet
	layers    []*layer.Layer
	base      assemble.BaseImage
	baseNamed reference.Named
	baseReg   *registry.Registry
	img       *assemble.Image
	target    reference.Named
	reg       *registry.Registry

	built   int
	cached  int
	missing []pushBlob
	skipped int
	timings []StageTiming
}

// Run executes the full pipeline for one request. On failure nothing
// has been published: the manifest push is the last step and only runs
// once every referenced blob is uploaded and verified.
func Run(ctx context.Context, req Request) (*Result, error) {
	req.normalize()

	store, err := cache.NewStore(req.CacheDir)
	if err != nil {
		return nil, errors.Wrap(err, "opening layer cache")
	}

	var explicit *types.AuthConfig
	if req.Username != "" {
		explicit = &types.AuthConfig{Username: req.Username, Password: req.Password}
	}

	resolver := auth.NewResolver(explicit, req.CredentialHelper)
	resolver.ConfigPath = req.AuthConfigPath

	b := &builder{
		req:      req,
		log:      req.Logger,
		store:    store,
		resolver: resolver,
	}

	result, err := b.run(ctx)
	if err != nil {
		return nil, b.diagnose(err)
	}
	return result, nil
}

func (b *builder) run(ctx context.Context) (*Result, error) {
	stages := []struct {
		stage Stage
		fn    func(context.Context) error
	}{
		{StageResolveSources, b.resolveSources},
		{StageBuildLayers, b.buildLayers},
		{StageAssembleImage, b.assembleImage},
		{StageAuthenticate, b.authenticate},
		{StageCheckBlobs, b.checkBlobs},
		{StagePushBlobs, b.pushBlobs},
		{StagePushManifest, b.pushManifest},
	}

	for _, s := range stages {
		if err := b.runStage(ctx, s.stage, s.fn); err != nil {
			return nil, err
		}
	}

	_, payload, err := b.img.Manifest.Payload()
	if err != nil {
		return nil, err
	}

	b.log.Infof("pushed %s", b.target.Raw())
	return &Result{
		Target:       b.target.Raw(),
		Digest:       digest.FromBytes(payload),
		Timings:      b.timings,
		BuiltLayers:  b.built,
		CachedLayers: b.cached,
		PushedBlobs:  len(b.missing),
		SkippedBlobs: b.skipped,
	}, nil
}

func (b *builder) runStage(ctx context.Context, stage Stage, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	b.timings = append(b.timings, StageTiming{Stage: stage, Duration: elapsed})
	b.log.Debugf("stage %s took %s", stage, elapsed)
	if err != nil {
		return &StageError{Stage: stage, Err: err}
	}
	return nil
}

func (b *builder) resolveSources(_ context.Context) error {
	sources, err := b.req.resolveSources()
	if err != nil {
		return err
	}
	b.sources = sources

	named, err := reference.ParseToNamed(b.req.TargetImage)
	if err != nil {
		return errors.Wrapf(err, "parsing target image %s", b.req.TargetImage)
	}
	b.target = named
	return nil
}

// buildLayers produces one layer per source set, consulting the cache
// first. Layer order in the image follows source set order regardless
// of which goroutine finishes first.
func (b *builder) buildLayers(ctx context.Context) error {
	b.layers = make([]*layer.Layer, len(b.sources))

	var mux sync.Mutex
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(b.req.Workers)
	for i, set := range b.sources {
		i, set := i, set
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			l, fromCache, err := b.buildLayer(set)
			if err != nil {
				return err
			}
			mux.Lock()
			b.layers[i] = l
			if fromCache {
				b.cached++
			} else {
				b.built++
			}
			mux.Unlock()
			return nil
		})
	}
	return eg.Wait()
}

func (b *builder) buildLayer(set sourceSet) (*layer.Layer, bool, error) {
	key, err := cache.NewKey(set.layerType, set.entries)
	if err != nil {
		return nil, false, err
	}

	entry, err := b.store.Lookup(key)
	if err != nil {
		var corrupted *cache.CorruptedError
		if !errors.As(err, &corrupted) {
			return nil, false, err
		}
		b.log.Warnf("cache entry %s is corrupted, rebuilding", key)
		if err := b.store.Purge(key); err != nil {
			return nil, false, err
		}
		entry = nil
	}
	if entry != nil {
		l, err := entry.Layer()
		if err != nil {
			return nil, false, err
		}
		b.log.Debugf("layer %s served from cache (%s)", set.layerType, l.SimpleID())
		return l, true, nil
	}

	l, err := layer.Build(set.layerType, set.entries)
	if err != nil {
		return nil, false, err
	}
	if _, err := b.store.Put(key, l); err != nil {
		return nil, false, err
	}
	b.log.Infof("built %s layer %s (%d bytes)", set.layerType, l.SimpleID(), l.Size)
	return l, false, nil
}

// assembleImage pulls the base image metadata and layers the built
// archives on top of it.
func (b *builder) assembleImage(ctx context.Context) error {
	base, err := b.fetchBaseImage(ctx)
	if err != nil {
		return err
	}
	b.base = base

	img, err := assemble.Assemble(base, b.layers, assemble.Options{
		MainClass: b.req.MainClass,
		JVMFlags:  b.req.JVMFlags,
		Env:       b.req.Env,
		Ports:     b.req.Ports,
	})
	if err != nil {
		return err
	}
	b.img = img
	return nil
}

func (b *builder) fetchBaseImage(ctx context.Context) (assemble.BaseImage, error) {
	var base assemble.BaseImage

	named, err := reference.ParseToNamed(b.req.BaseImage)
	if err != nil {
		return base, errors.Wrapf(err, "parsing base image %s", b.req.BaseImage)
	}
	b.baseNamed = named

	authConfig, err := b.resolver.Resolve(named.Domain())
	if err != nil {
		return base, err
	}

	reg, err := registry.New(ctx, authConfig, b.registryOpt(named.Domain()))
	if err != nil {
		return base, errors.Wrapf(err, "connecting to base registry %s", named.Domain())
	}
	b.baseReg = reg

	manifest, err := reg.ManifestV2(ctx, named.Repo(), named.Tag())
	if err != nil {
		return base, errors.Wrapf(err, "fetching base manifest %s", b.req.BaseImage)
	}

	rc, err := reg.DownloadBlob(ctx, named.Repo(), manifest.Config.Digest)
	if err != nil {
		return base, errors.Wrapf(err, "fetching base config %s", manifest.Config.Digest)
	}
	defer rc.Close()

	var config v1.Image
	if err := json.NewDecoder(rc).Decode(&config); err != nil {
		return base, errors.Wrap(err, "decoding base image config")
	}

	b.log.Debugf("base image %s has %d layers", b.req.BaseImage, len(manifest.Layers))
	base.Config = config
	base.Manifest = manifest
	return base, nil
}

func (b *builder) authenticate(ctx context.Context) error {
	authConfig, err := b.resolver.Resolve(b.target.Domain())
	if err != nil {
		return err
	}

	reg, err := registry.New(ctx, authConfig, b.registryOpt(b.target.Domain()))
	if err != nil {
		return errors.Wrapf(err, "connecting to registry %s", b.target.Domain())
	}
	b.reg = reg
	b.log.Debugf("authenticated to %s for %s", b.target.Domain(), b.target.RepoTag())
	return nil
}

func (b *builder) registryOpt(domain string) registry.Opt {
	return registry.Opt{
		Domain:   domain,
		Insecure: b.req.AllowInsecureRegistries,
		NonSSL:   b.req.AllowInsecureRegistries,
		Debug:    true,
	}
}

// checkBlobs probes the target registry for every blob the manifest
// will reference and keeps only the missing ones for upload.
func (b *builder) checkBlobs(ctx context.Context) error {
	candidates := b.blobCandidates()
	keep := make([]bool, len(candidates))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(b.req.Workers)
	for i, candidate := range candidates {
		i, candidate := i, candidate
		eg.Go(func() error {
			has, err := b.reg.HasBlob(egCtx, b.target.Repo(), candidate.dig)
			if err != nil {
				return err
			}
			keep[i] = !has
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	for i, candidate := range candidates {
		if keep[i] {
			b.missing = append(b.missing, candidate)
		} else {
			b.skipped++
			b.progress(progress.Message, candidate.label, "already exists")
			b.log.Debugf("blob %s already exists", candidate.label)
		}
	}
	return nil
}

// blobCandidates lists every blob the manifest references: base image
// layers (cross-copied from the base registry when the target repo
// lacks them), the built layers, and the serialized config.
func (b *builder) blobCandidates() []pushBlob {
	blobs := make([]pushBlob, 0, len(b.base.Manifest.Layers)+len(b.layers)+1)
	for _, desc := range b.base.Manifest.Layers {
		desc := desc
		blobs = append(blobs, pushBlob{
			dig:   desc.Digest,
			label: desc.Digest.Hex()[0:12],
			open: func(ctx context.Context) (io.ReadCloser, error) {
				return b.baseReg.DownloadBlob(ctx, b.baseNamed.Repo(), desc.Digest)
			},
		})
	}
	for _, l := range b.layers {
		l := l
		blobs = append(blobs, pushBlob{
			dig:   l.ContentDigest,
			label: l.SimpleID(),
			open: func(context.Context) (io.ReadCloser, error) {
				return l.Open()
			},
		})
	}
	raw := b.img.RawConfig
	blobs = append(blobs, pushBlob{
		dig:   b.img.ConfigDigest,
		label: b.img.ConfigDigest.Hex()[0:12],
		open: func(context.Context) (io.ReadCloser, error) {
			return ioutil.NopCloser(bytes.NewReader(raw)), nil
		},
	})
	return blobs
}

func (b *builder) pushBlobs(ctx context.Context) error {
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(b.req.Workers)
	for _, blob := range b.missing {
		blob := blob
		eg.Go(func() error {
			b.progress(progress.Update, blob.label, "pushing")
			rc, err := blob.open(egCtx)
			if err != nil {
				return err
			}
			defer rc.Close()

			if err := b.reg.UploadBlob(egCtx, b.target.Repo(), blob.dig, rc); err != nil {
				return errors.Wrapf(err, "uploading blob %s", blob.label)
			}
			b.progress(progress.Update, blob.label, "pushed")
			b.log.Debugf("pushed blob %s", blob.label)
			return nil
		})
	}
	return eg.Wait()
}

func (b *builder) pushManifest(ctx context.Context) error {
	return b.reg.PutManifest(ctx, b.target.Repo(), b.target.Tag(), b.img.Manifest)
}

func (b *builder) progress(fn func(progress.Output, string, string), id, message string) {
	if b.req.ProgressOutput != nil {
		fn(b.req.ProgressOutput, id, message)
	}
}
