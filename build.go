package ocibuild

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	digest "github.com/opencontainers/go-digest"

	"github.com/ocibuild/ocibuild/baseimage"
	"github.com/ocibuild/ocibuild/blob"
	"github.com/ocibuild/ocibuild/cache"
	"github.com/ocibuild/ocibuild/credential"
	"github.com/ocibuild/ocibuild/errs"
	"github.com/ocibuild/ocibuild/executor"
	"github.com/ocibuild/ocibuild/imagemodel"
	"github.com/ocibuild/ocibuild/registry"
	"github.com/ocibuild/ocibuild/sink"
	"github.com/ocibuild/ocibuild/tarlayer"
	"github.com/ocibuild/ocibuild/transport"
)

// Builder ties a BuilderConfig to the shared infrastructure (cache,
// credentials, HTTP transport) a build needs, reused across invocations so
// the cache and bearer-token caches stay warm.
type Builder struct {
	Config BuilderConfig
	Cache  *cache.TwoTier
	Creds  credential.Provider
}

// NewBuilder wires a Builder's shared infrastructure from a BuilderConfig
// and a cache root directory.
func NewBuilder(cfg BuilderConfig, cacheRoot string, creds credential.Provider) *Builder {
	if creds == nil {
		creds = credential.Chain{credential.DockerConfig{}, credential.FromEnv{}}
	}
	return &Builder{Config: cfg, Cache: cache.Open(cacheRoot), Creds: creds}
}

func (b *Builder) transport() *transport.Client {
	return transport.New(transport.Config{
		AllowInsecure:           b.Config.AllowInsecureRegistries,
		SendCredentialsOverHTTP: b.Config.SendCredentialsOverHTTP,
		ReadTimeout:             b.Config.HTTPTimeout,
		Logger:                  b.Config.Logger,
	}, nil)
}

// RegistrySink builds a push-destination sink.Registry for destRef, reusing
// this Builder's transport and credential chain. A thin front end (CLI or
// daemon) calling into the library only needs to name a destination
// reference; it never constructs a registry.Client by hand.
func (b *Builder) RegistrySink(destRef string) (sink.Registry, error) {
	parsed, err := registry.ParseRef(destRef)
	if err != nil {
		return sink.Registry{}, err
	}
	client := registry.NewClient(parsed.Registry, b.transport(), b.Creds)
	return sink.Registry{Client: client, Repo: parsed.Repository}, nil
}

// Build runs spec.md §4.7's canonical pipeline: resolve the base image,
// pull and cache its layers, build and cache the plan's application
// layers, assemble the final image, and commit it to dst.
//
// Resolving the base manifest/config is modeled as a single executor step
// since baseimage.Resolve already performs its authenticate-and-fetch
// sequence as one logical unit; layer pulls and layer builds remain
// separate steps so independent layers proceed concurrently (spec.md §5)
// and the executor's at-most-once-per-step guarantee still applies to each
// one individually. The final commit is not an executor step: Build calls
// dst.Save once buildOne has returned.
func (b *Builder) Build(ctx context.Context, plan BuildPlan, dst sink.Sink) error {
	img, err := b.buildOne(ctx, plan)
	if err != nil {
		return err
	}
	return dst.Save(ctx, img)
}

// BuildMultiPlatform implements SPEC_FULL.md §11.1's manifest-list
// production: it runs the single-platform pipeline once per plan (one
// plan per target architecture/OS), then fans in to a manifest list
// (Docker) or image index (OCI) naming every platform's manifest, pushed
// as the sole tagged reference a client actually pulls. dst must
// implement sink.ListSink; Tarball and DockerDaemon don't, since neither
// has a meaningful multi-platform destination.
func (b *Builder) BuildMultiPlatform(ctx context.Context, plans []BuildPlan, dst sink.ListSink) error {
	if len(plans) == 0 {
		return errs.New(errs.KindInvalidBuildPlan, "building multi-platform image", fmt.Errorf("no platforms given"))
	}

	var (
		assembled []sink.Assembled
		entries   []imagemodel.ListEntry
		tags      []string
		format    imagemodel.Format
	)
	for i, plan := range plans {
		img, err := b.buildOne(ctx, plan)
		if err != nil {
			return fmt.Errorf("platform %d (%s/%s): %w", i, plan.OS, plan.Architecture, err)
		}
		assembled = append(assembled, img)
		manifestDigest := digest.FromBytes(img.ManifestJSON)
		entries = append(entries, imagemodel.ListEntry{
			MediaType: img.Format.ManifestMediaType(),
			Size:      int64(len(img.ManifestJSON)),
			Digest:    manifestDigest,
			Platform:  imagemodel.Platform{Architecture: plan.Architecture, OS: plan.OS},
		})
		if i == 0 {
			format = img.Format
			tags = plan.Tags
		}
	}

	list := imagemodel.NewList(format, entries)
	return dst.SaveList(ctx, assembled, list, tags)
}

// buildOne runs spec.md §4.7's canonical pipeline for a single platform:
// resolve the base image, pull and cache its layers, build and cache the
// plan's application layers, and assemble the final manifest/config. It
// stops short of committing to a sink so BuildMultiPlatform can assemble
// several platforms before any of them are pushed.
//
// Resolving the base manifest/config is modeled as a single executor step
// since baseimage.Resolve already performs its authenticate-and-fetch
// sequence as one logical unit; layer pulls and layer builds remain
// separate steps so independent layers proceed concurrently (spec.md §5)
// and the executor's at-most-once-per-step guarantee still applies to each
// one individually.
func (b *Builder) buildOne(ctx context.Context, plan BuildPlan) (sink.Assembled, error) {
	plan = plan.WithDefaults()
	if err := plan.Validate(); err != nil {
		return sink.Assembled{}, err
	}

	tracker := executor.NewTracker()
	concurrency := 0
	if b.Config.Serialize {
		concurrency = 1
	}

	baseClient := registry.NewClient(baseRegistryHost(plan.BaseImage), b.transport(), b.Creds)

	resolveGraph := executor.Graph{
		Concurrency: concurrency,
		Steps: []executor.Step{{
			ID: "resolve-base",
			Run: func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
				return baseimage.Resolve(ctx, baseClient, plan.BaseImage, plan.Architecture, plan.OS)
			},
		}},
	}
	resolveResult, err := executor.Run(ctx, resolveGraph, tracker)
	if err != nil {
		return sink.Assembled{}, err
	}
	resolved := resolveResult.Values["resolve-base"].(baseimage.Resolved)

	var layerSteps []executor.Step
	for i, layerDesc := range resolved.Layers {
		i, layerDesc := i, layerDesc
		diffID := layerDesc.Digest
		if i < len(resolved.Config.RootFS.DiffIDs) {
			diffID = resolved.Config.RootFS.DiffIDs[i]
		}
		layerSteps = append(layerSteps, executor.Step{
			ID:     fmt.Sprintf("pull-base-layer-%d", i),
			Weight: layerDesc.Size,
			Run: func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
				return b.pullBaseLayer(ctx, baseClient, resolved.Ref.Repository, layerDesc, diffID)
			},
		})
	}
	for i, l := range plan.Layers {
		i, l := i, l
		layerSteps = append(layerSteps, executor.Step{
			ID: fmt.Sprintf("build-app-layer-%d", i),
			Run: func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
				return b.buildApplicationLayer(ctx, l)
			},
		})
	}

	layerResult, err := executor.Run(ctx, executor.Graph{Steps: layerSteps, Concurrency: concurrency}, tracker)
	if err != nil {
		return sink.Assembled{}, err
	}

	return b.assemble(plan, resolved, layerResult)
}

// pullBaseLayer implements spec.md §4.7's PullAndCacheBaseLayerS: reuse a
// cached entry if present, otherwise fetch and verify the blob, then
// commit it to the base-image-layers tier.
func (b *Builder) pullBaseLayer(ctx context.Context, client *registry.Client, repo string, desc imagemodel.Descriptor, diffID digest.Digest) (cache.Entry, error) {
	if entry, ok, err := b.Cache.BaseImageLayers.Lookup(desc.Digest, diffID); err != nil {
		return cache.Entry{}, err
	} else if ok {
		return entry, nil
	}

	var buf bytes.Buffer
	if _, err := client.GetBlob(ctx, repo, desc.Digest, &buf); err != nil {
		return cache.Entry{}, err
	}
	return b.Cache.BaseImageLayers.WritePulled(desc.Digest, diffID, bytes.NewReader(buf.Bytes()))
}

// buildApplicationLayer implements spec.md §4.7's
// BuildAndCacheApplicationLayerS: tar+gzip the layer's entries under the
// cache's at-most-once-per-selector guard.
func (b *Builder) buildApplicationLayer(ctx context.Context, l tarlayer.Layer) (cache.Entry, error) {
	selector := tarlayer.Selector(l.Name, l.Entries)
	return b.Cache.ApplicationLayers.BuildOrReuse(ctx, selector, func(ctx context.Context, w io.Writer) (blob.Descriptor, digest.Digest, error) {
		written, err := tarlayer.BuildToWriter(ctx, w, l.Entries, blob.PGzipCompressor(gzip.DefaultCompression))
		if err != nil {
			return blob.Descriptor{}, "", err
		}
		return blob.Descriptor{Digest: written.BlobDigest, Size: written.Size}, written.DiffID, nil
	})
}

// assemble implements spec.md §4.7's BuildImageS: combine the base
// config, application layers, and build plan into the final manifest and
// config JSON, in the exact bytes that will be digested and pushed.
func (b *Builder) assemble(plan BuildPlan, resolved baseimage.Resolved, layers executor.Result) (sink.Assembled, error) {
	img := imagemodel.Image{
		BaseImageRef: plan.BaseImage,
		Architecture: plan.Architecture,
		OS:           plan.OS,
		CreationTime: plan.CreationTime,
		Format:       plan.Format,
		Env:          resolved.Config.Config.Env,
		Labels:       resolved.Config.Config.Labels,
		Volumes:      resolved.Config.Config.Volumes,
		History:      resolved.Config.History,
	}
	if resolved.Config.Config.User != "" {
		u := resolved.Config.Config.User
		img.User = &u
	}
	if resolved.Config.Config.WorkingDir != "" {
		wd := resolved.Config.Config.WorkingDir
		img.WorkingDir = &wd
	}
	img.Entrypoint = resolved.Config.Config.Entrypoint
	img.Cmd = resolved.Config.Config.Cmd
	img.ExposedPorts = map[string]imagemodel.Port{}
	for key := range resolved.Config.Config.ExposedPorts {
		if port, ok := parsePortKey(key); ok {
			img.ExposedPorts[key] = port
		}
	}

	if err := img.ApplyOverrides(plan.overrides()); err != nil {
		return sink.Assembled{}, err
	}

	var sinkLayers []sink.Layer
	for i, layerDesc := range resolved.Layers {
		entry := layers.Values[fmt.Sprintf("pull-base-layer-%d", i)].(cache.Entry)
		img.Layers = append(img.Layers, imagemodel.Layer{
			BlobDigest: layerDesc.Digest,
			DiffID:     entry.DiffID,
			Size:       entry.Size,
			MediaType:  plan.Format.LayerMediaType(),
		})
		sinkLayers = append(sinkLayers, sink.Layer{
			Descriptor: imagemodel.Descriptor{MediaType: plan.Format.LayerMediaType(), Digest: layerDesc.Digest, Size: entry.Size},
			BlobPath:   entry.Path,
			SourceRepo: resolved.Ref.Repository,
		})
		img.History = append(img.History, imagemodel.History{Created: plan.CreationTime, CreatedBy: "base image layer", EmptyLayer: false})
	}
	for i := range plan.Layers {
		entry := layers.Values[fmt.Sprintf("build-app-layer-%d", i)].(cache.Entry)
		img.Layers = append(img.Layers, imagemodel.Layer{
			BlobDigest: entry.BlobDigest,
			DiffID:     entry.DiffID,
			Size:       entry.Size,
			MediaType:  plan.Format.LayerMediaType(),
		})
		sinkLayers = append(sinkLayers, sink.Layer{
			Descriptor: imagemodel.Descriptor{MediaType: plan.Format.LayerMediaType(), Digest: entry.BlobDigest, Size: entry.Size},
			BlobPath:   entry.Path,
		})
		img.History = append(img.History, imagemodel.History{Created: plan.CreationTime, CreatedBy: "ocibuild application layer", EmptyLayer: false})
	}

	config := img.ToConfig()
	configJSON, err := config.MarshalCanonical(plan.Format)
	if err != nil {
		return sink.Assembled{}, err
	}
	configDigest := digest.FromBytes(configJSON)

	manifest := img.ToManifest(imagemodel.Descriptor{
		MediaType: plan.Format.ConfigMediaType(),
		Digest:    configDigest,
		Size:      int64(len(configJSON)),
	})
	manifestJSON, err := manifest.MarshalCanonical()
	if err != nil {
		return sink.Assembled{}, err
	}

	return sink.Assembled{
		Format:       plan.Format,
		ManifestJSON: manifestJSON,
		ConfigJSON:   configJSON,
		ConfigDigest: imagemodel.Descriptor{Digest: configDigest, Size: int64(len(configJSON))},
		Layers:       sinkLayers,
		Tags:         plan.Tags,
	}, nil
}

func parsePortKey(key string) (imagemodel.Port, bool) {
	numStr, proto, ok := strings.Cut(key, "/")
	if !ok {
		return imagemodel.Port{}, false
	}
	n, err := strconv.Atoi(numStr)
	if err != nil {
		return imagemodel.Port{}, false
	}
	return imagemodel.Port{Number: n, Protocol: proto}, true
}

func baseRegistryHost(ref string) string {
	if ref == "" || ref == "scratch" {
		return ""
	}
	parsed, err := registry.ParseRef(ref)
	if err != nil {
		return registry.DefaultRegistry
	}
	return parsed.Registry
}
