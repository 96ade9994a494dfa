// Package baseimage implements spec.md §4.9: resolving a base-image
// reference to its manifest, config, and referenced (but not yet fetched)
// layer descriptors.
package baseimage

import (
	"context"
	"encoding/json"

	digest "github.com/opencontainers/go-digest"

	"github.com/ocibuild/ocibuild/errs"
	"github.com/ocibuild/ocibuild/imagemodel"
	"github.com/ocibuild/ocibuild/registry"
)

// Resolved is the outcome of Resolve: the manifest and config bytes
// (needed verbatim for re-digesting per spec.md §6), the parsed config,
// and the referenced layer descriptors — their bytes are not fetched here
// (spec.md §4.9 step 6: "the executor schedules those").
type Resolved struct {
	Ref          registry.Ref
	Manifest     imagemodel.Manifest
	ManifestRaw  []byte
	Config       imagemodel.Config
	ConfigDigest digest.Digest
	Layers       []imagemodel.Descriptor
}

// Scratch is the synthetic zero-layer base image used when a build plan's
// baseImage is "scratch" (spec.md §6 default).
var Scratch = Resolved{
	Config: imagemodel.Config{
		Architecture: "amd64",
		OS:           "linux",
		RootFS:       imagemodel.RootFS{Type: "layers"},
	},
}

// Resolve parses ref, fetches its manifest (selecting a platform out of a
// list if needed), fetches the config through GetBlob, which verifies its
// digest, and returns the layer descriptors. It sends no separate `/v2/`
// probe: authentication happens when the manifest fetch meets a 401
// challenge.
func Resolve(ctx context.Context, client *registry.Client, ref string, architecture, os string) (Resolved, error) {
	if ref == "scratch" || ref == "" {
		result := Scratch
		result.Config.Architecture = architecture
		result.Config.OS = os
		return result, nil
	}

	parsed, err := registry.ParseRef(ref)
	if err != nil {
		return Resolved{}, err
	}

	manifestResult, err := client.GetManifest(ctx, parsed.Repository, parsed.Reference())
	if err != nil {
		return Resolved{}, err
	}

	if manifestResult.List != nil {
		entry, err := imagemodel.SelectPlatform(*manifestResult.List, architecture, os)
		if err != nil {
			return Resolved{}, err
		}
		manifestResult, err = client.GetManifest(ctx, parsed.Repository, entry.Digest.String())
		if err != nil {
			return Resolved{}, err
		}
	}

	var manifest imagemodel.Manifest
	if err := json.Unmarshal(manifestResult.Bytes, &manifest); err != nil {
		return Resolved{}, errs.New(errs.KindRegistryProtocol, "parsing base image manifest "+ref, err)
	}

	var configBuf configSink
	if _, err := client.GetBlob(ctx, parsed.Repository, manifest.Config.Digest, &configBuf); err != nil {
		return Resolved{}, err
	}

	var config imagemodel.Config
	if err := json.Unmarshal(configBuf.data, &config); err != nil {
		return Resolved{}, errs.New(errs.KindRegistryProtocol, "parsing base image config "+ref, err)
	}

	return Resolved{
		Ref:          parsed,
		Manifest:     manifest,
		ManifestRaw:  manifestResult.Bytes,
		Config:       config,
		ConfigDigest: manifest.Config.Digest,
		Layers:       manifest.Layers,
	}, nil
}

type configSink struct{ data []byte }

func (s *configSink) Write(p []byte) (int, error) {
	s.data = append(s.data, p...)
	return len(p), nil
}
