// Package sink implements spec.md §4.8's four output drivers: registry,
// tarball, OCI layout, and Docker daemon. Each driver consumes the same
// assembled image (manifest, config, layers) and commits it to its
// target, with the manifest/index write as the commit point.
package sink

import (
	"context"
	"fmt"
	"strings"

	"github.com/ocibuild/ocibuild/imagemodel"
)

// Layer is a single pushable/writable layer: its descriptor plus where its
// compressed bytes currently live on disk (the cache entry path).
// SourceRepo, when set, names the repository a base-image layer was
// pulled from, letting the registry sink attempt a cross-repo mount
// (spec.md §4.7 step 8) instead of a full re-upload.
type Layer struct {
	Descriptor imagemodel.Descriptor
	BlobPath   string
	SourceRepo string
}

// Assembled is everything a sink needs to commit an image: the manifest
// and config bytes (exact, pre-digested per spec.md §6), and the layers in
// manifest order.
type Assembled struct {
	Format       imagemodel.Format
	ManifestJSON []byte
	ConfigJSON   []byte
	ConfigDigest imagemodel.Descriptor
	Layers       []Layer
	Tags         []string
}

// Sink commits an Assembled image to some destination.
type Sink interface {
	Save(ctx context.Context, img Assembled) error
}

// ListSink is implemented by sinks that can additionally commit a
// multi-platform manifest list / OCI index together with the per-platform
// images it names (SaveList writes those itself), per SPEC_FULL.md §11.1's
// manifest-list-production feature. Registry and OCILayout implement it;
// Tarball and DockerDaemon don't, since neither `docker save`'s tarball
// format nor the daemon's ImageLoad API has a meaningful multi-platform
// destination to commit to.
type ListSink interface {
	Sink
	SaveList(ctx context.Context, platforms []Assembled, list imagemodel.List, tags []string) error
}

// Diagnostic records one destination's failure when saving to several
// tags/targets in one call, adapted from the teacher's SaveError/
// SaveDiagnostic aggregate-failure shape (buildpacks-imgutil's image.go)
// so a caller can tell which of several requested tags actually failed.
type Diagnostic struct {
	Name  string
	Cause error
}

// AggregateError collects per-destination Diagnostics when a multi-tag
// Save partially fails.
type AggregateError struct {
	Diagnostics []Diagnostic
}

func (e *AggregateError) Error() string {
	parts := make([]string, 0, len(e.Diagnostics))
	for _, d := range e.Diagnostics {
		parts = append(parts, fmt.Sprintf("[%s: %s]", d.Name, d.Cause))
	}
	return fmt.Sprintf("failed to save image to: %s", strings.Join(parts, ", "))
}

// SafeFileName turns a reference string into a filesystem-safe name,
// adapted from the teacher's MakeFileSafeName (buildpacks-imgutil's
// util.go). No sink in this package calls it.
func SafeFileName(ref string) string {
	safe := strings.ReplaceAll(ref, ":", "-")
	return strings.ReplaceAll(safe, "/", "_")
}
