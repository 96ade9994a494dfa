package imagemodel

import (
	"time"

	digest "github.com/opencontainers/go-digest"
	"github.com/imdario/mergo"
)

// Layer is spec.md §3's "Layer (written)" as seen by the image model.
type Layer struct {
	BlobDigest digest.Digest
	DiffID     digest.Digest
	Size       int64
	MediaType  MediaType
}

// Image is spec.md §3's in-memory image value. Immutable after assembly
// per spec.md §3's Lifecycles note; the root package's Builder.assemble
// (in build.go) produces one and never mutates it afterward.
type Image struct {
	BaseImageRef string
	Architecture string
	OS           string
	CreationTime time.Time
	Format       Format

	Env          map[string]string
	Labels       map[string]string
	Volumes      map[string]struct{}
	ExposedPorts map[string]Port

	User         *string
	WorkingDir   *string
	Entrypoint   []string
	Cmd          []string

	Layers  []Layer
	History []History
}

// Overrides mirrors the build plan's optional override fields: nil means
// inherit from the base image (spec.md §4.6).
type Overrides struct {
	Architecture string
	OS           string
	Env          map[string]string
	Labels       map[string]string
	Volumes      map[string]struct{}
	ExposedPorts map[string]Port
	User         *string
	WorkingDir   *string
	Entrypoint   []string
	Cmd          []string
}

// ApplyOverrides merges a build plan's overrides onto an image inherited
// from the base, per spec.md §4.6: "Base-image config fields are
// inherited unless the build plan explicitly overrides them; Env, Labels,
// ExposedPorts, Volumes are merged (child wins on key conflict for env
// and labels; union for ports and volumes)." Uses imdario/mergo for the
// map merges so the "child wins" rule doesn't need hand-rolled loops for
// every map field.
func (img *Image) ApplyOverrides(o Overrides) error {
	if o.Architecture != "" {
		img.Architecture = o.Architecture
	}
	if o.OS != "" {
		img.OS = o.OS
	}

	if img.Env == nil {
		img.Env = map[string]string{}
	}
	if err := mergo.Merge(&img.Env, o.Env, mergo.WithOverride); err != nil {
		return err
	}

	if img.Labels == nil {
		img.Labels = map[string]string{}
	}
	if err := mergo.Merge(&img.Labels, o.Labels, mergo.WithOverride); err != nil {
		return err
	}

	if img.Volumes == nil {
		img.Volumes = map[string]struct{}{}
	}
	for k := range o.Volumes {
		img.Volumes[k] = struct{}{}
	}

	if img.ExposedPorts == nil {
		img.ExposedPorts = map[string]Port{}
	}
	for k, v := range o.ExposedPorts {
		img.ExposedPorts[k] = v
	}

	if o.User != nil {
		img.User = o.User
	}
	if o.WorkingDir != nil {
		img.WorkingDir = o.WorkingDir
	}
	if o.Entrypoint != nil {
		img.Entrypoint = o.Entrypoint
	}
	if o.Cmd != nil {
		img.Cmd = o.Cmd
	}
	return nil
}

// ToConfig renders the Image as a container Config, ready for
// MarshalCanonical and digesting (spec.md §4.6).
func (img Image) ToConfig() Config {
	exposed := map[string]struct{}{}
	for k := range img.ExposedPorts {
		exposed[k] = struct{}{}
	}
	user := ""
	if img.User != nil {
		user = *img.User
	}
	workDir := ""
	if img.WorkingDir != nil {
		workDir = *img.WorkingDir
	}

	var diffIDs []digest.Digest
	for _, l := range img.Layers {
		diffIDs = append(diffIDs, l.DiffID)
	}

	return Config{
		Architecture: img.Architecture,
		OS:           img.OS,
		Created:      img.CreationTime,
		Config: ExecConfig{
			Env:          img.Env,
			Cmd:          img.Cmd,
			Entrypoint:   img.Entrypoint,
			Labels:       img.Labels,
			ExposedPorts: exposed,
			Volumes:      img.Volumes,
			User:         user,
			WorkingDir:   workDir,
		},
		RootFS:  RootFS{Type: "layers", DiffIDs: diffIDs},
		History: img.History,
	}
}

// ToManifest renders the image's layers as manifest descriptors (the
// config descriptor is supplied separately once its digest is known).
func (img Image) ToManifest(config Descriptor) Manifest {
	var layers []Descriptor
	for _, l := range img.Layers {
		layers = append(layers, Descriptor{
			MediaType: img.Format.LayerMediaType(),
			Digest:    l.BlobDigest,
			Size:      l.Size,
		})
	}
	return NewManifest(img.Format, config, layers)
}
