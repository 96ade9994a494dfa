package imagemodel

import (
	"encoding/json"
	"sort"
	"time"

	dockerspec "github.com/moby/docker-image-spec/specs-go/v1"
	digest "github.com/opencontainers/go-digest"
	specsv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
)

// History is one entry in the config's build history, spec.md §3/§4.6.
type History struct {
	Created    time.Time `json:"created,omitempty"`
	CreatedBy  string    `json:"created_by,omitempty"`
	Comment    string    `json:"comment,omitempty"`
	EmptyLayer bool      `json:"empty_layer,omitempty"`
}

// Port is spec.md's exposedPorts entry.
type Port struct {
	Number   int
	Protocol string // "tcp" or "udp"
}

// ExecConfig is the `config` object inside the container config JSON,
// shared (with field subsets) across Docker V2.1/V2.2/OCI.
type ExecConfig struct {
	Env          map[string]string `json:"-"`
	Cmd          []string          `json:"Cmd,omitempty"`
	Entrypoint   []string          `json:"Entrypoint,omitempty"`
	Labels       map[string]string `json:"Labels,omitempty"`
	ExposedPorts map[string]struct{} `json:"ExposedPorts,omitempty"`
	Volumes      map[string]struct{} `json:"Volumes,omitempty"`
	User         string            `json:"User,omitempty"`
	WorkingDir   string            `json:"WorkingDir,omitempty"`
}

// wireExecConfig is ExecConfig's JSON shape: Env is an `KEY=VALUE` string
// slice on the wire (Docker/OCI convention) but a map in memory.
type wireExecConfig struct {
	Env          []string             `json:"Env,omitempty"`
	Cmd          []string             `json:"Cmd,omitempty"`
	Entrypoint   []string             `json:"Entrypoint,omitempty"`
	Labels       map[string]string    `json:"Labels,omitempty"`
	ExposedPorts map[string]struct{}  `json:"ExposedPorts,omitempty"`
	Volumes      map[string]struct{}  `json:"Volumes,omitempty"`
	User         string               `json:"User,omitempty"`
	WorkingDir   string               `json:"WorkingDir,omitempty"`
}

func (c ExecConfig) MarshalJSON() ([]byte, error) {
	w := wireExecConfig{
		Cmd: c.Cmd, Entrypoint: c.Entrypoint, Labels: c.Labels,
		ExposedPorts: c.ExposedPorts, Volumes: c.Volumes, User: c.User, WorkingDir: c.WorkingDir,
	}
	for k, v := range c.Env {
		w.Env = append(w.Env, k+"="+v)
	}
	return json.Marshal(w)
}

func (c *ExecConfig) UnmarshalJSON(data []byte) error {
	var w wireExecConfig
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*c = ExecConfig{
		Cmd: w.Cmd, Entrypoint: w.Entrypoint, Labels: w.Labels,
		ExposedPorts: w.ExposedPorts, Volumes: w.Volumes, User: w.User, WorkingDir: w.WorkingDir,
	}
	c.Env = map[string]string{}
	for _, kv := range w.Env {
		for i := range kv {
			if kv[i] == '=' {
				c.Env[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return nil
}

// RootFS carries the layer diff IDs, spec.md §4.6.
type RootFS struct {
	Type    string          `json:"type"`
	DiffIDs []digest.Digest `json:"diff_ids"`
}

// Config is the container configuration JSON: architecture, os, created,
// config object, rootfs, and history (spec.md §4.6). It is written
// byte-exact: wire bytes are whatever json.Marshal produces here, and the
// digest is computed over exactly those bytes, never reformatted
// afterward (spec.md §6 "Wire formats").
type Config struct {
	Architecture string     `json:"architecture"`
	OS           string     `json:"os"`
	OSVersion    string     `json:"os.version,omitempty"`
	Variant      string     `json:"variant,omitempty"`
	Created      time.Time  `json:"created"`
	Config       ExecConfig `json:"config"`
	RootFS       RootFS     `json:"rootfs"`
	History      []History  `json:"history"`
}

// MarshalCanonical returns the exact bytes whose digest is the config
// digest referenced from the manifest, for the given write Format. Rather
// than marshaling Config's own struct tags directly, it first converts to
// the wire type the target ecosystem actually defines — OCI's
// opencontainers/image-spec v1.Image for Format OCI, Docker's
// moby/docker-image-spec v1.DockerOCIImage for Format Docker — so the
// emitted JSON shape matches what every other tool in this space produces
// and reads, not a private reinvention of the same schema.
func (c Config) MarshalCanonical(format Format) ([]byte, error) {
	if format == FormatOCI {
		return json.Marshal(c.toOCIImage())
	}
	return json.Marshal(c.toDockerOCIImage())
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func (c Config) toOCIImage() specsv1.Image {
	created := c.Created
	var history []specsv1.History
	for _, h := range c.History {
		hc := h.Created
		history = append(history, specsv1.History{
			Created:    &hc,
			CreatedBy:  h.CreatedBy,
			Comment:    h.Comment,
			EmptyLayer: h.EmptyLayer,
		})
	}
	return specsv1.Image{
		Platform: specsv1.Platform{
			Architecture: c.Architecture,
			OS:           c.OS,
			OSVersion:    c.OSVersion,
			Variant:      c.Variant,
		},
		Created: &created,
		Config: specsv1.ImageConfig{
			User:         c.Config.User,
			ExposedPorts: c.Config.ExposedPorts,
			Env:          envSlice(c.Config.Env),
			Entrypoint:   c.Config.Entrypoint,
			Cmd:          c.Config.Cmd,
			Volumes:      c.Config.Volumes,
			WorkingDir:   c.Config.WorkingDir,
			Labels:       c.Config.Labels,
		},
		RootFS: specsv1.RootFS{
			Type:    c.RootFS.Type,
			DiffIDs: c.RootFS.DiffIDs,
		},
		History: history,
	}
}

// toDockerOCIImage builds the Docker-flavored wire config: the same OCI
// image shape plus Docker's config extensions (none of which this module's
// build plan populates today, but the type is the one `docker load`/the
// registry actually expect for a V2.2 config blob).
func (c Config) toDockerOCIImage() dockerspec.DockerOCIImage {
	oci := c.toOCIImage()
	return dockerspec.DockerOCIImage{
		Image: oci,
		Config: dockerspec.DockerOCIImageConfig{
			ImageConfig: oci.Config,
		},
	}
}

// ValidateHistory enforces spec.md §3's invariant:
// |history where !emptyLayer| == |layers|, in matching order.
func (c Config) ValidateHistory() error {
	nonEmpty := 0
	for _, h := range c.History {
		if !h.EmptyLayer {
			nonEmpty++
		}
	}
	if nonEmpty != len(c.RootFS.DiffIDs) {
		return errors.Errorf("history has %d non-empty entries but rootfs has %d diff ids", nonEmpty, len(c.RootFS.DiffIDs))
	}
	return nil
}

// dockerV1Compat is the legacy per-layer JSON embedded in Docker V2.1
// manifests' history entries, used only to reconstruct diff IDs when no
// V2.2/OCI manifest is available (spec.md §4.6).
type dockerV1Compat struct {
	ID      string `json:"id"`
	Created string `json:"created"`
}

// DiffIDsFromV1Compat reconstructs a RootFS from a Docker V2.1 manifest's
// `history[].v1Compatibility` strings, read-only support per spec.md §4.6.
func DiffIDsFromV1Compat(v1CompatibilityJSON []string) (RootFS, error) {
	root := RootFS{Type: "layers"}
	// v1Compatibility entries are ordered newest-first; diff IDs must be
	// emitted oldest-first to match rootfs.diff_ids ordering.
	for i := len(v1CompatibilityJSON) - 1; i >= 0; i-- {
		var compat dockerV1Compat
		if err := json.Unmarshal([]byte(v1CompatibilityJSON[i]), &compat); err != nil {
			return RootFS{}, errors.Wrap(err, "parsing v1Compatibility")
		}
		d, err := digest.Parse(compat.ID)
		if err != nil {
			// Legacy images use a content hash of the layer, not a diff
			// ID proper; callers needing exact IDs must hash the layer
			// themselves. We still record what's available.
			continue
		}
		root.DiffIDs = append(root.DiffIDs, d)
	}
	return root, nil
}
