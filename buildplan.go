package ocibuild

import (
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/ocibuild/ocibuild/errs"
	"github.com/ocibuild/ocibuild/imagemodel"
	"github.com/ocibuild/ocibuild/tarlayer"
)

// ExposedPort is a build plan's {port, protocol} pair, per spec.md §6.
type ExposedPort struct {
	Port     int
	Protocol string // "tcp" or "udp"
}

// BuildPlan is spec.md §6's external build-plan interface: every named
// field with its documented default.
type BuildPlan struct {
	BaseImage    string // default "scratch"
	Architecture string // default "amd64"
	OS           string // default "linux"
	CreationTime time.Time // default Epoch
	Format       imagemodel.Format // default Docker

	Environment  map[string]string
	Labels       map[string]string
	Volumes      map[string]struct{} // absolute paths
	ExposedPorts []ExposedPort

	// User, WorkingDirectory, Entrypoint, Cmd are optional; nil means
	// inherit from the base image.
	User             *string
	WorkingDirectory *string
	Entrypoint       []string
	Cmd              []string

	Layers []tarlayer.Layer // ordered application layers

	// Tags names the destination tag(s) for a registry or tarball sink.
	Tags []string
}

// WithDefaults fills in spec.md §6's documented defaults for zero fields.
func (p BuildPlan) WithDefaults() BuildPlan {
	if p.BaseImage == "" {
		p.BaseImage = "scratch"
	}
	if p.Architecture == "" {
		p.Architecture = "amd64"
	}
	if p.OS == "" {
		p.OS = "linux"
	}
	if p.CreationTime.IsZero() {
		p.CreationTime = time.Unix(0, 0).UTC()
	}
	if p.Format == "" {
		p.Format = imagemodel.FormatDocker
	}
	return p
}

// Validate enforces spec.md §7's InvalidBuildPlan cases: a null pointer
// inside environment/labels (a map entry with a nil-equivalent blank key),
// and entrypoint set with an illegal cmd combination (cmd without an
// entrypoint is fine; duplicate-looking empty entrypoint with non-empty
// cmd-as-args is left to the image, but an empty-string argv0 is not).
func (p BuildPlan) Validate() error {
	for k := range p.Environment {
		if k == "" {
			return errs.New(errs.KindInvalidBuildPlan, "validating build plan", errors.New("environment has an empty key"))
		}
	}
	for k := range p.Labels {
		if k == "" {
			return errs.New(errs.KindInvalidBuildPlan, "validating build plan", errors.New("labels has an empty key"))
		}
	}
	if len(p.Entrypoint) > 0 && p.Entrypoint[0] == "" {
		return errs.New(errs.KindInvalidBuildPlan, "validating build plan", errors.New("entrypoint's first argument is empty"))
	}
	for _, port := range p.ExposedPorts {
		if port.Protocol != "tcp" && port.Protocol != "udp" {
			return errs.New(errs.KindInvalidBuildPlan, "validating build plan", errors.Errorf("unsupported protocol %q for port %d", port.Protocol, port.Port))
		}
	}
	return nil
}

func (p BuildPlan) overrides() imagemodel.Overrides {
	exposed := map[string]imagemodel.Port{}
	for _, ep := range p.ExposedPorts {
		key := portKey(ep.Port, ep.Protocol)
		exposed[key] = imagemodel.Port{Number: ep.Port, Protocol: ep.Protocol}
	}
	return imagemodel.Overrides{
		Architecture: p.Architecture,
		OS:           p.OS,
		Env:          p.Environment,
		Labels:       p.Labels,
		Volumes:      p.Volumes,
		ExposedPorts: exposed,
		User:         p.User,
		WorkingDir:   p.WorkingDirectory,
		Entrypoint:   p.Entrypoint,
		Cmd:          p.Cmd,
	}
}

func portKey(port int, protocol string) string {
	return strconv.Itoa(port) + "/" + protocol
}
