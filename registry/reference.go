// Package registry implements spec.md §4.5/§4.9: the Docker/OCI
// distribution protocol client, bearer-token authentication, and base-image
// reference resolution.
package registry

import (
	"strings"

	"github.com/distribution/reference"

	"github.com/ocibuild/ocibuild/errs"
)

// DefaultRegistry is used when a reference carries no registry host,
// mirroring spec.md §4.5.
const DefaultRegistry = "registry-1.docker.io"

// Ref is a parsed `[registry/]repository[:tag|@digest]` reference.
type Ref struct {
	Registry   string
	Repository string
	Tag        string // empty if Digest is set
	Digest     string // empty if Tag is set
}

// Reference is the tag-or-digest form used on the wire.
func (r Ref) Reference() string {
	if r.Digest != "" {
		return r.Digest
	}
	if r.Tag != "" {
		return r.Tag
	}
	return "latest"
}

func (r Ref) String() string {
	return r.Registry + "/" + r.Repository + ":" + r.Reference()
}

// ParseRef parses a reference using github.com/distribution/reference's
// grammar (the canonical Docker reference parser), then normalizes the
// default registry and the "library/" prefix per spec.md §4.5.
func ParseRef(s string) (Ref, error) {
	named, err := reference.ParseNormalizedNamed(s)
	if err != nil {
		return Ref{}, errs.New(errs.KindReference, "parsing reference "+s, err)
	}

	domain := reference.Domain(named)
	path := reference.Path(named)

	var tag, dig string
	if tagged, ok := named.(reference.Tagged); ok {
		tag = tagged.Tag()
	}
	if digested, ok := named.(reference.Digested); ok {
		dig = digested.Digest().String()
	}
	if tag == "" && dig == "" {
		tag = "latest"
	}

	if domain == "docker.io" {
		domain = DefaultRegistry
	}
	if !strings.Contains(path, "/") {
		path = "library/" + path
	}

	return Ref{Registry: domain, Repository: path, Tag: tag, Digest: dig}, nil
}
