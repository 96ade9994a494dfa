package imagemodel

import (
	"encoding/json"

	digest "github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/ocibuild/ocibuild/errs"
)

// Platform identifies the target arch/os for a manifest-list entry
// (spec.md §3 "Manifest list entry").
type Platform struct {
	Architecture string `json:"architecture"`
	OS           string `json:"os"`
	OSVersion    string `json:"os.version,omitempty"`
	Variant      string `json:"variant,omitempty"`
}

// ListEntry is spec.md §3's manifest-list entry.
type ListEntry struct {
	MediaType MediaType `json:"mediaType"`
	Size      int64     `json:"size"`
	Digest    digest.Digest `json:"digest"`
	Platform  Platform  `json:"platform"`
}

// List is spec.md §4.6's "Manifest list (Docker) and OCI image index",
// used for both reading (base-image selection) and writing (multi-arch
// publication, SPEC_FULL.md §11.1).
type List struct {
	SchemaVersion int         `json:"schemaVersion"`
	MediaType     MediaType   `json:"mediaType"`
	Manifests     []ListEntry `json:"manifests"`
}

func (l List) MarshalCanonical() ([]byte, error) {
	return json.Marshal(l)
}

func ParseList(data []byte) (List, error) {
	var l List
	if err := json.Unmarshal(data, &l); err != nil {
		return List{}, errors.Wrap(err, "parsing manifest list")
	}
	return l, nil
}

// IsList reports whether mediaType denotes a manifest list or image index.
func IsList(mt MediaType) bool {
	return mt == MediaTypeDockerManifestList || mt == MediaTypeOCIIndex
}

// SelectPlatform implements spec.md §4.5/§4.9's manifest-list selection:
// the first entry matching (architecture, os) wins (first-match-wins per
// spec.md Design Notes' resolved Open Question on tie-breaking).
func SelectPlatform(l List, architecture, os string) (ListEntry, error) {
	for _, m := range l.Manifests {
		if m.Platform.Architecture == architecture && m.Platform.OS == os {
			return m, nil
		}
	}
	return ListEntry{}, errs.New(errs.KindPlatformMismatch, "selecting platform manifest",
		errors.Errorf("no manifest for %s/%s", os, architecture))
}

// NewList builds a manifest list / image index from one entry per
// platform, for SPEC_FULL.md §11.1's multi-architecture publication.
func NewList(format Format, entries []ListEntry) List {
	mt := MediaTypeDockerManifestList
	if format == FormatOCI {
		mt = MediaTypeOCIIndex
	}
	return List{SchemaVersion: 2, MediaType: mt, Manifests: entries}
}
