package imagemodel

import (
	"encoding/json"

	digest "github.com/opencontainers/go-digest"
)

// Descriptor references a blob by digest, size, and media type — the
// common shape for both config and layer references in a manifest.
type Descriptor struct {
	MediaType MediaType       `json:"mediaType"`
	Digest    digest.Digest   `json:"digest"`
	Size      int64           `json:"size"`
}

// Manifest is the canonical (write-target) manifest shape shared by Docker
// V2.2 and OCI v1: a config descriptor plus ordered layer descriptors
// (spec.md §4.6). SchemaVersion/MediaType vary by Format.
type Manifest struct {
	SchemaVersion int          `json:"schemaVersion"`
	MediaType     MediaType    `json:"mediaType"`
	Config        Descriptor   `json:"config"`
	Layers        []Descriptor `json:"layers"`
	Annotations   map[string]string `json:"annotations,omitempty"`
}

// MarshalCanonical returns the exact manifest bytes whose digest becomes
// the manifest digest pushed/recorded (spec.md §6: "no reformatting, no
// re-pretty-printing, after the digest is computed").
func (m Manifest) MarshalCanonical() ([]byte, error) {
	return json.Marshal(m)
}

func NewManifest(format Format, config Descriptor, layers []Descriptor) Manifest {
	return Manifest{
		SchemaVersion: 2,
		MediaType:     format.ManifestMediaType(),
		Config:        config,
		Layers:        layers,
	}
}

// dockerV1ManifestRead is the minimal read-only shape of a legacy Docker
// V2.1 manifest (spec.md §4.6): no config/layer descriptors, just embedded
// per-layer v1Compatibility blobs.
type dockerV1ManifestRead struct {
	SchemaVersion int `json:"schemaVersion"`
	FSLayers      []struct {
		BlobSum digest.Digest `json:"blobSum"`
	} `json:"fsLayers"`
	History []struct {
		V1Compatibility string `json:"v1Compatibility"`
	} `json:"history"`
}

// ParseDockerV1Manifest reads a Docker V2.1 manifest into layer blob
// digests (oldest-first, the reverse of fsLayers' newest-first wire order)
// and reconstructed diff IDs, read-only per spec.md §4.6.
func ParseDockerV1Manifest(data []byte) (layerBlobs []digest.Digest, rootFS RootFS, err error) {
	var v1 dockerV1ManifestRead
	if err := json.Unmarshal(data, &v1); err != nil {
		return nil, RootFS{}, err
	}
	for i := len(v1.FSLayers) - 1; i >= 0; i-- {
		layerBlobs = append(layerBlobs, v1.FSLayers[i].BlobSum)
	}
	var compats []string
	for _, h := range v1.History {
		compats = append(compats, h.V1Compatibility)
	}
	rootFS, err = DiffIDsFromV1Compat(compats)
	return layerBlobs, rootFS, err
}
