// Package imagemodel implements spec.md §3 and §4.6: the in-memory image
// model and the JSON codecs for Docker V2.1 (read-only), Docker V2.2, OCI
// v1, and manifest lists / image indexes.
package imagemodel

import (
	"github.com/docker/distribution/manifest/manifestlist"
	"github.com/docker/distribution/manifest/schema2"
	specsv1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// MediaType enumerates the wire media types this module reads and/or
// writes, per spec.md §4.6. Apart from the read-only Docker V2.1 manifest
// type, which is a string literal, values are sourced from the same typed
// constants docker/distribution and opencontainers/image-spec export,
// rather than re-declared string literals, so a media type comparison
// against either library's own constants still succeeds.
type MediaType string

const (
	MediaTypeDockerManifestV2   MediaType = MediaType(schema2.MediaTypeManifest)
	MediaTypeDockerManifestV1   MediaType = "application/vnd.docker.distribution.manifest.v1+json"
	MediaTypeDockerManifestList MediaType = MediaType(manifestlist.MediaTypeManifestList)
	MediaTypeDockerConfig       MediaType = MediaType(schema2.MediaTypeImageConfig)
	MediaTypeDockerLayerGzip    MediaType = MediaType(schema2.MediaTypeLayer)

	MediaTypeOCIManifest  MediaType = MediaType(specsv1.MediaTypeImageManifest)
	MediaTypeOCIIndex     MediaType = MediaType(specsv1.MediaTypeImageIndex)
	MediaTypeOCIConfig    MediaType = MediaType(specsv1.MediaTypeImageConfig)
	MediaTypeOCILayerGzip MediaType = MediaType(specsv1.MediaTypeImageLayerGzip)
)

// Format selects the write target, per the build plan's `format` field.
type Format string

const (
	FormatDocker Format = "Docker"
	FormatOCI    Format = "OCI"
)

// ManifestMediaType returns the manifest media type for a given write
// Format.
func (f Format) ManifestMediaType() MediaType {
	if f == FormatOCI {
		return MediaTypeOCIManifest
	}
	return MediaTypeDockerManifestV2
}

func (f Format) ConfigMediaType() MediaType {
	if f == FormatOCI {
		return MediaTypeOCIConfig
	}
	return MediaTypeDockerConfig
}

func (f Format) LayerMediaType() MediaType {
	if f == FormatOCI {
		return MediaTypeOCILayerGzip
	}
	return MediaTypeDockerLayerGzip
}

// AcceptPriority is spec.md §4.5's manifest Accept list, in priority
// order: OCI manifest, OCI index, Docker V2.2, Docker V2.2 list, Docker
// V2.1.
var AcceptPriority = []MediaType{
	MediaTypeOCIManifest,
	MediaTypeOCIIndex,
	MediaTypeDockerManifestV2,
	MediaTypeDockerManifestList,
	MediaTypeDockerManifestV1,
}
