package sink

import (
	"context"
	"os"
	"path/filepath"

	digest "github.com/opencontainers/go-digest"

	"github.com/ocibuild/ocibuild/errs"
	"github.com/ocibuild/ocibuild/imagemodel"
)

// OCILayout writes the OCI image layout directory structure at Dir:
// `oci-layout`, `index.json`, and `blobs/sha256/<hex>` for every blob
// (config, each layer, manifest), per spec.md §4.8. Every blob file's
// contents are exactly the bytes used to compute its digest.
type OCILayout struct {
	Dir string
}

const ociLayoutMarker = `{"imageLayoutVersion":"1.0.0"}`

func (s OCILayout) Save(ctx context.Context, img Assembled) error {
	manifestDigest, err := s.writeBlobs(img)
	if err != nil {
		return err
	}

	index := imagemodel.NewList(imagemodel.FormatOCI, []imagemodel.ListEntry{{
		MediaType: img.Format.ManifestMediaType(),
		Size:      int64(len(img.ManifestJSON)),
		Digest:    manifestDigest,
	}})
	return s.writeLayoutFiles(index)
}

// SaveList implements SPEC_FULL.md §11.1's manifest-list production for
// the OCI layout sink: every platform's blobs land under blobs/sha256 as
// usual, and index.json references all of them via one top-level index
// rather than a single manifest, matching the OCI image layout spec's own
// support for index.json naming an index-of-indexes.
func (s OCILayout) SaveList(ctx context.Context, platforms []Assembled, list imagemodel.List, tags []string) error {
	for _, img := range platforms {
		if _, err := s.writeBlobs(img); err != nil {
			return err
		}
	}
	return s.writeLayoutFiles(list)
}

func (s OCILayout) writeBlobs(img Assembled) (digest.Digest, error) {
	blobsDir := filepath.Join(s.Dir, "blobs", "sha256")
	if err := os.MkdirAll(blobsDir, 0o755); err != nil {
		return "", errs.New(errs.KindCacheCorrupted, "creating OCI layout directory", err)
	}

	if err := writeBlobFile(blobsDir, img.ConfigDigest.Digest, img.ConfigJSON); err != nil {
		return "", err
	}
	for _, l := range img.Layers {
		data, err := os.ReadFile(l.BlobPath)
		if err != nil {
			return "", errs.New(errs.KindCacheCorrupted, "reading cached layer "+l.BlobPath, err)
		}
		if err := writeBlobFile(blobsDir, l.Descriptor.Digest, data); err != nil {
			return "", err
		}
	}

	manifestDigest := digest.FromBytes(img.ManifestJSON)
	if err := writeBlobFile(blobsDir, manifestDigest, img.ManifestJSON); err != nil {
		return "", err
	}
	return manifestDigest, nil
}

func (s OCILayout) writeLayoutFiles(index imagemodel.List) error {
	if err := os.WriteFile(filepath.Join(s.Dir, "oci-layout"), []byte(ociLayoutMarker), 0o644); err != nil {
		return errs.New(errs.KindCacheCorrupted, "writing oci-layout", err)
	}

	indexJSON, err := index.MarshalCanonical()
	if err != nil {
		return errs.New(errs.KindRegistryProtocol, "encoding index.json", err)
	}
	if err := os.WriteFile(filepath.Join(s.Dir, "index.json"), indexJSON, 0o644); err != nil {
		return errs.New(errs.KindCacheCorrupted, "writing index.json", err)
	}
	return nil
}

func writeBlobFile(blobsDir string, d digest.Digest, data []byte) error {
	path := filepath.Join(blobsDir, d.Encoded())
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errs.New(errs.KindCacheCorrupted, "writing blob "+path, err)
	}
	return nil
}
