package tarlayer

import (
	"context"
	"io"

	digest "github.com/opencontainers/go-digest"

	"github.com/ocibuild/ocibuild/blob"
)

// Written is spec.md §3's "Layer (written)".
type Written struct {
	BlobDigest      digest.Digest
	DiffID          digest.Digest
	Size            int64
	ContentLocation string
}

// BuildToWriter produces a reproducible gzip+tar layer from entries,
// writing the compressed bytes to w and returning both digests computed in
// the single streaming pass spec.md §4.1 requires.
func BuildToWriter(ctx context.Context, w io.Writer, entries []Entry, compress blob.Compressor) (Written, error) {
	result, err := blob.StreamGzipDigesting(ctx, w, compress, func(tw io.Writer) error {
		return Build(tw, entries)
	})
	if err != nil {
		return Written{}, err
	}
	return Written{
		BlobDigest: result.Blob.Digest,
		DiffID:     result.Diff.Digest,
		Size:       result.Blob.Size,
	}, nil
}
