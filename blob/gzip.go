package blob

import (
	"context"
	"io"

	"github.com/containerd/stargz-snapshotter/estargz"
	pgzip "github.com/klauspost/pgzip"
)

// Compressor produces a gzip-framed writer around w. Swappable so a layer
// builder can opt into estargz's seekable format without touching the
// digesting plumbing.
type Compressor func(w io.Writer) (io.WriteCloser, error)

// PGzipCompressor is the default: klauspost/pgzip, a parallel drop-in
// replacement for compress/gzip used elsewhere in the pack (lazydocker,
// hypeman pull in klauspost/compress transitively for the same reason —
// faster layer compression under concurrent builds).
func PGzipCompressor(level int) Compressor {
	return func(w io.Writer) (io.WriteCloser, error) {
		return pgzip.NewWriterLevel(w, level)
	}
}

// EStargzCompressor produces a seekable, lazily-pullable layer in the
// containerd/stargz-snapshotter format. No BuilderConfig field selects
// it; the builder's application layers always use PGzipCompressor. The
// resulting blob is still a valid gzip+tar stream, so it round-trips
// through every sink unmodified.
func EStargzCompressor() Compressor {
	return func(w io.Writer) (io.WriteCloser, error) {
		zw := estargz.NewWriterLevel(w, estargz.DefaultCompressionLevel)
		return zw, nil
	}
}

// GzipResult carries both digests a compressed layer needs (spec.md §3):
// BlobDigest of the compressed bytes, DiffID of the uncompressed tar, and
// the compressed size.
type GzipResult struct {
	Blob Descriptor
	Diff Descriptor
}

// StreamGzipDigesting writes writeTar's uncompressed output through gzip to
// w, computing the compressed digest (BlobDigest) and the uncompressed
// digest (DiffID) in the same streaming pass, per spec.md §4.1's contract
// that exactly one pass over the source produces both digests.
func StreamGzipDigesting(ctx context.Context, w io.Writer, compress Compressor, writeTar func(io.Writer) error) (GzipResult, error) {
	blobDW := newDigestingWriter(w)
	gz, err := compress(blobDW)
	if err != nil {
		return GzipResult{}, err
	}
	diffDW := newDigestingWriter(gz)
	if err := writeTar(diffDW); err != nil {
		gz.Close()
		return GzipResult{}, err
	}
	if err := gz.Close(); err != nil {
		return GzipResult{}, err
	}
	return GzipResult{Blob: blobDW.finish(), Diff: diffDW.finish()}, nil
}
