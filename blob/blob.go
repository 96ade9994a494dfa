// Package blob implements the uniform byte-source abstraction of spec.md
// §4.1: a Blob streams to a sink exactly once per call and yields a
// BlobDescriptor (digest + size). Variants are dispatched by a tagged
// interface rather than a class hierarchy, per the teacher's preference for
// value types over deep inheritance (spec.md Design Notes).
package blob

import (
	"bytes"
	"context"
	"io"
	"os"

	digest "github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/ocibuild/ocibuild/errs"
)

// Descriptor is the result of streaming a Blob: its content digest and byte
// count.
type Descriptor struct {
	Digest digest.Digest
	Size   int64
}

// Blob is a finite, possibly lazy byte source with a single operation.
// Retryable reports whether StreamTo may be invoked more than once; an
// InputStreamBlob is not.
type Blob interface {
	StreamTo(ctx context.Context, w io.Writer) (Descriptor, error)
	Retryable() bool
}

// digestingWriter wraps a writer with a running digest and byte counter,
// the composable "visitor/decorator stack" called out in spec.md Design
// Notes: source -> (gzip) -> digestingWriter.
type digestingWriter struct {
	w       io.Writer
	digest  digest.Digester
	written int64
}

func newDigestingWriter(w io.Writer) *digestingWriter {
	return &digestingWriter{w: w, digest: digest.Canonical.Digester()}
}

func (d *digestingWriter) Write(p []byte) (int, error) {
	n, err := d.w.Write(p)
	d.digest.Hash().Write(p[:n])
	d.written += int64(n)
	return n, err
}

func (d *digestingWriter) finish() Descriptor {
	return Descriptor{Digest: d.digest.Digest(), Size: d.written}
}

// streamTo copies src into a digesting wrapper around w, returning the
// resulting Descriptor. Used by every Blob variant below as the one place
// that actually does the streaming + hashing.
func streamTo(ctx context.Context, src io.Reader, w io.Writer) (Descriptor, error) {
	dw := newDigestingWriter(w)
	if _, err := io.Copy(dw, readerWithContext(ctx, src)); err != nil {
		return Descriptor{}, err
	}
	return dw.finish(), nil
}

// readerWithContext aborts the copy promptly on cancellation, satisfying
// the "suspension must be cancelable" requirement of spec.md §5 for any
// blob source backed by slow I/O (files, subprocess pipes).
func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	select {
	case <-c.ctx.Done():
		return 0, errs.New(errs.KindCancelled, "streaming blob", c.ctx.Err())
	default:
	}
	return c.r.Read(p)
}

// Empty is a zero-length Blob.
type Empty struct{}

func (Empty) StreamTo(ctx context.Context, w io.Writer) (Descriptor, error) {
	return streamTo(ctx, bytes.NewReader(nil), w)
}
func (Empty) Retryable() bool { return true }

// FromString is an in-memory string Blob; idempotent.
type FromString struct {
	Data string
	// Precomputed, if set, short-circuits hashing (the string's digest was
	// already known, e.g. loaded from a manifest file).
	Precomputed *Descriptor
}

func (b FromString) StreamTo(ctx context.Context, w io.Writer) (Descriptor, error) {
	if b.Precomputed != nil {
		if _, err := w.Write([]byte(b.Data)); err != nil {
			return Descriptor{}, err
		}
		return *b.Precomputed, nil
	}
	return streamTo(ctx, bytes.NewReader([]byte(b.Data)), w)
}
func (FromString) Retryable() bool { return true }

// FromBytes is an in-memory buffer Blob; idempotent.
type FromBytes struct{ Data []byte }

func (b FromBytes) StreamTo(ctx context.Context, w io.Writer) (Descriptor, error) {
	return streamTo(ctx, bytes.NewReader(b.Data), w)
}
func (FromBytes) Retryable() bool { return true }

// FromFile streams a file's contents by re-opening it on every call, making
// it safely retryable even after a failed upload attempt.
type FromFile struct{ Path string }

func (b FromFile) StreamTo(ctx context.Context, w io.Writer) (Descriptor, error) {
	f, err := os.Open(b.Path)
	if err != nil {
		return Descriptor{}, errors.Wrapf(err, "opening %s", b.Path)
	}
	defer f.Close()
	return streamTo(ctx, f, w)
}
func (FromFile) Retryable() bool { return true }

// FromStream wraps an already-open io.Reader (e.g. an HTTP response body).
// It can be consumed exactly once; the registry client must never retry a
// request whose body is a FromStream after the first attempt has read it.
type FromStream struct{ R io.Reader }

func (b FromStream) StreamTo(ctx context.Context, w io.Writer) (Descriptor, error) {
	return streamTo(ctx, b.R, w)
}
func (FromStream) Retryable() bool { return false }

// FromWriterCallback adapts a "write your bytes to this Writer" callback
// (e.g. a tar builder) into a Blob. Retryable iff the callback itself is
// side-effect-free to call more than once.
type FromWriterCallback struct {
	Write       func(ctx context.Context, w io.Writer) error
	IsRetryable bool
}

func (b FromWriterCallback) StreamTo(ctx context.Context, w io.Writer) (Descriptor, error) {
	dw := newDigestingWriter(w)
	if err := b.Write(ctx, dw); err != nil {
		return Descriptor{}, err
	}
	return dw.finish(), nil
}
func (b FromWriterCallback) Retryable() bool { return b.IsRetryable }

// CopyDigesting copies src to dst while computing its digest, used by the
// registry client and cache to verify streamed bytes without a full Blob
// (spec.md §4.3's "verifying the advertised digest while writing").
func CopyDigesting(dst io.Writer, src io.Reader) (Descriptor, error) {
	dw := newDigestingWriter(dst)
	if _, err := io.Copy(dw, src); err != nil {
		return Descriptor{}, err
	}
	return dw.finish(), nil
}
