package cache_test

import (
	"bytes"
	"context"
	"io"
	"regexp"
	"testing"

	digest "github.com/opencontainers/go-digest"
	"github.com/sclevine/spec"
	"github.com/sclevine/spec/report"

	"github.com/ocibuild/ocibuild/blob"
	"github.com/ocibuild/ocibuild/cache"
	h "github.com/ocibuild/ocibuild/testhelpers"
)

func TestCache(t *testing.T) {
	spec.Run(t, "Cache", testCache, spec.Report(report.Terminal{}))
}

func testCache(t *testing.T, when spec.G, it spec.S) {
	var c *cache.Cache

	it.Before(func() {
		c = cache.New(t.TempDir())
	})

	when("#BuildOrReuse", func() {
		it("builds once and reuses the cached entry on a second identical build", func() {
			calls := 0
			build := func(ctx context.Context, w io.Writer) (blob.Descriptor, digest.Digest, error) {
				calls++
				content := []byte("hello layer")
				desc, err := blob.CopyDigesting(w, bytes.NewReader(content))
				return desc, digest.FromBytes(content), err
			}

			selector := digest.FromString("fingerprint-1")
			first, err := c.BuildOrReuse(context.Background(), selector, build)
			h.AssertNil(t, err)

			second, err := c.BuildOrReuse(context.Background(), selector, build)
			h.AssertNil(t, err)

			h.AssertEq(t, calls, 1)
			h.AssertEq(t, first.BlobDigest.String(), second.BlobDigest.String())
			h.AssertEq(t, first.Path, second.Path)
			h.AssertEq(t, first.DiffID.String(), second.DiffID.String())
			h.AssertEq(t, second.DiffID, digest.FromBytes([]byte("hello layer")))
		})

		it("recovers diffID from the layer filename on a selector cache hit without rebuilding", func() {
			calls := 0
			content := []byte("reused layer contents")
			build := func(ctx context.Context, w io.Writer) (blob.Descriptor, digest.Digest, error) {
				calls++
				desc, err := blob.CopyDigesting(w, bytes.NewReader(content))
				return desc, digest.FromBytes(content), err
			}

			selector := digest.FromString("fingerprint-2")
			first, err := c.BuildOrReuse(context.Background(), selector, build)
			h.AssertNil(t, err)

			second, err := c.BuildOrReuse(context.Background(), selector, func(ctx context.Context, w io.Writer) (blob.Descriptor, digest.Digest, error) {
				t.Fatal("build should not be invoked again on a selector cache hit")
				return blob.Descriptor{}, "", nil
			})
			h.AssertNil(t, err)

			h.AssertEq(t, calls, 1)
			h.AssertEq(t, second.DiffID, first.DiffID)
			h.AssertEq(t, second.DiffID, digest.FromBytes(content))
		})
	})

	when("#WritePulled", func() {
		it("fails ChecksumMismatch when the streamed digest disagrees with the advertised one", func() {
			_, err := c.WritePulled(digest.FromString("wrong"), digest.FromString("diff"), bytes.NewReader([]byte("actual bytes")))
			h.AssertNotEq(t, err, nil)
		})

		it("commits on a matching digest, naming the file after diffID, readable via Lookup", func() {
			content := []byte("layer bytes")
			expected := digest.FromBytes(content)
			diffID := digest.FromString("some-diff-id")
			entry, err := c.WritePulled(expected, diffID, bytes.NewReader(content))
			h.AssertNil(t, err)
			h.AssertEq(t, entry.DiffID, diffID)
			h.AssertMatch(t, entry.Path, regexp.MustCompile(diffID.Encoded()+"$"))

			got, ok, err := c.Lookup(entry.BlobDigest, diffID)
			h.AssertNil(t, err)
			h.AssertTrue(t, ok)
			h.AssertEq(t, got.Path, entry.Path)
		})
	})
}
