package tarlayer_test

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"testing"
	"time"

	"github.com/sclevine/spec"
	"github.com/sclevine/spec/report"

	"github.com/ocibuild/ocibuild/tarlayer"
	h "github.com/ocibuild/ocibuild/testhelpers"
)

func TestTar(t *testing.T) {
	spec.Run(t, "Tar", testTar, spec.Report(report.Terminal{}))
}

func readEntries(t *testing.T, buf []byte) []*tar.Header {
	t.Helper()
	tr := tar.NewReader(bytes.NewReader(buf))
	var headers []*tar.Header
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		h.AssertNil(t, err)
		headers = append(headers, hdr)
	}
	return headers
}

func testTar(t *testing.T, when spec.G, it spec.S) {
	when("#Build", func() {
		it("produces a single-entry deterministic tar (scenario: hello layer)", func() {
			tmp := writeTempFile(t, "hi")
			var buf bytes.Buffer
			err := tarlayer.Build(&buf, []tarlayer.Entry{
				{SourcePath: tmp, ExtractionPath: "/hi", Permissions: 0o644, ModificationTime: tarlayer.DefaultModTime},
			})
			h.AssertNil(t, err)

			headers := readEntries(t, buf.Bytes())
			h.AssertEq(t, len(headers), 1)
			h.AssertEq(t, headers[0].Name, "hi")
			h.AssertEq(t, headers[0].Size, int64(2))
			h.AssertTrue(t, headers[0].ModTime.Equal(tarlayer.DefaultModTime))
		})

		it("synthesizes implicit parent directories in sorted order with default perms", func() {
			var buf bytes.Buffer
			tmp := writeTempFile(t, "hello")
			err := tarlayer.Build(&buf, []tarlayer.Entry{
				{SourcePath: tmp, ExtractionPath: "/a/b/c", Permissions: 0o644},
			})
			h.AssertNil(t, err)

			headers := readEntries(t, buf.Bytes())
			h.AssertEq(t, len(headers), 3)
			h.AssertEq(t, headers[0].Name, "a/")
			h.AssertEq(t, headers[0].Mode, int64(0o755))
			h.AssertEq(t, headers[1].Name, "a/b/")
			h.AssertEq(t, headers[1].Mode, int64(0o755))
			h.AssertEq(t, headers[2].Name, "a/b/c")
			h.AssertEq(t, headers[2].Mode, int64(0o644))
			for _, hdr := range headers {
				h.AssertTrue(t, hdr.ModTime.Equal(tarlayer.DefaultModTime))
			}
		})

		it("lets a later explicit entry win over an earlier one for the same path", func() {
			tmp1 := writeTempFile(t, "v1")
			tmp2 := writeTempFile(t, "v2")
			var buf bytes.Buffer
			err := tarlayer.Build(&buf, []tarlayer.Entry{
				{SourcePath: tmp1, ExtractionPath: "/x", Permissions: 0o600},
				{SourcePath: tmp2, ExtractionPath: "/x", Permissions: 0o644},
			})
			h.AssertNil(t, err)

			headers := readEntries(t, buf.Bytes())
			h.AssertEq(t, len(headers), 1)
			h.AssertEq(t, headers[0].Mode, int64(0o644))
		})

		it("produces byte-identical output regardless of insertion order", func() {
			tmpA := writeTempFile(t, "A")
			tmpB := writeTempFile(t, "B")
			entries1 := []tarlayer.Entry{
				{SourcePath: tmpA, ExtractionPath: "/a", Permissions: 0o644, ModificationTime: tarlayer.DefaultModTime},
				{SourcePath: tmpB, ExtractionPath: "/b", Permissions: 0o644, ModificationTime: tarlayer.DefaultModTime},
			}
			entries2 := []tarlayer.Entry{entries1[1], entries1[0]}

			var buf1, buf2 bytes.Buffer
			h.AssertNil(t, tarlayer.Build(&buf1, entries1))
			h.AssertNil(t, tarlayer.Build(&buf2, entries2))
			h.AssertEq(t, buf1.Bytes(), buf2.Bytes())
		})
	})

	when("#Selector", func() {
		it("is a pure function of entry contents: equal inputs produce equal selectors", func() {
			now := time.Unix(1700000000, 0)
			e := []tarlayer.Entry{{ExtractionPath: "/a", Permissions: 0o644, SourceModTime: now, Size: 3}}
			s1 := tarlayer.Selector("layer", e)
			s2 := tarlayer.Selector("layer", e)
			h.AssertEq(t, s1.String(), s2.String())
		})

		it("changes when an entry's size changes", func() {
			now := time.Unix(1700000000, 0)
			base := tarlayer.Selector("layer", []tarlayer.Entry{{ExtractionPath: "/a", SourceModTime: now, Size: 3}})
			changed := tarlayer.Selector("layer", []tarlayer.Entry{{ExtractionPath: "/a", SourceModTime: now, Size: 4}})
			h.AssertNotEq(t, base.String(), changed.String())
		})
	})
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "tarlayer-")
	h.AssertNil(t, err)
	defer f.Close()
	_, err = f.WriteString(content)
	h.AssertNil(t, err)
	return f.Name()
}
