package imagemodel_test

import (
	"testing"

	digest "github.com/opencontainers/go-digest"
	"github.com/sclevine/spec"
	"github.com/sclevine/spec/report"

	"github.com/ocibuild/ocibuild/errs"
	"github.com/ocibuild/ocibuild/imagemodel"
	h "github.com/ocibuild/ocibuild/testhelpers"
)

func TestManifestList(t *testing.T) {
	spec.Run(t, "ManifestList", testManifestList, spec.Report(report.Terminal{}))
}

func testManifestList(t *testing.T, when spec.G, it spec.S) {
	list := imagemodel.List{
		Manifests: []imagemodel.ListEntry{
			{Digest: digest.FromString("d1"), Platform: imagemodel.Platform{Architecture: "amd64", OS: "linux"}},
			{Digest: digest.FromString("d2"), Platform: imagemodel.Platform{Architecture: "arm64", OS: "linux"}},
			{Digest: digest.FromString("d3"), Platform: imagemodel.Platform{Architecture: "amd64", OS: "linux"}},
		},
	}

	when("#SelectPlatform", func() {
		it("selects the first matching (architecture, os) entry, per scenario 4", func() {
			entry, err := imagemodel.SelectPlatform(list, "amd64", "linux")
			h.AssertNil(t, err)
			h.AssertEq(t, entry.Digest, digest.FromString("d1"))
		})

		it("fails with PlatformMismatch when no entry matches", func() {
			_, err := imagemodel.SelectPlatform(list, "s390x", "linux")
			kind, ok := errs.KindOf(err)
			h.AssertTrue(t, ok)
			h.AssertEq(t, kind, errs.KindPlatformMismatch)
		})
	})

	when("#IsList", func() {
		it("recognizes both Docker manifest lists and OCI indexes", func() {
			h.AssertTrue(t, imagemodel.IsList(imagemodel.MediaTypeDockerManifestList))
			h.AssertTrue(t, imagemodel.IsList(imagemodel.MediaTypeOCIIndex))
			h.AssertTrue(t, !imagemodel.IsList(imagemodel.MediaTypeDockerManifestV2))
		})
	})

	when("#NewList", func() {
		it("picks the Docker manifest-list media type for Format Docker", func() {
			l := imagemodel.NewList(imagemodel.FormatDocker, nil)
			h.AssertEq(t, l.MediaType, imagemodel.MediaTypeDockerManifestList)
		})

		it("picks the OCI index media type for Format OCI", func() {
			l := imagemodel.NewList(imagemodel.FormatOCI, nil)
			h.AssertEq(t, l.MediaType, imagemodel.MediaTypeOCIIndex)
		})
	})

	when("#MarshalCanonical and #ParseList round-trip", func() {
		it("round-trips through JSON", func() {
			data, err := list.MarshalCanonical()
			h.AssertNil(t, err)
			back, err := imagemodel.ParseList(data)
			h.AssertNil(t, err)
			h.AssertEq(t, back.Manifests[0].Digest, list.Manifests[0].Digest)
		})
	})
}
