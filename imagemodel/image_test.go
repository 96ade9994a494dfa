package imagemodel_test

import (
	"encoding/json"
	"regexp"
	"testing"
	"time"

	digest "github.com/opencontainers/go-digest"
	"github.com/sclevine/spec"
	"github.com/sclevine/spec/report"

	"github.com/ocibuild/ocibuild/imagemodel"
	h "github.com/ocibuild/ocibuild/testhelpers"
)

func TestImage(t *testing.T) {
	spec.Run(t, "Image", testImage, spec.Report(report.Terminal{}))
}

func testImage(t *testing.T, when spec.G, it spec.S) {
	when("#ApplyOverrides", func() {
		it("inherits base fields when overrides are empty", func() {
			img := imagemodel.Image{Architecture: "amd64", OS: "linux", Env: map[string]string{"FOO": "bar"}}
			h.AssertNil(t, img.ApplyOverrides(imagemodel.Overrides{}))
			h.AssertEq(t, img.Architecture, "amd64")
			h.AssertEq(t, img.Env["FOO"], "bar")
		})

		it("merges env with child winning on key conflict", func() {
			img := imagemodel.Image{Env: map[string]string{"FOO": "base", "KEEP": "yes"}}
			err := img.ApplyOverrides(imagemodel.Overrides{Env: map[string]string{"FOO": "child"}})
			h.AssertNil(t, err)
			h.AssertEq(t, img.Env["FOO"], "child")
			h.AssertEq(t, img.Env["KEEP"], "yes")
		})

		it("merges labels the same way as env", func() {
			img := imagemodel.Image{Labels: map[string]string{"l": "base"}}
			err := img.ApplyOverrides(imagemodel.Overrides{Labels: map[string]string{"l": "child", "m": "new"}})
			h.AssertNil(t, err)
			h.AssertEq(t, img.Labels["l"], "child")
			h.AssertEq(t, img.Labels["m"], "new")
		})

		it("unions volumes and exposed ports rather than replacing", func() {
			img := imagemodel.Image{
				Volumes:      map[string]struct{}{"/data": {}},
				ExposedPorts: map[string]imagemodel.Port{"80/tcp": {Number: 80, Protocol: "tcp"}},
			}
			err := img.ApplyOverrides(imagemodel.Overrides{
				Volumes:      map[string]struct{}{"/cache": {}},
				ExposedPorts: map[string]imagemodel.Port{"443/tcp": {Number: 443, Protocol: "tcp"}},
			})
			h.AssertNil(t, err)
			_, hasData := img.Volumes["/data"]
			_, hasCache := img.Volumes["/cache"]
			h.AssertTrue(t, hasData)
			h.AssertTrue(t, hasCache)
			h.AssertEq(t, len(img.ExposedPorts), 2)
		})

		it("replaces user/workingdir/entrypoint/cmd only when set", func() {
			baseUser := "base"
			img := imagemodel.Image{User: &baseUser, Cmd: []string{"base-cmd"}}
			err := img.ApplyOverrides(imagemodel.Overrides{Entrypoint: []string{"override"}})
			h.AssertNil(t, err)
			h.AssertEq(t, *img.User, "base")
			h.AssertEq(t, img.Cmd, []string{"base-cmd"})
			h.AssertEq(t, img.Entrypoint, []string{"override"})

			childUser := "child"
			err = img.ApplyOverrides(imagemodel.Overrides{User: &childUser})
			h.AssertNil(t, err)
			h.AssertEq(t, *img.User, "child")
		})
	})

	when("#ToConfig / #ToManifest", func() {
		it("carries layer diff ids into rootfs in layer order", func() {
			img := imagemodel.Image{
				Architecture: "amd64",
				OS:           "linux",
				Format:       imagemodel.FormatDocker,
				Layers: []imagemodel.Layer{
					{BlobDigest: digest.FromString("blob1"), DiffID: digest.FromString("diff1"), Size: 10},
					{BlobDigest: digest.FromString("blob2"), DiffID: digest.FromString("diff2"), Size: 20},
				},
			}
			cfg := img.ToConfig()
			h.AssertEq(t, cfg.RootFS.DiffIDs, []digest.Digest{digest.FromString("diff1"), digest.FromString("diff2")})

			manifest := img.ToManifest(imagemodel.Descriptor{Digest: digest.FromString("config"), Size: 5})
			h.AssertEq(t, len(manifest.Layers), 2)
			h.AssertEq(t, manifest.Layers[0].Digest, digest.FromString("blob1"))
			h.AssertEq(t, manifest.Layers[0].MediaType, imagemodel.MediaTypeDockerLayerGzip)
			h.AssertEq(t, manifest.MediaType, imagemodel.MediaTypeDockerManifestV2)
		})

		it("selects OCI media types when Format is OCI", func() {
			img := imagemodel.Image{Format: imagemodel.FormatOCI}
			manifest := img.ToManifest(imagemodel.Descriptor{})
			h.AssertEq(t, manifest.MediaType, imagemodel.MediaTypeOCIManifest)
		})
	})

	when("ExecConfig JSON round-trip", func() {
		it("serializes Env as KEY=VALUE strings and restores the map on read", func() {
			ec := imagemodel.ExecConfig{
				Env:        map[string]string{"FOO": "bar"},
				Cmd:        []string{"/bin/sh"},
				WorkingDir: "/app",
			}
			data, err := json.Marshal(ec)
			h.AssertNil(t, err)
			h.AssertMatch(t, string(data), regexp.MustCompile(`"Env":\["FOO=bar"\]`))

			var back imagemodel.ExecConfig
			h.AssertNil(t, json.Unmarshal(data, &back))
			h.AssertEq(t, back.Env["FOO"], "bar")
			h.AssertEq(t, back.Cmd, []string{"/bin/sh"})
			h.AssertEq(t, back.WorkingDir, "/app")
		})
	})

	when("#ValidateHistory", func() {
		it("passes when non-empty history entries match diff id count", func() {
			cfg := imagemodel.Config{
				RootFS:  imagemodel.RootFS{DiffIDs: []digest.Digest{digest.FromString("a")}},
				History: []imagemodel.History{{CreatedBy: "layer"}, {CreatedBy: "noop", EmptyLayer: true}},
			}
			h.AssertNil(t, cfg.ValidateHistory())
		})

		it("fails when counts diverge", func() {
			cfg := imagemodel.Config{
				RootFS:  imagemodel.RootFS{DiffIDs: []digest.Digest{digest.FromString("a"), digest.FromString("b")}},
				History: []imagemodel.History{{CreatedBy: "layer"}},
			}
			h.AssertTrue(t, cfg.ValidateHistory() != nil)
		})
	})

	when("#MarshalCanonical", func() {
		it("produces distinct byte-exact JSON for Docker and OCI formats", func() {
			cfg := imagemodel.Config{
				Architecture: "amd64",
				OS:           "linux",
				Created:      time.Unix(1, 0).UTC(),
				Config:       imagemodel.ExecConfig{Env: map[string]string{"A": "B"}},
				RootFS:       imagemodel.RootFS{Type: "layers", DiffIDs: []digest.Digest{digest.FromString("x")}},
			}
			dockerJSON, err := cfg.MarshalCanonical(imagemodel.FormatDocker)
			h.AssertNil(t, err)
			ociJSON, err := cfg.MarshalCanonical(imagemodel.FormatOCI)
			h.AssertNil(t, err)
			h.AssertNotEq(t, string(dockerJSON), string(ociJSON))

			var reDecoded map[string]interface{}
			h.AssertNil(t, json.Unmarshal(dockerJSON, &reDecoded))
			h.AssertEq(t, reDecoded["architecture"], "amd64")
		})

		it("reproduces identical bytes for identical input (digest stability)", func() {
			cfg := imagemodel.Config{Architecture: "arm64", OS: "linux"}
			a, err := cfg.MarshalCanonical(imagemodel.FormatDocker)
			h.AssertNil(t, err)
			b, err := cfg.MarshalCanonical(imagemodel.FormatDocker)
			h.AssertNil(t, err)
			h.AssertEq(t, string(a), string(b))
		})
	})
}
