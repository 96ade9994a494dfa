package ocibuild_test

import (
	"testing"
	"time"

	"github.com/sclevine/spec"
	"github.com/sclevine/spec/report"

	"github.com/ocibuild/ocibuild"
	"github.com/ocibuild/ocibuild/errs"
	"github.com/ocibuild/ocibuild/imagemodel"
	h "github.com/ocibuild/ocibuild/testhelpers"
)

func TestBuildPlan(t *testing.T) {
	spec.Run(t, "BuildPlan", testBuildPlan, spec.Report(report.Terminal{}))
}

func testBuildPlan(t *testing.T, when spec.G, it spec.S) {
	when("#WithDefaults", func() {
		it("fills spec.md §6's documented defaults for zero fields", func() {
			plan := ocibuild.BuildPlan{}.WithDefaults()
			h.AssertEq(t, plan.BaseImage, "scratch")
			h.AssertEq(t, plan.Architecture, "amd64")
			h.AssertEq(t, plan.OS, "linux")
			h.AssertTrue(t, plan.CreationTime.Equal(time.Unix(0, 0).UTC()))
			h.AssertEq(t, plan.Format, imagemodel.FormatDocker)
		})

		it("leaves explicitly set fields untouched", func() {
			plan := ocibuild.BuildPlan{BaseImage: "alpine:3.19", Architecture: "arm64"}.WithDefaults()
			h.AssertEq(t, plan.BaseImage, "alpine:3.19")
			h.AssertEq(t, plan.Architecture, "arm64")
			h.AssertEq(t, plan.OS, "linux")
		})
	})

	when("#Validate", func() {
		it("accepts a well-formed plan", func() {
			plan := ocibuild.BuildPlan{
				ExposedPorts: []ocibuild.ExposedPort{{Port: 80, Protocol: "tcp"}},
				Entrypoint:   []string{"/bin/app"},
			}
			h.AssertNil(t, plan.Validate())
		})

		it("rejects an empty environment key", func() {
			plan := ocibuild.BuildPlan{Environment: map[string]string{"": "x"}}
			kind, ok := errs.KindOf(plan.Validate())
			h.AssertTrue(t, ok)
			h.AssertEq(t, kind, errs.KindInvalidBuildPlan)
		})

		it("rejects an empty labels key", func() {
			plan := ocibuild.BuildPlan{Labels: map[string]string{"": "x"}}
			h.AssertTrue(t, plan.Validate() != nil)
		})

		it("rejects an entrypoint whose first argument is empty", func() {
			plan := ocibuild.BuildPlan{Entrypoint: []string{""}}
			h.AssertTrue(t, plan.Validate() != nil)
		})

		it("rejects an exposed port with an unsupported protocol", func() {
			plan := ocibuild.BuildPlan{ExposedPorts: []ocibuild.ExposedPort{{Port: 80, Protocol: "sctp"}}}
			h.AssertTrue(t, plan.Validate() != nil)
		})
	})
}
