package executor_test

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/sclevine/spec"
	"github.com/sclevine/spec/report"

	"github.com/ocibuild/ocibuild/errs"
	"github.com/ocibuild/ocibuild/executor"
	h "github.com/ocibuild/ocibuild/testhelpers"
)

func TestExecutor(t *testing.T) {
	spec.Run(t, "Executor", testExecutor, spec.Report(report.Terminal{}))
}

func testExecutor(t *testing.T, when spec.G, it spec.S) {
	when("#Run", func() {
		it("runs steps in dependency order and exposes upstream results to downstream steps", func() {
			var order []string
			graph := executor.Graph{Steps: []executor.Step{
				{ID: "a", Run: func(ctx context.Context, in map[string]interface{}) (interface{}, error) {
					order = append(order, "a")
					return 1, nil
				}},
				{ID: "b", Deps: []string{"a"}, Run: func(ctx context.Context, in map[string]interface{}) (interface{}, error) {
					order = append(order, "b")
					h.AssertEq(t, in["a"], 1)
					return 2, nil
				}},
			}}

			result, err := executor.Run(context.Background(), graph, nil)
			h.AssertNil(t, err)
			h.AssertEq(t, order, []string{"a", "b"})
			h.AssertEq(t, result.Values["b"], 2)
		})

		it("propagates a step's typed error and skips its dependents", func() {
			ran := map[string]bool{}
			graph := executor.Graph{Steps: []executor.Step{
				{ID: "fails", Run: func(ctx context.Context, in map[string]interface{}) (interface{}, error) {
					ran["fails"] = true
					return nil, errs.New(errs.KindChecksumMismatch, "pulling layer", errors.New("boom"))
				}},
				{ID: "dependent", Deps: []string{"fails"}, Run: func(ctx context.Context, in map[string]interface{}) (interface{}, error) {
					ran["dependent"] = true
					return nil, nil
				}},
			}}

			_, err := executor.Run(context.Background(), graph, nil)
			h.AssertError(t, err, "boom")
			h.AssertTrue(t, ran["fails"])
			h.AssertEq(t, ran["dependent"], false)
		})
	})

	when("#Tracker", func() {
		it("accumulates weighted progress across steps", func() {
			tracker := executor.NewTracker()
			tracker.Start("layer-1", 100)
			tracker.Start("layer-2", 200)
			tracker.Complete("layer-1", 100)

			snap := tracker.Snapshot()
			h.AssertEq(t, snap.Completed, int64(100))
			h.AssertEq(t, snap.Total, int64(300))
			h.AssertEq(t, len(snap.InProgress), 1)
		})
	})
}
