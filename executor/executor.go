// Package executor implements spec.md §4.7's step graph: steps run when
// their declared inputs complete, with bounded concurrency, cancellation
// propagation, and progress accounting.
package executor

import (
	"context"
	"runtime"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/ocibuild/ocibuild/errs"
)

// Step is one unit of work. ID names it for dependency declarations and
// progress reporting; Deps lists the IDs that must complete successfully
// before Run is scheduled; Run receives the results of its Deps keyed by
// ID so it can read its inputs.
type Step struct {
	ID     string
	Deps   []string
	Weight int64 // progress weight, e.g. a layer's byte count
	Run    func(ctx context.Context, inputs map[string]interface{}) (interface{}, error)
}

// Graph is a set of Steps forming a DAG (spec.md §4.7's "canonical pipeline
// steps" are one instance of this shape).
type Graph struct {
	Steps       []Step
	Concurrency int // default min(16, 2*NumCPU), per spec.md §5
}

// Result holds the outcome of running a Graph: every step's return value
// by ID, keyed for downstream composition by the caller.
type Result struct {
	Values map[string]interface{}
}

// Run executes the graph to completion or first failure. The executor
// guarantees each step runs at most once (spec.md §5); a failing step
// cancels the context, which unstarted steps observe before they begin
// and running steps observe at their next suspension point. Intermediate
// results already committed (e.g. to the cache) survive cancellation —
// the executor only discards in-memory Step results, never on-disk state.
func Run(ctx context.Context, g Graph, progress *Tracker) (Result, error) {
	concurrency := g.Concurrency
	if concurrency == 0 {
		concurrency = defaultConcurrency()
	}

	byID := map[string]Step{}
	for _, s := range g.Steps {
		byID[s.ID] = s
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(concurrency)

	done := make(map[string]chan struct{})
	for _, s := range g.Steps {
		done[s.ID] = make(chan struct{})
	}

	values := newSyncMap()
	failed := newSyncMap()

	for _, step := range g.Steps {
		step := step
		eg.Go(func() error {
			for _, dep := range step.Deps {
				select {
				case <-done[dep]:
				case <-egCtx.Done():
					return egCtx.Err()
				}
				if failed.has(dep) {
					failed.set(step.ID, true)
					close(done[step.ID])
					return nil
				}
			}
			if err := egCtx.Err(); err != nil {
				failed.set(step.ID, true)
				close(done[step.ID])
				return err
			}

			inputs := map[string]interface{}{}
			for _, dep := range step.Deps {
				if v, ok := values.get(dep); ok {
					inputs[dep] = v
				}
			}

			if progress != nil {
				progress.Start(step.ID, step.Weight)
			}
			v, err := step.Run(egCtx, inputs)
			if err != nil {
				failed.set(step.ID, true)
				close(done[step.ID])
				if progress != nil {
					progress.Fail(step.ID)
				}
				return err
			}
			values.set(step.ID, v)
			close(done[step.ID])
			if progress != nil {
				progress.Complete(step.ID, step.Weight)
			}
			return nil
		})
	}

	runErr := eg.Wait()
	result := Result{Values: values.snapshot()}
	if runErr != nil {
		if _, ok := errs.KindOf(runErr); ok {
			return result, runErr
		}
		return result, errs.New(errs.KindCancelled, "running build graph", runErr)
	}
	return result, nil
}

func defaultConcurrency() int {
	n := lo.Max([]int{1, 2 * runtime.NumCPU()})
	return lo.Min([]int{16, n})
}
