package executor

import (
	"sync"
	"time"

	"github.com/c2h5oh/datasize"
	units "github.com/docker/go-units"
)

// Tracker implements spec.md §4.7's progress accounting: a flat allocation
// table keyed by step ID, each weighted by byte count (for blob-moving
// steps) or 1 (for bookkeeping steps). Observers poll Snapshot for a
// cumulative (completed, total) pair suitable for rendering a progress
// bar; InProgress lists every started, unfinished step with its weight.
type Tracker struct {
	mu        sync.Mutex
	total     int64
	completed int64
	inFlight  map[string]int64
	failed    map[string]bool
}

func NewTracker() *Tracker {
	return &Tracker{inFlight: map[string]int64{}, failed: map[string]bool{}}
}

// Start registers a step's weight as the step begins, so Snapshot's total
// grows as steps start rather than being known up front.
func (t *Tracker) Start(id string, weight int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if weight == 0 {
		weight = 1
	}
	t.total += weight
	t.inFlight[id] = weight
}

func (t *Tracker) Complete(id string, weight int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if weight == 0 {
		weight = 1
	}
	delete(t.inFlight, id)
	t.completed += weight
}

func (t *Tracker) Fail(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inFlight, id)
	t.failed[id] = true
}

// Snapshot is a point-in-time progress reading.
type Snapshot struct {
	Completed  int64
	Total      int64
	InProgress map[string]int64
}

// HumanTotal renders Total using c2h5oh/datasize's human-readable byte
// formatting, for CLI progress output.
func (s Snapshot) HumanTotal() string {
	return datasize.ByteSize(s.Total).HR()
}

// Throughput renders a completed byte count over an elapsed duration using
// docker/go-units' HumanSize, matching the "<size>/s" convention CLI image
// pushers in the pack (e.g. the registry-mirroring tool in other_examples)
// print for in-flight transfer rates.
func Throughput(completedBytes int64, elapsed time.Duration) string {
	if elapsed <= 0 {
		return units.HumanSize(0) + "/s"
	}
	return units.HumanSize(float64(completedBytes) / elapsed.Seconds()) + "/s"
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	inFlight := make(map[string]int64, len(t.inFlight))
	for k, v := range t.inFlight {
		inFlight[k] = v
	}
	return Snapshot{Completed: t.completed, Total: t.total, InProgress: inFlight}
}
