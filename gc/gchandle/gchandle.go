// Package gchandle implements the per-epoch statistics handle described in
// spec.md §6 as an external collaborator contract. The concrete shape below
// (which milestones it records, in which order) is grounded on
// GCStatistics.hpp usage in the original collector's SameThreadMarkAndSweep
// and ConcurrentMarkAndSweep implementations, which call these exact methods
// in this exact order.
package gchandle

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handle records timeline milestones for a single GC epoch. It is created
// once per epoch by the orchestrator and is safe for concurrent use by
// worker goroutines logging their own milestones.
type Handle struct {
	Epoch int64
	// ID is a stable, loggable identity for this run, independent of the
	// epoch counter (which mutators also observe): grounded on kopia's use
	// of github.com/google/uuid for manifest/session identity.
	ID uuid.UUID

	mu        sync.Mutex
	start     time.Time
	timestamp map[string]time.Time

	finalizersScheduledCount int
}

// New creates a handle for the given epoch.
func New(epoch int64) *Handle {
	return &Handle{
		Epoch:     epoch,
		ID:        uuid.New(),
		start:     time.Now(),
		timestamp: make(map[string]time.Time, 8),
	}
}

func (h *Handle) mark(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.timestamp[name] = time.Now()
}

// SuspensionRequested records that the orchestrator asked mutators to pause.
func (h *Handle) SuspensionRequested() { h.mark("suspensionRequested") }

// ThreadsAreSuspended records that every mutator reached a safepoint.
func (h *Handle) ThreadsAreSuspended() { h.mark("threadsAreSuspended") }

// ThreadsAreResumed records that mutators were released to run.
func (h *Handle) ThreadsAreResumed() { h.mark("threadsAreResumed") }

// FinalizersScheduled records how many objects were handed to the finalizer
// pipeline for this epoch.
func (h *Handle) FinalizersScheduled(n int) {
	h.mu.Lock()
	h.finalizersScheduledCount = n
	h.mu.Unlock()
	h.mark("finalizersScheduled")
}

// FinalizersDone records that the finalizer pipeline drained this epoch's
// batch.
func (h *Handle) FinalizersDone() { h.mark("finalizersDone") }

// Finished records that the collection itself (mark+sweep, not
// finalization) has completed.
func (h *Handle) Finished() { h.mark("finished") }

// FinalizersScheduledCount returns the count recorded by
// FinalizersScheduled, or 0 if it has not been called yet.
func (h *Handle) FinalizersScheduledCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.finalizersScheduledCount
}

// Since returns how long has elapsed between two recorded milestones, or
// zero if either was never recorded.
func (h *Handle) Since(from, to string) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()

	a, ok1 := h.timestamp[from]
	b, ok2 := h.timestamp[to]

	if !ok1 || !ok2 {
		return 0
	}

	return b.Sub(a)
}

// Elapsed returns the time since the handle was created.
func (h *Handle) Elapsed() time.Duration {
	return time.Since(h.start)
}
