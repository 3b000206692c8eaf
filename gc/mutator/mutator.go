// Package mutator implements the Mutator Registry & Safepoint (spec.md C2):
// per-thread GC-relevant flags, thread enrolment, and the safepoint hook
// that either blocks a mutator cooperatively or lets it help with mark work
// before blocking.
package mutator

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/kortex/gcrun/gc/heapiface"
)

// Mutator is a per-thread record. The three flags are cleared at the start
// of every epoch (spec.md data model, invariant M3/M4).
type Mutator struct {
	// ID is a stable identity used in logs, grounded on kopia's use of
	// github.com/google/uuid for per-run identity.
	ID uuid.UUID

	rootSetLocked atomic.Bool
	cooperative   atomic.Bool
	published     atomic.Bool

	allocator heapiface.Allocator
}

// TryLockRootSet CAS-claims this mutator's root set for the current epoch.
// Exactly one caller across mutator self-scan and GC workers succeeds per
// epoch (invariant M3).
func (m *Mutator) TryLockRootSet() bool {
	return m.rootSetLocked.CompareAndSwap(false, true)
}

// RootSetLocked reports whether this mutator's root set has already been
// claimed for the current epoch.
func (m *Mutator) RootSetLocked() bool { return m.rootSetLocked.Load() }

// BeginCooperation marks this mutator as having joined mark work while
// parked at a safepoint.
func (m *Mutator) BeginCooperation() { m.cooperative.Store(true) }

// Cooperative reports whether this mutator is currently cooperating.
func (m *Mutator) Cooperative() bool { return m.cooperative.Load() }

// Publish flushes the mutator's thread-local allocator bookkeeping to
// global state and records that it did so. release-ordered: a subsequent
// acquire-load of Published by another worker sees every write the
// allocator made before this call (§5 ordering guarantees).
func (m *Mutator) Publish() {
	if m.allocator != nil {
		m.allocator.PublishThreadLocal()
	}

	m.published.Store(true)
}

// Published reports whether Publish has been called this epoch.
func (m *Mutator) Published() bool { return m.published.Load() }

// clearEpochFlags resets all three per-epoch flags. Called by the mark
// dispatcher at the start of every epoch (§4.4 step 1).
func (m *Mutator) clearEpochFlags() {
	m.published.Store(false)
	m.cooperative.Store(false)
	m.rootSetLocked.Store(false)
}

// SafepointHook is implemented by whichever mark dispatcher variant is
// wired to the registry; ParkAtSafepoint calls into it when the mutator is
// eligible to cooperate, mirroring ThreadData::OnSuspendForGC forwarding
// into MarkDispatcher::runOnMutator in the original collector.
type SafepointHook interface {
	OnSuspendForGC(ctx context.Context, m *Mutator)
}

// PauseSignal is the mutator-facing half of the suspension coordinator.
type PauseSignal interface {
	Requested() bool
	ParkAtSafepoint()
}

// Registry tracks enrolled mutators.
type Registry struct {
	mu       sync.RWMutex
	mutators map[uuid.UUID]*Mutator

	hook SafepointHook
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{mutators: make(map[uuid.UUID]*Mutator)}
}

// SetSafepointHook wires the mark dispatcher that cooperating mutators join.
// Called once during collector construction, after both the registry and
// the dispatcher exist (breaking what would otherwise be an initialization
// cycle between the two packages).
func (r *Registry) SetSafepointHook(h SafepointHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hook = h
}

// Register enrolls a new mutator, backed by allocator for thread-local
// publish bookkeeping.
func (r *Registry) Register(allocator heapiface.Allocator) *Mutator {
	m := &Mutator{ID: uuid.New(), allocator: allocator}

	r.mu.Lock()
	r.mutators[m.ID] = m
	r.mu.Unlock()

	return m
}

// Unregister removes a mutator, e.g. on thread termination.
func (r *Registry) Unregister(m *Mutator) {
	r.mu.Lock()
	delete(r.mutators, m.ID)
	r.mu.Unlock()
}

// Count returns the number of currently registered mutators. Satisfies
// suspend.RegisteredCounter.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.mutators)
}

// ForEach calls visit for every registered mutator. visit may run
// concurrently across callers holding no lock of its own; ForEach itself
// only briefly holds a read lock to snapshot the current membership so
// visit can block without stalling Register/Unregister.
func (r *Registry) ForEach(visit func(*Mutator)) {
	r.mu.RLock()
	snapshot := make([]*Mutator, 0, len(r.mutators))
	for _, m := range r.mutators {
		snapshot = append(snapshot, m)
	}
	r.mu.RUnlock()

	for _, m := range snapshot {
		visit(m)
	}
}

// ClearEpochFlags resets every mutator's per-epoch flags. Called once at
// the start of each marking epoch.
func (r *Registry) ClearEpochFlags() {
	r.ForEach(func(m *Mutator) { m.clearEpochFlags() })
}

// SafePoint is the code a mutator executes periodically. If a suspension is
// outstanding, the mutator either cooperates in mark work (when a hook is
// wired and the dispatcher wants it) and then parks, or parks directly.
// Invariant M4 is satisfied because ParkAtSafepoint only returns once the
// coordinator has resumed, which the orchestrator does only after
// mark-completion has isolated the reachable heap.
func (r *Registry) SafePoint(ctx context.Context, m *Mutator, pause PauseSignal) {
	if !pause.Requested() {
		return
	}

	r.mu.RLock()
	hook := r.hook
	r.mu.RUnlock()

	if hook != nil {
		hook.OnSuspendForGC(ctx, m)
	}

	pause.ParkAtSafepoint()
}

// OnThreadRegistration performs first-time GC bookkeeping for a newly
// registered mutator thread; the registry has none beyond Register itself,
// but the operation is named separately per §6 so callers get a stable
// extension point (e.g. a scheduler that wants per-thread counters).
func (r *Registry) OnThreadRegistration(m *Mutator) {}
