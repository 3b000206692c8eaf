// Package epoch implements the GC epoch state machine (spec.md C1): a
// monotonic epoch counter with blocking waits on each epoch's milestones.
//
// The synchronization style is grounded on
// internal/parallelwork.Queue's sync.Cond-guarded monitor: one mutex, one
// condition variable broadcast on every state change, and a plain map
// checked under the lock instead of one channel per epoch (which would leak
// unless every possible waiter drained it).
package epoch

import (
	"github.com/pkg/errors"
)

// State is a single epoch's position in the Scheduled -> Started ->
// Finished -> Finalized state machine.
type State int

const (
	// StateUnknown is returned for an epoch nothing has been recorded for yet.
	StateUnknown State = iota
	StateScheduled
	StateStarted
	StateFinished
	StateFinalized
)

// ErrShutdown is returned by blocking waits after Shutdown has been called.
var ErrShutdown = errors.New("epoch: collector is shutting down")

// Manager tracks the current epoch and the state of every epoch that has
// not yet been forgotten. It guarantees Finalized implies Finished
// (property 4) and strict epoch monotonicity (property 3).
type Manager struct {
	monitor *cond

	shuttingDown bool
	pendingIdle  bool // an epoch was scheduled but the main GC thread has not yet observed it

	nextEpoch int64
	states    map[int64]State
}

// New creates an epoch manager. The first epoch it will ever hand out is 0,
// matching the original collector's epoch numbering.
func New() *Manager {
	return &Manager{
		monitor: newCond(),
		states:  make(map[int64]State),
	}
}

// Schedule assigns the next epoch number and wakes the main GC thread
// blocked in WaitScheduled. If an epoch was already scheduled but not yet
// started, that same epoch number is returned instead of minting a new one:
// this coalesces back-to-back triggers into a single collection.
func (m *Manager) Schedule() (int64, error) {
	m.monitor.L.Lock()
	defer m.monitor.L.Unlock()

	if m.shuttingDown {
		return 0, ErrShutdown
	}

	if m.pendingIdle {
		return m.nextEpoch - 1, nil
	}

	e := m.nextEpoch
	m.nextEpoch++
	m.states[e] = StateScheduled
	m.pendingIdle = true

	m.monitor.Broadcast()

	return e, nil
}

// WaitScheduled blocks the main GC thread until an epoch is scheduled
// (returning it, ok=true) or the manager is shut down (ok=false).
func (m *Manager) WaitScheduled() (epoch int64, ok bool) {
	m.monitor.L.Lock()
	defer m.monitor.L.Unlock()

	for !m.pendingIdle && !m.shuttingDown {
		m.monitor.Wait()
	}

	if m.shuttingDown {
		return 0, false
	}

	return m.nextEpoch - 1, true
}

// Start transitions epoch to Started.
func (m *Manager) Start(e int64) {
	m.setState(e, StateStarted)

	m.monitor.L.Lock()
	m.pendingIdle = false
	m.monitor.L.Unlock()
}

// Finish transitions epoch to Finished.
func (m *Manager) Finish(e int64) {
	m.setState(e, StateFinished)
}

// Finalized transitions epoch to Finalized. Callers must have already
// called Finish(e); this is enforced by refusing to move an epoch that
// hasn't reached at least Finished.
func (m *Manager) Finalized(e int64) {
	m.monitor.L.Lock()
	defer m.monitor.L.Unlock()

	if m.states[e] < StateFinished {
		// Programming error per §7.4: finalized must never precede finished.
		panic("epoch: Finalized called before Finish")
	}

	m.states[e] = StateFinalized
	m.monitor.Broadcast()
}

func (m *Manager) setState(e int64, s State) {
	m.monitor.L.Lock()
	defer m.monitor.L.Unlock()

	m.states[e] = s
	m.monitor.Broadcast()
}

// WaitEpochFinished blocks until epoch reaches at least Finished, or the
// manager is shut down.
func (m *Manager) WaitEpochFinished(e int64) error {
	return m.waitAtLeast(e, StateFinished)
}

// WaitEpochFinalized blocks until epoch reaches Finalized, or the manager
// is shut down.
func (m *Manager) WaitEpochFinalized(e int64) error {
	return m.waitAtLeast(e, StateFinalized)
}

func (m *Manager) waitAtLeast(e int64, want State) error {
	m.monitor.L.Lock()
	defer m.monitor.L.Unlock()

	for m.states[e] < want && !m.shuttingDown {
		m.monitor.Wait()
	}

	if m.states[e] >= want {
		return nil
	}

	return ErrShutdown
}

// Shutdown idempotently unblocks every waiter with ErrShutdown. Callers
// must ensure no epoch is in flight: spec.md §7.4 treats shutdown during an
// active epoch as a fatal programming error, not something this package
// recovers from.
func (m *Manager) Shutdown() {
	m.monitor.L.Lock()
	defer m.monitor.L.Unlock()

	m.shuttingDown = true
	m.monitor.Broadcast()
}

// State returns the last recorded state for epoch, or StateUnknown.
func (m *Manager) State(e int64) State {
	m.monitor.L.Lock()
	defer m.monitor.L.Unlock()

	return m.states[e]
}
