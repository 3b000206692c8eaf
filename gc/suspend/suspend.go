// Package suspend implements the Suspension Coordinator (spec.md C3): a
// single global pause request, a barrier that waits for every mutator to
// reach a safepoint (or blocking native code), and resume.
//
// The synchronization is the same monitor-with-counters shape as
// internal/parallelwork.Queue's active-worker bookkeeping: one mutex/cond
// pair, plain integer counters mutated under the lock, Broadcast on every
// transition.
package suspend

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrAlreadyRequested is returned by RequestSuspension when a suspension is
// already outstanding. Only one requester is allowed at a time (§4.3), and
// only from the main GC thread by convention — this package does not police
// which goroutine calls it, matching the platform-primitive contract in §6.
var ErrAlreadyRequested = errors.New("suspend: suspension already requested")

// ErrResumeWithoutRequest is returned by Resume when no suspension is
// outstanding.
var ErrResumeWithoutRequest = errors.New("suspend: resume called without a matching request")

// RegisteredCounter reports how many mutators must reach a safepoint before
// a suspension is considered complete. It is satisfied by
// (*mutator.Registry).Count.
type RegisteredCounter func() int

// Coordinator is the in-process suspension primitive the orchestrator drives
// directly (spec.md §6 leaves heapiface.SuspensionPrimitive, the real
// OS-thread-signaling binding, out of scope; Coordinator plays that role for
// this module, tests and the demo command with a plain condition variable
// instead).
type Coordinator struct {
	mu   sync.Mutex
	cond *sync.Cond

	registered RegisteredCounter

	requested bool
	arrived   int // mutators currently parked at the safepoint
	native    int // mutators currently in blocking native code (auto-safe)
}

// New creates a Coordinator. registered reports the number of mutators that
// must arrive at a safepoint for a suspension to complete.
func New(registered RegisteredCounter) *Coordinator {
	c := &Coordinator{registered: registered}
	c.cond = sync.NewCond(&c.mu)

	return c
}

// Request asks every mutator to pause. Only one outstanding request is
// allowed; a second Request before the matching Resume fails.
func (c *Coordinator) Request() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.requested {
		return false, ErrAlreadyRequested
	}

	c.requested = true
	c.arrived = 0
	c.cond.Broadcast()

	return true, nil
}

// Wait blocks until every registered mutator has arrived at a safepoint or
// is in blocking native code, or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})

	go func() {
		c.mu.Lock()
		for c.requested && c.arrived+c.native < c.registered() {
			c.cond.Wait()
		}
		c.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resume lifts the pause flag and releases every mutator parked at the
// safepoint. Calling Resume without a prior successful Request is an error
// (§4.3: "resume after request without wait is forbidden" — modeled here as
// "resume without a matching request is forbidden", since Wait is
// idempotent to call and the harmful case is an unpaired Resume).
func (c *Coordinator) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.requested {
		return ErrResumeWithoutRequest
	}

	c.requested = false
	c.cond.Broadcast()

	return nil
}

// Requested reports whether a suspension is currently outstanding. Mutators
// consult this at their safepoint.
func (c *Coordinator) Requested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.requested
}

// ParkAtSafepoint is called by a mutator that has decided to block: it
// counts toward Wait's arrival threshold and blocks until Resume.
func (c *Coordinator) ParkAtSafepoint() {
	c.mu.Lock()
	c.arrived++
	c.cond.Broadcast()

	for c.requested {
		c.cond.Wait()
	}

	c.arrived--
	c.mu.Unlock()
}

// EnterNative marks the calling mutator as being in blocking native code,
// which counts as "at a safepoint" for suspension purposes without the
// mutator actually blocking.
func (c *Coordinator) EnterNative() {
	c.mu.Lock()
	c.native++
	c.cond.Broadcast()
	c.mu.Unlock()
}

// ExitNative reverses EnterNative. If a suspension is outstanding, the
// calling mutator must still reach a real safepoint afterward.
func (c *Coordinator) ExitNative() {
	c.mu.Lock()
	c.native--
	c.mu.Unlock()
}
