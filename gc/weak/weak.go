// Package weak implements the Weak Processor (spec.md C6): visiting the
// weak-reference registry and clearing slots whose target is unmarked, plus
// the optional concurrent-weak barrier protocol used by CMS.
package weak

import (
	"sync/atomic"

	"github.com/kortex/gcrun/gc/heapiface"
)

// Process visits every slot in registry and clears any slot whose target is
// a heap object with an unmarked mark bit. The clear is a compare-and-swap
// against the observed target so a concurrent mutator read sees either the
// previous target or the cleared value, never a torn pointer (property 6).
//
// Process returns the number of slots cleared.
func Process(registry heapiface.WeakRegistry) int {
	cleared := 0

	registry.ForEachSlot(func(slot heapiface.WeakSlot) {
		target := slot.Load()
		if target == nil {
			return
		}

		if !target.OnHeap() {
			return
		}

		if target.Marked() {
			return
		}

		if slot.ClearIfEqual(target) {
			cleared++
		}
	})

	return cleared
}

// Barrier is the concurrent-weak read barrier (§4.6): while enabled, a
// mutator reading through a weak reference must consult the mark bit itself
// and observe null for an unmarked target rather than the raw slot value,
// so it never sees a target that Process is concurrently about to reclaim
// (property 7).
type Barrier struct {
	enabled atomic.Bool
	epoch   atomic.Int64
}

// Enable arms the barrier for the given epoch. Called by the orchestrator
// after runMainInSTW/endMarkingEpoch and before resuming mutators, per
// §4.6's concurrent mode.
func (b *Barrier) Enable(epoch int64) {
	b.epoch.Store(epoch)
	b.enabled.Store(true)
}

// Disable tears the barrier down. Called by the orchestrator during the
// second, short STW of a concurrent-weak epoch.
func (b *Barrier) Disable() {
	b.enabled.Store(false)
}

// Epoch reports which epoch the barrier is currently armed for, valid only
// while Enabled reports true.
func (b *Barrier) Epoch() int64 {
	return b.epoch.Load()
}

// Enabled reports whether the barrier is currently armed.
func (b *Barrier) Enabled() bool {
	return b.enabled.Load()
}

// Read performs a barrier-aware weak read: while the barrier is enabled, an
// unmarked heap target is reported as nil instead of the raw slot value.
func (b *Barrier) Read(slot heapiface.WeakSlot) heapiface.Object {
	target := slot.Load()
	if target == nil {
		return nil
	}

	if b.Enabled() && target.OnHeap() && !target.Marked() {
		return nil
	}

	return target
}
