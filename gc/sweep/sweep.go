// Package sweep implements the Sweep pass (spec.md C7): reclamation of
// unmarked objects, a separate pass for extra-object data, and extraction
// of finalizable objects into a per-epoch finalizer queue.
//
// Ordering policy (§4.7): extra-object sweep always runs before object
// sweep, because object sweep may deallocate the base of an extra-object
// and must not race with extra-object iteration.
package sweep

import (
	"github.com/kortex/gcrun/gc/heapiface"
)

// Result summarizes one sweep pass.
type Result struct {
	ObjectsFreed      int
	ExtraObjectsFreed int
	BytesFreed        int64
	Finalizable       []heapiface.Object
}

// ExtraObjects iterates the extra-object factory and removes entries whose
// base object is on the managed heap and unmarked (invariant M2: an
// extra-object attached to a non-heap object is always considered alive).
func ExtraObjects(iter heapiface.ExtraObjectIterable, destroy func(heapiface.ExtraObjectData)) int {
	var toDestroy []heapiface.ExtraObjectData

	iter.ForEach(func(e heapiface.ExtraObjectData) bool {
		base := e.BaseObject()
		if base == nil {
			return true
		}

		if isMarkedByExtraObject(e) {
			return true
		}

		toDestroy = append(toDestroy, e)

		return true
	})

	for _, e := range toDestroy {
		destroy(e)
	}

	return len(toDestroy)
}

// isMarkedByExtraObject implements invariant M2: an extra-object survives
// if its base object is not on the managed heap (always alive, e.g. a
// static/permanent owner), if it opted out of FlagSweepable (its lifetime
// is not tied to its base object's mark bit at all), if the base object's
// mark bit is set, or if the extra-object still carries a finalizer that
// has not run yet. The finalizer case keeps the extra-object (and the
// callback it owns) alive across this pass even though its base is
// otherwise garbage; Objects below extracts the base into the Finalizable
// queue instead of freeing it, and the pipeline frees it once the
// finalizer has run.
func isMarkedByExtraObject(e heapiface.ExtraObjectData) bool {
	base := e.BaseObject()
	if !base.OnHeap() {
		return true
	}

	if !e.Flags().Has(heapiface.FlagSweepable) {
		return true
	}

	if base.Marked() {
		return true
	}

	return e.HasFinalizer()
}

// Objects iterates the object factory. For each object it attempts
// TryResetMark: a successful CAS from marked to unmarked means the object
// survives (its mark word is reset for the next epoch); an object found
// already unmarked is unreachable and reclaimed. Reclaimed objects whose
// extra-object data has a finalizer are collected into the returned
// Finalizable slice instead of being freed immediately.
func Objects(iter heapiface.ObjectIterable, allocator heapiface.Allocator, free func(heapiface.Object)) Result {
	var res Result

	iter.ForEach(func(obj heapiface.Object) bool {
		if obj.TryResetMark() {
			// Survived: mark word is now unmarked, ready for next epoch.
			return true
		}

		res.BytesFreed += allocator.GetAllocatedHeapSize(obj)

		if extra, ok := obj.ExtraObjectData(); ok && extra.HasFinalizer() {
			res.Finalizable = append(res.Finalizable, obj)
			return true
		}

		free(obj)
		res.ObjectsFreed++

		return true
	})

	return res
}
