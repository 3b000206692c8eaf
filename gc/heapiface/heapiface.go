// Package heapiface defines the boundary between the collector core and its
// external collaborators: the object allocator, the object/type-info format,
// the platform suspension primitive, the scheduler policy, and the weak
// reference registry. None of these are implemented here — spec.md treats
// them as out of scope for the core and this package only names the
// contract, exactly as kopia's repo/blob.Storage names a contract that
// concrete backends (filesystem, gcs, s3, ...) satisfy independently.
package heapiface

import "context"

// ExtraObjectFlag is a bitmask of state carried by ExtraObjectData.
type ExtraObjectFlag uint32

const (
	// FlagSweepable marks an extra-object as eligible for reclamation once
	// its base object is unmarked.
	FlagSweepable ExtraObjectFlag = 1 << iota
	// FlagFinalized marks an extra-object whose finalizer has already run.
	FlagFinalized
)

// Has reports whether f contains all bits of other.
func (f ExtraObjectFlag) Has(other ExtraObjectFlag) bool { return f&other == other }

// Object is an opaque managed record. Implementations must make Marked,
// TestAndSetMark and TryResetMark safe to call concurrently from multiple
// goroutines without any other synchronization (mark word is atomic, per
// spec.md data model).
type Object interface {
	// TypeDescriptor returns the type information used to enumerate this
	// object's reference fields.
	TypeDescriptor() TypeDescriptor

	// OnHeap reports whether the object lives on the managed heap. Objects
	// that are not on the managed heap (permanent/static objects) are always
	// considered alive: invariant M2.
	OnHeap() bool

	// Marked reports the current value of the mark word.
	Marked() bool

	// TestAndSetMark atomically transitions the mark word 0->1. It returns
	// true if this call performed the transition (the object was
	// previously unmarked); false if another marker had already marked it.
	TestAndSetMark() bool

	// TryResetMark atomically compare-and-swaps the mark word from marked to
	// unmarked. It returns true if the object was marked at the time of the
	// call (and is now unmarked as a result).
	TryResetMark() bool

	// ExtraObjectData returns the object's extra-object data, if attached.
	ExtraObjectData() (ExtraObjectData, bool)
}

// TypeDescriptor enumerates the reference fields (and, for arrays, element
// slots) of an object so the mark algorithm can traverse them.
type TypeDescriptor interface {
	// ForEachReferenceField invokes visit once for every field (or array
	// element) of obj that holds a reference to another Object. Ordering is
	// unspecified, matching spec.md's Mark Queue ordering note.
	ForEachReferenceField(obj Object, visit func(field Object))
}

// ExtraObjectData is auxiliary state optionally attached to an Object,
// carrying finalization state and weak-reference back-pointers.
type ExtraObjectData interface {
	// BaseObject returns the object this extra-object data is attached to.
	BaseObject() Object

	// Flags returns the current flag set.
	Flags() ExtraObjectFlag

	// SetFlags replaces the flag set.
	SetFlags(ExtraObjectFlag)

	// HasFinalizer reports whether this extra-object carries a finalizer
	// that must run before the base object's memory is freed.
	HasFinalizer() bool

	// RunFinalizer runs the finalizer, if any. Safe to call at most once.
	RunFinalizer(ctx context.Context)
}

// ObjectIterable iterates all objects currently known to the allocator. It is
// obtained by locking the allocator's factory for iteration (§4.7): no
// mutator may publish new allocations into the swept range while an
// ObjectIterable is live.
type ObjectIterable interface {
	ForEach(visit func(Object) bool)
}

// ExtraObjectIterable iterates all extra-object-data records.
type ExtraObjectIterable interface {
	ForEach(visit func(ExtraObjectData) bool)
}

// Allocator is the per-thread-queue allocator strategy: each mutator holds
// thread-local allocation bookkeeping that must be published to global state
// before its objects are visible to other markers, and sweep iterates two
// independent factories (objects, extra-objects).
type Allocator interface {
	CreateObject(t TypeDescriptor) (Object, error)
	CreateArray(t TypeDescriptor, n int) (Object, error)
	CreateExtraObject(obj Object, t TypeDescriptor) (ExtraObjectData, error)
	DestroyUnattachedExtra(e ExtraObjectData)

	// PublishThreadLocal flushes the calling mutator's thread-local
	// allocation bookkeeping into global state.
	PublishThreadLocal()

	// LockObjectsForIter locks the object factory for iteration and returns
	// an iterable plus a function that must be called to release the lock.
	LockObjectsForIter() (ObjectIterable, func())

	// LockExtraObjectsForIter locks the extra-object factory for iteration.
	LockExtraObjectsForIter() (ExtraObjectIterable, func())

	// PrepareForGC is called once per epoch, with mutators suspended, before
	// sweep begins.
	PrepareForGC()

	// GetAllocatedHeapSize returns the number of bytes obj occupies on the
	// heap.
	GetAllocatedHeapSize(obj Object) int64

	// FreeObject reclaims obj's storage. Called by sweep for objects that
	// were found unmarked and carry no finalizer, and by the finalizer
	// pipeline once a queued object's finalizer has run.
	FreeObject(obj Object)
}

// FinalizerQueueExtractor is an optional Allocator capability: draining a
// per-thread finalizer queue that the two-factory sweep protocol above has
// no equivalent for. Only the alternate custom-heap allocator strategy in
// §4.7 populates one; the orchestrator merges it into the epoch's
// finalizer queue when present.
type FinalizerQueueExtractor interface {
	ExtractFinalizerQueue() []Object
}

// PoolCompactor is an optional Allocator capability (§9 Open Question b):
// a non-moving, safe-after-sweep pool trim that may only run on the main
// GC thread. Implementing it is optional; the orchestrator calls it via a
// type assertion after sweep completes.
type PoolCompactor interface {
	CompactObjectPoolInMainThread()
}

// HeapSweeper is implemented by the alternate custom-allocator strategy
// (§4.7): a single combined sweep pass over one heap, returning a merged
// finalizer queue, instead of the two-factory protocol above.
type HeapSweeper interface {
	Sweep(epoch int64) []Object
}

// SuspensionPrimitive is the platform thread-suspension primitive (§6).
type SuspensionPrimitive interface {
	Request() bool
	Wait(ctx context.Context)
	Resume()
	IsCurrentThreadRegistered() bool
}

// SchedulerPolicy decides *when* to trigger a collection; the core only
// calls back into it around a collection's boundaries and on OOM.
type SchedulerPolicy interface {
	OnGCStart()
	OnGCFinish(epoch int64, liveBytes int64)
	// ScheduleAndWaitFinished schedules a synchronous collection and blocks
	// the calling mutator until that epoch reaches Finished (the OOM path).
	ScheduleAndWaitFinished(ctx context.Context) error
}

// WeakSlotVisitor is called once per slot in the weak reference registry.
type WeakSlotVisitor func(slot WeakSlot)

// WeakSlot is a single externally-owned atomic slot that may hold a
// reference to a heap object.
type WeakSlot interface {
	// Load returns the current target, or nil if empty.
	Load() Object
	// ClearIfEqual atomically clears the slot iff it currently holds old,
	// so a concurrent mutator read observes either the previous target or
	// the cleared value, never a torn pointer.
	ClearIfEqual(old Object) bool
}

// WeakRegistry is the externally owned collection of weak reference slots.
type WeakRegistry interface {
	ForEachSlot(visit WeakSlotVisitor)
}
