// Package testheap is an in-memory heapiface implementation used by the gc
// package's own tests and by cmd/gcrun-demo. It plays the role kopia's
// filesystem/faketime fakes play for the storage layer: a small, fully
// synchronous stand-in for the external collaborators spec.md places out of
// scope for the core (allocator, weak registry, scheduler policy, root
// scanner).
//
// It does not model real object layout: an Object's reference fields are
// just a slice built directly by test code via AddRef, rather than derived
// from a real type descriptor's field offsets. That is deliberately out of
// scope here — the mark algorithm only needs ForEachReferenceField to work.
package testheap

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/kortex/gcrun/gc/heapiface"
)

// Object is a graph node: an id, a mark bit, an on-heap flag, an optional
// extra-object attachment, and a set of outgoing reference fields.
type Object struct {
	id  uint64
	td  heapiface.TypeDescriptor
	Tag string // free-form label for assertions and demo output

	onHeap atomic.Bool
	marked atomic.Bool

	mu   sync.Mutex
	refs []*Object

	extraMu sync.Mutex
	extra   *ExtraData
}

func newObject(id uint64, td heapiface.TypeDescriptor, tag string) *Object {
	o := &Object{id: id, td: td, Tag: tag}
	o.onHeap.Store(true)

	return o
}

// AddRef appends target to o's outgoing reference fields. Not safe to call
// concurrently with a mark pass touching o; test graphs should be built
// before starting a collection.
func (o *Object) AddRef(target *Object) {
	o.mu.Lock()
	o.refs = append(o.refs, target)
	o.mu.Unlock()
}

// ClearRefs removes every outgoing reference, simulating a mutator dropping
// its pointers between epochs.
func (o *Object) ClearRefs() {
	o.mu.Lock()
	o.refs = nil
	o.mu.Unlock()
}

// SetOnHeap marks o as a non-heap (static/permanent) object, which
// invariant M2 treats as always alive.
func (o *Object) SetOnHeap(v bool) { o.onHeap.Store(v) }

// TypeDescriptor satisfies heapiface.Object.
func (o *Object) TypeDescriptor() heapiface.TypeDescriptor { return o.td }

// OnHeap satisfies heapiface.Object.
func (o *Object) OnHeap() bool { return o.onHeap.Load() }

// Marked satisfies heapiface.Object.
func (o *Object) Marked() bool { return o.marked.Load() }

// TestAndSetMark satisfies heapiface.Object.
func (o *Object) TestAndSetMark() bool { return o.marked.CompareAndSwap(false, true) }

// TryResetMark satisfies heapiface.Object.
func (o *Object) TryResetMark() bool { return o.marked.CompareAndSwap(true, false) }

// ExtraObjectData satisfies heapiface.Object.
func (o *Object) ExtraObjectData() (heapiface.ExtraObjectData, bool) {
	o.extraMu.Lock()
	e := o.extra
	o.extraMu.Unlock()

	if e == nil {
		return nil, false
	}

	return e, true
}

func (o *Object) attachExtra(e *ExtraData) {
	o.extraMu.Lock()
	o.extra = e
	o.extraMu.Unlock()
}

func (o *Object) detachExtra() {
	o.extraMu.Lock()
	o.extra = nil
	o.extraMu.Unlock()
}

// Type is a trivial TypeDescriptor: it walks whatever refs the concrete
// *Object carries, ignoring its own Name field beyond labeling for demo
// output.
type Type struct {
	Name string
}

// ForEachReferenceField satisfies heapiface.TypeDescriptor.
func (t *Type) ForEachReferenceField(obj heapiface.Object, visit func(heapiface.Object)) {
	o, ok := obj.(*Object)
	if !ok {
		return
	}

	o.mu.Lock()
	refs := append([]*Object(nil), o.refs...)
	o.mu.Unlock()

	for _, r := range refs {
		visit(r)
	}
}

// ExtraData is a fake ExtraObjectData: an optional finalizer callback that
// runs at most once.
type ExtraData struct {
	id   uint64
	base *Object

	mu        sync.Mutex
	flags     heapiface.ExtraObjectFlag
	finalizer func()
}

// BaseObject satisfies heapiface.ExtraObjectData.
func (e *ExtraData) BaseObject() heapiface.Object { return e.base }

// Flags satisfies heapiface.ExtraObjectData.
func (e *ExtraData) Flags() heapiface.ExtraObjectFlag {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.flags
}

// SetFlags satisfies heapiface.ExtraObjectData.
func (e *ExtraData) SetFlags(f heapiface.ExtraObjectFlag) {
	e.mu.Lock()
	e.flags = f
	e.mu.Unlock()
}

// HasFinalizer satisfies heapiface.ExtraObjectData.
func (e *ExtraData) HasFinalizer() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.finalizer != nil && !e.flags.Has(heapiface.FlagFinalized)
}

// RunFinalizer satisfies heapiface.ExtraObjectData. ctx is accepted to
// match the interface but unused by this fake's zero-argument callback
// shape. It sets FlagFinalized so a later sweep pass (and HasFinalizer
// itself) observe this extra-object as already finalized.
func (e *ExtraData) RunFinalizer(_ context.Context) {
	e.mu.Lock()
	if e.finalizer == nil || e.flags.Has(heapiface.FlagFinalized) {
		e.mu.Unlock()
		return
	}

	e.flags |= heapiface.FlagFinalized
	fn := e.finalizer
	e.mu.Unlock()

	fn()
}
