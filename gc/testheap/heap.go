package testheap

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/kortex/gcrun/gc/heapiface"
)

// Heap implements heapiface.Allocator over two independent in-memory
// factories, guarded by separate mutexes so a caller holding both locks at
// once (as the CMS sweep step does) cannot deadlock against itself.
type Heap struct {
	objMu   sync.Mutex
	objects map[uint64]*Object
	nextObj uint64

	extraMu   sync.Mutex
	extras    map[uint64]*ExtraData
	nextExtra uint64

	sizePerObject int64

	published int
	prepared  int
}

// NewHeap creates an empty heap. sizePerObject is the fixed size reported
// by GetAllocatedHeapSize for every object it creates.
func NewHeap(sizePerObject int64) *Heap {
	return &Heap{
		objects:       make(map[uint64]*Object),
		extras:        make(map[uint64]*ExtraData),
		sizePerObject: sizePerObject,
	}
}

// NewObject creates and tracks a heap object of the given type, with an
// optional tag for assertions/demo output. Test code builds reference
// graphs on the returned *Object directly via AddRef.
func (h *Heap) NewObject(td heapiface.TypeDescriptor, tag string) *Object {
	h.objMu.Lock()
	defer h.objMu.Unlock()

	h.nextObj++
	o := newObject(h.nextObj, td, tag)
	h.objects[o.id] = o

	return o
}

// NewStatic creates an object outside the swept factory (invariant M2:
// always alive, never iterated by sweep).
func (h *Heap) NewStatic(td heapiface.TypeDescriptor, tag string) *Object {
	o := newObject(0, td, tag)
	o.SetOnHeap(false)

	return o
}

// CreateObject satisfies heapiface.Allocator.
func (h *Heap) CreateObject(t heapiface.TypeDescriptor) (heapiface.Object, error) {
	return h.NewObject(t, ""), nil
}

// CreateArray satisfies heapiface.Allocator; n is not modeled beyond being
// accepted, since this fake does not represent array element slots
// separately from ordinary reference fields.
func (h *Heap) CreateArray(t heapiface.TypeDescriptor, n int) (heapiface.Object, error) {
	if n < 0 {
		return nil, errors.New("testheap: negative array length")
	}

	return h.NewObject(t, "array"), nil
}

// CreateExtraObject satisfies heapiface.Allocator.
func (h *Heap) CreateExtraObject(obj heapiface.Object, t heapiface.TypeDescriptor) (heapiface.ExtraObjectData, error) {
	base, ok := obj.(*Object)
	if !ok {
		return nil, errors.New("testheap: obj is not a *testheap.Object")
	}

	h.extraMu.Lock()
	h.nextExtra++
	e := &ExtraData{id: h.nextExtra, base: base, flags: heapiface.FlagSweepable}
	h.extras[e.id] = e
	h.extraMu.Unlock()

	base.attachExtra(e)

	return e, nil
}

// WithFinalizer attaches a zero-argument finalizer callback to e, for test
// setup convenience (heapiface.ExtraObjectData carries no such setter,
// since production finalizers are looked up by type, not injected).
func WithFinalizer(e heapiface.ExtraObjectData, fn func()) {
	if td, ok := e.(*ExtraData); ok {
		td.mu.Lock()
		td.finalizer = fn
		td.mu.Unlock()
	}
}

// DestroyUnattachedExtra satisfies heapiface.Allocator.
func (h *Heap) DestroyUnattachedExtra(e heapiface.ExtraObjectData) {
	ed, ok := e.(*ExtraData)
	if !ok {
		return
	}

	h.extraMu.Lock()
	delete(h.extras, ed.id)
	h.extraMu.Unlock()

	if ed.base != nil {
		ed.base.detachExtra()
	}
}

// PublishThreadLocal satisfies heapiface.Allocator.
func (h *Heap) PublishThreadLocal() {
	h.objMu.Lock()
	h.published++
	h.objMu.Unlock()
}

// PublishCount returns how many times PublishThreadLocal has been called,
// for assertions on the "[publishObjectFactories]" step.
func (h *Heap) PublishCount() int {
	h.objMu.Lock()
	defer h.objMu.Unlock()

	return h.published
}

type objIter struct{ items []*Object }

func (it *objIter) ForEach(visit func(heapiface.Object) bool) {
	for _, o := range it.items {
		if !visit(o) {
			return
		}
	}
}

type extraIter struct{ items []*ExtraData }

func (it *extraIter) ForEach(visit func(heapiface.ExtraObjectData) bool) {
	for _, e := range it.items {
		if !visit(e) {
			return
		}
	}
}

// LockObjectsForIter satisfies heapiface.Allocator. The returned unlock
// func must be called exactly once; it is what actually releases objMu, so
// a caller may legitimately keep the lock held (and therefore block
// concurrent CreateObject calls) across a resumed-mutator window, matching
// the real allocator's factory-lock contract described in spec.md §4.9.
func (h *Heap) LockObjectsForIter() (heapiface.ObjectIterable, func()) {
	h.objMu.Lock()

	snapshot := make([]*Object, 0, len(h.objects))
	for _, o := range h.objects {
		snapshot = append(snapshot, o)
	}

	var once sync.Once

	return &objIter{items: snapshot}, func() { once.Do(h.objMu.Unlock) }
}

// LockExtraObjectsForIter satisfies heapiface.Allocator.
func (h *Heap) LockExtraObjectsForIter() (heapiface.ExtraObjectIterable, func()) {
	h.extraMu.Lock()

	snapshot := make([]*ExtraData, 0, len(h.extras))
	for _, e := range h.extras {
		snapshot = append(snapshot, e)
	}

	var once sync.Once

	return &extraIter{items: snapshot}, func() { once.Do(h.extraMu.Unlock) }
}

// PrepareForGC satisfies heapiface.Allocator.
func (h *Heap) PrepareForGC() {
	h.objMu.Lock()
	h.prepared++
	h.objMu.Unlock()
}

// ExtractFinalizerQueue satisfies heapiface.FinalizerQueueExtractor. This
// fake always uses the two-factory sweep protocol, never the alternate
// HeapSweeper strategy, so it has nothing of its own to contribute.
func (h *Heap) ExtractFinalizerQueue() []heapiface.Object { return nil }

// GetAllocatedHeapSize satisfies heapiface.Allocator.
func (h *Heap) GetAllocatedHeapSize(heapiface.Object) int64 { return h.sizePerObject }

// FreeObject satisfies heapiface.Allocator.
func (h *Heap) FreeObject(obj heapiface.Object) {
	o, ok := obj.(*Object)
	if !ok {
		return
	}

	h.objMu.Lock()
	delete(h.objects, o.id)
	h.objMu.Unlock()
}

// Len reports how many objects the heap currently tracks, for assertions.
func (h *Heap) Len() int {
	h.objMu.Lock()
	defer h.objMu.Unlock()

	return len(h.objects)
}

// Contains reports whether o is still tracked by the heap, for per-object
// survival assertions over a generated graph.
func (h *Heap) Contains(o *Object) bool {
	h.objMu.Lock()
	defer h.objMu.Unlock()

	_, ok := h.objects[o.id]

	return ok
}
