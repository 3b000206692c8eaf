package testheap

import (
	"sync"

	"github.com/kortex/gcrun/gc/heapiface"
)

// Slot is a single fake weak reference slot.
type Slot struct {
	mu     sync.Mutex
	target *Object
}

// NewSlot creates a slot pointing at target (nil for an empty slot).
func NewSlot(target *Object) *Slot { return &Slot{target: target} }

// Load satisfies heapiface.WeakSlot.
func (s *Slot) Load() heapiface.Object {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.target == nil {
		return nil
	}

	return s.target
}

// ClearIfEqual satisfies heapiface.WeakSlot.
func (s *Slot) ClearIfEqual(old heapiface.Object) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.target == nil {
		return false
	}

	var cur heapiface.Object = s.target
	if cur != old {
		return false
	}

	s.target = nil

	return true
}

// Registry is a fake heapiface.WeakRegistry backed by a plain slice.
type Registry struct {
	mu    sync.Mutex
	slots []*Slot
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry { return &Registry{} }

// Add registers a slot.
func (r *Registry) Add(s *Slot) {
	r.mu.Lock()
	r.slots = append(r.slots, s)
	r.mu.Unlock()
}

// ForEachSlot satisfies heapiface.WeakRegistry.
func (r *Registry) ForEachSlot(visit heapiface.WeakSlotVisitor) {
	r.mu.Lock()
	snapshot := append([]*Slot(nil), r.slots...)
	r.mu.Unlock()

	for _, s := range snapshot {
		visit(s)
	}
}
