package testheap

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/kortex/gcrun/gc/heapiface"
	"github.com/kortex/gcrun/gc/mutator"
)

// Roots is a fake mark.RootScanner: a per-mutator set of root objects that
// test code populates directly instead of scanning a real stack.
type Roots struct {
	mu   sync.Mutex
	sets map[uuid.UUID][]*Object
}

// NewRoots creates an empty root-set table.
func NewRoots() *Roots {
	return &Roots{sets: make(map[uuid.UUID][]*Object)}
}

// SetRoots replaces m's root set.
func (r *Roots) SetRoots(m *mutator.Mutator, objs ...*Object) {
	r.mu.Lock()
	r.sets[m.ID] = append([]*Object(nil), objs...)
	r.mu.Unlock()
}

// ScanRoots satisfies mark.RootScanner.
func (r *Roots) ScanRoots(_ context.Context, m *mutator.Mutator, push func(heapiface.Object)) {
	r.mu.Lock()
	objs := append([]*Object(nil), r.sets[m.ID]...)
	r.mu.Unlock()

	for _, o := range objs {
		push(o)
	}
}
