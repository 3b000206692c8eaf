package mark_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/kortex/gcrun/gc/gchandle"
	"github.com/kortex/gcrun/gc/heapiface"
	"github.com/kortex/gcrun/gc/mark"
	"github.com/kortex/gcrun/gc/mutator"
	"github.com/kortex/gcrun/gc/testheap"
)

// countingRoots wraps testheap.Roots and records how many times ScanRoots is
// called per mutator, so a test can assert invariant M3 ("exactly one
// worker... successfully claims each mutator's root set per epoch") holds
// under real contention from many concurrent claimants, not just a single
// registered mutator.
type countingRoots struct {
	*testheap.Roots

	mu        sync.Mutex
	byMutator map[uuid.UUID]int
	counts    []int32
}

func newCountingRoots(n int) *countingRoots {
	return &countingRoots{
		Roots:     testheap.NewRoots(),
		byMutator: make(map[uuid.UUID]int, n),
		counts:    make([]int32, n),
	}
}

func (r *countingRoots) bind(m *mutator.Mutator, idx int) {
	r.mu.Lock()
	r.byMutator[m.ID] = idx
	r.mu.Unlock()
}

func (r *countingRoots) ScanRoots(ctx context.Context, m *mutator.Mutator, push func(heapiface.Object)) {
	r.mu.Lock()
	idx, ok := r.byMutator[m.ID]
	r.mu.Unlock()

	if ok {
		atomic.AddInt32(&r.counts[idx], 1)
	}

	r.Roots.ScanRoots(ctx, m, push)
}

func (r *countingRoots) countFor(idx int) int32 {
	return atomic.LoadInt32(&r.counts[idx])
}

// Invariant M3 / testable property 5 under real concurrent contention: many
// mutators, each with its own root set, and several auxiliary mark workers
// plus cooperating mutators all racing to claim root sets in the same
// epoch. Every mutator's root set must be scanned exactly once. Run with
// -race: this is the "cross-thread rendezvous on root-set ownership"
// spec.md §1 calls out as the hard part of the parallel collector.
func TestRootSetClaimedExactlyOncePerMutatorUnderParallelContention(t *testing.T) {
	const mutatorCount = 24
	const auxWorkers = 6

	heap := testheap.NewHeap(8)
	registry := mutator.NewRegistry()
	roots := newCountingRoots(mutatorCount)

	td := &testheap.Type{Name: "Node"}

	mutators := make([]*mutator.Mutator, mutatorCount)
	for i := range mutators {
		mutators[i] = registry.Register(heap)
		roots.bind(mutators[i], i)

		node := heap.NewObject(td, "")
		roots.Roots.SetRoots(mutators[i], node)
	}

	d := mark.New(mark.Config{AuxGCThreads: auxWorkers, MutatorsCooperate: true}, registry, roots)
	defer d.RequestShutdown()

	h := gchandle.New(0)
	d.BeginMarkingEpoch(h)

	// A third of the mutators cooperate concurrently with the main thread
	// and the auxiliary pool, all contending for the same set of root-set
	// claims at once.
	var coopWG sync.WaitGroup

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < mutatorCount/3; i++ {
		m := mutators[i]

		coopWG.Add(1)

		go func() {
			defer coopWG.Done()
			d.RunOnMutator(ctx, m)
		}()
	}

	d.RunMainInSTW(ctx)
	d.EndMarkingEpoch()
	coopWG.Wait()

	for i, m := range mutators {
		assert.Equal(t, int32(1), roots.countFor(i), "mutator %d: root set must be scanned exactly once", i)
		assert.True(t, m.RootSetLocked())
	}
}
