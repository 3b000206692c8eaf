package gc_test

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kortex/gcrun/gc"
	"github.com/kortex/gcrun/gc/mark"
	"github.com/kortex/gcrun/gc/mutator"
	"github.com/kortex/gcrun/gc/testheap"
)

type fixture struct {
	c     *gc.Collector
	heap  *testheap.Heap
	roots *testheap.Roots
	weaks *testheap.Registry
	sched *testheap.Scheduler
}

func newFixture(t *testing.T, p gc.Parameters) *fixture {
	t.Helper()

	heap := testheap.NewHeap(16)
	roots := testheap.NewRoots()
	weaks := testheap.NewRegistry()
	sched := testheap.NewScheduler()

	c, err := gc.New(gc.NewStaticParameters(p), heap, weaks, sched, roots)
	require.NoError(t, err)

	t.Cleanup(c.Shutdown)

	return &fixture{c: c, heap: heap, roots: roots, weaks: weaks, sched: sched}
}

func stmsParams() gc.Parameters {
	return gc.Parameters{Variant: gc.STMS, GCMarkSingleThreaded: true, MetricsNamespace: "test"}
}

func cmsParams(concurrentWeak bool) gc.Parameters {
	return gc.Parameters{
		Variant:             gc.CMS,
		AuxGCThreads:        2,
		ConcurrentWeakSweep: concurrentWeak,
		MetricsNamespace:    "test",
	}
}

// liveMutator registers a mutator and starts a goroutine that repeatedly
// calls SafePoint, simulating the periodic safepoint check every real
// mutator thread performs. Without this, suspend.Coordinator.Wait would
// block forever: it counts this mutator toward the arrival threshold, but
// nothing would ever call ParkAtSafepoint on its behalf.
func (f *fixture) liveMutator(t *testing.T) *mutator.Mutator {
	t.Helper()

	m := f.c.RegisterMutator()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			f.c.SafePoint(ctx, m)
			time.Sleep(time.Millisecond)
		}
	}()

	return m
}

func runFullGC(t *testing.T, f *fixture) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, f.c.ScheduleFullGC(ctx))
}

// S1: linear chain, no cycles, all survive.
func TestScenarioS1LinearChainSurvives(t *testing.T) {
	for _, p := range []gc.Parameters{stmsParams(), cmsParams(false)} {
		f := newFixture(t, p)

		td := &testheap.Type{Name: "Node"}
		nodes := make([]*testheap.Object, 10)
		nodes[0] = f.heap.NewObject(td, "0")

		for i := 1; i < 10; i++ {
			nodes[i] = f.heap.NewObject(td, "")
			nodes[i-1].AddRef(nodes[i])
		}

		m := f.liveMutator(t)
		f.roots.SetRoots(m, nodes[0])

		runFullGC(t, f)

		assert.Equal(t, 10, f.heap.Len(), "variant %s: all 10 objects must survive", p.Variant)
	}
}

// S2: dropped tail is reclaimed, root survives.
func TestScenarioS2DroppedTailReclaimed(t *testing.T) {
	for _, p := range []gc.Parameters{stmsParams(), cmsParams(false)} {
		f := newFixture(t, p)

		td := &testheap.Type{Name: "Node"}
		nodes := make([]*testheap.Object, 10)
		nodes[0] = f.heap.NewObject(td, "0")

		for i := 1; i < 10; i++ {
			nodes[i] = f.heap.NewObject(td, "")
			nodes[i-1].AddRef(nodes[i])
		}

		m := f.liveMutator(t)
		f.roots.SetRoots(m, nodes[0])

		nodes[0].ClearRefs()

		runFullGC(t, f)

		assert.Equal(t, 1, f.heap.Len(), "variant %s: only the root should survive", p.Variant)
	}
}

// S3: a cycle rooted only by a dropped local is fully reclaimed.
func TestScenarioS3CycleReclaimed(t *testing.T) {
	for _, p := range []gc.Parameters{stmsParams(), cmsParams(false)} {
		f := newFixture(t, p)

		td := &testheap.Type{Name: "Node"}
		b0 := f.heap.NewObject(td, "b0")
		b1 := f.heap.NewObject(td, "b1")
		b0.AddRef(b1)
		b1.AddRef(b0)

		m := f.liveMutator(t)
		// No root set: the local that referenced b0 is already dropped.
		f.roots.SetRoots(m)

		runFullGC(t, f)

		assert.Equal(t, 0, f.heap.Len(), "variant %s: cyclic garbage must be reclaimed", p.Variant)
	}
}

// S4: an object with a finalizer is queued for finalization, not freed
// immediately, and its finalizer runs.
func TestScenarioS4FinalizerRunsBeforeFree(t *testing.T) {
	f := newFixture(t, stmsParams())

	td := &testheap.Type{Name: "C"}
	c := f.heap.NewObject(td, "c")
	extra, err := f.heap.CreateExtraObject(c, &testheap.Type{Name: "Extra"})
	require.NoError(t, err)

	ran := make(chan struct{})
	testheap.WithFinalizer(extra, func() { close(ran) })

	m := f.liveMutator(t)
	f.roots.SetRoots(m) // no roots: c is garbage from the start

	runFullGC(t, f)

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("finalizer never ran")
	}

	require.NoError(t, f.c.Epochs.WaitEpochFinalized(0))
	assert.Equal(t, 0, f.heap.Len(), "c's storage must be freed once its finalizer has run")
}

// S5: an OOM-triggered synchronous collection completes and the epoch
// reaches Finished before the caller's allocation retry.
func TestScenarioS5OOMReentrySynchronousGC(t *testing.T) {
	f := newFixture(t, stmsParams())

	f.liveMutator(t)
	f.sched.SetTrigger(f.c.ScheduleFullGC)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, f.sched.ScheduleAndWaitFinished(ctx))
	assert.Equal(t, 1, f.sched.Starts())
	assert.Equal(t, 1, f.sched.Finishes())
	assert.Equal(t, int64(0), f.sched.LastEpoch())
	assert.GreaterOrEqual(t, f.sched.LastLiveBytes(), int64(0))
}

// S6: concurrent weak processing hides an unmarked target behind the
// barrier while mutators are resumed, then the slot is cleared for good.
func TestScenarioS6ConcurrentWeakBarrier(t *testing.T) {
	f := newFixture(t, cmsParams(true))

	td := &testheap.Type{Name: "D"}
	d := f.heap.NewObject(td, "d")
	slot := testheap.NewSlot(d)
	f.weaks.Add(slot)

	m := f.liveMutator(t)
	f.roots.SetRoots(m) // d has no strong roots

	runFullGC(t, f)

	assert.Nil(t, slot.Load(), "d must be unreachable through the weak slot after the epoch completes")
	assert.Equal(t, 0, f.heap.Len())
}

// Property 1/2: for a randomly generated directed graph with one rooted
// node, after one full collection every node reachable from the root must
// still be in the heap (no live loss) and every unreachable node must be
// gone (full reclamation) — never both kept and freed, never neither. The
// seed is fixed so a failure reproduces deterministically, the way
// internal/epoch/epoch_manager_test.go builds its randomized blob sets.
func TestPropertyRandomGraphNoLiveLossOrFullReclamation(t *testing.T) {
	const nodeCount = 40
	const edgeProbability = 0.12
	const trials = 8

	for trial := 0; trial < trials; trial++ {
		for _, p := range []gc.Parameters{stmsParams(), cmsParams(false)} {
			f := newFixture(t, p)
			rng := rand.New(rand.NewSource(int64(1000 + trial))) //nolint:gosec // deterministic test fixture, not a secret

			td := &testheap.Type{Name: "Node"}
			nodes := make([]*testheap.Object, nodeCount)
			for i := range nodes {
				nodes[i] = f.heap.NewObject(td, "")
			}

			adj := make([][]int, nodeCount)
			for i := 0; i < nodeCount; i++ {
				for j := 0; j < nodeCount; j++ {
					if i == j {
						continue
					}

					if rng.Float64() < edgeProbability {
						nodes[i].AddRef(nodes[j])
						adj[i] = append(adj[i], j)
					}
				}
			}

			reachable := make([]bool, nodeCount)
			queue := []int{0}
			reachable[0] = true

			for len(queue) > 0 {
				cur := queue[0]
				queue = queue[1:]

				for _, next := range adj[cur] {
					if !reachable[next] {
						reachable[next] = true
						queue = append(queue, next)
					}
				}
			}

			m := f.liveMutator(t)
			f.roots.SetRoots(m, nodes[0])

			runFullGC(t, f)

			for i, n := range nodes {
				if reachable[i] {
					assert.True(t, f.heap.Contains(n), "trial %d variant %s: node %d is reachable and must survive", trial, p.Variant, i)
				} else {
					assert.False(t, f.heap.Contains(n), "trial %d variant %s: node %d is unreachable and must be reclaimed", trial, p.Variant, i)
				}
			}
		}
	}
}

// Reconfigure between epochs rebuilds the auxiliary pool and a subsequent
// collection still runs to completion under the new settings.
func TestReconfigureBetweenEpochsThenCollectSucceeds(t *testing.T) {
	f := newFixture(t, cmsParams(false))

	require.NoError(t, f.c.Reconfigure(1, true))

	f.liveMutator(t)
	runFullGC(t, f)
}

// A mutator blocked in native code counts as "at a safepoint" for
// suspension purposes without ever calling SafePoint itself.
func TestSuspensionCompletesWithMutatorInBlockingNativeCode(t *testing.T) {
	f := newFixture(t, stmsParams())

	f.c.RegisterMutator()
	f.c.EnterNativeCode()
	t.Cleanup(f.c.ExitNativeCode)

	runFullGC(t, f)
}

// A mutator thread that terminates must stop counting toward suspension
// quorum and root-set enumeration.
func TestUnregisterMutatorStopsCountingTowardSuspension(t *testing.T) {
	f := newFixture(t, stmsParams())

	m := f.c.RegisterMutator()
	assert.Equal(t, 1, f.c.Mutators.Count())

	f.c.UnregisterMutator(m)
	assert.Equal(t, 0, f.c.Mutators.Count())
}

// mark.RootScanner is satisfied by *testheap.Roots; this assertion keeps
// the fixture wiring honest if the interface ever changes shape.
var _ mark.RootScanner = (*testheap.Roots)(nil)
