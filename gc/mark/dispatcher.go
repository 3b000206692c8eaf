// Package mark implements the Mark Dispatcher (spec.md C4) and Mark
// Algorithm (C5): parallel work distribution over a work-stealing worklist,
// root-set ownership claims, cooperative mutator participation, and
// non-blocking quiescence detection.
//
// The monitor shape (one mutex, one condition variable, plain counters
// mutated under the lock) is the same one internal/parallelwork.Queue uses
// for its single shared queue; here it is generalized to guard N per-worker
// deques plus the active-worker count instead of one container/list.
package mark

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/kortex/gcrun/gc/gchandle"
	"github.com/kortex/gcrun/gc/heapiface"
	"github.com/kortex/gcrun/gc/mutator"
	"github.com/kortex/gcrun/internal/logging"
)

var log = logging.GetContextLoggerFunc("gcrun/mark")

// RootScanner scans one mutator's roots (stack, thread-local handles, and
// whatever global roots are partitioned to it) and reports every object it
// finds via push. This is an external collaborator: spec.md §1 places the
// object header/root layout out of scope for the core.
type RootScanner interface {
	ScanRoots(ctx context.Context, m *mutator.Mutator, push func(heapiface.Object))
}

// Config carries the §6 dispatcher-related configuration options.
type Config struct {
	MaxParallelism    int
	AuxGCThreads      int
	MutatorsCooperate bool
	SingleThreaded    bool

	// OnQueueDepth, if set, is called with the total size of the gray
	// worklist across all workers every time a push changes it. The
	// orchestrator uses this to publish gc_mark_queue_depth.
	OnQueueDepth func(int)
}

// ErrEpochInProgress is returned by Reset when a mark epoch is running.
var ErrEpochInProgress = errors.New("mark: cannot reconfigure while an epoch is in progress")

// Dispatcher coordinates the markers of an epoch: the main GC thread,
// auxGCThreads dedicated auxiliaries, and — when MutatorsCooperate is set and
// SingleThreaded is not — any mutator parked at a safepoint. Config's
// MaxParallelism is stored but not enforced: the number of markers is not
// capped by it.
type Dispatcher struct {
	mu   sync.Mutex
	cond *sync.Cond

	cfg      Config
	registry *mutator.Registry
	roots    RootScanner

	// per-epoch state, guarded by mu
	handle      *gchandle.Handle
	epochActive bool
	deques      []*deque
	active      int
	quiescent   bool
	doneCh      chan struct{}
	generation  uint64 // bumped on every push, wakes idle waiters

	auxCancel  context.CancelFunc
	auxDone    sync.WaitGroup
	shutdownFl bool
}

// New creates a dispatcher and starts its auxiliary worker pool.
func New(cfg Config, registry *mutator.Registry, roots RootScanner) *Dispatcher {
	if cfg.SingleThreaded && cfg.AuxGCThreads != 0 {
		panic("mark: gcMarkSingleThreaded requires zero auxiliary GC threads")
	}

	d := &Dispatcher{
		cfg:      cfg,
		registry: registry,
		roots:    roots,
		deques:   []*deque{newDeque()}, // index 0: the main GC thread's queue
	}
	d.cond = sync.NewCond(&d.mu)
	d.startAuxWorkers(cfg.AuxGCThreads)

	return d
}

func (d *Dispatcher) startAuxWorkers(n int) {
	ctx, cancel := context.WithCancel(context.Background())
	d.auxCancel = cancel

	for i := 0; i < n; i++ {
		d.auxDone.Add(1)

		go func() {
			defer d.auxDone.Done()

			for !d.ShutdownRequested() {
				select {
				case <-ctx.Done():
					return
				default:
				}

				d.RunAuxiliary(ctx)
			}
		}()
	}
}

// BeginMarkingEpoch clears per-mutator flags, resets the worklist, and arms
// the epoch's quiescence barrier (§4.4 step 1).
func (d *Dispatcher) BeginMarkingEpoch(handle *gchandle.Handle) {
	d.registry.ClearEpochFlags()

	d.mu.Lock()
	d.handle = handle
	d.epochActive = true
	d.quiescent = false
	d.active = 0
	d.doneCh = make(chan struct{})

	for _, q := range d.deques {
		q.items = nil
	}

	d.cond.Broadcast()
	d.mu.Unlock()

	log(context.Background()).Debugf("mark: begin epoch %d", handle.Epoch)
}

// EndMarkingEpoch logs statistics and releases the barrier so auxiliary
// workers and any lingering cooperating mutators go back to waiting for the
// next epoch (§4.4 step 6).
func (d *Dispatcher) EndMarkingEpoch() {
	d.mu.Lock()
	epoch := int64(-1)
	if d.handle != nil {
		epoch = d.handle.Epoch
	}
	d.epochActive = false
	d.mu.Unlock()

	log(context.Background()).Debugf("mark: end epoch %d, active workers drained", epoch)
}

// RunMainInSTW is the main GC thread's entry point during the STW mark
// phase (CMS) or the sole mark phase (STMS): it joins as a worker and
// blocks until the dispatcher declares markingComplete. Invariant M1 holds
// on return.
func (d *Dispatcher) RunMainInSTW(ctx context.Context) {
	d.runWorker(ctx, d.deques[0])

	d.mu.Lock()
	done := d.doneCh
	d.mu.Unlock()

	if done != nil {
		<-done
	}
}

// RunAuxiliary blocks until a new mark epoch begins or shutdown is
// requested, then participates in that epoch as a worker (§4.4 step 8).
func (d *Dispatcher) RunAuxiliary(ctx context.Context) {
	d.mu.Lock()
	for (!d.epochActive || d.quiescent) && !d.shutdownFl {
		d.cond.Wait()
	}

	if d.shutdownFl {
		d.mu.Unlock()
		return
	}

	q := newDeque()
	d.deques = append(d.deques, q)
	done := d.doneCh
	d.mu.Unlock()

	d.runWorker(ctx, q)

	if done != nil {
		<-done
	}
}

// RunOnMutator is the mutator-side rendezvous (§4.4 step 3, design note
// "cooperative mutator path"): a mutator parked at a safepoint borrows
// itself as a worker until the dispatcher releases it. It satisfies
// mutator.SafepointHook.
func (d *Dispatcher) RunOnMutator(ctx context.Context, m *mutator.Mutator) {
	if !d.cfg.MutatorsCooperate || d.cfg.SingleThreaded {
		return
	}

	d.mu.Lock()
	if !d.epochActive || d.quiescent {
		d.mu.Unlock()
		return
	}

	m.BeginCooperation()

	q := newDeque()
	d.deques = append(d.deques, q)
	d.mu.Unlock()

	d.runWorker(ctx, q)

	log(ctx).Debugf("mark: mutator %s returned from cooperative pass (cooperative=%t)", m.ID, m.Cooperative())
}

// OnSuspendForGC satisfies mutator.SafepointHook: it is invoked by the
// registry on a mutator's behalf when that mutator has reached a safepoint
// and a suspension is outstanding, before the mutator actually parks.
func (d *Dispatcher) OnSuspendForGC(ctx context.Context, m *mutator.Mutator) {
	d.RunOnMutator(ctx, m)
}

// runWorker is the parallel mark loop shared by the main thread, auxiliary
// threads, and cooperating mutators (§4.4 step 4).
func (d *Dispatcher) runWorker(ctx context.Context, q *deque) {
	if !d.joinAsWorker() {
		return
	}

	for {
		if obj, ok := q.popLocal(); ok {
			markOne(q, obj)
			d.notifyPush()

			continue
		}

		if obj, ok := d.stealFrom(q); ok {
			markOne(q, obj)
			d.notifyPush()

			continue
		}

		if d.tryClaimRootSet(ctx, q) {
			continue
		}

		if last := d.goIdle(q); last {
			return
		}

		if d.isQuiescent() {
			return
		}
	}
}

func (d *Dispatcher) joinAsWorker() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.quiescent || !d.epochActive {
		return false
	}

	d.active++

	return true
}

func (d *Dispatcher) stealFrom(self *deque) (heapiface.Object, bool) {
	d.mu.Lock()
	candidates := make([]*deque, 0, len(d.deques))

	for _, q := range d.deques {
		if q != self {
			candidates = append(candidates, q)
		}
	}
	d.mu.Unlock()

	for _, q := range candidates {
		if obj, ok := q.steal(); ok {
			return obj, true
		}
	}

	return nil, false
}

// tryClaimRootSet attempts to CAS-claim one unclaimed mutator's root set
// and scan it (§4.4 step 2). Returns true if a claim was made (even if the
// scan discovered zero objects) so the caller re-checks its local/steal
// paths before considering itself idle.
func (d *Dispatcher) tryClaimRootSet(ctx context.Context, q *deque) bool {
	if d.roots == nil {
		return false
	}

	claimed := false

	d.registry.ForEach(func(m *mutator.Mutator) {
		if claimed {
			return
		}

		if !m.TryLockRootSet() {
			return
		}

		claimed = true

		// Ensure the allocator-side view of M's objects is globally
		// visible before we scan and push what we find (§4.4 step 2).
		m.Publish()

		pushed := false
		d.roots.ScanRoots(ctx, m, func(o heapiface.Object) {
			if pushGray(q, o) {
				pushed = true
			}
		})

		if pushed {
			d.notifyPush()
		}
	})

	return claimed
}

// hasUnclaimedRootSet reports whether any registered mutator's root set has
// not yet been claimed this epoch.
func (d *Dispatcher) hasUnclaimedRootSet() bool {
	found := false

	d.registry.ForEach(func(m *mutator.Mutator) {
		if found {
			return
		}

		if !m.RootSetLocked() {
			found = true
		}
	})

	return found
}

func (d *Dispatcher) allDequesEmpty() bool {
	d.mu.Lock()
	deques := append([]*deque(nil), d.deques...)
	d.mu.Unlock()

	for _, q := range deques {
		if !q.empty() {
			return false
		}
	}

	return true
}

// goIdle decrements the active-worker count and either declares quiescence
// (if this was the last active worker and no work remains anywhere,
// including unclaimed root sets) or blocks until new work appears or
// quiescence is declared by someone else. It returns true if the calling
// worker just declared quiescence and should exit; false if it was woken up
// to retry (having already been re-incremented into the active count).
func (d *Dispatcher) goIdle(q *deque) bool {
	d.mu.Lock()
	d.active--

	for {
		if d.active == 0 {
			d.mu.Unlock()

			if d.allDequesEmpty() && !d.hasUnclaimedRootSet() {
				d.mu.Lock()
				if !d.quiescent {
					d.quiescent = true
					close(d.doneCh)
				}
				d.cond.Broadcast()
				d.mu.Unlock()

				return true
			}

			// A root set became claimable concurrently, or a race let
			// another worker publish work between our checks; re-enter
			// the active count and let the outer loop retry.
			d.mu.Lock()
			d.active++
			d.mu.Unlock()

			return false
		}

		if d.quiescent {
			d.mu.Unlock()
			return true
		}

		generation := d.generation
		d.cond.Wait()

		if d.quiescent {
			d.mu.Unlock()
			return true
		}

		if d.generation != generation {
			// Someone pushed work; re-increment before looking for it,
			// per §4.4 step 4 ("any worker that pushes work must
			// re-increment before doing so" — here it is the consumer
			// re-arming itself before resuming the search).
			d.active++
			d.mu.Unlock()

			return false
		}
	}
}

func (d *Dispatcher) isQuiescent() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.quiescent
}

func (d *Dispatcher) notifyPush() {
	d.mu.Lock()
	d.generation++
	d.cond.Broadcast()
	d.mu.Unlock()

	if d.cfg.OnQueueDepth != nil {
		d.cfg.OnQueueDepth(d.QueueDepth())
	}
}

// QueueDepth sums every worker deque's sizeHint, for metrics and
// diagnostics. The result is approximate: sizes are read one deque at a
// time under each deque's own lock, not atomically across all of them.
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	deques := append([]*deque(nil), d.deques...)
	d.mu.Unlock()

	total := 0
	for _, q := range deques {
		total += q.sizeHint()
	}

	return total
}

// RequestShutdown causes auxiliary workers to exit their loop after the
// current mark completes (§4.4 step 8), then blocks until every one of them
// has actually exited.
func (d *Dispatcher) RequestShutdown() {
	d.mu.Lock()
	d.shutdownFl = true
	d.cond.Broadcast()
	d.mu.Unlock()

	if d.auxCancel != nil {
		d.auxCancel()
	}

	_ = d.WaitForShutdown(context.Background())
}

// ShutdownRequested is the auxiliary loop's exit condition.
func (d *Dispatcher) ShutdownRequested() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.shutdownFl
}

// Reset shuts the auxiliary pool down, runs teardown, stores the new
// maxParallelism and mutatorsCooperate settings, and restarts the pool with
// the same AuxGCThreads count. Only legal when no mark epoch is in progress
// (§4.4 step 7).
func (d *Dispatcher) Reset(maxParallelism int, mutatorsCooperate bool, teardown func()) error {
	d.mu.Lock()
	if d.epochActive {
		d.mu.Unlock()
		return ErrEpochInProgress
	}
	d.mu.Unlock()

	d.RequestShutdown()
	teardown()

	d.mu.Lock()
	d.cfg.MaxParallelism = maxParallelism
	d.cfg.MutatorsCooperate = mutatorsCooperate
	d.deques = []*deque{newDeque()}
	d.shutdownFl = false
	d.mu.Unlock()

	d.startAuxWorkers(d.cfg.AuxGCThreads)

	return nil
}

// WaitForShutdown blocks the errgroup used by callers that want to be
// certain every auxiliary goroutine has exited.
func (d *Dispatcher) WaitForShutdown(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.auxDone.Wait()
		return nil
	})

	return g.Wait()
}
