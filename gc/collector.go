// Package gc is the GC Orchestrator (spec.md C9): it wires the epoch state
// machine, suspension coordinator, mutator registry, mark dispatcher, weak
// processor, sweep pass and finalizer pipeline into the two collector
// choreographies named in spec.md §4.9, STMS and CMS.
//
// Both choreographies drive the exact same component instances; only the
// order in which suspend/resume brackets mark, weak-processing and sweep
// differs between them (see variant_stms.go and variant_cms.go), matching
// how internal/epoch.Manager in the teacher repo is one type driven by
// alternate call sequences depending on cleanup policy rather than two
// unrelated implementations.
package gc

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/kortex/gcrun/gc/epoch"
	"github.com/kortex/gcrun/gc/finalize"
	"github.com/kortex/gcrun/gc/gchandle"
	"github.com/kortex/gcrun/gc/heapiface"
	"github.com/kortex/gcrun/gc/mark"
	"github.com/kortex/gcrun/gc/metrics"
	"github.com/kortex/gcrun/gc/mutator"
	"github.com/kortex/gcrun/gc/suspend"
	"github.com/kortex/gcrun/gc/sweep"
	"github.com/kortex/gcrun/gc/weak"
	"github.com/kortex/gcrun/internal/logging"
)

var log = logging.GetContextLoggerFunc("gcrun/gc")

// variant is the internal choreography contract: given a handle already
// created for the current epoch, run this variant's steps in order. The
// Collector's exported PerformFullGC is the same five-call sequence for
// both variants; only what happens inside each call differs.
type variant interface {
	beginEpoch(ctx context.Context, h *gchandle.Handle) error
	runMark(ctx context.Context, h *gchandle.Handle) error
	processWeaks(ctx context.Context, h *gchandle.Handle) error
	sweep(ctx context.Context, h *gchandle.Handle) (sweep.Result, error)
	// resume performs whatever suspension-coordinator resume this variant
	// has not already issued earlier in its own sweep step. CMS has always
	// already resumed by the time this runs; it is a no-op there.
	resume(ctx context.Context)
}

// Collector is the assembled GC: every component in spec.md's component
// table (C1-C8) plus whichever variant (C9 choreography) drives them.
type Collector struct {
	params ParametersProvider

	Epochs    *epoch.Manager
	Mutators  *mutator.Registry
	Suspend   *suspend.Coordinator
	Dispatch  *mark.Dispatcher
	Weaks     *weak.Barrier
	Finalizer *finalize.Pipeline
	Metrics   *metrics.Collectors

	allocator    heapiface.Allocator
	weakRegistry heapiface.WeakRegistry
	scheduler    heapiface.SchedulerPolicy

	handlesMu sync.Mutex
	handles   map[int64]*gchandle.Handle

	v variant
}

// New assembles a Collector. roots scans a mutator's stack/thread-local
// roots for the mark dispatcher; allocator, weakRegistry and scheduler are
// the external collaborators named in spec.md §6 and defined in
// gc/heapiface.
func New(
	params ParametersProvider,
	allocator heapiface.Allocator,
	weakRegistry heapiface.WeakRegistry,
	scheduler heapiface.SchedulerPolicy,
	roots mark.RootScanner,
) (*Collector, error) {
	p := params.GetParameters()
	if err := p.Validate(); err != nil {
		return nil, errors.Wrap(err, "gc: invalid parameters")
	}

	c := &Collector{
		params:       params,
		Epochs:       epoch.New(),
		Mutators:     mutator.NewRegistry(),
		allocator:    allocator,
		weakRegistry: weakRegistry,
		scheduler:    scheduler,
		Weaks:        &weak.Barrier{},
		Metrics:      metrics.New(p.MetricsNamespace),
		handles:      make(map[int64]*gchandle.Handle),
	}

	c.Suspend = suspend.New(c.Mutators.Count)
	c.Dispatch = mark.New(mark.Config{
		AuxGCThreads:      p.AuxGCThreads,
		MutatorsCooperate: p.MutatorsCooperate,
		SingleThreaded:    p.GCMarkSingleThreaded,
		OnQueueDepth:      func(n int) { c.Metrics.MarkQueueDepth.Set(float64(n)) },
	}, c.Mutators, roots)
	c.Mutators.SetSafepointHook(c.Dispatch)
	c.Finalizer = finalize.New(c.onFinalizerBatchDone, func(obj heapiface.Object) {
		allocator.FreeObject(obj)
		c.Metrics.FinalizersRun.Inc()
	})

	switch p.Variant {
	case CMS:
		c.v = &cmsVariant{c: c}
	default:
		c.v = &stmsVariant{c: c}
	}

	return c, nil
}

// RegisterMutator enrols a new mutator thread, matching
// mutator.Registry.OnThreadRegistration's placement in spec.md §6.
func (c *Collector) RegisterMutator() *mutator.Mutator {
	m := c.Mutators.Register(c.allocator)
	c.Mutators.OnThreadRegistration(m)

	return m
}

// UnregisterMutator removes a mutator that has terminated, matching
// mutator.Registry.Unregister's placement in spec.md §6's "mutator threads
// (externally managed)" scheduling model: a thread can exit and must stop
// counting toward suspension quorum and root-set enumeration.
func (c *Collector) UnregisterMutator(m *mutator.Mutator) {
	c.Mutators.Unregister(m)
}

// EnterNativeCode marks the calling mutator as executing blocking native
// code (spec.md §4.3's "at a safepoint or in blocking native code"): it
// counts toward an outstanding suspension's arrival threshold without the
// mutator actually parking.
func (c *Collector) EnterNativeCode() {
	c.Suspend.EnterNative()
}

// ExitNativeCode reverses EnterNativeCode. If a suspension is still
// outstanding when it returns, the mutator must reach a real SafePoint call
// afterward like any other running thread.
func (c *Collector) ExitNativeCode() {
	c.Suspend.ExitNative()
}

// SafePoint is the periodic call every mutator thread makes; it cooperates
// with an outstanding suspension request, if any (spec.md C2).
func (c *Collector) SafePoint(ctx context.Context, m *mutator.Mutator) {
	c.Mutators.SafePoint(ctx, m, c.Suspend)
}

// ReadWeak performs a barrier-aware weak read (spec.md C6).
func (c *Collector) ReadWeak(slot heapiface.WeakSlot) heapiface.Object {
	return c.Weaks.Read(slot)
}

// ScheduleFullGC assigns the next epoch number, matching
// SchedulerPolicy.ScheduleAndWaitFinished's synchronous OOM path (spec.md
// §6): it schedules and blocks the caller until the epoch is Finished.
func (c *Collector) ScheduleFullGC(ctx context.Context) error {
	e, err := c.Epochs.Schedule()
	if err != nil {
		return err
	}

	if err := c.PerformFullGC(ctx, e); err != nil {
		return err
	}

	return c.Epochs.WaitEpochFinished(e)
}

// PerformFullGC runs one full collection for the given epoch (spec.md
// §4.9). It is the same five-step sequence for both variants; the variant
// implementation decides what suspend/resume bracketing happens inside each
// step.
func (c *Collector) PerformFullGC(ctx context.Context, e int64) error {
	h := gchandle.New(e)

	c.handlesMu.Lock()
	c.handles[e] = h
	c.handlesMu.Unlock()

	log(ctx).Infof("gc: starting epoch %d (%s)", e, c.params.GetParameters().Variant)
	c.Metrics.EpochsStarted.Inc()

	if err := c.v.beginEpoch(ctx, h); err != nil {
		return errors.Wrapf(err, "gc: epoch %d: begin", e)
	}

	if err := c.v.runMark(ctx, h); err != nil {
		return errors.Wrapf(err, "gc: epoch %d: mark", e)
	}

	if err := c.v.processWeaks(ctx, h); err != nil {
		return errors.Wrapf(err, "gc: epoch %d: process weaks", e)
	}

	// Both variants still hold mutators suspended at this point.
	c.allocator.PrepareForGC()

	res, err := c.v.sweep(ctx, h)
	if err != nil {
		return errors.Wrapf(err, "gc: epoch %d: sweep", e)
	}

	c.scheduler.OnGCFinish(e, c.liveBytes(res.Finalizable))
	c.v.resume(ctx)
	c.Epochs.Finish(e)
	h.Finished()

	c.Metrics.EpochsFinished.Inc()
	c.Metrics.ObjectsFreed.Add(float64(res.ObjectsFreed))
	c.Metrics.ExtraFreed.Add(float64(res.ExtraObjectsFreed))
	c.Metrics.BytesFreed.Add(float64(res.BytesFreed))
	c.Metrics.GCDuration.Observe(h.Elapsed().Seconds())

	h.FinalizersScheduled(len(res.Finalizable))
	c.Finalizer.StartFinalizerThreadIfNeeded(ctx)
	c.Finalizer.ScheduleTasks(res.Finalizable, e)

	log(ctx).Infof("gc: epoch %d done: %d objects freed, %d extra freed, %d bytes freed, %d pending finalizers",
		e, res.ObjectsFreed, res.ExtraObjectsFreed, res.BytesFreed, len(res.Finalizable))

	return nil
}

// Shutdown tears the collector down: it stops the finalizer thread, the
// mark dispatcher's auxiliary pool, and unblocks any epoch waiter.
func (c *Collector) Shutdown() {
	c.Finalizer.StopFinalizerThreadIfRunning()
	c.Dispatch.RequestShutdown()
	c.Epochs.Shutdown()
}

// Reconfigure rebuilds the mark dispatcher's auxiliary worker pool via
// mark.Dispatcher.Reset: tear the pool down, swap in the new configuration,
// then restart it with the same number of auxiliary workers. The new
// cooperation setting takes effect; maxParallelism is recorded but does not
// limit the number of markers. It returns mark.ErrEpochInProgress only while
// a mark phase is running; it takes no collector-wide lock, so it is not
// serialized against weak processing, sweep or finalization of an epoch.
func (c *Collector) Reconfigure(maxParallelism int, mutatorsCooperate bool) error {
	return c.Dispatch.Reset(maxParallelism, mutatorsCooperate, func() {})
}

// onFinalizerBatchDone is the finalizer pipeline's OnEpochDone callback: it
// records the epoch's FinalizersDone milestone on its handle before
// transitioning the epoch state machine to Finalized, then forgets the
// handle (spec.md §7.4's Finalized-implies-Finished property is what the
// epoch manager itself enforces; this only needs the handle long enough to
// timestamp the milestone).
func (c *Collector) onFinalizerBatchDone(e int64) {
	c.handlesMu.Lock()
	h := c.handles[e]
	delete(c.handles, e)
	c.handlesMu.Unlock()

	if h != nil {
		h.FinalizersDone()
		log(context.Background()).Debugf("gc: epoch %d: %d finalizers done in %s",
			e, h.FinalizersScheduledCount(), h.Since("finalizersScheduled", "finalizersDone"))
	}

	c.Epochs.Finalized(e)
}

// liveBytes sums the heap size of every object the allocator still tracks
// after sweep, excluding the objects sweep just queued for finalization.
// Sweep has already reset survivors' mark words, so it cannot go by the mark
// bit.
func (c *Collector) liveBytes(pendingFinalization []heapiface.Object) int64 {
	var total int64

	pending := make(map[heapiface.Object]struct{}, len(pendingFinalization))
	for _, obj := range pendingFinalization {
		pending[obj] = struct{}{}
	}

	iter, unlock := c.allocator.LockObjectsForIter()
	defer unlock()

	iter.ForEach(func(obj heapiface.Object) bool {
		if _, ok := pending[obj]; !ok {
			total += c.allocator.GetAllocatedHeapSize(obj)
		}

		return true
	})

	c.Metrics.LastGCLiveBytes.Set(float64(total))

	return total
}

// publishAllFactories flushes every registered mutator's thread-local
// allocation bookkeeping, matching the "[publishObjectFactories]" step
// shared by both choreographies in spec.md §4.9.
func (c *Collector) publishAllFactories() {
	c.Mutators.ForEach(func(m *mutator.Mutator) { m.Publish() })
}

// maybeCheckMarkCorrectness runs the assertion-mode heap scan (spec.md
// §4.5) when RuntimeAssertsMode is enabled, logging any violation it finds.
// It is invoked immediately after markingComplete, before sweep, so a
// violation is diagnosed while the offending mark state is still intact.
func (c *Collector) maybeCheckMarkCorrectness(ctx context.Context) {
	if !c.params.GetParameters().RuntimeAssertsMode {
		return
	}

	iter, unlock := c.allocator.LockObjectsForIter()
	defer unlock()

	if violations := mark.CheckMarkCorrectness(iter); len(violations) > 0 {
		for _, v := range violations {
			log(ctx).Errorf("gc: mark correctness violation: %s", v)
		}
	}
}

// compactIfSupported calls Allocator.CompactObjectPoolInMainThread when the
// allocator implements heapiface.PoolCompactor (§9 Open Question b);
// otherwise it is a no-op.
func (c *Collector) compactIfSupported() {
	if pc, ok := c.allocator.(heapiface.PoolCompactor); ok {
		pc.CompactObjectPoolInMainThread()
	}
}

// mergeExtractedFinalizerQueue appends whatever thread-local finalizer
// queue the allocator drains via heapiface.FinalizerQueueExtractor, if it
// implements that optional capability, onto res.Finalizable.
func (c *Collector) mergeExtractedFinalizerQueue(res *sweep.Result) {
	if fq, ok := c.allocator.(heapiface.FinalizerQueueExtractor); ok {
		res.Finalizable = append(res.Finalizable, fq.ExtractFinalizerQueue()...)
	}
}
