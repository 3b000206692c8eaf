package gc

import (
	"context"

	"github.com/kortex/gcrun/gc/gchandle"
	"github.com/kortex/gcrun/gc/heapiface"
	"github.com/kortex/gcrun/gc/sweep"
	"github.com/kortex/gcrun/gc/weak"
)

// cmsVariant implements the parallel-mark / concurrent-sweep choreography
// (spec.md §4.9, CMS block). Unlike STMS, mutators may be resumed twice
// before the epoch ends: once (optionally) between mark and weak
// processing if ConcurrentWeakSweep is enabled, and once for real once the
// sweep locks are held, after which sweep runs concurrently with running
// mutators.
type cmsVariant struct {
	c *Collector
}

func (v *cmsVariant) beginEpoch(ctx context.Context, h *gchandle.Handle) error {
	v.c.Dispatch.BeginMarkingEpoch(h)

	if _, err := v.c.Suspend.Request(); err != nil {
		return err
	}

	if err := v.c.Suspend.Wait(ctx); err != nil {
		return err
	}

	h.SuspensionRequested()
	h.ThreadsAreSuspended()

	v.c.scheduler.OnGCStart()
	v.c.Epochs.Start(h.Epoch)

	return nil
}

func (v *cmsVariant) runMark(ctx context.Context, h *gchandle.Handle) error {
	v.c.Dispatch.RunMainInSTW(ctx)
	v.c.Dispatch.EndMarkingEpoch()
	v.c.maybeCheckMarkCorrectness(ctx)

	if v.c.params.GetParameters().ConcurrentWeakSweep {
		v.c.Weaks.Enable(h.Epoch)

		if err := v.c.Suspend.Resume(); err != nil {
			return err
		}

		h.ThreadsAreResumed()
	}

	return nil
}

func (v *cmsVariant) processWeaks(ctx context.Context, h *gchandle.Handle) error {
	weak.Process(v.c.weakRegistry)

	if !v.c.params.GetParameters().ConcurrentWeakSweep {
		return nil
	}

	// A second, short suspension to tear the barrier down: correctness of
	// (a) in spec.md §9 places this bracketing here rather than split
	// across the orchestrator and the dispatcher.
	if _, err := v.c.Suspend.Request(); err != nil {
		return err
	}

	if err := v.c.Suspend.Wait(ctx); err != nil {
		return err
	}

	h.SuspensionRequested()
	h.ThreadsAreSuspended()

	log(ctx).Debugf("gc: epoch %d: disabling concurrent weak barrier", v.c.Weaks.Epoch())
	v.c.Weaks.Disable()

	return nil
}

func (v *cmsVariant) sweep(ctx context.Context, h *gchandle.Handle) (sweep.Result, error) {
	v.c.publishAllFactories()

	extraIter, unlockExtra := v.c.allocator.LockExtraObjectsForIter()
	objIter, unlockObj := v.c.allocator.LockObjectsForIter()
	defer unlockExtra()
	defer unlockObj()

	// The factory locks must be held before resuming mutators (spec.md
	// §4.9 rationale): a thread terminating after resume must not publish
	// into global state mid-iteration.
	if err := v.c.Suspend.Resume(); err != nil {
		return sweep.Result{}, err
	}

	h.ThreadsAreResumed()

	extraFreed := sweep.ExtraObjects(extraIter, v.c.allocator.DestroyUnattachedExtra)
	res := sweep.Objects(objIter, v.c.allocator, v.freeObject)
	res.ExtraObjectsFreed = extraFreed
	v.c.mergeExtractedFinalizerQueue(&res)

	v.c.compactIfSupported()

	return res, nil
}

func (v *cmsVariant) freeObject(obj heapiface.Object) {
	v.c.allocator.FreeObject(obj)
}

// resume is a no-op for CMS: by the time the orchestrator's generic tail
// calls it, sweep has already resumed mutators (unconditionally, whether or
// not ConcurrentWeakSweep triggered an earlier resume/re-suspend cycle).
func (v *cmsVariant) resume(ctx context.Context) {}
