package gc

import (
	"context"

	"github.com/kortex/gcrun/gc/gchandle"
	"github.com/kortex/gcrun/gc/heapiface"
	"github.com/kortex/gcrun/gc/sweep"
	"github.com/kortex/gcrun/gc/weak"
)

// stmsVariant implements the same-thread stop-the-world choreography
// (spec.md §4.9, STMS block): mutators stay suspended from before mark
// through the end of sweep, and resume only happens once, at the very end.
type stmsVariant struct {
	c *Collector
}

func (v *stmsVariant) beginEpoch(ctx context.Context, h *gchandle.Handle) error {
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

func (v *stmsVariant) runMark(ctx context.Context, h *gchandle.Handle) error {
	v.c.Dispatch.RunMainInSTW(ctx)
	v.c.Dispatch.EndMarkingEpoch()
	v.c.maybeCheckMarkCorrectness(ctx)

	return nil
}

func (v *stmsVariant) processWeaks(ctx context.Context, h *gchandle.Handle) error {
	weak.Process(v.c.weakRegistry)
	return nil
}

func (v *stmsVariant) sweep(ctx context.Context, h *gchandle.Handle) (sweep.Result, error) {
	v.c.publishAllFactories()

	extraIter, unlockExtra := v.c.allocator.LockExtraObjectsForIter()
	extraFreed := sweep.ExtraObjects(extraIter, v.c.allocator.DestroyUnattachedExtra)
	unlockExtra()

	objIter, unlockObj := v.c.allocator.LockObjectsForIter()
	res := sweep.Objects(objIter, v.c.allocator, v.freeObject)
	unlockObj()

	res.ExtraObjectsFreed = extraFreed
	v.c.mergeExtractedFinalizerQueue(&res)

	return res, nil
}

func (v *stmsVariant) freeObject(obj heapiface.Object) {
	v.c.allocator.FreeObject(obj)
}

// resume is the sole resume point in the STMS choreography: mutators were
// suspended in beginEpoch and stay suspended through mark, weak processing
// and sweep.
func (v *stmsVariant) resume(ctx context.Context) {
	if err := v.c.Suspend.Resume(); err != nil {
		log(ctx).Errorf("gc: stms resume: %v", err)
	}
}
