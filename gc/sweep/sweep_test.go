package sweep_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kortex/gcrun/gc/heapiface"
	"github.com/kortex/gcrun/gc/sweep"
	"github.com/kortex/gcrun/gc/testheap"
)

func TestObjectsReclaimsUnmarkedAndResetsSurvivors(t *testing.T) {
	heap := testheap.NewHeap(8)
	survivor := heap.NewObject(&testheap.Type{Name: "Survivor"}, "survivor")
	garbage := heap.NewObject(&testheap.Type{Name: "Garbage"}, "garbage")
	survivor.TestAndSetMark()

	iter, unlock := heap.LockObjectsForIter()
	res := sweep.Objects(iter, heap, heap.FreeObject)
	unlock()

	assert.Equal(t, 1, res.ObjectsFreed)
	assert.Equal(t, int64(8), res.BytesFreed)
	assert.Empty(t, res.Finalizable)
	assert.False(t, survivor.Marked(), "survivor's mark word must be reset for the next epoch")
	assert.Equal(t, 1, heap.Len())
	_ = garbage
}

func TestObjectsDefersFinalizableInsteadOfFreeing(t *testing.T) {
	heap := testheap.NewHeap(8)
	obj := heap.NewObject(&testheap.Type{Name: "Finalizable"}, "f")

	extra, err := heap.CreateExtraObject(obj, &testheap.Type{Name: "Extra"})
	require.NoError(t, err)
	testheap.WithFinalizer(extra, func() {})

	iter, unlock := heap.LockObjectsForIter()
	res := sweep.Objects(iter, heap, heap.FreeObject)
	unlock()

	assert.Equal(t, 0, res.ObjectsFreed)
	require.Len(t, res.Finalizable, 1)
	assert.Equal(t, obj, res.Finalizable[0])
	assert.Equal(t, 1, heap.Len(), "finalizable objects are not freed by sweep.Objects itself")
}

func TestExtraObjectsSurvivesWhenBaseMarked(t *testing.T) {
	heap := testheap.NewHeap(8)
	base := heap.NewObject(&testheap.Type{Name: "Base"}, "base")
	base.TestAndSetMark()

	extra, err := heap.CreateExtraObject(base, &testheap.Type{Name: "Extra"})
	require.NoError(t, err)

	iter, unlock := heap.LockExtraObjectsForIter()
	freed := sweep.ExtraObjects(iter, heap.DestroyUnattachedExtra)
	unlock()

	assert.Equal(t, 0, freed)
	_, ok := base.ExtraObjectData()
	assert.True(t, ok)
	_ = extra
}

func TestExtraObjectsReclaimedWhenBaseUnmarked(t *testing.T) {
	heap := testheap.NewHeap(8)
	base := heap.NewObject(&testheap.Type{Name: "Base"}, "base")

	_, err := heap.CreateExtraObject(base, &testheap.Type{Name: "Extra"})
	require.NoError(t, err)

	iter, unlock := heap.LockExtraObjectsForIter()
	freed := sweep.ExtraObjects(iter, heap.DestroyUnattachedExtra)
	unlock()

	assert.Equal(t, 1, freed)
	_, ok := base.ExtraObjectData()
	assert.False(t, ok)
}

func TestExtraObjectsSurvivesWhenBaseUnmarkedButFinalizerPending(t *testing.T) {
	heap := testheap.NewHeap(8)
	base := heap.NewObject(&testheap.Type{Name: "Base"}, "base")

	extra, err := heap.CreateExtraObject(base, &testheap.Type{Name: "Extra"})
	require.NoError(t, err)
	testheap.WithFinalizer(extra, func() {})

	iter, unlock := heap.LockExtraObjectsForIter()
	freed := sweep.ExtraObjects(iter, heap.DestroyUnattachedExtra)
	unlock()

	assert.Equal(t, 0, freed, "extra-object sweep must not destroy the finalizer before Objects has a chance to queue it")
	_, ok := base.ExtraObjectData()
	assert.True(t, ok)
}

func TestExtraObjectsSurvivesWhenNotSweepable(t *testing.T) {
	heap := testheap.NewHeap(8)
	base := heap.NewObject(&testheap.Type{Name: "Base"}, "base")

	extra, err := heap.CreateExtraObject(base, &testheap.Type{Name: "Extra"})
	require.NoError(t, err)
	extra.SetFlags(extra.Flags() &^ heapiface.FlagSweepable)

	iter, unlock := heap.LockExtraObjectsForIter()
	freed := sweep.ExtraObjects(iter, heap.DestroyUnattachedExtra)
	unlock()

	assert.Equal(t, 0, freed, "an extra-object that opted out of FlagSweepable must not be tied to its base's mark bit")
}

func TestExtraObjectsAlwaysSurvivesOnStaticBase(t *testing.T) {
	heap := testheap.NewHeap(8)
	static := heap.NewStatic(&testheap.Type{Name: "Static"}, "static")

	_, err := heap.CreateExtraObject(static, &testheap.Type{Name: "Extra"})
	require.NoError(t, err)

	iter, unlock := heap.LockExtraObjectsForIter()
	freed := sweep.ExtraObjects(iter, heap.DestroyUnattachedExtra)
	unlock()

	assert.Equal(t, 0, freed)
}
