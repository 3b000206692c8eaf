package weak_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kortex/gcrun/gc/testheap"
	"github.com/kortex/gcrun/gc/weak"
)

func TestProcessClearsUnmarkedTargets(t *testing.T) {
	heap := testheap.NewHeap(16)
	live := heap.NewObject(&testheap.Type{Name: "Live"}, "live")
	dead := heap.NewObject(&testheap.Type{Name: "Dead"}, "dead")
	live.TestAndSetMark()

	reg := testheap.NewRegistry()
	liveSlot := testheap.NewSlot(live)
	deadSlot := testheap.NewSlot(dead)
	emptySlot := testheap.NewSlot(nil)
	reg.Add(liveSlot)
	reg.Add(deadSlot)
	reg.Add(emptySlot)

	cleared := weak.Process(reg)

	assert.Equal(t, 1, cleared)
	assert.NotNil(t, liveSlot.Load())
	assert.Nil(t, deadSlot.Load())
	assert.Nil(t, emptySlot.Load())
}

func TestProcessNeverClearsStaticTargets(t *testing.T) {
	heap := testheap.NewHeap(16)
	static := heap.NewStatic(&testheap.Type{Name: "Static"}, "static")

	reg := testheap.NewRegistry()
	slot := testheap.NewSlot(static)
	reg.Add(slot)

	cleared := weak.Process(reg)

	assert.Equal(t, 0, cleared)
	assert.NotNil(t, slot.Load())
}

func TestBarrierHidesUnmarkedTargetWhileEnabled(t *testing.T) {
	heap := testheap.NewHeap(16)
	dead := heap.NewObject(&testheap.Type{Name: "Dead"}, "dead")
	slot := testheap.NewSlot(dead)

	var b weak.Barrier
	require.False(t, b.Enabled())

	assert.NotNil(t, b.Read(slot))

	b.Enable(1)
	assert.True(t, b.Enabled())
	assert.Equal(t, int64(1), b.Epoch())
	assert.Nil(t, b.Read(slot))

	dead.TestAndSetMark()
	assert.NotNil(t, b.Read(slot))

	b.Disable()
	assert.False(t, b.Enabled())
}
