package mutator_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kortex/gcrun/gc/mutator"
	"github.com/kortex/gcrun/gc/testheap"
)

func TestTryLockRootSetIsExclusive(t *testing.T) {
	heap := testheap.NewHeap(8)
	r := mutator.NewRegistry()
	m := r.Register(heap)

	assert.False(t, m.RootSetLocked())
	assert.True(t, m.TryLockRootSet())
	assert.True(t, m.RootSetLocked())
	assert.False(t, m.TryLockRootSet(), "a second claim in the same epoch must fail")
}

func TestClearEpochFlagsResetsRootSetLock(t *testing.T) {
	heap := testheap.NewHeap(8)
	r := mutator.NewRegistry()
	m := r.Register(heap)

	require.True(t, m.TryLockRootSet())
	r.ClearEpochFlags()
	assert.False(t, m.RootSetLocked())
}

func TestPublishSetsPublishedAndFlushesAllocator(t *testing.T) {
	heap := testheap.NewHeap(8)
	r := mutator.NewRegistry()
	m := r.Register(heap)

	assert.False(t, m.Published())
	m.Publish()
	assert.True(t, m.Published())
	assert.Equal(t, 1, heap.PublishCount())
}

type fakeHook struct{ calls int }

func (f *fakeHook) OnSuspendForGC(ctx context.Context, m *mutator.Mutator) { f.calls++ }

func TestSafePointCooperatesThenParks(t *testing.T) {
	heap := testheap.NewHeap(8)
	r := mutator.NewRegistry()
	hook := &fakeHook{}
	r.SetSafepointHook(hook)

	m := r.Register(heap)

	pause := &alwaysRequestedNoopPause{requested: true}
	r.SafePoint(context.Background(), m, pause)

	assert.Equal(t, 1, hook.calls)
	assert.True(t, pause.parked)
}

func TestUnregisterRemovesMutatorFromCount(t *testing.T) {
	heap := testheap.NewHeap(8)
	r := mutator.NewRegistry()
	m := r.Register(heap)

	assert.Equal(t, 1, r.Count())
	r.Unregister(m)
	assert.Equal(t, 0, r.Count())
}

func TestSafePointNoopWhenNotRequested(t *testing.T) {
	heap := testheap.NewHeap(8)
	r := mutator.NewRegistry()
	hook := &fakeHook{}
	r.SetSafepointHook(hook)

	m := r.Register(heap)

	pause := &alwaysRequestedNoopPause{requested: false}
	r.SafePoint(context.Background(), m, pause)

	assert.Equal(t, 0, hook.calls)
	assert.False(t, pause.parked)
}

type alwaysRequestedNoopPause struct {
	requested bool
	parked    bool
}

func (p *alwaysRequestedNoopPause) Requested() bool { return p.requested }

func (p *alwaysRequestedNoopPause) ParkAtSafepoint() { p.parked = true }
