package suspend_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kortex/gcrun/gc/suspend"
)

func TestRequestWaitResume(t *testing.T) {
	registered := 2
	c := suspend.New(func() int { return registered })

	ok, err := c.Request()
	require.NoError(t, err)
	assert.True(t, ok)

	arrivedOne := make(chan struct{})
	arrivedTwo := make(chan struct{})

	go func() {
		c.ParkAtSafepoint()
		close(arrivedOne)
	}()

	go func() {
		c.ParkAtSafepoint()
		close(arrivedTwo)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, c.Wait(ctx))
	require.NoError(t, c.Resume())

	select {
	case <-arrivedOne:
	case <-time.After(time.Second):
		t.Fatal("first parked mutator never resumed")
	}

	select {
	case <-arrivedTwo:
	case <-time.After(time.Second):
		t.Fatal("second parked mutator never resumed")
	}
}

func TestSecondRequestWithoutResumeFails(t *testing.T) {
	c := suspend.New(func() int { return 0 })

	_, err := c.Request()
	require.NoError(t, err)

	_, err = c.Request()
	assert.ErrorIs(t, err, suspend.ErrAlreadyRequested)
}

func TestResumeWithoutRequestFails(t *testing.T) {
	c := suspend.New(func() int { return 0 })

	err := c.Resume()
	assert.ErrorIs(t, err, suspend.ErrResumeWithoutRequest)
}

func TestNativeCodeCountsAsSafepoint(t *testing.T) {
	c := suspend.New(func() int { return 1 })

	c.EnterNative()

	_, err := c.Request()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, c.Wait(ctx), "a mutator in blocking native code must count toward the safepoint barrier")

	c.ExitNative()
	require.NoError(t, c.Resume())
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	c := suspend.New(func() int { return 1 })

	_, err := c.Request()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = c.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
