package watchdog

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchdog_Fires(t *testing.T) {
	fired := make(chan struct{}, 1)
	w := New(func(ctx context.Context) {
		assert.NoError(t, ctx.Err())
		fired <- struct{}{}
	})
	defer w.Stop()

	w.Arm(10 * time.Millisecond)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("watchdog did not fire")
	}

	require.Eventually(t, func() bool { return !w.Armed() }, time.Second, 5*time.Millisecond)
}

func TestWatchdog_DisarmPreventsFire(t *testing.T) {
	var fired atomic.Int32
	w := New(func(context.Context) { fired.Add(1) })

	w.Arm(20 * time.Millisecond)
	assert.True(t, w.Armed())
	w.Disarm()
	assert.False(t, w.Armed())

	time.Sleep(60 * time.Millisecond)
	w.Stop()
	assert.Equal(t, int32(0), fired.Load())
}

func TestWatchdog_RearmCancelsPrevious(t *testing.T) {
	var fired atomic.Int32
	w := New(func(context.Context) { fired.Add(1) })

	w.Arm(20 * time.Millisecond)
	w.Arm(time.Hour)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load(), "first check must not fire after re-arm")
	assert.True(t, w.Armed())

	w.Stop()
	assert.False(t, w.Armed())
}

func TestWatchdog_CancelAfterFireIsObserved(t *testing.T) {
	// the expire callback blocks on a lock held by the canceller, as the activation
	// controller does, and must see its context cancelled once it gets the lock
	var lock sync.Mutex
	started := make(chan struct{})
	result := make(chan error, 1)

	w := New(func(ctx context.Context) {
		close(started)
		lock.Lock()
		defer lock.Unlock()
		result <- ctx.Err()
	})
	defer w.Stop()

	lock.Lock()
	w.Arm(5 * time.Millisecond)
	<-started
	w.Disarm()
	lock.Unlock()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("expire callback did not return")
	}
}

func TestWatchdog_ArmAfterStopIsIgnored(t *testing.T) {
	var fired atomic.Int32
	w := New(func(context.Context) { fired.Add(1) })
	w.Stop()

	w.Arm(time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, w.Armed())
	assert.Equal(t, int32(0), fired.Load())
}
