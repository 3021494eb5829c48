package jobexec

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestDispatchRunsTask(t *testing.T) {
	e := New("test", 2, 4, 1, zerolog.Nop())
	e.Start()
	defer e.Stop(true)

	var ran int32
	done := make(chan struct{})
	err := e.Dispatch(func(ctx context.Context) {
		atomic.StoreInt32(&ran, 1)
		close(done)
	}, time.Second)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestDispatchFailsWhenQueueFull(t *testing.T) {
	e := New("test", 1, 1, 0, zerolog.Nop())
	// Don't start workers: nothing drains the queue.
	require.NoError(t, e.Dispatch(func(ctx context.Context) {}, time.Second))
	err := e.Dispatch(func(ctx context.Context) {}, time.Second)
	require.ErrorIs(t, err, ErrResourceExhausted)
}

func TestBlockedWorkerIsReplaced(t *testing.T) {
	e := New("test", 1, 4, 1, zerolog.Nop())
	e.Start()
	defer e.Stop(false)

	blockForever := make(chan struct{})
	defer close(blockForever)

	require.NoError(t, e.Dispatch(func(ctx context.Context) {
		<-blockForever
	}, 10*time.Millisecond))

	// The replacement worker should still be able to serve new tasks
	// even though the first one is stuck.
	require.Eventually(t, func() bool {
		done := make(chan struct{})
		if err := e.Dispatch(func(ctx context.Context) { close(done) }, time.Second); err != nil {
			return false
		}
		select {
		case <-done:
			return true
		case <-time.After(200 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 50*time.Millisecond)
}
