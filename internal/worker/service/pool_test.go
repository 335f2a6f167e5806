package service

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPool_TaskExecution(t *testing.T) {
	p := NewPool(2)

	var called int32
	require.True(t, p.TrySubmit(func() { atomic.AddInt32(&called, 1) }))
	require.True(t, p.TrySubmit(func() { atomic.AddInt32(&called, 1) }))

	// close and wait for tasks
	p.Close()
	require.Equal(t, int32(2), atomic.LoadInt32(&called))
}

func TestPool_RefusesWhenFull(t *testing.T) {
	p := NewPool(1)
	release := make(chan struct{})

	require.True(t, p.TrySubmit(func() { <-release }))
	require.False(t, p.TrySubmit(func() {}))
	require.Equal(t, 1, p.Running())

	close(release)
	require.Eventually(t, func() bool { return p.Running() == 0 }, time.Second, 5*time.Millisecond)
	require.True(t, p.TrySubmit(func() {}))
	p.Close()
}

func TestPool_Unlimited(t *testing.T) {
	p := NewPool(0)
	release := make(chan struct{})
	for range 10 {
		require.True(t, p.TrySubmit(func() { <-release }))
	}
	require.Equal(t, 10, p.Running())
	close(release)
	p.Close()
	require.Equal(t, 0, p.Running())
}

func TestPool_CloseWaitsForLongTask(t *testing.T) {
	p := NewPool(1)

	var done int32
	p.TrySubmit(func() {
		time.Sleep(50 * time.Millisecond)
		atomic.StoreInt32(&done, 1)
	})

	// Close should wait for the running task to finish
	p.Close()
	require.Equal(t, int32(1), atomic.LoadInt32(&done))
}

func TestPool_SubmitAfterCloseIsRefused(t *testing.T) {
	p := NewPool(1)
	p.Close()
	require.False(t, p.TrySubmit(func() {}))
}
