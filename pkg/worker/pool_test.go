package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolProcessesSubmittedWork(t *testing.T) {
	var processed atomic.Int64
	pool := NewPool[int](2, 16, func(_ context.Context, _ int) error {
		processed.Add(1)
		return nil
	})

	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(i))
	}
	require.NoError(t, pool.Stop(time.Second))

	assert.Equal(t, int64(10), processed.Load())

	stats := pool.Stats()
	assert.Equal(t, int64(10), stats.Submitted)
	assert.Equal(t, int64(10), stats.Processed)
	assert.Equal(t, int64(0), stats.Failed)
	assert.Equal(t, int64(0), stats.Dropped)
}

func TestPoolSubmitBeforeStart(t *testing.T) {
	pool := NewPool[int](1, 4, func(_ context.Context, _ int) error { return nil })

	err := pool.Submit(1)
	assert.ErrorIs(t, err, ErrPoolNotStarted)
}

func TestPoolSubmitAfterStop(t *testing.T) {
	pool := NewPool[int](1, 4, func(_ context.Context, _ int) error { return nil })
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Stop(time.Second))

	err := pool.Submit(1)
	assert.ErrorIs(t, err, ErrPoolStopped)
}

func TestPoolDropsWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	pool := NewPool[int](1, 1, func(_ context.Context, _ int) error {
		<-block
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	// First item occupies the worker, second fills the queue. Give the
	// worker a moment to pick up the first item.
	require.NoError(t, pool.Submit(1))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, pool.Submit(2))

	err := pool.Submit(3)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, int64(1), pool.Stats().Dropped)

	close(block)
	require.NoError(t, pool.Stop(time.Second))
}

func TestPoolCountsFailures(t *testing.T) {
	pool := NewPool[int](1, 8, func(_ context.Context, n int) error {
		if n%2 == 0 {
			return errors.New("even numbers rejected")
		}
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 6; i++ {
		require.NoError(t, pool.Submit(i))
	}
	require.NoError(t, pool.Stop(time.Second))

	stats := pool.Stats()
	assert.Equal(t, int64(6), stats.Processed)
	assert.Equal(t, int64(3), stats.Failed)
}

func TestPoolDoubleStart(t *testing.T) {
	pool := NewPool[int](1, 4, func(_ context.Context, _ int) error { return nil })
	require.NoError(t, pool.Start(context.Background()))
	defer func() { _ = pool.Stop(time.Second) }()

	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolAlreadyStarted)
}

func TestPoolStopIdempotent(t *testing.T) {
	pool := NewPool[int](1, 4, func(_ context.Context, _ int) error { return nil })
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.Stop(time.Second))
	require.NoError(t, pool.Stop(time.Second))
}

func TestPoolStopDrainsQueue(t *testing.T) {
	var mu sync.Mutex
	var seen []int
	pool := NewPool[int](1, 16, func(_ context.Context, n int) error {
		mu.Lock()
		seen = append(seen, n)
		mu.Unlock()
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 8; i++ {
		require.NoError(t, pool.Submit(i))
	}
	require.NoError(t, pool.Stop(time.Second))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 8)
}

func TestPoolDefaults(t *testing.T) {
	pool := NewPool[int](0, 0, func(_ context.Context, _ int) error { return nil })
	stats := pool.Stats()
	assert.Equal(t, 4, stats.Workers)
	assert.Equal(t, 256, stats.QueueSize)
}

func TestPoolNilProcessorPanics(t *testing.T) {
	assert.Panics(t, func() {
		NewPool[int](1, 4, nil)
	})
}
