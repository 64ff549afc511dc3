package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSameStreamJobsRunInOrder(t *testing.T) {
	pool := New(4, 16)
	defer pool.Shutdown()

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		n := i
		err := pool.Submit(context.Background(), Job{
			Stream: "s",
			Run: func(ctx context.Context) {
				defer wg.Done()
				mu.Lock()
				order = append(order, n)
				mu.Unlock()
			},
		})
		require.NoError(t, err)
	}
	wg.Wait()

	for i, n := range order {
		require.Equal(t, i, n)
	}
}

func TestDifferentStreamsRunConcurrently(t *testing.T) {
	pool := New(8, 16)
	defer pool.Shutdown()

	var running int32
	var maxRunning int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		stream := string(rune('a' + i))
		err := pool.Submit(context.Background(), Job{
			Stream: stream,
			Run: func(ctx context.Context) {
				defer wg.Done()
				n := atomic.AddInt32(&running, 1)
				for {
					old := atomic.LoadInt32(&maxRunning)
					if n <= old || atomic.CompareAndSwapInt32(&maxRunning, old, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&running, -1)
			},
		})
		require.NoError(t, err)
	}
	wg.Wait()
	require.Greater(t, atomic.LoadInt32(&maxRunning), int32(1))
}

func TestShutdownDrainsBufferedJobs(t *testing.T) {
	pool := New(1, 4)
	var ran int32
	for i := 0; i < 3; i++ {
		require.NoError(t, pool.Submit(context.Background(), Job{
			Stream: "s",
			Run:    func(ctx context.Context) { atomic.AddInt32(&ran, 1) },
		}))
	}
	require.NoError(t, pool.Shutdown())
	require.Equal(t, int32(3), ran)
}

func TestQueueDepthReportsBufferedJobs(t *testing.T) {
	pool := New(1, 4)
	defer pool.Shutdown()
	block := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), Job{Stream: "s", Run: func(ctx context.Context) { <-block }}))
	require.NoError(t, pool.Submit(context.Background(), Job{Stream: "s", Run: func(ctx context.Context) {}}))
	require.Equal(t, 1, pool.QueueDepth("s"))
	close(block)
}
