// Package worker implements the sharded ingest pipeline: a fixed number
// of single-consumer queues, each bound to one goroutine, so that appends
// to the same stream are always processed in submission order while
// appends to different streams proceed independently.
package worker

import (
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"
)

// Job is one unit of work submitted to the pool. Stream identifies which
// shard the job is routed to; Run performs the actual append (or whatever
// the caller needs serialized per-stream) and reports its outcome back
// through the done channel it closes over.
type Job struct {
	Stream string
	Run    func(ctx context.Context)
}

// Pool is a fixed set of N worker goroutines, each draining its own
// buffered channel. A stream is always routed to the same worker for the
// lifetime of the pool, which is what gives same-stream appends FIFO
// ordering without a global lock.
type Pool struct {
	queues []chan Job
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// New starts a Pool with n workers, each with a queue depth of
// queueDepth. A non-positive n or queueDepth is raised to 1.
func New(n, queueDepth int) *Pool {
	if n <= 0 {
		n = 1
	}
	if queueDepth <= 0 {
		queueDepth = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	p := &Pool{
		queues: make([]chan Job, n),
		group:  group,
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < n; i++ {
		queue := make(chan Job, queueDepth)
		p.queues[i] = queue
		group.Go(func() error {
			return runWorker(gctx, queue)
		})
	}
	return p
}

func runWorker(ctx context.Context, queue chan Job) error {
	for {
		select {
		case <-ctx.Done():
			// Drain whatever is already buffered before exiting, so a
			// shutdown racing with Submit never silently drops a job
			// that was already accepted onto the queue.
			for {
				select {
				case job := <-queue:
					job.Run(context.Background())
				default:
					return nil
				}
			}
		case job := <-queue:
			job.Run(ctx)
		}
	}
}

// shardFor picks a worker index for a stream ID by a stable, non-cryptographic
// hash modulo worker count, so the same stream always lands on the same
// worker for the life of the pool.
func (p *Pool) shardFor(stream string) int {
	return int(xxhash.Sum64String(stream) % uint64(len(p.queues)))
}

// Submit enqueues job on the worker owning job.Stream. It blocks if that
// worker's queue is full, applying backpressure to the caller rather than
// growing memory unbounded.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	idx := p.shardFor(job.Stream)
	select {
	case p.queues[idx] <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return fmt.Errorf("worker: pool is shutting down")
	}
}

// QueueDepth reports how many jobs are currently buffered for stream's shard.
func (p *Pool) QueueDepth(stream string) int {
	return len(p.queues[p.shardFor(stream)])
}

// Shutdown stops accepting new work and waits for every worker to drain
// its already-buffered jobs and exit.
func (p *Pool) Shutdown() error {
	p.cancel()
	return p.group.Wait()
}
