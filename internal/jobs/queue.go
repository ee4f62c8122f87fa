package jobs

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned when using a closed queue.
var ErrQueueClosed = errors.New("queue closed")

// Queue is the interface for sync job queues
type Queue interface {
	// Enqueue adds a job, superseding any job still pending.
	Enqueue(ctx context.Context, job *Job) error

	// Consume returns a channel of jobs. A job delivered after a newer one
	// was enqueued is dropped. The channel is closed when ctx is cancelled,
	// the queue is closed or the connection is lost.
	Consume(ctx context.Context) (<-chan *Job, error)

	// Close closes the queue
	Close() error
}

// MemoryQueue is an in-process Queue holding a single pending job.
type MemoryQueue struct {
	mu      sync.Mutex
	pending *Job
	wake    chan struct{}
	closed  chan struct{}
	once    sync.Once
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// Enqueue replaces the pending job.
func (q *MemoryQueue) Enqueue(ctx context.Context, job *Job) error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}

	q.mu.Lock()
	q.pending = job
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the job waiting to be consumed, if any.
func (q *MemoryQueue) Pending() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

func (q *MemoryQueue) take() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	job := q.pending
	q.pending = nil
	return job
}

// Consume delivers pending jobs. Only one consumer should be active.
func (q *MemoryQueue) Consume(ctx context.Context) (<-chan *Job, error) {
	select {
	case <-q.closed:
		return nil, ErrQueueClosed
	default:
	}

	out := make(chan *Job)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.closed:
				return
			case <-q.wake:
			}

			job := q.take()
			if job == nil {
				continue
			}
			select {
			case out <- job:
			case <-ctx.Done():
				return
			case <-q.closed:
				return
			}
		}
	}()
	return out, nil
}

// Close stops all consumers. Safe to call more than once.
func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.closed) })
	return nil
}
