package jobs

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	todosync "github.com/mschirtzinger/todosync/internal/sync"
)

const (
	// RetryInitialInterval is the delay before the first retry.
	RetryInitialInterval = 30 * time.Second
	// RetryMaxInterval caps the delay between retries.
	RetryMaxInterval = 10 * time.Minute
)

// ErrRunnerActive is returned by Start when the runner is already started.
var ErrRunnerActive = errors.New("runner already started")

// Syncer runs one sync attempt.
type Syncer interface {
	Run(ctx context.Context) todosync.Result
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the runner's logger.
func WithLogger(l *zap.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// WithBackOff replaces the retry policy.
func WithBackOff(b backoff.BackOff) RunnerOption {
	return func(r *Runner) { r.backoff = b }
}

// WithJitter replaces the function that picks how early within the flex
// window a periodic sync runs. It receives flex and returns a duration in
// [0, flex).
func WithJitter(fn func(flex time.Duration) time.Duration) RunnerOption {
	return func(r *Runner) { r.jitter = fn }
}

// WithResultHandler is called after every attempt.
func WithResultHandler(fn func(*Job, todosync.Result)) RunnerOption {
	return func(r *Runner) { r.onResult = fn }
}

// Runner consumes sync jobs and runs them one at a time.
type Runner struct {
	queue    Queue
	logger   *zap.Logger
	now      func() time.Time
	backoff  backoff.BackOff
	jitter   func(time.Duration) time.Duration
	onResult func(*Job, todosync.Result)
	running  atomic.Bool
}

// NewRunner creates a runner reading from queue.
func NewRunner(queue Queue, opts ...RunnerOption) *Runner {
	r := &Runner{
		queue:  queue,
		logger: zap.NewNop(),
		now:    time.Now,
		jitter: func(flex time.Duration) time.Duration {
			if flex <= 0 {
				return 0
			}
			return rand.N(flex)
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.backoff == nil {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = RetryInitialInterval
		b.MaxInterval = RetryMaxInterval
		b.MaxElapsedTime = 0
		b.Reset()
		r.backoff = b
	}
	return r
}

// Trigger queues an immediate sync.
func (r *Runner) Trigger(ctx context.Context) error {
	return r.queue.Enqueue(ctx, NewJob(KindSyncNow, r.now()))
}

// SchedulePeriodic queues the next periodic sync somewhere in
// [interval-flex, interval] from now.
func (r *Runner) SchedulePeriodic(ctx context.Context, interval, flex time.Duration) error {
	now := r.now()
	job := NewJob(KindSyncPeriodic, now).After(now, interval-r.jitter(flex))
	return r.queue.Enqueue(ctx, job)
}

// Start consumes jobs and runs s for each until ctx is cancelled. A job
// waiting for its start time is dropped when a newer job arrives.
func (r *Runner) Start(ctx context.Context, s Syncer) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrRunnerActive
	}
	defer r.running.Store(false)

	jobs, err := r.queue.Consume(ctx)
	if err != nil {
		return err
	}

	var (
		pending *Job
		timer   *time.Timer
		fire    <-chan time.Time
	)
	stop := func() {
		if timer != nil {
			timer.Stop()
			timer, fire = nil, nil
		}
	}
	defer stop()

	for {
		if pending != nil && timer == nil {
			timer = time.NewTimer(pending.Delay(r.now()))
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			return nil
		case job, ok := <-jobs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrQueueClosed
			}
			if pending != nil {
				r.logger.Debug("job_replaced",
					zap.String("old_kind", string(pending.Kind)),
					zap.String("new_kind", string(job.Kind)))
			}
			stop()
			pending = job
		case <-fire:
			timer, fire = nil, nil
			job := pending
			pending = nil
			r.run(ctx, s, job)
		}
	}
}

func (r *Runner) run(ctx context.Context, s Syncer, job *Job) {
	log := r.logger.With(
		zap.String("job_id", job.ID.String()),
		zap.String("kind", string(job.Kind)),
		zap.Int("retry_count", job.RetryCount))
	log.Debug("job_started")

	res := s.Run(ctx)
	if r.onResult != nil {
		r.onResult(job, res)
	}

	if !res.Retryable() {
		r.backoff.Reset()
		return
	}
	if ctx.Err() != nil {
		return
	}

	delay := r.backoff.NextBackOff()
	if delay == backoff.Stop {
		log.Warn("retry_budget_exhausted", zap.String("reason", string(res.Reason)))
		return
	}
	now := r.now()
	retry := NewJob(KindSyncRetry, now).After(now, delay)
	retry.Account = res.Account
	retry.RetryCount = job.RetryCount + 1
	if err := r.queue.Enqueue(ctx, retry); err != nil {
		log.Error("failed_to_enqueue_retry", zap.Error(err))
		return
	}
	log.Info("sync_retry_scheduled",
		zap.String("reason", string(res.Reason)),
		zap.Duration("delay", delay))
}
