// Package jobs schedules sync attempts: an immediate sync after an edit, a
// delayed retry after a failed attempt and the periodic sync after a
// successful one.
//
// At most one sync job is pending at a time. Enqueueing a job replaces the
// pending one, so a burst of edits results in a single attempt.
package jobs

import (
	"time"

	"github.com/google/uuid"
)

// Kind represents why a sync job was queued.
type Kind string

const (
	// KindSyncNow is a sync requested by the user or by a local or remote change.
	KindSyncNow Kind = "sync_now"
	// KindSyncPeriodic is the repeat queued after a successful sync.
	KindSyncPeriodic Kind = "sync_periodic"
	// KindSyncRetry is the delayed re-run of an attempt that ended in Retry.
	KindSyncRetry Kind = "sync_retry"
)

// Job represents a sync job in the queue
type Job struct {
	ID         uuid.UUID  `json:"id"`
	Kind       Kind       `json:"kind"`
	Account    string     `json:"account,omitempty"`
	NotBefore  *time.Time `json:"not_before,omitempty"` // Earliest time to run (nil = immediate)
	CreatedAt  time.Time  `json:"created_at"`
	RetryCount int        `json:"retry_count"`
	Generation int64      `json:"generation"` // Jobs with a lower generation are superseded
}

// NewJob creates a job of the given kind stamped with now.
func NewJob(kind Kind, now time.Time) *Job {
	return &Job{
		ID:         uuid.New(),
		Kind:       kind,
		CreatedAt:  now,
		Generation: now.UnixNano(),
	}
}

// After sets the job's earliest start to now+d and returns the job.
func (j *Job) After(now time.Time, d time.Duration) *Job {
	t := now.Add(d)
	j.NotBefore = &t
	return j
}

// Delay returns how long to wait before the job may run.
func (j *Job) Delay(now time.Time) time.Duration {
	if j.NotBefore == nil {
		return 0
	}
	if d := j.NotBefore.Sub(now); d > 0 {
		return d
	}
	return 0
}
