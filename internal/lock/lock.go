// Package lock implements the advisory lock devices take on the remote store
// before syncing.
//
// The remote store has no atomic primitives, so the lock is a plain blob
// written optimistically and confirmed by re-reading it after ConfirmWait.
// Two devices that write and re-read within the same window can both believe
// they hold the lock. The protocol makes that unlikely, not impossible; the
// local optimistic version check in the sync orchestrator is what protects
// user data.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mschirtzinger/todosync/internal/remote"
)

const (
	// MaxLockDuration is how long a lock is honoured after it was taken.
	MaxLockDuration = 60 * time.Second
	// ConfirmWait is how long to wait before re-reading a freshly written
	// lock.
	ConfirmWait = 3 * time.Second
)

// Released is the lockStartMillis value of a lock nobody holds.
const Released int64 = 0

// Record is the content of the lock blob.
type Record struct {
	LockStartMillis int64   `json:"lockStartMillis"`
	LockOwner       *string `json:"lockOwner"`
	DataVersion     *string `json:"dataVersion"`
}

// HeldAt reports whether the lock is still held at now. Clock skew between
// devices is tolerated by measuring the distance in both directions.
func (r Record) HeldAt(now time.Time) bool {
	d := now.UnixMilli() - r.LockStartMillis
	if d < 0 {
		d = -d
	}
	return d < MaxLockDuration.Milliseconds()
}

// Owner returns the owner or "" when unset.
func (r Record) Owner() string {
	if r.LockOwner == nil {
		return ""
	}
	return *r.LockOwner
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Locker takes and releases the lock of one account's blob store. Each
// Locker has its own random owner identity, so use a new one per sync
// attempt.
type Locker struct {
	store  remote.BlobStore
	now    func() time.Time
	sleep  Sleeper
	owner  string
	logger *zap.Logger
	lockID string
}

// Option configures a Locker.
type Option func(*Locker)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(l *Locker) { l.now = now }
}

// WithSleeper overrides the confirmation sleep.
func WithSleeper(s Sleeper) Option {
	return func(l *Locker) { l.sleep = s }
}

// WithOwner sets the owner identity instead of a random one.
func WithOwner(owner string) Option {
	return func(l *Locker) { l.owner = owner }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Locker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New returns a Locker on store.
func New(store remote.BlobStore, opts ...Option) *Locker {
	l := &Locker{
		store:  store,
		now:    time.Now,
		sleep:  Sleep,
		owner:  uuid.NewString(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Owner returns the identity this Locker writes into the lock.
func (l *Locker) Owner() string {
	return l.owner
}

// TryAcquire attempts to take the lock. It returns false without writing
// anything if another device holds it, and false after writing if another
// device overwrote the record during the confirmation wait. Errors come from
// the blob store or from ctx.
func (l *Locker) TryAcquire(ctx context.Context) (bool, error) {
	id, err := l.blobID(ctx)
	if err != nil {
		return false, err
	}

	current, err := l.read(ctx, id)
	if err != nil {
		return false, err
	}
	now := l.now()
	if current.HeldAt(now) {
		l.logger.Debug("lock_held",
			zap.String("owner", current.Owner()),
			zap.Int64("lock_start", current.LockStartMillis))
		return false, nil
	}

	mine := Record{
		LockStartMillis: now.UnixMilli(),
		LockOwner:       &l.owner,
		DataVersion:     current.DataVersion,
	}
	if err := l.write(ctx, id, mine); err != nil {
		return false, err
	}

	if err := l.sleep(ctx, ConfirmWait); err != nil {
		return false, fmt.Errorf("lock confirmation interrupted: %w", err)
	}

	confirmed, err := l.read(ctx, id)
	if err != nil {
		return false, err
	}
	if confirmed.Owner() != l.owner {
		l.logger.Info("lock_lost_during_confirmation", zap.String("winner", confirmed.Owner()))
		return false, nil
	}
	return true, nil
}

// Release marks the lock as free and records dataVersion as the last synced
// version.
func (l *Locker) Release(ctx context.Context, dataVersion string) error {
	id, err := l.blobID(ctx)
	if err != nil {
		return err
	}
	return l.write(ctx, id, Record{
		LockStartMillis: Released,
		DataVersion:     &dataVersion,
	})
}

// Read returns the current lock record. A missing or unreadable record reads
// as released.
func (l *Locker) Read(ctx context.Context) (Record, error) {
	id, err := l.store.FileIDByName(ctx, remote.LockFileName)
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			return Record{}, nil
		}
		return Record{}, fmt.Errorf("failed to find lock: %w", err)
	}
	return l.read(ctx, id)
}

func (l *Locker) blobID(ctx context.Context) (string, error) {
	if l.lockID != "" {
		return l.lockID, nil
	}
	id, err := remote.FindOrCreate(ctx, l.store, remote.LockFileName)
	if err != nil {
		return "", fmt.Errorf("failed to open lock: %w", err)
	}
	l.lockID = id
	return id, nil
}

func (l *Locker) read(ctx context.Context, id string) (Record, error) {
	data, err := l.store.Download(ctx, id)
	if err != nil {
		return Record{}, fmt.Errorf("failed to read lock: %w", err)
	}
	var rec Record
	if len(data) == 0 {
		return rec, nil
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		l.logger.Warn("unreadable_lock_record_treated_as_released", zap.Error(err))
		return Record{}, nil
	}
	return rec, nil
}

func (l *Locker) write(ctx context.Context, id string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal lock: %w", err)
	}
	if err := l.store.Upload(ctx, id, data); err != nil {
		return fmt.Errorf("failed to write lock: %w", err)
	}
	return nil
}
