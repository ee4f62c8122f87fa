package lock

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mschirtzinger/todosync/internal/remote"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

func putLock(t *testing.T, store *remote.MemoryStore, rec Record) {
	t.Helper()
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	store.Put(remote.LockFileName, data)
}

func getLock(t *testing.T, store *remote.MemoryStore) Record {
	t.Helper()
	data, ok := store.Get(remote.LockFileName)
	require.True(t, ok, "lock blob exists")
	var rec Record
	require.NoError(t, json.Unmarshal(data, &rec))
	return rec
}

func newLocker(t *testing.T, store remote.BlobStore, sleep Sleeper) *Locker {
	if sleep == nil {
		sleep = func(context.Context, time.Duration) error { return nil }
	}
	return New(store,
		WithClock(func() time.Time { return now }),
		WithSleeper(sleep),
		WithLogger(zaptest.NewLogger(t)),
	)
}

func TestTryAcquire_FreshStore(t *testing.T) {
	store := remote.NewMemoryStore()
	var slept time.Duration
	l := newLocker(t, store, func(_ context.Context, d time.Duration) error {
		slept = d
		return nil
	})

	ok, err := l.TryAcquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, ConfirmWait, slept)

	rec := getLock(t, store)
	assert.Equal(t, now.UnixMilli(), rec.LockStartMillis)
	assert.Equal(t, l.Owner(), rec.Owner())
	assert.Nil(t, rec.DataVersion)
}

func TestTryAcquire_HeldLockIsNotTouched(t *testing.T) {
	tests := []struct {
		name  string
		start time.Time
	}{
		{name: "taken recently", start: now.Add(-10 * time.Second)},
		{name: "taken just now", start: now},
		{name: "clock skew ahead", start: now.Add(30 * time.Second)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := remote.NewMemoryStore()
			putLock(t, store, Record{LockStartMillis: tt.start.UnixMilli(), LockOwner: strPtr("other")})

			slept := false
			l := newLocker(t, store, func(context.Context, time.Duration) error {
				slept = true
				return nil
			})

			ok, err := l.TryAcquire(context.Background())
			require.NoError(t, err)
			assert.False(t, ok)
			assert.False(t, slept)
			assert.Zero(t, store.Uploads(), "no write while held")
			assert.Equal(t, "other", getLock(t, store).Owner())
		})
	}
}

func TestTryAcquire_ExpiredOrReleased(t *testing.T) {
	tests := []struct {
		name string
		rec  Record
	}{
		{name: "expired", rec: Record{LockStartMillis: now.Add(-MaxLockDuration).UnixMilli(), LockOwner: strPtr("other"), DataVersion: strPtr("v7")}},
		{name: "released sentinel", rec: Record{LockStartMillis: Released, DataVersion: strPtr("v7")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := remote.NewMemoryStore()
			putLock(t, store, tt.rec)
			l := newLocker(t, store, nil)

			ok, err := l.TryAcquire(context.Background())
			require.NoError(t, err)
			assert.True(t, ok)

			rec := getLock(t, store)
			assert.Equal(t, l.Owner(), rec.Owner())
			require.NotNil(t, rec.DataVersion)
			assert.Equal(t, "v7", *rec.DataVersion, "data version is carried over")
		})
	}
}

func TestTryAcquire_UnreadableLockIsFree(t *testing.T) {
	store := remote.NewMemoryStore()
	store.Put(remote.LockFileName, []byte("not json"))
	l := newLocker(t, store, nil)

	ok, err := l.TryAcquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTryAcquire_LostRace(t *testing.T) {
	store := remote.NewMemoryStore()
	// Another device overwrites the lock while we wait.
	l := newLocker(t, store, func(context.Context, time.Duration) error {
		putLock(t, store, Record{LockStartMillis: now.UnixMilli(), LockOwner: strPtr("racer")})
		return nil
	})

	ok, err := l.TryAcquire(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "racer", getLock(t, store).Owner())
}

func TestTryAcquire_CancelledDuringConfirm(t *testing.T) {
	store := remote.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	l := newLocker(t, store, func(ctx context.Context, d time.Duration) error {
		cancel()
		return Sleep(ctx, d)
	})

	ok, err := l.TryAcquire(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTryAcquire_OwnerIsPerLocker(t *testing.T) {
	store := remote.NewMemoryStore()
	a := New(store)
	b := New(store)
	assert.NotEqual(t, a.Owner(), b.Owner())
}

func TestRelease(t *testing.T) {
	store := remote.NewMemoryStore()
	l := newLocker(t, store, nil)
	ctx := context.Background()

	ok, err := l.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Release(ctx, "v8"))

	rec := getLock(t, store)
	assert.Equal(t, Released, rec.LockStartMillis)
	assert.Nil(t, rec.LockOwner)
	require.NotNil(t, rec.DataVersion)
	assert.Equal(t, "v8", *rec.DataVersion)

	// A released lock can be taken right away.
	next := newLocker(t, store, nil)
	ok, err = next.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRecord_JSONShape(t *testing.T) {
	data, err := json.Marshal(Record{LockStartMillis: 0, DataVersion: strPtr("v")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"lockStartMillis":0,"lockOwner":null,"dataVersion":"v"}`, string(data))
}

func TestRead_MissingLock(t *testing.T) {
	l := newLocker(t, remote.NewMemoryStore(), nil)
	rec, err := l.Read(context.Background())
	require.NoError(t, err)
	assert.False(t, rec.HeldAt(now))
}

func TestSleep_ReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
