package sync

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"

	"github.com/mschirtzinger/todosync/internal/lock"
	"github.com/mschirtzinger/todosync/internal/model"
	"github.com/mschirtzinger/todosync/internal/remote"
	"github.com/mschirtzinger/todosync/internal/store"
)

const account = "alice@example.com"

type fakeScheduler struct {
	mu       stdsync.Mutex
	calls    int
	interval time.Duration
	flex     time.Duration
	err      error
}

func (f *fakeScheduler) SchedulePeriodic(_ context.Context, interval, flex time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.interval = interval
	f.flex = flex
	return f.err
}

type fixture struct {
	store     *store.Store
	connector *remote.MemoryConnector
	scheduler *fakeScheduler
	cfg       Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "todo.db"), store.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.SetSyncAccount(context.Background(), account))

	f := &fixture{
		store:     st,
		connector: remote.NewMemoryConnector(),
		scheduler: &fakeScheduler{},
	}
	f.cfg = Config{
		Prefs:     st,
		Store:     st,
		Connector: f.connector,
		Scheduler: f.scheduler,
		Logger:    zaptest.NewLogger(t),
		Sleep:     func(context.Context, time.Duration) error { return nil },
	}
	return f
}

func (f *fixture) remote() *remote.MemoryStore {
	return f.connector.Store(account)
}

func (f *fixture) addLocal(t *testing.T, titles ...string) {
	t.Helper()
	err := f.store.Mutate(context.Background(), account, func(tx *store.Tx) error {
		for _, title := range titles {
			if _, err := tx.AddTask(model.Task{Title: title}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func (f *fixture) putRemote(t *testing.T, snap model.Snapshot) {
	t.Helper()
	data, err := remote.EncodeSnapshot(snap)
	require.NoError(t, err)
	f.remote().Put(remote.DataFileName, data)
}

func (f *fixture) readRemote(t *testing.T) model.Snapshot {
	t.Helper()
	data, ok := f.remote().Get(remote.DataFileName)
	require.True(t, ok, "data blob exists")
	snap, err := remote.DecodeSnapshot(account, data)
	require.NoError(t, err)
	return snap
}

func (f *fixture) readLock(t *testing.T) lock.Record {
	t.Helper()
	data, ok := f.remote().Get(remote.LockFileName)
	require.True(t, ok, "lock blob exists")
	var rec lock.Record
	require.NoError(t, json.Unmarshal(data, &rec))
	return rec
}

func remoteSnapshot(titles ...string) model.Snapshot {
	s := model.EmptySnapshot(account)
	for i, title := range titles {
		s.Tasks = append(s.Tasks, model.Task{
			ID:           model.NewVersionToken(),
			Account:      account,
			Position:     i,
			Title:        title,
			Period:       model.PeriodNone,
			LastModified: 1,
		})
	}
	return s
}

func titles(snap model.Snapshot) []string {
	var out []string
	for _, task := range snap.ActiveTasks() {
		out = append(out, task.Title)
	}
	return out
}

func TestRun_Disabled(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SetSyncAccount(context.Background(), "  "))

	connected := false
	f.cfg.Connector = remote.ConnectorFunc(func(context.Context, string) (remote.BlobStore, error) {
		connected = true
		return nil, nil
	})

	res := New(f.cfg).Run(context.Background())
	assert.Equal(t, Success, res.Outcome)
	assert.Equal(t, ReasonDisabled, res.Reason)
	assert.False(t, connected, "no remote work when disabled")
	assert.Zero(t, f.scheduler.calls)
}

func TestRun_ConnectFailure(t *testing.T) {
	f := newFixture(t)
	f.cfg.Connector = remote.ConnectorFunc(func(context.Context, string) (remote.BlobStore, error) {
		return nil, errors.New("no network")
	})

	res := New(f.cfg).Run(context.Background())
	assert.Equal(t, Retry, res.Outcome)
	assert.Equal(t, ReasonConnectFailed, res.Reason)
	assert.True(t, res.Retryable())
	assert.ErrorContains(t, res.Err, "no network")
}

func TestRun_LockContended(t *testing.T) {
	f := newFixture(t)
	f.addLocal(t, "local")
	before, err := f.store.ReadAll(context.Background(), account)
	require.NoError(t, err)

	owner := "other-device"
	held, err := json.Marshal(lock.Record{LockStartMillis: time.Now().UnixMilli(), LockOwner: &owner})
	require.NoError(t, err)
	f.remote().Put(remote.LockFileName, held)

	res := New(f.cfg).Run(context.Background())
	assert.Equal(t, Retry, res.Outcome)
	assert.Equal(t, ReasonLockContended, res.Reason)
	assert.NoError(t, res.Err)

	assert.Zero(t, f.remote().Uploads(), "remote untouched")
	_, ok := f.remote().Get(remote.DataFileName)
	assert.False(t, ok)
	after, err := f.store.ReadAll(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, before.Version.DataVersion, after.Version.DataVersion)
}

func TestRun_MergesBothSides(t *testing.T) {
	f := newFixture(t)
	f.addLocal(t, "from phone")
	f.putRemote(t, remoteSnapshot("from laptop"))

	res := New(f.cfg).Run(context.Background())
	require.Equal(t, Success, res.Outcome, "err: %v", res.Err)
	assert.Equal(t, ReasonSynced, res.Reason)
	assert.Equal(t, account, res.Account)

	local, err := f.store.ReadAll(context.Background(), account)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"from phone", "from laptop"}, titles(local))
	assert.Equal(t, res.Version, local.Version.DataVersion)
	assert.True(t, local.Version.MustBeProcessed, "sync writes are flagged for the cache layer")

	up := f.readRemote(t)
	assert.ElementsMatch(t, []string{"from phone", "from laptop"}, titles(up))
	assert.Equal(t, res.Version, up.Version.DataVersion)
	assert.False(t, up.Version.MustBeProcessed)

	rec := f.readLock(t)
	assert.Equal(t, lock.Released, rec.LockStartMillis)
	assert.Nil(t, rec.LockOwner)
	require.NotNil(t, rec.DataVersion)
	assert.Equal(t, res.Version, *rec.DataVersion)

	assert.Equal(t, 1, f.scheduler.calls)
	assert.Equal(t, PeriodicInterval, f.scheduler.interval)
	assert.Equal(t, PeriodicFlex, f.scheduler.flex)
}

func TestRun_SecondRunIsStable(t *testing.T) {
	f := newFixture(t)
	f.addLocal(t, "only")
	o := New(f.cfg)

	first := o.Run(context.Background())
	require.Equal(t, Success, first.Outcome, "err: %v", first.Err)
	second := o.Run(context.Background())
	require.Equal(t, Success, second.Outcome, "err: %v", second.Err)

	assert.Equal(t, first.Version, second.Version, "in-sync sides keep their version")
}

func TestRun_SchedulerErrorIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.scheduler.err = errors.New("queue down")

	res := New(f.cfg).Run(context.Background())
	assert.Equal(t, Success, res.Outcome)
	assert.Equal(t, 1, f.scheduler.calls)
}

func TestRun_CorruptRemoteReadsAsEmpty(t *testing.T) {
	f := newFixture(t)
	f.addLocal(t, "survivor")
	f.remote().Put(remote.DataFileName, []byte("{not json"))

	res := New(f.cfg).Run(context.Background())
	require.Equal(t, Success, res.Outcome, "err: %v", res.Err)
	assert.Equal(t, []string{"survivor"}, titles(f.readRemote(t)))
}

// flakyStore fails lookups of the data blob the way a dropped connection
// would.
type flakyStore struct {
	*remote.MemoryStore
}

func (s flakyStore) FileIDByName(ctx context.Context, name string) (string, error) {
	if name == remote.DataFileName {
		return "", errors.New("connection reset")
	}
	return s.MemoryStore.FileIDByName(ctx, name)
}

func TestRun_FetchTransportError(t *testing.T) {
	f := newFixture(t)
	f.addLocal(t, "local")
	mem := remote.NewMemoryStore()
	f.cfg.Connector = remote.ConnectorFunc(func(context.Context, string) (remote.BlobStore, error) {
		return flakyStore{mem}, nil
	})

	res := New(f.cfg).Run(context.Background())
	assert.Equal(t, Retry, res.Outcome)
	assert.Equal(t, ReasonFetchFailed, res.Reason)
	assert.ErrorContains(t, res.Err, "connection reset")
	_, ok := mem.Get(remote.DataFileName)
	assert.False(t, ok, "nothing written")
}

func TestRun_Timeout(t *testing.T) {
	f := newFixture(t)
	f.addLocal(t, "local")
	before, err := f.store.ReadAll(context.Background(), account)
	require.NoError(t, err)

	// Every reading of the clock moves it forward past the budget.
	var mu stdsync.Mutex
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f.cfg.Clock = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(SyncTimeout + time.Second)
		return clock
	}

	res := New(f.cfg).Run(context.Background())
	assert.Equal(t, Retry, res.Outcome)
	assert.Equal(t, ReasonTimeout, res.Reason)

	_, ok := f.remote().Get(remote.DataFileName)
	assert.False(t, ok, "no data uploaded after the deadline")
	after, err := f.store.ReadAll(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, before.Version.DataVersion, after.Version.DataVersion)
	assert.Zero(t, f.scheduler.calls)
}

// editingStore applies a user edit just before the orchestrator's local
// write, as if the user typed while the sync was running.
type editingStore struct {
	*store.Store
	edit func()
}

func (s editingStore) ReplaceIfVersion(ctx context.Context, account, expected string, snap model.Snapshot) error {
	s.edit()
	return s.Store.ReplaceIfVersion(ctx, account, expected, snap)
}

func TestRun_ConcurrentEditAbortsLocalWrite(t *testing.T) {
	f := newFixture(t)
	f.addLocal(t, "first")
	f.putRemote(t, remoteSnapshot("remote"))

	f.cfg.Store = editingStore{Store: f.store, edit: func() { f.addLocal(t, "typed during sync") }}

	res := New(f.cfg).Run(context.Background())
	assert.Equal(t, Retry, res.Outcome)
	assert.Equal(t, ReasonVersionConflict, res.Reason)
	assert.ErrorIs(t, res.Err, store.ErrVersionConflict)

	local, err := f.store.ReadAll(context.Background(), account)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"first", "typed during sync"}, titles(local), "edit survives, remote rows not applied")
	assert.False(t, local.Version.MustBeProcessed)
	assert.Zero(t, f.scheduler.calls)

	// The next attempt picks the edit up.
	f.cfg.Store = f.store
	res = New(f.cfg).Run(context.Background())
	require.Equal(t, Success, res.Outcome, "err: %v", res.Err)
	local, err = f.store.ReadAll(context.Background(), account)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"first", "typed during sync", "remote"}, titles(local))
}

type failingPrefs struct{}

func (failingPrefs) SyncAccount(context.Context) (string, error) {
	return "", errors.New("disk I/O error")
}

func TestRun_PrefsFailure(t *testing.T) {
	f := newFixture(t)
	f.cfg.Prefs = failingPrefs{}

	res := New(f.cfg).Run(context.Background())
	assert.Equal(t, Retry, res.Outcome)
	assert.Equal(t, ReasonStorageFailed, res.Reason)
}

func TestRun_Spans(t *testing.T) {
	f := newFixture(t)
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	f.cfg.Tracer = tp.Tracer("test")

	res := New(f.cfg).Run(context.Background())
	require.Equal(t, Success, res.Outcome, "err: %v", res.Err)

	spans := exporter.GetSpans()
	names := make([]string, 0, len(spans))
	var root tracetest.SpanStub
	for _, s := range spans {
		names = append(names, s.Name)
		if s.Name == "sync.run" {
			root = s
		}
	}
	assert.ElementsMatch(t,
		[]string{"sync.run", "connect", "lock", "fetch", "merge", "write_remote", "write_local"},
		names)
	assert.Contains(t, root.Attributes, attribute.String("todosync.outcome", "success"))
	assert.Contains(t, root.Attributes, attribute.String("todosync.reason", "synced"))
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "success", Success.String())
	assert.Equal(t, "retry", Retry.String())
	assert.Equal(t, "unknown", Outcome(9).String())
}
