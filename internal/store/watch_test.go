package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/todosync/internal/model"
)

func nextChange(t *testing.T, ch <-chan VersionChange) VersionChange {
	t.Helper()
	select {
	case c, ok := <-ch:
		require.True(t, ok, "channel closed")
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for version change")
		return VersionChange{}
	}
}

func assertQuiet(t *testing.T, ch <-chan VersionChange, d time.Duration) {
	t.Helper()
	select {
	case c := <-ch:
		t.Fatalf("unexpected version change: %+v", c)
	case <-time.After(d):
	}
}

func TestWatchVersion_Origins(t *testing.T) {
	s := openTestStore(t, WithPollInterval(20*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.WatchVersion(ctx, account)
	require.NoError(t, err)

	v, err := s.BumpVersion(ctx, account, true)
	require.NoError(t, err)
	c := nextChange(t, ch)
	assert.Equal(t, OriginSyncApplied, c.Origin)
	assert.Equal(t, v.DataVersion, c.DataVersion)
	assert.True(t, c.MustBeProcessed)

	_, err = s.MarkProcessed(ctx, account, v.DataVersion)
	require.NoError(t, err)
	assertQuiet(t, ch, 100*time.Millisecond)

	addTasks(t, s, 0, "a")
	c = nextChange(t, ch)
	assert.Equal(t, OriginLocalEdit, c.Origin)
	assert.Equal(t, account, c.Account)
}

func TestWatchVersion_OtherAccountIgnored(t *testing.T) {
	s := openTestStore(t, WithPollInterval(20*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.WatchVersion(ctx, account)
	require.NoError(t, err)

	_, err = s.BumpVersion(ctx, "bob@example.com", true)
	require.NoError(t, err)
	assertQuiet(t, ch, 100*time.Millisecond)
}

func TestWatchVersion_SeesOtherConnection(t *testing.T) {
	path := testDBPath(t)
	watcher, err := Open(path, WithPollInterval(20*time.Millisecond))
	require.NoError(t, err)
	defer watcher.Close()
	writer, err := Open(path)
	require.NoError(t, err)
	defer writer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := watcher.WatchVersion(ctx, account)
	require.NoError(t, err)

	snap := model.EmptySnapshot(account)
	require.NoError(t, writer.ReplaceIfVersion(ctx, account, "", snap))

	c := nextChange(t, ch)
	assert.Equal(t, snap.Version.DataVersion, c.DataVersion)
	assert.Equal(t, OriginSyncApplied, c.Origin)
}

func TestWatchVersion_OriginSurvivesMarkProcessed(t *testing.T) {
	path := testDBPath(t)
	// The poll interval is long enough for the writer to clear the flag
	// before the watcher reads the row.
	watcher, err := Open(path, WithPollInterval(300*time.Millisecond))
	require.NoError(t, err)
	defer watcher.Close()
	writer, err := Open(path)
	require.NoError(t, err)
	defer writer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := watcher.WatchVersion(ctx, account)
	require.NoError(t, err)

	snap := model.EmptySnapshot(account)
	require.NoError(t, writer.ReplaceIfVersion(ctx, account, "", snap))
	cleared, err := writer.MarkProcessed(ctx, account, snap.Version.DataVersion)
	require.NoError(t, err)
	require.True(t, cleared)

	c := nextChange(t, ch)
	assert.Equal(t, OriginSyncApplied, c.Origin, "a consumed sync is still reported as a sync")
	assert.False(t, c.MustBeProcessed)
}

func TestWatchVersion_LocalEditAfterPendingSync(t *testing.T) {
	s := openTestStore(t, WithPollInterval(20*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := s.BumpVersion(ctx, account, true)
	require.NoError(t, err)
	ch, err := s.WatchVersion(ctx, account)
	require.NoError(t, err)

	addTasks(t, s, 0, "a")
	c := nextChange(t, ch)
	assert.Equal(t, OriginLocalEdit, c.Origin)
	assert.True(t, c.MustBeProcessed, "the unconsumed sync stays pending")
}

func TestWatchVersion_CancelClosesChannel(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := s.WatchVersion(ctx, account)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestOrigin_String(t *testing.T) {
	assert.Equal(t, "local_edit", OriginLocalEdit.String())
	assert.Equal(t, "sync_applied", OriginSyncApplied.String())
}
