package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Origin tells why an account's version changed.
type Origin int

const (
	// OriginLocalEdit is a user edit the cache layer already reflects.
	OriginLocalEdit Origin = iota
	// OriginSyncApplied is a completed sync the cache layer must reload.
	OriginSyncApplied
)

func (o Origin) String() string {
	switch o {
	case OriginLocalEdit:
		return "local_edit"
	case OriginSyncApplied:
		return "sync_applied"
	default:
		return "unknown"
	}
}

// VersionChange is delivered by WatchVersion after the version row of an
// account is written. Origin is the origin of the last write and is not
// affected by MarkProcessed. MustBeProcessed is the row's flag when it was
// read, so it stays set across a local edit that follows an unconsumed sync.
type VersionChange struct {
	Account         string
	DataVersion     string
	Origin          Origin
	MustBeProcessed bool
	Seq             int64
}

// WatchVersion streams version changes of account until ctx is cancelled,
// then closes the channel.
//
// Writes made through this Store wake the watcher immediately. Writes made by
// other processes sharing the database file are picked up by polling. Writes
// that land between two reads are coalesced into one event carrying the
// latest state.
func (s *Store) WatchVersion(ctx context.Context, account string) (<-chan VersionChange, error) {
	start, _, err := readVersion(ctx, s.db, account)
	if err != nil {
		return nil, wrap("watch_version", account, err)
	}

	wake, unsubscribe := s.notify.subscribe(account)
	out := make(chan VersionChange, 1)

	go func() {
		defer close(out)
		defer unsubscribe()

		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		lastSeq := start.Seq
		for {
			select {
			case <-ctx.Done():
				return
			case <-wake:
			case <-ticker.C:
			}

			v, ok, err := readVersion(ctx, s.db, account)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("failed_to_poll_version", zap.String("account", account), zap.Error(err))
				continue
			}
			if !ok || v.Seq == lastSeq {
				continue
			}
			lastSeq = v.Seq

			change := VersionChange{
				Account:         account,
				DataVersion:     v.DataVersion,
				Origin:          v.Origin,
				MustBeProcessed: v.MustBeProcessed,
				Seq:             v.Seq,
			}

			select {
			case out <- change:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// notifier wakes in-process watchers when an account's version is written.
type notifier struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[string]map[chan struct{}]struct{})}
}

func (n *notifier) subscribe(account string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if n.subs[account] == nil {
		n.subs[account] = make(map[chan struct{}]struct{})
	}
	n.subs[account][ch] = struct{}{}
	n.mu.Unlock()

	return ch, func() {
		n.mu.Lock()
		delete(n.subs[account], ch)
		if len(n.subs[account]) == 0 {
			delete(n.subs, account)
		}
		n.mu.Unlock()
	}
}

func (n *notifier) publish(account string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs[account] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
