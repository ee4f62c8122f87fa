// Package propagation turns version changes of the active account into events
// for the in-memory cache layer.
//
// A Propagator holds at most one subscription, on the account passed to the
// last SetAccount call. Changes written by a sync (MustBeProcessed set) are
// reloaded and delivered as SyncApplied, then marked processed so each one is
// delivered once. Local edits are ignored: the cache layer made them and
// already reflects them.
package propagation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mschirtzinger/todosync/internal/model"
	"github.com/mschirtzinger/todosync/internal/store"
)

// ErrClosed is returned by SetAccount after Close.
var ErrClosed = errors.New("propagator closed")

// Kind tells what an Event carries.
type Kind int

const (
	// Loaded is the full snapshot of a newly selected account.
	Loaded Kind = iota
	// SyncApplied is the snapshot after a sync wrote new rows.
	SyncApplied
)

func (k Kind) String() string {
	switch k {
	case Loaded:
		return "snapshot_loaded"
	case SyncApplied:
		return "sync_applied"
	default:
		return "unknown"
	}
}

// Event is delivered on Events.
type Event struct {
	Kind     Kind
	Account  string
	Snapshot model.Snapshot
}

// Store is what the propagator needs from local storage.
type Store interface {
	ReadAll(ctx context.Context, account string) (model.Snapshot, error)
	GetVersion(ctx context.Context, account string) (model.Version, error)
	MarkProcessed(ctx context.Context, account, dataVersion string) (bool, error)
	WatchVersion(ctx context.Context, account string) (<-chan store.VersionChange, error)
}

// Propagator forwards sync-applied changes of one account at a time.
type Propagator struct {
	store  Store
	logger *zap.Logger
	events chan Event

	// switchMu serializes SetAccount. mu guards the fields below and is never
	// held while sending on events.
	switchMu sync.Mutex

	mu         sync.Mutex
	account    string
	cancel     context.CancelFunc
	done       chan struct{}
	loadCancel context.CancelFunc
	closed     bool
}

// New returns a Propagator with no active account.
func New(st Store, logger *zap.Logger) *Propagator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Propagator{
		store:  st,
		logger: logger,
		events: make(chan Event, 16),
	}
}

// Events returns the event stream. It has a single consumer and is closed by
// Close.
func (p *Propagator) Events() <-chan Event {
	return p.events
}

// Account returns the active account, or "" when none is selected.
func (p *Propagator) Account() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.account
}

// SetAccount switches the subscription to account. The previous subscription
// is cancelled and has exited before anything about the new account is
// emitted. An empty account only stops the current subscription.
//
// ctx bounds the initial load, not the lifetime of the subscription. If the
// consumer does not drain Events, SetAccount blocks until ctx is done or
// Close is called; Account and Close do not wait for it.
func (p *Propagator) SetAccount(ctx context.Context, account string) error {
	p.switchMu.Lock()
	defer p.switchMu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.stopLocked()
	p.account = account
	if account == "" {
		p.mu.Unlock()
		return nil
	}
	loadCtx, loadCancel := context.WithCancel(ctx)
	p.loadCancel = loadCancel
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.loadCancel = nil
		p.mu.Unlock()
		loadCancel()
	}()

	watchCtx, cancel := context.WithCancel(context.Background())
	if err := p.load(loadCtx, watchCtx, account, cancel); err != nil {
		cancel()
		if p.isClosed() {
			return ErrClosed
		}
		return err
	}
	return nil
}

// load emits Loaded for account and starts its subscription under watchCtx.
func (p *Propagator) load(ctx, watchCtx context.Context, account string, cancel context.CancelFunc) error {
	// Subscribe before loading so a sync landing in between is not lost.
	changes, err := p.store.WatchVersion(watchCtx, account)
	if err != nil {
		return fmt.Errorf("failed to watch account %s: %w", account, err)
	}

	snap, err := p.store.ReadAll(ctx, account)
	if err != nil {
		return fmt.Errorf("failed to load account %s: %w", account, err)
	}
	if err := p.emit(ctx, Event{Kind: Loaded, Account: account, Snapshot: snap}); err != nil {
		return err
	}
	// The loaded snapshot already contains any pending sync result.
	if snap.Version.MustBeProcessed {
		if _, err := p.store.MarkProcessed(ctx, account, snap.Version.DataVersion); err != nil {
			p.logger.Warn("failed_to_mark_processed", zap.String("account", account), zap.Error(err))
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	go p.run(watchCtx, account, changes, done)

	p.logger.Debug("account_subscribed", zap.String("account", account))
	return nil
}

func (p *Propagator) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close stops the subscription, aborts a SetAccount in progress and closes
// the event stream.
func (p *Propagator) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.loadCancel != nil {
		p.loadCancel()
	}
	p.stopLocked()
	p.mu.Unlock()

	// Wait for an aborted SetAccount to stop sending before closing.
	p.switchMu.Lock()
	close(p.events)
	p.switchMu.Unlock()
	return nil
}

// stopLocked cancels the running subscription and waits for it to exit.
func (p *Propagator) stopLocked() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel = nil
	p.done = nil
}

func (p *Propagator) run(ctx context.Context, account string, changes <-chan store.VersionChange, done chan struct{}) {
	defer close(done)

	log := p.logger.With(zap.String("account", account))
	for change := range changes {
		if !change.MustBeProcessed {
			continue
		}
		if err := p.apply(ctx, account); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("failed_to_apply_sync", zap.Int64("seq", change.Seq), zap.Error(err))
		}
	}
}

// apply reloads the account and emits SyncApplied if the version is still
// pending. The flag is re-read because coalesced or stale notifications may
// refer to a change that was already consumed.
func (p *Propagator) apply(ctx context.Context, account string) error {
	v, err := p.store.GetVersion(ctx, account)
	if err != nil {
		return err
	}
	if !v.MustBeProcessed {
		return nil
	}

	snap, err := p.store.ReadAll(ctx, account)
	if err != nil {
		return err
	}
	if err := p.emit(ctx, Event{Kind: SyncApplied, Account: account, Snapshot: snap}); err != nil {
		return err
	}
	p.logger.Info("sync_applied",
		zap.String("account", account),
		zap.String("data_version", snap.Version.DataVersion),
		zap.Int("tasks", len(snap.ActiveTasks())))

	// If another sync landed after ReadAll the flag stays set and its own
	// notification reloads again.
	_, err = p.store.MarkProcessed(ctx, account, snap.Version.DataVersion)
	return err
}

func (p *Propagator) emit(ctx context.Context, ev Event) error {
	select {
	case p.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
