package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mschirtzinger/todosync/internal/lock"
	"github.com/mschirtzinger/todosync/internal/merge"
	"github.com/mschirtzinger/todosync/internal/model"
	"github.com/mschirtzinger/todosync/internal/remote"
	"github.com/mschirtzinger/todosync/internal/store"
)

const (
	// SyncTimeout bounds the time from the start of the fetch to the end of
	// the merge. Past it, nothing is written.
	SyncTimeout = 30 * time.Second
	// PeriodicInterval is how often a successful sync is repeated.
	PeriodicInterval = 15 * time.Minute
	// PeriodicFlex is how early within the interval the repeat may run.
	PeriodicFlex = 5 * time.Minute
)

// AccountSource returns the configured sync account. "" disables sync.
type AccountSource interface {
	SyncAccount(ctx context.Context) (string, error)
}

// SnapshotStore is the local storage the orchestrator reads and writes.
type SnapshotStore interface {
	ReadAll(ctx context.Context, account string) (model.Snapshot, error)
	ReplaceIfVersion(ctx context.Context, account, expected string, snap model.Snapshot) error
}

// Scheduler queues the next periodic attempt.
type Scheduler interface {
	SchedulePeriodic(ctx context.Context, interval, flex time.Duration) error
}

// Config holds the orchestrator's collaborators. Prefs, Store and Connector
// are required.
type Config struct {
	Prefs     AccountSource
	Store     SnapshotStore
	Connector remote.Connector
	Scheduler Scheduler
	Logger    *zap.Logger
	Tracer    trace.Tracer
	Clock     func() time.Time
	Sleep     lock.Sleeper
}

// AccountContext is the account an attempt works on together with its two
// stores.
type AccountContext struct {
	Account string
	Store   SnapshotStore
	Remote  remote.BlobStore
}

// Orchestrator runs sync attempts. It keeps no state between attempts.
type Orchestrator struct {
	cfg Config
}

// New returns an Orchestrator, filling in defaults for optional fields.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/mschirtzinger/todosync/internal/sync")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = lock.Sleep
	}
	return &Orchestrator{cfg: cfg}
}

// Run performs one attempt and returns its terminal result.
func (o *Orchestrator) Run(ctx context.Context) Result {
	started := o.cfg.Clock()
	ctx, span := o.cfg.Tracer.Start(ctx, "sync.run")
	defer span.End()

	res := o.run(ctx)
	res.Duration = o.cfg.Clock().Sub(started)

	span.SetAttributes(
		attribute.String("todosync.outcome", res.Outcome.String()),
		attribute.String("todosync.reason", string(res.Reason)),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, string(res.Reason))
	}
	o.logResult(res)
	return res
}

func (o *Orchestrator) run(ctx context.Context) Result {
	account, err := o.cfg.Prefs.SyncAccount(ctx)
	if err != nil {
		return retry(ReasonStorageFailed, "", fmt.Errorf("failed to read sync account: %w", err))
	}
	if account == "" {
		return Result{Outcome: Success, Reason: ReasonDisabled}
	}

	ac, err := o.connect(ctx, account)
	if err != nil {
		return retry(ReasonConnectFailed, account, err)
	}

	locker := lock.New(ac.Remote,
		lock.WithClock(o.cfg.Clock),
		lock.WithSleeper(o.cfg.Sleep),
		lock.WithLogger(o.cfg.Logger.With(zap.String("account", account))),
	)
	acquired, err := o.acquire(ctx, locker)
	if err != nil {
		return retry(ReasonLockFailed, account, err)
	}
	if !acquired {
		return retry(ReasonLockContended, account, nil)
	}

	fetchStart := o.cfg.Clock()
	local, remoteSnap, err := o.fetch(ctx, ac)
	if err != nil {
		return retry(ReasonFetchFailed, account, err)
	}

	oldVersion := local.Version.DataVersion
	merged := o.merge(ctx, local, remoteSnap)

	if elapsed := o.cfg.Clock().Sub(fetchStart); elapsed > SyncTimeout {
		return retry(ReasonTimeout, account,
			fmt.Errorf("sync took %s, budget is %s", elapsed.Round(time.Millisecond), SyncTimeout))
	}

	if err := o.writeRemote(ctx, ac, locker, merged); err != nil {
		return retry(ReasonRemoteWriteFailed, account, err)
	}

	if err := o.writeLocal(ctx, ac, oldVersion, merged); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return retry(ReasonVersionConflict, account, err)
		}
		return retry(ReasonStorageFailed, account, err)
	}

	if o.cfg.Scheduler != nil {
		if err := o.cfg.Scheduler.SchedulePeriodic(ctx, PeriodicInterval, PeriodicFlex); err != nil {
			o.cfg.Logger.Warn("failed_to_schedule_periodic_sync", zap.String("account", account), zap.Error(err))
		}
	}

	return Result{
		Outcome: Success,
		Reason:  ReasonSynced,
		Account: account,
		Version: merged.Version.DataVersion,
	}
}

func retry(reason Reason, account string, err error) Result {
	return Result{Outcome: Retry, Reason: reason, Account: account, Err: err}
}

func (o *Orchestrator) phase(ctx context.Context, name string) (context.Context, trace.Span) {
	return o.cfg.Tracer.Start(ctx, name)
}

func endPhase(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (o *Orchestrator) connect(ctx context.Context, account string) (ac AccountContext, err error) {
	ctx, span := o.phase(ctx, "connect")
	defer func() { endPhase(span, err) }()

	blobs, err := o.cfg.Connector.Connect(ctx, account)
	if err != nil {
		return AccountContext{}, fmt.Errorf("failed to connect to remote store: %w", err)
	}
	return AccountContext{Account: account, Store: o.cfg.Store, Remote: blobs}, nil
}

func (o *Orchestrator) acquire(ctx context.Context, locker *lock.Locker) (ok bool, err error) {
	ctx, span := o.phase(ctx, "lock")
	defer func() {
		span.SetAttributes(attribute.Bool("todosync.lock_acquired", ok))
		endPhase(span, err)
	}()

	ok, err = locker.TryAcquire(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to acquire remote lock: %w", err)
	}
	return ok, nil
}

// fetch reads both snapshots concurrently. Either failure fails the fetch.
func (o *Orchestrator) fetch(ctx context.Context, ac AccountContext) (local, remoteSnap model.Snapshot, err error) {
	ctx, span := o.phase(ctx, "fetch")
	defer func() { endPhase(span, err) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := ac.Store.ReadAll(gctx, ac.Account)
		if err != nil {
			return fmt.Errorf("failed to read local snapshot: %w", err)
		}
		local = s
		return nil
	})
	g.Go(func() error {
		s, err := o.fetchRemote(gctx, ac)
		if err != nil {
			return fmt.Errorf("failed to read remote snapshot: %w", err)
		}
		remoteSnap = s
		return nil
	})
	if err := g.Wait(); err != nil {
		return model.Snapshot{}, model.Snapshot{}, err
	}
	return local, remoteSnap, nil
}

// fetchRemote downloads and decodes the data blob. A missing or corrupt blob
// reads as an empty snapshot so one bad write cannot block every later sync.
// Transport errors are returned: a network fault must not look like an empty
// remote.
func (o *Orchestrator) fetchRemote(ctx context.Context, ac AccountContext) (model.Snapshot, error) {
	id, err := ac.Remote.FileIDByName(ctx, remote.DataFileName)
	if errors.Is(err, remote.ErrNotFound) {
		return model.EmptySnapshot(ac.Account), nil
	}
	if err != nil {
		return model.Snapshot{}, err
	}

	data, err := ac.Remote.Download(ctx, id)
	if errors.Is(err, remote.ErrNotFound) {
		return model.EmptySnapshot(ac.Account), nil
	}
	if err != nil {
		return model.Snapshot{}, err
	}

	snap, err := remote.DecodeSnapshot(ac.Account, data)
	if err != nil {
		o.cfg.Logger.Warn("remote_snapshot_unreadable",
			zap.String("account", ac.Account),
			zap.Int("bytes", len(data)),
			zap.Error(err))
		return model.EmptySnapshot(ac.Account), nil
	}
	return snap, nil
}

func (o *Orchestrator) merge(ctx context.Context, local, remoteSnap model.Snapshot) model.Snapshot {
	_, span := o.phase(ctx, "merge")
	defer span.End()

	merged, st := merge.MergeWithStats(local, remoteSnap)
	span.SetAttributes(
		attribute.Bool("todosync.fast_path", st.FastPath),
		attribute.Int("todosync.from_local", st.FromLocal),
		attribute.Int("todosync.from_remote", st.FromRemote),
		attribute.Int("todosync.ties", st.Ties),
		attribute.Int("todosync.dropped", st.Dropped),
	)
	o.cfg.Logger.Debug("snapshots_merged",
		zap.String("account", local.Account),
		zap.Bool("fast_path", st.FastPath),
		zap.Int("from_local", st.FromLocal),
		zap.Int("from_remote", st.FromRemote),
		zap.Int("ties", st.Ties),
		zap.Int("dropped", st.Dropped),
		zap.Bool("new_version", st.NewVersion))
	return merged
}

func (o *Orchestrator) writeRemote(ctx context.Context, ac AccountContext, locker *lock.Locker, merged model.Snapshot) (err error) {
	ctx, span := o.phase(ctx, "write_remote")
	defer func() { endPhase(span, err) }()

	data, err := remote.EncodeSnapshot(merged)
	if err != nil {
		return err
	}
	id, err := remote.FindOrCreate(ctx, ac.Remote, remote.DataFileName)
	if err != nil {
		return fmt.Errorf("failed to open remote data blob: %w", err)
	}
	if err := ac.Remote.Upload(ctx, id, data); err != nil {
		return fmt.Errorf("failed to upload remote data blob: %w", err)
	}
	if err := locker.Release(ctx, merged.Version.DataVersion); err != nil {
		return fmt.Errorf("failed to release remote lock: %w", err)
	}
	return nil
}

func (o *Orchestrator) writeLocal(ctx context.Context, ac AccountContext, oldVersion string, merged model.Snapshot) (err error) {
	ctx, span := o.phase(ctx, "write_local")
	defer func() {
		if errors.Is(err, store.ErrVersionConflict) {
			span.SetAttributes(attribute.Bool("todosync.version_conflict", true))
			span.End()
			return
		}
		endPhase(span, err)
	}()

	return ac.Store.ReplaceIfVersion(ctx, ac.Account, oldVersion, merged)
}

// logResult logs each terminal state at the severity it deserves: expected
// races at info, systemic slowness and lock trouble at warn, storage faults
// at error.
func (o *Orchestrator) logResult(res Result) {
	fields := []zap.Field{
		zap.String("account", res.Account),
		zap.String("outcome", res.Outcome.String()),
		zap.String("reason", string(res.Reason)),
		zap.Duration("duration", res.Duration),
	}
	if res.Version != "" {
		fields = append(fields, zap.String("data_version", res.Version))
	}
	if res.Err != nil {
		fields = append(fields, zap.Error(res.Err))
	}

	log := o.cfg.Logger
	switch res.Reason {
	case ReasonDisabled:
		log.Debug("sync_disabled", fields...)
	case ReasonSynced:
		log.Info("sync_completed", fields...)
	case ReasonVersionConflict, ReasonLockContended:
		log.Info("sync_deferred", fields...)
	case ReasonTimeout:
		log.Warn("sync_timeout", append(fields, zap.String("condition", "sync_timeout"))...)
	case ReasonStorageFailed:
		log.Error("sync_storage_failed", fields...)
	default:
		log.Warn("sync_failed", fields...)
	}
}
