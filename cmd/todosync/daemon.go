package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mschirtzinger/todosync/internal/config"
	"github.com/mschirtzinger/todosync/internal/dashboard"
	"github.com/mschirtzinger/todosync/internal/jobs"
	"github.com/mschirtzinger/todosync/internal/lock"
	"github.com/mschirtzinger/todosync/internal/propagation"
	"github.com/mschirtzinger/todosync/internal/remote"
	"github.com/mschirtzinger/todosync/internal/store"
	todosync "github.com/mschirtzinger/todosync/internal/sync"
	"github.com/mschirtzinger/todosync/internal/telemetry"
	"github.com/mschirtzinger/todosync/internal/ui"
)

// accountPollInterval is how often the daemon checks whether the sync
// account was changed by another process.
const accountPollInterval = 2 * time.Second

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Keep the configured account in sync until interrupted",
	Long: `Run the sync daemon in the foreground.

The daemon syncs when:
- it starts, or the sync account changes
- a local edit is committed to the database
- another device finishes writing the remote store (dir backend only)
- the periodic interval elapses after a successful sync

Failed attempts are retried with exponential backoff. Completed syncs are
reloaded from the database and, when --dashboard-port is set, pushed to
WebSocket clients at ws://127.0.0.1:<port>/ws.

Stop with Ctrl+C or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port := cfg.Dashboard.Port
		if cmd.Flags().Changed("dashboard-port") {
			port, _ = cmd.Flags().GetInt("dashboard-port")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		d, err := newDaemon(ctx, port)
		if err != nil {
			return err
		}
		defer d.close()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s Sync daemon started %s\n", ui.RenderPass("✓"), ui.RenderMuted("(db: "+cfg.DBPath+")"))
		if d.server != nil {
			fmt.Fprintf(out, "  Dashboard: %s\n", ui.RenderAccent("ws://"+d.server.GetAddr()+"/ws"))
		}
		fmt.Fprintln(out, "\nPress Ctrl+C to stop...")

		if err := d.run(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "\nShutting down...")
		return nil
	},
}

// daemon wires the job runner, change propagation and the dashboard around
// one store.
type daemon struct {
	store   *store.Store
	conn    remote.Connector
	release func()
	queue   jobs.Queue
	runner  *jobs.Runner
	orch    *todosync.Orchestrator
	prop    *propagation.Propagator
	server  *dashboard.Server
	handler *dashboard.Handler
	tp      *sdktrace.TracerProvider
}

func newDaemon(ctx context.Context, port int) (_ *daemon, err error) {
	d := &daemon{}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	d.tp, err = telemetry.Setup(ctx, cfg.Telemetry.Enabled, cfg.Telemetry.Endpoint)
	if err != nil {
		logger.Warn("failed_to_initialize_tracing", zap.Error(err))
		err = nil
	}

	if d.store, err = openStore(); err != nil {
		return nil, err
	}
	if d.conn, d.release, err = newConnector(ctx); err != nil {
		return nil, err
	}
	if d.queue, err = newQueue(); err != nil {
		return nil, err
	}

	if port > 0 {
		d.server = dashboard.NewServer(&dashboard.Config{Port: port, Logger: logger.Named("dashboard")})
		d.handler = dashboard.NewHandler(d.server, logger.Named("dashboard"))
		if err = d.server.Start(); err != nil {
			d.server = nil
			return nil, fmt.Errorf("failed to start dashboard: %w", err)
		}
	}

	d.runner = jobs.NewRunner(d.queue,
		jobs.WithLogger(logger.Named("jobs")),
		jobs.WithResultHandler(d.onResult))
	d.orch = newOrchestrator(d.store, d.conn, d.runner)
	d.prop = propagation.New(d.store, logger.Named("propagation"))
	return d, nil
}

func (d *daemon) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.runner.Start(ctx, d.orch) })
	g.Go(func() error { return d.forwardEvents(ctx) })
	g.Go(func() error { return d.followAccount(ctx) })
	return g.Wait()
}

func (d *daemon) onResult(job *jobs.Job, res todosync.Result) {
	if d.handler != nil {
		d.handler.OnResult(job, res)
	}
}

// forwardEvents hands propagated snapshots to the dashboard.
func (d *daemon) forwardEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-d.prop.Events():
			if !ok {
				return nil
			}
			counts := ev.Snapshot.Count()
			logger.Debug("snapshot_propagated",
				zap.String("kind", ev.Kind.String()),
				zap.String("account", ev.Account),
				zap.Int("tasks", counts.Tasks),
				zap.Int("tags", counts.Tags))
			if d.handler != nil {
				d.handler.OnEvent(ev)
			}
		}
	}
}

// followAccount keeps propagation and the change watchers on the current
// sync account.
func (d *daemon) followAccount(ctx context.Context) error {
	ticker := time.NewTicker(accountPollInterval)
	defer ticker.Stop()

	var (
		wg      sync.WaitGroup
		cancel  = func() {}
		current string
		started bool
	)
	defer func() {
		cancel()
		wg.Wait()
	}()

	for {
		account, err := d.store.SyncAccount(ctx)
		switch {
		case err != nil:
			if ctx.Err() == nil {
				logger.Warn("failed_to_read_sync_account", zap.Error(err))
			}
		case !started || account != current:
			cancel()
			wg.Wait()
			started, current = true, account

			if err := d.prop.SetAccount(ctx, account); err != nil {
				if errors.Is(err, propagation.ErrClosed) || ctx.Err() != nil {
					return nil
				}
				logger.Error("failed_to_switch_account", zap.String("account", account), zap.Error(err))
			}
			logger.Info("sync_account_changed", zap.String("account", account))

			var actx context.Context
			actx, cancel = context.WithCancel(ctx)
			if account != "" {
				wg.Add(2)
				go func() { defer wg.Done(); d.watchLocal(actx, account) }()
				go func() { defer wg.Done(); d.watchRemote(actx, account) }()
				d.trigger(ctx, "account_changed")
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// watchLocal triggers a sync after every local edit.
func (d *daemon) watchLocal(ctx context.Context, account string) {
	changes, err := d.store.WatchVersion(ctx, account)
	if err != nil {
		logger.Warn("failed_to_watch_local_changes", zap.String("account", account), zap.Error(err))
		return
	}
	for change := range changes {
		if change.Origin == store.OriginLocalEdit {
			d.trigger(ctx, "local_edit")
		}
	}
}

// watchRemote triggers a sync when another device releases the remote lock
// on data this device has not seen. Only the dir backend can be watched; the
// others rely on the periodic sync.
func (d *daemon) watchRemote(ctx context.Context, account string) {
	if cfg.Remote.Backend != config.RemoteDir {
		return
	}
	ds, err := remote.DirConnector{Root: cfg.Remote.Dir}.Open(account)
	if err != nil {
		logger.Warn("failed_to_open_remote_dir", zap.String("account", account), zap.Error(err))
		return
	}
	w, err := ds.Watch()
	if err != nil {
		logger.Warn("failed_to_watch_remote_dir", zap.String("dir", ds.Dir()), zap.Error(err))
		return
	}
	defer w.Stop()

	locker := lock.New(ds, lock.WithLogger(logger))
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-w.Errors():
			if !ok {
				return
			}
			logger.Warn("remote_watch_error", zap.Error(err))
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			if ev.Name != remote.LockFileName || ev.Op == remote.OpDelete {
				continue
			}
			rec, err := locker.Read(ctx)
			if err != nil {
				logger.Warn("failed_to_read_remote_lock", zap.Error(err))
				continue
			}
			var localVersion string
			if v, err := d.store.GetVersion(ctx, account); err == nil {
				localVersion = v.DataVersion
			} else if !errors.Is(err, store.ErrNotFound) {
				logger.Warn("failed_to_read_local_version", zap.Error(err))
				continue
			}
			if remoteAhead(rec, localVersion) {
				d.trigger(ctx, "remote_change")
			}
		}
	}
}

// remoteAhead reports whether a lock record describes a finished remote write
// of a version other than local.
func remoteAhead(rec lock.Record, local string) bool {
	if rec.LockStartMillis != lock.Released || rec.DataVersion == nil {
		return false
	}
	return *rec.DataVersion != local
}

func (d *daemon) trigger(ctx context.Context, cause string) {
	logger.Debug("sync_triggered", zap.String("cause", cause))
	if err := d.runner.Trigger(ctx); err != nil && ctx.Err() == nil {
		logger.Warn("failed_to_trigger_sync", zap.String("cause", cause), zap.Error(err))
	}
}

func (d *daemon) close() {
	if d.prop != nil {
		_ = d.prop.Close()
	}
	if d.server != nil {
		if err := d.server.Stop(); err != nil {
			logger.Warn("failed_to_stop_dashboard", zap.Error(err))
		}
	}
	if d.queue != nil {
		_ = d.queue.Close()
	}
	if d.release != nil {
		d.release()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
	if d.tp != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(ctx, d.tp)
	}
}

func init() {
	daemonCmd.Flags().Int("dashboard-port", 0, "serve the WebSocket dashboard on this port (0 disables it)")
	rootCmd.AddCommand(daemonCmd)
}
