package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mschirtzinger/todosync/internal/telemetry"
	todosync "github.com/mschirtzinger/todosync/internal/sync"
	"github.com/mschirtzinger/todosync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync attempt now",
	Long: `Run a single sync attempt for the configured account and print its outcome.

The command exits non-zero when the attempt has to be retried, for example
because another device holds the remote lock. Run 'todosync daemon' to have
retries and periodic syncs scheduled automatically.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		tp, err := telemetry.Setup(ctx, cfg.Telemetry.Enabled, cfg.Telemetry.Endpoint)
		if err != nil {
			logger.Warn("failed_to_initialize_tracing", zap.Error(err))
		}
		defer func() { _ = telemetry.Shutdown(ctx, tp) }()

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		conn, release, err := newConnector(ctx)
		if err != nil {
			return err
		}
		defer release()

		res := newOrchestrator(st, conn, nil).Run(ctx)
		printResult(cmd.OutOrStdout(), res)
		if res.Retryable() {
			return fmt.Errorf("sync did not complete: %s", res.Reason)
		}
		return nil
	},
}

func printResult(w io.Writer, res todosync.Result) {
	switch {
	case res.Reason == todosync.ReasonDisabled:
		fmt.Fprintf(w, "%s Sync disabled: no account configured\n", ui.RenderWarn("!"))
	case res.Outcome == todosync.Success:
		fmt.Fprintf(w, "%s Synced %s in %s %s\n",
			ui.RenderPass("✓"), ui.RenderAccent(res.Account),
			res.Duration.Round(time.Millisecond), ui.RenderMuted("("+shortID(res.Version)+")"))
	default:
		fmt.Fprintf(w, "%s Sync deferred: %s\n", ui.RenderWarn("⚠"), res.Reason)
		if res.Err != nil {
			fmt.Fprintf(w, "  %s\n", ui.RenderMuted(res.Err.Error()))
		}
	}
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
