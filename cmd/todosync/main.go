package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mschirtzinger/todosync/internal/config"
	"github.com/mschirtzinger/todosync/internal/logging"
	"github.com/mschirtzinger/todosync/internal/ui"
)

var (
	configPath string
	verbose    bool

	cfg    *config.Config
	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "todosync",
	Short: "Offline-first to-do lists that sync between devices",
	Long: `todosync keeps to-do lists in a local SQLite database and synchronizes
them with other devices through a shared remote store.

Every device works offline. A sync takes an advisory lock on the remote store,
merges both sides row by row (the most recent edit wins) and writes the result
back to both.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			c.Log.Debug = true
		}

		var console io.Writer
		if verbose {
			console = cmd.ErrOrStderr()
		}
		l, err := logging.New(logging.Options{
			Level:   c.Log.Level,
			File:    c.Log.File,
			Console: console,
			Debug:   c.Log.Debug,
		})
		if err != nil {
			return err
		}

		cfg, logger = c, l
		ui.SetOutput(cmd.OutOrStdout())
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logging.Sync(logger)
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "data", Title: "Tasks and tags:"},
	)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: todosync.{toml,yaml} in the user config dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log debug output to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
