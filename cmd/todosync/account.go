package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mschirtzinger/todosync/internal/model"
	"github.com/mschirtzinger/todosync/internal/ui"
)

var accountCmd = &cobra.Command{
	Use:     "account",
	GroupID: "sync",
	Short:   "Show or change the sync account",
	Long: `Show or change the account this device syncs.

An empty account disables sync. Local data of other accounts is kept and
becomes visible again when switching back.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return accountGetCmd.RunE(cmd, args)
	},
}

var accountGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the sync account",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		account, err := st.SyncAccount(cmd.Context())
		if err != nil {
			return err
		}
		if account == "" {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", ui.RenderMuted("(sync disabled)"))
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), account)
		return nil
	},
}

var accountSetCmd = &cobra.Command{
	Use:   "set [email]",
	Short: "Set the sync account",
	Long: `Set the sync account. Without an argument the account is asked for
interactively when stdin is a terminal.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var account string
		if len(args) == 1 {
			account = args[0]
		} else {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return errors.New("account is required when stdin is not a terminal")
			}
			if err := promptAccount(&account); err != nil {
				return err
			}
		}
		account = strings.TrimSpace(account)
		if err := validateAccount(account); err != nil {
			return err
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.SetSyncAccount(cmd.Context(), account); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Sync account set to %s\n", ui.RenderPass("✓"), ui.RenderAccent(account))
		return nil
	},
}

var accountClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Disable sync",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.SetSyncAccount(cmd.Context(), ""); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Sync disabled\n", ui.RenderPass("✓"))
		return nil
	},
}

func promptAccount(account *string) error {
	return huh.NewInput().
		Title("Sync account").
		Description("The e-mail address whose remote store this device syncs with.").
		Placeholder("you@example.com").
		Value(account).
		Validate(func(s string) error { return validateAccount(strings.TrimSpace(s)) }).
		Run()
}

func validateAccount(account string) error {
	if account == "" {
		return errors.New("account must not be empty (use 'todosync account clear' to disable sync)")
	}
	if err := model.Validate.Var(account, "email"); err != nil {
		return fmt.Errorf("invalid account %q: expected an e-mail address", account)
	}
	return nil
}

func init() {
	accountCmd.AddCommand(accountGetCmd, accountSetCmd, accountClearCmd)
	rootCmd.AddCommand(accountCmd)
}
