package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var budgetResetGlobal bool

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Inspect and reset token budgets",
}

var budgetStatusCmd = &cobra.Command{
	Use:   "status [agent-id]",
	Short: "Show an agent's budget, or the global budget without an argument",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withShared(cmd, func(ctx context.Context, sc *SharedComponents) error {
			if len(args) == 0 {
				return printJSON(sc.Ledger.Global(ctx))
			}
			st, err := sc.Ledger.Status(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(st)
		})
	},
}

var budgetResetCmd = &cobra.Command{
	Use:   "reset [agent-id]",
	Short: "Zero an agent's usage (limits are kept), or the global usage with --global",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if budgetResetGlobal == (len(args) == 1) {
			return errors.New("pass either an agent ID or --global")
		}
		return withShared(cmd, func(ctx context.Context, sc *SharedComponents) error {
			if budgetResetGlobal {
				if err := sc.Ledger.ResetGlobal(ctx); err != nil {
					return err
				}
				fmt.Println("global budget reset")
				return nil
			}
			if err := sc.Ledger.Reset(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("budget reset for %s\n", args[0])
			return nil
		})
	},
}

func init() {
	budgetResetCmd.Flags().BoolVar(&budgetResetGlobal, "global", false, "reset the global daily budget")
	budgetCmd.AddCommand(budgetStatusCmd, budgetResetCmd)
}

// withShared loads config, builds the shared components and runs fn.
func withShared(cmd *cobra.Command, fn func(ctx context.Context, sc *SharedComponents) error) error {
	logger := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()
	return fn(ctx, sc)
}
