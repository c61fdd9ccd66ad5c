package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/warden/internal/orchestrator"
)

var (
	checkAgent   string
	checkOp      string
	checkContext orchestrator.OperationContext
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run the pre-checks for one operation and print the decision",
	Long: `Runs identity, permission, budget and approval checks for a single
operation without executing it. Exits non-zero when the operation is denied.`,
	RunE: runCheck,
}

func init() {
	f := checkCmd.Flags()
	f.StringVar(&checkAgent, "agent", "", "agent ID (required)")
	f.StringVar(&checkOp, "op", "", "operation name, e.g. Read, Edit, Bash (required)")
	f.StringVar(&checkContext.FilePath, "file", "", "file path the operation touches")
	f.Int64Var(&checkContext.FileSize, "file-size", 0, "file size in bytes, used to estimate tokens")
	f.StringVar(&checkContext.Command, "command", "", "shell command the operation runs")
	f.StringVar(&checkContext.APIName, "api", "", "external API the operation calls")
	f.Int64Var(&checkContext.EstimatedTokens, "tokens", 0, "estimated tokens")
	f.Float64Var(&checkContext.EstimatedCost, "cost", 0, "estimated cost in USD")
	f.StringVar(&checkContext.ApprovalID, "approval-id", "", "approved request to present")
	f.StringVar(&checkContext.Signature, "signature", "", "hex Ed25519 signature over --challenge")
	f.StringVar(&checkContext.Challenge, "challenge", "", "signed challenge")
	_ = checkCmd.MarkFlagRequired("agent")
	_ = checkCmd.MarkFlagRequired("op")
}

func runCheck(cmd *cobra.Command, _ []string) error {
	return withShared(cmd, func(ctx context.Context, sc *SharedComponents) error {
		res := sc.Orchestrator.Enforce(ctx, checkAgent, checkOp, checkContext)
		if err := printJSON(res); err != nil {
			return err
		}
		if !res.Allowed {
			return fmt.Errorf("%s denied by %s: %s", checkOp, res.BlockedBy, res.Reason())
		}
		return nil
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
