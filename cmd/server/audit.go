package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/kisaan/fulfillment-engine/config"
	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Run one ledger audit and print the report",
	Long: "Checks every ledger entry, marks broken entries faulted and releases holds whose record is gone or finished. " +
		"Exits non-zero when any entry is faulted.",
	RunE: runAudit,
}

func init() {
	auditCmd.Flags().Bool("dry-run", false, "report entries without marking faults or releasing holds")
}

func runAudit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	if dry, _ := cmd.Flags().GetBool("dry-run"); dry {
		entries, err := rt.engine.LedgerEntries(ctx)
		if err != nil {
			return err
		}
		broken := map[string]string{}
		for _, e := range entries {
			if detail := e.Violation(); detail != "" {
				broken[e.Key.String()] = detail
			} else if e.Faulted {
				broken[e.Key.String()] = e.FaultDetail
			}
		}
		return printJSON(broken)
	}

	report, err := rt.engine.Audit(ctx)
	if err != nil {
		return err
	}
	if err := printJSON(report); err != nil {
		return err
	}
	if len(report.Faults) > 0 {
		return fmt.Errorf("%d faulted ledger entries", len(report.Faults))
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
