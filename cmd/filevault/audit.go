package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/sagarc03/filevault"
	"github.com/sagarc03/filevault/config"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Report committed files whose blobs are missing",
	Long: `Check every committed file against its blob backend and report:
  - files whose blob no longer exists
  - records whose cleanup attempts reached engine.max_attempts

Nothing is modified. The report is printed as JSON.`,
	RunE: runAudit,
}

var auditStrict bool

func init() {
	auditCmd.Flags().BoolVar(&auditStrict, "strict", false, "exit non-zero when the report has findings")
	rootCmd.AddCommand(auditCmd)
}

func runAudit(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromContext(cmd.Context())
	if err != nil {
		return err
	}

	ctx, stop := exitOnSignal(cmd.Context())
	defer stop()

	v, err := openVault(ctx, cfg)
	if err != nil {
		return err
	}
	defer v.Close()

	collector := filevault.NewCollector(v.engine, cfg.GCSettings(slog.Default()))
	report, err := collector.Audit(ctx)
	if err != nil {
		return err
	}

	slog.Info("audit complete",
		"checked", report.Checked,
		"unchecked", report.Unchecked,
		"missing", len(report.Missing),
		"exhausted", len(report.Exhausted))

	if err := printJSON(cmd.OutOrStdout(), report); err != nil {
		return err
	}

	if auditStrict && (len(report.Missing) > 0 || len(report.Exhausted) > 0 || report.Unchecked > 0) {
		return fmt.Errorf("audit found %d missing, %d exhausted and %d unchecked records",
			len(report.Missing), len(report.Exhausted), report.Unchecked)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
