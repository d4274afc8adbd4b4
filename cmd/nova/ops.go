package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zhcnova/nova/pkg/artifact"
	"github.com/zhcnova/nova/pkg/metrics"
	"github.com/zhcnova/nova/pkg/selfcheck"
)

var opsCmd = &cobra.Command{
	Use:   "ops",
	Short: "Operational health, reports, and selfchecks",
}

func init() {
	opsCmd.AddCommand(opsSummaryCmd)
	opsCmd.AddCommand(opsReportCmd)
	opsCmd.AddCommand(opsSelfcheckCmd)

	opsSummaryCmd.Flags().Int("window-hours", 24, "trailing window in hours")
	opsSummaryCmd.Flags().String("audit", "", "ingress audit log path (default <storage>/memory/telegram_command_audit.jsonl)")
	opsReportCmd.Flags().Int("window-days", 7, "trailing window in days")
	opsReportCmd.Flags().Int("limit", 200, "max tasks to scan")
	opsReportCmd.Flags().String("iteration", "current", "iteration label for the report header")
	opsReportCmd.Flags().String("audit", "", "ingress audit log path (default <storage>/memory/telegram_command_audit.jsonl)")
}

func defaultAuditPath(storageRoot string) string {
	return filepath.Join(storageRoot, "memory", "telegram_command_audit.jsonl")
}

var opsSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show the operational health snapshot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, reg, err := openRegistry()
		if err != nil {
			return err
		}
		defer reg.Close()

		windowHours, _ := cmd.Flags().GetInt("window-hours")
		auditPath, _ := cmd.Flags().GetString("audit")
		if auditPath == "" {
			auditPath = defaultAuditPath(cfg.StorageRoot)
		}
		summary, err := reg.Ops(windowHours, auditPath)
		if err != nil {
			return err
		}
		human := fmt.Sprintf("status=%s window=%dh leases_active=%d leases_stale=%d poll_errors=%d",
			summary.Status, summary.WindowHours, summary.Leases.Active,
			summary.Leases.Stale, summary.Poll.ErrorsWindow)
		if len(summary.Reasons) > 0 {
			human += " reasons=" + strings.Join(summary.Reasons, ",")
		}
		return emit(summary, human)
	},
}

var opsReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Build the windowed operations report",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, reg, err := openRegistry()
		if err != nil {
			return err
		}
		defer reg.Close()

		windowDays, _ := cmd.Flags().GetInt("window-days")
		limit, _ := cmd.Flags().GetInt("limit")
		iteration, _ := cmd.Flags().GetString("iteration")
		auditPath, _ := cmd.Flags().GetString("audit")
		if auditPath == "" {
			auditPath = defaultAuditPath(cfg.StorageRoot)
		}

		report, err := metrics.BuildReport(reg, artifact.NewStore(cfg.StorageRoot),
			auditPath, windowDays, limit, iteration, metrics.DefaultSyntheticRule())
		if err != nil {
			return err
		}
		return emit(report, report.Markdown())
	},
}

var opsSelfcheckCmd = &cobra.Command{
	Use:   "selfcheck",
	Short: "Run the chaos-lite reliability scenarios",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := selfcheck.Run(cmd.Context())
		if err != nil {
			return err
		}
		if err := emit(report, strings.TrimRight(report.Summary(), "\n")); err != nil {
			return err
		}
		if !report.OK {
			return fmt.Errorf("selfcheck failed: %s", strings.Join(report.FailedScenarios, ", "))
		}
		return nil
	},
}
