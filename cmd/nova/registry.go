package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhcnova/nova/pkg/types"
)

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Inspect and mutate the task registry",
}

func init() {
	registryCmd.AddCommand(registryInitCmd)
	registryCmd.AddCommand(registryCreateCmd)
	registryCmd.AddCommand(registryUpdateCmd)
	registryCmd.AddCommand(registryGetCmd)
	registryCmd.AddCommand(registryListCmd)
	registryCmd.AddCommand(registryTelemetryCmd)
	registryCmd.AddCommand(approvalRequestCmd)
	registryCmd.AddCommand(approvalDecideCmd)
	registryCmd.AddCommand(approvalListCmd)
	registryCmd.AddCommand(metadataMergeCmd)
	registryCmd.AddCommand(leaseEnqueueCmd)
	registryCmd.AddCommand(leaseClaimCmd)
	registryCmd.AddCommand(leaseHeartbeatCmd)
	registryCmd.AddCommand(leaseFinishCmd)
	registryCmd.AddCommand(leaseReconcileCmd)
	registryCmd.AddCommand(leaseGetCmd)
	registryCmd.AddCommand(leaseListCmd)
	registryCmd.AddCommand(idempoBeginCmd)
	registryCmd.AddCommand(idempoCompleteCmd)
	registryCmd.AddCommand(idempoGetCmd)
	registryCmd.AddCommand(idempoListCmd)
	registryCmd.AddCommand(eventsCmd)
	registryCmd.AddCommand(traceEventsCmd)

	registryCreateCmd.Flags().String("route-class", "LIGHT", "route class (LIGHT|HEAVY)")
	registryCreateCmd.Flags().String("status", "pending", "initial status")
	registryCreateCmd.Flags().String("risk", "low", "risk level (low|medium|high)")
	registryCreateCmd.Flags().Bool("requires-approval", false, "require human approval before dispatch")
	registryCreateCmd.Flags().String("worker", "", "assigned worker")
	registryUpdateCmd.Flags().Bool("force", false, "bypass the status transition check")
	registryListCmd.Flags().Int("limit", 20, "max tasks to list")
	registryTelemetryCmd.Flags().Int("limit", 20, "max tasks to summarise")
	approvalRequestCmd.Flags().String("by", "cli", "requesting actor")
	approvalRequestCmd.Flags().String("note", "", "request note")
	approvalDecideCmd.Flags().String("by", "cli", "deciding actor")
	approvalDecideCmd.Flags().String("note", "", "decision note")
	metadataMergeCmd.Flags().String("detail", "metadata_merged", "event detail for the merge")
	for _, c := range []*cobra.Command{leaseEnqueueCmd, leaseClaimCmd, leaseHeartbeatCmd} {
		c.Flags().Duration("lease", 2*time.Minute, "lease duration")
	}
	leaseFinishCmd.Flags().String("last-error", "", "error recorded on a non-success finish")
	leaseListCmd.Flags().String("status", "", "filter by lease status")
	leaseListCmd.Flags().Int("limit", 50, "max leases to list")
	idempoBeginCmd.Flags().String("task", "", "task the key belongs to")
	idempoListCmd.Flags().String("scope", "", "filter by scope")
	idempoListCmd.Flags().Int("limit", 50, "max keys to list")
	eventsCmd.Flags().Int("limit", 50, "max events to list")
	traceEventsCmd.Flags().Int("limit", 100, "max events to list")
}

var registryInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the registry database and its buckets",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, reg, err := openRegistry()
		if err != nil {
			return err
		}
		defer reg.Close()
		return emit(map[string]string{"db_path": cfg.DBPath},
			"registry initialized at "+cfg.DBPath)
	},
}

var registryCreateCmd = &cobra.Command{
	Use:   "create <task_id> <task_type> <prompt...>",
	Short: "Create a task",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, reg, err := openRegistry()
		if err != nil {
			return err
		}
		defer reg.Close()

		routeClass, _ := cmd.Flags().GetString("route-class")
		status, _ := cmd.Flags().GetString("status")
		risk, _ := cmd.Flags().GetString("risk")
		requiresApproval, _ := cmd.Flags().GetBool("requires-approval")
		worker, _ := cmd.Flags().GetString("worker")

		detail, err := reg.CreateTask(&types.Task{
			TaskID:           args[0],
			TaskType:         args[1],
			Prompt:           strings.Join(args[2:], " "),
			RouteClass:       types.RouteClass(strings.ToUpper(routeClass)),
			Status:           types.TaskStatus(status),
			RequiresApproval: requiresApproval,
			RiskLevel:        types.RiskLevel(risk),
			AssignedWorker:   worker,
		})
		if err != nil {
			return err
		}
		return emit(detail, fmt.Sprintf("created %s status=%s", detail.TaskID, detail.Status))
	},
}

var registryUpdateCmd = &cobra.Command{
	Use:   "update <task_id> <status> [detail]",
	Short: "Update a task status",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, reg, err := openRegistry()
		if err != nil {
			return err
		}
		defer reg.Close()

		force, _ := cmd.Flags().GetBool("force")
		eventDetail := ""
		if len(args) > 2 {
			eventDetail = args[2]
		}
		detail, err := reg.UpdateTask(args[0], types.TaskStatus(args[1]), eventDetail, force)
		if err != nil {
			return err
		}
		return emit(detail, fmt.Sprintf("updated %s status=%s", detail.TaskID, detail.Status))
	},
}

var registryGetCmd = &cobra.Command{
	Use:   "get <task_id>",
	Short: "Show a task with its events, approvals, and lease",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, reg, err := openRegistry()
		if err != nil {
			return err
		}
		defer reg.Close()

		detail, err := reg.GetTask(args[0])
		if err != nil {
			return err
		}
		return emit(detail, fmt.Sprintf("%s | %s | %s | type=%s | risk=%s | events=%d",
			detail.TaskID, detail.Status, detail.RouteClass, detail.TaskType,
			detail.RiskLevel, len(detail.Events)))
	},
}

var registryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, reg, err := openRegistry()
		if err != nil {
			return err
		}
		defer reg.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		tasks, err := reg.ListTasks(limit)
		if err != nil {
			return err
		}
		lines := make([]string, 0, len(tasks))
		for _, t := range tasks {
			lines = append(lines, fmt.Sprintf("%s | %s | %s | type=%s | risk=%s",
				t.TaskID, t.Status, t.RouteClass, t.TaskType, t.RiskLevel))
		}
		if len(lines) == 0 {
			lines = append(lines, "no tasks")
		}
		return emit(tasks, strings.Join(lines, "\n"))
	},
}

var registryTelemetryCmd = &cobra.Command{
	Use:   "telemetry",
	Short: "Summarise dispatch telemetry for recent tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, reg, err := openRegistry()
		if err != nil {
			return err
		}
		defer reg.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		summary, err := reg.Telemetry(limit)
		if err != nil {
			return err
		}
		return emit(summary, fmt.Sprintf(
			"tasks=%d avg_dispatch_ms=%d avg_compression=%.2f total_tokens=%d total_cost_usd=%.4f",
			summary.TaskCount, summary.AvgDispatchDurationMS, summary.AvgCompressionRatio,
			summary.TotalEstTokens, summary.TotalEstimatedCostUSD))
	},
}

var approvalRequestCmd = &cobra.Command{
	Use:   "approval-request <task_id> <action_category>",
	Short: "Record an approval requirement for a task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, reg, err := openRegistry()
		if err != nil {
			return err
		}
		defer reg.Close()

		by, _ := cmd.Flags().GetString("by")
		note, _ := cmd.Flags().GetString("note")
		approvals, err := reg.RequestApproval(args[0], args[1], by, note)
		if err != nil {
			return err
		}
		return emit(approvals, fmt.Sprintf("approval requested for %s (%s)", args[0], args[1]))
	},
}

var approvalDecideCmd = &cobra.Command{
	Use:   "approval-decide <task_id> <action_category> <approved|rejected|cancelled>",
	Short: "Decide a pending approval",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, reg, err := openRegistry()
		if err != nil {
			return err
		}
		defer reg.Close()

		by, _ := cmd.Flags().GetString("by")
		note, _ := cmd.Flags().GetString("note")
		approvals, err := reg.DecideApproval(args[0], args[1], types.ApprovalStatus(args[2]), by, note)
		if err != nil {
			return err
		}
		return emit(approvals, fmt.Sprintf("approval %s for %s (%s)", args[2], args[0], args[1]))
	},
}

var approvalListCmd = &cobra.Command{
	Use:   "approval-list <task_id>",
	Short: "List approvals for a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, reg, err := openRegistry()
		if err != nil {
			return err
		}
		defer reg.Close()

		approvals, err := reg.GetApprovals(args[0])
		if err != nil {
			return err
		}
		lines := make([]string, 0, len(approvals))
		for _, a := range approvals {
			lines = append(lines, fmt.Sprintf("%s | %s | by=%s", a.ActionCategory, a.Status, a.DecidedBy))
		}
		if len(lines) == 0 {
			lines = append(lines, "no approvals")
		}
		return emit(approvals, strings.Join(lines, "\n"))
	},
}

var metadataMergeCmd = &cobra.Command{
	Use:   "metadata-merge <task_id> <json_patch>",
	Short: "Merge a JSON object into the task metadata",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, reg, err := openRegistry()
		if err != nil {
			return err
		}
		defer reg.Close()

		var patch map[string]any
		if err := json.Unmarshal([]byte(args[1]), &patch); err != nil {
			return types.Wrap(types.KindInvalidArgument, "cli.metadata-merge", err)
		}
		eventDetail, _ := cmd.Flags().GetString("detail")
		detail, err := reg.MergeMetadata(args[0], patch, eventDetail)
		if err != nil {
			return err
		}
		return emit(detail, fmt.Sprintf("metadata merged into %s", detail.TaskID))
	},
}

var leaseEnqueueCmd = &cobra.Command{
	Use:   "lease-enqueue <task_id> <owner>",
	Short: "Queue a dispatch lease for a task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, reg, err := openRegistry()
		if err != nil {
			return err
		}
		defer reg.Close()

		leaseFor, _ := cmd.Flags().GetDuration("lease")
		lease, err := reg.EnqueueDispatchLease(args[0], args[1], leaseFor)
		if err != nil {
			return err
		}
		return emit(lease, fmt.Sprintf("lease %s status=%s attempts=%d",
			lease.TaskID, lease.LeaseStatus, lease.AttemptCount))
	},
}

var leaseClaimCmd = &cobra.Command{
	Use:   "lease-claim <task_id> <owner>",
	Short: "Claim the dispatch lease for a task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, reg, err := openRegistry()
		if err != nil {
			return err
		}
		defer reg.Close()

		leaseFor, _ := cmd.Flags().GetDuration("lease")
		claim, err := reg.ClaimDispatchLease(args[0], args[1], leaseFor)
		if err != nil {
			return err
		}
		human := fmt.Sprintf("claimed %s", claim.TaskID)
		if !claim.Claimed {
			human = fmt.Sprintf("claim denied for %s: %s (held by %s)",
				claim.TaskID, claim.Reason, claim.HeldBy)
		}
		return emit(claim, human)
	},
}

var leaseHeartbeatCmd = &cobra.Command{
	Use:   "lease-heartbeat <task_id> <owner>",
	Short: "Extend a held dispatch lease",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, reg, err := openRegistry()
		if err != nil {
			return err
		}
		defer reg.Close()

		leaseFor, _ := cmd.Flags().GetDuration("lease")
		lease, err := reg.HeartbeatDispatchLease(args[0], args[1], leaseFor)
		if err != nil {
			return err
		}
		return emit(lease, fmt.Sprintf("lease %s extended to %s",
			lease.TaskID, lease.LeaseExpiresAt.Format(time.RFC3339)))
	},
}

var leaseFinishCmd = &cobra.Command{
	Use:   "lease-finish <task_id> <owner> <succeeded|failed|cancelled|expired>",
	Short: "Finish a held dispatch lease with a terminal status",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, reg, err := openRegistry()
		if err != nil {
			return err
		}
		defer reg.Close()

		lastError, _ := cmd.Flags().GetString("last-error")
		lease, err := reg.FinishDispatchLease(args[0], args[1], types.LeaseStatus(args[2]), lastError)
		if err != nil {
			return err
		}
		return emit(lease, fmt.Sprintf("lease %s finished status=%s", lease.TaskID, lease.LeaseStatus))
	},
}

var leaseReconcileCmd = &cobra.Command{
	Use:   "lease-reconcile <owner>",
	Short: "Reset expired active leases back to queued",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, reg, err := openRegistry()
		if err != nil {
			return err
		}
		defer reg.Close()

		result, err := reg.ReconcileDispatchLeases(args[0])
		if err != nil {
			return err
		}
		return emit(result, fmt.Sprintf("reconciled %d expired leases", result.Reconciled))
	},
}

var leaseGetCmd = &cobra.Command{
	Use:   "lease-get <task_id>",
	Short: "Show the dispatch lease for a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, reg, err := openRegistry()
		if err != nil {
			return err
		}
		defer reg.Close()

		lease, err := reg.GetDispatchLease(args[0])
		if err != nil {
			return err
		}
		if lease == nil {
			return emit(map[string]any{"lease": nil}, "no lease for "+args[0])
		}
		return emit(lease, fmt.Sprintf("%s | %s | owner=%s | attempts=%d | expires=%s",
			lease.TaskID, lease.LeaseStatus, lease.OwnerID, lease.AttemptCount,
			lease.LeaseExpiresAt.Format(time.RFC3339)))
	},
}

var leaseListCmd = &cobra.Command{
	Use:   "lease-list",
	Short: "List dispatch leases",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, reg, err := openRegistry()
		if err != nil {
			return err
		}
		defer reg.Close()

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		leases, err := reg.ListDispatchLeases(types.LeaseStatus(status), limit)
		if err != nil {
			return err
		}
		lines := make([]string, 0, len(leases))
		for _, l := range leases {
			lines = append(lines, fmt.Sprintf("%s | %s | owner=%s | attempts=%d",
				l.TaskID, l.LeaseStatus, l.OwnerID, l.AttemptCount))
		}
		if len(lines) == 0 {
			lines = append(lines, "no leases")
		}
		return emit(leases, strings.Join(lines, "\n"))
	},
}

var idempoBeginCmd = &cobra.Command{
	Use:   "idempo-begin <key> <scope> <payload_hash>",
	Short: "Begin an idempotent operation",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, reg, err := openRegistry()
		if err != nil {
			return err
		}
		defer reg.Close()

		taskID, _ := cmd.Flags().GetString("task")
		begin, err := reg.BeginIdempotency(args[0], types.IdempotencyScope(args[1]), args[2], taskID)
		if err != nil {
			return err
		}
		human := fmt.Sprintf("key %s status=%s", begin.Key, begin.Status)
		switch {
		case begin.Conflict:
			human = fmt.Sprintf("key %s conflict", begin.Key)
		case begin.Exists:
			human = fmt.Sprintf("key %s exists status=%s", begin.Key, begin.Status)
		}
		return emit(begin, human)
	},
}

var idempoCompleteCmd = &cobra.Command{
	Use:   "idempo-complete <key> <completed|conflict|processing> [result_json]",
	Short: "Complete an idempotent operation with its cached result",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, reg, err := openRegistry()
		if err != nil {
			return err
		}
		defer reg.Close()

		var result map[string]any
		if len(args) > 2 {
			if err := json.Unmarshal([]byte(args[2]), &result); err != nil {
				return types.Wrap(types.KindInvalidArgument, "cli.idempo-complete", err)
			}
		}
		rec, err := reg.CompleteIdempotency(args[0], types.IdempotencyStatus(args[1]), result)
		if err != nil {
			return err
		}
		return emit(rec, fmt.Sprintf("key %s status=%s", rec.Key, rec.Status))
	},
}

var idempoGetCmd = &cobra.Command{
	Use:   "idempo-get <key>",
	Short: "Show an idempotency key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, reg, err := openRegistry()
		if err != nil {
			return err
		}
		defer reg.Close()

		rec, err := reg.GetIdempotency(args[0])
		if err != nil {
			return err
		}
		return emit(rec, fmt.Sprintf("%s | %s | scope=%s | task=%s",
			rec.Key, rec.Status, rec.Scope, rec.TaskID))
	},
}

var idempoListCmd = &cobra.Command{
	Use:   "idempo-list",
	Short: "List idempotency keys",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, reg, err := openRegistry()
		if err != nil {
			return err
		}
		defer reg.Close()

		scope, _ := cmd.Flags().GetString("scope")
		limit, _ := cmd.Flags().GetInt("limit")
		keys, err := reg.ListIdempotency(types.IdempotencyScope(scope), limit)
		if err != nil {
			return err
		}
		lines := make([]string, 0, len(keys))
		for _, k := range keys {
			lines = append(lines, fmt.Sprintf("%s | %s | scope=%s", k.Key, k.Status, k.Scope))
		}
		if len(lines) == 0 {
			lines = append(lines, "no idempotency keys")
		}
		return emit(keys, strings.Join(lines, "\n"))
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events <task_id>",
	Short: "List events for a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, reg, err := openRegistry()
		if err != nil {
			return err
		}
		defer reg.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		page, err := reg.ListEvents(args[0], limit)
		if err != nil {
			return err
		}
		return emit(page, formatEvents(page.Events))
	},
}

var traceEventsCmd = &cobra.Command{
	Use:   "trace-events <trace_id>",
	Short: "List events across tasks sharing a trace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, reg, err := openRegistry()
		if err != nil {
			return err
		}
		defer reg.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		page, err := reg.TraceEvents(args[0], limit)
		if err != nil {
			return err
		}
		return emit(page, formatEvents(page.Events))
	},
}

func formatEvents(events []*types.TaskEvent) string {
	if len(events) == 0 {
		return "no events"
	}
	lines := make([]string, 0, len(events))
	for _, e := range events {
		lines = append(lines, fmt.Sprintf("%s | %s | %s | %s",
			e.CreatedAt.Format(time.RFC3339), e.TaskID, e.EventType, e.Detail))
	}
	return strings.Join(lines, "\n")
}
