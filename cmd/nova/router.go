package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zhcnova/nova/pkg/artifact"
)

var routerCmd = &cobra.Command{
	Use:   "router",
	Short: "Route, approve, review, and resume tasks",
}

func init() {
	routerCmd.AddCommand(routeCmd)
	routerCmd.AddCommand(classifyCmd)
	routerCmd.AddCommand(approveCmd)
	routerCmd.AddCommand(recordPlanCmd)
	routerCmd.AddCommand(recordReviewCmd)
	routerCmd.AddCommand(resumeCmd)

	routeCmd.Flags().String("trace", "", "trace ID to propagate across tasks")
	approveCmd.Flags().String("by", "cli", "deciding actor")
	approveCmd.Flags().String("note", "approved via cli", "decision note")
	approveCmd.Flags().String("decision", "approved", "decision (approved|rejected)")
	approveCmd.Flags().Bool("defer-dispatch", false, "record the approval without dispatching")
	recordPlanCmd.Flags().String("author", "cli", "plan author")
	recordReviewCmd.Flags().String("reason", "", "fail reason code ("+strings.Join(artifact.FailReasons(), "|")+")")
	recordReviewCmd.Flags().String("notes", "", "reviewer notes")
	resumeCmd.Flags().String("by", "cli", "requesting actor")
}

var routeCmd = &cobra.Command{
	Use:   "route <task_type> <prompt...>",
	Short: "Create a task and walk it through the gates",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, reg, rtr, err := openRouter()
		if err != nil {
			return err
		}
		defer reg.Close()

		traceID, _ := cmd.Flags().GetString("trace")
		result, err := rtr.Route(cmd.Context(), args[0], strings.Join(args[1:], " "), traceID)
		if err != nil {
			return err
		}
		return emit(result, fmt.Sprintf("%s | %s | %s | policy=%s (%s)",
			result.TaskID, result.Status, result.RouteClass,
			result.PolicyStatus, result.PolicyReason))
	},
}

var classifyCmd = &cobra.Command{
	Use:   "classify <task_type> <prompt...>",
	Short: "Classify a task without creating it",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, reg, rtr, err := openRouter()
		if err != nil {
			return err
		}
		defer reg.Close()

		c := rtr.Classify(args[0], strings.Join(args[1:], " "))
		return emit(c, fmt.Sprintf("route=%s risk=%s approval_required=%t policy=%s (%s)",
			c.RouteClass, c.RiskLevel, c.ApprovalRequired, c.PolicyStatus, c.PolicyReason))
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <task_id> <action_category>",
	Short: "Decide a human approval for a blocked task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, reg, rtr, err := openRouter()
		if err != nil {
			return err
		}
		defer reg.Close()

		by, _ := cmd.Flags().GetString("by")
		note, _ := cmd.Flags().GetString("note")
		decision, _ := cmd.Flags().GetString("decision")
		deferDispatch, _ := cmd.Flags().GetBool("defer-dispatch")
		result, err := rtr.Approve(cmd.Context(), args[0], args[1], by, note, decision, deferDispatch)
		if err != nil {
			return err
		}
		return emit(result, fmt.Sprintf("%s | %s | %s", result.TaskID, result.Status, result.Message))
	},
}

var recordPlanCmd = &cobra.Command{
	Use:   "record-plan <task_id> <summary...>",
	Short: "Record the planner artifact for a heavy task",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, reg, rtr, err := openRouter()
		if err != nil {
			return err
		}
		defer reg.Close()

		author, _ := cmd.Flags().GetString("author")
		result, err := rtr.RecordPlan(args[0], author, strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		return emit(result, fmt.Sprintf("planner recorded for %s at %s", result.TaskID, result.Artifact))
	},
}

var recordReviewCmd = &cobra.Command{
	Use:   "record-review <task_id> <pass|fail>",
	Short: "Record the reviewer verdict for a heavy task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, reg, rtr, err := openRouter()
		if err != nil {
			return err
		}
		defer reg.Close()

		verdict := strings.ToLower(args[1])
		reason, _ := cmd.Flags().GetString("reason")
		notes, _ := cmd.Flags().GetString("notes")

		synthesized := artifact.FullChecklist(true)
		if verdict == "fail" {
			synthesized = artifact.ChecklistForFail(reason)
		}
		checklist := make(map[string]any, len(synthesized))
		for key, value := range synthesized {
			checklist[key] = value
		}

		result, err := rtr.RecordReview(args[0], "cli", verdict, reason, checklist, notes)
		if err != nil {
			return err
		}
		return emit(result, fmt.Sprintf("review %s recorded for %s. %s",
			verdict, result.TaskID, result.NextAction))
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <task_id>",
	Short: "Re-check gates and dispatch a blocked task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, reg, rtr, err := openRouter()
		if err != nil {
			return err
		}
		defer reg.Close()

		by, _ := cmd.Flags().GetString("by")
		result, err := rtr.Resume(cmd.Context(), args[0], by)
		if err != nil {
			return err
		}
		return emit(result, fmt.Sprintf("%s | %s | %s", result.TaskID, result.Status, result.Message))
	},
}
