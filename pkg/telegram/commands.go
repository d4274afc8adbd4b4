package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/zhcnova/nova/pkg/artifact"
	"github.com/zhcnova/nova/pkg/types"
)

const commandOp = "telegram.command"

func helpText() string {
	return strings.Join([]string{
		"Control plane commands:",
		"/start - show quick start",
		"/help - show command help",
		"/newtask <task_type> <prompt>",
		"/status <task_id>",
		"/list [limit]",
		"/approve <task_id> <action_category> [note]",
		"/plan <task_id> <summary>",
		"/review <task_id> <pass|fail> [reason_code_if_fail] [notes]",
		"/resume <task_id>",
		"/stop <task_id>",
		"/board",
	}, "\n")
}

// parseCommand splits a slash command, stripping an @botname suffix.
func parseCommand(text string) (string, []string) {
	parts := strings.Fields(strings.TrimSpace(text))
	if len(parts) == 0 {
		return "", nil
	}
	cmd := strings.ToLower(strings.SplitN(parts[0], "@", 2)[0])
	return cmd, parts[1:]
}

func formatTaskShort(task *types.Task) string {
	return fmt.Sprintf("%s | %s | %s | type=%s | risk=%s",
		task.TaskID, task.Status, task.RouteClass, task.TaskType, task.RiskLevel)
}

// actorLabel renders the sender as "@username" or their numeric ID.
func actorLabel(msg *Message) string {
	if msg.From == nil {
		return "unknown"
	}
	if msg.From.Username != "" {
		return "@" + msg.From.Username
	}
	return strconv.FormatInt(msg.From.ID, 10)
}

// handleCommand executes one slash command and returns the reply text
// plus a structured result for the audit line.
func (i *Ingress) handleCommand(ctx context.Context, msg *Message, actor, traceID string) (string, any, error) {
	cmd, args := parseCommand(msg.Text)

	switch cmd {
	case "/start", "/help":
		return helpText(), map[string]any{"command": cmd, "ok": true}, nil

	case "/newtask":
		if len(args) < 2 {
			return "", nil, types.E(types.KindInvalidArgument, commandOp, "Usage: /newtask <task_type> <prompt>")
		}
		result, err := i.router.Route(ctx, args[0], strings.Join(args[1:], " "), traceID)
		if err != nil {
			return "", nil, err
		}
		reply := fmt.Sprintf("Task: %s\nStatus: %s\nRoute: %s\nPolicy: %s (%s)",
			result.TaskID, result.Status, result.RouteClass, result.PolicyStatus, result.PolicyReason)
		return reply, result, nil

	case "/status":
		if len(args) != 1 {
			return "", nil, types.E(types.KindInvalidArgument, commandOp, "Usage: /status <task_id>")
		}
		task, err := i.reg.GetTask(args[0])
		if err != nil {
			return "", nil, err
		}
		approvalStatus := "none"
		if n := len(task.Approvals); n > 0 {
			approvalStatus = string(task.Approvals[n-1].Status)
		}
		reply := fmt.Sprintf("%s\napproval=%s\nevents=%d",
			formatTaskShort(&task.Task), approvalStatus, len(task.Events))
		return reply, task, nil

	case "/list":
		limit := 10
		if len(args) > 0 {
			parsed, err := strconv.Atoi(args[0])
			if err != nil {
				return "", nil, types.E(types.KindInvalidArgument, commandOp, "Usage: /list [limit]")
			}
			limit = parsed
			if limit < 1 {
				limit = 1
			}
			if limit > 50 {
				limit = 50
			}
		}
		tasks, err := i.reg.ListTasks(limit)
		if err != nil {
			return "", nil, err
		}
		if len(tasks) == 0 {
			return "No tasks found", map[string]any{"tasks": []any{}}, nil
		}
		lines := make([]string, 0, len(tasks))
		for _, task := range tasks {
			lines = append(lines, formatTaskShort(task))
		}
		if len(lines) > 20 {
			lines = lines[:20]
		}
		return strings.Join(lines, "\n"), map[string]any{"tasks": tasks}, nil

	case "/approve":
		if len(args) < 2 {
			return "", nil, types.E(types.KindInvalidArgument, commandOp, "Usage: /approve <task_id> <action_category> [note]")
		}
		taskID, actionCategory := args[0], args[1]
		note := "approved via telegram"
		if len(args) > 2 {
			note = strings.Join(args[2:], " ")
		}
		// Chat approvals always defer dispatch so the heavy lifting runs
		// under the longer /resume timeout.
		result, err := i.router.Approve(ctx, taskID, actionCategory, actor, note, "approved", true)
		if err != nil {
			return "", nil, err
		}
		reply := fmt.Sprintf("Approved %s: %s. Use /resume %s", taskID, result.Message, taskID)
		return reply, result, nil

	case "/plan":
		if len(args) < 2 {
			return "", nil, types.E(types.KindInvalidArgument, commandOp, "Usage: /plan <task_id> <summary>")
		}
		result, err := i.router.RecordPlan(args[0], actor, strings.Join(args[1:], " "))
		if err != nil {
			return "", nil, err
		}
		return "Planner artifact saved for " + args[0], result, nil

	case "/review":
		return i.handleReview(args, actor)

	case "/resume":
		if len(args) != 1 {
			return "", nil, types.E(types.KindInvalidArgument, commandOp, "Usage: /resume <task_id>")
		}
		result, err := i.router.Resume(ctx, args[0], actor)
		if err != nil {
			return "", nil, err
		}
		reply := fmt.Sprintf("Resume %s: %s (%s)", args[0], result.Status, result.Message)
		return reply, result, nil

	case "/stop":
		if len(args) != 1 {
			return "", nil, types.E(types.KindInvalidArgument, commandOp, "Usage: /stop <task_id>")
		}
		task, err := i.reg.GetTask(args[0])
		if err != nil {
			return "", nil, err
		}
		if task.Status.Terminal() {
			return fmt.Sprintf("Task %s already terminal: %s", args[0], task.Status), task, nil
		}
		updated, err := i.reg.UpdateTask(args[0], types.StatusCancelled,
			"telegram_stop_requested by="+actor, false)
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("Task %s cancelled", args[0]), updated, nil

	case "/board":
		tasks, err := i.reg.ListTasks(50)
		if err != nil {
			return "", nil, err
		}
		counts := map[string]int{}
		for _, task := range tasks {
			counts[string(task.Status)]++
		}
		reply := fmt.Sprintf("Board\nrunning=%d blocked=%d failed=%d pending=%d",
			counts["running"], counts["blocked"], counts["failed"], counts["pending"])
		return reply, map[string]any{"counts": counts}, nil
	}

	return "", nil, types.E(types.KindInvalidArgument, commandOp,
		"Unknown command. Use /newtask, /status, /list, /approve, /plan, /review, /resume, /stop, /board")
}

// handleReview synthesises the reviewer checklist from the verdict: a
// pass checks everything, a fail clears the boxes its reason code
// implicates.
func (i *Ingress) handleReview(args []string, actor string) (string, any, error) {
	if len(args) < 2 {
		return "", nil, types.E(types.KindInvalidArgument, commandOp,
			"Usage: /review <task_id> <pass|fail> [reason_code_if_fail] [notes]")
	}
	taskID := args[0]
	verdict := strings.ToLower(args[1])
	reasonCode := ""
	notesStart := 2
	if verdict == "fail" {
		if len(args) < 3 {
			return "", nil, types.Ef(types.KindInvalidArgument, commandOp,
				"Fail review requires reason code: %s", strings.Join(artifact.FailReasons(), "|"))
		}
		reasonCode = strings.ToLower(args[2])
		notesStart = 3
	}
	notes := ""
	if len(args) > notesStart {
		notes = strings.Join(args[notesStart:], " ")
	}

	synthesized := artifact.FullChecklist(true)
	if verdict == "fail" {
		synthesized = artifact.ChecklistForFail(reasonCode)
	}
	checklist := make(map[string]any, len(synthesized))
	for key, value := range synthesized {
		checklist[key] = value
	}

	result, err := i.router.RecordReview(taskID, actor, verdict, reasonCode, checklist, notes)
	if err != nil {
		return "", nil, err
	}
	if verdict == "fail" {
		nextAction := result.NextAction
		if nextAction == "" {
			nextAction = "Fix issues then submit /review pass."
		}
		return fmt.Sprintf("Review recorded for %s: fail (%s). %s", taskID, reasonCode, nextAction), result, nil
	}
	return strings.TrimSpace(fmt.Sprintf("Review recorded for %s: pass. %s", taskID, result.NextAction)), result, nil
}
