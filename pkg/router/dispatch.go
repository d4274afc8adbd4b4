package router

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zhcnova/nova/pkg/metrics"
	"github.com/zhcnova/nova/pkg/types"
)

// transientMarkers is the closed list of worker error fragments that
// justify an automatic retry. Anything else fails fast.
var transientMarkers = []string{
	"timed out",
	"timeout",
	"temporarily unavailable",
	"connection reset",
	"broken pipe",
	"resource temporarily unavailable",
	"too many requests",
	"service unavailable",
}

// IsTransientDispatchError reports whether a worker error message
// matches one of the known transient failure markers.
func IsTransientDispatchError(errText string) bool {
	lower := strings.ToLower(errText)
	for _, marker := range transientMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// dispatchBlockers lists the gates still holding a task back: review
// gate failures for heavy tasks and undecided human approvals.
func (r *Router) dispatchBlockers(task *types.TaskDetail) []string {
	var blockers []string
	if task.RouteClass == types.RouteHeavy {
		gate := r.artifacts.ReviewGate(task.TaskID)
		if !gate.GatePassed {
			switch {
			case gate.ReviewerVerdict == "fail":
				code := gate.ReviewerReason
				if code == "" {
					code = "unspecified"
				}
				blockers = append(blockers, "review_failed:"+code)
			case gate.ReviewerVerdict == "pass" && !gate.ChecklistComplete:
				blockers = append(blockers, "review_incomplete_checklist")
			default:
				blockers = append(blockers, "planner_reviewer_gate")
			}
		}
	}

	if task.RequiresApproval {
		approved := false
		for _, a := range task.Approvals {
			if a.Status == types.ApprovalApproved {
				approved = true
				break
			}
		}
		if !approved {
			blockers = append(blockers, "human_approval")
		}
	}
	return blockers
}

// dispatchOutcome is the worker-side result of one dispatch.
type dispatchOutcome struct {
	status types.TaskStatus
	detail string
}

// DispatchIfReady walks a task through the dispatch pipeline: gate
// check, context compaction, cost estimate, lease claim, idempotency
// fence, worker invocation, and telemetry merge. Blocked gates return
// a blocked result without side effects on the worker tier.
func (r *Router) DispatchIfReady(ctx context.Context, task *types.TaskDetail) (*Result, error) {
	taskID := task.TaskID
	mode := types.AutonomyMode(task.Metadata.AutonomyMode)
	if mode == "" {
		mode = r.cfg.AutonomyMode
	}
	runtime := types.RuntimeMode(task.Metadata.RuntimeMode)
	if runtime == "" {
		runtime = r.cfg.RuntimeMode
	}

	blockers := r.dispatchBlockers(task)
	if len(blockers) > 0 {
		hint := ""
		for _, b := range blockers {
			if strings.HasPrefix(b, "review_failed:") {
				hint = " Use /review <task_id> pass <notes> after fixing reviewer fail reason."
				break
			}
			if b == "planner_reviewer_gate" {
				hint = " Record /plan and /review artifacts before resume."
			}
		}
		r.event(taskID, "resume_blocked pending="+strings.Join(blockers, ","))
		return &Result{
			TaskID:       taskID,
			Status:       "blocked",
			AutonomyMode: mode,
			RuntimeMode:  runtime,
			Pending:      blockers,
			ReviewGate:   r.artifacts.ReviewGate(taskID),
			Message:      "Task remains blocked pending: " + strings.Join(blockers, ", ") + "." + hint,
		}, nil
	}

	// Context compaction and cost projection happen before the lease so
	// a denied claim still leaves fresh artifacts for the holding owner.
	payload, sources := r.buildContextPayload(task)
	budget := r.tokenBudget(task.RouteClass)
	compacted, tokensIn, tokensOut, ratio := r.compactToBudget(payload, budget)
	completionEst := int(float64(tokensOut) * 0.35)
	if completionEst < 64 {
		completionEst = 64
	}

	provider := task.Metadata.ModelProviderHint
	model := task.Metadata.ModelNameHint
	if provider == "" || model == "" {
		provider, model = r.modelHintForTask(task.TaskType)
	}
	pricingModel := r.costModel(model)
	usd, costSource, promptPrice, completionPrice := r.estimateCost(
		task.TaskType, task.RouteClass, tokensOut, completionEst, pricingModel)

	contextPath, err := r.artifacts.WriteContext(taskID, compacted)
	if err != nil {
		return nil, err
	}
	costPath, err := r.artifacts.WriteCostEstimate(taskID, &CostEstimate{
		TaskID:                      taskID,
		ProviderHint:                provider,
		ModelHint:                   model,
		PricingModel:                pricingModel,
		EstPromptTokens:             tokensOut,
		EstCompletionTokens:         completionEst,
		EstTotalTokens:              tokensOut + completionEst,
		EstimatedCostUSD:            usd,
		CostSource:                  costSource,
		PricingPromptPerMillion:     promptPrice,
		PricingCompletionPerMillion: completionPrice,
	})
	if err != nil {
		return nil, err
	}

	r.event(taskID, "dispatch_mode="+string(runtime))
	r.event(taskID, fmt.Sprintf("context_compacted tokens_in=%d tokens_out=%d ratio=%g budget=%d",
		tokensIn, tokensOut, ratio, budget))
	r.event(taskID, fmt.Sprintf("cost_estimated source=%s total_tokens=%d usd=%g",
		costSource, tokensOut+completionEst, usd))

	owner := r.cfg.DispatchOwner
	if _, err := r.reg.EnqueueDispatchLease(taskID, owner, r.cfg.LeaseDuration); err != nil {
		return nil, err
	}
	claim, err := r.reg.ClaimDispatchLease(taskID, owner, r.cfg.LeaseDuration)
	if err != nil {
		return nil, err
	}
	if !claim.Claimed {
		r.event(taskID, "lease_claim_denied reason="+claim.Reason)
		return &Result{
			TaskID:       taskID,
			Status:       "running",
			AutonomyMode: mode,
			RuntimeMode:  runtime,
			Pending:      []string{"lease_held_by_other_owner"},
			ReviewGate:   r.artifacts.ReviewGate(taskID),
			Message:      fmt.Sprintf("Task already being dispatched by another owner (%s)", claim.Reason),
		}, nil
	}

	lease, err := r.reg.GetDispatchLease(taskID)
	if err != nil {
		return nil, err
	}
	idempoKey := fmt.Sprintf("dispatch:%s:%d", taskID, lease.AttemptCount)
	hash := payloadHash(map[string]any{
		"task_id":       taskID,
		"task_type":     task.TaskType,
		"prompt":        task.Prompt,
		"route_class":   string(task.RouteClass),
		"mode":          string(mode),
		"runtime_mode":  string(runtime),
		"owner":         owner,
		"attempt_count": lease.AttemptCount,
	})
	begin, err := r.reg.BeginIdempotency(idempoKey, types.ScopeDispatch, hash, taskID)
	if err != nil {
		return nil, err
	}
	switch {
	case begin.Conflict:
		r.event(taskID, "idempo_dispatch_conflict")
		metrics.IdempotencyConflicts.Inc()
		return &Result{
			TaskID:       taskID,
			Status:       "blocked",
			AutonomyMode: mode,
			RuntimeMode:  runtime,
			Pending:      []string{"idempotency_conflict"},
			ReviewGate:   r.artifacts.ReviewGate(taskID),
			Message:      "Dispatch idempotency conflict; manual inspection required",
		}, nil
	case begin.Exists && begin.Status == types.IdempoProcessing:
		r.event(taskID, "idempo_dispatch_inflight")
		return &Result{
			TaskID:       taskID,
			Status:       "running",
			AutonomyMode: mode,
			RuntimeMode:  runtime,
			Pending:      []string{"dispatch_inflight"},
			ReviewGate:   r.artifacts.ReviewGate(taskID),
			Message:      "Dispatch attempt already in progress",
		}, nil
	case begin.Exists && begin.Status == types.IdempoCompleted:
		r.event(taskID, "idempo_dispatch_hit")
		metrics.IdempotencyReplays.Inc()
		cachedStatus := "running"
		cachedDetail := "idempotent_replay"
		if s, ok := begin.Result["dispatch_status"].(string); ok && s != "" {
			cachedStatus = s
		}
		if d, ok := begin.Result["dispatch_detail"].(string); ok && d != "" {
			cachedDetail = d
		}
		return &Result{
			TaskID:       taskID,
			Status:       cachedStatus,
			AutonomyMode: mode,
			RuntimeMode:  runtime,
			ReviewGate:   r.artifacts.ReviewGate(taskID),
			Message:      "Dispatch replayed from idempotency cache: " + cachedDetail,
		}, nil
	}
	r.event(taskID, "idempo_dispatch_miss")

	if _, err := r.reg.UpdateTask(taskID, types.StatusQueued, "queued_for_dispatch", false); err != nil {
		return nil, err
	}
	if _, err := r.reg.UpdateTask(taskID, types.StatusRunning, "dispatch_started", false); err != nil {
		return nil, err
	}

	started := r.now()
	outcome := r.invokeWorker(ctx, task, mode, runtime)
	dispatchMS := r.now().Sub(started).Milliseconds()
	if dispatchMS < 1 {
		dispatchMS = 1
	}
	metrics.DispatchDuration.Observe(float64(dispatchMS) / 1000)

	if _, err := r.reg.CompleteIdempotency(idempoKey, types.IdempoCompleted, map[string]any{
		"dispatch_status":      string(outcome.status),
		"dispatch_detail":      outcome.detail,
		"dispatch_duration_ms": dispatchMS,
	}); err != nil {
		return nil, err
	}

	if outcome.status.Terminal() {
		lastError := ""
		if outcome.status != types.StatusSucceeded {
			lastError = outcome.detail
		}
		if _, err := r.reg.FinishDispatchLease(taskID, owner, types.LeaseStatus(outcome.status), lastError); err != nil {
			return nil, err
		}
	} else {
		if _, err := r.reg.HeartbeatDispatchLease(taskID, owner, r.cfg.LeaseDuration); err != nil {
			return nil, err
		}
	}

	if _, err := r.reg.UpdateTask(taskID, outcome.status, outcome.detail, false); err != nil {
		return nil, err
	}
	r.event(taskID, fmt.Sprintf("dispatched_after_gates status=%s detail=%s", outcome.status, outcome.detail))

	if _, err := r.reg.MergeMetadata(taskID, map[string]any{
		"dispatch_duration_ms":        dispatchMS,
		"estimated_prompt_tokens":     tokensOut,
		"estimated_completion_tokens": completionEst,
		"estimated_total_tokens":      tokensOut + completionEst,
		"estimated_cost_usd":          usd,
		"cost_source":                 costSource,
		"context_input_tokens":        tokensIn,
		"context_compacted_tokens":    tokensOut,
		"compression_ratio":           ratio,
		"context_token_budget":        budget,
		"retrieval_sources":           sources,
		"context_compacted_path":      contextPath,
		"cost_estimate_path":          costPath,
		"model_provider_hint":         provider,
		"model_name_hint":             model,
		"pricing_model":               pricingModel,
		"last_dispatch_status":        string(outcome.status),
	}, "telemetry_dispatch_resume"); err != nil {
		return nil, err
	}
	if err := r.reg.AppendTaskEvent(taskID, types.EventTelemetry,
		fmt.Sprintf("telemetry resume_ms=%d est_cost=%g cost_source=%s", dispatchMS, usd, costSource)); err != nil {
		return nil, err
	}

	return &Result{
		TaskID:       taskID,
		Status:       string(outcome.status),
		AutonomyMode: mode,
		RuntimeMode:  runtime,
		Message:      outcome.detail,
	}, nil
}

// invokeWorker executes the worker tier for the task's route class.
func (r *Router) invokeWorker(ctx context.Context, task *types.TaskDetail, mode types.AutonomyMode, runtime types.RuntimeMode) dispatchOutcome {
	if mode == types.ModeReadonly {
		return dispatchOutcome{types.StatusBlocked, "readonly_mode_execution_disabled"}
	}

	if task.RouteClass == types.RouteHeavy {
		if runtime == types.RuntimeSingleNode {
			res := r.runCommand(ctx, task.TaskID, r.cfg.WorkerWrapper,
				"--task-type", task.TaskType, "--prompt", task.Prompt, "--task-id", task.TaskID)
			if res.ExitCode != 0 {
				return dispatchOutcome{types.StatusFailed, "local_run_failed: " + strings.TrimSpace(res.Stderr)}
			}
			localID := task.TaskID
			if out := strings.TrimSpace(res.Stdout); out != "" {
				outLines := strings.Split(out, "\n")
				localID = strings.TrimSpace(outLines[len(outLines)-1])
			}
			return dispatchOutcome{types.StatusSucceeded, "single_node_local_run task_id=" + localID}
		}

		res := r.runCommand(ctx, task.TaskID, r.cfg.DispatchWrapper,
			"--task-type", task.TaskType, "--prompt", task.Prompt)
		if res.ExitCode != 0 {
			return dispatchOutcome{types.StatusFailed, "dispatch_failed: " + strings.TrimSpace(res.Stderr)}
		}
		remoteID := strings.TrimSpace(res.Stdout)
		if remoteID == "" {
			remoteID = task.TaskID
		}
		return dispatchOutcome{types.StatusRunning, "dispatched_to_remote_worker task_id=" + remoteID}
	}

	// Light tier runs a local stub until a real worker runtime binds.
	dir := r.cfg.TaskDir(task.TaskID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return dispatchOutcome{types.StatusFailed, "local_run_failed: " + err.Error()}
	}
	logPath := filepath.Join(dir, "light_worker_stub.log")
	content := "[STUB] light worker executed\nTODO: bind the real light worker runtime\n"
	if err := os.WriteFile(logPath, []byte(content), 0644); err != nil {
		return dispatchOutcome{types.StatusFailed, "local_run_failed: " + err.Error()}
	}
	return dispatchOutcome{types.StatusSucceeded, "light_stub_executed"}
}

// runCommand executes one wrapper invocation with the dispatch timeout
// and the transient retry policy: exponential backoff with jitter,
// never sleeping less than 50ms between attempts.
func (r *Router) runCommand(ctx context.Context, taskID, name string, args ...string) *RunResult {
	attempts := r.cfg.RetryMax + 1
	if attempts < 1 {
		attempts = 1
	}

	var last *RunResult
	for attempt := 1; attempt <= attempts; attempt++ {
		runCtx, cancel := context.WithTimeout(ctx, r.cfg.DispatchTimeout)
		res := r.runner.Run(runCtx, name, args...)
		cancel()

		if res.TimedOut {
			res.ExitCode = 124
			res.Stderr = fmt.Sprintf("dispatch_timeout after %ds", int(r.cfg.DispatchTimeout.Seconds()))
		}
		if res.ExitCode == 0 {
			return res
		}

		errText := strings.TrimSpace(res.Stderr)
		if errText == "" {
			errText = strings.TrimSpace(res.Stdout)
		}
		last = res
		if attempt >= attempts || !IsTransientDispatchError(errText) {
			return res
		}

		metrics.DispatchRetries.Inc()
		backoff := time.Duration(float64(r.cfg.RetryBackoff) * math.Pow(2, float64(attempt-1)))
		backoff += time.Duration(r.randf() * float64(r.cfg.RetryJitter))
		if backoff < 50*time.Millisecond {
			backoff = 50 * time.Millisecond
		}
		r.event(taskID, fmt.Sprintf("dispatch_retry attempt=%d backoff_ms=%d", attempt, backoff.Milliseconds()))
		r.sleep(backoff)
	}
	return last
}
