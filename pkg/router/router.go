package router

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zhcnova/nova/pkg/artifact"
	"github.com/zhcnova/nova/pkg/config"
	"github.com/zhcnova/nova/pkg/log"
	"github.com/zhcnova/nova/pkg/metrics"
	"github.com/zhcnova/nova/pkg/policy"
	"github.com/zhcnova/nova/pkg/registry"
	"github.com/zhcnova/nova/pkg/types"
)

const routerActor = "router_v1"

// Router classifies tasks, walks them through the policy, review, and
// approval gates, and dispatches the ones that clear every gate.
type Router struct {
	cfg       *config.Plane
	reg       *registry.Registry
	policies  *policy.Set
	artifacts *artifact.Store
	runner    CommandRunner
	prices    PriceSource

	now   func() time.Time
	sleep func(time.Duration)
	randf func() float64
}

// New creates a router on top of the registry, policy set, and
// artifact store.
func New(cfg *config.Plane, reg *registry.Registry, policies *policy.Set, artifacts *artifact.Store) *Router {
	return &Router{
		cfg:       cfg,
		reg:       reg,
		policies:  policies,
		artifacts: artifacts,
		runner:    &execRunner{},
		prices:    newOpenRouterPrices(cfg),
		now:       func() time.Time { return time.Now().UTC() },
		sleep:     time.Sleep,
		randf:     rand.Float64,
	}
}

// SetRunner replaces the worker command runner. Tests use it to fake
// worker invocations.
func (r *Router) SetRunner(runner CommandRunner) { r.runner = runner }

// SetPriceSource replaces the model price source.
func (r *Router) SetPriceSource(prices PriceSource) { r.prices = prices }

// SetClock replaces the wall clock.
func (r *Router) SetClock(now func() time.Time) { r.now = now }

// SetSleep replaces the retry backoff sleeper.
func (r *Router) SetSleep(sleep func(time.Duration)) { r.sleep = sleep }

// Result is the outcome of a route, approve, or resume call.
type Result struct {
	TaskID           string               `json:"task_id"`
	Status           string               `json:"status"`
	RouteClass       types.RouteClass     `json:"route_class,omitempty"`
	RiskLevel        types.RiskLevel      `json:"risk_level,omitempty"`
	ApprovalRequired bool                 `json:"approval_required"`
	ActionCategory   string               `json:"action_category,omitempty"`
	AutonomyMode     types.AutonomyMode   `json:"autonomy_mode,omitempty"`
	RuntimeMode      types.RuntimeMode    `json:"runtime_mode,omitempty"`
	PolicyStatus     string               `json:"policy_status,omitempty"`
	PolicyReason     string               `json:"policy_reason,omitempty"`
	Decision         string               `json:"decision,omitempty"`
	Pending          []string             `json:"pending,omitempty"`
	ReviewGate       *artifact.GateStatus `json:"review_gate,omitempty"`
	Artifact         string               `json:"artifact,omitempty"`
	NextAction       string               `json:"next_action,omitempty"`
	Message          string               `json:"message"`
	Created          string               `json:"created,omitempty"`
}

// Classification is the dry-run outcome of classifying a task without
// creating it.
type Classification struct {
	RouteClass       types.RouteClass   `json:"route_class"`
	RiskLevel        types.RiskLevel    `json:"risk_level"`
	ApprovalRequired bool               `json:"approval_required"`
	AutonomyMode     types.AutonomyMode `json:"autonomy_mode"`
	PolicyStatus     string             `json:"policy_status"`
	PolicyReason     string             `json:"policy_reason"`
}

// Classify classifies a task without creating or dispatching it.
func (r *Router) Classify(taskType, prompt string) *Classification {
	routeClass, riskLevel := r.policies.Classify(taskType, prompt)
	approvalRequired := r.policies.RequiresApproval(riskLevel, taskType)
	if r.cfg.AutonomyMode == types.ModeSupervised && routeClass == types.RouteHeavy {
		approvalRequired = true
	}
	allowed, reason := r.policies.Evaluate(taskType, prompt, routeClass, r.cfg.AutonomyMode)
	status := "allowed"
	if !allowed {
		status = "blocked"
	}
	return &Classification{
		RouteClass:       routeClass,
		RiskLevel:        riskLevel,
		ApprovalRequired: approvalRequired,
		AutonomyMode:     r.cfg.AutonomyMode,
		PolicyStatus:     status,
		PolicyReason:     reason,
	}
}

// Route classifies a new task, creates it, and either dispatches it or
// blocks it pending its gates. A non-empty traceID threads through the
// task metadata and event log for cross-service lookup.
func (r *Router) Route(ctx context.Context, taskType, prompt, traceID string) (*Result, error) {
	routeClass, riskLevel := r.policies.Classify(taskType, prompt)
	mode := r.cfg.AutonomyMode
	runtime := r.cfg.RuntimeMode
	approvalRequired := r.policies.RequiresApproval(riskLevel, taskType)
	actionCategory := policy.ActionCategoryFor(taskType, riskLevel)

	if mode == types.ModeSupervised && routeClass == types.RouteHeavy {
		approvalRequired = true
		if actionCategory == "none" {
			actionCategory = "supervised_heavy_execution"
		}
	}

	taskID := r.newTaskID()
	provider, model := r.modelHintForTask(taskType)

	created, err := r.reg.CreateTask(&types.Task{
		TaskID:           taskID,
		TaskType:         taskType,
		Prompt:           prompt,
		RouteClass:       routeClass,
		RiskLevel:        riskLevel,
		Status:           types.StatusRequested,
		RequiresApproval: approvalRequired,
		Metadata: types.TaskMetadata{
			Source:            routerActor,
			TraceID:           traceID,
			ApprovalRequired:  approvalRequired,
			AutonomyMode:      string(mode),
			RuntimeMode:       string(runtime),
			ModelProviderHint: provider,
			ModelNameHint:     model,
			QueuedAt:          r.now().Format(time.RFC3339),
		},
	})
	if err != nil {
		return nil, err
	}
	if traceID != "" {
		r.event(taskID, "trace_started {"+registry.TraceFragment(traceID)+"}")
	}

	allowed, policyReason := r.policies.Evaluate(taskType, prompt, routeClass, mode)
	if !allowed {
		if _, err := r.reg.UpdateTask(taskID, types.StatusBlocked, "policy_block:"+policyReason, false); err != nil {
			return nil, err
		}
		r.event(taskID, "policy_block reason="+policyReason)
		metrics.PolicyBlocks.WithLabelValues(policyReason).Inc()
		metrics.TasksRouted.WithLabelValues(string(routeClass), "blocked").Inc()
		return &Result{
			TaskID:       taskID,
			Status:       "blocked",
			RouteClass:   routeClass,
			RiskLevel:    riskLevel,
			AutonomyMode: mode,
			RuntimeMode:  runtime,
			PolicyStatus: "blocked",
			PolicyReason: policyReason,
			Message:      "Task blocked by execution policy: " + policyReason,
			Created:      created.CreatedAt.Format(time.RFC3339),
		}, nil
	}
	r.event(taskID, "policy_allow")

	gate := r.artifacts.ReviewGate(taskID)
	var pending []string
	if routeClass == types.RouteHeavy && !gate.GatePassed {
		pending = append(pending, "planner_reviewer_gate")
		r.event(taskID, "review_gate_pending")
	}

	if approvalRequired {
		if _, err := r.reg.RequestApproval(taskID, actionCategory, routerActor, "created_by_router_block"); err != nil {
			return nil, err
		}
		pending = append(pending, "human_approval")
		r.event(taskID, "approval_required before execution")
	}

	if len(pending) > 0 {
		blockDetail := "awaiting_" + strings.Join(pending, "_and_")
		if _, err := r.reg.UpdateTask(taskID, types.StatusBlocked, blockDetail, false); err != nil {
			return nil, err
		}
		metrics.TasksRouted.WithLabelValues(string(routeClass), "blocked").Inc()
		result := &Result{
			TaskID:           taskID,
			Status:           "blocked",
			RouteClass:       routeClass,
			RiskLevel:        riskLevel,
			ApprovalRequired: approvalRequired,
			AutonomyMode:     mode,
			RuntimeMode:      runtime,
			PolicyStatus:     "allowed",
			PolicyReason:     "allowed",
			ReviewGate:       gate,
			Pending:          pending,
			Message:          "Task created and blocked pending: " + strings.Join(pending, ", "),
		}
		if approvalRequired {
			result.ActionCategory = actionCategory
		} else {
			result.ActionCategory = "none"
		}
		return result, nil
	}

	refreshed, err := r.reg.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	dispatched, err := r.DispatchIfReady(ctx, refreshed)
	if err != nil {
		return nil, err
	}
	metrics.TasksRouted.WithLabelValues(string(routeClass), dispatched.Status).Inc()
	dispatched.RouteClass = routeClass
	dispatched.RiskLevel = riskLevel
	dispatched.PolicyStatus = "allowed"
	dispatched.PolicyReason = "allowed"
	dispatched.Created = created.CreatedAt.Format(time.RFC3339)
	return dispatched, nil
}

// Approve records an approval decision on a blocked task. An approved
// decision dispatches the task unless deferDispatch is set; a rejected
// decision cancels it.
func (r *Router) Approve(ctx context.Context, taskID, actionCategory, decidedBy, note, decision string, deferDispatch bool) (*Result, error) {
	if r.cfg.AutonomyMode == types.ModeReadonly {
		return nil, types.E(types.KindPolicyDenied, "router.Approve",
			"cannot approve or resume tasks in readonly autonomy mode")
	}
	if decision != "approved" && decision != "rejected" {
		return nil, types.Ef(types.KindInvalidArgument, "router.Approve",
			"decision must be approved or rejected, got %q", decision)
	}

	task, err := r.reg.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != types.StatusBlocked {
		return nil, types.Ef(types.KindInvalidTransition, "router.Approve",
			"task %s must be blocked before an approval decision", taskID)
	}
	if len(task.Approvals) == 0 {
		return nil, types.Ef(types.KindGateBlocked, "router.Approve",
			"task %s is blocked by policy or runtime state and cannot be resumed by approval", taskID)
	}

	if _, err := r.reg.DecideApproval(taskID, actionCategory, types.ApprovalStatus(decision), decidedBy, note); err != nil {
		return nil, err
	}

	if decision == "rejected" {
		detail := "approval_rejected action=" + actionCategory
		if _, err := r.reg.UpdateTask(taskID, types.StatusCancelled, detail, false); err != nil {
			return nil, err
		}
		r.event(taskID, fmt.Sprintf("approval_rejected action=%s by=%s", actionCategory, decidedBy))
		return &Result{
			TaskID:         taskID,
			Status:         "cancelled",
			ActionCategory: actionCategory,
			Decision:       decision,
			Message:        "Task cancelled due to rejected approval",
		}, nil
	}

	refreshed, err := r.reg.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if deferDispatch {
		pending := r.dispatchBlockers(refreshed)
		r.event(taskID, fmt.Sprintf("approval_decision_recorded_deferred action=%s decision=%s by=%s",
			actionCategory, decision, decidedBy))
		return &Result{
			TaskID:         taskID,
			Status:         "blocked",
			ActionCategory: actionCategory,
			Decision:       decision,
			AutonomyMode:   r.cfg.AutonomyMode,
			Pending:        pending,
			ReviewGate:     r.artifacts.ReviewGate(taskID),
			Message:        "Approval recorded; use resume to execute when ready",
		}, nil
	}

	dispatched, err := r.DispatchIfReady(ctx, refreshed)
	if err != nil {
		return nil, err
	}
	r.event(taskID, fmt.Sprintf("approval_decision_processed action=%s decision=%s by=%s",
		actionCategory, decision, decidedBy))
	dispatched.ActionCategory = actionCategory
	dispatched.Decision = decision
	return dispatched, nil
}

// Resume re-evaluates a blocked task's gates and dispatches it when
// they all pass. Terminal and in-progress tasks are no-ops.
func (r *Router) Resume(ctx context.Context, taskID, requestedBy string) (*Result, error) {
	mode := r.cfg.AutonomyMode
	if mode == types.ModeReadonly {
		return nil, types.E(types.KindPolicyDenied, "router.Resume",
			"cannot resume tasks in readonly autonomy mode")
	}

	reconciled, err := r.reg.ReconcileDispatchLeases(r.cfg.DispatchOwner)
	if err != nil {
		return nil, err
	}
	if n := reconciled.Reconciled; n > 0 {
		metrics.LeaseReclaims.Add(float64(n))
	}

	task, err := r.reg.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	status := task.Status
	if status.Terminal() {
		r.event(taskID, "resume_noop terminal_status="+string(status))
		return &Result{
			TaskID:       taskID,
			Status:       string(status),
			AutonomyMode: mode,
			RuntimeMode:  r.cfg.RuntimeMode,
			Message:      "Task already terminal: " + string(status),
		}, nil
	}
	if status == types.StatusRunning || status == types.StatusQueued {
		r.event(taskID, "resume_noop already_"+string(status))
		return &Result{
			TaskID:       taskID,
			Status:       string(status),
			AutonomyMode: mode,
			RuntimeMode:  r.cfg.RuntimeMode,
			Message:      "Task already in progress: " + string(status),
		}, nil
	}
	if status != types.StatusBlocked {
		return nil, types.Ef(types.KindInvalidTransition, "router.Resume",
			"task %s must be blocked before resume, status is %s", taskID, status)
	}

	result, err := r.DispatchIfReady(ctx, task)
	if err != nil {
		return nil, err
	}
	r.event(taskID, "resume_requested by="+requestedBy)
	return result, nil
}

// RecordPlan writes the planner artifact for a heavy task.
func (r *Router) RecordPlan(taskID, author, summary string) (*Result, error) {
	task, err := r.reg.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task.RouteClass != types.RouteHeavy {
		return nil, types.E(types.KindInvalidArgument, "router.RecordPlan",
			"planner artifact is only required for HEAVY tasks")
	}
	path, err := r.artifacts.WritePlanner(taskID, author, summary)
	if err != nil {
		return nil, err
	}
	r.event(taskID, "planner_artifact_recorded path="+path)
	return &Result{
		TaskID:     taskID,
		Status:     string(task.Status),
		Artifact:   path,
		ReviewGate: r.artifacts.ReviewGate(taskID),
		Message:    "Planner artifact recorded",
	}, nil
}

// RecordReview validates and writes the reviewer artifact for a heavy
// task. A pass verdict requires a fully true checklist; a fail verdict
// requires a known reason code.
func (r *Router) RecordReview(taskID, reviewer, verdict, reasonCode string, checklistRaw map[string]any, notes string) (*Result, error) {
	task, err := r.reg.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task.RouteClass != types.RouteHeavy {
		return nil, types.E(types.KindInvalidArgument, "router.RecordReview",
			"reviewer artifact is only required for HEAVY tasks")
	}

	verdict = strings.ToLower(strings.TrimSpace(verdict))
	if verdict != "pass" && verdict != "fail" {
		return nil, types.E(types.KindInvalidArgument, "router.RecordReview",
			"verdict must be one of: pass, fail")
	}
	reasonCode = strings.ToLower(strings.TrimSpace(reasonCode))
	if verdict == "fail" && !artifact.ValidFailReason(reasonCode) {
		return nil, types.Ef(types.KindInvalidArgument, "router.RecordReview",
			"reason code required for fail verdict, allowed: %s", strings.Join(artifact.FailReasons(), ", "))
	}
	if verdict == "pass" {
		reasonCode = ""
	}

	checklist := make(map[string]bool, len(artifact.ChecklistKeys))
	allTrue := true
	for _, key := range artifact.ChecklistKeys {
		val, _ := checklistRaw[key].(bool)
		checklist[key] = val
		if !val {
			allTrue = false
		}
	}
	if verdict == "pass" && !allTrue {
		return nil, types.E(types.KindInvalidArgument, "router.RecordReview",
			"pass verdict requires all checklist values to be true")
	}

	path, err := r.artifacts.WriteReviewer(taskID, reviewer, verdict, reasonCode, checklist, notes)
	if err != nil {
		return nil, err
	}
	reasonLabel := reasonCode
	if reasonLabel == "" {
		reasonLabel = "none"
	}
	r.event(taskID, fmt.Sprintf("reviewer_artifact_recorded verdict=%s reason_code=%s path=%s",
		verdict, reasonLabel, path))

	nextAction := "Resume task once other gates are satisfied"
	if verdict == "fail" {
		nextAction = "Fix issues then submit pass review"
	}
	return &Result{
		TaskID:     taskID,
		Status:     string(task.Status),
		Artifact:   path,
		ReviewGate: r.artifacts.ReviewGate(taskID),
		NextAction: nextAction,
		Message:    "Reviewer artifact recorded",
	}, nil
}

func (r *Router) newTaskID() string {
	stamp := r.now().Format("20060102T150405")
	return fmt.Sprintf("task-%s-%s", stamp, uuid.NewString()[:8])
}

func (r *Router) modelHintForTask(taskType string) (string, string) {
	switch taskType {
	case "code_review", "plan", "summary":
		return r.cfg.FallbackProvider, r.cfg.FallbackModel
	}
	return r.cfg.DefaultProvider, r.cfg.DefaultModel
}

func (r *Router) event(taskID, detail string) {
	if err := r.reg.AppendTaskEvent(taskID, types.EventRouter, detail); err != nil {
		lg := log.WithTaskID(taskID)
		lg.Warn().Err(err).Msg("failed to append router event")
	}
}

// payloadHash is the canonical hash of the dispatch payload used as
// the idempotency fingerprint. Maps marshal with sorted keys, so equal
// payloads hash equally.
func payloadHash(payload map[string]any) string {
	canonical, _ := json.Marshal(payload)
	return fmt.Sprintf("%x", sha256.Sum256(canonical))
}
