// Package selfcheck runs the chaos-lite reliability scenarios against
// a scratch control plane: a throwaway registry, router with a scripted
// worker, and ingress with a scripted transport. It verifies the
// recovery paths that only show up under duplication, expiry, and
// transient failure.
package selfcheck

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zhcnova/nova/pkg/artifact"
	"github.com/zhcnova/nova/pkg/config"
	"github.com/zhcnova/nova/pkg/policy"
	"github.com/zhcnova/nova/pkg/registry"
	"github.com/zhcnova/nova/pkg/router"
	"github.com/zhcnova/nova/pkg/telegram"
	"github.com/zhcnova/nova/pkg/types"
)

// syntheticUpdateBase keeps selfcheck updates inside the synthetic
// traffic range so the ops report excludes them.
const syntheticUpdateBase int64 = 920_000_000

// ScenarioResult is the outcome of one scenario.
type ScenarioResult struct {
	Name    string         `json:"name"`
	Passed  bool           `json:"passed"`
	Details map[string]any `json:"details,omitempty"`
}

// Report is the full suite outcome.
type Report struct {
	OK              bool              `json:"ok"`
	StartedAt       time.Time         `json:"started_at"`
	DurationSeconds float64           `json:"duration_seconds"`
	Scenarios       []*ScenarioResult `json:"scenarios"`
	FailedScenarios []string          `json:"failed_scenarios"`
}

// Summary renders one PASS/FAIL line per scenario.
func (r *Report) Summary() string {
	var b strings.Builder
	for _, s := range r.Scenarios {
		verdict := "PASS"
		if !s.Passed {
			verdict = "FAIL"
		}
		fmt.Fprintf(&b, "%s %s\n", verdict, s.Name)
	}
	if r.OK {
		b.WriteString("selfcheck ok\n")
	} else {
		fmt.Fprintf(&b, "selfcheck failed: %s\n", strings.Join(r.FailedScenarios, ", "))
	}
	return b.String()
}

// Run executes all scenarios. Each scenario gets a fresh scratch
// environment; nothing touches the production registry or bot.
func Run(ctx context.Context) (*Report, error) {
	started := time.Now().UTC()
	baseUID := syntheticUpdateBase + started.Unix()%1_000_000

	report := &Report{StartedAt: started, Scenarios: []*ScenarioResult{}}
	runners := []func(context.Context, int64) (*ScenarioResult, error){
		scenarioDuplicateUpdateReplay,
		scenarioLeaseRecoveryAfterExpiry,
		scenarioTransientDispatchRetry,
		scenarioSuccessThenReportingFailure,
	}
	for _, run := range runners {
		result, err := run(ctx, baseUID)
		if err != nil {
			return nil, err
		}
		report.Scenarios = append(report.Scenarios, result)
		if !result.Passed {
			report.FailedScenarios = append(report.FailedScenarios, result.Name)
		}
	}

	report.OK = len(report.FailedScenarios) == 0
	report.DurationSeconds = time.Since(started).Seconds()
	return report, nil
}

const scratchRoutingYAML = `
default:
  route_class: LIGHT
  risk_level: low
task_type_overrides:
  code_refactor:
    route_class: HEAVY
    risk_level: medium
`

const scratchApprovalYAML = `
gates: {}
`

const scratchExecutionYAML = `
default:
  enforcement: strict
allowlists:
  light_task_types:
    - ping
    - summary
  heavy_task_types:
    - code_refactor
deny_rules:
  blocked_prompt_keywords: []
  blocked_path_patterns: []
`

// scratchEnv is one throwaway control plane.
type scratchEnv struct {
	dir     string
	reg     *registry.Registry
	rtr     *router.Router
	plane   *config.Plane
	ingress *config.Ingress
	runner  *scriptedRunner
	cleanup func()
}

func newScratchEnv() (*scratchEnv, error) {
	dir, err := os.MkdirTemp("", "nova-selfcheck-*")
	if err != nil {
		return nil, err
	}
	cleanup := func() { os.RemoveAll(dir) }

	writePolicy := func(name, content string) (string, error) {
		path := filepath.Join(dir, name)
		return path, os.WriteFile(path, []byte(content), 0644)
	}
	routingPath, err := writePolicy("routing.yaml", scratchRoutingYAML)
	if err != nil {
		cleanup()
		return nil, err
	}
	approvalPath, err := writePolicy("approvals.yaml", scratchApprovalYAML)
	if err != nil {
		cleanup()
		return nil, err
	}
	executionPath, err := writePolicy("execution_policy.yaml", scratchExecutionYAML)
	if err != nil {
		cleanup()
		return nil, err
	}
	policies, err := policy.Load(routingPath, approvalPath, executionPath, "")
	if err != nil {
		cleanup()
		return nil, err
	}

	reg, err := registry.Open(filepath.Join(dir, "registry.db"))
	if err != nil {
		cleanup()
		return nil, err
	}

	plane := &config.Plane{
		StorageRoot:        dir,
		AutonomyMode:       types.ModeSupervised,
		RuntimeMode:        types.RuntimeSingleNode,
		DispatchOwner:      "selfcheck:1",
		LeaseDuration:      2 * time.Minute,
		RetryMax:           1,
		RetryBackoff:       10 * time.Millisecond,
		DispatchTimeout:    5 * time.Second,
		ContextBudgetLight: 1200,
		ContextBudgetHeavy: 2400,
		TargetRatio:        0.7,
		DefaultProvider:    "openai",
		DefaultModel:       "codex",
		FallbackProvider:   "openrouter",
		FallbackModel:      "planner-model",
		WorkerWrapper:      "worker-wrapper",
		DispatchWrapper:    "dispatch-wrapper",
	}
	runner := &scriptedRunner{}
	rtr := router.New(plane, reg, policies, artifact.NewStore(dir))
	rtr.SetRunner(runner)
	rtr.SetSleep(func(time.Duration) {})

	ingress := &config.Ingress{
		Token:          "selfcheck",
		PollTimeout:    time.Second,
		PollInterval:   time.Millisecond,
		AllowedChatIDs: map[int64]bool{4242: true},
		RequireAllow:   true,
		AuditLogPath:   filepath.Join(dir, "memory", "telegram_command_audit.jsonl"),
		OffsetPath:     filepath.Join(dir, "memory", "telegram_offset.txt"),
		LockPath:       filepath.Join(dir, "memory", "telegram_longpoll.lock"),
		CommandTimeout: 30 * time.Second,
		ResumeTimeout:  60 * time.Second,
		RatePerMinute:  100,
		RateBurst:      50,
		MaxBackoff:     time.Second,
	}

	return &scratchEnv{
		dir:     dir,
		reg:     reg,
		rtr:     rtr,
		plane:   plane,
		ingress: ingress,
		runner:  runner,
		cleanup: func() {
			reg.Close()
			cleanup()
		},
	}, nil
}

// scriptedRunner plays back canned worker results and counts calls.
type scriptedRunner struct {
	mu     sync.Mutex
	calls  int
	script []*router.RunResult
}

func (s *scriptedRunner) Run(ctx context.Context, name string, args ...string) *router.RunResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.script) == 0 {
		return &router.RunResult{ExitCode: 0, Stdout: "worker-done\n"}
	}
	res := s.script[0]
	s.script = s.script[1:]
	return res
}

func (s *scriptedRunner) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// scriptedTransport feeds scripted update batches to the ingress and
// cancels the run once they are consumed. Send failures can be
// injected for the first N replies.
type scriptedTransport struct {
	mu        sync.Mutex
	batches   [][]telegram.Update
	sendFails int
	sends     int
	cancel    context.CancelFunc
}

func (t *scriptedTransport) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]telegram.Update, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.batches) == 0 {
		if t.cancel != nil {
			t.cancel()
		}
		return nil, nil
	}
	batch := t.batches[0]
	t.batches = t.batches[1:]
	return batch, nil
}

func (t *scriptedTransport) SendMessage(ctx context.Context, chatID int64, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sends++
	if t.sends <= t.sendFails {
		return types.E(types.KindTransport, "selfcheck.SendMessage", "reporting_sink_down")
	}
	return nil
}

func (t *scriptedTransport) sendCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sends
}

func commandUpdate(updateID, chatID int64, actor, text string) telegram.Update {
	return telegram.Update{
		UpdateID: updateID,
		Message: &telegram.Message{
			MessageID: updateID,
			From:      &telegram.User{ID: chatID, Username: actor},
			Chat:      telegram.Chat{ID: chatID},
			Text:      text,
		},
	}
}

// runScratchIngress drives the ingress loop until the transport runs
// out of scripted batches.
func runScratchIngress(ctx context.Context, env *scratchEnv, transport *scriptedTransport) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	transport.cancel = cancel

	ing := telegram.New(env.ingress, env.reg, env.rtr, transport)
	ing.SetSleep(func(time.Duration) {})
	return ing.Run(runCtx)
}

func auditStatusesFor(path string, updateID int64) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var statuses []string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var rec telegram.AuditRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		if rec.UpdateID == updateID {
			statuses = append(statuses, rec.Status)
		}
	}
	return statuses, nil
}

func tasksForTrace(reg *registry.Registry, traceID string) (int, error) {
	tasks, err := reg.ListTasks(100)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, task := range tasks {
		if task.Metadata.TraceID == traceID {
			count++
		}
	}
	return count, nil
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

// scenarioDuplicateUpdateReplay replays the same update twice: exactly
// one task is created and the second pass is answered from the
// idempotency cache.
func scenarioDuplicateUpdateReplay(ctx context.Context, baseUID int64) (*ScenarioResult, error) {
	env, err := newScratchEnv()
	if err != nil {
		return nil, err
	}
	defer env.cleanup()

	updateID := baseUID + 1
	update := commandUpdate(updateID, 4242, "chaos_replay", "/newtask ping chaos duplicate replay")
	transport := &scriptedTransport{batches: [][]telegram.Update{{update}, {update}}}

	if err := runScratchIngress(ctx, env, transport); err != nil {
		return nil, err
	}

	traceID := fmt.Sprintf("tg-%d", updateID)
	taskCount, err := tasksForTrace(env.reg, traceID)
	if err != nil {
		return nil, err
	}
	statuses, err := auditStatusesFor(env.ingress.AuditLogPath, updateID)
	if err != nil {
		return nil, err
	}

	return &ScenarioResult{
		Name:   "duplicate_update_replay",
		Passed: taskCount == 1 && contains(statuses, "ok") && contains(statuses, "idempotent_replay"),
		Details: map[string]any{
			"trace_tasks": taskCount,
			"statuses":    statuses,
			"update_id":   updateID,
			"trace_id":    traceID,
		},
	}, nil
}

// scenarioLeaseRecoveryAfterExpiry claims a lease, lets it expire on a
// fake clock, reconciles as a new owner, and reclaims it with a bumped
// attempt count.
func scenarioLeaseRecoveryAfterExpiry(ctx context.Context, baseUID int64) (*ScenarioResult, error) {
	env, err := newScratchEnv()
	if err != nil {
		return nil, err
	}
	defer env.cleanup()

	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	env.reg.SetClock(func() time.Time { return now })

	taskID := "task-selfcheck-lease"
	if _, err := env.reg.CreateTask(&types.Task{
		TaskID:           taskID,
		TaskType:         "code_refactor",
		Prompt:           "lease recovery drill",
		RouteClass:       types.RouteHeavy,
		Status:           types.StatusBlocked,
		RequiresApproval: true,
		RiskLevel:        types.RiskMedium,
	}); err != nil {
		return nil, err
	}

	if _, err := env.reg.EnqueueDispatchLease(taskID, "owner-a", time.Minute); err != nil {
		return nil, err
	}
	if _, err := env.reg.ClaimDispatchLease(taskID, "owner-a", time.Minute); err != nil {
		return nil, err
	}

	now = now.Add(2 * time.Minute)
	if _, err := env.reg.ReconcileDispatchLeases("owner-b"); err != nil {
		return nil, err
	}
	claim, err := env.reg.ClaimDispatchLease(taskID, "owner-b", 2*time.Minute)
	if err != nil {
		return nil, err
	}
	lease, err := env.reg.GetDispatchLease(taskID)
	if err != nil {
		return nil, err
	}

	return &ScenarioResult{
		Name:   "lease_recovery_after_expiry",
		Passed: claim.Claimed && lease.OwnerID == "owner-b" && lease.AttemptCount >= 2,
		Details: map[string]any{
			"claimed":       claim.Claimed,
			"owner_id":      lease.OwnerID,
			"attempt_count": lease.AttemptCount,
			"last_error":    lease.LastError,
		},
	}, nil
}

// scenarioTransientDispatchRetry fails the worker once with a transient
// error and verifies the retry makes the dispatch succeed on the second
// invocation.
func scenarioTransientDispatchRetry(ctx context.Context, baseUID int64) (*ScenarioResult, error) {
	env, err := newScratchEnv()
	if err != nil {
		return nil, err
	}
	defer env.cleanup()

	routed, err := env.rtr.Route(ctx, "code_refactor", "retry drill refactor", "")
	if err != nil {
		return nil, err
	}
	taskID := routed.TaskID

	if _, err := env.rtr.RecordPlan(taskID, "selfcheck", "plan: retry drill"); err != nil {
		return nil, err
	}
	checklist := map[string]any{}
	for _, key := range artifact.ChecklistKeys {
		checklist[key] = true
	}
	if _, err := env.rtr.RecordReview(taskID, "selfcheck", "pass", "", checklist, "ok"); err != nil {
		return nil, err
	}
	// Supervised heavy tasks also carry a human approval gate; record it
	// deferred so the resume below drives the dispatch.
	if _, err := env.rtr.Approve(ctx, taskID, routed.ActionCategory, "selfcheck",
		"approved for retry drill", "approved", true); err != nil {
		return nil, err
	}

	env.runner.script = []*router.RunResult{
		{ExitCode: 1, Stderr: "connection reset by peer"},
		{ExitCode: 0, Stdout: "READY\n"},
	}

	resumed, err := env.rtr.Resume(ctx, taskID, "selfcheck")
	if err != nil {
		return nil, err
	}

	return &ScenarioResult{
		Name:   "transient_dispatch_retry",
		Passed: resumed.Status == string(types.StatusSucceeded) && env.runner.callCount() == 2,
		Details: map[string]any{
			"status":         resumed.Status,
			"worker_calls":   env.runner.callCount(),
			"resume_message": resumed.Message,
		},
	}, nil
}

// scenarioSuccessThenReportingFailure succeeds a command whose reply
// sink is down, then replays the update: the cached outcome answers it
// without a second task or a second worker-side effect.
func scenarioSuccessThenReportingFailure(ctx context.Context, baseUID int64) (*ScenarioResult, error) {
	env, err := newScratchEnv()
	if err != nil {
		return nil, err
	}
	defer env.cleanup()

	updateID := baseUID + 2
	update := commandUpdate(updateID, 4242, "chaos_report", "/newtask ping chaos reporting failure")
	transport := &scriptedTransport{
		batches:   [][]telegram.Update{{update}, {update}},
		sendFails: 1,
	}

	if err := runScratchIngress(ctx, env, transport); err != nil {
		return nil, err
	}

	traceID := fmt.Sprintf("tg-%d", updateID)
	taskCount, err := tasksForTrace(env.reg, traceID)
	if err != nil {
		return nil, err
	}
	statuses, err := auditStatusesFor(env.ingress.AuditLogPath, updateID)
	if err != nil {
		return nil, err
	}

	return &ScenarioResult{
		Name: "success_then_reporting_failure",
		Passed: taskCount == 1 &&
			contains(statuses, "ok") &&
			contains(statuses, "idempotent_replay") &&
			transport.sendCount() == 1,
		Details: map[string]any{
			"trace_tasks":   taskCount,
			"statuses":      statuses,
			"send_attempts": transport.sendCount(),
			"update_id":     updateID,
		},
	}, nil
}
