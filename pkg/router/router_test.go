package router

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhcnova/nova/pkg/artifact"
	"github.com/zhcnova/nova/pkg/config"
	"github.com/zhcnova/nova/pkg/policy"
	"github.com/zhcnova/nova/pkg/registry"
	"github.com/zhcnova/nova/pkg/types"
)

const testRoutingYAML = `
default:
  route_class: LIGHT
  risk_level: low
task_type_overrides:
  code_refactor:
    route_class: HEAVY
    risk_level: medium
  deploy:
    route_class: HEAVY
    risk_level: high
`

const testApprovalYAML = `
gates:
  deploy_restart:
    require_human_approval: true
`

const testExecutionYAML = `
default:
  enforcement: strict
allowlists:
  light_task_types:
    - summary
    - status_check
  heavy_task_types:
    - code_refactor
    - build_fix
    - deploy
deny_rules:
  blocked_prompt_keywords:
    - drop table
  blocked_path_patterns:
    - /etc/passwd
`

// scriptedRunner plays back canned worker results and counts calls.
type scriptedRunner struct {
	mu     sync.Mutex
	calls  int
	script []*RunResult
}

func (s *scriptedRunner) Run(ctx context.Context, name string, args ...string) *RunResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.script) == 0 {
		return &RunResult{ExitCode: 0, Stdout: "worker-done\n"}
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

func newTestRouter(t *testing.T, mode types.AutonomyMode) (*Router, *registry.Registry, *config.Plane, *scriptedRunner) {
	t.Helper()
	dir := t.TempDir()

	writePolicy := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		return path
	}
	policies, err := policy.Load(
		writePolicy("routing.yaml", testRoutingYAML),
		writePolicy("approvals.yaml", testApprovalYAML),
		writePolicy("execution_policy.yaml", testExecutionYAML),
		"",
	)
	require.NoError(t, err)

	reg, err := registry.Open(filepath.Join(dir, "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	cfg := &config.Plane{
		DBPath:             filepath.Join(dir, "registry.db"),
		StorageRoot:        dir,
		AutonomyMode:       mode,
		RuntimeMode:        types.RuntimeSingleNode,
		DispatchOwner:      "test-owner:1",
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
		WorkerWrapper:      "zrun.sh",
		DispatchWrapper:    "zdispatch.sh",
	}

	rtr := New(cfg, reg, policies, artifact.NewStore(dir))
	runner := &scriptedRunner{}
	rtr.SetRunner(runner)
	rtr.SetSleep(func(time.Duration) {})
	return rtr, reg, cfg, runner
}

func passReviewGate(t *testing.T, rtr *Router, taskID string) {
	t.Helper()
	_, err := rtr.RecordPlan(taskID, "planner_v1", "scope of the change")
	require.NoError(t, err)

	checklist := map[string]any{}
	for _, key := range artifact.ChecklistKeys {
		checklist[key] = true
	}
	_, err = rtr.RecordReview(taskID, "reviewer_v1", "pass", "", checklist, "looks good")
	require.NoError(t, err)
}

func TestRouteLightRunsLocalStub(t *testing.T) {
	rtr, reg, cfg, runner := newTestRouter(t, types.ModeAuto)

	res, err := rtr.Route(context.Background(), "summary", "summarise the weekly report", "")
	require.NoError(t, err)
	assert.Equal(t, "succeeded", res.Status)
	assert.Equal(t, "light_stub_executed", res.Message)
	assert.Equal(t, 0, runner.callCount(), "light tier must not exec a wrapper")

	task, err := reg.GetTask(res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSucceeded, task.Status)
	assert.Equal(t, "heuristic", task.Metadata.CostSource)
	assert.Equal(t, 1200, task.Metadata.ContextTokenBudget)
	assert.NotEmpty(t, task.Metadata.ContextPath)
	assert.Equal(t, "succeeded", task.Metadata.LastDispatchStatus)

	_, err = os.Stat(filepath.Join(cfg.TaskDir(res.TaskID), "light_worker_stub.log"))
	assert.NoError(t, err)
}

func TestRoutePolicyBlock(t *testing.T) {
	rtr, reg, _, _ := newTestRouter(t, types.ModeAuto)

	res, err := rtr.Route(context.Background(), "summary", "please drop table users", "")
	require.NoError(t, err)
	assert.Equal(t, "blocked", res.Status)
	assert.Equal(t, "blocked", res.PolicyStatus)
	assert.Equal(t, "blocked_prompt_keyword", res.PolicyReason)

	task, err := reg.GetTask(res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusBlocked, task.Status)
}

func TestRouteTracePropagation(t *testing.T) {
	rtr, reg, _, _ := newTestRouter(t, types.ModeAuto)

	res, err := rtr.Route(context.Background(), "summary", "trace smoke", "tg-42")
	require.NoError(t, err)

	task, err := reg.GetTask(res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "tg-42", task.Metadata.TraceID)

	page, err := reg.TraceEvents("tg-42", 0)
	require.NoError(t, err)
	require.NotEmpty(t, page.Events)
	assert.Equal(t, res.TaskID, page.Events[0].TaskID)
}

func TestRouteHeavySupervisedBlocksOnGates(t *testing.T) {
	rtr, _, _, _ := newTestRouter(t, types.ModeSupervised)

	res, err := rtr.Route(context.Background(), "code_refactor", "tidy the parser", "")
	require.NoError(t, err)
	assert.Equal(t, "blocked", res.Status)
	assert.Contains(t, res.Pending, "planner_reviewer_gate")
	assert.Contains(t, res.Pending, "human_approval")
	assert.True(t, res.ApprovalRequired)
	assert.Equal(t, "supervised_heavy_execution", res.ActionCategory)
}

func TestApproveDeferThenResume(t *testing.T) {
	rtr, reg, _, runner := newTestRouter(t, types.ModeSupervised)
	runner.script = []*RunResult{{ExitCode: 0, Stdout: "local-run-7\n"}}

	created, err := rtr.Route(context.Background(), "code_refactor", "tidy the parser", "")
	require.NoError(t, err)
	require.Equal(t, "blocked", created.Status)

	passReviewGate(t, rtr, created.TaskID)

	approved, err := rtr.Approve(context.Background(), created.TaskID,
		"supervised_heavy_execution", "ops", "go ahead", "approved", true)
	require.NoError(t, err)
	assert.Equal(t, "blocked", approved.Status)
	assert.Contains(t, approved.Message, "resume")
	assert.Equal(t, 0, runner.callCount(), "defer must not dispatch")

	resumed, err := rtr.Resume(context.Background(), created.TaskID, "ops")
	require.NoError(t, err)
	assert.Equal(t, "succeeded", resumed.Status)
	assert.Equal(t, "single_node_local_run task_id=local-run-7", resumed.Message)
	assert.Equal(t, 1, runner.callCount())

	task, err := reg.GetTask(created.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSucceeded, task.Status)
	require.NotNil(t, task.DispatchLease)
	assert.Equal(t, types.LeaseSucceeded, task.DispatchLease.LeaseStatus)
}

func TestApproveRejectedCancelsTask(t *testing.T) {
	rtr, reg, _, _ := newTestRouter(t, types.ModeSupervised)

	created, err := rtr.Route(context.Background(), "code_refactor", "tidy the parser", "")
	require.NoError(t, err)

	res, err := rtr.Approve(context.Background(), created.TaskID,
		"supervised_heavy_execution", "ops", "not now", "rejected", false)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", res.Status)

	task, err := reg.GetTask(created.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, task.Status)
}

func TestDispatchTransientRetrySucceeds(t *testing.T) {
	rtr, _, _, runner := newTestRouter(t, types.ModeAuto)
	runner.script = []*RunResult{
		{ExitCode: 1, Stderr: "connection reset by peer"},
		{ExitCode: 0, Stdout: "local-run-2\n"},
	}

	created, err := rtr.Route(context.Background(), "code_refactor", "tidy the parser", "")
	require.NoError(t, err)
	require.Equal(t, "blocked", created.Status)
	passReviewGate(t, rtr, created.TaskID)

	resumed, err := rtr.Resume(context.Background(), created.TaskID, "ops")
	require.NoError(t, err)
	assert.Equal(t, "succeeded", resumed.Status)
	assert.Equal(t, 2, runner.callCount(), "transient error retries once")
}

func TestDispatchNonTransientFailsFast(t *testing.T) {
	rtr, reg, _, runner := newTestRouter(t, types.ModeAuto)
	runner.script = []*RunResult{
		{ExitCode: 1, Stderr: "syntax error in wrapper"},
	}

	created, err := rtr.Route(context.Background(), "code_refactor", "tidy the parser", "")
	require.NoError(t, err)
	passReviewGate(t, rtr, created.TaskID)

	resumed, err := rtr.Resume(context.Background(), created.TaskID, "ops")
	require.NoError(t, err)
	assert.Equal(t, "failed", resumed.Status)
	assert.Contains(t, resumed.Message, "local_run_failed: syntax error in wrapper")
	assert.Equal(t, 1, runner.callCount(), "non-transient errors must not retry")

	task, err := reg.GetTask(created.TaskID)
	require.NoError(t, err)
	require.NotNil(t, task.DispatchLease)
	assert.Equal(t, types.LeaseFailed, task.DispatchLease.LeaseStatus)
	assert.Contains(t, task.DispatchLease.LastError, "local_run_failed")
}

func TestDispatchReviewFailBlocksWithReason(t *testing.T) {
	rtr, _, _, _ := newTestRouter(t, types.ModeAuto)

	created, err := rtr.Route(context.Background(), "code_refactor", "tidy the parser", "")
	require.NoError(t, err)

	_, err = rtr.RecordPlan(created.TaskID, "planner_v1", "scope")
	require.NoError(t, err)
	checklist := map[string]any{}
	for _, key := range artifact.ChecklistKeys {
		checklist[key] = false
	}
	_, err = rtr.RecordReview(created.TaskID, "reviewer_v1", "fail",
		artifact.ReasonMissingTests, checklist, "no tests")
	require.NoError(t, err)

	resumed, err := rtr.Resume(context.Background(), created.TaskID, "ops")
	require.NoError(t, err)
	assert.Equal(t, "blocked", resumed.Status)
	assert.Contains(t, resumed.Pending, "review_failed:missing_tests")
	assert.Contains(t, resumed.Message, "/review")
}

func TestResumeReadonlyDenied(t *testing.T) {
	rtr, _, _, _ := newTestRouter(t, types.ModeReadonly)

	_, err := rtr.Resume(context.Background(), "task-any", "ops")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindPolicyDenied))
}

func TestDispatchIdempotencyInflight(t *testing.T) {
	rtr, reg, cfg, runner := newTestRouter(t, types.ModeAuto)

	created, err := rtr.Route(context.Background(), "code_refactor", "tidy the parser", "")
	require.NoError(t, err)
	passReviewGate(t, rtr, created.TaskID)

	// A processing key for the upcoming attempt means another dispatcher
	// already started this exact attempt.
	task, err := reg.GetTask(created.TaskID)
	require.NoError(t, err)
	hash := payloadHash(map[string]any{
		"task_id":       task.TaskID,
		"task_type":     task.TaskType,
		"prompt":        task.Prompt,
		"route_class":   string(task.RouteClass),
		"mode":          string(types.ModeAuto),
		"runtime_mode":  string(types.RuntimeSingleNode),
		"owner":         cfg.DispatchOwner,
		"attempt_count": 1,
	})
	_, err = reg.BeginIdempotency("dispatch:"+task.TaskID+":1", types.ScopeDispatch, hash, task.TaskID)
	require.NoError(t, err)

	resumed, err := rtr.Resume(context.Background(), created.TaskID, "ops")
	require.NoError(t, err)
	assert.Equal(t, "running", resumed.Status)
	assert.Contains(t, resumed.Pending, "dispatch_inflight")
	assert.Equal(t, 0, runner.callCount())
}

func TestDispatchIdempotencyReplay(t *testing.T) {
	rtr, reg, cfg, runner := newTestRouter(t, types.ModeAuto)

	created, err := rtr.Route(context.Background(), "code_refactor", "tidy the parser", "")
	require.NoError(t, err)
	passReviewGate(t, rtr, created.TaskID)

	task, err := reg.GetTask(created.TaskID)
	require.NoError(t, err)
	hash := payloadHash(map[string]any{
		"task_id":       task.TaskID,
		"task_type":     task.TaskType,
		"prompt":        task.Prompt,
		"route_class":   string(task.RouteClass),
		"mode":          string(types.ModeAuto),
		"runtime_mode":  string(types.RuntimeSingleNode),
		"owner":         cfg.DispatchOwner,
		"attempt_count": 1,
	})
	key := "dispatch:" + task.TaskID + ":1"
	_, err = reg.BeginIdempotency(key, types.ScopeDispatch, hash, task.TaskID)
	require.NoError(t, err)
	_, err = reg.CompleteIdempotency(key, types.IdempoCompleted, map[string]any{
		"dispatch_status": "succeeded",
		"dispatch_detail": "single_node_local_run task_id=cached",
	})
	require.NoError(t, err)

	resumed, err := rtr.Resume(context.Background(), created.TaskID, "ops")
	require.NoError(t, err)
	assert.Equal(t, "succeeded", resumed.Status)
	assert.Contains(t, resumed.Message, "replayed from idempotency cache")
	assert.Contains(t, resumed.Message, "task_id=cached")
	assert.Equal(t, 0, runner.callCount(), "replay must not re-run the worker")
}

func TestDispatchIdempotencyConflict(t *testing.T) {
	rtr, reg, _, runner := newTestRouter(t, types.ModeAuto)

	created, err := rtr.Route(context.Background(), "code_refactor", "tidy the parser", "")
	require.NoError(t, err)
	passReviewGate(t, rtr, created.TaskID)

	key := "dispatch:" + created.TaskID + ":1"
	_, err = reg.BeginIdempotency(key, types.ScopeDispatch, "another-payload-hash", created.TaskID)
	require.NoError(t, err)

	resumed, err := rtr.Resume(context.Background(), created.TaskID, "ops")
	require.NoError(t, err)
	assert.Equal(t, "blocked", resumed.Status)
	assert.Contains(t, resumed.Pending, "idempotency_conflict")
	assert.Equal(t, 0, runner.callCount())
}

func TestTransientMarkers(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"connection reset by peer", true},
		{"request timed out", true},
		{"dispatch_timeout after 900s", true},
		{"resource temporarily unavailable", true},
		{"Too Many Requests", true},
		{"503 service unavailable", true},
		{"broken pipe", true},
		{"syntax error", false},
		{"permission denied", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsTransientDispatchError(tt.text), tt.text)
	}
}

func TestCompactionRespectsBudget(t *testing.T) {
	rtr, _, _, _ := newTestRouter(t, types.ModeAuto)

	var sb strings.Builder
	sb.WriteString("task_id=task-big\nprompt=very long prompt\n")
	for i := 0; i < 400; i++ {
		sb.WriteString("- retrieval line with plenty of words to inflate the token estimate beyond any small budget\n")
	}

	compacted, tokensIn, tokensOut, ratio := rtr.compactToBudget(sb.String(), 200)
	assert.Greater(t, tokensIn, 200)
	assert.LessOrEqual(t, tokensOut, 200)
	assert.LessOrEqual(t, ratio, 1.0)
	assert.Contains(t, compacted, "task_id=task-big")
}

func TestCompactionKeepsSmallPayloadIntact(t *testing.T) {
	rtr, _, _, _ := newTestRouter(t, types.ModeAuto)

	text := "task_id=task-small\nprompt=short"
	_, tokensIn, tokensOut, ratio := rtr.compactToBudget(text, 2400)
	assert.Equal(t, tokensIn, tokensOut)
	assert.Equal(t, 1.0, ratio)
}

type fixedPrices struct {
	prompt, completion float64
}

func (f fixedPrices) Pricing(string) (float64, float64, bool) {
	return f.prompt, f.completion, true
}

func TestEstimateCostSources(t *testing.T) {
	rtr, _, _, _ := newTestRouter(t, types.ModeAuto)

	// heuristic: no catalog pricing available
	usd, source, _, _ := rtr.estimateCost("summary", types.RouteLight, 1000, 100, "openai/gpt-4o-mini")
	assert.Equal(t, "heuristic", source)
	assert.InDelta(t, 1100*0.0000005, usd, 1e-9)

	usd, source, _, _ = rtr.estimateCost("code_refactor", types.RouteHeavy, 1000, 100, "openai/gpt-4o-mini")
	assert.Equal(t, "heuristic", source)
	assert.InDelta(t, 0.01+1100*0.000001, usd, 1e-9)

	usd, source, _, _ = rtr.estimateCost("summary", types.RouteHeavy, 1000, 100, "openai/gpt-4o-mini")
	assert.Equal(t, "heuristic", source)
	assert.InDelta(t, 0.006+1100*0.000001, usd, 1e-9)

	// catalog pricing wins when the source answers
	rtr.SetPriceSource(fixedPrices{prompt: 2.5, completion: 10})
	usd, source, pp, cp := rtr.estimateCost("summary", types.RouteHeavy, 1_000_000, 100_000, "openai/gpt-4o-mini")
	assert.Equal(t, "openrouter_api", source)
	assert.Equal(t, 2.5, pp)
	assert.Equal(t, 10.0, cp)
	assert.InDelta(t, (1_000_000*2.5+100_000*10)/1_000_000, usd, 1e-9)
}

func TestCostModelSelection(t *testing.T) {
	rtr, _, cfg, _ := newTestRouter(t, types.ModeAuto)

	assert.Equal(t, "openai/gpt-4o-mini", rtr.costModel("codex"))
	assert.Equal(t, "openrouter/planner-model", rtr.costModel("openrouter/planner-model"))

	cfg.CostModelDefault = "openai/gpt-4.1"
	assert.Equal(t, "openai/gpt-4.1", rtr.costModel("codex"))
}

func TestClassifyDryRun(t *testing.T) {
	rtr, reg, _, _ := newTestRouter(t, types.ModeSupervised)

	c := rtr.Classify("code_refactor", "tidy the parser")
	assert.Equal(t, types.RouteHeavy, c.RouteClass)
	assert.Equal(t, types.RiskMedium, c.RiskLevel)
	assert.True(t, c.ApprovalRequired, "supervised heavy always needs approval")
	assert.Equal(t, "allowed", c.PolicyStatus)

	// dry run creates nothing
	tasks, err := reg.ListTasks(10)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}
