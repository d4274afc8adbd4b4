package registry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhcnova/nova/pkg/types"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := Open(filepath.Join(t.TempDir(), "task_registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg
}

func newTask(id string) *types.Task {
	return &types.Task{
		TaskID:     id,
		TaskType:   "code_refactor",
		Prompt:     "tidy the parser",
		RouteClass: types.RouteHeavy,
		Status:     types.StatusRequested,
		RiskLevel:  types.RiskMedium,
	}
}

func TestCreateTaskAppendsCreatedEvent(t *testing.T) {
	reg := openTestRegistry(t)

	detail, err := reg.CreateTask(newTask("task-1"))
	require.NoError(t, err)

	assert.Equal(t, types.StatusRequested, detail.Status)
	require.Len(t, detail.Events, 1)
	assert.Equal(t, types.EventCreated, detail.Events[0].EventType)
	assert.Equal(t, "route=HEAVY; risk=medium", detail.Events[0].Detail)
}

func TestCreateTaskDuplicate(t *testing.T) {
	reg := openTestRegistry(t)

	_, err := reg.CreateTask(newTask("task-1"))
	require.NoError(t, err)
	_, err = reg.CreateTask(newTask("task-1"))
	assert.True(t, types.IsKind(err, types.KindIntegrityConflict))
}

func TestUpdateTaskTransitions(t *testing.T) {
	reg := openTestRegistry(t)
	_, err := reg.CreateTask(newTask("task-1"))
	require.NoError(t, err)

	_, err = reg.UpdateTask("task-1", types.StatusQueued, "queued_for_dispatch", false)
	require.NoError(t, err)
	_, err = reg.UpdateTask("task-1", types.StatusRunning, "dispatch_started", false)
	require.NoError(t, err)
	_, err = reg.UpdateTask("task-1", types.StatusSucceeded, "", false)
	require.NoError(t, err)

	// terminal state is absorbing
	_, err = reg.UpdateTask("task-1", types.StatusRunning, "", false)
	assert.True(t, types.IsKind(err, types.KindInvalidTransition))
}

func TestUpdateTaskForceOverridesTerminal(t *testing.T) {
	reg := openTestRegistry(t)
	_, err := reg.CreateTask(newTask("task-1"))
	require.NoError(t, err)
	_, err = reg.UpdateTask("task-1", types.StatusFailed, "boom", false)
	require.NoError(t, err)

	detail, err := reg.UpdateTask("task-1", types.StatusQueued, "operator_retry", true)
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, detail.Status)

	last := detail.Events[len(detail.Events)-1]
	assert.Contains(t, last.Detail, "operator_retry")
	assert.Contains(t, last.Detail, "forced from failed")
}

func TestUpdateTaskNormalizesCanceled(t *testing.T) {
	reg := openTestRegistry(t)
	_, err := reg.CreateTask(newTask("task-1"))
	require.NoError(t, err)

	detail, err := reg.UpdateTask("task-1", types.TaskStatus("canceled"), "", false)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, detail.Status)
	assert.Equal(t, "cancelled", detail.Events[len(detail.Events)-1].Detail)
}

func TestUpdateTaskNotFound(t *testing.T) {
	reg := openTestRegistry(t)
	_, err := reg.UpdateTask("missing", types.StatusQueued, "", false)
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

func TestMergeMetadataPreservesExistingKeys(t *testing.T) {
	reg := openTestRegistry(t)
	task := newTask("task-1")
	task.Metadata = types.TaskMetadata{TraceID: "tg-7", Extra: map[string]any{"note": "keep"}}
	_, err := reg.CreateTask(task)
	require.NoError(t, err)

	detail, err := reg.MergeMetadata("task-1", map[string]any{
		"dispatch_duration_ms": 321,
		"custom":               "v",
	}, "telemetry_dispatch_resume")
	require.NoError(t, err)

	assert.Equal(t, "tg-7", detail.Metadata.TraceID)
	assert.Equal(t, int64(321), detail.Metadata.DispatchDurationMS)
	assert.Equal(t, "keep", detail.Metadata.Extra["note"])
	assert.Equal(t, "v", detail.Metadata.Extra["custom"])
	assert.Equal(t, types.EventMetadataUpdated, detail.Events[len(detail.Events)-1].EventType)
}

func TestApprovalLifecycle(t *testing.T) {
	reg := openTestRegistry(t)
	_, err := reg.CreateTask(newTask("task-1"))
	require.NoError(t, err)

	approvals, err := reg.RequestApproval("task-1", "deploy_restart", "router_v1", "created_by_router_block")
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	assert.Equal(t, types.ApprovalRequired, approvals[0].Status)

	// repeat request refreshes the pending row instead of duplicating
	approvals, err = reg.RequestApproval("task-1", "deploy_restart", "operator", "second look")
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	assert.Equal(t, "operator", approvals[0].RequestedBy)

	approvals, err = reg.DecideApproval("task-1", "deploy_restart", types.ApprovalApproved, "alice", "lgtm")
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalApproved, approvals[0].Status)
	assert.Equal(t, "alice", approvals[0].DecidedBy)

	// identical decision replays as a no-op
	_, err = reg.DecideApproval("task-1", "deploy_restart", types.ApprovalApproved, "bob", "again")
	require.NoError(t, err)

	// contradicting decision is refused
	_, err = reg.DecideApproval("task-1", "deploy_restart", types.ApprovalRejected, "bob", "no")
	assert.True(t, types.IsKind(err, types.KindIntegrityConflict))
}

func TestDecideApprovalAutoCreates(t *testing.T) {
	reg := openTestRegistry(t)
	_, err := reg.CreateTask(newTask("task-1"))
	require.NoError(t, err)

	approvals, err := reg.DecideApproval("task-1", "manual_review", types.ApprovalApproved, "alice", "")
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	assert.Equal(t, "auto_created", approvals[0].RequestedBy)
	assert.Equal(t, types.ApprovalApproved, approvals[0].Status)
}

func TestLeaseClaimDeniedForOtherOwner(t *testing.T) {
	reg := openTestRegistry(t)
	_, err := reg.CreateTask(newTask("task-1"))
	require.NoError(t, err)

	_, err = reg.EnqueueDispatchLease("task-1", "owner-a", 120*time.Second)
	require.NoError(t, err)
	claim, err := reg.ClaimDispatchLease("task-1", "owner-a", 120*time.Second)
	require.NoError(t, err)
	assert.True(t, claim.Claimed)

	claim, err = reg.ClaimDispatchLease("task-1", "owner-b", 120*time.Second)
	require.NoError(t, err)
	assert.False(t, claim.Claimed)
	assert.Equal(t, "held_by_other_owner", claim.Reason)
	assert.Equal(t, "owner-a", claim.HeldBy)
}

func TestLeaseExpiryReconcileAndReclaim(t *testing.T) {
	reg := openTestRegistry(t)
	_, err := reg.CreateTask(newTask("task-1"))
	require.NoError(t, err)

	base := time.Now().UTC()
	now := base
	reg.SetClock(func() time.Time { return now })

	_, err = reg.EnqueueDispatchLease("task-1", "owner-a", time.Second)
	require.NoError(t, err)
	claim, err := reg.ClaimDispatchLease("task-1", "owner-a", time.Second)
	require.NoError(t, err)
	require.True(t, claim.Claimed)

	lease, err := reg.GetDispatchLease("task-1")
	require.NoError(t, err)
	assert.Equal(t, 1, lease.AttemptCount)

	// expiry boundary: a lease at exactly its deadline is expired
	now = base.Add(time.Second)
	result, err := reg.ReconcileDispatchLeases("owner-b")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Reconciled)

	lease, err = reg.GetDispatchLease("task-1")
	require.NoError(t, err)
	assert.Equal(t, types.LeaseQueued, lease.LeaseStatus)
	assert.Equal(t, "lease_expired_reconciled", lease.LastError)

	claim, err = reg.ClaimDispatchLease("task-1", "owner-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, claim.Claimed)

	lease, err = reg.GetDispatchLease("task-1")
	require.NoError(t, err)
	assert.Equal(t, 2, lease.AttemptCount)
	assert.Equal(t, "owner-b", lease.OwnerID)
}

func TestLeaseClaimRefreshKeepsAttemptCount(t *testing.T) {
	reg := openTestRegistry(t)
	_, err := reg.CreateTask(newTask("task-1"))
	require.NoError(t, err)

	_, err = reg.ClaimDispatchLease("task-1", "owner-a", time.Minute)
	require.NoError(t, err)
	claim, err := reg.ClaimDispatchLease("task-1", "owner-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, claim.Claimed)
	assert.Equal(t, "refreshed", claim.Reason)

	lease, err := reg.GetDispatchLease("task-1")
	require.NoError(t, err)
	assert.Equal(t, 1, lease.AttemptCount)
}

func TestLeaseFinishAndOwnerChecks(t *testing.T) {
	reg := openTestRegistry(t)
	_, err := reg.CreateTask(newTask("task-1"))
	require.NoError(t, err)
	_, err = reg.ClaimDispatchLease("task-1", "owner-a", time.Minute)
	require.NoError(t, err)

	_, err = reg.FinishDispatchLease("task-1", "owner-b", types.LeaseSucceeded, "")
	assert.True(t, types.IsKind(err, types.KindLeaseHeld))

	lease, err := reg.FinishDispatchLease("task-1", "owner-a", types.LeaseStatus("canceled"), "operator stop")
	require.NoError(t, err)
	assert.Equal(t, types.LeaseCancelled, lease.LeaseStatus)

	_, err = reg.HeartbeatDispatchLease("task-1", "owner-a", time.Minute)
	assert.True(t, types.IsKind(err, types.KindInvalidTransition))
}

func TestIdempotencyBeginCompleteReplay(t *testing.T) {
	reg := openTestRegistry(t)

	begin, err := reg.BeginIdempotency("dispatch:task-1:1", types.ScopeDispatch, "hash-a", "task-1")
	require.NoError(t, err)
	assert.False(t, begin.Exists)
	assert.Equal(t, types.IdempoProcessing, begin.Status)

	// same key while processing reports in-flight
	begin, err = reg.BeginIdempotency("dispatch:task-1:1", types.ScopeDispatch, "hash-a", "task-1")
	require.NoError(t, err)
	assert.True(t, begin.Exists)
	assert.False(t, begin.Conflict)
	assert.Equal(t, types.IdempoProcessing, begin.Status)

	result := map[string]any{"dispatch_status": "succeeded", "dispatch_detail": "ok"}
	_, err = reg.CompleteIdempotency("dispatch:task-1:1", types.IdempoCompleted, result)
	require.NoError(t, err)

	// replay returns the cached result without re-executing
	begin, err = reg.BeginIdempotency("dispatch:task-1:1", types.ScopeDispatch, "hash-a", "task-1")
	require.NoError(t, err)
	assert.True(t, begin.Exists)
	assert.Equal(t, types.IdempoCompleted, begin.Status)
	assert.Equal(t, "succeeded", begin.Result["dispatch_status"])
}

func TestIdempotencyPayloadMismatchConflicts(t *testing.T) {
	reg := openTestRegistry(t)

	_, err := reg.BeginIdempotency("tg_update:9001", types.ScopeTelegramCommand, "hash-a", "")
	require.NoError(t, err)

	begin, err := reg.BeginIdempotency("tg_update:9001", types.ScopeTelegramCommand, "hash-b", "")
	require.NoError(t, err)
	assert.True(t, begin.Conflict)
	assert.Equal(t, types.IdempoConflict, begin.Status)

	rec, err := reg.GetIdempotency("tg_update:9001")
	require.NoError(t, err)
	assert.Equal(t, types.IdempoConflict, rec.Status)
}

func TestListEventsTailAndOrder(t *testing.T) {
	reg := openTestRegistry(t)
	_, err := reg.CreateTask(newTask("task-1"))
	require.NoError(t, err)
	for _, d := range []string{"one", "two", "three"} {
		require.NoError(t, reg.AppendTaskEvent("task-1", types.EventRouter, d))
	}

	page, err := reg.ListEvents("task-1", 2)
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	assert.Equal(t, "two", page.Events[0].Detail)
	assert.Equal(t, "three", page.Events[1].Detail)
	assert.Less(t, page.Events[0].Seq, page.Events[1].Seq)
}

func TestTraceEventsSubstringMatch(t *testing.T) {
	reg := openTestRegistry(t)
	_, err := reg.CreateTask(newTask("task-1"))
	require.NoError(t, err)
	_, err = reg.CreateTask(newTask("task-2"))
	require.NoError(t, err)

	require.NoError(t, reg.AppendTaskEvent("task-1", types.EventRouter,
		`routed `+TraceFragment("tg-123456")))
	require.NoError(t, reg.AppendTaskEvent("task-2", types.EventRouter,
		`routed `+TraceFragment("tg-999")))

	page, err := reg.TraceEvents("tg-123456", 50)
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "task-1", page.Events[0].TaskID)
}

func TestOpsSummary(t *testing.T) {
	reg := openTestRegistry(t)
	_, err := reg.CreateTask(newTask("task-healthy"))
	require.NoError(t, err)

	summary, err := reg.Ops(24, "")
	require.NoError(t, err)
	assert.Equal(t, "healthy", summary.Status)
	assert.Equal(t, 0, summary.Leases.Stale)
	assert.Equal(t, 0, summary.Idempotency.ConflictWindow)

	// stale lease degrades
	base := time.Now().UTC()
	now := base
	reg.SetClock(func() time.Time { return now })
	_, err = reg.ClaimDispatchLease("task-healthy", "owner-a", time.Second)
	require.NoError(t, err)
	now = base.Add(time.Minute)

	summary, err = reg.Ops(24, "")
	require.NoError(t, err)
	assert.Equal(t, "degraded", summary.Status)
	assert.Greater(t, summary.Leases.Stale, 0)
	assert.Contains(t, summary.Reasons, "stale_lease_present")

	// idempotency conflict degrades
	_, err = reg.BeginIdempotency("tg_update:9001", types.ScopeTelegramCommand, "hash-a", "")
	require.NoError(t, err)
	_, err = reg.BeginIdempotency("tg_update:9001", types.ScopeTelegramCommand, "hash-b", "")
	require.NoError(t, err)

	summary, err = reg.Ops(24, "")
	require.NoError(t, err)
	assert.Greater(t, summary.Idempotency.ConflictWindow, 0)
	assert.Contains(t, summary.Reasons, "idempotency_conflicts_detected")
}

func TestOpsSummaryDispatchTimeoutEvents(t *testing.T) {
	reg := openTestRegistry(t)
	_, err := reg.CreateTask(newTask("task-timeout"))
	require.NoError(t, err)
	require.NoError(t, reg.AppendTaskEvent("task-timeout", types.EventRouter, "dispatch_timeout after 900s"))

	summary, err := reg.Ops(24, "")
	require.NoError(t, err)
	assert.Equal(t, "degraded", summary.Status)
	assert.Greater(t, summary.Timeouts.DispatchWindow, 0)
	assert.Contains(t, summary.Reasons, "dispatch_timeouts_present")
}
