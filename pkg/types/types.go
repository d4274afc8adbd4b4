package types

import (
	"strings"
	"time"
)

// Task is a unit of work tracked by the control plane.
type Task struct {
	TaskID           string       `json:"task_id"`
	TaskType         string       `json:"task_type"`
	Prompt           string       `json:"prompt"`
	RouteClass       RouteClass   `json:"route_class"`
	Status           TaskStatus   `json:"status"`
	RequiresApproval bool         `json:"requires_approval"`
	RiskLevel        RiskLevel    `json:"risk_level"`
	AssignedWorker   string       `json:"assigned_worker,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
	Metadata         TaskMetadata `json:"metadata"`
}

// TaskDetail is a task joined with its events, approvals, and lease.
type TaskDetail struct {
	Task
	Events        []*TaskEvent   `json:"events"`
	Approvals     []*Approval    `json:"approvals"`
	DispatchLease *DispatchLease `json:"dispatch_lease,omitempty"`
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusRequested TaskStatus = "requested"
	StatusPending   TaskStatus = "pending"
	StatusApproved  TaskStatus = "approved"
	StatusQueued    TaskStatus = "queued"
	StatusRunning   TaskStatus = "running"
	StatusBlocked   TaskStatus = "blocked"
	StatusSucceeded TaskStatus = "succeeded"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
	StatusExpired   TaskStatus = "expired"
)

// allowedTransitions is the task state machine. Terminal states are
// absorbing and are only left via a forced update.
var allowedTransitions = map[TaskStatus]map[TaskStatus]bool{
	StatusRequested: set(StatusApproved, StatusQueued, StatusRunning, StatusBlocked, StatusCancelled, StatusFailed),
	StatusPending:   set(StatusApproved, StatusQueued, StatusRunning, StatusBlocked, StatusCancelled, StatusFailed),
	StatusApproved:  set(StatusQueued, StatusRunning, StatusBlocked, StatusCancelled, StatusFailed),
	StatusQueued:    set(StatusQueued, StatusRunning, StatusBlocked, StatusCancelled, StatusFailed, StatusExpired),
	StatusRunning:   set(StatusRunning, StatusSucceeded, StatusFailed, StatusBlocked, StatusCancelled, StatusExpired),
	StatusBlocked:   set(StatusApproved, StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusCancelled, StatusExpired),
	StatusSucceeded: {},
	StatusFailed:    {},
	StatusCancelled: {},
	StatusExpired:   {},
}

func set(statuses ...TaskStatus) map[TaskStatus]bool {
	m := make(map[TaskStatus]bool, len(statuses))
	for _, s := range statuses {
		m[s] = true
	}
	return m
}

// NormalizeStatus lowercases a raw status and folds the "canceled"
// spelling into the canonical "cancelled". Only "cancelled" is ever
// persisted or emitted.
func NormalizeStatus(raw string) TaskStatus {
	s := TaskStatus(strings.ToLower(strings.TrimSpace(raw)))
	if s == "canceled" {
		return StatusCancelled
	}
	return s
}

// ValidStatus reports whether s is a known task status.
func ValidStatus(s TaskStatus) bool {
	_, ok := allowedTransitions[s]
	return ok
}

// CanTransition reports whether from -> to is permitted by the state
// machine. Self-transitions for queued and running are allowed so
// dispatch retries can re-assert state.
func CanTransition(from, to TaskStatus) bool {
	allowed, ok := allowedTransitions[from]
	return ok && allowed[to]
}

// Terminal reports whether s is an absorbing status.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// RouteClass selects the worker tier for a task.
type RouteClass string

const (
	RouteLight RouteClass = "LIGHT"
	RouteHeavy RouteClass = "HEAVY"
)

// RiskLevel is the classifier's risk judgement for a task.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// AutonomyMode is the operator-configured permission level for
// execution side effects.
type AutonomyMode string

const (
	ModeReadonly   AutonomyMode = "readonly"
	ModeSupervised AutonomyMode = "supervised"
	ModeAuto       AutonomyMode = "auto"
)

// RuntimeMode selects local execution or remote dispatch for HEAVY tasks.
type RuntimeMode string

const (
	RuntimeSingleNode RuntimeMode = "single_node"
	RuntimeMultiNode  RuntimeMode = "multi_node"
)

// EventType tags an entry in the append-only task event log.
type EventType string

const (
	EventCreated           EventType = "created"
	EventStatusUpdated     EventType = "status_updated"
	EventApprovalRequested EventType = "approval_requested"
	EventApprovalDecision  EventType = "approval_decision"
	EventMetadataUpdated   EventType = "metadata_updated"
	EventLease             EventType = "lease"
	EventRouter            EventType = "router"
	EventTelemetry         EventType = "telemetry"
)

// TaskEvent is one append-only audit entry for a task. Seq is assigned
// by the registry and is globally monotonic, so per-task order is total.
type TaskEvent struct {
	Seq       uint64    `json:"seq"`
	TaskID    string    `json:"task_id"`
	EventType EventType `json:"event_type"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// ApprovalStatus is the lifecycle state of an approval row.
type ApprovalStatus string

const (
	ApprovalRequired  ApprovalStatus = "required"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
	ApprovalCancelled ApprovalStatus = "cancelled"
)

// Terminal reports whether the approval has been decided or cancelled.
func (s ApprovalStatus) Terminal() bool {
	switch s {
	case ApprovalApproved, ApprovalRejected, ApprovalCancelled:
		return true
	}
	return false
}

// Approval is a human-approval gate for one action category of a task.
// At most one non-terminal approval exists per (task, action category).
type Approval struct {
	Seq            uint64         `json:"seq"`
	TaskID         string         `json:"task_id"`
	ActionCategory string         `json:"action_category"`
	Status         ApprovalStatus `json:"status"`
	RequestedBy    string         `json:"requested_by"`
	DecidedBy      string         `json:"decided_by,omitempty"`
	DecisionNote   string         `json:"decision_note,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// LeaseStatus is the lifecycle state of a dispatch lease.
type LeaseStatus string

const (
	LeaseQueued    LeaseStatus = "queued"
	LeaseRunning   LeaseStatus = "running"
	LeaseSucceeded LeaseStatus = "succeeded"
	LeaseFailed    LeaseStatus = "failed"
	LeaseCancelled LeaseStatus = "cancelled"
	LeaseExpired   LeaseStatus = "expired"
)

// Active reports whether the lease is queued or running.
func (s LeaseStatus) Active() bool {
	return s == LeaseQueued || s == LeaseRunning
}

// Terminal reports whether the lease has reached a final state.
func (s LeaseStatus) Terminal() bool {
	switch s {
	case LeaseSucceeded, LeaseFailed, LeaseCancelled, LeaseExpired:
		return true
	}
	return false
}

// DispatchLease serializes at-most-one dispatcher owner per task.
type DispatchLease struct {
	TaskID         string      `json:"task_id"`
	OwnerID        string      `json:"owner_id"`
	LeaseStatus    LeaseStatus `json:"lease_status"`
	AttemptCount   int         `json:"attempt_count"`
	LeaseExpiresAt time.Time   `json:"lease_expires_at"`
	HeartbeatAt    time.Time   `json:"heartbeat_at"`
	LastError      string      `json:"last_error,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Expired reports whether the lease expiry has passed at now. A claim
// at exactly the expiry instant counts as expired.
func (l *DispatchLease) Expired(now time.Time) bool {
	return !l.LeaseExpiresAt.After(now)
}

// IdempotencyScope names the logical family of an idempotency key.
type IdempotencyScope string

const (
	ScopeDispatch        IdempotencyScope = "dispatch"
	ScopeTelegramCommand IdempotencyScope = "telegram_command"
)

// IdempotencyStatus is the state of a recorded idempotency key.
type IdempotencyStatus string

const (
	IdempoProcessing IdempotencyStatus = "processing"
	IdempoCompleted  IdempotencyStatus = "completed"
	IdempoConflict   IdempotencyStatus = "conflict"
)

// IdempotencyKey records one logical attempt so retries replay the
// stored outcome instead of repeating the side effect.
type IdempotencyKey struct {
	Key         string            `json:"key"`
	Scope       IdempotencyScope  `json:"scope"`
	TaskID      string            `json:"task_id,omitempty"`
	PayloadHash string            `json:"payload_hash"`
	Status      IdempotencyStatus `json:"status"`
	Result      map[string]any    `json:"result,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// BeginResult is the outcome of starting an idempotent operation.
type BeginResult struct {
	Key      string            `json:"key"`
	Scope    IdempotencyScope  `json:"scope"`
	Exists   bool              `json:"exists"`
	Conflict bool              `json:"conflict"`
	Status   IdempotencyStatus `json:"status"`
	Result   map[string]any    `json:"result,omitempty"`
}

// ClaimResult is the outcome of a dispatch lease claim.
type ClaimResult struct {
	TaskID  string `json:"task_id"`
	Claimed bool   `json:"claimed"`
	Reason  string `json:"reason"`
	HeldBy  string `json:"held_by,omitempty"`
}
