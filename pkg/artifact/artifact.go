package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zhcnova/nova/pkg/types"
)

// ChecklistKeys are the reviewer checklist entries that must all be
// present (and boolean) for a review to count as complete.
var ChecklistKeys = []string{
	"policy_safety",
	"correctness",
	"tests",
	"rollback",
	"approval_constraints",
}

// Fail reason codes a reviewer may record.
const (
	ReasonPolicyConflict      = "policy_conflict"
	ReasonMissingTests        = "missing_tests"
	ReasonInsufficientPlan    = "insufficient_plan"
	ReasonHighRiskUnmitigated = "high_risk_unmitigated"
	ReasonArtifactIncomplete  = "artifact_incomplete"
	ReasonOther               = "other"
)

// FailReasons lists the known fail reason codes.
func FailReasons() []string {
	return []string{
		ReasonPolicyConflict, ReasonMissingTests, ReasonInsufficientPlan,
		ReasonHighRiskUnmitigated, ReasonArtifactIncomplete, ReasonOther,
	}
}

// ValidFailReason reports whether code is a known fail reason.
func ValidFailReason(code string) bool {
	switch code {
	case ReasonPolicyConflict, ReasonMissingTests, ReasonInsufficientPlan,
		ReasonHighRiskUnmitigated, ReasonArtifactIncomplete, ReasonOther:
		return true
	}
	return false
}

// Store reads and writes per-task artifact files under
// <root>/tasks/<task_id>/artifacts/.
type Store struct {
	root string
	now  func() time.Time
}

// NewStore creates an artifact store rooted at the storage directory.
func NewStore(storageRoot string) *Store {
	return &Store{root: storageRoot, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) artifactsDir(taskID string) string {
	return filepath.Join(s.root, "tasks", taskID, "artifacts")
}

// PlannerPath returns the planner artifact path for a task.
func (s *Store) PlannerPath(taskID string) string {
	return filepath.Join(s.artifactsDir(taskID), "planner.md")
}

// ReviewerPath returns the reviewer artifact path for a task.
func (s *Store) ReviewerPath(taskID string) string {
	return filepath.Join(s.artifactsDir(taskID), "reviewer.json")
}

// ContextPath returns the compacted context artifact path for a task.
func (s *Store) ContextPath(taskID string) string {
	return filepath.Join(s.artifactsDir(taskID), "context_compacted.txt")
}

// CostEstimatePath returns the cost estimate artifact path for a task.
func (s *Store) CostEstimatePath(taskID string) string {
	return filepath.Join(s.artifactsDir(taskID), "cost_estimate.json")
}

// ReviewerArtifact is the persisted reviewer verdict.
type ReviewerArtifact struct {
	Reviewer   string          `json:"reviewer"`
	Verdict    string          `json:"verdict"`
	ReasonCode string          `json:"reason_code"`
	Checklist  map[string]bool `json:"checklist"`
	Notes      string          `json:"notes"`
	CreatedAt  time.Time       `json:"created_at"`
}

// GateStatus is the review gate judgement for a task.
type GateStatus struct {
	PlannerPresent    bool   `json:"planner_present"`
	ReviewerPresent   bool   `json:"reviewer_present"`
	ReviewerVerdict   string `json:"reviewer_verdict"`
	ReviewerReason    string `json:"reviewer_reason_code"`
	ChecklistComplete bool   `json:"checklist_complete"`
	GatePassed        bool   `json:"gate_passed"`
}

// ReviewGate inspects the planner and reviewer artifacts and reports
// whether the gate passes. A missing reviewer file reads as verdict
// "missing"; unparseable JSON reads as "invalid". The gate passes only
// when both artifacts exist, the verdict is "pass", and the checklist
// is complete.
func (s *Store) ReviewGate(taskID string) *GateStatus {
	status := &GateStatus{ReviewerVerdict: "missing"}

	if _, err := os.Stat(s.PlannerPath(taskID)); err == nil {
		status.PlannerPresent = true
	}

	data, err := os.ReadFile(s.ReviewerPath(taskID))
	if err == nil {
		status.ReviewerPresent = true
		var raw struct {
			Verdict    string         `json:"verdict"`
			ReasonCode string         `json:"reason_code"`
			Checklist  map[string]any `json:"checklist"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			status.ReviewerVerdict = "invalid"
		} else {
			status.ReviewerVerdict = strings.ToLower(strings.TrimSpace(raw.Verdict))
			status.ReviewerReason = strings.TrimSpace(raw.ReasonCode)
			status.ChecklistComplete = checklistComplete(raw.Checklist)
		}
	}

	passed := status.ReviewerVerdict == "pass" && status.ChecklistComplete
	status.GatePassed = status.PlannerPresent && status.ReviewerPresent && passed
	return status
}

// checklistComplete requires every checklist key to be present and
// typed as a bool; extra keys are ignored.
func checklistComplete(checklist map[string]any) bool {
	if checklist == nil {
		return false
	}
	for _, key := range ChecklistKeys {
		if _, ok := checklist[key].(bool); !ok {
			return false
		}
	}
	return true
}

// WritePlanner records a plan skeleton for the task and returns its
// path.
func (s *Store) WritePlanner(taskID, author, summary string) (string, error) {
	path := s.PlannerPath(taskID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", types.Wrap(types.KindCorrupted, "artifact.WritePlanner", err)
	}
	content := strings.Join([]string{
		fmt.Sprintf("author: %s", author),
		fmt.Sprintf("created_at: %s", s.now().Format(time.RFC3339)),
		"",
		"scope:",
		summary,
		"",
		"risks:",
		"- TODO: identify primary risks and mitigations",
		"",
		"test_plan:",
		"- TODO: define validation/tests",
		"",
		"rollback_plan:",
		"- TODO: define rollback procedure",
		"",
		"approval_impact:",
		"- TODO: list required approvals and checkpoints",
		"",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", types.Wrap(types.KindCorrupted, "artifact.WritePlanner", err)
	}
	return path, nil
}

// WriteReviewer records a reviewer verdict and returns its path. A
// fail verdict must carry a known reason code.
func (s *Store) WriteReviewer(taskID, reviewer, verdict, reasonCode string, checklist map[string]bool, notes string) (string, error) {
	verdict = strings.ToLower(strings.TrimSpace(verdict))
	if verdict != "pass" && verdict != "fail" {
		return "", types.E(types.KindInvalidArgument, "artifact.WriteReviewer", "verdict must be one of: pass, fail")
	}
	if verdict == "fail" && !ValidFailReason(reasonCode) {
		return "", types.Ef(types.KindInvalidArgument, "artifact.WriteReviewer", "unknown fail reason code: %s", reasonCode)
	}

	path := s.ReviewerPath(taskID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", types.Wrap(types.KindCorrupted, "artifact.WriteReviewer", err)
	}
	payload := ReviewerArtifact{
		Reviewer:   reviewer,
		Verdict:    verdict,
		ReasonCode: reasonCode,
		Checklist:  checklist,
		Notes:      notes,
		CreatedAt:  s.now(),
	}
	data, err := json.MarshalIndent(&payload, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", types.Wrap(types.KindCorrupted, "artifact.WriteReviewer", err)
	}
	return path, nil
}

// WriteContext persists the compacted context payload.
func (s *Store) WriteContext(taskID, compacted string) (string, error) {
	path := s.ContextPath(taskID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", types.Wrap(types.KindCorrupted, "artifact.WriteContext", err)
	}
	if err := os.WriteFile(path, []byte(compacted), 0644); err != nil {
		return "", types.Wrap(types.KindCorrupted, "artifact.WriteContext", err)
	}
	return path, nil
}

// WriteCostEstimate persists the cost estimate payload as JSON.
func (s *Store) WriteCostEstimate(taskID string, payload any) (string, error) {
	path := s.CostEstimatePath(taskID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", types.Wrap(types.KindCorrupted, "artifact.WriteCostEstimate", err)
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", types.Wrap(types.KindCorrupted, "artifact.WriteCostEstimate", err)
	}
	return path, nil
}

// FullChecklist returns a checklist with every key set to the given
// value. The ingress uses it to synthesise review verdicts from chat
// commands.
func FullChecklist(value bool) map[string]bool {
	checklist := make(map[string]bool, len(ChecklistKeys))
	for _, key := range ChecklistKeys {
		checklist[key] = value
	}
	return checklist
}

// ChecklistForFail derives a checklist from a fail reason code,
// clearing only the entries the reason implicates.
func ChecklistForFail(reasonCode string) map[string]bool {
	return map[string]bool{
		"policy_safety":        reasonCode != ReasonPolicyConflict && reasonCode != ReasonHighRiskUnmitigated,
		"correctness":          reasonCode != ReasonInsufficientPlan,
		"tests":                reasonCode != ReasonMissingTests,
		"rollback":             reasonCode != ReasonArtifactIncomplete,
		"approval_constraints": reasonCode != ReasonPolicyConflict,
	}
}
