package policy

import (
	"strings"

	"github.com/zhcnova/nova/pkg/types"
)

// gateByTaskType maps task types straight onto approval action
// categories.
var gateByTaskType = map[string]string{
	"deploy":              "deploy_restart",
	"delete":              "delete_files",
	"scheduler_change":    "scheduler_change",
	"compliance_finalize": "compliance_finalize",
	"customer_outbound":   "customer_outbound",
}

// Classify assigns a route class and risk level: policy defaults, then
// task-type overrides, then keyword upgrades. Keyword matches only
// ever upgrade (to HEAVY, to high risk), never downgrade. Matching is
// case-insensitive on a lowercased prompt.
func (s *Set) Classify(taskType, prompt string) (types.RouteClass, types.RiskLevel) {
	taskType = strings.ToLower(strings.TrimSpace(taskType))
	promptL := strings.ToLower(prompt)

	routeClass := s.Routing.Default.RouteClass
	riskLevel := s.Routing.Default.RiskLevel
	if routeClass == "" {
		routeClass = types.RouteLight
	}
	if riskLevel == "" {
		riskLevel = types.RiskLow
	}

	if cfg, ok := s.Routing.TaskTypeOverrides[taskType]; ok {
		if cfg.RouteClass != "" {
			routeClass = cfg.RouteClass
		}
		if cfg.RiskLevel != "" {
			riskLevel = cfg.RiskLevel
		}
	}

	if containsAny(promptL, s.Routing.KeywordRules.Heavy) {
		routeClass = types.RouteHeavy
	}
	if containsAny(promptL, s.Routing.KeywordRules.HighRisk) {
		riskLevel = types.RiskHigh
	}
	return routeClass, riskLevel
}

// RequiresApproval reports whether a task needs a human decision
// before execution. High risk always does; otherwise the approval
// policy's gate for the task type decides.
func (s *Set) RequiresApproval(riskLevel types.RiskLevel, taskType string) bool {
	if riskLevel == types.RiskHigh {
		return true
	}
	gateName, ok := gateByTaskType[strings.ToLower(strings.TrimSpace(taskType))]
	if !ok {
		return false
	}
	return s.Approval.Gates[gateName].RequireHumanApproval
}

// ActionCategoryFor names the approval gate for a task, or "none".
func ActionCategoryFor(taskType string, riskLevel types.RiskLevel) string {
	if gate, ok := gateByTaskType[strings.ToLower(strings.TrimSpace(taskType))]; ok {
		return gate
	}
	if riskLevel == types.RiskHigh {
		return "manual_review"
	}
	return "none"
}

// Evaluation reasons returned by Evaluate.
const (
	ReasonAllowed              = "allowed"
	ReasonReadonlyMode         = "readonly_mode"
	ReasonUnknownTaskType      = "unknown_task_type"
	ReasonBlockedPromptKeyword = "blocked_prompt_keyword"
	ReasonBlockedPathPattern   = "blocked_path_pattern"
)

// Evaluate applies the execution policy in fixed order: readonly mode,
// task-type allowlist, prompt keyword denylist, path pattern denylist.
// Under "warn" enforcement violations are reported allowed; readonly
// mode always blocks.
func (s *Set) Evaluate(taskType, prompt string, routeClass types.RouteClass, mode types.AutonomyMode) (bool, string) {
	if mode == types.ModeReadonly {
		return false, ReasonReadonlyMode
	}

	enforcement := strings.ToLower(strings.TrimSpace(s.Execution.Default.Enforcement))
	if s.EnforcementOverride != "" {
		enforcement = s.EnforcementOverride
	}
	if enforcement != "strict" && enforcement != "warn" {
		enforcement = "strict"
	}
	strict := enforcement == "strict"

	var allowedTaskTypes []string
	if routeClass == types.RouteLight {
		allowedTaskTypes = s.Execution.Allowlists.LightTaskTypes
	} else {
		allowedTaskTypes = s.Execution.Allowlists.HeavyTaskTypes
	}
	taskTypeL := strings.ToLower(strings.TrimSpace(taskType))
	if len(allowedTaskTypes) > 0 && !containsExact(taskTypeL, allowedTaskTypes) && strict {
		return false, ReasonUnknownTaskType
	}

	promptL := strings.ToLower(prompt)
	if containsAny(promptL, s.Execution.DenyRules.BlockedPromptKeywords) && strict {
		return false, ReasonBlockedPromptKeyword
	}

	// path patterns match case-sensitively against the raw prompt
	for _, pattern := range s.Execution.DenyRules.BlockedPathPatterns {
		if pattern != "" && strings.Contains(prompt, pattern) && strict {
			return false, ReasonBlockedPathPattern
		}
	}

	return true, ReasonAllowed
}

func containsAny(haystack string, needles []string) bool {
	for _, needle := range needles {
		needle = strings.ToLower(needle)
		if needle != "" && strings.Contains(haystack, needle) {
			return true
		}
	}
	return false
}

func containsExact(value string, list []string) bool {
	for _, item := range list {
		if strings.ToLower(item) == value {
			return true
		}
	}
	return false
}
