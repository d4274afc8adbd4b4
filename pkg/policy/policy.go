package policy

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zhcnova/nova/pkg/types"
)

// RoutingPolicy drives task classification.
type RoutingPolicy struct {
	Default struct {
		RouteClass types.RouteClass `yaml:"route_class"`
		RiskLevel  types.RiskLevel  `yaml:"risk_level"`
	} `yaml:"default"`
	TaskTypeOverrides map[string]struct {
		RouteClass types.RouteClass `yaml:"route_class"`
		RiskLevel  types.RiskLevel  `yaml:"risk_level"`
	} `yaml:"task_type_overrides"`
	KeywordRules struct {
		Heavy    []string `yaml:"heavy"`
		HighRisk []string `yaml:"high_risk"`
	} `yaml:"keyword_rules"`
}

// ApprovalPolicy names the action categories that require a human
// decision.
type ApprovalPolicy struct {
	Gates map[string]struct {
		RequireHumanApproval bool `yaml:"require_human_approval"`
	} `yaml:"gates"`
}

// ExecutionPolicy is the allow/deny rule set evaluated before any
// dispatch.
type ExecutionPolicy struct {
	Default struct {
		Enforcement string `yaml:"enforcement"`
	} `yaml:"default"`
	Allowlists struct {
		LightTaskTypes []string `yaml:"light_task_types"`
		HeavyTaskTypes []string `yaml:"heavy_task_types"`
	} `yaml:"allowlists"`
	DenyRules struct {
		BlockedPromptKeywords []string `yaml:"blocked_prompt_keywords"`
		BlockedPathPatterns   []string `yaml:"blocked_path_patterns"`
	} `yaml:"deny_rules"`
}

// Set bundles the three policy files the router consumes.
type Set struct {
	Routing   RoutingPolicy
	Approval  ApprovalPolicy
	Execution ExecutionPolicy

	// EnforcementOverride, when non-empty, wins over the execution
	// policy's own enforcement setting.
	EnforcementOverride string
}

// Load reads the three policy files. A missing or empty file yields a
// zero-value policy rather than an error, so a bare checkout routes
// with defaults.
func Load(routingPath, approvalPath, executionPath, enforcementOverride string) (*Set, error) {
	set := &Set{EnforcementOverride: strings.ToLower(strings.TrimSpace(enforcementOverride))}
	if err := loadYAML(routingPath, &set.Routing); err != nil {
		return nil, err
	}
	if err := loadYAML(approvalPath, &set.Approval); err != nil {
		return nil, err
	}
	if err := loadYAML(executionPath, &set.Execution); err != nil {
		return nil, err
	}
	return set, nil
}

func loadYAML(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return types.Wrap(types.KindInvalidArgument, "policy.Load", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return types.Wrap(types.KindInvalidArgument, "policy.Load", err)
	}
	return nil
}
