package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhcnova/nova/pkg/types"
)

const routingYAML = `
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
keyword_rules:
  heavy:
    - refactor
    - build pipeline
  high_risk:
    - production
    - delete all
`

const approvalYAML = `
gates:
  deploy_restart:
    require_human_approval: true
  delete_files:
    require_human_approval: true
  customer_outbound:
    require_human_approval: false
`

const executionYAML = `
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
    - rm -rf /
    - drop table
  blocked_path_patterns:
    - /etc/passwd
`

func loadTestPolicies(t *testing.T, override string) *Set {
	t.Helper()
	dir := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		return path
	}
	set, err := Load(
		write("routing.yaml", routingYAML),
		write("approvals.yaml", approvalYAML),
		write("execution_policy.yaml", executionYAML),
		override,
	)
	require.NoError(t, err)
	return set
}

func TestClassify(t *testing.T) {
	set := loadTestPolicies(t, "")

	tests := []struct {
		name      string
		taskType  string
		prompt    string
		wantRoute types.RouteClass
		wantRisk  types.RiskLevel
	}{
		{"defaults", "summary", "summarise the meeting", types.RouteLight, types.RiskLow},
		{"task type override", "code_refactor", "tidy things", types.RouteHeavy, types.RiskMedium},
		{"keyword upgrades route", "summary", "please Refactor the module", types.RouteHeavy, types.RiskLow},
		{"keyword upgrades risk", "summary", "touch PRODUCTION config", types.RouteLight, types.RiskHigh},
		{"both upgrades", "summary", "refactor production deploy", types.RouteHeavy, types.RiskHigh},
		{"case insensitive task type", "  CODE_REFACTOR ", "x", types.RouteHeavy, types.RiskMedium},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			route, risk := set.Classify(tt.taskType, tt.prompt)
			assert.Equal(t, tt.wantRoute, route)
			assert.Equal(t, tt.wantRisk, risk)
		})
	}
}

func TestClassifyDeterministic(t *testing.T) {
	set := loadTestPolicies(t, "")
	r1, k1 := set.Classify("code_refactor", "refactor production")
	for i := 0; i < 10; i++ {
		r2, k2 := set.Classify("code_refactor", "refactor production")
		assert.Equal(t, r1, r2)
		assert.Equal(t, k1, k2)
	}
}

func TestRequiresApproval(t *testing.T) {
	set := loadTestPolicies(t, "")

	assert.True(t, set.RequiresApproval(types.RiskHigh, "summary"), "high risk always gated")
	assert.True(t, set.RequiresApproval(types.RiskLow, "deploy"))
	assert.True(t, set.RequiresApproval(types.RiskLow, "delete"))
	assert.False(t, set.RequiresApproval(types.RiskLow, "customer_outbound"), "gate disabled in policy")
	assert.False(t, set.RequiresApproval(types.RiskLow, "summary"))
}

func TestActionCategoryFor(t *testing.T) {
	assert.Equal(t, "deploy_restart", ActionCategoryFor("deploy", types.RiskLow))
	assert.Equal(t, "delete_files", ActionCategoryFor("DELETE", types.RiskLow))
	assert.Equal(t, "manual_review", ActionCategoryFor("summary", types.RiskHigh))
	assert.Equal(t, "none", ActionCategoryFor("summary", types.RiskLow))
}

func TestEvaluateRuleOrder(t *testing.T) {
	set := loadTestPolicies(t, "")

	tests := []struct {
		name       string
		taskType   string
		prompt     string
		route      types.RouteClass
		mode       types.AutonomyMode
		wantOK     bool
		wantReason string
	}{
		{"readonly blocks first", "code_refactor", "rm -rf /", types.RouteHeavy, types.ModeReadonly, false, ReasonReadonlyMode},
		{"unknown task type", "mystery", "hello", types.RouteHeavy, types.ModeSupervised, false, ReasonUnknownTaskType},
		{"blocked keyword", "code_refactor", "run rm -rf / now", types.RouteHeavy, types.ModeSupervised, false, ReasonBlockedPromptKeyword},
		{"blocked path", "code_refactor", "read /etc/passwd", types.RouteHeavy, types.ModeSupervised, false, ReasonBlockedPathPattern},
		{"allowed", "code_refactor", "tidy the parser", types.RouteHeavy, types.ModeSupervised, true, ReasonAllowed},
		{"light allowlist separate", "summary", "short note", types.RouteLight, types.ModeAuto, true, ReasonAllowed},
		{"light rejects heavy-only type", "code_refactor", "x", types.RouteLight, types.ModeAuto, false, ReasonUnknownTaskType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := set.Evaluate(tt.taskType, tt.prompt, tt.route, tt.mode)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantReason, reason)
		})
	}
}

func TestEvaluateWarnEnforcement(t *testing.T) {
	set := loadTestPolicies(t, "warn")

	ok, reason := set.Evaluate("mystery", "run rm -rf / now", types.RouteHeavy, types.ModeSupervised)
	assert.True(t, ok)
	assert.Equal(t, ReasonAllowed, reason)

	// readonly still blocks under warn
	ok, reason = set.Evaluate("code_refactor", "x", types.RouteHeavy, types.ModeReadonly)
	assert.False(t, ok)
	assert.Equal(t, ReasonReadonlyMode, reason)
}

func TestLoadMissingFilesYieldDefaults(t *testing.T) {
	set, err := Load(
		filepath.Join(t.TempDir(), "nope.yaml"),
		filepath.Join(t.TempDir(), "nope.yaml"),
		filepath.Join(t.TempDir(), "nope.yaml"),
		"",
	)
	require.NoError(t, err)

	route, risk := set.Classify("anything", "whatever")
	assert.Equal(t, types.RouteLight, route)
	assert.Equal(t, types.RiskLow, risk)

	ok, reason := set.Evaluate("anything", "whatever", types.RouteLight, types.ModeAuto)
	assert.True(t, ok)
	assert.Equal(t, ReasonAllowed, reason)
}
