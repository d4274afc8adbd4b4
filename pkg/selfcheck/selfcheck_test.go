package selfcheck

import (
	"context"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhcnova/nova/pkg/log"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

func TestRunAllScenariosPass(t *testing.T) {
	report, err := Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Scenarios, 4)
	names := make([]string, 0, 4)
	for _, s := range report.Scenarios {
		names = append(names, s.Name)
		assert.True(t, s.Passed, "scenario %s failed: %v", s.Name, s.Details)
		if s.Name == "transient_dispatch_retry" {
			calls, ok := s.Details["worker_calls"].(int)
			require.True(t, ok)
			assert.GreaterOrEqual(t, calls, 2)
		}
	}
	assert.Equal(t, []string{
		"duplicate_update_replay",
		"lease_recovery_after_expiry",
		"transient_dispatch_retry",
		"success_then_reporting_failure",
	}, names)

	assert.True(t, report.OK)
	assert.Empty(t, report.FailedScenarios)
	assert.Contains(t, report.Summary(), "selfcheck ok")
}

func TestSummaryListsFailures(t *testing.T) {
	report := &Report{
		Scenarios: []*ScenarioResult{
			{Name: "duplicate_update_replay", Passed: true},
			{Name: "transient_dispatch_retry", Passed: false},
		},
		FailedScenarios: []string{"transient_dispatch_retry"},
	}
	summary := report.Summary()
	assert.Contains(t, summary, "PASS duplicate_update_replay")
	assert.Contains(t, summary, "FAIL transient_dispatch_retry")
	assert.Contains(t, summary, "selfcheck failed: transient_dispatch_retry")
}
