package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeStatus(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want TaskStatus
	}{
		{"passthrough", "running", StatusRunning},
		{"uppercase", "QUEUED", StatusQueued},
		{"whitespace", "  failed ", StatusFailed},
		{"canceled alias", "canceled", StatusCancelled},
		{"canceled alias uppercase", "CANCELED", StatusCancelled},
		{"cancelled canonical", "cancelled", StatusCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeStatus(tt.raw))
		})
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from TaskStatus
		to   TaskStatus
		want bool
	}{
		{"requested to queued", StatusRequested, StatusQueued, true},
		{"requested to succeeded", StatusRequested, StatusSucceeded, false},
		{"queued self transition", StatusQueued, StatusQueued, true},
		{"running self transition", StatusRunning, StatusRunning, true},
		{"running to succeeded", StatusRunning, StatusSucceeded, true},
		{"blocked to approved", StatusBlocked, StatusApproved, true},
		{"succeeded is absorbing", StatusSucceeded, StatusFailed, false},
		{"failed is absorbing", StatusFailed, StatusQueued, false},
		{"cancelled is absorbing", StatusCancelled, StatusRunning, false},
		{"expired is absorbing", StatusExpired, StatusQueued, false},
		{"unknown from", TaskStatus("bogus"), StatusQueued, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []TaskStatus{StatusSucceeded, StatusFailed, StatusCancelled, StatusExpired} {
		assert.True(t, s.Terminal(), "expected %s to be terminal", s)
	}
	for _, s := range []TaskStatus{StatusRequested, StatusPending, StatusApproved, StatusQueued, StatusRunning, StatusBlocked} {
		assert.False(t, s.Terminal(), "expected %s to be non-terminal", s)
	}
}

func TestLeaseExpiredBoundary(t *testing.T) {
	now := time.Now().UTC()
	lease := &DispatchLease{LeaseExpiresAt: now}

	assert.True(t, lease.Expired(now), "expiry instant counts as expired")
	assert.True(t, lease.Expired(now.Add(time.Second)))
	assert.False(t, lease.Expired(now.Add(-time.Second)))
}

func TestMetadataRoundTripPreservesUnknownKeys(t *testing.T) {
	raw := []byte(`{"trace_id":"tg-42","custom_flag":true,"nested":{"a":1}}`)

	var md TaskMetadata
	require.NoError(t, json.Unmarshal(raw, &md))
	assert.Equal(t, "tg-42", md.TraceID)
	assert.Equal(t, true, md.Extra["custom_flag"])

	out, err := json.Marshal(md)
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(out, &flat))
	assert.Equal(t, "tg-42", flat["trace_id"])
	assert.Equal(t, true, flat["custom_flag"])
	assert.Equal(t, map[string]any{"a": float64(1)}, flat["nested"])
}

func TestMetadataMerge(t *testing.T) {
	md := TaskMetadata{TraceID: "tg-1", Extra: map[string]any{"owner_note": "keep"}}

	require.NoError(t, md.Merge(map[string]any{
		"dispatch_duration_ms": 1200,
		"cost_source":          "heuristic",
		"extra_key":            "v",
	}))

	assert.Equal(t, "tg-1", md.TraceID)
	assert.Equal(t, int64(1200), md.DispatchDurationMS)
	assert.Equal(t, "heuristic", md.CostSource)
	assert.Equal(t, "keep", md.Extra["owner_note"])
	assert.Equal(t, "v", md.Extra["extra_key"])
}

func TestErrorKinds(t *testing.T) {
	base := E(KindNotFound, "registry.GetTask", "task not found: t-1")

	assert.True(t, IsKind(base, KindNotFound))
	assert.False(t, IsKind(base, KindInvalidTransition))
	assert.Equal(t, KindNotFound, KindOf(base))

	wrapped := Wrap(KindTransport, "telegram.GetUpdates", base)
	assert.True(t, IsKind(wrapped, KindTransport))
	assert.Contains(t, wrapped.Error(), "telegram.GetUpdates")
}
