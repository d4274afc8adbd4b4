package types

import "encoding/json"

// TaskMetadata is the free-form metadata blob attached to a task. The
// routing and telemetry fields the plane itself writes are typed;
// anything else round-trips through Extra so callers never lose keys
// they did not anticipate.
type TaskMetadata struct {
	Source           string `json:"source,omitempty"`
	TraceID          string `json:"trace_id,omitempty"`
	ApprovalRequired bool   `json:"approval_required,omitempty"`
	AutonomyMode     string `json:"autonomy_mode,omitempty"`
	RuntimeMode      string `json:"runtime_mode,omitempty"`
	QueuedAt         string `json:"queued_at,omitempty"`

	ModelProviderHint string `json:"model_provider_hint,omitempty"`
	ModelNameHint     string `json:"model_name_hint,omitempty"`
	PricingModel      string `json:"pricing_model,omitempty"`

	DispatchDurationMS  int64    `json:"dispatch_duration_ms,omitempty"`
	EstPromptTokens     int      `json:"estimated_prompt_tokens,omitempty"`
	EstCompletionTokens int      `json:"estimated_completion_tokens,omitempty"`
	EstTotalTokens      int      `json:"estimated_total_tokens,omitempty"`
	EstimatedCostUSD    float64  `json:"estimated_cost_usd,omitempty"`
	CostSource          string   `json:"cost_source,omitempty"`
	ContextInputTokens  int      `json:"context_input_tokens,omitempty"`
	ContextTokens       int      `json:"context_compacted_tokens,omitempty"`
	CompressionRatio    float64  `json:"compression_ratio,omitempty"`
	ContextTokenBudget  int      `json:"context_token_budget,omitempty"`
	RetrievalSources    []string `json:"retrieval_sources,omitempty"`
	ContextPath         string   `json:"context_compacted_path,omitempty"`
	CostEstimatePath    string   `json:"cost_estimate_path,omitempty"`
	LastDispatchStatus  string   `json:"last_dispatch_status,omitempty"`

	ApprovedBy   string `json:"approved_by,omitempty"`
	ApprovedAt   string `json:"approved_at,omitempty"`
	ApprovalNote string `json:"approval_note,omitempty"`

	Extra map[string]any `json:"-"`
}

var knownMetadataKeys = map[string]bool{
	"source": true, "trace_id": true, "approval_required": true,
	"autonomy_mode": true, "runtime_mode": true, "queued_at": true,
	"model_provider_hint": true, "model_name_hint": true,
	"pricing_model": true, "dispatch_duration_ms": true,
	"estimated_prompt_tokens": true, "estimated_completion_tokens": true,
	"estimated_total_tokens": true, "estimated_cost_usd": true,
	"cost_source": true, "context_input_tokens": true,
	"context_compacted_tokens": true, "compression_ratio": true,
	"context_token_budget": true, "retrieval_sources": true,
	"context_compacted_path": true, "cost_estimate_path": true,
	"last_dispatch_status": true, "approved_by": true,
	"approved_at": true, "approval_note": true,
}

// mdAlias avoids MarshalJSON/UnmarshalJSON recursion.
type mdAlias TaskMetadata

func (m TaskMetadata) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(mdAlias(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return base, nil
	}
	merged := make(map[string]any, len(m.Extra)+8)
	for k, v := range m.Extra {
		if !knownMetadataKeys[k] {
			merged[k] = v
		}
	}
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	return json.Marshal(merged)
}

func (m *TaskMetadata) UnmarshalJSON(data []byte) error {
	var alias mdAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if knownMetadataKeys[k] {
			delete(raw, k)
		}
	}
	if len(raw) == 0 {
		raw = nil
	}
	*m = TaskMetadata(alias)
	m.Extra = raw
	return nil
}

// Merge applies patch on top of m, key by key. Known keys land in the
// typed fields; unknown keys land in Extra. Existing keys absent from
// the patch are untouched.
func (m *TaskMetadata) Merge(patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}
	current, err := m.ToMap()
	if err != nil {
		return err
	}
	for k, v := range patch {
		current[k] = v
	}
	data, err := json.Marshal(current)
	if err != nil {
		return err
	}
	return m.UnmarshalJSON(data)
}

// ToMap renders the metadata as a flat map, typed fields and Extra
// combined.
func (m TaskMetadata) ToMap() (map[string]any, error) {
	data, err := m.MarshalJSON()
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns a metadata value by key, typed fields included.
func (m TaskMetadata) Get(key string) (any, bool) {
	flat, err := m.ToMap()
	if err != nil {
		return nil, false
	}
	v, ok := flat[key]
	return v, ok
}
