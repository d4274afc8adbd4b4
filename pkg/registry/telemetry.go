package registry

import (
	"math"

	"github.com/zhcnova/nova/pkg/types"
)

// TaskTelemetry is the per-task slice of the telemetry summary.
type TaskTelemetry struct {
	TaskID              string           `json:"task_id"`
	TaskType            string           `json:"task_type"`
	RouteClass          types.RouteClass `json:"route_class"`
	Status              types.TaskStatus `json:"status"`
	DispatchDurationMS  int64            `json:"dispatch_duration_ms"`
	EstPromptTokens     int              `json:"estimated_prompt_tokens"`
	EstCompletionTokens int              `json:"estimated_completion_tokens"`
	EstTotalTokens      int              `json:"estimated_total_tokens"`
	CompressionRatio    float64          `json:"compression_ratio"`
	EstimatedCostUSD    float64          `json:"estimated_cost_usd"`
	CostSource          string           `json:"cost_source"`
	ModelProviderHint   string           `json:"model_provider_hint"`
	ModelNameHint       string           `json:"model_name_hint"`
}

// TelemetrySummary aggregates dispatch and cost telemetry over the
// most recent tasks.
type TelemetrySummary struct {
	Limit                    int              `json:"limit"`
	TaskCount                int              `json:"task_count"`
	AvgDispatchDurationMS    int64            `json:"avg_dispatch_duration_ms"`
	AvgCompressionRatio      float64          `json:"avg_compression_ratio"`
	TotalEstPromptTokens     int              `json:"total_estimated_prompt_tokens"`
	TotalEstCompletionTokens int              `json:"total_estimated_completion_tokens"`
	TotalEstTokens           int              `json:"total_estimated_tokens"`
	TotalContextInputTokens  int              `json:"total_context_input_tokens"`
	TotalContextTokens       int              `json:"total_context_compacted_tokens"`
	TotalEstimatedCostUSD    float64          `json:"total_estimated_cost_usd"`
	CostSourceCounts         map[string]int   `json:"cost_source_counts"`
	Tasks                    []*TaskTelemetry `json:"tasks"`
}

// Telemetry summarises the most recent limit tasks. Unknown cost
// sources are folded into "unknown".
func (r *Registry) Telemetry(limit int) (*TelemetrySummary, error) {
	if limit <= 0 {
		limit = 20
	}
	tasks, err := r.ListTasks(limit)
	if err != nil {
		return nil, err
	}

	summary := &TelemetrySummary{
		Limit:            limit,
		CostSourceCounts: map[string]int{"openrouter_api": 0, "heuristic": 0, "unknown": 0},
	}

	var totalDispatch int64
	var countedDispatch int
	var totalRatio float64
	var countedRatio int

	for _, task := range tasks {
		md := task.Metadata
		source := md.CostSource
		if _, ok := summary.CostSourceCounts[source]; !ok {
			source = "unknown"
		}
		summary.CostSourceCounts[source]++

		if md.DispatchDurationMS > 0 {
			totalDispatch += md.DispatchDurationMS
			countedDispatch++
		}
		if md.CompressionRatio > 0 {
			totalRatio += md.CompressionRatio
			countedRatio++
		}
		summary.TotalEstPromptTokens += md.EstPromptTokens
		summary.TotalEstCompletionTokens += md.EstCompletionTokens
		summary.TotalContextInputTokens += md.ContextInputTokens
		summary.TotalContextTokens += md.ContextTokens
		summary.TotalEstimatedCostUSD += md.EstimatedCostUSD

		summary.Tasks = append(summary.Tasks, &TaskTelemetry{
			TaskID:              task.TaskID,
			TaskType:            task.TaskType,
			RouteClass:          task.RouteClass,
			Status:              task.Status,
			DispatchDurationMS:  md.DispatchDurationMS,
			EstPromptTokens:     md.EstPromptTokens,
			EstCompletionTokens: md.EstCompletionTokens,
			EstTotalTokens:      md.EstPromptTokens + md.EstCompletionTokens,
			CompressionRatio:    round4(md.CompressionRatio),
			EstimatedCostUSD:    round6(md.EstimatedCostUSD),
			CostSource:          source,
			ModelProviderHint:   md.ModelProviderHint,
			ModelNameHint:       md.ModelNameHint,
		})
	}

	summary.TaskCount = len(summary.Tasks)
	summary.TotalEstTokens = summary.TotalEstPromptTokens + summary.TotalEstCompletionTokens
	summary.TotalEstimatedCostUSD = round6(summary.TotalEstimatedCostUSD)
	if countedDispatch > 0 {
		summary.AvgDispatchDurationMS = totalDispatch / int64(countedDispatch)
	}
	if countedRatio > 0 {
		summary.AvgCompressionRatio = round4(totalRatio / float64(countedRatio))
	}
	return summary, nil
}

func round4(v float64) float64 { return math.Round(v*1e4) / 1e4 }
func round6(v float64) float64 { return math.Round(v*1e6) / 1e6 }
