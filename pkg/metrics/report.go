package metrics

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/zhcnova/nova/pkg/artifact"
	"github.com/zhcnova/nova/pkg/registry"
	"github.com/zhcnova/nova/pkg/types"
)

// recoveryWindowMinutes bounds how long after an incident a progress
// event still counts as recovery.
const recoveryWindowMinutes = 10.0

// SyntheticRule identifies smoke/chaos traffic so operational numbers
// only reflect production commands. The defaults match the seeded
// smoke tooling; callers may tighten or widen the rule.
type SyntheticRule struct {
	UpdateIDFloor  int64
	ActorPrefixes  []string
	TextSubstrings []string
}

// DefaultSyntheticRule returns the standard smoke/chaos detection
// thresholds.
func DefaultSyntheticRule() SyntheticRule {
	return SyntheticRule{
		UpdateIDFloor:  900_000_000,
		ActorPrefixes:  []string{"@smoke", "@chaos"},
		TextSubstrings: []string{"smoke", "chaos"},
	}
}

// Matches reports whether an audit row is synthetic traffic.
func (r SyntheticRule) Matches(row AuditRow) bool {
	for _, prefix := range r.ActorPrefixes {
		if strings.HasPrefix(row.Actor, prefix) {
			return true
		}
	}
	textL := strings.ToLower(row.Text)
	for _, sub := range r.TextSubstrings {
		if sub != "" && strings.Contains(textL, sub) {
			return true
		}
	}
	return row.UpdateID >= r.UpdateIDFloor && r.UpdateIDFloor > 0
}

// AuditRow is one line of the ingress audit log as the report reads
// it. Unknown fields are ignored.
type AuditRow struct {
	TS       time.Time `json:"ts"`
	UpdateID int64     `json:"update_id"`
	ChatID   int64     `json:"chat_id"`
	Actor    string    `json:"actor"`
	Text     string    `json:"text"`
	TraceID  string    `json:"trace_id"`
	Status   string    `json:"status"`
}

// LoadAudit reads audit rows inside [start, end]. Missing files and
// malformed lines read as empty.
func LoadAudit(path string, start, end time.Time) []AuditRow {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var rows []AuditRow
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var row AuditRow
		if err := json.Unmarshal(scanner.Bytes(), &row); err != nil {
			continue
		}
		if row.TS.IsZero() || row.TS.Before(start) || row.TS.After(end) {
			continue
		}
		rows = append(rows, row)
	}
	return rows
}

// Report is the windowed operational report.
type Report struct {
	GeneratedAt time.Time `json:"generated_at"`
	WindowDays  int       `json:"window_days"`
	Iteration   string    `json:"iteration"`

	TaskFlow struct {
		TaskCount    int            `json:"task_count"`
		StatusCounts map[string]int `json:"status_counts"`
		RouteCounts  map[string]int `json:"route_counts"`
		RiskCounts   map[string]int `json:"risk_counts"`
	} `json:"task_flow"`

	Policy struct {
		BlockCount   int            `json:"policy_block_count"`
		ReasonCounts map[string]int `json:"policy_reason_counts"`
	} `json:"policy"`

	Approvals struct {
		StatusCounts         map[string]int `json:"approval_status_counts"`
		MedianLatencyMinutes float64        `json:"median_approval_latency_minutes"`
		P90LatencyMinutes    float64        `json:"p90_approval_latency_minutes"`
	} `json:"approvals"`

	ReviewGate struct {
		HeavyTaskCount      int            `json:"heavy_task_count"`
		GatePass            int            `json:"gate_pass"`
		GateFail            int            `json:"gate_fail"`
		GateMissing         int            `json:"gate_missing"`
		SchemaCompleteCount int            `json:"schema_complete_count"`
		FailThenPassCount   int            `json:"fail_then_pass_count"`
		ReasonCounts        map[string]int `json:"review_reason_counts"`
	} `json:"review_gate"`

	Dispatch struct {
		AvgMS               float64        `json:"avg_dispatch_ms"`
		P50MS               float64        `json:"p50_dispatch_ms"`
		P95MS               float64        `json:"p95_dispatch_ms"`
		TotalCostUSD        float64        `json:"total_estimated_cost_usd"`
		TotalTokens         int            `json:"total_estimated_tokens"`
		AvgCompressionRatio float64        `json:"avg_compression_ratio"`
		CostSourceCounts    map[string]int `json:"cost_source_counts"`
	} `json:"dispatch"`

	Telegram struct {
		Total                  int            `json:"total"`
		SyntheticCount         int            `json:"synthetic_count"`
		StatusCounts           map[string]int `json:"status_counts"`
		CommandCounts          map[string]int `json:"command_counts"`
		CommandTotal           int            `json:"command_total"`
		CommandOK              int            `json:"command_ok"`
		CommandError           int            `json:"command_error"`
		ProductionCommandTotal int            `json:"production_command_total"`
		ProductionCommandOK    int            `json:"production_command_ok"`
		ProductionCommandError int            `json:"production_command_error"`
	} `json:"telegram"`

	Incidents struct {
		Total              int     `json:"total"`
		Recovered          int     `json:"recovered"`
		RecoveryRate       float64 `json:"recovery_rate"`
		MTTRMinutes        float64 `json:"mttr_minutes"`
		P90RecoveryMinutes float64 `json:"p90_recovery_minutes"`
		Total24h           int     `json:"total_24h"`
		Recovered24h       int     `json:"recovered_24h"`
		RecoveryRate24h    float64 `json:"recovery_rate_24h"`
	} `json:"incidents"`
}

// BuildReport assembles the operational report over the trailing
// window from the registry, the artifact store, and the ingress audit
// log.
func BuildReport(reg *registry.Registry, artifacts *artifact.Store, auditPath string, windowDays, limitTasks int, iteration string, rule SyntheticRule) (*Report, error) {
	if windowDays <= 0 {
		windowDays = 7
	}
	end := time.Now().UTC()
	start := end.Add(-time.Duration(windowDays) * 24 * time.Hour)

	report := &Report{GeneratedAt: end, WindowDays: windowDays, Iteration: iteration}
	report.TaskFlow.StatusCounts = map[string]int{}
	report.TaskFlow.RouteCounts = map[string]int{}
	report.TaskFlow.RiskCounts = map[string]int{}
	report.Policy.ReasonCounts = map[string]int{}
	report.Approvals.StatusCounts = map[string]int{}
	report.ReviewGate.ReasonCounts = map[string]int{}
	report.Dispatch.CostSourceCounts = map[string]int{"openrouter_api": 0, "heuristic": 0, "unknown": 0}
	report.Telegram.StatusCounts = map[string]int{}
	report.Telegram.CommandCounts = map[string]int{}

	tasks, err := reg.TasksBetween(start, end, limitTasks)
	if err != nil {
		return nil, err
	}
	summarizeTasks(report, tasks, artifacts)

	events, err := reg.EventsBetween(start, end)
	if err != nil {
		return nil, err
	}
	summarizeEvents(report, events)

	approvals, err := reg.ApprovalsBetween(start, end)
	if err != nil {
		return nil, err
	}
	summarizeApprovals(report, approvals)

	rows := LoadAudit(auditPath, start, end)
	summarizeTelegram(report, rows, rule)
	return report, nil
}

func summarizeTasks(report *Report, tasks []*types.Task, artifacts *artifact.Store) {
	var dispatchMS, ratios []float64
	for _, task := range tasks {
		report.TaskFlow.StatusCounts[string(task.Status)]++
		report.TaskFlow.RouteCounts[string(task.RouteClass)]++
		report.TaskFlow.RiskCounts[string(task.RiskLevel)]++

		md := task.Metadata
		if md.DispatchDurationMS > 0 {
			dispatchMS = append(dispatchMS, float64(md.DispatchDurationMS))
		}
		report.Dispatch.TotalCostUSD += md.EstimatedCostUSD
		report.Dispatch.TotalTokens += md.EstTotalTokens
		if md.CompressionRatio > 0 {
			ratios = append(ratios, md.CompressionRatio)
		}
		source := md.CostSource
		if _, ok := report.Dispatch.CostSourceCounts[source]; !ok {
			source = "unknown"
		}
		report.Dispatch.CostSourceCounts[source]++

		if task.RouteClass == types.RouteHeavy && artifacts != nil {
			report.ReviewGate.HeavyTaskCount++
			gate := artifacts.ReviewGate(task.TaskID)
			switch gate.ReviewerVerdict {
			case "pass":
				report.ReviewGate.GatePass++
			case "fail":
				report.ReviewGate.GateFail++
			default:
				report.ReviewGate.GateMissing++
			}
			if gate.ReviewerReason != "" {
				report.ReviewGate.ReasonCounts[gate.ReviewerReason]++
			}
			if gate.ChecklistComplete {
				report.ReviewGate.SchemaCompleteCount++
			}
		}
	}
	report.TaskFlow.TaskCount = len(tasks)
	report.Dispatch.AvgMS = round2(mean(dispatchMS))
	report.Dispatch.P50MS = round2(percentile(dispatchMS, 0.50))
	report.Dispatch.P95MS = round2(percentile(dispatchMS, 0.95))
	report.Dispatch.TotalCostUSD = round6(report.Dispatch.TotalCostUSD)
	report.Dispatch.AvgCompressionRatio = round4(mean(ratios))
}

func summarizeEvents(report *Report, events []*types.TaskEvent) {
	timeline := map[string][]string{}
	for _, ev := range events {
		if reason, ok := strings.CutPrefix(ev.Detail, "policy_block reason="); ok {
			report.Policy.BlockCount++
			reason = strings.TrimSpace(reason)
			if reason == "" {
				reason = "unknown"
			}
			report.Policy.ReasonCounts[reason]++
		}
		if strings.HasPrefix(ev.Detail, "reviewer_artifact_recorded verdict=") {
			switch {
			case strings.Contains(ev.Detail, "verdict=fail"):
				timeline[ev.TaskID] = append(timeline[ev.TaskID], "fail")
			case strings.Contains(ev.Detail, "verdict=pass"):
				timeline[ev.TaskID] = append(timeline[ev.TaskID], "pass")
			}
		}
	}
	for _, verdicts := range timeline {
		failIdx, passIdx := -1, -1
		for i, v := range verdicts {
			if v == "fail" && failIdx < 0 {
				failIdx = i
			}
			if v == "pass" && passIdx < 0 {
				passIdx = i
			}
		}
		if failIdx >= 0 && passIdx > failIdx {
			report.ReviewGate.FailThenPassCount++
		}
	}
}

func summarizeApprovals(report *Report, approvals []*types.Approval) {
	var latencies []float64
	for _, a := range approvals {
		report.Approvals.StatusCounts[string(a.Status)]++
		if a.Status == types.ApprovalApproved || a.Status == types.ApprovalRejected {
			if !a.UpdatedAt.Before(a.CreatedAt) {
				latencies = append(latencies, a.UpdatedAt.Sub(a.CreatedAt).Minutes())
			}
		}
	}
	report.Approvals.MedianLatencyMinutes = round2(percentile(latencies, 0.50))
	report.Approvals.P90LatencyMinutes = round2(percentile(latencies, 0.90))
}

func summarizeTelegram(report *Report, rows []AuditRow, rule SyntheticRule) {
	var timeouts, pollErrors, pollRecovered, progress []time.Time

	for _, row := range rows {
		report.Telegram.StatusCounts[row.Status]++
		synthetic := rule.Matches(row)
		if synthetic {
			report.Telegram.SyntheticCount++
		}

		text := strings.TrimSpace(row.Text)
		if !synthetic {
			switch row.Status {
			case "command_timeout":
				timeouts = append(timeouts, row.TS)
			case "poll_error":
				pollErrors = append(pollErrors, row.TS)
			case "poll_recovered":
				pollRecovered = append(pollRecovered, row.TS)
			default:
				if strings.HasPrefix(text, "/") && isProgressStatus(row.Status) {
					progress = append(progress, row.TS)
				}
			}
		}

		if !strings.HasPrefix(text, "/") {
			continue
		}
		report.Telegram.CommandTotal++
		cmd := strings.ToLower(strings.SplitN(strings.Fields(text)[0], "@", 2)[0])
		report.Telegram.CommandCounts[cmd]++
		switch row.Status {
		case "ok", "idempotent_replay":
			report.Telegram.CommandOK++
		case "error", "command_timeout", "idempotency_conflict":
			report.Telegram.CommandError++
		}
		if !synthetic {
			report.Telegram.ProductionCommandTotal++
			switch row.Status {
			case "ok", "idempotent_replay":
				report.Telegram.ProductionCommandOK++
			case "error", "command_timeout", "idempotency_conflict":
				report.Telegram.ProductionCommandError++
			}
		}
	}
	report.Telegram.Total = len(rows)

	sortTimes(progress)
	sortTimes(pollRecovered)

	pollRecoveryCandidates := pollRecovered
	if len(pollRecoveryCandidates) == 0 {
		pollRecoveryCandidates = progress
	}

	timeoutTotal, timeoutRecovered, timeoutLatencies := incidentRecovery(timeouts, progress, time.Time{})
	pollTotal, pollRecoveredN, pollLatencies := incidentRecovery(pollErrors, pollRecoveryCandidates, time.Time{})

	all := append(timeoutLatencies, pollLatencies...)
	report.Incidents.Total = timeoutTotal + pollTotal
	report.Incidents.Recovered = timeoutRecovered + pollRecoveredN
	report.Incidents.RecoveryRate = rate(report.Incidents.Recovered, report.Incidents.Total)
	report.Incidents.MTTRMinutes = round2(mean(all))
	report.Incidents.P90RecoveryMinutes = round2(percentile(all, 0.90))

	// 24h variant scoped to the most recent audit timestamp
	var cutoff time.Time
	for _, row := range rows {
		if row.TS.After(cutoff) {
			cutoff = row.TS
		}
	}
	if !cutoff.IsZero() {
		cutoff = cutoff.Add(-24 * time.Hour)
	}
	t24, r24, _ := incidentRecovery(timeouts, progress, cutoff)
	p24, pr24, _ := incidentRecovery(pollErrors, pollRecoveryCandidates, cutoff)
	report.Incidents.Total24h = t24 + p24
	report.Incidents.Recovered24h = r24 + pr24
	report.Incidents.RecoveryRate24h = rate(report.Incidents.Recovered24h, report.Incidents.Total24h)
}

func isProgressStatus(status string) bool {
	switch status {
	case "ok", "idempotent_replay", "user_error", "error":
		return true
	}
	return false
}

// incidentRecovery counts incidents recovered by the first later
// recovery event inside the recovery window.
func incidentRecovery(incidents, recoveries []time.Time, minIncident time.Time) (total, recovered int, latencies []float64) {
	for _, incident := range incidents {
		if !minIncident.IsZero() && incident.Before(minIncident) {
			continue
		}
		total++
		for _, event := range recoveries {
			if event.After(incident) {
				delta := event.Sub(incident).Minutes()
				if delta <= recoveryWindowMinutes {
					recovered++
					latencies = append(latencies, delta)
				}
				break
			}
		}
	}
	return total, recovered, latencies
}

// Markdown renders the report for humans.
func (r *Report) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Operations report (%s)\n\n", r.Iteration)
	fmt.Fprintf(&b, "Generated: %s, window: %d days\n\n", r.GeneratedAt.Format(time.RFC3339), r.WindowDays)

	fmt.Fprintf(&b, "## Task flow\n\n")
	fmt.Fprintf(&b, "- tasks: %d\n", r.TaskFlow.TaskCount)
	writeCounts(&b, "status", r.TaskFlow.StatusCounts)
	writeCounts(&b, "route", r.TaskFlow.RouteCounts)
	writeCounts(&b, "risk", r.TaskFlow.RiskCounts)

	fmt.Fprintf(&b, "\n## Policy\n\n")
	fmt.Fprintf(&b, "- blocks: %d\n", r.Policy.BlockCount)
	writeCounts(&b, "reason", r.Policy.ReasonCounts)

	fmt.Fprintf(&b, "\n## Approvals\n\n")
	writeCounts(&b, "status", r.Approvals.StatusCounts)
	fmt.Fprintf(&b, "- median latency: %s min, p90: %s min\n",
		trimFloat(r.Approvals.MedianLatencyMinutes), trimFloat(r.Approvals.P90LatencyMinutes))

	fmt.Fprintf(&b, "\n## Review gate (HEAVY)\n\n")
	fmt.Fprintf(&b, "- heavy tasks: %d, pass: %d, fail: %d, missing: %d\n",
		r.ReviewGate.HeavyTaskCount, r.ReviewGate.GatePass, r.ReviewGate.GateFail, r.ReviewGate.GateMissing)
	fmt.Fprintf(&b, "- checklist complete: %d, fail-then-pass: %d\n",
		r.ReviewGate.SchemaCompleteCount, r.ReviewGate.FailThenPassCount)
	writeCounts(&b, "fail reason", r.ReviewGate.ReasonCounts)

	fmt.Fprintf(&b, "\n## Dispatch\n\n")
	fmt.Fprintf(&b, "- duration ms avg/p50/p95: %s / %s / %s\n",
		trimFloat(r.Dispatch.AvgMS), trimFloat(r.Dispatch.P50MS), trimFloat(r.Dispatch.P95MS))
	fmt.Fprintf(&b, "- estimated cost: $%s, tokens: %d, avg compression: %s\n",
		trimFloat(r.Dispatch.TotalCostUSD), r.Dispatch.TotalTokens, trimFloat(r.Dispatch.AvgCompressionRatio))
	writeCounts(&b, "cost source", r.Dispatch.CostSourceCounts)

	fmt.Fprintf(&b, "\n## Telegram\n\n")
	fmt.Fprintf(&b, "- updates: %d (synthetic: %d)\n", r.Telegram.Total, r.Telegram.SyntheticCount)
	fmt.Fprintf(&b, "- commands: %d (ok: %d, error: %d)\n",
		r.Telegram.CommandTotal, r.Telegram.CommandOK, r.Telegram.CommandError)
	fmt.Fprintf(&b, "- production commands: %d (ok: %d, error: %d)\n",
		r.Telegram.ProductionCommandTotal, r.Telegram.ProductionCommandOK, r.Telegram.ProductionCommandError)
	writeCounts(&b, "command", r.Telegram.CommandCounts)

	fmt.Fprintf(&b, "\n## Incidents\n\n")
	fmt.Fprintf(&b, "- total: %d, recovered: %d, rate: %s\n",
		r.Incidents.Total, r.Incidents.Recovered, trimFloat(r.Incidents.RecoveryRate))
	fmt.Fprintf(&b, "- mttr: %s min, p90 recovery: %s min\n",
		trimFloat(r.Incidents.MTTRMinutes), trimFloat(r.Incidents.P90RecoveryMinutes))
	fmt.Fprintf(&b, "- last 24h: %d total, %d recovered, rate %s\n",
		r.Incidents.Total24h, r.Incidents.Recovered24h, trimFloat(r.Incidents.RecoveryRate24h))
	return b.String()
}

func writeCounts(b *strings.Builder, label string, counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "- %s %s: %d\n", label, k, counts[k])
	}
}

func trimFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func sortTimes(ts []time.Time) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// percentile uses nearest-rank on the sorted values.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if len(values) == 1 {
		return values[0]
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(math.Round(float64(len(sorted)-1) * p))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func rate(recovered, total int) float64 {
	if total == 0 {
		return 1.0
	}
	return math.Round(float64(recovered)/float64(total)*1e4) / 1e4
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round4(v float64) float64 { return math.Round(v*1e4) / 1e4 }
func round6(v float64) float64 { return math.Round(v*1e6) / 1e6 }
