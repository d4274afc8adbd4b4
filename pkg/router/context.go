package router

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zhcnova/nova/pkg/types"
)

// estimateTokens approximates the token count of text at four
// characters per token, never below one.
func estimateTokens(text string) int {
	n := (len(text) + 3) / 4
	if n < 1 {
		return 1
	}
	return n
}

// compactSnippet collapses whitespace and truncates to limit chars.
func compactSnippet(text string, limit int) string {
	clean := strings.Join(strings.Fields(text), " ")
	if len(clean) <= limit {
		return clean
	}
	return clean[:limit-3] + "..."
}

func (r *Router) tokenBudget(routeClass types.RouteClass) int {
	if routeClass == types.RouteHeavy {
		return r.cfg.ContextBudgetHeavy
	}
	return r.cfg.ContextBudgetLight
}

// compactToBudget shrinks a context payload to the token budget.
// Essential lines survive first, then retrieval lines ("- " prefixed)
// fill the remainder under a target-ratio effective budget. A final
// character trim guarantees the result never exceeds the hard budget.
func (r *Router) compactToBudget(text string, budget int) (compacted string, inputTokens, outputTokens int, ratio float64) {
	inputTokens = estimateTokens(text)
	if strings.TrimSpace(text) == "" {
		return text, inputTokens, inputTokens, 1.0
	}

	effective := int(float64(inputTokens) * r.cfg.TargetRatio)
	if effective < 120 {
		effective = 120
	}
	if effective > budget {
		effective = budget
	}

	var essential, retrieval []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, " \t")
		if strings.HasPrefix(line, "- ") {
			retrieval = append(retrieval, compactSnippet(line, 160))
		} else if strings.TrimSpace(line) != "" {
			essential = append(essential, compactSnippet(line, 200))
		}
	}

	var selected []string
	for _, line := range essential {
		selected = append(selected, line)
		if estimateTokens(strings.Join(selected, "\n")) >= effective {
			break
		}
	}

	if len(retrieval) > 0 && estimateTokens(strings.Join(selected, "\n")) < effective {
		selected = append(selected, "retrieval:")
		for _, line := range retrieval {
			candidate := append(append([]string{}, selected...), line)
			if estimateTokens(strings.Join(candidate, "\n")) > effective {
				break
			}
			selected = candidate
		}
	}

	compacted = strings.Join(selected, "\n")
	if compacted == "" {
		compacted = compactSnippet(text, 400)
	}

	if estimateTokens(compacted) > budget {
		cut := int(float64(budget*4) * 0.9)
		if cut < 80 {
			cut = 80
		}
		if cut < len(compacted) {
			compacted = compacted[:cut]
		}
	}

	outputTokens = estimateTokens(compacted)
	ratio = math.Round(float64(outputTokens)/float64(inputTokens)*1e4) / 1e4
	return compacted, inputTokens, outputTokens, ratio
}

// buildContextPayload assembles the dispatch context: the task's own
// identity and gates first, then retrieval snippets from recent tasks
// of the same type and the newest shared memory notes.
func (r *Router) buildContextPayload(task *types.TaskDetail) (payload string, sources []string) {
	approvalStatus := "none"
	if n := len(task.Approvals); n > 0 {
		approvalStatus = string(task.Approvals[n-1].Status)
	}

	lines := []string{
		"task_id=" + task.TaskID,
		"task_type=" + task.TaskType,
		"route_class=" + string(task.RouteClass),
		"risk_level=" + string(task.RiskLevel),
		fmt.Sprintf("requires_approval=%t", task.RequiresApproval),
		"approval_status=" + approvalStatus,
		"prompt=" + task.Prompt,
		"",
		"retrieval:",
	}

	recent, err := r.reg.RecentTasksByType(task.TaskType, 5)
	if err == nil {
		for _, prev := range recent {
			text := fmt.Sprintf("task_type=%s status=%s cost=%g prompt=%s",
				prev.TaskType, prev.Status, prev.Metadata.EstimatedCostUSD,
				compactSnippet(prev.Prompt, 120))
			lines = append(lines, fmt.Sprintf("- task:%s: %s", prev.TaskID, text))
			sources = append(sources, "task:"+prev.TaskID)
		}
	}

	for _, note := range r.memoryNotes(3) {
		lines = append(lines, fmt.Sprintf("- memory:%s: %s", note.name, compactSnippet(note.text, 200)))
		sources = append(sources, "memory:"+note.name)
	}

	return strings.Join(lines, "\n"), sources
}

type memoryNote struct {
	name string
	text string
	mod  time.Time
}

// memoryNotes returns the newest *.txt notes under the shared memory
// directory, newest first.
func (r *Router) memoryNotes(limit int) []memoryNote {
	dir := filepath.Join(r.cfg.StorageRoot, "memory")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var notes []memoryNote
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".txt") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		notes = append(notes, memoryNote{name: entry.Name(), text: string(data), mod: info.ModTime()})
	}
	sort.Slice(notes, func(i, j int) bool { return notes[i].mod.After(notes[j].mod) })
	if len(notes) > limit {
		notes = notes[:limit]
	}
	return notes
}
