package registry

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/zhcnova/nova/pkg/types"
)

// OpsSummary is the operational health snapshot the ops CLI renders.
type OpsSummary struct {
	Status      string         `json:"status"`
	WindowHours int            `json:"window_hours"`
	GeneratedAt time.Time      `json:"generated_at"`
	Tasks       map[string]int `json:"tasks"`
	Leases      OpsLeases      `json:"leases"`
	Idempotency OpsIdempotency `json:"idempotency"`
	Timeouts    OpsTimeouts    `json:"timeouts"`
	Poll        OpsPoll        `json:"poll"`
	Reasons     []string       `json:"reasons"`
}

type OpsLeases struct {
	Active int `json:"active"`
	Stale  int `json:"stale"`
}

type OpsIdempotency struct {
	ConflictWindow int `json:"conflict_window"`
}

type OpsTimeouts struct {
	DispatchWindow int `json:"dispatch_window"`
	CommandWindow  int `json:"command_window"`
}

type OpsPoll struct {
	ErrorsWindow int `json:"errors_window"`
}

// Ops builds the health summary over the trailing window. The audit
// log path may be empty when no ingress runs on this host; command
// timeout and poll error counts are then zero.
func (r *Registry) Ops(windowHours int, auditPath string) (*OpsSummary, error) {
	if windowHours <= 0 {
		windowHours = 24
	}
	now := r.now()
	cutoff := now.Add(-time.Duration(windowHours) * time.Hour)

	summary := &OpsSummary{
		Status:      "healthy",
		WindowHours: windowHours,
		GeneratedAt: now,
		Tasks:       map[string]int{},
		Reasons:     []string{},
	}

	err := r.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return types.Wrap(types.KindCorrupted, "registry.Ops", err)
			}
			summary.Tasks[string(task.Status)]++
			return nil
		}); err != nil {
			return err
		}

		if err := tx.Bucket(bucketLeases).ForEach(func(k, v []byte) error {
			var lease types.DispatchLease
			if err := json.Unmarshal(v, &lease); err != nil {
				return types.Wrap(types.KindCorrupted, "registry.Ops", err)
			}
			if lease.LeaseStatus.Active() {
				summary.Leases.Active++
				if lease.Expired(now) {
					summary.Leases.Stale++
				}
			}
			return nil
		}); err != nil {
			return err
		}

		if err := tx.Bucket(bucketIdempotency).ForEach(func(k, v []byte) error {
			var rec types.IdempotencyKey
			if err := json.Unmarshal(v, &rec); err != nil {
				return types.Wrap(types.KindCorrupted, "registry.Ops", err)
			}
			if rec.Status == types.IdempoConflict && rec.UpdatedAt.After(cutoff) {
				summary.Idempotency.ConflictWindow++
			}
			return nil
		}); err != nil {
			return err
		}

		return tx.Bucket(bucketEvents).ForEach(func(k, v []byte) error {
			var ev types.TaskEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return types.Wrap(types.KindCorrupted, "registry.Ops", err)
			}
			if ev.CreatedAt.After(cutoff) && strings.Contains(ev.Detail, "dispatch_timeout") {
				summary.Timeouts.DispatchWindow++
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if auditPath != "" {
		commandTimeouts, pollErrors := scanAuditWindow(auditPath, cutoff)
		summary.Timeouts.CommandWindow = commandTimeouts
		summary.Poll.ErrorsWindow = pollErrors
	}

	if summary.Leases.Stale > 0 {
		summary.Reasons = append(summary.Reasons, "stale_lease_present")
	}
	if summary.Idempotency.ConflictWindow > 0 {
		summary.Reasons = append(summary.Reasons, "idempotency_conflicts_detected")
	}
	if summary.Timeouts.DispatchWindow > 0 {
		summary.Reasons = append(summary.Reasons, "dispatch_timeouts_present")
	}
	if summary.Timeouts.CommandWindow > 0 {
		summary.Reasons = append(summary.Reasons, "command_timeouts_present")
	}
	if summary.Poll.ErrorsWindow > 0 {
		summary.Reasons = append(summary.Reasons, "poll_errors_present")
	}
	if len(summary.Reasons) > 0 {
		summary.Status = "degraded"
	}
	return summary, nil
}

// scanAuditWindow counts command_timeout and poll_error audit lines
// newer than the cutoff. Malformed lines are skipped; a missing file
// counts as zero.
func scanAuditWindow(path string, cutoff time.Time) (commandTimeouts, pollErrors int) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var row struct {
			TS     time.Time `json:"ts"`
			Status string    `json:"status"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &row); err != nil {
			continue
		}
		if !row.TS.IsZero() && row.TS.Before(cutoff) {
			continue
		}
		switch row.Status {
		case "command_timeout":
			commandTimeouts++
		case "poll_error":
			pollErrors++
		}
	}
	return commandTimeouts, pollErrors
}
