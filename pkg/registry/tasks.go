package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/zhcnova/nova/pkg/types"
)

// CreateTask inserts a new task row and its "created" event in one
// transaction.
func (r *Registry) CreateTask(task *types.Task) (*types.TaskDetail, error) {
	if task.TaskID == "" {
		return nil, types.E(types.KindInvalidArgument, "registry.CreateTask", "task_id is required")
	}
	status := types.NormalizeStatus(string(task.Status))
	if !types.ValidStatus(status) {
		return nil, types.Ef(types.KindInvalidArgument, "registry.CreateTask", "invalid status: %s", task.Status)
	}

	err := r.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketTasks).Get([]byte(task.TaskID)) != nil {
			return types.Ef(types.KindIntegrityConflict, "registry.CreateTask", "task already exists: %s", task.TaskID)
		}
		now := r.now()
		task.Status = status
		task.CreatedAt = now
		task.UpdatedAt = now
		if err := putTask(tx, task); err != nil {
			return err
		}
		detail := fmt.Sprintf("route=%s; risk=%s", task.RouteClass, task.RiskLevel)
		return r.appendEvent(tx, task.TaskID, types.EventCreated, detail)
	})
	if err != nil {
		return nil, err
	}
	return r.GetTask(task.TaskID)
}

// UpdateTask moves a task to the given status, enforcing the state
// machine unless force is set. A forced transition out of a terminal
// state is recorded in the event detail.
func (r *Registry) UpdateTask(taskID string, status types.TaskStatus, detail string, force bool) (*types.TaskDetail, error) {
	next := types.NormalizeStatus(string(status))
	if !types.ValidStatus(next) {
		return nil, types.Ef(types.KindInvalidArgument, "registry.UpdateTask", "invalid status: %s", status)
	}

	err := r.db.Update(func(tx *bolt.Tx) error {
		task, err := getTask(tx, taskID)
		if err != nil {
			return err
		}
		current := types.NormalizeStatus(string(task.Status))

		if !force && !types.CanTransition(current, next) {
			return types.Ef(types.KindInvalidTransition, "registry.UpdateTask",
				"invalid status transition for %s: %s -> %s", taskID, current, next)
		}

		task.Status = next
		task.UpdatedAt = r.now()
		if err := putTask(tx, task); err != nil {
			return err
		}

		eventDetail := detail
		if eventDetail == "" {
			eventDetail = string(next)
		}
		if force && !types.CanTransition(current, next) {
			eventDetail = fmt.Sprintf("%s (forced from %s)", eventDetail, current)
		}
		return r.appendEvent(tx, taskID, types.EventStatusUpdated, eventDetail)
	})
	if err != nil {
		return nil, err
	}
	return r.GetTask(taskID)
}

// MergeMetadata applies a shallow key-by-key patch to the task
// metadata and records a metadata_updated event.
func (r *Registry) MergeMetadata(taskID string, patch map[string]any, detail string) (*types.TaskDetail, error) {
	err := r.db.Update(func(tx *bolt.Tx) error {
		task, err := getTask(tx, taskID)
		if err != nil {
			return err
		}
		if err := task.Metadata.Merge(patch); err != nil {
			return types.Wrap(types.KindInvalidArgument, "registry.MergeMetadata", err)
		}
		task.UpdatedAt = r.now()
		if err := putTask(tx, task); err != nil {
			return err
		}
		return r.appendEvent(tx, taskID, types.EventMetadataUpdated, detail)
	})
	if err != nil {
		return nil, err
	}
	return r.GetTask(taskID)
}

// AppendTaskEvent records a free-form router event for a task.
func (r *Registry) AppendTaskEvent(taskID string, eventType types.EventType, detail string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		if err := ensureTaskExists(tx, taskID); err != nil {
			return err
		}
		return r.appendEvent(tx, taskID, eventType, detail)
	})
}

// GetTask returns the task joined with its events, approvals, and
// dispatch lease.
func (r *Registry) GetTask(taskID string) (*types.TaskDetail, error) {
	var detail types.TaskDetail
	err := r.db.View(func(tx *bolt.Tx) error {
		task, err := getTask(tx, taskID)
		if err != nil {
			return err
		}
		detail.Task = *task

		detail.Events = scanEvents(tx, taskID, 0)
		detail.Approvals = scanApprovals(tx, taskID)

		if data := tx.Bucket(bucketLeases).Get([]byte(taskID)); data != nil {
			var lease types.DispatchLease
			if err := json.Unmarshal(data, &lease); err != nil {
				return types.Wrap(types.KindCorrupted, "registry.GetTask", err)
			}
			detail.DispatchLease = &lease
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &detail, nil
}

// ListTasks returns the most recently created tasks, newest first.
func (r *Registry) ListTasks(limit int) ([]*types.Task, error) {
	if limit <= 0 {
		limit = 20
	}
	var tasks []*types.Task
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return types.Wrap(types.KindCorrupted, "registry.ListTasks", err)
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	if len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

// EventPage is a bounded slice of a task's event log.
type EventPage struct {
	TaskID  string             `json:"task_id,omitempty"`
	TraceID string             `json:"trace_id,omitempty"`
	Limit   int                `json:"limit"`
	Events  []*types.TaskEvent `json:"events"`
}

// ListEvents returns the last limit events for a task in ascending
// order.
func (r *Registry) ListEvents(taskID string, limit int) (*EventPage, error) {
	if limit <= 0 {
		limit = 200
	}
	page := &EventPage{TaskID: taskID, Limit: limit}
	err := r.db.View(func(tx *bolt.Tx) error {
		if err := ensureTaskExists(tx, taskID); err != nil {
			return err
		}
		page.Events = scanEvents(tx, taskID, limit)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// TraceEvents returns the last limit events across all tasks whose
// detail embeds the given trace ID, in ascending order. Details carry
// the trace as a `"trace_id": "<id>"` fragment; the match is a plain
// substring scan so the event log shape stays inspectable with any
// text tool.
func (r *Registry) TraceEvents(traceID string, limit int) (*EventPage, error) {
	if limit <= 0 {
		limit = 500
	}
	pattern := fmt.Sprintf("%q: %q", "trace_id", traceID)
	page := &EventPage{TraceID: traceID, Limit: limit}
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEvents).ForEach(func(k, v []byte) error {
			var ev types.TaskEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return types.Wrap(types.KindCorrupted, "registry.TraceEvents", err)
			}
			if strings.Contains(ev.Detail, pattern) {
				page.Events = append(page.Events, &ev)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(page.Events, func(i, j int) bool { return page.Events[i].Seq < page.Events[j].Seq })
	if len(page.Events) > limit {
		page.Events = page.Events[len(page.Events)-limit:]
	}
	return page, nil
}

// TraceFragment renders the detail fragment TraceEvents matches on.
// Router and ingress events embed it so trace lookup works without a
// dedicated index.
func TraceFragment(traceID string) string {
	return fmt.Sprintf("%q: %q", "trace_id", traceID)
}

// scanEvents collects a task's events in ascending order; limit 0
// means all, otherwise the trailing limit entries.
func scanEvents(tx *bolt.Tx, taskID string, limit int) []*types.TaskEvent {
	var events []*types.TaskEvent
	prefix := []byte(taskID + "/")
	c := tx.Bucket(bucketEvents).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var ev types.TaskEvent
		if err := json.Unmarshal(v, &ev); err != nil {
			continue
		}
		events = append(events, &ev)
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events
}
