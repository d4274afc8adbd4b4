package registry

import (
	"encoding/json"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/zhcnova/nova/pkg/types"
)

// EventsBetween returns all events created inside [start, end], in
// sequence order. The report builder uses it to count policy blocks
// and review verdicts.
func (r *Registry) EventsBetween(start, end time.Time) ([]*types.TaskEvent, error) {
	var events []*types.TaskEvent
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEvents).ForEach(func(k, v []byte) error {
			var ev types.TaskEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return types.Wrap(types.KindCorrupted, "registry.EventsBetween", err)
			}
			if ev.CreatedAt.Before(start) || ev.CreatedAt.After(end) {
				return nil
			}
			events = append(events, &ev)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
	return events, nil
}

// ApprovalsBetween returns all approval rows created inside
// [start, end].
func (r *Registry) ApprovalsBetween(start, end time.Time) ([]*types.Approval, error) {
	var approvals []*types.Approval
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketApprovals).ForEach(func(k, v []byte) error {
			var a types.Approval
			if err := json.Unmarshal(v, &a); err != nil {
				return types.Wrap(types.KindCorrupted, "registry.ApprovalsBetween", err)
			}
			if a.CreatedAt.Before(start) || a.CreatedAt.After(end) {
				return nil
			}
			approvals = append(approvals, &a)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(approvals, func(i, j int) bool { return approvals[i].Seq < approvals[j].Seq })
	return approvals, nil
}

// RecentTasksByType returns the newest tasks of one task type, newest
// first. The dispatcher uses it to retrieve memory snippets for the
// context payload.
func (r *Registry) RecentTasksByType(taskType string, limit int) ([]*types.Task, error) {
	if limit <= 0 {
		limit = 5
	}
	var tasks []*types.Task
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return types.Wrap(types.KindCorrupted, "registry.RecentTasksByType", err)
			}
			if task.TaskType != taskType {
				return nil
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.After(tasks[j].CreatedAt) })
	if len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

// TasksBetween returns tasks created inside [start, end], newest
// first, capped at limit.
func (r *Registry) TasksBetween(start, end time.Time, limit int) ([]*types.Task, error) {
	if limit <= 0 {
		limit = 500
	}
	var tasks []*types.Task
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return types.Wrap(types.KindCorrupted, "registry.TasksBetween", err)
			}
			if task.CreatedAt.Before(start) || task.CreatedAt.After(end) {
				return nil
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.After(tasks[j].CreatedAt) })
	if len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}
