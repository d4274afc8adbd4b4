package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/zhcnova/nova/pkg/types"
)

func approvalKey(taskID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s/%020d", taskID, seq))
}

// RequestApproval records that an action category needs a human
// decision. Requesting again while a decision is pending refreshes the
// requester and note; requesting after a decision only leaves an audit
// event.
func (r *Registry) RequestApproval(taskID, actionCategory, requestedBy, note string) ([]*types.Approval, error) {
	err := r.db.Update(func(tx *bolt.Tx) error {
		if err := ensureTaskExists(tx, taskID); err != nil {
			return err
		}
		now := r.now()
		latest := latestApproval(tx, taskID, actionCategory)

		switch {
		case latest == nil:
			b := tx.Bucket(bucketApprovals)
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			approval := types.Approval{
				Seq:            seq,
				TaskID:         taskID,
				ActionCategory: actionCategory,
				Status:         types.ApprovalRequired,
				RequestedBy:    requestedBy,
				DecisionNote:   note,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := putApproval(b, &approval); err != nil {
				return err
			}
			detail := fmt.Sprintf("action=%s; by=%s; note=%s", actionCategory, requestedBy, note)
			return r.appendEvent(tx, taskID, types.EventApprovalRequested, detail)

		case latest.Status == types.ApprovalRequired:
			latest.RequestedBy = requestedBy
			latest.DecisionNote = note
			latest.UpdatedAt = now
			if err := putApproval(tx.Bucket(bucketApprovals), latest); err != nil {
				return err
			}
			detail := fmt.Sprintf("action=%s; refreshed_by=%s; note=%s", actionCategory, requestedBy, note)
			return r.appendEvent(tx, taskID, types.EventApprovalRequested, detail)

		default:
			detail := fmt.Sprintf("action=%s; existing_status=%s", actionCategory, latest.Status)
			return r.appendEvent(tx, taskID, types.EventApprovalRequested, detail)
		}
	})
	if err != nil {
		return nil, err
	}
	return r.GetApprovals(taskID)
}

// DecideApproval resolves the pending approval for an action category.
// Deciding an undecided category auto-creates the row first so CLI
// operators can approve out of band. Repeating an identical decision
// is a no-op; contradicting a prior decision is an integrity error.
func (r *Registry) DecideApproval(taskID, actionCategory string, decision types.ApprovalStatus, decidedBy, note string) ([]*types.Approval, error) {
	if decision != types.ApprovalApproved && decision != types.ApprovalRejected {
		return nil, types.E(types.KindInvalidArgument, "registry.DecideApproval",
			"decision must be one of: approved, rejected")
	}

	err := r.db.Update(func(tx *bolt.Tx) error {
		if err := ensureTaskExists(tx, taskID); err != nil {
			return err
		}
		now := r.now()
		b := tx.Bucket(bucketApprovals)
		latest := latestApproval(tx, taskID, actionCategory)

		if latest == nil {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			latest = &types.Approval{
				Seq:            seq,
				TaskID:         taskID,
				ActionCategory: actionCategory,
				Status:         types.ApprovalRequired,
				RequestedBy:    "auto_created",
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := putApproval(b, latest); err != nil {
				return err
			}
		}

		if latest.Status.Terminal() {
			if latest.Status == decision {
				detail := fmt.Sprintf("action=%s; decision=%s; no_op=true", actionCategory, decision)
				return r.appendEvent(tx, taskID, types.EventApprovalDecision, detail)
			}
			return types.Ef(types.KindIntegrityConflict, "registry.DecideApproval",
				"approval already decided as %s for action %s", latest.Status, actionCategory)
		}

		latest.Status = decision
		latest.DecidedBy = decidedBy
		latest.DecisionNote = note
		latest.UpdatedAt = now
		if err := putApproval(b, latest); err != nil {
			return err
		}
		detail := fmt.Sprintf("action=%s; decision=%s; by=%s; note=%s", actionCategory, decision, decidedBy, note)
		return r.appendEvent(tx, taskID, types.EventApprovalDecision, detail)
	})
	if err != nil {
		return nil, err
	}
	return r.GetApprovals(taskID)
}

// GetApprovals returns all approval rows for a task in creation order.
func (r *Registry) GetApprovals(taskID string) ([]*types.Approval, error) {
	var approvals []*types.Approval
	err := r.db.View(func(tx *bolt.Tx) error {
		if err := ensureTaskExists(tx, taskID); err != nil {
			return err
		}
		approvals = scanApprovals(tx, taskID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return approvals, nil
}

func putApproval(b *bolt.Bucket, approval *types.Approval) error {
	data, err := json.Marshal(approval)
	if err != nil {
		return err
	}
	return b.Put(approvalKey(approval.TaskID, approval.Seq), data)
}

func scanApprovals(tx *bolt.Tx, taskID string) []*types.Approval {
	var approvals []*types.Approval
	prefix := []byte(taskID + "/")
	c := tx.Bucket(bucketApprovals).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var a types.Approval
		if err := json.Unmarshal(v, &a); err != nil {
			continue
		}
		approvals = append(approvals, &a)
	}
	sort.Slice(approvals, func(i, j int) bool { return approvals[i].Seq < approvals[j].Seq })
	return approvals
}

// latestApproval returns the newest approval row for an action
// category, or nil.
func latestApproval(tx *bolt.Tx, taskID, actionCategory string) *types.Approval {
	var latest *types.Approval
	for _, a := range scanApprovals(tx, taskID) {
		if a.ActionCategory == actionCategory {
			latest = a
		}
	}
	return latest
}
