package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/zhcnova/nova/pkg/types"
)

// DefaultLeaseDuration is used when callers pass a non-positive lease
// duration.
const DefaultLeaseDuration = 120 * time.Second

func clampLease(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultLeaseDuration
	}
	if d < time.Second {
		return time.Second
	}
	return d
}

func getLease(tx *bolt.Tx, taskID string) (*types.DispatchLease, error) {
	data := tx.Bucket(bucketLeases).Get([]byte(taskID))
	if data == nil {
		return nil, nil
	}
	var lease types.DispatchLease
	if err := json.Unmarshal(data, &lease); err != nil {
		return nil, types.Wrap(types.KindCorrupted, "registry", err)
	}
	return &lease, nil
}

func putLease(tx *bolt.Tx, lease *types.DispatchLease) error {
	data, err := json.Marshal(lease)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketLeases).Put([]byte(lease.TaskID), data)
}

// GetDispatchLease returns the lease for a task, or nil when none has
// ever been enqueued.
func (r *Registry) GetDispatchLease(taskID string) (*types.DispatchLease, error) {
	var lease *types.DispatchLease
	err := r.db.View(func(tx *bolt.Tx) error {
		if err := ensureTaskExists(tx, taskID); err != nil {
			return err
		}
		var err error
		lease, err = getLease(tx, taskID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// ListDispatchLeases returns leases, optionally filtered by status,
// most recently updated first.
func (r *Registry) ListDispatchLeases(status types.LeaseStatus, limit int) ([]*types.DispatchLease, error) {
	if limit <= 0 {
		limit = 50
	}
	var leases []*types.DispatchLease
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLeases).ForEach(func(k, v []byte) error {
			var lease types.DispatchLease
			if err := json.Unmarshal(v, &lease); err != nil {
				return types.Wrap(types.KindCorrupted, "registry.ListDispatchLeases", err)
			}
			if status != "" && lease.LeaseStatus != status {
				return nil
			}
			leases = append(leases, &lease)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(leases, func(i, j int) bool { return leases[i].UpdatedAt.After(leases[j].UpdatedAt) })
	if len(leases) > limit {
		leases = leases[:limit]
	}
	return leases, nil
}

// EnqueueDispatchLease creates a queued lease for the task, or resets a
// terminal/expired lease back to queued. An active unexpired lease is
// left untouched.
func (r *Registry) EnqueueDispatchLease(taskID, ownerID string, leaseFor time.Duration) (*types.DispatchLease, error) {
	leaseFor = clampLease(leaseFor)
	err := r.db.Update(func(tx *bolt.Tx) error {
		if err := ensureTaskExists(tx, taskID); err != nil {
			return err
		}
		now := r.now()
		expires := now.Add(leaseFor)

		lease, err := getLease(tx, taskID)
		if err != nil {
			return err
		}
		if lease == nil {
			lease = &types.DispatchLease{
				TaskID:         taskID,
				OwnerID:        ownerID,
				LeaseStatus:    types.LeaseQueued,
				AttemptCount:   0,
				LeaseExpiresAt: expires,
				HeartbeatAt:    now,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := putLease(tx, lease); err != nil {
				return err
			}
			return r.appendEvent(tx, taskID, types.EventLease, fmt.Sprintf("enqueue owner=%s", ownerID))
		}

		if lease.LeaseStatus.Terminal() || lease.Expired(now) {
			lease.OwnerID = ownerID
			lease.LeaseStatus = types.LeaseQueued
			lease.LeaseExpiresAt = expires
			lease.HeartbeatAt = now
			lease.UpdatedAt = now
			if err := putLease(tx, lease); err != nil {
				return err
			}
			return r.appendEvent(tx, taskID, types.EventLease, fmt.Sprintf("enqueue_reset owner=%s", ownerID))
		}

		detail := fmt.Sprintf("enqueue_noop owner=%s status=%s", lease.OwnerID, lease.LeaseStatus)
		return r.appendEvent(tx, taskID, types.EventLease, detail)
	})
	if err != nil {
		return nil, err
	}
	return r.GetDispatchLease(taskID)
}

// ClaimDispatchLease attempts to take ownership of the task's lease.
// A running unexpired lease held by another owner denies the claim
// without error; everything else claims and bumps the attempt count,
// except a refresh by the current owner which keeps the count.
func (r *Registry) ClaimDispatchLease(taskID, ownerID string, leaseFor time.Duration) (*types.ClaimResult, error) {
	leaseFor = clampLease(leaseFor)
	result := &types.ClaimResult{TaskID: taskID}
	err := r.db.Update(func(tx *bolt.Tx) error {
		if err := ensureTaskExists(tx, taskID); err != nil {
			return err
		}
		now := r.now()
		expires := now.Add(leaseFor)

		lease, err := getLease(tx, taskID)
		if err != nil {
			return err
		}
		if lease == nil {
			lease = &types.DispatchLease{
				TaskID:         taskID,
				OwnerID:        ownerID,
				LeaseStatus:    types.LeaseRunning,
				AttemptCount:   1,
				LeaseExpiresAt: expires,
				HeartbeatAt:    now,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := putLease(tx, lease); err != nil {
				return err
			}
			result.Claimed = true
			result.Reason = "created"
			return r.appendEvent(tx, taskID, types.EventLease, fmt.Sprintf("claim_new owner=%s attempts=1", ownerID))
		}

		expired := lease.Expired(now)
		if lease.LeaseStatus == types.LeaseRunning && !expired && lease.OwnerID != ownerID {
			result.Claimed = false
			result.Reason = "held_by_other_owner"
			result.HeldBy = lease.OwnerID
			detail := fmt.Sprintf("claim_denied owner=%s held_by=%s", ownerID, lease.OwnerID)
			return r.appendEvent(tx, taskID, types.EventLease, detail)
		}

		if lease.LeaseStatus == types.LeaseRunning && !expired && lease.OwnerID == ownerID {
			lease.LeaseExpiresAt = expires
			lease.HeartbeatAt = now
			lease.UpdatedAt = now
			if err := putLease(tx, lease); err != nil {
				return err
			}
			result.Claimed = true
			result.Reason = "refreshed"
			return r.appendEvent(tx, taskID, types.EventLease, fmt.Sprintf("claim_refresh owner=%s", ownerID))
		}

		lease.OwnerID = ownerID
		lease.LeaseStatus = types.LeaseRunning
		lease.AttemptCount++
		lease.LeaseExpiresAt = expires
		lease.HeartbeatAt = now
		lease.UpdatedAt = now
		if err := putLease(tx, lease); err != nil {
			return err
		}
		result.Claimed = true
		result.Reason = "claimed"
		detail := fmt.Sprintf("claim owner=%s attempts=%d", ownerID, lease.AttemptCount)
		return r.appendEvent(tx, taskID, types.EventLease, detail)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// HeartbeatDispatchLease extends a running lease held by ownerID.
func (r *Registry) HeartbeatDispatchLease(taskID, ownerID string, leaseFor time.Duration) (*types.DispatchLease, error) {
	leaseFor = clampLease(leaseFor)
	err := r.db.Update(func(tx *bolt.Tx) error {
		if err := ensureTaskExists(tx, taskID); err != nil {
			return err
		}
		lease, err := getLease(tx, taskID)
		if err != nil {
			return err
		}
		if lease == nil {
			return types.Ef(types.KindNotFound, "registry.HeartbeatDispatchLease", "no lease exists for task %s", taskID)
		}
		if lease.OwnerID != ownerID {
			return types.Ef(types.KindLeaseHeld, "registry.HeartbeatDispatchLease", "lease owner mismatch for task %s", taskID)
		}
		if lease.LeaseStatus != types.LeaseRunning {
			return types.Ef(types.KindInvalidTransition, "registry.HeartbeatDispatchLease", "lease is not running for task %s", taskID)
		}
		now := r.now()
		lease.LeaseExpiresAt = now.Add(leaseFor)
		lease.HeartbeatAt = now
		lease.UpdatedAt = now
		if err := putLease(tx, lease); err != nil {
			return err
		}
		return r.appendEvent(tx, taskID, types.EventLease, fmt.Sprintf("heartbeat owner=%s", ownerID))
	})
	if err != nil {
		return nil, err
	}
	return r.GetDispatchLease(taskID)
}

// FinishDispatchLease moves a lease held by ownerID to a terminal
// status. "canceled" is accepted and normalised.
func (r *Registry) FinishDispatchLease(taskID, ownerID string, resultStatus types.LeaseStatus, lastError string) (*types.DispatchLease, error) {
	terminal := types.LeaseStatus(types.NormalizeStatus(string(resultStatus)))
	if !terminal.Terminal() {
		return nil, types.E(types.KindInvalidArgument, "registry.FinishDispatchLease",
			"result_status must be one of: succeeded, failed, cancelled, expired")
	}

	err := r.db.Update(func(tx *bolt.Tx) error {
		if err := ensureTaskExists(tx, taskID); err != nil {
			return err
		}
		lease, err := getLease(tx, taskID)
		if err != nil {
			return err
		}
		if lease == nil {
			return types.Ef(types.KindNotFound, "registry.FinishDispatchLease", "no lease exists for task %s", taskID)
		}
		if lease.OwnerID != ownerID {
			return types.Ef(types.KindLeaseHeld, "registry.FinishDispatchLease", "lease owner mismatch for task %s", taskID)
		}
		now := r.now()
		lease.LeaseStatus = terminal
		lease.LeaseExpiresAt = now
		lease.HeartbeatAt = now
		lease.LastError = lastError
		lease.UpdatedAt = now
		if err := putLease(tx, lease); err != nil {
			return err
		}
		return r.appendEvent(tx, taskID, types.EventLease, fmt.Sprintf("finish owner=%s status=%s", ownerID, terminal))
	})
	if err != nil {
		return nil, err
	}
	return r.GetDispatchLease(taskID)
}

// ReconcileResult reports how many expired active leases were reset.
type ReconcileResult struct {
	OwnerID    string    `json:"owner_id"`
	Reconciled int       `json:"reconciled"`
	At         time.Time `json:"at"`
}

// ReconcileDispatchLeases resets every expired queued/running lease
// back to queued under the given owner so dispatch can resume.
func (r *Registry) ReconcileDispatchLeases(ownerID string) (*ReconcileResult, error) {
	result := &ReconcileResult{OwnerID: ownerID}
	err := r.db.Update(func(tx *bolt.Tx) error {
		now := r.now()
		result.At = now

		var stale []*types.DispatchLease
		err := tx.Bucket(bucketLeases).ForEach(func(k, v []byte) error {
			var lease types.DispatchLease
			if err := json.Unmarshal(v, &lease); err != nil {
				return types.Wrap(types.KindCorrupted, "registry.ReconcileDispatchLeases", err)
			}
			if lease.LeaseStatus.Active() && lease.Expired(now) {
				stale = append(stale, &lease)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, lease := range stale {
			lease.OwnerID = ownerID
			lease.LeaseStatus = types.LeaseQueued
			lease.LastError = "lease_expired_reconciled"
			lease.UpdatedAt = now
			if err := putLease(tx, lease); err != nil {
				return err
			}
			detail := fmt.Sprintf("reconcile_expired new_owner=%s", ownerID)
			if err := r.appendEvent(tx, lease.TaskID, types.EventLease, detail); err != nil {
				return err
			}
			result.Reconciled++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
