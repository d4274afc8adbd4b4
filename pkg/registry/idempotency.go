package registry

import (
	"encoding/json"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/zhcnova/nova/pkg/types"
)

func getIdempotency(tx *bolt.Tx, key string) (*types.IdempotencyKey, error) {
	data := tx.Bucket(bucketIdempotency).Get([]byte(key))
	if data == nil {
		return nil, nil
	}
	var rec types.IdempotencyKey
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, types.Wrap(types.KindCorrupted, "registry", err)
	}
	return &rec, nil
}

func putIdempotency(tx *bolt.Tx, rec *types.IdempotencyKey) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketIdempotency).Put([]byte(rec.Key), data)
}

// BeginIdempotency starts (or resumes) a logical operation. A fresh key
// is recorded as processing. Replaying with the same payload hash
// returns the stored status and result; replaying with a different
// hash marks the key conflicted and reports the conflict without
// erroring, so the caller can surface it.
func (r *Registry) BeginIdempotency(key string, scope types.IdempotencyScope, payloadHash, taskID string) (*types.BeginResult, error) {
	if key == "" {
		return nil, types.E(types.KindInvalidArgument, "registry.BeginIdempotency", "key is required")
	}
	result := &types.BeginResult{Key: key, Scope: scope}
	err := r.db.Update(func(tx *bolt.Tx) error {
		now := r.now()
		rec, err := getIdempotency(tx, key)
		if err != nil {
			return err
		}

		if rec == nil {
			rec = &types.IdempotencyKey{
				Key:         key,
				Scope:       scope,
				TaskID:      taskID,
				PayloadHash: payloadHash,
				Status:      types.IdempoProcessing,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := putIdempotency(tx, rec); err != nil {
				return err
			}
			result.Status = types.IdempoProcessing
			return nil
		}

		result.Exists = true
		result.Scope = rec.Scope
		result.Result = rec.Result

		if rec.PayloadHash != payloadHash {
			rec.Status = types.IdempoConflict
			rec.UpdatedAt = now
			if err := putIdempotency(tx, rec); err != nil {
				return err
			}
			result.Conflict = true
			result.Status = types.IdempoConflict
			return nil
		}

		result.Status = rec.Status
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CompleteIdempotency records the outcome of an in-flight operation so
// later replays return it without re-executing the side effect.
func (r *Registry) CompleteIdempotency(key string, status types.IdempotencyStatus, result map[string]any) (*types.IdempotencyKey, error) {
	switch status {
	case types.IdempoProcessing, types.IdempoCompleted, types.IdempoConflict:
	default:
		return nil, types.E(types.KindInvalidArgument, "registry.CompleteIdempotency",
			"status must be one of: processing, completed, conflict")
	}

	var rec *types.IdempotencyKey
	err := r.db.Update(func(tx *bolt.Tx) error {
		existing, err := getIdempotency(tx, key)
		if err != nil {
			return err
		}
		if existing == nil {
			return types.Ef(types.KindNotFound, "registry.CompleteIdempotency", "idempotency key not found: %s", key)
		}
		existing.Status = status
		existing.Result = result
		existing.UpdatedAt = r.now()
		if err := putIdempotency(tx, existing); err != nil {
			return err
		}
		rec = existing
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetIdempotency returns one idempotency record.
func (r *Registry) GetIdempotency(key string) (*types.IdempotencyKey, error) {
	var rec *types.IdempotencyKey
	err := r.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = getIdempotency(tx, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, types.Ef(types.KindNotFound, "registry.GetIdempotency", "idempotency key not found: %s", key)
	}
	return rec, nil
}

// ListIdempotency returns records in a scope, most recently updated
// first.
func (r *Registry) ListIdempotency(scope types.IdempotencyScope, limit int) ([]*types.IdempotencyKey, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []*types.IdempotencyKey
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIdempotency).ForEach(func(k, v []byte) error {
			var rec types.IdempotencyKey
			if err := json.Unmarshal(v, &rec); err != nil {
				return types.Wrap(types.KindCorrupted, "registry.ListIdempotency", err)
			}
			if scope != "" && rec.Scope != scope {
				return nil
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].UpdatedAt.After(recs[j].UpdatedAt) })
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}
