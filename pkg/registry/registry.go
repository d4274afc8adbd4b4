package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/zhcnova/nova/pkg/log"
	"github.com/zhcnova/nova/pkg/types"
)

var (
	// Bucket names
	bucketTasks       = []byte("tasks")
	bucketEvents      = []byte("task_events")
	bucketApprovals   = []byte("approvals")
	bucketLeases      = []byte("task_dispatch_lease")
	bucketIdempotency = []byte("idempotency_keys")
)

// Registry is the durable task store. All mutating operations append
// their audit event inside the same transaction as the row change.
type Registry struct {
	db  *bolt.DB
	now func() time.Time
}

// Open opens (or creates) the registry database and ensures all
// buckets exist. Opening is idempotent.
func Open(dbPath string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, types.Wrap(types.KindCorrupted, "registry.Open", err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, types.Wrap(types.KindCorrupted, "registry.Open", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketTasks,
			bucketEvents,
			bucketApprovals,
			bucketLeases,
			bucketIdempotency,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, types.Wrap(types.KindCorrupted, "registry.Open", err)
	}

	lg := log.WithComponent("registry")
	lg.Debug().Str("db", dbPath).Msg("registry opened")
	return &Registry{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// SetClock overrides the registry clock. Tests use it to control lease
// expiry and window math.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// eventKey orders events by a globally monotonic sequence while keeping
// per-task prefix scans cheap.
func eventKey(taskID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s/%020d", taskID, seq))
}

// appendEvent writes one audit event inside the caller's transaction.
func (r *Registry) appendEvent(tx *bolt.Tx, taskID string, eventType types.EventType, detail string) error {
	b := tx.Bucket(bucketEvents)
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	ev := types.TaskEvent{
		Seq:       seq,
		TaskID:    taskID,
		EventType: eventType,
		Detail:    detail,
		CreatedAt: r.now(),
	}
	data, err := json.Marshal(&ev)
	if err != nil {
		return err
	}
	return b.Put(eventKey(taskID, seq), data)
}

// getTask loads a task row inside the caller's transaction.
func getTask(tx *bolt.Tx, taskID string) (*types.Task, error) {
	data := tx.Bucket(bucketTasks).Get([]byte(taskID))
	if data == nil {
		return nil, types.Ef(types.KindNotFound, "registry", "task not found: %s", taskID)
	}
	var task types.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, types.Wrap(types.KindCorrupted, "registry", err)
	}
	return &task, nil
}

// putTask stores a task row inside the caller's transaction.
func putTask(tx *bolt.Tx, task *types.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketTasks).Put([]byte(task.TaskID), data)
}

func ensureTaskExists(tx *bolt.Tx, taskID string) error {
	if tx.Bucket(bucketTasks).Get([]byte(taskID)) == nil {
		return types.Ef(types.KindNotFound, "registry", "task not found: %s", taskID)
	}
	return nil
}
