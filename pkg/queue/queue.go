package queue

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/wuwei-labs/antegen/pkg/config"
	"github.com/wuwei-labs/antegen/pkg/log"
	"github.com/wuwei-labs/antegen/pkg/types"
)

var (
	// Bucket names (the five logical partitions)
	bucketScheduled  = []byte("scheduled")
	bucketProcessing = []byte("processing")
	bucketDeadLetter = []byte("dead_letter")
	bucketMetadata   = []byte("metadata")
	bucketConfig     = []byte("config")

	configKeyRetry = []byte("retry_policy")
)

// recordVersion is the framing tag prepended to every stored value so the
// schema can evolve without a stop-the-world migration.
const recordVersion byte = 1

var (
	// ErrTaskProcessing rejects a schedule for a task currently checked out.
	ErrTaskProcessing = errors.New("task is being processed")
	// ErrTaskNotFound reports an id absent from the addressed partition.
	ErrTaskNotFound = errors.New("task not found")
	// ErrCorruptRecord reports an undecodable stored value. Persistent
	// storage errors are fatal for the process.
	ErrCorruptRecord = errors.New("corrupt queue record")
)

// storedTask is the persisted envelope around an ExecutionTask.
type storedTask struct {
	Task          *types.ExecutionTask `json:"task"`
	ScheduledTime time.Time            `json:"scheduled_time"`
	ClaimedAt     time.Time            `json:"claimed_at,omitempty"`
	Reason        string               `json:"reason,omitempty"`
	DeadAt        time.Time            `json:"dead_at,omitempty"`
}

// TaskMeta is the per-task bookkeeping kept in the metadata partition.
type TaskMeta struct {
	FirstSeen   time.Time `json:"first_seen"`
	Attempts    int       `json:"attempts"`
	Completed   bool      `json:"completed"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	History     []string  `json:"history,omitempty"`
}

const metaHistoryLimit = 16

// Queue is the durable, crash-safe store of pending executions.
type Queue struct {
	db     *bolt.DB
	retry  config.RetryConfig
	logger zerolog.Logger
}

// Open opens (or creates) the queue database under dataDir and records
// the given retry policy in the config partition, replacing any policy an
// earlier Open stored. The stored policy is not read back; Retry returns
// the policy passed here.
func Open(dataDir string, retry config.RetryConfig) (*Queue, error) {
	dbPath := filepath.Join(dataDir, "antegen.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketScheduled,
			bucketProcessing,
			bucketDeadLetter,
			bucketMetadata,
			bucketConfig,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return putRecord(tx.Bucket(bucketConfig), configKeyRetry, retry)
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Queue{db: db, retry: retry, logger: log.For("queue")}, nil
}

// Close closes the database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Retry returns the active retry policy.
func (q *Queue) Retry() config.RetryConfig {
	return q.retry
}

// scheduledKey orders the scheduled partition by ready time. Keys are
// length-prefixed binary tuples: 8-byte big-endian unix-milli, then the id.
func scheduledKey(readyAt time.Time, id types.TaskID) []byte {
	key := make([]byte, 8+len(id))
	binary.BigEndian.PutUint64(key[:8], uint64(readyAt.UnixMilli()))
	copy(key[8:], id[:])
	return key
}

func putRecord(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, append([]byte{recordVersion}, data...))
}

func getRecord(b *bolt.Bucket, key []byte, v any) (bool, error) {
	raw := b.Get(key)
	if raw == nil {
		return false, nil
	}
	return true, decodeRecord(raw, v)
}

func decodeRecord(raw []byte, v any) error {
	if len(raw) < 1 {
		return ErrCorruptRecord
	}
	if raw[0] != recordVersion {
		return fmt.Errorf("%w: unknown version %d", ErrCorruptRecord, raw[0])
	}
	if err := json.Unmarshal(raw[1:], v); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return nil
}

// Schedule enqueues a task to run at readyAt. Idempotent under task id: a
// second schedule of an id already in the scheduled partition is a no-op,
// and an id currently in processing is rejected.
func (q *Queue) Schedule(task *types.ExecutionTask, readyAt time.Time) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketProcessing).Get(task.ID[:]) != nil {
			return fmt.Errorf("%w: %s", ErrTaskProcessing, task.ID)
		}

		scheduled := tx.Bucket(bucketScheduled)
		if existing := findScheduled(scheduled, task.ID); existing != nil {
			return nil
		}

		rec := storedTask{Task: task, ScheduledTime: readyAt}
		if err := putRecord(scheduled, scheduledKey(readyAt, task.ID), rec); err != nil {
			return err
		}
		return q.touchMeta(tx, task.ID, func(m *TaskMeta) {
			if m.FirstSeen.IsZero() {
				m.FirstSeen = task.CreatedAt
			}
			m.History = appendHistory(m.History, "scheduled")
		})
	})
}

// findScheduled scans for the key carrying the given id. The scheduled
// partition is keyed by (time, id) so a point lookup needs the suffix scan.
func findScheduled(b *bolt.Bucket, id types.TaskID) []byte {
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		if len(k) == 8+len(id) && bytes.Equal(k[8:], id[:]) {
			return append([]byte(nil), k...)
		}
	}
	return nil
}

// ClaimReady atomically moves up to max tasks whose ready time has passed
// from scheduled to processing and returns them.
func (q *Queue) ClaimReady(now time.Time, max int) ([]*types.ExecutionTask, error) {
	var claimed []*types.ExecutionTask
	err := q.db.Update(func(tx *bolt.Tx) error {
		scheduled := tx.Bucket(bucketScheduled)
		processing := tx.Bucket(bucketProcessing)

		cutoff := make([]byte, 8)
		binary.BigEndian.PutUint64(cutoff, uint64(now.UnixMilli()))

		c := scheduled.Cursor()
		var keysToDelete [][]byte
		for k, v := c.First(); k != nil && len(claimed) < max; k, v = c.Next() {
			if bytes.Compare(k[:8], cutoff) > 0 {
				break
			}
			var rec storedTask
			if err := decodeRecord(v, &rec); err != nil {
				return err
			}
			rec.ClaimedAt = now
			if err := putRecord(processing, rec.Task.ID[:], rec); err != nil {
				return err
			}
			if err := q.touchMeta(tx, rec.Task.ID, func(m *TaskMeta) {
				m.Attempts++
				m.History = appendHistory(m.History, "claimed")
			}); err != nil {
				return err
			}
			keysToDelete = append(keysToDelete, append([]byte(nil), k...))
			claimed = append(claimed, rec.Task)
		}
		for _, k := range keysToDelete {
			if err := scheduled.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Complete removes a task from processing on terminal success.
func (q *Queue) Complete(id types.TaskID) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		processing := tx.Bucket(bucketProcessing)
		if processing.Get(id[:]) == nil {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		if err := processing.Delete(id[:]); err != nil {
			return err
		}
		return q.touchMeta(tx, id, func(m *TaskMeta) {
			m.Completed = true
			m.CompletedAt = time.Now()
			m.History = appendHistory(m.History, "completed")
		})
	})
}

// Reschedule moves a task from processing back to scheduled after a
// failure, bumping its retry count. The new ready time is now+delay, and
// is strictly later than the previous one.
func (q *Queue) Reschedule(id types.TaskID, delay time.Duration, taskErr string) error {
	if delay <= 0 {
		delay = time.Millisecond
	}
	now := time.Now()
	return q.db.Update(func(tx *bolt.Tx) error {
		processing := tx.Bucket(bucketProcessing)
		var rec storedTask
		found, err := getRecord(processing, id[:], &rec)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}

		rec.Task.RetryCount++
		rec.Task.LastError = taskErr
		readyAt := now.Add(delay)
		if !readyAt.After(rec.ScheduledTime) {
			readyAt = rec.ScheduledTime.Add(time.Millisecond)
		}
		rec.ScheduledTime = readyAt
		rec.Task.ScheduledAt = readyAt
		rec.ClaimedAt = time.Time{}

		if err := processing.Delete(id[:]); err != nil {
			return err
		}
		if err := putRecord(tx.Bucket(bucketScheduled), scheduledKey(readyAt, id), rec); err != nil {
			return err
		}
		return q.touchMeta(tx, id, func(m *TaskMeta) {
			m.LastError = taskErr
			m.History = appendHistory(m.History, fmt.Sprintf("rescheduled retry=%d", rec.Task.RetryCount))
		})
	})
}

// DeadLetter moves a task from processing to the dead-letter partition.
// Dead letters are never evicted automatically unless a retention is
// configured.
func (q *Queue) DeadLetter(id types.TaskID, reason string) error {
	now := time.Now()
	return q.db.Update(func(tx *bolt.Tx) error {
		processing := tx.Bucket(bucketProcessing)
		var rec storedTask
		found, err := getRecord(processing, id[:], &rec)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		rec.Reason = reason
		rec.DeadAt = now
		rec.ClaimedAt = time.Time{}

		if err := processing.Delete(id[:]); err != nil {
			return err
		}
		if err := putRecord(tx.Bucket(bucketDeadLetter), id[:], rec); err != nil {
			return err
		}
		return q.touchMeta(tx, id, func(m *TaskMeta) {
			m.LastError = reason
			m.History = appendHistory(m.History, "dead_lettered")
		})
	})
}

// RecoverOrphans reschedules processing entries older than staleThreshold
// at now. A worker crashed holding them; the on-chain nonce makes a double
// submission harmless.
func (q *Queue) RecoverOrphans(staleThreshold time.Duration) (int, error) {
	now := time.Now()
	recovered := 0
	err := q.db.Update(func(tx *bolt.Tx) error {
		processing := tx.Bucket(bucketProcessing)
		scheduled := tx.Bucket(bucketScheduled)

		c := processing.Cursor()
		var keysToDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec storedTask
			if err := decodeRecord(v, &rec); err != nil {
				return err
			}
			if rec.ClaimedAt.IsZero() || now.Sub(rec.ClaimedAt) < staleThreshold {
				continue
			}
			rec.ClaimedAt = time.Time{}
			rec.ScheduledTime = now
			if err := putRecord(scheduled, scheduledKey(now, rec.Task.ID), rec); err != nil {
				return err
			}
			if err := q.touchMeta(tx, rec.Task.ID, func(m *TaskMeta) {
				m.History = appendHistory(m.History, "orphan_recovered")
			}); err != nil {
				return err
			}
			keysToDelete = append(keysToDelete, append([]byte(nil), k...))
			recovered++
		}
		for _, k := range keysToDelete {
			if err := processing.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if recovered > 0 {
		q.logger.Warn().Int("count", recovered).Msg("Recovered orphaned tasks from processing")
	}
	return recovered, nil
}

// DeadLetterEntry pairs a dead task with its terminal reason.
type DeadLetterEntry struct {
	Task   *types.ExecutionTask `json:"task"`
	Reason string               `json:"reason"`
	DeadAt time.Time            `json:"dead_at"`
}

// ListDeadLetters returns every dead-letter entry.
func (q *Queue) ListDeadLetters() ([]*DeadLetterEntry, error) {
	var entries []*DeadLetterEntry
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeadLetter).ForEach(func(k, v []byte) error {
			var rec storedTask
			if err := decodeRecord(v, &rec); err != nil {
				return err
			}
			entries = append(entries, &DeadLetterEntry{Task: rec.Task, Reason: rec.Reason, DeadAt: rec.DeadAt})
			return nil
		})
	})
	return entries, err
}

// GetDeadLetter fetches one dead-letter entry by id.
func (q *Queue) GetDeadLetter(id types.TaskID) (*DeadLetterEntry, error) {
	var entry *DeadLetterEntry
	err := q.db.View(func(tx *bolt.Tx) error {
		var rec storedTask
		found, err := getRecord(tx.Bucket(bucketDeadLetter), id[:], &rec)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		entry = &DeadLetterEntry{Task: rec.Task, Reason: rec.Reason, DeadAt: rec.DeadAt}
		return nil
	})
	return entry, err
}

// Requeue moves a dead-letter entry back to scheduled at now with a reset
// retry count. Manual remediation path.
func (q *Queue) Requeue(id types.TaskID) error {
	now := time.Now()
	return q.db.Update(func(tx *bolt.Tx) error {
		dead := tx.Bucket(bucketDeadLetter)
		var rec storedTask
		found, err := getRecord(dead, id[:], &rec)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		rec.Task.RetryCount = 0
		rec.Task.LastError = ""
		rec.Reason = ""
		rec.DeadAt = time.Time{}
		rec.ScheduledTime = now

		if err := dead.Delete(id[:]); err != nil {
			return err
		}
		if err := putRecord(tx.Bucket(bucketScheduled), scheduledKey(now, id), rec); err != nil {
			return err
		}
		return q.touchMeta(tx, id, func(m *TaskMeta) {
			m.History = appendHistory(m.History, "requeued")
		})
	})
}

// Purge deletes a dead-letter entry permanently.
func (q *Queue) Purge(id types.TaskID) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		dead := tx.Bucket(bucketDeadLetter)
		if dead.Get(id[:]) == nil {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		return dead.Delete(id[:])
	})
}

// SweepDeadLetters evicts dead-letter entries older than retention. A zero
// retention disables eviction.
func (q *Queue) SweepDeadLetters(retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-retention)
	evicted := 0
	err := q.db.Update(func(tx *bolt.Tx) error {
		dead := tx.Bucket(bucketDeadLetter)
		c := dead.Cursor()
		var keysToDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec storedTask
			if err := decodeRecord(v, &rec); err != nil {
				return err
			}
			if !rec.DeadAt.IsZero() && rec.DeadAt.Before(cutoff) {
				keysToDelete = append(keysToDelete, append([]byte(nil), k...))
			}
		}
		for _, k := range keysToDelete {
			if err := dead.Delete(k); err != nil {
				return err
			}
			evicted++
		}
		return nil
	})
	return evicted, err
}

// Depths returns the entry count of each partition, for metrics.
func (q *Queue) Depths() (scheduled, processing, deadLetter int, err error) {
	err = q.db.View(func(tx *bolt.Tx) error {
		scheduled = tx.Bucket(bucketScheduled).Stats().KeyN
		processing = tx.Bucket(bucketProcessing).Stats().KeyN
		deadLetter = tx.Bucket(bucketDeadLetter).Stats().KeyN
		return nil
	})
	return
}

// Meta returns the metadata record for a task id.
func (q *Queue) Meta(id types.TaskID) (*TaskMeta, error) {
	var m TaskMeta
	err := q.db.View(func(tx *bolt.Tx) error {
		found, err := getRecord(tx.Bucket(bucketMetadata), id[:], &m)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (q *Queue) touchMeta(tx *bolt.Tx, id types.TaskID, update func(*TaskMeta)) error {
	meta := tx.Bucket(bucketMetadata)
	var m TaskMeta
	if _, err := getRecord(meta, id[:], &m); err != nil {
		return err
	}
	if m.FirstSeen.IsZero() {
		m.FirstSeen = time.Now()
	}
	update(&m)
	return putRecord(meta, id[:], m)
}

func appendHistory(h []string, entry string) []string {
	h = append(h, entry)
	if len(h) > metaHistoryLimit {
		h = h[len(h)-metaHistoryLimit:]
	}
	return h
}
