// -----------------------------------------------------------------------
// Badger Broker - durable priority queue + job-state map per pool
// -----------------------------------------------------------------------

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dossier/internal/interfaces"
	"github.com/ternarybob/dossier/internal/models"
)

// priorityOffset shifts priorities into the non-negative range so the
// zero-padded key encoding sorts correctly. Priorities outside
// [-priorityOffset, priorityOffset) are clamped.
const priorityOffset = 1 << 20

// BadgerBroker implements the Broker interface on BadgerDB.
//
// Key layout (under the configured prefix):
//
//	<prefix>:pool:<name>:idx:<invPriority>:<createdAtNanos>:<jobID> -> empty
//	<prefix>:job:<jobID>                                            -> JSON job
//
// The index key embeds inverted priority then enqueue time, so a forward
// scan yields highest-priority-first, FIFO on ties. Claim removes the index
// entry and flips the job hash to claimed inside one Update transaction,
// which makes the pending->claimed transition atomic: concurrent claims on
// the same job produce exactly one winner.
type BadgerBroker struct {
	db     *badger.DB
	prefix string
	logger arbor.ILogger
}

var _ interfaces.Broker = (*BadgerBroker)(nil)

// NewBadgerBroker creates a broker over an open Badger database
func NewBadgerBroker(db *badger.DB, keyPrefix string, logger arbor.ILogger) (*BadgerBroker, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if keyPrefix == "" {
		keyPrefix = "dossier"
	}
	return &BadgerBroker{
		db:     db,
		prefix: keyPrefix,
		logger: logger,
	}, nil
}

// Enqueue adds a job to a pool queue and writes its job hash
func (b *BadgerBroker) Enqueue(ctx context.Context, pool, jobID string, payload json.RawMessage, priority int) error {
	if pool == "" {
		return errors.New("pool is required")
	}
	if jobID == "" {
		return errors.New("job id is required")
	}

	now := time.Now()
	job := &models.Job{
		ID:        jobID,
		Pool:      pool,
		Payload:   payload,
		Priority:  priority,
		Status:    models.JobStatusPending,
		CreatedAt: now,
	}

	data, err := job.ToJSON()
	if err != nil {
		return err
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(b.jobKey(jobID), data); err != nil {
			return err
		}
		return txn.Set(b.indexKey(pool, priority, now, jobID), []byte{})
	})
	if err != nil {
		return b.wrap("enqueue", err)
	}

	b.logger.Debug().
		Str("job_id", jobID).
		Str("pool", pool).
		Int("priority", priority).
		Msg("Job enqueued")

	return nil
}

// Claim atomically transitions the best pending job to claimed
func (b *BadgerBroker) Claim(ctx context.Context, pool, workerID string) (*models.Job, error) {
	var claimed *models.Job

	err := b.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(fmt.Sprintf("%s:pool:%s:idx:", b.prefix, pool))
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			indexKey := it.Item().KeyCopy(nil)
			jobID := jobIDFromIndexKey(indexKey)
			if jobID == "" {
				continue
			}

			item, err := txn.Get(b.jobKey(jobID))
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					// Orphaned index entry, clean it up and keep scanning
					if derr := txn.Delete(indexKey); derr != nil {
						return derr
					}
					continue
				}
				return err
			}

			var job models.Job
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &job)
			}); err != nil {
				return err
			}

			if job.Status != models.JobStatusPending {
				// Index lagging behind the job hash; drop the stale entry
				if derr := txn.Delete(indexKey); derr != nil {
					return derr
				}
				continue
			}

			now := time.Now()
			job.Status = models.JobStatusClaimed
			job.ClaimedBy = workerID
			job.ClaimedAt = &now
			job.Attempts++

			data, err := job.ToJSON()
			if err != nil {
				return err
			}
			if err := txn.Set(b.jobKey(jobID), data); err != nil {
				return err
			}
			if err := txn.Delete(indexKey); err != nil {
				return err
			}

			claimed = &job
			return nil
		}

		return interfaces.ErrNoJob
	})

	if err != nil {
		if errors.Is(err, interfaces.ErrNoJob) {
			return nil, interfaces.ErrNoJob
		}
		return nil, b.wrap("claim", err)
	}

	return claimed, nil
}

// Ack finalizes a job as completed
func (b *BadgerBroker) Ack(ctx context.Context, jobID string, result json.RawMessage) error {
	return b.mutateJob(jobID, func(job *models.Job) error {
		now := time.Now()
		job.Status = models.JobStatusCompleted
		job.Result = result
		job.FinalizedAt = &now
		job.ClaimedBy = ""
		return nil
	})
}

// Nack records a failure; with requeue the job returns to pending,
// otherwise it is dead-lettered.
func (b *BadgerBroker) Nack(ctx context.Context, jobID string, errMsg string, requeue bool) error {
	return b.db.Update(func(txn *badger.Txn) error {
		job, err := b.readJob(txn, jobID)
		if err != nil {
			return err
		}

		job.Error = errMsg
		if requeue {
			job.Status = models.JobStatusPending
			job.ClaimedBy = ""
			job.ClaimedAt = nil
			data, err := job.ToJSON()
			if err != nil {
				return err
			}
			if err := txn.Set(b.jobKey(jobID), data); err != nil {
				return err
			}
			return txn.Set(b.indexKey(job.Pool, job.Priority, job.CreatedAt, jobID), []byte{})
		}

		now := time.Now()
		job.Status = models.JobStatusDead
		job.FinalizedAt = &now
		job.ClaimedBy = ""
		data, err := job.ToJSON()
		if err != nil {
			return err
		}
		return txn.Set(b.jobKey(jobID), data)
	})
}

// Requeue returns a claimed or running job to pending and increments its
// worker requeue count. The caller enforces the requeue cap.
func (b *BadgerBroker) Requeue(ctx context.Context, jobID string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		job, err := b.readJob(txn, jobID)
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			return fmt.Errorf("cannot requeue terminal job %s (status %s)", jobID, job.Status)
		}

		job.Status = models.JobStatusPending
		job.ClaimedBy = ""
		job.ClaimedAt = nil
		job.WorkerRequeues++

		data, err := job.ToJSON()
		if err != nil {
			return err
		}
		if err := txn.Set(b.jobKey(jobID), data); err != nil {
			return err
		}
		return txn.Set(b.indexKey(job.Pool, job.Priority, job.CreatedAt, jobID), []byte{})
	})
}

// Peek returns pending job ids in claim order without claiming them
func (b *BadgerBroker) Peek(ctx context.Context, pool string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}

	var ids []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(fmt.Sprintf("%s:pool:%s:idx:", b.prefix, pool))
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(ids) < limit; it.Next() {
			if id := jobIDFromIndexKey(it.Item().Key()); id != "" {
				ids = append(ids, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, b.wrap("peek", err)
	}
	return ids, nil
}

// Deadletter forces a job to the dead state
func (b *BadgerBroker) Deadletter(ctx context.Context, jobID string, reason string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		job, err := b.readJob(txn, jobID)
		if err != nil {
			return err
		}

		// Remove any pending index entry so the job cannot be claimed
		if job.Status == models.JobStatusPending {
			if err := txn.Delete(b.indexKey(job.Pool, job.Priority, job.CreatedAt, jobID)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}

		now := time.Now()
		job.Status = models.JobStatusDead
		job.Error = reason
		job.FinalizedAt = &now
		job.ClaimedBy = ""

		data, err := job.ToJSON()
		if err != nil {
			return err
		}
		return txn.Set(b.jobKey(jobID), data)
	})
}

// GetJob reads the broker's job hash
func (b *BadgerBroker) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job *models.Job
	err := b.db.View(func(txn *badger.Txn) error {
		j, err := b.readJob(txn, jobID)
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	if err != nil {
		if errors.Is(err, interfaces.ErrJobNotFound) {
			return nil, interfaces.ErrJobNotFound
		}
		return nil, b.wrap("get job", err)
	}
	return job, nil
}

// QueueLength counts pending jobs on a pool queue
func (b *BadgerBroker) QueueLength(ctx context.Context, pool string) (int, error) {
	count := 0
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(fmt.Sprintf("%s:pool:%s:idx:", b.prefix, pool))
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, b.wrap("queue length", err)
	}
	return count, nil
}

// MarkRunning transitions a claimed job to running. Exposed for the worker
// runtime; not part of the Broker interface contract for enqueuers.
func (b *BadgerBroker) MarkRunning(ctx context.Context, jobID string) error {
	return b.mutateJob(jobID, func(job *models.Job) error {
		if job.Status != models.JobStatusClaimed {
			return fmt.Errorf("job %s is %s, expected claimed", jobID, job.Status)
		}
		job.Status = models.JobStatusRunning
		return nil
	})
}

// Close is a no-op: the Badger handle is owned by the caller
func (b *BadgerBroker) Close() error {
	return nil
}

// Helpers

func (b *BadgerBroker) mutateJob(jobID string, mutate func(*models.Job) error) error {
	return b.db.Update(func(txn *badger.Txn) error {
		job, err := b.readJob(txn, jobID)
		if err != nil {
			return err
		}
		if err := mutate(job); err != nil {
			return err
		}
		data, err := job.ToJSON()
		if err != nil {
			return err
		}
		return txn.Set(b.jobKey(jobID), data)
	})
}

func (b *BadgerBroker) readJob(txn *badger.Txn, jobID string) (*models.Job, error) {
	item, err := txn.Get(b.jobKey(jobID))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, interfaces.ErrJobNotFound
		}
		return nil, err
	}
	var job models.Job
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &job)
	}); err != nil {
		return nil, err
	}
	return &job, nil
}

func (b *BadgerBroker) jobKey(jobID string) []byte {
	return []byte(fmt.Sprintf("%s:job:%s", b.prefix, jobID))
}

func (b *BadgerBroker) indexKey(pool string, priority int, createdAt time.Time, jobID string) []byte {
	if priority > priorityOffset-1 {
		priority = priorityOffset - 1
	}
	if priority < -priorityOffset {
		priority = -priorityOffset
	}
	// Invert so that ascending key order serves highest priority first
	inv := priorityOffset - 1 - priority + priorityOffset
	return []byte(fmt.Sprintf("%s:pool:%s:idx:%08d:%020d:%s", b.prefix, pool, inv, createdAt.UnixNano(), jobID))
}

// jobIDFromIndexKey extracts the trailing job id segment. Index keys have
// exactly six colon-delimited fixed segments before the id; the id itself
// contains no colons.
func jobIDFromIndexKey(key []byte) string {
	s := string(key)
	i := strings.LastIndex(s, ":")
	if i < 0 || i == len(s)-1 {
		return ""
	}
	return s[i+1:]
}

func (b *BadgerBroker) wrap(op string, err error) error {
	if errors.Is(err, badger.ErrDBClosed) || errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("%s: %w: %v", op, interfaces.ErrBrokerUnavailable, err)
	}
	return fmt.Errorf("broker %s: %w", op, err)
}
