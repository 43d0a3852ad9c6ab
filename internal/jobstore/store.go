// -----------------------------------------------------------------------
// Job Record Store - canonical record of every job ever created.
// Separate from the broker so records survive broker flushes.
// -----------------------------------------------------------------------

package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/dossier/internal/interfaces"
	"github.com/ternarybob/dossier/internal/models"
)

// Store implements the JobStore interface on badgerhold
type Store struct {
	db        *badgerhold.Store
	retention time.Duration
	cron      *cron.Cron
	logger    arbor.ILogger
}

var _ interfaces.JobStore = (*Store)(nil)

// NewStore creates a job record store. Retention bounds how long terminal
// records are kept past finalization (default 7 days).
func NewStore(db *badgerhold.Store, retention time.Duration, logger arbor.ILogger) *Store {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &Store{
		db:        db,
		retention: retention,
		logger:    logger,
	}
}

// StartRetention schedules the hourly purge of expired terminal records
func (s *Store) StartRetention() error {
	if s.cron != nil {
		return nil
	}
	s.cron = cron.New()
	_, err := s.cron.AddFunc("@hourly", func() {
		cutoff := time.Now().Add(-s.retention)
		n, err := s.Purge(context.Background(), cutoff)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Job record purge failed")
			return
		}
		if n > 0 {
			s.logger.Info().
				Int("purged", n).
				Str("cutoff", cutoff.Format(time.RFC3339)).
				Msg("Purged expired job records")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule retention purge: %w", err)
	}
	s.cron.Start()
	return nil
}

// StopRetention stops the purge schedule
func (s *Store) StopRetention() {
	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}
}

// Save upserts a job record
func (s *Store) Save(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		return errors.New("job ID is required")
	}
	if err := s.db.Upsert(job.ID, job); err != nil {
		return fmt.Errorf("failed to save job record: %w", err)
	}
	return nil
}

// Get returns the record for a job id
func (s *Store) Get(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Get(jobID, &job); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, interfaces.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job record: %w", err)
	}
	return &job, nil
}

// List returns job records filtered by pool and status, newest first
func (s *Store) List(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, error) {
	query := buildQuery(opts)
	query = query.SortBy("CreatedAt").Reverse()

	if opts != nil {
		if opts.Limit > 0 {
			query = query.Limit(opts.Limit)
		}
		if opts.Offset > 0 {
			query = query.Skip(opts.Offset)
		}
	}

	var jobs []models.Job
	if err := s.db.Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list job records: %w", err)
	}

	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

// Count returns the number of records matching the filter
func (s *Store) Count(ctx context.Context, opts *interfaces.JobListOptions) (int, error) {
	n, err := s.db.Count(&models.Job{}, buildQuery(opts))
	if err != nil {
		return 0, fmt.Errorf("failed to count job records: %w", err)
	}
	return int(n), nil
}

// UpdateStatus updates status, error and classification; terminal states
// also record finalized_at.
func (s *Store) UpdateStatus(ctx context.Context, jobID string, status models.JobStatus, errMsg string, class models.ErrorClass) error {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}

	job.Status = status
	if errMsg != "" {
		job.Error = errMsg
	}
	if class != "" {
		job.Classification = class
	}
	if status.IsTerminal() {
		if job.FinalizedAt == nil {
			now := time.Now()
			job.FinalizedAt = &now
		}
	} else {
		// A requeued record is live again; a stale finalization stamp
		// would expose it to the retention purge.
		job.FinalizedAt = nil
	}

	return s.Save(ctx, job)
}

// RecordResult stores the handler result on a job record
func (s *Store) RecordResult(ctx context.Context, jobID string, result json.RawMessage) error {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	job.Result = result
	return s.Save(ctx, job)
}

// ResetRequeues zeroes the worker requeue count for an operator-initiated
// manual re-attempt.
func (s *Store) ResetRequeues(ctx context.Context, jobID string) error {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	job.WorkerRequeues = 0
	return s.Save(ctx, job)
}

// Purge removes terminal records finalized before the cutoff
func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	var expired []models.Job
	query := badgerhold.Where("Status").In(
		models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusDead,
	)
	if err := s.db.Find(&expired, query); err != nil {
		return 0, fmt.Errorf("failed to scan for expired records: %w", err)
	}

	purged := 0
	for i := range expired {
		if expired[i].FinalizedAt == nil || expired[i].FinalizedAt.After(cutoff) {
			continue
		}
		if err := s.db.Delete(expired[i].ID, &models.Job{}); err != nil {
			s.logger.Warn().Err(err).Str("job_id", expired[i].ID).Msg("Failed to purge job record")
			continue
		}
		purged++
	}
	return purged, nil
}

func buildQuery(opts *interfaces.JobListOptions) *badgerhold.Query {
	query := badgerhold.Where("ID").Ne("")
	if opts != nil {
		if opts.Pool != "" {
			query = query.And("Pool").Eq(opts.Pool)
		}
		if opts.Status != "" {
			query = query.And("Status").Eq(opts.Status)
		}
	}
	return query
}
