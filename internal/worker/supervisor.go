// -----------------------------------------------------------------------
// Supervisor - reclaims jobs orphaned by dead workers. A job whose
// claiming worker has missed three heartbeats goes back to pending with
// its worker requeue count incremented; at the cap it is dead-lettered
// as poison rather than crashing a fourth worker.
// -----------------------------------------------------------------------

package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dossier/internal/interfaces"
	"github.com/ternarybob/dossier/internal/models"
)

// missedHeartbeats is how many intervals a worker may be silent before
// its jobs are reclaimed.
const missedHeartbeats = 3

// defaultMaxWorkerRequeues caps orphan requeues for records that predate
// the cap being set at enqueue time.
const defaultMaxWorkerRequeues = 3

// Supervisor periodically sweeps in-flight jobs for dead owners
type Supervisor struct {
	broker            interfaces.Broker
	jobs              interfaces.JobStore
	registry          interfaces.WorkerRegistry
	events            interfaces.EventService
	heartbeatInterval time.Duration
	scanInterval      time.Duration
	logger            arbor.ILogger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor creates the orphan-job supervisor
func NewSupervisor(broker interfaces.Broker, jobs interfaces.JobStore, registry interfaces.WorkerRegistry, events interfaces.EventService, heartbeatInterval time.Duration, logger arbor.ILogger) *Supervisor {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 5 * time.Second
	}
	return &Supervisor{
		broker:            broker,
		jobs:              jobs,
		registry:          registry,
		events:            events,
		heartbeatInterval: heartbeatInterval,
		scanInterval:      heartbeatInterval * missedHeartbeats,
		logger:            logger,
	}
}

// Start launches the sweep loop
func (s *Supervisor) Start() {
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.scanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()

	s.logger.Info().
		Dur("scan_interval", s.scanInterval).
		Msg("Supervisor started")
}

// Stop halts the sweep loop and waits for it
func (s *Supervisor) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.cancel = nil
	s.wg.Wait()
}

// Sweep reclaims every in-flight job whose owner is dead. Exported so
// tests and operator tooling can trigger a pass directly.
func (s *Supervisor) Sweep(ctx context.Context) {
	ttl := s.heartbeatInterval * missedHeartbeats
	now := time.Now()

	for _, status := range []models.JobStatus{models.JobStatusClaimed, models.JobStatusRunning} {
		inflight, err := s.jobs.List(ctx, &interfaces.JobListOptions{Status: status})
		if err != nil {
			s.logger.Warn().Err(err).Msg("Supervisor scan failed")
			return
		}
		for _, job := range inflight {
			if s.ownerAlive(ctx, job, now, ttl) {
				continue
			}
			s.reclaim(ctx, job)
		}
	}
}

func (s *Supervisor) ownerAlive(ctx context.Context, job *models.Job, now time.Time, ttl time.Duration) bool {
	if job.ClaimedBy == "" {
		return false
	}
	w, err := s.registry.Get(ctx, job.ClaimedBy)
	if err != nil {
		return false // Deregistered or never registered
	}
	return w.Alive(now, ttl)
}

// reclaim requeues an orphaned job, or dead-letters it as poison once the
// requeue cap is reached.
func (s *Supervisor) reclaim(ctx context.Context, job *models.Job) {
	// Re-read broker state; the worker may have finished between the list
	// and this check.
	current, err := s.broker.GetJob(ctx, job.ID)
	if err != nil {
		if !errors.Is(err, interfaces.ErrJobNotFound) {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to read job during reclaim")
		}
		return
	}
	if current.Status != models.JobStatusClaimed && current.Status != models.JobStatusRunning {
		s.mirrorStatus(ctx, job.ID, current.Status, current.Error, current.Classification)
		return
	}

	// The cap lives on the job store record; the broker's job hash only
	// tracks the count.
	maxRequeues := job.MaxWorkerRequeues
	if maxRequeues <= 0 {
		maxRequeues = defaultMaxWorkerRequeues
	}
	if current.WorkerRequeues >= maxRequeues {
		reason := "worker requeue cap reached"
		s.logger.Error().
			Str("job_id", job.ID).
			Str("pool", job.Pool).
			Int("worker_requeues", current.WorkerRequeues).
			Msg("Dead-lettering poison job")

		if err := s.broker.Deadletter(ctx, job.ID, reason); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Deadletter failed")
			return
		}
		s.mirrorStatus(ctx, job.ID, models.JobStatusDead, reason, models.ErrorClassPoison)

		docID := docIDFromPayload(job.Payload)
		s.events.Publish(ctx, models.Event{
			Type:          models.EventJobDeadlettered,
			CorrelationID: job.CorrelationID,
			Payload: map[string]interface{}{
				"job_id":      job.ID,
				"pool":        job.Pool,
				"document_id": docID,
				"error":       reason,
				"class":       string(models.ErrorClassPoison),
			},
		})
		if docID != "" {
			s.events.Publish(ctx, models.Event{
				Type:          models.EventDocumentFailed,
				CorrelationID: job.CorrelationID,
				Payload: map[string]interface{}{
					"document_id": docID,
					"reason":      reason,
					"job_id":      job.ID,
				},
			})
		}
		return
	}

	s.logger.Warn().
		Str("job_id", job.ID).
		Str("pool", job.Pool).
		Str("dead_worker", job.ClaimedBy).
		Int("worker_requeues", current.WorkerRequeues+1).
		Msg("Requeuing orphaned job")

	if err := s.broker.Requeue(ctx, job.ID); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Requeue failed")
		return
	}
	s.mirrorRequeue(ctx, job.ID)
}

func (s *Supervisor) mirrorStatus(ctx context.Context, jobID string, status models.JobStatus, errMsg string, class models.ErrorClass) {
	if err := s.jobs.UpdateStatus(ctx, jobID, status, errMsg, class); err != nil && !errors.Is(err, interfaces.ErrJobNotFound) {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to mirror job status")
	}
}

func (s *Supervisor) mirrorRequeue(ctx context.Context, jobID string) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		if !errors.Is(err, interfaces.ErrJobNotFound) {
			s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to read job record")
		}
		return
	}
	job.Status = models.JobStatusPending
	job.WorkerRequeues++
	job.ClaimedBy = ""
	if err := s.jobs.Save(ctx, job); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to mirror requeue")
	}
}
