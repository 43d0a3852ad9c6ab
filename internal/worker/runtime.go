// -----------------------------------------------------------------------
// Worker Runtime - claims jobs from one pool queue and executes the
// pool's stage handler. One runtime per process slot; the pool's
// max_concurrency is enforced by how many runtimes are launched.
// -----------------------------------------------------------------------

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dossier/internal/common"
	"github.com/ternarybob/dossier/internal/interfaces"
	"github.com/ternarybob/dossier/internal/models"
)

// Runtime executes jobs for a single pool
type Runtime struct {
	pool     models.Pool
	broker   interfaces.Broker
	jobs     interfaces.JobStore
	registry interfaces.WorkerRegistry
	events   interfaces.EventService
	handler  interfaces.StageHandler
	cfg      common.WorkerConfig
	logger   arbor.ILogger

	mu         sync.Mutex
	id         string
	currentJob string
}

// NewRuntime creates a worker runtime for a pool
func NewRuntime(pool models.Pool, broker interfaces.Broker, jobs interfaces.JobStore, registry interfaces.WorkerRegistry, events interfaces.EventService, handler interfaces.StageHandler, cfg common.WorkerConfig, logger arbor.ILogger) *Runtime {
	return &Runtime{
		id:       common.NewWorkerID(),
		pool:     pool,
		broker:   broker,
		jobs:     jobs,
		registry: registry,
		events:   events,
		handler:  handler,
		cfg:      cfg,
		logger:   logger,
	}
}

// ID returns the worker id
func (r *Runtime) ID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

// replaceID assigns a fresh worker id after a stuck handler poisons the
// old one. The heartbeat loop reads the id concurrently.
func (r *Runtime) replaceID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.id = common.NewWorkerID()
	return r.id
}

// Run registers the worker and drives the claim loop until ctx is
// cancelled. The stage handler is constructed lazily by the caller;
// nothing engine-related happens before the first claim.
func (r *Runtime) Run(ctx context.Context) error {
	host, _ := os.Hostname()
	if err := r.registry.Register(ctx, &models.WorkerInfo{
		ID:   r.ID(),
		Pool: r.pool.Name,
		Host: host,
	}); err != nil {
		return fmt.Errorf("worker registration failed: %w", err)
	}
	defer func() { r.registry.Deregister(context.Background(), r.ID()) }()

	var wg sync.WaitGroup
	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.heartbeatLoop(hbCtx)
	}()
	defer wg.Wait()

	r.logger.Info().
		Str("worker_id", r.ID()).
		Str("pool", r.pool.Name).
		Msg("Worker started")

	idleAttempts := 0
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Str("worker_id", r.ID()).Msg("Worker stopping")
			return nil
		default:
		}

		job, err := r.broker.Claim(ctx, r.pool.Name, r.ID())
		if err != nil {
			if errors.Is(err, interfaces.ErrNoJob) {
				idleAttempts++
				r.idleSleep(ctx, idleAttempts)
				continue
			}
			if errors.Is(err, interfaces.ErrBrokerUnavailable) {
				r.logger.Warn().Err(err).Msg("Broker unavailable, backing off")
				r.idleSleep(ctx, idleAttempts+3)
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error().Err(err).Msg("Claim failed")
			r.idleSleep(ctx, idleAttempts)
			continue
		}

		idleAttempts = 0
		if err := r.execute(ctx, job); err != nil {
			// A stuck handler past the grace window poisons this runtime;
			// re-register under a fresh id and abandon the goroutine.
			r.logger.Error().Err(err).Str("worker_id", r.ID()).Msg("Worker self-terminating")
			r.registry.Deregister(context.Background(), r.ID())
			freshID := r.replaceID()
			if regErr := r.registry.Register(ctx, &models.WorkerInfo{ID: freshID, Pool: r.pool.Name, Host: host}); regErr != nil {
				return regErr
			}
		}
	}
}

// execute runs one job under the pool's timeout. The returned error is
// non-nil only when the runtime itself must be replaced.
func (r *Runtime) execute(ctx context.Context, job *models.Job) error {
	r.setCurrentJob(job.ID)
	defer r.setCurrentJob("")

	if err := r.broker.MarkRunning(ctx, job.ID); err != nil {
		r.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to mark job running")
	}
	r.mirror(ctx, job.ID, models.JobStatusRunning, "", "")

	r.logger.Info().
		Str("job_id", job.ID).
		Str("pool", r.pool.Name).
		Int("attempt", job.Attempts).
		Msg("Job started")

	jobCtx := ctx
	var cancel context.CancelFunc
	if r.pool.JobTimeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, r.pool.JobTimeout)
		defer cancel()
	}

	type outcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := r.handler(jobCtx, job)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			r.finishFailed(ctx, job, out.err)
			return nil
		}
		r.finishCompleted(ctx, job, out.result)
		return nil

	case <-jobCtx.Done():
		if cancel != nil {
			cancel()
		}
		// Give the handler the grace window to honor cancellation
		select {
		case out := <-done:
			if out.err != nil {
				r.finishFailed(ctx, job, out.err)
			} else {
				r.finishCompleted(ctx, job, out.result)
			}
			return nil
		case <-time.After(r.cfg.GraceWindow):
		}

		r.logger.Error().
			Str("job_id", job.ID).
			Dur("timeout", r.pool.JobTimeout).
			Msg("Handler ignored cancellation past grace window")

		bg := context.Background()
		if job.WorkerRequeues >= r.requeueCap(bg, job.ID) {
			r.deadletter(bg, job, "worker requeue cap reached")
			return fmt.Errorf("handler for job %s is stuck", job.ID)
		}
		if err := r.broker.Requeue(bg, job.ID); err != nil {
			r.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to requeue stuck job")
		}
		r.mirrorRequeue(bg, job.ID, "handler exceeded timeout and grace window")
		return fmt.Errorf("handler for job %s is stuck", job.ID)
	}
}

func (r *Runtime) finishCompleted(ctx context.Context, job *models.Job, result json.RawMessage) {
	if err := r.broker.Ack(ctx, job.ID, result); err != nil {
		r.logger.Error().Err(err).Str("job_id", job.ID).Msg("Ack failed")
		return
	}
	r.mirror(ctx, job.ID, models.JobStatusCompleted, "", "")
	if result != nil {
		if err := r.jobs.RecordResult(ctx, job.ID, result); err != nil && !errors.Is(err, interfaces.ErrJobNotFound) {
			r.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to record result")
		}
	}

	r.events.Publish(ctx, models.Event{
		Type:          models.StageCompletedEvent(r.pool.Name),
		CorrelationID: job.CorrelationID,
		Payload: map[string]interface{}{
			"job_id":      job.ID,
			"pool":        r.pool.Name,
			"document_id": docIDFromPayload(job.Payload),
			"result":      json.RawMessage(result),
		},
	})

	r.logger.Info().
		Str("job_id", job.ID).
		Str("pool", r.pool.Name).
		Msg("Job completed")
}

func (r *Runtime) finishFailed(ctx context.Context, job *models.Job, handlerErr error) {
	class, requeue := Classify(handlerErr)

	r.logger.Warn().
		Err(handlerErr).
		Str("job_id", job.ID).
		Str("class", string(class)).
		Bool("requeue", requeue).
		Msg("Job failed")

	// Retryable failures still respect the requeue cap; a handler that
	// fails the same way on every attempt must not cycle forever.
	if requeue && job.Attempts > r.requeueCap(ctx, job.ID) {
		r.logger.Error().
			Str("job_id", job.ID).
			Int("attempts", job.Attempts).
			Msg("Retry budget exhausted, dead-lettering job")
		r.deadletter(ctx, job, fmt.Sprintf("retry budget exhausted: %s", handlerErr.Error()))
		return
	}

	if requeue {
		time.Sleep(common.Backoff(job.Attempts))
	}

	if err := r.broker.Nack(ctx, job.ID, handlerErr.Error(), requeue); err != nil {
		r.logger.Error().Err(err).Str("job_id", job.ID).Msg("Nack failed")
		return
	}

	status := models.JobStatusPending
	if !requeue {
		status = models.JobStatusDead
		r.events.Publish(ctx, models.Event{
			Type:          models.EventJobDeadlettered,
			CorrelationID: job.CorrelationID,
			Payload: map[string]interface{}{
				"job_id":      job.ID,
				"pool":        r.pool.Name,
				"document_id": docIDFromPayload(job.Payload),
				"error":       handlerErr.Error(),
				"class":       string(class),
			},
		})
	}
	r.mirror(ctx, job.ID, status, handlerErr.Error(), string(class))
}

// Classify maps a handler error to its class and retry decision
func Classify(err error) (models.ErrorClass, bool) {
	switch {
	case errors.Is(err, interfaces.ErrFileNotFound):
		return models.ErrorClassPayload, false
	case errors.Is(err, interfaces.ErrEngineUnavailable):
		return models.ErrorClassResource, true
	case errors.Is(err, interfaces.ErrBrokerUnavailable):
		return models.ErrorClassTransient, true
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return models.ErrorClassStage, true
	default:
		return models.ErrorClassStage, false
	}
}

// mirror reflects a broker-side transition into the durable job store
func (r *Runtime) mirror(ctx context.Context, jobID string, status models.JobStatus, errMsg, class string) {
	err := r.jobs.UpdateStatus(ctx, jobID, status, errMsg, models.ErrorClass(class))
	if err != nil && !errors.Is(err, interfaces.ErrJobNotFound) {
		r.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to mirror job status")
	}
}

// mirrorRequeue reflects a broker requeue into the durable record
func (r *Runtime) mirrorRequeue(ctx context.Context, jobID, errMsg string) {
	record, err := r.jobs.Get(ctx, jobID)
	if err != nil {
		if !errors.Is(err, interfaces.ErrJobNotFound) {
			r.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to read job record")
		}
		return
	}
	record.Status = models.JobStatusPending
	record.WorkerRequeues++
	record.ClaimedBy = ""
	record.Error = errMsg
	record.Classification = models.ErrorClassStage
	if err := r.jobs.Save(ctx, record); err != nil {
		r.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to mirror requeue")
	}
}

// requeueCap reads the cap from the durable record; records that predate
// cap stamping fall back to the default.
func (r *Runtime) requeueCap(ctx context.Context, jobID string) int {
	record, err := r.jobs.Get(ctx, jobID)
	if err != nil || record.MaxWorkerRequeues <= 0 {
		return defaultMaxWorkerRequeues
	}
	return record.MaxWorkerRequeues
}

// deadletter parks a job that exhausted its requeue budget and emits the
// poison events, matching the supervisor's treatment of orphaned jobs.
func (r *Runtime) deadletter(ctx context.Context, job *models.Job, reason string) {
	if err := r.broker.Deadletter(ctx, job.ID, reason); err != nil {
		r.logger.Error().Err(err).Str("job_id", job.ID).Msg("Deadletter failed")
		return
	}
	r.mirror(ctx, job.ID, models.JobStatusDead, reason, string(models.ErrorClassPoison))

	docID := docIDFromPayload(job.Payload)
	r.events.Publish(ctx, models.Event{
		Type:          models.EventJobDeadlettered,
		CorrelationID: job.CorrelationID,
		Payload: map[string]interface{}{
			"job_id":      job.ID,
			"pool":        r.pool.Name,
			"document_id": docID,
			"error":       reason,
			"class":       string(models.ErrorClassPoison),
		},
	})
	if docID != "" {
		r.events.Publish(ctx, models.Event{
			Type:          models.EventDocumentFailed,
			CorrelationID: job.CorrelationID,
			Payload: map[string]interface{}{
				"document_id": docID,
				"reason":      reason,
				"job_id":      job.ID,
			},
		})
	}
}

func (r *Runtime) heartbeatLoop(ctx context.Context) {
	interval := r.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			id := r.ID()
			if err := r.registry.Heartbeat(ctx, id, r.getCurrentJob()); err != nil {
				r.logger.Warn().Err(err).Str("worker_id", id).Msg("Heartbeat failed")
			}
		}
	}
}

// idleSleep backs off with jitter so a fleet of idle workers does not
// poll the broker in lockstep.
func (r *Runtime) idleSleep(ctx context.Context, attempt int) {
	d := common.Backoff(attempt)
	if r.cfg.PollInterval > 0 && d < r.cfg.PollInterval {
		d = r.cfg.PollInterval
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (r *Runtime) setCurrentJob(jobID string) {
	r.mu.Lock()
	r.currentJob = jobID
	r.mu.Unlock()
}

func (r *Runtime) getCurrentJob() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentJob
}

// docIDFromPayload pulls the document id out of any stage payload
func docIDFromPayload(payload json.RawMessage) string {
	var partial struct {
		DocID string `json:"doc_id"`
	}
	if err := json.Unmarshal(payload, &partial); err != nil {
		return ""
	}
	return partial.DocID
}
