// -----------------------------------------------------------------------
// Job Handler - job records, ad hoc enqueue, operator requeue and
// dead-letter listing
// -----------------------------------------------------------------------

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dossier/internal/interfaces"
	"github.com/ternarybob/dossier/internal/models"
)

// JobHandler serves job record endpoints
type JobHandler struct {
	broker interfaces.Broker
	jobs   interfaces.JobStore
	logger arbor.ILogger
}

// NewJobHandler creates a job handler
func NewJobHandler(broker interfaces.Broker, jobs interfaces.JobStore, logger arbor.ILogger) *JobHandler {
	return &JobHandler{broker: broker, jobs: jobs, logger: logger}
}

// Get handles GET /api/jobs/{id}, the polling endpoint for long-running
// operations.
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	jobID := pathSegment(r, "/api/jobs/", 0)
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job id is required")
		return
	}

	job, err := h.jobs.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, interfaces.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// List handles GET /api/core/jobs with pool and status filters
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := &interfaces.JobListOptions{
		Pool:   r.URL.Query().Get("pool"),
		Status: models.JobStatus(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}

	jobs, err := h.jobs.List(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	total, err := h.jobs.Count(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
		"total": total,
	})
}

// Deadletter handles GET /api/core/deadletter, listing dead jobs for
// operator triage.
func (h *JobHandler) Deadletter(w http.ResponseWriter, r *http.Request) {
	opts := &interfaces.JobListOptions{
		Pool:   r.URL.Query().Get("pool"),
		Status: models.JobStatusDead,
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	jobs, err := h.jobs.List(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

type enqueueRequest struct {
	Pool     string          `json:"pool"`
	Payload  json.RawMessage `json:"payload"`
	Priority int             `json:"priority"`
}

// Enqueue handles POST /api/core/jobs, the ad hoc enqueue used by
// operator tooling and the CLI.
func (h *JobHandler) Enqueue(w http.ResponseWriter, r *http.Request, dispatcher interfaces.Dispatcher) {
	var req enqueueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Pool == "" {
		writeError(w, http.StatusBadRequest, "pool is required")
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "payload is required")
		return
	}

	jobID, err := dispatcher.EnqueueStage(r.Context(), req.Pool, req.Payload, "")
	if err != nil {
		switch {
		case errors.Is(err, interfaces.ErrUnknownPool):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, interfaces.ErrPoolUnavailable):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// Requeue handles POST /api/core/jobs/{id}/requeue. The operator override
// for a dead-lettered job: the worker requeue count resets so the job gets
// a fresh crash budget.
func (h *JobHandler) Requeue(w http.ResponseWriter, r *http.Request) {
	jobID := pathSegment(r, "/api/core/jobs/", 0)
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job id is required")
		return
	}

	job, err := h.jobs.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, interfaces.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if job.Status != models.JobStatusDead && job.Status != models.JobStatusFailed {
		writeError(w, http.StatusConflict, "only dead or failed jobs can be requeued")
		return
	}

	if err := h.jobs.ResetRequeues(r.Context(), jobID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := h.broker.Enqueue(r.Context(), job.Pool, job.ID, job.Payload, job.Priority); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := h.jobs.UpdateStatus(r.Context(), jobID, models.JobStatusPending, "", ""); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.logger.Info().
		Str("job_id", jobID).
		Str("pool", job.Pool).
		Msg("Job manually requeued")

	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "pending"})
}
