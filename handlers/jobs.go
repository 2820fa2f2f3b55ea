package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	xerrors "github.com/EvolutionIT/wtw-transcoder/errors"
	"github.com/EvolutionIT/wtw-transcoder/jobstore"
	"github.com/EvolutionIT/wtw-transcoder/log"
	"github.com/EvolutionIT/wtw-transcoder/pipeline"
	"github.com/EvolutionIT/wtw-transcoder/queue"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// GetJob returns one job with its full log history.
func (h *TranscodeHandlersCollection) GetJob() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		jobID := ps.ByName("id")
		job, logs, err := h.Store.GetJobWithLogs(r.Context(), jobID)
		if errors.Is(err, jobstore.ErrNotFound) {
			xerrors.WriteHTTPNotFound(w, "Job not found", nil)
			return
		}
		if err != nil {
			xerrors.WriteHTTPInternalServerError(w, "Failed to fetch job", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"job":  job,
			"logs": logs,
		})
	}
}

// ListJobs pages through jobs, optionally filtered by status.
func (h *TranscodeHandlersCollection) ListJobs() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		q := r.URL.Query()

		limit := defaultPageSize
		if s := q.Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 1 {
				xerrors.WriteHTTPBadRequest(w, "limit must be a positive integer", nil)
				return
			}
			limit = n
		}
		if limit > maxPageSize {
			limit = maxPageSize
		}
		page := 1
		if s := q.Get("page"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 1 {
				xerrors.WriteHTTPBadRequest(w, "page must be a positive integer", nil)
				return
			}
			page = n
		}

		var jobs []jobstore.Job
		var err error
		if status := q.Get("status"); status != "" {
			switch jobstore.Status(status) {
			case jobstore.StatusQueued, jobstore.StatusProcessing, jobstore.StatusCompleted, jobstore.StatusFailed:
			default:
				xerrors.WriteHTTPBadRequest(w, "unknown status "+status, nil)
				return
			}
			jobs, err = h.Store.ListByStatus(r.Context(), jobstore.Status(status))
			// page the filtered list in memory; the per-status cardinality is small
			lo := (page - 1) * limit
			if lo > len(jobs) {
				lo = len(jobs)
			}
			hi := lo + limit
			if hi > len(jobs) {
				hi = len(jobs)
			}
			if err == nil {
				jobs = jobs[lo:hi]
			}
		} else {
			jobs, err = h.Store.List(r.Context(), limit, (page-1)*limit)
		}
		if err != nil {
			xerrors.WriteHTTPInternalServerError(w, "Failed to list jobs", err)
			return
		}

		counts, err := h.Store.GetCounts(r.Context())
		if err != nil {
			xerrors.WriteHTTPInternalServerError(w, "Failed to count jobs", err)
			return
		}
		if jobs == nil {
			jobs = []jobstore.Job{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"jobs":   jobs,
			"page":   page,
			"limit":  limit,
			"counts": counts,
		})
	}
}

// CancelJob cancels a queued job: the queue entry is removed and the record
// is failed with a cancellation message. Anything past queued is rejected.
func (h *TranscodeHandlersCollection) CancelJob() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		jobID := ps.ByName("id")
		job, err := h.Store.GetJob(r.Context(), jobID)
		if errors.Is(err, jobstore.ErrNotFound) {
			xerrors.WriteHTTPNotFound(w, "Job not found", nil)
			return
		}
		if err != nil {
			xerrors.WriteHTTPInternalServerError(w, "Failed to fetch job", err)
			return
		}
		if job.Status != jobstore.StatusQueued {
			xerrors.WriteHTTPConflict(w, "only queued jobs can be cancelled", nil)
			return
		}

		entry, err := h.Queue.FindEntryByJobID(r.Context(), jobID)
		if err != nil {
			xerrors.WriteHTTPInternalServerError(w, "Failed to look up queue entry", err)
			return
		}
		if entry != nil {
			if err := h.Queue.Remove(r.Context(), entry.ID); err != nil {
				xerrors.WriteHTTPInternalServerError(w, "Failed to remove queue entry", err)
				return
			}
		}
		if err := h.Store.UpdateStatus(r.Context(), jobID, jobstore.StatusFailed); err != nil {
			xerrors.WriteHTTPConflict(w, "job is no longer cancellable", err)
			return
		}
		if err := h.Store.SetError(r.Context(), jobID, "cancelled by user"); err != nil {
			log.LogError(jobID, "failed to record cancellation", err)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"jobId":   jobID,
			"message": "Job cancelled",
		})
	}
}

// RetryJob re-queues a failed job with a fresh entry carrying the same
// payload.
func (h *TranscodeHandlersCollection) RetryJob() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		jobID := ps.ByName("id")
		job, err := h.Store.GetJob(r.Context(), jobID)
		if errors.Is(err, jobstore.ErrNotFound) {
			xerrors.WriteHTTPNotFound(w, "Job not found", nil)
			return
		}
		if err != nil {
			xerrors.WriteHTTPInternalServerError(w, "Failed to fetch job", err)
			return
		}
		if job.Status != jobstore.StatusFailed {
			xerrors.WriteHTTPConflict(w, "only failed jobs can be retried", nil)
			return
		}

		if err := h.Store.UpdateStatus(r.Context(), jobID, jobstore.StatusQueued); err != nil {
			xerrors.WriteHTTPInternalServerError(w, "Failed to reset job", err)
			return
		}
		p := pipeline.Payload{
			OriginalKey: job.OriginalKey,
			Resolutions: job.Resolutions,
			VideoName:   job.VideoName,
			Environment: job.Environment,
			CallbackURL: job.CallbackURL,
		}
		if _, err := h.Queue.Add(r.Context(), jobID, p, 0, queue.Options{}); err != nil {
			xerrors.WriteHTTPInternalServerError(w, "Failed to re-enqueue job", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"jobId":   jobID,
			"status":  "queued",
			"message": "Job re-queued",
		})
	}
}
