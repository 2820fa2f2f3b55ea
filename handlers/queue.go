package handlers

import (
	"net/http"

	"github.com/julienschmidt/httprouter"

	xerrors "github.com/EvolutionIT/wtw-transcoder/errors"
	"github.com/EvolutionIT/wtw-transcoder/metrics"
)

// QueueStats reports queue depth alongside job-store totals.
func (h *TranscodeHandlersCollection) QueueStats() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		queueCounts, err := h.Queue.Counts(r.Context())
		if err != nil {
			xerrors.WriteHTTPInternalServerError(w, "Failed to read queue counts", err)
			return
		}
		jobCounts, err := h.Store.GetCounts(r.Context())
		if err != nil {
			xerrors.WriteHTTPInternalServerError(w, "Failed to read job counts", err)
			return
		}

		metrics.Metrics.QueueDepth.WithLabelValues("waiting").Set(float64(queueCounts.Waiting))
		metrics.Metrics.QueueDepth.WithLabelValues("active").Set(float64(queueCounts.Active))
		metrics.Metrics.QueueDepth.WithLabelValues("delayed").Set(float64(queueCounts.Delayed))
		metrics.Metrics.QueueDepth.WithLabelValues("completed").Set(float64(queueCounts.Completed))
		metrics.Metrics.QueueDepth.WithLabelValues("failed").Set(float64(queueCounts.Failed))

		writeJSON(w, http.StatusOK, map[string]any{
			"queue": queueCounts,
			"jobs":  jobCounts,
		})
	}
}

// QueueStatus reports pause state and worker capacity.
func (h *TranscodeHandlersCollection) QueueStatus() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		paused, err := h.Queue.IsPaused(r.Context())
		if err != nil {
			xerrors.WriteHTTPInternalServerError(w, "Failed to read queue state", err)
			return
		}
		active, err := h.Queue.ActiveEntries(r.Context())
		if err != nil {
			xerrors.WriteHTTPInternalServerError(w, "Failed to list active entries", err)
			return
		}
		available := h.MaxConcurrentJobs - len(active)
		if available < 0 {
			available = 0
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"paused":            paused,
			"active":            len(active),
			"maxConcurrentJobs": h.MaxConcurrentJobs,
			"available":         available,
		})
	}
}

func (h *TranscodeHandlersCollection) PauseQueue() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if err := h.Queue.Pause(r.Context()); err != nil {
			xerrors.WriteHTTPInternalServerError(w, "Failed to pause queue", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "paused": true})
	}
}

func (h *TranscodeHandlersCollection) ResumeQueue() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if err := h.Queue.Resume(r.Context()); err != nil {
			xerrors.WriteHTTPInternalServerError(w, "Failed to resume queue", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "paused": false})
	}
}
