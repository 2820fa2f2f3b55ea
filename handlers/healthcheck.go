package handlers

import (
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/EvolutionIT/wtw-transcoder/config"
)

// Healthcheck reports liveness. Backend connectivity problems surface through
// /queue/stats instead, so load balancers do not flap on transient errors.
func (h *TranscodeHandlersCollection) Healthcheck() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"version": config.Version,
		})
	}
}
