package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/EvolutionIT/wtw-transcoder/clients"
	"github.com/EvolutionIT/wtw-transcoder/jobstore"
	"github.com/EvolutionIT/wtw-transcoder/pipeline"
	"github.com/EvolutionIT/wtw-transcoder/queue"
)

// TranscodeHandlersCollection bundles the HTTP surface's dependencies.
type TranscodeHandlersCollection struct {
	Store       *jobstore.Store
	Queue       *queue.Queue
	Coordinator *pipeline.Coordinator
	ObjectStore *clients.ObjectStore

	MaxConcurrentJobs  int
	DefaultCallbackURL string
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
