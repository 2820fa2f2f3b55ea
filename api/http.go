package api

import (
	"context"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/EvolutionIT/wtw-transcoder/config"
	"github.com/EvolutionIT/wtw-transcoder/handlers"
	"github.com/EvolutionIT/wtw-transcoder/log"
	"github.com/EvolutionIT/wtw-transcoder/metrics"
	"github.com/EvolutionIT/wtw-transcoder/middleware"
)

// ListenAndServe runs the API server until ctx is cancelled, then shuts down
// gracefully.
func ListenAndServe(ctx context.Context, addr, apiToken string, h *handlers.TranscodeHandlersCollection) error {
	router := NewTranscoderAPIRouter(h, apiToken)
	server := http.Server{Addr: addr, Handler: router}
	ctx, cancel := context.WithCancel(ctx)

	log.LogNoJobID(
		"Starting transcoder API",
		"version", config.Version,
		"host", addr,
	)

	var err error
	go func() {
		err = server.ListenAndServe()
		cancel()
	}()

	<-ctx.Done()
	if err != nil {
		return err
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

// NewTranscoderAPIRouter wires every endpoint with logging and, where the
// operation mutates state, API-key auth.
func NewTranscoderAPIRouter(h *handlers.TranscodeHandlersCollection, apiToken string) *httprouter.Router {
	router := httprouter.New()
	withLogging := middleware.LogRequest(log.NewLogger())
	withAuth := middleware.IsAuthorized

	// Simple endpoint for healthchecks
	router.GET("/health", withLogging(h.Healthcheck()))
	router.Handler("GET", "/metrics", metrics.Handler())

	router.POST("/transcode", withLogging(withAuth(apiToken, h.Transcode())))
	router.GET("/job/:id", withLogging(withAuth(apiToken, h.GetJob())))
	router.GET("/jobs", withLogging(withAuth(apiToken, h.ListJobs())))
	router.DELETE("/job/:id", withLogging(withAuth(apiToken, h.CancelJob())))
	router.POST("/job/:id/retry", withLogging(withAuth(apiToken, h.RetryJob())))

	router.GET("/queue/stats", withLogging(withAuth(apiToken, h.QueueStats())))
	router.GET("/queue/status", withLogging(withAuth(apiToken, h.QueueStatus())))
	router.POST("/queue/pause", withLogging(withAuth(apiToken, h.PauseQueue())))
	router.POST("/queue/resume", withLogging(withAuth(apiToken, h.ResumeQueue())))

	return router
}
