package api

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/EvolutionIT/wtw-transcoder/handlers"
	"github.com/EvolutionIT/wtw-transcoder/jobstore"
	"github.com/EvolutionIT/wtw-transcoder/pipeline"
	"github.com/EvolutionIT/wtw-transcoder/queue"
)

func testRouter(t *testing.T) http.Handler {
	t.Helper()
	store, err := jobstore.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mr := miniredis.RunT(t)
	q := queue.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = q.Close() })

	h := &handlers.TranscodeHandlersCollection{
		Store:             store,
		Queue:             q,
		Coordinator:       &pipeline.Coordinator{Store: store, Queue: q, Concurrency: 1},
		MaxConcurrentJobs: 2,
	}
	return NewTranscoderAPIRouter(h, "router-secret")
}

func get(router http.Handler, path string, setup func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if setup != nil {
		setup(req)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestRouterOpenEndpoints(t *testing.T) {
	router := testRouter(t)

	rr := get(router, "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"status":"ok"`)

	rr = get(router, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestRouterAuth(t *testing.T) {
	router := testRouter(t)

	rr := get(router, "/jobs", nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = get(router, "/jobs", func(r *http.Request) { r.Header.Set("x-api-key", "wrong") })
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = get(router, "/jobs", func(r *http.Request) { r.Header.Set("x-api-key", "router-secret") })
	require.Equal(t, http.StatusOK, rr.Code)

	rr = get(router, "/queue/status", func(r *http.Request) { r.Header.Set("Authorization", "Bearer router-secret") })
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestRouterUnknownJob(t *testing.T) {
	router := testRouter(t)
	rr := get(router, "/job/does-not-exist", func(r *http.Request) { r.Header.Set("x-api-key", "router-secret") })
	require.Equal(t, http.StatusNotFound, rr.Code)
}
