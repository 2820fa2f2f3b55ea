package jobstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createJob(t *testing.T, store *Store, id string) {
	t.Helper()
	require.NoError(t, store.CreateJob(context.Background(), Job{
		ID:          id,
		OriginalKey: "uploads/" + id + ".mp4",
		Resolutions: []string{"720p", "480p"},
		VideoName:   "video-" + id,
		Environment: "production",
	}))
}

func TestCreateAndGetJob(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	createJob(t, store, "a")

	job, err := store.GetJob(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, StatusQueued, job.Status)
	require.Equal(t, 0, job.Progress)
	require.Equal(t, []string{"720p", "480p"}, job.Resolutions)
	require.Nil(t, job.StartedAt)
	require.Nil(t, job.CompletedAt)
	require.False(t, job.CreatedAt.IsZero())

	_, err = store.GetJob(ctx, "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStatusTransitions(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	t.Run("happy path queued->processing->completed", func(t *testing.T) {
		createJob(t, store, "ok")
		require.NoError(t, store.UpdateStatus(ctx, "ok", StatusProcessing))
		job, err := store.GetJob(ctx, "ok")
		require.NoError(t, err)
		require.NotNil(t, job.StartedAt)

		require.NoError(t, store.CompleteJob(ctx, "ok", "video-ok/index.m3u8", 12345, 60.5))
		job, err = store.GetJob(ctx, "ok")
		require.NoError(t, err)
		require.Equal(t, StatusCompleted, job.Status)
		require.Equal(t, 100, job.Progress)
		require.Equal(t, "video-ok/index.m3u8", job.OutputKey)
		require.NotNil(t, job.CompletedAt)
	})

	t.Run("illegal transitions fail loudly", func(t *testing.T) {
		createJob(t, store, "bad")
		// queued -> completed is not legal
		require.Error(t, store.CompleteJob(ctx, "bad", "x", 0, 0))
		// queued -> processing -> queued is not legal either
		require.NoError(t, store.UpdateStatus(ctx, "bad", StatusProcessing))
		err := store.UpdateStatus(ctx, "bad", StatusQueued)
		require.ErrorContains(t, err, "illegal status transition")
		// completed jobs cannot move again
		require.NoError(t, store.CompleteJob(ctx, "bad", "x", 0, 0))
		require.Error(t, store.UpdateStatus(ctx, "bad", StatusProcessing))
		require.Error(t, store.UpdateStatus(ctx, "bad", StatusFailed))
	})

	t.Run("retry resets progress and error", func(t *testing.T) {
		createJob(t, store, "retry")
		require.NoError(t, store.UpdateStatus(ctx, "retry", StatusProcessing))
		require.NoError(t, store.UpdateProgress(ctx, "retry", 42))
		require.NoError(t, store.SetError(ctx, "retry", "encoder exploded"))
		require.NoError(t, store.UpdateStatus(ctx, "retry", StatusFailed))

		require.NoError(t, store.UpdateStatus(ctx, "retry", StatusQueued))
		job, err := store.GetJob(ctx, "retry")
		require.NoError(t, err)
		require.Equal(t, StatusQueued, job.Status)
		require.Equal(t, 0, job.Progress)
		require.Empty(t, job.ErrorMessage)
		require.Nil(t, job.CompletedAt)
	})

	t.Run("cancel queued job", func(t *testing.T) {
		createJob(t, store, "cancel")
		require.NoError(t, store.UpdateStatus(ctx, "cancel", StatusFailed))
		job, err := store.GetJob(ctx, "cancel")
		require.NoError(t, err)
		require.Equal(t, StatusFailed, job.Status)
	})

	t.Run("unknown job", func(t *testing.T) {
		err := store.UpdateStatus(ctx, "ghost", StatusProcessing)
		require.ErrorContains(t, err, "unknown job")
	})
}

func TestProgressClamping(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	createJob(t, store, "p")

	require.NoError(t, store.UpdateProgress(ctx, "p", 150))
	job, err := store.GetJob(ctx, "p")
	require.NoError(t, err)
	require.Equal(t, 100, job.Progress)

	require.NoError(t, store.UpdateProgress(ctx, "p", -5))
	job, err = store.GetJob(ctx, "p")
	require.NoError(t, err)
	require.Equal(t, 0, job.Progress)
}

func TestTerminalJobsRejectFieldMutation(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	createJob(t, store, "done")
	require.NoError(t, store.UpdateStatus(ctx, "done", StatusProcessing))
	require.NoError(t, store.CompleteJob(ctx, "done", "video-done/index.m3u8", 100, 10))

	// a lagging progress event must not touch the finished row
	require.Error(t, store.UpdateProgress(ctx, "done", 50))
	require.Error(t, store.SetError(ctx, "done", "late failure"))

	job, err := store.GetJob(ctx, "done")
	require.NoError(t, err)
	require.Equal(t, 100, job.Progress)
	require.Empty(t, job.ErrorMessage)

	// failed jobs still accept an error message, but not progress
	createJob(t, store, "dead")
	require.NoError(t, store.UpdateStatus(ctx, "dead", StatusProcessing))
	require.NoError(t, store.UpdateStatus(ctx, "dead", StatusFailed))
	require.NoError(t, store.SetError(ctx, "dead", "encoder exploded"))
	require.Error(t, store.UpdateProgress(ctx, "dead", 10))

	require.ErrorContains(t, store.UpdateProgress(ctx, "ghost", 10), "unknown job")
	require.ErrorContains(t, store.SetError(ctx, "ghost", "nope"), "unknown job")
}

func TestListAndCounts(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	for _, id := range []string{"j1", "j2", "j3"} {
		createJob(t, store, id)
	}
	require.NoError(t, store.UpdateStatus(ctx, "j1", StatusProcessing))

	all, err := store.List(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)

	page, err := store.List(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)

	queued, err := store.ListByStatus(ctx, StatusQueued)
	require.NoError(t, err)
	require.Len(t, queued, 2)

	counts, err := store.GetCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, Counts{Queued: 2, Processing: 1, Total: 3}, counts)
}

func TestLogsAndCascade(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	createJob(t, store, "logged")

	require.NoError(t, store.AddLog(ctx, LogEntry{JobID: "logged", Level: "info", Stage: "download", Message: "downloaded source"}))
	require.NoError(t, store.AddLog(ctx, LogEntry{JobID: "logged", Level: "error", Stage: "encode", Message: "encoder failed", Details: "exit status 1"}))

	// FK enforcement: logs for unknown jobs are rejected
	require.Error(t, store.AddLog(ctx, LogEntry{JobID: "ghost", Level: "info", Message: "nope"}))

	logs, err := store.GetLogs(ctx, "logged")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	require.Equal(t, "downloaded source", logs[0].Message)

	errLogs, err := store.GetErrorLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, errLogs, 1)
	require.Equal(t, "encode", errLogs[0].Stage)

	recent, err := store.GetRecentLogs(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, "encoder failed", recent[0].Message)

	job, logs, err := store.GetJobWithLogs(ctx, "logged")
	require.NoError(t, err)
	require.Equal(t, "logged", job.ID)
	require.Len(t, logs, 2)

	// deleting the job cascades to its logs
	require.NoError(t, store.DeleteJob(ctx, "logged"))
	logs, err = store.GetLogs(ctx, "logged")
	require.NoError(t, err)
	require.Empty(t, logs)

	require.ErrorIs(t, store.DeleteJob(ctx, "logged"), ErrNotFound)
}
