package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	xerrors "github.com/EvolutionIT/wtw-transcoder/errors"
	"github.com/EvolutionIT/wtw-transcoder/jobstore"
	"github.com/EvolutionIT/wtw-transcoder/log"
	"github.com/EvolutionIT/wtw-transcoder/metrics"
	"github.com/EvolutionIT/wtw-transcoder/queue"
)

// consumerName identifies this worker type on the queue.
const consumerName = "transcode"

// Coordinator ties the queue to the stage machine and mirrors queue lifecycle
// events into the job store. One per process.
type Coordinator struct {
	Store       *jobstore.Store
	Queue       *queue.Queue
	Runner      *Runner
	Concurrency int
}

// Submit creates the job record and enqueues the matching queue entry.
func (c *Coordinator) Submit(ctx context.Context, jobID string, p Payload, priority int) (string, error) {
	err := c.Store.CreateJob(ctx, jobstore.Job{
		ID:          jobID,
		OriginalKey: p.OriginalKey,
		Resolutions: p.Resolutions,
		VideoName:   p.VideoName,
		Environment: p.Environment,
		CallbackURL: p.CallbackURL,
	})
	if err != nil {
		return "", err
	}
	entryID, err := c.Queue.Add(ctx, jobID, p, priority, queue.Options{})
	if err != nil {
		// roll the record back so the job does not sit queued forever
		if delErr := c.Store.DeleteJob(ctx, jobID); delErr != nil {
			log.LogError(jobID, "failed to roll back job record after enqueue failure", delErr)
		}
		return "", err
	}
	c.logJob(ctx, jobID, "info", "", "job submitted", fmt.Sprintf("entry=%s priority=%d", entryID, priority))
	return entryID, nil
}

// Start runs the queue consumer and the event adapter until ctx is cancelled.
func (c *Coordinator) Start(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		c.consumeEvents(ctx)
		return nil
	})
	group.Go(func() error {
		return c.Queue.Process(ctx, consumerName, c.Concurrency, c.handleEntry)
	})
	return group.Wait()
}

// handleEntry is the queue handler for one attempt of one job.
func (c *Coordinator) handleEntry(ctx context.Context, entry *queue.Entry) error {
	jobID := entry.JobID
	var p Payload
	if err := json.Unmarshal(entry.Payload, &p); err != nil {
		return xerrors.Unretriable(fmt.Errorf("malformed queue payload for job %s: %w", jobID, err))
	}

	metrics.Metrics.ActiveJobs.Inc()
	defer metrics.Metrics.ActiveJobs.Dec()

	start := time.Now()
	log.AddContext(jobID, "original_key", p.OriginalKey, "video_name", p.VideoName)
	log.Log(jobID, "starting pipeline attempt", "attempt", entry.AttemptsMade, "max_attempts", entry.MaxAttempts)

	result, err := recovered(func() (Result, error) {
		return c.Runner.Run(ctx, jobID, p, func(pct float64) {
			entry.ReportProgress(ctx, pct)
		})
	})

	success := err == nil
	metrics.Metrics.JobAttemptDurationSec.WithLabelValues(strconv.FormatBool(success)).Observe(time.Since(start).Seconds())
	if err != nil {
		c.logJob(ctx, jobID, "error", stageOf(err), "pipeline attempt failed", err.Error())
		return err
	}

	if err := c.Store.CompleteJob(ctx, jobID, result.OutputKey, result.TotalSize, result.DurationSec); err != nil {
		log.LogError(jobID, "failed to finalize job record", err)
	}
	c.logJob(ctx, jobID, "info", "completed", "job completed", result.OutputKey)
	return nil
}

// consumeEvents mirrors queue lifecycle events into the job store. This is
// the only place queue state and job state are reconciled.
func (c *Coordinator) consumeEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.Queue.Events():
			c.applyEvent(ctx, ev)
		}
	}
}

func (c *Coordinator) applyEvent(ctx context.Context, ev queue.Event) {
	jobID := ev.Entry.JobID
	switch ev.Type {
	case queue.EventActive:
		// a retry attempt arrives with the job already processing; only the
		// first attempt performs the queued->processing transition
		if err := c.Store.UpdateStatus(ctx, jobID, jobstore.StatusProcessing); err != nil {
			log.Log(jobID, "job already processing", "entry_id", ev.Entry.ID)
		}
	case queue.EventProgress:
		if err := c.Store.UpdateProgress(ctx, jobID, int(ev.Progress)); err != nil {
			log.LogError(jobID, "failed to record progress", err)
		}
	case queue.EventCompleted:
		metrics.Metrics.JobsCompleted.WithLabelValues(string(jobstore.StatusCompleted)).Inc()
	case queue.EventStalled:
		c.logJob(ctx, jobID, "warn", "", "worker stalled, entry returned to queue", ev.Entry.ID)
	case queue.EventFailed:
		if !ev.Final {
			if err := c.Store.SetError(ctx, jobID, ev.Err); err != nil {
				log.LogError(jobID, "failed to record attempt error", err)
			}
			return
		}
		metrics.Metrics.JobsCompleted.WithLabelValues(string(jobstore.StatusFailed)).Inc()
		if err := c.Store.UpdateStatus(ctx, jobID, jobstore.StatusFailed); err != nil {
			log.LogError(jobID, "failed to mark job failed", err)
		}
		if err := c.Store.SetError(ctx, jobID, ev.Err); err != nil {
			log.LogError(jobID, "failed to record job error", err)
		}
		var p Payload
		if err := json.Unmarshal(ev.Entry.Payload, &p); err == nil {
			c.Runner.SendFailureCallback(jobID, p, ev.Err)
		}
	}
}

// logJob appends to the job's durable history, falling back to process logs
// when the job row is already gone.
func (c *Coordinator) logJob(ctx context.Context, jobID, level, stage, message, details string) {
	err := c.Store.AddLog(ctx, jobstore.LogEntry{
		JobID:   jobID,
		Level:   level,
		Stage:   stage,
		Message: message,
		Details: details,
	})
	if err != nil {
		log.Log(jobID, message, "level", level, "stage", stage, "details", details, "log_err", err)
	}
}

// stageOf extracts a stage label from the pipeline error taxonomy.
func stageOf(err error) string {
	var osErr *xerrors.ObjectStoreError
	var encErr *xerrors.EncoderError
	var cbErr *xerrors.CallbackError
	switch {
	case errors.As(err, &osErr):
		return string(osErr.Op)
	case errors.As(err, &encErr):
		return "encode"
	case errors.As(err, &cbErr):
		return "callback"
	case xerrors.IsValidationError(err):
		return "validation"
	default:
		return ""
	}
}

func recovered[T any](f func() (T, error)) (t T, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.LogNoJobID("panic in pipeline handler, recovering", "err", rec)
			err = fmt.Errorf("panic in pipeline handler: %v", rec)
		}
	}()
	return f()
}
