package reaper

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/EvolutionIT/wtw-transcoder/log"
	"github.com/EvolutionIT/wtw-transcoder/metrics"
	"github.com/EvolutionIT/wtw-transcoder/queue"
	"github.com/EvolutionIT/wtw-transcoder/state"
)

const (
	DefaultInterval    = 1 * time.Hour
	completedRetention = 1 * time.Hour
	failedRetention    = 24 * time.Hour
)

// Reaper reclaims stale scratch directories and, on the same cadence, trims
// old terminal queue entries.
type Reaper struct {
	Checkpoints state.Manager
	Queue       *queue.Queue
	Interval    time.Duration
}

// Start sweeps on the configured interval until ctx ends. One sweep runs at
// startup so a restart after long downtime reclaims disk immediately.
func (r *Reaper) Start(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	r.sweep(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	freed, removed := r.sweepScratch()
	if removed > 0 {
		log.LogNoJobID("reaper sweep finished", "removed_dirs", removed, "freed_bytes", freed)
		metrics.Metrics.ReaperBytesFreed.Add(float64(freed))
	}

	if r.Queue != nil {
		purged, err := r.Queue.Clean(ctx, queue.DefaultCleanOlderThan)
		if err != nil {
			log.LogNoJobID("reaper queue clean failed", "err", err)
		} else if purged > 0 {
			log.LogNoJobID("reaper purged old queue entries", "purged", purged)
		}
	}
}

// sweepScratch walks the scratch root deleting directories whose checkpoint
// marks them expired. Directories without a checkpoint are orphans from a
// crash before the first write and go immediately.
func (r *Reaper) sweepScratch() (freedBytes int64, removedDirs int) {
	entries, err := os.ReadDir(r.Checkpoints.ScratchRoot)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.LogNoJobID("reaper cannot read scratch root", "dir", r.Checkpoints.ScratchRoot, "err", err)
		}
		return 0, 0
	}

	now := time.Now()
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		jobID := entry.Name()
		cp, err := r.Checkpoints.Peek(jobID)
		if errors.Is(err, fs.ErrNotExist) {
			freedBytes += r.remove(jobID, "orphan scratch dir")
			removedDirs++
			continue
		}
		if err != nil {
			log.Log(jobID, "reaper cannot read checkpoint, skipping", "err", err)
			continue
		}

		age := now.Sub(cp.UpdatedAt)
		switch {
		case cp.Stage == state.StageCompleted && age > completedRetention:
			freedBytes += r.remove(jobID, "completed job scratch expired")
			removedDirs++
		case cp.Stage == state.StageFailed && age > failedRetention:
			freedBytes += r.remove(jobID, "failed job scratch expired")
			removedDirs++
		}
	}
	return freedBytes, removedDirs
}

func (r *Reaper) remove(jobID, reason string) int64 {
	size := dirSize(r.Checkpoints.JobDir(jobID))
	if err := r.Checkpoints.Remove(jobID); err != nil {
		log.Log(jobID, "reaper failed to remove scratch dir", "err", err)
		return 0
	}
	log.Log(jobID, "reaper removed scratch dir", "reason", reason, "freed_bytes", size)
	return size
}

func dirSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
