package queue

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "github.com/EvolutionIT/wtw-transcoder/errors"
	"github.com/EvolutionIT/wtw-transcoder/log"
)

// Process registers a consumer running at most concurrency handlers at once.
// It blocks until ctx is cancelled, then waits for in-flight handlers to
// finish. Waiting entries left behind are re-dispatched on next start.
func (q *Queue) Process(ctx context.Context, name string, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	log.LogNoJobID("queue consumer starting", "name", name, "concurrency", concurrency)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			q.workerLoop(ctx, name, worker, handler)
		}(i)
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		q.promoteLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		q.stallLoop(ctx)
	}()

	wg.Wait()
	log.LogNoJobID("queue consumer stopped", "name", name)
	return nil
}

func (q *Queue) workerLoop(ctx context.Context, name string, worker int, handler Handler) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		paused, err := q.IsPaused(ctx)
		if err != nil {
			log.LogNoJobID("failed to check queue pause state", "consumer", name, "worker", worker, "err", err)
			continue
		}
		if paused {
			continue
		}

		entry, err := q.claim(ctx)
		if err != nil {
			log.LogNoJobID("failed to claim queue entry", "consumer", name, "worker", worker, "err", err)
			continue
		}
		if entry == nil {
			continue
		}
		q.runEntry(ctx, entry, handler)
	}
}

// claim pops the best waiting entry and marks it active. ZPopMin is atomic,
// so two workers can never claim the same entry.
func (q *Queue) claim(ctx context.Context) (*Entry, error) {
	popped, err := q.client.ZPopMin(ctx, keyWait, 1).Result()
	if err != nil {
		return nil, err
	}
	if len(popped) == 0 {
		return nil, nil
	}
	id := popped[0].Member.(string)

	entry, err := q.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		// body vanished (Remove raced the pop); nothing to run
		return nil, nil
	}

	now := q.now().UTC()
	entry.State = StateActive
	entry.AttemptsMade++
	entry.ProcessedAt = &now

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, keyEntry+id, "state", StateActive, "attempts_made", entry.AttemptsMade, "processed_at", now.UnixMilli())
	pipe.SAdd(ctx, keyActive, id)
	pipe.Set(ctx, keyHeartbeat+id, "1", q.stallWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return entry, nil
}

func (q *Queue) runEntry(ctx context.Context, entry *Entry, handler Handler) {
	q.emit(Event{Type: EventActive, Entry: *entry})

	hbCtx, hbCancel := context.WithCancel(ctx)
	go q.heartbeatLoop(hbCtx, entry.ID)

	err := func() (handlerErr error) {
		defer func() {
			if r := recover(); r != nil {
				handlerErr = fmt.Errorf("panic in queue handler: %v\n%s", r, debug.Stack())
			}
		}()
		return handler(ctx, entry)
	}()
	hbCancel()

	if err == nil {
		q.complete(ctx, entry)
		return
	}
	q.fail(ctx, entry, err)
}

func (q *Queue) heartbeatLoop(ctx context.Context, id string) {
	ticker := time.NewTicker(q.stallWindow / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.heartbeat(ctx, id)
		}
	}
}

func (q *Queue) complete(ctx context.Context, entry *Entry) {
	now := q.now().UTC()
	entry.State = StateCompleted
	entry.FinishedAt = &now

	pipe := q.client.TxPipeline()
	pipe.SRem(ctx, keyActive, entry.ID)
	pipe.Del(ctx, keyHeartbeat+entry.ID)
	pipe.HSet(ctx, keyEntry+entry.ID, "state", StateCompleted, "finished_at", now.UnixMilli())
	pipe.ZAdd(ctx, keyCompleted, redis.Z{Score: float64(now.UnixMilli()), Member: entry.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		log.Log(entry.JobID, "failed to record queue completion", "entry_id", entry.ID, "err", err)
	}
	q.trim(ctx, keyCompleted, entry.removeOnComplete)
	q.emit(Event{Type: EventCompleted, Entry: *entry})
}

// fail either schedules a retry with exponential backoff or, once the
// attempt budget is spent (or the error is marked unretriable), parks the
// entry in the failed set.
func (q *Queue) fail(ctx context.Context, entry *Entry, handlerErr error) {
	now := q.now().UTC()
	entry.LastError = handlerErr.Error()

	exhausted := entry.AttemptsMade >= entry.MaxAttempts || xerrors.IsUnretriable(handlerErr)
	if !exhausted {
		delay := time.Duration(float64(entry.backoffBase) * math.Pow(2, float64(entry.AttemptsMade-1)))
		eligibleAt := now.Add(delay)
		entry.State = StateDelayed

		pipe := q.client.TxPipeline()
		pipe.SRem(ctx, keyActive, entry.ID)
		pipe.Del(ctx, keyHeartbeat+entry.ID)
		pipe.HSet(ctx, keyEntry+entry.ID, "state", StateDelayed, "last_error", entry.LastError)
		pipe.ZAdd(ctx, keyDelayed, redis.Z{Score: float64(eligibleAt.UnixMilli()), Member: entry.ID})
		if _, err := pipe.Exec(ctx); err != nil {
			log.Log(entry.JobID, "failed to schedule queue retry", "entry_id", entry.ID, "err", err)
		}
		log.Log(entry.JobID, "queue entry failed, retrying", "entry_id", entry.ID, "attempt", entry.AttemptsMade, "max_attempts", entry.MaxAttempts, "delay", delay, "err", handlerErr)
		q.emit(Event{Type: EventFailed, Entry: *entry, Err: entry.LastError, Final: false})
		return
	}

	entry.State = StateFailed
	entry.FinishedAt = &now

	pipe := q.client.TxPipeline()
	pipe.SRem(ctx, keyActive, entry.ID)
	pipe.Del(ctx, keyHeartbeat+entry.ID)
	pipe.HSet(ctx, keyEntry+entry.ID, "state", StateFailed, "last_error", entry.LastError, "finished_at", now.UnixMilli())
	pipe.ZAdd(ctx, keyFailed, redis.Z{Score: float64(now.UnixMilli()), Member: entry.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		log.Log(entry.JobID, "failed to record queue failure", "entry_id", entry.ID, "err", err)
	}
	q.trim(ctx, keyFailed, entry.removeOnFail)
	log.Log(entry.JobID, "queue entry failed terminally", "entry_id", entry.ID, "attempts", entry.AttemptsMade, "err", handlerErr)
	q.emit(Event{Type: EventFailed, Entry: *entry, Err: entry.LastError, Final: true})
}

// trim keeps only the newest keep entries in a retention ZSET, deleting the
// bodies of everything older.
func (q *Queue) trim(ctx context.Context, key string, keep int) {
	total, err := q.client.ZCard(ctx, key).Result()
	if err != nil || total <= int64(keep) {
		return
	}
	ids, err := q.client.ZRange(ctx, key, 0, total-int64(keep)-1).Result()
	if err != nil {
		return
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, key, id)
		pipe.Del(ctx, keyEntry+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.LogNoJobID("failed to trim queue retention set", "key", key, "err", err)
	}
}

// promoteLoop moves delayed entries whose backoff expired back to waiting.
func (q *Queue) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(DefaultPromoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.promoteDue(ctx); err != nil {
				log.LogNoJobID("failed to promote delayed entries", "err", err)
			}
		}
	}
}

func (q *Queue) promoteDue(ctx context.Context) error {
	now := float64(q.now().UnixMilli())
	ids, err := q.client.ZRangeByScore(ctx, keyDelayed, &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		// ZRem returns 0 if another worker already promoted this entry
		removed, err := q.client.ZRem(ctx, keyDelayed, id).Result()
		if err != nil || removed == 0 {
			continue
		}
		entry, err := q.GetEntry(ctx, id)
		if err != nil || entry == nil {
			continue
		}
		seq, err := q.client.Incr(ctx, keySeq).Result()
		if err != nil {
			continue
		}
		pipe := q.client.TxPipeline()
		pipe.HSet(ctx, keyEntry+id, "state", StateWaiting)
		pipe.ZAdd(ctx, keyWait, redis.Z{Score: waitScore(entry.Priority, seq), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// stallLoop returns active entries without a live heartbeat to waiting. The
// attempt was already counted at claim time, so a repeatedly stalling entry
// still exhausts its budget.
func (q *Queue) stallLoop(ctx context.Context) {
	ticker := time.NewTicker(DefaultStallCheckPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.recoverStalled(ctx)
		}
	}
}

func (q *Queue) recoverStalled(ctx context.Context) {
	ids, err := q.client.SMembers(ctx, keyActive).Result()
	if err != nil {
		log.LogNoJobID("failed to check for stalled entries", "err", err)
		return
	}
	for _, id := range ids {
		alive, err := q.client.Exists(ctx, keyHeartbeat+id).Result()
		if err != nil || alive > 0 {
			continue
		}
		// SRem returns 0 if the owning worker finished in the meantime
		removed, err := q.client.SRem(ctx, keyActive, id).Result()
		if err != nil || removed == 0 {
			continue
		}
		entry, err := q.GetEntry(ctx, id)
		if err != nil || entry == nil {
			continue
		}
		seq, err := q.client.Incr(ctx, keySeq).Result()
		if err != nil {
			continue
		}
		pipe := q.client.TxPipeline()
		pipe.HSet(ctx, keyEntry+id, "state", StateWaiting)
		pipe.ZAdd(ctx, keyWait, redis.Z{Score: waitScore(entry.Priority, seq), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			log.Log(entry.JobID, "failed to requeue stalled entry", "entry_id", id, "err", err)
			continue
		}
		log.Log(entry.JobID, "stalled queue entry returned to waiting", "entry_id", id, "attempts_made", entry.AttemptsMade)
		q.emit(Event{Type: EventStalled, Entry: *entry})
	}
}
