package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/EvolutionIT/wtw-transcoder/log"
)

// Entry state names, mirrored in the per-entry hash.
const (
	StateWaiting   = "waiting"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateDelayed   = "delayed"
)

// Redis key layout. Entry bodies live in per-entry hashes; the remaining keys
// index entry ids by state.
const (
	keyWait      = "wtw:queue:wait"      // ZSET, score encodes priority then FIFO order
	keyDelayed   = "wtw:queue:delayed"   // ZSET, score is the eligible-at unix ms
	keyActive    = "wtw:queue:active"    // SET of in-flight entry ids
	keyCompleted = "wtw:queue:completed" // ZSET by finish time, trimmed to retention
	keyFailed    = "wtw:queue:failed"    // ZSET by finish time, trimmed to retention
	keyPaused    = "wtw:queue:paused"    // existence flag
	keySeq       = "wtw:queue:seq"       // INCR counter for FIFO ordering
	keyEntry     = "wtw:queue:entry:"    // + id → HASH
	keyHeartbeat = "wtw:queue:heartbeat:" // + id → TTL key refreshed by the worker
)

// Defaults per the queue contract.
const (
	DefaultAttempts         = 3
	DefaultBackoffBase      = 2 * time.Second
	DefaultKeepOnComplete   = 10
	DefaultKeepOnFail       = 5
	DefaultStallWindow      = 30 * time.Second
	DefaultCleanOlderThan   = 24 * time.Hour
	DefaultCleanInterval    = 1 * time.Hour
	DefaultPromoteInterval  = time.Second
	DefaultStallCheckPeriod = 15 * time.Second
)

// Options tune one enqueued entry. Zero values take the defaults above.
type Options struct {
	Attempts         int
	BackoffBase      time.Duration
	RemoveOnComplete int
	RemoveOnFail     int
}

func (o Options) withDefaults() Options {
	if o.Attempts <= 0 {
		o.Attempts = DefaultAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.RemoveOnComplete <= 0 {
		o.RemoveOnComplete = DefaultKeepOnComplete
	}
	if o.RemoveOnFail <= 0 {
		o.RemoveOnFail = DefaultKeepOnFail
	}
	return o
}

// Entry is one unit of queued work. The queue owns its lifecycle fields; the
// handler only reads them and reports progress through the queue.
type Entry struct {
	ID           string          `json:"id"`
	JobID        string          `json:"jobId"`
	Payload      json.RawMessage `json:"payload"`
	Priority     int             `json:"priority"`
	AttemptsMade int             `json:"attemptsMade"`
	MaxAttempts  int             `json:"maxAttempts"`
	State        string          `json:"state"`
	EnqueuedAt   time.Time       `json:"enqueuedAt"`
	ProcessedAt  *time.Time      `json:"processedAt,omitempty"`
	FinishedAt   *time.Time      `json:"finishedAt,omitempty"`
	LastError    string          `json:"lastError,omitempty"`

	backoffBase      time.Duration
	removeOnComplete int
	removeOnFail     int

	queue *Queue
}

// ReportProgress forwards a progress percentage to lifecycle listeners and
// refreshes the stall heartbeat as a side effect.
func (e *Entry) ReportProgress(ctx context.Context, pct float64) {
	if e.queue == nil {
		return
	}
	e.queue.heartbeat(ctx, e.ID)
	e.queue.emit(Event{Type: EventProgress, Entry: *e, Progress: pct})
}

// EventType enumerates queue lifecycle notifications.
type EventType string

const (
	EventActive    EventType = "active"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventStalled   EventType = "stalled"
)

// Event is delivered to the lifecycle listener channel. Final is set on a
// failed event once retries are exhausted.
type Event struct {
	Type     EventType
	Entry    Entry
	Progress float64
	Err      string
	Final    bool
}

// Handler processes one entry. A nil return completes the entry; an error
// schedules a retry until the attempt budget runs out.
type Handler func(ctx context.Context, entry *Entry) error

// Queue is a persistent priority queue on Redis with bounded concurrency,
// exponential-backoff retries, stall recovery and retention trimming.
type Queue struct {
	client      *redis.Client
	events      chan Event
	stallWindow time.Duration

	// injectable clock so tests can move backoff and retention deadlines
	now func() time.Time
}

// New connects to Redis at redisURL and verifies the connection.
func New(ctx context.Context, redisURL string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Queue{
		client:      client,
		events:      make(chan Event, 256),
		stallWindow: DefaultStallWindow,
		now:         time.Now,
	}, nil
}

// NewWithClient wraps an existing client. Used by tests with miniredis.
func NewWithClient(client *redis.Client) *Queue {
	return &Queue{
		client:      client,
		events:      make(chan Event, 256),
		stallWindow: DefaultStallWindow,
		now:         time.Now,
	}
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// Events returns the lifecycle event channel. One consumer is expected.
func (q *Queue) Events() <-chan Event {
	return q.events
}

// emit delivers a lifecycle event to the listener channel. Progress events
// are high-frequency and lossy: when the channel is full they are dropped.
// Everything else drives job-state reconciliation and callbacks, so it blocks
// until the consumer takes it.
func (q *Queue) emit(ev Event) {
	if ev.Type == EventProgress {
		select {
		case q.events <- ev:
		default:
			log.LogNoJobID("queue event channel full, dropping progress event", "entry_id", ev.Entry.ID)
		}
		return
	}
	q.events <- ev
}

// waitScore encodes "higher priority first, FIFO within priority" into a
// single ZSET score popped min-first.
func waitScore(priority int, seq int64) float64 {
	return -float64(priority)*1e12 + float64(seq)
}

// Add enqueues a payload and returns the new entry id.
func (q *Queue) Add(ctx context.Context, jobID string, payload any, priority int, opts Options) (string, error) {
	opts = opts.withDefaults()
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode queue payload: %w", err)
	}

	entry := Entry{
		ID:          uuid.New().String(),
		JobID:       jobID,
		Payload:     raw,
		Priority:    priority,
		MaxAttempts: opts.Attempts,
		State:       StateWaiting,
		EnqueuedAt:  q.now().UTC(),

		backoffBase:      opts.BackoffBase,
		removeOnComplete: opts.RemoveOnComplete,
		removeOnFail:     opts.RemoveOnFail,
	}

	seq, err := q.client.Incr(ctx, keySeq).Result()
	if err != nil {
		return "", fmt.Errorf("failed to enqueue: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, keyEntry+entry.ID, entryFields(entry))
	pipe.ZAdd(ctx, keyWait, redis.Z{Score: waitScore(priority, seq), Member: entry.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to enqueue: %w", err)
	}
	log.Log(jobID, "enqueued", "entry_id", entry.ID, "priority", priority)
	return entry.ID, nil
}

// Pause stops dispatching new entries; active entries keep running.
func (q *Queue) Pause(ctx context.Context) error {
	return q.client.Set(ctx, keyPaused, "1", 0).Err()
}

func (q *Queue) Resume(ctx context.Context) error {
	return q.client.Del(ctx, keyPaused).Err()
}

func (q *Queue) IsPaused(ctx context.Context) (bool, error) {
	n, err := q.client.Exists(ctx, keyPaused).Result()
	return n > 0, err
}

// Counts reports queue depth per state.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Total     int64 `json:"total"`
}

func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.ZCard(ctx, keyWait)
	delayed := pipe.ZCard(ctx, keyDelayed)
	active := pipe.SCard(ctx, keyActive)
	completed := pipe.ZCard(ctx, keyCompleted)
	failed := pipe.ZCard(ctx, keyFailed)
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("failed to count queue entries: %w", err)
	}
	c := Counts{
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}
	c.Total = c.Waiting + c.Delayed + c.Active + c.Completed + c.Failed
	return c, nil
}

// ActiveEntries lists in-flight entries.
func (q *Queue) ActiveEntries(ctx context.Context) ([]Entry, error) {
	ids, err := q.client.SMembers(ctx, keyActive).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active entries: %w", err)
	}
	return q.entries(ctx, ids)
}

// FailedEntries lists the most recent terminally-failed entries.
func (q *Queue) FailedEntries(ctx context.Context, limit int64) ([]Entry, error) {
	ids, err := q.client.ZRevRange(ctx, keyFailed, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list failed entries: %w", err)
	}
	return q.entries(ctx, ids)
}

// GetEntry fetches one entry by id; returns nil when unknown.
func (q *Queue) GetEntry(ctx context.Context, id string) (*Entry, error) {
	fields, err := q.client.HGetAll(ctx, keyEntry+id).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch entry %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	entry := entryFromFields(fields)
	entry.queue = q
	return &entry, nil
}

// FindEntryByJobID scans waiting and delayed entries for one carrying jobID.
// Used by cancel, which only applies to not-yet-active work.
func (q *Queue) FindEntryByJobID(ctx context.Context, jobID string) (*Entry, error) {
	for _, key := range []string{keyWait, keyDelayed} {
		ids, err := q.client.ZRange(ctx, key, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue: %w", err)
		}
		for _, id := range ids {
			entry, err := q.GetEntry(ctx, id)
			if err != nil {
				return nil, err
			}
			if entry != nil && entry.JobID == jobID {
				return entry, nil
			}
		}
	}
	return nil, nil
}

// Retry re-queues a terminally failed entry with a fresh attempt budget.
func (q *Queue) Retry(ctx context.Context, id string) error {
	entry, err := q.GetEntry(ctx, id)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("unknown queue entry %s", id)
	}
	if entry.State != StateFailed {
		return fmt.Errorf("entry %s is %s, only failed entries can be retried", id, entry.State)
	}
	seq, err := q.client.Incr(ctx, keySeq).Result()
	if err != nil {
		return fmt.Errorf("failed to retry entry %s: %w", id, err)
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, keyFailed, id)
	pipe.HSet(ctx, keyEntry+id, "state", StateWaiting, "attempts_made", 0, "last_error", "")
	pipe.ZAdd(ctx, keyWait, redis.Z{Score: waitScore(entry.Priority, seq), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to retry entry %s: %w", id, err)
	}
	return nil
}

// Remove deletes an entry from every queue structure.
func (q *Queue) Remove(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, keyWait, id)
	pipe.ZRem(ctx, keyDelayed, id)
	pipe.SRem(ctx, keyActive, id)
	pipe.ZRem(ctx, keyCompleted, id)
	pipe.ZRem(ctx, keyFailed, id)
	pipe.Del(ctx, keyEntry+id, keyHeartbeat+id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove entry %s: %w", id, err)
	}
	return nil
}

// Clean purges completed and failed entries finished before the cutoff.
// Returns the number of purged entries.
func (q *Queue) Clean(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := float64(q.now().Add(-olderThan).UnixMilli())
	purged := 0
	for _, key := range []string{keyCompleted, keyFailed} {
		ids, err := q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatFloat(cutoff, 'f', -1, 64)}).Result()
		if err != nil {
			return purged, fmt.Errorf("failed to clean queue: %w", err)
		}
		for _, id := range ids {
			if err := q.Remove(ctx, id); err != nil {
				return purged, err
			}
			purged++
		}
	}
	return purged, nil
}

func (q *Queue) entries(ctx context.Context, ids []string) ([]Entry, error) {
	result := make([]Entry, 0, len(ids))
	for _, id := range ids {
		entry, err := q.GetEntry(ctx, id)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			result = append(result, *entry)
		}
	}
	return result, nil
}

func (q *Queue) heartbeat(ctx context.Context, id string) {
	if err := q.client.Set(ctx, keyHeartbeat+id, "1", q.stallWindow).Err(); err != nil {
		log.LogNoJobID("failed to refresh queue heartbeat", "entry_id", id, "err", err)
	}
}

func entryFields(e Entry) map[string]any {
	fields := map[string]any{
		"id":                 e.ID,
		"job_id":             e.JobID,
		"payload":            string(e.Payload),
		"priority":           e.Priority,
		"attempts_made":      e.AttemptsMade,
		"max_attempts":       e.MaxAttempts,
		"state":              e.State,
		"enqueued_at":        e.EnqueuedAt.UnixMilli(),
		"backoff_base_ms":    e.backoffBase.Milliseconds(),
		"remove_on_complete": e.removeOnComplete,
		"remove_on_fail":     e.removeOnFail,
		"last_error":         e.LastError,
	}
	if e.ProcessedAt != nil {
		fields["processed_at"] = e.ProcessedAt.UnixMilli()
	}
	if e.FinishedAt != nil {
		fields["finished_at"] = e.FinishedAt.UnixMilli()
	}
	return fields
}

func entryFromFields(fields map[string]string) Entry {
	atoi := func(s string) int {
		n, _ := strconv.Atoi(s)
		return n
	}
	e := Entry{
		ID:           fields["id"],
		JobID:        fields["job_id"],
		Payload:      json.RawMessage(fields["payload"]),
		Priority:     atoi(fields["priority"]),
		AttemptsMade: atoi(fields["attempts_made"]),
		MaxAttempts:  atoi(fields["max_attempts"]),
		State:        fields["state"],
		LastError:    fields["last_error"],

		backoffBase:      time.Duration(atoi(fields["backoff_base_ms"])) * time.Millisecond,
		removeOnComplete: atoi(fields["remove_on_complete"]),
		removeOnFail:     atoi(fields["remove_on_fail"]),
	}
	if e.backoffBase == 0 {
		e.backoffBase = DefaultBackoffBase
	}
	if e.removeOnComplete == 0 {
		e.removeOnComplete = DefaultKeepOnComplete
	}
	if e.removeOnFail == 0 {
		e.removeOnFail = DefaultKeepOnFail
	}
	if ms, err := strconv.ParseInt(fields["enqueued_at"], 10, 64); err == nil {
		e.EnqueuedAt = time.UnixMilli(ms).UTC()
	}
	if ms, err := strconv.ParseInt(fields["processed_at"], 10, 64); err == nil {
		t := time.UnixMilli(ms).UTC()
		e.ProcessedAt = &t
	}
	if ms, err := strconv.ParseInt(fields["finished_at"], 10, 64); err == nil {
		t := time.UnixMilli(ms).UTC()
		e.FinishedAt = &t
	}
	return e
}
