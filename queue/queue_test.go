package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	xerrors "github.com/EvolutionIT/wtw-transcoder/errors"
)

func testQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := NewWithClient(client)
	t.Cleanup(func() { _ = q.Close() })
	return q, mr
}

type testPayload struct {
	Key string `json:"key"`
}

func add(t *testing.T, q *Queue, jobID string, priority int, opts Options) string {
	t.Helper()
	id, err := q.Add(context.Background(), jobID, testPayload{Key: jobID + ".mp4"}, priority, opts)
	require.NoError(t, err)
	return id
}

func TestAddAndClaimOrdering(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	// same priority drains FIFO; higher priority jumps the line
	first := add(t, q, "first", 0, Options{})
	second := add(t, q, "second", 0, Options{})
	urgent := add(t, q, "urgent", 5, Options{})

	var claimed []string
	for i := 0; i < 3; i++ {
		entry, err := q.claim(ctx)
		require.NoError(t, err)
		require.NotNil(t, entry)
		claimed = append(claimed, entry.ID)
		require.Equal(t, StateActive, entry.State)
		require.Equal(t, 1, entry.AttemptsMade)
		require.NotNil(t, entry.ProcessedAt)
	}
	require.Equal(t, []string{urgent, first, second}, claimed)

	// empty queue claims nothing
	entry, err := q.claim(ctx)
	require.NoError(t, err)
	require.Nil(t, entry)
}

func TestPayloadRoundTrip(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()
	add(t, q, "job-1", 0, Options{})

	entry, err := q.claim(ctx)
	require.NoError(t, err)
	require.Equal(t, "job-1", entry.JobID)

	var p testPayload
	require.NoError(t, json.Unmarshal(entry.Payload, &p))
	require.Equal(t, "job-1.mp4", p.Key)
}

func TestRetryBackoffScheduling(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()
	add(t, q, "flaky", 0, Options{Attempts: 3, BackoffBase: 2 * time.Second})

	entry, err := q.claim(ctx)
	require.NoError(t, err)

	drainEvents(q)
	q.fail(ctx, entry, errors.New("boom"))

	ev := nextEvent(t, q)
	require.Equal(t, EventFailed, ev.Type)
	require.False(t, ev.Final)
	require.Equal(t, "boom", ev.Err)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), counts.Delayed)
	require.Equal(t, int64(0), counts.Waiting)

	// first retry is delayed by the base (2s x 2^0); not promotable yet
	require.NoError(t, q.promoteDue(ctx))
	counts, err = q.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), counts.Delayed)

	q.now = func() time.Time { return time.Now().Add(3 * time.Second) }
	require.NoError(t, q.promoteDue(ctx))
	counts, err = q.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), counts.Delayed)
	require.Equal(t, int64(1), counts.Waiting)

	// second attempt
	entry, err = q.claim(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, entry.AttemptsMade)
}

func TestRetryBudgetExhaustion(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()
	add(t, q, "doomed", 0, Options{Attempts: 2})

	entry, err := q.claim(ctx)
	require.NoError(t, err)
	entry.AttemptsMade = 2 // simulate the final attempt

	drainEvents(q)
	q.fail(ctx, entry, errors.New("still broken"))

	ev := nextEvent(t, q)
	require.Equal(t, EventFailed, ev.Type)
	require.True(t, ev.Final)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), counts.Failed)
	require.Equal(t, int64(0), counts.Delayed)

	failed, err := q.FailedEntries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, "still broken", failed[0].LastError)
}

func TestUnretriableFailsImmediately(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()
	add(t, q, "invalid", 0, Options{Attempts: 3})

	entry, err := q.claim(ctx)
	require.NoError(t, err)

	drainEvents(q)
	q.fail(ctx, entry, xerrors.Unretriable(errors.New("no valid resolutions")))

	ev := nextEvent(t, q)
	require.Equal(t, EventFailed, ev.Type)
	require.True(t, ev.Final, "unretriable errors must not burn the remaining attempts")
}

func TestCompleteAndRetentionTrim(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	// retention of 2: completing 3 entries must evict the oldest body
	var ids []string
	for _, jobID := range []string{"a", "b", "c"} {
		ids = append(ids, add(t, q, jobID, 0, Options{RemoveOnComplete: 2}))
	}
	for range ids {
		entry, err := q.claim(ctx)
		require.NoError(t, err)
		q.complete(ctx, entry)
	}

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), counts.Completed)

	evicted, err := q.GetEntry(ctx, ids[0])
	require.NoError(t, err)
	require.Nil(t, evicted)
	kept, err := q.GetEntry(ctx, ids[2])
	require.NoError(t, err)
	require.NotNil(t, kept)
	require.Equal(t, StateCompleted, kept.State)
}

func TestTerminalEventsSurviveFullChannel(t *testing.T) {
	q, _ := testQueue(t)
	q.events = make(chan Event, 1)

	// progress events are lossy once the channel is full
	q.emit(Event{Type: EventProgress, Progress: 10})
	q.emit(Event{Type: EventProgress, Progress: 20})
	require.Len(t, q.events, 1)

	// a terminal failure waits for the consumer instead of being dropped
	done := make(chan struct{})
	go func() {
		q.emit(Event{Type: EventFailed, Err: "boom", Final: true})
		close(done)
	}()

	ev := nextEvent(t, q)
	require.Equal(t, EventProgress, ev.Type)
	require.Equal(t, float64(10), ev.Progress)

	ev = nextEvent(t, q)
	require.Equal(t, EventFailed, ev.Type)
	require.True(t, ev.Final)
	require.Equal(t, "boom", ev.Err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit did not return after the event was consumed")
	}
}

func TestPauseResume(t *testing.T) {
	q, mr := testQueue(t)
	ctx := context.Background()

	paused, err := q.IsPaused(ctx)
	require.NoError(t, err)
	require.False(t, paused)

	require.NoError(t, q.Pause(ctx))
	paused, err = q.IsPaused(ctx)
	require.NoError(t, err)
	require.True(t, paused)

	require.NoError(t, q.Resume(ctx))
	paused, err = q.IsPaused(ctx)
	require.NoError(t, err)
	require.False(t, paused)

	// a dead backend surfaces an error so workers can tell it apart from
	// a paused queue
	mr.Close()
	_, err = q.IsPaused(ctx)
	require.Error(t, err)
}

func TestRemoveAndFind(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()
	id := add(t, q, "victim", 0, Options{})
	add(t, q, "bystander", 0, Options{})

	found, err := q.FindEntryByJobID(ctx, "victim")
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, id, found.ID)

	require.NoError(t, q.Remove(ctx, id))
	found, err = q.FindEntryByJobID(ctx, "victim")
	require.NoError(t, err)
	require.Nil(t, found)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), counts.Waiting)
}

func TestRetryFailedEntry(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()
	id := add(t, q, "revive", 0, Options{Attempts: 1})

	entry, err := q.claim(ctx)
	require.NoError(t, err)
	q.fail(ctx, entry, errors.New("first life over"))

	// only failed entries can be retried
	waitingID := add(t, q, "other", 0, Options{})
	require.Error(t, q.Retry(ctx, waitingID))
	require.Error(t, q.Retry(ctx, "no-such-entry"))

	require.NoError(t, q.Retry(ctx, id))
	revived, err := q.GetEntry(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StateWaiting, revived.State)
	require.Equal(t, 0, revived.AttemptsMade)
	require.Empty(t, revived.LastError)
}

func TestStallRecovery(t *testing.T) {
	q, mr := testQueue(t)
	ctx := context.Background()
	add(t, q, "stuck", 0, Options{})

	entry, err := q.claim(ctx)
	require.NoError(t, err)

	// heartbeat alive: nothing happens
	drainEvents(q)
	q.recoverStalled(ctx)
	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), counts.Active)

	// expire the heartbeat and the entry goes back to waiting
	mr.FastForward(DefaultStallWindow + time.Second)
	q.recoverStalled(ctx)

	ev := nextEvent(t, q)
	require.Equal(t, EventStalled, ev.Type)
	require.Equal(t, entry.ID, ev.Entry.ID)

	counts, err = q.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), counts.Active)
	require.Equal(t, int64(1), counts.Waiting)

	// the stalled attempt stays counted
	reclaimed, err := q.claim(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, reclaimed.AttemptsMade)
}

func TestClean(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()
	add(t, q, "old", 0, Options{})

	entry, err := q.claim(ctx)
	require.NoError(t, err)
	q.complete(ctx, entry)

	// too fresh to purge
	purged, err := q.Clean(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Zero(t, purged)

	q.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	purged, err = q.Clean(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, purged)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), counts.Completed)
}

func drainEvents(q *Queue) {
	for {
		select {
		case <-q.events:
		default:
			return
		}
	}
}

func nextEvent(t *testing.T, q *Queue) Event {
	t.Helper()
	select {
	case ev := <-q.events:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no queue event received")
		return Event{}
	}
}
