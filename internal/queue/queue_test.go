package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mapwall/internal/apperr"
	"mapwall/internal/models"
)

func newTestQueue(t *testing.T, opts Options) (*Queue, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, opts, zerolog.Nop()), client, mr
}

func payload(id string) models.Payload {
	return models.Payload{
		JobID:    id,
		Viewport: models.Viewport{Latitude: 40.7128, Longitude: -74.0060, Zoom: 12},
		Theme:    "midnight-gold",
		Devices:  []string{"iphone"},
	}
}

type recorder struct {
	mu       sync.Mutex
	attempts map[string][]int
	fn       func(entry Entry) error
}

func newRecorder(fn func(entry Entry) error) *recorder {
	return &recorder{attempts: map[string][]int{}, fn: fn}
}

func (r *recorder) Handle(_ context.Context, entry Entry) error {
	r.mu.Lock()
	r.attempts[entry.JobID] = append(r.attempts[entry.JobID], entry.Attempt)
	r.mu.Unlock()
	if r.fn == nil {
		return nil
	}
	return r.fn(entry)
}

func (r *recorder) calls(jobID string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.attempts[jobID]...)
}

func runPool(t *testing.T, q *Queue, h Handler, size int) {
	t.Helper()
	runPoolWith(t, q, h, PoolOptions{Size: size})
}

func runPoolWith(t *testing.T, q *Queue, h Handler, opts PoolOptions) {
	t.Helper()
	if opts.Block == 0 {
		opts.Block = 20 * time.Millisecond
	}
	if opts.ClaimInterval == 0 {
		opts.ClaimInterval = 20 * time.Millisecond
	}
	if opts.PromoteInterval == 0 {
		opts.PromoteInterval = 10 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(q, h, opts, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pool.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestEnqueueIsIdempotentOnJobID(t *testing.T) {
	q, client, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, payload("job-1")))
	assert.ErrorIs(t, q.Enqueue(ctx, payload("job-1")), ErrAlreadyQueued)
	require.NoError(t, q.Enqueue(ctx, payload("job-2")))

	n, err := client.XLen(ctx, q.opts.Stream).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	queued, err := q.Queued(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, queued)
}

func TestDecodeEntryRoundTrip(t *testing.T) {
	q, client, _ := newTestQueue(t, Options{})
	ctx := context.Background()
	p := payload("job-1")
	p.AIOptions = models.AIOptions{Enabled: true, Upscale: 4}
	p.CropPosition = "top-left"
	require.NoError(t, q.Enqueue(ctx, p))

	msgs, err := client.XRange(ctx, q.opts.Stream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	entry, err := decodeEntry(msgs[0])
	require.NoError(t, err)
	assert.Equal(t, "job-1", entry.JobID)
	assert.Equal(t, 1, entry.Attempt)
	assert.Equal(t, p, entry.Payload)

	_, err = decodeEntry(redis.XMessage{ID: "1-0", Values: map[string]any{"jobId": "x"}})
	assert.Error(t, err)
}

func TestBackoffStartsAtOneSecondAndDoubles(t *testing.T) {
	q, _, _ := newTestQueue(t, Options{})
	assert.Equal(t, time.Second, q.Backoff(1))
	assert.Equal(t, 2*time.Second, q.Backoff(2))
	assert.Equal(t, 4*time.Second, q.Backoff(3))
}

func TestScheduledRetryWaitsForBackoff(t *testing.T) {
	q, client, _ := newTestQueue(t, Options{})
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	delay, err := q.ScheduleRetry(ctx, Entry{JobID: "job-1", Attempt: 1, Payload: payload("job-1")})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, delay, time.Second)

	q.now = func() time.Time { return now.Add(999 * time.Millisecond) }
	n, err := q.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	q.now = func() time.Time { return now.Add(time.Second) }
	n, err = q.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	delayed, err := q.Delayed(ctx)
	require.NoError(t, err)
	assert.Zero(t, delayed)

	msgs, err := client.XRange(ctx, q.opts.Stream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	entry, err := decodeEntry(msgs[0])
	require.NoError(t, err)
	assert.Equal(t, 2, entry.Attempt)
}

func TestProgressDefaultsToZero(t *testing.T) {
	q, _, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	p, err := q.Progress(ctx, "job-1")
	require.NoError(t, err)
	assert.Zero(t, p)

	require.NoError(t, q.SetProgress(ctx, "job-1", 40))
	p, err = q.Progress(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 40, p)

	require.NoError(t, q.SetProgress(ctx, "job-1", 140))
	p, err = q.Progress(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 100, p)
}

func TestPoolProcessesAndReleasesGuard(t *testing.T) {
	q, _, _ := newTestQueue(t, Options{})
	rec := newRecorder(nil)
	runPool(t, q, rec, 2)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, payload("job-1")))

	require.Eventually(t, func() bool {
		queued, err := q.Queued(ctx, "job-1")
		return err == nil && !queued
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int{1}, rec.calls("job-1"))

	// Finished jobs may be submitted again.
	require.NoError(t, q.Enqueue(ctx, payload("job-1")))
}

func TestPoolRetriesRetryableFailures(t *testing.T) {
	q, _, _ := newTestQueue(t, Options{InitialBackoff: 20 * time.Millisecond})
	rec := newRecorder(func(entry Entry) error {
		return &apperr.RenderTimeoutError{After: 30 * time.Second}
	})
	runPool(t, q, rec, 1)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, payload("job-1")))

	require.Eventually(t, func() bool {
		return len(rec.calls("job-1")) == 3
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		queued, _ := q.Queued(ctx, "job-1")
		return !queued
	}, time.Second, 10*time.Millisecond)

	// The attempt budget is spent; nothing else is scheduled.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []int{1, 2, 3}, rec.calls("job-1"))
	delayed, err := q.Delayed(ctx)
	require.NoError(t, err)
	assert.Zero(t, delayed)
}

func TestPoolStopsOnNonRetryableFailure(t *testing.T) {
	q, _, _ := newTestQueue(t, Options{InitialBackoff: 10 * time.Millisecond})
	rec := newRecorder(func(entry Entry) error {
		return &apperr.TransformError{Device: "iphone", Err: errors.New("size mismatch")}
	})
	runPool(t, q, rec, 1)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, payload("job-1")))

	require.Eventually(t, func() bool {
		queued, _ := q.Queued(ctx, "job-1")
		return len(rec.calls("job-1")) == 1 && !queued
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []int{1}, rec.calls("job-1"))
}

func TestPoolRetrySucceedsOnSecondAttempt(t *testing.T) {
	q, _, _ := newTestQueue(t, Options{InitialBackoff: 10 * time.Millisecond})
	rec := newRecorder(func(entry Entry) error {
		if entry.Attempt == 1 {
			return &apperr.StorageFailure{Key: "k", Err: errors.New("503")}
		}
		return nil
	})
	runPool(t, q, rec, 2)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, payload("job-1")))
	require.Eventually(t, func() bool {
		queued, _ := q.Queued(ctx, "job-1")
		return len(rec.calls("job-1")) == 2 && !queued
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int{1, 2}, rec.calls("job-1"))
}

func TestPoolDropsDeliveryWhileJobIsLocked(t *testing.T) {
	q, client, _ := newTestQueue(t, Options{})
	ctx := context.Background()
	held, err := q.acquire(ctx, "job-1", "other-worker")
	require.NoError(t, err)
	require.True(t, held)

	rec := newRecorder(nil)
	runPool(t, q, rec, 1)
	require.NoError(t, q.Enqueue(ctx, payload("job-1")))

	require.Eventually(t, func() bool {
		pending, err := client.XPending(ctx, q.opts.Stream, q.opts.Group).Result()
		n, _ := client.XLen(ctx, q.opts.Stream).Result()
		return err == nil && pending.Count == 0 && n == 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.calls("job-1"))
}

func TestPoolClaimsStalledEntries(t *testing.T) {
	q, client, _ := newTestQueue(t, Options{VisibilityTimeout: 30 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, q.EnsureGroup(ctx))
	require.NoError(t, q.Enqueue(ctx, payload("job-1")))

	// A consumer that reads and then disappears without acking.
	_, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.opts.Group,
		Consumer: "crashed",
		Streams:  []string{q.opts.Stream, ">"},
		Count:    1,
		Block:    10 * time.Millisecond,
	}).Result()
	require.NoError(t, err)

	rec := newRecorder(nil)
	runPool(t, q, rec, 1)

	require.Eventually(t, func() bool {
		return len(rec.calls("job-1")) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPromoteKeepsEntryWhenStreamWriteFails(t *testing.T) {
	q, _, mr := newTestQueue(t, Options{})
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	_, err := q.ScheduleRetry(ctx, Entry{JobID: "job-1", Attempt: 1, Payload: payload("job-1")})
	require.NoError(t, err)
	q.now = func() time.Time { return now.Add(time.Minute) }

	// A key of the wrong type makes XADD fail.
	require.NoError(t, mr.Set(q.opts.Stream, "not-a-stream"))
	n, err := q.PromoteDue(ctx)
	require.Error(t, err)
	assert.Zero(t, n)

	delayed, err := q.Delayed(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, delayed)

	mr.Del(q.opts.Stream)
	n, err = q.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	delayed, err = q.Delayed(ctx)
	require.NoError(t, err)
	assert.Zero(t, delayed)
}

func TestExtendRenewsOnlyOwnLock(t *testing.T) {
	q, _, mr := newTestQueue(t, Options{VisibilityTimeout: time.Second})
	ctx := context.Background()
	held, err := q.acquire(ctx, "job-1", "worker-0:1-0")
	require.NoError(t, err)
	require.True(t, held)

	mr.FastForward(800 * time.Millisecond)
	ok, err := q.extend(ctx, "job-1", "worker-0:1-0")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Second, mr.TTL(lockPrefix+"job-1"))

	ok, err = q.extend(ctx, "job-1", "worker-1:2-0")
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(2 * time.Second)
	ok, err = q.extend(ctx, "job-1", "worker-0:1-0")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPoolKeepsLongRunningEntryFromOtherConsumers(t *testing.T) {
	const visibility = 100 * time.Millisecond
	q, client, mr := newTestQueue(t, Options{VisibilityTimeout: visibility})
	ctx := context.Background()

	var running, overlaps atomic.Int32
	finished := make(chan struct{})
	var once sync.Once
	rec := newRecorder(func(entry Entry) error {
		if running.Add(1) > 1 {
			overlaps.Add(1)
		}
		defer running.Add(-1)
		time.Sleep(4 * visibility)
		once.Do(func() { close(finished) })
		return nil
	})
	runPoolWith(t, q, rec, PoolOptions{Size: 2, HeartbeatInterval: visibility / 4})
	require.NoError(t, q.Enqueue(ctx, payload("job-1")))

	// Let lock TTLs run down in step with wall time while the handler works.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				mr.FastForward(10 * time.Millisecond)
			}
		}
	}()

	select {
	case <-finished:
	case <-time.After(3 * time.Second):
		t.Fatal("handler never finished")
	}
	require.Eventually(t, func() bool {
		pending, err := client.XPending(ctx, q.opts.Stream, q.opts.Group).Result()
		return err == nil && pending.Count == 0
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(2 * visibility)
	assert.Equal(t, []int{1}, rec.calls("job-1"))
	assert.Zero(t, overlaps.Load())
}

func TestPoolBoundsEachAttempt(t *testing.T) {
	q, _, _ := newTestQueue(t, Options{VisibilityTimeout: time.Second, MaxAttempts: 1})
	ctx := context.Background()

	deadlines := make(chan time.Duration, 1)
	h := HandlerFunc(func(ctx context.Context, entry Entry) error {
		deadline, ok := ctx.Deadline()
		if !ok {
			deadlines <- 0
			return nil
		}
		deadlines <- time.Until(deadline)
		<-ctx.Done()
		return ctx.Err()
	})
	runPoolWith(t, q, h, PoolOptions{Size: 1, AttemptTimeout: 50 * time.Millisecond})
	require.NoError(t, q.Enqueue(ctx, payload("job-1")))

	select {
	case left := <-deadlines:
		assert.Positive(t, left)
		assert.LessOrEqual(t, left, 50*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
	require.Eventually(t, func() bool {
		queued, _ := q.Queued(ctx, "job-1")
		return !queued
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNewPoolKeepsAttemptBelowVisibility(t *testing.T) {
	q, _, _ := newTestQueue(t, Options{VisibilityTimeout: time.Minute})
	pool := NewPool(q, HandlerFunc(func(context.Context, Entry) error { return nil }), PoolOptions{AttemptTimeout: 2 * time.Minute}, zerolog.Nop())
	assert.Less(t, pool.opts.AttemptTimeout, time.Minute)
	assert.Less(t, pool.opts.HeartbeatInterval, time.Minute)
}
