// Package queue is the durable work list between intake and the workers.
// Entries live in a Redis stream read through a consumer group; retries
// wait in a sorted set until their backoff elapses.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"mapwall/internal/models"
)

var ErrAlreadyQueued = errors.New("job already queued")

const (
	guardPrefix    = "queue:job:"
	lockPrefix     = "queue:lock:"
	progressPrefix = "queue:progress:"
	delayedKey     = "queue:delayed"
)

type Options struct {
	Stream            string
	Group             string
	MaxAttempts       int
	InitialBackoff    time.Duration
	VisibilityTimeout time.Duration
	// GuardTTL bounds how long a lost guard key can block re-submission.
	GuardTTL    time.Duration
	ProgressTTL time.Duration
}

func (o *Options) applyDefaults() {
	if o.Stream == "" {
		o.Stream = "wallpaper:generate"
	}
	if o.Group == "" {
		o.Group = "wallpaper-workers"
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = time.Second
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 5 * time.Minute
	}
	if o.GuardTTL <= 0 {
		o.GuardTTL = 24 * time.Hour
	}
	if o.ProgressTTL <= 0 {
		o.ProgressTTL = time.Hour
	}
}

// Entry is one delivery of a job.
type Entry struct {
	MessageID string         `json:"-"`
	JobID     string         `json:"jobId"`
	Attempt   int            `json:"attempt"`
	Payload   models.Payload `json:"payload"`
}

type Queue struct {
	client redis.UniversalClient
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

func New(client redis.UniversalClient, opts Options, logger zerolog.Logger) *Queue {
	opts.applyDefaults()
	return &Queue{
		client: client,
		opts:   opts,
		logger: logger.With().Str("component", "queue").Logger(),
		now:    time.Now,
	}
}

func (q *Queue) Options() Options { return q.opts }

// EnsureGroup creates the stream and consumer group if missing.
func (q *Queue) EnsureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.opts.Stream, q.opts.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Enqueue adds the job unless an entry for the same job id is already
// queued, waiting for a retry, or being processed.
func (q *Queue) Enqueue(ctx context.Context, payload models.Payload) error {
	ok, err := q.client.SetNX(ctx, guardPrefix+payload.JobID, q.now().UnixMilli(), q.opts.GuardTTL).Result()
	if err != nil {
		return fmt.Errorf("enqueue guard: %w", err)
	}
	if !ok {
		return ErrAlreadyQueued
	}
	if err := q.add(ctx, Entry{JobID: payload.JobID, Attempt: 1, Payload: payload}); err != nil {
		q.client.Del(context.WithoutCancel(ctx), guardPrefix+payload.JobID)
		return err
	}
	return nil
}

// Reenqueue adds a fresh entry regardless of the guard. It is the
// reconciliation path for jobs stuck in processing; the per-job lock still
// keeps two workers from running the job at once.
func (q *Queue) Reenqueue(ctx context.Context, payload models.Payload) error {
	if err := q.client.Set(ctx, guardPrefix+payload.JobID, q.now().UnixMilli(), q.opts.GuardTTL).Err(); err != nil {
		return fmt.Errorf("reenqueue guard: %w", err)
	}
	return q.add(ctx, Entry{JobID: payload.JobID, Attempt: 1, Payload: payload})
}

func (q *Queue) add(ctx context.Context, entry Entry) error {
	body, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.opts.Stream,
		Values: map[string]any{
			"jobId":   entry.JobID,
			"attempt": strconv.Itoa(entry.Attempt),
			"payload": string(body),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	return nil
}

// Queued reports whether the job currently holds a queue guard.
func (q *Queue) Queued(ctx context.Context, jobID string) (bool, error) {
	n, err := q.client.Exists(ctx, guardPrefix+jobID).Result()
	return n > 0, err
}

// ScheduleRetry parks the next attempt of entry until its backoff elapses.
// It returns the delay applied.
func (q *Queue) ScheduleRetry(ctx context.Context, entry Entry) (time.Duration, error) {
	delay := q.Backoff(entry.Attempt)
	next := Entry{JobID: entry.JobID, Attempt: entry.Attempt + 1, Payload: entry.Payload}
	member, err := json.Marshal(next)
	if err != nil {
		return 0, fmt.Errorf("encode retry: %w", err)
	}
	due := q.now().Add(delay)
	if err := q.client.ZAdd(ctx, delayedKey, redis.Z{Score: float64(due.UnixMilli()), Member: string(member)}).Err(); err != nil {
		return 0, fmt.Errorf("schedule retry: %w", err)
	}
	// Keep the guard alive until the retry has run.
	q.client.Expire(ctx, guardPrefix+entry.JobID, q.opts.GuardTTL)
	return delay, nil
}

// Backoff returns the wait after the given failed attempt: the initial
// interval, doubled for every earlier attempt.
func (q *Queue) Backoff(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.opts.InitialBackoff
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = time.Hour
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// promoteEntry moves one delayed member onto the stream in a single step.
// When XADD fails the member goes back into the set with its due time, so
// a retry is never lost between the two writes.
var promoteEntry = redis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
	return 0
end
local res = redis.pcall("XADD", KEYS[2], "*", "jobId", ARGV[3], "attempt", ARGV[4], "payload", ARGV[5])
if type(res) ~= "string" then
	redis.call("ZADD", KEYS[1], ARGV[2], ARGV[1])
	local msg = "xadd failed"
	if type(res) == "table" and res.err then
		msg = res.err
	end
	return redis.error_reply(msg)
end
return 1
`)

// PromoteDue moves retries whose backoff has elapsed back onto the stream.
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	due, err := q.client.ZRangeByScoreWithScores(ctx, delayedKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(q.now().UnixMilli(), 10),
		Count: 100,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("read delayed: %w", err)
	}

	promoted := 0
	for _, z := range due {
		member, _ := z.Member.(string)
		var entry Entry
		if err := json.Unmarshal([]byte(member), &entry); err != nil {
			q.logger.Error().Err(err).Msg("dropping undecodable delayed entry")
			q.client.ZRem(ctx, delayedKey, member)
			continue
		}
		body, err := json.Marshal(entry.Payload)
		if err != nil {
			return promoted, fmt.Errorf("encode payload: %w", err)
		}
		moved, err := promoteEntry.Run(ctx, q.client,
			[]string{delayedKey, q.opts.Stream},
			member,
			strconv.FormatFloat(z.Score, 'f', -1, 64),
			entry.JobID,
			strconv.Itoa(entry.Attempt),
			string(body),
		).Int()
		if err != nil {
			return promoted, fmt.Errorf("promote %s: %w", entry.JobID, err)
		}
		// Zero means another promoter took it.
		promoted += moved
	}
	return promoted, nil
}

// Delayed returns the number of entries waiting for their backoff.
func (q *Queue) Delayed(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, delayedKey).Result()
}

// Done releases the job's guard after its final attempt.
func (q *Queue) Done(ctx context.Context, jobID string) error {
	return q.client.Del(ctx, guardPrefix+jobID).Err()
}

// Locked reports whether some worker currently holds the job.
func (q *Queue) Locked(ctx context.Context, jobID string) (bool, error) {
	n, err := q.client.Exists(ctx, lockPrefix+jobID).Result()
	return n > 0, err
}

func (q *Queue) acquire(ctx context.Context, jobID, owner string) (bool, error) {
	return q.client.SetNX(ctx, lockPrefix+jobID, owner, q.opts.VisibilityTimeout).Result()
}

var extendLock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// extend pushes the lock expiry out by another visibility timeout. It
// reports false once the lock is gone or owned by someone else.
func (q *Queue) extend(ctx context.Context, jobID, owner string) (bool, error) {
	n, err := extendLock.Run(ctx, q.client, []string{lockPrefix + jobID}, owner, q.opts.VisibilityTimeout.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// touch resets the idle time of a pending entry so claimStalled leaves it
// with the consumer that is still working on it.
func (q *Queue) touch(ctx context.Context, consumer, messageID string) error {
	return q.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   q.opts.Stream,
		Group:    q.opts.Group,
		Consumer: consumer,
		MinIdle:  0,
		Messages: []string{messageID},
	}).Err()
}

var releaseLock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (q *Queue) release(ctx context.Context, jobID, owner string) error {
	return releaseLock.Run(ctx, q.client, []string{lockPrefix + jobID}, owner).Err()
}

// SetProgress records an advisory completion percentage for the job.
func (q *Queue) SetProgress(ctx context.Context, jobID string, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return q.client.Set(ctx, progressPrefix+jobID, percent, q.opts.ProgressTTL).Err()
}

// Progress returns the last recorded percentage, or 0 when none was written.
func (q *Queue) Progress(ctx context.Context, jobID string) (int, error) {
	v, err := q.client.Get(ctx, progressPrefix+jobID).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return v, nil
}

func decodeEntry(msg redis.XMessage) (Entry, error) {
	entry := Entry{MessageID: msg.ID}
	jobID, _ := msg.Values["jobId"].(string)
	body, _ := msg.Values["payload"].(string)
	if jobID == "" || body == "" {
		return entry, fmt.Errorf("message %s: missing jobId or payload", msg.ID)
	}
	entry.JobID = jobID

	entry.Attempt = 1
	if raw, ok := msg.Values["attempt"].(string); ok {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return entry, fmt.Errorf("message %s: attempt %q: %w", msg.ID, raw, err)
		}
		entry.Attempt = n
	}

	if err := json.Unmarshal([]byte(body), &entry.Payload); err != nil {
		return entry, fmt.Errorf("message %s: decode payload: %w", msg.ID, err)
	}
	return entry, nil
}
