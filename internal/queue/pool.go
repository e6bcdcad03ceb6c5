package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"mapwall/internal/apperr"
	"mapwall/internal/metrics"
)

type Handler interface {
	Handle(ctx context.Context, entry Entry) error
}

type HandlerFunc func(ctx context.Context, entry Entry) error

func (f HandlerFunc) Handle(ctx context.Context, entry Entry) error { return f(ctx, entry) }

type PoolOptions struct {
	Size            int
	ConsumerPrefix  string
	Block           time.Duration
	ClaimInterval   time.Duration
	PromoteInterval time.Duration
	// AttemptTimeout bounds a single handler run. It is kept below the
	// queue's visibility timeout.
	AttemptTimeout time.Duration
	// HeartbeatInterval is how often a running entry renews its lock and
	// pending idle time.
	HeartbeatInterval time.Duration
}

// Pool runs a fixed number of stream consumers. Each consumer handles one
// entry to the end before reading the next.
type Pool struct {
	queue   *Queue
	handler Handler
	opts    PoolOptions
	logger  zerolog.Logger
}

func NewPool(q *Queue, handler Handler, opts PoolOptions, logger zerolog.Logger) *Pool {
	if opts.Size <= 0 {
		opts.Size = 2
	}
	if opts.ConsumerPrefix == "" {
		opts.ConsumerPrefix = "worker"
	}
	if opts.Block <= 0 {
		opts.Block = 5 * time.Second
	}
	if opts.ClaimInterval <= 0 {
		opts.ClaimInterval = 30 * time.Second
	}
	if opts.PromoteInterval <= 0 {
		opts.PromoteInterval = 500 * time.Millisecond
	}
	visibility := q.opts.VisibilityTimeout
	if opts.AttemptTimeout <= 0 || opts.AttemptTimeout >= visibility {
		opts.AttemptTimeout = visibility - visibility/5
	}
	if opts.HeartbeatInterval <= 0 || opts.HeartbeatInterval >= visibility {
		opts.HeartbeatInterval = visibility / 3
	}
	return &Pool{
		queue:   q,
		handler: handler,
		opts:    opts,
		logger:  logger.With().Str("component", "pool").Logger(),
	}
}

// Run blocks until ctx is cancelled and all consumers have finished their
// current entry.
func (p *Pool) Run(ctx context.Context) error {
	if err := p.queue.EnsureGroup(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	for i := 0; i < p.opts.Size; i++ {
		c := &consumer{
			pool: p,
			name: fmt.Sprintf("%s-%d", p.opts.ConsumerPrefix, i),
		}
		c.logger = p.logger.With().Str("consumer", c.name).Logger()
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.run(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.promote(ctx)
	}()

	p.logger.Info().Int("size", p.opts.Size).Msg("worker pool started")
	wg.Wait()
	p.logger.Info().Msg("worker pool stopped")
	return nil
}

func (p *Pool) promote(ctx context.Context) {
	ticker := time.NewTicker(p.opts.PromoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := p.queue.PromoteDue(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error().Err(err).Msg("promote delayed entries")
			} else if n > 0 {
				p.logger.Debug().Int("count", n).Msg("promoted delayed entries")
			}
		}
	}
}

type consumer struct {
	pool   *Pool
	name   string
	logger zerolog.Logger
}

func (c *consumer) run(ctx context.Context) {
	ticker := time.NewTicker(c.pool.opts.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			if err := c.read(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error().Err(err).Msg("stream read error")
				select {
				case <-ctx.Done():
				case <-time.After(2 * time.Second):
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.claimStalled(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error().Err(err).Msg("claim stalled entries")
			}
		default:
		}
	}
}

func (c *consumer) read(ctx context.Context) error {
	q := c.pool.queue
	result, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.opts.Group,
		Consumer: c.name,
		Streams:  []string{q.opts.Stream, ">"},
		Count:    1,
		Block:    c.pool.opts.Block,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}

	for _, stream := range result {
		for _, msg := range stream.Messages {
			c.process(ctx, msg)
		}
	}
	return nil
}

// claimStalled takes over entries another consumer read but never acked
// within the visibility timeout.
func (c *consumer) claimStalled(ctx context.Context) error {
	q := c.pool.queue
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.opts.Stream,
		Group:  q.opts.Group,
		Start:  "-",
		End:    "+",
		Count:  10,
	}).Result()
	if err != nil {
		return err
	}

	for _, entry := range pending {
		if entry.Idle < q.opts.VisibilityTimeout {
			continue
		}
		msgs, err := q.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   q.opts.Stream,
			Group:    q.opts.Group,
			Consumer: c.name,
			MinIdle:  q.opts.VisibilityTimeout,
			Messages: []string{entry.ID},
		}).Result()
		if err != nil {
			c.logger.Error().Err(err).Str("message_id", entry.ID).Msg("claim error")
			continue
		}
		for _, msg := range msgs {
			c.logger.Warn().Str("message_id", msg.ID).Int64("deliveries", entry.RetryCount).Msg("redelivering stalled entry")
			c.process(ctx, msg)
		}
	}
	return nil
}

// process runs one delivery and always acks it: the outcome is either done,
// parked as a delayed retry, or dropped as a duplicate.
func (c *consumer) process(ctx context.Context, msg redis.XMessage) {
	q := c.pool.queue
	// A picked-up entry runs to the end even when shutdown starts.
	work := context.WithoutCancel(ctx)

	defer func() {
		if err := q.client.XAck(work, q.opts.Stream, q.opts.Group, msg.ID).Err(); err != nil {
			c.logger.Error().Err(err).Str("message_id", msg.ID).Msg("ack failed")
		}
	}()

	entry, err := decodeEntry(msg)
	if err != nil {
		c.logger.Error().Err(err).Msg("dropping malformed entry")
		return
	}
	logger := c.logger.With().Str("job_id", entry.JobID).Int("attempt", entry.Attempt).Logger()

	owner := c.name + ":" + msg.ID
	held, err := q.acquire(work, entry.JobID, owner)
	if err != nil {
		logger.Error().Err(err).Msg("acquire job lock")
		return
	}
	if !held {
		logger.Info().Msg("job is held by another worker, dropping duplicate delivery")
		return
	}
	defer func() {
		if err := q.release(work, entry.JobID, owner); err != nil {
			logger.Warn().Err(err).Msg("release job lock")
		}
	}()

	handleErr := c.handle(work, entry, msg.ID, owner, logger)
	switch {
	case handleErr == nil:
		metrics.JobsProcessed.WithLabelValues("completed").Inc()
		logger.Info().Msg("job finished")
	case apperr.Retryable(handleErr) && entry.Attempt < q.opts.MaxAttempts:
		delay, err := q.ScheduleRetry(work, entry)
		if err != nil {
			logger.Error().Err(err).Msg("schedule retry failed")
			break
		}
		metrics.JobsProcessed.WithLabelValues("retry").Inc()
		metrics.QueueRetries.Inc()
		logger.Warn().Err(handleErr).Dur("backoff", delay).Msg("attempt failed, retry scheduled")
		return
	default:
		metrics.JobsProcessed.WithLabelValues("failed").Inc()
		logger.Error().Err(handleErr).Msg("job failed")
	}

	if err := q.Done(work, entry.JobID); err != nil {
		logger.Warn().Err(err).Msg("release queue guard")
	}
}

// handle runs the handler under the attempt deadline while a heartbeat keeps
// the lock and the pending entry fresh, so neither the stale claim nor a
// second delivery picks the job up mid-run.
func (c *consumer) handle(ctx context.Context, entry Entry, messageID, owner string, logger zerolog.Logger) error {
	beat, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.heartbeat(beat, entry.JobID, messageID, owner, logger)
	}()
	defer func() {
		stop()
		wg.Wait()
	}()

	attempt, cancel := context.WithTimeout(ctx, c.pool.opts.AttemptTimeout)
	defer cancel()
	err := c.pool.handler.Handle(attempt, entry)
	if err != nil && errors.Is(attempt.Err(), context.DeadlineExceeded) {
		logger.Warn().Dur("timeout", c.pool.opts.AttemptTimeout).Msg("attempt deadline reached")
	}
	return err
}

func (c *consumer) heartbeat(ctx context.Context, jobID, messageID, owner string, logger zerolog.Logger) {
	q := c.pool.queue
	ticker := time.NewTicker(c.pool.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, err := q.extend(ctx, jobID, owner)
			switch {
			case err != nil && ctx.Err() == nil:
				logger.Warn().Err(err).Msg("extend job lock")
			case err == nil && !held:
				logger.Warn().Msg("job lock lost while running")
			}
			if err := q.touch(ctx, c.name, messageID); err != nil && ctx.Err() == nil {
				logger.Warn().Err(err).Msg("refresh pending entry")
			}
		}
	}
}
