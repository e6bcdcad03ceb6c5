package ratelimit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"mapwall/internal/metrics"
)

type Config struct {
	MaxRequests int
	Window      time.Duration
	ScopePrefix string
}

type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
	Limit     int
}

// Limiter applies one sliding-window limit. Callers compose several
// limiters for several scopes.
type Limiter struct {
	cfg      Config
	shared   Counter
	fallback Counter
	logger   zerolog.Logger
	now      func() time.Time
}

type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New builds a limiter. shared may be nil, in which case every check is
// answered by the local counter.
func New(cfg Config, shared Counter, local *LocalCounter, logger zerolog.Logger, opts ...Option) *Limiter {
	if local == nil {
		local = NewLocalCounter(0)
	}
	l := &Limiter{
		cfg:      cfg,
		shared:   shared,
		fallback: local,
		logger:   logger.With().Str("component", "ratelimit").Str("scope", cfg.ScopePrefix).Logger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) Key(identity string) string {
	return "ratelimit:" + l.cfg.ScopePrefix + ":" + identity
}

// Check records one attempt for identity. It never returns an error: a
// failing shared store degrades to the local counter for this call.
func (l *Limiter) Check(ctx context.Context, identity string) Result {
	now := l.now()
	key := l.Key(identity)

	var (
		hit Hit
		err error
	)
	if l.shared != nil {
		hit, err = l.shared.Hit(ctx, key, now, l.cfg.Window)
		if err != nil {
			l.logger.Warn().Err(err).Str("key", key).Msg("shared counter unavailable, using local fallback")
			metrics.RateLimitFallbacks.WithLabelValues(l.cfg.ScopePrefix).Inc()
		}
	}
	if l.shared == nil || err != nil {
		// LocalCounter never fails.
		hit, _ = l.fallback.Hit(ctx, key, now, l.cfg.Window)
	}

	res := Result{
		Allowed: hit.Count < l.cfg.MaxRequests,
		ResetAt: hit.Oldest.Add(l.cfg.Window),
		Limit:   l.cfg.MaxRequests,
	}
	if res.Allowed {
		res.Remaining = l.cfg.MaxRequests - hit.Count - 1
		metrics.RateLimitDecisions.WithLabelValues(l.cfg.ScopePrefix, "allowed").Inc()
	} else {
		metrics.RateLimitDecisions.WithLabelValues(l.cfg.ScopePrefix, "denied").Inc()
	}
	return res
}

func (l *Limiter) Config() Config {
	return l.cfg
}
