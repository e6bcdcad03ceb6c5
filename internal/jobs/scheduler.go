// Package jobs runs the worker's periodic maintenance: re-queueing jobs
// stuck in processing and collecting stale temp uploads.
package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"mapwall/internal/models"
	"mapwall/internal/storage"
)

type StaleLister interface {
	ListStaleProcessing(ctx context.Context, startedBefore time.Time, limit int) ([]models.Job, error)
}

type Requeuer interface {
	Reenqueue(ctx context.Context, payload models.Payload) error
	Locked(ctx context.Context, jobID string) (bool, error)
}

type Sweeper interface {
	DeletePrefix(ctx context.Context, prefix string, olderThan time.Time) (int, error)
}

type Options struct {
	StaleAfter time.Duration
	TempMaxAge time.Duration
	BatchSize  int
}

type Scheduler struct {
	cron    *cron.Cron
	jobs    StaleLister
	queue   Requeuer
	sweeper Sweeper
	opts    Options
	log     zerolog.Logger
	now     func() time.Time
}

func NewScheduler(jobs StaleLister, queue Requeuer, sweeper Sweeper, opts Options, log zerolog.Logger) *Scheduler {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 10 * time.Minute
	}
	if opts.TempMaxAge <= 0 {
		opts.TempMaxAge = 24 * time.Hour
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		jobs:    jobs,
		queue:   queue,
		sweeper: sweeper,
		opts:    opts,
		log:     log.With().Str("component", "scheduler").Logger(),
		now:     time.Now,
	}
}

func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc("0 * * * * *", s.run("stale sweep", s.SweepStale)); err != nil {
		return err
	}
	if s.sweeper != nil {
		if _, err := s.cron.AddFunc("0 15 * * * *", s.run("temp collection", s.CollectTemp)); err != nil { // hourly
			return err
		}
	}

	s.cron.Start()
	return nil
}

// Stop prevents new runs and returns a context done once running ones end.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) run(name string, fn func(context.Context) (int, error)) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Second)
		defer cancel()
		n, err := fn(ctx)
		if err != nil {
			s.log.Error().Err(err).Str("task", name).Msg("scheduled task failed")
			return
		}
		if n > 0 {
			s.log.Info().Str("task", name).Int("count", n).Msg("scheduled task done")
		}
	}
}

// SweepStale re-queues jobs that have sat in processing longer than
// StaleAfter with no worker holding them.
func (s *Scheduler) SweepStale(ctx context.Context) (int, error) {
	stale, err := s.jobs.ListStaleProcessing(ctx, s.now().Add(-s.opts.StaleAfter), s.opts.BatchSize)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, job := range stale {
		locked, err := s.queue.Locked(ctx, job.ID)
		if err != nil {
			return requeued, err
		}
		if locked {
			continue
		}
		if err := s.queue.Reenqueue(ctx, job.Payload()); err != nil {
			s.log.Error().Err(err).Str("job_id", job.ID).Msg("re-enqueue stale job failed")
			continue
		}
		s.log.Warn().Str("job_id", job.ID).Msg("stale job re-enqueued")
		requeued++
	}
	return requeued, nil
}

func (s *Scheduler) CollectTemp(ctx context.Context) (int, error) {
	return s.sweeper.DeletePrefix(ctx, storage.TempPrefix, s.now().Add(-s.opts.TempMaxAge))
}
