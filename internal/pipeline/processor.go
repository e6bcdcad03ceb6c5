// Package pipeline runs one generation job: render once, then transform,
// optionally enhance, and store a bitmap per requested device.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"mapwall/internal/apperr"
	"mapwall/internal/catalog"
	"mapwall/internal/enhance"
	"mapwall/internal/models"
	"mapwall/internal/queue"
	"mapwall/internal/repository"
	"mapwall/internal/storage"
	"mapwall/internal/telemetry"
	"mapwall/internal/transform"
)

type Snapshotter interface {
	Render(ctx context.Context, viewport models.Viewport, theme catalog.Theme, width, height int) (image.Image, error)
}

type ProgressReporter interface {
	SetProgress(ctx context.Context, jobID string, percent int) error
}

// cleanupTimeout bounds failure bookkeeping that runs after the attempt
// context has expired.
const cleanupTimeout = 15 * time.Second

type Options struct {
	// TempURLTTL bounds how long the enhancement service may fetch the
	// pre-enhancement upload.
	TempURLTTL time.Duration
}

type Processor struct {
	store    repository.JobStore
	progress ProgressReporter
	catalog  *catalog.Catalog
	renderer Snapshotter
	enhancer *enhance.Enhancer
	gateway  storage.Gateway
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time
}

func NewProcessor(
	store repository.JobStore,
	progress ProgressReporter,
	cat *catalog.Catalog,
	renderer Snapshotter,
	enhancer *enhance.Enhancer,
	gateway storage.Gateway,
	opts Options,
	logger zerolog.Logger,
) *Processor {
	if opts.TempURLTTL <= 0 {
		opts.TempURLTTL = 30 * time.Minute
	}
	return &Processor{
		store:    store,
		progress: progress,
		catalog:  cat,
		renderer: renderer,
		enhancer: enhancer,
		gateway:  gateway,
		opts:     opts,
		logger:   logger.With().Str("component", "processor").Logger(),
		now:      time.Now,
	}
}

// Handle runs one queue delivery. The returned error decides whether the
// queue tries again; the job row already carries the failure by then.
func (p *Processor) Handle(ctx context.Context, entry queue.Entry) error {
	logger := p.logger.With().Str("job_id", entry.JobID).Int("attempt", entry.Attempt).Logger()

	job, err := p.store.Get(ctx, entry.JobID)
	if errors.Is(err, repository.ErrJobNotFound) {
		logger.Warn().Msg("job no longer exists, skipping")
		return nil
	}
	if err != nil {
		return err
	}

	switch job.Status {
	case models.JobStatusCompleted:
		logger.Info().Msg("job already completed, skipping duplicate delivery")
		return nil
	case models.JobStatusFailed:
		if err := p.store.ResetForRetry(ctx, job.ID); err != nil {
			return fmt.Errorf("reset for retry: %w", err)
		}
	}
	if err := p.store.MarkProcessing(ctx, job.ID); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	p.report(ctx, job.ID, 5)

	ctx, span := telemetry.Tracer("pipeline").Start(ctx, "pipeline.job")
	defer span.End()
	span.SetAttributes(
		attribute.String("job_id", job.ID),
		attribute.Int("attempt", entry.Attempt),
		attribute.StringSlice("devices", job.Devices),
	)

	var uploaded []string
	if err := p.run(ctx, job, &uploaded, logger); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		// The attempt context may already be past its deadline.
		cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		p.discard(cleanup, uploaded, logger)
		if markErr := p.store.MarkFailed(cleanup, job.ID, apperr.PublicMessage(err)); markErr != nil {
			logger.Error().Err(markErr).Msg("mark failed")
		}
		return err
	}

	if err := p.store.MarkCompleted(ctx, job.ID); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	p.report(ctx, job.ID, 100)
	return nil
}

type target struct {
	device catalog.Device
	anchor catalog.Anchor
}

// resolve checks everything the job names against the catalog before any
// rendering starts.
func (p *Processor) resolve(job models.Job) (catalog.Theme, []target, error) {
	theme, ok := p.catalog.Theme(job.Theme)
	if !ok {
		return catalog.Theme{}, nil, apperr.Validation("theme", "unknown theme %q", job.Theme)
	}

	var anchor catalog.Anchor
	if job.CropPosition != "" {
		a, err := catalog.ParseAnchor(job.CropPosition)
		if err != nil {
			return catalog.Theme{}, nil, apperr.Validation("cropPosition", "%v", err)
		}
		anchor = a
	}

	if len(job.Devices) == 0 {
		return catalog.Theme{}, nil, apperr.Validation("devices", "at least one device is required")
	}
	seen := make(map[string]bool, len(job.Devices))
	targets := make([]target, 0, len(job.Devices))
	for _, id := range job.Devices {
		if seen[id] {
			continue
		}
		seen[id] = true
		device, ok := p.catalog.Device(id)
		if !ok {
			return catalog.Theme{}, nil, apperr.Validation("devices", "unknown device %q", id)
		}
		a := anchor
		if a == "" {
			a = device.Anchor()
		}
		targets = append(targets, target{device: device, anchor: a})
	}
	return theme, targets, nil
}

func (p *Processor) run(ctx context.Context, job models.Job, uploaded *[]string, logger zerolog.Logger) error {
	theme, targets, err := p.resolve(job)
	if err != nil {
		return err
	}

	maxW, maxH := 0, 0
	for _, t := range targets {
		maxW = max(maxW, t.device.Width)
		maxH = max(maxH, t.device.Height)
	}

	// One render serves every device of the job.
	base, err := p.renderer.Render(ctx, job.Viewport, theme, maxW, maxH)
	if err != nil {
		return err
	}
	p.report(ctx, job.ID, 30)

	useAI := enhance.Wants(job.AI) && p.enhancer.Available()
	if enhance.Wants(job.AI) && !p.enhancer.Available() {
		logger.Debug().Msg("enhancement service not configured, skipping AI")
	}

	images := make([]models.GeneratedImage, 0, len(targets))
	for i, t := range targets {
		img, err := p.device(ctx, job, theme, t, base, useAI, logger)
		if err != nil {
			return err
		}
		if img.Kind == models.PayloadObject {
			*uploaded = append(*uploaded, img.Payload)
		}
		images = append(images, img)
		p.report(ctx, job.ID, 30+60*(i+1)/len(targets))
	}

	if err := p.store.SaveImages(ctx, images); err != nil {
		return fmt.Errorf("save images: %w", err)
	}
	return nil
}

func (p *Processor) device(ctx context.Context, job models.Job, theme catalog.Theme, t target, base image.Image, useAI bool, logger zerolog.Logger) (models.GeneratedImage, error) {
	ctx, span := telemetry.Tracer("pipeline").Start(ctx, "pipeline.device")
	defer span.End()
	span.SetAttributes(attribute.String("device", t.device.ID), attribute.String("anchor", string(t.anchor)))

	out, err := transform.Transform(base, t.device, theme, t.anchor)
	if err != nil {
		return models.GeneratedImage{}, err
	}
	data, err := transform.Encode(out)
	if err != nil {
		return models.GeneratedImage{}, &apperr.TransformError{Device: t.device.ID, Err: err}
	}
	width, height := t.device.Width, t.device.Height

	if useAI {
		in := enhance.Input{
			JobID:   job.ID,
			Device:  t.device.ID,
			Image:   data,
			Width:   width,
			Height:  height,
			Theme:   theme,
			Options: job.AI,
		}
		in.SourceURL = p.stageTemp(ctx, job.ID, t.device.ID, data, logger)
		res := p.enhancer.Enhance(ctx, in)
		data, width, height = res.Image, res.Width, res.Height
	}

	key := storage.WallpaperKey(job.ID, t.device.ID, theme.ID, p.now())
	payload, err := p.gateway.Put(ctx, key, data, "image/png")
	if err != nil {
		var sf *apperr.StorageFailure
		if !errors.As(err, &sf) {
			err = &apperr.StorageFailure{Key: key, Err: err}
		}
		return models.GeneratedImage{}, err
	}

	return models.GeneratedImage{
		JobID:     job.ID,
		Device:    t.device.ID,
		Kind:      p.gateway.Kind(),
		Payload:   payload,
		Width:     width,
		Height:    height,
		SizeBytes: int64(len(data)),
	}, nil
}

// stageTemp uploads the pre-enhancement bitmap so the enhancement service
// can fetch it by URL. Inline storage has nothing to fetch from, and any
// failure here only means the bytes are sent inline instead.
func (p *Processor) stageTemp(ctx context.Context, jobID, device string, data []byte, logger zerolog.Logger) string {
	if p.gateway.Kind() != models.PayloadObject {
		return ""
	}
	key := storage.TempKey(jobID, device)
	ref, err := p.gateway.Put(ctx, key, data, "image/png")
	if err != nil {
		logger.Warn().Err(err).Str("device", device).Msg("temp upload failed, sending image inline")
		return ""
	}
	u, err := p.gateway.SignedURL(ctx, models.GeneratedImage{JobID: jobID, Device: device, Kind: models.PayloadObject, Payload: ref}, p.opts.TempURLTTL)
	if err != nil {
		logger.Warn().Err(err).Str("device", device).Msg("presign temp upload failed, sending image inline")
		return ""
	}
	return u
}

// discard drops the objects this attempt uploaded. No image row points at
// them yet, and objects written by any other attempt are left alone.
func (p *Processor) discard(ctx context.Context, keys []string, logger zerolog.Logger) {
	removed := 0
	for _, key := range keys {
		n, err := p.gateway.DeletePrefix(ctx, key, time.Time{})
		if err != nil {
			logger.Warn().Err(err).Str("key", key).Msg("discard partial upload")
			continue
		}
		removed += n
	}
	if removed > 0 {
		logger.Debug().Int("objects", removed).Msg("discarded partial uploads")
	}
}

func (p *Processor) report(ctx context.Context, jobID string, percent int) {
	if p.progress == nil {
		return
	}
	if err := p.progress.SetProgress(ctx, jobID, percent); err != nil {
		p.logger.Debug().Err(err).Str("job_id", jobID).Msg("progress update failed")
	}
}
