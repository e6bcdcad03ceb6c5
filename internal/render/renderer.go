// Package render turns a viewport and theme into a base snapshot by driving
// a headless map page.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"mapwall/internal/apperr"
	"mapwall/internal/catalog"
	"mapwall/internal/metrics"
	"mapwall/internal/models"
	"mapwall/internal/telemetry"
)

type Options struct {
	MaxSize int
	Timeout time.Duration
	Settle  time.Duration
}

type Renderer struct {
	surface Surface
	opts    Options
	logger  zerolog.Logger
}

func NewRenderer(surface Surface, opts Options, logger zerolog.Logger) *Renderer {
	if opts.MaxSize <= 0 {
		opts.MaxSize = 2048
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Settle < 0 {
		opts.Settle = 0
	}
	return &Renderer{
		surface: surface,
		opts:    opts,
		logger:  logger.With().Str("component", "renderer").Logger(),
	}
}

// WorkingSize is the edge of the square canvas used for a target of
// width x height: the larger dimension, capped at limit.
func WorkingSize(width, height, limit int) int {
	size := width
	if height > size {
		size = height
	}
	if size > limit {
		size = limit
	}
	return size
}

// Render produces one square snapshot large enough for width x height. It
// waits for the page's readiness signal plus the settle interval and gives
// up with a RenderTimeoutError once the timeout is spent.
func (r *Renderer) Render(ctx context.Context, viewport models.Viewport, theme catalog.Theme, width, height int) (image.Image, error) {
	size := WorkingSize(width, height, r.opts.MaxSize)
	if size <= 0 {
		return nil, fmt.Errorf("render: invalid target %dx%d", width, height)
	}

	ctx, span := telemetry.Tracer("render").Start(ctx, "render.snapshot")
	defer span.End()
	span.SetAttributes(attribute.String("theme", theme.ID), attribute.Int("size", size))

	started := time.Now()
	img, err := r.render(ctx, viewport, theme, size)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	elapsed := time.Since(started)
	metrics.RenderDuration.Observe(elapsed.Seconds())
	r.logger.Debug().Str("theme", theme.ID).Int("size", size).Dur("elapsed", elapsed).Msg("snapshot rendered")
	return img, nil
}

func (r *Renderer) render(parent context.Context, viewport models.Viewport, theme catalog.Theme, size int) (image.Image, error) {
	ctx, cancel := context.WithTimeout(parent, r.opts.Timeout)
	defer cancel()

	timedOut := func(err error) error {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &apperr.RenderTimeoutError{After: r.opts.Timeout}
		}
		return err
	}

	html, err := BuildPage(viewport, theme.StyleURL, size)
	if err != nil {
		return nil, err
	}

	page, err := r.surface.Acquire(ctx, size, size)
	if err != nil {
		return nil, timedOut(fmt.Errorf("acquire page: %w", err))
	}
	defer page.Release()

	ready, err := page.Load(ctx, html)
	if err != nil {
		return nil, timedOut(fmt.Errorf("load page: %w", err))
	}
	if err := ready.Wait(ctx); err != nil {
		return nil, timedOut(fmt.Errorf("wait for map: %w", err))
	}

	if r.opts.Settle > 0 {
		settle := time.NewTimer(r.opts.Settle)
		select {
		case <-settle.C:
		case <-ctx.Done():
			settle.Stop()
			return nil, timedOut(ctx.Err())
		}
	}

	shot, err := page.Capture(ctx)
	if err != nil {
		return nil, timedOut(fmt.Errorf("capture: %w", err))
	}
	img, err := png.Decode(bytes.NewReader(shot))
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return img, nil
}
