package render_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mapwall/internal/apperr"
	"mapwall/internal/catalog"
	"mapwall/internal/models"
	"mapwall/internal/render"
	"mapwall/internal/render/rendertest"
)

var nyc = models.Viewport{Latitude: 40.7128, Longitude: -74.0060, Zoom: 12, Bearing: 15, Pitch: 30}

func theme(t *testing.T) catalog.Theme {
	t.Helper()
	th, ok := catalog.Default().Theme("midnight-gold")
	require.True(t, ok)
	return th
}

func TestWorkingSize(t *testing.T) {
	assert.Equal(t, 2532, render.WorkingSize(1170, 2532, 4096))
	assert.Equal(t, 2048, render.WorkingSize(1170, 2532, 2048))
	assert.Equal(t, 1920, render.WorkingSize(1920, 1080, 2048))
	assert.Equal(t, 2048, render.WorkingSize(3840, 2160, 2048))
}

func TestRenderCapturesSquareSnapshot(t *testing.T) {
	surface := &rendertest.Surface{}
	r := render.NewRenderer(surface, render.Options{MaxSize: 256, Timeout: time.Second}, zerolog.Nop())

	img, err := r.Render(context.Background(), nyc, theme(t), 1170, 2532)
	require.NoError(t, err)

	assert.Equal(t, 256, img.Bounds().Dx())
	assert.Equal(t, 256, img.Bounds().Dy())
	assert.Equal(t, [][2]int{{256, 256}}, surface.Sizes())
	assert.Equal(t, 1, surface.Acquired())
	assert.Equal(t, 1, surface.Released())
}

func TestRenderLoadsMapDocument(t *testing.T) {
	surface := &rendertest.Surface{}
	r := render.NewRenderer(surface, render.Options{MaxSize: 64, Timeout: time.Second}, zerolog.Nop())
	_, err := r.Render(context.Background(), nyc, theme(t), 64, 64)
	require.NoError(t, err)

	docs := surface.Documents()
	require.Len(t, docs, 1)
	assert.Contains(t, docs[0], "tiles.openfreemap.org")
	assert.Contains(t, docs[0], "window.mapReady(")
	assert.Contains(t, docs[0], "-74.006")
	assert.Contains(t, docs[0], "width: 64px")
}

func TestRenderTimesOutWithoutReadiness(t *testing.T) {
	surface := &rendertest.Surface{Hang: true}
	r := render.NewRenderer(surface, render.Options{MaxSize: 64, Timeout: 50 * time.Millisecond}, zerolog.Nop())

	started := time.Now()
	_, err := r.Render(context.Background(), nyc, theme(t), 64, 64)
	require.Error(t, err)

	var timeout *apperr.RenderTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 50*time.Millisecond, timeout.After)
	assert.True(t, strings.Contains(apperr.PublicMessage(err), "timed out"))
	assert.True(t, apperr.Retryable(err))
	assert.Less(t, time.Since(started), time.Second)
	// The page is released on the error path too.
	assert.Equal(t, 1, surface.Released())
}

func TestRenderTimesOutDuringSettle(t *testing.T) {
	surface := &rendertest.Surface{}
	r := render.NewRenderer(surface, render.Options{
		MaxSize: 64,
		Timeout: 30 * time.Millisecond,
		Settle:  time.Second,
	}, zerolog.Nop())

	_, err := r.Render(context.Background(), nyc, theme(t), 64, 64)
	var timeout *apperr.RenderTimeoutError
	assert.ErrorAs(t, err, &timeout)
	assert.Equal(t, 1, surface.Released())
}

func TestRenderPropagatesLoadErrors(t *testing.T) {
	surface := &rendertest.Surface{LoadErr: errors.New("tab crashed")}
	r := render.NewRenderer(surface, render.Options{MaxSize: 64, Timeout: time.Second}, zerolog.Nop())

	_, err := r.Render(context.Background(), nyc, theme(t), 64, 64)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tab crashed")
	var timeout *apperr.RenderTimeoutError
	assert.False(t, errors.As(err, &timeout))
	assert.Equal(t, 1, surface.Released())
}

func TestReadyResolvesOnce(t *testing.T) {
	ready := render.NewReady()
	ready.Resolve(nil)
	ready.Resolve(errors.New("late"))
	assert.NoError(t, ready.Wait(context.Background()))

	pending := render.NewReady()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pending.Wait(ctx), context.DeadlineExceeded)
}
