// Package rendertest provides an in-memory render.Surface for tests.
package rendertest

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"sync/atomic"

	"mapwall/internal/render"
)

// Surface draws a deterministic gradient instead of a map. Pages become
// ready immediately unless Hang is set.
type Surface struct {
	// Hang leaves every page unready so renders run into their timeout.
	Hang bool
	// LoadErr is returned from Page.Load when set.
	LoadErr error

	acquired atomic.Int64
	released atomic.Int64

	mu    sync.Mutex
	sizes [][2]int
	html  []string
}

func (s *Surface) Acquire(_ context.Context, width, height int) (render.Page, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.New("invalid page size")
	}
	s.acquired.Add(1)
	s.mu.Lock()
	s.sizes = append(s.sizes, [2]int{width, height})
	s.mu.Unlock()
	return &page{surface: s, width: width, height: height}, nil
}

func (s *Surface) Close() error { return nil }

// Acquired is the number of pages handed out.
func (s *Surface) Acquired() int { return int(s.acquired.Load()) }

// Released is the number of pages given back.
func (s *Surface) Released() int { return int(s.released.Load()) }

// Sizes lists the requested page sizes in order.
func (s *Surface) Sizes() [][2]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][2]int(nil), s.sizes...)
}

// Documents lists the loaded page documents in order.
func (s *Surface) Documents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.html...)
}

type page struct {
	surface *Surface
	width   int
	height  int
}

func (p *page) Load(_ context.Context, html string) (*render.Ready, error) {
	if p.surface.LoadErr != nil {
		return nil, p.surface.LoadErr
	}
	p.surface.mu.Lock()
	p.surface.html = append(p.surface.html, html)
	p.surface.mu.Unlock()

	ready := render.NewReady()
	if !p.surface.Hang {
		ready.Resolve(nil)
	}
	return ready, nil
}

func (p *page) Capture(_ context.Context) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, Gradient(p.width, p.height)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (p *page) Release() {
	p.surface.released.Add(1)
}

// Gradient is the image every fake page captures.
func Gradient(width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8(x * 255 / width),
				G: uint8(y * 255 / height),
				B: 160,
				A: 255,
			})
		}
	}
	return img
}
