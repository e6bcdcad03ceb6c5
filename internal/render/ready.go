package render

import (
	"context"
	"sync"
)

// Ready resolves once the page reports its content as loaded.
type Ready struct {
	once sync.Once
	done chan struct{}
	err  error
}

func NewReady() *Ready {
	return &Ready{done: make(chan struct{})}
}

// Resolve completes the future. Only the first call has an effect.
func (r *Ready) Resolve(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

// Wait returns when the page is ready or ctx ends, whichever comes first.
func (r *Ready) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
