package render

import "context"

// Surface hands out isolated pages on a shared rendering engine.
type Surface interface {
	Acquire(ctx context.Context, width, height int) (Page, error)
	Close() error
}

// Page is one rendering context owned by a single job.
type Page interface {
	Load(ctx context.Context, html string) (*Ready, error)
	Capture(ctx context.Context) ([]byte, error)
	Release()
}
