package storage

import (
	"context"
	"fmt"
	"time"

	"mapwall/internal/models"
)

// Gateway persists generated bitmaps and hands out retrieval URLs.
type Gateway interface {
	Kind() models.PayloadKind
	// Put stores data under key and returns the payload reference to keep
	// on the image row.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, image models.GeneratedImage) ([]byte, error)
	SignedURL(ctx context.Context, image models.GeneratedImage, ttl time.Duration) (string, error)
	// DeletePrefix removes objects under prefix last modified before
	// olderThan. A zero olderThan removes all of them.
	DeletePrefix(ctx context.Context, prefix string, olderThan time.Time) (int, error)
}

func WallpaperKey(jobID, device, theme string, at time.Time) string {
	return fmt.Sprintf("wallpapers/%s/%s-%s-%d.png", jobID, device, theme, at.UnixMilli())
}

func TempKey(jobID, device string) string {
	return fmt.Sprintf("temp/%s/%s-base.png", jobID, device)
}

const TempPrefix = "temp/"
