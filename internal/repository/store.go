package repository

import (
	"context"
	"errors"
	"time"

	"mapwall/internal/models"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrJobExists         = errors.New("job already exists")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// JobStore persists jobs and their generated images. Status changes are
// targeted updates guarded on the current status, so a transition that is
// not allowed from the stored state fails with ErrInvalidTransition instead
// of overwriting it.
type JobStore interface {
	Create(ctx context.Context, job models.Job) error
	Get(ctx context.Context, id string) (models.Job, error)

	// MarkProcessing moves a pending job to processing. A job already in
	// processing is accepted again so a redelivered entry can resume.
	MarkProcessing(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string) error
	// MarkFailed records message and stamps completed_at if it is unset.
	MarkFailed(ctx context.Context, id, message string) error
	// ResetForRetry moves a failed job back to pending and clears the
	// failure so a new attempt does not expose stale state.
	ResetForRetry(ctx context.Context, id string) error
	ListStaleProcessing(ctx context.Context, startedBefore time.Time, limit int) ([]models.Job, error)

	// SaveImages upserts all images of one job atomically, one row per device.
	SaveImages(ctx context.Context, images []models.GeneratedImage) error
	ListImages(ctx context.Context, jobID string) ([]models.GeneratedImage, error)
	// Delete removes the job and, through the foreign key, its images.
	Delete(ctx context.Context, id string) error

	Ping(ctx context.Context) error
}

var (
	toProcessing   = []models.JobStatus{models.JobStatusPending, models.JobStatusProcessing}
	fromProcessing = []models.JobStatus{models.JobStatusProcessing}
	fromFailed     = []models.JobStatus{models.JobStatusFailed}
	toFailed       = []models.JobStatus{models.JobStatusPending, models.JobStatusProcessing}
)

func statusStrings(in []models.JobStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
