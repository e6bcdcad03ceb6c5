package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"mapwall/internal/apperr"
	"mapwall/internal/ids"
	"mapwall/internal/models"
	"mapwall/internal/repository"
	"mapwall/internal/storage"
)

var (
	ErrJobNotReady   = errors.New("job has not completed")
	ErrImageNotFound = errors.New("no image for device")
)

type ProgressSource interface {
	Progress(ctx context.Context, jobID string) (int, error)
}

type ImageView struct {
	Device string `json:"device"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	URL    string `json:"url,omitempty"`
}

type Status struct {
	JobID       string           `json:"jobId"`
	Status      models.JobStatus `json:"status"`
	Progress    int              `json:"progress"`
	Devices     []string         `json:"devices"`
	Images      []ImageView      `json:"images"`
	Error       *string          `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	StartedAt   *time.Time       `json:"startedAt,omitempty"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
}

type StatusService struct {
	jobs     repository.JobStore
	progress ProgressSource
	gateway  storage.Gateway
	urlTTL   time.Duration
	log      zerolog.Logger
}

func NewStatusService(jobs repository.JobStore, progress ProgressSource, gateway storage.Gateway, urlTTL time.Duration, log zerolog.Logger) *StatusService {
	if urlTTL <= 0 {
		urlTTL = time.Hour
	}
	return &StatusService{
		jobs:     jobs,
		progress: progress,
		gateway:  gateway,
		urlTTL:   urlTTL,
		log:      log,
	}
}

// Authorize applies the ownership rule. Ownerless jobs stay open.
func Authorize(job models.Job, requester string) error {
	if job.VisibleTo(requester) {
		return nil
	}
	return &apperr.AuthorizationError{Unauthenticated: requester == ""}
}

func (s *StatusService) load(ctx context.Context, jobID, requester string, granted bool) (models.Job, error) {
	if !ids.Valid(jobID) {
		return models.Job{}, repository.ErrJobNotFound
	}
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if !granted {
		if err := Authorize(job, requester); err != nil {
			return models.Job{}, err
		}
	}
	return job, nil
}

func (s *StatusService) GetStatus(ctx context.Context, jobID, requester string) (Status, error) {
	job, err := s.load(ctx, jobID, requester, false)
	if err != nil {
		return Status{}, err
	}

	out := Status{
		JobID:       job.ID,
		Status:      job.Status,
		Devices:     job.Devices,
		Images:      []ImageView{},
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}

	switch job.Status {
	case models.JobStatusProcessing:
		out.Progress = s.currentProgress(ctx, job.ID)
	case models.JobStatusCompleted:
		out.Progress = 100
		images, err := s.jobs.ListImages(ctx, job.ID)
		if err != nil {
			return Status{}, fmt.Errorf("list images: %w", err)
		}
		out.Images = s.views(ctx, images)
	case models.JobStatusFailed:
		msg := "generation failed"
		if job.ErrorMessage != nil && *job.ErrorMessage != "" {
			msg = *job.ErrorMessage
		}
		out.Error = &msg
	}
	return out, nil
}

// currentProgress is advisory and never fails the status call.
func (s *StatusService) currentProgress(ctx context.Context, jobID string) int {
	if s.progress == nil {
		return 0
	}
	p, err := s.progress.Progress(ctx, jobID)
	if err != nil {
		s.log.Debug().Err(err).Str("job_id", jobID).Msg("progress unavailable")
		return 0
	}
	return p
}

func (s *StatusService) views(ctx context.Context, images []models.GeneratedImage) []ImageView {
	out := make([]ImageView, 0, len(images))
	for _, img := range images {
		view := ImageView{Device: img.Device, Width: img.Width, Height: img.Height}
		url, err := s.gateway.SignedURL(ctx, img, s.urlTTL)
		if err != nil {
			s.log.Warn().Err(err).Str("job_id", img.JobID).Str("device", img.Device).Msg("sign image url")
		} else {
			view.URL = url
		}
		out = append(out, view)
	}
	return out
}

type DownloadRequest struct {
	JobID     string
	Device    string
	Requester string
	// Granted skips the ownership check for requests carrying a valid
	// download signature.
	Granted bool
}

// ListDownloads returns the images of a completed job, narrowed to one
// device when req.Device is set.
func (s *StatusService) ListDownloads(ctx context.Context, req DownloadRequest) ([]ImageView, error) {
	images, err := s.images(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.views(ctx, images), nil
}

// Fetch returns the stored bytes of a single device image.
func (s *StatusService) Fetch(ctx context.Context, req DownloadRequest) (models.GeneratedImage, []byte, error) {
	if req.Device == "" {
		return models.GeneratedImage{}, nil, apperr.Validation("device", "is required for a direct download")
	}
	images, err := s.images(ctx, req)
	if err != nil {
		return models.GeneratedImage{}, nil, err
	}
	img := images[0]
	data, err := s.gateway.Get(ctx, img)
	if err != nil {
		return models.GeneratedImage{}, nil, err
	}
	return img, data, nil
}

func (s *StatusService) images(ctx context.Context, req DownloadRequest) ([]models.GeneratedImage, error) {
	job, err := s.load(ctx, req.JobID, req.Requester, req.Granted)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusCompleted {
		return nil, ErrJobNotReady
	}
	images, err := s.jobs.ListImages(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	if req.Device == "" {
		return images, nil
	}
	for _, img := range images {
		if img.Device == req.Device {
			return []models.GeneratedImage{img}, nil
		}
	}
	return nil, ErrImageNotFound
}
