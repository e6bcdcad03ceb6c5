package service

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"mapwall/internal/apperr"
	"mapwall/internal/catalog"
	"mapwall/internal/enhance"
	"mapwall/internal/ids"
	"mapwall/internal/models"
	"mapwall/internal/queue"
	"mapwall/internal/repository"
)

const maxDevicesPerJob = 16

type Enqueuer interface {
	Enqueue(ctx context.Context, payload models.Payload) error
}

type GenerateRequest struct {
	Viewport     *models.Viewport  `json:"viewport"`
	Theme        string            `json:"theme"`
	Devices      []string          `json:"devices"`
	AIOptions    *models.AIOptions `json:"aiOptions"`
	CropPosition string            `json:"cropPosition"`
}

type GenerateService struct {
	jobs    repository.JobStore
	queue   Enqueuer
	catalog *catalog.Catalog
	log     zerolog.Logger
}

func NewGenerateService(jobs repository.JobStore, q Enqueuer, cat *catalog.Catalog, log zerolog.Logger) *GenerateService {
	return &GenerateService{
		jobs:    jobs,
		queue:   q,
		catalog: cat,
		log:     log,
	}
}

// Submit validates req, records a pending job and queues it. Nothing is
// written when validation fails.
func (s *GenerateService) Submit(ctx context.Context, ownerID string, req GenerateRequest) (models.Job, error) {
	job, err := s.build(req)
	if err != nil {
		return models.Job{}, err
	}
	job.ID = ids.New()
	if ownerID != "" {
		job.OwnerID = &ownerID
	}

	if err := s.jobs.Create(ctx, job); err != nil {
		return models.Job{}, fmt.Errorf("create job: %w", err)
	}

	if err := s.queue.Enqueue(ctx, job.Payload()); err != nil && !errors.Is(err, queue.ErrAlreadyQueued) {
		if markErr := s.jobs.MarkFailed(ctx, job.ID, "failed to queue job"); markErr != nil {
			s.log.Error().Err(markErr).Str("job_id", job.ID).Msg("mark unqueued job failed")
		}
		return models.Job{}, fmt.Errorf("enqueue job: %w", err)
	}

	s.log.Info().
		Str("job_id", job.ID).
		Str("theme", job.Theme).
		Strs("devices", job.Devices).
		Bool("ai", job.AI.Enabled).
		Msg("job queued")

	return s.jobs.Get(ctx, job.ID)
}

func (s *GenerateService) build(req GenerateRequest) (models.Job, error) {
	if req.Viewport == nil {
		return models.Job{}, apperr.Validation("viewport", "is required")
	}
	if err := validateViewport(*req.Viewport); err != nil {
		return models.Job{}, err
	}

	if req.Theme == "" {
		return models.Job{}, apperr.Validation("theme", "is required")
	}
	if _, ok := s.catalog.Theme(req.Theme); !ok {
		return models.Job{}, apperr.Validation("theme", "unknown theme %q", req.Theme)
	}

	devices, err := s.devices(req.Devices)
	if err != nil {
		return models.Job{}, err
	}

	if req.CropPosition != "" {
		if _, err := catalog.ParseAnchor(req.CropPosition); err != nil {
			return models.Job{}, apperr.Validation("cropPosition", "%v", err)
		}
	}

	var ai models.AIOptions
	if req.AIOptions != nil {
		ai = *req.AIOptions
		if ai.Upscale != 0 && !enhance.ValidUpscale(ai.Upscale) {
			return models.Job{}, apperr.Validation("aiOptions.upscale", "must be 2 or 4, got %d", ai.Upscale)
		}
	}

	return models.Job{
		Status:       models.JobStatusPending,
		Viewport:     *req.Viewport,
		Theme:        req.Theme,
		Devices:      devices,
		CropPosition: req.CropPosition,
		AI:           ai,
	}, nil
}

// devices checks every id against the catalog and drops repeats, keeping
// first-seen order.
func (s *GenerateService) devices(requested []string) ([]string, error) {
	if len(requested) == 0 {
		return nil, apperr.Validation("devices", "at least one device is required")
	}
	seen := make(map[string]bool, len(requested))
	out := make([]string, 0, len(requested))
	for _, id := range requested {
		if seen[id] {
			continue
		}
		if _, ok := s.catalog.Device(id); !ok {
			return nil, apperr.Validation("devices", "unknown device %q", id)
		}
		seen[id] = true
		out = append(out, id)
	}
	if len(out) > maxDevicesPerJob {
		return nil, apperr.Validation("devices", "at most %d devices per job", maxDevicesPerJob)
	}
	return out, nil
}

func validateViewport(v models.Viewport) error {
	for name, value := range map[string]float64{
		"latitude": v.Latitude, "longitude": v.Longitude, "zoom": v.Zoom,
		"bearing": v.Bearing, "pitch": v.Pitch,
	} {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return apperr.Validation("viewport."+name, "must be a finite number")
		}
	}
	switch {
	case v.Latitude < -90 || v.Latitude > 90:
		return apperr.Validation("viewport.latitude", "must be within [-90, 90]")
	case v.Longitude < -180 || v.Longitude > 180:
		return apperr.Validation("viewport.longitude", "must be within [-180, 180]")
	case v.Zoom < 0 || v.Zoom > 22:
		return apperr.Validation("viewport.zoom", "must be within [0, 22]")
	case v.Bearing < -360 || v.Bearing > 360:
		return apperr.Validation("viewport.bearing", "must be within [-360, 360]")
	case v.Pitch < 0 || v.Pitch > 85:
		return apperr.Validation("viewport.pitch", "must be within [0, 85]")
	}
	return nil
}
