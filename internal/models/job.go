package models

import "time"

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further work is expected for the status.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

type Viewport struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Zoom      float64 `json:"zoom"`
	Bearing   float64 `json:"bearing"`
	Pitch     float64 `json:"pitch"`
}

type AIOptions struct {
	Enabled      bool `json:"enabled"`
	StyleEnhance bool `json:"styleEnhance"`
	Upscale      int  `json:"upscale,omitempty"`
}

// Job is one wallpaper-set generation request. Viewport, Theme and Devices
// are immutable after creation.
type Job struct {
	ID           string
	OwnerID      *string
	Status       JobStatus
	Viewport     Viewport
	Theme        string
	Devices      []string
	CropPosition string
	AI           AIOptions
	ErrorMessage *string
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	UpdatedAt    time.Time
}

// VisibleTo applies the ownership rule: ownerless jobs are open to anyone.
func (j Job) VisibleTo(identity string) bool {
	if j.OwnerID == nil {
		return true
	}
	return identity != "" && *j.OwnerID == identity
}

// Payload is the queue wire format of a job.
type Payload struct {
	JobID        string    `json:"jobId"`
	Viewport     Viewport  `json:"viewport"`
	Theme        string    `json:"theme"`
	Devices      []string  `json:"devices"`
	AIOptions    AIOptions `json:"aiOptions"`
	CropPosition string    `json:"cropPosition,omitempty"`
}

func (j Job) Payload() Payload {
	return Payload{
		JobID:        j.ID,
		Viewport:     j.Viewport,
		Theme:        j.Theme,
		Devices:      append([]string(nil), j.Devices...),
		AIOptions:    j.AI,
		CropPosition: j.CropPosition,
	}
}
