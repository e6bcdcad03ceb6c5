package models

import (
	"fmt"
	"time"
)

type PayloadKind string

const (
	PayloadInline PayloadKind = "inline"
	PayloadObject PayloadKind = "object"
)

// GeneratedImage is one output bitmap of a job, unique per (JobID, Device).
// Payload holds base64 PNG data when Kind is inline and an object key otherwise.
type GeneratedImage struct {
	JobID     string
	Device    string
	Kind      PayloadKind
	Payload   string
	Width     int
	Height    int
	SizeBytes int64
	CreatedAt time.Time
}

func (i GeneratedImage) Filename() string {
	return fmt.Sprintf("wallpaper-%s-%dx%d.png", i.Device, i.Width, i.Height)
}
