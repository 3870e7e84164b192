// Package catalog persists runs and their events and executes queued runs.
package catalog

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/heimdex/binwatch/internal/pipeline"
)

const (
	RunStatusPending   = "pending"
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Run is one queued or finished analysis of a video.
type Run struct {
	ID          string             `json:"id"`
	VideoPath   string             `json:"video_path"`
	Fingerprint string             `json:"fingerprint,omitempty"`
	Status      string             `json:"status"`
	Stage       string             `json:"stage,omitempty"`
	Progress    int                `json:"progress"`
	Error       string             `json:"error,omitempty"`
	Config      pipeline.RunConfig `json:"config"`
	Summary     json.RawMessage    `json:"summary,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// Active reports whether the run is queued or executing.
func (r *Run) Active() bool {
	return r.Status == RunStatusPending || r.Status == RunStatusRunning
}

type ConfigEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

var VideoExtensions = map[string]bool{
	".mp4": true,
	".mov": true,
	".mkv": true,
	".avi": true,
}

func NewID() string {
	return uuid.NewString()
}

func IsVideoFile(filename string) bool {
	return VideoExtensions[strings.ToLower(filepath.Ext(filename))]
}
