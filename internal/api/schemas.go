package api

import (
	"encoding/json"
	"time"

	"github.com/heimdex/binwatch/internal/catalog"
	"github.com/heimdex/binwatch/internal/events"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	UptimeS int64  `json:"uptime_s"`
}

type StatusResponse struct {
	State         string                  `json:"state"`
	LastError     string                  `json:"last_error,omitempty"`
	RunsTotal     int                     `json:"runs_total"`
	RunsPending   int                     `json:"runs_pending"`
	RunsRunning   int                     `json:"runs_running"`
	RunsCompleted int                     `json:"runs_completed"`
	RunsFailed    int                     `json:"runs_failed"`
	ActiveRun     *RunResponse            `json:"active_run,omitempty"`
	Pipelines     *PipelineStatusResponse `json:"pipelines,omitempty"`
}

type PipelineStatusResponse struct {
	HasDetector bool   `json:"has_detector"`
	HasOverflow bool   `json:"has_overflow"`
	LastProbeAt string `json:"last_probe_at,omitempty"`
	DepsAvail   int    `json:"deps_available"`
	DepsTotal   int    `json:"deps_total"`
}

// CreateRunRequest queues a video. Zero-valued overrides keep the
// configured defaults.
type CreateRunRequest struct {
	VideoPath      string   `json:"video_path"`
	DetectionsPath string   `json:"detections_path,omitempty"`
	SampleSize     *int     `json:"sample_size,omitempty"`
	BudgetCap      *float64 `json:"budget_cap,omitempty"`
	MinConfidence  *float64 `json:"min_confidence,omitempty"`
	SkipAnalysis   bool     `json:"skip_analysis,omitempty"`
	Seed           uint64   `json:"seed,omitempty"`
}

type CreateRunResponse struct {
	RunID   string `json:"run_id"`
	Created bool   `json:"created"`
	Status  string `json:"status"`
}

type RunResponse struct {
	ID        string          `json:"id"`
	VideoPath string          `json:"video_path"`
	Status    string          `json:"status"`
	Stage     string          `json:"stage,omitempty"`
	Progress  int             `json:"progress"`
	Error     string          `json:"error,omitempty"`
	Summary   json.RawMessage `json:"summary,omitempty"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
}

type RunsResponse struct {
	Runs []RunResponse `json:"runs"`
}

type EventsResponse struct {
	RunID  string          `json:"run_id"`
	Events []events.Record `json:"events"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func RunToResponse(r *catalog.Run) RunResponse {
	return RunResponse{
		ID:        r.ID,
		VideoPath: r.VideoPath,
		Status:    r.Status,
		Stage:     r.Stage,
		Progress:  r.Progress,
		Error:     r.Error,
		Summary:   r.Summary,
		CreatedAt: r.CreatedAt.Format(time.RFC3339),
		UpdatedAt: r.UpdatedAt.Format(time.RFC3339),
	}
}
