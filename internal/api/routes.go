package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/heimdex/binwatch/internal/catalog"
	"github.com/heimdex/binwatch/internal/events"
	"github.com/heimdex/binwatch/internal/export"
	"github.com/heimdex/binwatch/internal/pipeline"
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger, cfg.Metrics))
	r.Use(CORSAllowlist())

	r.Get("/health", healthHandler(cfg))
	r.With(LoopbackGuard()).Handle("/metrics", cfg.Metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Repository, cfg.Logger))

		r.Get("/status", statusHandler(cfg))
		r.Post("/runner/pause", pauseHandler(cfg, true))
		r.Post("/runner/resume", pauseHandler(cfg, false))

		r.Get("/runs", listRunsHandler(cfg))
		r.Post("/runs", createRunHandler(cfg))
		r.Get("/runs/{id}", getRunHandler(cfg))
		r.Get("/runs/{id}/events", listEventsHandler(cfg))
		r.Get("/runs/{id}/report", reportHandler(cfg))
		r.Get("/runs/{id}/edl", edlDownloadHandler(cfg))
		r.Post("/runs/{id}/edl", edlHandler(cfg))

		r.With(LoopbackGuard()).Get("/clips/{run}/{event}", clipHandler(cfg))
		r.With(LoopbackGuard()).Head("/clips/{run}/{event}", clipHandler(cfg))
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: Version,
			UptimeS: int64(time.Since(cfg.StartTime).Seconds()),
		})
	}
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		resp := StatusResponse{State: "idle"}
		resp.RunsTotal, _ = cfg.Service.CountRuns(ctx, "")
		resp.RunsPending, _ = cfg.Service.CountRuns(ctx, catalog.RunStatusPending)
		resp.RunsRunning, _ = cfg.Service.CountRuns(ctx, catalog.RunStatusRunning)
		resp.RunsCompleted, _ = cfg.Service.CountRuns(ctx, catalog.RunStatusCompleted)
		resp.RunsFailed, _ = cfg.Service.CountRuns(ctx, catalog.RunStatusFailed)

		runs, _ := cfg.Service.ListRuns(ctx, 10)
		for _, run := range runs {
			if run.Status == catalog.RunStatusRunning && resp.ActiveRun == nil {
				rr := RunToResponse(run)
				resp.ActiveRun = &rr
				resp.State = "analyzing"
			}
			if run.Status == catalog.RunStatusFailed && resp.LastError == "" {
				resp.LastError = run.Error
			}
		}
		if resp.State == "idle" && resp.RunsPending > 0 {
			resp.State = "queued"
		}
		if cfg.Runner != nil && cfg.Runner.IsPaused() {
			resp.State = "paused"
		}

		if cfg.Doctor != nil {
			if caps := cfg.Doctor.Peek(); caps != nil {
				resp.Pipelines = &PipelineStatusResponse{
					HasDetector: caps.HasDetector,
					HasOverflow: caps.HasOverflow,
					DepsAvail:   caps.Summary.Available,
					DepsTotal:   caps.Summary.Total,
				}
				if !caps.ProbedAt.IsZero() {
					resp.Pipelines.LastProbeAt = caps.ProbedAt.Format(time.RFC3339)
				}
			}
		}

		WriteJSON(w, http.StatusOK, resp)
	}
}

func pauseHandler(cfg ServerConfig, pause bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Runner == nil {
			WriteError(w, http.StatusServiceUnavailable, "runner not configured", "UNAVAILABLE")
			return
		}
		if pause {
			cfg.Runner.Pause()
		} else {
			cfg.Runner.Resume()
		}
		WriteJSON(w, http.StatusOK, map[string]bool{"paused": cfg.Runner.IsPaused()})
	}
}

func listRunsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				WriteError(w, http.StatusBadRequest, "limit must be a positive integer", "BAD_REQUEST")
				return
			}
			limit = min(n, 500)
		}

		runs, err := cfg.Service.ListRuns(r.Context(), limit)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list runs", "INTERNAL_ERROR")
			return
		}

		resp := RunsResponse{Runs: make([]RunResponse, len(runs))}
		for i, run := range runs {
			resp.Runs[i] = RunToResponse(run)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func createRunHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateRunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.VideoPath == "" {
			WriteError(w, http.StatusBadRequest, "video_path is required", "BAD_REQUEST")
			return
		}

		run, created, err := cfg.Service.EnqueueVideo(r.Context(), req.VideoPath, req.apply)
		switch {
		case errors.Is(err, pipeline.ErrSourceUnavailable), errors.Is(err, catalog.ErrNotVideo),
			errors.Is(err, pipeline.ErrInvalidConfig):
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		case err != nil:
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}

		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		WriteJSON(w, status, CreateRunResponse{RunID: run.ID, Created: created, Status: run.Status})
	}
}

func (req CreateRunRequest) apply(c *pipeline.RunConfig) {
	if req.DetectionsPath != "" {
		c.DetectionsPath = req.DetectionsPath
	}
	if req.SampleSize != nil {
		c.SampleSize = *req.SampleSize
	}
	if req.BudgetCap != nil {
		c.BudgetCap = *req.BudgetCap
	}
	if req.MinConfidence != nil {
		c.MinConfidence = *req.MinConfidence
	}
	if req.SkipAnalysis {
		c.SkipAnalysis = true
	}
	if req.Seed != 0 {
		c.Seed = req.Seed
	}
}

func getRunHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := cfg.Service.GetRun(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeLookupError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, RunToResponse(run))
	}
}

func listEventsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		recs, err := cfg.Service.GetEvents(r.Context(), id)
		if err != nil {
			writeLookupError(w, err)
			return
		}
		if t := r.URL.Query().Get("type"); t != "" {
			recs = lo.Filter(recs, func(e events.Record, _ int) bool { return string(e.EventType) == t })
		}
		if recs == nil {
			recs = []events.Record{}
		}
		WriteJSON(w, http.StatusOK, EventsResponse{RunID: id, Events: recs})
	}
}

func reportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := cfg.Service.GetReport(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeLookupError(w, err)
			return
		}
		if data == nil {
			WriteError(w, http.StatusConflict, "run has not completed", "NOT_READY")
			return
		}

		switch r.URL.Query().Get("format") {
		case "", "json":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write(data)
		case "md", "markdown":
			var report export.Report
			if err := json.Unmarshal(data, &report); err != nil {
				WriteError(w, http.StatusInternalServerError, "stored report is unreadable", "INTERNAL_ERROR")
				return
			}
			w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(report.Markdown()))
		default:
			WriteError(w, http.StatusBadRequest, "format must be json or md", "BAD_REQUEST")
		}
	}
}

func clipHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "run")
		eventID, err := strconv.Atoi(chi.URLParam(r, "event"))
		if err != nil || eventID <= 0 {
			WriteError(w, http.StatusBadRequest, "event must be a positive integer", "BAD_REQUEST")
			return
		}

		rec, err := cfg.Service.GetEvent(r.Context(), runID, eventID)
		if err != nil {
			writeLookupError(w, err)
			return
		}
		if rec.ClipPath == "" {
			WriteError(w, http.StatusNotFound, "event has no clip", "NOT_FOUND")
			return
		}

		if err := cfg.PlaybackServer.ServeFile(w, r, rec.ClipPath); err != nil {
			cfg.Logger.Error("playback error", "error", err, "run_id", runID, "event_id", eventID)
		}
	}
}

func writeLookupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, catalog.ErrRunNotFound):
		WriteError(w, http.StatusNotFound, "run not found", "NOT_FOUND")
	case errors.Is(err, catalog.ErrEventNotFound):
		WriteError(w, http.StatusNotFound, "event not found", "NOT_FOUND")
	default:
		WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
	}
}
