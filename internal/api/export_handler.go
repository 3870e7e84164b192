package api

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/heimdex/binwatch/internal/events"
	"github.com/heimdex/binwatch/internal/export"
)

// edlHandler writes a CMX3600 EDL of a run's event clip windows into the
// requested output directory.
func edlHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req export.EDLRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if err := export.ValidateOutputDir(req.OutputDir); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}

		id := chi.URLParam(r, "id")
		run, err := cfg.Service.GetRun(r.Context(), id)
		if err != nil {
			writeLookupError(w, err)
			return
		}
		recs, err := cfg.Service.GetEvents(r.Context(), id)
		if err != nil {
			writeLookupError(w, err)
			return
		}

		keep := func(e events.Record) bool {
			if len(req.EventIDs) > 0 && !slices.Contains(req.EventIDs, e.EventID) {
				return false
			}
			if len(req.EventTypes) > 0 && !slices.Contains(req.EventTypes, string(e.EventType)) {
				return false
			}
			return true
		}
		clips, skipped := export.ResolveClips(run.VideoPath, recs, keep)
		if len(clips) == 0 {
			WriteError(w, http.StatusUnprocessableEntity, "no event clips match the request", "NO_CLIPS")
			return
		}

		title := export.SanitizeName(req.Title, 120)
		if title == "" {
			title = export.ReportBaseName(run.VideoPath) + "_events"
		}
		frameRate := req.FrameRate
		if frameRate <= 0 {
			frameRate = 30.0
		}

		edl := export.GenerateEDL(clips, title, frameRate)
		outputPath := filepath.Join(req.OutputDir, title+".edl")
		if err := os.WriteFile(outputPath, []byte(edl), 0o644); err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to write export file", "INTERNAL_ERROR")
			return
		}

		if skipped == nil {
			skipped = []int{}
		}
		WriteJSON(w, http.StatusOK, export.EDLResponse{
			Status:     "ok",
			Format:     "edl",
			OutputPath: outputPath,
			ClipCount:  len(clips),
			Skipped:    skipped,
		})
	}
}

// edlDownloadHandler returns the EDL of every clip of a run as text.
// ?type= narrows to one event type and ?fps= sets the timecode rate.
func edlDownloadHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		frameRate := 30.0
		if v := r.URL.Query().Get("fps"); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil || f <= 0 {
				WriteError(w, http.StatusBadRequest, "fps must be a positive number", "BAD_REQUEST")
				return
			}
			frameRate = f
		}

		id := chi.URLParam(r, "id")
		run, err := cfg.Service.GetRun(r.Context(), id)
		if err != nil {
			writeLookupError(w, err)
			return
		}
		recs, err := cfg.Service.GetEvents(r.Context(), id)
		if err != nil {
			writeLookupError(w, err)
			return
		}

		eventType := r.URL.Query().Get("type")
		clips, _ := export.ResolveClips(run.VideoPath, recs, func(e events.Record) bool {
			return eventType == "" || string(e.EventType) == eventType
		})
		if len(clips) == 0 {
			WriteError(w, http.StatusUnprocessableEntity, "no event clips match the request", "NO_CLIPS")
			return
		}

		title := export.ReportBaseName(run.VideoPath) + "_events"
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="`+title+`.edl"`)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(export.GenerateEDL(clips, title, frameRate)))
	}
}
