package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/heimdex/binwatch/internal/metrics"
	"github.com/heimdex/binwatch/internal/store"
)

// ErrSourceUnavailable reports that the source video cannot be opened.
// A ClipWriter wraps it when the source vanished mid-run, which aborts
// extraction instead of failing a single clip.
var ErrSourceUnavailable = errors.New("source video unavailable")

// ClipWriter cuts [start, start+duration) out of video into out.
type ClipWriter interface {
	ExtractClip(ctx context.Context, video, out string, start, duration float64) error
}

// ClipWindow returns the clip bounds around center. The start is clamped
// at zero, the end is not clamped to the source duration.
func ClipWindow(center, window float64) (start, end float64) {
	half := window / 2
	start = center - half
	if start < 0 {
		start = 0
	}
	return start, center + half
}

// ExtractStats counts how clips were obtained.
type ExtractStats struct {
	Loaded    int `json:"loaded"`
	Extracted int `json:"extracted"`
	Failed    int `json:"failed"`
}

// Extractor attaches clips to events, reusing cached artifacts.
type Extractor struct {
	writer  ClipWriter
	store   *store.FS
	window  float64
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewExtractor(writer ClipWriter, st *store.FS, window float64, logger *slog.Logger, m *metrics.Metrics) *Extractor {
	return &Extractor{
		writer:  writer,
		store:   st,
		window:  window,
		logger:  logger.With("component", "clip_extractor"),
		metrics: m,
	}
}

// Extract annotates every event with a clip reference. A clip that fails
// to encode leaves the event without a clip. Cancellation and an
// unavailable source abort.
func (x *Extractor) Extract(ctx context.Context, video string, evs []*Event) (ExtractStats, error) {
	var stats ExtractStats
	for _, ev := range evs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		start, end := ClipWindow(ev.CenterTime, x.window)
		key := store.ClipKey(ev.ID, ev.CenterTime)
		ref := ClipRef{Path: x.store.Path(key), Start: start, End: end}

		if x.store.Exists(key) {
			ref.Loaded = true
			ev.AttachClip(ref)
			stats.Loaded++
			x.metrics.ClipLoaded()
			x.logger.Debug("clip loaded from cache", "event_id", ev.ID, "path", ref.Path)
			continue
		}

		err := x.store.Produce(key, func(tmp string) error {
			return x.writer.ExtractClip(ctx, video, tmp, start, end-start)
		})
		if err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			if errors.Is(err, ErrSourceUnavailable) {
				return stats, err
			}
			stats.Failed++
			x.logger.Warn("clip extraction failed", "event_id", ev.ID, "error", err)
			continue
		}

		ev.AttachClip(ref)
		stats.Extracted++
		x.metrics.ClipExtracted()
		x.logger.Debug("clip extracted", "event_id", ev.ID, "start", start, "end", end)
	}

	x.logger.Info("clips ready",
		"loaded", stats.Loaded,
		"extracted", stats.Extracted,
		"failed", stats.Failed,
	)
	return stats, nil
}

func (s ExtractStats) String() string {
	return fmt.Sprintf("%d loaded, %d extracted, %d failed", s.Loaded, s.Extracted, s.Failed)
}
