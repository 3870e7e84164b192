package export

import (
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/samber/lo"

	"github.com/heimdex/binwatch/internal/classify"
	"github.com/heimdex/binwatch/internal/events"
	"github.com/heimdex/binwatch/internal/pipeline"
)

// Report is the persisted outcome of one run.
type Report struct {
	Metadata Metadata        `json:"metadata"`
	Events   []events.Record `json:"events"`
}

type Metadata struct {
	RunID          string              `json:"run_id,omitempty"`
	Source         string              `json:"source"`
	GeneratedAt    time.Time           `json:"generated_at"`
	Duration       float64             `json:"duration_seconds"`
	DurationHMS    string              `json:"duration_formatted"`
	Resolution     string              `json:"resolution"`
	FPS            float64             `json:"fps"`
	FramesAnalyzed int                 `json:"frames_analyzed"`
	TotalEvents    int                 `json:"total_events"`
	Sampling       SamplingInfo        `json:"sampling"`
	Budget         BudgetSummary       `json:"budget"`
	Clips          events.ExtractStats `json:"clips"`
	Summary        classify.Summary    `json:"summary"`
	EventDurations DurationStats       `json:"event_durations"`
	EventTypes     map[string]int      `json:"event_types"`
	AnalysisOff    bool                `json:"analysis_disabled,omitempty"`
}

type SamplingInfo struct {
	Enabled    bool `json:"enabled"`
	SampleSize int  `json:"sample_size,omitempty"`
	Sampled    int  `json:"sampled_events"`
}

type BudgetSummary struct {
	Cap            float64 `json:"max_cost_usd"`
	Spent          float64 `json:"total_cost_usd"`
	Remaining      float64 `json:"remaining_usd"`
	ImagesAnalyzed int     `json:"images_analyzed"`
	Exhausted      bool    `json:"budget_exhausted"`
	Utilization    float64 `json:"utilization_pct"`
	Skipped        int     `json:"skipped_by_budget"`
}

// DurationStats describes event lengths in seconds. All zero when there
// are no events.
type DurationStats struct {
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	StdDev float64 `json:"stddev"`
	P90    float64 `json:"p90"`
}

// NewReport builds the report for a finished run.
func NewReport(runID string, res *pipeline.Result, now time.Time) *Report {
	recs := events.Records(res.Events)
	s := res.Summary
	return &Report{
		Metadata: Metadata{
			RunID:          runID,
			Source:         res.VideoPath,
			GeneratedAt:    now.UTC(),
			Duration:       res.Video.Duration,
			DurationHMS:    FormatHMS(res.Video.Duration),
			Resolution:     fmt.Sprintf("%dx%d", res.Video.Width, res.Video.Height),
			FPS:            res.Video.FPS,
			FramesAnalyzed: res.FrameCount,
			TotalEvents:    len(recs),
			Sampling: SamplingInfo{
				Enabled:    res.SampleSize > 0,
				SampleSize: res.SampleSize,
				Sampled:    s.Sampled,
			},
			Budget: BudgetSummary{
				Cap:            s.Ledger.Cap,
				Spent:          s.Ledger.Spent,
				Remaining:      s.Ledger.Remaining,
				ImagesAnalyzed: s.Ledger.ImagesAnalyzed,
				Exhausted:      s.Ledger.Exhausted,
				Utilization:    s.Ledger.Utilization * 100,
				Skipped:        s.BudgetSkipped,
			},
			Clips:          res.Clips,
			Summary:        s,
			EventDurations: Durations(recs),
			EventTypes:     countTypes(recs),
			AnalysisOff:    res.SkippedAnalysis,
		},
		Events: recs,
	}
}

// Durations computes duration statistics over recs.
func Durations(recs []events.Record) DurationStats {
	if len(recs) == 0 {
		return DurationStats{}
	}
	data := stats.Float64Data(lo.Map(recs, func(r events.Record, _ int) float64 { return r.Duration }))
	var d DurationStats
	d.Mean, _ = stats.Mean(data)
	d.Median, _ = stats.Median(data)
	d.Min, _ = stats.Min(data)
	d.Max, _ = stats.Max(data)
	d.StdDev, _ = stats.StandardDeviation(data)
	d.P90, _ = stats.Percentile(data, 90)
	return d
}

func countTypes(recs []events.Record) map[string]int {
	analyzed := lo.Filter(recs, func(r events.Record, _ int) bool { return r.Status == events.StatusAnalyzed })
	return lo.CountValuesBy(analyzed, func(r events.Record) string { return string(r.EventType) })
}

// FormatHMS renders seconds as HH:MM:SS.
func FormatHMS(seconds float64) string {
	total := int(math.Max(seconds, 0))
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, total%3600/60, total%60)
}

// Markdown renders the report for people.
func (r *Report) Markdown() string {
	m := r.Metadata
	var b strings.Builder

	fmt.Fprintf(&b, "# Bin Event Report: %s\n\n", filepath.Base(m.Source))
	fmt.Fprintf(&b, "- Generated: %s\n", m.GeneratedAt.Format(time.RFC3339))
	if m.RunID != "" {
		fmt.Fprintf(&b, "- Run: `%s`\n", m.RunID)
	}
	fmt.Fprintf(&b, "- Duration: %s (%.1fs)\n", m.DurationHMS, m.Duration)
	fmt.Fprintf(&b, "- Resolution: %s @ %.2f fps\n", m.Resolution, m.FPS)
	fmt.Fprintf(&b, "- Frames analyzed: %d\n", m.FramesAnalyzed)
	fmt.Fprintf(&b, "- Events: %d\n\n", m.TotalEvents)

	b.WriteString("## Budget\n\n")
	if m.AnalysisOff {
		b.WriteString("Analysis was disabled for this run.\n\n")
	} else {
		fmt.Fprintf(&b, "| Cap | Spent | Remaining | Images | Utilization | Skipped | Exhausted |\n")
		fmt.Fprintf(&b, "|---|---|---|---|---|---|---|\n")
		fmt.Fprintf(&b, "| $%.2f | $%.2f | $%.2f | %d | %.1f%% | %d | %t |\n\n",
			m.Budget.Cap, m.Budget.Spent, m.Budget.Remaining, m.Budget.ImagesAnalyzed,
			m.Budget.Utilization, m.Budget.Skipped, m.Budget.Exhausted)
	}
	if m.Sampling.Enabled {
		fmt.Fprintf(&b, "Sampling: %d of %d events analyzed (sample size %d).\n\n",
			m.Sampling.Sampled, m.TotalEvents, m.Sampling.SampleSize)
	}

	b.WriteString("## Summary\n\n")
	fmt.Fprintf(&b, "- Classified: %d\n", m.Summary.Analyzed)
	fmt.Fprintf(&b, "- Overflow tagged: %d\n", m.Summary.OverflowTagged)
	fmt.Fprintf(&b, "- Not sampled: %d\n", m.Summary.NotSampled)
	fmt.Fprintf(&b, "- Skipped by budget: %d\n", m.Summary.BudgetSkipped)
	fmt.Fprintf(&b, "- Oracle failures: %d\n", m.Summary.OracleErrors)
	fmt.Fprintf(&b, "- No valid frames: %d\n", m.Summary.NoValidFrames)
	fmt.Fprintf(&b, "- Clips: %s\n", m.Clips)
	if m.TotalEvents > 0 {
		d := m.EventDurations
		fmt.Fprintf(&b, "- Event duration: mean %.1fs, median %.1fs, min %.1fs, max %.1fs\n",
			d.Mean, d.Median, d.Min, d.Max)
	}
	if len(m.EventTypes) > 0 {
		b.WriteString("\n| Event type | Count |\n|---|---|\n")
		keys := lo.Keys(m.EventTypes)
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "| %s | %d |\n", k, m.EventTypes[k])
		}
	}

	b.WriteString("\n## Events\n\n")
	if len(r.Events) == 0 {
		b.WriteString("No events detected.\n")
		return b.String()
	}
	b.WriteString("| # | Time | Duration | Type | Confidence | Method | Status | Cost | Notes |\n")
	b.WriteString("|---|---|---|---|---|---|---|---|---|\n")
	for _, e := range r.Events {
		fmt.Fprintf(&b, "| %d | %s | %.1fs | %s | %s | %s | %s | $%.2f | %s |\n",
			e.EventID, FormatHMS(e.CenterTime), e.Duration, e.EventType, e.Confidence,
			e.Method, e.Status, e.CostSpent, mdCell(e.Rationale))
	}
	return b.String()
}

func mdCell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "|", "\\|")
	if r := []rune(s); len(r) > 120 {
		s = string(r[:117]) + "..."
	}
	return s
}
