package classify

import (
	"context"
	"fmt"

	"github.com/samber/lo"

	"github.com/heimdex/binwatch/internal/events"
)

const highOverflowConfidence = 0.7

// OverflowFrame is the local overflow model's answer for one frame.
type OverflowFrame struct {
	Path        string  `json:"path"`
	Overflowing bool    `json:"is_overflowing"`
	Confidence  float64 `json:"confidence"`
	Error       string  `json:"error,omitempty"`
}

// OverflowModel is the free, local overflow classifier.
type OverflowModel interface {
	ClassifyOverflow(ctx context.Context, paths []string) ([]OverflowFrame, error)
}

// OverflowPaths samples the start, middle and end frames of an event that
// exist on disk.
func OverflowPaths(ev *events.Event, exists func(string) bool) []string {
	n := len(ev.Frames)
	if n == 0 {
		return nil
	}
	var paths []string
	for _, i := range lo.Uniq([]int{0, n / 2, n - 1}) {
		if p := ev.Frames[i].Path; exists(p) {
			paths = append(paths, p)
		}
	}
	return lo.Uniq(paths)
}

// OverflowVote decides from per-frame answers whether the event shows an
// overflowing bin. Frames with errors are ignored. A strict majority must
// agree; confidence is the mean over the counted frames.
func OverflowVote(frames []OverflowFrame) (events.Verdict, bool) {
	valid := lo.Filter(frames, func(f OverflowFrame, _ int) bool { return f.Error == "" })
	if len(valid) == 0 {
		return events.Verdict{}, false
	}
	overflowing := lo.CountBy(valid, func(f OverflowFrame) bool { return f.Overflowing })
	if overflowing*2 <= len(valid) {
		return events.Verdict{}, false
	}

	mean := lo.SumBy(valid, func(f OverflowFrame) float64 { return f.Confidence }) / float64(len(valid))
	conf := events.Medium
	if mean > highOverflowConfidence {
		conf = events.High
	}
	return events.Verdict{
		EventType:      events.Overflow,
		Confidence:     conf,
		Rationale:      fmt.Sprintf("Bin detected as overflowing (confidence: %.2f)", mean),
		FramesExamined: len(valid),
		Votes:          overflowing,
		Method:         events.MethodOracleB,
		Status:         events.StatusAnalyzed,
	}, true
}
