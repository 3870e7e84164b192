package classify

import (
	"math/rand/v2"
	"sort"

	"github.com/samber/lo"

	"github.com/heimdex/binwatch/internal/events"
)

// hasSubject reports whether an event contains at least one present frame.
func hasSubject(ev *events.Event) bool {
	return lo.SomeBy(ev.Frames, func(f events.FrameSample) bool { return f.Present })
}

// SampleEvents picks which events are sent for analysis. With size <= 0,
// or no more events than size, every qualifying event is picked;
// otherwise a uniform random subset of size events is drawn from the
// qualifying ones. The result keeps run order.
func SampleEvents(evs []*events.Event, size int, rng *rand.Rand) []*events.Event {
	qualifying := lo.Filter(evs, func(ev *events.Event, _ int) bool { return hasSubject(ev) })
	if size <= 0 || len(evs) <= size || len(qualifying) <= size {
		return qualifying
	}

	picked := append([]*events.Event(nil), qualifying...)
	rng.Shuffle(len(picked), func(i, j int) { picked[i], picked[j] = picked[j], picked[i] })
	picked = picked[:size]
	sort.Slice(picked, func(i, j int) bool { return picked[i].ID < picked[j].ID })
	return picked
}

// FrameIndices returns evenly spread member indices: start, middle and
// end, or five points for events longer than five frames. Duplicates are
// removed.
func FrameIndices(n int) []int {
	switch {
	case n <= 0:
		return nil
	case n > 5:
		return lo.Uniq([]int{0, n / 4, n / 2, 3 * n / 4, n - 1})
	default:
		return lo.Uniq([]int{0, n / 2, n - 1})
	}
}

// SequenceIndices picks frames of a clip for a single multi-image call:
// every frame for one or two, the ends for up to four, else four points.
func SequenceIndices(n int) []int {
	switch {
	case n <= 0:
		return nil
	case n <= 2:
		return lo.Range(n)
	case n <= 4:
		return []int{0, n - 1}
	default:
		return lo.Uniq([]int{0, n / 3, 2 * n / 3, n - 1})
	}
}

// FramesPerEvent is the per-event frame cap: two when the run budget is
// generous, one otherwise.
func FramesPerEvent(budget, generous float64) int {
	if budget >= generous {
		return 2
	}
	return 1
}

// CandidatePaths returns the frame paths to submit for an event, in
// sampling order, dropping frames missing from disk. When none survive
// the representative frame is tried. exists reports file presence.
func CandidatePaths(ev *events.Event, exists func(string) bool) []string {
	var paths []string
	for _, i := range FrameIndices(len(ev.Frames)) {
		p := ev.Frames[i].Path
		if exists(p) {
			paths = append(paths, p)
		}
	}
	paths = lo.Uniq(paths)
	if len(paths) == 0 && len(ev.Frames) > 0 {
		if rep := ev.Representative().Path; exists(rep) {
			paths = []string{rep}
		}
	}
	return paths
}
