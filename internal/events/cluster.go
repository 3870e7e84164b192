package events

import "sort"

// Cluster groups present frames into events. A new event starts whenever
// the silence since the last present frame exceeds gapThreshold seconds.
// Ids are assigned from 1 in closing order.
func Cluster(frames []FrameSample, gapThreshold float64) []*Event {
	ordered := frames
	if !sort.SliceIsSorted(frames, func(i, j int) bool { return frames[i].Timestamp < frames[j].Timestamp }) {
		ordered = append([]FrameSample(nil), frames...)
		sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Timestamp < ordered[j].Timestamp })
	}

	var (
		out    []*Event
		buffer []FrameSample
	)
	closeBuffer := func() {
		out = append(out, newEvent(len(out)+1, buffer))
		buffer = nil
	}

	for _, f := range ordered {
		if !f.Present {
			if len(buffer) > 0 && f.Timestamp-buffer[len(buffer)-1].Timestamp > gapThreshold {
				closeBuffer()
			}
			continue
		}
		if len(buffer) > 0 && f.Timestamp-buffer[len(buffer)-1].Timestamp > gapThreshold {
			closeBuffer()
		}
		buffer = append(buffer, f)
	}
	if len(buffer) > 0 {
		closeBuffer()
	}
	return out
}

// MarkPresence derives Present for each frame from its detections.
func MarkPresence(frames []FrameSample, present func(FrameSample) bool) []FrameSample {
	out := make([]FrameSample, len(frames))
	for i, f := range frames {
		f.Present = present(f)
		out[i] = f
	}
	return out
}
