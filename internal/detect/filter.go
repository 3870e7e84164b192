package detect

// Postprocessor filters or rewrites a slice of detections.
type Postprocessor func([]Detection) []Detection

// COCO class ids of container-like objects that the general-purpose model
// reports when it sees a bin.
var ContainerClasses = map[int]bool{
	39: true, // bottle
	41: true, // cup
	45: true, // bowl
}

const (
	largeObjectArea = 5000.0
	minBinAspect    = 0.8
	maxBinAspect    = 2.0
)

// NewScoreFilter drops detections below a confidence threshold.
func NewScoreFilter(conf float64) Postprocessor {
	return func(in []Detection) []Detection {
		out := make([]Detection, 0, len(in))
		for _, d := range in {
			if d.Confidence >= conf {
				out = append(out, d)
			}
		}
		return out
	}
}

// NewBinShapeFilter keeps detections that look like a bin: a container-like
// class, or a large object with an upright, bin-like aspect ratio.
func NewBinShapeFilter(containers map[int]bool) Postprocessor {
	return func(in []Detection) []Detection {
		out := make([]Detection, 0, len(in))
		for _, d := range in {
			if IsBinLike(d, containers) {
				out = append(out, d)
			}
		}
		return out
	}
}

// IsBinLike reports whether a single detection passes the bin heuristic.
func IsBinLike(d Detection, containers map[int]bool) bool {
	if containers[d.ClassID] {
		return true
	}
	large := d.Metrics.Area > largeObjectArea
	upright := d.Metrics.AspectRatio > minBinAspect && d.Metrics.AspectRatio < maxBinAspect
	return large && upright
}

// Chain composes postprocessors left to right.
func Chain(pp ...Postprocessor) Postprocessor {
	return func(in []Detection) []Detection {
		out := in
		for _, p := range pp {
			if p == nil {
				continue
			}
			out = p(out)
		}
		return out
	}
}

// Filter decides whether a frame contains the subject of interest.
type Filter struct {
	pipeline Postprocessor
}

// NewFilter builds the default bin filter with the given minimum confidence.
func NewFilter(minConfidence float64) *Filter {
	return &Filter{pipeline: Chain(NewScoreFilter(minConfidence), NewBinShapeFilter(ContainerClasses))}
}

// NewFilterWith builds a filter from arbitrary postprocessors.
func NewFilterWith(pp ...Postprocessor) *Filter {
	return &Filter{pipeline: Chain(pp...)}
}

// Matches returns the detections that qualify as the subject of interest.
func (f *Filter) Matches(dets []Detection) []Detection {
	return f.pipeline(dets)
}

// Present reports whether any detection qualifies.
func (f *Filter) Present(dets []Detection) bool {
	return len(f.Matches(dets)) > 0
}
