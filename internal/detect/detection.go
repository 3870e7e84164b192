// Package detect holds the object-detection data model and the heuristics
// that decide whether a frame contains a waste bin.
package detect

import "context"

// BoundingBox is an axis-aligned box in pixel coordinates.
type BoundingBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

func (b BoundingBox) Width() float64  { return b.X2 - b.X1 }
func (b BoundingBox) Height() float64 { return b.Y2 - b.Y1 }

// Metrics are derived from the bounding box when a detection is built.
type Metrics struct {
	Area        float64 `json:"area"`
	AspectRatio float64 `json:"aspect_ratio"`
}

// Detection is one labeled box produced by the external detector.
type Detection struct {
	Box        BoundingBox `json:"bbox"`
	Confidence float64     `json:"confidence"`
	ClassID    int         `json:"class_id"`
	ClassLabel string      `json:"class_name"`
	Metrics    Metrics     `json:"metrics"`
}

// NewDetection builds a Detection and fills in its derived metrics.
// Aspect ratio is height over width and is 0 for degenerate boxes.
func NewDetection(box BoundingBox, confidence float64, classID int, label string) Detection {
	d := Detection{Box: box, Confidence: confidence, ClassID: classID, ClassLabel: label}
	d.Metrics = deriveMetrics(box)
	return d
}

func deriveMetrics(box BoundingBox) Metrics {
	w, h := box.Width(), box.Height()
	m := Metrics{Area: w * h}
	if w > 0 {
		m.AspectRatio = h / w
	}
	return m
}

// Frame is a decoded still handed to a Detector.
type Frame struct {
	Index     int     `json:"index"`
	Timestamp float64 `json:"timestamp"`
	Path      string  `json:"path"`
}

// Detector turns a frame into detections. Implementations must be free of
// side effects visible to the caller.
type Detector interface {
	Detect(ctx context.Context, frame Frame) ([]Detection, error)
}

// DetectorFunc adapts a plain function to the Detector interface.
type DetectorFunc func(ctx context.Context, frame Frame) ([]Detection, error)

func (f DetectorFunc) Detect(ctx context.Context, frame Frame) ([]Detection, error) {
	return f(ctx, frame)
}
