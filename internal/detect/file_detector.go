package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// ResultsFile is the on-disk format shared by precomputed detection dumps and
// the detector pipeline's --out file.
type ResultsFile struct {
	SchemaVersion string        `json:"schema_version,omitempty"`
	ModelVersion  string        `json:"model_version,omitempty"`
	Frames        []FrameResult `json:"frames"`
}

// FrameResult lists the raw detections for one frame.
type FrameResult struct {
	Index      int               `json:"index"`
	Timestamp  float64           `json:"timestamp"`
	Path       string            `json:"path,omitempty"`
	Detections []DetectionRecord `json:"detections"`
}

// DetectionRecord is the wire form of a Detection; bbox is [x1, y1, x2, y2].
type DetectionRecord struct {
	BBox       [4]float64 `json:"bbox"`
	Confidence float64    `json:"confidence"`
	ClassID    int        `json:"class_id"`
	ClassName  string     `json:"class_name"`
}

// ToDetection converts the record and derives its metrics.
func (r DetectionRecord) ToDetection() Detection {
	box := BoundingBox{X1: r.BBox[0], Y1: r.BBox[1], X2: r.BBox[2], Y2: r.BBox[3]}
	return NewDetection(box, r.Confidence, r.ClassID, r.ClassName)
}

// LoadResults reads and decodes a detection results file.
func LoadResults(path string) (*ResultsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read detections file: %w", err)
	}
	var rf ResultsFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("cannot parse detections JSON: %w", err)
	}
	return &rf, nil
}

// FileDetector answers Detect calls from a precomputed results file.
// Frames missing from the file have no detections.
type FileDetector struct {
	byIndex map[int][]Detection
}

// NewFileDetector indexes a results file by frame index.
func NewFileDetector(rf *ResultsFile) *FileDetector {
	fd := &FileDetector{byIndex: make(map[int][]Detection, len(rf.Frames))}
	for _, fr := range rf.Frames {
		dets := make([]Detection, 0, len(fr.Detections))
		for _, rec := range fr.Detections {
			dets = append(dets, rec.ToDetection())
		}
		fd.byIndex[fr.Index] = dets
	}
	return fd
}

// OpenFileDetector loads path and returns a FileDetector over it.
func OpenFileDetector(path string) (*FileDetector, error) {
	rf, err := LoadResults(path)
	if err != nil {
		return nil, err
	}
	return NewFileDetector(rf), nil
}

func (d *FileDetector) Detect(_ context.Context, frame Frame) ([]Detection, error) {
	return d.byIndex[frame.Index], nil
}
