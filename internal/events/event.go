// Package events holds the event data model, the gap-tolerant clusterer
// and the clip extractor.
package events

import (
	"errors"

	"github.com/heimdex/binwatch/internal/detect"
)

// ErrAlreadyClassified is returned when a verdict is attached twice.
var ErrAlreadyClassified = errors.New("event already classified")

// FrameSample is one decoded instant of the source video.
type FrameSample struct {
	Index      int                `json:"index"`
	Timestamp  float64            `json:"timestamp"`
	Path       string             `json:"path,omitempty"`
	Detections []detect.Detection `json:"detections,omitempty"`
	Present    bool               `json:"present"`
}

// ClipRef points at an extracted clip artifact.
type ClipRef struct {
	Path   string  `json:"path"`
	Start  float64 `json:"start"`
	End    float64 `json:"end"`
	Loaded bool    `json:"loaded"`
}

// Event is a bounded interval during which the subject was continuously
// detected. Only the clip reference and classification are set after
// construction.
type Event struct {
	ID         int           `json:"id"`
	Frames     []FrameSample `json:"-"`
	StartTime  float64       `json:"start_time"`
	EndTime    float64       `json:"end_time"`
	CenterTime float64       `json:"center_time"`

	Clip           *ClipRef `json:"clip,omitempty"`
	Classification *Verdict `json:"classification,omitempty"`
}

func newEvent(id int, frames []FrameSample) *Event {
	start := frames[0].Timestamp
	end := frames[len(frames)-1].Timestamp
	return &Event{
		ID:         id,
		Frames:     frames,
		StartTime:  start,
		EndTime:    end,
		CenterTime: (start + end) / 2,
	}
}

// Representative returns the member frame at the middle index.
func (e *Event) Representative() FrameSample {
	return e.Frames[len(e.Frames)/2]
}

func (e *Event) Duration() float64 {
	return e.EndTime - e.StartTime
}

// DetectionCount sums raw detections over all member frames.
func (e *Event) DetectionCount() int {
	n := 0
	for _, f := range e.Frames {
		n += len(f.Detections)
	}
	return n
}

// AttachClip sets the clip reference.
func (e *Event) AttachClip(ref ClipRef) {
	e.Clip = &ref
}

// AttachVerdict sets the classification once.
func (e *Event) AttachVerdict(v Verdict) error {
	if e.Classification != nil {
		return ErrAlreadyClassified
	}
	e.Classification = &v
	return nil
}
