package events

// Record is the flat, serializable form of an Event and its verdict.
type Record struct {
	EventID        int     `json:"event_id"`
	StartTime      float64 `json:"start_time"`
	EndTime        float64 `json:"end_time"`
	CenterTime     float64 `json:"center_time"`
	Duration       float64 `json:"duration"`
	FrameCount     int     `json:"frame_count"`
	DetectionCount int     `json:"detection_count"`
	Representative string  `json:"representative_frame,omitempty"`

	ClipPath   string  `json:"clip_path,omitempty"`
	ClipStart  float64 `json:"clip_start"`
	ClipEnd    float64 `json:"clip_end"`
	ClipLoaded bool    `json:"clip_loaded"`

	EventType      EventType  `json:"event_type"`
	Confidence     Confidence `json:"confidence"`
	Rationale      string     `json:"rationale"`
	FramesExamined int        `json:"frames_examined"`
	CostSpent      float64    `json:"cost_spent"`
	Votes          int        `json:"consensus_votes,omitempty"`
	Method         Method     `json:"method"`
	Status         Status     `json:"status"`
}

// Record flattens e. An unclassified event reports NoEvent with an empty
// status.
func (e *Event) Record() Record {
	r := Record{
		EventID:        e.ID,
		StartTime:      e.StartTime,
		EndTime:        e.EndTime,
		CenterTime:     e.CenterTime,
		Duration:       e.Duration(),
		FrameCount:     len(e.Frames),
		DetectionCount: e.DetectionCount(),
		EventType:      NoEvent,
		Confidence:     Low,
	}
	if len(e.Frames) > 0 {
		r.Representative = e.Representative().Path
	}
	if e.Clip != nil {
		r.ClipPath = e.Clip.Path
		r.ClipStart = e.Clip.Start
		r.ClipEnd = e.Clip.End
		r.ClipLoaded = e.Clip.Loaded
	}
	if v := e.Classification; v != nil {
		r.EventType = v.EventType
		r.Confidence = v.Confidence
		r.Rationale = v.Rationale
		r.FramesExamined = v.FramesExamined
		r.CostSpent = v.CostSpent
		r.Votes = v.Votes
		r.Method = v.Method
		r.Status = v.Status
	}
	return r
}

// Records flattens evs in id order.
func Records(evs []*Event) []Record {
	out := make([]Record, len(evs))
	for i, ev := range evs {
		out[i] = ev.Record()
	}
	return out
}
