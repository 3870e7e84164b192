package events

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventType is one of the configured categories, NoEvent or Unrecognized.
type EventType string

const (
	NoEvent      EventType = "No event detected"
	Unrecognized EventType = "Unrecognized"

	// Overflow is the category assigned by the local overflow classifier.
	Overflow EventType = "Overflowing bin or spillage"
)

// Confidence doubles as the consensus vote weight.
type Confidence int

const (
	Low    Confidence = 1
	Medium Confidence = 2
	High   Confidence = 3
)

func (c Confidence) String() string {
	switch c {
	case High:
		return "high"
	case Medium:
		return "medium"
	case Low:
		return "low"
	}
	return "unknown"
}

// Weight is the vote weight used by consensus.
func (c Confidence) Weight() int {
	if c < Low || c > High {
		return 0
	}
	return int(c)
}

// ParseConfidence maps "high"/"medium"/"low" (any case) to a Confidence.
func ParseConfidence(s string) (Confidence, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return High, true
	case "medium":
		return Medium, true
	case "low":
		return Low, true
	}
	return 0, false
}

func (c Confidence) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *Confidence) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, ok := ParseConfidence(s)
	if !ok {
		return fmt.Errorf("unknown confidence %q", s)
	}
	*c = v
	return nil
}

// Method records which classifier produced a verdict.
type Method string

const (
	MethodOracleA Method = "vlm"
	MethodOracleB Method = "overflow_model"
	MethodSkipped Method = "skipped"
)

// Status tags how a verdict came about so degraded results stay
// distinguishable from real analysis.
type Status string

const (
	StatusAnalyzed        Status = "analyzed"
	StatusNotSampled      Status = "not_sampled"
	StatusBudgetExhausted Status = "budget_exhausted"
	StatusOracleError     Status = "oracle_error"
	StatusNoValidFrames   Status = "no_valid_frames"
	StatusAnalysisOff     Status = "analysis_disabled"
)

// Verdict is the classification attached to an Event.
type Verdict struct {
	EventType      EventType  `json:"event_type"`
	Confidence     Confidence `json:"confidence"`
	Rationale      string     `json:"rationale"`
	FramesExamined int        `json:"frames_examined"`
	CostSpent      float64    `json:"cost_spent"`
	Votes          int        `json:"consensus_votes,omitempty"`
	Method         Method     `json:"method"`
	Status         Status     `json:"status"`
}

// IsOverflow reports whether the verdict carries the overflow tag.
func (v Verdict) IsOverflow() bool {
	return v.EventType == Overflow
}

// Analyzed reports whether an oracle actually looked at the event.
func (v Verdict) Analyzed() bool {
	return v.Status == StatusAnalyzed
}

func NotSampledVerdict() Verdict {
	return Verdict{
		EventType:  NoEvent,
		Confidence: Low,
		Rationale:  "not sampled",
		Method:     MethodSkipped,
		Status:     StatusNotSampled,
	}
}

func BudgetExhaustedVerdict() Verdict {
	return Verdict{
		EventType:  NoEvent,
		Confidence: Low,
		Rationale:  "Skipped - budget exhausted",
		Method:     MethodSkipped,
		Status:     StatusBudgetExhausted,
	}
}

func NoValidFramesVerdict() Verdict {
	return Verdict{
		EventType:  NoEvent,
		Confidence: Low,
		Rationale:  "No valid frames",
		Method:     MethodSkipped,
		Status:     StatusNoValidFrames,
	}
}

// OracleErrorVerdict is the zero-cost result of a failed oracle call.
func OracleErrorVerdict(err error) Verdict {
	return Verdict{
		EventType:  NoEvent,
		Confidence: Low,
		Rationale:  fmt.Sprintf("Error: %v", err),
		Method:     MethodOracleA,
		Status:     StatusOracleError,
	}
}

func AnalysisDisabledVerdict() Verdict {
	return Verdict{
		EventType:  NoEvent,
		Confidence: Low,
		Rationale:  "analysis disabled",
		Method:     MethodSkipped,
		Status:     StatusAnalysisOff,
	}
}

// NormalizeEventType maps free oracle text onto a configured category.
// Unknown text becomes Unrecognized.
func NormalizeEventType(raw string, categories []string) EventType {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Unrecognized
	}
	for _, c := range categories {
		if strings.EqualFold(s, c) {
			return EventType(c)
		}
	}
	if strings.EqualFold(s, string(NoEvent)) || strings.EqualFold(s, "no event") {
		return NoEvent
	}
	return Unrecognized
}
