package oracle

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/heimdex/binwatch/internal/events"
)

// Label parser fallbacks, applied to free-text responses:
//   - event type: first configured category appearing in the text, else
//     NoEvent when "no event" appears, else Unrecognized
//   - description: text after the first DESCRIPTION: label, else the first
//     line longer than 20 characters, else the first 200 characters
//   - confidence: "confidence: x" or "x confidence", else Medium
//   - narrative: text after NARRATIVE: plus up to 9 continuation lines

const (
	minDescriptionLine  = 20
	descriptionFallback = 200
	narrativeLookahead  = 10
)

var sectionLabels = []string{"event_type:", "description:", "confidence:", "narrative:"}

// structuredAnswer is the json_object response shape.
type structuredAnswer struct {
	EventType   string `json:"event_type"`
	Description string `json:"description"`
	Confidence  string `json:"confidence"`
	Narrative   string `json:"narrative"`
}

// ParseResponse decodes a structured JSON body, falling back to the label
// parser when the body is free text.
func ParseResponse(text string, categories []string) Answer {
	if a, ok := parseStructured(text, categories); ok {
		return a
	}
	return ParseLabeled(text, categories)
}

func parseStructured(text string, categories []string) (Answer, bool) {
	body := strings.TrimSpace(text)
	body = strings.TrimPrefix(body, "```json")
	body = strings.TrimPrefix(body, "```")
	body = strings.TrimSuffix(body, "```")
	body = strings.TrimSpace(body)
	if !strings.HasPrefix(body, "{") {
		return Answer{}, false
	}

	var s structuredAnswer
	if err := json.Unmarshal([]byte(body), &s); err != nil || s.EventType == "" {
		return Answer{}, false
	}

	conf, ok := events.ParseConfidence(s.Confidence)
	if !ok {
		conf = events.Medium
	}
	return Answer{
		EventType:   events.NormalizeEventType(s.EventType, categories),
		Confidence:  conf,
		Description: strings.TrimSpace(s.Description),
		Narrative:   strings.TrimSpace(s.Narrative),
		Raw:         text,
	}, true
}

// ParseLabeled extracts an Answer from a free-text response.
func ParseLabeled(text string, categories []string) Answer {
	return Answer{
		EventType:   parseEventType(text, categories),
		Confidence:  parseConfidence(text),
		Description: parseDescription(text),
		Narrative:   parseNarrative(text),
		Raw:         text,
	}
}

func parseEventType(text string, categories []string) events.EventType {
	lower := strings.ToLower(text)
	for _, c := range categories {
		if c != "" && strings.Contains(lower, strings.ToLower(c)) {
			return events.EventType(c)
		}
	}
	if strings.Contains(lower, "no event") {
		return events.NoEvent
	}
	return events.Unrecognized
}

func parseDescription(text string) string {
	lines := strings.Split(text, "\n")
	for _, line := range lines {
		if idx := strings.Index(strings.ToLower(line), "description:"); idx >= 0 {
			return strings.TrimSpace(line[idx+len("description:"):])
		}
	}
	for _, line := range lines {
		if l := strings.TrimSpace(line); len(l) > minDescriptionLine {
			return l
		}
	}
	return truncateRunes(text, descriptionFallback)
}

// truncateRunes keeps the first n characters of s.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func parseConfidence(text string) events.Confidence {
	lower := strings.ToLower(text)
	for _, c := range []events.Confidence{events.High, events.Medium, events.Low} {
		name := c.String()
		if strings.Contains(lower, "confidence: "+name) || strings.Contains(lower, name+" confidence") {
			return c
		}
	}
	return events.Medium
}

func parseNarrative(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		idx := strings.Index(strings.ToLower(line), "narrative:")
		if idx < 0 {
			continue
		}
		parts := []string{strings.TrimSpace(line[idx+len("narrative:"):])}
		for j := i + 1; j < len(lines) && j < i+narrativeLookahead; j++ {
			next := strings.TrimSpace(lines[j])
			if next == "" || hasSectionLabel(next) {
				break
			}
			parts = append(parts, next)
		}
		return strings.Join(parts, " ")
	}
	return ""
}

func hasSectionLabel(line string) bool {
	lower := strings.ToLower(line)
	for _, l := range sectionLabels {
		if strings.Contains(lower, l) {
			return true
		}
	}
	return false
}
