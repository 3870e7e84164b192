package oracle

import (
	"fmt"
	"strings"

	"github.com/heimdex/binwatch/internal/events"
)

// scenarioHints describe what each default category looks like on camera.
var scenarioHints = map[string]string{
	"Bin missed / not collected":  "The bin is visible but there is NO mechanical claw, arm, or collection equipment attached to or interacting with the bin",
	"Contamination detected":      "Non-recyclable waste items are mixed in with recyclable materials",
	"Overflowing bin or spillage": "The bin is filled to the brim and waste is protruding out or spilling over the edges",
	"Blocked access":              "A car, vehicle, or obstacle is parked directly in front of the bin, preventing collection access",
}

func categoryBlock(categories []string) string {
	var b strings.Builder
	for _, c := range categories {
		if c == string(events.NoEvent) {
			continue
		}
		fmt.Fprintf(&b, "- %s\n", c)
	}
	var hints []string
	for _, c := range categories {
		if h, ok := scenarioHints[c]; ok {
			hints = append(hints, fmt.Sprintf("- %q: %s", c, h))
		}
	}
	if len(hints) > 0 {
		b.WriteString("\nFocus on these specific scenarios:\n")
		b.WriteString(strings.Join(hints, "\n"))
		b.WriteString("\n")
	}
	return b.String()
}

// FramePrompt builds the single-frame classification prompt.
func FramePrompt(categories []string, hint string) string {
	if hint == "" {
		hint = "Garbage collection video - bin detected"
	}
	return fmt.Sprintf(`Analyze this image from a garbage collection video. A garbage bin has been detected in it.

Identify which of these events is occurring:
%s
Context: %s

Respond with a JSON object:
{"event_type": "<one event type from the list, or No event detected>",
 "description": "<what you see and why this event is occurring>",
 "confidence": "<high|medium|low>"}`, categoryBlock(categories), hint)
}

// SequencePrompt builds the multi-frame clip narrative prompt.
func SequencePrompt(categories []string, hint string) string {
	return fmt.Sprintf(`You are analyzing a sequence of frames, in chronological order, from a garbage collection video clip in which a garbage bin was detected. Look for changes between frames to understand what happened.

Possible events:
%s
Context: %s

Respond with a JSON object:
{"event_type": "<one event type from the list, or No event detected>",
 "description": "<what you see in the clip>",
 "narrative": "<chronological account of what happened from the first to the last frame>",
 "confidence": "<high|medium|low>"}`, categoryBlock(categories), hint)
}
