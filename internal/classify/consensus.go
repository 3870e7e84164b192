package classify

import "github.com/heimdex/binwatch/internal/events"

// Vote is one per-frame classification result.
type Vote struct {
	EventType  events.EventType
	Confidence events.Confidence
	Rationale  string
}

// Aggregate combines votes by confidence weight (High=3, Medium=2,
// Low=1). The heaviest event type wins; ties go to the type seen first.
// Rationale and confidence come from the first vote for the winner.
// An empty input yields a NoEvent/Low verdict.
func Aggregate(votes []Vote) events.Verdict {
	if len(votes) == 0 {
		return events.Verdict{
			EventType:  events.NoEvent,
			Confidence: events.Low,
			Rationale:  "Analysis failed",
		}
	}

	weights := make(map[events.EventType]int, len(votes))
	first := make(map[events.EventType]int, len(votes))
	var order []events.EventType
	for i, v := range votes {
		if _, seen := first[v.EventType]; !seen {
			first[v.EventType] = i
			order = append(order, v.EventType)
		}
		w := v.Confidence.Weight()
		if w == 0 {
			w = events.Low.Weight()
		}
		weights[v.EventType] += w
	}

	winner := order[0]
	for _, t := range order[1:] {
		if weights[t] > weights[winner] {
			winner = t
		}
	}

	src := votes[first[winner]]
	return events.Verdict{
		EventType:  winner,
		Confidence: src.Confidence,
		Rationale:  src.Rationale,
		Votes:      weights[winner],
	}
}
