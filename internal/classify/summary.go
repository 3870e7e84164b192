package classify

import "github.com/heimdex/binwatch/internal/events"

// Summary counts verdict outcomes for a run.
type Summary struct {
	TotalEvents    int            `json:"total_events"`
	Sampled        int            `json:"sampled_events"`
	NotSampled     int            `json:"not_sampled"`
	Analyzed       int            `json:"classified_events"`
	OverflowTagged int            `json:"overflow_tagged"`
	BudgetSkipped  int            `json:"skipped_by_budget"`
	OracleErrors   int            `json:"oracle_failures"`
	NoValidFrames  int            `json:"no_valid_frames"`
	Ledger         LedgerSnapshot `json:"budget"`
}

// Summarize tallies the verdicts attached to evs.
func Summarize(evs []*events.Event, ledger LedgerSnapshot) Summary {
	s := Summary{TotalEvents: len(evs), Ledger: ledger}
	for _, ev := range evs {
		v := ev.Classification
		if v == nil {
			continue
		}
		switch v.Status {
		case events.StatusNotSampled:
			s.NotSampled++
		case events.StatusBudgetExhausted:
			s.BudgetSkipped++
		case events.StatusOracleError:
			s.OracleErrors++
		case events.StatusNoValidFrames:
			s.NoValidFrames++
		case events.StatusAnalyzed:
			s.Analyzed++
			if v.Method == events.MethodOracleB {
				s.OverflowTagged++
			}
		}
	}
	s.Sampled = s.TotalEvents - s.NotSampled
	return s
}
