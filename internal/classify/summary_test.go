package classify

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/heimdex/binwatch/internal/events"
)

func TestSummarize(t *testing.T) {
	evs := makeEvents(6, 2)
	verdicts := []events.Verdict{
		{EventType: "Blocked access", Confidence: events.High, Method: events.MethodOracleA, Status: events.StatusAnalyzed},
		{EventType: events.Overflow, Confidence: events.High, Method: events.MethodOracleB, Status: events.StatusAnalyzed},
		events.BudgetExhaustedVerdict(),
		events.OracleErrorVerdict(errors.New("boom")),
		events.NoValidFramesVerdict(),
		events.NotSampledVerdict(),
	}
	for i, v := range verdicts {
		if err := evs[i].AttachVerdict(v); err != nil {
			t.Fatal(err)
		}
	}

	ledger := LedgerSnapshot{Cap: 1, Spent: 0.02, Remaining: 0.98, ImagesAnalyzed: 2}
	want := Summary{
		TotalEvents:    6,
		Sampled:        5,
		NotSampled:     1,
		Analyzed:       2,
		OverflowTagged: 1,
		BudgetSkipped:  1,
		OracleErrors:   1,
		NoValidFrames:  1,
		Ledger:         ledger,
	}
	if diff := cmp.Diff(want, Summarize(evs, ledger)); diff != "" {
		t.Errorf("Summarize() (-want +got):\n%s", diff)
	}
}

func TestSummarize_Unclassified(t *testing.T) {
	got := Summarize(makeEvents(2, 1), LedgerSnapshot{})
	if got.TotalEvents != 2 || got.Sampled != 2 || got.Analyzed != 0 {
		t.Errorf("Summarize() = %+v", got)
	}
}
