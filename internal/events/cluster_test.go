package events

import (
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func stream(n int, present ...int) []FrameSample {
	on := make(map[int]bool, len(present))
	for _, p := range present {
		on[p] = true
	}
	frames := make([]FrameSample, n)
	for i := range frames {
		frames[i] = FrameSample{Index: i, Timestamp: float64(i), Present: on[i]}
	}
	return frames
}

func TestCluster_TwoEvents(t *testing.T) {
	got := Cluster(stream(10, 2, 3, 4, 7), 2.0)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}

	type span struct {
		ID                 int
		Start, End, Center float64
		Members            int
	}
	var spans []span
	for _, ev := range got {
		spans = append(spans, span{ev.ID, ev.StartTime, ev.EndTime, ev.CenterTime, len(ev.Frames)})
	}
	want := []span{
		{ID: 1, Start: 2, End: 4, Center: 3, Members: 3},
		{ID: 2, Start: 7, End: 7, Center: 7, Members: 1},
	}
	if diff := cmp.Diff(want, spans); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if rep := got[0].Representative(); rep.Index != 3 {
		t.Errorf("Representative().Index = %d, want 3", rep.Index)
	}
}

func TestCluster_EdgeCases(t *testing.T) {
	if got := Cluster(nil, 2); len(got) != 0 {
		t.Errorf("empty input produced %d events", len(got))
	}
	if got := Cluster(stream(5), 2); len(got) != 0 {
		t.Errorf("all-absent input produced %d events", len(got))
	}

	// Absent frames inside the tolerance do not split a run.
	got := Cluster(stream(6, 0, 2, 4), 2)
	if len(got) != 1 || len(got[0].Frames) != 3 {
		t.Fatalf("got %d events, want one with 3 frames", len(got))
	}

	// Gap exactly at the threshold joins.
	got = Cluster(stream(10, 1, 3), 2)
	if len(got) != 1 {
		t.Errorf("gap == threshold: got %d events, want 1", len(got))
	}
}

func TestCluster_SortsUnorderedInput(t *testing.T) {
	frames := []FrameSample{
		{Index: 5, Timestamp: 5, Present: true},
		{Index: 0, Timestamp: 0, Present: true},
		{Index: 1, Timestamp: 1, Present: true},
	}
	got := Cluster(frames, 1)
	if len(got) != 2 || got[0].StartTime != 0 || got[1].StartTime != 5 {
		t.Fatalf("unexpected events: %+v", got)
	}
	if frames[0].Index != 5 {
		t.Error("input slice was reordered")
	}
}

func randomStream(r *rand.Rand, n int) []FrameSample {
	frames := make([]FrameSample, n)
	ts := 0.0
	for i := range frames {
		ts += 0.1 + r.Float64()*3
		frames[i] = FrameSample{Index: i, Timestamp: ts, Present: r.IntN(3) > 0}
	}
	return frames
}

func TestCluster_Properties(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 11))
	for trial := 0; trial < 200; trial++ {
		frames := randomStream(r, 1+r.IntN(60))
		gap := 0.2 + r.Float64()*4

		evs := Cluster(frames, gap)

		var concat, present []FrameSample
		for i, ev := range evs {
			if ev.ID != i+1 {
				t.Fatalf("trial %d: id %d at position %d", trial, ev.ID, i)
			}
			if i > 0 && ev.StartTime <= evs[i-1].EndTime {
				t.Fatalf("trial %d: events %d and %d overlap", trial, i, i+1)
			}
			for j := 1; j < len(ev.Frames); j++ {
				if ev.Frames[j].Timestamp-ev.Frames[j-1].Timestamp > gap {
					t.Fatalf("trial %d: member gap exceeds threshold", trial)
				}
			}
			concat = append(concat, ev.Frames...)
		}
		for _, f := range frames {
			if f.Present {
				present = append(present, f)
			}
		}
		if diff := cmp.Diff(present, concat, cmpopts.EquateEmpty()); diff != "" {
			t.Fatalf("trial %d: members differ from present frames:\n%s", trial, diff)
		}

		wider := Cluster(frames, gap*1.5)
		if len(wider) > len(evs) {
			t.Fatalf("trial %d: widening gap %v -> %v increased events %d -> %d",
				trial, gap, gap*1.5, len(evs), len(wider))
		}
	}
}

func TestMarkPresence(t *testing.T) {
	frames := stream(4)
	out := MarkPresence(frames, func(f FrameSample) bool { return f.Index%2 == 1 })
	if !out[1].Present || out[2].Present {
		t.Errorf("MarkPresence result = %+v", out)
	}
	if frames[1].Present {
		t.Error("input mutated")
	}
}

func TestEvent_AttachVerdictOnce(t *testing.T) {
	ev := Cluster(stream(2, 0), 1)[0]
	if err := ev.AttachVerdict(NotSampledVerdict()); err != nil {
		t.Fatalf("first AttachVerdict() error = %v", err)
	}
	if err := ev.AttachVerdict(BudgetExhaustedVerdict()); err != ErrAlreadyClassified {
		t.Fatalf("second AttachVerdict() error = %v, want ErrAlreadyClassified", err)
	}
	if ev.Classification.Status != StatusNotSampled {
		t.Errorf("verdict replaced: %+v", ev.Classification)
	}
}
