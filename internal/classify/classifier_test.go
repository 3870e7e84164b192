package classify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/heimdex/binwatch/internal/events"
	"github.com/heimdex/binwatch/internal/oracle"
	"github.com/heimdex/binwatch/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeOracle struct {
	calls    atomic.Int32
	mu       sync.Mutex
	seen     []string
	classify func(img store.Image) (oracle.Answer, error)
}

func (f *fakeOracle) Classify(_ context.Context, img store.Image, _ string) (oracle.Answer, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.seen = append(f.seen, img.Path)
	f.mu.Unlock()
	if f.classify != nil {
		return f.classify(img)
	}
	return oracle.Answer{EventType: "Blocked access", Confidence: events.High, Description: "car in front"}, nil
}

func (f *fakeOracle) ClassifySequence(ctx context.Context, imgs []store.Image, hint string) (oracle.Answer, error) {
	return f.Classify(ctx, imgs[0], hint)
}

type fakeOverflow struct {
	calls       atomic.Int32
	overflowing func(path string) bool
}

func (f *fakeOverflow) ClassifyOverflow(_ context.Context, paths []string) ([]OverflowFrame, error) {
	f.calls.Add(1)
	out := make([]OverflowFrame, len(paths))
	for i, p := range paths {
		out[i] = OverflowFrame{Path: p, Overflowing: f.overflowing(p), Confidence: 0.9}
	}
	return out, nil
}

func fakeImage(path string) (store.Image, error) {
	return store.Image{Path: path, Width: 640, Height: 480}, nil
}

var defaultCosts = CostSchedule{StandardTierMaxDimension: 1024, StandardCost: 0.01, HighCost: 0.03}

func newTestClassifier(o oracle.Oracle, opts Options, extra ...Option) *Classifier {
	if opts.Costs == (CostSchedule{}) {
		opts.Costs = defaultCosts
	}
	if opts.GenerousBudget == 0 {
		opts.GenerousBudget = 1.0
	}
	base := []Option{
		WithImageLoader(fakeImage),
		WithFileCheck(func(string) bool { return true }),
		WithRand(rand.New(rand.NewPCG(3, 5))),
	}
	return New(o, opts, testLogger(), nil, append(base, extra...)...)
}

func statuses(evs []*events.Event) []events.Status {
	out := make([]events.Status, len(evs))
	for i, ev := range evs {
		out[i] = ev.Classification.Status
	}
	return out
}

func TestClassifier_GenerousBudget(t *testing.T) {
	o := &fakeOracle{}
	evs := makeEvents(3, 3)
	ledger := NewLedger(1.0)

	sum, err := newTestClassifier(o, Options{}).Run(context.Background(), evs, ledger)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	for _, ev := range evs {
		v := ev.Classification
		if v.Status != events.StatusAnalyzed || v.Method != events.MethodOracleA {
			t.Fatalf("event %d verdict = %+v", ev.ID, v)
		}
		if v.FramesExamined != 2 || v.CostSpent != 0.02 {
			t.Errorf("event %d examined %d frames for %v", ev.ID, v.FramesExamined, v.CostSpent)
		}
		if v.EventType != "Blocked access" || v.Rationale != "car in front" {
			t.Errorf("event %d verdict = %+v", ev.ID, v)
		}
	}
	if o.calls.Load() != 6 {
		t.Errorf("oracle calls = %d, want 6", o.calls.Load())
	}
	if sum.Analyzed != 3 || sum.Ledger.Spent != 0.06 || sum.Ledger.Exhausted {
		t.Errorf("summary = %+v", sum)
	}
}

func TestClassifier_BudgetExhaustionSkipsRest(t *testing.T) {
	o := &fakeOracle{}
	evs := makeEvents(7, 3)
	ledger := NewLedger(0.05)

	sum, err := newTestClassifier(o, Options{}).Run(context.Background(), evs, ledger)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []events.Status{
		events.StatusAnalyzed, events.StatusAnalyzed, events.StatusAnalyzed,
		events.StatusAnalyzed, events.StatusAnalyzed,
		events.StatusBudgetExhausted, events.StatusBudgetExhausted,
	}
	got := statuses(evs)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("statuses = %v, want %v", got, want)
		}
	}
	if o.calls.Load() != 5 {
		t.Errorf("oracle calls = %d, want 5 (tight budget allows one frame per event)", o.calls.Load())
	}
	skipped := evs[6].Classification
	if skipped.Method != events.MethodSkipped || skipped.CostSpent != 0 {
		t.Errorf("skipped verdict = %+v", skipped)
	}
	if !ledger.Exhausted() || ledger.Spent() != 0.05 {
		t.Errorf("ledger spent=%v exhausted=%v", ledger.Spent(), ledger.Exhausted())
	}
	if sum.BudgetSkipped != 2 || sum.Analyzed != 5 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestClassifier_SuspendMidEvent(t *testing.T) {
	o := &fakeOracle{}
	evs := makeEvents(3, 3)
	ledger := NewLedger(1.0)
	c := newTestClassifier(o, Options{Costs: CostSchedule{StandardTierMaxDimension: 1024, StandardCost: 0.3, HighCost: 0.3}})

	if _, err := c.Run(context.Background(), evs, ledger); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	first, second, third := evs[0].Classification, evs[1].Classification, evs[2].Classification
	if first.FramesExamined != 2 || first.CostSpent != 0.6 {
		t.Errorf("first = %+v", first)
	}
	if second.Status != events.StatusAnalyzed || second.FramesExamined != 1 || second.CostSpent != 0.3 {
		t.Errorf("second should keep its one charged frame: %+v", second)
	}
	if third.Status != events.StatusBudgetExhausted {
		t.Errorf("third = %+v", third)
	}
	if ledger.Spent() != 0.9 {
		t.Errorf("Spent() = %v, want 0.9", ledger.Spent())
	}
}

func TestClassifier_OracleFailureIsFree(t *testing.T) {
	o := &fakeOracle{classify: func(store.Image) (oracle.Answer, error) {
		return oracle.Answer{}, oracle.ErrTransient
	}}
	evs := makeEvents(1, 3)
	ledger := NewLedger(1.0)

	sum, err := newTestClassifier(o, Options{}).Run(context.Background(), evs, ledger)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	v := evs[0].Classification
	if v.Status != events.StatusOracleError || v.EventType != events.NoEvent || v.Confidence != events.Low {
		t.Errorf("verdict = %+v", v)
	}
	if v.Status == events.StatusBudgetExhausted || v.Method == events.MethodSkipped {
		t.Error("oracle failure must be distinguishable from budget exhaustion")
	}
	if v.CostSpent != 0 || ledger.Spent() != 0 || ledger.Exhausted() {
		t.Errorf("failed calls were charged: cost=%v spent=%v", v.CostSpent, ledger.Spent())
	}
	if !strings.Contains(v.Rationale, "Error") {
		t.Errorf("Rationale = %q", v.Rationale)
	}
	if sum.OracleErrors != 1 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestClassifier_PartialFailureStillConsensus(t *testing.T) {
	var n atomic.Int32
	o := &fakeOracle{classify: func(store.Image) (oracle.Answer, error) {
		if n.Add(1) == 1 {
			return oracle.Answer{}, errors.New("connection reset")
		}
		return oracle.Answer{EventType: "Contamination detected", Confidence: events.Medium, Description: "mixed waste"}, nil
	}}
	evs := makeEvents(1, 3)

	if _, err := newTestClassifier(o, Options{}).Run(context.Background(), evs, NewLedger(1.0)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	v := evs[0].Classification
	if v.EventType != "Contamination detected" || v.Status != events.StatusAnalyzed {
		t.Errorf("verdict = %+v", v)
	}
	if v.FramesExamined != 2 || v.CostSpent != 0.01 {
		t.Errorf("examined=%d cost=%v, want 2 and 0.01", v.FramesExamined, v.CostSpent)
	}
}

func TestClassifier_NoValidFrames(t *testing.T) {
	o := &fakeOracle{}
	evs := makeEvents(1, 3)
	c := newTestClassifier(o, Options{}, WithFileCheck(func(string) bool { return false }))

	if _, err := c.Run(context.Background(), evs, NewLedger(1.0)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	v := evs[0].Classification
	if v.Status != events.StatusNoValidFrames || v.Rationale != "No valid frames" || v.CostSpent != 0 {
		t.Errorf("verdict = %+v", v)
	}
	if o.calls.Load() != 0 {
		t.Errorf("oracle called %d times", o.calls.Load())
	}
}

func TestClassifier_UnreadableFramesSkipped(t *testing.T) {
	o := &fakeOracle{}
	evs := makeEvents(1, 3)
	loader := func(p string) (store.Image, error) {
		if strings.HasSuffix(p, "_0.jpg") {
			return store.Image{}, errors.New("truncated jpeg")
		}
		return fakeImage(p)
	}
	c := newTestClassifier(o, Options{}, WithImageLoader(loader))

	if _, err := c.Run(context.Background(), evs, NewLedger(1.0)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if v := evs[0].Classification; v.FramesExamined != 1 || v.Status != events.StatusAnalyzed {
		t.Errorf("verdict = %+v", v)
	}
}

func TestClassifier_HighResolutionCostsMore(t *testing.T) {
	o := &fakeOracle{}
	evs := makeEvents(1, 1)
	loader := func(p string) (store.Image, error) {
		return store.Image{Path: p, Width: 1920, Height: 1080}, nil
	}
	c := newTestClassifier(o, Options{}, WithImageLoader(loader))
	if _, err := c.Run(context.Background(), evs, NewLedger(1.0)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := evs[0].Classification.CostSpent; got != 0.03 {
		t.Errorf("CostSpent = %v, want 0.03", got)
	}
}

func TestClassifier_NotSampledPlaceholder(t *testing.T) {
	o := &fakeOracle{}
	evs := makeEvents(5, 1)

	sum, err := newTestClassifier(o, Options{SampleSize: 2}).Run(context.Background(), evs, NewLedger(1.0))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	notSampled := 0
	for _, ev := range evs {
		v := ev.Classification
		if v.Status == events.StatusNotSampled {
			notSampled++
			if v.EventType != events.NoEvent || v.Confidence != events.Low || v.Rationale != "not sampled" {
				t.Errorf("placeholder = %+v", v)
			}
		}
	}
	if notSampled != 3 || o.calls.Load() != 2 {
		t.Errorf("notSampled=%d calls=%d, want 3 and 2", notSampled, o.calls.Load())
	}
	if sum.Sampled != 2 || sum.NotSampled != 3 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestClassifier_OverflowTakesPrecedence(t *testing.T) {
	o := &fakeOracle{}
	model := &fakeOverflow{overflowing: func(p string) bool { return strings.HasPrefix(p, "frame_1_") }}
	evs := makeEvents(2, 3)

	sum, err := newTestClassifier(o, Options{}, WithOverflowModel(model)).Run(context.Background(), evs, NewLedger(1.0))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	v := evs[0].Classification
	if v.Method != events.MethodOracleB || !v.IsOverflow() || v.Confidence != events.High || v.CostSpent != 0 {
		t.Errorf("overflow verdict = %+v", v)
	}
	for _, p := range o.seen {
		if strings.HasPrefix(p, "frame_1_") {
			t.Errorf("oracle saw overflow-tagged frame %s", p)
		}
	}
	if evs[1].Classification.Method != events.MethodOracleA {
		t.Errorf("second event = %+v", evs[1].Classification)
	}
	if sum.OverflowTagged != 1 || sum.Analyzed != 2 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestOverflowVote(t *testing.T) {
	frames := []OverflowFrame{
		{Overflowing: true, Confidence: 0.5},
		{Overflowing: true, Confidence: 0.6},
		{Overflowing: false, Confidence: 0.7},
		{Error: "decode"},
	}
	v, ok := OverflowVote(frames)
	if !ok || v.Confidence != events.Medium || v.FramesExamined != 3 {
		t.Fatalf("OverflowVote() = %+v, %v", v, ok)
	}

	if _, ok := OverflowVote(frames[1:3]); ok {
		t.Error("1 of 2 is not a majority")
	}
	if _, ok := OverflowVote(nil); ok {
		t.Error("empty input should not tag")
	}
}

func TestClassifier_ConcurrentKeepsOrder(t *testing.T) {
	o := &fakeOracle{classify: func(img store.Image) (oracle.Answer, error) {
		time.Sleep(time.Duration(len(img.Path)%3) * time.Millisecond)
		return oracle.Answer{EventType: events.EventType(img.Path[:strings.LastIndex(img.Path, "_")]), Confidence: events.High}, nil
	}}
	evs := makeEvents(12, 1)

	c := newTestClassifier(o, Options{Concurrency: 4})
	if _, err := c.Run(context.Background(), evs, NewLedger(1.0)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for _, ev := range evs {
		want := events.EventType(strings.TrimSuffix(ev.Frames[0].Path, "_0.jpg"))
		if ev.Classification.EventType != want {
			t.Errorf("event %d got %q, want %q", ev.ID, ev.Classification.EventType, want)
		}
	}
}

func TestClassifier_ConcurrentNeverOverspends(t *testing.T) {
	o := &fakeOracle{}
	evs := makeEvents(10, 1)
	ledger := NewLedger(0.05)

	sum, err := newTestClassifier(o, Options{Concurrency: 3}).Run(context.Background(), evs, ledger)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if ledger.Spent() > ledger.Cap() {
		t.Fatalf("spent %v exceeds cap %v", ledger.Spent(), ledger.Cap())
	}
	if sum.Analyzed != 5 || sum.BudgetSkipped != 5 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestClassifier_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	o := &fakeOracle{classify: func(store.Image) (oracle.Answer, error) {
		cancel()
		return oracle.Answer{}, context.Canceled
	}}
	_, err := newTestClassifier(o, Options{}).Run(ctx, makeEvents(3, 1), NewLedger(1.0))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
}

func TestClassifier_ConcurrentMatchesSequential(t *testing.T) {
	// The first frame of event 1 answers last and fails, releasing its
	// reservation after later events have already been dispatched.
	slowFailure := func(img store.Image) (oracle.Answer, error) {
		if img.Path == "frame_1_0.jpg" {
			time.Sleep(50 * time.Millisecond)
			return oracle.Answer{}, oracle.ErrTransient
		}
		return oracle.Answer{EventType: "Blocked access", Confidence: events.High, Description: "car in front"}, nil
	}
	tests := []struct {
		name       string
		events     int
		framesEach int
		cap        float64
		generous   float64
		want       []events.Status
	}{
		{
			name: "single frame events", events: 4, framesEach: 1, cap: 0.02, generous: 1.0,
			want: []events.Status{events.StatusOracleError, events.StatusAnalyzed, events.StatusAnalyzed, events.StatusBudgetExhausted},
		},
		{
			name: "two frames per event", events: 3, framesEach: 3, cap: 0.03, generous: 0.01,
			want: []events.Status{events.StatusAnalyzed, events.StatusAnalyzed, events.StatusBudgetExhausted},
		},
	}

	type outcome struct {
		Status   events.Status
		Examined int
		Cost     float64
	}
	classify := func(t *testing.T, concurrency, n, framesEach int, cap, generous float64) ([]outcome, LedgerSnapshot) {
		t.Helper()
		evs := makeEvents(n, framesEach)
		ledger := NewLedger(cap)
		c := newTestClassifier(&fakeOracle{classify: slowFailure}, Options{Concurrency: concurrency, GenerousBudget: generous})
		if _, err := c.Run(context.Background(), evs, ledger); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		out := make([]outcome, len(evs))
		for i, ev := range evs {
			v := ev.Classification
			out[i] = outcome{Status: v.Status, Examined: v.FramesExamined, Cost: v.CostSpent}
		}
		return out, ledger.Snapshot()
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want, wantLedger := classify(t, 1, tt.events, tt.framesEach, tt.cap, tt.generous)
			for i, o := range want {
				if o.Status != tt.want[i] {
					t.Fatalf("sequential statuses = %+v, want %v", want, tt.want)
				}
			}
			for _, concurrency := range []int{2, 4} {
				got, gotLedger := classify(t, concurrency, tt.events, tt.framesEach, tt.cap, tt.generous)
				if diff := cmp.Diff(want, got); diff != "" {
					t.Errorf("concurrency %d verdicts differ from sequential (-want +got):\n%s", concurrency, diff)
				}
				if diff := cmp.Diff(wantLedger, gotLedger); diff != "" {
					t.Errorf("concurrency %d ledger differs from sequential (-want +got):\n%s", concurrency, diff)
				}
			}
		})
	}
}
