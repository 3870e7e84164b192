package classify

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/heimdex/binwatch/internal/events"
	"github.com/heimdex/binwatch/internal/metrics"
	"github.com/heimdex/binwatch/internal/oracle"
	"github.com/heimdex/binwatch/internal/store"
)

// Options tune a classification run.
type Options struct {
	Costs          CostSchedule
	GenerousBudget float64
	SampleSize     int
	Concurrency    int
	VideoDuration  float64
}

// Classifier assigns a verdict to every event of a run.
type Classifier struct {
	oracle    oracle.Oracle
	overflow  OverflowModel
	loadImage func(path string) (store.Image, error)
	exists    func(path string) bool
	rng       *rand.Rand
	opts      Options
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// Option customizes a Classifier.
type Option func(*Classifier)

// WithOverflowModel enables the local overflow stage.
func WithOverflowModel(m OverflowModel) Option {
	return func(c *Classifier) { c.overflow = m }
}

// WithImageLoader replaces store.LoadImage.
func WithImageLoader(fn func(string) (store.Image, error)) Option {
	return func(c *Classifier) { c.loadImage = fn }
}

// WithFileCheck replaces store.FileExists.
func WithFileCheck(fn func(string) bool) Option {
	return func(c *Classifier) { c.exists = fn }
}

// WithRand sets the source used for event sampling.
func WithRand(r *rand.Rand) Option {
	return func(c *Classifier) { c.rng = r }
}

func New(o oracle.Oracle, opts Options, logger *slog.Logger, m *metrics.Metrics, options ...Option) *Classifier {
	c := &Classifier{
		oracle:    o,
		loadImage: store.LoadImage,
		exists:    store.FileExists,
		opts:      opts,
		logger:    logger.With("component", "classifier"),
		metrics:   m,
	}
	for _, opt := range options {
		opt(c)
	}
	if c.rng == nil {
		c.rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
	}
	if c.opts.Concurrency < 1 {
		c.opts.Concurrency = 1
	}
	return c
}

// Run classifies evs against ledger and attaches a verdict to each one.
// Degraded outcomes are verdicts; only cancellation returns an error.
func (c *Classifier) Run(ctx context.Context, evs []*events.Event, ledger *Ledger) (Summary, error) {
	sampled := SampleEvents(evs, c.opts.SampleSize, c.rng)
	inSample := make(map[int]bool, len(sampled))
	for _, ev := range sampled {
		inSample[ev.ID] = true
	}

	c.logger.Info("classification started",
		"events", len(evs),
		"sampled", len(sampled),
		"budget", ledger.Cap(),
		"concurrency", c.opts.Concurrency,
	)

	verdicts := make(map[int]events.Verdict, len(evs))
	for _, ev := range evs {
		if !inSample[ev.ID] {
			verdicts[ev.ID] = events.NotSampledVerdict()
		}
	}

	pending := sampled
	if c.overflow != nil {
		var err error
		pending, err = c.runOverflow(ctx, sampled, verdicts)
		if err != nil {
			return Summary{}, err
		}
	}

	results, err := c.runOracle(ctx, pending, ledger)
	if err != nil {
		return Summary{}, err
	}
	for i, ev := range pending {
		verdicts[ev.ID] = results[i]
	}

	for _, ev := range evs {
		v := verdicts[ev.ID]
		if err := ev.AttachVerdict(v); err != nil {
			c.logger.Warn("event already classified", "event_id", ev.ID)
			continue
		}
		c.metrics.Verdict(string(v.Method), string(v.Status))
	}

	snap := ledger.Snapshot()
	c.metrics.Ledger(snap.Spent, snap.Cap)
	summary := Summarize(evs, snap)
	c.logger.Info("classification finished",
		"analyzed", summary.Analyzed,
		"budget_skipped", summary.BudgetSkipped,
		"oracle_errors", summary.OracleErrors,
		"spent", snap.Spent,
		"cap", snap.Cap,
		"exhausted", snap.Exhausted,
	)
	return summary, nil
}

// runOverflow tags overflowing events and returns the rest. Overflow
// verdicts take precedence, so tagged events never reach the oracle.
func (c *Classifier) runOverflow(ctx context.Context, evs []*events.Event, verdicts map[int]events.Verdict) ([]*events.Event, error) {
	var rest []*events.Event
	for _, ev := range evs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		paths := OverflowPaths(ev, c.exists)
		if len(paths) == 0 {
			rest = append(rest, ev)
			continue
		}
		frames, err := c.overflow.ClassifyOverflow(ctx, paths)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Warn("overflow model failed", "event_id", ev.ID, "error", err)
			rest = append(rest, ev)
			continue
		}
		if v, ok := OverflowVote(frames); ok {
			verdicts[ev.ID] = v
			c.logger.Debug("event tagged overflow", "event_id", ev.ID, "confidence", v.Confidence.String())
			continue
		}
		rest = append(rest, ev)
	}
	return rest, nil
}

// frameCall is one admitted oracle request. The goroutine running it
// writes ans, err and spent; they are read only after the group waits.
type frameCall struct {
	ans   oracle.Answer
	err   error
	spent float64
}

// eventPlan is what the dispatcher decided for one event.
type eventPlan struct {
	fixed    *events.Verdict
	calls    []*frameCall
	rejected bool
}

func decided(v events.Verdict) eventPlan {
	return eventPlan{fixed: &v}
}

// runOracle returns one verdict per event, index-aligned with evs.
//
// Every admission decision is made here, in run order: the exhaustion
// check, the frame existence check and the ledger reservation of each
// frame. Only the oracle calls themselves run concurrently, up to the
// configured limit. Because Reserve waits for in-flight calls whenever
// their outcome could change its answer, the verdicts match a run with
// concurrency 1 regardless of completion order.
func (c *Classifier) runOracle(ctx context.Context, evs []*events.Event, ledger *Ledger) ([]events.Verdict, error) {
	plans := make([]eventPlan, len(evs))
	sem := semaphore.NewWeighted(int64(c.opts.Concurrency))
	g, gctx := errgroup.WithContext(ctx)

dispatch:
	for i, ev := range evs {
		if ledger.Exhausted() {
			plans[i] = decided(events.BudgetExhaustedVerdict())
			continue
		}
		paths := CandidatePaths(ev, c.exists)
		if len(paths) == 0 {
			plans[i] = decided(events.NoValidFramesVerdict())
			continue
		}
		if limit := FramesPerEvent(ledger.Cap(), c.opts.GenerousBudget); len(paths) > limit {
			paths = paths[:limit]
		}

		plan := &plans[i]
		logger := c.logger.With("event_id", ev.ID)
		hint := c.hint(ev)
		for _, p := range paths {
			img, err := c.loadImage(p)
			if err != nil {
				logger.Warn("frame unreadable", "path", p, "error", err)
				continue
			}
			if err := sem.Acquire(gctx, 1); err != nil {
				break dispatch
			}
			res, ok := ledger.Reserve(c.opts.Costs.Cost(img.MaxDimension()), 1)
			if !ok {
				sem.Release(1)
				plan.rejected = true
				logger.Info("budget exhausted, remaining frames not submitted")
				break
			}
			call := &frameCall{}
			plan.calls = append(plan.calls, call)
			g.Go(func() error {
				defer sem.Release(1)
				ans, err := c.oracle.Classify(gctx, img, hint)
				if err != nil {
					res.Release()
					if gctx.Err() != nil {
						return gctx.Err()
					}
					logger.Warn("oracle call failed", "path", p, "transient", oracle.IsTransient(err), "error", err)
					call.err = err
					return nil
				}
				call.ans = ans
				call.spent = res.Commit()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	results := make([]events.Verdict, len(evs))
	for i := range plans {
		results[i] = plans[i].verdict()
	}
	return results, nil
}

func (c *Classifier) hint(ev *events.Event) string {
	h := fmt.Sprintf("Bin detected at timestamp %.2f seconds", ev.CenterTime)
	if c.opts.VideoDuration > 0 {
		h += fmt.Sprintf(" in a %.1f second video", c.opts.VideoDuration)
	}
	return h
}

// verdict folds the frame answers of one event. Frames already charged
// stand even when a later frame was rejected.
func (p *eventPlan) verdict() events.Verdict {
	if p.fixed != nil {
		return *p.fixed
	}
	var (
		votes    []Vote
		calls    int
		failures int
		spent    float64
	)
	for _, fc := range p.calls {
		if fc.err != nil {
			failures++
			votes = append(votes, Vote{
				EventType:  events.NoEvent,
				Confidence: events.Low,
				Rationale:  fmt.Sprintf("Error analyzing frame: %v", fc.err),
			})
			continue
		}
		calls++
		spent += fc.spent
		votes = append(votes, Vote{EventType: fc.ans.EventType, Confidence: fc.ans.Confidence, Rationale: fc.ans.Description})
	}

	switch {
	case calls == 0 && failures == 0 && p.rejected:
		return events.BudgetExhaustedVerdict()
	case calls == 0 && failures == 0:
		return events.NoValidFramesVerdict()
	}

	v := Aggregate(votes)
	v.FramesExamined = calls + failures
	v.CostSpent = spent
	v.Method = events.MethodOracleA
	v.Status = events.StatusAnalyzed
	if calls == 0 {
		v.Status = events.StatusOracleError
	}
	return v
}
