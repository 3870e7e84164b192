// Package classify runs budgeted multi-frame classification over events.
package classify

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// ErrInvalidSchedule is returned by CostSchedule.Validate.
var ErrInvalidSchedule = errors.New("invalid cost schedule")

// CostSchedule prices one frame by its resolution.
type CostSchedule struct {
	StandardTierMaxDimension int     `json:"standard_tier_max_dimension"`
	StandardCost             float64 `json:"standard_cost"`
	HighCost                 float64 `json:"high_cost"`
}

func (s CostSchedule) Validate() error {
	if s.StandardTierMaxDimension <= 0 {
		return fmt.Errorf("%w: standard tier max dimension must be positive", ErrInvalidSchedule)
	}
	if s.StandardCost < 0 || s.HighCost < 0 {
		return fmt.Errorf("%w: costs must not be negative", ErrInvalidSchedule)
	}
	return nil
}

// Cost returns the price of a frame whose larger side is maxDim pixels.
func (s CostSchedule) Cost(maxDim int) float64 {
	if maxDim <= s.StandardTierMaxDimension {
		return s.StandardCost
	}
	return s.HighCost
}

// Amounts are kept in micro-dollars so that repeated small charges sum
// exactly and spent can never creep past the cap through rounding.
const microsPerUnit = 1_000_000

func toMicros(v float64) int64 {
	return int64(math.Round(v * microsPerUnit))
}

func fromMicros(v int64) float64 {
	return float64(v) / microsPerUnit
}

// Ledger tracks spend against a cap for one run. Admission is an atomic
// check-and-reserve so concurrent callers can never jointly overspend.
type Ledger struct {
	mu        sync.Mutex
	settled   *sync.Cond
	cap       int64
	spent     int64
	reserved  int64
	exhausted bool
	images    int
	rejected  int
}

// NewLedger returns a ledger with spent = 0.
func NewLedger(cap float64) *Ledger {
	l := &Ledger{cap: toMicros(cap)}
	l.settled = sync.NewCond(&l.mu)
	return l
}

// Reservation holds budget for one in-flight call. Exactly one of Commit
// or Release must be called.
type Reservation struct {
	ledger *Ledger
	cost   int64
	images int
	done   bool
}

// Reserve admits a call costing cost for the given number of images.
// It returns false when the ledger is already exhausted, or when the call
// would push committed spend past the cap, in which case the ledger
// becomes exhausted. A rejected call is never charged.
//
// When the call fits only if some in-flight reservations are released,
// Reserve blocks until they settle. The caller must not hold an
// unsettled reservation of its own while calling Reserve.
func (l *Ledger) Reserve(cost float64, images int) (*Reservation, bool) {
	c := toMicros(cost)

	l.mu.Lock()
	defer l.mu.Unlock()

	for {
		if l.exhausted {
			l.rejected++
			return nil, false
		}
		if l.spent+c > l.cap {
			l.exhausted = true
			l.rejected++
			return nil, false
		}
		if l.spent+l.reserved+c <= l.cap {
			break
		}
		l.settled.Wait()
	}
	l.reserved += c
	return &Reservation{ledger: l, cost: c, images: images}, true
}

// Commit charges the reserved cost after a successful call.
func (r *Reservation) Commit() float64 {
	l := r.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	if r.done {
		return 0
	}
	r.done = true
	l.reserved -= r.cost
	l.spent += r.cost
	l.images += r.images
	l.settled.Broadcast()
	return fromMicros(r.cost)
}

// Release returns the reserved cost after a failed call. Failed calls
// are free.
func (r *Reservation) Release() {
	l := r.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	l.reserved -= r.cost
	l.settled.Broadcast()
}

func (l *Ledger) Exhausted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exhausted
}

func (l *Ledger) Cap() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fromMicros(l.cap)
}

func (l *Ledger) Spent() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fromMicros(l.spent)
}

// LedgerSnapshot is a point-in-time view for reports.
type LedgerSnapshot struct {
	Cap            float64 `json:"cap"`
	Spent          float64 `json:"spent"`
	Remaining      float64 `json:"remaining"`
	Exhausted      bool    `json:"exhausted"`
	ImagesAnalyzed int     `json:"images_analyzed"`
	Rejected       int     `json:"rejected_requests"`
	Utilization    float64 `json:"utilization"`
}

func (l *Ledger) Snapshot() LedgerSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := LedgerSnapshot{
		Cap:            fromMicros(l.cap),
		Spent:          fromMicros(l.spent),
		Remaining:      fromMicros(max(0, l.cap-l.spent)),
		Exhausted:      l.exhausted,
		ImagesAnalyzed: l.images,
		Rejected:       l.rejected,
	}
	if l.cap > 0 {
		s.Utilization = float64(l.spent) / float64(l.cap)
	}
	return s
}
