package pipelines

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const defaultCacheTTL = 5 * time.Minute

// CachedDoctor keeps the last capability probe for ttl. Concurrent
// refreshes share one subprocess.
type CachedDoctor struct {
	runner Runner
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
	group  singleflight.Group

	mu     sync.RWMutex
	cached *Capabilities
}

func NewCachedDoctor(runner Runner, logger *slog.Logger) *CachedDoctor {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedDoctor{
		runner: runner,
		ttl:    defaultCacheTTL,
		logger: logger.With("component", "doctor"),
		now:    time.Now,
	}
}

func (d *CachedDoctor) fresh() *Capabilities {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.cached != nil && d.now().Sub(d.cached.ProbedAt) < d.ttl {
		return d.cached
	}
	return nil
}

// Get returns the cached probe while it is younger than the TTL and
// probes again otherwise.
func (d *CachedDoctor) Get(ctx context.Context) (*Capabilities, error) {
	if caps := d.fresh(); caps != nil {
		return caps, nil
	}
	return d.Refresh(ctx)
}

// Peek returns the last probe without running a new one; nil if none.
func (d *CachedDoctor) Peek() *Capabilities {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cached
}

// Refresh probes now. When the probe fails a stale cache is returned
// instead of the error.
func (d *CachedDoctor) Refresh(ctx context.Context) (*Capabilities, error) {
	v, err, shared := d.group.Do("doctor", func() (any, error) {
		caps, err := d.runner.RunDoctor(ctx)
		if err != nil {
			return nil, err
		}
		if caps.ProbedAt.IsZero() {
			caps.ProbedAt = d.now()
		}
		d.mu.Lock()
		d.cached = caps
		d.mu.Unlock()
		return caps, nil
	})
	if shared {
		d.logger.Debug("joined in-flight doctor probe")
	}
	if err != nil {
		d.logger.Warn("doctor probe failed", "error", err)
		if stale := d.Peek(); stale != nil {
			d.logger.Info("using stale capabilities", "probed_at", stale.ProbedAt)
			return stale, nil
		}
		return nil, err
	}
	return v.(*Capabilities), nil
}

// Invalidate drops the cache so the next Get probes.
func (d *CachedDoctor) Invalidate() {
	d.mu.Lock()
	d.cached = nil
	d.mu.Unlock()
}

// HasDetector reports whether the detect pipeline can run. A failed probe
// counts as unavailable.
func (d *CachedDoctor) HasDetector(ctx context.Context) bool {
	caps, err := d.Get(ctx)
	return err == nil && caps.HasDetector
}

func (d *CachedDoctor) HasOverflow(ctx context.Context) bool {
	caps, err := d.Get(ctx)
	return err == nil && caps.HasOverflow
}
