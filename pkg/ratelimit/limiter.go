// Package ratelimit enforces per-(provider, model) request and token budgets
// for all outbound LLM traffic. Every upstream call acquires a permit first:
// a per-provider concurrency slot, then capacity from the model's minute
// window. Waiters are served strictly first-come first-served.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/promptarena/arena/pkg/config"
)

// DefaultAcquireTimeout bounds the cumulative wait of one Acquire call.
const DefaultAcquireTimeout = 120 * time.Second

// TimeoutError reports that a permit could not be acquired within the
// configured budget.
type TimeoutError struct {
	Provider string
	Model    string
	Timeout  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rate limit acquire timed out after %s for %s/%s", e.Timeout, e.Provider, e.Model)
}

// Limiter coordinates token buckets and provider concurrency slots.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	sems    map[string]*semaphore.Weighted

	cfg            config.RateLimitConfig
	acquireTimeout time.Duration
	metrics        *Metrics

	// now is injectable for deterministic window tests.
	now func() time.Time
}

// New creates a limiter from the configured rate-limit table. metrics may be
// nil when no registry is wired (CLI usage).
func New(cfg config.RateLimitConfig, metrics *Metrics) *Limiter {
	timeout := cfg.AcquireTimeout
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}
	return &Limiter{
		buckets:        make(map[string]*bucket),
		sems:           make(map[string]*semaphore.Weighted),
		cfg:            cfg,
		acquireTimeout: timeout,
		metrics:        metrics,
		now:            time.Now,
	}
}

// Permit is one granted request slot. Release exactly once, after the
// upstream call finishes, with the actual token usage and response headers.
type Permit struct {
	limiter   *Limiter
	provider  string
	model     string
	estimated int64
	sem       *semaphore.Weighted
	once      sync.Once
}

// Release returns the permit. Response headers, when present and parseable,
// overwrite the bucket's limits and remaining counts (the provider is
// authoritative). Otherwise an actual usage below the estimate refunds the
// difference. Safe to call more than once; only the first call applies.
func (p *Permit) Release(actualTokens int64, headers http.Header) {
	p.once.Do(func() {
		p.limiter.release(p, actualTokens, headers)
		p.sem.Release(1)
	})
}

// Acquire blocks until the request fits the provider's concurrency cap and
// the model's minute window, the timeout elapses, or ctx is cancelled.
// Cancellation never consumes bucket capacity.
func (l *Limiter) Acquire(ctx context.Context, provider, model string, estTokens int64) (*Permit, error) {
	start := time.Now()

	acquireCtx, cancel := context.WithTimeout(ctx, l.acquireTimeout)
	defer cancel()

	// Provider concurrency slot first; bucket failure hands it back.
	sem := l.semFor(provider)
	if err := sem.Acquire(acquireCtx, 1); err != nil {
		return nil, l.acquireErr(ctx, provider, model)
	}

	permit, err := l.acquireBucket(acquireCtx, ctx, provider, model, estTokens)
	if err != nil {
		sem.Release(1)
		return nil, err
	}
	permit.sem = sem

	if l.metrics != nil {
		l.metrics.WaitSeconds.WithLabelValues(provider, model).Observe(time.Since(start).Seconds())
	}
	return permit, nil
}

// acquireBucket waits for window capacity in FIFO order.
func (l *Limiter) acquireBucket(ctx, parent context.Context, provider, model string, estTokens int64) (*Permit, error) {
	l.mu.Lock()
	b := l.bucketLocked(provider, model)
	b.refill(l.now())

	// Fast path: no queue and capacity available.
	if b.head() == nil && b.hasCapacity(estTokens) {
		b.consume(estTokens)
		l.mu.Unlock()
		return &Permit{limiter: l, provider: provider, model: model, estimated: estTokens}, nil
	}

	w := &waiter{ready: make(chan struct{}, 1)}
	b.enqueue(w)
	l.mu.Unlock()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		l.mu.Lock()
		b.refill(l.now())
		if b.head() == w && b.hasCapacity(estTokens) {
			b.consume(estTokens)
			b.pop()
			l.mu.Unlock()
			return &Permit{limiter: l, provider: provider, model: model, estimated: estTokens}, nil
		}
		// Sleep until the window turns over, capped at 1s so header
		// overwrites and refunds get picked up promptly.
		wait := b.untilReset(l.now())
		if wait > time.Second {
			wait = time.Second
		}
		if wait <= 0 {
			wait = time.Millisecond
		}
		l.mu.Unlock()

		timer.Reset(wait)
		select {
		case <-w.ready:
			timer.Stop()
		case <-timer.C:
		case <-ctx.Done():
			// Leave the bucket untouched: remove the waiter, pass the
			// baton if it was the head.
			l.mu.Lock()
			b.remove(w)
			l.mu.Unlock()
			return nil, l.acquireErr(parent, provider, model)
		}
	}
}

// acquireErr distinguishes caller cancellation from the limiter's own budget.
func (l *Limiter) acquireErr(parent context.Context, provider, model string) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	return &TimeoutError{Provider: provider, Model: model, Timeout: l.acquireTimeout}
}

func (l *Limiter) release(p *Permit, actualTokens int64, headers http.Header) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketLocked(p.provider, p.model)
	b.inFlight--
	b.refill(l.now())

	if hl := parseHeaders(p.provider, headers); hl != nil {
		applyHeaderLimits(b, hl, l.now())
	} else if actualTokens >= 0 && actualTokens < p.estimated {
		b.refund(p.estimated - actualTokens)
	}

	if l.metrics != nil && actualTokens > 0 && p.estimated > 0 {
		l.metrics.EstimateRatio.Observe(float64(actualTokens) / float64(p.estimated))
	}

	b.wakeHead()
}

// applyHeaderLimits overwrites bucket state from parsed provider headers.
func applyHeaderLimits(b *bucket, hl *headerLimits, now time.Time) {
	if hl.RPMLimit != nil && *hl.RPMLimit > 0 {
		b.rpmLimit = *hl.RPMLimit
	}
	if hl.TPMLimit != nil && *hl.TPMLimit > 0 {
		b.tpmLimit = *hl.TPMLimit
	}
	if hl.RPMRemaining != nil {
		b.rpmRemaining = *hl.RPMRemaining
	}
	if hl.TPMRemaining != nil {
		b.tpmRemaining = *hl.TPMRemaining
	}
	if hl.ResetAt != nil && hl.ResetAt.After(now) {
		b.windowResetAt = *hl.ResetAt
	}
}

// Observe429 counts an upstream 429 for the provider.
func (l *Limiter) Observe429(provider string) {
	if l.metrics != nil {
		l.metrics.Upstream429.WithLabelValues(provider).Inc()
	}
}

// bucketLocked resolves or creates the bucket for a (provider, model) pair.
// Unknown pairs adopt the configured defaults table.
func (l *Limiter) bucketLocked(provider, model string) *bucket {
	key := provider + "/" + model
	if b, ok := l.buckets[key]; ok {
		return b
	}
	limits := l.cfg.ModelLimitsFor(provider, model)
	b := newBucket(provider, model, limits.RPM, limits.TPM, limits.RPD, l.now())
	l.buckets[key] = b
	return b
}

// semFor resolves or creates the provider concurrency semaphore.
func (l *Limiter) semFor(provider string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	if sem, ok := l.sems[provider]; ok {
		return sem
	}
	sem := semaphore.NewWeighted(l.cfg.MaxConcurrentFor(provider))
	l.sems[provider] = sem
	return sem
}

// BucketStatus is one bucket's point-in-time snapshot.
type BucketStatus struct {
	Provider      string    `json:"provider"`
	Model         string    `json:"model"`
	RPMLimit      int64     `json:"rpm_limit"`
	RPMRemaining  int64     `json:"rpm_remaining"`
	TPMLimit      int64     `json:"tpm_limit"`
	TPMRemaining  int64     `json:"tpm_remaining"`
	RPDLimit      int64     `json:"rpd_limit,omitempty"`
	RPDRemaining  int64     `json:"rpd_remaining,omitempty"`
	WindowResetAt time.Time `json:"window_reset_at"`
	Waiters       int       `json:"waiters"`
	InFlight      int       `json:"in_flight"`
}

// Status snapshots every live bucket, sorted by provider then model.
func (l *Limiter) Status() []BucketStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]BucketStatus, 0, len(l.buckets))
	for _, b := range l.buckets {
		b.refill(l.now())
		out = append(out, BucketStatus{
			Provider:      b.provider,
			Model:         b.model,
			RPMLimit:      b.rpmLimit,
			RPMRemaining:  b.rpmRemaining,
			TPMLimit:      b.tpmLimit,
			TPMRemaining:  b.tpmRemaining,
			RPDLimit:      b.rpdLimit,
			RPDRemaining:  b.rpdRemaining,
			WindowResetAt: b.windowResetAt,
			Waiters:       len(b.waiters),
			InFlight:      b.inFlight,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Model < out[j].Model
	})
	return out
}
