package ratelimit

import (
	"time"
)

// window is the fixed per-minute budget window.
const window = time.Minute

// Hardcoded floor for buckets with no configured limits.
const (
	fallbackRPM = 60
	fallbackTPM = 100_000
)

// waiter is one goroutine queued on a bucket. Only the queue head may take
// capacity; later waiters are woken in arrival order.
type waiter struct {
	ready chan struct{} // buffered(1); signaled when this waiter should re-check
}

func (w *waiter) wake() {
	select {
	case w.ready <- struct{}{}:
	default:
	}
}

// bucket tracks the per-(provider, model) request and token windows.
// All fields are guarded by the owning Limiter's mutex.
type bucket struct {
	provider string
	model    string

	rpmLimit int64
	tpmLimit int64
	rpdLimit int64 // 0 disables the per-day counter

	rpmRemaining int64
	tpmRemaining int64
	rpdRemaining int64

	windowResetAt time.Time
	dayResetAt    time.Time

	waiters  []*waiter
	inFlight int
}

func newBucket(provider, model string, rpm, tpm, rpd int64, now time.Time) *bucket {
	if rpm <= 0 {
		rpm = fallbackRPM
	}
	if tpm <= 0 {
		tpm = fallbackTPM
	}
	b := &bucket{
		provider:      provider,
		model:         model,
		rpmLimit:      rpm,
		tpmLimit:      tpm,
		rpdLimit:      rpd,
		rpmRemaining:  rpm,
		tpmRemaining:  tpm,
		windowResetAt: now.Add(window),
	}
	if rpd > 0 {
		b.rpdRemaining = rpd
		b.dayResetAt = nextUTCDay(now)
	}
	return b
}

// refill restores the windows that have elapsed. The minute window resets to
// full limits one minute after the refill that observed it expired; the day
// counter resets at UTC midnight.
func (b *bucket) refill(now time.Time) {
	if !now.Before(b.windowResetAt) {
		b.rpmRemaining = b.rpmLimit
		b.tpmRemaining = b.tpmLimit
		b.windowResetAt = now.Add(window)
	}
	if b.rpdLimit > 0 && !now.Before(b.dayResetAt) {
		b.rpdRemaining = b.rpdLimit
		b.dayResetAt = nextUTCDay(now)
	}
}

// hasCapacity reports whether one request of estTokens fits the remaining
// windows.
func (b *bucket) hasCapacity(estTokens int64) bool {
	if b.rpmRemaining < 1 || b.tpmRemaining < estTokens {
		return false
	}
	if b.rpdLimit > 0 && b.rpdRemaining < 1 {
		return false
	}
	return true
}

// consume takes one request plus estTokens from the windows.
func (b *bucket) consume(estTokens int64) {
	b.rpmRemaining--
	b.tpmRemaining -= estTokens
	if b.rpdLimit > 0 {
		b.rpdRemaining--
	}
	b.inFlight++
}

// refund returns unused estimated tokens after the actual usage is known.
// Never exceeds the window limit.
func (b *bucket) refund(tokens int64) {
	if tokens <= 0 {
		return
	}
	b.tpmRemaining += tokens
	if b.tpmRemaining > b.tpmLimit {
		b.tpmRemaining = b.tpmLimit
	}
}

// enqueue appends a waiter in arrival order.
func (b *bucket) enqueue(w *waiter) {
	b.waiters = append(b.waiters, w)
}

// head returns the first waiter, or nil.
func (b *bucket) head() *waiter {
	if len(b.waiters) == 0 {
		return nil
	}
	return b.waiters[0]
}

// remove drops a waiter from the queue wherever it sits. A departing head
// passes the baton so the next waiter re-checks immediately.
func (b *bucket) remove(w *waiter) {
	for i, queued := range b.waiters {
		if queued == w {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			if i == 0 {
				b.wakeHead()
			}
			return
		}
	}
}

// pop removes the head waiter and wakes the next one.
func (b *bucket) pop() {
	if len(b.waiters) == 0 {
		return
	}
	b.waiters = b.waiters[1:]
	b.wakeHead()
}

// wakeHead signals the current queue head to re-check capacity.
func (b *bucket) wakeHead() {
	if h := b.head(); h != nil {
		h.wake()
	}
}

// untilReset returns the duration until the next window boundary.
func (b *bucket) untilReset(now time.Time) time.Duration {
	d := b.windowResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// nextUTCDay returns the next UTC midnight after now.
func nextUTCDay(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}
