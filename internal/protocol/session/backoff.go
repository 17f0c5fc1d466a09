package session

import (
	"math/rand"
	"sync"
	"time"
)

const minBackoffDelay = time.Millisecond

// Backoff schedules reconnect attempts. Each failure pushes the next retry out
// by the current delay plus jitter, then doubles the delay up to the cap.
type Backoff struct {
	mu          sync.Mutex
	initial     time.Duration
	max         time.Duration
	current     time.Duration
	nextRetryAt time.Time
	jitter      bool
	rng         *rand.Rand
}

// NewBackoff clamps cfg delays to at least 1ms and the cap to at least the
// initial delay. A nil rng seeds one from the wall clock.
func NewBackoff(cfg BackoffConfig, rng *rand.Rand) *Backoff {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	b := &Backoff{jitter: cfg.Jitter, rng: rng}
	b.reset(cfg.InitialDelay, cfg.MaxDelay, time.Now())
	return b
}

func clampDelays(initial, max time.Duration) (time.Duration, time.Duration) {
	if initial < minBackoffDelay {
		initial = minBackoffDelay
	}
	if max < initial {
		max = initial
	}
	return initial, max
}

func (b *Backoff) reset(initial, max time.Duration, now time.Time) {
	b.initial, b.max = clampDelays(initial, max)
	b.current = b.initial
	b.nextRetryAt = now
}

func (b *Backoff) MarkFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextRetryAt = now.Add(b.current + b.jitterFor(b.current))
	next := b.current * 2
	if next > b.max || next < b.current {
		next = b.max
	}
	b.current = next
}

func (b *Backoff) MarkSuccess(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.initial
	b.nextRetryAt = now
}

func (b *Backoff) ShouldRetry(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !now.Before(b.nextRetryAt)
}

// Update applies new delays and resets the schedule so a retry is allowed now.
func (b *Backoff) Update(initial, max time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset(initial, max, time.Now())
}

func (b *Backoff) CurrentDelay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

func (b *Backoff) MaxDelay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.max
}

func (b *Backoff) NextRetryAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextRetryAt
}

// jitterFor returns a random offset in [0, base/4).
func (b *Backoff) jitterFor(base time.Duration) time.Duration {
	if !b.jitter || base <= 0 {
		return 0
	}
	limit := base / 4
	if limit <= 0 {
		return 0
	}
	return time.Duration(b.rng.Int63n(int64(limit)))
}
