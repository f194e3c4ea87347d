package engine

import (
	"math/rand"
	"sync"
	"time"
)

// maxBackoffExponent keeps base * 2^n from overflowing time.Duration.
const maxBackoffExponent = 30

// Backoff computes the pause before a sector that failed transiently is
// retried: base * 2^min(attempts, 30), jittered, never above the cap.
type Backoff struct {
	base     time.Duration
	maxDelay time.Duration
	jitter   float64

	mu   sync.Mutex
	rand *rand.Rand
}

// NewBackoff creates a backoff calculator. A jitter of 0 makes delays
// deterministic.
func NewBackoff(base, maxDelay time.Duration, jitter float64) *Backoff {
	return &Backoff{
		base:     base,
		maxDelay: maxDelay,
		jitter:   jitter,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Delay returns the pause after a sector has been attempted attempts times.
func (b *Backoff) Delay(attempts int) time.Duration {
	if b.base <= 0 {
		return 0
	}
	exp := attempts
	if exp < 0 {
		exp = 0
	}
	if exp > maxBackoffExponent {
		exp = maxBackoffExponent
	}

	delay := b.maxDelay
	if b.base <= b.maxDelay>>uint(exp) {
		delay = b.base << uint(exp)
	}

	if b.jitter > 0 {
		b.mu.Lock()
		r := b.rand.Float64()
		b.mu.Unlock()
		jitterRange := float64(delay) * b.jitter
		delay += time.Duration((r - 0.5) * 2 * jitterRange)
	}

	if delay > b.maxDelay {
		delay = b.maxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}
