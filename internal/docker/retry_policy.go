package docker

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// RetryPolicy retries Docker API calls that failed because the daemon
// connection hiccuped. Only calls with no effect inside the container
// (exec create, exec inspect) go through it; a started exec is never
// repeated because the command may already have touched the disk.
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	// RetryableErrors are lower-case substrings of retryable error messages.
	RetryableErrors []string
}

// NewDefaultRetryPolicy creates a default retry policy
func NewDefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2.0,
		RetryableErrors: []string{
			"connection refused",
			"connection reset",
			"broken pipe",
			"eof",
			"service unavailable",
			"too many requests",
			"resource temporarily unavailable",
		},
	}
}

// retry runs op until it succeeds, fails with a non-retryable error, or
// the policy runs out of attempts.
func retry[T any](ctx context.Context, p *RetryPolicy, op func() (T, error)) (T, error) {
	var zero T
	if p == nil {
		return op()
	}

	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		v, err := op()
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !p.isRetryable(err) || attempt == p.MaxRetries {
			break
		}

		select {
		case <-time.After(p.backoff(attempt)):
		case <-ctx.Done():
			return zero, fmt.Errorf("retry cancelled: %w", ctx.Err())
		}
	}
	return zero, lastErr
}

func (p *RetryPolicy) isRetryable(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, pattern := range p.RetryableErrors {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// backoff grows geometrically up to MaxBackoff with ±10% jitter.
func (p *RetryPolicy) backoff(attempt int) time.Duration {
	d := float64(p.InitialBackoff)
	for i := 0; i < attempt; i++ {
		d *= p.BackoffFactor
	}
	if ceiling := float64(p.MaxBackoff); d > ceiling {
		d = ceiling
	}
	d += d * 0.1 * (2*rand.Float64() - 1)
	return time.Duration(d)
}
