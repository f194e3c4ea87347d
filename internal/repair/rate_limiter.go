package repair

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter spaces repair commands issued against one device
type RateLimiter struct {
	limiter *rate.Limiter
	config  *RateLimiterConfig

	mu      sync.Mutex
	metrics RateLimiterMetrics
}

// RateLimiterConfig configures the rate limiter
type RateLimiterConfig struct {
	RequestsPerSecond float64 // Rate limit; 0 disables limiting
	BurstSize         int     // Maximum burst size
}

// RateLimiterMetrics tracks rate limiter statistics
type RateLimiterMetrics struct {
	TotalRequests     int64
	ThrottledRequests int64
	TotalWaitTime     time.Duration
	MaxWaitTime       time.Duration
}

// DefaultRateLimiterConfig allows one repair command per second.
func DefaultRateLimiterConfig() *RateLimiterConfig {
	return &RateLimiterConfig{
		RequestsPerSecond: 1,
		BurstSize:         1,
	}
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config *RateLimiterConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimiterConfig()
	}
	if config.BurstSize < 1 {
		config.BurstSize = 1
	}

	rl := &RateLimiter{config: config}
	if config.RequestsPerSecond > 0 {
		rl.limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.BurstSize)
	}
	return rl
}

// Enabled reports whether the limiter actually throttles.
func (rl *RateLimiter) Enabled() bool {
	return rl != nil && rl.limiter != nil
}

// Wait blocks until a token is available or the context is cancelled
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if !rl.Enabled() {
		return nil
	}

	start := time.Now()
	err := rl.limiter.Wait(ctx)
	waited := time.Since(start)

	rl.mu.Lock()
	rl.metrics.TotalRequests++
	rl.metrics.TotalWaitTime += waited
	if waited > rl.metrics.MaxWaitTime {
		rl.metrics.MaxWaitTime = waited
	}
	if waited > time.Millisecond {
		rl.metrics.ThrottledRequests++
	}
	rl.mu.Unlock()

	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

// GetMetrics returns a copy of the current metrics
func (rl *RateLimiter) GetMetrics() RateLimiterMetrics {
	if rl == nil {
		return RateLimiterMetrics{}
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.metrics
}
