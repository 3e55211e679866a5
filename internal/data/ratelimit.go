package data

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/execution-engine/pkg/types"
)

// RateLimiterConfig configures the sliding-window limiter.
type RateLimiterConfig struct {
	MaxRequests int           `json:"maxRequests"`
	Window      time.Duration `json:"window"`
}

// DefaultRateLimiterConfig matches typical free-tier data API limits.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		MaxRequests: 200,
		Window:      60 * time.Second,
	}
}

// RateLimiter enforces a sliding-window request budget. Wait blocks the
// caller until a slot opens, sleeping in bounded increments so context
// cancellation is observed promptly.
type RateLimiter struct {
	mu     sync.Mutex
	stamps []time.Time
	config RateLimiterConfig
	logger *zap.Logger
}

// NewRateLimiter creates a sliding-window limiter.
func NewRateLimiter(logger *zap.Logger, config RateLimiterConfig) *RateLimiter {
	if config.MaxRequests <= 0 {
		config.MaxRequests = 200
	}
	if config.Window <= 0 {
		config.Window = 60 * time.Second
	}

	return &RateLimiter{
		stamps: make([]time.Time, 0, config.MaxRequests),
		config: config,
		logger: logger.Named("rate_limit"),
	}
}

// tryAcquire records a request if the window has room, returning how long
// to wait otherwise.
func (r *RateLimiter) tryAcquire() (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.config.Window)

	kept := r.stamps[:0]
	for _, t := range r.stamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.stamps = kept

	if len(r.stamps) < r.config.MaxRequests {
		r.stamps = append(r.stamps, now)
		return true, 0
	}

	// Oldest stamp leaving the window frees the next slot.
	wait := r.stamps[0].Sub(cutoff)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return false, wait
}

// Wait blocks until a request slot is available or the context ends.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		ok, wait := r.tryAcquire()
		if ok {
			return nil
		}

		// Cap the sleep so cancellation and clock drift are handled.
		if wait > time.Second {
			wait = time.Second
		}

		r.logger.Debug("Rate limit saturated, sleeping", zap.Duration("wait", wait))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// InFlight returns the number of requests counted in the current window.
func (r *RateLimiter) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.config.Window)
	n := 0
	for _, t := range r.stamps {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// LimitedSource applies a rate limiter in front of a Source.
type LimitedSource struct {
	inner   Source
	limiter *RateLimiter
}

// NewLimitedSource wraps inner so every call pays a limiter slot first.
func NewLimitedSource(inner Source, limiter *RateLimiter) *LimitedSource {
	return &LimitedSource{inner: inner, limiter: limiter}
}

// LatestQuote waits for a limiter slot, then delegates.
func (l *LimitedSource) LatestQuote(ctx context.Context, symbol string) (*types.Quote, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.inner.LatestQuote(ctx, symbol)
}

// Bars waits for a limiter slot, then delegates.
func (l *LimitedSource) Bars(ctx context.Context, symbol, timeframe string, start, end time.Time, limit int) ([]types.Bar, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.inner.Bars(ctx, symbol, timeframe, start, end, limit)
}

// AverageDailyVolume waits for a limiter slot, then delegates.
func (l *LimitedSource) AverageDailyVolume(ctx context.Context, symbol string) (int64, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	return l.inner.AverageDailyVolume(ctx, symbol)
}
