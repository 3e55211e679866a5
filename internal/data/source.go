// Package data supplies market data to the engine: quotes, bars, and
// average daily volume, with caching, rate limiting, and an optional
// streaming feed.
package data

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/execution-engine/pkg/types"
)

var (
	// ErrNoQuote is returned when no quote is available for a symbol.
	ErrNoQuote = errors.New("data: no quote available")

	// ErrNoVolume is returned when average daily volume cannot be derived.
	ErrNoVolume = errors.New("data: no volume data available")
)

// Source supplies market data. Implementations may block on network
// calls; callers must tolerate errors and missing data.
type Source interface {
	// LatestQuote returns the most recent bid/ask/last for a symbol.
	LatestQuote(ctx context.Context, symbol string) (*types.Quote, error)

	// Bars returns historical bars for a timeframe, oldest first.
	Bars(ctx context.Context, symbol, timeframe string, start, end time.Time, limit int) ([]types.Bar, error)

	// AverageDailyVolume returns the mean daily volume over a recent
	// window, in shares.
	AverageDailyVolume(ctx context.Context, symbol string) (int64, error)
}

// LastPrice resolves the last trade price from a source's quote, falling
// back to the mid when the last is missing.
func LastPrice(ctx context.Context, source Source, symbol string) (decimal.Decimal, error) {
	quote, err := source.LatestQuote(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if quote == nil {
		return decimal.Zero, ErrNoQuote
	}
	if quote.Last.GreaterThan(decimal.Zero) {
		return quote.Last, nil
	}
	mid := quote.Mid()
	if mid.GreaterThan(decimal.Zero) {
		return mid, nil
	}
	return decimal.Zero, ErrNoQuote
}

// CacheConfig configures the caching layer.
type CacheConfig struct {
	QuoteTTL  time.Duration `json:"quoteTTL"`
	VolumeTTL time.Duration `json:"volumeTTL"`
}

// DefaultCacheConfig returns sensible defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		QuoteTTL:  2 * time.Second,
		VolumeTTL: 30 * time.Minute,
	}
}

type cachedQuote struct {
	quote   types.Quote
	fetched time.Time
}

type cachedVolume struct {
	adv     int64
	fetched time.Time
}

// CachedSource wraps a Source with per-symbol TTL caches for quotes and
// average daily volume. A stale quote is still returned when the
// underlying source fails, so the trader can fall back to the last known
// price.
type CachedSource struct {
	logger *zap.Logger
	inner  Source
	config CacheConfig

	mu      sync.RWMutex
	quotes  map[string]cachedQuote
	volumes map[string]cachedVolume
}

// NewCachedSource wraps inner with TTL caching.
func NewCachedSource(logger *zap.Logger, inner Source, config CacheConfig) *CachedSource {
	if config.QuoteTTL <= 0 {
		config.QuoteTTL = 2 * time.Second
	}
	if config.VolumeTTL <= 0 {
		config.VolumeTTL = 30 * time.Minute
	}

	return &CachedSource{
		logger:  logger.Named("data_cache"),
		inner:   inner,
		config:  config,
		quotes:  make(map[string]cachedQuote),
		volumes: make(map[string]cachedVolume),
	}
}

// LatestQuote returns a cached quote when fresh, otherwise fetches and
// caches. On fetch failure a stale cached quote is returned rather than
// the error.
func (c *CachedSource) LatestQuote(ctx context.Context, symbol string) (*types.Quote, error) {
	c.mu.RLock()
	entry, ok := c.quotes[symbol]
	c.mu.RUnlock()

	if ok && time.Since(entry.fetched) < c.config.QuoteTTL {
		quote := entry.quote
		return &quote, nil
	}

	quote, err := c.inner.LatestQuote(ctx, symbol)
	if err != nil || quote == nil {
		if ok {
			c.logger.Debug("Serving stale quote after fetch failure",
				zap.String("symbol", symbol),
				zap.Duration("age", time.Since(entry.fetched)),
			)
			stale := entry.quote
			return &stale, nil
		}
		if err != nil {
			return nil, err
		}
		return nil, ErrNoQuote
	}

	c.mu.Lock()
	c.quotes[symbol] = cachedQuote{quote: *quote, fetched: time.Now()}
	c.mu.Unlock()

	return quote, nil
}

// Put primes the quote cache, used by the streaming feed.
func (c *CachedSource) Put(quote types.Quote) {
	c.mu.Lock()
	c.quotes[quote.Symbol] = cachedQuote{quote: quote, fetched: time.Now()}
	c.mu.Unlock()
}

// Bars passes through to the underlying source.
func (c *CachedSource) Bars(ctx context.Context, symbol, timeframe string, start, end time.Time, limit int) ([]types.Bar, error) {
	return c.inner.Bars(ctx, symbol, timeframe, start, end, limit)
}

// AverageDailyVolume returns the cached ADV when fresh, otherwise
// fetches and caches.
func (c *CachedSource) AverageDailyVolume(ctx context.Context, symbol string) (int64, error) {
	c.mu.RLock()
	entry, ok := c.volumes[symbol]
	c.mu.RUnlock()

	if ok && time.Since(entry.fetched) < c.config.VolumeTTL {
		return entry.adv, nil
	}

	adv, err := c.inner.AverageDailyVolume(ctx, symbol)
	if err != nil {
		if ok {
			return entry.adv, nil
		}
		return 0, err
	}

	c.mu.Lock()
	c.volumes[symbol] = cachedVolume{adv: adv, fetched: time.Now()}
	c.mu.Unlock()

	return adv, nil
}
