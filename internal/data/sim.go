package data

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/execution-engine/pkg/types"
)

// SimSource is an in-memory Source for paper trading, demos, and tests.
// Prices are set explicitly or advanced with a random walk.
type SimSource struct {
	mu      sync.RWMutex
	quotes  map[string]types.Quote
	bars    map[string][]types.Bar
	volumes map[string]int64
	rng     *rand.Rand

	// SpreadBps controls the synthetic bid/ask around a set price.
	SpreadBps float64
}

// NewSimSource creates an empty simulated source.
func NewSimSource(seed int64) *SimSource {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &SimSource{
		quotes:    make(map[string]types.Quote),
		bars:      make(map[string][]types.Bar),
		volumes:   make(map[string]int64),
		rng:       rand.New(rand.NewSource(seed)),
		SpreadBps: 5,
	}
}

// SetPrice sets a symbol's last price, deriving bid/ask from SpreadBps.
func (s *SimSource) SetPrice(symbol string, price decimal.Decimal) {
	half := price.Mul(decimal.NewFromFloat(s.SpreadBps / 20000.0))

	s.mu.Lock()
	s.quotes[symbol] = types.Quote{
		Symbol:    symbol,
		Bid:       price.Sub(half),
		Ask:       price.Add(half),
		Last:      price,
		Timestamp: time.Now(),
	}
	s.mu.Unlock()
}

// SetQuote sets a full quote for a symbol.
func (s *SimSource) SetQuote(quote types.Quote) {
	s.mu.Lock()
	s.quotes[quote.Symbol] = quote
	s.mu.Unlock()
}

// SetVolume sets the average daily volume for a symbol.
func (s *SimSource) SetVolume(symbol string, adv int64) {
	s.mu.Lock()
	s.volumes[symbol] = adv
	s.mu.Unlock()
}

// SetBars sets the historical bars returned for a symbol.
func (s *SimSource) SetBars(symbol string, bars []types.Bar) {
	s.mu.Lock()
	s.bars[symbol] = bars
	s.mu.Unlock()
}

// Tick advances a symbol's price by a random walk step of at most
// maxMovePct (e.g. 0.002 for ±0.2%).
func (s *SimSource) Tick(symbol string, maxMovePct float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	quote, ok := s.quotes[symbol]
	if !ok || quote.Last.LessThanOrEqual(decimal.Zero) {
		return
	}

	move := (s.rng.Float64()*2 - 1) * maxMovePct
	price := quote.Last.Mul(decimal.NewFromFloat(1 + move))
	half := price.Mul(decimal.NewFromFloat(s.SpreadBps / 20000.0))

	s.quotes[symbol] = types.Quote{
		Symbol:    symbol,
		Bid:       price.Sub(half),
		Ask:       price.Add(half),
		Last:      price,
		Timestamp: time.Now(),
	}
}

// LatestQuote returns the stored quote for a symbol.
func (s *SimSource) LatestQuote(ctx context.Context, symbol string) (*types.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	quote, ok := s.quotes[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoQuote, symbol)
	}

	q := quote
	return &q, nil
}

// Bars returns stored bars within [start, end], truncated to limit.
func (s *SimSource) Bars(ctx context.Context, symbol, timeframe string, start, end time.Time, limit int) ([]types.Bar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.bars[symbol]
	out := make([]types.Bar, 0, len(stored))
	for _, bar := range stored {
		if !start.IsZero() && bar.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && bar.Timestamp.After(end) {
			continue
		}
		out = append(out, bar)
		if limit > 0 && len(out) >= limit {
			break
		}
	}

	return out, nil
}

// AverageDailyVolume returns the stored ADV, deriving it from daily bars
// when none was set explicitly.
func (s *SimSource) AverageDailyVolume(ctx context.Context, symbol string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if adv, ok := s.volumes[symbol]; ok {
		return adv, nil
	}

	stored := s.bars[symbol]
	if len(stored) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoVolume, symbol)
	}

	var total int64
	for _, bar := range stored {
		total += bar.Volume
	}
	return total / int64(len(stored)), nil
}
