// Package sizing converts trade edge statistics into position sizes
// using fractional Kelly with portfolio-level caps.
package sizing

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/execution-engine/internal/metrics"
)

// KellyConfig contains position sizing limits.
type KellyConfig struct {
	// MaxPositionPct caps any single position as a fraction of the
	// account balance.
	MaxPositionPct float64 `json:"maxPositionPct"`

	// MaxTotalExposure caps total gross exposure as a fraction of the
	// account balance.
	MaxTotalExposure float64 `json:"maxTotalExposure"`

	// MinPositionSize and MaxPositionSize are absolute dollar bounds.
	MinPositionSize decimal.Decimal `json:"minPositionSize"`
	MaxPositionSize decimal.Decimal `json:"maxPositionSize"`

	// DefaultFraction is the Kelly fraction used when the caller does
	// not supply one.
	DefaultFraction float64 `json:"defaultFraction"`
}

// DefaultKellyConfig returns conservative sizing defaults.
func DefaultKellyConfig() KellyConfig {
	return KellyConfig{
		MaxPositionPct:   0.25,
		MaxTotalExposure: 1.0,
		MinPositionSize:  decimal.NewFromInt(1000),
		MaxPositionSize:  decimal.NewFromInt(50000),
		DefaultFraction:  0.5,
	}
}

// SizingResult is the outcome of a position size calculation. Zero-size
// results carry the reason in Rationale; sizing never returns an error.
type SizingResult struct {
	Symbol         string          `json:"symbol,omitempty"`
	TargetDollars  decimal.Decimal `json:"target_dollars"`
	Shares         int64           `json:"shares"`
	RawKellyPct    float64         `json:"raw_kelly_pct"`
	AdjustedPct    float64         `json:"adjusted_pct"`
	PortfolioHeat  float64         `json:"portfolio_heat"`
	Rationale      string          `json:"rationale"`
	Adjustments    []string        `json:"adjustments,omitempty"`
	LimitingFactor string          `json:"limiting_factor,omitempty"`
}

// zeroResult builds a no-trade result with an explanation.
func zeroResult(symbol, reason string, rawKelly, heat float64) SizingResult {
	return SizingResult{
		Symbol:        symbol,
		TargetDollars: decimal.Zero,
		RawKellyPct:   rawKelly,
		PortfolioHeat: heat,
		Rationale:     reason,
	}
}

// KellySizer computes position sizes from edge statistics and tracks the
// portfolio state needed for exposure caps.
type KellySizer struct {
	logger *zap.Logger
	config KellyConfig

	mu        sync.RWMutex
	balance   decimal.Decimal
	positions map[string]decimal.Decimal
}

// NewKellySizer creates a sizer with the given starting balance.
func NewKellySizer(logger *zap.Logger, config KellyConfig, balance decimal.Decimal) *KellySizer {
	if config.DefaultFraction <= 0 || config.DefaultFraction > 1 {
		config.DefaultFraction = 0.5
	}

	return &KellySizer{
		logger:    logger.Named("sizing"),
		config:    config,
		balance:   balance,
		positions: make(map[string]decimal.Decimal),
	}
}

// UpdateAccountBalance replaces the tracked account balance.
func (k *KellySizer) UpdateAccountBalance(balance decimal.Decimal) {
	k.mu.Lock()
	k.balance = balance
	k.mu.Unlock()
}

// UpdatePositions replaces the tracked position market values, keyed by
// symbol.
func (k *KellySizer) UpdatePositions(values map[string]decimal.Decimal) {
	k.mu.Lock()
	k.positions = make(map[string]decimal.Decimal, len(values))
	for symbol, value := range values {
		k.positions[symbol] = value
	}
	heat := k.heatLocked()
	k.mu.Unlock()

	metrics.SetPortfolioHeat(heat)
}

// GetPortfolioHeat returns gross exposure over balance.
func (k *KellySizer) GetPortfolioHeat() float64 {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.heatLocked()
}

func (k *KellySizer) heatLocked() float64 {
	if k.balance.LessThanOrEqual(decimal.Zero) {
		return 0
	}

	gross := decimal.Zero
	for _, value := range k.positions {
		gross = gross.Add(value.Abs())
	}
	return gross.Div(k.balance).InexactFloat64()
}

// GetMaxPositionValue returns the per-position dollar cap implied by the
// current balance.
func (k *KellySizer) GetMaxPositionValue() decimal.Decimal {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.balance.Mul(decimal.NewFromFloat(k.config.MaxPositionPct))
}

// CalculatePositionSize converts edge statistics into a target position.
//
// The raw Kelly fraction k = (W·R − L)/R with R = avgWin/avgLoss and
// L = 1−W is scaled by the caller's fraction (0 uses the config default),
// then run through the cap pipeline: per-position cap, portfolio heat
// cap, absolute dollar bounds, and share rounding when price is positive.
// Invalid inputs and non-positive edges produce a zero-size result with
// the reason in Rationale.
func (k *KellySizer) CalculatePositionSize(winRate, avgWin, avgLoss, fraction float64, price decimal.Decimal, symbol string) SizingResult {
	k.mu.RLock()
	balance := k.balance
	heat := k.heatLocked()
	existing, hasPosition := k.positions[symbol]
	k.mu.RUnlock()

	// Input validation: reply with a zero-size result, never an error.
	switch {
	case winRate < 0 || winRate > 1:
		return zeroResult(symbol, fmt.Sprintf("invalid win rate %.4f: must be within [0, 1]", winRate), 0, heat)
	case avgWin <= 0:
		return zeroResult(symbol, fmt.Sprintf("invalid avg win %.2f: must be positive", avgWin), 0, heat)
	case avgLoss <= 0:
		return zeroResult(symbol, fmt.Sprintf("invalid avg loss %.2f: must be positive", avgLoss), 0, heat)
	case fraction < 0 || fraction > 1:
		return zeroResult(symbol, fmt.Sprintf("invalid fraction %.4f: must be within [0, 1]", fraction), 0, heat)
	case balance.LessThanOrEqual(decimal.Zero):
		return zeroResult(symbol, "account balance is not positive", 0, heat)
	}

	if fraction == 0 {
		fraction = k.config.DefaultFraction
	}

	payoffRatio := avgWin / avgLoss
	lossRate := 1 - winRate
	rawKelly := (winRate*payoffRatio - lossRate) / payoffRatio

	if rawKelly <= 0 {
		return zeroResult(symbol,
			fmt.Sprintf("no positive edge: raw Kelly %.4f with win rate %.2f and payoff ratio %.2f", rawKelly, winRate, payoffRatio),
			rawKelly, heat)
	}

	var adjustments []string
	limiting := "kelly"

	adjusted := rawKelly * fraction
	adjustments = append(adjustments, fmt.Sprintf("fractional Kelly %.2f: %.4f -> %.4f", fraction, rawKelly, adjusted))

	if adjusted > k.config.MaxPositionPct {
		adjustments = append(adjustments, fmt.Sprintf("per-position cap %.2f applied", k.config.MaxPositionPct))
		adjusted = k.config.MaxPositionPct
		limiting = "max_position_pct"
	}

	// Heat cap: an existing position in the same symbol is replaceable,
	// so its weight returns to the available budget.
	available := k.config.MaxTotalExposure - heat
	if hasPosition {
		available += existing.Abs().Div(balance).InexactFloat64()
	}
	if available <= 0 {
		return zeroResult(symbol,
			fmt.Sprintf("portfolio heat %.2f leaves no exposure budget (max %.2f)", heat, k.config.MaxTotalExposure),
			rawKelly, heat)
	}
	if adjusted > available {
		adjustments = append(adjustments, fmt.Sprintf("heat cap: %.4f -> %.4f (heat %.2f)", adjusted, available, heat))
		adjusted = available
		limiting = "portfolio_heat"
	}

	dollars := balance.Mul(decimal.NewFromFloat(adjusted))

	if dollars.LessThan(k.config.MinPositionSize) {
		adjustments = append(adjustments, fmt.Sprintf("raised to minimum position size %s", k.config.MinPositionSize.StringFixed(0)))
		dollars = k.config.MinPositionSize
		limiting = "min_position_size"
	}
	if dollars.GreaterThan(k.config.MaxPositionSize) {
		adjustments = append(adjustments, fmt.Sprintf("capped at maximum position size %s", k.config.MaxPositionSize.StringFixed(0)))
		dollars = k.config.MaxPositionSize
		limiting = "max_position_size"
	}

	result := SizingResult{
		Symbol:         symbol,
		TargetDollars:  dollars,
		RawKellyPct:    rawKelly,
		AdjustedPct:    adjusted,
		PortfolioHeat:  heat,
		Adjustments:    adjustments,
		LimitingFactor: limiting,
	}

	if price.GreaterThan(decimal.Zero) {
		shares := dollars.Div(price).IntPart()
		if shares <= 0 {
			return zeroResult(symbol,
				fmt.Sprintf("target %s buys no whole shares at %s", dollars.StringFixed(2), price.StringFixed(2)),
				rawKelly, heat)
		}
		result.Shares = shares
		result.TargetDollars = price.Mul(decimal.NewFromInt(shares))
		result.Rationale = fmt.Sprintf(
			"raw Kelly %.1f%%, adjusted %.1f%%: %d shares at %s for %s",
			rawKelly*100, adjusted*100, shares, price.StringFixed(2), result.TargetDollars.StringFixed(2))
	} else {
		result.Rationale = fmt.Sprintf(
			"raw Kelly %.1f%%, adjusted %.1f%%: target %s",
			rawKelly*100, adjusted*100, dollars.StringFixed(2))
	}

	k.logger.Debug("Position size calculated",
		zap.String("symbol", symbol),
		zap.Float64("raw_kelly", rawKelly),
		zap.Float64("adjusted", adjusted),
		zap.String("dollars", result.TargetDollars.StringFixed(2)),
		zap.Int64("shares", result.Shares),
		zap.String("limiting", limiting),
	)

	return result
}
