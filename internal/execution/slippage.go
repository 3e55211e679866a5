// Package execution routes parent orders to execution strategies, slices
// them over time, and tracks realized execution quality.
package execution

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/execution-engine/internal/metrics"
	"github.com/atlas-desktop/execution-engine/pkg/types"
)

// SlippageConfig contains slippage model parameters.
type SlippageConfig struct {
	// BaseSpreadBps is the assumed half-spread cost in basis points.
	BaseSpreadBps float64 `json:"baseSpreadBps"`

	// ImpactCoefficient scales the square-root market impact term.
	ImpactCoefficient float64 `json:"impactCoefficient"`

	// MaxImpactBps caps the market impact component.
	MaxImpactBps float64 `json:"maxImpactBps"`

	// UrgencyMultiplier prices the urgency premium on market orders.
	UrgencyMultiplier float64 `json:"urgencyMultiplier"`

	// HistoryLimit bounds the per-symbol record history.
	HistoryLimit int `json:"historyLimit"`
}

// DefaultSlippageConfig returns default slippage parameters.
func DefaultSlippageConfig() SlippageConfig {
	return SlippageConfig{
		BaseSpreadBps:     5.0,
		ImpactCoefficient: 0.1,
		MaxImpactBps:      100.0,
		UrgencyMultiplier: 1.5,
		HistoryLimit:      1000,
	}
}

// SlippageEstimate decomposes expected slippage for an order.
type SlippageEstimate struct {
	Symbol            string          `json:"symbol"`
	Side              types.Side      `json:"side"`
	Quantity          int64           `json:"quantity"`
	Price             decimal.Decimal `json:"price"`
	SpreadBps         float64         `json:"spread_bps"`
	ImpactBps         float64         `json:"impact_bps"`
	UrgencyBps        float64         `json:"urgency_bps"`
	VolatilityBps     float64         `json:"volatility_bps"`
	TotalBps          float64         `json:"total_bps"`
	DollarSlippage    decimal.Decimal `json:"dollar_slippage"`
	EstimatedFill     decimal.Decimal `json:"estimated_fill"`
	ParticipationRate float64         `json:"participation_rate"`
}

// SlippageRecord is one realized slippage observation.
type SlippageRecord struct {
	Symbol        string          `json:"symbol"`
	Side          types.Side      `json:"side"`
	Quantity      int64           `json:"quantity"`
	ExpectedPrice decimal.Decimal `json:"expected_price"`
	ActualPrice   decimal.Decimal `json:"actual_price"`
	Bps           float64         `json:"bps"`
	Dollars       decimal.Decimal `json:"dollars"`
	OrderType     types.OrderType `json:"order_type"`
	Timestamp     time.Time       `json:"timestamp"`
}

// SideStats aggregates realized slippage for one side.
type SideStats struct {
	Count   int     `json:"count"`
	MeanBps float64 `json:"mean_bps"`
}

// SlippageStats summarizes realized slippage records.
type SlippageStats struct {
	Count        int                      `json:"count"`
	MeanBps      float64                  `json:"mean_bps"`
	MedianBps    float64                  `json:"median_bps"`
	MaxBps       float64                  `json:"max_bps"`
	TotalDollars decimal.Decimal          `json:"total_dollars"`
	BySide       map[types.Side]SideStats `json:"by_side"`
}

// SlippageModel estimates pre-trade slippage and records realized
// slippage per symbol.
type SlippageModel struct {
	logger *zap.Logger
	config SlippageConfig

	mu      sync.RWMutex
	history map[string][]SlippageRecord
}

// NewSlippageModel creates a slippage model.
func NewSlippageModel(logger *zap.Logger, config SlippageConfig) *SlippageModel {
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = 1000
	}

	return &SlippageModel{
		logger:  logger.Named("slippage"),
		config:  config,
		history: make(map[string][]SlippageRecord),
	}
}

// Estimate decomposes expected slippage into spread, impact, urgency, and
// volatility components, all in basis points. vol is annualized
// volatility as a fraction; pass a non-positive value when unknown. adv
// is average daily volume in shares; non-positive skips the impact term.
func (m *SlippageModel) Estimate(symbol string, qty int64, side types.Side, price decimal.Decimal, adv int64, vol float64, orderType types.OrderType) *SlippageEstimate {
	spreadBps := m.config.BaseSpreadBps
	if vol > 0 {
		spreadBps *= 1 + 2*vol
	}

	var impactBps, participation float64
	if adv > 0 && qty > 0 {
		participation = float64(qty) / float64(adv)
		impactBps = m.config.ImpactCoefficient * math.Sqrt(participation) * 10000
		if impactBps > m.config.MaxImpactBps {
			impactBps = m.config.MaxImpactBps
		}
	}

	var urgencyBps float64
	if orderType == types.OrderTypeMarket {
		urgencyBps = (m.config.UrgencyMultiplier - 1) * spreadBps
	}

	var volBps float64
	if vol > 0 {
		volBps = vol * spreadBps
	}

	totalBps := spreadBps + impactBps + urgencyBps + volBps

	bpsFactor := decimal.NewFromFloat(totalBps / 10000.0)
	dollars := price.Mul(decimal.NewFromInt(qty)).Mul(bpsFactor)

	fill := price
	if side == types.SideBuy {
		fill = price.Mul(decimal.NewFromInt(1).Add(bpsFactor))
	} else {
		fill = price.Mul(decimal.NewFromInt(1).Sub(bpsFactor))
	}

	metrics.ObserveSlippageEstimate(totalBps)

	return &SlippageEstimate{
		Symbol:            symbol,
		Side:              side,
		Quantity:          qty,
		Price:             price,
		SpreadBps:         spreadBps,
		ImpactBps:         impactBps,
		UrgencyBps:        urgencyBps,
		VolatilityBps:     volBps,
		TotalBps:          totalBps,
		DollarSlippage:    dollars,
		EstimatedFill:     fill,
		ParticipationRate: participation,
	}
}

// RecordActual appends a realized slippage observation. Bps are signed
// adverse: positive when the fill was worse than expected for the side.
func (m *SlippageModel) RecordActual(symbol string, qty int64, side types.Side, expectedPrice, actualPrice decimal.Decimal, orderType types.OrderType) {
	if expectedPrice.LessThanOrEqual(decimal.Zero) {
		return
	}

	diff := actualPrice.Sub(expectedPrice)
	if side == types.SideSell {
		diff = diff.Neg()
	}

	bps := diff.Div(expectedPrice).InexactFloat64() * 10000
	dollars := diff.Mul(decimal.NewFromInt(qty))

	record := SlippageRecord{
		Symbol:        symbol,
		Side:          side,
		Quantity:      qty,
		ExpectedPrice: expectedPrice,
		ActualPrice:   actualPrice,
		Bps:           bps,
		Dollars:       dollars,
		OrderType:     orderType,
		Timestamp:     time.Now(),
	}

	m.mu.Lock()
	records := append(m.history[symbol], record)
	if len(records) > m.config.HistoryLimit {
		trimmed := make([]SlippageRecord, m.config.HistoryLimit)
		copy(trimmed, records[len(records)-m.config.HistoryLimit:])
		records = trimmed
	}
	m.history[symbol] = records
	m.mu.Unlock()

	m.logger.Debug("Slippage recorded",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Float64("bps", bps),
		zap.String("dollars", dollars.StringFixed(2)),
	)
}

// Stats aggregates realized slippage. An empty symbol aggregates across
// all symbols. Median is positional: the middle element of the sorted
// bps values.
func (m *SlippageModel) Stats(symbol string) SlippageStats {
	m.mu.RLock()
	var records []SlippageRecord
	if symbol == "" {
		for _, rs := range m.history {
			records = append(records, rs...)
		}
	} else {
		records = append(records, m.history[symbol]...)
	}
	m.mu.RUnlock()

	stats := SlippageStats{
		TotalDollars: decimal.Zero,
		BySide:       make(map[types.Side]SideStats),
	}
	if len(records) == 0 {
		return stats
	}

	bpsValues := make([]float64, 0, len(records))
	sideSums := make(map[types.Side]float64)
	sideCounts := make(map[types.Side]int)

	var sum, max float64
	for i, r := range records {
		bpsValues = append(bpsValues, r.Bps)
		sum += r.Bps
		if i == 0 || r.Bps > max {
			max = r.Bps
		}
		sideSums[r.Side] += r.Bps
		sideCounts[r.Side]++
		stats.TotalDollars = stats.TotalDollars.Add(r.Dollars)
	}

	sort.Float64s(bpsValues)

	stats.Count = len(records)
	stats.MeanBps = sum / float64(len(records))
	stats.MedianBps = bpsValues[len(bpsValues)/2]
	stats.MaxBps = max

	for side, count := range sideCounts {
		stats.BySide[side] = SideStats{
			Count:   count,
			MeanBps: sideSums[side] / float64(count),
		}
	}

	return stats
}

// Recent returns up to limit most recent records for a symbol.
func (m *SlippageModel) Recent(symbol string, limit int) []SlippageRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := m.history[symbol]
	if limit <= 0 || limit > len(records) {
		limit = len(records)
	}

	out := make([]SlippageRecord, limit)
	copy(out, records[len(records)-limit:])
	return out
}

// ScoreQuality grades realized against expected slippage as a percentage
// ratio: under 90 EXCELLENT, under 110 GOOD, under 130 FAIR, else POOR.
func ScoreQuality(expectedBps, actualBps float64) string {
	if expectedBps <= 0 {
		return "GOOD"
	}

	ratio := actualBps / expectedBps * 100
	switch {
	case ratio < 90:
		return "EXCELLENT"
	case ratio < 110:
		return "GOOD"
	case ratio < 130:
		return "FAIR"
	default:
		return "POOR"
	}
}
