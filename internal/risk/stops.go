package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/execution-engine/pkg/types"
)

// StopConfig contains stop-loss parameters.
type StopConfig struct {
	// DefaultStopPct is the fixed-percentage stop distance used when the
	// caller does not supply one.
	DefaultStopPct float64 `json:"defaultStopPct"`

	// ATRMultiplier scales the ATR for ATR-based stops.
	ATRMultiplier float64 `json:"atrMultiplier"`
}

// DefaultStopConfig returns stop-loss defaults.
func DefaultStopConfig() StopConfig {
	return StopConfig{
		DefaultStopPct: 0.05,
		ATRMultiplier:  2.0,
	}
}

// Stop tracks one protective stop. One stop per symbol; re-attaching
// replaces the previous stop atomically.
type Stop struct {
	Symbol       string          `json:"symbol"`
	Side         types.Side      `json:"side"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	StopPrice    decimal.Decimal `json:"stop_price"`
	PositionSize int64           `json:"position_size"`
	RiskDollars  decimal.Decimal `json:"risk_dollars"`
	Type         types.StopType  `json:"type"`
	OrderID      string          `json:"order_id,omitempty"`
	Armed        bool            `json:"armed"`
	CreatedAt    time.Time       `json:"created_at"`

	// waterMark is the best price seen since attachment, used to ratchet
	// trailing stops.
	waterMark decimal.Decimal
}

// StopManager computes and tracks protective stops per symbol.
type StopManager struct {
	logger *zap.Logger
	config StopConfig

	mu    sync.RWMutex
	stops map[string]*Stop
}

// NewStopManager creates a stop manager.
func NewStopManager(logger *zap.Logger, config StopConfig) *StopManager {
	if config.DefaultStopPct <= 0 {
		config.DefaultStopPct = 0.05
	}
	if config.ATRMultiplier <= 0 {
		config.ATRMultiplier = 2.0
	}

	return &StopManager{
		logger: logger.Named("stops"),
		config: config,
		stops:  make(map[string]*Stop),
	}
}

// CalculateStop computes a stop for a position. param carries the stop
// percentage for FIXED_PCT and TRAILING (non-positive uses the config
// default) or the current ATR value for ATR stops.
func (s *StopManager) CalculateStop(symbol string, entry decimal.Decimal, size int64, side types.Side, stopType types.StopType, param float64) (*Stop, error) {
	if entry.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("entry price must be positive, got %s", entry)
	}
	if size <= 0 {
		return nil, fmt.Errorf("position size must be positive, got %d", size)
	}

	var stopPrice decimal.Decimal
	switch stopType {
	case types.StopTypeFixedPct, types.StopTypeTrailing:
		pct := param
		if pct <= 0 {
			pct = s.config.DefaultStopPct
		}
		offset := decimal.NewFromFloat(pct)
		if side == types.SideBuy {
			stopPrice = entry.Mul(decimal.NewFromInt(1).Sub(offset))
		} else {
			stopPrice = entry.Mul(decimal.NewFromInt(1).Add(offset))
		}
	case types.StopTypeATR:
		if param <= 0 {
			return nil, fmt.Errorf("ATR stop requires a positive ATR value, got %f", param)
		}
		distance := decimal.NewFromFloat(param * s.config.ATRMultiplier)
		if side == types.SideBuy {
			stopPrice = entry.Sub(distance)
		} else {
			stopPrice = entry.Add(distance)
		}
	default:
		return nil, fmt.Errorf("unknown stop type %q", stopType)
	}

	if stopPrice.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("computed stop price %s is not positive", stopPrice.StringFixed(2))
	}

	return &Stop{
		Symbol:       symbol,
		Side:         side,
		EntryPrice:   entry,
		StopPrice:    stopPrice,
		PositionSize: size,
		RiskDollars:  entry.Sub(stopPrice).Abs().Mul(decimal.NewFromInt(size)),
		Type:         stopType,
		Armed:        true,
		CreatedAt:    time.Now(),
		waterMark:    entry,
	}, nil
}

// Attach registers a stop, replacing any existing stop for the symbol.
func (s *StopManager) Attach(stop *Stop) {
	s.mu.Lock()
	prev, replaced := s.stops[stop.Symbol]
	s.stops[stop.Symbol] = stop
	s.mu.Unlock()

	if replaced {
		s.logger.Info("Stop replaced",
			zap.String("symbol", stop.Symbol),
			zap.String("old_stop", prev.StopPrice.StringFixed(2)),
			zap.String("new_stop", stop.StopPrice.StringFixed(2)),
		)
		return
	}

	s.logger.Info("Stop attached",
		zap.String("symbol", stop.Symbol),
		zap.String("type", string(stop.Type)),
		zap.String("stop_price", stop.StopPrice.StringFixed(2)),
		zap.String("risk_dollars", stop.RiskDollars.StringFixed(2)),
	)
}

// UpdateTrailing ratchets a trailing stop toward a favorable price move.
// The stop moves by the same delta as the new watermark and never moves
// the other direction. It returns true when the stop moved.
func (s *StopManager) UpdateTrailing(symbol string, current decimal.Decimal) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	stop, ok := s.stops[symbol]
	if !ok || stop.Type != types.StopTypeTrailing || !stop.Armed {
		return false
	}

	if stop.Side == types.SideBuy {
		if current.LessThanOrEqual(stop.waterMark) {
			return false
		}
		delta := current.Sub(stop.waterMark)
		stop.waterMark = current
		stop.StopPrice = stop.StopPrice.Add(delta)
	} else {
		if current.GreaterThanOrEqual(stop.waterMark) {
			return false
		}
		delta := stop.waterMark.Sub(current)
		stop.waterMark = current
		stop.StopPrice = stop.StopPrice.Sub(delta)
	}

	stop.RiskDollars = stop.EntryPrice.Sub(stop.StopPrice).Abs().Mul(decimal.NewFromInt(stop.PositionSize))

	s.logger.Debug("Trailing stop moved",
		zap.String("symbol", symbol),
		zap.String("stop_price", stop.StopPrice.StringFixed(2)),
		zap.String("watermark", stop.waterMark.StringFixed(2)),
	)

	return true
}

// CheckTriggered reports whether the current price breaches the symbol's
// armed stop.
func (s *StopManager) CheckTriggered(symbol string, current decimal.Decimal) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stop, ok := s.stops[symbol]
	if !ok || !stop.Armed {
		return false
	}

	if stop.Side == types.SideBuy {
		return current.LessThanOrEqual(stop.StopPrice)
	}
	return current.GreaterThanOrEqual(stop.StopPrice)
}

// Get returns a copy of the stop for a symbol.
func (s *StopManager) Get(symbol string) (Stop, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stop, ok := s.stops[symbol]
	if !ok {
		return Stop{}, false
	}
	return *stop, true
}

// Remove deletes the stop for a symbol, returning whether one existed.
func (s *StopManager) Remove(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.stops[symbol]; !ok {
		return false
	}
	delete(s.stops, symbol)

	s.logger.Info("Stop removed", zap.String("symbol", symbol))
	return true
}

// ListStops returns copies of all tracked stops.
func (s *StopManager) ListStops() []Stop {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Stop, 0, len(s.stops))
	for _, stop := range s.stops {
		out = append(out, *stop)
	}
	return out
}

// TotalRiskDollars sums risk across all armed stops.
func (s *StopManager) TotalRiskDollars() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	for _, stop := range s.stops {
		if stop.Armed {
			total = total.Add(stop.RiskDollars)
		}
	}
	return total
}
