// Package trader implements the paper trader: the top-level intent
// handler that gates orders through risk checks, simulates fills,
// maintains the position ledger and cash, and reports performance.
package trader

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/execution-engine/internal/data"
	"github.com/atlas-desktop/execution-engine/internal/events"
	"github.com/atlas-desktop/execution-engine/internal/execution"
	"github.com/atlas-desktop/execution-engine/internal/metrics"
	"github.com/atlas-desktop/execution-engine/internal/risk"
	"github.com/atlas-desktop/execution-engine/internal/sizing"
	"github.com/atlas-desktop/execution-engine/internal/store"
	"github.com/atlas-desktop/execution-engine/pkg/types"
	"github.com/atlas-desktop/execution-engine/pkg/utils"
)

var (
	// ErrInvalidQuantity rejects non-positive order quantities.
	ErrInvalidQuantity = errors.New("trader: quantity must be positive")

	// ErrInvalidSymbol rejects malformed ticker symbols.
	ErrInvalidSymbol = errors.New("trader: invalid symbol")

	// ErrMarketClosed rejects placements outside exchange hours.
	ErrMarketClosed = errors.New("trader: market closed")

	// ErrBreakerTripped rejects placements while a circuit breaker is
	// tripped.
	ErrBreakerTripped = errors.New("trader: circuit breaker tripped")

	// ErrPriceUnavailable rejects placements with no resolvable price.
	ErrPriceUnavailable = errors.New("trader: no price available")

	// ErrInsufficientCash rejects buys the cash balance cannot cover.
	ErrInsufficientCash = errors.New("trader: insufficient cash")

	// ErrInsufficientPosition rejects sells larger than the held position.
	ErrInsufficientPosition = errors.New("trader: insufficient position")

	// ErrNotMarketable rejects limit orders away from the market.
	ErrNotMarketable = errors.New("trader: limit price not marketable")

	// ErrHalted rejects everything after an invariant violation until an
	// operator resets the portfolio.
	ErrHalted = errors.New("trader: halted on invariant violation")
)

// Config contains paper trader parameters.
type Config struct {
	// InitialCash seeds the cash balance, the breaker peak, and the
	// start-of-day value.
	InitialCash decimal.Decimal `json:"initialCash"`

	// CommissionPerTrade and CommissionPerShare form the cost model.
	// Either may be zero or negative (a rebate); the total commission
	// per fill is floored at zero.
	CommissionPerTrade decimal.Decimal `json:"commissionPerTrade"`
	CommissionPerShare decimal.Decimal `json:"commissionPerShare"`

	// Paper fill slippage: base + sizeFactor*sqrt(qty/1000), floored at
	// MinSlippage, scaled by VolatilityMultiplier. All fractions.
	SlippageBase         float64 `json:"slippageBase"`
	SlippageSizeFactor   float64 `json:"slippageSizeFactor"`
	MinSlippage          float64 `json:"minSlippage"`
	VolatilityMultiplier float64 `json:"volatilityMultiplier"`

	// EnforceMarketHours gates placements by exchange session time.
	EnforceMarketHours bool `json:"enforceMarketHours"`

	// EnableRiskSystems wires the sizer, stops, and breakers. When
	// false they are all no-ops.
	EnableRiskSystems bool `json:"enableRiskSystems"`

	// ExchangeTimezone locates the trading session.
	ExchangeTimezone string `json:"exchangeTimezone"`

	// CancelPlansOnTrip cancels in-flight execution plans when a
	// breaker trips. Off by default: a running plan is allowed to
	// finish, the breaker gates new plans.
	CancelPlansOnTrip bool `json:"cancelPlansOnTrip"`

	// SnapshotLimit and TradeHistoryLimit bound in-memory history.
	SnapshotLimit     int `json:"snapshotLimit"`
	TradeHistoryLimit int `json:"tradeHistoryLimit"`
}

// DefaultConfig returns paper trading defaults.
func DefaultConfig() Config {
	return Config{
		InitialCash:          decimal.NewFromInt(100000),
		CommissionPerTrade:   decimal.NewFromInt(1),
		CommissionPerShare:   decimal.NewFromFloat(0.005),
		SlippageBase:         0.0005,
		SlippageSizeFactor:   0.0001,
		MinSlippage:          0.0001,
		VolatilityMultiplier: 1.0,
		EnforceMarketHours:   false,
		EnableRiskSystems:    true,
		ExchangeTimezone:     "America/New_York",
		SnapshotLimit:        10000,
		TradeHistoryLimit:    10000,
	}
}

// Deps are the collaborators the trader consumes. Any of them may be
// nil; the corresponding behavior degrades to a no-op.
type Deps struct {
	Source  data.Source
	Sizer   *sizing.KellySizer
	Stops   *risk.StopManager
	Breaker *risk.CircuitBreaker
	Router  *execution.Router
	Store   *store.Store
	Bus     *events.Bus
}

// OrderOptions tunes a single placement.
type OrderOptions struct {
	// AutoStop attaches a protective stop after an opening buy.
	AutoStop bool

	// StopPct overrides the stop manager's default distance.
	StopPct float64
}

// PaperTrader owns the cash and position ledger. All mutations pass
// through placement under one mutex, so readers always see a consistent
// snapshot.
type PaperTrader struct {
	logger *zap.Logger
	config Config
	deps   Deps
	loc    *time.Location

	// now is the clock, swappable in tests for market-hours checks.
	now func() time.Time

	mu         sync.Mutex
	cash       decimal.Decimal
	positions  map[string]*types.Position
	fills      []types.Fill
	trades     []types.TradeRecord
	snapshots  []types.PortfolioSnapshot
	lastPrices map[string]decimal.Decimal
	halted     bool
	haltReason string
}

// New creates a paper trader seeded with the configured initial cash.
func New(logger *zap.Logger, config Config, deps Deps) (*PaperTrader, error) {
	if config.InitialCash.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("trader: initial cash must be positive, got %s", config.InitialCash)
	}
	if config.ExchangeTimezone == "" {
		config.ExchangeTimezone = "America/New_York"
	}
	if config.VolatilityMultiplier <= 0 {
		config.VolatilityMultiplier = 1.0
	}
	if config.SnapshotLimit <= 0 {
		config.SnapshotLimit = 10000
	}
	if config.TradeHistoryLimit <= 0 {
		config.TradeHistoryLimit = 10000
	}

	loc, err := time.LoadLocation(config.ExchangeTimezone)
	if err != nil {
		return nil, fmt.Errorf("trader: load timezone %q: %w", config.ExchangeTimezone, err)
	}

	t := &PaperTrader{
		logger:     logger.Named("trader"),
		config:     config,
		deps:       deps,
		loc:        loc,
		now:        time.Now,
		cash:       config.InitialCash,
		positions:  make(map[string]*types.Position),
		lastPrices: make(map[string]decimal.Decimal),
	}

	if config.EnableRiskSystems && deps.Breaker != nil && config.CancelPlansOnTrip && deps.Router != nil {
		deps.Breaker.SetTripHandler(func(kind types.BreakerKind, reason, _ string) {
			n := deps.Router.CancelAll()
			t.logger.Warn("Breaker trip cancelled in-flight plans",
				zap.String("kind", string(kind)),
				zap.String("reason", reason),
				zap.Int("cancelled", n),
			)
		})
	}

	metrics.SetCash(config.InitialCash.InexactFloat64())
	metrics.SetPortfolioValue(config.InitialCash.InexactFloat64())

	return t, nil
}

// SetClock swaps the trader's clock. Tests use it to pin market-hours
// behavior.
func (t *PaperTrader) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// haltLocked latches the halted flag, publishes a CRITICAL alert, and
// returns ErrHalted. Callers hold the mutex.
func (t *PaperTrader) haltLocked(reason string) error {
	t.halted = true
	t.haltReason = reason

	t.logger.Error("TRADER HALTED", zap.String("reason", reason))

	if t.deps.Bus != nil {
		t.deps.Bus.Publish(events.NewRiskAlertEvent(
			utils.GenerateID("alert"), "INVARIANT_VIOLATION", string(types.SeverityCritical), "", reason))
	}

	return fmt.Errorf("%w: %s", ErrHalted, reason)
}

// Halted reports whether the trader latched an invariant violation.
func (t *PaperTrader) Halted() (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.halted, t.haltReason
}

// marketOpen reports whether the exchange-local time falls inside the
// regular session, 09:30-16:00 Monday through Friday.
func (t *PaperTrader) marketOpen(at time.Time) bool {
	local := at.In(t.loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}

	minutes := local.Hour()*60 + local.Minute()
	return minutes >= 9*60+30 && minutes < 16*60
}

// gate runs the pre-placement checks shared by every entry point:
// validation, halt latch, market hours, and the circuit breakers.
func (t *PaperTrader) gate(symbol string, qty int64, side types.Side) (string, error) {
	if qty <= 0 {
		metrics.OrderRejected("invalid_quantity")
		return "", fmt.Errorf("%w: got %d", ErrInvalidQuantity, qty)
	}
	if side != types.SideBuy && side != types.SideSell {
		metrics.OrderRejected("invalid_side")
		return "", fmt.Errorf("trader: unknown side %q", side)
	}

	normalized := utils.NormalizeSymbol(symbol)
	if !utils.ValidSymbol(normalized) {
		metrics.OrderRejected("invalid_symbol")
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}

	t.mu.Lock()
	halted, reason := t.halted, t.haltReason
	clock := t.now
	t.mu.Unlock()

	if halted {
		metrics.OrderRejected("halted")
		return "", fmt.Errorf("%w: %s", ErrHalted, reason)
	}

	if t.config.EnforceMarketHours && !t.marketOpen(clock()) {
		metrics.OrderRejected("market_closed")
		t.logger.Warn("Order rejected: market closed", zap.String("symbol", normalized))
		return "", ErrMarketClosed
	}

	if t.config.EnableRiskSystems && t.deps.Breaker != nil {
		check := t.CheckCircuitBreakers()
		if !check.Allowed {
			metrics.OrderRejected("breaker_tripped")
			t.logger.Warn("Order rejected: circuit breaker",
				zap.String("symbol", normalized),
				zap.Strings("reasons", check.Reasons),
			)
			return "", fmt.Errorf("%w: %v", ErrBreakerTripped, check.Reasons)
		}
	}

	return normalized, nil
}

// resolvePrice queries the market data source, falling back to the last
// known price for the symbol.
func (t *PaperTrader) resolvePrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if t.deps.Source != nil {
		if price, err := data.LastPrice(ctx, t.deps.Source, symbol); err == nil && price.IsPositive() {
			t.mu.Lock()
			t.lastPrices[symbol] = price
			t.mu.Unlock()
			return price, nil
		}
	}

	t.mu.Lock()
	cached, ok := t.lastPrices[symbol]
	t.mu.Unlock()
	if ok && cached.IsPositive() {
		t.logger.Debug("Using cached price", zap.String("symbol", symbol), zap.String("price", cached.StringFixed(2)))
		return cached, nil
	}

	metrics.OrderRejected("no_price")
	return decimal.Zero, fmt.Errorf("%w: %s", ErrPriceUnavailable, symbol)
}

// paperFillPrice applies the internal slippage rule to a reference
// price: base + sizeFactor*sqrt(qty/1000), floored at the minimum,
// scaled by the volatility multiplier, adverse to the side.
func (t *PaperTrader) paperFillPrice(price decimal.Decimal, qty int64, side types.Side) decimal.Decimal {
	slip := t.config.SlippageBase + t.config.SlippageSizeFactor*math.Sqrt(float64(qty)/1000.0)
	if slip < t.config.MinSlippage {
		slip = t.config.MinSlippage
	}
	slip *= t.config.VolatilityMultiplier

	factor := decimal.NewFromFloat(slip)
	if side == types.SideBuy {
		return price.Mul(decimal.NewFromInt(1).Add(factor))
	}
	return price.Mul(decimal.NewFromInt(1).Sub(factor))
}

// commissionFor computes per-fill commission, floored at zero.
func (t *PaperTrader) commissionFor(qty int64) decimal.Decimal {
	c := t.config.CommissionPerTrade.Add(t.config.CommissionPerShare.Mul(decimal.NewFromInt(qty)))
	if c.IsNegative() {
		return decimal.Zero
	}
	return c
}

// PlaceMarketOrder simulates an immediate market order fill through the
// full placement pipeline. It returns the order id, or an error naming
// the refusal; refusals change no state.
func (t *PaperTrader) PlaceMarketOrder(ctx context.Context, symbol string, qty int64, side types.Side, opts *OrderOptions) (string, error) {
	normalized, err := t.gate(symbol, qty, side)
	if err != nil {
		return "", err
	}

	price, err := t.resolvePrice(ctx, normalized)
	if err != nil {
		t.logger.Warn("Order rejected: no price", zap.String("symbol", normalized))
		return "", err
	}

	fillPrice := t.paperFillPrice(price, qty, side)
	commission := t.commissionFor(qty)

	return t.applyOrder(normalized, qty, side, fillPrice, commission, opts)
}

// PlaceLimitOrder simulates a limit order. It fills at the reference
// price when that price is at-or-better than the limit, and is rejected
// otherwise; the paper model does not rest orders.
func (t *PaperTrader) PlaceLimitOrder(ctx context.Context, symbol string, qty int64, side types.Side, limitPrice decimal.Decimal) (string, error) {
	if limitPrice.LessThanOrEqual(decimal.Zero) {
		metrics.OrderRejected("invalid_limit")
		return "", fmt.Errorf("trader: limit price must be positive, got %s", limitPrice)
	}

	normalized, err := t.gate(symbol, qty, side)
	if err != nil {
		return "", err
	}

	price, err := t.resolvePrice(ctx, normalized)
	if err != nil {
		t.logger.Warn("Order rejected: no price", zap.String("symbol", normalized))
		return "", err
	}

	marketable := (side == types.SideBuy && price.LessThanOrEqual(limitPrice)) ||
		(side == types.SideSell && price.GreaterThanOrEqual(limitPrice))
	if !marketable {
		metrics.OrderRejected("not_marketable")
		t.logger.Warn("Limit order rejected: not marketable",
			zap.String("symbol", normalized),
			zap.String("limit", limitPrice.StringFixed(2)),
			zap.String("market", price.StringFixed(2)),
		)
		return "", fmt.Errorf("%w: limit %s vs market %s", ErrNotMarketable, limitPrice.StringFixed(2), price.StringFixed(2))
	}

	commission := t.commissionFor(qty)
	return t.applyOrder(normalized, qty, side, price, commission, nil)
}

// applyOrder runs the ledger mutation and all post-fill bookkeeping:
// fills, trade records, stop attachment, breaker updates, persistence,
// metrics, and events.
func (t *PaperTrader) applyOrder(symbol string, qty int64, side types.Side, fillPrice, commission decimal.Decimal, opts *OrderOptions) (string, error) {
	orderID := utils.GenerateOrderID()

	t.mu.Lock()
	now := t.now()

	var realized decimal.Decimal
	var realizing bool
	var err error

	if side == types.SideBuy {
		err = t.applyBuy(symbol, qty, fillPrice, commission, now)
	} else {
		realized, _, err = t.applySell(symbol, qty, fillPrice, commission, now)
		realizing = err == nil
	}
	if err != nil {
		t.mu.Unlock()
		metrics.OrderRejected("ledger_refused")
		t.logger.Warn("Order refused by ledger", zap.String("symbol", symbol), zap.Error(err))
		return "", err
	}

	fill := types.Fill{
		OrderID:    orderID,
		Symbol:     symbol,
		Side:       side,
		Timestamp:  now,
		Price:      fillPrice,
		Quantity:   qty,
		Commission: commission,
	}
	t.fills = append(t.fills, fill)
	t.lastPrices[symbol] = fillPrice

	var record *types.TradeRecord
	if realizing {
		pos, stillOpen := t.positions[symbol]
		entry := fillPrice.Sub(realized.Add(commission).Div(decimal.NewFromInt(qty)))
		openedAt := now
		if stillOpen {
			openedAt = pos.OpenedAt
			entry = pos.AvgCost
		}

		record = &types.TradeRecord{
			ID:         utils.GenerateID("trade"),
			Symbol:     symbol,
			PnL:        realized,
			OpenedAt:   openedAt,
			ClosedAt:   now,
			EntryPrice: entry,
			ExitPrice:  fillPrice,
		}
		t.trades = append(t.trades, *record)
		if len(t.trades) > t.config.TradeHistoryLimit {
			t.trades = t.trades[len(t.trades)-t.config.TradeHistoryLimit:]
		}
	}

	if err := t.checkInvariantsLocked(); err != nil {
		t.mu.Unlock()
		return "", err
	}

	snap := t.snapshotLocked(now)
	posCopy, posOpen := t.positionCopyLocked(symbol)
	t.mu.Unlock()

	// Post-ledger bookkeeping, in the order the pipeline defines:
	// stops, breaker, persistence, metrics, events.
	if side == types.SideBuy && opts != nil && opts.AutoStop {
		t.attachStop(symbol, fillPrice, qty, opts.StopPct)
	}

	if realizing && t.config.EnableRiskSystems && t.deps.Breaker != nil {
		t.deps.Breaker.RecordTrade(realized, symbol)
	}

	t.refreshSizer()
	t.persistAfterFill(orderID, fill, realized, realizing, posCopy, posOpen, snap)

	metrics.OrderPlaced(string(side))
	metrics.FillRecorded(string(side))
	metrics.SetCash(snap.Cash.InexactFloat64())
	metrics.SetPortfolioValue(snap.PortfolioValue.InexactFloat64())

	if t.deps.Bus != nil {
		t.deps.Bus.Publish(events.NewFillEvent(orderID, symbol, string(side), qty, fillPrice, commission, realized))
		t.deps.Bus.Publish(events.NewPositionEvent(symbol, posCopy.Quantity, posCopy.AvgCost, posCopy.RealizedPnL))
		t.deps.Bus.Publish(events.NewSnapshotEvent(snap.PortfolioValue, snap.Cash))
	}

	t.logger.Info("Order filled",
		zap.String("order_id", orderID),
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Int64("quantity", qty),
		zap.String("fill_price", fillPrice.StringFixed(2)),
		zap.String("commission", commission.StringFixed(2)),
		zap.String("realized_pnl", realized.StringFixed(2)),
	)

	return orderID, nil
}

// positionCopyLocked returns a copy of the symbol's position, zeroed
// when closed. Callers hold the mutex.
func (t *PaperTrader) positionCopyLocked(symbol string) (types.Position, bool) {
	if pos, ok := t.positions[symbol]; ok {
		return *pos, true
	}
	return types.Position{Symbol: symbol}, false
}

// attachStop computes and attaches a protective stop for an opening
// long position.
func (t *PaperTrader) attachStop(symbol string, entry decimal.Decimal, qty int64, stopPct float64) {
	if !t.config.EnableRiskSystems || t.deps.Stops == nil {
		return
	}

	stop, err := t.deps.Stops.CalculateStop(symbol, entry, qty, types.SideBuy, types.StopTypeFixedPct, stopPct)
	if err != nil {
		t.logger.Warn("Stop attachment failed", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	t.deps.Stops.Attach(stop)
}

// refreshSizer pushes the current balance and position values into the
// Kelly sizer.
func (t *PaperTrader) refreshSizer() {
	if !t.config.EnableRiskSystems || t.deps.Sizer == nil {
		return
	}

	t.mu.Lock()
	balance := t.portfolioValueLocked()
	values := t.positionValuesLocked()
	t.mu.Unlock()

	t.deps.Sizer.UpdateAccountBalance(balance)
	t.deps.Sizer.UpdatePositions(values)
}

// persistAfterFill writes the position, trade, and snapshot rows.
// Persistence failures are logged, never fatal to the placement.
func (t *PaperTrader) persistAfterFill(orderID string, fill types.Fill, realized decimal.Decimal, realizing bool, pos types.Position, posOpen bool, snap types.PortfolioSnapshot) {
	if t.deps.Store == nil {
		return
	}

	pnl := decimal.NullDecimal{}
	if realizing {
		pnl = decimal.NullDecimal{Decimal: realized, Valid: true}
	}

	if err := t.deps.Store.SaveTrade(orderID, fill, pnl); err != nil {
		t.logger.Error("Persist trade failed", zap.Error(err))
	}

	if posOpen {
		if err := t.deps.Store.SavePosition(pos); err != nil {
			t.logger.Error("Persist position failed", zap.Error(err))
		}
	} else {
		if err := t.deps.Store.DeletePosition(pos.Symbol); err != nil {
			t.logger.Error("Delete position failed", zap.Error(err))
		}
	}

	if err := t.deps.Store.SaveSnapshot(snap); err != nil {
		t.logger.Error("Persist snapshot failed", zap.Error(err))
	}
}

// ExecuteParams describes a worked parent order routed through the
// execution router.
type ExecuteParams struct {
	Symbol        string
	Side          types.Side
	Quantity      int64
	Urgency       types.Urgency
	WindowMinutes int
	AutoStop      bool
	StopPct       float64
}

// ExecuteOrder routes a parent order through the execution router,
// applying every child fill to the ledger as it lands. The call blocks
// until the plan settles.
func (t *PaperTrader) ExecuteOrder(ctx context.Context, params ExecuteParams) (*execution.ExecutionResult, error) {
	if t.deps.Router == nil {
		return nil, errors.New("trader: no execution router configured")
	}

	normalized, err := t.gate(params.Symbol, params.Quantity, params.Side)
	if err != nil {
		return nil, err
	}

	// Affordability pre-check so child fills cannot strand the ledger.
	price, err := t.resolvePrice(ctx, normalized)
	if err != nil {
		return nil, err
	}

	var entryPrice decimal.Decimal
	var openedAt time.Time

	t.mu.Lock()
	if params.Side == types.SideBuy {
		needed := price.Mul(decimal.NewFromInt(params.Quantity)).Mul(decimal.NewFromFloat(1.01))
		if t.cash.LessThan(needed) {
			t.mu.Unlock()
			metrics.OrderRejected("insufficient_cash")
			return nil, fmt.Errorf("%w: need about %s, have %s", ErrInsufficientCash, needed.StringFixed(2), t.cash.StringFixed(2))
		}
	} else {
		pos, ok := t.positions[normalized]
		if !ok || pos.Quantity < params.Quantity {
			t.mu.Unlock()
			metrics.OrderRejected("insufficient_position")
			return nil, fmt.Errorf("%w: %s", ErrInsufficientPosition, normalized)
		}
		// Sells realize against a cost basis that child fills never
		// change; capture it for the trade record.
		entryPrice = pos.AvgCost
		openedAt = pos.OpenedAt
	}
	t.mu.Unlock()

	var realizedTotal decimal.Decimal
	var realizedAny bool

	onFill := func(symbol string, side types.Side, qty int64, fillPrice decimal.Decimal, orderID string) {
		commission := t.commissionFor(qty)

		t.mu.Lock()
		now := t.now()
		var ferr error
		var pnl decimal.Decimal
		if side == types.SideBuy {
			ferr = t.applyBuy(symbol, qty, fillPrice, commission, now)
		} else {
			pnl, _, ferr = t.applySell(symbol, qty, fillPrice, commission, now)
		}
		if ferr != nil {
			// The broker already filled: an unappliable child fill is
			// an invariant violation, not a refusal.
			_ = t.haltLocked(fmt.Sprintf("child fill unappliable: %v", ferr))
			t.mu.Unlock()
			return
		}

		fill := types.Fill{
			OrderID:    orderID,
			Symbol:     symbol,
			Side:       side,
			Timestamp:  now,
			Price:      fillPrice,
			Quantity:   qty,
			Commission: commission,
		}
		t.fills = append(t.fills, fill)
		t.lastPrices[symbol] = fillPrice
		if side == types.SideSell {
			realizedTotal = realizedTotal.Add(pnl)
			realizedAny = true
		}
		snap := t.snapshotLocked(now)
		posCopy, posOpen := t.positionCopyLocked(symbol)
		t.mu.Unlock()

		metrics.FillRecorded(string(side))
		t.persistAfterFill(orderID, fill, pnl, side == types.SideSell, posCopy, posOpen, snap)

		if t.deps.Bus != nil {
			t.deps.Bus.Publish(events.NewFillEvent(orderID, symbol, string(side), qty, fillPrice, commission, pnl))
		}
	}

	result, err := t.deps.Router.Route(ctx, execution.RouteRequest{
		Symbol:        normalized,
		Side:          params.Side,
		Quantity:      params.Quantity,
		Price:         price,
		Urgency:       params.Urgency,
		WindowMinutes: params.WindowMinutes,
		OnFill:        onFill,
	})
	if err != nil {
		return nil, err
	}

	if params.Side == types.SideBuy && params.AutoStop && result.ExecutedQuantity > 0 {
		t.attachStop(normalized, result.AvgPrice, result.ExecutedQuantity, params.StopPct)
	}

	if realizedAny {
		if t.config.EnableRiskSystems && t.deps.Breaker != nil {
			t.deps.Breaker.RecordTrade(realizedTotal, normalized)
		}
		t.mu.Lock()
		t.trades = append(t.trades, types.TradeRecord{
			ID:         utils.GenerateID("trade"),
			Symbol:     normalized,
			PnL:        realizedTotal,
			OpenedAt:   openedAt,
			ClosedAt:   t.now(),
			EntryPrice: entryPrice,
			ExitPrice:  result.AvgPrice,
		})
		t.mu.Unlock()
	}

	t.refreshSizer()
	metrics.OrderPlaced(string(params.Side))

	if t.deps.Store != nil {
		completed := result.CompletedAt
		if err := t.deps.Store.SaveExecution(store.ExecutionRow{
			ID:          result.ExecutionID,
			Symbol:      result.Symbol,
			Side:        string(result.Side),
			Strategy:    string(result.Strategy),
			TotalQty:    result.TotalQuantity,
			ExecutedQty: result.ExecutedQuantity,
			AvgPrice:    result.AvgPrice,
			Status:      string(result.Status),
			StartedAt:   result.StartedAt,
			CompletedAt: &completed,
		}); err != nil {
			t.logger.Error("Persist execution failed", zap.Error(err))
		}
	}

	if t.deps.Bus != nil {
		t.deps.Bus.Publish(events.NewExecutionEvent(
			result.ExecutionID, result.Symbol, string(result.Side), string(result.Strategy),
			string(result.Status), result.ExecutedQuantity, result.TotalQuantity, result.AvgPrice))
	}

	return result, nil
}

// CalculatePositionSize refreshes the sizer from the current portfolio
// and delegates to the Kelly calculation. With risk systems disabled it
// returns a zero-size result saying so.
func (t *PaperTrader) CalculatePositionSize(symbol string, winRate, avgWin, avgLoss, fraction float64) sizing.SizingResult {
	if !t.config.EnableRiskSystems || t.deps.Sizer == nil {
		return sizing.SizingResult{Symbol: symbol, Rationale: "risk systems disabled"}
	}

	t.refreshSizer()

	t.mu.Lock()
	price := t.lastPrices[symbol]
	t.mu.Unlock()

	return t.deps.Sizer.CalculatePositionSize(winRate, avgWin, avgLoss, fraction, price, symbol)
}

// CheckCircuitBreakers evaluates the breakers against the current
// portfolio value. With risk systems disabled trading is always
// allowed.
func (t *PaperTrader) CheckCircuitBreakers() risk.CheckResult {
	if !t.config.EnableRiskSystems || t.deps.Breaker == nil {
		return risk.CheckResult{Allowed: true, CheckedAt: time.Now()}
	}

	t.mu.Lock()
	value := t.portfolioValueLocked()
	t.mu.Unlock()

	return t.deps.Breaker.Check(risk.CheckInput{PortfolioValue: value})
}

// RiskSnapshot builds the value object the risk components consume.
func (t *PaperTrader) RiskSnapshot() types.RiskSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	return types.RiskSnapshot{
		AccountBalance: t.portfolioValueLocked(),
		PortfolioValue: t.portfolioValueLocked(),
		Positions:      t.positionValuesLocked(),
	}
}

// PortfolioView is a consistent snapshot of the ledger.
type PortfolioView struct {
	Cash           decimal.Decimal           `json:"cash"`
	PortfolioValue decimal.Decimal           `json:"portfolio_value"`
	Positions      []types.Position          `json:"positions"`
	LastPrices     map[string]decimal.Decimal `json:"last_prices"`
	Halted         bool                      `json:"halted"`
	HaltReason     string                    `json:"halt_reason,omitempty"`
}

// GetPortfolio returns a consistent snapshot of cash, value, and open
// positions.
func (t *PaperTrader) GetPortfolio() PortfolioView {
	t.mu.Lock()
	defer t.mu.Unlock()

	view := PortfolioView{
		Cash:           t.cash,
		PortfolioValue: t.portfolioValueLocked(),
		Positions:      make([]types.Position, 0, len(t.positions)),
		LastPrices:     make(map[string]decimal.Decimal, len(t.lastPrices)),
		Halted:         t.halted,
		HaltReason:     t.haltReason,
	}
	for _, pos := range t.positions {
		view.Positions = append(view.Positions, *pos)
	}
	for symbol, price := range t.lastPrices {
		view.LastPrices[symbol] = price
	}
	return view
}

// MarkPrice updates the trader's view of a symbol's price without
// trading, re-snapshotting portfolio value. The streaming feed calls
// this on every quote.
func (t *PaperTrader) MarkPrice(symbol string, price decimal.Decimal) {
	if price.LessThanOrEqual(decimal.Zero) {
		return
	}

	t.mu.Lock()
	t.lastPrices[utils.NormalizeSymbol(symbol)] = price
	value := t.portfolioValueLocked()
	t.mu.Unlock()

	metrics.SetPortfolioValue(value.InexactFloat64())
}

// Fills returns up to limit most recent fills.
func (t *PaperTrader) Fills(limit int) []types.Fill {
	t.mu.Lock()
	defer t.mu.Unlock()

	if limit <= 0 || limit > len(t.fills) {
		limit = len(t.fills)
	}
	out := make([]types.Fill, limit)
	copy(out, t.fills[len(t.fills)-limit:])
	return out
}

// ClosedTrades returns up to limit most recent closed-trade records.
func (t *PaperTrader) ClosedTrades(limit int) []types.TradeRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	if limit <= 0 || limit > len(t.trades) {
		limit = len(t.trades)
	}
	out := make([]types.TradeRecord, limit)
	copy(out, t.trades[len(t.trades)-limit:])
	return out
}

// ResetPortfolio returns the trader to its initial state: full cash, no
// positions, no history, halt latch cleared. The store is wiped so a
// later Resume sees the same state. Reset is idempotent.
func (t *PaperTrader) ResetPortfolio() error {
	t.mu.Lock()
	t.cash = t.config.InitialCash
	t.positions = make(map[string]*types.Position)
	t.fills = nil
	t.trades = nil
	t.snapshots = nil
	t.lastPrices = make(map[string]decimal.Decimal)
	t.halted = false
	t.haltReason = ""
	t.mu.Unlock()

	if t.deps.Store != nil {
		if err := t.deps.Store.Reset(); err != nil {
			return fmt.Errorf("trader: reset store: %w", err)
		}
	}

	t.refreshSizer()
	metrics.SetCash(t.config.InitialCash.InexactFloat64())
	metrics.SetPortfolioValue(t.config.InitialCash.InexactFloat64())

	t.logger.Info("Portfolio reset", zap.String("cash", t.config.InitialCash.StringFixed(2)))
	return nil
}

// Resume reloads positions, cash, snapshots, and the fill and trade
// history from the store so a restarted process continues where it
// stopped.
func (t *PaperTrader) Resume() error {
	if t.deps.Store == nil {
		return nil
	}

	positions, err := t.deps.Store.LoadPositions()
	if err != nil {
		return fmt.Errorf("trader: resume positions: %w", err)
	}
	snapshots, err := t.deps.Store.LoadSnapshots(t.config.SnapshotLimit)
	if err != nil {
		return fmt.Errorf("trader: resume snapshots: %w", err)
	}
	rows, err := t.deps.Store.LoadTrades(t.config.TradeHistoryLimit)
	if err != nil {
		return fmt.Errorf("trader: resume trades: %w", err)
	}

	fills := make([]types.Fill, 0, len(rows))
	trades := make([]types.TradeRecord, 0, len(rows))
	for _, row := range rows {
		fills = append(fills, types.Fill{
			OrderID:    row.ID,
			Symbol:     row.Symbol,
			Side:       types.Side(row.Side),
			Quantity:   row.Quantity,
			Price:      row.Price,
			Commission: row.Commission,
			Timestamp:  row.Timestamp,
		})

		// Rows carry a PnL only for realizing fills; those are the
		// closed trades the performance summary is built from. The
		// entry price is backed out of the realized PnL the same way
		// applyOrder computes it.
		if !row.PnL.Valid || row.Quantity <= 0 {
			continue
		}
		entry := row.Price.Sub(row.PnL.Decimal.Add(row.Commission).Div(decimal.NewFromInt(row.Quantity)))
		trades = append(trades, types.TradeRecord{
			ID:         row.ID,
			Symbol:     row.Symbol,
			PnL:        row.PnL.Decimal,
			ClosedAt:   row.Timestamp,
			EntryPrice: entry,
			ExitPrice:  row.Price,
		})
	}

	t.mu.Lock()
	t.positions = make(map[string]*types.Position, len(positions))
	for symbol, pos := range positions {
		p := pos
		t.positions[symbol] = &p
	}
	t.snapshots = snapshots
	if len(snapshots) > 0 {
		t.cash = snapshots[len(snapshots)-1].Cash
	}
	t.fills = fills
	t.trades = trades
	loaded := len(positions)
	cash := t.cash
	t.mu.Unlock()

	t.refreshSizer()

	t.logger.Info("Portfolio resumed",
		zap.Int("positions", loaded),
		zap.Int("snapshots", len(snapshots)),
		zap.Int("fills", len(fills)),
		zap.Int("trades", len(trades)),
		zap.String("cash", cash.StringFixed(2)),
	)
	return nil
}
