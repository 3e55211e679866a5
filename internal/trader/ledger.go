package trader

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/execution-engine/pkg/types"
)

// applyBuy debits cash and grows the position, folding commission into
// the weighted average cost. Callers hold the mutex.
func (t *PaperTrader) applyBuy(symbol string, qty int64, fillPrice, commission decimal.Decimal, now time.Time) error {
	cost := fillPrice.Mul(decimal.NewFromInt(qty)).Add(commission)
	if t.cash.LessThan(cost) {
		return fmt.Errorf("%w: need %s, have %s", ErrInsufficientCash, cost.StringFixed(2), t.cash.StringFixed(2))
	}

	t.cash = t.cash.Sub(cost)

	pos, ok := t.positions[symbol]
	if !ok {
		t.positions[symbol] = &types.Position{
			Symbol:    symbol,
			Quantity:  qty,
			AvgCost:   cost.Div(decimal.NewFromInt(qty)),
			OpenedAt:  now,
			UpdatedAt: now,
		}
		return nil
	}

	newQty := pos.Quantity + qty
	held := pos.AvgCost.Mul(decimal.NewFromInt(pos.Quantity))
	pos.AvgCost = held.Add(cost).Div(decimal.NewFromInt(newQty))
	pos.Quantity = newQty
	pos.UpdatedAt = now
	return nil
}

// applySell credits cash net of commission and realizes P&L against the
// weighted average cost. The position is deleted when it reaches zero.
// Callers hold the mutex. Returns the realized P&L and whether the
// position fully closed.
func (t *PaperTrader) applySell(symbol string, qty int64, fillPrice, commission decimal.Decimal, now time.Time) (decimal.Decimal, bool, error) {
	pos, ok := t.positions[symbol]
	if !ok || pos.Quantity < qty {
		held := int64(0)
		if ok {
			held = pos.Quantity
		}
		return decimal.Zero, false, fmt.Errorf("%w: selling %d, holding %d %s", ErrInsufficientPosition, qty, held, symbol)
	}

	proceeds := fillPrice.Mul(decimal.NewFromInt(qty)).Sub(commission)
	t.cash = t.cash.Add(proceeds)

	pnl := fillPrice.Sub(pos.AvgCost).Mul(decimal.NewFromInt(qty)).Sub(commission)
	pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
	pos.Quantity -= qty
	pos.UpdatedAt = now

	closed := pos.Quantity == 0
	if closed {
		delete(t.positions, symbol)
	}
	return pnl, closed, nil
}

// checkInvariantsLocked latches the halted flag on states that should be
// unreachable. Callers hold the mutex.
func (t *PaperTrader) checkInvariantsLocked() error {
	if t.cash.IsNegative() {
		return t.haltLocked(fmt.Sprintf("negative cash %s after placement", t.cash.StringFixed(2)))
	}
	for symbol, pos := range t.positions {
		if pos.Quantity < 0 {
			return t.haltLocked(fmt.Sprintf("negative position %d in %s", pos.Quantity, symbol))
		}
	}
	return nil
}

// portfolioValueLocked prices open positions at the last known price,
// falling back to average cost. Callers hold the mutex.
func (t *PaperTrader) portfolioValueLocked() decimal.Decimal {
	value := t.cash
	for symbol, pos := range t.positions {
		price, ok := t.lastPrices[symbol]
		if !ok || !price.IsPositive() {
			price = pos.AvgCost
		}
		value = value.Add(price.Mul(decimal.NewFromInt(pos.Quantity)))
	}
	return value
}

// positionValuesLocked returns per-symbol market values. Callers hold
// the mutex.
func (t *PaperTrader) positionValuesLocked() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(t.positions))
	for symbol, pos := range t.positions {
		price, ok := t.lastPrices[symbol]
		if !ok || !price.IsPositive() {
			price = pos.AvgCost
		}
		out[symbol] = pos.MarketValue(price)
	}
	return out
}

// snapshotLocked appends and persists a portfolio-value observation.
// Callers hold the mutex.
func (t *PaperTrader) snapshotLocked(now time.Time) types.PortfolioSnapshot {
	snap := types.PortfolioSnapshot{
		Timestamp:      now,
		PortfolioValue: t.portfolioValueLocked(),
		Cash:           t.cash,
	}

	t.snapshots = append(t.snapshots, snap)
	if len(t.snapshots) > t.config.SnapshotLimit {
		t.snapshots = t.snapshots[len(t.snapshots)-t.config.SnapshotLimit:]
	}
	return snap
}
