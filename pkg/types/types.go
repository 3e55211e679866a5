// Package types provides shared type definitions for the execution engine.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide validates a raw side string at the boundary.
func ParseSide(s string) (Side, error) {
	switch Side(s) {
	case SideBuy, SideSell:
		return Side(s), nil
	}
	return "", fmt.Errorf("unknown side %q", s)
}

// Opposite returns the other direction.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign returns +1 for BUY and -1 for SELL.
func (s Side) Sign() int64 {
	if s == SideBuy {
		return 1
	}
	return -1
}

// OrderType represents the type of a child order sent to the broker.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeStop   OrderType = "STOP"
)

// ParseOrderType validates a raw order type string at the boundary.
func ParseOrderType(s string) (OrderType, error) {
	switch OrderType(s) {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStop:
		return OrderType(s), nil
	}
	return "", fmt.Errorf("unknown order type %q", s)
}

// TimeInForce represents how long an order remains active.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "DAY"
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
)

// OrderState is the broker-reported lifecycle state of a child order.
type OrderState string

const (
	OrderStateNew       OrderState = "NEW"
	OrderStatePartial   OrderState = "PARTIAL"
	OrderStateFilled    OrderState = "FILLED"
	OrderStateCancelled OrderState = "CANCELLED"
	OrderStateRejected  OrderState = "REJECTED"
)

// Strategy identifies how a parent order is worked.
type Strategy string

const (
	StrategyMarket  Strategy = "MARKET"
	StrategyTWAP    Strategy = "TWAP"
	StrategyVWAP    Strategy = "VWAP"
	StrategyLimit   Strategy = "LIMIT"
	StrategyIceberg Strategy = "ICEBERG"
)

// ParseStrategy validates a raw strategy string at the boundary.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyMarket, StrategyTWAP, StrategyVWAP, StrategyLimit, StrategyIceberg:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

// Urgency expresses how quickly the caller wants a parent order done.
type Urgency string

const (
	UrgencyImmediate Urgency = "IMMEDIATE"
	UrgencyHigh      Urgency = "HIGH"
	UrgencyNormal    Urgency = "NORMAL"
	UrgencyLow       Urgency = "LOW"
)

// ParseUrgency validates a raw urgency string at the boundary.
func ParseUrgency(s string) (Urgency, error) {
	switch Urgency(s) {
	case UrgencyImmediate, UrgencyHigh, UrgencyNormal, UrgencyLow:
		return Urgency(s), nil
	}
	return "", fmt.Errorf("unknown urgency %q", s)
}

// PlanStatus is the lifecycle state of an execution plan.
type PlanStatus string

const (
	PlanStatusRunning   PlanStatus = "RUNNING"
	PlanStatusCompleted PlanStatus = "COMPLETED"
	PlanStatusCancelled PlanStatus = "CANCELLED"
	PlanStatusFailed    PlanStatus = "FAILED"
)

// SliceStatus is the lifecycle state of a single child slice.
type SliceStatus string

const (
	SliceStatusPending   SliceStatus = "PENDING"
	SliceStatusExecuted  SliceStatus = "EXECUTED"
	SliceStatusCancelled SliceStatus = "CANCELLED"
	SliceStatusFailed    SliceStatus = "FAILED"
)

// StopType selects how a protective stop price is derived.
type StopType string

const (
	StopTypeFixedPct StopType = "FIXED_PCT"
	StopTypeATR      StopType = "ATR"
	StopTypeTrailing StopType = "TRAILING"
)

// ParseStopType validates a raw stop type string at the boundary.
func ParseStopType(s string) (StopType, error) {
	switch StopType(s) {
	case StopTypeFixedPct, StopTypeATR, StopTypeTrailing:
		return StopType(s), nil
	}
	return "", fmt.Errorf("unknown stop type %q", s)
}

// BreakerKind identifies one of the circuit breakers.
type BreakerKind string

const (
	BreakerDailyLoss         BreakerKind = "DAILY_LOSS"
	BreakerMaxDrawdown       BreakerKind = "MAX_DRAWDOWN"
	BreakerConsecutiveLosses BreakerKind = "CONSECUTIVE_LOSSES"
	BreakerVolatilitySpike   BreakerKind = "VOLATILITY_SPIKE"
	BreakerRapidDrawdown     BreakerKind = "RAPID_DRAWDOWN"
	BreakerManual            BreakerKind = "MANUAL"
)

// ParseBreakerKind validates a raw breaker kind string at the boundary.
func ParseBreakerKind(s string) (BreakerKind, error) {
	switch BreakerKind(s) {
	case BreakerDailyLoss, BreakerMaxDrawdown, BreakerConsecutiveLosses,
		BreakerVolatilitySpike, BreakerRapidDrawdown, BreakerManual:
		return BreakerKind(s), nil
	}
	return "", fmt.Errorf("unknown breaker kind %q", s)
}

// AllBreakerKinds lists every breaker kind in evaluation order.
func AllBreakerKinds() []BreakerKind {
	return []BreakerKind{
		BreakerDailyLoss,
		BreakerMaxDrawdown,
		BreakerConsecutiveLosses,
		BreakerVolatilitySpike,
		BreakerRapidDrawdown,
		BreakerManual,
	}
}

// BreakerStateKind is ARMED or TRIPPED.
type BreakerStateKind string

const (
	BreakerArmed   BreakerStateKind = "ARMED"
	BreakerTripped BreakerStateKind = "TRIPPED"
)

// BreakerState is the externally visible state of one circuit breaker.
type BreakerState struct {
	Kind             BreakerKind      `json:"kind"`
	State            BreakerStateKind `json:"state"`
	TrippedAt        time.Time        `json:"trippedAt,omitempty"`
	Reason           string           `json:"reason,omitempty"`
	ConfirmationCode string           `json:"confirmationCode,omitempty"`
}

// Severity grades alerts.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Order is the immutable request descriptor for a child order. Orders are
// created by the router and persisted for audit; they are never mutated.
type Order struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Quantity   int64           `json:"quantity"`
	Type       OrderType       `json:"type"`
	LimitPrice decimal.Decimal `json:"limitPrice,omitempty"`
	TIF        TimeInForce     `json:"tif"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Fill records one execution against an order. Append-only.
type Fill struct {
	OrderID    string          `json:"orderId"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Timestamp  time.Time       `json:"timestamp"`
	Price      decimal.Decimal `json:"price"`
	Quantity   int64           `json:"quantity"`
	Commission decimal.Decimal `json:"commission"`
}

// Position is the per-symbol ledger entry. Quantity is signed; avg cost
// resets when the quantity crosses zero and includes commission.
type Position struct {
	Symbol      string          `json:"symbol"`
	Quantity    int64           `json:"quantity"`
	AvgCost     decimal.Decimal `json:"avgCost"`
	RealizedPnL decimal.Decimal `json:"realizedPnl"`
	OpenedAt    time.Time       `json:"openedAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// MarketValue returns |quantity| * price.
func (p *Position) MarketValue(price decimal.Decimal) decimal.Decimal {
	qty := p.Quantity
	if qty < 0 {
		qty = -qty
	}
	return price.Mul(decimal.NewFromInt(qty))
}

// Quote is the latest top-of-book view for a symbol.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Last      decimal.Decimal `json:"last"`
	Timestamp time.Time       `json:"timestamp"`
}

// Mid returns the bid/ask midpoint, falling back to last when one side is
// missing.
func (q *Quote) Mid() decimal.Decimal {
	if q.Bid.IsPositive() && q.Ask.IsPositive() {
		return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
	}
	return q.Last
}

// Bar is a single OHLCV candle.
type Bar struct {
	Symbol    string          `json:"symbol,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    int64           `json:"volume"`
}

// TradeRecord is the closed-trade aggregate used by analytics.
type TradeRecord struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	PnL        decimal.Decimal `json:"pnl"`
	OpenedAt   time.Time       `json:"openedAt"`
	ClosedAt   time.Time       `json:"closedAt"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	ExitPrice  decimal.Decimal `json:"exitPrice"`
}

// Alert is an anomaly notification produced by the monitor or risk gate.
type Alert struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Severity     Severity       `json:"severity"`
	Kind         string         `json:"kind"`
	Message      string         `json:"message"`
	Details      map[string]any `json:"details,omitempty"`
	Acknowledged bool           `json:"acknowledged"`
}

// RiskSnapshot is the portfolio view passed into the risk components per
// call. Risk components never hold a back-reference to the trader.
type RiskSnapshot struct {
	AccountBalance decimal.Decimal            `json:"accountBalance"`
	PortfolioValue decimal.Decimal            `json:"portfolioValue"`
	Positions      map[string]decimal.Decimal `json:"positions"`
}

// Heat returns total absolute exposure divided by account balance.
func (rs RiskSnapshot) Heat() float64 {
	if !rs.AccountBalance.IsPositive() {
		return 0
	}
	total := decimal.Zero
	for _, v := range rs.Positions {
		total = total.Add(v.Abs())
	}
	heat, _ := total.Div(rs.AccountBalance).Float64()
	return heat
}

// PortfolioSnapshot is a point-in-time record of portfolio value and cash.
type PortfolioSnapshot struct {
	Timestamp      time.Time       `json:"timestamp"`
	PortfolioValue decimal.Decimal `json:"portfolioValue"`
	Cash           decimal.Decimal `json:"cash"`
}
