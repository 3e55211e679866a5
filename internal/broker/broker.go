// Package broker defines the child-order boundary between the execution
// engine and whatever venue actually fills orders, plus a simulated
// implementation for paper trading.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/execution-engine/pkg/types"
)

var (
	// ErrOrderNotFound is returned when an order ID is unknown to the broker.
	ErrOrderNotFound = errors.New("broker: order not found")

	// ErrOrderRejected is returned when the venue refuses an order.
	ErrOrderRejected = errors.New("broker: order rejected")

	// ErrUnavailable is returned when the venue cannot be reached.
	ErrUnavailable = errors.New("broker: venue unavailable")
)

// OrderRequest describes a child order to submit.
type OrderRequest struct {
	Symbol     string            `json:"symbol"`
	Side       types.Side        `json:"side"`
	Quantity   int64             `json:"quantity"`
	Type       types.OrderType   `json:"type"`
	LimitPrice decimal.Decimal   `json:"limit_price,omitempty"`
	TIF        types.TimeInForce `json:"tif,omitempty"`
}

// OrderStatus reports the venue-side state of a submitted order.
type OrderStatus struct {
	OrderID      string           `json:"order_id"`
	Symbol       string           `json:"symbol"`
	Side         types.Side       `json:"side"`
	State        types.OrderState `json:"state"`
	Quantity     int64            `json:"quantity"`
	FilledQty    int64            `json:"filled_qty"`
	AvgFillPrice decimal.Decimal  `json:"avg_fill_price"`
	Commission   decimal.Decimal  `json:"commission"`
	SubmittedAt  time.Time        `json:"submitted_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Filled reports whether the order is completely filled.
func (s *OrderStatus) Filled() bool {
	return s.State == types.OrderStateFilled
}

// Terminal reports whether the order can no longer change state.
func (s *OrderStatus) Terminal() bool {
	switch s.State {
	case types.OrderStateFilled, types.OrderStateCancelled, types.OrderStateRejected:
		return true
	}
	return false
}

// Adapter is the venue boundary. Implementations must be safe for
// concurrent use; all errors cross this boundary as return values.
type Adapter interface {
	// Submit places a child order and returns the venue order ID.
	Submit(ctx context.Context, req OrderRequest) (string, error)

	// Status reports the current state of a previously submitted order.
	Status(ctx context.Context, orderID string) (*OrderStatus, error)

	// Cancel asks the venue to cancel an open order. It returns true when
	// the order was cancelled, false when it had already reached a
	// terminal state.
	Cancel(ctx context.Context, orderID string) (bool, error)
}

// AwaitFill polls an order until it reaches a terminal state or the
// deadline passes. It returns the final status; a non-terminal status at
// deadline comes back with a nil error so callers can decide whether to
// cancel.
func AwaitFill(ctx context.Context, adapter Adapter, orderID string, interval, timeout time.Duration) (*OrderStatus, error) {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}

	deadline := time.Now().Add(timeout)
	for {
		status, err := adapter.Status(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if status.Terminal() || time.Now().After(deadline) {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-time.After(interval):
		}
	}
}
