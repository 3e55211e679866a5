package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/execution-engine/pkg/types"
	"github.com/atlas-desktop/execution-engine/pkg/utils"
)

// PriceFunc resolves the current reference price for a symbol.
type PriceFunc func(ctx context.Context, symbol string) (decimal.Decimal, error)

// SimConfig configures the simulated broker.
type SimConfig struct {
	// SlipBps is a deterministic adverse move applied to market fills,
	// in basis points.
	SlipBps float64 `json:"slipBps"`

	// JitterBps adds a uniform random component in [-jitter, +jitter]
	// basis points on top of SlipBps.
	JitterBps float64 `json:"jitterBps"`

	// FillDelay holds orders in NEW for this long before filling.
	// Zero fills immediately on submit.
	FillDelay time.Duration `json:"fillDelay"`

	// FillLimitOrders fills LIMIT orders at their limit price regardless
	// of the reference price. When false, only marketable limits fill;
	// the rest stay open until cancelled.
	FillLimitOrders bool `json:"fillLimitOrders"`

	// Seed drives the jitter RNG. Zero seeds from the clock.
	Seed int64 `json:"seed"`
}

// DefaultSimConfig returns paper-trading defaults: immediate fills at the
// reference price with no random component.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		SlipBps:         0,
		JitterBps:       0,
		FillDelay:       0,
		FillLimitOrders: true,
	}
}

// Sim is an in-memory broker that fills orders against a reference price
// source. It backs paper trading and the scheduler tests.
type Sim struct {
	logger *zap.Logger
	config SimConfig
	price  PriceFunc

	mu     sync.RWMutex
	orders map[string]*simOrder
	rng    *rand.Rand

	failRemaining int
	failErr       error

	submitted int64
	filled    int64
	cancelled int64
}

type simOrder struct {
	status OrderStatus
	req    OrderRequest
	fillAt time.Time
}

// NewSim creates a simulated broker filling against price.
func NewSim(logger *zap.Logger, config SimConfig, price PriceFunc) *Sim {
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &Sim{
		logger: logger.Named("sim_broker"),
		config: config,
		price:  price,
		orders: make(map[string]*simOrder),
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// FailNextSubmits makes the next n Submit calls return err. Zero n clears
// the injection. A nil err defaults to ErrUnavailable.
func (s *Sim) FailNextSubmits(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		err = ErrUnavailable
	}
	s.failRemaining = n
	s.failErr = err
}

// Submit places a child order. Market orders fill at the reference price
// adjusted by the configured slip and jitter; limit orders follow the
// FillLimitOrders policy.
func (s *Sim) Submit(ctx context.Context, req OrderRequest) (string, error) {
	if req.Quantity <= 0 {
		return "", fmt.Errorf("%w: quantity must be positive, got %d", ErrOrderRejected, req.Quantity)
	}
	if req.Side != types.SideBuy && req.Side != types.SideSell {
		return "", fmt.Errorf("%w: invalid side %q", ErrOrderRejected, req.Side)
	}

	s.mu.Lock()
	if s.failRemaining > 0 {
		s.failRemaining--
		err := s.failErr
		s.mu.Unlock()
		return "", err
	}
	s.mu.Unlock()

	ref, err := s.price(ctx, req.Symbol)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if ref.LessThanOrEqual(decimal.Zero) {
		return "", fmt.Errorf("%w: no reference price for %s", ErrOrderRejected, req.Symbol)
	}

	now := time.Now()
	orderID := utils.GenerateOrderID()

	order := &simOrder{
		req: req,
		status: OrderStatus{
			OrderID:     orderID,
			Symbol:      req.Symbol,
			Side:        req.Side,
			State:       types.OrderStateNew,
			Quantity:    req.Quantity,
			SubmittedAt: now,
			UpdatedAt:   now,
		},
		fillAt: now.Add(s.config.FillDelay),
	}

	fillPrice, fillable := s.fillPrice(req, ref)
	if fillable && s.config.FillDelay == 0 {
		order.status.State = types.OrderStateFilled
		order.status.FilledQty = req.Quantity
		order.status.AvgFillPrice = fillPrice
	}

	s.mu.Lock()
	s.orders[orderID] = order
	s.submitted++
	if order.status.State == types.OrderStateFilled {
		s.filled++
	}
	s.mu.Unlock()

	s.logger.Debug("Order submitted",
		zap.String("order_id", orderID),
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Int64("quantity", req.Quantity),
		zap.String("state", string(order.status.State)),
	)

	return orderID, nil
}

// fillPrice computes the simulated fill price for a request against the
// reference price, and whether the order fills at all.
func (s *Sim) fillPrice(req OrderRequest, ref decimal.Decimal) (decimal.Decimal, bool) {
	switch req.Type {
	case types.OrderTypeLimit:
		if s.config.FillLimitOrders {
			return req.LimitPrice, true
		}
		// Marketable limits fill at the limit, others rest.
		if req.Side == types.SideBuy && req.LimitPrice.GreaterThanOrEqual(ref) {
			return ref, true
		}
		if req.Side == types.SideSell && req.LimitPrice.LessThanOrEqual(ref) {
			return ref, true
		}
		return decimal.Zero, false
	default:
		bps := s.config.SlipBps
		if s.config.JitterBps > 0 {
			s.mu.Lock()
			bps += (s.rng.Float64()*2 - 1) * s.config.JitterBps
			s.mu.Unlock()
		}

		adjust := decimal.NewFromFloat(bps / 10000.0)
		if req.Side == types.SideBuy {
			return ref.Mul(decimal.NewFromInt(1).Add(adjust)), true
		}
		return ref.Mul(decimal.NewFromInt(1).Sub(adjust)), true
	}
}

// Status reports the current state of an order. Delayed fills materialize
// here once their fill time has passed.
func (s *Sim) Status(ctx context.Context, orderID string) (*OrderStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	if order.status.State == types.OrderStateNew && !time.Now().Before(order.fillAt) {
		ref, err := s.price(ctx, order.req.Symbol)
		if err == nil && ref.GreaterThan(decimal.Zero) {
			if fillPrice, fillable := s.fillPrice(order.req, ref); fillable {
				order.status.State = types.OrderStateFilled
				order.status.FilledQty = order.req.Quantity
				order.status.AvgFillPrice = fillPrice
				order.status.UpdatedAt = time.Now()
				s.filled++
			}
		}
	}

	status := order.status
	return &status, nil
}

// Cancel cancels an open order. Terminal orders return false.
func (s *Sim) Cancel(ctx context.Context, orderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	switch order.status.State {
	case types.OrderStateFilled, types.OrderStateCancelled, types.OrderStateRejected:
		return false, nil
	}

	order.status.State = types.OrderStateCancelled
	order.status.UpdatedAt = time.Now()
	s.cancelled++

	s.logger.Debug("Order cancelled", zap.String("order_id", orderID))
	return true, nil
}

// SimStats summarizes simulated broker activity.
type SimStats struct {
	Submitted int64 `json:"submitted"`
	Filled    int64 `json:"filled"`
	Cancelled int64 `json:"cancelled"`
	Open      int   `json:"open"`
}

// Stats returns activity counters.
func (s *Sim) Stats() SimStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	open := 0
	for _, order := range s.orders {
		if order.status.State == types.OrderStateNew || order.status.State == types.OrderStatePartial {
			open++
		}
	}

	return SimStats{
		Submitted: s.submitted,
		Filled:    s.filled,
		Cancelled: s.cancelled,
		Open:      open,
	}
}
