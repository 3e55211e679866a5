package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/execution-engine/internal/broker"
	"github.com/atlas-desktop/execution-engine/internal/data"
	"github.com/atlas-desktop/execution-engine/internal/metrics"
	"github.com/atlas-desktop/execution-engine/pkg/types"
)

// RouterConfig contains strategy-selection boundaries.
type RouterConfig struct {
	// SmallOrderThreshold sends orders below this notional straight to
	// market.
	SmallOrderThreshold decimal.Decimal `json:"smallOrderThreshold"`

	// LargeOrderThreshold works orders at or above this notional as
	// VWAP or iceberg.
	LargeOrderThreshold decimal.Decimal `json:"largeOrderThreshold"`

	// VWAPParticipationMin selects VWAP over iceberg for large orders
	// whose participation rate exceeds it.
	VWAPParticipationMin float64 `json:"vwapParticipationMin"`

	// FallbackPrice size-classifies when no price can be resolved.
	FallbackPrice decimal.Decimal `json:"fallbackPrice"`

	// HistoryLimit bounds the retained execution history.
	HistoryLimit int `json:"historyLimit"`
}

// DefaultRouterConfig returns the $10k/$100k boundaries.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		SmallOrderThreshold:  decimal.NewFromInt(10000),
		LargeOrderThreshold:  decimal.NewFromInt(100000),
		VWAPParticipationMin: 0.01,
		FallbackPrice:        decimal.NewFromInt(100),
		HistoryLimit:         200,
	}
}

// RouteRequest describes a parent order to execute.
type RouteRequest struct {
	Symbol   string
	Side     types.Side
	Quantity int64

	// Price is the caller's reference price. Zero asks the market data
	// source; the config fallback is used only to size-classify.
	Price decimal.Decimal

	Urgency types.Urgency

	// ADV overrides the market data source's average daily volume when
	// positive.
	ADV int64

	// WindowMinutes overrides the scheduler's default window.
	WindowMinutes int

	// Volatility feeds the slippage estimate when known (annualized
	// fraction).
	Volatility float64

	// OnFill observes every child fill in slice order.
	OnFill FillFunc
}

// Router selects an execution strategy per parent order and runs it,
// recording estimated and realized slippage.
type Router struct {
	logger   *zap.Logger
	config   RouterConfig
	slippage *SlippageModel
	monitor  *Monitor
	source   data.Source
	adapter  broker.Adapter
	registry *Registry

	twap    *TWAPScheduler
	vwap    *VWAPScheduler
	iceberg *IcebergExecutor

	mu      sync.RWMutex
	history []*ExecutionResult

	wg sync.WaitGroup
}

// NewRouter wires the router over its schedulers. The registry is shared
// so cancellation reaches plans regardless of which scheduler owns them.
func NewRouter(
	logger *zap.Logger,
	config RouterConfig,
	adapter broker.Adapter,
	source data.Source,
	slippage *SlippageModel,
	monitor *Monitor,
	registry *Registry,
	twap *TWAPScheduler,
	vwap *VWAPScheduler,
	iceberg *IcebergExecutor,
) *Router {
	if config.SmallOrderThreshold.LessThanOrEqual(decimal.Zero) {
		config.SmallOrderThreshold = decimal.NewFromInt(10000)
	}
	if config.LargeOrderThreshold.LessThanOrEqual(config.SmallOrderThreshold) {
		config.LargeOrderThreshold = decimal.NewFromInt(100000)
	}
	if config.VWAPParticipationMin <= 0 {
		config.VWAPParticipationMin = 0.01
	}
	if config.FallbackPrice.LessThanOrEqual(decimal.Zero) {
		config.FallbackPrice = decimal.NewFromInt(100)
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = 200
	}

	return &Router{
		logger:   logger.Named("router"),
		config:   config,
		adapter:  adapter,
		source:   source,
		slippage: slippage,
		monitor:  monitor,
		registry: registry,
		twap:     twap,
		vwap:     vwap,
		iceberg:  iceberg,
	}
}

// SelectStrategy applies the selection tree: immediacy first, then order
// value, then participation. First match wins.
func (r *Router) SelectStrategy(orderValue decimal.Decimal, urgency types.Urgency, adv, quantity int64) types.Strategy {
	switch {
	case urgency == types.UrgencyImmediate:
		return types.StrategyMarket
	case orderValue.LessThan(r.config.SmallOrderThreshold):
		return types.StrategyMarket
	case urgency == types.UrgencyLow:
		return types.StrategyLimit
	case orderValue.GreaterThanOrEqual(r.config.LargeOrderThreshold):
		if adv > 0 && float64(quantity)/float64(adv) > r.config.VWAPParticipationMin {
			return types.StrategyVWAP
		}
		return types.StrategyIceberg
	default:
		return types.StrategyTWAP
	}
}

// twapParams maps urgency onto the TWAP window and slice count.
func twapParams(urgency types.Urgency, windowMinutes int) (time.Duration, int) {
	if windowMinutes > 0 {
		return time.Duration(windowMinutes) * time.Minute, 0
	}
	if urgency == types.UrgencyHigh {
		return 30 * time.Minute, 6
	}
	return 60 * time.Minute, 10
}

// resolvePrice finds a reference price: the caller's, then the market
// data source, then the classification fallback. The bool reports
// whether the price is real rather than the fallback.
func (r *Router) resolvePrice(ctx context.Context, req RouteRequest) (decimal.Decimal, bool) {
	if req.Price.GreaterThan(decimal.Zero) {
		return req.Price, true
	}

	if r.source != nil {
		if price, err := data.LastPrice(ctx, r.source, req.Symbol); err == nil && price.IsPositive() {
			return price, true
		}
	}

	r.logger.Warn("No reference price, classifying with fallback",
		zap.String("symbol", req.Symbol),
		zap.String("fallback", r.config.FallbackPrice.StringFixed(2)),
	)
	return r.config.FallbackPrice, false
}

// resolveADV finds the average daily volume: the caller's, then the
// market data source. Zero means unknown.
func (r *Router) resolveADV(ctx context.Context, req RouteRequest) int64 {
	if req.ADV > 0 {
		return req.ADV
	}
	if r.source == nil {
		return 0
	}

	adv, err := r.source.AverageDailyVolume(ctx, req.Symbol)
	if err != nil {
		r.logger.Debug("ADV unavailable", zap.String("symbol", req.Symbol), zap.Error(err))
		return 0
	}
	return adv
}

// Route executes a parent order with the selected strategy, blocking
// until it settles. Slippage is estimated pre-trade and the realized
// value recorded after; the monitor observes every finished execution.
func (r *Router) Route(ctx context.Context, req RouteRequest) (*ExecutionResult, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("router: quantity must be positive, got %d", req.Quantity)
	}
	if req.Urgency == "" {
		req.Urgency = types.UrgencyNormal
	}

	r.wg.Add(1)
	defer r.wg.Done()

	price, priced := r.resolvePrice(ctx, req)
	adv := r.resolveADV(ctx, req)
	orderValue := price.Mul(decimal.NewFromInt(req.Quantity))

	strategy := r.SelectStrategy(orderValue, req.Urgency, adv, req.Quantity)

	orderType := types.OrderTypeMarket
	if strategy == types.StrategyLimit || strategy == types.StrategyIceberg {
		orderType = types.OrderTypeLimit
	}
	estimate := r.slippage.Estimate(req.Symbol, req.Quantity, req.Side, price, adv, req.Volatility, orderType)

	r.logger.Info("Routing order",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Int64("quantity", req.Quantity),
		zap.String("strategy", string(strategy)),
		zap.String("order_value", orderValue.StringFixed(2)),
		zap.String("urgency", string(req.Urgency)),
		zap.Float64("estimated_bps", estimate.TotalBps),
	)

	result, err := r.execute(ctx, req, strategy, price, priced)
	if err != nil {
		return nil, err
	}

	result.EstimatedBps = estimate.TotalBps
	if result.ExecutedQuantity > 0 && priced {
		r.slippage.RecordActual(req.Symbol, result.ExecutedQuantity, req.Side, price, result.AvgPrice, orderType)
		diff := result.AvgPrice.Sub(price)
		if req.Side == types.SideSell {
			diff = diff.Neg()
		}
		result.ActualBps = diff.Div(price).InexactFloat64() * 10000
	}

	r.mu.Lock()
	r.history = append(r.history, result)
	if len(r.history) > r.config.HistoryLimit {
		r.history = r.history[len(r.history)-r.config.HistoryLimit:]
	}
	r.mu.Unlock()

	if r.monitor != nil {
		r.monitor.Observe(ObservedExecution{
			ExecutionID:      result.ExecutionID,
			Symbol:           result.Symbol,
			Strategy:         result.Strategy,
			Status:           result.Status,
			EstimatedBps:     result.EstimatedBps,
			ActualBps:        result.ActualBps,
			VWAPDeviationPct: result.VWAPDeviationPct,
			SlicesExecuted:   result.SlicesExecuted,
			SlicesFailed:     result.SlicesFailed,
			Duration:         result.Duration,
			CompletedAt:      result.CompletedAt,
		})
	}

	return result, nil
}

// execute dispatches to the strategy implementation.
func (r *Router) execute(ctx context.Context, req RouteRequest, strategy types.Strategy, price decimal.Decimal, priced bool) (*ExecutionResult, error) {
	switch strategy {
	case types.StrategyMarket:
		return r.executeSingle(ctx, req, types.OrderTypeMarket, decimal.Zero)

	case types.StrategyLimit:
		if !priced {
			return nil, fmt.Errorf("router: limit route needs a reference price for %s", req.Symbol)
		}
		return r.executeSingle(ctx, req, types.OrderTypeLimit, price)

	case types.StrategyTWAP:
		window, slices := twapParams(req.Urgency, req.WindowMinutes)
		return r.twap.Execute(ctx, TWAPRequest{
			Symbol:    req.Symbol,
			Side:      req.Side,
			Quantity:  req.Quantity,
			NumSlices: slices,
			Window:    window,
			OnFill:    req.OnFill,
		})

	case types.StrategyVWAP:
		var window time.Duration
		if req.WindowMinutes > 0 {
			window = time.Duration(req.WindowMinutes) * time.Minute
		}
		result, err := r.vwap.Execute(ctx, VWAPRequest{
			Symbol:   req.Symbol,
			Side:     req.Side,
			Quantity: req.Quantity,
			Window:   window,
			OnFill:   req.OnFill,
		})
		if err != nil {
			// Outside the profile's session windows: work it as TWAP
			// instead of refusing the order.
			r.logger.Warn("VWAP unavailable, falling back to TWAP",
				zap.String("symbol", req.Symbol), zap.Error(err))
			window, slices := twapParams(req.Urgency, req.WindowMinutes)
			return r.twap.Execute(ctx, TWAPRequest{
				Symbol:    req.Symbol,
				Side:      req.Side,
				Quantity:  req.Quantity,
				NumSlices: slices,
				Window:    window,
				OnFill:    req.OnFill,
			})
		}
		return result, nil

	case types.StrategyIceberg:
		return r.iceberg.Execute(ctx, IcebergRequest{
			Symbol:       req.Symbol,
			Side:         req.Side,
			Quantity:     req.Quantity,
			ArrivalPrice: price,
			Price: func(ctx context.Context, symbol string) (decimal.Decimal, error) {
				if r.source == nil {
					return price, nil
				}
				return data.LastPrice(ctx, r.source, symbol)
			},
			OnFill: req.OnFill,
		})

	default:
		return nil, fmt.Errorf("router: unknown strategy %q", strategy)
	}
}

// executeSingle runs a one-slice plan: a single market or limit child.
func (r *Router) executeSingle(ctx context.Context, req RouteRequest, orderType types.OrderType, limitPrice decimal.Decimal) (*ExecutionResult, error) {
	strategy := types.StrategyMarket
	if orderType == types.OrderTypeLimit {
		strategy = types.StrategyLimit
	}

	slice := &Slice{
		ID:          0,
		Quantity:    req.Quantity,
		ScheduledAt: time.Now(),
		Status:      types.SliceStatusPending,
	}

	plan := NewExecutionPlan(req.Symbol, req.Side, req.Quantity, strategy, []*Slice{slice})
	plan.onFill = req.OnFill
	r.registry.Add(plan)
	defer metrics.SetActivePlans(r.registry.ActiveCount())

	var limitFor func(*Slice) decimal.Decimal
	if orderType == types.OrderTypeLimit {
		limitFor = func(*Slice) decimal.Decimal { return limitPrice }
	}

	runSlices(ctx, r.logger, r.adapter, plan, orderType, limitFor)

	result := plan.result()
	metrics.ObserveExecutionDuration(string(strategy), result.Duration.Seconds())
	return result, nil
}

// CancelExecution cancels a running plan by id.
func (r *Router) CancelExecution(executionID string) bool {
	cancelled := r.registry.Cancel(executionID)
	if cancelled {
		r.logger.Info("Execution cancelled", zap.String("execution_id", executionID))
	}
	return cancelled
}

// CancelAll cancels every running plan, returning how many flipped. The
// trader invokes this on a breaker trip when the cancel-on-trip policy
// is enabled.
func (r *Router) CancelAll() int {
	return r.registry.CancelAll()
}

// History returns up to limit most recent execution results.
func (r *Router) History(limit int) []*ExecutionResult {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.history) {
		limit = len(r.history)
	}

	out := make([]*ExecutionResult, limit)
	copy(out, r.history[len(r.history)-limit:])
	return out
}

// ActivePlans returns the ids of currently running plans.
func (r *Router) ActivePlans() []string {
	out := []string{}
	for _, plan := range r.registry.List() {
		if plan.Status() == types.PlanStatusRunning {
			out = append(out, plan.ExecutionID)
		}
	}
	return out
}

// Close waits for in-flight plans to settle.
func (r *Router) Close() {
	r.wg.Wait()
}
