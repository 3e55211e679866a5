package execution

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/execution-engine/internal/broker"
	"github.com/atlas-desktop/execution-engine/internal/metrics"
	"github.com/atlas-desktop/execution-engine/pkg/types"
	"github.com/atlas-desktop/execution-engine/pkg/utils"
)

// IcebergConfig contains hidden-size execution parameters.
type IcebergConfig struct {
	// NumChunks is how many limit orders the parent splits into.
	NumChunks int `json:"numChunks"`

	// OffsetBps bounds the random limit-price offset from the current
	// price for each chunk.
	OffsetBps float64 `json:"offsetBps"`

	// MaxChaseBps caps every chunk's limit within this band around the
	// arrival price, so the execution never chases a running market.
	MaxChaseBps float64 `json:"maxChaseBps"`

	// Seed drives the offset RNG. Zero seeds from the clock.
	Seed int64 `json:"seed"`
}

// DefaultIcebergConfig returns ten chunks within a tight price band.
func DefaultIcebergConfig() IcebergConfig {
	return IcebergConfig{
		NumChunks:   10,
		OffsetBps:   5,
		MaxChaseBps: 10,
	}
}

// IcebergRequest describes one hidden-size parent order.
type IcebergRequest struct {
	Symbol   string
	Side     types.Side
	Quantity int64

	// ArrivalPrice anchors the chase band. Must be positive.
	ArrivalPrice decimal.Decimal

	// Price resolves the current reference price per chunk. Nil reuses
	// the arrival price throughout.
	Price broker.PriceFunc

	// OnFill observes each child fill in chunk order.
	OnFill FillFunc
}

// IcebergExecutor splits a parent order into sequential limit chunks at
// slightly randomized prices, hiding the true size from the book.
type IcebergExecutor struct {
	logger   *zap.Logger
	config   IcebergConfig
	adapter  broker.Adapter
	registry *Registry

	mu  sync.Mutex
	rng *rand.Rand
}

// NewIcebergExecutor creates an iceberg executor submitting through
// adapter.
func NewIcebergExecutor(logger *zap.Logger, config IcebergConfig, adapter broker.Adapter, registry *Registry) *IcebergExecutor {
	if config.NumChunks <= 0 {
		config.NumChunks = 10
	}
	if config.OffsetBps <= 0 {
		config.OffsetBps = 5
	}
	if config.MaxChaseBps < config.OffsetBps {
		config.MaxChaseBps = 2 * config.OffsetBps
	}

	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &IcebergExecutor{
		logger:   logger.Named("iceberg"),
		config:   config,
		adapter:  adapter,
		registry: registry,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// limitPrice picks a chunk's limit: the current price plus a random
// offset within ±OffsetBps, clamped to the arrival price ±MaxChaseBps.
func (e *IcebergExecutor) limitPrice(current, arrival decimal.Decimal) decimal.Decimal {
	e.mu.Lock()
	offset := (e.rng.Float64()*2 - 1) * e.config.OffsetBps
	e.mu.Unlock()

	limit := current.Mul(decimal.NewFromFloat(1 + offset/10000.0))

	band := decimal.NewFromFloat(e.config.MaxChaseBps / 10000.0)
	low := arrival.Mul(decimal.NewFromInt(1).Sub(band))
	high := arrival.Mul(decimal.NewFromInt(1).Add(band))
	return utils.ClampDecimal(limit, low, high)
}

// Execute submits the chunks sequentially with no scheduled waits,
// blocking until the last chunk settles.
func (e *IcebergExecutor) Execute(ctx context.Context, req IcebergRequest) (*ExecutionResult, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("iceberg: quantity must be positive, got %d", req.Quantity)
	}
	if req.ArrivalPrice.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("iceberg: arrival price must be positive, got %s", req.ArrivalPrice)
	}

	n := e.config.NumChunks
	if int64(n) > req.Quantity {
		n = int(req.Quantity)
	}

	base := req.Quantity / int64(n)
	remainder := req.Quantity % int64(n)
	now := time.Now()

	slices := make([]*Slice, 0, n)
	for i := 0; i < n; i++ {
		size := base
		if int64(i) < remainder {
			size++
		}
		slices = append(slices, &Slice{
			ID:          i,
			Quantity:    size,
			ScheduledAt: now,
			Status:      types.SliceStatusPending,
		})
	}

	plan := NewExecutionPlan(req.Symbol, req.Side, req.Quantity, types.StrategyIceberg, slices)
	plan.ArrivalPrice = req.ArrivalPrice
	plan.onFill = req.OnFill
	e.registry.Add(plan)
	defer metrics.SetActivePlans(e.registry.ActiveCount())

	e.logger.Info("Iceberg execution started",
		zap.String("execution_id", plan.ExecutionID),
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Int64("quantity", req.Quantity),
		zap.Int("chunks", n),
	)

	limitFor := func(*Slice) decimal.Decimal {
		current := req.ArrivalPrice
		if req.Price != nil {
			if ref, err := req.Price(ctx, req.Symbol); err == nil && ref.IsPositive() {
				current = ref
			}
		}
		return e.limitPrice(current, req.ArrivalPrice)
	}

	runSlices(ctx, e.logger, e.adapter, plan, types.OrderTypeLimit, limitFor)

	result := plan.result()
	metrics.ObserveExecutionDuration(string(types.StrategyIceberg), result.Duration.Seconds())

	e.logger.Info("Iceberg execution finished",
		zap.String("execution_id", plan.ExecutionID),
		zap.String("status", string(result.Status)),
		zap.Int64("executed", result.ExecutedQuantity),
		zap.String("avg_price", result.AvgPrice.StringFixed(2)),
	)

	return result, nil
}
