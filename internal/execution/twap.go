package execution

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/execution-engine/internal/broker"
	"github.com/atlas-desktop/execution-engine/internal/metrics"
	"github.com/atlas-desktop/execution-engine/pkg/types"
)

// TWAPConfig contains time-weighted execution defaults.
type TWAPConfig struct {
	// DefaultWindow is the execution window when the caller passes none.
	DefaultWindow time.Duration `json:"defaultWindow"`

	// DefaultSlices is the slice count when the caller passes none.
	DefaultSlices int `json:"defaultSlices"`

	// Randomize jitters slice times to avoid a detectable footprint.
	Randomize bool `json:"randomize"`

	// JitterSeconds bounds the uniform schedule jitter.
	JitterSeconds int `json:"jitterSeconds"`

	// Seed drives the jitter RNG. Zero seeds from the clock.
	Seed int64 `json:"seed"`
}

// DefaultTWAPConfig returns a one-hour, ten-slice default.
func DefaultTWAPConfig() TWAPConfig {
	return TWAPConfig{
		DefaultWindow: 60 * time.Minute,
		DefaultSlices: 10,
		Randomize:     true,
		JitterSeconds: 30,
	}
}

// TWAPRequest describes one time-weighted parent order.
type TWAPRequest struct {
	Symbol   string
	Side     types.Side
	Quantity int64

	// NumSlices and Window fall back to the scheduler defaults when
	// non-positive.
	NumSlices int
	Window    time.Duration

	// Randomize overrides the config when non-nil.
	Randomize *bool

	// Start is the first slice's scheduled time. Zero means now.
	Start time.Time

	// OnFill observes each child fill in slice order.
	OnFill FillFunc
}

// TWAPScheduler slices a parent order into equal child orders spaced
// evenly across a time window.
type TWAPScheduler struct {
	logger   *zap.Logger
	config   TWAPConfig
	adapter  broker.Adapter
	registry *Registry

	mu  sync.Mutex
	rng *rand.Rand
}

// NewTWAPScheduler creates a TWAP scheduler submitting through adapter.
func NewTWAPScheduler(logger *zap.Logger, config TWAPConfig, adapter broker.Adapter, registry *Registry) *TWAPScheduler {
	if config.DefaultWindow <= 0 {
		config.DefaultWindow = 60 * time.Minute
	}
	if config.DefaultSlices <= 0 {
		config.DefaultSlices = 10
	}
	if config.JitterSeconds <= 0 {
		config.JitterSeconds = 30
	}

	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &TWAPScheduler{
		logger:   logger.Named("twap"),
		config:   config,
		adapter:  adapter,
		registry: registry,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// buildSlices splits quantity into n near-equal slices spaced across the
// window. The remainder goes to the first quantity mod n slices, so no
// two slices differ by more than one share.
func (t *TWAPScheduler) buildSlices(quantity int64, n int, window time.Duration, start time.Time, randomize bool) []*Slice {
	base := quantity / int64(n)
	remainder := quantity % int64(n)
	interval := window / time.Duration(n)

	slices := make([]*Slice, 0, n)
	for i := 0; i < n; i++ {
		size := base
		if int64(i) < remainder {
			size++
		}

		at := start.Add(time.Duration(i) * interval)
		if randomize && i > 0 {
			t.mu.Lock()
			jitter := (t.rng.Float64()*2 - 1) * float64(t.config.JitterSeconds)
			t.mu.Unlock()
			at = at.Add(time.Duration(jitter * float64(time.Second)))
		}

		slices = append(slices, &Slice{
			ID:          i,
			Quantity:    size,
			ScheduledAt: at,
			Status:      types.SliceStatusPending,
		})
	}

	return slices
}

// Execute works the request as equal time-spaced slices, blocking until
// the plan reaches a terminal state. Failed slices do not abort the
// plan; cancellation marks remaining slices CANCELLED.
func (t *TWAPScheduler) Execute(ctx context.Context, req TWAPRequest) (*ExecutionResult, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("twap: quantity must be positive, got %d", req.Quantity)
	}

	n := req.NumSlices
	if n <= 0 {
		n = t.config.DefaultSlices
	}
	if int64(n) > req.Quantity {
		n = int(req.Quantity)
	}

	window := req.Window
	if window <= 0 {
		window = t.config.DefaultWindow
	}

	start := req.Start
	if start.IsZero() {
		start = time.Now()
	}

	randomize := t.config.Randomize
	if req.Randomize != nil {
		randomize = *req.Randomize
	}

	slices := t.buildSlices(req.Quantity, n, window, start, randomize)

	plan := NewExecutionPlan(req.Symbol, req.Side, req.Quantity, types.StrategyTWAP, slices)
	plan.onFill = req.OnFill
	t.registry.Add(plan)
	defer metrics.SetActivePlans(t.registry.ActiveCount())

	t.logger.Info("TWAP execution started",
		zap.String("execution_id", plan.ExecutionID),
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Int64("quantity", req.Quantity),
		zap.Int("slices", n),
		zap.Duration("window", window),
	)

	runSlices(ctx, t.logger, t.adapter, plan, types.OrderTypeMarket, nil)

	result := plan.result()
	metrics.ObserveExecutionDuration(string(types.StrategyTWAP), result.Duration.Seconds())

	t.logger.Info("TWAP execution finished",
		zap.String("execution_id", plan.ExecutionID),
		zap.String("status", string(result.Status)),
		zap.Int64("executed", result.ExecutedQuantity),
		zap.Int("failed", result.SlicesFailed),
		zap.String("avg_price", result.AvgPrice.StringFixed(2)),
	)

	return result, nil
}
