package execution

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/execution-engine/internal/broker"
	"github.com/atlas-desktop/execution-engine/internal/metrics"
	"github.com/atlas-desktop/execution-engine/pkg/types"
)

// VWAPConfig contains volume-weighted execution parameters.
type VWAPConfig struct {
	// DeviationThreshold flags executions whose average fill price
	// deviates from the realized VWAP by more than this fraction.
	DeviationThreshold float64 `json:"deviationThreshold"`

	// Profile maps half-hour session windows ("09:30-10:00") to volume
	// fractions summing to 1. Empty uses the default U-shaped profile.
	Profile map[string]float64 `json:"profile,omitempty"`
}

// DefaultVWAPConfig returns the default deviation threshold and the
// U-shaped intraday profile.
func DefaultVWAPConfig() VWAPConfig {
	return VWAPConfig{
		DeviationThreshold: 0.005,
	}
}

// DefaultVolumeProfile returns the U-shaped intraday volume profile:
// heavy at the open, heavier at the close, flat midday.
func DefaultVolumeProfile() map[string]float64 {
	return map[string]float64{
		"09:30-10:00": 0.12,
		"10:00-10:30": 0.08,
		"10:30-11:00": 0.06,
		"11:00-11:30": 0.05,
		"11:30-12:00": 0.05,
		"12:00-12:30": 0.05,
		"12:30-13:00": 0.05,
		"13:00-13:30": 0.05,
		"13:30-14:00": 0.06,
		"14:00-14:30": 0.07,
		"14:30-15:00": 0.09,
		"15:00-15:30": 0.12,
		"15:30-16:00": 0.15,
	}
}

// VWAPRequest describes one volume-weighted parent order.
type VWAPRequest struct {
	Symbol   string
	Side     types.Side
	Quantity int64

	// Start anchors the execution window. Zero means now.
	Start time.Time

	// Window bounds the execution horizon from Start.
	Window time.Duration

	// OnFill observes each child fill in slice order.
	OnFill FillFunc
}

// profileWindow is one parsed profile bucket.
type profileWindow struct {
	label    string
	start    time.Time
	fraction float64
}

// VWAPScheduler slices a parent order proportionally to the intraday
// volume profile and executes each slice at its window's start.
type VWAPScheduler struct {
	logger   *zap.Logger
	config   VWAPConfig
	adapter  broker.Adapter
	registry *Registry
}

// NewVWAPScheduler creates a VWAP scheduler submitting through adapter.
func NewVWAPScheduler(logger *zap.Logger, config VWAPConfig, adapter broker.Adapter, registry *Registry) *VWAPScheduler {
	if config.DeviationThreshold <= 0 {
		config.DeviationThreshold = 0.005
	}
	if len(config.Profile) == 0 {
		config.Profile = DefaultVolumeProfile()
	}

	return &VWAPScheduler{
		logger:   logger.Named("vwap"),
		config:   config,
		adapter:  adapter,
		registry: registry,
	}
}

// parseWindows resolves the profile's window labels onto the execution
// day, keeping windows whose start lies within [start, end], sorted by
// start time.
func (v *VWAPScheduler) parseWindows(start, end time.Time) ([]profileWindow, error) {
	windows := make([]profileWindow, 0, len(v.config.Profile))
	for label, fraction := range v.config.Profile {
		var h, m int
		if _, err := fmt.Sscanf(label, "%d:%d", &h, &m); err != nil {
			return nil, fmt.Errorf("vwap: bad profile window %q: %w", label, err)
		}

		at := time.Date(start.Year(), start.Month(), start.Day(), h, m, 0, 0, start.Location())
		if at.Before(start) || at.After(end) {
			continue
		}

		windows = append(windows, profileWindow{label: label, start: at, fraction: fraction})
	}

	sort.Slice(windows, func(i, j int) bool { return windows[i].start.Before(windows[j].start) })
	return windows, nil
}

// buildVWAPSlices allocates quantity across the filtered windows in
// proportion to their renormalized fractions, largest remainder first:
// each window gets the floor of its exact share, and the leftover shares
// go to the windows with the biggest fractional parts. Quantities always
// sum to the total and are never negative; zero-share windows are
// skipped.
func buildVWAPSlices(quantity int64, windows []profileWindow) []*Slice {
	total := 0.0
	for _, w := range windows {
		total += w.fraction
	}

	sizes := make([]int64, len(windows))
	remainders := make([]float64, len(windows))
	var allocated int64
	for i, w := range windows {
		exact := float64(quantity) * w.fraction / total
		sizes[i] = int64(math.Floor(exact))
		remainders[i] = exact - math.Floor(exact)
		allocated += sizes[i]
	}

	order := make([]int, len(windows))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return remainders[order[a]] > remainders[order[b]]
	})
	for i := int64(0); i < quantity-allocated; i++ {
		sizes[order[i%int64(len(order))]]++
	}

	slices := make([]*Slice, 0, len(windows))
	for i, w := range windows {
		if sizes[i] <= 0 {
			continue
		}

		slices = append(slices, &Slice{
			ID:                len(slices),
			Quantity:          sizes[i],
			ScheduledAt:       w.start,
			Status:            types.SliceStatusPending,
			ExpectedVolumePct: w.fraction / total,
			Window:            w.label,
		})
	}

	return slices
}

// realizedVWAP computes the quantity-weighted and the equal-weight
// average price of the executed slices, and their relative deviation.
func realizedVWAP(slices []Slice) (vwap, avg decimal.Decimal, deviation float64) {
	notional := decimal.Zero
	priceSum := decimal.Zero
	var qty, n int64

	for _, s := range slices {
		if s.Status != types.SliceStatusExecuted {
			continue
		}
		notional = notional.Add(s.FillPrice.Mul(decimal.NewFromInt(s.Quantity)))
		priceSum = priceSum.Add(s.FillPrice)
		qty += s.Quantity
		n++
	}

	if qty == 0 || n == 0 {
		return decimal.Zero, decimal.Zero, 0
	}

	vwap = notional.Div(decimal.NewFromInt(qty))
	avg = priceSum.Div(decimal.NewFromInt(n))
	if vwap.IsPositive() {
		deviation = avg.Sub(vwap).Div(vwap).InexactFloat64()
	}
	return vwap, avg, deviation
}

// Execute works the request against the volume profile, blocking until
// the plan reaches a terminal state. The result carries the realized
// VWAP and the deviation of the average fill price from it.
func (v *VWAPScheduler) Execute(ctx context.Context, req VWAPRequest) (*ExecutionResult, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("vwap: quantity must be positive, got %d", req.Quantity)
	}

	start := req.Start
	if start.IsZero() {
		start = time.Now()
	}
	window := req.Window
	if window <= 0 {
		window = 6*time.Hour + 30*time.Minute
	}
	end := start.Add(window)

	windows, err := v.parseWindows(start, end)
	if err != nil {
		return nil, err
	}
	if len(windows) == 0 {
		return nil, fmt.Errorf("vwap: no profile windows start within %s..%s",
			start.Format("15:04"), end.Format("15:04"))
	}

	slices := buildVWAPSlices(req.Quantity, windows)

	plan := NewExecutionPlan(req.Symbol, req.Side, req.Quantity, types.StrategyVWAP, slices)
	plan.onFill = req.OnFill
	v.registry.Add(plan)
	defer metrics.SetActivePlans(v.registry.ActiveCount())

	v.logger.Info("VWAP execution started",
		zap.String("execution_id", plan.ExecutionID),
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Int64("quantity", req.Quantity),
		zap.Int("slices", len(slices)),
		zap.String("first_window", windows[0].label),
	)

	runSlices(ctx, v.logger, v.adapter, plan, types.OrderTypeMarket, nil)

	result := plan.result()
	vwapPrice, _, deviation := realizedVWAP(plan.Slices())
	result.VWAPPrice = vwapPrice
	result.VWAPDeviationPct = deviation

	metrics.ObserveExecutionDuration(string(types.StrategyVWAP), result.Duration.Seconds())

	if math.Abs(deviation) > v.config.DeviationThreshold {
		v.logger.Warn("VWAP deviation above threshold",
			zap.String("execution_id", plan.ExecutionID),
			zap.Float64("deviation_pct", deviation*100),
			zap.Float64("threshold_pct", v.config.DeviationThreshold*100),
			zap.String("vwap", vwapPrice.StringFixed(2)),
			zap.String("avg_price", result.AvgPrice.StringFixed(2)),
		)
	}

	v.logger.Info("VWAP execution finished",
		zap.String("execution_id", plan.ExecutionID),
		zap.String("status", string(result.Status)),
		zap.Int64("executed", result.ExecutedQuantity),
		zap.String("vwap", vwapPrice.StringFixed(2)),
	)

	return result, nil
}
