package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/execution-engine/internal/broker"
	"github.com/atlas-desktop/execution-engine/internal/metrics"
	"github.com/atlas-desktop/execution-engine/pkg/types"
	"github.com/atlas-desktop/execution-engine/pkg/utils"
)

// Slice is one scheduled child order within a plan.
type Slice struct {
	ID                int               `json:"id"`
	Quantity          int64             `json:"quantity"`
	ScheduledAt       time.Time         `json:"scheduled_at"`
	Status            types.SliceStatus `json:"status"`
	OrderID           string            `json:"order_id,omitempty"`
	FillPrice         decimal.Decimal   `json:"fill_price,omitempty"`
	FillTime          time.Time         `json:"fill_time,omitempty"`
	ExpectedVolumePct float64           `json:"expected_volume_pct,omitempty"`
	Window            string            `json:"window,omitempty"`
	Error             string            `json:"error,omitempty"`
}

// ExecutionPlan owns the slices of one worked parent order. Slices
// execute strictly serially; cancellation is observed between slice
// waits and before each submit.
type ExecutionPlan struct {
	ExecutionID   string          `json:"execution_id"`
	Symbol        string          `json:"symbol"`
	Side          types.Side      `json:"side"`
	TotalQuantity int64           `json:"total_quantity"`
	Strategy      types.Strategy  `json:"strategy"`
	ArrivalPrice  decimal.Decimal `json:"arrival_price"`

	mu          sync.Mutex
	slices      []*Slice
	status      types.PlanStatus
	startedAt   time.Time
	completedAt time.Time

	cancelFn context.CancelFunc
	onFill   func(symbol string, side types.Side, qty int64, price decimal.Decimal, orderID string)
}

// NewExecutionPlan creates a RUNNING plan over the given slices.
func NewExecutionPlan(symbol string, side types.Side, total int64, strategy types.Strategy, slices []*Slice) *ExecutionPlan {
	return &ExecutionPlan{
		ExecutionID:   utils.GenerateID("exec"),
		Symbol:        symbol,
		Side:          side,
		TotalQuantity: total,
		Strategy:      strategy,
		slices:        slices,
		status:        types.PlanStatusRunning,
		startedAt:     time.Now(),
	}
}

// Status returns the plan's current lifecycle state.
func (p *ExecutionPlan) Status() types.PlanStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Slices returns copies of the plan's slices.
func (p *ExecutionPlan) Slices() []Slice {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Slice, len(p.slices))
	for i, s := range p.slices {
		out[i] = *s
	}
	return out
}

// cancelled reports whether the plan was cancelled.
func (p *ExecutionPlan) cancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status == types.PlanStatusCancelled
}

// Cancel flips the plan to CANCELLED and wakes any slice wait. Remaining
// slices are marked CANCELLED by the execution loop; an in-flight child
// order is asked to cancel at the broker.
func (p *ExecutionPlan) Cancel() bool {
	p.mu.Lock()
	if p.status != types.PlanStatusRunning {
		p.mu.Unlock()
		return false
	}
	p.status = types.PlanStatusCancelled
	cancel := p.cancelFn
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return true
}

// finish settles the terminal status once the slice loop ends.
func (p *ExecutionPlan) finish(executed, failed int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.completedAt = time.Now()
	if p.status == types.PlanStatusCancelled {
		return
	}
	if executed == 0 && failed > 0 {
		p.status = types.PlanStatusFailed
		return
	}
	p.status = types.PlanStatusCompleted
}

// ExecutionResult summarizes a finished plan.
type ExecutionResult struct {
	ExecutionID       string           `json:"execution_id"`
	Symbol            string           `json:"symbol"`
	Side              types.Side       `json:"side"`
	Strategy          types.Strategy   `json:"strategy"`
	Status            types.PlanStatus `json:"status"`
	TotalQuantity     int64            `json:"total_quantity"`
	ExecutedQuantity  int64            `json:"executed_quantity"`
	AvgPrice          decimal.Decimal  `json:"avg_price"`
	SlicesExecuted    int              `json:"slices_executed"`
	SlicesFailed      int              `json:"slices_failed"`
	SlicesCancelled   int              `json:"slices_cancelled"`
	StartedAt         time.Time        `json:"started_at"`
	CompletedAt       time.Time        `json:"completed_at"`
	Duration          time.Duration    `json:"duration"`
	EstimatedBps      float64          `json:"estimated_bps"`
	ActualBps         float64          `json:"actual_bps"`
	VWAPPrice         decimal.Decimal  `json:"vwap_price,omitempty"`
	VWAPDeviationPct  float64          `json:"vwap_deviation_pct,omitempty"`
	MeanSliceDuration time.Duration    `json:"mean_slice_duration,omitempty"`
}

// result builds the summary from the plan's slices.
func (p *ExecutionPlan) result() *ExecutionResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	res := &ExecutionResult{
		ExecutionID:   p.ExecutionID,
		Symbol:        p.Symbol,
		Side:          p.Side,
		Strategy:      p.Strategy,
		Status:        p.status,
		TotalQuantity: p.TotalQuantity,
		StartedAt:     p.startedAt,
		CompletedAt:   p.completedAt,
	}
	if !p.completedAt.IsZero() {
		res.Duration = p.completedAt.Sub(p.startedAt)
	}

	notional := decimal.Zero
	for _, s := range p.slices {
		switch s.Status {
		case types.SliceStatusExecuted:
			res.SlicesExecuted++
			res.ExecutedQuantity += s.Quantity
			notional = notional.Add(s.FillPrice.Mul(decimal.NewFromInt(s.Quantity)))
		case types.SliceStatusFailed:
			res.SlicesFailed++
		case types.SliceStatusCancelled:
			res.SlicesCancelled++
		}
	}

	if res.ExecutedQuantity > 0 {
		res.AvgPrice = notional.Div(decimal.NewFromInt(res.ExecutedQuantity))
	}

	return res
}

// FillFunc observes each child fill as it is applied to a slice, in
// slice order. The trader uses it to keep the ledger ahead of analytics.
type FillFunc func(symbol string, side types.Side, qty int64, price decimal.Decimal, orderID string)

// Registry tracks live and recently finished execution plans by id.
type Registry struct {
	mu    sync.RWMutex
	plans map[string]*ExecutionPlan
}

// NewRegistry creates an empty plan registry.
func NewRegistry() *Registry {
	return &Registry{plans: make(map[string]*ExecutionPlan)}
}

// Add registers a plan.
func (r *Registry) Add(plan *ExecutionPlan) {
	r.mu.Lock()
	r.plans[plan.ExecutionID] = plan
	r.mu.Unlock()

	metrics.SetActivePlans(r.ActiveCount())
}

// Get returns a plan by execution id.
func (r *Registry) Get(executionID string) (*ExecutionPlan, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	plan, ok := r.plans[executionID]
	return plan, ok
}

// Cancel cancels a running plan by id, returning whether anything
// changed.
func (r *Registry) Cancel(executionID string) bool {
	plan, ok := r.Get(executionID)
	if !ok {
		return false
	}
	return plan.Cancel()
}

// CancelAll cancels every running plan, returning how many flipped.
func (r *Registry) CancelAll() int {
	r.mu.RLock()
	plans := make([]*ExecutionPlan, 0, len(r.plans))
	for _, plan := range r.plans {
		plans = append(plans, plan)
	}
	r.mu.RUnlock()

	n := 0
	for _, plan := range plans {
		if plan.Cancel() {
			n++
		}
	}
	return n
}

// ActiveCount returns the number of RUNNING plans.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, plan := range r.plans {
		if plan.Status() == types.PlanStatusRunning {
			n++
		}
	}
	return n
}

// List returns all tracked plans.
func (r *Registry) List() []*ExecutionPlan {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*ExecutionPlan, 0, len(r.plans))
	for _, plan := range r.plans {
		out = append(out, plan)
	}
	return out
}

// sliceRetry bounds child-order submission retries.
var sliceRetry = utils.RetryConfig{
	MaxAttempts:  3,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     5 * time.Second,
	Multiplier:   2.0,
}

// runSlices executes a plan's slices strictly in order against the
// broker: wait until each slice's scheduled time, submit a child order,
// and read back the fill. A failed slice is marked FAILED and the loop
// continues; cancellation marks all remaining slices CANCELLED.
func runSlices(ctx context.Context, logger *zap.Logger, adapter broker.Adapter, plan *ExecutionPlan, orderType types.OrderType, limitPriceFor func(*Slice) decimal.Decimal) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	plan.mu.Lock()
	plan.cancelFn = cancel
	slices := plan.slices
	plan.mu.Unlock()

	executed, failed := 0, 0

	for _, slice := range slices {
		if plan.cancelled() || ctx.Err() != nil {
			markCancelled(plan, slice)
			continue
		}

		if wait := time.Until(slice.ScheduledAt); wait > 0 {
			select {
			case <-ctx.Done():
				markCancelled(plan, slice)
				continue
			case <-time.After(wait):
			}
		}

		// Cancellation between the wait and the submit.
		if plan.cancelled() {
			markCancelled(plan, slice)
			continue
		}

		if err := executeSlice(ctx, logger, adapter, plan, slice, orderType, limitPriceFor); err != nil {
			failed++
			plan.mu.Lock()
			slice.Status = types.SliceStatusFailed
			slice.Error = err.Error()
			plan.mu.Unlock()

			logger.Warn("Slice failed",
				zap.String("execution_id", plan.ExecutionID),
				zap.Int("slice", slice.ID),
				zap.Error(err),
			)
			continue
		}
		executed++
	}

	plan.finish(executed, failed)
}

func markCancelled(plan *ExecutionPlan, slice *Slice) {
	plan.mu.Lock()
	if slice.Status == types.SliceStatusPending {
		slice.Status = types.SliceStatusCancelled
	}
	plan.mu.Unlock()
}

// executeSlice submits one child order with bounded retries and records
// the fill on the slice.
func executeSlice(ctx context.Context, logger *zap.Logger, adapter broker.Adapter, plan *ExecutionPlan, slice *Slice, orderType types.OrderType, limitPriceFor func(*Slice) decimal.Decimal) error {
	req := broker.OrderRequest{
		Symbol:   plan.Symbol,
		Side:     plan.Side,
		Quantity: slice.Quantity,
		Type:     orderType,
		TIF:      types.TimeInForceDay,
	}
	if orderType == types.OrderTypeLimit && limitPriceFor != nil {
		req.LimitPrice = limitPriceFor(slice)
	}

	var orderID string
	var err error
	delay := sliceRetry.InitialDelay

	for attempt := 1; attempt <= sliceRetry.MaxAttempts; attempt++ {
		orderID, err = adapter.Submit(ctx, req)
		if err == nil {
			break
		}
		if attempt == sliceRetry.MaxAttempts {
			return fmt.Errorf("submit after %d attempts: %w", sliceRetry.MaxAttempts, err)
		}

		logger.Warn("Child order submit failed, retrying",
			zap.String("execution_id", plan.ExecutionID),
			zap.Int("slice", slice.ID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * sliceRetry.Multiplier)
		if delay > sliceRetry.MaxDelay {
			delay = sliceRetry.MaxDelay
		}
	}

	plan.mu.Lock()
	slice.OrderID = orderID
	plan.mu.Unlock()

	status, err := broker.AwaitFill(ctx, adapter, orderID, 50*time.Millisecond, 30*time.Second)
	if err != nil {
		// The plan was cancelled mid-flight: ask the broker to cancel,
		// but honor a fill that already happened.
		if ctx.Err() != nil {
			if ok, cerr := adapter.Cancel(context.Background(), orderID); cerr == nil && !ok {
				if final, serr := adapter.Status(context.Background(), orderID); serr == nil && final.Filled() {
					applyFill(plan, slice, final)
					return nil
				}
			}
			return ctx.Err()
		}
		return fmt.Errorf("await fill: %w", err)
	}

	if !status.Filled() {
		if ok, _ := adapter.Cancel(ctx, orderID); ok {
			return fmt.Errorf("order %s not filled before timeout", orderID)
		}
		// Raced a fill during cancel.
		if final, serr := adapter.Status(ctx, orderID); serr == nil && final.Filled() {
			applyFill(plan, slice, final)
			return nil
		}
		return fmt.Errorf("order %s ended %s", orderID, status.State)
	}

	applyFill(plan, slice, status)
	return nil
}

func applyFill(plan *ExecutionPlan, slice *Slice, status *broker.OrderStatus) {
	plan.mu.Lock()
	slice.Status = types.SliceStatusExecuted
	slice.FillPrice = status.AvgFillPrice
	slice.FillTime = time.Now()
	onFill := plan.onFill
	plan.mu.Unlock()

	if onFill != nil {
		onFill(plan.Symbol, plan.Side, slice.Quantity, status.AvgFillPrice, status.OrderID)
	}
}
