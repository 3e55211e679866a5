// Package risk gates trading through circuit breakers and tracks
// protective stops.
package risk

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/execution-engine/internal/metrics"
	"github.com/atlas-desktop/execution-engine/pkg/types"
)

// BreakerConfig contains circuit breaker thresholds.
type BreakerConfig struct {
	// DailyLossLimit trips DAILY_LOSS at this fraction lost from the
	// start-of-day value.
	DailyLossLimit float64 `json:"dailyLossLimit"`

	// MaxDrawdownLimit trips MAX_DRAWDOWN at this fraction below the
	// all-time peak.
	MaxDrawdownLimit float64 `json:"maxDrawdownLimit"`

	// ConsecutiveLossLimit trips CONSECUTIVE_LOSSES at this streak.
	ConsecutiveLossLimit int `json:"consecutiveLossLimit"`

	// VIXThreshold trips VOLATILITY_SPIKE at this VIX level.
	VIXThreshold float64 `json:"vixThreshold"`

	// RapidDrawdownLimit trips RAPID_DRAWDOWN at this fraction below the
	// peak within RapidWindow.
	RapidDrawdownLimit float64       `json:"rapidDrawdownLimit"`
	RapidWindow        time.Duration `json:"rapidWindow"`

	// VolatilityResetAfter re-arms a tripped VOLATILITY_SPIKE breaker
	// after this duration.
	VolatilityResetAfter time.Duration `json:"volatilityResetAfter"`

	// WarningRatio emits a warning when a metric reaches this fraction
	// of its threshold without tripping.
	WarningRatio float64 `json:"warningRatio"`

	// TradeHistoryLimit bounds the recorded trade history.
	TradeHistoryLimit int `json:"tradeHistoryLimit"`
}

// DefaultBreakerConfig returns conservative breaker thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		DailyLossLimit:       0.03,
		MaxDrawdownLimit:     0.10,
		ConsecutiveLossLimit: 5,
		VIXThreshold:         35.0,
		RapidDrawdownLimit:   0.05,
		RapidWindow:          60 * time.Minute,
		VolatilityResetAfter: 4 * time.Hour,
		WarningRatio:         0.8,
		TradeHistoryLimit:    100,
	}
}

// CheckInput carries the portfolio state for a breaker check. StartOfDay
// zero keeps the tracked value; VIX non-positive means unknown.
type CheckInput struct {
	PortfolioValue decimal.Decimal
	StartOfDay     decimal.Decimal
	VIX            float64
}

// CheckResult is the outcome of a breaker check. Allowed is false when
// any breaker is tripped or the check itself failed.
type CheckResult struct {
	Allowed   bool                `json:"allowed"`
	Tripped   []types.BreakerKind `json:"tripped,omitempty"`
	Reasons   []string            `json:"reasons,omitempty"`
	Warnings  []string            `json:"warnings,omitempty"`
	CheckedAt time.Time           `json:"checked_at"`
}

// breakerState is the internal per-kind state.
type breakerState struct {
	kind             types.BreakerKind
	state            types.BreakerStateKind
	trippedAt        time.Time
	reason           string
	confirmationCode string
}

// BreakerTrade is one recorded trade outcome.
type BreakerTrade struct {
	PnL       decimal.Decimal `json:"pnl"`
	Details   string          `json:"details,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type valuePoint struct {
	at    time.Time
	value decimal.Decimal
}

// TripHandler observes breaker trips.
type TripHandler func(kind types.BreakerKind, reason, confirmationCode string)

// CircuitBreaker is the global trading gate. Each breaker kind holds an
// independent ARMED/TRIPPED state; a trip requires an operator reset with
// the confirmation code issued at trip time. Check never panics: any
// internal failure halts trading fail-safe.
type CircuitBreaker struct {
	logger *zap.Logger
	config BreakerConfig

	mu     sync.Mutex
	states map[types.BreakerKind]*breakerState

	startOfDay        decimal.Decimal
	peak              decimal.Decimal
	currentDay        string
	consecutiveLosses int
	trades            []BreakerTrade
	valueHistory      []valuePoint
	lastCheck         time.Time

	onTrip TripHandler
}

// NewCircuitBreaker creates a breaker with all kinds armed.
func NewCircuitBreaker(logger *zap.Logger, config BreakerConfig) *CircuitBreaker {
	if config.WarningRatio <= 0 || config.WarningRatio >= 1 {
		config.WarningRatio = 0.8
	}
	if config.TradeHistoryLimit <= 0 {
		config.TradeHistoryLimit = 100
	}
	if config.RapidWindow <= 0 {
		config.RapidWindow = 60 * time.Minute
	}

	states := make(map[types.BreakerKind]*breakerState)
	for _, kind := range types.AllBreakerKinds() {
		states[kind] = &breakerState{kind: kind, state: types.BreakerArmed}
	}

	return &CircuitBreaker{
		logger: logger.Named("breaker"),
		config: config,
		states: states,
	}
}

// SetTripHandler registers a callback invoked on every trip.
func (cb *CircuitBreaker) SetTripHandler(fn TripHandler) {
	cb.mu.Lock()
	cb.onTrip = fn
	cb.mu.Unlock()
}

// generateConfirmationCode builds the 16-character reset code from secure
// random bytes run through a hash.
func generateConfirmationCode() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// Fall back to a time-derived hash; reset still requires the
		// exact code.
		buf = []byte(time.Now().String())
	}

	sum := sha256.Sum256(buf)
	return strings.ToUpper(hex.EncodeToString(sum[:]))[:16]
}

// failSafeResult halts trading when the check itself cannot be trusted.
func failSafeResult(detail string) CheckResult {
	return CheckResult{
		Allowed:   false,
		Reasons:   []string{"FAIL-SAFE halt: " + detail},
		CheckedAt: time.Now(),
	}
}

// Check evaluates every breaker against the supplied portfolio state.
// It returns allowed=false when any breaker is or becomes tripped. A
// panic or invalid input produces a fail-safe halt rather than an error.
func (cb *CircuitBreaker) Check(input CheckInput) (result CheckResult) {
	defer func() {
		if r := recover(); r != nil {
			cb.logger.Error("Breaker check panicked", zap.Any("panic", r))
			result = failSafeResult(fmt.Sprintf("check panicked: %v", r))
		}
	}()

	if input.PortfolioValue.LessThanOrEqual(decimal.Zero) {
		cb.logger.Error("Breaker check received invalid portfolio value",
			zap.String("value", input.PortfolioValue.String()))
		return failSafeResult(fmt.Sprintf("invalid portfolio value %s", input.PortfolioValue))
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	current := input.PortfolioValue

	cb.handleNewDay(now, input)

	if cb.startOfDay.LessThanOrEqual(decimal.Zero) {
		cb.startOfDay = current
	}
	if input.StartOfDay.GreaterThan(decimal.Zero) {
		cb.startOfDay = input.StartOfDay
	}

	// Peak is monotone non-decreasing.
	if current.GreaterThan(cb.peak) {
		cb.peak = current
	}

	cb.recordValue(now, current)
	cb.maybeAutoResetVolatility(now)

	result = CheckResult{Allowed: true, CheckedAt: now}

	cb.evaluateDailyLoss(current, &result)
	cb.evaluateMaxDrawdown(current, &result)
	cb.evaluateConsecutiveLosses(&result)
	cb.evaluateVolatilitySpike(input.VIX, &result)
	cb.evaluateRapidDrawdown(now, current, &result)

	// Already-tripped breakers (including MANUAL) keep gating until
	// reset even when their metric has recovered.
	for _, state := range cb.states {
		if state.state == types.BreakerTripped && !containsKind(result.Tripped, state.kind) {
			result.Tripped = append(result.Tripped, state.kind)
			result.Reasons = append(result.Reasons,
				fmt.Sprintf("%s tripped at %s: %s", state.kind, state.trippedAt.Format(time.RFC3339), state.reason))
		}
	}

	if len(result.Tripped) > 0 {
		result.Allowed = false
	}
	cb.lastCheck = now

	return result
}

func containsKind(kinds []types.BreakerKind, kind types.BreakerKind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// handleNewDay resets the start-of-day anchor when the local date
// changes, and auto-resets a tripped DAILY_LOSS breaker.
func (cb *CircuitBreaker) handleNewDay(now time.Time, input CheckInput) {
	day := now.Format("2006-01-02")
	if cb.currentDay == day {
		return
	}

	firstDay := cb.currentDay == ""
	cb.currentDay = day
	if firstDay {
		return
	}

	if input.StartOfDay.GreaterThan(decimal.Zero) {
		cb.startOfDay = input.StartOfDay
	} else {
		cb.startOfDay = input.PortfolioValue
	}

	if state := cb.states[types.BreakerDailyLoss]; state.state == types.BreakerTripped {
		cb.armLocked(state, "new trading day")
	}

	cb.logger.Info("New trading day",
		zap.String("day", day),
		zap.String("start_of_day", cb.startOfDay.StringFixed(2)),
	)
}

// recordValue appends to the bounded rapid-drawdown history.
func (cb *CircuitBreaker) recordValue(now time.Time, value decimal.Decimal) {
	cb.valueHistory = append(cb.valueHistory, valuePoint{at: now, value: value})

	cutoff := now.Add(-cb.config.RapidWindow)
	trim := 0
	for trim < len(cb.valueHistory) && cb.valueHistory[trim].at.Before(cutoff) {
		trim++
	}
	if trim > 0 {
		cb.valueHistory = append(cb.valueHistory[:0], cb.valueHistory[trim:]...)
	}
}

func (cb *CircuitBreaker) maybeAutoResetVolatility(now time.Time) {
	state := cb.states[types.BreakerVolatilitySpike]
	if state.state != types.BreakerTripped || cb.config.VolatilityResetAfter <= 0 {
		return
	}
	if now.Sub(state.trippedAt) >= cb.config.VolatilityResetAfter {
		cb.armLocked(state, "volatility cool-down elapsed")
	}
}

func (cb *CircuitBreaker) evaluateDailyLoss(current decimal.Decimal, result *CheckResult) {
	if cb.startOfDay.LessThanOrEqual(decimal.Zero) {
		return
	}

	loss := cb.startOfDay.Sub(current).Div(cb.startOfDay).InexactFloat64()
	cb.applyThreshold(types.BreakerDailyLoss, loss, cb.config.DailyLossLimit,
		fmt.Sprintf("daily loss %.2f%% breached limit %.2f%%", loss*100, cb.config.DailyLossLimit*100),
		fmt.Sprintf("daily loss %.2f%% approaching limit %.2f%%", loss*100, cb.config.DailyLossLimit*100),
		result)
}

func (cb *CircuitBreaker) evaluateMaxDrawdown(current decimal.Decimal, result *CheckResult) {
	if cb.peak.LessThanOrEqual(decimal.Zero) {
		return
	}

	dd := cb.peak.Sub(current).Div(cb.peak).InexactFloat64()
	cb.applyThreshold(types.BreakerMaxDrawdown, dd, cb.config.MaxDrawdownLimit,
		fmt.Sprintf("drawdown %.2f%% from peak %s breached limit %.2f%%", dd*100, cb.peak.StringFixed(2), cb.config.MaxDrawdownLimit*100),
		fmt.Sprintf("drawdown %.2f%% approaching limit %.2f%%", dd*100, cb.config.MaxDrawdownLimit*100),
		result)
}

func (cb *CircuitBreaker) evaluateConsecutiveLosses(result *CheckResult) {
	if cb.config.ConsecutiveLossLimit <= 0 {
		return
	}

	streak := float64(cb.consecutiveLosses)
	limit := float64(cb.config.ConsecutiveLossLimit)
	cb.applyThreshold(types.BreakerConsecutiveLosses, streak, limit,
		fmt.Sprintf("%d consecutive losses reached limit %d", cb.consecutiveLosses, cb.config.ConsecutiveLossLimit),
		fmt.Sprintf("%d consecutive losses approaching limit %d", cb.consecutiveLosses, cb.config.ConsecutiveLossLimit),
		result)
}

func (cb *CircuitBreaker) evaluateVolatilitySpike(vix float64, result *CheckResult) {
	if vix <= 0 || cb.config.VIXThreshold <= 0 {
		return
	}

	cb.applyThreshold(types.BreakerVolatilitySpike, vix, cb.config.VIXThreshold,
		fmt.Sprintf("VIX %.1f breached threshold %.1f", vix, cb.config.VIXThreshold),
		fmt.Sprintf("VIX %.1f approaching threshold %.1f", vix, cb.config.VIXThreshold),
		result)
}

func (cb *CircuitBreaker) evaluateRapidDrawdown(now time.Time, current decimal.Decimal, result *CheckResult) {
	if len(cb.valueHistory) == 0 {
		return
	}

	cutoff := now.Add(-cb.config.RapidWindow)
	windowPeak := decimal.Zero
	for _, point := range cb.valueHistory {
		if point.at.Before(cutoff) {
			continue
		}
		if point.value.GreaterThan(windowPeak) {
			windowPeak = point.value
		}
	}
	if windowPeak.LessThanOrEqual(decimal.Zero) {
		return
	}

	drop := windowPeak.Sub(current).Div(windowPeak).InexactFloat64()
	minutes := int(cb.config.RapidWindow.Minutes())
	cb.applyThreshold(types.BreakerRapidDrawdown, drop, cb.config.RapidDrawdownLimit,
		fmt.Sprintf("portfolio dropped %.2f%% within %dm, limit %.2f%%", drop*100, minutes, cb.config.RapidDrawdownLimit*100),
		fmt.Sprintf("portfolio drop %.2f%% within %dm approaching limit %.2f%%", drop*100, minutes, cb.config.RapidDrawdownLimit*100),
		result)
}

// applyThreshold trips a breaker when value crosses the limit and warns
// inside the warning band below it.
func (cb *CircuitBreaker) applyThreshold(kind types.BreakerKind, value, limit float64, tripReason, warning string, result *CheckResult) {
	if limit <= 0 {
		return
	}

	ratio := value / limit
	state := cb.states[kind]

	if ratio >= 1 {
		if state.state != types.BreakerTripped {
			cb.tripLocked(state, tripReason)
		}
		result.Tripped = append(result.Tripped, kind)
		result.Reasons = append(result.Reasons, tripReason)
		return
	}

	if ratio >= cb.config.WarningRatio && state.state != types.BreakerTripped {
		result.Warnings = append(result.Warnings, warning)
	}
}

// tripLocked transitions a breaker to TRIPPED, minting a confirmation
// code. Callers hold the mutex.
func (cb *CircuitBreaker) tripLocked(state *breakerState, reason string) {
	state.state = types.BreakerTripped
	state.trippedAt = time.Now()
	state.reason = reason
	state.confirmationCode = generateConfirmationCode()

	metrics.BreakerTripped(string(state.kind))

	cb.logger.Error("CIRCUIT BREAKER TRIPPED",
		zap.String("kind", string(state.kind)),
		zap.String("reason", reason),
		zap.String("confirmation_code", state.confirmationCode),
	)

	if cb.onTrip != nil {
		// Trip handlers run outside the lock to keep Check non-blocking.
		go cb.onTrip(state.kind, reason, state.confirmationCode)
	}
}

// armLocked re-arms a breaker. Callers hold the mutex.
func (cb *CircuitBreaker) armLocked(state *breakerState, why string) {
	state.state = types.BreakerArmed
	state.trippedAt = time.Time{}
	state.reason = ""
	state.confirmationCode = ""

	cb.logger.Info("Circuit breaker re-armed",
		zap.String("kind", string(state.kind)),
		zap.String("cause", why),
	)
}

// TripManual trips the MANUAL breaker, returning the confirmation code
// needed to reset it.
func (cb *CircuitBreaker) TripManual(reason string) string {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.states[types.BreakerManual]
	if state.state == types.BreakerTripped {
		return state.confirmationCode
	}

	if reason == "" {
		reason = "manual halt"
	}
	cb.tripLocked(state, reason)
	return state.confirmationCode
}

// Reset re-arms a tripped breaker. The confirmation code must match the
// one issued at trip time exactly; a mismatch changes nothing.
func (cb *CircuitBreaker) Reset(kind types.BreakerKind, code, reason string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, ok := cb.states[kind]
	if !ok {
		return fmt.Errorf("unknown breaker kind %q", kind)
	}
	if state.state != types.BreakerTripped {
		return fmt.Errorf("breaker %s is not tripped", kind)
	}
	if code != state.confirmationCode {
		cb.logger.Error("Breaker reset rejected: confirmation code mismatch",
			zap.String("kind", string(kind)),
		)
		return fmt.Errorf("confirmation code mismatch for %s", kind)
	}

	cb.armLocked(state, "operator reset: "+reason)
	if kind == types.BreakerConsecutiveLosses {
		cb.consecutiveLosses = 0
	}

	return nil
}

// RecordTrade updates the win/loss streak and the bounded trade history.
func (cb *CircuitBreaker) RecordTrade(pnl decimal.Decimal, details string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if pnl.LessThan(decimal.Zero) {
		cb.consecutiveLosses++
	} else {
		cb.consecutiveLosses = 0
	}

	cb.trades = append(cb.trades, BreakerTrade{
		PnL:       pnl,
		Details:   details,
		Timestamp: time.Now(),
	})
	if len(cb.trades) > cb.config.TradeHistoryLimit {
		cb.trades = cb.trades[len(cb.trades)-cb.config.TradeHistoryLimit:]
	}
}

// BreakerStatus is a point-in-time view of all breakers.
type BreakerStatus struct {
	TradingAllowed     bool                 `json:"trading_allowed"`
	States             []types.BreakerState `json:"states"`
	ConsecutiveLosses  int                  `json:"consecutive_losses"`
	PeakValue          decimal.Decimal      `json:"peak_value"`
	StartOfDayValue    decimal.Decimal      `json:"start_of_day_value"`
	LastCheck          time.Time            `json:"last_check,omitempty"`
	RecordedTradeCount int                  `json:"recorded_trade_count"`
}

// Status snapshots the breaker states without re-evaluating thresholds.
func (cb *CircuitBreaker) Status() BreakerStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	status := BreakerStatus{
		TradingAllowed:     true,
		ConsecutiveLosses:  cb.consecutiveLosses,
		PeakValue:          cb.peak,
		StartOfDayValue:    cb.startOfDay,
		LastCheck:          cb.lastCheck,
		RecordedTradeCount: len(cb.trades),
	}

	for _, kind := range types.AllBreakerKinds() {
		state := cb.states[kind]
		view := types.BreakerState{
			Kind:  state.kind,
			State: state.state,
		}
		if state.state == types.BreakerTripped {
			status.TradingAllowed = false
			view.TrippedAt = state.trippedAt
			view.Reason = state.reason
			view.ConfirmationCode = state.confirmationCode
		}
		status.States = append(status.States, view)
	}

	return status
}

// RecentTrades returns up to limit most recent recorded trades.
func (cb *CircuitBreaker) RecentTrades(limit int) []BreakerTrade {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if limit <= 0 || limit > len(cb.trades) {
		limit = len(cb.trades)
	}

	out := make([]BreakerTrade, limit)
	copy(out, cb.trades[len(cb.trades)-limit:])
	return out
}
