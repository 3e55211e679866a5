package execution

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atlas-desktop/execution-engine/internal/metrics"
	"github.com/atlas-desktop/execution-engine/pkg/types"
)

// Alert kinds emitted by the monitor.
const (
	AlertExcessiveSlippage = "EXCESSIVE_SLIPPAGE"
	AlertVWAPDeviation     = "VWAP_DEVIATION"
	AlertFailedOrders      = "FAILED_ORDERS"
	AlertSlowExecution     = "SLOW_EXECUTION"
)

// MonitorConfig contains execution quality alert thresholds.
type MonitorConfig struct {
	// SlippageThresholdBps alerts when an execution's slippage estimate
	// exceeds it.
	SlippageThresholdBps float64 `json:"slippageThresholdBps"`

	// VWAPDeviationThreshold alerts on absolute VWAP deviation above it;
	// twice the threshold escalates to CRITICAL.
	VWAPDeviationThreshold float64 `json:"vwapDeviationThreshold"`

	// FailedOrderThreshold alerts when this many of the last
	// FailedOrderWindow executions had failed slices.
	FailedOrderThreshold int `json:"failedOrderThreshold"`
	FailedOrderWindow    int `json:"failedOrderWindow"`

	// SlowExecutionThreshold alerts on executions that ran longer.
	SlowExecutionThreshold time.Duration `json:"slowExecutionThreshold"`

	// HistoryLimit bounds the retained execution history.
	HistoryLimit int `json:"historyLimit"`
}

// DefaultMonitorConfig returns the default alert thresholds.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		SlippageThresholdBps:   20,
		VWAPDeviationThreshold: 0.01,
		FailedOrderThreshold:   3,
		FailedOrderWindow:      20,
		SlowExecutionThreshold: 120 * time.Minute,
		HistoryLimit:           500,
	}
}

// ObservedExecution is the monitor's view of one finished execution.
type ObservedExecution struct {
	ExecutionID      string           `json:"execution_id"`
	Symbol           string           `json:"symbol"`
	Strategy         types.Strategy   `json:"strategy"`
	Status           types.PlanStatus `json:"status"`
	EstimatedBps     float64          `json:"estimated_bps"`
	ActualBps        float64          `json:"actual_bps"`
	VWAPDeviationPct float64          `json:"vwap_deviation_pct"`
	SlicesExecuted   int              `json:"slices_executed"`
	SlicesFailed     int              `json:"slices_failed"`
	Duration         time.Duration    `json:"duration"`
	CompletedAt      time.Time        `json:"completed_at"`
}

// AlertSink observes every alert the monitor raises.
type AlertSink func(types.Alert)

// Monitor watches completed executions, raises alerts on anomalies, and
// scores overall execution quality.
type Monitor struct {
	logger *zap.Logger
	config MonitorConfig

	mu         sync.RWMutex
	executions []ObservedExecution
	alerts     []*types.Alert
	sink       AlertSink
}

// NewMonitor creates an execution monitor.
func NewMonitor(logger *zap.Logger, config MonitorConfig) *Monitor {
	if config.SlippageThresholdBps <= 0 {
		config.SlippageThresholdBps = 20
	}
	if config.VWAPDeviationThreshold <= 0 {
		config.VWAPDeviationThreshold = 0.01
	}
	if config.FailedOrderThreshold <= 0 {
		config.FailedOrderThreshold = 3
	}
	if config.FailedOrderWindow <= 0 {
		config.FailedOrderWindow = 20
	}
	if config.SlowExecutionThreshold <= 0 {
		config.SlowExecutionThreshold = 120 * time.Minute
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = 500
	}

	return &Monitor{
		logger: logger.Named("monitor"),
		config: config,
	}
}

// SetAlertSink registers a callback invoked for every raised alert.
func (m *Monitor) SetAlertSink(sink AlertSink) {
	m.mu.Lock()
	m.sink = sink
	m.mu.Unlock()
}

// Observe ingests a finished execution and evaluates the alert rules.
func (m *Monitor) Observe(exec ObservedExecution) {
	if exec.CompletedAt.IsZero() {
		exec.CompletedAt = time.Now()
	}

	m.mu.Lock()
	m.executions = append(m.executions, exec)
	if len(m.executions) > m.config.HistoryLimit {
		m.executions = m.executions[len(m.executions)-m.config.HistoryLimit:]
	}
	recentFailures := m.recentFailureCountLocked()
	m.mu.Unlock()

	if exec.EstimatedBps > m.config.SlippageThresholdBps {
		m.raise(types.SeverityWarning, AlertExcessiveSlippage,
			fmt.Sprintf("%s %s: estimated slippage %.1f bps exceeds %.1f bps",
				exec.Symbol, exec.ExecutionID, exec.EstimatedBps, m.config.SlippageThresholdBps),
			map[string]any{
				"execution_id":  exec.ExecutionID,
				"symbol":        exec.Symbol,
				"estimated_bps": exec.EstimatedBps,
			})
	}

	if dev := math.Abs(exec.VWAPDeviationPct); dev > m.config.VWAPDeviationThreshold {
		severity := types.SeverityWarning
		if dev >= 2*m.config.VWAPDeviationThreshold {
			severity = types.SeverityCritical
		}
		m.raise(severity, AlertVWAPDeviation,
			fmt.Sprintf("%s %s: VWAP deviation %.2f%% exceeds %.2f%%",
				exec.Symbol, exec.ExecutionID, exec.VWAPDeviationPct*100, m.config.VWAPDeviationThreshold*100),
			map[string]any{
				"execution_id":  exec.ExecutionID,
				"symbol":        exec.Symbol,
				"deviation_pct": exec.VWAPDeviationPct * 100,
			})
	}

	if recentFailures >= m.config.FailedOrderThreshold {
		m.raise(types.SeverityCritical, AlertFailedOrders,
			fmt.Sprintf("%d of the last %d executions had failed orders",
				recentFailures, m.config.FailedOrderWindow),
			map[string]any{
				"failed_count": recentFailures,
				"window":       m.config.FailedOrderWindow,
			})
	}

	if exec.Duration > m.config.SlowExecutionThreshold {
		m.raise(types.SeverityWarning, AlertSlowExecution,
			fmt.Sprintf("%s %s: execution took %.1f minutes",
				exec.Symbol, exec.ExecutionID, exec.Duration.Minutes()),
			map[string]any{
				"execution_id":     exec.ExecutionID,
				"symbol":           exec.Symbol,
				"duration_minutes": exec.Duration.Minutes(),
			})
	}
}

// recentFailureCountLocked counts executions with failed slices in the
// trailing window. Callers hold the mutex.
func (m *Monitor) recentFailureCountLocked() int {
	start := len(m.executions) - m.config.FailedOrderWindow
	if start < 0 {
		start = 0
	}

	n := 0
	for _, exec := range m.executions[start:] {
		if exec.SlicesFailed > 0 || exec.Status == types.PlanStatusFailed {
			n++
		}
	}
	return n
}

// raise records an alert and notifies the sink.
func (m *Monitor) raise(severity types.Severity, kind, message string, details map[string]any) {
	alert := &types.Alert{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Severity:  severity,
		Kind:      kind,
		Message:   message,
		Details:   details,
	}

	m.mu.Lock()
	m.alerts = append(m.alerts, alert)
	sink := m.sink
	m.mu.Unlock()

	metrics.AlertRaised(string(severity))

	m.logger.Warn("Execution alert",
		zap.String("kind", kind),
		zap.String("severity", string(severity)),
		zap.String("message", message),
	)

	if sink != nil {
		sink(*alert)
	}
}

// GetActiveAlerts returns unacknowledged alerts, optionally filtered by
// severity. Pass an empty severity for all.
func (m *Monitor) GetActiveAlerts(severity types.Severity) []types.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.Alert, 0, len(m.alerts))
	for _, alert := range m.alerts {
		if alert.Acknowledged {
			continue
		}
		if severity != "" && alert.Severity != severity {
			continue
		}
		out = append(out, *alert)
	}
	return out
}

// Acknowledge marks an alert acknowledged, returning whether it existed.
func (m *Monitor) Acknowledge(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, alert := range m.alerts {
		if alert.ID == id {
			alert.Acknowledged = true
			return true
		}
	}
	return false
}

// DailySummary aggregates one day of execution activity.
type DailySummary struct {
	Date            string  `json:"date"`
	Executions      int     `json:"executions"`
	Completed       int     `json:"completed"`
	Failed          int     `json:"failed"`
	Cancelled       int     `json:"cancelled"`
	SlicesExecuted  int     `json:"slices_executed"`
	SlicesFailed    int     `json:"slices_failed"`
	AvgEstimatedBps float64 `json:"avg_estimated_bps"`
	AvgActualBps    float64 `json:"avg_actual_bps"`
	AlertsRaised    int     `json:"alerts_raised"`
}

// GetDailySummary summarizes executions completed on the given date.
// A zero date means today.
func (m *Monitor) GetDailySummary(date time.Time) DailySummary {
	if date.IsZero() {
		date = time.Now()
	}
	day := date.Format("2006-01-02")

	m.mu.RLock()
	defer m.mu.RUnlock()

	summary := DailySummary{Date: day}
	var estSum, actSum float64

	for _, exec := range m.executions {
		if exec.CompletedAt.Format("2006-01-02") != day {
			continue
		}
		summary.Executions++
		summary.SlicesExecuted += exec.SlicesExecuted
		summary.SlicesFailed += exec.SlicesFailed
		estSum += exec.EstimatedBps
		actSum += exec.ActualBps

		switch exec.Status {
		case types.PlanStatusCompleted:
			summary.Completed++
		case types.PlanStatusFailed:
			summary.Failed++
		case types.PlanStatusCancelled:
			summary.Cancelled++
		}
	}

	if summary.Executions > 0 {
		summary.AvgEstimatedBps = estSum / float64(summary.Executions)
		summary.AvgActualBps = actSum / float64(summary.Executions)
	}

	for _, alert := range m.alerts {
		if alert.Timestamp.Format("2006-01-02") == day {
			summary.AlertsRaised++
		}
	}

	return summary
}

// QualityScore grades recent execution quality on a 0-100 scale:
// success 40, slippage 30, speed 20, alerts 10.
type QualityScore struct {
	Score          float64 `json:"score"`
	Grade          string  `json:"grade"`
	SuccessPoints  float64 `json:"success_points"`
	SlippagePoints float64 `json:"slippage_points"`
	SpeedPoints    float64 `json:"speed_points"`
	AlertPoints    float64 `json:"alert_points"`
	SampleSize     int     `json:"sample_size"`
}

// GetExecutionQualityScore computes the weighted quality score over the
// retained history. Letter grades fall in 10-point bands from A at 90.
func (m *Monitor) GetExecutionQualityScore() QualityScore {
	m.mu.RLock()
	defer m.mu.RUnlock()

	score := QualityScore{SampleSize: len(m.executions)}
	if len(m.executions) == 0 {
		score.Score = 100
		score.SuccessPoints = 40
		score.SlippagePoints = 30
		score.SpeedPoints = 20
		score.AlertPoints = 10
		score.Grade = "A"
		return score
	}

	var completed, slippageOK, fast int
	for _, exec := range m.executions {
		if exec.Status == types.PlanStatusCompleted && exec.SlicesFailed == 0 {
			completed++
		}

		bps := exec.ActualBps
		if bps == 0 {
			bps = exec.EstimatedBps
		}
		if bps <= m.config.SlippageThresholdBps {
			slippageOK++
		}

		if exec.Duration <= m.config.SlowExecutionThreshold {
			fast++
		}
	}

	n := float64(len(m.executions))
	score.SuccessPoints = float64(completed) / n * 40
	score.SlippagePoints = float64(slippageOK) / n * 30
	score.SpeedPoints = float64(fast) / n * 20

	active := 0
	for _, alert := range m.alerts {
		if !alert.Acknowledged {
			active++
		}
	}
	score.AlertPoints = 10 - float64(active)
	if score.AlertPoints < 0 {
		score.AlertPoints = 0
	}

	score.Score = score.SuccessPoints + score.SlippagePoints + score.SpeedPoints + score.AlertPoints

	switch {
	case score.Score >= 90:
		score.Grade = "A"
	case score.Score >= 80:
		score.Grade = "B"
	case score.Score >= 70:
		score.Grade = "C"
	case score.Score >= 60:
		score.Grade = "D"
	default:
		score.Grade = "F"
	}

	return score
}

// Dashboard is the monitor's aggregate operational view.
type Dashboard struct {
	TotalExecutions int                      `json:"total_executions"`
	ByStrategy      map[types.Strategy]int   `json:"by_strategy"`
	ActiveAlerts    []types.Alert            `json:"active_alerts"`
	Quality         QualityScore             `json:"quality"`
	Today           DailySummary             `json:"today"`
	Recent          []ObservedExecution      `json:"recent"`
	AlertCounts     map[types.Severity]int   `json:"alert_counts"`
}

// GetPerformanceDashboard assembles the operational dashboard view.
func (m *Monitor) GetPerformanceDashboard() Dashboard {
	quality := m.GetExecutionQualityScore()
	today := m.GetDailySummary(time.Time{})
	active := m.GetActiveAlerts("")

	m.mu.RLock()
	defer m.mu.RUnlock()

	dashboard := Dashboard{
		TotalExecutions: len(m.executions),
		ByStrategy:      make(map[types.Strategy]int),
		ActiveAlerts:    active,
		Quality:         quality,
		Today:           today,
		AlertCounts:     make(map[types.Severity]int),
	}

	for _, exec := range m.executions {
		dashboard.ByStrategy[exec.Strategy]++
	}
	for _, alert := range m.alerts {
		dashboard.AlertCounts[alert.Severity]++
	}

	recent := 10
	if recent > len(m.executions) {
		recent = len(m.executions)
	}
	dashboard.Recent = append(dashboard.Recent, m.executions[len(m.executions)-recent:]...)

	return dashboard
}

// ClearOldData drops executions and alerts older than the given number
// of days, returning how many records were removed.
func (m *Monitor) ClearOldData(days int) int {
	if days <= 0 {
		return 0
	}
	cutoff := time.Now().AddDate(0, 0, -days)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0

	keptExecs := m.executions[:0]
	for _, exec := range m.executions {
		if exec.CompletedAt.Before(cutoff) {
			removed++
			continue
		}
		keptExecs = append(keptExecs, exec)
	}
	m.executions = keptExecs

	keptAlerts := m.alerts[:0]
	for _, alert := range m.alerts {
		if alert.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		keptAlerts = append(keptAlerts, alert)
	}
	m.alerts = keptAlerts

	return removed
}
