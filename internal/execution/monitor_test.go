package execution

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/execution-engine/pkg/types"
)

func newTestMonitor() *Monitor {
	return NewMonitor(zap.NewNop(), DefaultMonitorConfig())
}

func cleanExecution(id string) ObservedExecution {
	return ObservedExecution{
		ExecutionID:    id,
		Symbol:         "AAPL",
		Strategy:       types.StrategyTWAP,
		Status:         types.PlanStatusCompleted,
		SlicesExecuted: 5,
		Duration:       10 * time.Minute,
	}
}

func TestMonitorSlippageAlert(t *testing.T) {
	m := newTestMonitor()

	exec := cleanExecution("exec_1")
	exec.EstimatedBps = 25
	m.Observe(exec)

	alerts := m.GetActiveAlerts("")
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	if alerts[0].Kind != AlertExcessiveSlippage {
		t.Errorf("kind = %s, want %s", alerts[0].Kind, AlertExcessiveSlippage)
	}
	if alerts[0].Severity != types.SeverityWarning {
		t.Errorf("severity = %s, want WARNING", alerts[0].Severity)
	}
}

func TestMonitorVWAPDeviationEscalation(t *testing.T) {
	m := newTestMonitor()

	warn := cleanExecution("exec_1")
	warn.VWAPDeviationPct = 0.015
	m.Observe(warn)

	crit := cleanExecution("exec_2")
	crit.VWAPDeviationPct = -0.025 // absolute value drives the rule
	m.Observe(crit)

	warnings := m.GetActiveAlerts(types.SeverityWarning)
	criticals := m.GetActiveAlerts(types.SeverityCritical)

	if len(warnings) != 1 || warnings[0].Kind != AlertVWAPDeviation {
		t.Errorf("warnings = %+v, want one VWAP_DEVIATION", warnings)
	}
	if len(criticals) != 1 || criticals[0].Kind != AlertVWAPDeviation {
		t.Errorf("criticals = %+v, want one VWAP_DEVIATION", criticals)
	}
}

func TestMonitorFailedOrdersAlert(t *testing.T) {
	m := newTestMonitor()

	for i := 0; i < 2; i++ {
		exec := cleanExecution("exec_fail")
		exec.SlicesFailed = 1
		m.Observe(exec)
	}
	if got := m.GetActiveAlerts(""); len(got) != 0 {
		t.Fatalf("alerts after 2 failures = %d, want 0", len(got))
	}

	third := cleanExecution("exec_fail_3")
	third.Status = types.PlanStatusFailed
	m.Observe(third)

	alerts := m.GetActiveAlerts(types.SeverityCritical)
	if len(alerts) != 1 || alerts[0].Kind != AlertFailedOrders {
		t.Fatalf("alerts = %+v, want one critical FAILED_ORDERS", alerts)
	}
}

func TestMonitorSlowExecutionAlert(t *testing.T) {
	m := newTestMonitor()

	exec := cleanExecution("exec_slow")
	exec.Duration = 121 * time.Minute
	m.Observe(exec)

	alerts := m.GetActiveAlerts("")
	if len(alerts) != 1 || alerts[0].Kind != AlertSlowExecution {
		t.Fatalf("alerts = %+v, want one SLOW_EXECUTION", alerts)
	}
}

func TestMonitorAcknowledge(t *testing.T) {
	m := newTestMonitor()

	exec := cleanExecution("exec_1")
	exec.EstimatedBps = 25
	m.Observe(exec)

	alerts := m.GetActiveAlerts("")
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}

	if !m.Acknowledge(alerts[0].ID) {
		t.Fatal("Acknowledge returned false for a known alert")
	}
	if m.Acknowledge("missing") {
		t.Fatal("Acknowledge returned true for an unknown alert")
	}
	if remaining := m.GetActiveAlerts(""); len(remaining) != 0 {
		t.Errorf("active alerts after ack = %d, want 0", len(remaining))
	}
}

func TestQualityScoreEmptyHistory(t *testing.T) {
	m := newTestMonitor()

	score := m.GetExecutionQualityScore()
	if score.Score != 100 || score.Grade != "A" {
		t.Errorf("empty history score = %f/%s, want 100/A", score.Score, score.Grade)
	}
}

func TestQualityScoreDegrades(t *testing.T) {
	m := newTestMonitor()

	m.Observe(cleanExecution("exec_good"))

	bad := cleanExecution("exec_bad")
	bad.SlicesFailed = 1
	bad.ActualBps = 50
	m.Observe(bad)

	score := m.GetExecutionQualityScore()

	// 1 of 2 clean (20) + 1 of 2 within slippage (15) + both fast (20)
	// + no active alerts (10) = 65.
	if score.Score != 65 {
		t.Errorf("score = %f, want 65", score.Score)
	}
	if score.Grade != "D" {
		t.Errorf("grade = %s, want D", score.Grade)
	}
	if score.SampleSize != 2 {
		t.Errorf("sample size = %d, want 2", score.SampleSize)
	}
}

func TestDailySummaryCounts(t *testing.T) {
	m := newTestMonitor()

	completed := cleanExecution("exec_1")
	completed.EstimatedBps = 10
	completed.ActualBps = 8
	m.Observe(completed)

	failed := cleanExecution("exec_2")
	failed.Status = types.PlanStatusFailed
	failed.SlicesFailed = 2
	m.Observe(failed)

	cancelled := cleanExecution("exec_3")
	cancelled.Status = types.PlanStatusCancelled
	m.Observe(cancelled)

	summary := m.GetDailySummary(time.Time{})

	if summary.Executions != 3 {
		t.Fatalf("executions = %d, want 3", summary.Executions)
	}
	if summary.Completed != 1 || summary.Failed != 1 || summary.Cancelled != 1 {
		t.Errorf("completed/failed/cancelled = %d/%d/%d, want 1/1/1",
			summary.Completed, summary.Failed, summary.Cancelled)
	}
	if summary.SlicesFailed != 2 {
		t.Errorf("slices failed = %d, want 2", summary.SlicesFailed)
	}
	if summary.AvgEstimatedBps < 3.3 || summary.AvgEstimatedBps > 3.4 {
		t.Errorf("avg estimated = %f, want 10/3", summary.AvgEstimatedBps)
	}

	yesterday := m.GetDailySummary(time.Now().AddDate(0, 0, -1))
	if yesterday.Executions != 0 {
		t.Errorf("yesterday executions = %d, want 0", yesterday.Executions)
	}
}

func TestMonitorAlertSink(t *testing.T) {
	m := newTestMonitor()

	var seen []types.Alert
	m.SetAlertSink(func(alert types.Alert) { seen = append(seen, alert) })

	exec := cleanExecution("exec_1")
	exec.EstimatedBps = 25
	m.Observe(exec)

	if len(seen) != 1 || seen[0].Kind != AlertExcessiveSlippage {
		t.Fatalf("sink saw %+v, want one EXCESSIVE_SLIPPAGE", seen)
	}
}

func TestClearOldData(t *testing.T) {
	m := newTestMonitor()

	old := cleanExecution("exec_old")
	old.CompletedAt = time.Now().AddDate(0, 0, -10)
	m.Observe(old)
	m.Observe(cleanExecution("exec_new"))

	if removed := m.ClearOldData(7); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if dashboard := m.GetPerformanceDashboard(); dashboard.TotalExecutions != 1 {
		t.Errorf("executions after clear = %d, want 1", dashboard.TotalExecutions)
	}
}
