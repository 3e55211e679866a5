package trader

import (
	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/execution-engine/pkg/utils"
)

// PerformanceSummary aggregates realized trading performance.
type PerformanceSummary struct {
	TotalTrades   int             `json:"total_trades"`
	WinningTrades int             `json:"winning_trades"`
	LosingTrades  int             `json:"losing_trades"`
	WinRate       float64         `json:"win_rate"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	AvgWin        decimal.Decimal `json:"avg_win"`
	AvgLoss       decimal.Decimal `json:"avg_loss"`
	ProfitFactor  *float64        `json:"profit_factor,omitempty"`

	// SharpeRatio is annualized over 252 trading days and nil when
	// fewer than two trades exist or returns have zero variance.
	SharpeRatio *float64 `json:"sharpe_ratio,omitempty"`

	// MaxDrawdownPct is the worst peak-to-trough decline across
	// portfolio snapshots, as a non-positive fraction.
	MaxDrawdownPct     float64         `json:"max_drawdown_pct"`
	MaxDrawdownDollars decimal.Decimal `json:"max_drawdown_dollars"`

	InitialCash    decimal.Decimal `json:"initial_cash"`
	PortfolioValue decimal.Decimal `json:"portfolio_value"`
	TotalReturnPct float64         `json:"total_return_pct"`
}

// GetPerformanceSummary computes win rate, averages, Sharpe ratio, and
// max drawdown from closed trades and portfolio snapshots.
func (t *PaperTrader) GetPerformanceSummary() PerformanceSummary {
	t.mu.Lock()
	trades := make([]decimal.Decimal, len(t.trades))
	for i, tr := range t.trades {
		trades[i] = tr.PnL
	}
	snapshots := make([]decimal.Decimal, len(t.snapshots))
	for i, snap := range t.snapshots {
		snapshots[i] = snap.PortfolioValue
	}
	value := t.portfolioValueLocked()
	t.mu.Unlock()

	summary := PerformanceSummary{
		TotalTrades:    len(trades),
		InitialCash:    t.config.InitialCash,
		PortfolioValue: value,
		RealizedPnL:    decimal.Zero,
		AvgWin:         decimal.Zero,
		AvgLoss:        decimal.Zero,
	}
	summary.TotalReturnPct = value.Sub(t.config.InitialCash).
		Div(t.config.InitialCash).InexactFloat64()

	var grossWin, grossLoss decimal.Decimal
	for _, pnl := range trades {
		summary.RealizedPnL = summary.RealizedPnL.Add(pnl)
		if pnl.IsPositive() {
			summary.WinningTrades++
			grossWin = grossWin.Add(pnl)
		} else {
			summary.LosingTrades++
			grossLoss = grossLoss.Add(pnl.Abs())
		}
	}

	if len(trades) > 0 {
		summary.WinRate = float64(summary.WinningTrades) / float64(len(trades))
	}
	if summary.WinningTrades > 0 {
		summary.AvgWin = grossWin.Div(decimal.NewFromInt(int64(summary.WinningTrades)))
	}
	if summary.LosingTrades > 0 {
		summary.AvgLoss = grossLoss.Div(decimal.NewFromInt(int64(summary.LosingTrades)))
	}
	if grossLoss.IsPositive() {
		pf := grossWin.Div(grossLoss).InexactFloat64()
		summary.ProfitFactor = &pf
	}

	summary.SharpeRatio = sharpeFromTrades(trades, t.config.InitialCash)
	summary.MaxDrawdownPct, summary.MaxDrawdownDollars = maxDrawdown(snapshots)

	return summary
}

// sharpeFromTrades treats each trade's P&L as a fractional return on
// initial capital and annualizes over 252 trading days. Returns nil
// when fewer than two trades exist or the returns have zero variance.
func sharpeFromTrades(pnls []decimal.Decimal, initialCash decimal.Decimal) *float64 {
	if len(pnls) < 2 || !initialCash.IsPositive() {
		return nil
	}

	returns := make([]decimal.Decimal, len(pnls))
	for i, pnl := range pnls {
		returns[i] = pnl.Div(initialCash)
	}

	if utils.CalculateStdDev(returns).IsZero() {
		return nil
	}

	sharpe := utils.CalculateSharpeRatio(returns, decimal.Zero, 252).InexactFloat64()
	return &sharpe
}

// maxDrawdown scans portfolio-value snapshots for the largest
// peak-to-trough decline. The pct is non-positive; zero means the
// series never fell below a prior peak.
func maxDrawdown(values []decimal.Decimal) (float64, decimal.Decimal) {
	if len(values) == 0 {
		return 0, decimal.Zero
	}

	peak := values[0]
	worstPct := 0.0
	worstDollars := decimal.Zero

	for _, v := range values[1:] {
		if v.GreaterThan(peak) {
			peak = v
			continue
		}
		if !peak.IsPositive() {
			continue
		}
		dd := v.Sub(peak)
		pct := dd.Div(peak).InexactFloat64()
		if pct < worstPct {
			worstPct = pct
			worstDollars = dd
		}
	}
	return worstPct, worstDollars
}
