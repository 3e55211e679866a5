package trader

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/execution-engine/internal/broker"
	"github.com/atlas-desktop/execution-engine/internal/data"
	"github.com/atlas-desktop/execution-engine/internal/execution"
	"github.com/atlas-desktop/execution-engine/internal/risk"
	"github.com/atlas-desktop/execution-engine/internal/store"
	"github.com/atlas-desktop/execution-engine/pkg/types"
)

// testConfig disables paper slippage so fills land exactly at the
// reference price, with a flat $1.50 commission per trade.
func testConfig() Config {
	config := DefaultConfig()
	config.CommissionPerTrade = decimal.RequireFromString("1.50")
	config.CommissionPerShare = decimal.Zero
	config.SlippageBase = 0
	config.SlippageSizeFactor = 0
	config.MinSlippage = 0
	return config
}

func newTestTrader(t *testing.T, config Config, deps Deps) (*PaperTrader, *data.SimSource) {
	t.Helper()

	source, _ := deps.Source.(*data.SimSource)
	if source == nil {
		source = data.NewSimSource(1)
		deps.Source = source
	}

	tr, err := New(zap.NewNop(), config, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tr, source
}

func TestBuySellRoundTrip(t *testing.T) {
	tr, source := newTestTrader(t, testConfig(), Deps{})
	ctx := context.Background()

	source.SetPrice("AAPL", decimal.NewFromInt(150))
	if _, err := tr.PlaceMarketOrder(ctx, "AAPL", 100, types.SideBuy, nil); err != nil {
		t.Fatalf("buy: %v", err)
	}

	view := tr.GetPortfolio()
	if !view.Cash.Equal(decimal.RequireFromString("84998.50")) {
		t.Errorf("cash after buy = %s, want 84998.50", view.Cash)
	}
	if len(view.Positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(view.Positions))
	}
	pos := view.Positions[0]
	if pos.Quantity != 100 {
		t.Errorf("quantity = %d, want 100", pos.Quantity)
	}
	// Commission folds into the average cost: 15001.50 / 100.
	if !pos.AvgCost.Equal(decimal.RequireFromString("150.015")) {
		t.Errorf("avg cost = %s, want 150.015", pos.AvgCost)
	}

	source.SetPrice("AAPL", decimal.NewFromInt(160))
	if _, err := tr.PlaceMarketOrder(ctx, "AAPL", 100, types.SideSell, nil); err != nil {
		t.Fatalf("sell: %v", err)
	}

	view = tr.GetPortfolio()
	if !view.Cash.Equal(decimal.RequireFromString("100997.00")) {
		t.Errorf("final cash = %s, want 100997.00", view.Cash)
	}
	if len(view.Positions) != 0 {
		t.Errorf("positions after close = %d, want 0", len(view.Positions))
	}

	trades := tr.ClosedTrades(0)
	if len(trades) != 1 {
		t.Fatalf("closed trades = %d, want 1", len(trades))
	}
	if !trades[0].PnL.Equal(decimal.RequireFromString("997.00")) {
		t.Errorf("pnl = %s, want 997.00", trades[0].PnL)
	}
	if !trades[0].EntryPrice.Equal(decimal.RequireFromString("150.015")) {
		t.Errorf("entry = %s, want 150.015", trades[0].EntryPrice)
	}
	if !trades[0].ExitPrice.Equal(decimal.NewFromInt(160)) {
		t.Errorf("exit = %s, want 160", trades[0].ExitPrice)
	}

	summary := tr.GetPerformanceSummary()
	if summary.TotalTrades != 1 || summary.WinningTrades != 1 || summary.WinRate != 1 {
		t.Errorf("summary = %d trades / %d wins / %f rate, want 1/1/1",
			summary.TotalTrades, summary.WinningTrades, summary.WinRate)
	}
	if !summary.RealizedPnL.Equal(decimal.RequireFromString("997.00")) {
		t.Errorf("realized = %s, want 997.00", summary.RealizedPnL)
	}
	if summary.SharpeRatio != nil {
		t.Error("sharpe ratio computed from a single trade")
	}
}

func TestPartialSellKeepsPosition(t *testing.T) {
	tr, source := newTestTrader(t, testConfig(), Deps{})
	ctx := context.Background()

	source.SetPrice("MSFT", decimal.NewFromInt(100))
	if _, err := tr.PlaceMarketOrder(ctx, "MSFT", 100, types.SideBuy, nil); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if _, err := tr.PlaceMarketOrder(ctx, "MSFT", 40, types.SideSell, nil); err != nil {
		t.Fatalf("sell: %v", err)
	}

	view := tr.GetPortfolio()
	if len(view.Positions) != 1 || view.Positions[0].Quantity != 60 {
		t.Fatalf("positions = %+v, want 60 MSFT remaining", view.Positions)
	}
}

func TestInsufficientCashRefusal(t *testing.T) {
	tr, source := newTestTrader(t, testConfig(), Deps{})

	source.SetPrice("AAPL", decimal.NewFromInt(150))
	_, err := tr.PlaceMarketOrder(context.Background(), "AAPL", 10000, types.SideBuy, nil)
	if !errors.Is(err, ErrInsufficientCash) {
		t.Fatalf("err = %v, want ErrInsufficientCash", err)
	}

	// Refusals change no state.
	view := tr.GetPortfolio()
	if !view.Cash.Equal(decimal.NewFromInt(100000)) || len(view.Positions) != 0 {
		t.Errorf("state changed by a refused order: cash %s, %d positions", view.Cash, len(view.Positions))
	}
	if len(tr.Fills(0)) != 0 {
		t.Error("refused order recorded a fill")
	}
}

func TestInsufficientPositionRefusal(t *testing.T) {
	tr, source := newTestTrader(t, testConfig(), Deps{})

	source.SetPrice("AAPL", decimal.NewFromInt(150))
	_, err := tr.PlaceMarketOrder(context.Background(), "AAPL", 10, types.SideSell, nil)
	if !errors.Is(err, ErrInsufficientPosition) {
		t.Fatalf("err = %v, want ErrInsufficientPosition", err)
	}
}

func TestOrderValidation(t *testing.T) {
	tr, source := newTestTrader(t, testConfig(), Deps{})
	ctx := context.Background()
	source.SetPrice("AAPL", decimal.NewFromInt(150))

	if _, err := tr.PlaceMarketOrder(ctx, "AAPL", 0, types.SideBuy, nil); !errors.Is(err, ErrInvalidQuantity) {
		t.Errorf("zero quantity err = %v, want ErrInvalidQuantity", err)
	}
	if _, err := tr.PlaceMarketOrder(ctx, "not a ticker!", 10, types.SideBuy, nil); !errors.Is(err, ErrInvalidSymbol) {
		t.Errorf("bad symbol err = %v, want ErrInvalidSymbol", err)
	}
	if _, err := tr.PlaceMarketOrder(ctx, "AAPL", 10, types.Side("HOLD"), nil); err == nil {
		t.Error("unknown side accepted")
	}

	// Lowercase is normalized, not rejected.
	if _, err := tr.PlaceMarketOrder(ctx, "aapl", 10, types.SideBuy, nil); err != nil {
		t.Errorf("lowercase symbol rejected: %v", err)
	}
}

func TestPriceUnavailableAndCacheFallback(t *testing.T) {
	tr, _ := newTestTrader(t, testConfig(), Deps{})
	ctx := context.Background()

	_, err := tr.PlaceMarketOrder(ctx, "MSFT", 10, types.SideBuy, nil)
	if !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("err = %v, want ErrPriceUnavailable", err)
	}

	// A marked price backstops a dead source.
	tr.MarkPrice("MSFT", decimal.NewFromInt(50))
	if _, err := tr.PlaceMarketOrder(ctx, "MSFT", 10, types.SideBuy, nil); err != nil {
		t.Fatalf("order with a cached price: %v", err)
	}
}

func TestMarketHoursGate(t *testing.T) {
	config := testConfig()
	config.EnforceMarketHours = true
	tr, source := newTestTrader(t, config, Deps{})
	ctx := context.Background()
	source.SetPrice("AAPL", decimal.NewFromInt(150))

	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load tz: %v", err)
	}

	// Saturday.
	tr.SetClock(func() time.Time { return time.Date(2026, 8, 22, 12, 0, 0, 0, ny) })
	if _, err := tr.PlaceMarketOrder(ctx, "AAPL", 10, types.SideBuy, nil); !errors.Is(err, ErrMarketClosed) {
		t.Errorf("saturday err = %v, want ErrMarketClosed", err)
	}

	// Tuesday pre-open.
	tr.SetClock(func() time.Time { return time.Date(2026, 8, 25, 8, 0, 0, 0, ny) })
	if _, err := tr.PlaceMarketOrder(ctx, "AAPL", 10, types.SideBuy, nil); !errors.Is(err, ErrMarketClosed) {
		t.Errorf("pre-open err = %v, want ErrMarketClosed", err)
	}

	// Tuesday mid-session.
	tr.SetClock(func() time.Time { return time.Date(2026, 8, 25, 10, 0, 0, 0, ny) })
	if _, err := tr.PlaceMarketOrder(ctx, "AAPL", 10, types.SideBuy, nil); err != nil {
		t.Errorf("mid-session order rejected: %v", err)
	}
}

func TestBreakerGatesPlacement(t *testing.T) {
	breaker := risk.NewCircuitBreaker(zap.NewNop(), risk.DefaultBreakerConfig())
	tr, source := newTestTrader(t, testConfig(), Deps{Breaker: breaker})
	ctx := context.Background()
	source.SetPrice("AAPL", decimal.NewFromInt(150))

	code := breaker.TripManual("drill")

	_, err := tr.PlaceMarketOrder(ctx, "AAPL", 10, types.SideBuy, nil)
	if !errors.Is(err, ErrBreakerTripped) {
		t.Fatalf("err = %v, want ErrBreakerTripped", err)
	}

	if err := breaker.Reset(types.BreakerManual, code, "drill done"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := tr.PlaceMarketOrder(ctx, "AAPL", 10, types.SideBuy, nil); err != nil {
		t.Fatalf("order after reset: %v", err)
	}
}

func TestLimitOrderMarketability(t *testing.T) {
	tr, source := newTestTrader(t, testConfig(), Deps{})
	ctx := context.Background()
	source.SetPrice("AAPL", decimal.NewFromInt(150))

	// A buy limit above the market fills at the market, not the limit.
	if _, err := tr.PlaceLimitOrder(ctx, "AAPL", 10, types.SideBuy, decimal.NewFromInt(151)); err != nil {
		t.Fatalf("marketable buy limit: %v", err)
	}
	fills := tr.Fills(1)
	if len(fills) != 1 || !fills[0].Price.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("fill price = %+v, want 150", fills)
	}

	// A buy limit below the market does not rest; it is refused.
	if _, err := tr.PlaceLimitOrder(ctx, "AAPL", 10, types.SideBuy, decimal.NewFromInt(149)); !errors.Is(err, ErrNotMarketable) {
		t.Errorf("away buy limit err = %v, want ErrNotMarketable", err)
	}

	// A sell limit at-or-below the market fills.
	if _, err := tr.PlaceLimitOrder(ctx, "AAPL", 10, types.SideSell, decimal.NewFromInt(149)); err != nil {
		t.Errorf("marketable sell limit: %v", err)
	}
	if _, err := tr.PlaceLimitOrder(ctx, "AAPL", 10, types.SideBuy, decimal.Zero); err == nil {
		t.Error("zero limit price accepted")
	}
}

func TestAutoStopAttachment(t *testing.T) {
	stops := risk.NewStopManager(zap.NewNop(), risk.DefaultStopConfig())
	tr, source := newTestTrader(t, testConfig(), Deps{Stops: stops})
	source.SetPrice("AAPL", decimal.NewFromInt(150))

	_, err := tr.PlaceMarketOrder(context.Background(), "AAPL", 10, types.SideBuy, &OrderOptions{AutoStop: true, StopPct: 0.05})
	if err != nil {
		t.Fatalf("buy: %v", err)
	}

	stop, ok := stops.Get("AAPL")
	if !ok {
		t.Fatal("no stop attached after an auto-stop buy")
	}
	if !stop.StopPrice.Equal(decimal.RequireFromString("142.5")) {
		t.Errorf("stop price = %s, want 142.5", stop.StopPrice)
	}
}

func TestHaltLatch(t *testing.T) {
	tr, source := newTestTrader(t, testConfig(), Deps{})
	ctx := context.Background()
	source.SetPrice("AAPL", decimal.NewFromInt(150))

	tr.mu.Lock()
	_ = tr.haltLocked("ledger corruption detected")
	tr.mu.Unlock()

	halted, reason := tr.Halted()
	if !halted || reason == "" {
		t.Fatalf("halted = %v %q, want latched with a reason", halted, reason)
	}

	if _, err := tr.PlaceMarketOrder(ctx, "AAPL", 10, types.SideBuy, nil); !errors.Is(err, ErrHalted) {
		t.Fatalf("err = %v, want ErrHalted", err)
	}

	// Reset clears the latch.
	if err := tr.ResetPortfolio(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if halted, _ := tr.Halted(); halted {
		t.Fatal("still halted after reset")
	}
	if _, err := tr.PlaceMarketOrder(ctx, "AAPL", 10, types.SideBuy, nil); err != nil {
		t.Fatalf("order after reset: %v", err)
	}
}

func TestResetPortfolioIdempotent(t *testing.T) {
	tr, source := newTestTrader(t, testConfig(), Deps{})
	ctx := context.Background()
	source.SetPrice("AAPL", decimal.NewFromInt(150))

	if _, err := tr.PlaceMarketOrder(ctx, "AAPL", 10, types.SideBuy, nil); err != nil {
		t.Fatalf("buy: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := tr.ResetPortfolio(); err != nil {
			t.Fatalf("reset %d: %v", i, err)
		}
	}

	view := tr.GetPortfolio()
	if !view.Cash.Equal(decimal.NewFromInt(100000)) || len(view.Positions) != 0 {
		t.Errorf("after reset: cash %s, %d positions", view.Cash, len(view.Positions))
	}
	if len(tr.Fills(0)) != 0 || len(tr.ClosedTrades(0)) != 0 {
		t.Error("history survived the reset")
	}
}

func TestFillsLimit(t *testing.T) {
	tr, source := newTestTrader(t, testConfig(), Deps{})
	ctx := context.Background()
	source.SetPrice("AAPL", decimal.NewFromInt(10))

	for i := 0; i < 3; i++ {
		if _, err := tr.PlaceMarketOrder(ctx, "AAPL", int64(i+1), types.SideBuy, nil); err != nil {
			t.Fatalf("buy %d: %v", i, err)
		}
	}

	fills := tr.Fills(2)
	if len(fills) != 2 {
		t.Fatalf("fills = %d, want 2", len(fills))
	}
	if fills[0].Quantity != 2 || fills[1].Quantity != 3 {
		t.Errorf("quantities = %d, %d, want the two most recent 2, 3", fills[0].Quantity, fills[1].Quantity)
	}
}

func TestPerformanceSummaryDrawdown(t *testing.T) {
	tr, source := newTestTrader(t, testConfig(), Deps{})
	ctx := context.Background()

	source.SetPrice("AAPL", decimal.NewFromInt(100))
	if _, err := tr.PlaceMarketOrder(ctx, "AAPL", 100, types.SideBuy, nil); err != nil {
		t.Fatalf("buy: %v", err)
	}

	source.SetPrice("AAPL", decimal.NewFromInt(150))
	if _, err := tr.PlaceMarketOrder(ctx, "AAPL", 50, types.SideSell, nil); err != nil {
		t.Fatalf("first sell: %v", err)
	}

	source.SetPrice("AAPL", decimal.NewFromInt(60))
	if _, err := tr.PlaceMarketOrder(ctx, "AAPL", 50, types.SideSell, nil); err != nil {
		t.Fatalf("second sell: %v", err)
	}

	summary := tr.GetPerformanceSummary()
	if summary.TotalTrades != 2 {
		t.Fatalf("trades = %d, want 2", summary.TotalTrades)
	}
	if summary.WinningTrades != 1 || summary.LosingTrades != 1 {
		t.Errorf("wins/losses = %d/%d, want 1/1", summary.WinningTrades, summary.LosingTrades)
	}
	if summary.MaxDrawdownPct >= 0 {
		t.Errorf("drawdown = %f, want negative after the price collapse", summary.MaxDrawdownPct)
	}
	if summary.SharpeRatio == nil {
		t.Error("sharpe ratio missing with two distinct trade returns")
	}
	if summary.ProfitFactor == nil {
		t.Error("profit factor missing with both a win and a loss")
	}
}

func newExecutionStack(source data.Source) (*execution.Router, *broker.Sim) {
	logger := zap.NewNop()
	sim := broker.NewSim(logger, broker.DefaultSimConfig(), func(ctx context.Context, symbol string) (decimal.Decimal, error) {
		return data.LastPrice(ctx, source, symbol)
	})

	registry := execution.NewRegistry()
	slippage := execution.NewSlippageModel(logger, execution.DefaultSlippageConfig())
	monitor := execution.NewMonitor(logger, execution.DefaultMonitorConfig())
	twap := execution.NewTWAPScheduler(logger, execution.TWAPConfig{DefaultWindow: time.Second, DefaultSlices: 2}, sim, registry)
	vwap := execution.NewVWAPScheduler(logger, execution.VWAPConfig{}, sim, registry)
	iceberg := execution.NewIcebergExecutor(logger, execution.IcebergConfig{NumChunks: 2}, sim, registry)

	router := execution.NewRouter(logger, execution.DefaultRouterConfig(), sim, source, slippage, monitor, registry, twap, vwap, iceberg)
	return router, sim
}

func TestExecuteOrderAppliesChildFills(t *testing.T) {
	source := data.NewSimSource(1)
	router, _ := newExecutionStack(source)
	tr, _ := newTestTrader(t, testConfig(), Deps{Source: source, Router: router})
	ctx := context.Background()

	source.SetPrice("AAPL", decimal.NewFromInt(50))

	result, err := tr.ExecuteOrder(ctx, ExecuteParams{
		Symbol:   "AAPL",
		Side:     types.SideBuy,
		Quantity: 10,
	})
	if err != nil {
		t.Fatalf("ExecuteOrder: %v", err)
	}

	if result.Status != types.PlanStatusCompleted {
		t.Errorf("status = %s, want COMPLETED", result.Status)
	}
	if result.ExecutedQuantity != 10 {
		t.Errorf("executed = %d, want 10", result.ExecutedQuantity)
	}

	view := tr.GetPortfolio()
	// 10 shares at 50 plus the 1.50 commission on the single child fill.
	if !view.Cash.Equal(decimal.RequireFromString("99498.50")) {
		t.Errorf("cash = %s, want 99498.50", view.Cash)
	}
	if len(view.Positions) != 1 || view.Positions[0].Quantity != 10 {
		t.Fatalf("positions = %+v, want 10 AAPL", view.Positions)
	}
}

func TestExecuteOrderSellRecordsEntry(t *testing.T) {
	source := data.NewSimSource(1)
	router, _ := newExecutionStack(source)
	tr, _ := newTestTrader(t, testConfig(), Deps{Source: source, Router: router})
	ctx := context.Background()

	source.SetPrice("AAPL", decimal.NewFromInt(50))
	if _, err := tr.PlaceMarketOrder(ctx, "AAPL", 10, types.SideBuy, nil); err != nil {
		t.Fatalf("buy: %v", err)
	}

	source.SetPrice("AAPL", decimal.NewFromInt(60))
	if _, err := tr.ExecuteOrder(ctx, ExecuteParams{
		Symbol:   "AAPL",
		Side:     types.SideSell,
		Quantity: 10,
	}); err != nil {
		t.Fatalf("ExecuteOrder: %v", err)
	}

	trades := tr.ClosedTrades(0)
	if len(trades) != 1 {
		t.Fatalf("closed trades = %d, want 1", len(trades))
	}
	// Routed sells carry the same entry fields as direct orders:
	// the cost basis 50.15 and the opening time of the position.
	if !trades[0].EntryPrice.Equal(decimal.RequireFromString("50.15")) {
		t.Errorf("entry = %s, want 50.15", trades[0].EntryPrice)
	}
	if trades[0].OpenedAt.IsZero() {
		t.Error("opened-at missing on a routed sell's trade record")
	}
	if !trades[0].ExitPrice.Equal(decimal.NewFromInt(60)) {
		t.Errorf("exit = %s, want 60", trades[0].ExitPrice)
	}
	// (60 - 50.15) * 10 - 1.50 commission.
	if !trades[0].PnL.Equal(decimal.RequireFromString("97.00")) {
		t.Errorf("pnl = %s, want 97.00", trades[0].PnL)
	}
}

func TestExecuteOrderSellRequiresPosition(t *testing.T) {
	source := data.NewSimSource(1)
	router, _ := newExecutionStack(source)
	tr, _ := newTestTrader(t, testConfig(), Deps{Source: source, Router: router})
	ctx := context.Background()

	source.SetPrice("AAPL", decimal.NewFromInt(50))

	_, err := tr.ExecuteOrder(ctx, ExecuteParams{Symbol: "AAPL", Side: types.SideSell, Quantity: 10})
	if !errors.Is(err, ErrInsufficientPosition) {
		t.Fatalf("err = %v, want ErrInsufficientPosition", err)
	}
}

func TestExecuteOrderBuyAffordabilityPreCheck(t *testing.T) {
	source := data.NewSimSource(1)
	router, _ := newExecutionStack(source)
	tr, _ := newTestTrader(t, testConfig(), Deps{Source: source, Router: router})
	ctx := context.Background()

	source.SetPrice("AAPL", decimal.NewFromInt(50))

	_, err := tr.ExecuteOrder(ctx, ExecuteParams{Symbol: "AAPL", Side: types.SideBuy, Quantity: 10000})
	if !errors.Is(err, ErrInsufficientCash) {
		t.Fatalf("err = %v, want ErrInsufficientCash", err)
	}
}

func TestResumeFromStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trader.db")
	st, err := store.Open(zap.NewNop(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	source := data.NewSimSource(1)
	source.SetPrice("AAPL", decimal.NewFromInt(100))

	first, _ := newTestTrader(t, testConfig(), Deps{Source: source, Store: st})
	ctx := context.Background()
	if _, err := first.PlaceMarketOrder(ctx, "AAPL", 10, types.SideBuy, nil); err != nil {
		t.Fatalf("buy: %v", err)
	}
	source.SetPrice("AAPL", decimal.NewFromInt(110))
	if _, err := first.PlaceMarketOrder(ctx, "AAPL", 4, types.SideSell, nil); err != nil {
		t.Fatalf("sell: %v", err)
	}
	wantCash := first.GetPortfolio().Cash

	second, _ := newTestTrader(t, testConfig(), Deps{Source: source, Store: st})
	if err := second.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	view := second.GetPortfolio()
	if !view.Cash.Equal(wantCash) {
		t.Errorf("resumed cash = %s, want %s", view.Cash, wantCash)
	}
	if len(view.Positions) != 1 || view.Positions[0].Quantity != 6 {
		t.Fatalf("resumed positions = %+v, want 6 AAPL", view.Positions)
	}
	if !view.Positions[0].AvgCost.Equal(decimal.RequireFromString("100.15")) {
		t.Errorf("resumed avg cost = %s, want 100.15", view.Positions[0].AvgCost)
	}

	// The fill and trade history survive the restart, so the performance
	// summary matches what the first process reported.
	if fills := second.Fills(0); len(fills) != 2 {
		t.Fatalf("resumed fills = %d, want 2", len(fills))
	}
	trades := second.ClosedTrades(0)
	if len(trades) != 1 {
		t.Fatalf("resumed closed trades = %d, want 1", len(trades))
	}
	// (110 - 100.15) * 4 - 1.50 commission.
	if !trades[0].PnL.Equal(decimal.RequireFromString("37.90")) {
		t.Errorf("resumed pnl = %s, want 37.90", trades[0].PnL)
	}
	if !trades[0].EntryPrice.Equal(decimal.RequireFromString("100.15")) {
		t.Errorf("resumed entry = %s, want 100.15", trades[0].EntryPrice)
	}
	if !trades[0].ExitPrice.Equal(decimal.NewFromInt(110)) {
		t.Errorf("resumed exit = %s, want 110", trades[0].ExitPrice)
	}

	summary := second.GetPerformanceSummary()
	if summary.TotalTrades != 1 || summary.WinningTrades != 1 {
		t.Errorf("resumed summary = %d trades / %d wins, want 1/1",
			summary.TotalTrades, summary.WinningTrades)
	}
	if !summary.RealizedPnL.Equal(decimal.RequireFromString("37.90")) {
		t.Errorf("resumed realized = %s, want 37.90", summary.RealizedPnL)
	}
}
