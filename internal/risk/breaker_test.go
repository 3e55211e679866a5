package risk

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/execution-engine/pkg/types"
)

func newTestBreaker(config BreakerConfig) *CircuitBreaker {
	return NewCircuitBreaker(zap.NewNop(), config)
}

func confirmationCodeFor(t *testing.T, cb *CircuitBreaker, kind types.BreakerKind) string {
	t.Helper()
	for _, state := range cb.Status().States {
		if state.Kind == kind {
			if state.ConfirmationCode == "" {
				t.Fatalf("breaker %s has no confirmation code", kind)
			}
			return state.ConfirmationCode
		}
	}
	t.Fatalf("breaker %s not found in status", kind)
	return ""
}

func hasKind(kinds []types.BreakerKind, kind types.BreakerKind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func TestDailyLossTripAndReset(t *testing.T) {
	cb := newTestBreaker(DefaultBreakerConfig())

	opening := cb.Check(CheckInput{
		PortfolioValue: decimal.NewFromInt(100000),
		StartOfDay:     decimal.NewFromInt(100000),
	})
	if !opening.Allowed {
		t.Fatalf("opening check not allowed: %v", opening.Reasons)
	}

	// A 3.001% loss crosses the 3% daily limit.
	tripped := cb.Check(CheckInput{PortfolioValue: decimal.NewFromInt(96999)})
	if tripped.Allowed {
		t.Fatal("check allowed through a breached daily loss limit")
	}
	if !hasKind(tripped.Tripped, types.BreakerDailyLoss) {
		t.Fatalf("tripped kinds = %v, want DAILY_LOSS", tripped.Tripped)
	}

	// Recovery does not re-arm a tripped breaker.
	recovered := cb.Check(CheckInput{PortfolioValue: decimal.NewFromInt(100000)})
	if recovered.Allowed {
		t.Fatal("check allowed while DAILY_LOSS is still tripped")
	}

	if err := cb.Reset(types.BreakerDailyLoss, "WRONG_CODE", "test"); err == nil {
		t.Fatal("reset accepted a wrong confirmation code")
	}
	if cb.Status().TradingAllowed {
		t.Fatal("failed reset changed the breaker state")
	}

	code := confirmationCodeFor(t, cb, types.BreakerDailyLoss)
	if err := cb.Reset(types.BreakerDailyLoss, code, "reviewed"); err != nil {
		t.Fatalf("reset with the issued code: %v", err)
	}

	after := cb.Check(CheckInput{PortfolioValue: decimal.NewFromInt(100000)})
	if !after.Allowed {
		t.Fatalf("check not allowed after reset: %v", after.Reasons)
	}
}

func TestDailyLossWarningBand(t *testing.T) {
	cb := newTestBreaker(DefaultBreakerConfig())

	cb.Check(CheckInput{
		PortfolioValue: decimal.NewFromInt(100000),
		StartOfDay:     decimal.NewFromInt(100000),
	})

	// A 2.4% loss is 80% of the limit: warn without tripping.
	result := cb.Check(CheckInput{PortfolioValue: decimal.NewFromInt(97600)})
	if !result.Allowed {
		t.Fatalf("check not allowed at 80%% of the limit: %v", result.Reasons)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("no warning inside the warning band")
	}
	if !strings.Contains(result.Warnings[0], "daily loss") {
		t.Errorf("warning = %q, want a daily loss warning", result.Warnings[0])
	}
}

func TestMaxDrawdownTracksAllTimePeak(t *testing.T) {
	config := DefaultBreakerConfig()
	config.DailyLossLimit = 0.5
	config.RapidDrawdownLimit = 0.5
	cb := newTestBreaker(config)

	cb.Check(CheckInput{PortfolioValue: decimal.NewFromInt(100000)})
	cb.Check(CheckInput{PortfolioValue: decimal.NewFromInt(110000)})

	// 10.9% below the 110k peak crosses the 10% limit.
	result := cb.Check(CheckInput{PortfolioValue: decimal.NewFromInt(98000)})
	if result.Allowed {
		t.Fatal("check allowed through a breached drawdown limit")
	}
	if !hasKind(result.Tripped, types.BreakerMaxDrawdown) {
		t.Fatalf("tripped kinds = %v, want MAX_DRAWDOWN", result.Tripped)
	}

	if peak := cb.Status().PeakValue; !peak.Equal(decimal.NewFromInt(110000)) {
		t.Errorf("peak = %s, want 110000", peak)
	}
}

func TestConsecutiveLossesTrip(t *testing.T) {
	cb := newTestBreaker(DefaultBreakerConfig())
	value := CheckInput{PortfolioValue: decimal.NewFromInt(100000)}

	for i := 0; i < 5; i++ {
		cb.RecordTrade(decimal.NewFromInt(-100), "loss")
	}

	result := cb.Check(value)
	if result.Allowed {
		t.Fatal("check allowed at the consecutive loss limit")
	}
	if !hasKind(result.Tripped, types.BreakerConsecutiveLosses) {
		t.Fatalf("tripped kinds = %v, want CONSECUTIVE_LOSSES", result.Tripped)
	}

	// Reset clears the streak along with the breaker.
	code := confirmationCodeFor(t, cb, types.BreakerConsecutiveLosses)
	if err := cb.Reset(types.BreakerConsecutiveLosses, code, "reviewed"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if streak := cb.Status().ConsecutiveLosses; streak != 0 {
		t.Errorf("streak after reset = %d, want 0", streak)
	}
}

func TestWinResetsLossStreak(t *testing.T) {
	cb := newTestBreaker(DefaultBreakerConfig())

	cb.RecordTrade(decimal.NewFromInt(-100), "")
	cb.RecordTrade(decimal.NewFromInt(-100), "")
	cb.RecordTrade(decimal.NewFromInt(500), "")

	if streak := cb.Status().ConsecutiveLosses; streak != 0 {
		t.Errorf("streak = %d, want 0 after a win", streak)
	}
}

func TestVolatilitySpikeTrip(t *testing.T) {
	cb := newTestBreaker(DefaultBreakerConfig())

	result := cb.Check(CheckInput{PortfolioValue: decimal.NewFromInt(100000), VIX: 36})
	if result.Allowed {
		t.Fatal("check allowed with VIX above the threshold")
	}
	if !hasKind(result.Tripped, types.BreakerVolatilitySpike) {
		t.Fatalf("tripped kinds = %v, want VOLATILITY_SPIKE", result.Tripped)
	}
}

func TestVolatilityAutoReset(t *testing.T) {
	config := DefaultBreakerConfig()
	config.VolatilityResetAfter = time.Millisecond
	cb := newTestBreaker(config)

	cb.Check(CheckInput{PortfolioValue: decimal.NewFromInt(100000), VIX: 36})
	time.Sleep(5 * time.Millisecond)

	result := cb.Check(CheckInput{PortfolioValue: decimal.NewFromInt(100000), VIX: 20})
	if !result.Allowed {
		t.Fatalf("check not allowed after the volatility cool-down: %v", result.Reasons)
	}
}

func TestRapidDrawdownTrip(t *testing.T) {
	config := DefaultBreakerConfig()
	config.DailyLossLimit = 0.5
	config.MaxDrawdownLimit = 0.5
	cb := newTestBreaker(config)

	cb.Check(CheckInput{PortfolioValue: decimal.NewFromInt(100000)})

	// A 6% drop within the window crosses the 5% rapid limit.
	result := cb.Check(CheckInput{PortfolioValue: decimal.NewFromInt(94000)})
	if result.Allowed {
		t.Fatal("check allowed through a rapid drawdown")
	}
	if !hasKind(result.Tripped, types.BreakerRapidDrawdown) {
		t.Fatalf("tripped kinds = %v, want RAPID_DRAWDOWN", result.Tripped)
	}
}

func TestTripManual(t *testing.T) {
	cb := newTestBreaker(DefaultBreakerConfig())

	code := cb.TripManual("maintenance")
	if code == "" {
		t.Fatal("manual trip returned no confirmation code")
	}
	if again := cb.TripManual("again"); again != code {
		t.Errorf("second manual trip minted a new code")
	}

	if cb.Status().TradingAllowed {
		t.Fatal("status reports trading allowed after a manual trip")
	}

	result := cb.Check(CheckInput{PortfolioValue: decimal.NewFromInt(100000)})
	if result.Allowed {
		t.Fatal("check allowed while MANUAL is tripped")
	}

	if err := cb.Reset(types.BreakerManual, code, "maintenance done"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !cb.Status().TradingAllowed {
		t.Fatal("status reports trading halted after reset")
	}
}

func TestCheckFailSafeOnInvalidValue(t *testing.T) {
	cb := newTestBreaker(DefaultBreakerConfig())

	result := cb.Check(CheckInput{PortfolioValue: decimal.Zero})
	if result.Allowed {
		t.Fatal("check allowed with a non-positive portfolio value")
	}
	if len(result.Reasons) == 0 || !strings.Contains(result.Reasons[0], "FAIL-SAFE") {
		t.Errorf("reasons = %v, want a fail-safe halt", result.Reasons)
	}
}

func TestResetRequiresTrippedState(t *testing.T) {
	cb := newTestBreaker(DefaultBreakerConfig())

	if err := cb.Reset(types.BreakerDailyLoss, "ANY", "test"); err == nil {
		t.Fatal("reset of an armed breaker succeeded")
	}
	if err := cb.Reset(types.BreakerKind("BOGUS"), "ANY", "test"); err == nil {
		t.Fatal("reset of an unknown kind succeeded")
	}
}

func TestTripHandlerInvoked(t *testing.T) {
	cb := newTestBreaker(DefaultBreakerConfig())

	trips := make(chan types.BreakerKind, 1)
	cb.SetTripHandler(func(kind types.BreakerKind, reason, code string) {
		trips <- kind
	})

	cb.TripManual("drill")

	select {
	case kind := <-trips:
		if kind != types.BreakerManual {
			t.Errorf("handler saw %s, want MANUAL", kind)
		}
	case <-time.After(time.Second):
		t.Fatal("trip handler never invoked")
	}
}

func TestRecentTradesBounded(t *testing.T) {
	config := DefaultBreakerConfig()
	config.TradeHistoryLimit = 3
	cb := newTestBreaker(config)

	for i := 0; i < 5; i++ {
		cb.RecordTrade(decimal.NewFromInt(int64(i)), "")
	}

	trades := cb.RecentTrades(0)
	if len(trades) != 3 {
		t.Fatalf("trades = %d, want 3", len(trades))
	}
	if !trades[2].PnL.Equal(decimal.NewFromInt(4)) {
		t.Errorf("newest trade pnl = %s, want 4", trades[2].PnL)
	}
}
