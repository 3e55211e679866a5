package sizing

import (
	"math"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newTestSizer(balance int64) *KellySizer {
	return NewKellySizer(zap.NewNop(), DefaultKellyConfig(), decimal.NewFromInt(balance))
}

func TestCalculatePositionSizeFractionalKelly(t *testing.T) {
	sizer := newTestSizer(100000)
	sizer.UpdatePositions(map[string]decimal.Decimal{
		"AAPL":  decimal.NewFromInt(20000),
		"GOOGL": decimal.NewFromInt(15000),
		"MSFT":  decimal.NewFromInt(10000),
	})

	if heat := sizer.GetPortfolioHeat(); math.Abs(heat-0.45) > 1e-9 {
		t.Fatalf("heat = %f, want 0.45", heat)
	}

	// Win rate 58%, payoff 1.5: raw Kelly (0.58*1.5 - 0.42)/1.5 = 30%,
	// half Kelly 15% of the account.
	result := sizer.CalculatePositionSize(0.58, 1800, 1200, 0.5, decimal.NewFromInt(240), "TSLA")

	if math.Abs(result.RawKellyPct-0.30) > 1e-9 {
		t.Errorf("raw kelly = %f, want 0.30", result.RawKellyPct)
	}
	if math.Abs(result.AdjustedPct-0.15) > 1e-9 {
		t.Errorf("adjusted = %f, want 0.15", result.AdjustedPct)
	}
	if result.Shares != 62 {
		t.Errorf("shares = %d, want 62 from a $15000 target at $240", result.Shares)
	}
	if !result.TargetDollars.Equal(decimal.NewFromInt(14880)) {
		t.Errorf("target = %s, want 14880 after whole-share rounding", result.TargetDollars)
	}
	if math.Abs(result.PortfolioHeat-0.45) > 1e-9 {
		t.Errorf("result heat = %f, want 0.45", result.PortfolioHeat)
	}
}

func TestCalculatePositionSizeNoEdge(t *testing.T) {
	sizer := newTestSizer(100000)

	result := sizer.CalculatePositionSize(0.40, 1000, 1000, 0.5, decimal.NewFromInt(100), "AAPL")

	if result.Shares != 0 || !result.TargetDollars.IsZero() {
		t.Errorf("negative edge sized %d shares / %s, want zero", result.Shares, result.TargetDollars)
	}
	if !strings.Contains(result.Rationale, "no positive edge") {
		t.Errorf("rationale = %q, want a no-edge explanation", result.Rationale)
	}
	if result.RawKellyPct >= 0 {
		t.Errorf("raw kelly = %f, want negative", result.RawKellyPct)
	}
}

func TestCalculatePositionSizeInvalidInputs(t *testing.T) {
	sizer := newTestSizer(100000)
	price := decimal.NewFromInt(100)

	cases := []struct {
		name                               string
		winRate, avgWin, avgLoss, fraction float64
	}{
		{"win rate above one", 1.2, 1000, 500, 0.5},
		{"negative win rate", -0.1, 1000, 500, 0.5},
		{"zero avg win", 0.6, 0, 500, 0.5},
		{"zero avg loss", 0.6, 1000, 0, 0.5},
		{"fraction above one", 0.6, 1000, 500, 1.5},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := sizer.CalculatePositionSize(tc.winRate, tc.avgWin, tc.avgLoss, tc.fraction, price, "AAPL")
			if !result.TargetDollars.IsZero() || result.Shares != 0 {
				t.Errorf("sized %s / %d shares, want zero", result.TargetDollars, result.Shares)
			}
			if result.Rationale == "" {
				t.Error("zero-size result carries no rationale")
			}
		})
	}
}

func TestCalculatePositionSizeZeroBalance(t *testing.T) {
	sizer := newTestSizer(0)

	result := sizer.CalculatePositionSize(0.6, 1000, 500, 0.5, decimal.NewFromInt(100), "AAPL")
	if !result.TargetDollars.IsZero() {
		t.Errorf("sized %s on a zero balance, want zero", result.TargetDollars)
	}
}

func TestCalculatePositionSizePerPositionCap(t *testing.T) {
	sizer := newTestSizer(100000)

	// Raw Kelly (0.9*2 - 0.1)/2 = 0.85, half Kelly 0.425, above the 25%
	// per-position cap.
	result := sizer.CalculatePositionSize(0.9, 2000, 1000, 0.5, decimal.Zero, "AAPL")

	if result.LimitingFactor != "max_position_pct" {
		t.Errorf("limiting factor = %s, want max_position_pct", result.LimitingFactor)
	}
	if math.Abs(result.AdjustedPct-0.25) > 1e-9 {
		t.Errorf("adjusted = %f, want the 0.25 cap", result.AdjustedPct)
	}
	if !result.TargetDollars.Equal(decimal.NewFromInt(25000)) {
		t.Errorf("target = %s, want 25000", result.TargetDollars)
	}
}

func TestCalculatePositionSizeHeatCap(t *testing.T) {
	sizer := newTestSizer(100000)
	sizer.UpdatePositions(map[string]decimal.Decimal{
		"AAPL": decimal.NewFromInt(60000),
		"MSFT": decimal.NewFromInt(30000),
	})

	result := sizer.CalculatePositionSize(0.58, 1800, 1200, 0.5, decimal.Zero, "TSLA")

	if result.LimitingFactor != "portfolio_heat" {
		t.Errorf("limiting factor = %s, want portfolio_heat", result.LimitingFactor)
	}
	// Only 10% of the budget remains at heat 0.90.
	if result.AdjustedPct > 0.101 || result.AdjustedPct < 0.099 {
		t.Errorf("adjusted = %f, want about 0.10", result.AdjustedPct)
	}
}

func TestCalculatePositionSizeNoBudget(t *testing.T) {
	sizer := newTestSizer(100000)
	sizer.UpdatePositions(map[string]decimal.Decimal{
		"AAPL": decimal.NewFromInt(100000),
	})

	result := sizer.CalculatePositionSize(0.58, 1800, 1200, 0.5, decimal.Zero, "TSLA")
	if !result.TargetDollars.IsZero() {
		t.Errorf("sized %s with no exposure budget, want zero", result.TargetDollars)
	}
	if !strings.Contains(result.Rationale, "heat") {
		t.Errorf("rationale = %q, want a heat explanation", result.Rationale)
	}
}

func TestCalculatePositionSizeReplacesExistingPosition(t *testing.T) {
	sizer := newTestSizer(100000)
	sizer.UpdatePositions(map[string]decimal.Decimal{
		"TSLA": decimal.NewFromInt(100000),
	})

	// The existing TSLA weight returns to the budget when resizing TSLA
	// itself.
	result := sizer.CalculatePositionSize(0.58, 1800, 1200, 0.5, decimal.Zero, "TSLA")
	if result.TargetDollars.IsZero() {
		t.Errorf("resize of an existing position returned zero: %s", result.Rationale)
	}
}

func TestCalculatePositionSizeMinimumFloor(t *testing.T) {
	sizer := newTestSizer(100000)

	// Raw Kelly 1%, half Kelly 0.5%: a $500 target is raised to the $1000
	// floor.
	result := sizer.CalculatePositionSize(0.505, 1000, 1000, 0.5, decimal.Zero, "AAPL")

	if result.LimitingFactor != "min_position_size" {
		t.Errorf("limiting factor = %s, want min_position_size", result.LimitingFactor)
	}
	if !result.TargetDollars.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("target = %s, want the 1000 floor", result.TargetDollars)
	}
}

func TestCalculatePositionSizeMaximumCap(t *testing.T) {
	sizer := newTestSizer(1_000_000)

	result := sizer.CalculatePositionSize(0.58, 1800, 1200, 0.5, decimal.Zero, "AAPL")

	if result.LimitingFactor != "max_position_size" {
		t.Errorf("limiting factor = %s, want max_position_size", result.LimitingFactor)
	}
	if !result.TargetDollars.Equal(decimal.NewFromInt(50000)) {
		t.Errorf("target = %s, want the 50000 cap", result.TargetDollars)
	}
}

func TestCalculatePositionSizeNoWholeShares(t *testing.T) {
	sizer := newTestSizer(100000)

	// A $1000 floor target cannot buy a $5000 share.
	result := sizer.CalculatePositionSize(0.505, 1000, 1000, 0.5, decimal.NewFromInt(5000), "BRK")

	if result.Shares != 0 || !result.TargetDollars.IsZero() {
		t.Errorf("sized %d shares / %s, want zero", result.Shares, result.TargetDollars)
	}
}

func TestDefaultFractionApplied(t *testing.T) {
	sizer := newTestSizer(100000)

	explicit := sizer.CalculatePositionSize(0.58, 1800, 1200, 0.5, decimal.Zero, "AAPL")
	defaulted := sizer.CalculatePositionSize(0.58, 1800, 1200, 0, decimal.Zero, "AAPL")

	if !explicit.TargetDollars.Equal(defaulted.TargetDollars) {
		t.Errorf("zero fraction sized %s, explicit half Kelly sized %s", defaulted.TargetDollars, explicit.TargetDollars)
	}
}

func TestGetMaxPositionValue(t *testing.T) {
	sizer := newTestSizer(100000)

	if got := sizer.GetMaxPositionValue(); !got.Equal(decimal.NewFromInt(25000)) {
		t.Errorf("max position value = %s, want 25000", got)
	}
}
