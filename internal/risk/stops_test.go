package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/execution-engine/pkg/types"
)

func newTestStops() *StopManager {
	return NewStopManager(zap.NewNop(), DefaultStopConfig())
}

func TestCalculateFixedPctStop(t *testing.T) {
	s := newTestStops()

	stop, err := s.CalculateStop("AAPL", decimal.NewFromInt(100), 10, types.SideBuy, types.StopTypeFixedPct, 0.05)
	if err != nil {
		t.Fatalf("CalculateStop: %v", err)
	}

	if !stop.StopPrice.Equal(decimal.NewFromInt(95)) {
		t.Errorf("stop price = %s, want 95", stop.StopPrice)
	}
	if !stop.RiskDollars.Equal(decimal.NewFromInt(50)) {
		t.Errorf("risk = %s, want 50", stop.RiskDollars)
	}
	if !stop.Armed {
		t.Error("new stop is not armed")
	}
}

func TestCalculateFixedPctStopSellSide(t *testing.T) {
	s := newTestStops()

	stop, err := s.CalculateStop("AAPL", decimal.NewFromInt(100), 10, types.SideSell, types.StopTypeFixedPct, 0.05)
	if err != nil {
		t.Fatalf("CalculateStop: %v", err)
	}

	if !stop.StopPrice.Equal(decimal.NewFromInt(105)) {
		t.Errorf("short stop price = %s, want 105", stop.StopPrice)
	}
}

func TestCalculateStopDefaultPct(t *testing.T) {
	s := newTestStops()

	stop, err := s.CalculateStop("AAPL", decimal.NewFromInt(200), 5, types.SideBuy, types.StopTypeFixedPct, 0)
	if err != nil {
		t.Fatalf("CalculateStop: %v", err)
	}

	// Config default 5%.
	if !stop.StopPrice.Equal(decimal.NewFromInt(190)) {
		t.Errorf("stop price = %s, want 190", stop.StopPrice)
	}
}

func TestCalculateATRStop(t *testing.T) {
	s := newTestStops()

	buy, err := s.CalculateStop("TSLA", decimal.NewFromInt(100), 10, types.SideBuy, types.StopTypeATR, 1.5)
	if err != nil {
		t.Fatalf("CalculateStop: %v", err)
	}
	// 2x ATR of 1.5 is a $3 distance.
	if !buy.StopPrice.Equal(decimal.NewFromInt(97)) {
		t.Errorf("buy ATR stop = %s, want 97", buy.StopPrice)
	}

	sell, err := s.CalculateStop("TSLA", decimal.NewFromInt(100), 10, types.SideSell, types.StopTypeATR, 1.5)
	if err != nil {
		t.Fatalf("CalculateStop: %v", err)
	}
	if !sell.StopPrice.Equal(decimal.NewFromInt(103)) {
		t.Errorf("sell ATR stop = %s, want 103", sell.StopPrice)
	}
}

func TestCalculateStopErrors(t *testing.T) {
	s := newTestStops()
	hundred := decimal.NewFromInt(100)

	if _, err := s.CalculateStop("A", decimal.Zero, 10, types.SideBuy, types.StopTypeFixedPct, 0.05); err == nil {
		t.Error("accepted a zero entry price")
	}
	if _, err := s.CalculateStop("A", hundred, 0, types.SideBuy, types.StopTypeFixedPct, 0.05); err == nil {
		t.Error("accepted a zero position size")
	}
	if _, err := s.CalculateStop("A", hundred, 10, types.SideBuy, types.StopTypeATR, 0); err == nil {
		t.Error("accepted an ATR stop without an ATR value")
	}
	if _, err := s.CalculateStop("A", hundred, 10, types.SideBuy, types.StopType("BOGUS"), 0.05); err == nil {
		t.Error("accepted an unknown stop type")
	}
	// A wide ATR below a cheap entry pushes the stop non-positive.
	if _, err := s.CalculateStop("A", decimal.NewFromInt(1), 10, types.SideBuy, types.StopTypeATR, 10); err == nil {
		t.Error("accepted a non-positive stop price")
	}
}

func TestTrailingStopRatchet(t *testing.T) {
	s := newTestStops()

	stop, err := s.CalculateStop("AAPL", decimal.NewFromInt(100), 10, types.SideBuy, types.StopTypeTrailing, 0.05)
	if err != nil {
		t.Fatalf("CalculateStop: %v", err)
	}
	s.Attach(stop)

	// A $5 favorable move lifts the stop by the same delta.
	if !s.UpdateTrailing("AAPL", decimal.NewFromInt(105)) {
		t.Fatal("trailing update on a favorable move returned false")
	}
	got, _ := s.Get("AAPL")
	if !got.StopPrice.Equal(decimal.NewFromInt(100)) {
		t.Errorf("stop after ratchet = %s, want 100", got.StopPrice)
	}

	// A pullback never lowers the stop.
	if s.UpdateTrailing("AAPL", decimal.NewFromInt(103)) {
		t.Fatal("trailing update moved on an adverse move")
	}
	got, _ = s.Get("AAPL")
	if !got.StopPrice.Equal(decimal.NewFromInt(100)) {
		t.Errorf("stop after pullback = %s, want 100", got.StopPrice)
	}
}

func TestTrailingStopShortSide(t *testing.T) {
	s := newTestStops()

	stop, err := s.CalculateStop("AAPL", decimal.NewFromInt(100), 10, types.SideSell, types.StopTypeTrailing, 0.05)
	if err != nil {
		t.Fatalf("CalculateStop: %v", err)
	}
	s.Attach(stop)

	if !s.UpdateTrailing("AAPL", decimal.NewFromInt(95)) {
		t.Fatal("trailing update on a favorable short move returned false")
	}
	got, _ := s.Get("AAPL")
	if !got.StopPrice.Equal(decimal.NewFromInt(100)) {
		t.Errorf("short stop after ratchet = %s, want 100", got.StopPrice)
	}
}

func TestFixedStopDoesNotTrail(t *testing.T) {
	s := newTestStops()

	stop, _ := s.CalculateStop("AAPL", decimal.NewFromInt(100), 10, types.SideBuy, types.StopTypeFixedPct, 0.05)
	s.Attach(stop)

	if s.UpdateTrailing("AAPL", decimal.NewFromInt(120)) {
		t.Fatal("fixed stop moved on a price update")
	}
}

func TestCheckTriggered(t *testing.T) {
	s := newTestStops()

	stop, _ := s.CalculateStop("AAPL", decimal.NewFromInt(100), 10, types.SideBuy, types.StopTypeFixedPct, 0.05)
	s.Attach(stop)

	if s.CheckTriggered("AAPL", decimal.NewFromInt(96)) {
		t.Error("triggered above the stop price")
	}
	if !s.CheckTriggered("AAPL", decimal.NewFromInt(95)) {
		t.Error("not triggered at the stop price")
	}
	if !s.CheckTriggered("AAPL", decimal.NewFromInt(90)) {
		t.Error("not triggered below the stop price")
	}
	if s.CheckTriggered("MSFT", decimal.NewFromInt(1)) {
		t.Error("triggered for a symbol with no stop")
	}
}

func TestAttachReplacesExistingStop(t *testing.T) {
	s := newTestStops()

	first, _ := s.CalculateStop("AAPL", decimal.NewFromInt(100), 10, types.SideBuy, types.StopTypeFixedPct, 0.05)
	s.Attach(first)

	second, _ := s.CalculateStop("AAPL", decimal.NewFromInt(110), 10, types.SideBuy, types.StopTypeFixedPct, 0.10)
	s.Attach(second)

	got, ok := s.Get("AAPL")
	if !ok {
		t.Fatal("stop missing after replacement")
	}
	if !got.StopPrice.Equal(decimal.NewFromInt(99)) {
		t.Errorf("stop price = %s, want the replacement's 99", got.StopPrice)
	}
	if len(s.ListStops()) != 1 {
		t.Errorf("stops = %d, want 1", len(s.ListStops()))
	}
}

func TestRemoveStop(t *testing.T) {
	s := newTestStops()

	stop, _ := s.CalculateStop("AAPL", decimal.NewFromInt(100), 10, types.SideBuy, types.StopTypeFixedPct, 0.05)
	s.Attach(stop)

	if !s.Remove("AAPL") {
		t.Fatal("remove of an existing stop returned false")
	}
	if s.Remove("AAPL") {
		t.Fatal("remove of a missing stop returned true")
	}
	if _, ok := s.Get("AAPL"); ok {
		t.Error("stop still present after removal")
	}
}

func TestTotalRiskDollars(t *testing.T) {
	s := newTestStops()

	a, _ := s.CalculateStop("AAPL", decimal.NewFromInt(100), 10, types.SideBuy, types.StopTypeFixedPct, 0.05)
	s.Attach(a)
	b, _ := s.CalculateStop("MSFT", decimal.NewFromInt(200), 10, types.SideBuy, types.StopTypeFixedPct, 0.05)
	s.Attach(b)

	// 50 from AAPL plus 100 from MSFT.
	if total := s.TotalRiskDollars(); !total.Equal(decimal.NewFromInt(150)) {
		t.Errorf("total risk = %s, want 150", total)
	}
}
