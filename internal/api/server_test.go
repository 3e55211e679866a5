package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/execution-engine/internal/broker"
	"github.com/atlas-desktop/execution-engine/internal/data"
	"github.com/atlas-desktop/execution-engine/internal/execution"
	"github.com/atlas-desktop/execution-engine/internal/risk"
	"github.com/atlas-desktop/execution-engine/internal/sizing"
	"github.com/atlas-desktop/execution-engine/internal/trader"
	"github.com/atlas-desktop/execution-engine/pkg/types"
)

// newTestServer assembles a full engine behind the API with a
// deterministic sim source and zero-slippage paper fills.
func newTestServer(t *testing.T) (*Server, *data.SimSource) {
	t.Helper()
	logger := zap.NewNop()

	source := data.NewSimSource(1)

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

	breaker := risk.NewCircuitBreaker(logger, risk.DefaultBreakerConfig())
	stops := risk.NewStopManager(logger, risk.DefaultStopConfig())
	sizer := sizing.NewKellySizer(logger, sizing.DefaultKellyConfig(), decimal.NewFromInt(100000))

	config := trader.DefaultConfig()
	config.CommissionPerTrade = decimal.RequireFromString("1.50")
	config.CommissionPerShare = decimal.Zero
	config.SlippageBase = 0
	config.SlippageSizeFactor = 0
	config.MinSlippage = 0

	tr, err := trader.New(logger, config, trader.Deps{
		Source:  source,
		Sizer:   sizer,
		Stops:   stops,
		Breaker: breaker,
		Router:  router,
	})
	if err != nil {
		t.Fatalf("trader.New: %v", err)
	}

	server := NewServer(logger, types.DefaultServerConfig(), Deps{
		Trader:   tr,
		Router:   router,
		Monitor:  monitor,
		Slippage: slippage,
		Breaker:  breaker,
		Stops:    stops,
	})
	return server, source
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	decoded := map[string]any{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, decoded
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	rec, body := doJSON(t, server.Handler(), http.MethodGet, "/api/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body["status"] != "healthy" {
		t.Errorf("health status = %v, want healthy", body["status"])
	}
}

func TestPlaceOrderAndPortfolio(t *testing.T) {
	server, source := newTestServer(t)
	source.SetPrice("AAPL", decimal.NewFromInt(50))

	rec, body := doJSON(t, server.Handler(), http.MethodPost, "/api/v1/orders", PlaceOrderRequest{
		Symbol:   "AAPL",
		Side:     "BUY",
		Quantity: 10,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("order status = %d, body %v", rec.Code, body)
	}
	if body["order_id"] == "" {
		t.Error("no order id in response")
	}

	rec, body = doJSON(t, server.Handler(), http.MethodGet, "/api/v1/portfolio", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("portfolio status = %d", rec.Code)
	}
	cash, ok := body["cash"].(string)
	if !ok {
		t.Fatalf("cash = %v, want a decimal string", body["cash"])
	}
	if !decimal.RequireFromString(cash).Equal(decimal.RequireFromString("99498.50")) {
		t.Errorf("cash = %s, want 99498.50", cash)
	}

	rec, body = doJSON(t, server.Handler(), http.MethodGet, "/api/v1/positions", nil)
	if rec.Code != http.StatusOK || body["count"].(float64) != 1 {
		t.Errorf("positions = %v (status %d), want one position", body, rec.Code)
	}
}

func TestPlaceOrderRefusals(t *testing.T) {
	server, source := newTestServer(t)
	source.SetPrice("AAPL", decimal.NewFromInt(50))

	rec, _ := doJSON(t, server.Handler(), http.MethodPost, "/api/v1/orders", PlaceOrderRequest{
		Symbol:   "AAPL",
		Side:     "BUY",
		Quantity: 1_000_000,
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("unaffordable order status = %d, want 422", rec.Code)
	}

	rec, _ = doJSON(t, server.Handler(), http.MethodPost, "/api/v1/orders", PlaceOrderRequest{
		Symbol:   "AAPL",
		Side:     "HOLD",
		Quantity: 10,
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad side status = %d, want 400", rec.Code)
	}

	rec, _ = doJSON(t, server.Handler(), http.MethodPost, "/api/v1/orders", PlaceOrderRequest{
		Symbol:   "AAPL",
		Side:     "BUY",
		Quantity: 10,
		Type:     "STOP_LIMIT",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown type status = %d, want 400", rec.Code)
	}
}

func TestBreakerTripAndResetEndpoints(t *testing.T) {
	server, source := newTestServer(t)
	source.SetPrice("AAPL", decimal.NewFromInt(50))
	handler := server.Handler()

	rec, body := doJSON(t, handler, http.MethodPost, "/api/v1/breakers/trip", TripRequest{Reason: "drill"})
	if rec.Code != http.StatusOK {
		t.Fatalf("trip status = %d", rec.Code)
	}
	code, _ := body["confirmation_code"].(string)
	if code == "" {
		t.Fatal("trip returned no confirmation code")
	}

	rec, _ = doJSON(t, handler, http.MethodPost, "/api/v1/orders", PlaceOrderRequest{Symbol: "AAPL", Side: "BUY", Quantity: 10})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("order while tripped status = %d, want 422", rec.Code)
	}

	rec, _ = doJSON(t, handler, http.MethodPost, "/api/v1/breakers/reset", ResetBreakerRequest{Kind: "MANUAL", Code: "WRONG"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("reset with wrong code status = %d, want 403", rec.Code)
	}

	rec, _ = doJSON(t, handler, http.MethodPost, "/api/v1/breakers/reset", ResetBreakerRequest{Kind: "MANUAL", Code: code})
	if rec.Code != http.StatusOK {
		t.Fatalf("reset status = %d", rec.Code)
	}

	rec, _ = doJSON(t, handler, http.MethodPost, "/api/v1/orders", PlaceOrderRequest{Symbol: "AAPL", Side: "BUY", Quantity: 10})
	if rec.Code != http.StatusOK {
		t.Errorf("order after reset status = %d, want 200", rec.Code)
	}
}

func TestSizingEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	rec, body := doJSON(t, server.Handler(), http.MethodPost, "/api/v1/sizing", SizingRequest{
		Symbol:  "AAPL",
		WinRate: 0.58,
		AvgWin:  1800,
		AvgLoss: 1200,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("sizing status = %d", rec.Code)
	}
	if body["rationale"] == "" {
		t.Error("sizing result carries no rationale")
	}
}

func TestNotFoundResponses(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()

	rec, _ := doJSON(t, handler, http.MethodPost, "/api/v1/executions/nope/cancel", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("cancel unknown execution status = %d, want 404", rec.Code)
	}

	rec, _ = doJSON(t, handler, http.MethodPost, "/api/v1/alerts/nope/ack", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("ack unknown alert status = %d, want 404", rec.Code)
	}

	rec, _ = doJSON(t, handler, http.MethodDelete, "/api/v1/stops/MSFT", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("remove unknown stop status = %d, want 404", rec.Code)
	}
}

func TestMonitorEndpoints(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()

	rec, body := doJSON(t, handler, http.MethodGet, "/api/v1/alerts", nil)
	if rec.Code != http.StatusOK || body["count"].(float64) != 0 {
		t.Errorf("alerts = %v (status %d), want empty", body, rec.Code)
	}

	rec, _ = doJSON(t, handler, http.MethodGet, "/api/v1/monitor/quality", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("quality status = %d", rec.Code)
	}

	rec, _ = doJSON(t, handler, http.MethodGet, "/api/v1/monitor/summary?date=not-a-date", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad date status = %d, want 400", rec.Code)
	}
}
