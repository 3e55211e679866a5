// Package api provides the HTTP and WebSocket server.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/execution-engine/internal/events"
	"github.com/atlas-desktop/execution-engine/internal/execution"
	"github.com/atlas-desktop/execution-engine/internal/risk"
	"github.com/atlas-desktop/execution-engine/internal/trader"
	"github.com/atlas-desktop/execution-engine/pkg/types"
)

// Deps are the engine components the API exposes.
type Deps struct {
	Trader   *trader.PaperTrader
	Router   *execution.Router
	Monitor  *execution.Monitor
	Slippage *execution.SlippageModel
	Breaker  *risk.CircuitBreaker
	Stops    *risk.StopManager
	Bus      *events.Bus
}

// Server is the HTTP/WebSocket API server
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     *types.ServerConfig
	deps       Deps
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	clients    map[string]*Client
	busSub     *events.Subscription
}

// NewServer creates a new API server
func NewServer(logger *zap.Logger, config *types.ServerConfig, deps Deps) *Server {
	server := &Server{
		logger:  logger.Named("api"),
		config:  config,
		deps:    deps,
		router:  mux.NewRouter(),
		clients: make(map[string]*Client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
	}

	server.setupRoutes()
	server.bridgeEvents()
	return server
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() {
	// Health check
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")

	// Portfolio endpoints
	s.router.HandleFunc("/api/v1/portfolio", s.handleGetPortfolio).Methods("GET")
	s.router.HandleFunc("/api/v1/portfolio/reset", s.handleResetPortfolio).Methods("POST")
	s.router.HandleFunc("/api/v1/positions", s.handleGetPositions).Methods("GET")
	s.router.HandleFunc("/api/v1/performance", s.handleGetPerformance).Methods("GET")
	s.router.HandleFunc("/api/v1/fills", s.handleGetFills).Methods("GET")
	s.router.HandleFunc("/api/v1/trades", s.handleGetTrades).Methods("GET")

	// Order entry
	s.router.HandleFunc("/api/v1/orders", s.handlePlaceOrder).Methods("POST")
	s.router.HandleFunc("/api/v1/sizing", s.handleCalculateSize).Methods("POST")

	// Execution endpoints
	s.router.HandleFunc("/api/v1/executions", s.handleGetExecutions).Methods("GET")
	s.router.HandleFunc("/api/v1/executions/active", s.handleGetActivePlans).Methods("GET")
	s.router.HandleFunc("/api/v1/executions/{id}/cancel", s.handleCancelExecution).Methods("POST")
	s.router.HandleFunc("/api/v1/slippage/{symbol}", s.handleGetSlippage).Methods("GET")

	// Monitor endpoints
	s.router.HandleFunc("/api/v1/alerts", s.handleGetAlerts).Methods("GET")
	s.router.HandleFunc("/api/v1/alerts/{id}/ack", s.handleAckAlert).Methods("POST")
	s.router.HandleFunc("/api/v1/monitor/summary", s.handleGetDailySummary).Methods("GET")
	s.router.HandleFunc("/api/v1/monitor/quality", s.handleGetQuality).Methods("GET")
	s.router.HandleFunc("/api/v1/monitor/dashboard", s.handleGetDashboard).Methods("GET")

	// Risk endpoints
	s.router.HandleFunc("/api/v1/breakers", s.handleGetBreakers).Methods("GET")
	s.router.HandleFunc("/api/v1/breakers/trip", s.handleTripBreaker).Methods("POST")
	s.router.HandleFunc("/api/v1/breakers/reset", s.handleResetBreaker).Methods("POST")
	s.router.HandleFunc("/api/v1/stops", s.handleGetStops).Methods("GET")
	s.router.HandleFunc("/api/v1/stops/{symbol}", s.handleRemoveStop).Methods("DELETE")

	// Prometheus scrape endpoint
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// WebSocket
	s.router.HandleFunc(s.config.WebSocketPath, s.handleWebSocket)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting API server", zap.String("addr", addr))

	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	if s.busSub != nil && s.deps.Bus != nil {
		s.deps.Bus.Unsubscribe(s.busSub)
	}

	// Close all WebSocket connections
	s.mu.Lock()
	for _, client := range s.clients {
		client.Conn.Close()
	}
	s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Encode response failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]any{"error": err.Error()})
}

func queryInt(r *http.Request, key string, fallback int) int {
	if raw := r.URL.Query().Get(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	return fallback
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	halted, reason := s.deps.Trader.Halted()

	status := "healthy"
	if halted {
		status = "halted"
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": status,
		"reason": reason,
		"time":   time.Now().Unix(),
	})
}

// handleGetPortfolio returns cash, portfolio value, and open positions
func (s *Server) handleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Trader.GetPortfolio())
}

// handleResetPortfolio restores the initial portfolio state
func (s *Server) handleResetPortfolio(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Trader.ResetPortfolio(); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// handleGetPositions returns open positions only
func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	view := s.deps.Trader.GetPortfolio()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"positions": view.Positions,
		"count":     len(view.Positions),
	})
}

// handleGetPerformance returns the realized performance summary
func (s *Server) handleGetPerformance(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Trader.GetPerformanceSummary())
}

// handleGetFills returns recent fills
func (s *Server) handleGetFills(w http.ResponseWriter, r *http.Request) {
	fills := s.deps.Trader.Fills(queryInt(r, "limit", 100))
	s.writeJSON(w, http.StatusOK, map[string]any{"fills": fills, "count": len(fills)})
}

// handleGetTrades returns recent closed trades
func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	trades := s.deps.Trader.ClosedTrades(queryInt(r, "limit", 100))
	s.writeJSON(w, http.StatusOK, map[string]any{"trades": trades, "count": len(trades)})
}

// PlaceOrderRequest is the order-entry payload. Type defaults to MARKET;
// Execute routes the order through the execution schedulers instead of
// filling immediately.
type PlaceOrderRequest struct {
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Quantity      int64           `json:"quantity"`
	Type          string          `json:"type,omitempty"`
	LimitPrice    decimal.Decimal `json:"limit_price,omitempty"`
	Execute       bool            `json:"execute,omitempty"`
	Urgency       string          `json:"urgency,omitempty"`
	WindowMinutes int             `json:"window_minutes,omitempty"`
	AutoStop      bool            `json:"auto_stop,omitempty"`
	StopPct       float64         `json:"stop_pct,omitempty"`
}

// handlePlaceOrder places a market or limit order, or routes a worked
// parent order when execute is set
func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	side, err := types.ParseSide(req.Side)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	if req.Execute {
		urgency := types.UrgencyNormal
		if req.Urgency != "" {
			if urgency, err = types.ParseUrgency(req.Urgency); err != nil {
				s.writeError(w, http.StatusBadRequest, err)
				return
			}
		}

		result, err := s.deps.Trader.ExecuteOrder(r.Context(), trader.ExecuteParams{
			Symbol:        req.Symbol,
			Side:          side,
			Quantity:      req.Quantity,
			Urgency:       urgency,
			WindowMinutes: req.WindowMinutes,
			AutoStop:      req.AutoStop,
			StopPct:       req.StopPct,
		})
		if err != nil {
			s.writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		s.writeJSON(w, http.StatusOK, result)
		return
	}

	opts := &trader.OrderOptions{AutoStop: req.AutoStop, StopPct: req.StopPct}

	var orderID string
	switch req.Type {
	case "", "MARKET", "market":
		orderID, err = s.deps.Trader.PlaceMarketOrder(r.Context(), req.Symbol, req.Quantity, side, opts)
	case "LIMIT", "limit":
		orderID, err = s.deps.Trader.PlaceLimitOrder(r.Context(), req.Symbol, req.Quantity, side, req.LimitPrice)
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("unknown order type %q", req.Type))
		return
	}
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"order_id": orderID, "status": "filled"})
}

// SizingRequest asks the Kelly sizer for a position size.
type SizingRequest struct {
	Symbol   string  `json:"symbol"`
	WinRate  float64 `json:"win_rate"`
	AvgWin   float64 `json:"avg_win"`
	AvgLoss  float64 `json:"avg_loss"`
	Fraction float64 `json:"fraction,omitempty"`
}

// handleCalculateSize runs the Kelly position-size calculation
func (s *Server) handleCalculateSize(w http.ResponseWriter, r *http.Request) {
	var req SizingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	result := s.deps.Trader.CalculatePositionSize(req.Symbol, req.WinRate, req.AvgWin, req.AvgLoss, req.Fraction)
	s.writeJSON(w, http.StatusOK, result)
}

// handleGetExecutions returns recent execution results
func (s *Server) handleGetExecutions(w http.ResponseWriter, r *http.Request) {
	history := s.deps.Router.History(queryInt(r, "limit", 50))
	s.writeJSON(w, http.StatusOK, map[string]any{"executions": history, "count": len(history)})
}

// handleGetActivePlans returns the ids of in-flight execution plans
func (s *Server) handleGetActivePlans(w http.ResponseWriter, r *http.Request) {
	ids := s.deps.Router.ActivePlans()
	s.writeJSON(w, http.StatusOK, map[string]any{"active": ids, "count": len(ids)})
}

// handleCancelExecution cancels an in-flight execution plan
func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if !s.deps.Router.CancelExecution(id) {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("no active execution %s", id))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "cancelling"})
}

// handleGetSlippage returns slippage statistics for a symbol. Use the
// symbol "all" for the aggregate view.
func (s *Server) handleGetSlippage(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	if symbol == "all" {
		symbol = ""
	}
	s.writeJSON(w, http.StatusOK, s.deps.Slippage.Stats(symbol))
}

// handleGetAlerts returns active alerts, optionally filtered by severity
func (s *Server) handleGetAlerts(w http.ResponseWriter, r *http.Request) {
	severity := types.Severity(r.URL.Query().Get("severity"))
	alerts := s.deps.Monitor.GetActiveAlerts(severity)
	s.writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "count": len(alerts)})
}

// handleAckAlert acknowledges an alert
func (s *Server) handleAckAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if !s.deps.Monitor.Acknowledge(id) {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("no active alert %s", id))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "acknowledged"})
}

// handleGetDailySummary returns the execution summary for a date
// (YYYY-MM-DD query param, default today)
func (s *Server) handleGetDailySummary(w http.ResponseWriter, r *http.Request) {
	var date time.Time
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid date %q: %w", raw, err))
			return
		}
		date = parsed
	}
	s.writeJSON(w, http.StatusOK, s.deps.Monitor.GetDailySummary(date))
}

// handleGetQuality returns the execution quality score
func (s *Server) handleGetQuality(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Monitor.GetExecutionQualityScore())
}

// handleGetDashboard returns the operational dashboard view
func (s *Server) handleGetDashboard(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Monitor.GetPerformanceDashboard())
}

// handleGetBreakers returns circuit breaker status
func (s *Server) handleGetBreakers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Breaker.Status())
}

// TripRequest trips the manual breaker.
type TripRequest struct {
	Reason string `json:"reason"`
}

// handleTripBreaker trips the manual circuit breaker and returns the
// confirmation code required to reset it
func (s *Server) handleTripBreaker(w http.ResponseWriter, r *http.Request) {
	var req TripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Reason == "" {
		req.Reason = "manual trip via api"
	}

	code := s.deps.Breaker.TripManual(req.Reason)
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":            "tripped",
		"confirmation_code": code,
	})
}

// ResetBreakerRequest resets a tripped breaker.
type ResetBreakerRequest struct {
	Kind   string `json:"kind"`
	Code   string `json:"code"`
	Reason string `json:"reason,omitempty"`
}

// handleResetBreaker resets a tripped breaker given its confirmation code
func (s *Server) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	var req ResetBreakerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	kind, err := types.ParseBreakerKind(req.Kind)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.deps.Breaker.Reset(kind, req.Code, req.Reason); err != nil {
		s.writeError(w, http.StatusForbidden, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"kind": string(kind), "status": "reset"})
}

// handleGetStops returns attached stops and total risk
func (s *Server) handleGetStops(w http.ResponseWriter, r *http.Request) {
	stops := s.deps.Stops.ListStops()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"stops":              stops,
		"count":              len(stops),
		"total_risk_dollars": s.deps.Stops.TotalRiskDollars(),
	})
}

// handleRemoveStop detaches a symbol's stop
func (s *Server) handleRemoveStop(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	if !s.deps.Stops.Remove(symbol) {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("no stop for %s", symbol))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"symbol": symbol, "status": "removed"})
}
