// Package main provides the entry point for the execution engine server.
// It wires the paper trader, the execution router with its TWAP, VWAP,
// and iceberg schedulers, the risk systems, and the HTTP/WebSocket API.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/atlas-desktop/execution-engine/internal/api"
	"github.com/atlas-desktop/execution-engine/internal/broker"
	"github.com/atlas-desktop/execution-engine/internal/config"
	"github.com/atlas-desktop/execution-engine/internal/data"
	"github.com/atlas-desktop/execution-engine/internal/events"
	"github.com/atlas-desktop/execution-engine/internal/execution"
	"github.com/atlas-desktop/execution-engine/internal/risk"
	"github.com/atlas-desktop/execution-engine/internal/sizing"
	"github.com/atlas-desktop/execution-engine/internal/store"
	"github.com/atlas-desktop/execution-engine/internal/trader"
	"github.com/atlas-desktop/execution-engine/pkg/types"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Config file path (YAML)")
	logLevel := flag.String("log-level", "", "Log level override (debug, info, warn, error)")
	resume := flag.Bool("resume", true, "Resume portfolio state from the database")
	flag.Parse()

	// .env is optional; environment overrides config file values
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	level := cfg.Logging.Level
	if *logLevel != "" {
		level = *logLevel
	}
	logger := setupLogger(level)
	defer logger.Sync()

	logger.Info("Starting execution engine",
		zap.String("provider", cfg.MarketData.Provider),
		zap.String("database", cfg.Database.Path),
		zap.Bool("riskSystems", cfg.Trader.EnableRiskSystems),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(logger, cfg.Database.Path)
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	defer db.Close()

	// Market data: sim or alpaca, rate limited, behind a quote cache.
	var sim *data.SimSource
	var source data.Source
	switch cfg.MarketData.Provider {
	case "alpaca":
		source = data.NewAlpacaSource(logger, data.AlpacaConfig{
			APIKey:    cfg.Alpaca.Key,
			APISecret: cfg.Alpaca.Secret,
		})
	default:
		sim = data.NewSimSource(time.Now().UnixNano())
		source = sim
	}

	limiter := data.NewRateLimiter(logger, data.RateLimiterConfig{
		MaxRequests: cfg.RateLimit.Requests,
		Window:      time.Duration(cfg.RateLimit.WindowSeconds) * time.Second,
	})
	cache := data.NewCachedSource(logger, data.NewLimitedSource(source, limiter), data.CacheConfig{
		QuoteTTL: cfg.MarketData.QuoteCacheTTL,
	})

	var stream *data.Stream
	if cfg.MarketData.StreamURL != "" {
		stream = data.NewStream(logger, data.StreamConfig{
			URL:       cfg.MarketData.StreamURL,
			APIKey:    cfg.Alpaca.Key,
			APISecret: cfg.Alpaca.Secret,
		}, cache)
	}

	// Simulated broker priced from the cached source.
	adapter := broker.NewSim(logger, broker.SimConfig{
		JitterBps: cfg.Broker.FillJitterBps,
	}, func(ctx context.Context, symbol string) (decimal.Decimal, error) {
		return data.LastPrice(ctx, cache, symbol)
	})

	bus := events.NewBus(logger, events.DefaultConfig())
	defer bus.Close()

	// Execution stack.
	slippage := execution.NewSlippageModel(logger, execution.DefaultSlippageConfig())
	monitor := execution.NewMonitor(logger, execution.MonitorConfig{
		SlippageThresholdBps:   cfg.Monitor.SlippageThresholdBps,
		VWAPDeviationThreshold: cfg.Monitor.VWAPDeviationThreshold,
		FailedOrderThreshold:   cfg.Monitor.FailedOrderThreshold,
		SlowExecutionThreshold: time.Duration(cfg.Monitor.SlowExecutionThresholdMinutes * float64(time.Minute)),
	})
	monitor.SetAlertSink(func(alert types.Alert) {
		bus.Publish(events.NewRiskAlertEvent(alert.ID, alert.Kind, string(alert.Severity), "", alert.Message))
	})

	registry := execution.NewRegistry()
	twap := execution.NewTWAPScheduler(logger, execution.TWAPConfig{
		DefaultWindow: time.Duration(cfg.TWAP.DefaultTimeWindowMinutes) * time.Minute,
		DefaultSlices: cfg.TWAP.DefaultNumSlices,
		Randomize:     cfg.TWAP.TimingRandomization,
		JitterSeconds: cfg.TWAP.JitterSeconds,
	}, adapter, registry)
	vwap := execution.NewVWAPScheduler(logger, execution.VWAPConfig{
		DeviationThreshold: cfg.VWAP.DeviationThreshold,
		Profile:            cfg.VWAP.VolumeProfile,
	}, adapter, registry)
	iceberg := execution.NewIcebergExecutor(logger, execution.DefaultIcebergConfig(), adapter, registry)

	router := execution.NewRouter(logger, execution.RouterConfig{
		SmallOrderThreshold: decimal.NewFromFloat(cfg.Router.SmallOrderThreshold),
		LargeOrderThreshold: decimal.NewFromFloat(cfg.Router.LargeOrderThreshold),
	}, adapter, cache, slippage, monitor, registry, twap, vwap, iceberg)
	defer router.Close()

	// Risk systems.
	initialCash := decimal.NewFromFloat(cfg.Trader.InitialCash)
	sizer := sizing.NewKellySizer(logger, sizing.KellyConfig{
		MaxPositionPct:   cfg.Kelly.MaxPositionPct,
		MaxTotalExposure: cfg.Kelly.MaxTotalExposure,
		MinPositionSize:  decimal.NewFromFloat(cfg.Kelly.MinPositionSize),
		MaxPositionSize:  decimal.NewFromFloat(cfg.Kelly.MaxPositionSize),
		DefaultFraction:  cfg.Kelly.DefaultFraction,
	}, initialCash)
	stops := risk.NewStopManager(logger, risk.StopConfig{
		DefaultStopPct: cfg.Stops.DefaultStopPct,
		ATRMultiplier:  cfg.Stops.DefaultATRMultiple,
	})
	breaker := risk.NewCircuitBreaker(logger, risk.BreakerConfig{
		DailyLossLimit:       cfg.Breaker.DailyLossLimit,
		MaxDrawdownLimit:     cfg.Breaker.MaxDrawdownLimit,
		ConsecutiveLossLimit: cfg.Breaker.ConsecutiveLossLimit,
		VIXThreshold:         cfg.Breaker.VolatilityThreshold,
		RapidDrawdownLimit:   cfg.Breaker.RapidDrawdownLimit,
		RapidWindow:          time.Duration(cfg.Breaker.RapidDrawdownWindowMinutes) * time.Minute,
		VolatilityResetAfter: time.Duration(cfg.Breaker.AutoResetHours * float64(time.Hour)),
	})

	paperTrader, err := trader.New(logger, trader.Config{
		InitialCash:          initialCash,
		CommissionPerTrade:   decimal.NewFromFloat(cfg.Trader.CommissionPerTrade),
		CommissionPerShare:   decimal.NewFromFloat(cfg.Trader.CommissionPerShare),
		SlippageBase:         cfg.Trader.SlippageBase,
		SlippageSizeFactor:   cfg.Trader.SlippageSizeFactor,
		MinSlippage:          cfg.Trader.MinSlippage,
		VolatilityMultiplier: cfg.Trader.SlippageVolatilityMultiplier,
		EnforceMarketHours:   cfg.Trader.EnforceMarketHours,
		EnableRiskSystems:    cfg.Trader.EnableRiskSystems,
		ExchangeTimezone:     cfg.Trader.ExchangeTimezone,
		CancelPlansOnTrip:    cfg.Execution.CancelPlansOnTrip,
	}, trader.Deps{
		Source:  cache,
		Sizer:   sizer,
		Stops:   stops,
		Breaker: breaker,
		Router:  router,
		Store:   db,
		Bus:     bus,
	})
	if err != nil {
		logger.Fatal("Failed to initialize trader", zap.Error(err))
	}

	if *resume {
		if err := paperTrader.Resume(); err != nil {
			logger.Fatal("Failed to resume portfolio", zap.Error(err))
		}
	}

	// Server configuration
	serverConfig := types.DefaultServerConfig()
	serverConfig.Host = cfg.API.Host
	serverConfig.Port = cfg.API.Port

	server := api.NewServer(logger, serverConfig, api.Deps{
		Trader:   paperTrader,
		Router:   router,
		Monitor:  monitor,
		Slippage: slippage,
		Breaker:  breaker,
		Stops:    stops,
		Bus:      bus,
	})

	group, groupCtx := errgroup.WithContext(ctx)

	if cfg.API.Enabled {
		group.Go(func() error {
			if err := server.Start(); err != nil && groupCtx.Err() == nil {
				return fmt.Errorf("api server: %w", err)
			}
			return nil
		})
	}

	if stream != nil {
		stream.OnQuote(func(quote types.Quote) {
			paperTrader.MarkPrice(quote.Symbol, quote.Mid())
		})
		group.Go(func() error {
			if err := stream.Start(groupCtx); err != nil {
				logger.Error("Market data stream stopped", zap.Error(err))
			}
			return nil
		})
	}

	if cfg.Demo.Enabled && sim != nil {
		group.Go(func() error {
			runDemo(groupCtx, logger, cfg, sim, paperTrader)
			return nil
		})
	}

	logger.Info("Server started successfully",
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", serverConfig.Host, serverConfig.Port)),
		zap.String("ws", fmt.Sprintf("ws://%s:%d%s", serverConfig.Host, serverConfig.Port, serverConfig.WebSocketPath)),
	)

	// Wait for shutdown signal
	<-ctx.Done()
	logger.Info("Shutdown signal received")

	if stream != nil {
		stream.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}

	if err := group.Wait(); err != nil {
		logger.Error("Service error", zap.Error(err))
	}

	logger.Info("Server stopped")
}

// runDemo drives a small random-walk trading loop against the sim
// source so a fresh checkout exercises the full pipeline.
func runDemo(ctx context.Context, logger *zap.Logger, cfg *config.Config, sim *data.SimSource, paperTrader *trader.PaperTrader) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	symbols := cfg.Demo.Symbols
	if len(symbols) == 0 {
		symbols = []string{"AAPL", "MSFT"}
	}
	for _, symbol := range symbols {
		sim.SetPrice(symbol, decimal.NewFromInt(100+rng.Int63n(200)))
		sim.SetVolume(symbol, 5_000_000)
	}

	interval := time.Duration(cfg.Demo.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("Demo loop running", zap.Strings("symbols", symbols), zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			symbol := symbols[rng.Intn(len(symbols))]
			sim.Tick(symbol, 0.01)

			side := types.SideBuy
			if view := paperTrader.GetPortfolio(); len(view.Positions) > 0 && rng.Intn(2) == 0 {
				pos := view.Positions[rng.Intn(len(view.Positions))]
				symbol = pos.Symbol
				side = types.SideSell
			}

			qty := int64(10 + rng.Intn(90))
			if side == types.SideSell {
				view := paperTrader.GetPortfolio()
				for _, pos := range view.Positions {
					if pos.Symbol == symbol && pos.Quantity < qty {
						qty = pos.Quantity
					}
				}
			}

			if _, err := paperTrader.PlaceMarketOrder(ctx, symbol, qty, side, &trader.OrderOptions{AutoStop: side == types.SideBuy}); err != nil {
				logger.Debug("Demo order rejected", zap.String("symbol", symbol), zap.Error(err))
			}
		}
	}
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}
