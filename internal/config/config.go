// Package config loads engine configuration from a YAML file with
// ENGINE_* environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure; every field has a default so the engine runs from an empty
// file.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	API        APIConfig        `mapstructure:"api"`
	MarketData MarketDataConfig `mapstructure:"market_data"`
	Alpaca     AlpacaConfig     `mapstructure:"alpaca"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Trader     TraderConfig     `mapstructure:"trader"`
	Kelly      KellyConfig      `mapstructure:"kelly"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	Stops      StopsConfig      `mapstructure:"stops"`
	Router     RouterConfig     `mapstructure:"router"`
	TWAP       TWAPConfig       `mapstructure:"twap"`
	VWAP       VWAPConfig       `mapstructure:"vwap"`
	Execution  ExecutionConfig  `mapstructure:"execution"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Demo       DemoConfig       `mapstructure:"demo"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// DatabaseConfig sets where the SQLite store lives.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// APIConfig controls the operational HTTP/WebSocket server.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// MarketDataConfig selects the quote/bar provider.
// Provider is "sim" or "alpaca"; StreamURL enables the websocket stream.
type MarketDataConfig struct {
	Provider      string        `mapstructure:"provider"`
	StreamURL     string        `mapstructure:"stream_url"`
	QuoteCacheTTL time.Duration `mapstructure:"quote_cache_ttl"`
}

// AlpacaConfig holds market-data credentials. Data only; order routing
// stays simulated.
type AlpacaConfig struct {
	Key     string `mapstructure:"key"`
	Secret  string `mapstructure:"secret"`
	BaseURL string `mapstructure:"base_url"`
}

// BrokerConfig tunes the simulated broker.
type BrokerConfig struct {
	FillJitterBps float64 `mapstructure:"fill_jitter_bps"`
}

// RateLimitConfig bounds outbound market-data calls with a sliding window.
type RateLimitConfig struct {
	Requests      int `mapstructure:"requests"`
	WindowSeconds int `mapstructure:"window_seconds"`
}

// TraderConfig configures the paper trader.
type TraderConfig struct {
	InitialCash                  float64 `mapstructure:"initial_cash"`
	CommissionPerTrade           float64 `mapstructure:"commission_per_trade"`
	CommissionPerShare           float64 `mapstructure:"commission_per_share"`
	SlippageBase                 float64 `mapstructure:"slippage_base"`
	SlippageSizeFactor           float64 `mapstructure:"slippage_size_factor"`
	MinSlippage                  float64 `mapstructure:"min_slippage"`
	SlippageVolatilityMultiplier float64 `mapstructure:"slippage_volatility_multiplier"`
	EnforceMarketHours           bool    `mapstructure:"enforce_market_hours"`
	EnableRiskSystems            bool    `mapstructure:"enable_risk_systems"`
	ExchangeTimezone             string  `mapstructure:"exchange_timezone"`
}

// KellyConfig caps position sizing.
type KellyConfig struct {
	MaxPositionPct   float64 `mapstructure:"max_position_pct"`
	MaxTotalExposure float64 `mapstructure:"max_total_exposure"`
	MinPositionSize  float64 `mapstructure:"min_position_size"`
	MaxPositionSize  float64 `mapstructure:"max_position_size"`
	DefaultFraction  float64 `mapstructure:"default_fraction"`
}

// BreakerConfig sets circuit breaker thresholds.
type BreakerConfig struct {
	DailyLossLimit             float64 `mapstructure:"daily_loss_limit"`
	MaxDrawdownLimit           float64 `mapstructure:"max_drawdown_limit"`
	ConsecutiveLossLimit       int     `mapstructure:"consecutive_loss_limit"`
	VolatilityThreshold        float64 `mapstructure:"volatility_threshold"`
	RapidDrawdownLimit         float64 `mapstructure:"rapid_drawdown_limit"`
	RapidDrawdownWindowMinutes int     `mapstructure:"rapid_drawdown_window_minutes"`
	AutoResetHours             float64 `mapstructure:"auto_reset_hours"`
}

// StopsConfig sets stop-loss defaults.
type StopsConfig struct {
	DefaultStopPct     float64 `mapstructure:"default_stop_pct"`
	DefaultATRMultiple float64 `mapstructure:"default_atr_multiple"`
}

// RouterConfig sets strategy-selection boundaries.
type RouterConfig struct {
	SmallOrderThreshold float64 `mapstructure:"small_order_threshold"`
	LargeOrderThreshold float64 `mapstructure:"large_order_threshold"`
}

// TWAPConfig sets default slicing.
type TWAPConfig struct {
	DefaultTimeWindowMinutes int  `mapstructure:"default_time_window"`
	DefaultNumSlices         int  `mapstructure:"default_num_slices"`
	TimingRandomization      bool `mapstructure:"timing_randomization"`
	JitterSeconds            int  `mapstructure:"jitter_seconds"`
}

// VWAPConfig sets deviation alerting and an optional custom profile.
// Profile keys are half-hour windows ("09:30-10:00"); fractions sum to 1.
type VWAPConfig struct {
	DeviationThreshold float64            `mapstructure:"deviation_threshold"`
	VolumeProfile      map[string]float64 `mapstructure:"volume_profile"`
}

// ExecutionConfig holds cross-strategy policy knobs.
type ExecutionConfig struct {
	CancelPlansOnTrip bool `mapstructure:"cancel_plans_on_trip"`
}

// MonitorConfig sets alert thresholds.
type MonitorConfig struct {
	SlippageThresholdBps          float64 `mapstructure:"slippage_threshold_bps"`
	VWAPDeviationThreshold        float64 `mapstructure:"vwap_deviation_threshold"`
	FailedOrderThreshold          int     `mapstructure:"failed_order_threshold"`
	SlowExecutionThresholdMinutes float64 `mapstructure:"slow_execution_threshold_minutes"`
}

// DemoConfig drives the optional self-trading loop so a fresh checkout
// exercises the full pipeline against the sim source.
type DemoConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	Symbols         []string `mapstructure:"symbols"`
	IntervalSeconds int      `mapstructure:"interval_seconds"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")

	v.SetDefault("database.path", "./engine.db")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.host", "localhost")
	v.SetDefault("api.port", 8080)

	v.SetDefault("market_data.provider", "sim")
	v.SetDefault("market_data.stream_url", "")
	v.SetDefault("market_data.quote_cache_ttl", 60*time.Second)

	v.SetDefault("alpaca.base_url", "https://paper-api.alpaca.markets")

	v.SetDefault("broker.fill_jitter_bps", 2.0)

	v.SetDefault("rate_limit.requests", 200)
	v.SetDefault("rate_limit.window_seconds", 60)

	v.SetDefault("trader.initial_cash", 100000.0)
	v.SetDefault("trader.commission_per_trade", 1.0)
	v.SetDefault("trader.commission_per_share", 0.005)
	v.SetDefault("trader.slippage_base", 0.0005)
	v.SetDefault("trader.slippage_size_factor", 0.0001)
	v.SetDefault("trader.min_slippage", 0.0001)
	v.SetDefault("trader.slippage_volatility_multiplier", 1.0)
	v.SetDefault("trader.enforce_market_hours", false)
	v.SetDefault("trader.enable_risk_systems", true)
	v.SetDefault("trader.exchange_timezone", "America/New_York")

	v.SetDefault("kelly.max_position_pct", 0.25)
	v.SetDefault("kelly.max_total_exposure", 1.0)
	v.SetDefault("kelly.min_position_size", 1000.0)
	v.SetDefault("kelly.max_position_size", 50000.0)
	v.SetDefault("kelly.default_fraction", 0.5)

	v.SetDefault("breaker.daily_loss_limit", 0.03)
	v.SetDefault("breaker.max_drawdown_limit", 0.10)
	v.SetDefault("breaker.consecutive_loss_limit", 5)
	v.SetDefault("breaker.volatility_threshold", 35.0)
	v.SetDefault("breaker.rapid_drawdown_limit", 0.05)
	v.SetDefault("breaker.rapid_drawdown_window_minutes", 60)
	v.SetDefault("breaker.auto_reset_hours", 4.0)

	v.SetDefault("stops.default_stop_pct", 0.05)
	v.SetDefault("stops.default_atr_multiple", 2.0)

	v.SetDefault("router.small_order_threshold", 10000.0)
	v.SetDefault("router.large_order_threshold", 100000.0)

	v.SetDefault("twap.default_time_window", 60)
	v.SetDefault("twap.default_num_slices", 10)
	v.SetDefault("twap.timing_randomization", true)
	v.SetDefault("twap.jitter_seconds", 30)

	v.SetDefault("vwap.deviation_threshold", 0.005)

	v.SetDefault("execution.cancel_plans_on_trip", false)

	v.SetDefault("monitor.slippage_threshold_bps", 20.0)
	v.SetDefault("monitor.vwap_deviation_threshold", 0.01)
	v.SetDefault("monitor.failed_order_threshold", 3)
	v.SetDefault("monitor.slow_execution_threshold_minutes", 120.0)

	v.SetDefault("demo.enabled", false)
	v.SetDefault("demo.symbols", []string{"AAPL", "MSFT"})
	v.SetDefault("demo.interval_seconds", 30)
}

// Load reads config from a YAML file with env var overrides. An empty path
// loads pure defaults plus ENGINE_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks value ranges that the engine depends on.
func (c *Config) Validate() error {
	if c.Trader.InitialCash <= 0 {
		return fmt.Errorf("trader.initial_cash must be > 0")
	}
	if c.Trader.MinSlippage < 0 {
		return fmt.Errorf("trader.min_slippage must be >= 0")
	}
	if c.Kelly.MaxPositionPct <= 0 || c.Kelly.MaxPositionPct > 1 {
		return fmt.Errorf("kelly.max_position_pct must be in (0, 1]")
	}
	if c.Kelly.MaxTotalExposure <= 0 {
		return fmt.Errorf("kelly.max_total_exposure must be > 0")
	}
	if c.Kelly.MinPositionSize > c.Kelly.MaxPositionSize {
		return fmt.Errorf("kelly.min_position_size exceeds kelly.max_position_size")
	}
	if c.Breaker.DailyLossLimit <= 0 || c.Breaker.DailyLossLimit >= 1 {
		return fmt.Errorf("breaker.daily_loss_limit must be in (0, 1)")
	}
	if c.Breaker.MaxDrawdownLimit <= 0 || c.Breaker.MaxDrawdownLimit >= 1 {
		return fmt.Errorf("breaker.max_drawdown_limit must be in (0, 1)")
	}
	if c.Breaker.ConsecutiveLossLimit < 1 {
		return fmt.Errorf("breaker.consecutive_loss_limit must be >= 1")
	}
	if c.Router.SmallOrderThreshold >= c.Router.LargeOrderThreshold {
		return fmt.Errorf("router.small_order_threshold must be below router.large_order_threshold")
	}
	if c.TWAP.DefaultNumSlices < 1 {
		return fmt.Errorf("twap.default_num_slices must be >= 1")
	}
	if c.VWAP.DeviationThreshold <= 0 {
		return fmt.Errorf("vwap.deviation_threshold must be > 0")
	}
	if len(c.VWAP.VolumeProfile) > 0 {
		sum := 0.0
		for window, frac := range c.VWAP.VolumeProfile {
			if frac < 0 {
				return fmt.Errorf("vwap.volume_profile[%s] is negative", window)
			}
			sum += frac
		}
		if sum < 0.999 || sum > 1.001 {
			return fmt.Errorf("vwap.volume_profile fractions sum to %.4f, want 1.0", sum)
		}
	}
	if c.MarketData.Provider != "sim" && c.MarketData.Provider != "alpaca" {
		return fmt.Errorf("market_data.provider must be sim or alpaca, got %q", c.MarketData.Provider)
	}
	if c.MarketData.Provider == "alpaca" && (c.Alpaca.Key == "" || c.Alpaca.Secret == "") {
		return fmt.Errorf("alpaca.key and alpaca.secret are required when market_data.provider is alpaca (set ENGINE_ALPACA_KEY / ENGINE_ALPACA_SECRET)")
	}
	if c.RateLimit.Requests < 1 || c.RateLimit.WindowSeconds < 1 {
		return fmt.Errorf("rate_limit.requests and rate_limit.window_seconds must be >= 1")
	}
	return nil
}
