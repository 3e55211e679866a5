package data

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/execution-engine/pkg/types"
)

// AlpacaConfig configures the Alpaca market data source.
type AlpacaConfig struct {
	APIKey    string `json:"apiKey"`
	APISecret string `json:"apiSecret"`

	// ADVLookbackDays is how many daily bars feed the average daily
	// volume calculation.
	ADVLookbackDays int `json:"advLookbackDays"`
}

// DefaultAlpacaConfig returns defaults; credentials come from config.
func DefaultAlpacaConfig() AlpacaConfig {
	return AlpacaConfig{
		ADVLookbackDays: 30,
	}
}

// AlpacaSource serves quotes, bars, and average daily volume from the
// Alpaca market data API.
type AlpacaSource struct {
	logger *zap.Logger
	client *marketdata.Client
	config AlpacaConfig
}

// NewAlpacaSource creates a source backed by the Alpaca data API.
func NewAlpacaSource(logger *zap.Logger, config AlpacaConfig) *AlpacaSource {
	if config.ADVLookbackDays <= 0 {
		config.ADVLookbackDays = 30
	}

	client := marketdata.NewClient(marketdata.ClientOpts{
		APIKey:    config.APIKey,
		APISecret: config.APISecret,
	})

	return &AlpacaSource{
		logger: logger.Named("alpaca"),
		client: client,
		config: config,
	}
}

// LatestQuote fetches the NBBO quote and latest trade for a symbol.
func (a *AlpacaSource) LatestQuote(ctx context.Context, symbol string) (*types.Quote, error) {
	quote, err := a.client.GetLatestQuote(symbol, marketdata.GetLatestQuoteRequest{})
	if err != nil {
		return nil, fmt.Errorf("alpaca quote %s: %w", symbol, err)
	}
	if quote == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoQuote, symbol)
	}

	out := &types.Quote{
		Symbol:    symbol,
		Bid:       decimal.NewFromFloat(quote.BidPrice),
		Ask:       decimal.NewFromFloat(quote.AskPrice),
		Timestamp: quote.Timestamp,
	}

	trade, err := a.client.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
	if err == nil && trade != nil {
		out.Last = decimal.NewFromFloat(trade.Price)
	} else {
		out.Last = out.Mid()
	}

	return out, nil
}

// timeframeFor maps a timeframe string to the Alpaca representation.
func timeframeFor(timeframe string) (marketdata.TimeFrame, error) {
	switch strings.ToLower(timeframe) {
	case "1min", "1m", "minute":
		return marketdata.OneMin, nil
	case "5min", "5m":
		return marketdata.NewTimeFrame(5, marketdata.Min), nil
	case "15min", "15m":
		return marketdata.NewTimeFrame(15, marketdata.Min), nil
	case "1hour", "1h", "hour":
		return marketdata.OneHour, nil
	case "1day", "1d", "day", "daily":
		return marketdata.OneDay, nil
	default:
		return marketdata.TimeFrame{}, fmt.Errorf("unsupported timeframe %q", timeframe)
	}
}

// Bars fetches historical bars, oldest first.
func (a *AlpacaSource) Bars(ctx context.Context, symbol, timeframe string, start, end time.Time, limit int) ([]types.Bar, error) {
	tf, err := timeframeFor(timeframe)
	if err != nil {
		return nil, err
	}

	req := marketdata.GetBarsRequest{
		TimeFrame: tf,
		Start:     start,
		End:       end,
	}
	if limit > 0 {
		req.TotalLimit = limit
	}

	bars, err := a.client.GetBars(symbol, req)
	if err != nil {
		return nil, fmt.Errorf("alpaca bars %s: %w", symbol, err)
	}

	out := make([]types.Bar, 0, len(bars))
	for _, bar := range bars {
		out = append(out, types.Bar{
			Symbol:    symbol,
			Timestamp: bar.Timestamp,
			Open:      decimal.NewFromFloat(bar.Open),
			High:      decimal.NewFromFloat(bar.High),
			Low:       decimal.NewFromFloat(bar.Low),
			Close:     decimal.NewFromFloat(bar.Close),
			Volume:    int64(bar.Volume),
		})
	}

	return out, nil
}

// AverageDailyVolume computes the mean volume over the lookback window of
// daily bars.
func (a *AlpacaSource) AverageDailyVolume(ctx context.Context, symbol string) (int64, error) {
	end := time.Now()
	start := end.AddDate(0, 0, -a.config.ADVLookbackDays*2)

	bars, err := a.Bars(ctx, symbol, "1Day", start, end, a.config.ADVLookbackDays)
	if err != nil {
		return 0, err
	}
	if len(bars) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoVolume, symbol)
	}

	var total int64
	for _, bar := range bars {
		total += bar.Volume
	}
	adv := total / int64(len(bars))

	a.logger.Debug("Computed average daily volume",
		zap.String("symbol", symbol),
		zap.Int("bars", len(bars)),
		zap.Int64("adv", adv),
	)

	return adv, nil
}
