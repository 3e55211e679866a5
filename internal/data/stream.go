package data

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/execution-engine/pkg/types"
)

// StreamConfig configures the streaming quote feed.
type StreamConfig struct {
	URL       string `json:"url"`
	APIKey    string `json:"apiKey"`
	APISecret string `json:"apiSecret"`

	// HeartbeatTimeout is how long the feed may stay silent before the
	// heartbeat task forces a reconnect.
	HeartbeatTimeout time.Duration `json:"heartbeatTimeout"`

	// Reconnect backoff: base delay, doubling per attempt, capped, with
	// a bounded number of attempts before giving up.
	ReconnectBase time.Duration `json:"reconnectBase"`
	ReconnectCap  time.Duration `json:"reconnectCap"`
	MaxReconnects int           `json:"maxReconnects"`
}

// DefaultStreamConfig returns defaults for the IEX feed.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		URL:              "wss://stream.data.alpaca.markets/v2/iex",
		HeartbeatTimeout: 30 * time.Second,
		ReconnectBase:    time.Second,
		ReconnectCap:     60 * time.Second,
		MaxReconnects:    5,
	}
}

// QuoteListener receives streamed quotes.
type QuoteListener func(types.Quote)

// streamMessage is one element of the feed's JSON array frames.
type streamMessage struct {
	Type      string    `json:"T"`
	Symbol    string    `json:"S"`
	BidPrice  float64   `json:"bp"`
	AskPrice  float64   `json:"ap"`
	Price     float64   `json:"p"`
	Open      float64   `json:"o"`
	High      float64   `json:"h"`
	Low       float64   `json:"l"`
	Close     float64   `json:"c"`
	Volume    int64     `json:"v"`
	Timestamp time.Time `json:"t"`
	Message   string    `json:"msg"`
}

// Stream maintains a websocket connection to the quote feed, primes the
// quote cache, and fans updates out to listeners. A heartbeat task
// watches for silence and reconnects with exponential backoff.
type Stream struct {
	logger *zap.Logger
	config StreamConfig
	cache  *CachedSource

	connMu sync.RWMutex
	conn   *websocket.Conn

	subMu         sync.RWMutex
	subscriptions map[string]bool

	listenerMu sync.RWMutex
	listeners  []QuoteListener

	lastMsgMu sync.RWMutex
	lastMsg   time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewStream creates a streaming feed. cache may be nil when no quote
// cache should be primed.
func NewStream(logger *zap.Logger, config StreamConfig, cache *CachedSource) *Stream {
	if config.HeartbeatTimeout <= 0 {
		config.HeartbeatTimeout = 30 * time.Second
	}
	if config.ReconnectBase <= 0 {
		config.ReconnectBase = time.Second
	}
	if config.ReconnectCap <= 0 {
		config.ReconnectCap = 60 * time.Second
	}
	if config.MaxReconnects <= 0 {
		config.MaxReconnects = 5
	}

	return &Stream{
		logger:        logger.Named("stream"),
		config:        config,
		cache:         cache,
		subscriptions: make(map[string]bool),
	}
}

// OnQuote registers a listener for streamed quotes.
func (s *Stream) OnQuote(fn QuoteListener) {
	s.listenerMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.listenerMu.Unlock()
}

// Start connects and launches the read and heartbeat tasks.
func (s *Stream) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if err := s.connect(); err != nil {
		return fmt.Errorf("stream connect: %w", err)
	}
	s.started = true

	s.wg.Add(2)
	go s.readLoop()
	go s.heartbeatLoop()

	s.logger.Info("Market data stream started", zap.String("url", s.config.URL))
	return nil
}

// Stop closes the connection and waits for tasks to exit.
func (s *Stream) Stop() {
	if !s.started {
		return
	}

	s.cancel()

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()

	s.wg.Wait()
	s.logger.Info("Market data stream stopped")
}

// Subscribe adds symbols to the live subscription set.
func (s *Stream) Subscribe(symbols ...string) error {
	s.subMu.Lock()
	fresh := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		if !s.subscriptions[symbol] {
			s.subscriptions[symbol] = true
			fresh = append(fresh, symbol)
		}
	}
	s.subMu.Unlock()

	if len(fresh) == 0 {
		return nil
	}

	return s.sendSubscribe(fresh)
}

// Unsubscribe removes symbols from the subscription set.
func (s *Stream) Unsubscribe(symbols ...string) error {
	s.subMu.Lock()
	removed := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		if s.subscriptions[symbol] {
			delete(s.subscriptions, symbol)
			removed = append(removed, symbol)
		}
	}
	s.subMu.Unlock()

	if len(removed) == 0 {
		return nil
	}

	s.connMu.RLock()
	defer s.connMu.RUnlock()
	if s.conn == nil {
		return nil
	}

	return s.conn.WriteJSON(map[string]interface{}{
		"action": "unsubscribe",
		"quotes": removed,
	})
}

func (s *Stream) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.config.URL, nil)
	if err != nil {
		return err
	}

	auth := map[string]interface{}{
		"action": "auth",
		"key":    s.config.APIKey,
		"secret": s.config.APISecret,
	}
	if err := conn.WriteJSON(auth); err != nil {
		conn.Close()
		return fmt.Errorf("auth: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	s.touch()
	return nil
}

func (s *Stream) sendSubscribe(symbols []string) error {
	s.connMu.RLock()
	defer s.connMu.RUnlock()

	if s.conn == nil {
		return fmt.Errorf("stream not connected")
	}

	return s.conn.WriteJSON(map[string]interface{}{
		"action": "subscribe",
		"quotes": symbols,
	})
}

// resubscribe replays the full subscription set after a reconnect.
func (s *Stream) resubscribe() error {
	s.subMu.RLock()
	symbols := make([]string, 0, len(s.subscriptions))
	for symbol := range s.subscriptions {
		symbols = append(symbols, symbol)
	}
	s.subMu.RUnlock()

	if len(symbols) == 0 {
		return nil
	}
	return s.sendSubscribe(symbols)
}

func (s *Stream) touch() {
	s.lastMsgMu.Lock()
	s.lastMsg = time.Now()
	s.lastMsgMu.Unlock()
}

func (s *Stream) silence() time.Duration {
	s.lastMsgMu.RLock()
	defer s.lastMsgMu.RUnlock()
	return time.Since(s.lastMsg)
}

func (s *Stream) readLoop() {
	defer s.wg.Done()

	for {
		if s.ctx.Err() != nil {
			return
		}

		s.connMu.RLock()
		conn := s.conn
		s.connMu.RUnlock()

		if conn == nil {
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Warn("Stream read error", zap.Error(err))
			s.dropConn(conn)
			continue
		}

		s.touch()
		s.handleFrame(payload)
	}
}

// dropConn clears the connection so the heartbeat task reconnects.
func (s *Stream) dropConn(conn *websocket.Conn) {
	s.connMu.Lock()
	if s.conn == conn {
		conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()
}

// handleFrame parses one websocket frame: a JSON array of messages.
func (s *Stream) handleFrame(payload []byte) {
	var messages []streamMessage
	if err := json.Unmarshal(payload, &messages); err != nil {
		// Single-object control frames arrive outside arrays.
		var single streamMessage
		if err := json.Unmarshal(payload, &single); err != nil {
			return
		}
		messages = []streamMessage{single}
	}

	for _, msg := range messages {
		switch msg.Type {
		case "q":
			s.handleQuote(msg)
		case "t":
			s.handleTrade(msg)
		case "error":
			s.logger.Warn("Stream error message", zap.String("msg", msg.Message))
		}
	}
}

func (s *Stream) handleQuote(msg streamMessage) {
	quote := types.Quote{
		Symbol:    msg.Symbol,
		Bid:       decimal.NewFromFloat(msg.BidPrice),
		Ask:       decimal.NewFromFloat(msg.AskPrice),
		Timestamp: msg.Timestamp,
	}
	quote.Last = quote.Mid()

	if s.cache != nil {
		s.cache.Put(quote)
	}

	s.listenerMu.RLock()
	listeners := s.listeners
	s.listenerMu.RUnlock()

	for _, fn := range listeners {
		fn(quote)
	}
}

func (s *Stream) handleTrade(msg streamMessage) {
	if s.cache == nil {
		return
	}

	// A trade refreshes the last price on the cached quote.
	price := decimal.NewFromFloat(msg.Price)
	quote := types.Quote{
		Symbol:    msg.Symbol,
		Last:      price,
		Timestamp: msg.Timestamp,
	}

	if cached, err := s.cache.LatestQuote(context.Background(), msg.Symbol); err == nil && cached != nil {
		quote.Bid = cached.Bid
		quote.Ask = cached.Ask
	}

	s.cache.Put(quote)
}

// heartbeatLoop watches for feed silence and reconnects with exponential
// backoff, replaying subscriptions on success.
func (s *Stream) heartbeatLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		s.connMu.RLock()
		connected := s.conn != nil
		s.connMu.RUnlock()

		if connected && s.silence() < s.config.HeartbeatTimeout {
			continue
		}

		if connected {
			s.logger.Warn("Stream silent past heartbeat timeout",
				zap.Duration("silence", s.silence()),
			)
			s.connMu.Lock()
			if s.conn != nil {
				s.conn.Close()
				s.conn = nil
			}
			s.connMu.Unlock()
		}

		if !s.reconnect() {
			s.logger.Error("Stream reconnect attempts exhausted")
			return
		}
	}
}

// reconnect retries the connection with exponential backoff. It returns
// false when all attempts fail.
func (s *Stream) reconnect() bool {
	delay := s.config.ReconnectBase

	for attempt := 1; attempt <= s.config.MaxReconnects; attempt++ {
		select {
		case <-s.ctx.Done():
			return false
		case <-time.After(delay):
		}

		if err := s.connect(); err != nil {
			s.logger.Warn("Stream reconnect failed",
				zap.Int("attempt", attempt),
				zap.Duration("next_delay", delay),
				zap.Error(err),
			)
			delay *= 2
			if delay > s.config.ReconnectCap {
				delay = s.config.ReconnectCap
			}
			continue
		}

		if err := s.resubscribe(); err != nil {
			s.logger.Warn("Resubscribe after reconnect failed", zap.Error(err))
		}

		s.logger.Info("Stream reconnected", zap.Int("attempt", attempt))
		return true
	}

	return false
}
