// Package events provides the in-process event bus connecting the trader,
// router, and monitor to the API hub and logs.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EventType defines the category of event.
type EventType string

const (
	EventTypeOrder     EventType = "order"
	EventTypeFill      EventType = "fill"
	EventTypeExecution EventType = "execution"
	EventTypeRiskAlert EventType = "risk_alert"
	EventTypeBreaker   EventType = "breaker"
	EventTypePosition  EventType = "position"
	EventTypeSnapshot  EventType = "snapshot"
)

// Event is the base interface for all engine events.
type Event interface {
	GetType() EventType
	GetTimestamp() time.Time
	GetID() string
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *BaseEvent) GetType() EventType      { return e.Type }
func (e *BaseEvent) GetTimestamp() time.Time { return e.Timestamp }
func (e *BaseEvent) GetID() string           { return e.ID }

var eventCounter atomic.Int64

func generateEventID() string {
	id := eventCounter.Add(1)
	return "evt_" + time.Now().Format("20060102150405") + "_" + itoa(id)
}

func itoa(i int64) string {
	if i == 0 {
		return "0"
	}

	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}

	return string(buf[pos:])
}

func newBase(t EventType) BaseEvent {
	return BaseEvent{ID: generateEventID(), Type: t, Timestamp: time.Now()}
}

// OrderEvent announces an accepted or rejected parent order.
type OrderEvent struct {
	BaseEvent
	OrderID  string          `json:"order_id"`
	Symbol   string          `json:"symbol"`
	Side     string          `json:"side"`
	Quantity int64           `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Status   string          `json:"status"`
}

// NewOrderEvent creates a new order event.
func NewOrderEvent(orderID, symbol, side string, qty int64, price decimal.Decimal, status string) *OrderEvent {
	return &OrderEvent{
		BaseEvent: newBase(EventTypeOrder),
		OrderID:   orderID,
		Symbol:    symbol,
		Side:      side,
		Quantity:  qty,
		Price:     price,
		Status:    status,
	}
}

// FillEvent announces a child fill applied to the ledger.
type FillEvent struct {
	BaseEvent
	OrderID    string          `json:"order_id"`
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Quantity   int64           `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	PnL        decimal.Decimal `json:"pnl"`
}

// NewFillEvent creates a new fill event.
func NewFillEvent(orderID, symbol, side string, qty int64, price, commission, pnl decimal.Decimal) *FillEvent {
	return &FillEvent{
		BaseEvent:  newBase(EventTypeFill),
		OrderID:    orderID,
		Symbol:     symbol,
		Side:       side,
		Quantity:   qty,
		Price:      price,
		Commission: commission,
		PnL:        pnl,
	}
}

// ExecutionEvent announces an execution plan status change.
type ExecutionEvent struct {
	BaseEvent
	ExecutionID string          `json:"execution_id"`
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"`
	Strategy    string          `json:"strategy"`
	Status      string          `json:"status"`
	ExecutedQty int64           `json:"executed_qty"`
	TotalQty    int64           `json:"total_qty"`
	AvgPrice    decimal.Decimal `json:"avg_price"`
}

// NewExecutionEvent creates a new execution event.
func NewExecutionEvent(execID, symbol, side, strategy, status string, executedQty, totalQty int64, avgPrice decimal.Decimal) *ExecutionEvent {
	return &ExecutionEvent{
		BaseEvent:   newBase(EventTypeExecution),
		ExecutionID: execID,
		Symbol:      symbol,
		Side:        side,
		Strategy:    strategy,
		Status:      status,
		ExecutedQty: executedQty,
		TotalQty:    totalQty,
		AvgPrice:    avgPrice,
	}
}

// RiskAlertEvent carries a monitor or risk-gate alert.
type RiskAlertEvent struct {
	BaseEvent
	AlertID   string `json:"alert_id"`
	AlertKind string `json:"alert_kind"`
	Severity  string `json:"severity"`
	Symbol    string `json:"symbol,omitempty"`
	Message   string `json:"message"`
}

// NewRiskAlertEvent creates a new risk alert event.
func NewRiskAlertEvent(alertID, alertKind, severity, symbol, message string) *RiskAlertEvent {
	return &RiskAlertEvent{
		BaseEvent: newBase(EventTypeRiskAlert),
		AlertID:   alertID,
		AlertKind: alertKind,
		Severity:  severity,
		Symbol:    symbol,
		Message:   message,
	}
}

// BreakerEvent announces a circuit breaker trip or reset.
type BreakerEvent struct {
	BaseEvent
	Kind   string `json:"kind"`
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

// NewBreakerEvent creates a new breaker event.
func NewBreakerEvent(kind, state, reason string) *BreakerEvent {
	return &BreakerEvent{
		BaseEvent: newBase(EventTypeBreaker),
		Kind:      kind,
		State:     state,
		Reason:    reason,
	}
}

// PositionEvent announces a position change.
type PositionEvent struct {
	BaseEvent
	Symbol      string          `json:"symbol"`
	Quantity    int64           `json:"quantity"`
	AvgCost     decimal.Decimal `json:"avg_cost"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// NewPositionEvent creates a new position event.
func NewPositionEvent(symbol string, qty int64, avgCost, realizedPnL decimal.Decimal) *PositionEvent {
	return &PositionEvent{
		BaseEvent:   newBase(EventTypePosition),
		Symbol:      symbol,
		Quantity:    qty,
		AvgCost:     avgCost,
		RealizedPnL: realizedPnL,
	}
}

// SnapshotEvent announces a new portfolio-value snapshot.
type SnapshotEvent struct {
	BaseEvent
	PortfolioValue decimal.Decimal `json:"portfolio_value"`
	Cash           decimal.Decimal `json:"cash"`
}

// NewSnapshotEvent creates a new snapshot event.
func NewSnapshotEvent(portfolioValue, cash decimal.Decimal) *SnapshotEvent {
	return &SnapshotEvent{
		BaseEvent:      newBase(EventTypeSnapshot),
		PortfolioValue: portfolioValue,
		Cash:           cash,
	}
}

// EventHandler is a function that processes events.
type EventHandler func(event Event) error

// Subscription represents an active event subscription.
type Subscription struct {
	ID        string
	EventType EventType
	Handler   EventHandler
	active    atomic.Bool
}

// IsActive returns whether the subscription is active.
func (s *Subscription) IsActive() bool {
	return s.active.Load()
}

// Stats tracks bus counters.
type Stats struct {
	EventsPublished   int64 `json:"events_published"`
	EventsProcessed   int64 `json:"events_processed"`
	EventsDropped     int64 `json:"events_dropped"`
	ProcessingErrors  int64 `json:"processing_errors"`
	ActiveSubscribers int64 `json:"active_subscribers"`
}

// Config configures the event bus.
type Config struct {
	NumWorkers int `json:"numWorkers"`
	BufferSize int `json:"bufferSize"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		NumWorkers: 4,
		BufferSize: 4096,
	}
}

// Bus is the central event routing system. Publish is non-blocking: when
// the buffer is full the event is dropped and counted rather than stalling
// the placement path.
type Bus struct {
	mu             sync.RWMutex
	subscribers    map[EventType][]*Subscription
	allSubscribers []*Subscription

	eventChan   chan Event
	workerCount int

	eventsPublished   atomic.Int64
	eventsProcessed   atomic.Int64
	eventsDropped     atomic.Int64
	processingErrors  atomic.Int64
	activeSubscribers atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewBus creates an event bus and starts its worker pool.
func NewBus(logger *zap.Logger, config Config) *Bus {
	if config.NumWorkers <= 0 {
		config.NumWorkers = 4
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 4096
	}

	ctx, cancel := context.WithCancel(context.Background())

	bus := &Bus{
		subscribers:    make(map[EventType][]*Subscription),
		allSubscribers: make([]*Subscription, 0),
		eventChan:      make(chan Event, config.BufferSize),
		workerCount:    config.NumWorkers,
		ctx:            ctx,
		cancel:         cancel,
		logger:         logger.Named("events"),
	}

	for i := 0; i < config.NumWorkers; i++ {
		bus.wg.Add(1)
		go bus.worker()
	}

	return bus
}

func (b *Bus) worker() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case event := <-b.eventChan:
			b.processEvent(event)
		}
	}
}

func (b *Bus) processEvent(event Event) {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subscribers[event.GetType()])+len(b.allSubscribers))
	subs = append(subs, b.subscribers[event.GetType()]...)
	subs = append(subs, b.allSubscribers...)
	b.mu.RUnlock()

	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		b.executeHandler(sub, event)
	}

	b.eventsProcessed.Add(1)
}

// executeHandler runs a handler with panic recovery so one bad subscriber
// cannot take down the dispatch workers.
func (b *Bus) executeHandler(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.processingErrors.Add(1)
			b.logger.Error("Event handler panic",
				zap.String("subscription_id", sub.ID),
				zap.String("event_type", string(event.GetType())),
				zap.Any("panic", r),
			)
		}
	}()

	if err := sub.Handler(event); err != nil {
		b.processingErrors.Add(1)
		b.logger.Warn("Event handler error",
			zap.String("subscription_id", sub.ID),
			zap.String("event_type", string(event.GetType())),
			zap.Error(err),
		)
	}
}

var subscriptionCounter atomic.Int64

func generateSubscriptionID() string {
	id := subscriptionCounter.Add(1)
	return "sub_" + itoa(id)
}

// Subscribe registers a handler for an event type.
func (b *Bus) Subscribe(eventType EventType, handler EventHandler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		ID:        generateSubscriptionID(),
		EventType: eventType,
		Handler:   handler,
	}
	sub.active.Store(true)

	b.subscribers[eventType] = append(b.subscribers[eventType], sub)
	b.activeSubscribers.Add(1)

	return sub
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler EventHandler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		ID:        generateSubscriptionID(),
		EventType: "*",
		Handler:   handler,
	}
	sub.active.Store(true)

	b.allSubscribers = append(b.allSubscribers, sub)
	b.activeSubscribers.Add(1)

	return sub
}

// Unsubscribe deactivates a subscription.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub.active.CompareAndSwap(true, false) {
		b.activeSubscribers.Add(-1)
	}
}

// Publish sends an event to all subscribers without blocking. A full
// buffer drops the event and counts it.
func (b *Bus) Publish(event Event) {
	select {
	case b.eventChan <- event:
		b.eventsPublished.Add(1)
	default:
		b.eventsDropped.Add(1)
		b.logger.Warn("Event dropped - buffer full",
			zap.String("event_type", string(event.GetType())),
		)
	}
}

// PublishSync processes an event inline, for callers that need ordering.
func (b *Bus) PublishSync(event Event) {
	b.eventsPublished.Add(1)
	b.processEvent(event)
}

// GetStats returns current counters.
func (b *Bus) GetStats() Stats {
	return Stats{
		EventsPublished:   b.eventsPublished.Load(),
		EventsProcessed:   b.eventsProcessed.Load(),
		EventsDropped:     b.eventsDropped.Load(),
		ProcessingErrors:  b.processingErrors.Load(),
		ActiveSubscribers: b.activeSubscribers.Load(),
	}
}

// Close shuts down the bus, draining workers with a timeout.
func (b *Bus) Close() {
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("Event bus stopped",
			zap.Int64("events_processed", b.eventsProcessed.Load()),
			zap.Int64("events_dropped", b.eventsDropped.Load()),
		)
	case <-time.After(5 * time.Second):
		b.logger.Warn("Event bus shutdown timed out")
	}
}
