// Package events provides the in-process publish/subscribe bus used to decouple the
// trading core from logging, metrics and notification collaborators.
package events

import (
	"fmt"
	"sync"
	"time"

	"spot-grid-bot/internal/models"

	"go.uber.org/zap"
)

// Type identifies an event.
type Type string

const (
	StateChanged    Type = "STATE_CHANGED"
	SignalGenerated Type = "SIGNAL_GENERATED"
	OrderSubmitted  Type = "ORDER_SUBMITTED"
	OrderFilled     Type = "ORDER_FILLED"
	OrderFailed     Type = "ORDER_FAILED"
	RiskTriggered   Type = "RISK_TRIGGERED"
)

// Event is delivered to every handler subscribed to its type.
type Event struct {
	Type      Type
	Timestamp time.Time
	Data      interface{}
}

// Handler consumes an event. A returned error is logged and otherwise ignored.
type Handler func(Event) error

// StateChangedData is the payload of STATE_CHANGED.
type StateChangedData struct {
	From      models.RunState
	To        models.RunState
	Timestamp time.Time
	Reason    string
}

// SignalData is the payload of SIGNAL_GENERATED.
type SignalData struct {
	Signal models.Signal
	Market models.MarketData
}

// OrderData is the payload of ORDER_SUBMITTED, ORDER_FILLED and ORDER_FAILED.
type OrderData struct {
	ClientOrderID string
	OrderID       string
	LevelIndex    int
	Side          models.Side
	Price         string
	Amount        string
	Status        string
	RealizedPnL   string
	Reason        string
}

// RiskData is the payload of RISK_TRIGGERED.
type RiskData struct {
	Rule     string
	Reason   string
	Original models.Signal
	Result   models.Signal
}

// HandlerError describes a subscriber fault. It is logged, never returned to the emitter.
type HandlerError struct {
	Type  Type
	Index int
	Err   error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %d for %s failed: %v", e.Index, e.Type, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Bus dispatches events synchronously on the emitting goroutine, in subscription order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
	closed   bool
	logger   *zap.Logger
	now      func() time.Time
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		handlers: make(map[Type][]Handler),
		logger:   logger,
		now:      time.Now,
	}
}

// Subscribe registers h for events of type t.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.handlers[t] = append(b.handlers[t], h)
}

// SubscribeAll registers h for every event type fired by the core.
func (b *Bus) SubscribeAll(h Handler) {
	for _, t := range AllTypes() {
		b.Subscribe(t, h)
	}
}

// Emit invokes every handler subscribed to t before returning.
func (b *Bus) Emit(t Type, data interface{}) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[t]))
	copy(handlers, b.handlers[t])
	b.mu.RUnlock()

	ev := Event{Type: t, Timestamp: b.now().UTC(), Data: data}
	for i, h := range handlers {
		if err := b.invoke(h, ev); err != nil {
			herr := &HandlerError{Type: t, Index: i, Err: err}
			b.logger.Warn("event handler failed", zap.String("event", string(t)), zap.Error(herr))
		}
	}
}

func (b *Bus) invoke(h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ev)
}

// Close drops all subscribers. Emit after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[Type][]Handler)
}

// AllTypes lists the event types fired by the core.
func AllTypes() []Type {
	return []Type{StateChanged, SignalGenerated, OrderSubmitted, OrderFilled, OrderFailed, RiskTriggered}
}
