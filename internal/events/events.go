package events

import (
	"context"
	"sync"
	"time"

	"github.com/jogardn/stylestore/pkg/models"
	"github.com/sirupsen/logrus"
)

const LifecycleTopic = "order.lifecycle"

type EventType string

const (
	OrderCreated   EventType = "order.created"
	OrderPaid      EventType = "order.paid"
	OrderDelivered EventType = "order.delivered"
	OrderCancelled EventType = "order.cancelled"
)

// OrderEvent is emitted once per applied lifecycle transition.
type OrderEvent struct {
	Type       EventType     `json:"type"`
	OrderID    string        `json:"order_id"`
	UserID     string        `json:"user_id"`
	Status     models.Status `json:"status"`
	TotalPrice float64       `json:"total_price"`
	Version    int64         `json:"version"`
	Order      *models.Order `json:"order"`
	EventTime  time.Time     `json:"event_time"`
}

func NewOrderEvent(eventType EventType, order *models.Order) OrderEvent {
	return OrderEvent{
		Type:       eventType,
		OrderID:    order.ID,
		UserID:     order.UserID,
		Status:     order.Status,
		TotalPrice: order.TotalPrice,
		Version:    order.Version,
		Order:      order.Clone(),
		EventTime:  time.Now().UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, event OrderEvent) error
}

type Handler interface {
	HandleOrderEvent(event OrderEvent) error
}

// Local delivers events to in-process handlers. It is the publisher used
// when no broker is configured, and the sink the Kafka consumer feeds.
type Local struct {
	mutex    sync.RWMutex
	handlers []Handler
	logger   *logrus.Logger
}

func NewLocal(logger *logrus.Logger, handlers ...Handler) *Local {
	return &Local{handlers: handlers, logger: logger}
}

func (l *Local) Subscribe(handler Handler) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.handlers = append(l.handlers, handler)
}

func (l *Local) Publish(ctx context.Context, event OrderEvent) error {
	return l.HandleOrderEvent(event)
}

func (l *Local) HandleOrderEvent(event OrderEvent) error {
	l.mutex.RLock()
	handlers := append([]Handler(nil), l.handlers...)
	l.mutex.RUnlock()

	for _, handler := range handlers {
		if err := handler.HandleOrderEvent(event); err != nil {
			l.logger.WithFields(logrus.Fields{
				"order_id": event.OrderID,
				"type":     event.Type,
				"error":    err.Error(),
			}).Warn("Order event handler failed")
		}
	}
	return nil
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(ctx context.Context, event OrderEvent) error { return nil }
