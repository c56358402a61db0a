// Package notify fans lifecycle events out to an external broker. Delivery is
// fire-and-forget: a slow or failing broker never blocks billing.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ispcore/internal/metrics"
)

// EventType names a client-facing event.
type EventType string

const (
	EventPaymentReceived     EventType = "payment_received"
	EventServiceRenewed      EventType = "service_renewed"
	EventServiceSuspended    EventType = "service_suspended"
	EventServiceDisconnected EventType = "service_disconnected"
)

// Event is the payload handed to a Sink.
type Event struct {
	ID         uuid.UUID      `json:"id"`
	TenantID   uuid.UUID      `json:"tenant_id"`
	ClientID   uuid.UUID      `json:"client_id"`
	Type       EventType      `json:"event_type"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Sink publishes a single event.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// Notifier accepts events without blocking.
type Notifier interface {
	Notify(ev Event)
}

// Nop drops every event.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(Event) {}

// Bus buffers events and publishes them from a single worker.
type Bus struct {
	sink    Sink
	logger  *zap.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	events chan Event
	done   chan struct{}
}

var _ Notifier = (*Bus)(nil)

// NewBus starts a bus with room for size pending events.
func NewBus(sink Sink, size int, logger *zap.Logger) *Bus {
	if size <= 0 {
		size = 1024
	}
	b := &Bus{
		sink:    sink,
		logger:  logger,
		timeout: 5 * time.Second,
		events:  make(chan Event, size),
		done:    make(chan struct{}),
	}
	go b.run()
	return b
}

// Notify enqueues ev. A full buffer drops the event.
func (b *Bus) Notify(ev Event) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	select {
	case b.events <- ev:
	default:
		metrics.RecordNotification(string(ev.Type), "dropped")
		b.logger.Warn("notification buffer full, dropping event",
			zap.String("event_type", string(ev.Type)),
			zap.String("client_id", ev.ClientID.String()),
		)
	}
}

func (b *Bus) run() {
	defer close(b.done)
	for ev := range b.events {
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		err := b.sink.Publish(ctx, ev)
		cancel()
		if err != nil {
			metrics.RecordNotification(string(ev.Type), "error")
			b.logger.Warn("failed to publish event",
				zap.String("event_type", string(ev.Type)),
				zap.String("client_id", ev.ClientID.String()),
				zap.Error(err),
			)
			continue
		}
		metrics.RecordNotification(string(ev.Type), "published")
	}
}

// Close stops accepting events and waits for the buffer to drain.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.events)
	}
	b.mu.Unlock()

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogSink writes events to the log. It is used when no broker is configured.
type LogSink struct {
	Logger *zap.Logger
}

// Publish implements Sink.
func (s LogSink) Publish(_ context.Context, ev Event) error {
	s.Logger.Info("event",
		zap.String("event_type", string(ev.Type)),
		zap.String("tenant_id", ev.TenantID.String()),
		zap.String("client_id", ev.ClientID.String()),
		zap.Any("data", ev.Data),
	)
	return nil
}
