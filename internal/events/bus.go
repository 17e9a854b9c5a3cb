package events

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Handler consumes one event. Handlers run on the publisher's goroutine and
// must not block.
type Handler func(*Event)

// BusMetrics tracks bus statistics.
type BusMetrics struct {
	EventsPublished   int64
	EventsDelivered   int64
	HandlerPanics     int64
	SubscribersActive int64
	SubscribersTotal  int64
}

type subscription struct {
	id      string
	handler Handler
}

// Bus is an in-process broadcaster for discussion events. Dispatch is
// synchronous and follows subscription order, so the orchestrator's event
// ordering guarantees carry through to every subscriber. Handler panics are
// recovered and logged; they never reach the publisher.
type Bus struct {
	mu      sync.RWMutex
	subs    []*subscription
	closed  bool
	logger  *logrus.Logger
	metrics BusMetrics
}

// NewBus creates an event bus. A nil logger falls back to the standard one.
func NewBus(logger *logrus.Logger) *Bus {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Bus{logger: logger}
}

// Subscribe registers a handler and returns its unsubscribe function.
// Unsubscribing twice is a no-op.
func (b *Bus) Subscribe(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || handler == nil {
		return func() {}
	}

	sub := &subscription{id: uuid.New().String(), handler: handler}
	b.subs = append(b.subs, sub)
	atomic.AddInt64(&b.metrics.SubscribersActive, 1)
	atomic.AddInt64(&b.metrics.SubscribersTotal, 1)

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(sub.id) })
	}
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			atomic.AddInt64(&b.metrics.SubscribersActive, -1)
			return
		}
	}
}

// Publish delivers the event to every subscriber in subscription order.
func (b *Bus) Publish(event *Event) {
	if event == nil {
		return
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	atomic.AddInt64(&b.metrics.EventsPublished, 1)

	for _, sub := range subs {
		b.dispatch(sub, event)
	}
}

func (b *Bus) dispatch(sub *subscription, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&b.metrics.HandlerPanics, 1)
			b.logger.WithFields(logrus.Fields{
				"subscriber": sub.id,
				"event_type": event.Type,
				"panic":      r,
			}).Error("Event handler panicked")
		}
	}()
	sub.handler(event)
	atomic.AddInt64(&b.metrics.EventsDelivered, 1)
}

// Metrics returns a snapshot of bus counters.
func (b *Bus) Metrics() BusMetrics {
	return BusMetrics{
		EventsPublished:   atomic.LoadInt64(&b.metrics.EventsPublished),
		EventsDelivered:   atomic.LoadInt64(&b.metrics.EventsDelivered),
		HandlerPanics:     atomic.LoadInt64(&b.metrics.HandlerPanics),
		SubscribersActive: atomic.LoadInt64(&b.metrics.SubscribersActive),
		SubscribersTotal:  atomic.LoadInt64(&b.metrics.SubscribersTotal),
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	return int(atomic.LoadInt64(&b.metrics.SubscribersActive))
}

// Close stops delivery. Publishing after close is a silent no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.subs = nil
}
