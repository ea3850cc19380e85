// internal/handler/event_bus.go
package handler

import (
	"context"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"lab-device-service/internal/model"
)

const (
	defaultBusBuffer        = 1000
	defaultSubscriberBuffer = 100
)

// EventBus manages event distribution. A single goroutine distributes
// events, so every subscriber sees them in publish order.
type EventBus struct {
	subscribers map[model.EventType][]chan *model.DeviceEvent
	events      chan *model.DeviceEvent
	mutex       sync.RWMutex
	logger      *zap.Logger

	closed  atomic.Bool
	stop    chan struct{}
	dropped atomic.Int64
}

// NewEventBus creates a new event bus
func NewEventBus(bufferSize int, logger *zap.Logger) *EventBus {
	if bufferSize <= 0 {
		bufferSize = defaultBusBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventBus{
		subscribers: make(map[model.EventType][]chan *model.DeviceEvent),
		events:      make(chan *model.DeviceEvent, bufferSize),
		logger:      logger.With(zap.String("component", "event-bus")),
		stop:        make(chan struct{}),
	}
}

// Start distributes events until ctx is cancelled or Close is called.
func (eb *EventBus) Start(ctx context.Context) {
	for {
		select {
		case event := <-eb.events:
			eb.distributeEvent(event)
		case <-ctx.Done():
			return
		case <-eb.stop:
			return
		}
	}
}

// Publish queues an event for distribution. It never blocks; when the bus
// is full the event is dropped and counted.
func (eb *EventBus) Publish(event *model.DeviceEvent) {
	if event == nil || eb.closed.Load() {
		return
	}
	select {
	case eb.events <- event:
	default:
		eb.dropped.Inc()
		eb.logger.Warn("Event bus full, dropping event",
			zap.String("event_type", string(event.EventType)),
			zap.String("port", event.PortPath),
		)
	}
}

// Subscribe returns a channel receiving events of one type, or of every
// type for model.EventAllTypes.
func (eb *EventBus) Subscribe(eventType model.EventType, buffer int) <-chan *model.DeviceEvent {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	subscriber := make(chan *model.DeviceEvent, buffer)
	if eb.closed.Load() {
		close(subscriber)
		return subscriber
	}
	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
	return subscriber
}

// Unsubscribe removes and closes a subscription channel.
func (eb *EventBus) Unsubscribe(ch <-chan *model.DeviceEvent) {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	for eventType, subs := range eb.subscribers {
		for i, sub := range subs {
			if (<-chan *model.DeviceEvent)(sub) != ch {
				continue
			}
			eb.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
			close(sub)
			return
		}
	}
}

// Close stops distribution and closes every subscriber channel. Events
// still buffered are discarded.
func (eb *EventBus) Close() {
	if !eb.closed.CompareAndSwap(false, true) {
		return
	}
	close(eb.stop)

	eb.mutex.Lock()
	defer eb.mutex.Unlock()
	for eventType, subs := range eb.subscribers {
		for _, sub := range subs {
			close(sub)
		}
		delete(eb.subscribers, eventType)
	}
}

// Dropped reports events lost to a full bus or a slow subscriber.
func (eb *EventBus) Dropped() int64 {
	return eb.dropped.Load()
}

// distributeEvent distributes an event to subscribers
func (eb *EventBus) distributeEvent(event *model.DeviceEvent) {
	eb.mutex.RLock()
	defer eb.mutex.RUnlock()

	for _, key := range []model.EventType{event.EventType, model.EventAllTypes} {
		for _, subscriber := range eb.subscribers[key] {
			select {
			case subscriber <- event:
			default:
				// Subscriber is slow, skip
				eb.dropped.Inc()
			}
		}
	}
}
