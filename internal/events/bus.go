package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// subscriberQueueSize bounds the events buffered for one slow subscriber.
const subscriberQueueSize = 1024

// HandlerFunc handles one event. A returned error is logged by the bus.
type HandlerFunc func(ctx context.Context, event Event) error

// EventBus is a publish-subscribe hub. The connection server publishes
// lifecycle events on it; persistence, telemetry and monitoring subscribe
// without the server knowing about them.
//
// Every subscription owns a queue and a goroutine, so a subscriber sees the
// events of one type in the order they were emitted, and a slow subscriber
// never delays the publisher or other subscribers. When a queue is full the
// event is dropped for that subscriber only.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[EventType][]*subscription
	stopped bool
	wg      sync.WaitGroup
}

type subscription struct {
	name    string
	handler HandlerFunc
	queue   chan queued
}

type queued struct {
	ctx   context.Context
	event Event
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[EventType][]*subscription)}
}

// Subscribe starts delivering events of eventType to handler. name shows up
// in logs and identifies the subscription for Unsubscribe. Subscribing to a
// stopped bus does nothing.
func (eb *EventBus) Subscribe(eventType EventType, name string, handler HandlerFunc) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.stopped {
		return
	}

	sub := &subscription{
		name:    name,
		handler: handler,
		queue:   make(chan queued, subscriberQueueSize),
	}
	eb.subs[eventType] = append(eb.subs[eventType], sub)

	eb.wg.Add(1)
	go eb.deliver(eventType, sub)

	log.Debug().Str("event", string(eventType)).Str("handler", name).Msg("subscribed")
}

// Unsubscribe removes every subscription called name from eventType. Events
// already queued for it are still handled.
func (eb *EventBus) Unsubscribe(eventType EventType, name string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	kept := eb.subs[eventType][:0]
	for _, sub := range eb.subs[eventType] {
		if sub.name == name {
			close(sub.queue)
			continue
		}
		kept = append(kept, sub)
	}
	eb.subs[eventType] = kept
}

// Emit queues event for every subscriber of its type and returns without
// waiting. A zero timestamp is set to now. A nil or stopped bus drops it.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	if eb == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.stopped {
		return
	}

	for _, sub := range eb.subs[event.Type] {
		select {
		case sub.queue <- queued{ctx: ctx, event: event}:
		default:
			log.Warn().
				Str("event", string(event.Type)).
				Str("handler", sub.name).
				Msg("subscriber queue full, event dropped")
		}
	}
}

// EmitSync runs every handler of the event's type on the calling goroutine,
// in subscription order, and returns the first error. It bypasses the
// queues, so it is not ordered with respect to earlier Emit calls.
func (eb *EventBus) EmitSync(ctx context.Context, event Event) error {
	if eb == nil {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.RLock()
	if eb.stopped {
		eb.mu.RUnlock()
		return nil
	}
	subs := append([]*subscription(nil), eb.subs[event.Type]...)
	eb.mu.RUnlock()

	var firstErr error
	for _, sub := range subs {
		if err := sub.call(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (eb *EventBus) deliver(eventType EventType, sub *subscription) {
	defer eb.wg.Done()
	for q := range sub.queue {
		sub.call(q.ctx, q.event)
	}
	log.Trace().Str("event", string(eventType)).Str("handler", sub.name).Msg("subscription closed")
}

// call runs the handler, logging errors and recovering panics.
func (sub *subscription) call(ctx context.Context, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", string(event.Type)).
				Str("handler", sub.name).
				Interface("panic", r).
				Msg("event handler panicked")
		}
	}()

	if err = sub.handler(ctx, event); err != nil {
		log.Error().
			Err(err).
			Str("event", string(event.Type)).
			Str("handler", sub.name).
			Msg("event handler failed")
	}
	return err
}

// Stop drops further events, lets every subscriber drain its queue and
// waits for it. It must not be called from a handler.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if eb.stopped {
		eb.mu.Unlock()
		return
	}
	eb.stopped = true
	for _, subs := range eb.subs {
		for _, sub := range subs {
			close(sub.queue)
		}
	}
	eb.subs = make(map[EventType][]*subscription)
	eb.mu.Unlock()

	eb.wg.Wait()
	log.Info().Msg("event bus stopped")
}

// HandlerCount returns the number of subscriptions to eventType.
func (eb *EventBus) HandlerCount(eventType EventType) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subs[eventType])
}
