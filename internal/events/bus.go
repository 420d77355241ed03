package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// HandlerFunc is a function that handles an event.
type HandlerFunc func(ctx context.Context, event Event) error

// EventBus implements an asynchronous publish-subscribe event system.
// Admission, the broadcast loops and the side channels (journal, MQTT,
// spectators) only meet here.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]handlerEntry
	stopCh   chan struct{}
	stopped  bool
	wg       sync.WaitGroup
}

type handlerEntry struct {
	name    string
	handler HandlerFunc
	// queue is set for ordered subscribers.
	queue *orderedQueue
}

// queuedEvent is one delivery waiting for an ordered subscriber. done is
// set by EmitSync; async deliveries are counted in the bus wait group.
type queuedEvent struct {
	ctx   context.Context
	event Event
	done  chan error
}

// orderedQueue is an unbounded FIFO so publishers never block on a slow
// ordered subscriber.
type orderedQueue struct {
	mu     sync.Mutex
	items  []queuedEvent
	signal chan struct{}
}

func (q *orderedQueue) push(item queuedEvent) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *orderedQueue) popAll() []queuedEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// NewEventBus creates a new EventBus instance.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]handlerEntry),
		stopCh:   make(chan struct{}),
	}
}

// Subscribe registers a handler function for a specific event type.
// The name parameter is used for logging/debugging purposes.
func (eb *EventBus) Subscribe(eventType EventType, name string, handler HandlerFunc) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.handlers[eventType] = append(eb.handlers[eventType], handlerEntry{
		name:    name,
		handler: handler,
	})

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("subscribed to event")
}

// SubscribeOrdered registers one handler for several event types and
// delivers them one at a time, in publish order, from a dedicated
// goroutine. Subscribers that apply sequenced updates (board deltas)
// use this instead of Subscribe.
func (eb *EventBus) SubscribeOrdered(name string, handler HandlerFunc, eventTypes ...EventType) {
	entry := handlerEntry{
		name:    name,
		handler: handler,
		queue:   &orderedQueue{signal: make(chan struct{}, 1)},
	}

	eb.mu.Lock()
	for _, t := range eventTypes {
		eb.handlers[t] = append(eb.handlers[t], entry)
	}
	eb.mu.Unlock()

	go eb.dispatch(entry)

	log.Debug().
		Str("handler", name).
		Int("events", len(eventTypes)).
		Msg("subscribed to ordered events")
}

// dispatch runs an ordered subscriber until the bus stops. Everything
// queued before Stop is still delivered.
func (eb *EventBus) dispatch(h handlerEntry) {
	for {
		select {
		case <-h.queue.signal:
			eb.drain(h)
		case <-eb.stopCh:
			eb.drain(h)
			return
		}
	}
}

func (eb *EventBus) drain(h handlerEntry) {
	for _, item := range h.queue.popAll() {
		err := eb.invoke(item.ctx, h, item.event)
		if item.done != nil {
			item.done <- err
			continue
		}
		eb.wg.Done()
	}
}

// Unsubscribe removes a named handler from a specific event type.
func (eb *EventBus) Unsubscribe(eventType EventType, name string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	handlers, exists := eb.handlers[eventType]
	if !exists {
		return
	}

	filtered := make([]handlerEntry, 0, len(handlers))
	for _, h := range handlers {
		if h.name != name {
			filtered = append(filtered, h)
		}
	}
	eb.handlers[eventType] = filtered

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("unsubscribed from event")
}

// Publish is shorthand for Emit with the event fields spelled out.
func (eb *EventBus) Publish(ctx context.Context, eventType EventType, source string, payload interface{}) {
	eb.Emit(ctx, Event{Type: eventType, Source: source, Payload: payload})
}

// Emit publishes an event to all subscribed handlers asynchronously.
// Each plain handler runs in its own goroutine and ordered subscribers
// get the event queued, so the broadcast loops never wait on a
// subscriber. Emitting on a nil bus is a no-op.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	if eb == nil {
		return
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.stopped {
		return
	}

	handlers, exists := eb.handlers[event.Type]
	if !exists || len(handlers) == 0 {
		return
	}

	log.Trace().
		Str("event", string(event.Type)).
		Str("source", event.Source).
		Int("handlers", len(handlers)).
		Msg("emitting event")

	for _, h := range handlers {
		h := h // capture loop variable
		eb.wg.Add(1)
		if h.queue != nil {
			h.queue.push(queuedEvent{ctx: ctx, event: event})
			continue
		}
		go func() {
			defer eb.wg.Done()
			_ = eb.invoke(ctx, h, event)
		}()
	}
}

// invoke runs one handler, logging errors and recovering panics.
func (eb *EventBus) invoke(ctx context.Context, h handlerEntry, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", string(event.Type)).
				Str("handler", h.name).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()

	if err = h.handler(ctx, event); err != nil {
		log.Error().
			Err(err).
			Str("event", string(event.Type)).
			Str("handler", h.name).
			Msg("handler returned error")
	}
	return err
}

// EmitSync publishes an event and waits for all handlers to complete.
// Returns the first error encountered, if any.
func (eb *EventBus) EmitSync(ctx context.Context, event Event) error {
	eb.mu.RLock()
	if eb.stopped {
		eb.mu.RUnlock()
		return nil
	}

	handlers, exists := eb.handlers[event.Type]
	if !exists || len(handlers) == 0 {
		eb.mu.RUnlock()
		return nil
	}

	// Ordered subscribers are queued under the lock so Stop cannot slip in
	// between; the rest run after it is released.
	var (
		direct  []handlerEntry
		pending []chan error
	)
	for _, h := range handlers {
		if h.queue != nil {
			done := make(chan error, 1)
			h.queue.push(queuedEvent{ctx: ctx, event: event, done: done})
			pending = append(pending, done)
			continue
		}
		direct = append(direct, h)
	}
	eb.mu.RUnlock()

	var firstErr error
	var errOnce sync.Once
	var wg sync.WaitGroup

	for _, h := range direct {
		h := h
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := eb.invoke(ctx, h, event); err != nil {
				errOnce.Do(func() { firstErr = err })
			}
		}()
	}

	wg.Wait()
	for _, done := range pending {
		if err := <-done; err != nil {
			errOnce.Do(func() { firstErr = err })
		}
	}
	return firstErr
}

// Stop signals the EventBus to stop accepting new events and waits
// for all in-flight handlers to complete. Stop is idempotent.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if eb.stopped {
		eb.mu.Unlock()
		return
	}
	eb.stopped = true
	close(eb.stopCh)
	eb.mu.Unlock()

	eb.wg.Wait()
	log.Info().Msg("event bus stopped")
}

// StopCh returns a channel that is closed when the EventBus is stopped.
func (eb *EventBus) StopCh() <-chan struct{} {
	return eb.stopCh
}

// HandlerCount returns the number of handlers registered for a specific event type.
func (eb *EventBus) HandlerCount(eventType EventType) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType])
}
