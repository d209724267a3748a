// Package bus implements the process-wide typed pub/sub used to decouple
// gateway subsystems. Delivery is asynchronous (a single dispatcher
// goroutine) but preserves FIFO order per emitter, and handler faults are
// isolated from both the emitter and other handlers.
package bus

import (
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pml-dev/gateway/pkg/models"
)

// funcPointer identifies a handler func value for Off matching.
func funcPointer(h Handler) uintptr {
	return reflect.ValueOf(h).Pointer()
}

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

// Handler consumes one event. Handlers run on the dispatcher goroutine;
// long-running work should be spawned off by the handler itself.
type Handler func(event models.Event)

// UnsubscribeFunc removes the subscription it was returned for. Safe to
// call more than once.
type UnsubscribeFunc func()

// queueCapacity bounds the pending-delivery queue. Emit never blocks the
// caller; when the queue is full the event is dropped with a warning.
const queueCapacity = 4096

type subscription struct {
	id      uint64
	handler Handler
	once    bool
}

// Bus is the in-process event bus. The zero value is not usable; construct
// with New.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]*subscription
	nextID   uint64
	closed   bool

	queue    chan models.Event
	done     chan struct{}
	wg       sync.WaitGroup
	emits    atomic.Int64
	logger   *slog.Logger
	observer func(eventType string)
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used for handler-fault diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithEmitObserver registers a callback invoked once per emitted event,
// used for metrics instrumentation.
func WithEmitObserver(fn func(eventType string)) Option {
	return func(b *Bus) { b.observer = fn }
}

// New creates a Bus and starts its dispatcher goroutine.
func New(opts ...Option) *Bus {
	b := &Bus{
		handlers: make(map[string][]*subscription),
		queue:    make(chan models.Event, queueCapacity),
		done:     make(chan struct{}),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.wg.Add(1)
	go b.dispatchLoop()
	return b
}

// On subscribes a handler to an event type (or Wildcard) and returns its
// unsubscribe function. After Close, On is a no-op and returns a no-op
// unsubscribe.
func (b *Bus) On(eventType string, handler Handler) UnsubscribeFunc {
	return b.subscribe(eventType, handler, false)
}

// Once subscribes a handler that fires at most once, then removes itself.
func (b *Bus) Once(eventType string, handler Handler) UnsubscribeFunc {
	return b.subscribe(eventType, handler, true)
}

func (b *Bus) subscribe(eventType string, handler Handler, once bool) UnsubscribeFunc {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	b.nextID++
	sub := &subscription{id: b.nextID, handler: handler, once: once}
	b.handlers[eventType] = append(b.handlers[eventType], sub)
	id := sub.id
	return func() { b.removeByID(eventType, id) }
}

// Off removes all subscriptions of the given handler for an event type.
// Handlers are compared by function identity, so Off only works with the
// same func value passed to On.
func (b *Bus) Off(eventType string, handler Handler) {
	ptr := funcPointer(handler)
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[eventType]
	kept := subs[:0]
	for _, s := range subs {
		if funcPointer(s.handler) != ptr {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(b.handlers, eventType)
	} else {
		b.handlers[eventType] = kept
	}
}

func (b *Bus) removeByID(eventType string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[eventType]
	kept := subs[:0]
	for _, s := range subs {
		if s.id != id {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(b.handlers, eventType)
	} else {
		b.handlers[eventType] = kept
	}
}

// Emit enqueues an event for asynchronous delivery and returns immediately.
// The timestamp is filled in when absent. After Close, Emit is a no-op.
func (b *Bus) Emit(event models.Event) {
	b.mu.RLock()
	closed := b.closed
	queue := b.queue // Reset swaps the channel; load it under the lock
	b.mu.RUnlock()
	if closed {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	b.emits.Add(1)
	if b.observer != nil {
		b.observer(event.Type)
	}

	select {
	case queue <- event:
	default:
		b.logger.Warn("Event bus queue full, dropping event", "type", event.Type)
	}
}

func (b *Bus) dispatchLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case event := <-b.queue:
			if event.Type == fenceEventType {
				if ch, ok := event.Payload["done"].(chan struct{}); ok {
					close(ch)
				}
				continue
			}
			b.deliver(event)
		}
	}
}

// deliver invokes exact-type handlers then wildcard handlers, removing
// once-subscriptions before invocation so a handler re-emitting the same
// type cannot re-trigger itself.
func (b *Bus) deliver(event models.Event) {
	b.mu.Lock()
	targets := make([]*subscription, 0, 8)
	for _, key := range []string{event.Type, Wildcard} {
		subs := b.handlers[key]
		kept := subs[:0]
		for _, s := range subs {
			targets = append(targets, s)
			if !s.once {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(b.handlers, key)
		} else {
			b.handlers[key] = kept
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		b.invoke(s.handler, event)
	}
}

// invoke runs one handler, swallowing panics so a faulty handler cannot
// prevent other handlers from running.
func (b *Bus) invoke(h Handler, event models.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked",
				"type", event.Type, "panic", r)
		}
	}()
	h(event)
}

// HasHandlers reports whether any handler is subscribed to the exact type.
func (b *Bus) HasHandlers(eventType string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType]) > 0
}

// GetHandlerCount returns the number of handlers for the exact type.
func (b *Bus) GetHandlerCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}

// GetEmitCount returns the number of events emitted since creation or the
// last Reset.
func (b *Bus) GetEmitCount() int64 {
	return b.emits.Load()
}

// GetRegisteredTypes returns the event types with at least one subscriber.
func (b *Bus) GetRegisteredTypes() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	types := make([]string, 0, len(b.handlers))
	for t := range b.handlers {
		types = append(types, t)
	}
	return types
}

// fenceEventType is an internal sentinel routed through the dispatch queue
// so Drain can observe that all earlier events were delivered.
const fenceEventType = "bus.internal.fence"

// Drain blocks until all events emitted before the call have been
// delivered. Test helper; production code relies on asynchronous delivery.
func (b *Bus) Drain() {
	b.mu.RLock()
	closed := b.closed
	queue := b.queue
	done := b.done
	b.mu.RUnlock()
	if closed {
		return
	}
	fence := make(chan struct{})
	select {
	case queue <- models.Event{Type: fenceEventType, Payload: map[string]any{"done": fence}}:
		<-fence
	case <-done:
	}
}

// Close stops delivery. Subsequent Emit calls are no-ops and On returns
// no-op unsubscribes. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()
}

// Reset re-opens a closed bus, clears all subscriptions, and zeroes the
// emit counter. Exists for tests.
func (b *Bus) Reset() {
	b.Close()

	b.mu.Lock()
	b.handlers = make(map[string][]*subscription)
	b.queue = make(chan models.Event, queueCapacity)
	b.done = make(chan struct{})
	b.emits.Store(0)
	b.closed = false
	b.mu.Unlock()

	b.wg.Add(1)
	go b.dispatchLoop()
}
