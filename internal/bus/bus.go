package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unsafe"
)

var (
	// ErrInvalidType is returned for an event type outside the closed set.
	ErrInvalidType = errors.New("bus: invalid event type")

	// ErrClosed is returned when publishing or subscribing on a closed bus.
	ErrClosed = errors.New("bus: closed")
)

// Handler processes one delivered event. Handlers run on the subscription's
// delivery goroutine; a slow handler delays only its own subscription.
type Handler func(Event)

// handlerID identifies a handler by its function value, not its code
// pointer. reflect's Pointer returns shared wrapper code for method values
// and closures from one literal, which would merge distinct subscribers;
// the func value's data word is unique per created handler.
func handlerID(h Handler) uintptr {
	return uintptr(*(*unsafe.Pointer)(unsafe.Pointer(&h)))
}

// subscription is one (type, handler) registration with its own unbounded
// in-order queue and delivery goroutine. Subscribers bound their own work;
// the bus does not drop events.
type subscription struct {
	handler Handler
	fn      uintptr
	roles   map[string]struct{} // nil means all roles

	mu     sync.Mutex
	queue  []Event
	notify chan struct{}
	done   chan struct{}
}

// wants reports whether the subscription's role filter accepts the event.
func (s *subscription) wants(e Event) bool {
	if s.roles == nil || e.Role == "" {
		return true
	}
	_, ok := s.roles[e.Role]
	return ok
}

// enqueue appends the event and wakes the delivery goroutine.
func (s *subscription) enqueue(e Event) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Bus is the typed publish/subscribe hub. All exported methods are safe for
// concurrent use; per-subscriber delivery order matches publish order.
type Bus struct {
	mu     sync.Mutex
	subs   map[Type][]*subscription
	closed bool
	wg     sync.WaitGroup
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[Type][]*subscription)}
}

// Subscribe registers handler for events of type t, optionally restricted to
// the given roles. Subscribing the same handler value for the same type
// twice is a no-op; a freshly created closure or method value is a new
// handler even when it shares generated code with an existing one. Callers
// that need resubscribe-idempotency must hold on to the Handler value they
// registered.
func (b *Bus) Subscribe(t Type, handler Handler, roles ...string) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidType, t)
	}
	if handler == nil {
		return errors.New("bus: nil handler")
	}
	fn := handlerID(handler)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	for _, s := range b.subs[t] {
		if s.fn == fn {
			return nil
		}
	}

	sub := &subscription{
		handler: handler,
		fn:      fn,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if len(roles) > 0 {
		sub.roles = make(map[string]struct{}, len(roles))
		for _, r := range roles {
			sub.roles[r] = struct{}{}
		}
	}
	b.subs[t] = append(b.subs[t], sub)

	b.wg.Add(1)
	go b.deliver(sub)
	return nil
}

// Publish hands the event off to every matching subscriber's queue and
// returns; it never waits for handler completion. A zero timestamp is
// stamped with the current time.
func (b *Bus) Publish(e Event) error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidType, e.Type)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	targets := b.subs[e.Type]
	b.mu.Unlock()

	for _, s := range targets {
		if s.wants(e) {
			s.enqueue(e)
		}
	}
	return nil
}

// Close stops all delivery goroutines after their queues drain and rejects
// further publishes. Idempotent.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, s := range subs {
			close(s.done)
		}
	}
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

// deliver drains one subscription's queue in order, isolating handler
// panics. It exits once the bus is closed and the queue is empty.
func (b *Bus) deliver(s *subscription) {
	defer b.wg.Done()
	for {
		s.mu.Lock()
		var e Event
		have := len(s.queue) > 0
		if have {
			e = s.queue[0]
			s.queue = s.queue[1:]
		}
		s.mu.Unlock()

		if !have {
			select {
			case <-s.notify:
				continue
			case <-s.done:
				// Drain anything enqueued between the empty check and close.
				s.mu.Lock()
				empty := len(s.queue) == 0
				s.mu.Unlock()
				if empty {
					return
				}
				continue
			}
		}

		b.invoke(s, e)
	}
}

// invoke runs the handler with panic isolation. A panic during delivery of
// anything but an error event is re-emitted as [TypeError]; panics while
// handling error events are only logged so error delivery cannot recurse.
func (b *Bus) invoke(s *subscription, e Event) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		slog.Error("bus: handler panic", "type", e.Type, "panic", r)
		if e.Type == TypeError {
			return
		}
		_ = b.Publish(Event{
			Type: TypeError,
			Payload: map[string]any{
				"error":         fmt.Sprint(r),
				"source":        "bus_handler",
				"original_type": string(e.Type),
				"handler":       fmt.Sprintf("0x%x", s.fn),
			},
		})
	}()
	s.handler(e)
}
