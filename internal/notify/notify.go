// Package notify delivers named in-process events to subscribers.
//
// A Center owns a single dispatch goroutine. Every posted event is handed to
// that goroutine and delivered from there, so handlers never run on the
// posting goroutine and all deliveries are serialized in post order.
// Subscribers that need another execution context hop themselves.
package notify

import (
	"sync"
)

const eventBuffer = 64

// Event is a named payload delivered to subscribers.
type Event struct {
	Name    string
	Payload any
}

// Handler receives events on the center's dispatch goroutine. Handlers must
// not block for long; they stall every later delivery.
type Handler func(Event)

// Center routes posted events to subscribed handlers.
type Center struct {
	mu       sync.Mutex
	handlers map[string][]Handler

	// closeMu guards closed and keeps Close from racing in-flight sends.
	// The dispatch goroutine never takes it, so a Post waiting on a full
	// buffer cannot wedge delivery.
	closeMu sync.RWMutex
	closed  bool

	events chan Event
	done   chan struct{}

	closeOnce sync.Once
}

// NewCenter starts a center and its dispatch goroutine.
func NewCenter() *Center {
	c := &Center{
		handlers: make(map[string][]Handler),
		events:   make(chan Event, eventBuffer),
		done:     make(chan struct{}),
	}

	go c.dispatch()

	return c
}

// Subscribe registers a handler for events posted under name. Handlers are
// called in subscription order and cannot be removed; subscriptions last for
// the center's lifetime.
func (c *Center) Subscribe(name string, h Handler) {
	if h == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlers[name] = append(c.handlers[name], h)
}

// Post enqueues an event for asynchronous delivery. It never invokes
// handlers itself. Posting to a closed center is a no-op.
func (c *Center) Post(name string, payload any) {
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()

	if c.closed {
		return
	}

	c.events <- Event{Name: name, Payload: payload}
}

// Close stops accepting events and waits until every already-posted event
// has been delivered.
func (c *Center) Close() {
	c.closeOnce.Do(func() {
		c.closeMu.Lock()
		c.closed = true
		close(c.events)
		c.closeMu.Unlock()
	})

	<-c.done
}

func (c *Center) dispatch() {
	for ev := range c.events {
		for _, h := range c.subscribersFor(ev.Name) {
			h(ev)
		}
	}

	close(c.done)
}

func (c *Center) subscribersFor(name string) []Handler {
	c.mu.Lock()
	defer c.mu.Unlock()

	registered := c.handlers[name]
	if len(registered) == 0 {
		return nil
	}

	snapshot := make([]Handler, len(registered))
	copy(snapshot, registered)

	return snapshot
}
