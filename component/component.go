// Package component implements the cooperative per-component message
// loop and timer manager that asynchronous ServiceRequester callbacks
// are delivered through.
package component

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// Message is a unit of mailbox work. Messages with a Priority of 1000
// or more (the timer class; TimeoutMessage uses 1000) are dequeued
// before all others, and CallbackExecMessage uses 0. The mailbox
// distinguishes only these two classes: other differences in Priority
// do not change the order, which is FIFO within each class.
type Message interface {
	Priority() int
	Execute()
}

// CallbackExecMessage posts an arbitrary callback onto a component's
// mailbox, e.g. a ServiceRequester result delivery.
type CallbackExecMessage struct {
	Callback func()
}

func (m *CallbackExecMessage) Priority() int { return 0 }
func (m *CallbackExecMessage) Execute() {
	if m.Callback != nil {
		m.Callback()
	}
}

// TimeoutMessage is posted by a TimerManager on timer expiry.
type TimeoutMessage struct {
	JobID    uint64
	Callback func()
}

func (m *TimeoutMessage) Priority() int { return 1000 }
func (m *TimeoutMessage) Execute() {
	if m.Callback != nil {
		m.Callback()
	}
}

var handleSeq uint64

// Handle is an opaque, lifetime-checked reference to a Component. It
// behaves like a weak pointer: once the component it names has been
// removed from the Registry, Lookup silently fails instead of
// resolving to a stale component.
type Handle struct {
	id uint64
}

// Component owns a FIFO mailbox with two priority classes (normal and
// timer-class, which is always drained first) and a single consumer
// goroutine.
type Component struct {
	handle Handle

	mu      sync.Mutex
	cond    *sync.Cond
	normal  []Message
	high    []Message
	closed  bool

	stopOnce sync.Once
	doneCh   chan struct{}
}

// New creates and registers a Component, starting its consumer loop.
func New() *Component {
	c := &Component{
		handle: Handle{id: atomic.AddUint64(&handleSeq, 1)},
		doneCh: make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	defaultRegistry.put(c.handle, c)
	go c.run()
	return c
}

// Handle returns the stable reference other goroutines use to post
// messages to c even after c may have been disposed.
func (c *Component) Handle() Handle { return c.handle }

// Post enqueues msg. If the component has been stopped, the message is
// silently dropped (mirrors "if the component is gone at delivery time
// the callback is skipped").
func (c *Component) Post(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if msg.Priority() >= 1000 {
		c.high = append(c.high, msg)
	} else {
		c.normal = append(c.normal, msg)
	}
	c.cond.Signal()
}

func (c *Component) run() {
	defer close(c.doneCh)
	for {
		c.mu.Lock()
		for len(c.high) == 0 && len(c.normal) == 0 && !c.closed {
			c.cond.Wait()
		}
		if c.closed && len(c.high) == 0 && len(c.normal) == 0 {
			c.mu.Unlock()
			return
		}
		var msg Message
		if len(c.high) > 0 {
			msg, c.high = c.high[0], c.high[1:]
		} else {
			msg, c.normal = c.normal[0], c.normal[1:]
		}
		c.mu.Unlock()

		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("component: message handler panicked: %v", r)
				}
			}()
			msg.Execute()
		}()
	}
}

// Stop rejects further posts, wakes the consumer goroutine and
// unregisters the component so future Lookup/Post calls treat it as
// gone. Messages already queued are still executed before the consumer
// goroutine exits.
func (c *Component) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.cond.Broadcast()
		c.mu.Unlock()
		defaultRegistry.remove(c.handle)
	})
}

// Wait blocks until the component's consumer loop has exited.
func (c *Component) Wait() {
	<-c.doneCh
}

// Registry tracks live components by Handle so a captured reference
// can be resolved (or found to be gone) without the capturer owning a
// strong reference, avoiding cyclic ownership between timers/callbacks
// and the component they were posted from.
type Registry struct {
	mu    sync.RWMutex
	items map[Handle]*Component
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[Handle]*Component)}
}

func (r *Registry) put(h Handle, c *Component) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[h] = c
}

func (r *Registry) remove(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, h)
}

// Lookup resolves h to its Component, reporting false if the component
// has been stopped (the weak-reference "gone" case).
func (r *Registry) Lookup(h Handle) (*Component, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.items[h]
	return c, ok
}

var defaultRegistry = NewRegistry()

// Lookup resolves a Handle against the package-wide registry.
func Lookup(h Handle) (*Component, bool) {
	return defaultRegistry.Lookup(h)
}

// PostTo posts msg to the component named by h, silently dropping it
// if the component is gone.
func PostTo(h Handle, msg Message) {
	if c, ok := Lookup(h); ok {
		c.Post(msg)
	}
}
