// Package dispatch routes decoded engine events to registered handlers.
//
// The dispatcher is fed by exactly one goroutine, the bridge callback, and
// invokes handlers in event arrival order. Registration and removal are safe
// from any goroutine.
//
// Two kinds of registration exist:
//   - tag registrations, matched on the event's Tag (or every event for
//     event.Any), either long-lived or one-shot
//   - token registrations, always one-shot, matched on the event's
//     correlation token
//
// One-shot entries are removed from the registry under the same lock that
// selects them, before their handler runs. A second dispatch can therefore
// never select the same entry, which gives at-most-once delivery per token.
package dispatch

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/roach88/tdlink/internal/event"
)

// ErrClosed is returned by registration after Close.
var ErrClosed = errors.New("dispatcher closed")

// Handler receives one event. Handlers run on the dispatch goroutine and must
// not block on anything that itself waits for a later event.
type Handler func(event.Event)

// Handle identifies a registration. The zero Handle is never issued.
type Handle struct {
	id uint64
}

// Valid reports whether h was issued by a successful registration.
func (h Handle) Valid() bool {
	return h.id != 0
}

type registration struct {
	id      uint64
	tag     event.Tag
	token   string
	oneShot bool
	handler Handler
}

// Dispatcher is the handler registry.
type Dispatcher struct {
	mu     sync.Mutex
	nextID uint64
	byTag  []*registration            // tag registrations, registration order
	byTok  map[string]*registration   // token registrations
	index  map[uint64]*registration   // all live registrations
	closed bool

	logger *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the sink for handler failures and dropped events.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// New creates an empty dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		byTok:  make(map[string]*registration),
		index:  make(map[uint64]*registration),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds a handler for events with the given tag. Use event.Any to
// receive every event. A one-shot registration is removed after its first
// invocation.
func (d *Dispatcher) Register(tag event.Tag, oneShot bool, h Handler) (Handle, error) {
	if h == nil {
		return Handle{}, fmt.Errorf("register %s: nil handler", tag)
	}
	if tag == "" {
		return Handle{}, fmt.Errorf("register: empty tag")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return Handle{}, ErrClosed
	}

	r := d.newRegistration(h)
	r.tag = tag
	r.oneShot = oneShot
	d.byTag = append(d.byTag, r)
	return Handle{id: r.id}, nil
}

// RegisterToken adds a one-shot handler for the event whose "@extra" equals
// token. Registering a token that is already live is an error.
func (d *Dispatcher) RegisterToken(token string, h Handler) (Handle, error) {
	if h == nil {
		return Handle{}, fmt.Errorf("register token %q: nil handler", token)
	}
	if token == "" {
		return Handle{}, fmt.Errorf("register token: empty token")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return Handle{}, ErrClosed
	}
	if _, exists := d.byTok[token]; exists {
		return Handle{}, fmt.Errorf("register token %q: already registered", token)
	}

	r := d.newRegistration(h)
	r.token = token
	r.oneShot = true
	d.byTok[token] = r
	return Handle{id: r.id}, nil
}

// newRegistration allocates an id. Caller holds d.mu.
func (d *Dispatcher) newRegistration(h Handler) *registration {
	d.nextID++
	r := &registration{id: d.nextID, handler: h}
	d.index[r.id] = r
	return r
}

// Unregister removes a registration. Returns false if it was already gone,
// for example because a one-shot handler has fired.
func (d *Dispatcher) Unregister(h Handle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.index[h.id]
	if !ok {
		return false
	}
	d.removeLocked(r)
	return true
}

// removeLocked drops r from every index. Caller holds d.mu.
func (d *Dispatcher) removeLocked(r *registration) {
	delete(d.index, r.id)
	if r.token != "" {
		delete(d.byTok, r.token)
		return
	}
	for i, cur := range d.byTag {
		if cur == r {
			// Copy instead of in-place delete: snapshots taken by a running
			// Dispatch may still reference the old backing array.
			next := make([]*registration, 0, len(d.byTag)-1)
			next = append(next, d.byTag[:i]...)
			next = append(next, d.byTag[i+1:]...)
			d.byTag = next
			return
		}
	}
}

// Dispatch delivers ev to every matching registration: first the token
// registration for ev.Extra, if any, then tag registrations in registration
// order.
//
// Called only from the bridge callback goroutine.
func (d *Dispatcher) Dispatch(ev event.Event) {
	matched := d.claim(ev)
	if len(matched) == 0 {
		d.logger.Debug("event dropped: no registration",
			"tag", ev.Tag,
			"extra", ev.Extra,
		)
		return
	}

	for _, r := range matched {
		d.invoke(r, ev)
	}
}

// claim selects matching registrations and removes the one-shot ones, all
// under one critical section.
func (d *Dispatcher) claim(ev event.Event) []*registration {
	d.mu.Lock()
	defer d.mu.Unlock()

	var matched []*registration

	if ev.Extra != "" {
		if r, ok := d.byTok[ev.Extra]; ok {
			matched = append(matched, r)
			delete(d.byTok, r.token)
			delete(d.index, r.id)
		}
	}

	var fired []*registration
	for _, r := range d.byTag {
		if r.tag != event.Any && r.tag != ev.Tag {
			continue
		}
		matched = append(matched, r)
		if r.oneShot {
			fired = append(fired, r)
		}
	}
	for _, r := range fired {
		d.removeLocked(r)
	}

	return matched
}

// invoke runs one handler, isolating panics so the remaining handlers for
// this event still run.
func (d *Dispatcher) invoke(r *registration, ev event.Event) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("event handler failed",
				"tag", ev.Tag,
				"extra", ev.Extra,
				"registration", r.id,
				"panic", fmt.Sprint(p),
			)
		}
	}()
	r.handler(ev)
}

// Close stops accepting registrations. Live registrations keep receiving
// events.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
}

// Closed reports whether Close has been called.
func (d *Dispatcher) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Len returns the number of live registrations.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.index)
}
