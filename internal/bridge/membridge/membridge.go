// Package membridge is an in-process engine double.
//
// Requests are answered by responders registered per request type; events
// injected by tests or scenarios join the same FIFO. A single pump goroutine
// drains the FIFO into the callback, so events reach the callback strictly in
// the order they were enqueued, exactly like a native engine's callback
// thread.
package membridge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/roach88/tdlink/internal/bridge"
	"github.com/roach88/tdlink/internal/event"
	"github.com/roach88/tdlink/internal/fifo"
)

// Responder produces the events the engine emits in answer to req. Returned
// events without an "@extra" inherit the request's token.
type Responder func(req event.Event) []event.Event

// Reply returns a Responder that always answers with one event.
func Reply(tag event.Tag, fields map[string]any) Responder {
	return func(event.Event) []event.Event {
		return []event.Event{event.New(tag, fields)}
	}
}

// OK answers with the engine's "ok" object.
func OK() Responder {
	return Reply(event.TagOK, nil)
}

// Fail answers with an error object.
func Fail(code int, message string) Responder {
	return Reply(event.TagError, map[string]any{"code": code, "message": message})
}

// item is either an event for the callback or a flush barrier.
type item struct {
	ev      event.Event
	barrier chan struct{}
}

// Bridge implements bridge.Bridge in memory.
//
// Thread-safety: every method is safe for concurrent use. The callback only
// ever runs on the pump goroutine.
type Bridge struct {
	queue  *fifo.Queue[item]
	logger *slog.Logger

	mu         sync.Mutex
	cb         bridge.Callback
	created    bool
	destroyed  bool
	responders map[string]Responder
	fallback   Responder
	executors  map[string]func(req event.Event) event.Event
	sent       []event.Event
	sendErr    error

	done chan struct{}
}

var _ bridge.Bridge = (*Bridge)(nil)

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// New creates a bridge with the built-in "close" behaviour: a close request
// is answered with ok followed by the Closing and Closed lifecycle events.
func New(opts ...Option) *Bridge {
	b := &Bridge{
		queue:      fifo.New[item](),
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		responders: make(map[string]Responder),
		executors:  make(map[string]func(event.Event) event.Event),
		done:       make(chan struct{}),
	}
	b.responders["close"] = func(event.Event) []event.Event {
		return []event.Event{
			event.New(event.TagOK, nil),
			event.New(event.TagClosing, nil),
			event.New(event.TagClosed, nil),
		}
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Respond installs the responder for requests of type reqType, replacing any
// previous one. A nil responder removes it.
func (b *Bridge) Respond(reqType string, r Responder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r == nil {
		delete(b.responders, reqType)
		return
	}
	b.responders[reqType] = r
}

// Fallback installs the responder used for request types with no responder.
// Without one, such requests get no reply at all.
func (b *Bridge) Fallback(r Responder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fallback = r
}

// HandleExecute installs the synchronous answer for reqType. reqType must be
// in the engine's synchronous subset.
func (b *Bridge) HandleExecute(reqType string, fn func(req event.Event) event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.executors[reqType] = fn
}

// FailSend makes every subsequent Send return err. A nil err restores normal
// behaviour.
func (b *Bridge) FailSend(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendErr = err
}

// Create starts the pump goroutine.
func (b *Bridge) Create(cb bridge.Callback) error {
	if cb == nil {
		return fmt.Errorf("membridge: nil callback")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return bridge.ErrDestroyed
	}
	if b.created {
		return bridge.ErrAlreadyCreated
	}
	b.created = true
	b.cb = cb

	go b.pump()
	return nil
}

// pump delivers queued events to the callback.
// CRITICAL: the only goroutine that invokes the callback.
func (b *Bridge) pump() {
	defer close(b.done)

	for {
		it, ok := b.queue.TryPop()
		if ok {
			if it.barrier != nil {
				close(it.barrier)
				continue
			}
			b.cb(it.ev)
			continue
		}

		<-b.queue.Wait()
		if b.queue.Closed() && b.queue.Len() == 0 {
			return
		}
	}
}

// Send records req and enqueues the responder's events.
func (b *Bridge) Send(req []byte) error {
	ev, err := event.Decode(req)
	if err != nil {
		return fmt.Errorf("membridge: %w", err)
	}

	b.mu.Lock()
	if err := b.usableLocked(); err != nil {
		b.mu.Unlock()
		return err
	}
	if b.sendErr != nil {
		err := b.sendErr
		b.mu.Unlock()
		return err
	}
	b.sent = append(b.sent, ev)
	r, ok := b.responders[string(ev.Tag)]
	if !ok {
		r = b.fallback
	}
	b.mu.Unlock()

	b.logger.Debug("request received", "type", ev.Tag, "extra", ev.Extra)

	if r == nil {
		return nil
	}
	for _, reply := range r(ev) {
		if reply.Extra == "" && !reply.Tag.IsLifecycle() {
			reply = reply.WithExtra(ev.Extra)
		}
		b.queue.Push(item{ev: reply})
	}
	return nil
}

// Execute answers a synchronous request directly on the calling goroutine.
func (b *Bridge) Execute(req []byte) ([]byte, error) {
	ev, err := event.Decode(req)
	if err != nil {
		return nil, fmt.Errorf("membridge: %w", err)
	}
	if !bridge.IsSynchronous(string(ev.Tag)) {
		return nil, fmt.Errorf("%s: %w", ev.Tag, bridge.ErrNotSynchronous)
	}

	b.mu.Lock()
	if err := b.usableLocked(); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	fn, ok := b.executors[string(ev.Tag)]
	b.mu.Unlock()

	if !ok {
		return event.New(event.TagError, map[string]any{
			"code":    400,
			"message": fmt.Sprintf("no synchronous handler for %s", ev.Tag),
		}).Raw(), nil
	}
	return fn(ev).Raw(), nil
}

// Inject enqueues an unsolicited event.
func (b *Bridge) Inject(ev event.Event) bool {
	return b.queue.Push(item{ev: ev})
}

// InjectJSON decodes and enqueues one engine object.
func (b *Bridge) InjectJSON(raw []byte) error {
	ev, err := event.Decode(raw)
	if err != nil {
		return fmt.Errorf("membridge: %w", err)
	}
	if !b.Inject(ev) {
		return bridge.ErrDestroyed
	}
	return nil
}

// Flush blocks until every event enqueued before the call has been handed
// to the callback and the callback has returned.
func (b *Bridge) Flush(ctx context.Context) error {
	barrier := make(chan struct{})
	if !b.queue.Push(item{barrier: barrier}) {
		return bridge.ErrDestroyed
	}
	select {
	case <-barrier:
		return nil
	case <-b.done:
		select {
		case <-barrier:
			return nil
		default:
			return bridge.ErrDestroyed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sent returns the requests received so far.
func (b *Bridge) Sent() []event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]event.Event, len(b.sent))
	copy(out, b.sent)
	return out
}

// SendCount returns how many requests of type reqType were received. An
// empty reqType counts all.
func (b *Bridge) SendCount(reqType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if reqType == "" {
		return len(b.sent)
	}
	n := 0
	for _, ev := range b.sent {
		if string(ev.Tag) == reqType {
			n++
		}
	}
	return n
}

// Destroy stops the pump after it has drained the queue. Idempotent.
func (b *Bridge) Destroy() error {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return nil
	}
	b.destroyed = true
	created := b.created
	b.mu.Unlock()

	b.queue.Close()
	if created {
		<-b.done
	}
	return nil
}

// usableLocked reports why the bridge cannot take requests. Caller holds mu.
func (b *Bridge) usableLocked() error {
	if b.destroyed {
		return bridge.ErrDestroyed
	}
	if !b.created {
		return bridge.ErrNotCreated
	}
	return nil
}
