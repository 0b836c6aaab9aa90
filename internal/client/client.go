// Package client is the composition root: it wires one engine bridge to the
// dispatcher, correlator, lifecycle machine, identifier remapper and message
// sender, and owns their shutdown order.
//
// Event flow:
//
//	bridge callback goroutine -> Dispatcher.Dispatch
//	    token registrations   -> correlator futures (one-shot)
//	    lifecycle tags        -> lifecycle.Machine.Handle
//	    updateMessageSendSucceeded -> remap.Remapper.Handle
//	    updateNewChat         -> ChatSet.Handle
//	    event.Any (optional)  -> event trace writer
//
// Once the lifecycle reaches Closed the correlator fails every pending and
// future request, the remapper freezes and the dispatcher stops accepting
// registrations.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/tdlink/internal/bridge"
	"github.com/roach88/tdlink/internal/correlator"
	"github.com/roach88/tdlink/internal/dispatch"
	"github.com/roach88/tdlink/internal/event"
	"github.com/roach88/tdlink/internal/fifo"
	"github.com/roach88/tdlink/internal/lifecycle"
	"github.com/roach88/tdlink/internal/messages"
	"github.com/roach88/tdlink/internal/remap"
	"github.com/roach88/tdlink/internal/schedule"
	"github.com/roach88/tdlink/internal/store"
)

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("client already started")

// DefaultCloseTimeout bounds the engine's orderly shutdown in Close.
const DefaultCloseTimeout = 10 * time.Second

// traceTimeout bounds one event trace write.
const traceTimeout = 5 * time.Second

var lifecycleTags = []event.Tag{
	event.TagWaitParameters,
	event.TagWaitPhoneNumber,
	event.TagWaitCode,
	event.TagWaitPassword,
	event.TagReady,
	event.TagClosing,
	event.TagClosed,
}

type tracedEvent struct {
	ev event.Event
	at time.Time
}

type options struct {
	parameters     map[string]any
	requestTimeout time.Duration
	effectTimeout  time.Duration
	closeTimeout   time.Duration
	tokens         correlator.TokenGenerator
	journal        store.Journal
	trace          bool
	now            func() time.Time
	logger         *slog.Logger
}

// Option configures a Client.
type Option func(*options)

// WithParameters sets the setTdlibParameters payload.
func WithParameters(p map[string]any) Option {
	return func(o *options) {
		o.parameters = p
	}
}

// WithRequestTimeout sets the default correlator timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) {
		o.requestTimeout = d
	}
}

// WithEffectTimeout bounds each lifecycle submission.
func WithEffectTimeout(d time.Duration) Option {
	return func(o *options) {
		o.effectTimeout = d
	}
}

// WithCloseTimeout bounds the orderly shutdown in Close.
func WithCloseTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.closeTimeout = d
		}
	}
}

// WithTokenGenerator overrides correlation token generation.
func WithTokenGenerator(g correlator.TokenGenerator) Option {
	return func(o *options) {
		o.tokens = g
	}
}

// WithJournal persists id mappings to j and restores them on Start. The
// client does not close j.
func WithJournal(j store.Journal) Option {
	return func(o *options) {
		o.journal = j
	}
}

// WithEventTrace appends every dispatched event to the journal's event log.
// Has no effect without WithJournal.
func WithEventTrace() Option {
	return func(o *options) {
		o.trace = true
	}
}

// WithClock overrides the time source for mapping and trace timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Client is one engine connection.
//
// Thread-safety: all methods are safe for concurrent use, except that Close
// must not be called from an event handler.
type Client struct {
	bridge     bridge.Bridge
	dispatcher *dispatch.Dispatcher
	correlator *correlator.Correlator
	lifecycle  *lifecycle.Machine
	remap      *remap.Remapper
	chats      *ChatSet
	scheduler  *schedule.Scheduler
	messages   *messages.Sender

	journal      store.Journal
	trace        *fifo.Queue[tracedEvent]
	traceDone    chan struct{}
	closeTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger

	mu      sync.Mutex
	started bool
	closed  bool
}

// New builds a client around b. Nothing is sent until Start.
func New(b bridge.Bridge, creds lifecycle.CredentialProvider, opts ...Option) *Client {
	o := options{
		requestTimeout: correlator.DefaultTimeout,
		effectTimeout:  lifecycle.DefaultEffectTimeout,
		closeTimeout:   DefaultCloseTimeout,
		now:            time.Now,
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		bridge:       b,
		chats:        NewChatSet(),
		journal:      o.journal,
		closeTimeout: o.closeTimeout,
		now:          o.now,
		logger:       o.logger,
		traceDone:    make(chan struct{}),
	}

	c.dispatcher = dispatch.New(dispatch.WithLogger(o.logger.With("component", "dispatch")))

	// The lifecycle is built after the correlator it submits through, so
	// liveness reads it lazily. Closed becomes visible to the correlator in
	// the same step that wakes Done and WaitReady.
	corrOpts := []correlator.Option{
		correlator.WithLiveness(func() bool { return c.lifecycle == nil || c.lifecycle.IsAlive() }),
		correlator.WithDefaultTimeout(o.requestTimeout),
		correlator.WithLogger(o.logger.With("component", "correlator")),
	}
	if o.tokens != nil {
		corrOpts = append(corrOpts, correlator.WithTokenGenerator(o.tokens))
	}
	c.correlator = correlator.New(b, c.dispatcher, corrOpts...)

	remapOpts := []remap.Option{
		remap.WithClock(o.now),
		remap.WithLogger(o.logger.With("component", "remap")),
	}
	if o.journal != nil {
		remapOpts = append(remapOpts, remap.WithJournal(o.journal))
	}
	c.remap = remap.New(remapOpts...)

	c.lifecycle = lifecycle.New(c.correlator, creds,
		lifecycle.WithParameters(o.parameters),
		lifecycle.WithEffectTimeout(o.effectTimeout),
		lifecycle.WithOnClosed(c.onClosed),
		lifecycle.WithLogger(o.logger.With("component", "lifecycle")),
	)

	c.scheduler = schedule.New(schedule.WithLogger(o.logger.With("component", "schedule")))
	c.messages = messages.New(c.correlator, c.lifecycle, c.remap, c.chats,
		messages.WithScheduler(c.scheduler),
		messages.WithLogger(o.logger.With("component", "messages")),
	)

	if o.journal != nil && o.trace {
		c.trace = fifo.New[tracedEvent]()
		go c.traceLoop()
	} else {
		close(c.traceDone)
	}
	return c
}

// Start restores stored mappings, registers the core handlers and creates
// the bridge. Events start flowing as soon as it returns.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	if c.journal != nil {
		n, err := c.remap.Load(ctx)
		if err != nil {
			return fmt.Errorf("start client: %w", err)
		}
		c.logger.Info("mappings restored", "count", n)
	}

	if c.trace != nil {
		if _, err := c.dispatcher.Register(event.Any, false, c.traceEvent); err != nil {
			return fmt.Errorf("start client: %w", err)
		}
	}
	for _, tag := range lifecycleTags {
		if _, err := c.dispatcher.Register(tag, false, c.lifecycle.Handle); err != nil {
			return fmt.Errorf("start client: %w", err)
		}
	}
	if _, err := c.dispatcher.Register(event.TagMessageSendSucceeded, false, c.remap.Handle); err != nil {
		return fmt.Errorf("start client: %w", err)
	}
	if _, err := c.dispatcher.Register(event.TagNewChat, false, c.chats.Handle); err != nil {
		return fmt.Errorf("start client: %w", err)
	}

	if err := c.bridge.Create(c.dispatcher.Dispatch); err != nil {
		return fmt.Errorf("start client: %w", err)
	}
	c.logger.Info("client started")
	return nil
}

// onClosed runs once when the lifecycle reaches Closed.
func (c *Client) onClosed() {
	c.correlator.Close()
	c.remap.Freeze()
	c.dispatcher.Close()
	c.logger.Info("client closed by engine")
}

// Close asks the engine to shut down, waits for Closed (bounded by the close
// timeout), then tears down the bridge and every component. Idempotent.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	c.mu.Unlock()

	if started && c.lifecycle.IsAlive() {
		c.requestClose(ctx)
	}

	var errs []error
	if err := c.bridge.Destroy(); err != nil {
		errs = append(errs, fmt.Errorf("destroy bridge: %w", err))
	}
	c.lifecycle.Terminate()
	if err := c.lifecycle.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("wait lifecycle: %w", err))
	}
	if err := c.remap.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush mappings: %w", err))
	}
	if c.trace != nil {
		c.trace.Close()
		select {
		case <-c.traceDone:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("flush trace: %w", ctx.Err()))
		}
	}
	if n := c.scheduler.Stop(); n > 0 {
		c.logger.Warn("scheduled tasks dropped on close", "count", n)
	}

	c.logger.Info("client stopped")
	return errors.Join(errs...)
}

func (c *Client) requestClose(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.closeTimeout)
	defer cancel()

	if _, err := c.correlator.Fetch(ctx, correlator.Request{"@type": "close"}); err != nil {
		c.logger.Warn("close request failed", "error", err)
		return
	}
	select {
	case <-c.lifecycle.Dead():
	case <-ctx.Done():
		c.logger.Warn("engine did not report closed", "error", ctx.Err())
	}
}

func (c *Client) traceEvent(ev event.Event) {
	c.trace.Push(tracedEvent{ev: ev, at: c.now()})
}

// traceLoop is the single event trace writer.
func (c *Client) traceLoop() {
	defer close(c.traceDone)
	for {
		te, ok := c.trace.TryPop()
		if ok {
			ctx, cancel := context.WithTimeout(context.Background(), traceTimeout)
			if _, err := c.journal.AppendEvent(ctx, te.ev, te.at); err != nil {
				c.logger.Error("event not traced", "tag", te.ev.Tag, "error", err)
			}
			cancel()
			continue
		}
		<-c.trace.Wait()
		if c.trace.Closed() && c.trace.Len() == 0 {
			return
		}
	}
}

// Subscribe registers a long-lived handler for tag. Use event.Any for every
// event. Handlers run on the dispatch goroutine.
func (c *Client) Subscribe(tag event.Tag, h dispatch.Handler) (dispatch.Handle, error) {
	return c.dispatcher.Register(tag, false, h)
}

// SubscribeOnce registers a handler removed after its first event.
func (c *Client) SubscribeOnce(tag event.Tag, h dispatch.Handler) (dispatch.Handle, error) {
	return c.dispatcher.Register(tag, true, h)
}

// Unsubscribe removes a registration.
func (c *Client) Unsubscribe(h dispatch.Handle) bool {
	return c.dispatcher.Unregister(h)
}

// Fetch sends req and waits for its reply.
func (c *Client) Fetch(ctx context.Context, req correlator.Request, opts ...correlator.CallOption) (event.Event, error) {
	return c.correlator.Fetch(ctx, req, opts...)
}

// Broadcast sends req and returns its future.
func (c *Client) Broadcast(ctx context.Context, req correlator.Request, opts ...correlator.CallOption) *correlator.Future {
	return c.correlator.Broadcast(ctx, req, opts...)
}

// Execute runs a synchronous request.
func (c *Client) Execute(req correlator.Request) (event.Event, error) {
	return c.correlator.Execute(req)
}

// WaitUntilReady blocks until the client is Ready and reports whether it got
// there.
func (c *Client) WaitUntilReady(ctx context.Context, timeout time.Duration) bool {
	return c.lifecycle.WaitUntilReady(ctx, timeout)
}

// WaitReady is WaitUntilReady reporting why readiness was not reached.
func (c *Client) WaitReady(ctx context.Context) error {
	return c.lifecycle.WaitReady(ctx)
}

// State returns the lifecycle state.
func (c *Client) State() lifecycle.State {
	return c.lifecycle.State()
}

// StateChanges returns a lifecycle state feed and its cancel function.
func (c *Client) StateChanges() (<-chan lifecycle.State, func()) {
	return c.lifecycle.Subscribe()
}

// Done is closed when the lifecycle reaches Closed.
func (c *Client) Done() <-chan struct{} {
	return c.lifecycle.Dead()
}

// Messages returns the message sender.
func (c *Client) Messages() *messages.Sender {
	return c.messages
}

// Remapper returns the identifier table.
func (c *Client) Remapper() *remap.Remapper {
	return c.remap
}

// Chats returns the known chat set.
func (c *Client) Chats() *ChatSet {
	return c.chats
}

// Scheduler returns the delayed task scheduler.
func (c *Client) Scheduler() *schedule.Scheduler {
	return c.scheduler
}

// Stats is a point-in-time summary for status output.
type Stats struct {
	State         lifecycle.State
	Registrations int
	Pending       int
	Mappings      int
	Chats         int
	Scheduled     int
}

// Stats returns the current counters.
func (c *Client) Stats() Stats {
	return Stats{
		State:         c.lifecycle.State(),
		Registrations: c.dispatcher.Len(),
		Pending:       c.correlator.Pending(),
		Mappings:      c.remap.Len(),
		Chats:         c.chats.Len(),
		Scheduled:     c.scheduler.Len(),
	}
}
