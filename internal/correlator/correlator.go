// Package correlator implements request/response on top of the engine's
// one-way send path and its asynchronous event stream.
//
// Each request gets a fresh correlation token under "@extra" and a one-shot
// dispatcher registration keyed by that token. The caller waits on a Future
// that resolves exactly once: with the matching reply, with a typed engine
// error, with a timeout, or with a dead-client error.
//
// Thread-safety model:
//   - Broadcast/Fetch/Execute: safe from any goroutine
//   - reply handlers run on the dispatch goroutine and never block
//   - Close: safe from any goroutine, idempotent
package correlator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/tdlink/internal/dispatch"
	"github.com/roach88/tdlink/internal/event"
)

// DefaultTimeout bounds a request when neither the call nor the correlator
// sets one.
const DefaultTimeout = 10 * time.Second

// maxTokenAttempts bounds regeneration when a generator returns a token that
// is still outstanding.
const maxTokenAttempts = 8

// Request is an engine request object. It must carry "@type".
type Request map[string]any

// Type returns the request's "@type".
func (r Request) Type() string {
	t, _ := r[event.TypeField].(string)
	return t
}

// Sender is the outbound half of the native bridge.
type Sender interface {
	Send(req []byte) error
	Execute(req []byte) ([]byte, error)
}

// Registry is the subset of the dispatcher the correlator uses.
type Registry interface {
	RegisterToken(token string, h dispatch.Handler) (dispatch.Handle, error)
	Unregister(h dispatch.Handle) bool
}

// Correlator issues correlated requests.
type Correlator struct {
	sender   Sender
	registry Registry
	tokens   TokenGenerator
	timeout  time.Duration
	alive    func() bool
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*Future
	dead    bool
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithTokenGenerator overrides the default UUIDv7 generator.
func WithTokenGenerator(g TokenGenerator) Option {
	return func(c *Correlator) {
		if g != nil {
			c.tokens = g
		}
	}
}

// WithDefaultTimeout sets the bound used when a call does not pass one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Correlator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLiveness makes every request consult alive before it is tracked. Once
// alive reports false the correlator fails requests as dead, even before
// Close runs.
func WithLiveness(alive func() bool) Option {
	return func(c *Correlator) {
		if alive != nil {
			c.alive = alive
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Correlator) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a Correlator sending through s and registering replies with r.
func New(s Sender, r Registry, opts ...Option) *Correlator {
	c := &Correlator{
		sender:   s,
		registry: r,
		tokens:   UUIDv7Generator{},
		timeout:  DefaultTimeout,
		alive:    func() bool { return true },
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		pending:  make(map[string]*Future),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CallOption configures a single request.
type CallOption func(*callConfig)

type callConfig struct {
	timeout time.Duration
}

// WithTimeout bounds this request.
func WithTimeout(d time.Duration) CallOption {
	return func(cc *callConfig) {
		cc.timeout = d
	}
}

// Fetch sends req and blocks until it resolves.
func (c *Correlator) Fetch(ctx context.Context, req Request, opts ...CallOption) (event.Event, error) {
	return c.Broadcast(ctx, req, opts...).Await(ctx)
}

// Broadcast sends req and returns a Future for its reply.
//
// If the client is closed the Future is already resolved with a dead-client
// error and nothing reaches the bridge. Cancelling ctx resolves the Future
// with ctx.Err(); the engine is not told, and a late reply is dropped.
func (c *Correlator) Broadcast(ctx context.Context, req Request, opts ...CallOption) *Future {
	cfg := callConfig{timeout: c.timeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.timeout <= 0 {
		cfg.timeout = c.timeout
	}

	reqType := req.Type()
	if reqType == "" {
		return resolvedFuture(fmt.Errorf("broadcast: request missing %q", event.TypeField))
	}
	if err := ctx.Err(); err != nil {
		return resolvedFuture(err)
	}

	f, err := c.track(reqType)
	if err != nil {
		return resolvedFuture(err)
	}

	payload, err := encodeRequest(req, f.token)
	if err != nil {
		c.resolve(f, event.Event{}, fmt.Errorf("encode %s: %w", reqType, err))
		return f
	}

	handle, err := c.registry.RegisterToken(f.token, func(ev event.Event) {
		c.onReply(f, ev)
	})
	if err != nil {
		if c.isDead() {
			err = NewDeadClientError(reqType, f.token)
		}
		c.resolve(f, event.Event{}, err)
		return f
	}
	timer := time.AfterFunc(cfg.timeout, func() {
		c.resolve(f, event.Event{}, NewTimeoutError(reqType, f.token, cfg.timeout))
	})
	stopCtx := context.AfterFunc(ctx, func() {
		c.resolve(f, event.Event{}, ctx.Err())
	})
	if !f.arm(handle, timer, stopCtx) {
		// Settled between registration and arming (e.g. Close raced us).
		c.registry.Unregister(handle)
		timer.Stop()
		stopCtx()
		return f
	}

	c.logger.Debug("request sent",
		"type", reqType,
		"token", f.token,
		"timeout", cfg.timeout,
	)

	if err := c.sender.Send(payload); err != nil {
		c.resolve(f, event.Event{}, NewSendError(reqType, f.token, err))
	}
	return f
}

// Execute runs one of the engine's synchronous requests. No token is
// attached and no registration is made.
func (c *Correlator) Execute(req Request) (event.Event, error) {
	reqType := req.Type()
	if reqType == "" {
		return event.Event{}, fmt.Errorf("execute: request missing %q", event.TypeField)
	}
	if c.isDead() {
		return event.Event{}, NewDeadClientError(reqType, "")
	}

	payload, err := json.Marshal(map[string]any(req))
	if err != nil {
		return event.Event{}, fmt.Errorf("encode %s: %w", reqType, err)
	}
	raw, err := c.sender.Execute(payload)
	if err != nil {
		return event.Event{}, fmt.Errorf("execute %s: %w", reqType, err)
	}
	ev, err := event.Decode(raw)
	if err != nil {
		return event.Event{}, fmt.Errorf("execute %s: %w", reqType, err)
	}
	if e, ok := ev.AsError(); ok {
		return ev, NewEngineError(reqType, "", e.Code, e.Message)
	}
	return ev, nil
}

// Close marks the client dead and resolves every outstanding request with a
// dead-client error. Later requests fail fast. Idempotent.
func (c *Correlator) Close() {
	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return
	}
	c.dead = true
	outstanding := make([]*Future, 0, len(c.pending))
	for _, f := range c.pending {
		outstanding = append(outstanding, f)
	}
	c.mu.Unlock()

	for _, f := range outstanding {
		c.resolve(f, event.Event{}, NewDeadClientError(f.requestType, f.token))
	}

	c.logger.Info("correlator closed", "failed_pending", len(outstanding))
}

// Pending returns the number of outstanding requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// track allocates a unique token and records the Future as outstanding.
func (c *Correlator) track(reqType string) (*Future, error) {
	// alive is read outside mu; Close marks dead under mu, so a request that
	// passes here is either rejected below or failed by Close.
	if !c.alive() {
		return nil, NewDeadClientError(reqType, "")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dead {
		return nil, NewDeadClientError(reqType, "")
	}

	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		token := c.tokens.Generate()
		if token == "" {
			continue
		}
		if _, busy := c.pending[token]; busy {
			continue
		}
		f := newFuture(token, reqType)
		c.pending[token] = f
		return f, nil
	}
	return nil, fmt.Errorf("broadcast %s: no unique correlation token after %d attempts", reqType, maxTokenAttempts)
}

func (c *Correlator) isDead() bool {
	if !c.alive() {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dead
}

// onReply runs on the dispatch goroutine for the event carrying f's token.
func (c *Correlator) onReply(f *Future, ev event.Event) {
	if e, ok := ev.AsError(); ok {
		c.resolve(f, ev, NewEngineError(f.requestType, f.token, e.Code, e.Message))
		return
	}
	c.resolve(f, ev, nil)
}

// resolve settles f once. The loser of a reply/timeout/cancel race is a
// no-op; the winner tears down the registration, timer and pending entry.
func (c *Correlator) resolve(f *Future, ev event.Event, err error) {
	if !f.settle(ev, err) {
		return
	}

	h, timer, stopCtx := f.disarm()
	if h.Valid() {
		c.registry.Unregister(h)
	}
	if timer != nil {
		timer.Stop()
	}
	if stopCtx != nil {
		stopCtx()
	}

	c.mu.Lock()
	if c.pending[f.token] == f {
		delete(c.pending, f.token)
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Debug("request failed",
			"type", f.requestType,
			"token", f.token,
			"error", err,
		)
	}
}

// encodeRequest copies req, sets the correlation token and marshals it.
func encodeRequest(req Request, token string) ([]byte, error) {
	out := make(map[string]any, len(req)+1)
	for k, v := range req {
		out[k] = v
	}
	out[event.ExtraField] = token
	return json.Marshal(out)
}
