package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/tdlink/internal/bridge"
	"github.com/roach88/tdlink/internal/bridge/membridge"
	"github.com/roach88/tdlink/internal/client"
	"github.com/roach88/tdlink/internal/correlator"
	"github.com/roach88/tdlink/internal/event"
	"github.com/roach88/tdlink/internal/lifecycle"
	"github.com/roach88/tdlink/internal/messages"
	"github.com/roach88/tdlink/internal/store"
	"github.com/roach88/tdlink/internal/testutil"
)

const (
	defaultTokenPrefix    = "req"
	defaultRequestTimeout = 2 * time.Second
	shutdownTimeout       = 5 * time.Second
)

// Option configures Run.
type Option func(*runConfig)

type runConfig struct {
	logger *slog.Logger
}

// WithLogger sets the logger handed to the client. Logs are discarded by
// default.
func WithLogger(l *slog.Logger) Option {
	return func(c *runConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// recorder wraps the in-memory engine and records every request and event
// crossing it, in bridge order.
type recorder struct {
	inner *membridge.Bridge

	mu     sync.Mutex
	seq    int64
	frozen bool
	trace  []TraceEvent
}

var _ bridge.Bridge = (*recorder)(nil)

func (r *recorder) Create(cb bridge.Callback) error {
	return r.inner.Create(func(ev event.Event) {
		r.record(DirIn, ev)
		cb(ev)
	})
}

func (r *recorder) Send(req []byte) error {
	if ev, err := event.Decode(req); err == nil {
		r.record(DirOut, ev)
	}
	return r.inner.Send(req)
}

func (r *recorder) Execute(req []byte) ([]byte, error) {
	if ev, err := event.Decode(req); err == nil {
		r.record(DirOut, ev)
	}
	reply, err := r.inner.Execute(req)
	if err != nil {
		return nil, err
	}
	if ev, err := event.Decode(reply); err == nil {
		r.record(DirIn, ev)
	}
	return reply, nil
}

func (r *recorder) Destroy() error {
	return r.inner.Destroy()
}

func (r *recorder) record(dir string, ev event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return
	}
	r.seq++
	fields := ev.Fields()
	delete(fields, event.TypeField)
	delete(fields, event.ExtraField)
	if len(fields) == 0 {
		fields = nil
	}
	r.trace = append(r.trace, TraceEvent{
		Seq:    r.seq,
		Dir:    dir,
		Type:   string(ev.Tag),
		Extra:  ev.Extra,
		Fields: fields,
	})
}

// freeze stops recording and returns the trace so far.
func (r *recorder) freeze() []TraceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
	out := make([]TraceEvent, len(r.trace))
	copy(out, r.trace)
	return out
}

// Harness is the test execution engine for one scenario.
//
// Each run gets a fresh in-memory journal, a scripted engine and sequential
// correlation tokens, so the same scenario always yields the same trace.
type Harness struct {
	scenario *Scenario
	engine   *membridge.Bridge
	recorder *recorder
	client   *client.Client
	store    *store.Store
	logger   *slog.Logger
}

// Run executes a test scenario and returns the result.
//
// Execution flow:
//  1. Open a fresh in-memory journal
//  2. Script the in-memory engine and start a client on it
//  3. Execute steps in order, checking each expect clause
//  4. Snapshot the trace and lifecycle state
//  5. Close the client, then evaluate assertions
//
// A returned error means the scenario could not be executed at all; failed
// expectations and assertions are reported in the Result.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	cfg := runConfig{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&cfg)
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	engine, err := scriptEngine(scenario.Engine, cfg.logger)
	if err != nil {
		return nil, err
	}

	h := &Harness{
		scenario: scenario,
		engine:   engine,
		recorder: &recorder{inner: engine},
		store:    st,
		logger:   cfg.logger,
	}

	prefix := scenario.TokenPrefix
	if prefix == "" {
		prefix = defaultTokenPrefix
	}
	timeout := scenario.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	creds := lifecycle.StaticCredentials{
		Phone:    scenario.Credentials.Phone,
		Code:     scenario.Credentials.Code,
		Password: scenario.Credentials.Password,
	}
	h.client = client.New(h.recorder, creds,
		client.WithParameters(scenario.Parameters),
		client.WithTokenGenerator(testutil.NewSequenceTokenGenerator(prefix)),
		client.WithRequestTimeout(timeout),
		client.WithCloseTimeout(shutdownTimeout),
		client.WithJournal(st),
		client.WithEventTrace(),
		client.WithLogger(cfg.logger),
	)

	if err := h.client.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start client: %w", err)
	}

	result := NewResult()
	for i := range scenario.Steps {
		if err := ctx.Err(); err != nil {
			h.shutdown()
			return nil, err
		}
		for _, msg := range h.runStep(ctx, i, &scenario.Steps[i]) {
			result.AddError(msg)
		}
	}

	result.Trace = h.recorder.freeze()
	result.Lifecycle = h.client.State().String()

	if err := h.shutdown(); err != nil {
		h.logger.Warn("client shutdown incomplete", "error", err)
	}

	actx := &AssertionContext{
		Ctx:      ctx,
		Store:    st,
		Remapper: h.client.Remapper(),
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}

	h.logger.Info("scenario finished",
		"scenario", scenario.Name,
		"pass", result.Pass,
		"trace_events", len(result.Trace),
	)
	return result, nil
}

func (h *Harness) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return h.client.Close(ctx)
}

// outcome is what a step produced.
type outcome struct {
	reply    event.Event
	hasReply bool
	id       int64
	err      error
}

// runStep executes one step and returns its failures.
func (h *Harness) runStep(ctx context.Context, index int, st *Step) []string {
	var out outcome

	switch {
	case st.Inject != nil:
		ev, err := eventFrom(st.Inject)
		if err != nil {
			return []string{fmt.Sprintf("steps[%d]: %v", index, err)}
		}
		if !h.engine.Inject(ev) {
			out.err = bridge.ErrDestroyed
		}
	case st.WaitReady > 0:
		wctx, cancel := context.WithTimeout(ctx, st.WaitReady)
		out.err = h.client.WaitReady(wctx)
		cancel()
	case st.Fetch != nil:
		out.reply, out.err = h.client.Fetch(ctx, correlator.Request(st.Fetch))
		out.hasReply = out.err == nil
	case st.Execute != nil:
		out.reply, out.err = h.client.Execute(correlator.Request(st.Execute))
		out.hasReply = out.err == nil
	case st.SendText != nil:
		var opts []messages.SendOption
		if st.SendText.ReplyTo != 0 {
			opts = append(opts, messages.WithReplyTo(st.SendText.ReplyTo))
		}
		out.id, out.err = h.client.Messages().SendText(ctx, st.SendText.Chat, st.SendText.Text, opts...)
	case st.EditText != nil:
		out.err = h.client.Messages().EditText(ctx, st.EditText.Chat, st.EditText.Message, st.EditText.Text)
	case st.Delete != nil:
		out.err = h.client.Messages().Delete(ctx, st.Delete.Chat, st.Delete.Messages...)
	case st.Flush:
		out.err = h.engine.Flush(ctx)
	case st.Close:
		cctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		out.err = h.client.Close(cctx)
		cancel()
	}

	// Trailing events of a reply land before the next step starts.
	if !st.Close {
		if err := h.engine.Flush(ctx); err != nil && !errors.Is(err, bridge.ErrDestroyed) {
			h.logger.Warn("engine flush failed", "step", index, "error", err)
		}
	}

	h.logger.Debug("step executed", "step", index, "error", out.err)
	return checkExpect(index, st.Expect, out)
}

// checkExpect compares a step's outcome with its expect clause.
func checkExpect(index int, exp *ExpectClause, out outcome) []string {
	if exp == nil {
		if out.err != nil {
			return []string{fmt.Sprintf("steps[%d]: unexpected error: %v", index, out.err)}
		}
		return nil
	}

	if exp.Error != "" {
		if out.err == nil {
			return []string{fmt.Sprintf("steps[%d]: expected %s error, got success", index, exp.Error)}
		}
		if got := errorCode(out.err); got != exp.Error {
			return []string{fmt.Sprintf("steps[%d]: expected %s error, got %v", index, exp.Error, out.err)}
		}
		if exp.EngineCode != 0 {
			code, _ := correlator.EngineCode(out.err)
			if code != exp.EngineCode {
				return []string{fmt.Sprintf("steps[%d]: expected engine code %d, got %d", index, exp.EngineCode, code)}
			}
		}
		return nil
	}

	if out.err != nil {
		return []string{fmt.Sprintf("steps[%d]: unexpected error: %v", index, out.err)}
	}

	var failures []string
	if exp.Type != "" && string(out.reply.Tag) != exp.Type {
		failures = append(failures, fmt.Sprintf("steps[%d]: expected reply %s, got %q", index, exp.Type, out.reply.Tag))
	}
	if len(exp.Fields) > 0 {
		if !out.hasReply || !matchFields(out.reply.Fields(), exp.Fields) {
			failures = append(failures, fmt.Sprintf("steps[%d]: reply %s does not match fields %v", index, out.reply.Tag, exp.Fields))
		}
	}
	if exp.ID != 0 && out.id != exp.ID {
		failures = append(failures, fmt.Sprintf("steps[%d]: expected message id %d, got %d", index, exp.ID, out.id))
	}
	return failures
}

// errorCode maps a step error to its request error code.
func errorCode(err error) string {
	var reqErr *correlator.RequestError
	switch {
	case errors.As(err, &reqErr):
		return string(reqErr.Code)
	case errors.Is(err, lifecycle.ErrClosed):
		return string(correlator.CodeDeadClient)
	case errors.Is(err, context.DeadlineExceeded):
		return string(correlator.CodeTimeout)
	case errors.Is(err, bridge.ErrDestroyed):
		return string(correlator.CodeDeadClient)
	case errors.Is(err, bridge.ErrNotSynchronous):
		return string(correlator.CodeSendFailed)
	}
	return ""
}

// scriptEngine builds the in-memory engine from the scenario's script.
func scriptEngine(script Engine, logger *slog.Logger) (*membridge.Bridge, error) {
	b := membridge.New(membridge.WithLogger(logger.With("component", "engine")))

	for reqType, objs := range script.Responders {
		replies := make([]event.Event, 0, len(objs))
		for i, obj := range objs {
			ev, err := eventFrom(obj)
			if err != nil {
				return nil, fmt.Errorf("engine.responders.%s[%d]: %w", reqType, i, err)
			}
			replies = append(replies, ev)
		}
		b.Respond(reqType, func(event.Event) []event.Event {
			out := make([]event.Event, len(replies))
			copy(out, replies)
			return out
		})
	}

	if script.Fallback != "none" {
		b.Fallback(membridge.OK())
	}

	for reqType, obj := range script.Execute {
		ev, err := eventFrom(obj)
		if err != nil {
			return nil, fmt.Errorf("engine.execute.%s: %w", reqType, err)
		}
		b.HandleExecute(reqType, func(event.Event) event.Event { return ev })
	}
	return b, nil
}

// eventFrom encodes a YAML object as an engine object.
func eventFrom(obj map[string]any) (event.Event, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return event.Event{}, fmt.Errorf("encode object: %w", err)
	}
	return event.Decode(raw)
}
