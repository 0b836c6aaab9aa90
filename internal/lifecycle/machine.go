// Package lifecycle tracks the engine connection's authorization state.
//
// The Machine is driven by lifecycle events delivered on the dispatch
// goroutine. Transitions are applied synchronously there; the side effects
// they trigger (submitting parameters and credentials) run on a goroutine the
// machine owns, because they wait on replies that only the dispatch
// goroutine can deliver.
//
// Transition rules:
//   - before Ready, any negotiation event is accepted, including a re-emit of
//     the current one, which re-runs that stage's side effect, and an earlier
//     stage, which the engine sends when it restarts negotiation
//   - Ready is reachable from any state before it, and wakes every waiter
//   - once Ready, negotiation events are ignored
//   - Closing is reachable from any state but Closed
//   - Closed is reachable from any state and is terminal
package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/tdlink/internal/correlator"
	"github.com/roach88/tdlink/internal/event"
	"github.com/roach88/tdlink/internal/fifo"
)

// ErrClosed is returned by WaitReady once the machine is Closed.
var ErrClosed = errors.New("lifecycle closed")

// DefaultEffectTimeout bounds each parameter or credential submission.
const DefaultEffectTimeout = 30 * time.Second

const subscriberBuffer = 16

// Requester submits requests to the engine. Implemented by
// *correlator.Correlator.
type Requester interface {
	Fetch(ctx context.Context, req correlator.Request, opts ...correlator.CallOption) (event.Event, error)
}

// effect is a side effect scheduled by a transition.
type effect struct {
	state State
	seq   uint64
}

// Machine is the lifecycle state cell.
//
// Thread-safety: Handle is called only from the dispatch goroutine; every
// other method is safe from any goroutine.
type Machine struct {
	requester     Requester
	credentials   CredentialProvider
	parameters    map[string]any
	effectTimeout time.Duration
	onClosed      []func()
	logger        *slog.Logger

	mu    sync.Mutex
	state State
	seq   uint64 // bumped on every accepted transition
	ready chan struct{}
	dead  chan struct{}
	subs  map[chan State]struct{}

	effects    *fifo.Queue[effect]
	ctx        context.Context
	cancel     context.CancelFunc
	workerDone chan struct{}
}

// Option configures a Machine.
type Option func(*Machine)

// WithParameters sets the fields sent with setTdlibParameters.
func WithParameters(p map[string]any) Option {
	return func(m *Machine) {
		m.parameters = make(map[string]any, len(p))
		for k, v := range p {
			m.parameters[k] = v
		}
	}
}

// WithEffectTimeout bounds each submission request.
func WithEffectTimeout(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.effectTimeout = d
		}
	}
}

// WithOnClosed registers a hook run once, on the Closed transition, after
// waiters are woken. Hooks must not block.
func WithOnClosed(fn func()) Option {
	return func(m *Machine) {
		if fn != nil {
			m.onClosed = append(m.onClosed, fn)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// New creates a Machine in Uninitialized and starts its effect goroutine.
// The goroutine exits on the Closed transition.
func New(r Requester, creds CredentialProvider, opts ...Option) *Machine {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		requester:     r,
		credentials:   creds,
		parameters:    map[string]any{},
		effectTimeout: DefaultEffectTimeout,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		state:         Uninitialized,
		ready:         make(chan struct{}),
		dead:          make(chan struct{}),
		subs:          make(map[chan State]struct{}),
		effects:       fifo.New[effect](),
		ctx:           ctx,
		cancel:        cancel,
		workerDone:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.work()
	return m
}

// Handle applies a lifecycle event. Other events are ignored.
// CRITICAL: called only from the dispatch goroutine.
func (m *Machine) Handle(ev event.Event) {
	target, ok := stateFor(ev.Tag)
	if !ok {
		return
	}
	m.transition(target)
}

// Terminate forces the Closed transition. Used when the bridge is torn down
// without the engine reporting its own shutdown; a no-op once Closed.
func (m *Machine) Terminate() {
	m.transition(Closed)
}

func (m *Machine) transition(target State) {
	m.mu.Lock()
	from := m.state

	if from == target && !target.awaiting() {
		m.mu.Unlock()
		return
	}
	if !allowed(from, target) {
		m.mu.Unlock()
		m.logger.Warn("lifecycle event ignored",
			"state", from.String(),
			"event_state", target.String(),
		)
		return
	}

	m.state = target
	m.seq++
	seq := m.seq
	m.publishLocked(target)

	switch target {
	case Ready:
		close(m.ready)
	case Closed:
		close(m.dead)
		for ch := range m.subs {
			close(ch)
		}
		m.subs = nil
	}
	m.mu.Unlock()

	m.logger.Info("lifecycle transition", "from", from.String(), "to", target.String())

	switch {
	case target.awaiting():
		m.effects.Push(effect{state: target, seq: seq})
	case target == Closed:
		m.effects.Close()
		m.cancel()
		for _, fn := range m.onClosed {
			fn()
		}
	}
}

// allowed encodes the transition rules in the package comment.
func allowed(from, to State) bool {
	switch {
	case from == Closed:
		return false
	case to == Closed, to == Closing:
		return true
	case from == Closing:
		return false
	case to == Ready:
		return from <= Ready
	default:
		return from < Ready
	}
}

// publishLocked sends s to every subscriber without blocking. Caller holds mu.
func (m *Machine) publishLocked(s State) {
	for ch := range m.subs {
		select {
		case ch <- s:
		default:
			m.logger.Warn("lifecycle subscriber lagging, state dropped", "state", s.String())
		}
	}
}

// work runs side effects in order.
func (m *Machine) work() {
	defer close(m.workerDone)
	for {
		eff, ok := m.effects.TryPop()
		if ok {
			m.run(eff)
			continue
		}
		<-m.effects.Wait()
		if m.effects.Closed() && m.effects.Len() == 0 {
			return
		}
	}
}

// run executes one effect unless a later transition has superseded it.
func (m *Machine) run(eff effect) {
	m.mu.Lock()
	stale := eff.seq != m.seq
	m.mu.Unlock()
	if stale {
		m.logger.Debug("lifecycle effect superseded", "state", eff.state.String())
		return
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.effectTimeout)
	defer cancel()

	req, err := m.request(ctx, eff.state)
	if err != nil {
		// The engine re-emits the awaiting event, which retries this stage.
		m.logger.Warn("credential unavailable", "state", eff.state.String(), "error", err)
		return
	}
	if _, err := m.requester.Fetch(ctx, req, correlator.WithTimeout(m.effectTimeout)); err != nil {
		m.logger.Warn("lifecycle submission failed",
			"state", eff.state.String(),
			"request", req.Type(),
			"error", err,
		)
		return
	}
	m.logger.Debug("lifecycle submission accepted", "state", eff.state.String(), "request", req.Type())
}

// request builds the submission for an awaiting state.
func (m *Machine) request(ctx context.Context, s State) (correlator.Request, error) {
	if s == AwaitingParameters {
		req := correlator.Request{"@type": "setTdlibParameters"}
		for k, v := range m.parameters {
			req[k] = v
		}
		return req, nil
	}

	stage, _ := stageFor(s)
	if m.credentials == nil {
		return nil, ErrNoCredential
	}
	value, err := m.credentials.Credential(ctx, stage)
	if err != nil {
		return nil, err
	}
	switch stage {
	case StagePhone:
		return correlator.Request{"@type": "setAuthenticationPhoneNumber", "phone_number": value}, nil
	case StageCode:
		return correlator.Request{"@type": "checkAuthenticationCode", "code": value}, nil
	default:
		return correlator.Request{"@type": "checkAuthenticationPassword", "password": value}, nil
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsAlive reports whether the machine has not reached Closed.
func (m *Machine) IsAlive() bool {
	return m.State() != Closed
}

// IsReady reports whether the machine is in Ready.
func (m *Machine) IsReady() bool {
	return m.State() == Ready
}

// Dead is closed on the Closed transition.
func (m *Machine) Dead() <-chan struct{} {
	return m.dead
}

// WaitUntilReady blocks until Ready, Closed, ctx done or timeout, and reports
// whether Ready was reached. A non-positive timeout waits on ctx alone.
func (m *Machine) WaitUntilReady(ctx context.Context, timeout time.Duration) bool {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return m.WaitReady(ctx) == nil
}

// WaitReady is WaitUntilReady reporting why readiness was not reached.
func (m *Machine) WaitReady(ctx context.Context) error {
	select {
	case <-m.dead:
		return ErrClosed
	default:
	}
	select {
	case <-m.ready:
		return nil
	case <-m.dead:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe returns a feed of state changes and a function to stop it. The
// channel is closed after Closed is delivered or when cancelled.
func (m *Machine) Subscribe() (<-chan State, func()) {
	ch := make(chan State, subscriberBuffer)

	m.mu.Lock()
	if m.subs == nil {
		m.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if _, ok := m.subs[ch]; ok {
				delete(m.subs, ch)
				close(ch)
			}
		})
	}
}

// Wait blocks until the effect goroutine has exited after Closed.
func (m *Machine) Wait(ctx context.Context) error {
	select {
	case <-m.workerDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
