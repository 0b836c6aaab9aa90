package lifecycle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tdlink/internal/correlator"
	"github.com/roach88/tdlink/internal/event"
	"github.com/roach88/tdlink/internal/testutil"
)

// fakeRequester records submissions and fails those listed in failures.
type fakeRequester struct {
	mu       sync.Mutex
	requests []correlator.Request
	failures map[string]error
}

func (r *fakeRequester) Fetch(_ context.Context, req correlator.Request, _ ...correlator.CallOption) (event.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	if err := r.failures[req.Type()]; err != nil {
		return event.Event{}, err
	}
	return event.New(event.TagOK, nil), nil
}

func (r *fakeRequester) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.requests))
	for i, req := range r.requests {
		out[i] = req.Type()
	}
	return out
}

func (r *fakeRequester) last() correlator.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.requests) == 0 {
		return nil
	}
	return r.requests[len(r.requests)-1]
}

func ev(tag event.Tag) event.Event {
	return event.New(tag, nil)
}

func newMachine(t *testing.T, r Requester, creds CredentialProvider, opts ...Option) *Machine {
	t.Helper()
	m := New(r, creds, opts...)
	t.Cleanup(m.Terminate)
	return m
}

func TestMachine_HappyPath(t *testing.T) {
	req := &fakeRequester{}
	creds := StaticCredentials{Phone: "+15550100", Code: "12345", Password: "hunter2"}
	m := newMachine(t, req, creds, WithParameters(map[string]any{"api_id": 94575, "use_test_dc": true}))

	assert.Equal(t, Uninitialized, m.State())
	assert.True(t, m.IsAlive())
	assert.False(t, m.IsReady())

	steps := []struct {
		tag      event.Tag
		state    State
		wantType string
	}{
		{event.TagWaitParameters, AwaitingParameters, "setTdlibParameters"},
		{event.TagWaitPhoneNumber, AwaitingCredentialPhone, "setAuthenticationPhoneNumber"},
		{event.TagWaitCode, AwaitingCredentialCode, "checkAuthenticationCode"},
		{event.TagWaitPassword, AwaitingCredentialPassword, "checkAuthenticationPassword"},
	}
	for i, step := range steps {
		m.Handle(ev(step.tag))
		assert.Equal(t, step.state, m.State())
		require.Eventually(t, func() bool { return len(req.types()) == i+1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, step.wantType, req.last().Type())
	}

	got := req.types()
	assert.Equal(t, []string{"setTdlibParameters", "setAuthenticationPhoneNumber", "checkAuthenticationCode", "checkAuthenticationPassword"}, got)

	m.Handle(ev(event.TagReady))
	assert.True(t, m.IsReady())
	assert.True(t, m.WaitUntilReady(context.Background(), time.Millisecond))
}

func TestMachine_EngineCanRewindNegotiation(t *testing.T) {
	req := &fakeRequester{}
	creds := StaticCredentials{Phone: "+15550100", Code: "12345"}
	m := newMachine(t, req, creds)

	for i, tag := range []event.Tag{event.TagWaitParameters, event.TagWaitPhoneNumber, event.TagWaitCode} {
		m.Handle(ev(tag))
		require.Eventually(t, func() bool { return len(req.types()) == i+1 }, time.Second, 5*time.Millisecond)
	}
	assert.Equal(t, AwaitingCredentialCode, m.State())

	// The engine asks for the phone number again, e.g. after a rejected code.
	m.Handle(ev(event.TagWaitPhoneNumber))
	assert.Equal(t, AwaitingCredentialPhone, m.State())
	require.Eventually(t, func() bool { return len(req.types()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "setAuthenticationPhoneNumber", req.last().Type())

	// A full restart of negotiation is followed as well.
	m.Handle(ev(event.TagWaitParameters))
	assert.Equal(t, AwaitingParameters, m.State())
	require.Eventually(t, func() bool { return len(req.types()) == 5 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "setTdlibParameters", req.last().Type())

	// Once Ready there is no way back.
	m.Handle(ev(event.TagReady))
	m.Handle(ev(event.TagWaitCode))
	assert.Equal(t, Ready, m.State())
	assert.Len(t, req.types(), 5)
}

func TestAllowed(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{Uninitialized, AwaitingParameters, true},
		{AwaitingCredentialCode, AwaitingCredentialPhone, true},
		{AwaitingCredentialPassword, AwaitingParameters, true},
		{AwaitingCredentialCode, Ready, true},
		{Ready, AwaitingCredentialCode, false},
		{Ready, Closing, true},
		{Closing, Ready, false},
		{Closing, AwaitingParameters, false},
		{Closing, Closed, true},
		{Uninitialized, Closed, true},
		{Closed, Closing, false},
		{Closed, Ready, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, allowed(tt.from, tt.to))
		})
	}
}

func TestMachine_SubmissionPayloads(t *testing.T) {
	req := &fakeRequester{}
	creds := StaticCredentials{Phone: "+15550100", Code: "12345"}
	m := newMachine(t, req, creds, WithParameters(map[string]any{"api_id": 94575}))

	m.Handle(ev(event.TagWaitParameters))
	require.Eventually(t, func() bool { return len(req.types()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 94575, req.last()["api_id"])

	m.Handle(ev(event.TagWaitPhoneNumber))
	require.Eventually(t, func() bool { return len(req.types()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "+15550100", req.last()["phone_number"])

	m.Handle(ev(event.TagWaitCode))
	require.Eventually(t, func() bool { return len(req.types()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "12345", req.last()["code"])
}

func TestMachine_ReadinessBroadcast(t *testing.T) {
	m := newMachine(t, &fakeRequester{}, nil)

	const waiters = 20
	var woke atomic.Int32
	results := make(chan bool, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			ok := m.WaitUntilReady(context.Background(), 5*time.Second)
			woke.Add(1)
			results <- ok
		}()
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), woke.Load(), "no waiter may unblock before Ready")

	m.Handle(ev(event.TagReady))

	deadline := time.After(500 * time.Millisecond)
	for i := 0; i < waiters; i++ {
		select {
		case ok := <-results:
			assert.True(t, ok)
		case <-deadline:
			t.Fatalf("only %d of %d waiters woke", i, waiters)
		}
	}
}

func TestMachine_WaitUntilReadyTimeout(t *testing.T) {
	m := newMachine(t, &fakeRequester{}, nil)

	start := time.Now()
	ok := m.WaitUntilReady(context.Background(), 30*time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.WaitReady(ctx), context.Canceled)
}

func TestMachine_ClosedWakesWaitersAndRunsHooks(t *testing.T) {
	var hookCalls atomic.Int32
	m := newMachine(t, &fakeRequester{}, nil, WithOnClosed(func() { hookCalls.Add(1) }))

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() { errs <- m.WaitReady(context.Background()) }()
	}
	time.Sleep(20 * time.Millisecond)

	m.Handle(ev(event.TagClosed))
	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrClosed)
		case <-time.After(time.Second):
			t.Fatal("waiter not woken by Closed")
		}
	}

	assert.False(t, m.IsAlive())
	assert.Equal(t, Closed, m.State())
	select {
	case <-m.Dead():
	default:
		t.Fatal("Dead channel not closed")
	}

	// Closed is terminal and hooks run once.
	m.Handle(ev(event.TagReady))
	m.Handle(ev(event.TagClosed))
	m.Terminate()
	assert.Equal(t, Closed, m.State())
	assert.Equal(t, int32(1), hookCalls.Load())
	assert.False(t, m.WaitUntilReady(context.Background(), time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Wait(ctx), "effect goroutine should exit on Closed")
}

func TestMachine_ClosedAfterReady(t *testing.T) {
	m := newMachine(t, &fakeRequester{}, nil)
	m.Handle(ev(event.TagReady))
	m.Handle(ev(event.TagClosing))
	assert.Equal(t, Closing, m.State())
	assert.True(t, m.IsAlive())
	m.Handle(ev(event.TagClosed))

	assert.ErrorIs(t, m.WaitReady(context.Background()), ErrClosed)
	assert.False(t, m.IsReady())
}

func TestMachine_NoCredentialStageAfterReady(t *testing.T) {
	rec := testutil.NewLogRecorder()
	req := &fakeRequester{}
	m := newMachine(t, req, StaticCredentials{Code: "1"}, WithLogger(rec.Logger()))

	m.Handle(ev(event.TagReady))
	m.Handle(ev(event.TagWaitCode))
	m.Handle(ev(event.TagWaitParameters))

	assert.Equal(t, Ready, m.State())
	assert.Equal(t, 2, rec.Count("lifecycle event ignored"))

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, req.types())
}

func TestMachine_ClosingBlocksNegotiation(t *testing.T) {
	m := newMachine(t, &fakeRequester{}, nil)
	m.Handle(ev(event.TagClosing))
	m.Handle(ev(event.TagReady))
	m.Handle(ev(event.TagWaitPhoneNumber))
	assert.Equal(t, Closing, m.State())
}

func TestMachine_ReadyFromUninitialized(t *testing.T) {
	m := newMachine(t, &fakeRequester{}, nil)
	m.Handle(ev(event.TagReady))
	assert.True(t, m.IsReady())
}

func TestMachine_CredentialFailureStaysAndRetriesOnReemit(t *testing.T) {
	rec := testutil.NewLogRecorder()
	req := &fakeRequester{}

	var asked atomic.Int32
	creds := CredentialFunc(func(_ context.Context, stage Stage) (string, error) {
		n := asked.Add(1)
		if n == 1 {
			return "", errors.New("user dismissed prompt")
		}
		return "54321", nil
	})
	m := newMachine(t, req, creds, WithLogger(rec.Logger()))

	m.Handle(ev(event.TagWaitCode))
	require.Eventually(t, func() bool { return rec.Count("credential unavailable") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, AwaitingCredentialCode, m.State())
	assert.Empty(t, req.types())

	// The engine re-emits the awaiting event; the provider is asked again.
	m.Handle(ev(event.TagWaitCode))
	require.Eventually(t, func() bool { return len(req.types()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "54321", req.last()["code"])
	assert.Equal(t, int32(2), asked.Load())
}

func TestMachine_SubmissionFailureDoesNotAdvance(t *testing.T) {
	rec := testutil.NewLogRecorder()
	req := &fakeRequester{failures: map[string]error{
		"checkAuthenticationCode": correlator.NewEngineError("checkAuthenticationCode", "t", 400, "PHONE_CODE_INVALID"),
	}}
	m := newMachine(t, req, StaticCredentials{Code: "000"}, WithLogger(rec.Logger()))

	m.Handle(ev(event.TagWaitCode))
	require.Eventually(t, func() bool { return rec.Count("lifecycle submission failed") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, AwaitingCredentialCode, m.State())

	got, ok := rec.Find("lifecycle submission failed")
	require.True(t, ok)
	assert.Equal(t, "checkAuthenticationCode", got.Attrs["request"])
}

func TestMachine_Subscribe(t *testing.T) {
	m := newMachine(t, &fakeRequester{}, StaticCredentials{Phone: "1", Code: "2"})
	feed, stop := m.Subscribe()
	defer stop()

	m.Handle(ev(event.TagWaitParameters))
	m.Handle(ev(event.TagWaitPhoneNumber))
	m.Handle(ev(event.TagReady))
	m.Handle(ev(event.TagClosed))

	var got []State
	for s := range feed {
		got = append(got, s)
	}
	assert.Equal(t, []State{AwaitingParameters, AwaitingCredentialPhone, Ready, Closed}, got)

	late, stopLate := m.Subscribe()
	defer stopLate()
	_, open := <-late
	assert.False(t, open, "subscribing after Closed yields a closed feed")
}

func TestMachine_SubscribeCancel(t *testing.T) {
	m := newMachine(t, &fakeRequester{}, nil)
	feed, stop := m.Subscribe()
	stop()
	stop()

	_, open := <-feed
	assert.False(t, open)
	m.Handle(ev(event.TagReady))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "uninitialized", Uninitialized.String())
	assert.Equal(t, "awaiting_code", AwaitingCredentialCode.String())
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestStaticCredentials(t *testing.T) {
	c := StaticCredentials{Phone: "+1"}
	v, err := c.Credential(context.Background(), StagePhone)
	require.NoError(t, err)
	assert.Equal(t, "+1", v)

	_, err = c.Credential(context.Background(), StagePassword)
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestPromptCredentials(t *testing.T) {
	var out strings.Builder
	p := &PromptCredentials{In: strings.NewReader("+15550100\n 777 \n\n"), Out: &out}

	v, err := p.Credential(context.Background(), StagePhone)
	require.NoError(t, err)
	assert.Equal(t, "+15550100", v)

	v, err = p.Credential(context.Background(), StageCode)
	require.NoError(t, err)
	assert.Equal(t, "777", v)

	_, err = p.Credential(context.Background(), StagePassword)
	assert.ErrorIs(t, err, ErrNoCredential)

	_, err = p.Credential(context.Background(), StagePassword)
	assert.Error(t, err, "input exhausted")

	assert.Equal(t, "Enter phone: Enter code: Enter password: Enter password: ", out.String())
}
