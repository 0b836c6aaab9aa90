package correlator

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/tdlink/internal/dispatch"
	"github.com/roach88/tdlink/internal/event"
)

// Future is the pending result of a Broadcast.
//
// It settles exactly once. Every waiter observes the same result.
type Future struct {
	token       string
	requestType string
	done        chan struct{}

	mu      sync.Mutex
	settled bool
	ev      event.Event
	err     error

	// teardown, attached after registration; guarded by mu
	handle  dispatch.Handle
	timer   *time.Timer
	stopCtx func() bool
}

func newFuture(token, requestType string) *Future {
	return &Future{
		token:       token,
		requestType: requestType,
		done:        make(chan struct{}),
	}
}

func resolvedFuture(err error) *Future {
	f := newFuture("", "")
	f.settle(event.Event{}, err)
	return f
}

// Token returns the correlation token, or "" if none was issued.
func (f *Future) Token() string {
	return f.token
}

// Done is closed once the Future settles.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the Future settles or ctx is done.
//
// Returning early on ctx does not settle the Future; the request keeps its
// own timeout.
func (f *Future) Await(ctx context.Context) (event.Event, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		return event.Event{}, ctx.Err()
	}
}

// Result returns the settled value. Before settling it returns a zero event
// and a nil error; check Done first.
func (f *Future) Result() (event.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ev, f.err
}

// settle records the result. Returns false if already settled.
func (f *Future) settle(ev event.Event, err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settled {
		return false
	}
	f.settled = true
	f.ev = ev
	f.err = err
	close(f.done)
	return true
}

// arm attaches the teardown resources. Returns false if the Future settled
// in the meantime, in which case the caller owns the teardown.
func (f *Future) arm(h dispatch.Handle, timer *time.Timer, stopCtx func() bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settled {
		return false
	}
	f.handle = h
	f.timer = timer
	f.stopCtx = stopCtx
	return true
}

// disarm detaches the teardown resources for the settling goroutine.
func (f *Future) disarm() (dispatch.Handle, *time.Timer, func() bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, t, s := f.handle, f.timer, f.stopCtx
	f.handle, f.timer, f.stopCtx = dispatch.Handle{}, nil, nil
	return h, t, s
}
