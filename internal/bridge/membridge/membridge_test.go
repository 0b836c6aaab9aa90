package membridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tdlink/internal/bridge"
	"github.com/roach88/tdlink/internal/event"
)

// collector records every event handed to the callback.
type collector struct {
	mu     sync.Mutex
	events []event.Event
}

func (c *collector) callback(ev event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) tags() []event.Tag {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]event.Tag, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Tag
	}
	return out
}

func (c *collector) all() []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]event.Event, len(c.events))
	copy(out, c.events)
	return out
}

func newCreated(t *testing.T) (*Bridge, *collector) {
	t.Helper()
	b := New()
	c := &collector{}
	require.NoError(t, b.Create(c.callback))
	t.Cleanup(func() { _ = b.Destroy() })
	return b, c
}

func flush(t *testing.T, b *Bridge) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Flush(ctx))
}

func TestSend_ResponderRepliesWithToken(t *testing.T) {
	b, c := newCreated(t)
	b.Respond("getMe", Reply("user", map[string]any{"id": 99}))

	require.NoError(t, b.Send([]byte(`{"@type":"getMe","@extra":"tok-1"}`)))
	flush(t, b)

	evs := c.all()
	require.Len(t, evs, 1)
	assert.Equal(t, event.Tag("user"), evs[0].Tag)
	assert.Equal(t, "tok-1", evs[0].Extra)
	id, _ := evs[0].Int("id")
	assert.Equal(t, int64(99), id)

	assert.Equal(t, 1, b.SendCount("getMe"))
	assert.Equal(t, 1, b.SendCount(""))
}

func TestSend_NoResponderNoReply(t *testing.T) {
	b, c := newCreated(t)

	require.NoError(t, b.Send([]byte(`{"@type":"getChat","@extra":"tok-1"}`)))
	flush(t, b)

	assert.Empty(t, c.all())
	assert.Equal(t, 1, b.SendCount("getChat"))
}

func TestSend_Fallback(t *testing.T) {
	b, c := newCreated(t)
	b.Fallback(OK())

	require.NoError(t, b.Send([]byte(`{"@type":"anything","@extra":"x"}`)))
	flush(t, b)

	evs := c.all()
	require.Len(t, evs, 1)
	assert.Equal(t, event.TagOK, evs[0].Tag)
	assert.Equal(t, "x", evs[0].Extra)
}

func TestSend_CloseEmitsLifecycleTail(t *testing.T) {
	b, c := newCreated(t)

	require.NoError(t, b.Send([]byte(`{"@type":"close","@extra":"tok-9"}`)))
	flush(t, b)

	evs := c.all()
	require.Len(t, evs, 3)
	assert.Equal(t, []event.Tag{event.TagOK, event.TagClosing, event.TagClosed}, c.tags())
	assert.Equal(t, "tok-9", evs[0].Extra)
	assert.Empty(t, evs[1].Extra, "lifecycle events are unsolicited")
	assert.Empty(t, evs[2].Extra)
}

func TestSend_FailSend(t *testing.T) {
	b, _ := newCreated(t)
	boom := errors.New("boom")
	b.FailSend(boom)

	err := b.Send([]byte(`{"@type":"getMe"}`))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, b.SendCount(""))

	b.FailSend(nil)
	assert.NoError(t, b.Send([]byte(`{"@type":"getMe"}`)))
}

func TestSend_RejectsMalformed(t *testing.T) {
	b, _ := newCreated(t)
	assert.Error(t, b.Send([]byte(`not json`)))
	assert.Error(t, b.Send([]byte(`{"chat_id":1}`)))
}

func TestInject_PreservesOrder(t *testing.T) {
	b, c := newCreated(t)

	for i := 0; i < 100; i++ {
		b.Inject(event.New(event.TagNewMessage, map[string]any{"seq": i}))
	}
	flush(t, b)

	evs := c.all()
	require.Len(t, evs, 100)
	for i, ev := range evs {
		seq, _ := ev.Int("seq")
		assert.Equal(t, int64(i), seq)
	}
}

func TestInjectJSON_UnwrapsAuthorizationState(t *testing.T) {
	b, c := newCreated(t)

	err := b.InjectJSON([]byte(`{"@type":"updateAuthorizationState","authorization_state":{"@type":"authorizationStateReady"}}`))
	require.NoError(t, err)
	flush(t, b)

	assert.Equal(t, []event.Tag{event.TagReady}, c.tags())
	assert.Error(t, b.InjectJSON([]byte(`{}`)))
}

func TestExecute(t *testing.T) {
	b, _ := newCreated(t)
	b.HandleExecute("getOption", func(req event.Event) event.Event {
		name, _ := req.String("name")
		return event.New("optionValueString", map[string]any{"value": name + "-value"})
	})

	raw, err := b.Execute([]byte(`{"@type":"getOption","name":"version"}`))
	require.NoError(t, err)
	ev, err := event.Decode(raw)
	require.NoError(t, err)
	v, _ := ev.String("value")
	assert.Equal(t, "version-value", v)

	_, err = b.Execute([]byte(`{"@type":"getMe"}`))
	assert.ErrorIs(t, err, bridge.ErrNotSynchronous)

	raw, err = b.Execute([]byte(`{"@type":"getTextEntities","text":"hi"}`))
	require.NoError(t, err)
	ev, err = event.Decode(raw)
	require.NoError(t, err)
	assert.True(t, ev.IsError())
}

func TestLifecycleErrors(t *testing.T) {
	b := New()
	assert.ErrorIs(t, b.Send([]byte(`{"@type":"getMe"}`)), bridge.ErrNotCreated)
	assert.Error(t, b.Create(nil))

	require.NoError(t, b.Create(func(event.Event) {}))
	assert.ErrorIs(t, b.Create(func(event.Event) {}), bridge.ErrAlreadyCreated)

	require.NoError(t, b.Destroy())
	require.NoError(t, b.Destroy())

	assert.ErrorIs(t, b.Send([]byte(`{"@type":"getMe"}`)), bridge.ErrDestroyed)
	_, err := b.Execute([]byte(`{"@type":"getOption"}`))
	assert.ErrorIs(t, err, bridge.ErrDestroyed)
	assert.False(t, b.Inject(event.New(event.TagOK, nil)))
	assert.ErrorIs(t, b.Flush(context.Background()), bridge.ErrDestroyed)
}

func TestDestroy_DrainsQueuedEvents(t *testing.T) {
	b := New()
	c := &collector{}
	require.NoError(t, b.Create(c.callback))

	for i := 0; i < 10; i++ {
		b.Inject(event.New(event.TagNewMessage, nil))
	}
	require.NoError(t, b.Destroy())

	assert.Len(t, c.all(), 10)
}

func TestDestroy_BeforeCreate(t *testing.T) {
	b := New()
	require.NoError(t, b.Destroy())
	assert.ErrorIs(t, b.Create(func(event.Event) {}), bridge.ErrDestroyed)
}
