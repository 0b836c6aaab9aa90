package harness

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tdlink/internal/event"
	"github.com/roach88/tdlink/internal/remap"
	"github.com/roach88/tdlink/internal/store"
)

var sampleTrace = []TraceEvent{
	{Seq: 1, Dir: DirIn, Type: "authorizationStateWaitTdlibParameters"},
	{Seq: 2, Dir: DirOut, Type: "setTdlibParameters", Extra: "req-1", Fields: map[string]any{"api_id": json.Number("94575")}},
	{Seq: 3, Dir: DirIn, Type: "ok", Extra: "req-1"},
	{Seq: 4, Dir: DirOut, Type: "sendMessage", Extra: "req-2", Fields: map[string]any{
		"chat_id": json.Number("42"),
		"input_message_content": map[string]any{
			"@type": "inputMessageText",
			"text":  map[string]any{"@type": "formattedText", "text": "hi"},
		},
	}},
	{Seq: 5, Dir: DirOut, Type: "getMe", Extra: "req-3"},
	{Seq: 6, Dir: DirOut, Type: "getMe", Extra: "req-4"},
}

func TestAssertTraceContains(t *testing.T) {
	assert.NoError(t, assertTraceContains(sampleTrace, Assertion{Request: "sendMessage", Fields: map[string]any{"chat_id": 42}}))
	assert.NoError(t, assertTraceContains(sampleTrace, Assertion{
		Request: "sendMessage",
		Fields: map[string]any{"input_message_content": map[string]any{
			"@type": "inputMessageText",
			"text":  map[string]any{"@type": "formattedText", "text": "hi"},
		}},
	}))

	err := assertTraceContains(sampleTrace, Assertion{Request: "sendMessage", Fields: map[string]any{"chat_id": 43}})
	var aerr *AssertionError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, AssertTraceContains, aerr.Type)
	assert.Contains(t, aerr.Error(), "[4] out sendMessage req-2")

	// Inbound events are not requests.
	assert.Error(t, assertTraceContains(sampleTrace, Assertion{Request: "ok"}))
}

func TestAssertTraceOrder(t *testing.T) {
	assert.NoError(t, assertTraceOrder(sampleTrace, Assertion{Requests: []string{"setTdlibParameters", "getMe"}}))
	assert.NoError(t, assertTraceOrder(sampleTrace, Assertion{Requests: []string{"getMe", "getMe"}}))

	err := assertTraceOrder(sampleTrace, Assertion{Requests: []string{"getMe", "sendMessage"}})
	assert.ErrorContains(t, err, "sendMessage (position 2) not sent after [getMe]")

	assert.Error(t, assertTraceOrder(sampleTrace, Assertion{Requests: []string{"getMe", "getMe", "getMe"}}))
}

func TestAssertCounts(t *testing.T) {
	assert.NoError(t, assertTraceCount(sampleTrace, Assertion{Request: "getMe", Count: 2}))
	assert.NoError(t, assertTraceCount(sampleTrace, Assertion{Request: "close", Count: 0}))
	assert.ErrorContains(t, assertTraceCount(sampleTrace, Assertion{Request: "getMe", Count: 1}), "2 requests")

	assert.NoError(t, assertReceivedCount(sampleTrace, Assertion{Event: "ok", Count: 1}))
	assert.Error(t, assertReceivedCount(sampleTrace, Assertion{Event: "getMe", Count: 2}))
}

func TestAssertResolve(t *testing.T) {
	r := remap.New()
	r.OnConfirmation(1048576, 2097152)

	assert.NoError(t, assertResolve(r, Assertion{ID: 1048576, Expect: map[string]any{"id": 2097152}}))
	assert.NoError(t, assertResolve(r, Assertion{ID: 5, Expect: map[string]any{"id": 5}}))
	assert.ErrorContains(t, assertResolve(r, Assertion{ID: 1048576, Expect: map[string]any{"id": 1}}), "resolves to 2097152")
	assert.ErrorContains(t, assertResolve(r, Assertion{ID: 1, Expect: map[string]any{"id": "x"}}), "must be an integer")
}

func TestAssertFinalState(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.RecordMapping(ctx, remap.Mapping{OldID: 1, NewID: 10, ChatID: 42, ConfirmedAt: time.Unix(1, 0)}))
	require.NoError(t, st.RecordMapping(ctx, remap.Mapping{OldID: 2, NewID: 20, ChatID: 42, ConfirmedAt: time.Unix(2, 0)}))
	_, err = st.AppendEvent(ctx, event.New(event.TagNewChat, map[string]any{"chat": map[string]any{"id": 42}}), time.Unix(3, 0))
	require.NoError(t, err)

	t.Run("match", func(t *testing.T) {
		err := assertFinalState(ctx, st, Assertion{Table: "id_mappings", Where: map[string]any{"old_id": 1}, Expect: map[string]any{"new_id": 10, "chat_id": 42}})
		assert.NoError(t, err)
	})
	t.Run("text column", func(t *testing.T) {
		err := assertFinalState(ctx, st, Assertion{Table: "event_log", Where: map[string]any{"tag": "updateNewChat"}, Expect: map[string]any{"extra": "", "seq": 1}})
		assert.NoError(t, err)
	})
	t.Run("value mismatch", func(t *testing.T) {
		err := assertFinalState(ctx, st, Assertion{Table: "id_mappings", Where: map[string]any{"old_id": 1}, Expect: map[string]any{"new_id": 11}})
		assert.ErrorContains(t, err, `field "new_id" = 11`)
	})
	t.Run("ambiguous", func(t *testing.T) {
		err := assertFinalState(ctx, st, Assertion{Table: "id_mappings", Where: map[string]any{"chat_id": 42}, Expect: map[string]any{"new_id": 10}})
		assert.ErrorContains(t, err, "multiple rows matched")
	})
	t.Run("no row", func(t *testing.T) {
		err := assertFinalState(ctx, st, Assertion{Table: "id_mappings", Where: map[string]any{"old_id": 3}, Expect: map[string]any{"new_id": 30}})
		assert.ErrorContains(t, err, "row not found")
	})
	t.Run("missing column", func(t *testing.T) {
		err := assertFinalState(ctx, st, Assertion{Table: "id_mappings", Where: map[string]any{"old_id": 1}, Expect: map[string]any{"nope": 1}})
		assert.ErrorContains(t, err, `field "nope" to exist`)
	})
	t.Run("invalid identifiers", func(t *testing.T) {
		err := assertFinalState(ctx, st, Assertion{Table: "id_mappings; DROP TABLE x", Expect: map[string]any{"a": 1}})
		assert.ErrorContains(t, err, "invalid table name")
		err = assertFinalState(ctx, st, Assertion{Table: "id_mappings", Where: map[string]any{"old_id = 1 OR 1": 1}, Expect: map[string]any{"a": 1}})
		assert.ErrorContains(t, err, "invalid column name")
	})
}

func TestBuildWhereClause_SortsKeys(t *testing.T) {
	sql, args, err := buildWhereClause(map[string]any{"old_id": 1, "chat_id": 42})
	require.NoError(t, err)
	assert.Equal(t, "chat_id = ? AND old_id = ?", sql)
	assert.Equal(t, []any{42, 1}, args)

	sql, args, err = buildWhereClause(nil)
	require.NoError(t, err)
	assert.Empty(t, sql)
	assert.Nil(t, args)
}

func TestStateValuesEqual(t *testing.T) {
	assert.True(t, stateValuesEqual(42, int64(42)))
	assert.True(t, stateValuesEqual("x", []byte("x")))
	assert.True(t, stateValuesEqual(true, int64(1)))
	assert.True(t, stateValuesEqual(nil, nil))
	assert.False(t, stateValuesEqual(42, "42"))
	assert.False(t, stateValuesEqual(nil, int64(0)))
}

func TestMatchFields_NormalizesNumbers(t *testing.T) {
	actual := map[string]any{"ids": []any{json.Number("1"), json.Number("2")}, "ok": true}
	assert.True(t, matchFields(actual, map[string]any{"ids": []any{1, 2}}))
	assert.True(t, matchFields(actual, nil))
	assert.False(t, matchFields(actual, map[string]any{"ids": []any{2, 1}}))
	assert.False(t, matchFields(nil, map[string]any{"ok": true}))
}

func TestEvaluateAssertions_CollectsFailures(t *testing.T) {
	result := &Result{Trace: sampleTrace, Lifecycle: "ready"}
	failures := EvaluateAssertions(result, []Assertion{
		{Type: AssertLifecycle, State: "ready"},
		{Type: AssertLifecycle, State: "closed"},
		{Type: AssertFinalState, Table: "id_mappings", Expect: map[string]any{"a": 1}},
		{Type: "nope"},
	}, nil)
	require.Len(t, failures, 3)
	assert.Contains(t, failures[0], "lifecycle state closed")
	assert.Contains(t, failures[1], "requires database context")
	assert.Contains(t, failures[2], "unknown assertion type")
}
