package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Reserved field names on engine objects.
const (
	TypeField  = "@type"
	ExtraField = "@extra"
)

// Tag identifies an event variant.
type Tag string

// Any matches every event. Used by long-lived catch-all subscriptions.
const Any Tag = "*"

// Lifecycle variants. The engine reports them wrapped in an
// updateAuthorizationState object; Decode unwraps them.
const (
	TagWaitParameters  Tag = "authorizationStateWaitTdlibParameters"
	TagWaitPhoneNumber Tag = "authorizationStateWaitPhoneNumber"
	TagWaitCode        Tag = "authorizationStateWaitCode"
	TagWaitPassword    Tag = "authorizationStateWaitPassword"
	TagReady           Tag = "authorizationStateReady"
	TagClosing         Tag = "authorizationStateClosing"
	TagClosed          Tag = "authorizationStateClosed"
)

// Update and reply variants the core recognises structurally.
const (
	TagMessageSendSucceeded Tag = "updateMessageSendSucceeded"
	TagMessageSendFailed    Tag = "updateMessageSendFailed"
	TagNewChat              Tag = "updateNewChat"
	TagNewMessage           Tag = "updateNewMessage"
	TagError                Tag = "error"
	TagOK                   Tag = "ok"

	tagAuthorizationState Tag = "updateAuthorizationState"
)

// IsLifecycle reports whether t is one of the authorization-state variants.
func (t Tag) IsLifecycle() bool {
	switch t {
	case TagWaitParameters, TagWaitPhoneNumber, TagWaitCode, TagWaitPassword,
		TagReady, TagClosing, TagClosed:
		return true
	}
	return false
}

// Event is a decoded engine object.
//
// The zero Event has an empty tag and no fields; it matches no registration
// except the wildcard.
type Event struct {
	Tag   Tag
	Extra string

	raw    []byte
	fields map[string]any
}

// Decode parses one engine object.
//
// An updateAuthorizationState wrapper is flattened: the returned event carries
// the inner state's tag and the inner state's fields, with the wrapper's
// "@extra" preserved.
func Decode(data []byte) (Event, error) {
	fields, err := decodeObject(data)
	if err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}

	tag, _ := fields[TypeField].(string)
	if tag == "" {
		return Event{}, fmt.Errorf("decode event: missing %q field", TypeField)
	}
	extra := extraString(fields[ExtraField])

	if Tag(tag) == tagAuthorizationState {
		inner, ok := fields["authorization_state"].(map[string]any)
		if !ok {
			return Event{}, fmt.Errorf("decode event: %s without authorization_state", tag)
		}
		innerTag, _ := inner[TypeField].(string)
		if innerTag == "" {
			return Event{}, fmt.Errorf("decode event: authorization_state missing %q", TypeField)
		}
		raw, err := json.Marshal(inner)
		if err != nil {
			return Event{}, fmt.Errorf("decode event: %w", err)
		}
		return Event{Tag: Tag(innerTag), Extra: extra, raw: raw, fields: inner}, nil
	}

	raw := make([]byte, len(data))
	copy(raw, data)
	return Event{Tag: Tag(tag), Extra: extra, raw: raw, fields: fields}, nil
}

// New builds an event from a tag and payload fields. The fields map is
// copied; "@type" is always set from tag.
//
// Used by in-process bridges and tests.
func New(tag Tag, fields map[string]any) Event {
	obj := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		obj[k] = v
	}
	obj[TypeField] = string(tag)

	raw, err := json.Marshal(obj)
	if err != nil {
		panic(fmt.Sprintf("event.New(%s): %v", tag, err))
	}
	ev, err := Decode(raw)
	if err != nil {
		panic(fmt.Sprintf("event.New(%s): %v", tag, err))
	}
	return ev
}

// WithExtra returns a copy of ev carrying the given correlation token.
func (e Event) WithExtra(token string) Event {
	obj, _ := decodeObject(e.raw)
	if obj == nil {
		obj = map[string]any{TypeField: string(e.Tag)}
	}
	obj[ExtraField] = token
	raw, err := json.Marshal(obj)
	if err != nil {
		return e
	}
	return Event{Tag: e.Tag, Extra: token, raw: raw, fields: obj}
}

// Raw returns a copy of the event's JSON encoding.
func (e Event) Raw() []byte {
	out := make([]byte, len(e.raw))
	copy(out, e.raw)
	return out
}

// Unmarshal decodes the event's JSON into v.
func (e Event) Unmarshal(v any) error {
	if len(e.raw) == 0 {
		return fmt.Errorf("unmarshal %s: empty event", e.Tag)
	}
	return json.Unmarshal(e.raw, v)
}

// Field returns the value at path. Nested objects are traversed by key.
// Maps and slices are deep-copied so callers cannot mutate the event.
func (e Event) Field(path ...string) (any, bool) {
	var cur any = e.fields
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return cloneValue(cur), true
}

// Int returns the integer at path. Accepts JSON numbers and decimal strings,
// since the engine encodes 64-bit values as strings in some variants.
func (e Event) Int(path ...string) (int64, bool) {
	v, ok := e.Field(path...)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}
	return 0, false
}

// String returns the string at path.
func (e Event) String(path ...string) (string, bool) {
	v, ok := e.Field(path...)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Fields returns a deep copy of the event's top-level fields.
func (e Event) Fields() map[string]any {
	if e.fields == nil {
		return map[string]any{}
	}
	return cloneValue(e.fields).(map[string]any)
}

// IsError reports whether the event is error-shaped.
func (e Event) IsError() bool {
	return e.Tag == TagError
}

// EngineError is the payload of an "error" event.
type EngineError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// AsError decodes the event as an engine error. ok is false for any other tag.
func (e Event) AsError() (EngineError, bool) {
	if !e.IsError() {
		return EngineError{}, false
	}
	code, _ := e.Int("code")
	msg, _ := e.String("message")
	return EngineError{Code: int(code), Message: msg}, true
}

// SendSucceeded is the payload of an updateMessageSendSucceeded event.
type SendSucceeded struct {
	OldMessageID int64
	MessageID    int64
	ChatID       int64
}

// AsSendSucceeded decodes a send confirmation. ok is false for any other tag
// or when either identifier is missing.
func (e Event) AsSendSucceeded() (SendSucceeded, bool) {
	if e.Tag != TagMessageSendSucceeded {
		return SendSucceeded{}, false
	}
	oldID, ok := e.Int("old_message_id")
	if !ok {
		return SendSucceeded{}, false
	}
	newID, ok := e.Int("message", "id")
	if !ok {
		return SendSucceeded{}, false
	}
	chatID, _ := e.Int("message", "chat_id")
	return SendSucceeded{OldMessageID: oldID, MessageID: newID, ChatID: chatID}, true
}

// decodeObject parses data as a JSON object with json.Number numbers.
func decodeObject(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty input")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, fmt.Errorf("not an object")
	}
	return obj, nil
}

// extraString normalises the "@extra" field. The engine echoes whatever was
// sent, so numbers are accepted and rendered in decimal.
func extraString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	}
	return ""
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, elem := range x {
			out[k] = cloneValue(elem)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, elem := range x {
			out[i] = cloneValue(elem)
		}
		return out
	default:
		return v
	}
}
