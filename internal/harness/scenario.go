package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is a scripted conversation between a client and an in-memory
// engine. Steps run in order; assertions are checked once the steps finish.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// TokenPrefix seeds the deterministic correlation tokens
	// ("<prefix>-1", "<prefix>-2", ...). Defaults to "req".
	TokenPrefix string `yaml:"token_prefix,omitempty"`

	// RequestTimeout is the correlator's default timeout. Defaults to 2s.
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`

	// Parameters are sent with setTdlibParameters.
	Parameters map[string]any `yaml:"parameters,omitempty"`

	// Credentials answer the lifecycle's credential stages.
	Credentials Credentials `yaml:"credentials,omitempty"`

	// Engine scripts the in-memory engine.
	Engine Engine `yaml:"engine,omitempty"`

	// Steps drive the client.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

type Credentials struct {
	Phone    string `yaml:"phone,omitempty"`
	Code     string `yaml:"code,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// Engine describes how the in-memory engine answers requests.
type Engine struct {
	// Responders maps a request type to the objects emitted in reply, in
	// order. Objects without "@extra" carry the request's token, except
	// lifecycle states.
	Responders map[string][]map[string]any `yaml:"responders,omitempty"`

	// Fallback answers request types without a responder: "ok" or "none".
	Fallback string `yaml:"fallback,omitempty"`

	// Execute maps a synchronous request type to its answer.
	Execute map[string]map[string]any `yaml:"execute,omitempty"`
}

// Step is exactly one action, optionally with an expectation.
type Step struct {
	Inject    map[string]any `yaml:"inject,omitempty"`
	WaitReady time.Duration  `yaml:"wait_ready,omitempty"`
	Fetch     map[string]any `yaml:"fetch,omitempty"`
	Execute   map[string]any `yaml:"execute,omitempty"`
	SendText  *SendText      `yaml:"send_text,omitempty"`
	EditText  *EditText      `yaml:"edit_text,omitempty"`
	Delete    *Delete        `yaml:"delete,omitempty"`
	Flush     bool           `yaml:"flush,omitempty"`
	Close     bool           `yaml:"close,omitempty"`

	// Expect validates the step's reply. Without it, any error fails the
	// step.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

type SendText struct {
	Chat    int64  `yaml:"chat"`
	Text    string `yaml:"text"`
	ReplyTo int64  `yaml:"reply_to,omitempty"`
}

type EditText struct {
	Chat    int64  `yaml:"chat"`
	Message int64  `yaml:"message"`
	Text    string `yaml:"text"`
}

type Delete struct {
	Chat     int64   `yaml:"chat"`
	Messages []int64 `yaml:"messages"`
}

// ExpectClause specifies the expected reply.
type ExpectClause struct {
	// Type is the expected reply "@type".
	Type string `yaml:"type,omitempty"`

	// Fields is a subset match on the reply.
	Fields map[string]any `yaml:"fields,omitempty"`

	// Error is the expected request error code: TIMEOUT, ENGINE,
	// DEAD_CLIENT or SEND_FAILED.
	Error string `yaml:"error,omitempty"`

	// EngineCode is the expected engine error code when Error is ENGINE.
	EngineCode int `yaml:"engine_code,omitempty"`

	// ID is the expected provisional message id of send_text.
	ID int64 `yaml:"id,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": a request of type Request with Fields was sent
	// - "trace_order": Requests were sent in this order
	// - "trace_count": Request was sent exactly Count times
	// - "received_count": Event was delivered exactly Count times
	// - "lifecycle": the lifecycle ended in State
	// - "resolve": ID resolves to Expect["id"] through the remapper
	// - "final_state": a journal table row matching Where has Expect
	Type string `yaml:"type"`

	Request  string         `yaml:"request,omitempty"`
	Requests []string       `yaml:"requests,omitempty"`
	Fields   map[string]any `yaml:"fields,omitempty"`
	Event    string         `yaml:"event,omitempty"`
	Count    int            `yaml:"count,omitempty"`
	State    string         `yaml:"state,omitempty"`
	ID       int64          `yaml:"id,omitempty"`
	Table    string         `yaml:"table,omitempty"`
	Where    map[string]any `yaml:"where,omitempty"`
	Expect   map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertReceivedCount = "received_count"
	AssertLifecycle     = "lifecycle"
	AssertResolve       = "resolve"
	AssertFinalState    = "final_state"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	switch s.Engine.Fallback {
	case "", "ok", "none":
	default:
		return fmt.Errorf("engine.fallback must be \"ok\" or \"none\", got %q", s.Engine.Fallback)
	}
	for reqType, replies := range s.Engine.Responders {
		for i, obj := range replies {
			if _, ok := obj["@type"].(string); !ok {
				return fmt.Errorf("engine.responders.%s[%d]: @type is required", reqType, i)
			}
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, st *Step) error {
	actions := 0
	for _, set := range []bool{
		st.Inject != nil,
		st.WaitReady > 0,
		st.Fetch != nil,
		st.Execute != nil,
		st.SendText != nil,
		st.EditText != nil,
		st.Delete != nil,
		st.Flush,
		st.Close,
	} {
		if set {
			actions++
		}
	}
	if actions != 1 {
		return fmt.Errorf("steps[%d]: exactly one action is required, got %d", index, actions)
	}

	for _, obj := range []map[string]any{st.Inject, st.Fetch, st.Execute} {
		if obj == nil {
			continue
		}
		if _, ok := obj["@type"].(string); !ok {
			return fmt.Errorf("steps[%d]: @type is required", index)
		}
	}
	if st.Expect != nil {
		switch st.Expect.Error {
		case "", "TIMEOUT", "ENGINE", "DEAD_CLIENT", "SEND_FAILED":
		default:
			return fmt.Errorf("steps[%d].expect: unknown error code %q", index, st.Expect.Error)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Request == "" {
			return fmt.Errorf("assertions[%d]: request is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Requests) == 0 {
			return fmt.Errorf("assertions[%d]: requests list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Request == "" {
			return fmt.Errorf("assertions[%d]: request is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertReceivedCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for received_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for received_count", index)
		}
	case AssertLifecycle:
		if a.State == "" {
			return fmt.Errorf("assertions[%d]: state is required for lifecycle", index)
		}
	case AssertResolve:
		if a.ID == 0 {
			return fmt.Errorf("assertions[%d]: id is required for resolve", index)
		}
		if _, ok := a.Expect["id"]; !ok {
			return fmt.Errorf("assertions[%d]: expect.id is required for resolve", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
