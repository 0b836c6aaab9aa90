package harness

// Trace directions.
const (
	DirOut = "out" // request handed to the engine
	DirIn  = "in"  // event delivered by the engine
)

// TraceEvent is one request or event crossing the bridge.
type TraceEvent struct {
	Seq    int64          `json:"seq"`
	Dir    string         `json:"dir"`
	Type   string         `json:"type"`
	Extra  string         `json:"extra,omitempty"`
	Fields map[string]any `json:"fields,omitempty"` // without "@type" and "@extra"
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every step expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace contains every request and event in bridge order, captured
	// before the harness shuts the client down.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failed expectations and assertions.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Lifecycle is the client's lifecycle state when the steps finished.
	Lifecycle string `json:"lifecycle"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
