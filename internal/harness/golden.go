package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/tdlink/internal/event"
)

// TraceSnapshot is the golden-file form of one run: the scenario name and
// its request/event trace.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
}

// toCanonicalMap flattens the snapshot into plain maps and slices, the only
// shapes event.MarshalCanonical accepts. Empty extra and fields are omitted.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	traceList := make([]any, len(s.Trace))
	for i, ev := range s.Trace {
		eventMap := map[string]any{
			"seq":  ev.Seq,
			"dir":  ev.Dir,
			"type": ev.Type,
		}
		if ev.Extra != "" {
			eventMap["extra"] = ev.Extra
		}
		if len(ev.Fields) > 0 {
			eventMap["fields"] = ev.Fields
		}
		traceList[i] = eventMap
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         traceList,
	}
}

// Canonical returns the snapshot's canonical JSON.
func (s *TraceSnapshot) Canonical() ([]byte, error) {
	return event.MarshalCanonical(s.toCanonicalMap())
}

// RunWithGolden runs s and checks its trace against
// testdata/golden/<name>.golden, failing t on a mismatch. The result is
// returned so callers can still check Pass.
//
// Regenerate with:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden checks an existing result's trace against the golden file
// for scenarioName.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snapshot := TraceSnapshot{
		ScenarioName: scenarioName,
		Trace:        result.Trace,
	}
	traceJSON, err := snapshot.Canonical()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)
	return nil
}
