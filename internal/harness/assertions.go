package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/roach88/tdlink/internal/remap"
	"github.com/roach88/tdlink/internal/store"
)

// validIdentifier matches valid SQL identifiers (table/column names).
// Only allows alphanumeric and underscore, must start with letter or underscore.
// This prevents SQL injection via identifier interpolation.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %-3s %s %s\n", ev.Seq, ev.Dir, ev.Type, ev.Extra)
		}
	}
	return buf.String()
}

// assertTraceContains checks if the trace contains a request matching
// the specified type and fields (subset match).
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, ev := range trace {
		if ev.Dir == DirOut && ev.Type == assertion.Request && matchFields(ev.Fields, assertion.Fields) {
			return nil
		}
	}

	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("request %s with fields %v", assertion.Request, assertion.Fields),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks if requests appear in the specified order.
// Requests don't need to be consecutive (intervening requests are allowed).
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	pos := 0
	for i, want := range assertion.Requests {
		found := false
		for pos < len(trace) {
			ev := trace[pos]
			pos++
			if ev.Dir == DirOut && ev.Type == want {
				found = true
				break
			}
		}
		if !found {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("requests in order: %v", assertion.Requests),
				Actual:   fmt.Sprintf("%s (position %d) not sent after %v", want, i+1, assertion.Requests[:i]),
				Trace:    trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks if the request appears exactly the specified number of times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := countTrace(trace, DirOut, assertion.Request)
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d requests of %s", assertion.Count, assertion.Request),
			Actual:   fmt.Sprintf("%d requests", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertReceivedCount checks how many events of a type were delivered.
func assertReceivedCount(trace []TraceEvent, assertion Assertion) error {
	count := countTrace(trace, DirIn, assertion.Event)
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertReceivedCount,
			Expected: fmt.Sprintf("%d events of %s", assertion.Count, assertion.Event),
			Actual:   fmt.Sprintf("%d events", count),
			Trace:    trace,
		}
	}
	return nil
}

func countTrace(trace []TraceEvent, dir, typ string) int {
	n := 0
	for _, ev := range trace {
		if ev.Dir == dir && ev.Type == typ {
			n++
		}
	}
	return n
}

func assertLifecycle(state string, assertion Assertion) error {
	if state != assertion.State {
		return &AssertionError{
			Type:     AssertLifecycle,
			Expected: fmt.Sprintf("lifecycle state %s", assertion.State),
			Actual:   fmt.Sprintf("lifecycle state %s", state),
		}
	}
	return nil
}

// assertResolve checks the remapper's answer for a provisional id.
func assertResolve(r *remap.Remapper, assertion Assertion) error {
	want, ok := toInt64(assertion.Expect["id"])
	if !ok {
		return fmt.Errorf("resolve assertion: expect.id must be an integer, got %T", assertion.Expect["id"])
	}
	if got := r.Resolve(assertion.ID); got != want {
		return &AssertionError{
			Type:     AssertResolve,
			Expected: fmt.Sprintf("%d resolves to %d", assertion.ID, want),
			Actual:   fmt.Sprintf("%d resolves to %d", assertion.ID, got),
		}
	}
	return nil
}

// assertFinalState checks if a journal table contains expected values.
// Queries the table with parameterized SQL and validates expected values
// using subset semantics.
//
// Security: Table and column names are validated against a whitelist pattern
// to prevent SQL injection via identifier interpolation.
func assertFinalState(ctx context.Context, st *store.Store, assertion Assertion) error {
	if !validIdentifier.MatchString(assertion.Table) {
		return fmt.Errorf("invalid table name %q: must match pattern %s", assertion.Table, validIdentifier.String())
	}

	whereSQL, whereArgs, err := buildWhereClause(assertion.Where)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("SELECT * FROM %s", assertion.Table)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}

	rows, err := st.DB().QueryContext(ctx, query, whereArgs...)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query table %s", assertion.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("get columns: %w", err)
	}

	if !rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", assertion.Table, formatWhereClause(assertion.Where)),
			Actual:   "row not found",
		}
	}

	values := make([]any, len(columns))
	valuePtrs := make([]any, len(columns))
	for i := range values {
		valuePtrs[i] = &values[i]
	}
	if err := rows.Scan(valuePtrs...); err != nil {
		return fmt.Errorf("scan row: %w", err)
	}

	// Multiple matching rows make the assertion ambiguous.
	if rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", assertion.Table, formatWhereClause(assertion.Where)),
			Actual:   "multiple rows matched (assertion is ambiguous)",
		}
	}

	actualRow := make(map[string]any, len(columns))
	for i, col := range columns {
		actualRow[col] = values[i]
	}

	keys := sortedKeys(assertion.Expect)
	for _, key := range keys {
		expectedValue := assertion.Expect[key]
		actualValue, exists := actualRow[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in result columns: %v", key, columns),
			}
		}
		if !stateValuesEqual(expectedValue, actualValue) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %v (type %T)", key, expectedValue, expectedValue),
				Actual:   fmt.Sprintf("field %q = %v (type %T)", key, actualValue, actualValue),
			}
		}
	}
	return nil
}

// buildWhereClause constructs parameterized WHERE clause from assertion.Where.
// Returns SQL fragment, arguments slice, and error. Keys are sorted for determinism.
//
// Security: Column names are validated against a whitelist pattern to prevent
// SQL injection via identifier interpolation.
func buildWhereClause(where map[string]any) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}

	keys := sortedKeys(where)
	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
		clauses = append(clauses, fmt.Sprintf("%s = ?", key))
		args = append(args, toSQLValue(where[key]))
	}
	return strings.Join(clauses, " AND "), args, nil
}

// toSQLValue converts a YAML value to a SQL-compatible value.
func toSQLValue(v any) any {
	switch val := v.(type) {
	case string, int, int64, bool:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}

// formatWhereClause creates a human-readable description of WHERE conditions.
func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}
	keys := sortedKeys(where)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

// stateValuesEqual compares expected and actual values from journal tables.
// SQLite returns int64 for integers and string or []byte for text.
func stateValuesEqual(expected, actual any) bool {
	if expected == nil || actual == nil {
		return expected == nil && actual == nil
	}
	if b, ok := actual.([]byte); ok {
		actual = string(b)
	}

	switch exp := expected.(type) {
	case string:
		s, ok := actual.(string)
		return ok && exp == s
	case bool:
		if b, ok := actual.(bool); ok {
			return exp == b
		}
		if n, ok := actual.(int64); ok {
			return exp == (n != 0)
		}
		return false
	}
	if want, ok := toInt64(expected); ok {
		got, ok := toInt64(actual)
		return ok && want == got
	}
	return reflect.DeepEqual(expected, actual)
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

// matchFields checks if actual contains all expected fields (subset match).
// Extra keys in actual are ignored. Values are compared after a JSON round
// trip so YAML integers match engine numbers.
func matchFields(actual, expected map[string]any) bool {
	if len(expected) == 0 {
		return true
	}
	if actual == nil {
		return false
	}
	for key, want := range expected {
		got, exists := actual[key]
		if !exists {
			return false
		}
		if !reflect.DeepEqual(normalize(got), normalize(want)) {
			return false
		}
	}
	return true
}

// normalize maps v onto the value space of decoded engine objects.
func normalize(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return v
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Ctx      context.Context
	Store    *store.Store
	Remapper *remap.Remapper
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides journal access for final_state and resolve.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var failures []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertReceivedCount:
			err = assertReceivedCount(result.Trace, assertion)
		case AssertLifecycle:
			err = assertLifecycle(result.Lifecycle, assertion)
		case AssertResolve:
			if actx == nil || actx.Remapper == nil {
				err = fmt.Errorf("assertion[%d]: resolve requires a remapper", i)
			} else {
				err = assertResolve(actx.Remapper, assertion)
			}
		case AssertFinalState:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires database context", i)
			} else {
				err = assertFinalState(actx.Ctx, actx.Store, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			failures = append(failures, err.Error())
		}
	}

	return failures
}
