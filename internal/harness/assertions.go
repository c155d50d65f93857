package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/roach88/stakehold/internal/ledger/sim"
	"github.com/roach88/stakehold/internal/store"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
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
			switch ev.Type {
			case EventResult:
				fmt.Fprintf(&buf, "  [%d] +%ds %s -> %s (%s)\n", ev.Seq, ev.At, ev.Step, ev.Outcome, ev.Lifecycle)
			case EventNotification:
				fmt.Fprintf(&buf, "  [%d] +%ds notify %s\n", ev.Seq, ev.At, ev.Kind)
			}
		}
	}
	return buf.String()
}

// eventKind names a trace event for kind-based assertions: the step of a
// result, or the kind of a notification. Invocations have no kind.
func eventKind(ev TraceEvent) string {
	switch ev.Type {
	case EventResult:
		return ev.Step
	case EventNotification:
		return ev.Kind
	}
	return ""
}

// assertTraceContains checks that some event of the kind matches the
// assertion's fields (subset match).
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if eventKind(ev) != a.Kind {
			continue
		}
		if matchFields(eventMap(ev), a.Fields) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("%s with fields %v", a.Kind, a.Fields),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the kinds first appear in the given order.
// Other events may come in between.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[string]int)
	for i, ev := range trace {
		k := eventKind(ev)
		if _, seen := positions[k]; k != "" && !seen {
			positions[k] = i + 1
		}
	}

	for _, k := range a.Kinds {
		if positions[k] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all kinds present: %v", a.Kinds),
				Actual:   fmt.Sprintf("missing: %s", k),
				Trace:    trace,
			}
		}
	}
	for i := 1; i < len(a.Kinds); i++ {
		prev, curr := a.Kinds[i-1], a.Kinds[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("kinds in order: %v", a.Kinds),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks that exactly Count events of the kind occurred.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if eventKind(ev) == a.Kind {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, a.Kind),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState selects one row of a table and checks the expected
// fields (subset match). Rows are compared in their JSON form.
func assertFinalState(actx *AssertionContext, a Assertion) error {
	rows, err := tableRows(actx, a.Table)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("read table %s", a.Table),
			Actual:   fmt.Sprintf("error: %v", err),
		}
	}

	var matched []map[string]any
	for _, row := range rows {
		if matchFields(row, a.Where) {
			matched = append(matched, row)
		}
	}
	switch {
	case len(matched) == 0:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", a.Table, formatWhere(a.Where)),
			Actual:   "row not found",
		}
	case len(matched) > 1 && len(a.Where) > 0:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", a.Table, formatWhere(a.Where)),
			Actual:   "multiple rows matched (assertion is ambiguous)",
		}
	}

	// Without a where clause the first row is used: the newest history
	// entry, the oldest ledger object.
	row := matched[0]
	for _, key := range sortedKeys(a.Expect) {
		want := normalize(a.Expect[key])
		got, ok := row[key]
		if !ok && want == nil {
			continue
		}
		if !ok {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in %s row", key, a.Table),
			}
		}
		if !reflect.DeepEqual(want, got) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s.%s = %v", a.Table, key, want),
				Actual:   fmt.Sprintf("%s.%s = %v", a.Table, key, got),
			}
		}
	}
	return nil
}

// tableRows returns the rows of a final-state table as JSON objects. An
// empty active slot is the single row {"empty": true}.
func tableRows(actx *AssertionContext, table string) ([]map[string]any, error) {
	ctx := actx.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	var rows []any
	switch table {
	case TableActive:
		s, err := actx.Store.GetActive(ctx)
		if err != nil {
			return nil, err
		}
		if s == nil {
			return []map[string]any{{"empty": true}}, nil
		}
		rows = append(rows, s)
	case TableHistory:
		h, err := actx.Store.History(ctx, 0)
		if err != nil {
			return nil, err
		}
		for _, s := range h {
			rows = append(rows, s)
		}
	case TableStats:
		st, err := actx.Store.Stats(ctx)
		if err != nil {
			return nil, err
		}
		rows = append(rows, st)
	case TableLedger:
		if actx.Ledger == nil {
			return nil, fmt.Errorf("no ledger in context")
		}
		for _, o := range actx.Ledger.Objects() {
			rows = append(rows, o)
		}
	default:
		return nil, fmt.Errorf("unknown table %q", table)
	}

	out := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		m, ok := normalize(r).(map[string]any)
		if !ok {
			return nil, fmt.Errorf("row of %s is not an object", table)
		}
		out = append(out, m)
	}
	return out, nil
}

// normalize round-trips v through JSON so YAML-decoded expectations and
// stored rows compare with the same types.
func normalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// eventMap is the JSON form of a trace event.
func eventMap(ev TraceEvent) map[string]any {
	m, _ := normalize(ev).(map[string]any)
	return m
}

// matchFields reports whether actual contains every expected field.
// Extra keys in actual are ignored.
func matchFields(actual map[string]any, expected map[string]any) bool {
	for key, want := range expected {
		got, ok := actual[key]
		if !ok || !reflect.DeepEqual(got, normalize(want)) {
			return false
		}
	}
	return true
}

func formatWhere(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}
	parts := make([]string, 0, len(where))
	for _, k := range sortedKeys(where) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AssertionContext provides state for final_state assertions.
type AssertionContext struct {
	Ctx    context.Context
	Store  store.Store
	Ledger *sim.Ledger
}

// EvaluateAssertions evaluates every assertion and returns the messages of
// the failed ones.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertFinalState:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires a store", i)
			} else {
				err = assertFinalState(actx, a)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}
