package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/go-cmp/cmp"

	"github.com/roach88/durable/internal/ir"
	"github.com/roach88/durable/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Journal  []TraceEvent // Journal of the invocation asserted on
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Journal) > 0 {
		fmt.Fprintf(&buf, "\nJournal of %s:\n", e.Journal[0].Invocation)
		for _, ev := range e.Journal {
			fmt.Fprintf(&buf, "  [%d] %s\n", ev.Seq, ev.Label())
		}
	}
	return buf.String()
}

func assertStatus(result *Result, a Assertion) error {
	inv, ok := result.Invocation(a.Invocation)
	if !ok {
		return missingInvocation(a)
	}
	if inv.Status != ir.Status(a.Status) {
		return &AssertionError{
			Type:     AssertStatus,
			Expected: fmt.Sprintf("%s is %s", a.Invocation, a.Status),
			Actual:   describeInvocation(inv),
			Journal:  result.Journal(a.Invocation),
		}
	}
	if a.Code != "" && (inv.Failure == nil || string(inv.Failure.Code) != a.Code) {
		return &AssertionError{
			Type:     AssertStatus,
			Expected: fmt.Sprintf("%s failed with %s", a.Invocation, a.Code),
			Actual:   describeInvocation(inv),
			Journal:  result.Journal(a.Invocation),
		}
	}
	return nil
}

// assertOutput compares decoded JSON, so number spelling and key order do
// not matter.
func assertOutput(result *Result, a Assertion) error {
	inv, ok := result.Invocation(a.Invocation)
	if !ok {
		return missingInvocation(a)
	}
	actual, err := decodeValue(inv.Output)
	if err != nil {
		return err
	}
	expected, err := normalize(a.Output)
	if err != nil {
		return err
	}
	if diff := cmp.Diff(expected, actual); diff != "" {
		return &AssertionError{
			Type:     AssertOutput,
			Expected: fmt.Sprintf("%s output %s", a.Invocation, mustJSON(expected)),
			Actual:   fmt.Sprintf("%s (-want +got):\n%s", describeInvocation(inv), diff),
			Journal:  result.Journal(a.Invocation),
		}
	}
	return nil
}

func matchesEntry(ev TraceEvent, kind, name string) bool {
	if string(ev.Kind) != kind {
		return false
	}
	return name == "" || ev.Label() == kind+":"+name
}

func assertJournalContains(result *Result, a Assertion) error {
	journal := result.Journal(a.Invocation)
	for _, ev := range journal {
		if matchesEntry(ev, a.Kind, a.Name) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertJournalContains,
		Expected: fmt.Sprintf("%s journal holds %s", a.Invocation, label(a.Kind, a.Name)),
		Actual:   "not found in journal",
		Journal:  journal,
	}
}

// assertJournalOrder checks that entries appear in the specified order.
// Entries don't need to be consecutive.
func assertJournalOrder(result *Result, a Assertion) error {
	journal := result.Journal(a.Invocation)
	pos := 0
	for _, want := range a.Entries {
		kind, name, _ := strings.Cut(want, ":")
		found := false
		for pos < len(journal) {
			ev := journal[pos]
			pos++
			if matchesEntry(ev, kind, name) {
				found = true
				break
			}
		}
		if !found {
			return &AssertionError{
				Type:     AssertJournalOrder,
				Expected: fmt.Sprintf("entries in order: %v", a.Entries),
				Actual:   fmt.Sprintf("%s not found after the entries before it", want),
				Journal:  journal,
			}
		}
	}
	return nil
}

func assertJournalCount(result *Result, a Assertion) error {
	journal := result.Journal(a.Invocation)
	count := 0
	for _, ev := range journal {
		if matchesEntry(ev, a.Kind, a.Name) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertJournalCount,
			Expected: fmt.Sprintf("%d entries %s", a.Count, label(a.Kind, a.Name)),
			Actual:   fmt.Sprintf("%d entries", count),
			Journal:  journal,
		}
	}
	return nil
}

// assertFinalState checks committed object state with subset semantics.
func assertFinalState(ctx context.Context, backend store.Backend, a Assertion) error {
	obj, err := parseObject(a.Object)
	if err != nil {
		return err
	}
	state, err := backend.GetAllState(ctx, obj)
	if err != nil {
		return fmt.Errorf("failed to read state of %s: %w", a.Object, err)
	}

	actual := make(map[string]any, len(a.Expect))
	for field := range a.Expect {
		raw, ok := state[field]
		if !ok {
			continue
		}
		if actual[field], err = decodeValue(raw); err != nil {
			return err
		}
	}
	expected, err := normalize(a.Expect)
	if err != nil {
		return err
	}
	if diff := cmp.Diff(expected, any(actual)); diff != "" {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s state %s", a.Object, mustJSON(expected)),
			Actual:   fmt.Sprintf("(-want +got):\n%s", diff),
		}
	}
	return nil
}

// AssertionContext gives assertions access to the stopped engine's store.
type AssertionContext struct {
	Backend store.Backend
	Ctx     context.Context
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides store access for final_state assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertStatus:
			err = assertStatus(result, assertion)
		case AssertOutput:
			err = assertOutput(result, assertion)
		case AssertJournalContains:
			err = assertJournalContains(result, assertion)
		case AssertJournalOrder:
			err = assertJournalOrder(result, assertion)
		case AssertJournalCount:
			err = assertJournalCount(result, assertion)
		case AssertFinalState:
			if actx == nil || actx.Backend == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires store context", i)
			} else {
				err = assertFinalState(actx.Ctx, actx.Backend, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}

func missingInvocation(a Assertion) error {
	return &AssertionError{
		Type:     a.Type,
		Expected: fmt.Sprintf("invocation %s", a.Invocation),
		Actual:   "no such invocation",
	}
}

func describeInvocation(inv InvocationSummary) string {
	switch {
	case inv.Failure != nil:
		return fmt.Sprintf("%s is %s: %s", inv.ID, inv.Status, inv.Failure.Error())
	case len(inv.Output) > 0:
		return fmt.Sprintf("%s is %s with output %s", inv.ID, inv.Status, inv.Output)
	}
	return fmt.Sprintf("%s is %s", inv.ID, inv.Status)
}

func label(kind, name string) string {
	if name == "" {
		return kind
	}
	return kind + ":" + name
}

// decodeValue decodes stored JSON the same way normalize does expectations.
func decodeValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("stored value is not JSON: %w", err)
	}
	return v, nil
}

// normalize turns a YAML-decoded value into its JSON-decoded form, so
// integers from YAML compare equal to float64 from JSON.
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("expected value is not JSON: %w", err)
	}
	return decodeValue(raw)
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
