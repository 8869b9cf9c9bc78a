package harness

import (
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/durable/internal/engine"
	"github.com/roach88/durable/internal/ir"
)

// TraceSnapshot captures what a scenario left behind: where each invocation
// ended up and every journal entry.
type TraceSnapshot struct {
	ScenarioName string              `json:"scenario"`
	Invocations  []InvocationSummary `json:"invocations"`
	Trace        []TraceEvent        `json:"trace"`
}

// toCanonicalMap converts a TraceSnapshot to a map[string]any for canonical
// JSON serialization, which only handles maps, slices and primitives.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	invocations := make([]any, len(s.Invocations))
	for i, inv := range s.Invocations {
		m := map[string]any{
			"id":     inv.ID,
			"target": inv.Target,
			"status": string(inv.Status),
		}
		if inv.Awaiting != "" {
			m["awaiting"] = inv.Awaiting
		}
		if len(inv.Output) > 0 {
			m["output"] = inv.Output
		}
		if inv.Failure != nil {
			m["failure"] = failureMap(inv.Failure)
		}
		invocations[i] = m
	}

	trace := make([]any, len(s.Trace))
	for i, ev := range s.Trace {
		m := map[string]any{
			"invocation": ev.Invocation,
			"seq":        ev.Seq,
			"kind":       string(ev.Kind),
		}
		if ev.Name != "" {
			m["name"] = ev.Name
		}
		if ev.Target != "" {
			m["target"] = ev.Target
		}
		if ev.ID != "" {
			m["id"] = ev.ID
		}
		if len(ev.Value) > 0 {
			m["value"] = ev.Value
		}
		if ev.Failure != nil {
			m["failure"] = failureMap(ev.Failure)
		}
		if !ev.FireAt.IsZero() {
			m["fire_at"] = ev.FireAt.UTC().Format(time.RFC3339Nano)
		}
		trace[i] = m
	}

	return map[string]any{
		"scenario":    s.ScenarioName,
		"invocations": invocations,
		"trace":       trace,
	}
}

func failureMap(f *ir.Failure) map[string]any {
	m := map[string]any{
		"code":    string(f.Code),
		"message": f.Message,
	}
	if f.Retryable {
		m["retryable"] = true
	}
	return m
}

// RunWithGolden executes a scenario and compares its trace against a golden
// file stored in testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if the scenario could not be run. A trace that doesn't match
// the golden file fails t through goldie.
func RunWithGolden(t *testing.T, scenario *Scenario, defs ...*engine.Definition) (*Result, error) {
	t.Helper()

	result, err := Run(scenario, defs...)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares the given result's trace against a golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snapshot := TraceSnapshot{
		ScenarioName: scenarioName,
		Invocations:  result.Invocations,
		Trace:        result.Trace,
	}
	traceJSON, err := ir.MarshalCanonical(snapshot.toCanonicalMap())
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
