package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/durable/internal/ir"
)

// Scenario is a scripted run of the engine.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Steps drive the engine, in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate invocations, journals and state after the steps.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one action against the engine. Exactly one of Submit, Wait,
// Advance, Resolve, Reject and Resume is set.
type Step struct {
	// Submit is the target to submit, with optional ID and Input.
	Submit string `yaml:"submit,omitempty"`
	ID     string `yaml:"id,omitempty"`
	Input  any    `yaml:"input,omitempty"`

	// Wait is an invocation ID to wait on until it has Status. Awaiting, if
	// set, must prefix the invocation's awaiting marker.
	Wait     string `yaml:"wait,omitempty"`
	Status   string `yaml:"status,omitempty"`
	Awaiting string `yaml:"awaiting,omitempty"`

	// Timeout bounds a wait. Defaults to DefaultWaitTimeout.
	Timeout string `yaml:"timeout,omitempty"`

	// Advance moves the clock forward by a duration such as "1h".
	Advance string `yaml:"advance,omitempty"`

	// Resolve completes a promise with Value; Reject with Reason.
	Resolve string `yaml:"resolve,omitempty"`
	Value   any    `yaml:"value,omitempty"`
	Reject  string `yaml:"reject,omitempty"`
	Reason  string `yaml:"reason,omitempty"`

	// Resume is a parked invocation to resume.
	Resume string `yaml:"resume,omitempty"`
}

// Step actions.
const (
	StepSubmit  = "submit"
	StepWait    = "wait"
	StepAdvance = "advance"
	StepResolve = "resolve"
	StepReject  = "reject"
	StepResume  = "resume"
)

// DefaultWaitTimeout bounds wait steps without a timeout.
const DefaultWaitTimeout = 5 * time.Second

// Action reports which action the step performs, or "" when it sets none
// or more than one.
func (s Step) Action() string {
	var actions []string
	for name, set := range map[string]bool{
		StepSubmit:  s.Submit != "",
		StepWait:    s.Wait != "",
		StepAdvance: s.Advance != "",
		StepResolve: s.Resolve != "",
		StepReject:  s.Reject != "",
		StepResume:  s.Resume != "",
	} {
		if set {
			actions = append(actions, name)
		}
	}
	if len(actions) != 1 {
		return ""
	}
	return actions[0]
}

// Assertion validates the outcome of a scenario.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Invocation is the invocation ID (all but final_state).
	Invocation string `yaml:"invocation,omitempty"`

	// Status and Code are checked by status assertions.
	Status string `yaml:"status,omitempty"`
	Code   string `yaml:"code,omitempty"`

	// Output is the expected output (output).
	Output any `yaml:"output,omitempty"`

	// Kind and Name select journal entries (journal_contains, journal_count).
	// Name matches the entry's identity.
	Kind string `yaml:"kind,omitempty"`
	Name string `yaml:"name,omitempty"`

	// Count is the expected number of entries (journal_count).
	Count int `yaml:"count,omitempty"`

	// Entries is the expected order as "kind" or "kind:identity"
	// (journal_order).
	Entries []string `yaml:"entries,omitempty"`

	// Object is "type/key" and Expect the expected fields (final_state).
	// Subset match: fields not named are ignored.
	Object string         `yaml:"object,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertStatus          = "status"
	AssertOutput          = "output"
	AssertJournalContains = "journal_contains"
	AssertJournalOrder    = "journal_order"
	AssertJournalCount    = "journal_count"
	AssertFinalState      = "final_state"
)

// LoadScenario reads and parses a scenario YAML file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML. Unknown fields are rejected.
func ParseScenario(data []byte) (*Scenario, error) {
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

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
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

func validateStep(index int, s Step) error {
	switch s.Action() {
	case "":
		return fmt.Errorf("steps[%d]: exactly one of submit, wait, advance, resolve, reject, resume is required", index)
	case StepSubmit:
		if _, err := ir.ParseTarget(s.Submit); err != nil {
			return fmt.Errorf("steps[%d]: %w", index, err)
		}
	case StepWait:
		if !ir.Status(s.Status).Valid() {
			return fmt.Errorf("steps[%d]: wait needs a valid status, got %q", index, s.Status)
		}
		if s.Timeout != "" {
			if _, err := time.ParseDuration(s.Timeout); err != nil {
				return fmt.Errorf("steps[%d]: invalid timeout: %w", index, err)
			}
		}
	case StepAdvance:
		d, err := time.ParseDuration(s.Advance)
		if err != nil {
			return fmt.Errorf("steps[%d]: invalid advance: %w", index, err)
		}
		if d <= 0 {
			return fmt.Errorf("steps[%d]: advance must be positive", index)
		}
	case StepReject:
		if s.Reason == "" {
			return fmt.Errorf("steps[%d]: reject needs a reason", index)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if a.Type != AssertFinalState && a.Invocation == "" {
		return fmt.Errorf("assertions[%d]: invocation is required for %s", index, a.Type)
	}

	switch a.Type {
	case AssertStatus:
		if !ir.Status(a.Status).Valid() {
			return fmt.Errorf("assertions[%d]: invalid status %q", index, a.Status)
		}
	case AssertOutput:
	case AssertJournalContains:
		if !ir.EntryKind(a.Kind).Valid() {
			return fmt.Errorf("assertions[%d]: invalid entry kind %q", index, a.Kind)
		}
	case AssertJournalOrder:
		if len(a.Entries) == 0 {
			return fmt.Errorf("assertions[%d]: entries list is required for journal_order", index)
		}
	case AssertJournalCount:
		if !ir.EntryKind(a.Kind).Valid() {
			return fmt.Errorf("assertions[%d]: invalid entry kind %q", index, a.Kind)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for journal_count", index)
		}
	case AssertFinalState:
		if _, err := parseObject(a.Object); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

// parseObject parses "type/key".
func parseObject(s string) (ir.ObjectKey, error) {
	t, err := ir.ParseTarget(s + "/_")
	if err != nil || t.Key == "" {
		return ir.ObjectKey{}, fmt.Errorf("object must be type/key, got %q", s)
	}
	return ir.ObjectKey{Type: t.Service, Key: t.Key}, nil
}
