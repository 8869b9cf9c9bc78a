package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWithGolden(t *testing.T) {
	for _, name := range []string{"order_fulfilment", "signup_approval"} {
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario("testdata/scenarios/" + name + ".yaml")
			require.NoError(t, err)

			// First run with -update to create golden file:
			//   go test ./internal/harness -run TestRunWithGolden -update
			result, err := RunWithGolden(t, scenario, definitions()...)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestGoldenIsStableAcrossRuns(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/order_fulfilment.yaml")
	require.NoError(t, err)

	first, err := Run(scenario, definitions()...)
	require.NoError(t, err)
	second, err := Run(scenario, definitions()...)
	require.NoError(t, err)

	a := TraceSnapshot{ScenarioName: scenario.Name, Invocations: first.Invocations, Trace: first.Trace}
	b := TraceSnapshot{ScenarioName: scenario.Name, Invocations: second.Invocations, Trace: second.Trace}
	assert.Equal(t, a.toCanonicalMap(), b.toCanonicalMap())
}
