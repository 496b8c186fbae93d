package technique

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComposition_Validate(t *testing.T) {
	// Test that structural validation accepts a well-formed composition

	comp, err := NewComposition("tc_base", "baseline", []string{"gather", "verify"})
	require.NoError(t, err)
	assert.NoError(t, comp.Validate())
}

func TestComposition_ValidateRejectsEmptyID(t *testing.T) {
	// Test that a composition without an ID is rejected

	_, err := NewComposition("", "nameless", []string{"gather"})
	assert.ErrorIs(t, err, ErrEmptyCompositionID)
}

func TestComposition_ValidateRejectsNoPrimitives(t *testing.T) {
	// Test that a composition must reference at least one primitive

	_, err := NewComposition("tc_empty", "empty", nil)
	assert.ErrorIs(t, err, ErrNoPrimitives)
}

func TestComposition_ValidateRejectsNonMemberOperatorRefs(t *testing.T) {
	// Test that operator inputs/outputs must reference member primitives

	comp, err := NewComposition("tc_refs", "refs", []string{"gather", "verify"})
	require.NoError(t, err)

	comp.Operators = []Operator{{
		ID:     "op_1",
		Type:   OperatorSequence,
		Inputs: []string{"missing"},
	}}
	assert.Error(t, comp.Validate())

	comp.Operators = []Operator{{
		ID:      "op_1",
		Type:    OperatorConditional,
		Inputs:  []string{"gather"},
		Outputs: []string{"absent"},
	}}
	assert.Error(t, comp.Validate())
}

func TestComposition_ValidateRejectsUnknownOperatorType(t *testing.T) {
	// Test that an unknown operator type fails validation

	comp, err := NewComposition("tc_badop", "badop", []string{"gather"})
	require.NoError(t, err)

	comp.Operators = []Operator{{ID: "op_1", Type: OperatorType("teleport"), Inputs: []string{"gather"}}}
	assert.Error(t, comp.Validate())
}

func TestComposition_CloneIsDeep(t *testing.T) {
	// Test that Clone detaches slices and parameter maps from the original

	comp, err := NewComposition("tc_clone", "clone", []string{"a", "b"})
	require.NoError(t, err)
	comp.Operators = []Operator{{
		ID:         "op_loop",
		Type:       OperatorLoop,
		Inputs:     []string{"a"},
		Parameters: map[string]any{"max_iterations": 3},
	}}

	cp := comp.Clone()
	cp.PrimitiveIDs[0] = "mutated"
	cp.Operators[0].Parameters["max_iterations"] = 99

	assert.Equal(t, "a", comp.PrimitiveIDs[0])
	assert.Equal(t, 3, comp.Operators[0].Parameters["max_iterations"])
}

func TestOutcome_Succeeded(t *testing.T) {
	// Test that only the success outcome counts toward success rates

	assert.True(t, OutcomeSuccess.Succeeded())
	assert.False(t, OutcomeFailure.Succeeded())
	assert.False(t, OutcomeTimeout.Succeeded())
	assert.False(t, OutcomeMaxIterations.Succeeded())
}

func TestExecutionTrace_Validate(t *testing.T) {
	// Test that traces require an outcome from the defined enum

	tr := NewExecutionTrace("tc_base")
	tr.PrimitiveSequence = []string{"gather", "verify"}
	tr.Outcome = OutcomeSuccess
	assert.NoError(t, tr.Validate())

	tr.Outcome = Outcome("exploded")
	assert.ErrorIs(t, tr.Validate(), ErrInvalidOutcome)
}
