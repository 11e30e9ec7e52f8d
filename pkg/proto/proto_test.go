package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseState(t *testing.T) {
	s, err := ParseState("reviewing")
	require.NoError(t, err)
	assert.Equal(t, StateReviewing, s)

	_, err = ParseState("REVIEWING")
	assert.Error(t, err)
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, StateComplete.IsTerminal())
	assert.True(t, StateFailed.IsTerminal())
	assert.False(t, StateFixing.IsTerminal())
	assert.False(t, StatePending.IsTerminal())
}

func TestParseTaskType(t *testing.T) {
	tt, err := ParseTaskType("CODEGEN")
	require.NoError(t, err)
	assert.Equal(t, TaskCodegen, tt)

	_, err = ParseTaskType("codegen")
	assert.Error(t, err)
}

func TestParseVerdict(t *testing.T) {
	v, err := ParseVerdict("REQUEST_CHANGES")
	require.NoError(t, err)
	assert.Equal(t, VerdictRequestChanges, v)

	_, err = ParseVerdict("approve")
	assert.Error(t, err)
}
