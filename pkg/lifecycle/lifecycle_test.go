package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotetl/pkg/outcome"
)

func TestAdvance(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{Requested, Provisioned, true},
		{Requested, Terminated, true},
		{Provisioned, Running, true},
		{Provisioned, Failed, true},
		{Running, Completed, true},
		{Running, Failed, true},
		{Completed, Terminated, true},
		{Failed, Terminated, true},
		{Requested, Running, false},
		{Running, Terminated, false},
		{Completed, Failed, false},
		{Terminated, Requested, false},
		{Terminated, Terminated, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			got, err := Advance(tt.from, tt.to)
			if !tt.ok {
				require.ErrorIs(t, err, ErrInvalidTransition)
				assert.Equal(t, tt.from, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.to, got)
		})
	}
}

func TestPathReplaysSkippedStates(t *testing.T) {
	path, err := Path(Requested, Completed)
	require.NoError(t, err)
	assert.Equal(t, []State{Provisioned, Running, Completed}, path)

	path, err = Path(Requested, Failed)
	require.NoError(t, err)
	assert.Equal(t, []State{Provisioned, Failed}, path)

	path, err = Path(Completed, Completed)
	require.NoError(t, err)
	assert.Empty(t, path)

	_, err = Path(Terminated, Running)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestOnlyTerminatedIsTerminal(t *testing.T) {
	for _, s := range []State{Requested, Provisioned, Running, Completed, Failed} {
		assert.False(t, s.Terminal(), s)
	}
	assert.True(t, Terminated.Terminal())
}

func TestFromOutcome(t *testing.T) {
	s, err := FromOutcome(outcome.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, Completed, s)

	s, err = FromOutcome(outcome.StatusFailed)
	require.NoError(t, err)
	assert.Equal(t, Failed, s)

	_, err = FromOutcome("running")
	require.Error(t, err)
}
