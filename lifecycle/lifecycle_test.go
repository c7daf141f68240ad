package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/chrysalis/types"
)

var (
	longRun = types.VMType{SystemApp: types.SystemAppSystem, RunType: types.RunTypeLongRun}
	oneShot = types.VMType{SystemApp: types.SystemAppApp, RunType: types.RunTypeOneShot}
)

func TestRunEdges(t *testing.T) {
	step, err := Next(types.StateRegistered, ActionRun, longRun)
	require.NoError(t, err)
	assert.Equal(t, types.StateStarting, step.Transient)
	assert.Equal(t, types.StateRunning, step.Target)
	assert.True(t, step.SideEffect)

	for _, state := range []types.State{types.StateRunning, types.StateConnected} {
		_, err := Next(state, ActionRun, longRun)
		assert.ErrorIs(t, err, ErrAlreadyRunning, "run from %s", state)
	}

	for _, state := range []types.State{types.StateStarting, types.StateStopping} {
		_, err := Next(state, ActionRun, longRun)
		assert.ErrorIs(t, err, ErrTransitionInProgress, "run from %s", state)
	}

	_, err = Next(types.StateStopped, ActionRun, longRun)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestConnectEdges(t *testing.T) {
	step, err := Next(types.StateRunning, ActionConnect, longRun)
	require.NoError(t, err)
	assert.Equal(t, types.StateConnected, step.Target)
	assert.True(t, step.SideEffect)
	assert.False(t, step.NoOp)

	step, err = Next(types.StateConnected, ActionConnect, longRun)
	require.NoError(t, err)
	assert.True(t, step.NoOp, "reconnect must be a no-op success")

	for _, state := range []types.State{types.StateRegistered, types.StateStopped} {
		_, err := Next(state, ActionConnect, longRun)
		assert.ErrorIs(t, err, ErrNotRunning, "connect from %s", state)
	}

	_, err = Next(types.StateStarting, ActionConnect, longRun)
	assert.ErrorIs(t, err, ErrTransitionInProgress)
}

func TestStopEdges(t *testing.T) {
	for _, state := range []types.State{types.StateRunning, types.StateConnected} {
		step, err := Next(state, ActionStop, longRun)
		require.NoError(t, err, "stop from %s", state)
		assert.Equal(t, types.StateStopping, step.Transient)
		assert.Equal(t, types.StateStopped, step.Target)
		assert.True(t, step.SideEffect)
	}

	_, err := Next(types.StateRegistered, ActionStop, longRun)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = Next(types.StateStopped, ActionStop, longRun)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = Next(types.StateStopping, ActionStop, longRun)
	assert.ErrorIs(t, err, ErrTransitionInProgress)
}

func TestUnregisterEdges(t *testing.T) {
	for _, state := range []types.State{types.StateRegistered, types.StateStopped} {
		step, err := Next(state, ActionUnregister, longRun)
		require.NoError(t, err, "unregister from %s", state)
		assert.True(t, step.Remove)
		assert.False(t, step.SideEffect)
	}

	for _, state := range []types.State{types.StateRunning, types.StateConnected, types.StateStarting, types.StateStopping} {
		_, err := Next(state, ActionUnregister, longRun)
		assert.ErrorIs(t, err, ErrInvalidState, "unregister from %s", state)
	}
}

func TestCompleteEdges(t *testing.T) {
	for _, state := range []types.State{types.StateRunning, types.StateConnected} {
		step, err := Next(state, ActionComplete, oneShot)
		require.NoError(t, err, "complete from %s", state)
		assert.Equal(t, types.StateStopped, step.Target)
		assert.False(t, step.SideEffect, "completion must not trigger another driver call")
	}

	// Completion is a OneShot-only edge.
	_, err := Next(types.StateRunning, ActionComplete, longRun)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = Next(types.StateStopped, ActionComplete, oneShot)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestUnknownAction(t *testing.T) {
	_, err := Next(types.StateRegistered, Action("reboot"), longRun)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}
