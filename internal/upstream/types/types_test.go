package types

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "init", StateInit.String())
	assert.Equal(t, "oauth_required", StateOAuthRequired.String())
	assert.Equal(t, "removed", StateRemoved.String())
}

func TestTransitionClearsErrorOnConnected(t *testing.T) {
	sm := NewStateManager()
	sm.SetError(errors.New("boom"))
	require.Equal(t, StateDisconnected, sm.State())
	require.Equal(t, 1, sm.Info().RetryCount)

	sm.TransitionTo(StateConnecting)
	sm.TransitionTo(StateConnected)
	assert.Nil(t, sm.LastError())
	assert.Zero(t, sm.Info().RetryCount)
}

func TestStateChangeCallback(t *testing.T) {
	sm := NewStateManager()
	var transitions []ConnectionState
	sm.SetStateChangeCallback(func(_, newState ConnectionState, _ ConnectionInfo) {
		transitions = append(transitions, newState)
	})

	sm.TransitionTo(StateConnecting)
	sm.TransitionTo(StateConnecting) // no-op, not reported
	sm.TransitionTo(StateConnected)
	assert.Equal(t, []ConnectionState{StateConnecting, StateConnected}, transitions)
}

func TestBackoffSchedule(t *testing.T) {
	assert.Equal(t, time.Duration(0), backoffFor(0))
	assert.Equal(t, time.Second, backoffFor(1))
	assert.Equal(t, 2*time.Second, backoffFor(2))
	assert.Equal(t, 32*time.Second, backoffFor(6))
	assert.Equal(t, 60*time.Second, backoffFor(7))
	assert.Equal(t, 60*time.Second, backoffFor(40))
}

func TestShouldRetry(t *testing.T) {
	sm := NewStateManager()
	assert.False(t, sm.ShouldRetry(), "init never retries")

	sm.SetError(errors.New("down"))
	// One failure recorded just now: backoff of 1s has not elapsed.
	assert.False(t, sm.ShouldRetry())

	sm.mu.Lock()
	sm.lastRetryTime = time.Now().Add(-2 * time.Second)
	sm.mu.Unlock()
	assert.True(t, sm.ShouldRetry())

	sm.TransitionTo(StateOAuthRequired)
	assert.False(t, sm.ShouldRetry(), "oauth_required waits for the coordinator")
}

func TestValidateTransition(t *testing.T) {
	require.NoError(t, ValidateTransition(StateInit, StateConnecting))
	require.NoError(t, ValidateTransition(StateConnecting, StateOAuthRequired))
	require.NoError(t, ValidateTransition(StateOAuthRequired, StateConnecting))
	require.Error(t, ValidateTransition(StateRemoved, StateConnecting))
	require.Error(t, ValidateTransition(StateInit, StateConnected))
}
