package types

import (
	"fmt"
	"sync"
	"time"
)

// ConnectionState is the lifecycle state of one upstream client.
type ConnectionState int

const (
	// StateInit is the state before the first connection attempt.
	StateInit ConnectionState = iota
	// StateConnecting indicates a connection attempt is in progress.
	StateConnecting
	// StateConnected indicates the MCP handshake completed and the catalog
	// was fetched.
	StateConnected
	// StateDisconnected indicates a transport failure; the client retries
	// with exponential backoff.
	StateDisconnected
	// StateOAuthRequired indicates the upstream demands an authorization the
	// hub does not yet hold; retries are suspended until a token arrives.
	StateOAuthRequired
	// StateRemoved indicates the server was dropped from the settings
	// document and the instance is discarded.
	StateRemoved
)

func (s ConnectionState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateOAuthRequired:
		return "oauth_required"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Retry backoff: base 1s, factor 2, capped at 60s.
const (
	retryBase = time.Second
	retryCap  = 60 * time.Second
)

// ConnectionInfo is a point-in-time snapshot of a client's state.
type ConnectionInfo struct {
	State         ConnectionState `json:"state"`
	LastError     error           `json:"-"`
	RetryCount    int             `json:"retryCount"`
	LastRetryTime time.Time       `json:"lastRetryTime,omitempty"`
	ServerName    string          `json:"serverName,omitempty"`
	ServerVersion string          `json:"serverVersion,omitempty"`
}

// StateManager tracks state transitions for an upstream connection. State
// change callbacks run outside the lock.
type StateManager struct {
	mu            sync.RWMutex
	current       ConnectionState
	lastError     error
	retryCount    int
	lastRetryTime time.Time
	serverName    string
	serverVersion string

	onStateChange func(oldState, newState ConnectionState, info ConnectionInfo)
}

// NewStateManager returns a manager in StateInit.
func NewStateManager() *StateManager {
	return &StateManager{current: StateInit}
}

// SetStateChangeCallback registers the transition callback.
func (sm *StateManager) SetStateChangeCallback(fn func(oldState, newState ConnectionState, info ConnectionInfo)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onStateChange = fn
}

// State returns the current state.
func (sm *StateManager) State() ConnectionState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// Info returns a snapshot of the connection state.
func (sm *StateManager) Info() ConnectionInfo {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.infoLocked()
}

func (sm *StateManager) infoLocked() ConnectionInfo {
	return ConnectionInfo{
		State:         sm.current,
		LastError:     sm.lastError,
		RetryCount:    sm.retryCount,
		LastRetryTime: sm.lastRetryTime,
		ServerName:    sm.serverName,
		ServerVersion: sm.serverVersion,
	}
}

// TransitionTo moves to a new state. Reaching StateConnected clears the error
// and retry counters.
func (sm *StateManager) TransitionTo(newState ConnectionState) {
	sm.mu.Lock()
	oldState := sm.current
	sm.current = newState
	if newState == StateConnected {
		sm.lastError = nil
		sm.retryCount = 0
	}
	info := sm.infoLocked()
	callback := sm.onStateChange
	sm.mu.Unlock()

	if callback != nil && oldState != newState {
		callback(oldState, newState, info)
	}
}

// SetError records a transport failure and moves to StateDisconnected.
func (sm *StateManager) SetError(err error) {
	sm.mu.Lock()
	oldState := sm.current
	sm.current = StateDisconnected
	sm.lastError = err
	sm.retryCount++
	sm.lastRetryTime = time.Now()
	info := sm.infoLocked()
	callback := sm.onStateChange
	sm.mu.Unlock()

	if callback != nil {
		callback(oldState, StateDisconnected, info)
	}
}

// SetServerInfo records the upstream's advertised identity.
func (sm *StateManager) SetServerInfo(name, version string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.serverName = name
	sm.serverVersion = version
}

// LastError returns the most recent transport error.
func (sm *StateManager) LastError() error {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.lastError
}

// RetryDelay returns the backoff before the next attempt for the current
// retry count.
func (sm *StateManager) RetryDelay() time.Duration {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return backoffFor(sm.retryCount)
}

func backoffFor(retryCount int) time.Duration {
	if retryCount <= 0 {
		return 0
	}
	shift := retryCount - 1
	if shift > 6 { // 1s << 6 = 64s, already past the cap
		return retryCap
	}
	d := retryBase << uint(shift)
	if d > retryCap {
		return retryCap
	}
	return d
}

// ShouldRetry reports whether the backoff window for the current retry count
// has elapsed. Only disconnected clients retry; oauth_required waits for the
// coordinator.
func (sm *StateManager) ShouldRetry() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if sm.current != StateDisconnected {
		return false
	}
	if sm.retryCount == 0 {
		return true
	}
	return time.Since(sm.lastRetryTime) >= backoffFor(sm.retryCount)
}

// ValidateTransition reports whether moving between the two states is legal.
func ValidateTransition(from, to ConnectionState) error {
	valid := map[ConnectionState][]ConnectionState{
		StateInit:          {StateConnecting, StateRemoved},
		StateConnecting:    {StateConnected, StateDisconnected, StateOAuthRequired, StateRemoved},
		StateConnected:     {StateDisconnected, StateOAuthRequired, StateRemoved},
		StateDisconnected:  {StateConnecting, StateRemoved},
		StateOAuthRequired: {StateConnecting, StateRemoved},
		StateRemoved:       {},
	}
	for _, allowed := range valid[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s", from, to)
}
