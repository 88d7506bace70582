package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSessionIDsAreUnique(t *testing.T) {
	m := NewSessionManager(zap.NewNop())
	defer m.Stop()

	const n = 200
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- m.Create(Scope{Kind: ScopeGlobal}, "").ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		require.False(t, seen[id], "duplicate session id %s", id)
		seen[id] = true
	}
	assert.Equal(t, n, m.Count())
}

func TestSessionSendAndOutbound(t *testing.T) {
	m := NewSessionManager(zap.NewNop())
	defer m.Stop()

	session := m.Create(Scope{Kind: ScopeGlobal}, "alice")
	require.NoError(t, session.Send(map[string]string{"hello": "world"}))

	select {
	case frame := <-session.Outbound():
		assert.JSONEq(t, `{"hello":"world"}`, string(frame))
	case <-time.After(time.Second):
		t.Fatal("no frame delivered")
	}
}

func TestSessionRemoveCancelsContext(t *testing.T) {
	m := NewSessionManager(zap.NewNop())
	defer m.Stop()

	session := m.Create(Scope{Kind: ScopeGlobal}, "")
	ctx := session.Context()
	m.Remove(session.ID)

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("session context not cancelled on remove")
	}
	require.Error(t, session.Send("late"), "closed sessions reject frames")

	_, ok := m.Get(session.ID)
	assert.False(t, ok)
}

func TestSessionCancelRequest(t *testing.T) {
	m := NewSessionManager(zap.NewNop())
	defer m.Stop()

	session := m.Create(Scope{Kind: ScopeGlobal}, "")
	ctx, cancel := context.WithCancel(session.Context())
	session.registerInflight(float64(7), cancel)
	require.True(t, session.HasInflight(float64(7)))

	// JSON numbers decode as float64; cancellation must match the same id.
	require.True(t, session.CancelRequest(float64(7)))
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("cancel did not propagate")
	}

	assert.False(t, session.CancelRequest("missing"))
}

func TestIdleSweep(t *testing.T) {
	m := NewSessionManager(zap.NewNop())
	m.idleTimeout = 10 * time.Millisecond
	defer m.Stop()

	session := m.Create(Scope{Kind: ScopeGlobal}, "")

	// Backdate activity past the timeout, apply the sweep's idle check by
	// hand, then remove the session as the sweep does.
	session.mu.Lock()
	session.lastActive = time.Now().Add(-time.Minute)
	session.mu.Unlock()

	cutoff := time.Now().Add(-m.idleTimeout)
	session.mu.Lock()
	idle := session.lastActive.Before(cutoff)
	session.mu.Unlock()
	require.True(t, idle)
	m.Remove(session.ID)

	_, ok := m.Get(session.ID)
	assert.False(t, ok)
}
