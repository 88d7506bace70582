package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	// defaultIdleTimeout removes sessions with no traffic.
	defaultIdleTimeout = 10 * time.Minute
	// keepaliveInterval is the heartbeat cadence on streaming responses.
	keepaliveInterval = 30 * time.Second
	// outboundBuffer bounds the per-session frame queue.
	outboundBuffer = 64
)

// Session is one downstream transport session bound to a routing scope.
type Session struct {
	ID        string
	Scope     Scope
	User      string
	CreatedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	outbound chan []byte

	mu         sync.Mutex
	lastActive time.Time
	inflight   map[string]context.CancelFunc // JSON-RPC id -> cancel
	closed     bool
}

// Context returns the session-lifetime context; dispatched calls derive from
// it so a transport close aborts them.
func (s *Session) Context() context.Context { return s.ctx }

// Touch resets the idle clock.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// Send queues an outbound frame; frames are dropped when the session has no
// attached stream consuming them fast enough.
func (s *Session) Send(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("session %s is closed", s.ID)
	}
	select {
	case s.outbound <- data:
		return nil
	default:
		return fmt.Errorf("session %s outbound queue full", s.ID)
	}
}

// Outbound exposes the frame queue to the transport writer.
func (s *Session) Outbound() <-chan []byte { return s.outbound }

// registerInflight tracks the cancel handle for a request id.
func (s *Session) registerInflight(id any, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight == nil {
		s.inflight = map[string]context.CancelFunc{}
	}
	s.inflight[idKey(id)] = cancel
}

func (s *Session) clearInflight(id any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, idKey(id))
}

// CancelRequest aborts a single in-flight call, for $/cancelRequest.
func (s *Session) CancelRequest(id any) bool {
	s.mu.Lock()
	cancel, ok := s.inflight[idKey(id)]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// HasInflight reports whether the request id is currently dispatched.
func (s *Session) HasInflight(id any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[idKey(id)]
	return ok
}

func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancels := make([]context.CancelFunc, 0, len(s.inflight))
	for _, cancel := range s.inflight {
		cancels = append(cancels, cancel)
	}
	s.inflight = nil
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	s.cancel()
}

// idKey normalizes JSON-RPC ids (string or number) for map keys.
func idKey(id any) string {
	return fmt.Sprintf("%v", id)
}

// SessionManager owns all downstream sessions.
type SessionManager struct {
	logger      *zap.Logger
	idleTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	gauge    prometheus.Gauge

	sweepCancel context.CancelFunc
}

// SetGauge wires the open-session gauge; may stay unset in tests.
func (m *SessionManager) SetGauge(gauge prometheus.Gauge) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauge = gauge
}

func (m *SessionManager) updateGaugeLocked() {
	if m.gauge != nil {
		m.gauge.Set(float64(len(m.sessions)))
	}
}

// NewSessionManager creates an empty manager.
func NewSessionManager(logger *zap.Logger) *SessionManager {
	return &SessionManager{
		logger:      logger.Named("sessions"),
		idleTimeout: defaultIdleTimeout,
		sessions:    map[string]*Session{},
	}
}

// Start runs the idle sweep until ctx is cancelled.
func (m *SessionManager) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	m.sweepCancel = cancel
	go m.sweep(sweepCtx)
}

// Stop closes every session.
func (m *SessionManager) Stop() {
	if m.sweepCancel != nil {
		m.sweepCancel()
	}
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = map[string]*Session{}
	m.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}

// Create mints a new session with a unique UUIDv4 id. An id collision would
// break per-session routing, so it is treated as fatal.
func (m *SessionManager) Create(scope Scope, user string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	session := &Session{
		ID:         uuid.NewString(),
		Scope:      scope,
		User:       user,
		CreatedAt:  time.Now(),
		ctx:        ctx,
		cancel:     cancel,
		outbound:   make(chan []byte, outboundBuffer),
		lastActive: time.Now(),
	}

	m.mu.Lock()
	if _, exists := m.sessions[session.ID]; exists {
		m.mu.Unlock()
		panic(fmt.Sprintf("session id collision: %s", session.ID))
	}
	m.sessions[session.ID] = session
	m.updateGaugeLocked()
	m.mu.Unlock()

	m.logger.Info("Session opened",
		zap.String("session_id", session.ID),
		zap.String("scope", scope.Kind.String()),
		zap.String("scope_id", scope.ID),
		zap.String("user", user))
	return session
}

// Get looks a session up by id.
func (m *SessionManager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	return session, ok
}

// Remove closes a session and drops it from the map. Transports are closed
// outside the lock.
func (m *SessionManager) Remove(id string) {
	m.mu.Lock()
	session, ok := m.sessions[id]
	delete(m.sessions, id)
	m.updateGaugeLocked()
	m.mu.Unlock()
	if !ok {
		return
	}
	session.close()
	m.logger.Info("Session closed", zap.String("session_id", id))
}

// Each calls fn for every live session.
func (m *SessionManager) Each(fn func(*Session)) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		fn(s)
	}
}

// Count returns the number of live sessions.
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *SessionManager) sweep(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		cutoff := time.Now().Add(-m.idleTimeout)
		m.mu.Lock()
		var stale []string
		for id, session := range m.sessions {
			session.mu.Lock()
			idle := session.lastActive.Before(cutoff)
			session.mu.Unlock()
			if idle {
				stale = append(stale, id)
			}
		}
		m.mu.Unlock()
		for _, id := range stale {
			m.logger.Info("Closing idle session", zap.String("session_id", id))
			m.Remove(id)
		}
	}
}
