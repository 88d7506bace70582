package hub

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// handleSSEOpen serves GET <base>[/<user>]/sse[/<scope>]: it binds a new
// session to the resolved scope and streams frames until the client leaves.
// The first event names the message ingress endpoint.
func (s *Server) handleSSEOpen(w http.ResponseWriter, r *http.Request, user string, segments []string) {
	if !s.validUser(user) {
		http.Error(w, "unknown user", http.StatusNotFound)
		return
	}
	settings := s.store.Current()
	scope, err := ResolveScope(segments, settings)
	if err != nil {
		writeScopeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	session := s.sessions.Create(scope, user)
	defer s.sessions.Remove(session.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	messagesPath := s.basePath
	if user != "" {
		messagesPath += "/" + user
	}
	messagesPath += "/messages?sessionId=" + session.ID
	fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", messagesPath)
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-session.Context().Done():
			return
		case frame := <-session.Outbound():
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", frame)
			flusher.Flush()
		case <-keepalive.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
			session.Touch()
		}
	}
}

// handleSSEMessage serves POST <base>[/<user>]/messages?sessionId=…: the
// ingress half of an SSE session. Responses travel back over the event
// stream; the POST itself acknowledges with 202.
func (s *Server) handleSSEMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "missing sessionId", http.StatusBadRequest)
		return
	}
	session, ok := s.sessions.Get(sessionID)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	session.Touch()

	body, err := io.ReadAll(r.Body)
	if err != nil || len(body) == 0 {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}
	if body[0] == '[' {
		http.Error(w, "batch requests not supported", http.StatusBadRequest)
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid JSON-RPC frame", http.StatusBadRequest)
		return
	}

	headers := snapshotHeaders(r.Header)
	go func() {
		response := s.dispatcher.Handle(session, &req, headers)
		if response == nil {
			return
		}
		if err := session.Send(response); err != nil {
			s.logger.Debug("Dropping response for closed session",
				zap.String("session_id", session.ID), zap.Error(err))
		}
	}()

	w.WriteHeader(http.StatusAccepted)
	_, _ = io.WriteString(w, "Accepted")
}

func writeScopeError(w http.ResponseWriter, err error) {
	if scopeErr, ok := err.(*scopeError); ok {
		http.Error(w, scopeErr.message, scopeErr.status)
		return
	}
	http.Error(w, err.Error(), http.StatusBadRequest)
}
