package hub

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// sessionHeader carries the streaming-HTTP session id.
const sessionHeader = "Mcp-Session-Id"

// handleStreamablePost serves POST <base>[/<user>]/mcp[/<scope>]. The first
// POST without a session id mints a new session (treated as initialize) and
// returns its id in the Mcp-Session-Id header; later POSTs echo the header.
func (s *Server) handleStreamablePost(w http.ResponseWriter, r *http.Request, user string, segments []string) {
	if !s.validUser(user) {
		http.Error(w, "unknown user", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil || len(body) == 0 {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}
	if body[0] == '[' {
		writeJSON(w, http.StatusOK, rpcFail(nil, codeInvalidRequest, "batch requests not supported"))
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, rpcFail(nil, codeParseError, "invalid JSON"))
		return
	}

	sessionID := r.Header.Get(sessionHeader)
	var session *Session
	if sessionID == "" {
		settings := s.store.Current()
		scope, scopeErr := ResolveScope(segments, settings)
		if scopeErr != nil {
			writeScopeError(w, scopeErr)
			return
		}
		session = s.sessions.Create(scope, user)
		w.Header().Set(sessionHeader, session.ID)
	} else {
		var ok bool
		session, ok = s.sessions.Get(sessionID)
		if !ok {
			writeJSON(w, http.StatusNotFound, rpcFail(req.ID, codeInvalidRequest, "unknown session"))
			return
		}
		w.Header().Set(sessionHeader, session.ID)
	}
	session.Touch()

	if req.isNotification() {
		s.dispatcher.Handle(session, &req, snapshotHeaders(r.Header))
		w.WriteHeader(http.StatusAccepted)
		return
	}

	response := s.dispatcher.Handle(session, &req, snapshotHeaders(r.Header))
	if response == nil {
		// Cancelled with the transport still open: acknowledge without a
		// result frame.
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

// handleStreamableGet opens the server-push stream for an existing session.
func (s *Server) handleStreamableGet(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(sessionHeader)
	if sessionID == "" {
		http.Error(w, "missing "+sessionHeader+" header", http.StatusBadRequest)
		return
	}
	session, ok := s.sessions.Get(sessionID)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set(sessionHeader, session.ID)
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

// handleStreamableDelete closes a session explicitly.
func (s *Server) handleStreamableDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(sessionHeader)
	if sessionID == "" {
		http.Error(w, "missing "+sessionHeader+" header", http.StatusBadRequest)
		return
	}
	if _, ok := s.sessions.Get(sessionID); !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	s.sessions.Remove(sessionID)
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
