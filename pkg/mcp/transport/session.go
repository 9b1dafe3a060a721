// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/teradata-labs/warp/pkg/mcp/protocol"
)

// SessionInfo is a snapshot of the session record for one connection.
type SessionInfo struct {
	ID         string
	CreatedAt  time.Time
	Terminated bool
}

// SessionManager tracks the MCP session ID for streamable-http transport.
// Per the MCP spec, session IDs are globally unique, cryptographically secure,
// and consist only of visible ASCII characters (0x21 to 0x7E).
type SessionManager struct {
	mu         sync.RWMutex
	sessionID  string
	createdAt  time.Time
	terminated bool
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{}
}

// SetSessionID sets the session ID from the server's Mcp-Session-Id header.
// Setting a fresh ID starts a new session record.
func (s *SessionManager) SetSessionID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate session ID contains only visible ASCII (0x21 to 0x7E)
	if id != "" {
		for _, c := range id {
			if c < 0x21 || c > 0x7E {
				return fmt.Errorf("invalid session ID: contains non-ASCII or invisible characters")
			}
		}
	}

	s.sessionID = id
	s.terminated = false
	if id != "" {
		s.createdAt = time.Now()
	} else {
		s.createdAt = time.Time{}
	}
	return nil
}

// GetSessionID returns the current session ID.
func (s *SessionManager) GetSessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// HasSession returns true if a session ID is set.
func (s *SessionManager) HasSession() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID != ""
}

// ClearSession clears the session record (used during re-initialization).
func (s *SessionManager) ClearSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = ""
	s.createdAt = time.Time{}
	s.terminated = false
}

// MarkTerminated flags the session as ended server-side. The ID is kept
// so diagnostics can still name it.
func (s *SessionManager) MarkTerminated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminated = true
}

// Info returns a snapshot of the session record, or nil when no session
// is held.
func (s *SessionManager) Info() *SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.sessionID == "" {
		return nil
	}
	return &SessionInfo{
		ID:         s.sessionID,
		CreatedAt:  s.createdAt,
		Terminated: s.terminated,
	}
}

// SessionErrorKind classifies session-specific failures reported by the
// server on a streamable-http connection.
type SessionErrorKind int

const (
	// SessionErrorNone means the error is not session-related.
	SessionErrorNone SessionErrorKind = iota
	// SessionTerminated means the server ended or forgot the session.
	SessionTerminated
	// SessionInvalid means the server rejected the session ID.
	SessionInvalid
	// SessionExpired means the session aged out server-side.
	SessionExpired
)

// String returns the wire-style name of the kind.
func (k SessionErrorKind) String() string {
	switch k {
	case SessionTerminated:
		return "session_terminated"
	case SessionInvalid:
		return "session_invalid"
	case SessionExpired:
		return "session_expired"
	default:
		return "none"
	}
}

// Recoverable reports whether a fresh connect can transparently obtain a
// new session after this kind of failure.
func (k SessionErrorKind) Recoverable() bool {
	return k == SessionTerminated || k == SessionExpired
}

// ClassifySessionError inspects an error for session failure signatures.
// The wrapped HTTP stack does not surface status codes on streaming
// responses, so classification matches substrings of the lower-cased
// error text and, for JSON-RPC errors, the message field.
func ClassifySessionError(err error) SessionErrorKind {
	if err == nil {
		return SessionErrorNone
	}

	probe := strings.ToLower(err.Error())
	var rpcErr *protocol.Error
	if errors.As(err, &rpcErr) {
		probe += " " + strings.ToLower(rpcErr.Message)
	}

	switch {
	case containsAny(probe, "404", "not found", "session not found", "session terminated"):
		return SessionTerminated
	case containsAny(probe, "400", "bad request", "invalid session", "session invalid"):
		return SessionInvalid
	case containsAny(probe, "timeout", "expired", "session expired"):
		return SessionExpired
	default:
		return SessionErrorNone
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
