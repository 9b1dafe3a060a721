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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ErrSessionNotFound indicates the server no longer knows the session
// (HTTP 404). The text matters: connection recovery classifies it.
var ErrSessionNotFound = errors.New("session not found (404)")

// ErrTransportClosed indicates an operation on a closed transport.
var ErrTransportClosed = errors.New("transport closed")

// StreamableHTTPTransport implements the MCP streamable-http transport
// (2025-03-26 spec): one POST per outbound message, JSON or SSE response
// bodies, session tracking via the Mcp-Session-Id header, and optional
// stream resumption.
type StreamableHTTPTransport struct {
	endpoint string
	client   *http.Client
	headers  map[string]string

	// Session management
	sessionMgr *SessionManager

	// Stream resumption
	resumption *StreamResumption

	// Message channels
	messages chan []byte
	errors   chan error

	// Lifecycle
	mu        sync.Mutex
	closed    bool
	started   bool
	authToken string
	logger    *zap.Logger

	// Stream management
	activeStreams sync.WaitGroup
	streamCancel  context.CancelFunc
	streamCtx     context.Context

	// Configuration
	enableSessions   bool
	enableResumption bool
}

// StreamableHTTPConfig configures streamable-http transport.
type StreamableHTTPConfig struct {
	Endpoint         string            // MCP endpoint URL
	Headers          map[string]string // Custom headers sent on every request
	SessionID        string            // Prior session ID to offer for resumption
	AuthToken        string            // Bearer token, if authorization is held
	EnableSessions   bool              // Enable session management
	EnableResumption bool              // Enable stream resumption
	Logger           *zap.Logger       // Logger
}

// NewStreamableHTTPTransport creates a new streamable-http transport.
func NewStreamableHTTPTransport(config StreamableHTTPConfig) (*StreamableHTTPTransport, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	streamCtx, streamCancel := context.WithCancel(context.Background())

	t := &StreamableHTTPTransport{
		endpoint:         config.Endpoint,
		client:           &http.Client{},
		headers:          config.Headers,
		sessionMgr:       NewSessionManager(),
		resumption:       NewStreamResumption(100),
		messages:         make(chan []byte, 100),
		errors:           make(chan error, 1),
		authToken:        config.AuthToken,
		logger:           logger,
		streamCtx:        streamCtx,
		streamCancel:     streamCancel,
		enableSessions:   config.EnableSessions,
		enableResumption: config.EnableResumption,
	}

	// Offering a prior session ID lets the server resume; it decides.
	if config.SessionID != "" {
		if err := t.sessionMgr.SetSessionID(config.SessionID); err != nil {
			logger.Warn("Ignoring invalid prior session ID", zap.Error(err))
		}
	}

	logger.Debug("Streamable HTTP transport created",
		zap.String("endpoint", config.Endpoint),
		zap.Bool("resuming_session", t.sessionMgr.HasSession()))

	return t, nil
}

// Send implements Transport by sending a JSON-RPC message via POST.
func (t *StreamableHTTPTransport) Send(ctx context.Context, message []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	started := t.started
	t.started = true
	t.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(message))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	t.applyHeaders(req)

	if sessionID := t.sessionMgr.GetSessionID(); sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}

	t.logger.Debug("Sending POST request",
		zap.String("endpoint", t.endpoint),
		zap.Int("message_size", len(message)),
		zap.Bool("has_session", t.sessionMgr.HasSession()))

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("POST request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := t.handleHTTPStatus(resp); err != nil {
		return err
	}

	// The server may assign a session on the initialization exchange.
	if !started && t.enableSessions {
		if sessionID := resp.Header.Get("Mcp-Session-Id"); sessionID != "" {
			if err := t.sessionMgr.SetSessionID(sessionID); err != nil {
				t.logger.Warn("Invalid session ID from server", zap.Error(err))
			} else {
				t.logger.Info("Session established", zap.String("session_id", sessionID))
			}
		}
	}

	contentType := resp.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(contentType, "text/event-stream"):
		// Single-event responses may close immediately; buffer first to
		// avoid reads on a closed response body.
		allData, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read SSE response: %w", err)
		}
		return t.handleSSEStream(ctx, io.NopCloser(bytes.NewReader(allData)))

	case strings.HasPrefix(contentType, "application/json"):
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}

		// Empty bodies with 202 Accepted are notification acknowledgments.
		if len(data) == 0 {
			return nil
		}

		select {
		case t.messages <- data:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}

	default:
		if resp.StatusCode == http.StatusAccepted {
			return nil
		}
		return fmt.Errorf("unexpected Content-Type: %s", contentType)
	}
}

// Receive implements Transport by receiving the next message.
func (t *StreamableHTTPTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-t.errors:
		return nil, err
	case msg, ok := <-t.messages:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	}
}

// Close implements Transport. It does not terminate the session: the
// owning connection decides whether to send the explicit DELETE first.
func (t *StreamableHTTPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.logger.Debug("Closing streamable HTTP transport")

	t.streamCancel()
	t.activeStreams.Wait()

	close(t.messages)
	close(t.errors)

	return nil
}

// StartListening opens the standing GET stream for server-initiated
// messages. When a resumption buffer holds a last event ID it is offered
// via Last-Event-ID so the server can replay missed events.
func (t *StreamableHTTPTransport) StartListening(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	t.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create listen request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	t.applyHeaders(req)
	if sessionID := t.sessionMgr.GetSessionID(); sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	if t.enableResumption {
		if lastID := t.resumption.LastEventID(); lastID != "" {
			req.Header.Set("Last-Event-ID", lastID)
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("listen request failed: %w", err)
	}

	// 405 means the server does not offer a server-push stream.
	if resp.StatusCode == http.StatusMethodNotAllowed {
		resp.Body.Close()
		t.logger.Debug("Server does not support standing GET stream")
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("listen request rejected: HTTP %d", resp.StatusCode)
	}

	return t.handleSSEStream(ctx, resp.Body)
}

// handleSSEStream processes an SSE response stream.
func (t *StreamableHTTPTransport) handleSSEStream(ctx context.Context, body io.ReadCloser) error {
	t.activeStreams.Add(1)
	go func() {
		defer t.activeStreams.Done()
		defer body.Close()

		parser := NewSSEParser(body)

		for {
			event, err := parser.ParseEvent()
			if err != nil {
				if err == io.EOF {
					return
				}
				// Closed response bodies are normal for single-response streams.
				if strings.Contains(err.Error(), "closed response body") ||
					strings.Contains(err.Error(), "read on closed") {
					return
				}
				t.logger.Warn("SSE stream error", zap.Error(err))
				select {
				case t.errors <- fmt.Errorf("SSE parse error: %w", err):
				default:
				}
				return
			}

			if len(event.Data) == 0 {
				continue
			}

			if t.enableResumption && event.ID != "" {
				t.resumption.AddEvent(*event)
			}

			select {
			case t.messages <- event.Data:
			case <-t.streamCtx.Done():
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// handleHTTPStatus handles HTTP status codes per MCP spec.
func (t *StreamableHTTPTransport) handleHTTPStatus(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		return nil

	case http.StatusBadRequest:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("bad request (400): %s", body)

	case http.StatusNotFound:
		t.logger.Warn("Server no longer knows this session (404), clearing session")
		t.sessionMgr.ClearSession()
		if t.enableResumption {
			t.resumption.Clear()
		}
		return ErrSessionNotFound

	case http.StatusUnauthorized, http.StatusForbidden:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("Non-200 status code (%d): %s", resp.StatusCode, body)

	case http.StatusMethodNotAllowed:
		return fmt.Errorf("method not allowed (405): server doesn't support this operation")

	default:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("HTTP error %d: %s", resp.StatusCode, body)
	}
}

// TerminateSession explicitly ends the session with a DELETE to the
// endpoint's /session path, echoing Mcp-Session-Id and carrying the
// bearer token when one is held. 2xx marks the record terminated; 405
// means the server does not support client-side termination; anything
// else is a soft failure — the session will expire server-side.
func (t *StreamableHTTPTransport) TerminateSession(ctx context.Context) error {
	if !t.sessionMgr.HasSession() {
		return nil
	}

	url := strings.TrimRight(t.endpoint, "/") + "/session"
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}

	req.Header.Set("Mcp-Session-Id", t.sessionMgr.GetSessionID())
	t.applyHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Warn("Session termination request failed", zap.Error(err))
		return nil
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		t.sessionMgr.MarkTerminated()
		t.logger.Info("Session terminated",
			zap.String("session_id", t.sessionMgr.GetSessionID()))
	case resp.StatusCode == http.StatusMethodNotAllowed:
		t.logger.Debug("Server doesn't support session termination")
	default:
		t.logger.Warn("Session termination rejected; session will expire server-side",
			zap.Int("status", resp.StatusCode))
	}
	return nil
}

// applyHeaders sets the configured custom headers and bearer token.
func (t *StreamableHTTPTransport) applyHeaders(req *http.Request) {
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	t.mu.Lock()
	token := t.authToken
	t.mu.Unlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// SetAuthToken replaces the bearer token used on subsequent requests.
func (t *StreamableHTTPTransport) SetAuthToken(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.authToken = token
}

// SetSessionID sets the session ID (used after initialization).
func (t *StreamableHTTPTransport) SetSessionID(id string) error {
	return t.sessionMgr.SetSessionID(id)
}

// GetSessionID returns the current session ID.
func (t *StreamableHTTPTransport) GetSessionID() string {
	return t.sessionMgr.GetSessionID()
}

// SessionInfo returns a snapshot of the session record, or nil.
func (t *StreamableHTTPTransport) SessionInfo() *SessionInfo {
	return t.sessionMgr.Info()
}
