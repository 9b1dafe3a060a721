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
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teradata-labs/warp/pkg/mcp/auth"
	"github.com/teradata-labs/warp/pkg/mcp/protocol"
	"github.com/teradata-labs/warp/pkg/mcp/transport"
)

// fakeServer implements transport.Transport with a scripted request
// handler, standing in for one dialed MCP server. It also satisfies
// the session carrier so streamable-http paths can be exercised.
type fakeServer struct {
	mu         sync.Mutex
	out        chan []byte
	handler    func(req *protocol.Request) *protocol.Response
	sendErr    error
	closed     bool
	sessionID  string
	terminated []string
}

func newFakeServer() *fakeServer {
	f := &fakeServer{out: make(chan []byte, 100)}
	f.handler = f.defaultHandler
	return f
}

func (f *fakeServer) Send(ctx context.Context, data []byte) error {
	f.mu.Lock()
	handler := f.handler
	sendErr := f.sendErr
	f.mu.Unlock()

	if sendErr != nil {
		return sendErr
	}

	msg, err := protocol.ParseMessage(data)
	if err != nil {
		return err
	}
	if !msg.IsRequest() || handler == nil {
		return nil
	}

	resp := handler(&protocol.Request{
		JSONRPC: msg.JSONRPC,
		ID:      msg.ID,
		Method:  msg.Method,
		Params:  msg.Params,
	})
	if resp != nil {
		frame, err := json.Marshal(resp)
		if err != nil {
			return err
		}
		f.mu.Lock()
		if !f.closed {
			f.out <- frame
		}
		f.mu.Unlock()
	}
	return nil
}

func (f *fakeServer) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case frame, ok := <-f.out:
		if !ok {
			return nil, io.EOF
		}
		return frame, nil
	}
}

func (f *fakeServer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.out)
	}
	return nil
}

func (f *fakeServer) GetSessionID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessionID
}

func (f *fakeServer) TerminateSession(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, f.sessionID)
	return nil
}

func (f *fakeServer) terminatedSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.terminated))
	copy(out, f.terminated)
	return out
}

func respondOK(id *protocol.RequestID, result interface{}) *protocol.Response {
	raw, _ := json.Marshal(result)
	return &protocol.Response{JSONRPC: protocol.JSONRPCVersion, ID: id, Result: raw}
}

func respondErr(id *protocol.RequestID, message string) *protocol.Response {
	return &protocol.Response{
		JSONRPC: protocol.JSONRPCVersion,
		ID:      id,
		Error:   protocol.NewError(protocol.ServerError, message, nil),
	}
}

func (f *fakeServer) defaultHandler(req *protocol.Request) *protocol.Response {
	switch req.Method {
	case protocol.MethodInitialize:
		return respondOK(req.ID, protocol.InitializeResult{
			ProtocolVersion: protocol.ProtocolVersion,
			Capabilities: protocol.ServerCapabilities{
				Tools: &protocol.ToolsCapability{ListChanged: true},
			},
			ServerInfo:   protocol.Implementation{Name: "scripted", Version: "2.0.0"},
			Instructions: "Call echo.",
		})
	case protocol.MethodPing:
		return respondOK(req.ID, map[string]interface{}{})
	case protocol.MethodToolsList:
		return respondOK(req.ID, protocol.ToolListResult{
			Tools: []protocol.Tool{{
				Name:        "echo",
				Description: "Echoes its input",
				InputSchema: map[string]interface{}{"type": "object"},
			}},
		})
	case protocol.MethodToolsCall:
		return respondOK(req.ID, protocol.CallToolResult{
			Content: []protocol.Content{{Type: "text", Text: "ok"}},
		})
	case protocol.MethodResourcesList:
		return respondOK(req.ID, protocol.ResourceListResult{
			Resources: []protocol.Resource{{URI: "file:///a.txt", Name: "a"}},
		})
	case protocol.MethodPromptsList:
		return respondOK(req.ID, protocol.PromptListResult{
			Prompts: []protocol.Prompt{{Name: "greet"}},
		})
	default:
		return &protocol.Response{
			JSONRPC: protocol.JSONRPCVersion,
			ID:      req.ID,
			Error:   protocol.NewError(protocol.MethodNotFound, "method not found", nil),
		}
	}
}

// fakeFactory hands out one scripted server per dial, in order. A nil
// entry makes that dial fail.
type fakeFactory struct {
	mu      sync.Mutex
	servers []*fakeServer
	dials   []dialRecord
	next    int
}

type dialRecord struct {
	sessionID string
	authToken string
}

func newFakeFactory(servers ...*fakeServer) *fakeFactory {
	return &fakeFactory{servers: servers}
}

func (f *fakeFactory) factory(ctx context.Context, spec ServerSpec, sessionID, authToken string) (transport.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials = append(f.dials, dialRecord{sessionID: sessionID, authToken: authToken})
	if f.next >= len(f.servers) {
		return nil, errors.New("connection refused")
	}
	srv := f.servers[f.next]
	f.next++
	if srv == nil {
		return nil, errors.New("connection refused")
	}
	return srv, nil
}

func (f *fakeFactory) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dials)
}

func (f *fakeFactory) dial(i int) dialRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials[i]
}

func newTestConnection(t *testing.T, spec ServerSpec, factory *fakeFactory, opts ...func(*Config)) *Connection {
	t.Helper()
	cfg := Config{
		Spec:             spec,
		Logger:           zaptest.NewLogger(t),
		TransportFactory: factory.factory,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	conn, err := New(cfg)
	require.NoError(t, err)
	conn.reconnectInitialDelay = 10 * time.Millisecond
	conn.recoveryDelay = 10 * time.Millisecond
	t.Cleanup(func() { _ = conn.Disconnect(context.Background()) })
	return conn
}

func drainEvents(ch <-chan Event) []Event {
	var evs []Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return evs
			}
			evs = append(evs, ev)
		default:
			return evs
		}
	}
}

func eventsOfType(evs []Event, typ EventType) []Event {
	var out []Event
	for _, ev := range evs {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestConnectLifecycle(t *testing.T) {
	factory := newFakeFactory(newFakeServer())
	conn := newTestConnection(t, ServerSpec{Name: "calc", URL: "http://localhost/sse"}, factory)

	assert.Equal(t, StateDisconnected, conn.State())
	assert.True(t, conn.LastActivity().IsZero())

	require.NoError(t, conn.Connect(context.Background()))
	assert.Equal(t, StateConnected, conn.State())
	assert.Equal(t, "scripted", conn.ServerInfo().Name)
	assert.Equal(t, "Call echo.", conn.Instructions())
	assert.NotNil(t, conn.Capabilities().Tools)

	// Connect is idempotent while connected.
	require.NoError(t, conn.Connect(context.Background()))
	assert.Equal(t, 1, factory.dialCount())

	require.NoError(t, conn.Disconnect(context.Background()))
	assert.Equal(t, StateDisconnected, conn.State())
	assert.Empty(t, conn.ListTools(context.Background()))
}

func TestConnectSingleFlight(t *testing.T) {
	srv := newFakeServer()
	base := srv.handler
	srv.handler = func(req *protocol.Request) *protocol.Response {
		if req.Method == protocol.MethodInitialize {
			time.Sleep(100 * time.Millisecond)
		}
		return base(req)
	}
	factory := newFakeFactory(srv)
	conn := newTestConnection(t, ServerSpec{Name: "calc", URL: "http://localhost/sse"}, factory)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = conn.Connect(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, factory.dialCount())
	assert.Equal(t, StateConnected, conn.State())
}

func TestConnectFailure(t *testing.T) {
	factory := newFakeFactory(nil)
	conn := newTestConnection(t, ServerSpec{Name: "calc", URL: "http://localhost/sse"}, factory)

	events, cancel := conn.Subscribe()
	defer cancel()

	err := conn.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, StateError, conn.State())

	evs := drainEvents(events)
	changes := eventsOfType(evs, EventStateChange)
	require.Len(t, changes, 2)
	assert.Equal(t, StateConnecting, changes[0].State)
	assert.Equal(t, StateError, changes[1].State)
}

func TestConnectTimeout(t *testing.T) {
	srv := newFakeServer()
	srv.handler = func(req *protocol.Request) *protocol.Response {
		return nil // never answer the handshake
	}
	factory := newFakeFactory(srv)
	conn := newTestConnection(t, ServerSpec{
		Name:        "slow",
		URL:         "http://localhost/sse",
		InitTimeout: 50 * time.Millisecond,
	}, factory)

	err := conn.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectTimeout)
	assert.Equal(t, StateError, conn.State())
}

func TestCallTool(t *testing.T) {
	t.Run("success updates activity", func(t *testing.T) {
		factory := newFakeFactory(newFakeServer())
		conn := newTestConnection(t, ServerSpec{Name: "calc", URL: "http://localhost/sse"}, factory)
		require.NoError(t, conn.Connect(context.Background()))

		result, err := conn.CallTool(context.Background(), "echo", map[string]interface{}{"msg": "hi"})
		require.NoError(t, err)
		require.Len(t, result.Content, 1)
		assert.Equal(t, "ok", result.Content[0].Text)
		assert.WithinDuration(t, time.Now(), conn.LastActivity(), 2*time.Second)
	})

	t.Run("not connected", func(t *testing.T) {
		factory := newFakeFactory()
		conn := newTestConnection(t, ServerSpec{Name: "calc", URL: "http://localhost/sse"}, factory)

		_, err := conn.CallTool(context.Background(), "echo", nil)
		assert.ErrorIs(t, err, ErrNotConnected)
	})

	t.Run("failure carries context and keeps state", func(t *testing.T) {
		srv := newFakeServer()
		base := srv.handler
		srv.handler = func(req *protocol.Request) *protocol.Response {
			if req.Method == protocol.MethodToolsCall {
				return respondErr(req.ID, "backend exploded")
			}
			return base(req)
		}
		factory := newFakeFactory(srv)
		conn := newTestConnection(t, ServerSpec{Name: "calc", URL: "http://localhost/sse"}, factory)
		require.NoError(t, conn.Connect(context.Background()))

		_, err := conn.CallTool(context.Background(), "echo", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "tool echo on server calc")
		assert.Contains(t, err.Error(), "backend exploded")
		assert.Equal(t, StateConnected, conn.State())
	})
}

func TestBestEffortListings(t *testing.T) {
	srv := newFakeServer()
	base := srv.handler
	srv.handler = func(req *protocol.Request) *protocol.Response {
		switch req.Method {
		case protocol.MethodResourcesList:
			return respondErr(req.ID, "resources unavailable")
		default:
			return base(req)
		}
	}
	factory := newFakeFactory(srv)
	conn := newTestConnection(t, ServerSpec{Name: "calc", URL: "http://localhost/sse"}, factory)
	require.NoError(t, conn.Connect(context.Background()))

	tools := conn.ListTools(context.Background())
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)

	// Failures degrade to empty, never error.
	assert.Empty(t, conn.ListResources(context.Background()))

	prompts := conn.ListPrompts(context.Background())
	require.Len(t, prompts, 1)
	assert.Equal(t, "greet", prompts[0].Name)
}

func TestIsConnected(t *testing.T) {
	t.Run("ping success", func(t *testing.T) {
		factory := newFakeFactory(newFakeServer())
		conn := newTestConnection(t, ServerSpec{Name: "calc", URL: "http://localhost/sse"}, factory)

		assert.False(t, conn.IsConnected(context.Background()))
		require.NoError(t, conn.Connect(context.Background()))
		assert.True(t, conn.IsConnected(context.Background()))

		require.NoError(t, conn.Disconnect(context.Background()))
		assert.False(t, conn.IsConnected(context.Background()))
	})

	t.Run("ping failure means not connected", func(t *testing.T) {
		srv := newFakeServer()
		base := srv.handler
		srv.handler = func(req *protocol.Request) *protocol.Response {
			if req.Method == protocol.MethodPing {
				return respondErr(req.ID, "ping rejected")
			}
			return base(req)
		}
		factory := newFakeFactory(srv)
		conn := newTestConnection(t, ServerSpec{Name: "calc", URL: "http://localhost/sse"}, factory)
		require.NoError(t, conn.Connect(context.Background()))

		assert.False(t, conn.IsConnected(context.Background()))
		assert.Equal(t, StateConnected, conn.State())
	})
}

func TestSessionAdoptionAndTermination(t *testing.T) {
	srv := newFakeServer()
	srv.sessionID = "ABCD1234"
	factory := newFakeFactory(srv)
	conn := newTestConnection(t, ServerSpec{
		Name: "gh", Type: TypeStreamableHTTP, URL: "http://localhost/mcp",
	}, factory)

	events, cancel := conn.Subscribe()
	defer cancel()

	require.NoError(t, conn.Connect(context.Background()))

	info := conn.SessionInfo()
	require.NotNil(t, info)
	assert.Equal(t, "ABCD1234", info.ID)
	assert.False(t, info.Terminated)

	require.NoError(t, conn.Disconnect(context.Background()))
	assert.Equal(t, []string{"ABCD1234"}, srv.terminatedSessions())
	assert.Nil(t, conn.SessionInfo())

	evs := drainEvents(events)
	created := eventsOfType(evs, EventSessionCreated)
	require.Len(t, created, 1)
	assert.Equal(t, "ABCD1234", created[0].SessionID)
	terminated := eventsOfType(evs, EventSessionTerminated)
	require.Len(t, terminated, 1)
	assert.Equal(t, "ABCD1234", terminated[0].SessionID)
}

func TestSessionRecoveryOn404(t *testing.T) {
	srv1 := newFakeServer()
	srv1.sessionID = "S1"
	base1 := srv1.handler
	srv1.handler = func(req *protocol.Request) *protocol.Response {
		if req.Method == protocol.MethodToolsCall {
			return respondErr(req.ID, "404 Not Found")
		}
		return base1(req)
	}
	srv2 := newFakeServer()
	srv2.sessionID = "S2"

	factory := newFakeFactory(srv1, srv2)
	conn := newTestConnection(t, ServerSpec{
		Name: "gh", Type: TypeStreamableHTTP, URL: "http://localhost/mcp",
	}, factory)

	events, cancel := conn.Subscribe()
	defer cancel()

	require.NoError(t, conn.Connect(context.Background()))
	require.Equal(t, "S1", conn.SessionInfo().ID)

	// The failed call surfaces; recovery runs in the background.
	_, err := conn.CallTool(context.Background(), "echo", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")

	require.Eventually(t, func() bool {
		if conn.State() != StateConnected {
			return false
		}
		info := conn.SessionInfo()
		return info != nil && info.ID == "S2"
	}, 5*time.Second, 10*time.Millisecond)

	// The recovery dial must not offer the dead session.
	require.Equal(t, 2, factory.dialCount())
	assert.Empty(t, factory.dial(1).sessionID)

	evs := drainEvents(events)
	sessionErrs := eventsOfType(evs, EventSessionError)
	require.Len(t, sessionErrs, 1)
	assert.Equal(t, transport.SessionTerminated, sessionErrs[0].ErrorKind)
	assert.Equal(t, "S1", sessionErrs[0].SessionID)

	// Recovery is first-class: no error-state transition, no generic
	// error event.
	for _, ev := range eventsOfType(evs, EventStateChange) {
		assert.NotEqual(t, StateError, ev.State)
	}
	assert.Empty(t, eventsOfType(evs, EventError))

	created := eventsOfType(evs, EventSessionCreated)
	require.Len(t, created, 2)
	assert.Equal(t, "S2", created[1].SessionID)
}

func TestSessionInvalidSurfacesWithoutRecovery(t *testing.T) {
	srv := newFakeServer()
	srv.sessionID = "S1"
	base := srv.handler
	srv.handler = func(req *protocol.Request) *protocol.Response {
		if req.Method == protocol.MethodToolsCall {
			return respondErr(req.ID, "invalid session id")
		}
		return base(req)
	}
	factory := newFakeFactory(srv)
	conn := newTestConnection(t, ServerSpec{
		Name: "gh", Type: TypeStreamableHTTP, URL: "http://localhost/mcp",
	}, factory)

	events, cancel := conn.Subscribe()
	defer cancel()

	require.NoError(t, conn.Connect(context.Background()))

	_, err := conn.CallTool(context.Background(), "echo", nil)
	require.Error(t, err)

	// The session is cleared for the next connect, but no recovery
	// reconnect runs.
	assert.Nil(t, conn.SessionInfo())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, factory.dialCount())
	assert.Equal(t, StateConnected, conn.State())

	evs := drainEvents(events)
	sessionErrs := eventsOfType(evs, EventSessionError)
	require.Len(t, sessionErrs, 1)
	assert.Equal(t, transport.SessionInvalid, sessionErrs[0].ErrorKind)
}

func TestReconnectAfterTransportFailure(t *testing.T) {
	srv1 := newFakeServer()
	srv2 := newFakeServer()
	factory := newFakeFactory(srv1, srv2)
	conn := newTestConnection(t, ServerSpec{Name: "calc", URL: "http://localhost/sse"}, factory)

	events, cancel := conn.Subscribe()
	defer cancel()

	require.NoError(t, conn.Connect(context.Background()))

	// Server drops the connection out from under us.
	require.NoError(t, srv1.Close())

	require.Eventually(t, func() bool {
		return conn.State() == StateConnected && factory.dialCount() == 2
	}, 5*time.Second, 10*time.Millisecond)

	evs := drainEvents(events)
	assert.NotEmpty(t, eventsOfType(evs, EventError))
	var sawError bool
	for _, ev := range eventsOfType(evs, EventStateChange) {
		if ev.State == StateError {
			sawError = true
		}
	}
	assert.True(t, sawError, "transport failure must pass through the error state")
}

func TestReconnectExhaustion(t *testing.T) {
	srv := newFakeServer()
	factory := newFakeFactory(srv) // every later dial fails
	conn := newTestConnection(t, ServerSpec{Name: "calc", URL: "http://localhost/sse"}, factory)

	events, cancel := conn.Subscribe()
	defer cancel()

	require.NoError(t, conn.Connect(context.Background()))
	require.NoError(t, srv.Close())

	require.Eventually(t, func() bool {
		for _, ev := range eventsOfType(drainEvents(events), EventError) {
			if errors.Is(ev.Err, ErrReconnectExhausted) {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, StateError, conn.State())
	// Initial dial plus three failed attempts.
	assert.Equal(t, 4, factory.dialCount())
}

func TestDisconnectStopsReconnect(t *testing.T) {
	srv := newFakeServer()
	factory := newFakeFactory(srv)
	conn := newTestConnection(t, ServerSpec{Name: "calc", URL: "http://localhost/sse"}, factory)
	conn.reconnectInitialDelay = 200 * time.Millisecond

	require.NoError(t, conn.Connect(context.Background()))
	require.NoError(t, srv.Close())

	require.Eventually(t, func() bool {
		return conn.State() == StateError
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, conn.Disconnect(context.Background()))

	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, StateDisconnected, conn.State())
	assert.Equal(t, 1, factory.dialCount())
}

func TestConnectAfterDisconnect(t *testing.T) {
	factory := newFakeFactory(newFakeServer(), newFakeServer())
	conn := newTestConnection(t, ServerSpec{Name: "calc", URL: "http://localhost/sse"}, factory)

	require.NoError(t, conn.Connect(context.Background()))
	require.NoError(t, conn.Disconnect(context.Background()))
	require.NoError(t, conn.Connect(context.Background()))

	assert.Equal(t, StateConnected, conn.State())
	assert.Equal(t, 2, factory.dialCount())
}

func TestAuthorizationRoundTrip(t *testing.T) {
	srv1 := newFakeServer()
	srv1.sendErr = errors.New("Non-200 status code (401): unauthorized")
	srv2 := newFakeServer()
	factory := newFakeFactory(srv1, srv2)

	var oauthCalls int
	var gotReq auth.OAuthRequest
	var mu sync.Mutex
	oauthFn := func(ctx context.Context, req auth.OAuthRequest) (*auth.Tokens, error) {
		mu.Lock()
		defer mu.Unlock()
		oauthCalls++
		gotReq = req
		return &auth.Tokens{AccessToken: "fresh-token"}, nil
	}

	conn := newTestConnection(t, ServerSpec{
		Name: "gh", URL: "http://localhost/mcp", Type: TypeStreamableHTTP,
	}, factory, func(cfg *Config) {
		cfg.Principal = "u1"
		cfg.OAuth = oauthFn
	})

	events, cancel := conn.Subscribe()
	defer cancel()

	require.NoError(t, conn.Connect(context.Background()))
	assert.Equal(t, StateConnected, conn.State())

	mu.Lock()
	assert.Equal(t, 1, oauthCalls)
	assert.Equal(t, "gh", gotReq.Server)
	assert.Equal(t, "u1", gotReq.Principal)
	assert.Equal(t, "http://localhost/mcp", gotReq.ServerURL)
	mu.Unlock()

	// The resumed dial carries the fresh token.
	require.Equal(t, 2, factory.dialCount())
	assert.Empty(t, factory.dial(0).authToken)
	assert.Equal(t, "fresh-token", factory.dial(1).authToken)

	evs := drainEvents(events)
	require.Len(t, eventsOfType(evs, EventOAuthRequired), 1)
	require.Len(t, eventsOfType(evs, EventOAuthHandled), 1)
	assert.Empty(t, eventsOfType(evs, EventOAuthFailed))
}

func TestAuthorizationFailureIsFatal(t *testing.T) {
	srv := newFakeServer()
	srv.sendErr = errors.New("Non-200 status code (401): unauthorized")
	factory := newFakeFactory(srv)

	oauthFn := func(ctx context.Context, req auth.OAuthRequest) (*auth.Tokens, error) {
		return nil, errors.New("user denied access")
	}

	conn := newTestConnection(t, ServerSpec{Name: "gh", URL: "http://localhost/mcp"}, factory,
		func(cfg *Config) { cfg.OAuth = oauthFn })

	events, cancel := conn.Subscribe()
	defer cancel()

	err := conn.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthorizationFailed)
	assert.Contains(t, err.Error(), "user denied access")
	assert.Equal(t, StateError, conn.State())
	assert.Equal(t, 1, factory.dialCount())

	evs := drainEvents(events)
	require.Len(t, eventsOfType(evs, EventOAuthFailed), 1)
}

func TestAuthorizationWithoutHandler(t *testing.T) {
	srv := newFakeServer()
	srv.sendErr = errors.New("Non-200 status code (401): unauthorized")
	factory := newFakeFactory(srv)

	conn := newTestConnection(t, ServerSpec{Name: "gh", URL: "http://localhost/mcp"}, factory,
		func(cfg *Config) { cfg.Principal = "u1" })

	err := conn.Connect(context.Background())
	require.Error(t, err)

	var oauthErr *OAuthRequiredError
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, "gh", oauthErr.Server)
	assert.Equal(t, "u1", oauthErr.Principal)
	assert.Equal(t, "http://localhost/mcp", oauthErr.ServerURL)
}

func TestSetAuthTokensStagedForNextConnect(t *testing.T) {
	factory := newFakeFactory(newFakeServer())
	conn := newTestConnection(t, ServerSpec{Name: "calc", URL: "http://localhost/sse"}, factory)
	require.NoError(t, conn.Connect(context.Background()))

	// The fake transport accepts no mid-life token push; staging must
	// not panic and the tokens must reach the next dial.
	conn.SetAuthTokens(&auth.Tokens{AccessToken: "staged"})
	require.NoError(t, conn.Disconnect(context.Background()))

	factory.mu.Lock()
	factory.servers = append(factory.servers, newFakeServer())
	factory.mu.Unlock()

	require.NoError(t, conn.Connect(context.Background()))
	assert.Equal(t, "staged", factory.dial(1).authToken)
}

func TestSubscribeCancel(t *testing.T) {
	factory := newFakeFactory(newFakeServer())
	conn := newTestConnection(t, ServerSpec{Name: "calc", URL: "http://localhost/sse"}, factory)

	events, cancel := conn.Subscribe()
	cancel()
	_, open := <-events
	assert.False(t, open)

	// Emitting after cancel must not panic.
	require.NoError(t, conn.Connect(context.Background()))
}
