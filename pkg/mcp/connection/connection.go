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

// Package connection manages the lifecycle of a single MCP server
// connection: transport construction, the JSON-RPC handshake, the
// connect/reconnect/recover state machine, session tracking for
// streamable-http, and the authorization handshake via a coordinator.
package connection

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/teradata-labs/warp/internal/version"
	"github.com/teradata-labs/warp/pkg/mcp/auth"
	"github.com/teradata-labs/warp/pkg/mcp/client"
	"github.com/teradata-labs/warp/pkg/mcp/protocol"
	"github.com/teradata-labs/warp/pkg/mcp/transport"
)

const (
	// SystemPrincipal identifies process-scoped connections that are
	// not bound to a user.
	SystemPrincipal = "system"

	// DefaultInitTimeout bounds the transport build plus handshake
	// when the descriptor does not set its own.
	DefaultInitTimeout = 120 * time.Second

	// DefaultCallTimeout bounds tool calls when neither the descriptor
	// nor the caller sets one.
	DefaultCallTimeout = 30 * time.Second

	// DefaultOAuthTimeout bounds how long a connect attempt waits for
	// the authorization flow to complete.
	DefaultOAuthTimeout = 60 * time.Second

	// maxReconnectAttempts caps the reconnect loop.
	maxReconnectAttempts = 3

	// sessionRecoveryDelay spaces session recovery from the failure
	// that triggered it.
	sessionRecoveryDelay = time.Second

	// clientName is reported to servers during the handshake.
	clientName = "warp"
)

// ServerSpec describes one MCP server. Immutable once the connection
// is created.
type ServerSpec struct {
	Name string
	// Type selects the transport when it cannot be inferred: one of
	// TypeStdio, TypeSSE, TypeWebSocket, TypeStreamableHTTP.
	Type string

	// Stdio fields.
	Command string
	Args    []string
	Env     map[string]string

	// HTTP-family fields.
	URL     string
	Headers map[string]string

	// Timeout bounds individual tool calls. InitTimeout bounds the
	// transport build plus handshake.
	Timeout     time.Duration
	InitTimeout time.Duration

	// OAuth carries the server's authorization configuration, if any.
	OAuth *auth.OAuthConfig
}

// OAuthFunc runs an authorization flow and blocks until it completes
// or the context expires. Coordinator.HandleOAuthRequired satisfies it.
type OAuthFunc func(ctx context.Context, req auth.OAuthRequest) (*auth.Tokens, error)

// Config configures a Connection.
type Config struct {
	Spec      ServerSpec
	Principal string // Defaults to SystemPrincipal
	Logger    *zap.Logger

	// TransportFactory overrides transport construction, mainly for
	// tests. Defaults to NewTransportFactory(Logger).
	TransportFactory TransportFactory

	// OAuth handles authorization errors during connect. When nil,
	// Connect surfaces an *OAuthRequiredError instead.
	OAuth OAuthFunc

	// OAuthTimeout bounds the wait for the authorization flow.
	// Defaults to DefaultOAuthTimeout.
	OAuthTimeout time.Duration
}

// connectResult is the shared outcome of an in-flight connect attempt.
// err is written before done closes.
type connectResult struct {
	done chan struct{}
	err  error
}

// Connection wraps one transport plus one JSON-RPC client for one
// server on behalf of one principal. All methods are safe for
// concurrent use.
type Connection struct {
	spec         ServerSpec
	principal    string
	logger       *zap.Logger
	factory      TransportFactory
	oauthFn      OAuthFunc
	oauthTimeout time.Duration

	state atomic.Int32

	mu            sync.Mutex
	tr            transport.Transport
	guard         *guardedTransport
	cl            *client.Client
	inflight      *connectResult
	tokens        *auth.Tokens
	listenCancel  context.CancelFunc
	watcherCancel context.CancelFunc

	// reconnecting guards the reconnect loop and session recovery:
	// at most one of either runs at a time. initializing marks an
	// in-flight connect. stopped latches explicit disconnects so
	// background loops do not resurrect the connection.
	reconnecting atomic.Bool
	initializing atomic.Bool
	oauthPending atomic.Bool
	stopped      atomic.Bool

	lastActivity atomic.Int64 // unix nanos, 0 when untouched

	// Backoff timing, tunable in tests.
	reconnectInitialDelay time.Duration
	recoveryDelay         time.Duration

	session *transport.SessionManager

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// New creates a Connection in the disconnected state.
func New(config Config) (*Connection, error) {
	if config.Spec.Name == "" {
		return nil, fmt.Errorf("server name is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	principal := config.Principal
	if principal == "" {
		principal = SystemPrincipal
	}
	logger = logger.With(
		zap.String("server", config.Spec.Name),
		zap.String("principal", principal),
	)
	factory := config.TransportFactory
	if factory == nil {
		factory = NewTransportFactory(logger)
	}
	oauthTimeout := config.OAuthTimeout
	if oauthTimeout <= 0 {
		oauthTimeout = DefaultOAuthTimeout
	}
	return &Connection{
		spec:                  config.Spec,
		principal:             principal,
		logger:                logger,
		factory:               factory,
		oauthFn:               config.OAuth,
		oauthTimeout:          oauthTimeout,
		reconnectInitialDelay: time.Second,
		recoveryDelay:         sessionRecoveryDelay,
		session:               transport.NewSessionManager(),
		subs:                  make(map[int]chan Event),
	}, nil
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Spec returns the server descriptor.
func (c *Connection) Spec() ServerSpec { return c.spec }

// Principal returns the user id this connection acts for, or
// SystemPrincipal.
func (c *Connection) Principal() string { return c.principal }

// SessionInfo returns the current session record, or nil when the
// server never issued one.
func (c *Connection) SessionInfo() *transport.SessionInfo {
	return c.session.Info()
}

// LastActivity returns when the connection last carried a call, or the
// zero time if it never has.
func (c *Connection) LastActivity() time.Time {
	nanos := c.lastActivity.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// Connect drives the connection to the connected state. It is
// idempotent when connected; concurrent callers share one attempt.
func (c *Connection) Connect(ctx context.Context) error {
	c.stopped.Store(false)
	return c.doConnect(ctx)
}

func (c *Connection) doConnect(ctx context.Context) error {
	if c.stopped.Load() {
		return fmt.Errorf("%w: %s has been disconnected", ErrNotConnected, c.spec.Name)
	}
	if c.State() == StateConnected {
		return nil
	}

	c.mu.Lock()
	if res := c.inflight; res != nil {
		c.mu.Unlock()
		select {
		case <-res.done:
			return res.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	res := &connectResult{done: make(chan struct{})}
	c.inflight = res
	c.mu.Unlock()

	res.err = c.connect(ctx)

	c.mu.Lock()
	c.inflight = nil
	c.mu.Unlock()
	close(res.done)

	return res.err
}

// connect runs one full connect attempt, including at most one
// authorization round-trip.
func (c *Connection) connect(ctx context.Context) error {
	c.initializing.Store(true)
	defer c.initializing.Store(false)

	c.setState(StateConnecting)

	err := c.establish(ctx)
	if err == nil {
		return nil
	}

	if IsAuthorizationError(err) {
		if c.oauthFn == nil {
			c.setState(StateError)
			return &OAuthRequiredError{
				Server:    c.spec.Name,
				Principal: c.principal,
				ServerURL: c.spec.URL,
				Err:       err,
			}
		}
		tokens, oauthErr := c.runOAuth(ctx, err)
		if oauthErr != nil {
			c.setState(StateError)
			return oauthErr
		}
		c.SetAuthTokens(tokens)
		// Resume the original attempt once with fresh credentials.
		if err = c.establish(ctx); err == nil {
			return nil
		}
	}

	c.setState(StateError)
	return err
}

// establish tears down any prior transport, builds a new one, and runs
// the handshake, all bounded by the init timeout.
func (c *Connection) establish(ctx context.Context) error {
	c.closeTransport()

	timeout := c.spec.InitTimeout
	if timeout <= 0 {
		timeout = DefaultInitTimeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.mu.Lock()
	var authToken string
	if c.tokens != nil {
		authToken = c.tokens.AccessToken
	}
	c.mu.Unlock()

	var sessionID string
	if info := c.session.Info(); info != nil && !info.Terminated {
		sessionID = info.ID
	}

	tr, err := c.factory(tctx, c.spec, sessionID, authToken)
	if err != nil {
		return c.connectError(tctx, ctx, timeout, err)
	}

	guard := newGuardedTransport(tr, c.logger, c.handleTransportDown)
	cl := client.NewClient(client.Config{
		Transport:      guard,
		Logger:         c.logger,
		RequestTimeout: c.callTimeout(),
	})

	clientInfo := protocol.Implementation{Name: clientName, Version: version.Get()}
	if err := cl.Initialize(tctx, clientInfo); err != nil {
		_ = cl.Close()
		return c.connectError(tctx, ctx, timeout, err)
	}

	watcherCtx, watcherCancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.tr = tr
	c.guard = guard
	c.cl = cl
	c.watcherCancel = watcherCancel
	c.mu.Unlock()

	c.adoptSession(tr)
	c.startListening(tr)
	go c.watch(watcherCtx, cl)

	c.touch()
	c.setState(StateConnected)

	c.logger.Info("Connected to MCP server",
		zap.String("transport", TransportKind(c.spec)),
		zap.String("server_name", cl.ServerInfo().Name),
		zap.String("server_version", cl.ServerInfo().Version))

	return nil
}

// connectError maps init-timeout expiry onto ErrConnectTimeout; other
// failures pass through.
func (c *Connection) connectError(tctx, ctx context.Context, timeout time.Duration, err error) error {
	if tctx.Err() != nil && ctx.Err() == nil {
		return fmt.Errorf("%w after %s: %v", ErrConnectTimeout, timeout, err)
	}
	return err
}

// runOAuth hands an authorization error to the coordinator and waits
// for tokens.
func (c *Connection) runOAuth(ctx context.Context, cause error) (*auth.Tokens, error) {
	c.oauthPending.Store(true)
	defer c.oauthPending.Store(false)

	c.logger.Info("Authorization required", zap.Error(cause))
	c.emit(Event{Type: EventOAuthRequired, Err: cause})

	octx, cancel := context.WithTimeout(ctx, c.oauthTimeout)
	defer cancel()

	tokens, err := c.oauthFn(octx, auth.OAuthRequest{
		Server:    c.spec.Name,
		Principal: c.principal,
		ServerURL: c.spec.URL,
		Config:    c.spec.OAuth,
		Cause:     cause,
	})
	if err != nil {
		c.logger.Warn("Authorization flow failed", zap.Error(err))
		c.emit(Event{Type: EventOAuthFailed, Err: err})
		return nil, fmt.Errorf("%w for %s: %v", ErrAuthorizationFailed, c.spec.Name, err)
	}

	c.emit(Event{Type: EventOAuthHandled})
	return tokens, nil
}

// adoptSession copies a server-issued session id from the transport
// into the connection's tracker.
func (c *Connection) adoptSession(tr transport.Transport) {
	sc, ok := tr.(sessionCarrier)
	if !ok {
		return
	}
	id := sc.GetSessionID()
	if id == "" || id == c.session.GetSessionID() {
		return
	}
	if err := c.session.SetSessionID(id); err != nil {
		c.logger.Warn("Ignoring invalid session ID from server", zap.Error(err))
		return
	}
	c.logger.Debug("Session established", zap.String("session_id", id))
	c.emit(Event{Type: EventSessionCreated, SessionID: id})
}

// startListening opens the standing GET stream for server-initiated
// messages on streamable-http. The stream lives until closeTransport.
func (c *Connection) startListening(tr transport.Transport) {
	sh, ok := tr.(*transport.StreamableHTTPTransport)
	if !ok {
		return
	}
	lctx, lcancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.listenCancel = lcancel
	c.mu.Unlock()
	go func() {
		if err := sh.StartListening(lctx); err != nil {
			c.logger.Debug("Standing GET stream unavailable", zap.Error(err))
		}
	}()
}

// sessionCarrier is the slice of the streamable-http transport the
// connection needs for session adoption and explicit termination.
type sessionCarrier interface {
	GetSessionID() string
	TerminateSession(ctx context.Context) error
}

// watch forwards server notifications into connection events until the
// client closes.
func (c *Connection) watch(ctx context.Context, cl *client.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-cl.Notifications():
			if !ok {
				return
			}
			switch n.Method {
			case protocol.NotificationResourcesListChanged:
				c.emit(Event{Type: EventResourcesChanged})
			case protocol.NotificationToolsListChanged:
				c.logger.Debug("Server announced tool list change")
			}
		}
	}
}

// Disconnect gracefully shuts the connection down. Streamable-http
// sessions are explicitly terminated first. Safe in any state.
func (c *Connection) Disconnect(ctx context.Context) error {
	c.stopped.Store(true)

	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()

	if tr != nil {
		if sc, ok := tr.(sessionCarrier); ok {
			if info := c.session.Info(); info != nil && !info.Terminated {
				if err := sc.TerminateSession(ctx); err != nil {
					c.logger.Warn("Explicit session termination failed", zap.Error(err))
				}
				c.session.MarkTerminated()
				c.emit(Event{Type: EventSessionTerminated, SessionID: info.ID})
			}
		}
	}

	c.closeTransport()
	c.session.ClearSession()
	c.setState(StateDisconnected)

	c.logger.Debug("Disconnected from MCP server")
	return nil
}

// closeTransport tears down the client, guard, and transport, in that
// order, cancelling the standing stream and notification watcher first.
func (c *Connection) closeTransport() {
	c.mu.Lock()
	cl := c.cl
	guard := c.guard
	tr := c.tr
	listenCancel := c.listenCancel
	watcherCancel := c.watcherCancel
	c.cl, c.guard, c.tr = nil, nil, nil
	c.listenCancel, c.watcherCancel = nil, nil
	c.mu.Unlock()

	if watcherCancel != nil {
		watcherCancel()
	}
	// The standing GET stream must unblock before transport close
	// waits on it.
	if listenCancel != nil {
		listenCancel()
	}

	switch {
	case cl != nil:
		_ = cl.Close() // closes the guard, which closes the transport
	case guard != nil:
		_ = guard.Close()
	case tr != nil:
		_ = tr.Close()
	}
}

// IsConnected actively probes liveness: state must be connected and a
// JSON-RPC ping must succeed.
func (c *Connection) IsConnected(ctx context.Context) bool {
	if c.State() != StateConnected {
		return false
	}
	cl := c.client()
	if cl == nil {
		return false
	}
	return cl.Ping(ctx) == nil
}

// CallOption adjusts a single tool call.
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
}

// WithCallTimeout overrides the descriptor's call timeout for one call.
func WithCallTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// CallTool invokes a tool on the server, bounded by the descriptor's
// call timeout unless overridden. Session errors on streamable-http
// trigger background recovery; the failed call still surfaces.
func (c *Connection) CallTool(ctx context.Context, name string, args map[string]interface{}, opts ...CallOption) (*protocol.CallToolResult, error) {
	cl := c.client()
	if cl == nil || c.State() != StateConnected {
		return nil, fmt.Errorf("%w: cannot call %s on %s", ErrNotConnected, name, c.spec.Name)
	}

	options := callOptions{timeout: c.callTimeout()}
	for _, opt := range opts {
		opt(&options)
	}

	cctx, cancel := context.WithTimeout(ctx, options.timeout)
	defer cancel()

	c.touch()
	result, err := cl.CallTool(cctx, name, args)
	if err != nil {
		c.handleCallError(err)
		return nil, fmt.Errorf("tool %s on server %s: %w", name, c.spec.Name, err)
	}
	return result, nil
}

// handleCallError inspects a failed call for session error signatures.
// Recoverable kinds kick off transparent recovery; an invalid session
// is cleared so the next connect starts fresh, but surfaces as-is.
func (c *Connection) handleCallError(err error) {
	if TransportKind(c.spec) != TypeStreamableHTTP {
		return
	}
	kind := transport.ClassifySessionError(err)
	if kind == transport.SessionErrorNone {
		return
	}

	c.logger.Warn("Session error detected",
		zap.String("kind", kind.String()), zap.Error(err))
	c.emit(Event{
		Type:      EventSessionError,
		SessionID: c.session.GetSessionID(),
		ErrorKind: kind,
		Err:       err,
	})

	if kind.Recoverable() {
		c.recoverSession(err)
	} else {
		c.session.ClearSession()
	}
}

// ListTools returns the server's tools. Best-effort: failures log and
// yield an empty list.
func (c *Connection) ListTools(ctx context.Context) []protocol.Tool {
	cl := c.client()
	if cl == nil {
		return nil
	}
	c.touch()
	tools, err := cl.ListTools(ctx)
	if err != nil {
		c.logger.Warn("Failed to list tools", zap.Error(err))
		return nil
	}
	return tools
}

// ListResources returns the server's resources. Best-effort.
func (c *Connection) ListResources(ctx context.Context) []protocol.Resource {
	cl := c.client()
	if cl == nil {
		return nil
	}
	c.touch()
	resources, err := cl.ListResources(ctx)
	if err != nil {
		c.logger.Warn("Failed to list resources", zap.Error(err))
		return nil
	}
	return resources
}

// ListPrompts returns the server's prompts. Best-effort.
func (c *Connection) ListPrompts(ctx context.Context) []protocol.Prompt {
	cl := c.client()
	if cl == nil {
		return nil
	}
	c.touch()
	prompts, err := cl.ListPrompts(ctx)
	if err != nil {
		c.logger.Warn("Failed to list prompts", zap.Error(err))
		return nil
	}
	return prompts
}

// SetAuthTokens stages tokens for the next (re)connect and pushes the
// access token into a live transport that accepts one.
func (c *Connection) SetAuthTokens(tokens *auth.Tokens) {
	c.mu.Lock()
	c.tokens = tokens
	tr := c.tr
	c.mu.Unlock()

	if tokens == nil || tr == nil {
		return
	}
	if ts, ok := tr.(interface{ SetAuthToken(string) }); ok {
		ts.SetAuthToken(tokens.AccessToken)
	}
}

// ServerInfo returns the server's reported implementation details.
func (c *Connection) ServerInfo() protocol.Implementation {
	cl := c.client()
	if cl == nil {
		return protocol.Implementation{}
	}
	return cl.ServerInfo()
}

// Capabilities returns the server's negotiated capabilities.
func (c *Connection) Capabilities() protocol.ServerCapabilities {
	cl := c.client()
	if cl == nil {
		return protocol.ServerCapabilities{}
	}
	return cl.ServerCapabilities()
}

// Instructions returns the server-supplied usage instructions, if any.
func (c *Connection) Instructions() string {
	cl := c.client()
	if cl == nil {
		return ""
	}
	return cl.Instructions()
}

// handleTransportDown reacts to unexpected transport shutdown while
// connected: enter the error state and let the reconnect loop run.
func (c *Connection) handleTransportDown(err error) {
	if c.stopped.Load() || c.initializing.Load() {
		return
	}
	if c.State() != StateConnected {
		return
	}
	c.logger.Warn("Transport failed", zap.Error(err))
	c.emit(Event{Type: EventError, Err: err})
	c.setState(StateError)
}

// setState updates the state, emits the transition, and kicks the
// reconnect loop on entry into error.
func (c *Connection) setState(next State) {
	prev := State(c.state.Swap(int32(next)))
	if prev == next {
		return
	}
	c.logger.Debug("Connection state changed",
		zap.String("from", prev.String()), zap.String("to", next.String()))
	c.emit(Event{Type: EventStateChange, State: next, Prev: prev})

	if next == StateError {
		c.maybeReconnect()
	}
}

// maybeReconnect starts the reconnect loop unless one is already
// running, a connect is in flight, or authorization is pending.
func (c *Connection) maybeReconnect() {
	if c.stopped.Load() || c.initializing.Load() || c.oauthPending.Load() {
		return
	}
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	go c.reconnectLoop()
}

// reconnectLoop retries the connection with exponential backoff, up to
// maxReconnectAttempts.
func (c *Connection) reconnectLoop() {
	defer c.reconnecting.Store(false)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.reconnectInitialDelay
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second

	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		time.Sleep(bo.NextBackOff())

		if c.shouldStopReconnecting() {
			return
		}

		c.logger.Info("Reconnecting",
			zap.Int("attempt", attempt), zap.Int("max_attempts", maxReconnectAttempts))

		if err := c.doConnect(context.Background()); err != nil {
			c.logger.Warn("Reconnect attempt failed",
				zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		return
	}

	c.logger.Error("Reconnect attempts exhausted",
		zap.Int("attempts", maxReconnectAttempts))
	c.emit(Event{Type: EventError, Err: ErrReconnectExhausted})
}

// shouldStopReconnecting reports whether the reconnect loop should
// give up: the connection was explicitly disconnected or something
// else already re-established it.
func (c *Connection) shouldStopReconnecting() bool {
	if c.stopped.Load() {
		return true
	}
	st := c.State()
	return st == StateDisconnected || st == StateConnected
}

// recoverSession handles a recoverable session failure: clear the
// record, drop the transport, wait briefly, reconnect for a fresh
// session. Runs in the background; the error state is never entered.
func (c *Connection) recoverSession(cause error) {
	if c.stopped.Load() || c.initializing.Load() {
		return
	}
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer c.reconnecting.Store(false)

		c.logger.Info("Recovering session", zap.Error(cause))
		c.session.ClearSession()
		c.closeTransport()
		c.setState(StateDisconnected)

		time.Sleep(c.recoveryDelay)

		if c.stopped.Load() {
			return
		}
		if err := c.doConnect(context.Background()); err != nil {
			c.logger.Warn("Session recovery failed", zap.Error(err))
		}
	}()
}

// client returns the current JSON-RPC client, or nil.
func (c *Connection) client() *client.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cl
}

// callTimeout returns the per-call timeout for this server.
func (c *Connection) callTimeout() time.Duration {
	if c.spec.Timeout > 0 {
		return c.spec.Timeout
	}
	return DefaultCallTimeout
}

// touch records call activity for idle reclamation.
func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}
