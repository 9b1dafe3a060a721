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

// Package manager pools MCP server connections across three scopes:
// one shared process-scope connection per server, plus per-thread
// connections created lazily for (user, thread) pairs and reclaimed
// after idle timeouts. Tool calls are dispatched to the narrowest
// scope the request identifies.
package manager

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/teradata-labs/warp/internal/csync"
	"github.com/teradata-labs/warp/pkg/mcp/auth"
	"github.com/teradata-labs/warp/pkg/mcp/connection"
	"github.com/teradata-labs/warp/pkg/mcp/protocol"
)

const (
	// DefaultThreadIdleTimeout is how long an untouched thread keeps
	// its connections.
	DefaultThreadIdleTimeout = 60 * time.Minute

	// DefaultUserIdleTimeout is how long an idle user keeps any
	// thread-scope state.
	DefaultUserIdleTimeout = 15 * time.Minute

	// DefaultReapInterval is the background reclamation period.
	DefaultReapInterval = 5 * time.Minute

	// DefaultInitTimeout bounds one pool-initiated connect, retries
	// included. Connections dialed outside the pool default to the
	// longer connection.DefaultInitTimeout.
	DefaultInitTimeout = 30 * time.Second

	initAttempts  = 3
	initRetryStep = 2 * time.Second
)

var (
	// ErrUnknownServer reports a server name absent from the registry.
	ErrUnknownServer = errors.New("unknown server")

	// ErrMissingUser and ErrMissingThread reject thread-scope
	// acquisition without a full identity.
	ErrMissingUser   = errors.New("user id is required")
	ErrMissingThread = errors.New("thread id is required")

	// ErrShuttingDown rejects new work once DisconnectAll has begun.
	ErrShuttingDown = errors.New("mcp manager is shutting down")

	// ErrAlreadyInitialized guards the one-manager-per-process rule.
	ErrAlreadyInitialized = errors.New("mcp manager already initialized")
)

// Options tunes manager construction. Zero values select production
// defaults.
type Options struct {
	Logger *zap.Logger

	// Coordinator handles authorization flows and token storage.
	// Defaults to an in-memory coordinator.
	Coordinator *auth.Coordinator

	// TransportFactory overrides transport construction, mainly for
	// tests.
	TransportFactory connection.TransportFactory

	// ThreadIdleTimeout and UserIdleTimeout bound how long idle
	// thread- and user-scope state is kept.
	ThreadIdleTimeout time.Duration
	UserIdleTimeout   time.Duration

	// ReapInterval is the background reclamation period. Negative
	// disables the background pass; reclamation then runs only on
	// acquisition.
	ReapInterval time.Duration

	// InitTimeout bounds pool-initiated connects, retries included.
	InitTimeout time.Duration
}

// Manager owns the connection pools. The compound pool state, the
// activity stamps, and the user reverse index mutate together under
// one lock; the registries are independently concurrent.
type Manager struct {
	logger      *zap.Logger
	coordinator *auth.Coordinator
	factory     connection.TransportFactory

	threadIdle  time.Duration
	userIdle    time.Duration
	reapEvery   time.Duration
	initTimeout time.Duration
	retryStep   time.Duration // between connect attempts, tunable in tests

	mcpConfigs         *csync.Map[string, ServerConfig]
	serverInstructions *csync.Map[string, string]

	mu                 sync.RWMutex
	processConnections map[string]*connection.Connection
	threadConnections  map[string]map[string]*connection.Connection
	threadLastActivity map[string]time.Time
	userLastActivity   map[string]time.Time
	userThreads        map[string]map[string]struct{}

	flights  singleflight.Group
	reaping  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
}

var (
	defaultMu      sync.Mutex
	defaultManager *Manager
)

// Initialize builds the process-wide manager, installs it as Default,
// and connects the process-scope pool. One manager per process: a
// second call fails with ErrAlreadyInitialized.
func Initialize(ctx context.Context, cfg Config, opts Options) (*Manager, error) {
	defaultMu.Lock()
	if defaultManager != nil {
		defaultMu.Unlock()
		return nil, ErrAlreadyInitialized
	}
	m, err := NewManager(cfg, opts)
	if err != nil {
		defaultMu.Unlock()
		return nil, err
	}
	defaultManager = m
	defaultMu.Unlock()

	if err := m.Start(ctx); err != nil {
		DestroyInstance(context.WithoutCancel(ctx))
		return nil, err
	}
	return m, nil
}

// Default returns the process-wide manager, or nil before Initialize.
// Access doubles as a reclamation tick.
func Default() *Manager {
	defaultMu.Lock()
	m := defaultManager
	defaultMu.Unlock()
	if m != nil {
		m.reapAsync("")
	}
	return m
}

// DestroyInstance tears down and clears the process-wide manager.
// Safe to call when none is installed.
func DestroyInstance(ctx context.Context) {
	defaultMu.Lock()
	m := defaultManager
	defaultManager = nil
	defaultMu.Unlock()
	if m != nil {
		m.DisconnectAll(ctx)
	}
}

// NewManager creates a manager with cfg's servers registered but not
// connected. Callers own the handle and must end it with
// DisconnectAll; most applications use Initialize instead.
func NewManager(cfg Config, opts Options) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	coordinator := opts.Coordinator
	if coordinator == nil {
		coordinator = auth.NewCoordinator(auth.CoordinatorConfig{Logger: logger})
	}

	m := &Manager{
		logger:             logger,
		coordinator:        coordinator,
		factory:            opts.TransportFactory,
		threadIdle:         opts.ThreadIdleTimeout,
		userIdle:           opts.UserIdleTimeout,
		reapEvery:          opts.ReapInterval,
		initTimeout:        opts.InitTimeout,
		retryStep:          initRetryStep,
		mcpConfigs:         csync.NewMap[string, ServerConfig](),
		serverInstructions: csync.NewMap[string, string](),
		processConnections: make(map[string]*connection.Connection),
		threadConnections:  make(map[string]map[string]*connection.Connection),
		threadLastActivity: make(map[string]time.Time),
		userLastActivity:   make(map[string]time.Time),
		userThreads:        make(map[string]map[string]struct{}),
		stopCh:             make(chan struct{}),
	}
	if m.threadIdle <= 0 {
		m.threadIdle = DefaultThreadIdleTimeout
	}
	if m.userIdle <= 0 {
		m.userIdle = DefaultUserIdleTimeout
	}
	if m.reapEvery == 0 {
		m.reapEvery = DefaultReapInterval
	}
	if m.initTimeout <= 0 {
		m.initTimeout = DefaultInitTimeout
	}
	for name, sc := range cfg.Servers {
		m.registerConfig(name, sc)
	}
	if m.reapEvery > 0 {
		go m.reapLoop()
	}
	return m, nil
}

// Coordinator returns the authorization coordinator, for wiring
// callbacks and inspecting stores.
func (m *Manager) Coordinator() *auth.Coordinator { return m.coordinator }

// Start connects the process-scope pool for every registered server.
// A server that fails stays registered and is retried on first use;
// Start itself fails only when every server does.
func (m *Manager) Start(ctx context.Context) error {
	names := m.mcpConfigs.Keys()
	if len(names) == 0 {
		return nil
	}
	m.logger.Info("Starting MCP manager", zap.Int("server_count", len(names)))

	var (
		failMu sync.Mutex
		failed []error
		wg     sync.WaitGroup
	)
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if _, err := m.ensureProcessConnection(ctx, name); err != nil {
				m.logger.Error("Failed to connect server",
					zap.String("server", name),
					zap.Error(err))
				failMu.Lock()
				failed = append(failed, fmt.Errorf("server %s: %w", name, err))
				failMu.Unlock()
			}
		}(name)
	}
	wg.Wait()

	if len(failed) == len(names) {
		return fmt.Errorf("all servers failed to connect: %v", failed)
	}
	if len(failed) > 0 {
		m.logger.Warn("Some servers failed to connect",
			zap.Int("failed", len(failed)),
			zap.Int("total", len(names)))
	}
	return nil
}

// ToolRequest identifies one tool invocation routed through the pool.
type ToolRequest struct {
	// UserID and ThreadID select the scope: both present routes to the
	// thread scope, anything less to the shared process scope.
	UserID   string
	ThreadID string

	Server string
	Tool   string
	Args   map[string]interface{}

	// CustomVars fills the server's declared customUserVars for
	// thread-scope acquisition.
	CustomVars map[string]string

	// Timeout overrides the per-call timeout.
	Timeout time.Duration
}

// CallTool routes one tool call to the right scope and executes it.
func (m *Manager) CallTool(ctx context.Context, req ToolRequest) (*protocol.CallToolResult, error) {
	if m.stopped.Load() {
		return nil, ErrShuttingDown
	}
	var (
		conn *connection.Connection
		err  error
	)
	if req.UserID != "" && req.ThreadID != "" {
		conn, err = m.GetThreadConnection(ctx, req.UserID, req.ThreadID, req.Server,
			WithCustomVars(req.CustomVars))
	} else {
		conn, err = m.GetProcessConnection(ctx, req.Server)
	}
	if err != nil {
		return nil, err
	}
	var opts []connection.CallOption
	if req.Timeout > 0 {
		opts = append(opts, connection.WithCallTimeout(req.Timeout))
	}
	return conn.CallTool(ctx, req.Tool, req.Args, opts...)
}

// AcquireOption tunes thread-scope acquisition.
type AcquireOption func(*acquireOptions)

type acquireOptions struct {
	vars        map[string]string
	initTimeout time.Duration
}

// WithCustomVars supplies values for the server's declared
// customUserVars placeholders.
func WithCustomVars(vars map[string]string) AcquireOption {
	return func(o *acquireOptions) { o.vars = vars }
}

// WithInitTimeout overrides the pool's connect timeout for one
// acquisition.
func WithInitTimeout(d time.Duration) AcquireOption {
	return func(o *acquireOptions) { o.initTimeout = d }
}

// GetProcessConnection returns the shared process-scope connection for
// a server, creating or reviving it as needed.
func (m *Manager) GetProcessConnection(ctx context.Context, server string) (*connection.Connection, error) {
	if m.stopped.Load() {
		return nil, ErrShuttingDown
	}
	m.reapAsync("")
	return m.ensureProcessConnection(ctx, server)
}

// GetThreadConnection returns the thread-scope connection for
// (user, thread, server), creating it when absent and replacing it
// when stale or unhealthy. Concurrent callers for the same key share
// one creation.
func (m *Manager) GetThreadConnection(ctx context.Context, userID, threadID, server string, opts ...AcquireOption) (*connection.Connection, error) {
	if m.stopped.Load() {
		return nil, ErrShuttingDown
	}
	if userID == "" {
		return nil, ErrMissingUser
	}
	if threadID == "" {
		return nil, ErrMissingThread
	}
	var options acquireOptions
	for _, opt := range opts {
		opt(&options)
	}
	m.reapAsync(userID)

	if conn := m.lookupThread(ctx, userID, threadID, server); conn != nil {
		return conn, nil
	}
	v, err, _ := m.flights.Do("thread\x00"+threadID+"\x00"+server, func() (interface{}, error) {
		if conn := m.lookupThread(ctx, userID, threadID, server); conn != nil {
			return conn, nil
		}
		return m.createThreadConnection(ctx, userID, threadID, server, options)
	})
	if err != nil {
		return nil, err
	}
	return v.(*connection.Connection), nil
}

// lookupThread returns a live pooled connection, or nil after clearing
// whatever made the pooled state unusable: a stale thread loses all of
// its connections, an unhealthy connection loses just its own slot.
func (m *Manager) lookupThread(ctx context.Context, userID, threadID, server string) *connection.Connection {
	m.mu.RLock()
	conns, ok := m.threadConnections[threadID]
	if !ok {
		m.mu.RUnlock()
		return nil
	}
	stale := time.Since(m.threadLastActivity[threadID]) > m.threadIdle
	conn := conns[server]
	m.mu.RUnlock()

	if stale {
		m.DisconnectThreadConnections(ctx, threadID)
		return nil
	}
	if conn == nil {
		return nil
	}
	if !conn.IsConnected(ctx) {
		m.dropThreadEntry(threadID, server, conn)
		go func() {
			if err := conn.Disconnect(context.Background()); err != nil {
				m.logger.Debug("Teardown of unhealthy connection failed",
					zap.String("server", server),
					zap.String("thread", threadID),
					zap.Error(err))
			}
		}()
		return nil
	}
	if !m.touch(userID, threadID) {
		return nil
	}
	return conn
}

// touch refreshes both activity stamps and asserts ownership. Reports
// false when the thread is no longer pooled, so a reaped connection is
// never handed out.
func (m *Manager) touch(userID, threadID string) bool {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.threadConnections[threadID]; !ok {
		return false
	}
	m.threadLastActivity[threadID] = now
	m.userLastActivity[userID] = now
	m.claimThreadLocked(userID, threadID)
	return true
}

func (m *Manager) createThreadConnection(ctx context.Context, userID, threadID, server string, opts acquireOptions) (*connection.Connection, error) {
	cfg, ok := m.mcpConfigs.Get(server)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, server)
	}
	spec := cfg.spec(server)
	substituteVars(&spec, userID, cfg.CustomUserVars, opts.vars)

	conn, err := m.buildConnection(spec, userID)
	if err != nil {
		return nil, err
	}
	m.preloadTokens(ctx, conn, userID, server, spec)

	timeout := m.initTimeout
	if opts.initTimeout > 0 {
		timeout = opts.initTimeout
	}
	if err := m.initializeServer(ctx, conn, timeout); err != nil {
		go func() {
			if derr := conn.Disconnect(context.Background()); derr != nil {
				m.logger.Debug("Teardown of failed connection",
					zap.String("server", server),
					zap.Error(derr))
			}
		}()
		return nil, fmt.Errorf("server %s for thread %s: %w", server, threadID, err)
	}
	if !m.registerThread(userID, threadID, server, conn) {
		go func() { _ = conn.Disconnect(context.Background()) }()
		return nil, ErrShuttingDown
	}
	m.logger.Info("Created thread-scope connection",
		zap.String("server", server),
		zap.String("thread", threadID),
		zap.String("user", userID))
	return conn, nil
}

func (m *Manager) ensureProcessConnection(ctx context.Context, server string) (*connection.Connection, error) {
	m.mu.RLock()
	conn := m.processConnections[server]
	m.mu.RUnlock()
	if conn != nil {
		return m.reviveProcessConnection(ctx, server, conn)
	}
	if _, ok := m.mcpConfigs.Get(server); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, server)
	}
	v, err, _ := m.flights.Do("process\x00"+server, func() (interface{}, error) {
		m.mu.RLock()
		existing := m.processConnections[server]
		m.mu.RUnlock()
		if existing != nil {
			return m.reviveProcessConnection(ctx, server, existing)
		}
		return m.createProcessConnection(ctx, server)
	})
	if err != nil {
		return nil, err
	}
	return v.(*connection.Connection), nil
}

// reviveProcessConnection reconnects a pooled process-scope connection
// that is not currently connected. State is checked rather than
// pinged; a connected-but-dead transport heals through its own
// reconnect loop.
func (m *Manager) reviveProcessConnection(ctx context.Context, server string, conn *connection.Connection) (*connection.Connection, error) {
	if conn.State() == connection.StateConnected {
		return conn, nil
	}
	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("server %s: %w", server, err)
	}
	m.captureInstructions(server, conn)
	return conn, nil
}

func (m *Manager) createProcessConnection(ctx context.Context, server string) (*connection.Connection, error) {
	cfg, ok := m.mcpConfigs.Get(server)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, server)
	}
	spec := cfg.spec(server)
	substituteVars(&spec, connection.SystemPrincipal, cfg.CustomUserVars, nil)

	conn, err := m.buildConnection(spec, connection.SystemPrincipal)
	if err != nil {
		return nil, err
	}

	// Pool the connection before connecting: a failed handshake keeps
	// the entry and heals on next use.
	m.mu.Lock()
	if m.stopped.Load() {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	m.processConnections[server] = conn
	m.mu.Unlock()

	m.preloadTokens(ctx, conn, connection.SystemPrincipal, server, spec)
	if err := m.initializeServer(ctx, conn, m.initTimeout); err != nil {
		return nil, fmt.Errorf("server %s: %w", server, err)
	}
	m.captureInstructions(server, conn)
	m.logger.Info("Created process-scope connection", zap.String("server", server))
	return conn, nil
}

func (m *Manager) buildConnection(spec connection.ServerSpec, principal string) (*connection.Connection, error) {
	return connection.New(connection.Config{
		Spec:             spec,
		Principal:        principal,
		Logger:           m.logger,
		TransportFactory: m.factory,
		OAuth:            m.coordinator.HandleOAuthRequired,
	})
}

// preloadTokens seeds the connection with stored tokens so the first
// handshake carries them. Absent or unreadable tokens are not fatal:
// connecting without them triggers the interactive flow instead.
func (m *Manager) preloadTokens(ctx context.Context, conn *connection.Connection, principal, server string, spec connection.ServerSpec) {
	tokens, err := m.coordinator.LoadTokens(ctx, principal, server, spec.URL, spec.OAuth)
	if err != nil {
		m.logger.Warn("Token preload failed",
			zap.String("server", server),
			zap.String("principal", principal),
			zap.Error(err))
		return
	}
	if tokens != nil {
		conn.SetAuthTokens(tokens)
	}
}

// linearBackOff waits step, 2·step, 3·step ... between attempts.
type linearBackOff struct {
	step time.Duration
	n    int
}

var _ backoff.BackOff = (*linearBackOff)(nil)

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.step
}

func (b *linearBackOff) Reset() { b.n = 0 }

// initializeServer connects with bounded retries, all within timeout.
// Authorization errors end the loop immediately: repeating a flow the
// user just saw fail does not make it succeed.
func (m *Manager) initializeServer(ctx context.Context, conn *connection.Connection, timeout time.Duration) error {
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bo := &linearBackOff{step: m.retryStep}
	var err error
	for attempt := 1; attempt <= initAttempts; attempt++ {
		if err = conn.Connect(ictx); err == nil {
			return nil
		}
		if isAuthError(err) || ictx.Err() != nil {
			return err
		}
		if attempt < initAttempts {
			delay := bo.NextBackOff()
			m.logger.Warn("Connect attempt failed",
				zap.String("server", conn.Spec().Name),
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", delay),
				zap.Error(err))
			select {
			case <-time.After(delay):
			case <-ictx.Done():
				return err
			}
		}
	}
	return err
}

// isAuthError reports whether err is an authorization problem that a
// plain retry cannot fix.
func isAuthError(err error) bool {
	var required *connection.OAuthRequiredError
	return connection.IsAuthorizationError(err) ||
		errors.As(err, &required) ||
		errors.Is(err, connection.ErrAuthorizationFailed)
}

// substituteVars expands {{USER_ID}} and declared custom placeholders
// in the spec's env, args, URL, and header values. Declared variables
// without a supplied value keep their placeholder so the omission
// stays visible downstream.
func substituteVars(spec *connection.ServerSpec, userID string, declared map[string]UserVar, values map[string]string) {
	pairs := []string{"{{USER_ID}}", userID}
	for name := range declared {
		if v, ok := values[name]; ok {
			pairs = append(pairs, "{{"+name+"}}", v)
		}
	}
	r := strings.NewReplacer(pairs...)
	for k, v := range spec.Env {
		spec.Env[k] = r.Replace(v)
	}
	for i, a := range spec.Args {
		spec.Args[i] = r.Replace(a)
	}
	spec.URL = r.Replace(spec.URL)
	for k, v := range spec.Headers {
		spec.Headers[k] = r.Replace(v)
	}
}

// registerThread pools the connection and records ownership. Reports
// false when the manager is shutting down.
func (m *Manager) registerThread(userID, threadID, server string, conn *connection.Connection) bool {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped.Load() {
		return false
	}
	conns := m.threadConnections[threadID]
	if conns == nil {
		conns = make(map[string]*connection.Connection)
		m.threadConnections[threadID] = conns
	}
	conns[server] = conn
	m.threadLastActivity[threadID] = now
	m.userLastActivity[userID] = now
	m.claimThreadLocked(userID, threadID)
	return true
}

// claimThreadLocked records userID as the sole owner of threadID. A
// thread belongs to exactly one user, so any claim under another user
// is dropped.
func (m *Manager) claimThreadLocked(userID, threadID string) {
	for owner, threads := range m.userThreads {
		if owner == userID {
			continue
		}
		delete(threads, threadID)
		if len(threads) == 0 {
			delete(m.userThreads, owner)
		}
	}
	threads := m.userThreads[userID]
	if threads == nil {
		threads = make(map[string]struct{})
		m.userThreads[userID] = threads
	}
	threads[threadID] = struct{}{}
}

// dropThreadEntry removes one pooled connection if it is still the
// registered instance, clearing the thread's indexes when it was the
// last one.
func (m *Manager) dropThreadEntry(threadID, server string, conn *connection.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conns, ok := m.threadConnections[threadID]
	if !ok || conns[server] != conn {
		return
	}
	delete(conns, server)
	if len(conns) > 0 {
		return
	}
	delete(m.threadConnections, threadID)
	delete(m.threadLastActivity, threadID)
	for owner, threads := range m.userThreads {
		delete(threads, threadID)
		if len(threads) == 0 {
			delete(m.userThreads, owner)
		}
	}
}

// reapAsync runs one reclamation pass in the background. activeUser is
// exempt from user-idle reclamation so a caller cannot reap itself
// mid-acquisition.
func (m *Manager) reapAsync(activeUser string) {
	if m.stopped.Load() || !m.reaping.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer m.reaping.Store(false)
		m.reap(activeUser)
	}()
}

func (m *Manager) reap(activeUser string) {
	now := time.Now()
	m.mu.RLock()
	var staleThreads []string
	for threadID, last := range m.threadLastActivity {
		if now.Sub(last) > m.threadIdle {
			staleThreads = append(staleThreads, threadID)
		}
	}
	var staleUsers []string
	for userID, last := range m.userLastActivity {
		if userID != activeUser && now.Sub(last) > m.userIdle {
			staleUsers = append(staleUsers, userID)
		}
	}
	m.mu.RUnlock()

	for _, threadID := range staleThreads {
		m.reapThread(threadID)
	}
	for _, userID := range staleUsers {
		m.reapUser(userID)
	}
}

// reapThread tears down one thread if it is still idle. Staleness is
// re-checked under the lock: the thread may have been touched, or torn
// down and rebuilt, since the caller sampled it.
func (m *Manager) reapThread(threadID string) {
	m.mu.Lock()
	last, ok := m.threadLastActivity[threadID]
	if !ok || time.Since(last) <= m.threadIdle {
		m.mu.Unlock()
		return
	}
	conns := m.detachThreadLocked(threadID)
	m.mu.Unlock()
	m.logger.Info("Reclaiming idle thread", zap.String("thread", threadID))
	m.closeThreadConns(context.Background(), threadID, conns)
}

// reapUser tears down every thread of a user that is still idle, with
// the same under-lock re-check as reapThread.
func (m *Manager) reapUser(userID string) {
	m.mu.Lock()
	last, ok := m.userLastActivity[userID]
	if !ok || time.Since(last) <= m.userIdle {
		m.mu.Unlock()
		return
	}
	victims := m.detachUserLocked(userID)
	m.mu.Unlock()
	m.logger.Info("Reclaiming idle user", zap.String("user", userID))
	for threadID, conns := range victims {
		m.closeThreadConns(context.Background(), threadID, conns)
	}
}

func (m *Manager) reapLoop() {
	ticker := time.NewTicker(m.reapEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reapAsync("")
		case <-m.stopCh:
			return
		}
	}
}

// DisconnectThreadConnections tears down every connection owned by a
// thread. Errors are logged, not propagated; missing threads are a
// no-op.
func (m *Manager) DisconnectThreadConnections(ctx context.Context, threadID string) {
	m.mu.Lock()
	conns := m.detachThreadLocked(threadID)
	m.mu.Unlock()
	m.closeThreadConns(ctx, threadID, conns)
}

// DisconnectUserThreads tears down every thread owned by a user and
// forgets the user's activity.
func (m *Manager) DisconnectUserThreads(ctx context.Context, userID string) {
	m.mu.Lock()
	victims := m.detachUserLocked(userID)
	m.mu.Unlock()
	for threadID, conns := range victims {
		m.closeThreadConns(ctx, threadID, conns)
	}
}

// detachThreadLocked removes a thread from every pool index and returns
// its connections for the caller to close outside the lock.
func (m *Manager) detachThreadLocked(threadID string) map[string]*connection.Connection {
	conns := m.threadConnections[threadID]
	delete(m.threadConnections, threadID)
	delete(m.threadLastActivity, threadID)
	for owner, threads := range m.userThreads {
		delete(threads, threadID)
		if len(threads) == 0 {
			delete(m.userThreads, owner)
		}
	}
	return conns
}

func (m *Manager) detachUserLocked(userID string) map[string]map[string]*connection.Connection {
	victims := make(map[string]map[string]*connection.Connection)
	for threadID := range m.userThreads[userID] {
		victims[threadID] = m.detachThreadLocked(threadID)
	}
	delete(m.userThreads, userID)
	delete(m.userLastActivity, userID)
	return victims
}

func (m *Manager) closeThreadConns(ctx context.Context, threadID string, conns map[string]*connection.Connection) {
	if len(conns) == 0 {
		return
	}
	var wg sync.WaitGroup
	for server, conn := range conns {
		wg.Add(1)
		go func(server string, conn *connection.Connection) {
			defer wg.Done()
			if err := conn.Disconnect(ctx); err != nil {
				m.logger.Warn("Disconnect failed",
					zap.String("server", server),
					zap.String("thread", threadID),
					zap.Error(err))
			}
		}(server, conn)
	}
	wg.Wait()
	m.logger.Debug("Disconnected thread connections",
		zap.String("thread", threadID),
		zap.Int("count", len(conns)))
}

// DisconnectAll tears down every pooled connection and stops
// background work. Idempotent; errors are logged and swallowed so
// shutdown always completes.
func (m *Manager) DisconnectAll(ctx context.Context) {
	m.stopped.Store(true)
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.mu.RLock()
	users := make([]string, 0, len(m.userThreads))
	for userID := range m.userThreads {
		users = append(users, userID)
	}
	m.mu.RUnlock()
	for _, userID := range users {
		m.DisconnectUserThreads(ctx, userID)
	}

	// Threads without a surviving owner entry would otherwise leak.
	m.mu.RLock()
	orphans := make([]string, 0, len(m.threadConnections))
	for threadID := range m.threadConnections {
		orphans = append(orphans, threadID)
	}
	m.mu.RUnlock()
	for _, threadID := range orphans {
		m.DisconnectThreadConnections(ctx, threadID)
	}

	m.mu.Lock()
	procs := m.processConnections
	m.processConnections = make(map[string]*connection.Connection)
	m.userLastActivity = make(map[string]time.Time)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for name, conn := range procs {
		wg.Add(1)
		go func(name string, conn *connection.Connection) {
			defer wg.Done()
			if err := conn.Disconnect(ctx); err != nil {
				m.logger.Warn("Disconnect failed",
					zap.String("server", name),
					zap.Error(err))
			}
		}(name, conn)
	}
	wg.Wait()
	m.logger.Info("MCP manager shut down")
}

// registerConfig records a descriptor; a literal instruction override
// resolves immediately.
func (m *Manager) registerConfig(name string, cfg ServerConfig) {
	m.mcpConfigs.Set(name, cfg)
	if lit := cfg.ServerInstructions.Literal; lit != "" {
		m.serverInstructions.Set(name, lit)
	}
}

// captureInstructions records the instruction text the server returned
// during the handshake, when the descriptor asks for it.
func (m *Manager) captureInstructions(server string, conn *connection.Connection) {
	cfg, ok := m.mcpConfigs.Get(server)
	if !ok || !cfg.ServerInstructions.Capture || cfg.ServerInstructions.Literal != "" {
		return
	}
	if text := conn.Instructions(); text != "" {
		m.serverInstructions.Set(server, text)
	}
}

// Instructions returns the resolved instruction text for a server, or
// empty when none was configured or captured.
func (m *Manager) Instructions(server string) string {
	text, _ := m.serverInstructions.Get(server)
	return text
}

// FormatInstructions renders the resolved instruction texts for the
// named servers (every server when none are named) as prompt-ready
// sections.
func (m *Manager) FormatInstructions(servers ...string) string {
	if len(servers) == 0 {
		servers = m.serverInstructions.Keys()
	}
	sort.Strings(servers)
	var b strings.Builder
	for _, name := range servers {
		text, ok := m.serverInstructions.Get(name)
		if !ok || text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "## Instructions for %s\n\n%s", name, strings.TrimSpace(text))
	}
	return b.String()
}

// AddServer registers a server and connects its process-scope
// connection. The registration survives a failed connect; the
// connection heals on first use.
func (m *Manager) AddServer(ctx context.Context, name string, cfg ServerConfig) error {
	if m.stopped.Load() {
		return ErrShuttingDown
	}
	if name == "" {
		return fmt.Errorf("server name must not be empty")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("server %s: %w", name, err)
	}
	if _, exists := m.mcpConfigs.Get(name); exists {
		return fmt.Errorf("server %s already registered", name)
	}
	m.registerConfig(name, cfg)
	if _, err := m.ensureProcessConnection(ctx, name); err != nil {
		return err
	}
	m.logger.Info("Added server", zap.String("server", name))
	return nil
}

// RemoveServer disconnects a server in every scope and drops it from
// the registry.
func (m *Manager) RemoveServer(ctx context.Context, name string) error {
	if _, ok := m.mcpConfigs.Get(name); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	m.mcpConfigs.Delete(name)
	m.serverInstructions.Delete(name)

	m.mu.Lock()
	var victims []*connection.Connection
	if conn := m.processConnections[name]; conn != nil {
		victims = append(victims, conn)
		delete(m.processConnections, name)
	}
	for threadID, conns := range m.threadConnections {
		conn, ok := conns[name]
		if !ok {
			continue
		}
		victims = append(victims, conn)
		delete(conns, name)
		if len(conns) == 0 {
			delete(m.threadConnections, threadID)
			delete(m.threadLastActivity, threadID)
			for owner, threads := range m.userThreads {
				delete(threads, threadID)
				if len(threads) == 0 {
					delete(m.userThreads, owner)
				}
			}
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, conn := range victims {
		wg.Add(1)
		go func(conn *connection.Connection) {
			defer wg.Done()
			if err := conn.Disconnect(ctx); err != nil {
				m.logger.Warn("Disconnect failed",
					zap.String("server", name),
					zap.Error(err))
			}
		}(conn)
	}
	wg.Wait()
	m.logger.Info("Removed server", zap.String("server", name))
	return nil
}

// ApplyConfig reconciles the registry with cfg: new servers are
// added, missing ones torn down, changed ones replaced. Thread-scope
// connections to a changed server are rebuilt with the new descriptor
// on their next acquisition.
func (m *Manager) ApplyConfig(ctx context.Context, cfg Config) {
	if m.stopped.Load() {
		return
	}
	current := make(map[string]ServerConfig, m.mcpConfigs.Len())
	for name, sc := range m.mcpConfigs.Seq2() {
		current[name] = sc
	}

	for name, old := range current {
		next, ok := cfg.Servers[name]
		switch {
		case !ok:
			if err := m.RemoveServer(ctx, name); err != nil {
				m.logger.Warn("Failed to remove server",
					zap.String("server", name),
					zap.Error(err))
			}
		case !reflect.DeepEqual(old, next):
			m.logger.Info("Server configuration changed, replacing",
				zap.String("server", name))
			if err := m.RemoveServer(ctx, name); err != nil {
				m.logger.Warn("Failed to remove server",
					zap.String("server", name),
					zap.Error(err))
			}
			if err := m.AddServer(ctx, name, next); err != nil {
				m.logger.Warn("Failed to re-add server",
					zap.String("server", name),
					zap.Error(err))
			}
		}
	}
	for name, sc := range cfg.Servers {
		if _, ok := current[name]; ok {
			continue
		}
		if err := m.AddServer(ctx, name, sc); err != nil {
			m.logger.Warn("Failed to add server",
				zap.String("server", name),
				zap.Error(err))
		}
	}
}

// ServerNames returns the registered server names, sorted.
func (m *Manager) ServerNames() []string {
	names := m.mcpConfigs.Keys()
	sort.Strings(names)
	return names
}

// ServerStatus describes one registered server.
type ServerStatus struct {
	Name      string
	Transport string
	State     connection.State
	Connected bool
	SessionID string
}

// ListServers reports every registered server with the state of its
// process-scope connection.
func (m *Manager) ListServers() []ServerStatus {
	names := m.ServerNames()
	out := make([]ServerStatus, 0, len(names))
	for _, name := range names {
		cfg, ok := m.mcpConfigs.Get(name)
		if !ok {
			continue
		}
		status := ServerStatus{
			Name:      name,
			Transport: connection.TransportKind(cfg.spec(name)),
			State:     connection.StateDisconnected,
		}
		m.mu.RLock()
		if conn := m.processConnections[name]; conn != nil {
			status.State = conn.State()
			status.Connected = status.State == connection.StateConnected
			if info := conn.SessionInfo(); info != nil {
				status.SessionID = info.ID
			}
		}
		m.mu.RUnlock()
		out = append(out, status)
	}
	return out
}

// HealthCheck pings the process-scope connection of every registered
// server. Servers without one report unhealthy.
func (m *Manager) HealthCheck(ctx context.Context) map[string]bool {
	names := m.mcpConfigs.Keys()
	results := make(map[string]bool, len(names))
	for _, name := range names {
		m.mu.RLock()
		conn := m.processConnections[name]
		m.mu.RUnlock()
		results[name] = conn != nil && conn.IsConnected(ctx)
	}
	return results
}
