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

// Package client implements the MCP client protocol layer: the
// initialize handshake, request/response correlation, and the typed
// tools, resources, and prompts operations.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/warp/pkg/mcp/protocol"
	"github.com/teradata-labs/warp/pkg/mcp/transport"
)

// Client speaks MCP over a Transport. It owns the receive loop and
// correlates responses to in-flight requests; connection lifecycle
// (reconnects, sessions, authorization) lives a layer above.
type Client struct {
	transport transport.Transport
	logger    *zap.Logger

	// State
	initialized        bool
	initializing       bool
	protocolVersion    string
	serverInfo         protocol.Implementation
	serverCapabilities protocol.ServerCapabilities
	instructions       string

	// Request tracking
	nextID    int64
	pending   map[string]chan *protocol.Response
	pendingMu sync.RWMutex

	// Tool cache
	tools   map[string]protocol.Tool
	toolsMu sync.RWMutex

	// Notifications
	notifications chan Notification

	// Lifecycle
	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	mu             sync.RWMutex
	closed         bool
	requestTimeout time.Duration
}

// Config configures the MCP client.
type Config struct {
	Transport transport.Transport
	Logger    *zap.Logger

	// RequestTimeout bounds requests whose context carries no deadline.
	// Default: 30s.
	RequestTimeout time.Duration
}

// Notification is a server-initiated notification.
type Notification struct {
	Method string
	Params json.RawMessage
}

// NewClient creates a client on the given transport and starts its
// receive loop.
func NewClient(config Config) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	if config.RequestTimeout == 0 {
		config.RequestTimeout = 30 * time.Second
	}

	c := &Client{
		transport:      config.Transport,
		logger:         config.Logger,
		ctx:            ctx,
		cancel:         cancel,
		pending:        make(map[string]chan *protocol.Response),
		tools:          make(map[string]protocol.Tool),
		notifications:  make(chan Notification, 100),
		requestTimeout: config.RequestTimeout,
	}

	c.wg.Add(1)
	go c.receiveLoop()

	return c
}

// Initialize performs the MCP handshake: the initialize exchange
// followed by the initialized notification.
func (c *Client) Initialize(ctx context.Context, clientInfo protocol.Implementation) error {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return fmt.Errorf("already initialized")
	}
	if c.initializing {
		c.mu.Unlock()
		return fmt.Errorf("initialization already in progress")
	}
	c.initializing = true
	c.mu.Unlock()

	// Clear the in-progress flag on failure so initialization can be retried.
	defer func() {
		c.mu.Lock()
		if !c.initialized {
			c.initializing = false
		}
		c.mu.Unlock()
	}()

	params := protocol.InitializeParams{
		ProtocolVersion: protocol.ProtocolVersion,
		Capabilities:    protocol.ClientCapabilities{},
		ClientInfo:      clientInfo,
	}

	req, err := protocol.NewRequest(c.nextRequestID(), protocol.MethodInitialize, params)
	if err != nil {
		return err
	}

	c.logger.Debug("Sending initialize request")

	resp, err := c.sendRequest(ctx, req)
	if err != nil {
		c.logger.Error("Initialize request failed", zap.Error(err))
		return fmt.Errorf("initialize failed: %w", err)
	}

	var result protocol.InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("failed to parse initialize result: %w", err)
	}

	if !protocol.IsSupportedProtocolVersion(result.ProtocolVersion) {
		return fmt.Errorf("unsupported protocol version: client=%s server=%s",
			protocol.ProtocolVersion, result.ProtocolVersion)
	}

	c.mu.Lock()
	c.initialized = true
	c.protocolVersion = result.ProtocolVersion
	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities
	c.instructions = result.Instructions
	c.mu.Unlock()

	c.logger.Info("MCP client initialized",
		zap.String("server", result.ServerInfo.Name),
		zap.String("version", result.ServerInfo.Version),
		zap.String("protocol", result.ProtocolVersion),
		zap.Bool("tools", result.Capabilities.Tools != nil),
		zap.Bool("resources", result.Capabilities.Resources != nil),
		zap.Bool("prompts", result.Capabilities.Prompts != nil),
	)

	// The initialized notification completes the handshake.
	notification, err := protocol.NewRequest(nil, protocol.NotificationInitialized, nil)
	if err != nil {
		return err
	}

	notificationJSON, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("failed to marshal initialized notification: %w", err)
	}

	if err := c.transport.Send(ctx, notificationJSON); err != nil {
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}

	return nil
}

// Ping checks connection health.
func (c *Client) Ping(ctx context.Context) error {
	req, err := protocol.NewRequest(c.nextRequestID(), protocol.MethodPing, struct{}{})
	if err != nil {
		return err
	}

	_, err = c.sendRequest(ctx, req)
	return err
}

// ServerInfo returns the server implementation info.
func (c *Client) ServerInfo() protocol.Implementation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// ServerCapabilities returns the server capabilities.
func (c *Client) ServerCapabilities() protocol.ServerCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverCapabilities
}

// Instructions returns the server's usage instructions from the
// initialize result, or "" if the server sent none.
func (c *Client) Instructions() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.instructions
}

// ProtocolVersion returns the negotiated protocol version.
func (c *Client) ProtocolVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.protocolVersion
}

// IsInitialized returns whether the handshake has completed.
func (c *Client) IsInitialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

// Notifications returns the channel of server-initiated notifications.
// The channel closes when the client closes.
func (c *Client) Notifications() <-chan Notification {
	return c.notifications
}

// Close shuts down the receive loop and the underlying transport.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()

	if err := c.transport.Close(); err != nil {
		c.logger.Error("failed to close transport", zap.Error(err))
	}

	c.wg.Wait()

	close(c.notifications)

	c.logger.Debug("MCP client closed")
	return nil
}

// sendRequest sends a request and waits for the matching response.
func (c *Client) sendRequest(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	if err := protocol.ValidateRequest(req); err != nil {
		return nil, err
	}

	if req.ID == nil {
		req.ID = c.nextRequestID()
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	respChan := make(chan *protocol.Response, 1)
	reqIDStr := req.ID.String()

	c.pendingMu.Lock()
	c.pending[reqIDStr] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqIDStr)
		c.pendingMu.Unlock()
	}()

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	c.logger.Debug("Sending request",
		zap.String("method", req.Method),
		zap.String("id", reqIDStr))

	if err := c.transport.Send(ctx, reqJSON); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case <-ctx.Done():
		c.logger.Debug("Context done while waiting for response",
			zap.String("method", req.Method))
		return nil, ctx.Err()
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp, nil
	}
}

// receiveLoop routes inbound frames: responses to pending requests,
// notifications to the notification channel, and server-initiated
// requests to handleRequest.
func (c *Client) receiveLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		data, err := c.transport.Receive(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil || errors.Is(err, io.EOF) {
				c.logger.Debug("receive loop: shutdown", zap.Error(err))
				return
			}
			c.logger.Error("failed to receive message", zap.Error(err))
			continue
		}

		if len(data) == 0 {
			continue
		}

		msg, err := protocol.ParseMessage(data)
		if err != nil {
			c.logger.Warn("received unparseable frame", zap.ByteString("data", data))
			continue
		}

		switch {
		case msg.IsResponse():
			c.handleResponse(&protocol.Response{
				JSONRPC: msg.JSONRPC,
				ID:      msg.ID,
				Result:  msg.Result,
				Error:   msg.Error,
			})
		case msg.IsNotification():
			c.handleNotification(msg)
		case msg.IsRequest():
			c.handleRequest(&protocol.Request{
				JSONRPC: msg.JSONRPC,
				ID:      msg.ID,
				Method:  msg.Method,
				Params:  msg.Params,
			})
		default:
			c.logger.Warn("received unrecognized message", zap.ByteString("data", data))
		}
	}
}

// handleResponse routes a response to its pending request.
func (c *Client) handleResponse(resp *protocol.Response) {
	reqIDStr := resp.ID.String()

	c.pendingMu.RLock()
	respChan, exists := c.pending[reqIDStr]
	c.pendingMu.RUnlock()

	if !exists {
		c.logger.Warn("received response for unknown request", zap.String("id", reqIDStr))
		return
	}

	select {
	case respChan <- resp:
	default:
		c.logger.Warn("response channel full", zap.String("id", reqIDStr))
	}
}

// handleNotification forwards a server notification without blocking
// the receive loop.
func (c *Client) handleNotification(msg *protocol.Message) {
	c.logger.Debug("received notification", zap.String("method", msg.Method))

	select {
	case c.notifications <- Notification{Method: msg.Method, Params: msg.Params}:
	default:
		c.logger.Warn("notification channel full, dropping",
			zap.String("method", msg.Method))
	}
}

// handleRequest answers server-initiated requests. Only ping is
// supported; anything else gets a method-not-found error.
func (c *Client) handleRequest(req *protocol.Request) {
	ctx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
	defer cancel()

	var resp *protocol.Response
	switch req.Method {
	case protocol.MethodPing:
		resp = &protocol.Response{
			JSONRPC: protocol.JSONRPCVersion,
			ID:      req.ID,
			Result:  json.RawMessage(`{}`),
		}
	default:
		resp = c.createErrorResponse(req.ID, protocol.MethodNotFound,
			fmt.Sprintf("method not found: %s", req.Method), nil)
	}

	respJSON, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("failed to marshal response", zap.String("method", req.Method), zap.Error(err))
		return
	}
	if err := c.transport.Send(ctx, respJSON); err != nil {
		c.logger.Error("failed to send response", zap.Error(err))
	}
}

// nextRequestID generates the next request ID.
func (c *Client) nextRequestID() *protocol.RequestID {
	id := atomic.AddInt64(&c.nextID, 1)
	return protocol.NewNumericRequestID(id)
}

// createErrorResponse builds an error response frame.
func (c *Client) createErrorResponse(id *protocol.RequestID, code int, message string, data interface{}) *protocol.Response {
	return &protocol.Response{
		JSONRPC: protocol.JSONRPCVersion,
		ID:      id,
		Error:   protocol.NewError(code, message, data),
	}
}
