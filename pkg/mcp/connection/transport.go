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
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/warp/pkg/mcp/protocol"
	"github.com/teradata-labs/warp/pkg/mcp/transport"
)

// Transport kind names as they appear in server configuration.
const (
	TypeStdio          = "stdio"
	TypeSSE            = "sse"
	TypeWebSocket      = "websocket"
	TypeStreamableHTTP = "streamable-http"
)

// TransportFactory builds a transport for a server. sessionID carries a
// prior streamable-http session to offer for resumption; authToken is
// the bearer token when authorization is held. Both may be empty.
type TransportFactory func(ctx context.Context, spec ServerSpec, sessionID, authToken string) (transport.Transport, error)

// TransportKind resolves the transport for a server descriptor:
// a command means stdio; a ws:// or wss:// URL means websocket;
// otherwise an explicit type is honored; everything else is SSE.
func TransportKind(spec ServerSpec) string {
	switch {
	case spec.Command != "":
		return TypeStdio
	case strings.HasPrefix(spec.URL, "ws://") || strings.HasPrefix(spec.URL, "wss://"):
		return TypeWebSocket
	case spec.Type == TypeStreamableHTTP:
		return TypeStreamableHTTP
	case spec.Type == TypeWebSocket:
		return TypeWebSocket
	case spec.Type == TypeStdio:
		return TypeStdio
	default:
		return TypeSSE
	}
}

// NewTransportFactory returns the default factory, which dispatches on
// TransportKind and forwards headers and credentials to the variant.
func NewTransportFactory(logger *zap.Logger) TransportFactory {
	return func(ctx context.Context, spec ServerSpec, sessionID, authToken string) (transport.Transport, error) {
		switch TransportKind(spec) {
		case TypeStdio:
			return transport.NewStdioTransport(transport.StdioConfig{
				Command: spec.Command,
				Args:    spec.Args,
				Env:     spec.Env,
				Logger:  logger,
			})
		case TypeWebSocket:
			return transport.NewWebSocketTransport(ctx, transport.WebSocketConfig{
				URL:       spec.URL,
				Headers:   spec.Headers,
				AuthToken: authToken,
				Logger:    logger,
			})
		case TypeStreamableHTTP:
			return transport.NewStreamableHTTPTransport(transport.StreamableHTTPConfig{
				Endpoint:         spec.URL,
				Headers:          spec.Headers,
				SessionID:        sessionID,
				AuthToken:        authToken,
				EnableSessions:   true,
				EnableResumption: true,
				Logger:           logger,
			})
		default:
			return transport.NewSSETransport(transport.SSEConfig{
				URL:       spec.URL,
				Headers:   spec.Headers,
				AuthToken: authToken,
				Logger:    logger,
			})
		}
	}
}

// pingReplyWindow is the minimum spacing between empty-result replies
// to server pings. Faster replies are swallowed so idle keep-alive
// traffic cannot pin a connection as active forever.
const pingReplyWindow = 5 * time.Minute

// guardedTransport wraps the transport handed to the JSON-RPC client.
// It rate-limits outbound ping replies and reports transport shutdown
// to the connection, which the client's receive loop swallows.
type guardedTransport struct {
	inner  transport.Transport
	logger *zap.Logger

	// onDown is invoked at most once, on its own goroutine, when the
	// inner transport stops delivering messages.
	onDown   func(error)
	downOnce sync.Once
	suppress atomic.Bool

	pingMu        sync.Mutex
	lastPingReply time.Time
}

func newGuardedTransport(inner transport.Transport, logger *zap.Logger, onDown func(error)) *guardedTransport {
	return &guardedTransport{inner: inner, logger: logger, onDown: onDown}
}

// Send forwards a frame unless the keep-alive guard rejects it.
func (g *guardedTransport) Send(ctx context.Context, message []byte) error {
	if err := g.guardPingReply(message); err != nil {
		return err
	}
	return g.inner.Send(ctx, message)
}

// guardPingReply intercepts outbound responses that carry an empty
// result. Those are replies to server pings: if the previous one went
// out inside the window, the reply is rejected with ErrEmptyResult.
func (g *guardedTransport) guardPingReply(message []byte) error {
	// Requests and notifications always carry a method.
	if bytes.Contains(message, []byte(`"method"`)) {
		return nil
	}
	msg, err := protocol.ParseMessage(message)
	if err != nil || !msg.IsResponse() || !msg.HasEmptyResult() {
		return nil
	}

	g.pingMu.Lock()
	defer g.pingMu.Unlock()
	now := time.Now()
	if !g.lastPingReply.IsZero() && now.Sub(g.lastPingReply) < pingReplyWindow {
		g.logger.Debug("Swallowing ping reply inside guard window")
		return ErrEmptyResult
	}
	g.lastPingReply = now
	return nil
}

// Receive forwards the inner transport's stream and flags its end.
// Deliberate teardown sets suppress first, so only unexpected shutdown
// reaches onDown.
func (g *guardedTransport) Receive(ctx context.Context) ([]byte, error) {
	data, err := g.inner.Receive(ctx)
	if err != nil && ctx.Err() == nil && !g.suppress.Load() {
		if errors.Is(err, io.EOF) || errors.Is(err, transport.ErrTransportClosed) {
			g.downOnce.Do(func() { go g.onDown(err) })
		}
	}
	return data, err
}

// Close suppresses shutdown reporting and closes the inner transport.
func (g *guardedTransport) Close() error {
	g.suppress.Store(true)
	return g.inner.Close()
}
