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
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocketTransport implements Transport over a WebSocket connection.
// Each JSON-RPC message is one text frame. gorilla permits a single
// concurrent reader and writer, so reads run in a dedicated loop and
// writes are serialized by a mutex.
type WebSocketTransport struct {
	conn   *websocket.Conn
	url    string
	logger *zap.Logger

	events   chan []byte
	errors   chan error
	done     chan struct{}
	readDone chan struct{}

	writeMu sync.Mutex
	mu      sync.Mutex
	closed  bool
}

// WebSocketConfig configures the WebSocket transport.
type WebSocketConfig struct {
	URL              string            // ws:// or wss:// URL
	Headers          map[string]string // Headers sent on the handshake
	AuthToken        string            // Bearer token, if authorization is held
	HandshakeTimeout time.Duration     // Defaults to 30s
	Logger           *zap.Logger
}

// NewWebSocketTransport dials the server and starts the read loop.
// Handshake rejections carry the HTTP status in the error text so
// authorization failures are classifiable upstream.
func NewWebSocketTransport(ctx context.Context, config WebSocketConfig) (*WebSocketTransport, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("url is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := config.HandshakeTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	header := http.Header{}
	for k, v := range config.Headers {
		header.Set(k, v)
	}
	if config.AuthToken != "" {
		header.Set("Authorization", "Bearer "+config.AuthToken)
	}

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, resp, err := dialer.DialContext(ctx, config.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, fmt.Errorf("Non-200 status code (%d): websocket handshake failed: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	t := &WebSocketTransport{
		conn:     conn,
		url:      config.URL,
		logger:   logger,
		events:   make(chan []byte, 100),
		errors:   make(chan error, 1),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}

	go t.readLoop()

	logger.Debug("WebSocket transport connected", zap.String("url", config.URL))

	return t, nil
}

// readLoop is the single reader of the connection. readDone closing
// tells Receive that no further frames will arrive.
func (t *WebSocketTransport) readLoop() {
	defer close(t.readDone)
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			select {
			case t.errors <- fmt.Errorf("websocket read failed: %w", err):
			default:
			}
			return
		}
		select {
		case t.events <- data:
		case <-t.done:
			return
		}
	}
}

// Send writes a message as a single text frame.
func (t *WebSocketTransport) Send(ctx context.Context, message []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	t.mu.Unlock()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	} else {
		_ = t.conn.SetWriteDeadline(time.Time{})
	}

	if err := t.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		return fmt.Errorf("websocket write failed: %w", err)
	}
	return nil
}

// Receive returns the next message from the connection. After the read
// loop exits, buffered messages and errors are drained before io.EOF.
func (t *WebSocketTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, io.EOF
	case err := <-t.errors:
		return nil, err
	case data := <-t.events:
		return data, nil
	case <-t.readDone:
		select {
		case data := <-t.events:
			return data, nil
		case err := <-t.errors:
			return nil, err
		default:
			return nil, io.EOF
		}
	}
}

// Close sends a close frame and tears the connection down.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.logger.Debug("Closing WebSocket transport", zap.String("url", t.url))

	t.writeMu.Lock()
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()

	close(t.done)
	return t.conn.Close()
}
