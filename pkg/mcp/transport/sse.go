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
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"
)

// endpointWait bounds how long Send waits for the server to announce
// its message endpoint before falling back to <base>/messages.
const endpointWait = 5 * time.Second

// SSETransport implements Transport over the legacy HTTP+SSE pairing:
// a standing GET stream delivers server messages, and outbound messages
// are POSTed to the endpoint the server announces via an "endpoint"
// event on that stream.
type SSETransport struct {
	url        string
	sseClient  *sse.Client
	httpClient *http.Client

	events  chan []byte
	errors  chan error
	done    chan struct{}
	subDone chan struct{}

	endpointReady chan struct{}
	endpointOnce  sync.Once
	postEndpoint  string

	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	headers   map[string]string
	authToken string

	logger *zap.Logger
}

// SSEConfig configures the SSE transport.
type SSEConfig struct {
	URL       string            // SSE stream URL
	Headers   map[string]string // Custom headers sent on every request
	AuthToken string            // Bearer token, if authorization is held
	Logger    *zap.Logger
}

// NewSSETransport creates an SSE transport and begins connecting the
// event stream in the background. Connection failures surface on first
// use rather than at construction, so one unreachable server does not
// block startup.
func NewSSETransport(config SSEConfig) (*SSETransport, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("url is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	sseClient := sse.NewClient(config.URL)
	for k, v := range config.Headers {
		sseClient.Headers[k] = v
	}
	if config.AuthToken != "" {
		sseClient.Headers["Authorization"] = "Bearer " + config.AuthToken
	}

	subCtx, cancel := context.WithCancel(context.Background())

	t := &SSETransport{
		url:           config.URL,
		sseClient:     sseClient,
		httpClient:    &http.Client{},
		events:        make(chan []byte, 100),
		errors:        make(chan error, 1),
		done:          make(chan struct{}),
		subDone:       make(chan struct{}),
		endpointReady: make(chan struct{}),
		cancel:        cancel,
		headers:       config.Headers,
		authToken:     config.AuthToken,
		logger:        logger,
	}

	sseClient.OnDisconnect(func(c *sse.Client) {
		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return
		}
		t.logger.Warn("SSE disconnected", zap.String("url", config.URL))
		select {
		case t.errors <- fmt.Errorf("SSE disconnected"):
		default:
		}
	})

	go t.subscribe(subCtx)

	logger.Debug("SSE transport created", zap.String("url", config.URL))

	return t, nil
}

// subscribe consumes the event stream. "endpoint" events carry the POST
// target; everything else is a JSON-RPC message. subDone closing tells
// Receive that the stream has ended for good.
func (t *SSETransport) subscribe(ctx context.Context) {
	defer close(t.subDone)
	err := t.sseClient.SubscribeRawWithContext(ctx, func(msg *sse.Event) {
		if string(msg.Event) == "endpoint" {
			t.setPostEndpoint(string(msg.Data))
			return
		}
		if len(msg.Data) == 0 {
			return
		}
		select {
		case t.events <- msg.Data:
		case <-t.done:
		case <-ctx.Done():
		}
	})

	if err != nil && ctx.Err() == nil {
		t.logger.Warn("SSE subscription failed", zap.String("url", t.url), zap.Error(err))
		select {
		case t.errors <- fmt.Errorf("SSE subscription failed: %w", err):
		default:
		}
	}
}

// setPostEndpoint resolves the announced endpoint (which may be
// relative) against the stream URL and unblocks pending sends.
func (t *SSETransport) setPostEndpoint(raw string) {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		t.logger.Warn("Ignoring unparseable endpoint event", zap.String("endpoint", raw), zap.Error(err))
		return
	}
	resolved := ref.String()
	if base, err := url.Parse(t.url); err == nil {
		resolved = base.ResolveReference(ref).String()
	}

	t.mu.Lock()
	t.postEndpoint = resolved
	t.mu.Unlock()
	t.endpointOnce.Do(func() { close(t.endpointReady) })

	t.logger.Debug("SSE endpoint announced", zap.String("endpoint", resolved))
}

// postURL returns the message endpoint, waiting briefly for the server
// to announce one before deriving the conventional <base>/messages.
func (t *SSETransport) postURL(ctx context.Context) (string, error) {
	t.mu.Lock()
	ep := t.postEndpoint
	t.mu.Unlock()
	if ep != "" {
		return ep, nil
	}

	select {
	case <-t.endpointReady:
		t.mu.Lock()
		ep = t.postEndpoint
		t.mu.Unlock()
		return ep, nil
	case <-time.After(endpointWait):
		base := strings.TrimSuffix(t.url, "/sse")
		return strings.TrimRight(base, "/") + "/messages", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Send POSTs a JSON-RPC message to the announced endpoint.
func (t *SSETransport) Send(ctx context.Context, message []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	t.mu.Unlock()

	endpoint, err := t.postURL(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(message))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	t.applyHeaders(req)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("Non-200 status code (%d): %s", resp.StatusCode, body)
	default:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("HTTP error %d: %s", resp.StatusCode, body)
	}
}

// Receive returns the next message from the event stream. After the
// subscription ends, buffered messages and errors are drained before
// io.EOF.
func (t *SSETransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, io.EOF
	case err := <-t.errors:
		return nil, err
	case data := <-t.events:
		return data, nil
	case <-t.subDone:
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

// Close tears down the event stream.
func (t *SSETransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.logger.Debug("Closing SSE transport", zap.String("url", t.url))

	t.cancel()
	close(t.done)

	return nil
}

// applyHeaders sets the configured custom headers and bearer token.
func (t *SSETransport) applyHeaders(req *http.Request) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	if t.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.authToken)
	}
}

// SetAuthToken replaces the bearer token used on subsequent requests.
// The standing stream keeps its original credentials until the owning
// connection rebuilds the transport.
func (t *SSETransport) SetAuthToken(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.authToken = token
}
