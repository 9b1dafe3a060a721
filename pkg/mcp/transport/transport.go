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

// Package transport implements the MCP communication layer: stdio
// subprocess pipes, HTTP+SSE, WebSocket, and streamable-http, plus the
// session tracking used by streamable-http.
package transport

import (
	"context"
)

// Transport moves raw JSON-RPC frames between client and server.
// Implementations: StdioTransport, SSETransport, WebSocketTransport,
// StreamableHTTPTransport.
type Transport interface {
	// Send transmits a single message.
	Send(ctx context.Context, message []byte) error

	// Receive blocks until the next message arrives. Returns io.EOF
	// once the transport shuts down cleanly.
	Receive(ctx context.Context) ([]byte, error)

	// Close releases the transport's resources.
	Close() error
}
