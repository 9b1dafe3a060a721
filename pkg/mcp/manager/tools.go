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
package manager

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/teradata-labs/warp/pkg/mcp/connection"
	"github.com/teradata-labs/warp/pkg/mcp/protocol"
)

// DefaultToolDelimiter joins a tool name to its server name when the
// pool's tools are projected into one flat namespace.
const DefaultToolDelimiter = "_mcp_"

// ManifestTool pairs a server's tool with its origin. Tool keeps the
// name the server reported; the manifest key carries the namespaced
// form.
type ManifestTool struct {
	Server string
	Tool   protocol.Tool
}

// ToolManifest maps namespaced tool name to its manifest entry.
type ToolManifest map[string]ManifestTool

// ToolOption tunes tool projection.
type ToolOption func(*toolOptions)

type toolOptions struct {
	delimiter     string
	skipReconnect bool
}

// WithToolDelimiter overrides the namespacing delimiter.
func WithToolDelimiter(d string) ToolOption {
	return func(o *toolOptions) { o.delimiter = d }
}

// WithoutReconnect lists only servers that are already connected
// instead of reviving unhealthy ones first.
func WithoutReconnect() ToolOption {
	return func(o *toolOptions) { o.skipReconnect = true }
}

// NamespacedToolName projects a tool into the flat namespace.
func NamespacedToolName(tool, server, delimiter string) string {
	if delimiter == "" {
		delimiter = DefaultToolDelimiter
	}
	return tool + delimiter + server
}

// SplitToolName splits a namespaced name back into tool and server.
// The split is on the last delimiter occurrence, so tool names that
// contain the delimiter survive the round trip.
func SplitToolName(name, delimiter string) (tool, server string, ok bool) {
	if delimiter == "" {
		delimiter = DefaultToolDelimiter
	}
	i := strings.LastIndex(name, delimiter)
	if i < 0 {
		return "", "", false
	}
	return name[:i], name[i+len(delimiter):], true
}

// MapAvailableTools fills out with the namespaced tools of every
// process-scope server. Unhealthy servers are revived first unless
// WithoutReconnect is given; servers that stay unreachable are logged
// and skipped.
func (m *Manager) MapAvailableTools(ctx context.Context, out ToolManifest, opts ...ToolOption) error {
	if m.stopped.Load() {
		return ErrShuttingDown
	}
	var options toolOptions
	for _, opt := range opts {
		opt(&options)
	}
	delimiter := options.delimiter
	if delimiter == "" {
		delimiter = DefaultToolDelimiter
	}

	for _, server := range m.ServerNames() {
		m.mu.RLock()
		conn := m.processConnections[server]
		m.mu.RUnlock()

		if conn == nil || conn.State() != connection.StateConnected {
			if options.skipReconnect {
				continue
			}
			revived, err := m.ensureProcessConnection(ctx, server)
			if err != nil {
				m.logger.Warn("Skipping unreachable server",
					zap.String("server", server),
					zap.Error(err))
				continue
			}
			conn = revived
		}

		for _, tool := range conn.ListTools(ctx) {
			out[NamespacedToolName(tool.Name, server, delimiter)] = ManifestTool{
				Server: server,
				Tool:   tool,
			}
		}
	}
	return nil
}

// LoadManifestTools returns the namespaced tool table for every
// process-scope server.
func (m *Manager) LoadManifestTools(ctx context.Context, opts ...ToolOption) (ToolManifest, error) {
	out := make(ToolManifest)
	if err := m.MapAvailableTools(ctx, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
