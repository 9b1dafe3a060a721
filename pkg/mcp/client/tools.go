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

package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/teradata-labs/warp/pkg/mcp/protocol"
)

// ToolError is a tool-level failure: the server executed the tool and
// the tool itself reported an error (isError=true).
type ToolError struct {
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("tool %s returned error", e.Tool)
	}
	return fmt.Sprintf("tool %s error: %s", e.Tool, e.Message)
}

// ListTools returns all available tools from the server and refreshes
// the local tool cache used for argument validation.
func (c *Client) ListTools(ctx context.Context) ([]protocol.Tool, error) {
	req, err := protocol.NewRequest(c.nextRequestID(), protocol.MethodToolsList, struct{}{})
	if err != nil {
		return nil, err
	}

	resp, err := c.sendRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	var result protocol.ToolListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse tools/list result: %w", err)
	}

	c.toolsMu.Lock()
	c.tools = make(map[string]protocol.Tool)
	for _, tool := range result.Tools {
		c.tools[tool.Name] = tool
	}
	c.toolsMu.Unlock()

	return result.Tools, nil
}

// CallTool invokes a tool. Arguments are validated against the tool's
// input schema before the call goes out. Tool-level failures come back
// as a *ToolError carrying the first text content.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]interface{}) (*protocol.CallToolResult, error) {
	tool, err := c.getTool(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("tool %s not found: %w", name, err)
	}

	if err := protocol.ValidateToolArguments(tool, arguments); err != nil {
		return nil, fmt.Errorf("invalid arguments for tool %s: %w", name, err)
	}

	params := protocol.CallToolParams{
		Name:      name,
		Arguments: arguments,
	}

	req, err := protocol.NewRequest(c.nextRequestID(), protocol.MethodToolsCall, params)
	if err != nil {
		return nil, err
	}

	resp, err := c.sendRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	var result protocol.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse tools/call result: %w", err)
	}

	if result.IsError {
		toolErr := &ToolError{Tool: name}
		if len(result.Content) > 0 && result.Content[0].Type == "text" {
			toolErr.Message = result.Content[0].Text
		}
		return nil, toolErr
	}

	return &result, nil
}

// getTool retrieves a tool definition from the cache, refreshing it
// from the server on a miss.
func (c *Client) getTool(ctx context.Context, name string) (protocol.Tool, error) {
	c.toolsMu.RLock()
	tool, exists := c.tools[name]
	c.toolsMu.RUnlock()

	if exists {
		return tool, nil
	}

	if _, err := c.ListTools(ctx); err != nil {
		return protocol.Tool{}, err
	}

	c.toolsMu.RLock()
	tool, exists = c.tools[name]
	c.toolsMu.RUnlock()

	if !exists {
		return protocol.Tool{}, fmt.Errorf("tool %s not found", name)
	}

	return tool, nil
}
