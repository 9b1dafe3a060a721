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

// ListResources returns all available resources from the server.
func (c *Client) ListResources(ctx context.Context) ([]protocol.Resource, error) {
	req, err := protocol.NewRequest(c.nextRequestID(), protocol.MethodResourcesList, struct{}{})
	if err != nil {
		return nil, err
	}

	resp, err := c.sendRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	var result protocol.ResourceListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse resources/list result: %w", err)
	}

	return result.Resources, nil
}

// ReadResource reads a resource by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) (*protocol.ReadResourceResult, error) {
	params := protocol.ReadResourceParams{URI: uri}

	req, err := protocol.NewRequest(c.nextRequestID(), protocol.MethodResourcesRead, params)
	if err != nil {
		return nil, err
	}

	resp, err := c.sendRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	var result protocol.ReadResourceResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse resources/read result: %w", err)
	}

	return &result, nil
}

// SubscribeResource subscribes to change notifications for a resource.
func (c *Client) SubscribeResource(ctx context.Context, uri string) error {
	c.mu.RLock()
	supportsSubscribe := c.serverCapabilities.Resources != nil && c.serverCapabilities.Resources.Subscribe
	c.mu.RUnlock()

	if !supportsSubscribe {
		return fmt.Errorf("server does not support resource subscriptions")
	}

	req, err := protocol.NewRequest(c.nextRequestID(), "resources/subscribe", map[string]string{"uri": uri})
	if err != nil {
		return err
	}

	_, err = c.sendRequest(ctx, req)
	return err
}

// UnsubscribeResource cancels a resource subscription.
func (c *Client) UnsubscribeResource(ctx context.Context, uri string) error {
	req, err := protocol.NewRequest(c.nextRequestID(), "resources/unsubscribe", map[string]string{"uri": uri})
	if err != nil {
		return err
	}

	_, err = c.sendRequest(ctx, req)
	return err
}
