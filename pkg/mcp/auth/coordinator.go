// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// FlowKindOAuth is the flow-store kind for interactive authorization.
const FlowKindOAuth = "oauth"

// OAuthFlowID is the de-duplication key for interactive authorization
// of (principal, server).
func OAuthFlowID(principal, server string) string {
	return "mcp_oauth:" + principal + ":" + server
}

// TokenFlowID is the serialization key for token loads and refreshes of
// (principal, server).
func TokenFlowID(principal, server string) string {
	return "mcp_get_tokens:" + principal + ":" + server
}

// OAuthRequest describes a connection's need for authorization.
type OAuthRequest struct {
	Server    string       // configured server name
	Principal string       // user id, or the system principal
	ServerURL string       // endpoint that rejected the connection
	Config    *OAuthConfig // per-server OAuth configuration, may be nil
	Cause     error        // the authorization error that triggered the flow
}

// CoordinatorConfig configures a Coordinator. Nil collaborators get
// in-memory defaults so the zero configuration is usable.
type CoordinatorConfig struct {
	Handler Handler
	Flows   FlowStore
	Tokens  TokenStore

	// OAuthStart surfaces the authorization URL to the embedding
	// application (open a browser, post a chat message). When nil the
	// URL is logged at warn level instead.
	OAuthStart func(authURL string)

	Logger *zap.Logger
}

// Coordinator de-duplicates authorization work across connections:
// concurrent interactive flows for one (principal, server) pair
// collapse into a single prompt, and token loads and refreshes for the
// pair are serialized. Safe for concurrent use.
type Coordinator struct {
	handler    Handler
	flows      FlowStore
	tokens     TokenStore
	oauthStart func(authURL string)

	group  singleflight.Group
	logger *zap.Logger
}

// NewCoordinator creates a coordinator from cfg, filling in in-memory
// defaults for any collaborator left nil.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	handler := cfg.Handler
	if handler == nil {
		handler = NewOAuthHandler(nil, logger)
	}
	flows := cfg.Flows
	if flows == nil {
		flows = NewMemoryFlowStore(0, logger)
	}
	tokens := cfg.Tokens
	if tokens == nil {
		tokens = NewMemoryTokenStore()
	}
	return &Coordinator{
		handler:    handler,
		flows:      flows,
		tokens:     tokens,
		oauthStart: cfg.OAuthStart,
		logger:     logger,
	}
}

// TokenStore returns the coordinator's token store.
func (c *Coordinator) TokenStore() TokenStore { return c.tokens }

// FlowStore returns the coordinator's flow store.
func (c *Coordinator) FlowStore() FlowStore { return c.flows }

// HandleOAuthRequired runs (or attaches to) the interactive
// authorization flow for req and blocks until tokens arrive, the flow
// fails, or ctx is done. Concurrent calls for the same
// (principal, server) share one flow and one user prompt.
func (c *Coordinator) HandleOAuthRequired(ctx context.Context, req OAuthRequest) (*Tokens, error) {
	flowID := OAuthFlowID(req.Principal, req.Server)
	v, err, shared := c.group.Do(flowID, func() (any, error) {
		return c.runOAuthFlow(ctx, flowID, req)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("shared authorization flow outcome", zap.String("flow_id", flowID))
	}
	return v.(*Tokens), nil
}

func (c *Coordinator) runOAuthFlow(ctx context.Context, flowID string, req OAuthRequest) (*Tokens, error) {
	// A pending flow for this pair may exist already, e.g. started by a
	// connection in another scope. Attach instead of prompting twice.
	if st, err := c.flows.GetFlowState(ctx, flowID, FlowKindOAuth); err == nil && st != nil && st.Status == FlowPending {
		c.logger.Info("attaching to pending authorization flow", zap.String("flow_id", flowID))
		res, err := c.flows.CreateFlow(ctx, flowID, FlowKindOAuth, nil)
		if err != nil {
			return nil, err
		}
		return res.Tokens, nil
	}

	flow, err := c.handler.InitiateFlow(ctx, req.ServerURL, req.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to initiate authorization for %s: %w", req.Server, err)
	}

	if c.oauthStart != nil {
		c.oauthStart(flow.AuthURL)
	} else {
		c.logger.Warn("authorization required, visit the URL to continue",
			zap.String("server", req.Server),
			zap.String("principal", req.Principal),
			zap.String("url", flow.AuthURL))
	}

	md := map[string]any{
		"server":    req.Server,
		"principal": req.Principal,
		"auth_url":  flow.AuthURL,
		"state":     flow.State,
	}
	res, err := c.flows.CreateFlow(ctx, flowID, FlowKindOAuth, md)
	if err != nil {
		return nil, err
	}
	return res.Tokens, nil
}

// CompleteOAuthFlow consumes the authorization callback for
// (principal, server): exchanges the code, persists the tokens, and
// releases every caller blocked in HandleOAuthRequired.
func (c *Coordinator) CompleteOAuthFlow(ctx context.Context, principal, server, code, state string) (*Tokens, error) {
	flowID := OAuthFlowID(principal, server)

	tokens, err := c.handler.CompleteFlow(ctx, code, state)
	if err != nil {
		if ferr := c.flows.FailFlow(flowID, FlowKindOAuth, err); ferr != nil {
			c.logger.Debug("no pending flow to fail", zap.String("flow_id", flowID), zap.Error(ferr))
		}
		return nil, err
	}

	if err := c.persistTokens(ctx, principal, server, tokens); err != nil {
		// The user did authorize; a persistence failure should not fail
		// the waiting connection.
		c.logger.Warn("failed to persist tokens",
			zap.String("server", server),
			zap.String("principal", principal),
			zap.Error(err))
	}

	if err := c.flows.CompleteFlow(flowID, FlowKindOAuth, &FlowResult{Tokens: tokens}); err != nil {
		c.logger.Debug("no pending flow to complete", zap.String("flow_id", flowID), zap.Error(err))
	}
	return tokens, nil
}

// FailOAuthFlow releases waiters with a failure, e.g. when the
// authorization server redirected back with an error parameter.
func (c *Coordinator) FailOAuthFlow(principal, server string, cause error) error {
	return c.flows.FailFlow(OAuthFlowID(principal, server), FlowKindOAuth, cause)
}

// LoadTokens returns persisted tokens for (principal, server),
// refreshing expired ones first. Returns nil, nil when nothing usable
// is stored; connecting then triggers a fresh authorization. Concurrent
// loads for the same pair collapse into one.
func (c *Coordinator) LoadTokens(ctx context.Context, principal, server, serverURL string, cfg *OAuthConfig) (*Tokens, error) {
	flowID := TokenFlowID(principal, server)
	v, err, _ := c.group.Do(flowID, func() (any, error) {
		t, err := c.tokens.FindToken(ctx, principal, server)
		if err != nil {
			return nil, fmt.Errorf("failed to load tokens for %s: %w", server, err)
		}
		if t == nil {
			return (*Tokens)(nil), nil
		}
		if !t.Expired() {
			return t, nil
		}
		fresh, err := c.refresh(ctx, principal, server, serverURL, cfg, t)
		if err != nil {
			// An expired token that cannot be refreshed is as good as
			// absent.
			c.logger.Warn("failed to refresh stored tokens",
				zap.String("server", server),
				zap.String("principal", principal),
				zap.Error(err))
			return (*Tokens)(nil), nil
		}
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Tokens), nil
}

// RefreshTokens forces a refresh for (principal, server) and persists
// the result. Serialized with LoadTokens under the same flow key.
func (c *Coordinator) RefreshTokens(ctx context.Context, principal, server, serverURL string, cfg *OAuthConfig) (*Tokens, error) {
	flowID := TokenFlowID(principal, server)
	v, err, _ := c.group.Do(flowID, func() (any, error) {
		t, err := c.tokens.FindToken(ctx, principal, server)
		if err != nil {
			return nil, fmt.Errorf("failed to load tokens for %s: %w", server, err)
		}
		if t == nil || t.RefreshToken == "" {
			return nil, ErrNoRefreshToken
		}
		return c.refresh(ctx, principal, server, serverURL, cfg, t)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Tokens), nil
}

func (c *Coordinator) refresh(ctx context.Context, principal, server, serverURL string, cfg *OAuthConfig, t *Tokens) (*Tokens, error) {
	fresh, err := c.handler.RefreshTokens(ctx, serverURL, cfg, t)
	if err != nil {
		return nil, err
	}
	if err := c.tokens.UpdateToken(ctx, principal, server, fresh); err != nil {
		c.logger.Warn("failed to persist refreshed tokens",
			zap.String("server", server),
			zap.String("principal", principal),
			zap.Error(err))
	}
	c.logger.Debug("refreshed tokens",
		zap.String("server", server),
		zap.String("principal", principal))
	return fresh, nil
}

func (c *Coordinator) persistTokens(ctx context.Context, principal, server string, t *Tokens) error {
	existing, err := c.tokens.FindToken(ctx, principal, server)
	if err != nil {
		return err
	}
	if existing != nil {
		return c.tokens.UpdateToken(ctx, principal, server, t)
	}
	return c.tokens.CreateToken(ctx, principal, server, t, t.ClientInfo)
}
