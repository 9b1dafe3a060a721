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

// Package auth coordinates OAuth 2.1 authorization for MCP servers:
// token persistence across pluggable stores, authorization-code flows
// with PKCE and dynamic client registration, and per-(principal, server)
// de-duplication so concurrent connections trigger a single interactive
// prompt.
package auth

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors surfaced by flows and token refresh.
var (
	// ErrFlowTimeout is returned when an authorization flow is not
	// completed before the flow store's TTL elapses.
	ErrFlowTimeout = errors.New("authorization flow timed out")

	// ErrFlowFailed is returned to waiters when a flow was explicitly
	// failed. The underlying cause is wrapped alongside it.
	ErrFlowFailed = errors.New("authorization flow failed")

	// ErrNoRefreshToken is returned when a refresh is requested but the
	// stored tokens carry no refresh token.
	ErrNoRefreshToken = errors.New("no refresh token available")
)

// expirySkew is subtracted from the expiry when checking freshness so a
// token that lapses mid-handshake is refreshed up front.
const expirySkew = 30 * time.Second

// Tokens is the persisted outcome of an authorization flow.
type Tokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`

	// ClientInfo carries the registered OAuth client when the server
	// required dynamic registration. Needed again at refresh time.
	ClientInfo *ClientInfo `json:"client_info,omitempty"`
}

// ClientInfo identifies an OAuth client, either statically configured or
// dynamically registered (RFC 7591).
type ClientInfo struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// Expired reports whether the access token is past (or within skew of)
// its expiry. Tokens without an expiry never expire.
func (t *Tokens) Expired() bool {
	if t == nil || t.ExpiresAt.IsZero() {
		return false
	}
	return !time.Now().Before(t.ExpiresAt.Add(-expirySkew))
}

// Clone returns a deep copy so stores can hand out tokens without
// sharing mutable state with callers.
func (t *Tokens) Clone() *Tokens {
	if t == nil {
		return nil
	}
	cp := *t
	if t.ClientInfo != nil {
		ci := *t.ClientInfo
		cp.ClientInfo = &ci
	}
	return &cp
}

// TokenStore persists tokens keyed by (principal, server). Implementations
// must be safe for concurrent use.
type TokenStore interface {
	FindToken(ctx context.Context, principal, server string) (*Tokens, error) // nil, nil when absent
	CreateToken(ctx context.Context, principal, server string, t *Tokens, ci *ClientInfo) error
	UpdateToken(ctx context.Context, principal, server string, t *Tokens) error
}

// tokenKey is the canonical store key for a (principal, server) pair.
func tokenKey(principal, server string) string {
	return principal + "/" + server
}
