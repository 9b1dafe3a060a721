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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// metadataPath is the RFC 8414 well-known path for authorization server
// metadata.
const metadataPath = "/.well-known/oauth-authorization-server"

// pendingAuthTTL bounds how long an initiated-but-never-completed
// authorization is kept before being pruned.
const pendingAuthTTL = 10 * time.Minute

// OAuthConfig is the per-server OAuth configuration. Every field is
// optional: a missing issuer is derived from the server URL, and a
// missing client triggers dynamic registration.
type OAuthConfig struct {
	IssuerURL    string   `yaml:"issuer_url,omitempty" json:"issuer_url,omitempty"`
	RedirectURI  string   `yaml:"redirect_uri,omitempty" json:"redirect_uri,omitempty"`
	Scopes       []string `yaml:"scopes,omitempty" json:"scopes,omitempty"`
	ClientID     string   `yaml:"client_id,omitempty" json:"client_id,omitempty"`
	ClientSecret string   `yaml:"client_secret,omitempty" json:"client_secret,omitempty"`
}

// Flow is one in-progress authorization: the URL the user must visit
// and the state nonce that ties the eventual callback to it.
type Flow struct {
	AuthURL    string
	State      string
	ClientInfo *ClientInfo
}

// Handler implements the wire-level OAuth exchanges. The Coordinator
// drives it; implementations must be safe for concurrent use.
type Handler interface {
	InitiateFlow(ctx context.Context, serverURL string, cfg *OAuthConfig) (*Flow, error)
	CompleteFlow(ctx context.Context, code, state string) (*Tokens, error)
	RefreshTokens(ctx context.Context, serverURL string, cfg *OAuthConfig, t *Tokens) (*Tokens, error)
}

// serverMetadata is the subset of RFC 8414 authorization server
// metadata the handler uses.
type serverMetadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	RegistrationEndpoint  string `json:"registration_endpoint,omitempty"`
}

type pendingAuth struct {
	conf       *oauth2.Config
	verifier   string
	clientInfo *ClientInfo
	createdAt  time.Time
}

// OAuthHandler is the default Handler: RFC 8414 metadata discovery with
// issuer-rooted fallbacks, RFC 7591 dynamic client registration, and
// the authorization-code grant with PKCE.
type OAuthHandler struct {
	client     *http.Client
	clientName string
	logger     *zap.Logger

	mu       sync.Mutex
	pending  map[string]*pendingAuth    // keyed by state nonce
	metadata map[string]*serverMetadata // discovery cache keyed by issuer
}

// NewOAuthHandler creates a handler using the given HTTP client for
// discovery, registration and token exchanges. A nil client gets a
// 30 second timeout default.
func NewOAuthHandler(client *http.Client, logger *zap.Logger) *OAuthHandler {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OAuthHandler{
		client:     client,
		clientName: "warp",
		logger:     logger,
		pending:    make(map[string]*pendingAuth),
		metadata:   make(map[string]*serverMetadata),
	}
}

// InitiateFlow discovers the authorization server, registers a client
// when none is configured, and returns the authorization URL the user
// must visit. The flow is completed by CompleteFlow with the callback's
// code and state.
func (h *OAuthHandler) InitiateFlow(ctx context.Context, serverURL string, cfg *OAuthConfig) (*Flow, error) {
	if cfg == nil {
		cfg = &OAuthConfig{}
	}
	issuer, err := issuerFor(serverURL, cfg)
	if err != nil {
		return nil, err
	}
	md, err := h.discoverMetadata(ctx, issuer)
	if err != nil {
		return nil, err
	}

	ci := &ClientInfo{ClientID: cfg.ClientID, ClientSecret: cfg.ClientSecret}
	if ci.ClientID == "" {
		if md.RegistrationEndpoint == "" {
			return nil, fmt.Errorf("no OAuth client configured and %s offers no registration endpoint", issuer)
		}
		ci, err = h.registerClient(ctx, md.RegistrationEndpoint, cfg.RedirectURI)
		if err != nil {
			return nil, err
		}
		h.logger.Info("registered OAuth client",
			zap.String("issuer", issuer),
			zap.String("client_id", ci.ClientID))
	}

	conf := oauthConfig(md, cfg, ci)
	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()
	authURL := conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(verifier))

	h.mu.Lock()
	now := time.Now()
	for st, pa := range h.pending {
		if now.Sub(pa.createdAt) > pendingAuthTTL {
			delete(h.pending, st)
		}
	}
	h.pending[state] = &pendingAuth{conf: conf, verifier: verifier, clientInfo: ci, createdAt: now}
	h.mu.Unlock()

	return &Flow{AuthURL: authURL, State: state, ClientInfo: ci}, nil
}

// CompleteFlow exchanges the authorization code delivered to the
// redirect URI. The state must match a flow initiated by this handler.
func (h *OAuthHandler) CompleteFlow(ctx context.Context, code, state string) (*Tokens, error) {
	h.mu.Lock()
	pa, ok := h.pending[state]
	delete(h.pending, state)
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no pending authorization for state %q", state)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, h.client)
	tok, err := pa.conf.Exchange(ctx, code, oauth2.VerifierOption(pa.verifier))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	t := fromOAuth2Token(tok)
	t.ClientInfo = pa.clientInfo
	return t, nil
}

// RefreshTokens exchanges the stored refresh token for fresh tokens.
// The registered client travels with the tokens so refresh works
// without re-registration.
func (h *OAuthHandler) RefreshTokens(ctx context.Context, serverURL string, cfg *OAuthConfig, t *Tokens) (*Tokens, error) {
	if t == nil || t.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}
	if cfg == nil {
		cfg = &OAuthConfig{}
	}
	issuer, err := issuerFor(serverURL, cfg)
	if err != nil {
		return nil, err
	}
	md, err := h.discoverMetadata(ctx, issuer)
	if err != nil {
		return nil, err
	}

	ci := t.ClientInfo
	if ci == nil || ci.ClientID == "" {
		ci = &ClientInfo{ClientID: cfg.ClientID, ClientSecret: cfg.ClientSecret}
	}
	if ci.ClientID == "" {
		return nil, fmt.Errorf("no OAuth client available to refresh tokens")
	}

	conf := oauthConfig(md, cfg, ci)
	ctx = context.WithValue(ctx, oauth2.HTTPClient, h.client)
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: t.RefreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh tokens: %w", err)
	}

	fresh := fromOAuth2Token(tok)
	if fresh.RefreshToken == "" {
		// Servers that do not rotate refresh tokens omit them.
		fresh.RefreshToken = t.RefreshToken
	}
	fresh.ClientInfo = ci
	return fresh, nil
}

// discoverMetadata fetches RFC 8414 metadata for the issuer. A 404
// falls back to issuer-rooted default endpoints; results are cached.
func (h *OAuthHandler) discoverMetadata(ctx context.Context, issuer string) (*serverMetadata, error) {
	h.mu.Lock()
	if md, ok := h.metadata[issuer]; ok {
		h.mu.Unlock()
		return md, nil
	}
	h.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, issuer+metadataPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch server metadata: %w", err)
	}
	defer resp.Body.Close()

	md := &serverMetadata{}
	switch resp.StatusCode {
	case http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(md); err != nil {
			return nil, fmt.Errorf("failed to decode server metadata: %w", err)
		}
	case http.StatusNotFound:
		// Discovery is optional. Assume the conventional endpoints.
		h.logger.Debug("no authorization server metadata, using default endpoints",
			zap.String("issuer", issuer))
		md.RegistrationEndpoint = issuer + "/register"
	default:
		return nil, fmt.Errorf("metadata request returned status %d", resp.StatusCode)
	}
	if md.Issuer == "" {
		md.Issuer = issuer
	}
	if md.AuthorizationEndpoint == "" {
		md.AuthorizationEndpoint = issuer + "/authorize"
	}
	if md.TokenEndpoint == "" {
		md.TokenEndpoint = issuer + "/token"
	}

	h.mu.Lock()
	h.metadata[issuer] = md
	h.mu.Unlock()
	return md, nil
}

// registerClient performs RFC 7591 dynamic client registration.
func (h *OAuthHandler) registerClient(ctx context.Context, endpoint, redirectURI string) (*ClientInfo, error) {
	body, err := json.Marshal(map[string]any{
		"client_name":    h.clientName,
		"redirect_uris":  []string{redirectURI},
		"grant_types":    []string{"authorization_code", "refresh_token"},
		"response_types": []string{"code"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode registration request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to register client: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("client registration returned status %d", resp.StatusCode)
	}

	var reg struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		return nil, fmt.Errorf("failed to decode registration response: %w", err)
	}
	if reg.ClientID == "" {
		return nil, fmt.Errorf("client registration returned no client_id")
	}
	return &ClientInfo{ClientID: reg.ClientID, ClientSecret: reg.ClientSecret}, nil
}

func oauthConfig(md *serverMetadata, cfg *OAuthConfig, ci *ClientInfo) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     ci.ClientID,
		ClientSecret: ci.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  md.AuthorizationEndpoint,
			TokenURL: md.TokenEndpoint,
		},
		RedirectURL: cfg.RedirectURI,
		Scopes:      cfg.Scopes,
	}
}

func issuerFor(serverURL string, cfg *OAuthConfig) (string, error) {
	if cfg.IssuerURL != "" {
		return strings.TrimSuffix(cfg.IssuerURL, "/"), nil
	}
	u, err := url.Parse(serverURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("cannot derive OAuth issuer from server URL %q", serverURL)
	}
	return u.Scheme + "://" + u.Host, nil
}

func fromOAuth2Token(tok *oauth2.Token) *Tokens {
	return &Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
}
