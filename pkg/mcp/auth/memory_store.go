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
	"sync"
)

// MemoryTokenStore keeps tokens in process memory. Suitable for tests
// and ephemeral deployments; everything is lost on restart.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]*Tokens
}

// NewMemoryTokenStore creates an empty in-memory token store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]*Tokens)}
}

// FindToken returns the stored tokens, or nil, nil when absent.
func (s *MemoryTokenStore) FindToken(_ context.Context, principal, server string) (*Tokens, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens[tokenKey(principal, server)].Clone(), nil
}

// CreateToken stores tokens for (principal, server), overwriting any
// existing entry. ci, when present, is attached to the stored tokens.
func (s *MemoryTokenStore) CreateToken(_ context.Context, principal, server string, t *Tokens, ci *ClientInfo) error {
	cp := t.Clone()
	if ci != nil {
		info := *ci
		cp.ClientInfo = &info
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tokenKey(principal, server)] = cp
	return nil
}

// UpdateToken replaces the stored tokens, preserving the previously
// registered client when the update carries none.
func (s *MemoryTokenStore) UpdateToken(_ context.Context, principal, server string, t *Tokens) error {
	cp := t.Clone()
	key := tokenKey(principal, server)
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.tokens[key]; ok && cp.ClientInfo == nil {
		cp.ClientInfo = existing.ClientInfo
	}
	s.tokens[key] = cp
	return nil
}
