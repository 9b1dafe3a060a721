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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// KeyringService is the system-keyring service name tokens are filed
// under.
const KeyringService = "warp"

// KeyringTokenStore persists tokens in the operating system keyring
// (macOS Keychain, Secret Service, Windows Credential Manager). Tokens
// survive restarts and stay out of plain files.
type KeyringTokenStore struct {
	service string
}

// NewKeyringTokenStore creates a store backed by the system keyring.
func NewKeyringTokenStore() *KeyringTokenStore {
	return &KeyringTokenStore{service: KeyringService}
}

// FindToken returns the stored tokens, or nil, nil when absent.
func (s *KeyringTokenStore) FindToken(_ context.Context, principal, server string) (*Tokens, error) {
	data, err := keyring.Get(s.service, tokenKey(principal, server))
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read keyring: %w", err)
	}
	var t Tokens
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("failed to decode stored tokens: %w", err)
	}
	return &t, nil
}

// CreateToken stores tokens for (principal, server), overwriting any
// existing entry.
func (s *KeyringTokenStore) CreateToken(_ context.Context, principal, server string, t *Tokens, ci *ClientInfo) error {
	cp := t.Clone()
	if ci != nil {
		info := *ci
		cp.ClientInfo = &info
	}
	return s.put(principal, server, cp)
}

// UpdateToken replaces the stored tokens, preserving the previously
// registered client when the update carries none.
func (s *KeyringTokenStore) UpdateToken(ctx context.Context, principal, server string, t *Tokens) error {
	cp := t.Clone()
	if cp.ClientInfo == nil {
		existing, err := s.FindToken(ctx, principal, server)
		if err != nil {
			return err
		}
		if existing != nil {
			cp.ClientInfo = existing.ClientInfo
		}
	}
	return s.put(principal, server, cp)
}

// Delete removes the stored tokens. Absence is not an error.
func (s *KeyringTokenStore) Delete(_ context.Context, principal, server string) error {
	err := keyring.Delete(s.service, tokenKey(principal, server))
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete from keyring: %w", err)
	}
	return nil
}

func (s *KeyringTokenStore) put(principal, server string, t *Tokens) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode tokens: %w", err)
	}
	if err := keyring.Set(s.service, tokenKey(principal, server), string(data)); err != nil {
		return fmt.Errorf("failed to write keyring: %w", err)
	}
	return nil
}
