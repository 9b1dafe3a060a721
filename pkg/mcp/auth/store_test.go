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
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestMemoryTokenStore(t *testing.T) {
	testTokenStore(t, NewMemoryTokenStore())
}

func TestSQLiteTokenStore(t *testing.T) {
	s, err := NewSQLiteTokenStore(filepath.Join(t.TempDir(), "tokens.db"))
	require.NoError(t, err)
	defer s.Close()
	testTokenStore(t, s)
}

func TestSQLiteTokenStoreInMemory(t *testing.T) {
	s, err := NewSQLiteTokenStore(":memory:")
	require.NoError(t, err)
	defer s.Close()
	testTokenStore(t, s)
}

func TestSQLiteTokenStoreEmptyPath(t *testing.T) {
	_, err := NewSQLiteTokenStore("")
	require.Error(t, err)
}

func TestKeyringTokenStore(t *testing.T) {
	keyring.MockInit()
	testTokenStore(t, NewKeyringTokenStore())
}

func TestKeyringTokenStoreDelete(t *testing.T) {
	keyring.MockInit()
	s := NewKeyringTokenStore()
	ctx := context.Background()

	require.NoError(t, s.CreateToken(ctx, "u9", "gh", &Tokens{AccessToken: "at"}, nil))
	require.NoError(t, s.Delete(ctx, "u9", "gh"))

	got, err := s.FindToken(ctx, "u9", "gh")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Deleting again is not an error.
	require.NoError(t, s.Delete(ctx, "u9", "gh"))
}

// testTokenStore exercises the TokenStore contract shared by every
// implementation.
func testTokenStore(t *testing.T, store TokenStore) {
	t.Helper()
	ctx := context.Background()
	expiry := time.Now().Add(time.Hour).Truncate(time.Second)

	t.Run("absent returns nil without error", func(t *testing.T) {
		got, err := store.FindToken(ctx, "u1", "unknown")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("create and find", func(t *testing.T) {
		in := &Tokens{AccessToken: "at-1", RefreshToken: "rt-1", ExpiresAt: expiry}
		require.NoError(t, store.CreateToken(ctx, "u1", "github", in, &ClientInfo{ClientID: "c1", ClientSecret: "s1"}))

		got, err := store.FindToken(ctx, "u1", "github")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "at-1", got.AccessToken)
		assert.Equal(t, "rt-1", got.RefreshToken)
		assert.WithinDuration(t, expiry, got.ExpiresAt, time.Second)
		require.NotNil(t, got.ClientInfo)
		assert.Equal(t, "c1", got.ClientInfo.ClientID)
		assert.Equal(t, "s1", got.ClientInfo.ClientSecret)
	})

	t.Run("create overwrites", func(t *testing.T) {
		require.NoError(t, store.CreateToken(ctx, "u1", "github", &Tokens{AccessToken: "at-2"}, &ClientInfo{ClientID: "c1"}))

		got, err := store.FindToken(ctx, "u1", "github")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "at-2", got.AccessToken)
		assert.Empty(t, got.RefreshToken)
	})

	t.Run("update preserves registered client", func(t *testing.T) {
		require.NoError(t, store.UpdateToken(ctx, "u1", "github", &Tokens{AccessToken: "at-3", RefreshToken: "rt-3"}))

		got, err := store.FindToken(ctx, "u1", "github")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "at-3", got.AccessToken)
		assert.Equal(t, "rt-3", got.RefreshToken)
		require.NotNil(t, got.ClientInfo)
		assert.Equal(t, "c1", got.ClientInfo.ClientID)
	})

	t.Run("update without existing entry creates it", func(t *testing.T) {
		require.NoError(t, store.UpdateToken(ctx, "u2", "github", &Tokens{AccessToken: "at-4"}))

		got, err := store.FindToken(ctx, "u2", "github")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "at-4", got.AccessToken)
		assert.Nil(t, got.ClientInfo)
	})

	t.Run("entries are scoped per principal and server", func(t *testing.T) {
		require.NoError(t, store.CreateToken(ctx, "u3", "github", &Tokens{AccessToken: "u3-gh"}, nil))
		require.NoError(t, store.CreateToken(ctx, "u3", "jira", &Tokens{AccessToken: "u3-jira"}, nil))

		got, err := store.FindToken(ctx, "u3", "github")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "u3-gh", got.AccessToken)

		got, err = store.FindToken(ctx, "u3", "jira")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "u3-jira", got.AccessToken)

		got, err = store.FindToken(ctx, "u4", "github")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestTokensExpired(t *testing.T) {
	tests := []struct {
		name    string
		tokens  *Tokens
		expired bool
	}{
		{name: "nil tokens", tokens: nil, expired: false},
		{name: "no expiry", tokens: &Tokens{AccessToken: "at"}, expired: false},
		{name: "far future", tokens: &Tokens{ExpiresAt: time.Now().Add(time.Hour)}, expired: false},
		{name: "within skew", tokens: &Tokens{ExpiresAt: time.Now().Add(10 * time.Second)}, expired: true},
		{name: "past", tokens: &Tokens{ExpiresAt: time.Now().Add(-time.Minute)}, expired: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expired, tt.tokens.Expired())
		})
	}
}

func TestTokensClone(t *testing.T) {
	orig := &Tokens{AccessToken: "at", ClientInfo: &ClientInfo{ClientID: "c1"}}
	cp := orig.Clone()
	cp.AccessToken = "changed"
	cp.ClientInfo.ClientID = "changed"

	assert.Equal(t, "at", orig.AccessToken)
	assert.Equal(t, "c1", orig.ClientInfo.ClientID)
	assert.Nil(t, (*Tokens)(nil).Clone())
}
