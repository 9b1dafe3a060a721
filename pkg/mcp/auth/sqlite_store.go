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
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/teradata-labs/warp/internal/sqlitedriver" // registers "sqlite3"
)

// SQLiteTokenStore persists tokens in a SQLite database, keyed
// (principal, server). Suitable for multi-user deployments where the
// system keyring is unavailable.
type SQLiteTokenStore struct {
	db *sql.DB
}

// NewSQLiteTokenStore opens (creating if needed) the token database at
// path and initializes the schema. Use ":memory:" for an ephemeral
// store.
func NewSQLiteTokenStore(path string) (*SQLiteTokenStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serializes writers and keeps ":memory:"
	// databases coherent across the pool.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteTokenStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteTokenStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS mcp_tokens (
		principal     TEXT NOT NULL,
		server        TEXT NOT NULL,
		access_token  TEXT NOT NULL,
		refresh_token TEXT NOT NULL DEFAULT '',
		expires_at    INTEGER NOT NULL DEFAULT 0,
		client_id     TEXT NOT NULL DEFAULT '',
		client_secret TEXT NOT NULL DEFAULT '',
		updated_at    INTEGER NOT NULL,
		PRIMARY KEY (principal, server)
	);`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// FindToken returns the stored tokens, or nil, nil when absent.
func (s *SQLiteTokenStore) FindToken(ctx context.Context, principal, server string) (*Tokens, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT access_token, refresh_token, expires_at, client_id, client_secret
		FROM mcp_tokens WHERE principal = ? AND server = ?`,
		principal, server)

	var t Tokens
	var expires int64
	var clientID, clientSecret string
	err := row.Scan(&t.AccessToken, &t.RefreshToken, &expires, &clientID, &clientSecret)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query tokens: %w", err)
	}
	if expires != 0 {
		t.ExpiresAt = time.Unix(expires, 0)
	}
	if clientID != "" {
		t.ClientInfo = &ClientInfo{ClientID: clientID, ClientSecret: clientSecret}
	}
	return &t, nil
}

// CreateToken stores tokens for (principal, server), overwriting any
// existing entry. ci, when present, is attached to the stored tokens.
func (s *SQLiteTokenStore) CreateToken(ctx context.Context, principal, server string, t *Tokens, ci *ClientInfo) error {
	if ci == nil {
		ci = t.ClientInfo
	}
	return s.upsert(ctx, principal, server, t, ci)
}

// UpdateToken replaces the stored tokens, preserving the previously
// registered client when the update carries none.
func (s *SQLiteTokenStore) UpdateToken(ctx context.Context, principal, server string, t *Tokens) error {
	if t.ClientInfo != nil {
		return s.upsert(ctx, principal, server, t, t.ClientInfo)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE mcp_tokens
		SET access_token = ?, refresh_token = ?, expires_at = ?, updated_at = ?
		WHERE principal = ? AND server = ?`,
		t.AccessToken, t.RefreshToken, expiresUnix(t), time.Now().Unix(),
		principal, server)
	if err != nil {
		return fmt.Errorf("failed to update tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update tokens: %w", err)
	}
	if n == 0 {
		return s.upsert(ctx, principal, server, t, nil)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteTokenStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteTokenStore) upsert(ctx context.Context, principal, server string, t *Tokens, ci *ClientInfo) error {
	var clientID, clientSecret string
	if ci != nil {
		clientID, clientSecret = ci.ClientID, ci.ClientSecret
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mcp_tokens (principal, server, access_token, refresh_token, expires_at, client_id, client_secret, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(principal, server) DO UPDATE SET
			access_token  = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at    = excluded.expires_at,
			client_id     = excluded.client_id,
			client_secret = excluded.client_secret,
			updated_at    = excluded.updated_at`,
		principal, server, t.AccessToken, t.RefreshToken, expiresUnix(t),
		clientID, clientSecret, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to store tokens: %w", err)
	}
	return nil
}

func expiresUnix(t *Tokens) int64 {
	if t.ExpiresAt.IsZero() {
		return 0
	}
	return t.ExpiresAt.Unix()
}
