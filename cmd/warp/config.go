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
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"github.com/teradata-labs/warp/pkg/mcp/auth"
)

// DefaultConfigFileName is the name of the config file
const DefaultConfigFileName = "warp"

// Settings holds the CLI-level configuration. The servers section of
// the same file is decoded separately by manager.LoadConfig so that
// env expansion and the serverInstructions union keep working.
type Settings struct {
	// ServersFile points at a standalone servers YAML. Empty means
	// the servers live in the config file itself.
	ServersFile string `mapstructure:"servers_file"`

	Identity IdentitySettings `mapstructure:"identity"`
	Auth     AuthSettings     `mapstructure:"auth"`
	Pool     PoolSettings     `mapstructure:"pool"`
	Logging  LoggingSettings  `mapstructure:"logging"`
}

// IdentitySettings carries the default user/thread identity for
// thread-scope calls.
type IdentitySettings struct {
	User   string `mapstructure:"user"`
	Thread string `mapstructure:"thread"`
}

// AuthSettings selects how OAuth tokens persist.
type AuthSettings struct {
	// TokenStore is one of "memory", "keyring", or "sqlite".
	TokenStore string `mapstructure:"token_store"`

	// TokenDB is the SQLite database path when TokenStore is "sqlite".
	TokenDB string `mapstructure:"token_db"`
}

// PoolSettings tunes the connection pool. Zero values keep the pool
// defaults.
type PoolSettings struct {
	InitTimeout  time.Duration `mapstructure:"init_timeout"`
	ThreadIdle   time.Duration `mapstructure:"thread_idle"`
	UserIdle     time.Duration `mapstructure:"user_idle"`
	ReapInterval time.Duration `mapstructure:"reap_interval"`
}

// LoggingSettings configures the process logger.
type LoggingSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadSettings loads CLI configuration with the usual priority:
// 1. Command line flags (highest priority)
// 2. Environment variables (WARP_*)
// 3. Config file
// 4. Defaults (lowest priority)
func LoadSettings(cfgFile string) (*Settings, error) {
	setDefaults()

	if cfgFile != "" {
		// Use config file from flag
		viper.SetConfigFile(cfgFile)
	} else {
		// Search standard locations
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "warp"))
		}
		viper.AddConfigPath("/etc/warp/")
		viper.SetConfigName(DefaultConfigFileName)
		viper.SetConfigType("yaml")
	}

	// Read config file (if it exists)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file %s: %w", viper.ConfigFileUsed(), err)
		}
		// Config file not found; env vars and flags still apply
	}

	viper.SetEnvPrefix("WARP")
	viper.AutomaticEnv()

	var s Settings
	if err := viper.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &s, nil
}

// setDefaults sets default configuration values.
func setDefaults() {
	viper.SetDefault("auth.token_store", "memory")
	viper.SetDefault("auth.token_db", defaultTokenDB())
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "console")
}

// defaultTokenDB returns the default SQLite token database path.
func defaultTokenDB() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "warp-tokens.db"
	}
	return filepath.Join(home, ".warp", "tokens.db")
}

// serversConfigPath resolves where the server definitions live: the
// servers-file setting when given, otherwise the config file viper
// loaded.
func serversConfigPath() (string, error) {
	if settings.ServersFile != "" {
		return settings.ServersFile, nil
	}
	if used := viper.ConfigFileUsed(); used != "" {
		return used, nil
	}
	return "", fmt.Errorf("no server configuration found: create %s.yaml with a servers section, or pass --config or --servers-file", DefaultConfigFileName)
}

// newTokenStore builds the token store cfg selects. The returned func
// releases whatever the store holds open.
func newTokenStore(cfg AuthSettings) (auth.TokenStore, func(), error) {
	switch cfg.TokenStore {
	case "", "memory":
		return auth.NewMemoryTokenStore(), func() {}, nil

	case "keyring":
		return auth.NewKeyringTokenStore(), func() {}, nil

	case "sqlite":
		if dir := filepath.Dir(cfg.TokenDB); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, nil, fmt.Errorf("failed to create token database directory: %w", err)
			}
		}
		store, err := auth.NewSQLiteTokenStore(cfg.TokenDB)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown token store %q (want memory, keyring, or sqlite)", cfg.TokenStore)
	}
}
