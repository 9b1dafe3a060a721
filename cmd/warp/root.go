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
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/teradata-labs/warp/internal/log"
	"github.com/teradata-labs/warp/internal/version"
	"github.com/teradata-labs/warp/pkg/mcp/auth"
	"github.com/teradata-labs/warp/pkg/mcp/manager"
)

var (
	cfgFile  string
	settings *Settings
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "warp",
	Short: "Warp - MCP connection pool",
	Long: `Warp pools Model Context Protocol client connections across process,
user, and thread scope, with OAuth token persistence and live config
reload. Point it at a warp.yaml describing your MCP servers.`,
	Version: version.Get(),
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initSettings)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: warp.yaml in ., $HOME/.config/warp, /etc/warp)")
	rootCmd.PersistentFlags().String("servers-file", "", "servers YAML (default: the servers section of the config file)")

	// Identity flags (thread-scope calls need both)
	rootCmd.PersistentFlags().String("user", "", "user ID for thread-scope calls")
	rootCmd.PersistentFlags().String("thread", "", "thread ID for thread-scope calls")

	// Token store flags
	rootCmd.PersistentFlags().String("token-store", "memory", "token store backend (memory, keyring, sqlite)")
	rootCmd.PersistentFlags().String("token-db", defaultTokenDB(), "SQLite token database path (token-store=sqlite)")

	// Pool tuning flags (zero keeps the pool defaults)
	rootCmd.PersistentFlags().Duration("init-timeout", 0, "connect budget per server, retries included")
	rootCmd.PersistentFlags().Duration("thread-idle", 0, "idle cutoff for thread-scope connections")
	rootCmd.PersistentFlags().Duration("user-idle", 0, "idle cutoff for per-user state")
	rootCmd.PersistentFlags().Duration("reap-interval", 0, "background reclamation period")

	// Logging flags
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "log format (console, json)")

	// Bind flags to viper
	_ = viper.BindPFlag("servers_file", rootCmd.PersistentFlags().Lookup("servers-file"))

	_ = viper.BindPFlag("identity.user", rootCmd.PersistentFlags().Lookup("user"))
	_ = viper.BindPFlag("identity.thread", rootCmd.PersistentFlags().Lookup("thread"))

	_ = viper.BindPFlag("auth.token_store", rootCmd.PersistentFlags().Lookup("token-store"))
	_ = viper.BindPFlag("auth.token_db", rootCmd.PersistentFlags().Lookup("token-db"))

	_ = viper.BindPFlag("pool.init_timeout", rootCmd.PersistentFlags().Lookup("init-timeout"))
	_ = viper.BindPFlag("pool.thread_idle", rootCmd.PersistentFlags().Lookup("thread-idle"))
	_ = viper.BindPFlag("pool.user_idle", rootCmd.PersistentFlags().Lookup("user-idle"))
	_ = viper.BindPFlag("pool.reap_interval", rootCmd.PersistentFlags().Lookup("reap-interval"))

	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initSettings reads the config file and env vars and installs the
// process logger.
func initSettings() {
	var err error
	settings, err = LoadSettings(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, err := log.New(settings.Logging.Level, settings.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring logging: %v\n", err)
		os.Exit(1)
	}
	log.SetLogger(logger)
}

// newPool builds a Manager from the servers config and the selected
// token store. The returned cleanup disconnects every connection and
// closes the store.
func newPool() (*manager.Manager, func(), error) {
	path, err := serversConfigPath()
	if err != nil {
		return nil, nil, err
	}
	cfg, err := manager.LoadConfig(path)
	if err != nil {
		return nil, nil, err
	}

	logger := log.Logger()
	tokens, closeStore, err := newTokenStore(settings.Auth)
	if err != nil {
		return nil, nil, err
	}

	coordinator := auth.NewCoordinator(auth.CoordinatorConfig{
		Tokens: tokens,
		OAuthStart: func(authURL string) {
			fmt.Fprintf(os.Stderr, "\nAuthorization required. Open in a browser:\n\n  %s\n\n", authURL)
		},
		Logger: logger,
	})

	m, err := manager.NewManager(*cfg, manager.Options{
		Logger:            logger,
		Coordinator:       coordinator,
		InitTimeout:       settings.Pool.InitTimeout,
		ThreadIdleTimeout: settings.Pool.ThreadIdle,
		UserIdleTimeout:   settings.Pool.UserIdle,
		ReapInterval:      settings.Pool.ReapInterval,
	})
	if err != nil {
		closeStore()
		return nil, nil, err
	}

	cleanup := func() {
		m.DisconnectAll(context.Background())
		closeStore()
	}
	return m, cleanup, nil
}
