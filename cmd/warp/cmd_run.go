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
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/teradata-labs/warp/internal/log"
	"github.com/teradata-labs/warp/pkg/mcp/manager"
	"go.uber.org/zap"
)

var runWatch bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect every server and hold the pool open",
	Long: `Connect the process-scope pool and keep it running until SIGINT or
SIGTERM. With --watch, edits to the servers file are applied live:
added servers connect, removed servers disconnect, changed servers
reconnect with the new settings.

Examples:
  warp run
  warp run --watch
  warp run --token-store sqlite --reap-interval 1m`,
	Args: cobra.NoArgs,
	Run:  runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "reload the servers file on change")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) {
	logger := log.Logger()

	m, cleanup, err := newPool()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		cleanup()
		os.Exit(1)
	}

	if runWatch {
		path, err := serversConfigPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "❌ %v\n", err)
			cleanup()
			os.Exit(1)
		}
		watcher, err := manager.NewWatcher(m, path, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "❌ %v\n", err)
			cleanup()
			os.Exit(1)
		}
		if err := watcher.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "❌ %v\n", err)
			cleanup()
			os.Exit(1)
		}
		defer func() { _ = watcher.Stop() }()
		logger.Info("Watching servers file", zap.String("path", path))
	}

	logger.Info("MCP pool running",
		zap.Strings("servers", m.ServerNames()),
		zap.String("token_store", settings.Auth.TokenStore))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", zap.String("signal", sig.String()))
}
