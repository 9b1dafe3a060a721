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
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "Connect configured servers and show their health",
	Long: `Connect the process-scope pool and report every configured server with
its transport, connection state, health, and session ID.

Examples:
  warp servers
  warp servers --config ./warp.yaml`,
	Args: cobra.NoArgs,
	Run:  runServers,
}

func init() {
	rootCmd.AddCommand(serversCmd)
}

func runServers(cmd *cobra.Command, args []string) {
	m, cleanup, err := newPool()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	// Start fails only when every server fails; show the table either
	// way so the error states are visible.
	startErr := m.Start(ctx)
	if startErr != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", startErr)
	}

	statuses := m.ListServers()
	if len(statuses) == 0 {
		fmt.Println("No servers configured")
		return
	}
	health := m.HealthCheck(ctx)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTRANSPORT\tSTATE\tHEALTHY\tSESSION")
	fmt.Fprintln(w, strings.Repeat("-", 70))
	for _, st := range statuses {
		healthy := "❌"
		if health[st.Name] {
			healthy = "✅"
		}
		session := st.SessionID
		if session == "" {
			session = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			st.Name, st.Transport, st.State, healthy, session)
	}
	_ = w.Flush()

	if startErr != nil {
		os.Exit(1)
	}
}
