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
	"slices"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var toolsInstructions bool

var toolsCmd = &cobra.Command{
	Use:   "tools [server]",
	Short: "List tools exposed by connected servers",
	Long: `Connect the process-scope pool and list the namespaced tools of every
configured server, or of one named server. Unreachable servers are
skipped.

Examples:
  warp tools
  warp tools github
  warp tools --instructions`,
	Args: cobra.MaximumNArgs(1),
	Run:  runTools,
}

func init() {
	toolsCmd.Flags().BoolVar(&toolsInstructions, "instructions", false, "print server instruction blocks instead of tools")
	rootCmd.AddCommand(toolsCmd)
}

func runTools(cmd *cobra.Command, args []string) {
	m, cleanup, err := newPool()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	if len(args) == 1 && !slices.Contains(m.ServerNames(), args[0]) {
		fmt.Fprintf(os.Stderr, "❌ Unknown server: %s\n", args[0])
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := m.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}

	if toolsInstructions {
		text := m.FormatInstructions(args...)
		if text == "" {
			fmt.Println("No server instructions available")
			return
		}
		fmt.Println(text)
		return
	}

	manifest, err := m.LoadManifestTools(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}

	names := make([]string, 0, len(manifest))
	for name, entry := range manifest {
		if len(args) == 1 && entry.Server != args[0] {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	if len(names) == 0 {
		if len(args) == 1 {
			fmt.Printf("No tools found for server %s\n", args[0])
		} else {
			fmt.Println("No tools found")
		}
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TOOL\tSERVER\tDESCRIPTION")
	fmt.Fprintln(w, strings.Repeat("-", 80))
	for _, name := range names {
		entry := manifest[name]
		desc := strings.ReplaceAll(entry.Tool.Description, "\n", " ")
		if len(desc) > 60 {
			desc = desc[:57] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, entry.Server, desc)
	}
	_ = w.Flush()
}
