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
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/teradata-labs/warp/pkg/mcp/manager"
	"github.com/teradata-labs/warp/pkg/mcp/protocol"
)

var (
	callArgs    string
	callVars    []string
	callTimeout time.Duration
)

var callCmd = &cobra.Command{
	Use:   "call <server> <tool>",
	Short: "Invoke a tool on an MCP server",
	Long: `Invoke a tool. With --user and --thread the call runs on that thread's
dedicated connection; otherwise it uses the shared process-scope
connection. Only the target server is dialed.

Examples:
  warp call calc add --args '{"a": 2, "b": 3}'
  warp call github search_issues --args '{"query": "is:open"}' --user u1 --thread t1
  warp call vault read_secret --user u1 --thread t1 --var API_KEY=sk-123`,
	Args: cobra.ExactArgs(2),
	Run:  runCall,
}

func init() {
	callCmd.Flags().StringVar(&callArgs, "args", "", "tool arguments as a JSON object")
	callCmd.Flags().StringArrayVar(&callVars, "var", nil, "custom user variable KEY=VALUE (repeatable)")
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 0, "per-call timeout override")
	rootCmd.AddCommand(callCmd)
}

func runCall(cmd *cobra.Command, args []string) {
	server, tool := args[0], args[1]

	var toolArgs map[string]interface{}
	if callArgs != "" {
		if err := json.Unmarshal([]byte(callArgs), &toolArgs); err != nil {
			fmt.Fprintf(os.Stderr, "❌ Invalid --args JSON: %v\n", err)
			os.Exit(1)
		}
	}

	vars, err := parseVars(callVars)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}

	user, thread := settings.Identity.User, settings.Identity.Thread
	if (user == "") != (thread == "") {
		fmt.Fprintln(os.Stderr, "⚠️  Thread scope needs both --user and --thread; using the shared process-scope connection")
	}

	m, cleanup, err := newPool()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	result, err := m.CallTool(context.Background(), manager.ToolRequest{
		UserID:     user,
		ThreadID:   thread,
		Server:     server,
		Tool:       tool,
		Args:       toolArgs,
		CustomVars: vars,
		Timeout:    callTimeout,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		cleanup()
		os.Exit(1)
	}

	printResult(result)
}

// parseVars turns repeated KEY=VALUE pairs into a map.
func parseVars(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --var %q (want KEY=VALUE)", pair)
		}
		vars[key] = value
	}
	return vars, nil
}

// printResult writes tool output to stdout: text verbatim, other
// content summarized, structured content as indented JSON.
func printResult(result *protocol.CallToolResult) {
	for _, content := range result.Content {
		switch content.Type {
		case "text":
			fmt.Println(content.Text)
		case "image":
			fmt.Printf("[image %s, %d bytes base64]\n", content.MimeType, len(content.Data))
		case "resource":
			if content.Resource != nil {
				fmt.Printf("[resource %s]\n", content.Resource.URI)
			}
		}
	}
	if result.StructuredContent != nil {
		if out, err := json.MarshalIndent(result.StructuredContent, "", "  "); err == nil {
			fmt.Println(string(out))
		}
	}
}
