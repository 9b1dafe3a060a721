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
package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTool_RoundTrip(t *testing.T) {
	tool := Tool{
		Name:        "add",
		Description: "Add two numbers",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"a": map[string]interface{}{"type": "number"},
				"b": map[string]interface{}{"type": "number"},
			},
			"required": []string{"a", "b"},
		},
	}

	data, err := json.Marshal(tool)
	require.NoError(t, err)

	var decoded Tool
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, tool.Name, decoded.Name)
	assert.Equal(t, tool.Description, decoded.Description)
	assert.NotNil(t, decoded.InputSchema)
}

func TestInitializeResult_Instructions(t *testing.T) {
	raw := `{
		"protocolVersion": "2025-03-26",
		"capabilities": {"tools": {}},
		"serverInfo": {"name": "calc", "version": "1.0.0"},
		"instructions": "Prefer add over sum."
	}`

	var result InitializeResult
	require.NoError(t, json.Unmarshal([]byte(raw), &result))
	assert.Equal(t, "2025-03-26", result.ProtocolVersion)
	assert.Equal(t, "calc", result.ServerInfo.Name)
	assert.Equal(t, "Prefer add over sum.", result.Instructions)
	assert.NotNil(t, result.Capabilities.Tools)
	assert.Nil(t, result.Capabilities.Resources)
}

func TestInitializeResult_NoInstructions(t *testing.T) {
	raw := `{
		"protocolVersion": "2024-11-05",
		"capabilities": {},
		"serverInfo": {"name": "calc", "version": "1.0.0"}
	}`

	var result InitializeResult
	require.NoError(t, json.Unmarshal([]byte(raw), &result))
	assert.Empty(t, result.Instructions)
}

func TestIsSupportedProtocolVersion(t *testing.T) {
	for _, v := range SupportedProtocolVersions {
		assert.True(t, IsSupportedProtocolVersion(v), v)
	}
	assert.False(t, IsSupportedProtocolVersion("2023-01-01"))
	assert.False(t, IsSupportedProtocolVersion(""))
}

func TestCallToolResult_ErrorContent(t *testing.T) {
	raw := `{
		"content": [{"type": "text", "text": "division by zero"}],
		"isError": true
	}`

	var result CallToolResult
	require.NoError(t, json.Unmarshal([]byte(raw), &result))
	assert.True(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "text", result.Content[0].Type)
	assert.Equal(t, "division by zero", result.Content[0].Text)
}

func TestCallToolResult_StructuredContent(t *testing.T) {
	raw := `{
		"content": [{"type": "text", "text": "3"}],
		"structuredContent": {"sum": 3}
	}`

	var result CallToolResult
	require.NoError(t, json.Unmarshal([]byte(raw), &result))
	assert.False(t, result.IsError)
	assert.EqualValues(t, 3, result.StructuredContent["sum"])
}

func TestServerCapabilities_Omitted(t *testing.T) {
	data, err := json.Marshal(ServerCapabilities{Tools: &ToolsCapability{}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"tools":{}}`, string(data))
}
