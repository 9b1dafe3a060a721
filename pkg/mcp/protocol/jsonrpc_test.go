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

func TestRequestID_MarshalJSON(t *testing.T) {
	tests := []struct {
		name     string
		id       *RequestID
		expected string
	}{
		{
			name:     "string ID",
			id:       NewStringRequestID("req-7"),
			expected: `"req-7"`,
		},
		{
			name:     "number ID",
			id:       NewNumericRequestID(42),
			expected: `42`,
		},
		{
			name:     "nil ID",
			id:       nil,
			expected: `null`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.id)
			require.NoError(t, err)
			assert.JSONEq(t, tt.expected, string(data))
		})
	}
}

func TestRequestID_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "string ID", input: `"req-7"`, want: "req-7"},
		{name: "number ID", input: `42`, want: "42"},
		{name: "null ID", input: `null`, want: ""},
		{name: "object rejected", input: `{"a":1}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var id RequestID
			err := json.Unmarshal([]byte(tt.input), &id)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.want != "" {
				assert.Equal(t, tt.want, id.String())
			}
		})
	}
}

func TestNewRequest(t *testing.T) {
	req, err := NewRequest(NewNumericRequestID(1), MethodToolsCall, CallToolParams{
		Name:      "add",
		Arguments: map[string]interface{}{"a": 1, "b": 2},
	})
	require.NoError(t, err)
	assert.Equal(t, JSONRPCVersion, req.JSONRPC)
	assert.Equal(t, MethodToolsCall, req.Method)
	require.NotNil(t, req.Params)

	var params CallToolParams
	require.NoError(t, json.Unmarshal(req.Params, &params))
	assert.Equal(t, "add", params.Name)
}

func TestNewRequest_Notification(t *testing.T) {
	req, err := NewRequest(nil, NotificationInitialized, nil)
	require.NoError(t, err)
	assert.Nil(t, req.ID)
	assert.Nil(t, req.Params)

	data, err := json.Marshal(req)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"id"`)
}

func TestParseMessage_Classification(t *testing.T) {
	tests := []struct {
		name           string
		frame          string
		isRequest      bool
		isNotification bool
		isResponse     bool
	}{
		{
			name:      "request",
			frame:     `{"jsonrpc":"2.0","id":1,"method":"ping"}`,
			isRequest: true,
		},
		{
			name:           "notification",
			frame:          `{"jsonrpc":"2.0","method":"notifications/resources/list_changed"}`,
			isNotification: true,
		},
		{
			name:       "response",
			frame:      `{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`,
			isResponse: true,
		},
		{
			name:       "error response",
			frame:      `{"jsonrpc":"2.0","id":2,"error":{"code":-32601,"message":"no such method"}}`,
			isResponse: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseMessage([]byte(tt.frame))
			require.NoError(t, err)
			assert.Equal(t, tt.isRequest, m.IsRequest())
			assert.Equal(t, tt.isNotification, m.IsNotification())
			assert.Equal(t, tt.isResponse, m.IsResponse())
		})
	}
}

func TestParseMessage_Invalid(t *testing.T) {
	_, err := ParseMessage([]byte("not json"))
	require.Error(t, err)
}

func TestMessage_HasEmptyResult(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		empty bool
	}{
		{name: "empty object", frame: `{"jsonrpc":"2.0","id":1,"result":{}}`, empty: true},
		{name: "null result", frame: `{"jsonrpc":"2.0","id":1,"result":null}`, empty: true},
		{name: "absent result", frame: `{"jsonrpc":"2.0","id":1}`, empty: true},
		{name: "populated result", frame: `{"jsonrpc":"2.0","id":1,"result":{"tools":[]}}`, empty: false},
		{name: "error response", frame: `{"jsonrpc":"2.0","id":1,"error":{"code":1,"message":"x"}}`, empty: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseMessage([]byte(tt.frame))
			require.NoError(t, err)
			assert.Equal(t, tt.empty, m.HasEmptyResult())
		})
	}
}

func TestError_ErrorString(t *testing.T) {
	e := NewError(MethodNotFound, "no such method", nil)
	assert.Contains(t, e.Error(), "-32601")
	assert.Contains(t, e.Error(), "no such method")

	withData := NewError(InvalidParams, "bad params", map[string]string{"field": "a"})
	assert.Contains(t, withData.Error(), "data")
}
