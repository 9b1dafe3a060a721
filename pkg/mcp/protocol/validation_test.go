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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func numberSchemaTool() Tool {
	return Tool{
		Name: "add",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"a": map[string]interface{}{"type": "number"},
				"b": map[string]interface{}{"type": "number"},
			},
			"required": []interface{}{"a", "b"},
		},
	}
}

func TestValidateToolArguments(t *testing.T) {
	tests := []struct {
		name    string
		args    map[string]interface{}
		wantErr bool
	}{
		{
			name: "valid arguments",
			args: map[string]interface{}{"a": 1.0, "b": 2.0},
		},
		{
			name:    "missing required",
			args:    map[string]interface{}{"a": 1.0},
			wantErr: true,
		},
		{
			name:    "wrong type",
			args:    map[string]interface{}{"a": "one", "b": 2.0},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateToolArguments(numberSchemaTool(), tt.args)
			if tt.wantErr {
				require.Error(t, err)
				var argErr *ArgumentError
				require.True(t, errors.As(err, &argErr))
				assert.Equal(t, "add", argErr.Tool)
				assert.NotEmpty(t, argErr.Violations)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestValidateToolArguments_NoSchema(t *testing.T) {
	tool := Tool{Name: "free-form"}
	require.NoError(t, ValidateToolArguments(tool, map[string]interface{}{"anything": true}))
	require.NoError(t, ValidateToolArguments(tool, nil))
}

func TestValidateRequest(t *testing.T) {
	valid := &Request{JSONRPC: JSONRPCVersion, Method: MethodPing}
	require.NoError(t, ValidateRequest(valid))

	badVersion := &Request{JSONRPC: "1.0", Method: MethodPing}
	require.Error(t, ValidateRequest(badVersion))

	noMethod := &Request{JSONRPC: JSONRPCVersion}
	require.Error(t, ValidateRequest(noMethod))
}

func TestValidateResponse(t *testing.T) {
	id := NewNumericRequestID(1)

	tests := []struct {
		name    string
		resp    *Response
		wantErr bool
	}{
		{
			name: "result only",
			resp: &Response{JSONRPC: JSONRPCVersion, ID: id, Result: json.RawMessage(`{}`)},
		},
		{
			name: "error only",
			resp: &Response{JSONRPC: JSONRPCVersion, ID: id, Error: NewError(InternalError, "boom", nil)},
		},
		{
			name:    "both result and error",
			resp:    &Response{JSONRPC: JSONRPCVersion, ID: id, Result: json.RawMessage(`{}`), Error: NewError(InternalError, "boom", nil)},
			wantErr: true,
		},
		{
			name:    "neither",
			resp:    &Response{JSONRPC: JSONRPCVersion, ID: id},
			wantErr: true,
		},
		{
			name:    "missing id",
			resp:    &Response{JSONRPC: JSONRPCVersion, Result: json.RawMessage(`{}`)},
			wantErr: true,
		},
		{
			name:    "wrong version",
			resp:    &Response{JSONRPC: "1.0", ID: id, Result: json.RawMessage(`{}`)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateResponse(tt.resp)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
