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
package transport

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSSEParser(t *testing.T) {
	t.Run("parse single event", func(t *testing.T) {
		data := "id: event1\nevent: message\ndata: {\"jsonrpc\":\"2.0\"}\n\n"
		parser := NewSSEParser(bytes.NewReader([]byte(data)))

		event, err := parser.ParseEvent()
		require.NoError(t, err)
		require.NotNil(t, event)
		assert.Equal(t, "event1", event.ID)
		assert.Equal(t, `{"jsonrpc":"2.0"}`, string(event.Data))
	})

	t.Run("parse multi-line data", func(t *testing.T) {
		data := "id: event2\ndata: line1\ndata: line2\ndata: line3\n\n"
		parser := NewSSEParser(bytes.NewReader([]byte(data)))

		event, err := parser.ParseEvent()
		require.NoError(t, err)
		assert.Equal(t, "event2", event.ID)
		assert.Equal(t, "line1\nline2\nline3", string(event.Data))
	})

	t.Run("skip comments", func(t *testing.T) {
		data := ": this is a comment\nid: event3\ndata: test\n\n"
		parser := NewSSEParser(bytes.NewReader([]byte(data)))

		event, err := parser.ParseEvent()
		require.NoError(t, err)
		assert.Equal(t, "event3", event.ID)
	})

	t.Run("crlf line endings", func(t *testing.T) {
		data := "id: e4\r\ndata: payload\r\n\r\n"
		parser := NewSSEParser(bytes.NewReader([]byte(data)))

		event, err := parser.ParseEvent()
		require.NoError(t, err)
		assert.Equal(t, "e4", event.ID)
		assert.Equal(t, "payload", string(event.Data))
	})

	t.Run("partial event flushed at EOF", func(t *testing.T) {
		data := "id: e5\ndata: truncated"
		parser := NewSSEParser(bytes.NewReader([]byte(data)))

		event, err := parser.ParseEvent()
		require.NoError(t, err)
		assert.Equal(t, "truncated", string(event.Data))

		_, err = parser.ParseEvent()
		assert.Equal(t, io.EOF, err)
	})

	t.Run("parse all events", func(t *testing.T) {
		data := "id: e1\ndata: data1\n\nid: e2\ndata: data2\n\n"
		parser := NewSSEParser(bytes.NewReader([]byte(data)))

		events, err := parser.ParseAll()
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "e1", events[0].ID)
		assert.Equal(t, "e2", events[1].ID)
	})

	t.Run("empty stream", func(t *testing.T) {
		parser := NewSSEParser(bytes.NewReader(nil))

		events, err := parser.ParseAll()
		require.NoError(t, err)
		assert.Empty(t, events)
	})
}
