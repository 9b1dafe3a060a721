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
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSSETransport(t *testing.T) {
	t.Run("missing url", func(t *testing.T) {
		_, err := NewSSETransport(SSEConfig{})
		assert.Error(t, err)
	})

	t.Run("endpoint event routes sends", func(t *testing.T) {
		var gotBody atomic.Value
		var gotAuth atomic.Value
		mux := http.NewServeMux()
		mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
			flusher, ok := w.(http.Flusher)
			require.True(t, ok)
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)

			fmt.Fprint(w, "event: endpoint\ndata: /messages?sessionId=42\n\n")
			fmt.Fprint(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{}}\n\n")
			flusher.Flush()

			// Keep the stream open so the client does not reconnect.
			<-r.Context().Done()
		})
		mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			gotBody.Store(string(body))
			gotAuth.Store(r.Header.Get("Authorization"))
			w.WriteHeader(http.StatusAccepted)
		})
		server := httptest.NewServer(mux)
		defer server.Close()

		trans, err := NewSSETransport(SSEConfig{
			URL:       server.URL + "/sse",
			AuthToken: "tok123",
		})
		require.NoError(t, err)
		defer trans.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		// The server message arrives on the stream.
		data, err := trans.Receive(ctx)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"id":1`)

		// Sends go to the announced endpoint with credentials applied.
		msg := `{"jsonrpc":"2.0","id":2,"method":"ping"}`
		require.NoError(t, trans.Send(ctx, []byte(msg)))
		assert.Equal(t, msg, gotBody.Load())
		assert.Equal(t, "Bearer tok123", gotAuth.Load())
	})

	t.Run("receive after close returns EOF", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			<-r.Context().Done()
		}))
		defer server.Close()

		trans, err := NewSSETransport(SSEConfig{URL: server.URL})
		require.NoError(t, err)
		require.NoError(t, trans.Close())

		_, err = trans.Receive(context.Background())
		assert.ErrorIs(t, err, io.EOF)

		err = trans.Send(context.Background(), []byte(`{}`))
		assert.ErrorIs(t, err, ErrTransportClosed)
	})
}
