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

package connection

import (
	"errors"
	"fmt"
	"strings"

	"github.com/teradata-labs/warp/pkg/mcp/protocol"
)

// ErrNotConnected indicates an operation that requires a connected
// state was invoked without one.
var ErrNotConnected = errors.New("not connected")

// ErrConnectTimeout indicates the handshake did not complete within
// the descriptor's init timeout.
var ErrConnectTimeout = errors.New("connect timed out")

// ErrReconnectExhausted indicates the reconnect loop gave up after the
// attempt limit.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// ErrEmptyResult is returned by the keep-alive guard when ping replies
// arrive faster than the allowed window. The exact text matters:
// callers match it to distinguish guarded pings from real failures.
var ErrEmptyResult = errors.New("Empty result")

// ErrAuthorizationFailed indicates the authorization flow ran and
// failed, making the connect attempt fatal.
var ErrAuthorizationFailed = errors.New("authorization failed")

// OAuthRequiredError is returned by Connect when the server demands
// authorization and no coordinator is wired to the connection. The
// caller decides whether to start a flow.
type OAuthRequiredError struct {
	Server    string
	Principal string
	ServerURL string
	Err       error
}

func (e *OAuthRequiredError) Error() string {
	return fmt.Sprintf("authorization required for %s: %v", e.Server, e.Err)
}

func (e *OAuthRequiredError) Unwrap() error { return e.Err }

// IsAuthorizationError reports whether an error represents an HTTP 401
// or 403 rejection. Transports render auth rejections uniformly as
// "Non-200 status code (401)", so a substring test on "401" covers
// every transport; JSON-RPC errors are checked by code.
func IsAuthorizationError(err error) bool {
	if err == nil {
		return false
	}
	var rpcErr *protocol.Error
	if errors.As(err, &rpcErr) && (rpcErr.Code == 401 || rpcErr.Code == 403) {
		return true
	}
	return strings.Contains(err.Error(), "401")
}
