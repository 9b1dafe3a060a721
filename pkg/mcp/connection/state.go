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

// State is the lifecycle state of a Connection. Reconnecting and
// session recovery are tracked as flags rather than states: while
// either runs, the state moves through the same transitions an
// explicit Connect would.
type State int32

const (
	// StateDisconnected means no transport is held.
	StateDisconnected State = iota
	// StateConnecting means a connect attempt is in flight.
	StateConnecting
	// StateConnected means the handshake completed and calls may proceed.
	StateConnected
	// StateError means the last connect or the transport failed.
	StateError
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}
