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
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/warp/pkg/mcp/transport"
)

// EventType identifies a connection lifecycle event.
type EventType string

const (
	// EventStateChange fires on every state transition.
	EventStateChange EventType = "state-change"
	// EventOAuthRequired fires when a connect attempt hits an
	// authorization error and hands off to the coordinator.
	EventOAuthRequired EventType = "oauth-required"
	// EventOAuthHandled fires when the coordinator delivered tokens
	// and the original connect is about to resume.
	EventOAuthHandled EventType = "oauth-handled"
	// EventOAuthFailed fires when the authorization flow failed or
	// timed out.
	EventOAuthFailed EventType = "oauth-failed"
	// EventSessionCreated fires when the server issues a session id.
	EventSessionCreated EventType = "session-created"
	// EventSessionTerminated fires after explicit session termination
	// on graceful disconnect.
	EventSessionTerminated EventType = "session-terminated"
	// EventSessionError fires when a call failed with a session error
	// signature. ErrorKind carries the classification.
	EventSessionError EventType = "session-error"
	// EventResourcesChanged fires when the server announces a resource
	// list change.
	EventResourcesChanged EventType = "resources-changed"
	// EventError fires on transport failure and reconnect exhaustion.
	EventError EventType = "error"
)

// Event is a connection lifecycle notification.
type Event struct {
	Type   EventType
	Server string

	// State and Prev are set on state-change events.
	State State
	Prev  State

	// SessionID is set on session events.
	SessionID string

	// ErrorKind is set on session-error events.
	ErrorKind transport.SessionErrorKind

	Err  error
	Time time.Time
}

// eventBuffer bounds each subscriber channel. Slow subscribers drop
// events rather than stall the connection.
const eventBuffer = 16

// Subscribe registers an event listener. The returned cancel function
// unregisters it and closes the channel.
func (c *Connection) Subscribe() (<-chan Event, func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	id := c.nextSub
	c.nextSub++
	ch := make(chan Event, eventBuffer)
	c.subs[id] = ch

	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
}

// emit fans an event out to all subscribers without blocking.
func (c *Connection) emit(ev Event) {
	ev.Server = c.spec.Name
	ev.Time = time.Now()

	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.logger.Debug("Dropping event for slow subscriber",
				zap.String("event", string(ev.Type)))
		}
	}
}
