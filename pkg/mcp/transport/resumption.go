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
	"container/ring"
	"sync"
)

// SSEEvent is a single Server-Sent Event carrying a JSON-RPC message.
// The ID is used for stream resumption via Last-Event-ID.
type SSEEvent struct {
	ID   string
	Data []byte
}

// StreamResumption buffers recent events so a dropped stream can be
// resumed from the last delivered event. Event IDs are globally unique
// within a session; servers MAY replay messages after a given ID.
type StreamResumption struct {
	lastEventID string
	eventBuffer *ring.Ring
	bufferSize  int
	mu          sync.RWMutex
}

// NewStreamResumption creates a resumption buffer holding up to
// bufferSize events. A non-positive size falls back to 100.
func NewStreamResumption(bufferSize int) *StreamResumption {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &StreamResumption{
		eventBuffer: ring.New(bufferSize),
		bufferSize:  bufferSize,
	}
}

// LastEventID returns the ID of the most recently recorded event, or
// "" if no event has been seen since the last Clear.
func (s *StreamResumption) LastEventID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastEventID
}

// AddEvent records an event for potential replay and advances the
// last-event cursor.
func (s *StreamResumption) AddEvent(event SSEEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.eventBuffer.Value = event
	s.eventBuffer = s.eventBuffer.Next()
	s.lastEventID = event.ID
}

// GetEventsAfter returns the buffered events recorded after the given
// event ID, or nil if the ID is empty or has already been evicted.
func (s *StreamResumption) GetEventsAfter(afterEventID string) []SSEEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if afterEventID == "" {
		return nil
	}

	var events []SSEEvent
	found := false

	s.eventBuffer.Do(func(v interface{}) {
		event, ok := v.(SSEEvent)
		if !ok {
			return
		}
		if found {
			events = append(events, event)
		} else if event.ID == afterEventID {
			found = true
		}
	})

	if !found {
		return nil
	}
	return events
}

// Clear drops all buffered events and resets the last-event cursor.
// Called when a session ends; replay across sessions is not valid.
func (s *StreamResumption) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastEventID = ""
	s.eventBuffer = ring.New(s.bufferSize)
}
