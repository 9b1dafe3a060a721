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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStreamResumption(t *testing.T) {
	t.Run("add and retrieve events", func(t *testing.T) {
		sr := NewStreamResumption(5)

		sr.AddEvent(SSEEvent{ID: "event1", Data: []byte(`{"id":1}`)})
		sr.AddEvent(SSEEvent{ID: "event2", Data: []byte(`{"id":2}`)})
		sr.AddEvent(SSEEvent{ID: "event3", Data: []byte(`{"id":3}`)})

		assert.Equal(t, "event3", sr.LastEventID())

		events := sr.GetEventsAfter("event1")
		assert.Len(t, events, 2)
		assert.Equal(t, "event2", events[0].ID)
		assert.Equal(t, "event3", events[1].ID)
	})

	t.Run("event not in buffer", func(t *testing.T) {
		sr := NewStreamResumption(5)
		sr.AddEvent(SSEEvent{ID: "event1", Data: []byte(`{"id":1}`)})

		events := sr.GetEventsAfter("nonexistent")
		assert.Nil(t, events)
	})

	t.Run("empty after ID", func(t *testing.T) {
		sr := NewStreamResumption(5)
		sr.AddEvent(SSEEvent{ID: "event1", Data: []byte(`{}`)})

		assert.Nil(t, sr.GetEventsAfter(""))
	})

	t.Run("circular buffer overflow", func(t *testing.T) {
		sr := NewStreamResumption(3)

		for i := 1; i <= 5; i++ {
			sr.AddEvent(SSEEvent{
				ID:   string(rune('a' + i - 1)),
				Data: []byte(`{}`),
			})
		}

		// Oldest two evicted; cursor points at the newest.
		assert.Equal(t, "e", sr.LastEventID())
		assert.Nil(t, sr.GetEventsAfter("a"))
		assert.Len(t, sr.GetEventsAfter("c"), 2)
	})

	t.Run("clear resets cursor", func(t *testing.T) {
		sr := NewStreamResumption(5)
		sr.AddEvent(SSEEvent{ID: "event1", Data: []byte(`{}`)})
		assert.Equal(t, "event1", sr.LastEventID())

		sr.Clear()
		assert.Equal(t, "", sr.LastEventID())
		assert.Nil(t, sr.GetEventsAfter("event1"))
	})

	t.Run("default buffer size", func(t *testing.T) {
		sr := NewStreamResumption(0)
		sr.AddEvent(SSEEvent{ID: "x", Data: []byte(`{}`)})
		assert.Equal(t, "x", sr.LastEventID())
	})
}
