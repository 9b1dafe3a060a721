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
	"bufio"
	"io"
	"strings"
)

// SSEParser parses Server-Sent Events from an HTTP response body.
// Used for streamable-http response streams, where the framing is
// plain SSE but the lifecycle belongs to an individual POST or GET.
type SSEParser struct {
	reader *bufio.Reader
}

// NewSSEParser creates a new SSE parser.
func NewSSEParser(r io.Reader) *SSEParser {
	return &SSEParser{
		reader: bufio.NewReader(r),
	}
}

// ParseEvent reads and parses the next SSE event from the stream.
// Returns io.EOF when the stream is closed.
//
// SSE format:
//
//	id: <event-id>
//	event: message
//	data: {"jsonrpc":"2.0",...}
//
//	(blank line terminates event)
func (p *SSEParser) ParseEvent() (*SSEEvent, error) {
	event := &SSEEvent{}
	var dataLines []string

	for {
		// ReadString can return both content and io.EOF when the
		// stream ends mid-line, so the line is processed before the
		// error is honored.
		line, err := p.reader.ReadString('\n')

		if line != "" {
			line = strings.TrimSuffix(line, "\n")
			line = strings.TrimSuffix(line, "\r")

			switch {
			case line == "":
				// Blank line terminates the event.
				if len(dataLines) > 0 {
					event.Data = []byte(strings.Join(dataLines, "\n"))
					return event, nil
				}
			case strings.HasPrefix(line, ":"):
				// Comment line.
			default:
				if colonIdx := strings.Index(line, ":"); colonIdx != -1 {
					field := line[:colonIdx]
					value := strings.TrimPrefix(line[colonIdx+1:], " ")
					switch field {
					case "id":
						event.ID = value
					case "data":
						dataLines = append(dataLines, value)
					}
				}
			}
		}

		if err != nil {
			if err == io.EOF && len(dataLines) > 0 {
				// Flush the partial event cut off by EOF.
				event.Data = []byte(strings.Join(dataLines, "\n"))
				return event, nil
			}
			return nil, err
		}
	}
}

// ParseAll reads all events from the stream until EOF.
func (p *SSEParser) ParseAll() ([]SSEEvent, error) {
	var events []SSEEvent

	for {
		event, err := p.ParseEvent()
		if err != nil {
			if err == io.EOF {
				break
			}
			return events, err
		}
		events = append(events, *event)
	}

	return events, nil
}
