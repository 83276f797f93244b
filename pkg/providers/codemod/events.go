/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package codemod

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
)

const (
	EventTypeSystem    = "system"
	EventTypeAssistant = "assistant"
	EventTypeResult    = "result"

	ResultSubtypeSuccess = "success"
)

// Event is one tagged record on the subprocess's stdout stream. Only the
// fields for the matching type are populated; unknown types are skipped.
type Event struct {
	Type string `json:"type"`

	// system
	SessionID string `json:"sessionId"`

	// assistant
	Content []ContentBlock `json:"content"`

	// result
	Subtype      string  `json:"subtype"`
	TotalCostUSD float64 `json:"totalCostUsd"`
	DurationMs   int64   `json:"durationMs"`
}

// ContentBlock is one element of an assistant event. Text blocks accumulate
// into the run output; tool-use blocks are advisory and ignored here.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// UnmarshalJSON tolerates the snake_case spellings some engine versions emit.
func (e *Event) UnmarshalJSON(data []byte) error {
	type alias Event
	aux := struct {
		*alias
		SessionIDSnake string  `json:"session_id"`
		CostSnake      float64 `json:"total_cost_usd"`
		DurationSnake  int64   `json:"duration_ms"`
	}{alias: (*alias)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if e.SessionID == "" {
		e.SessionID = aux.SessionIDSnake
	}
	if e.TotalCostUSD == 0 {
		e.TotalCostUSD = aux.CostSnake
	}
	if e.DurationMs == 0 {
		e.DurationMs = aux.DurationSnake
	}
	return nil
}

// stream is the accumulated view of an event sequence, possibly truncated by
// an interrupt before the terminal result event.
type stream struct {
	sessionID string
	output    strings.Builder
	result    *Event
}

// parseStream replays the stdout capture line by line. Lines that are not
// JSON events are skipped; the engine may interleave diagnostics.
func parseStream(raw []byte) *stream {
	s := &stream{}
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		event := &Event{}
		if err := json.Unmarshal(line, event); err != nil {
			continue
		}
		EventsTotal.WithLabelValues(event.Type).Inc()
		switch event.Type {
		case EventTypeSystem:
			s.sessionID = event.SessionID
		case EventTypeAssistant:
			for _, block := range event.Content {
				if block.Type == "text" {
					s.output.WriteString(block.Text)
				}
			}
		case EventTypeResult:
			s.result = event
		}
	}
	return s
}
