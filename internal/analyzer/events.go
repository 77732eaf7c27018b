package analyzer

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
)

// EventKind classifies one line emitted by the analyzer on stdout.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventProgress
	EventStarting
	EventComplete
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventStarting:
		return "starting"
	case EventComplete:
		return "complete"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one JSON object from the analyzer's line-delimited stdout.
type Event struct {
	Progress *float64       `json:"progress,omitempty"`
	Frame    int             `json:"frame,omitempty"`
	Total    int             `json:"total,omitempty"`
	Status   string          `json:"status,omitempty"`
	Message  string          `json:"message,omitempty"`
	Results  json.RawMessage `json:"results,omitempty"`
	Error    string          `json:"error,omitempty"`
}

var errNotObject = errors.New("analyzer line is not a JSON object")

// ParseEvent decodes a single stdout line.
func ParseEvent(line []byte) (Event, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return Event{}, errNotObject
	}
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return Event{}, err
	}
	if bytes.Equal(ev.Results, []byte("null")) {
		ev.Results = nil
	}
	return ev, nil
}

// Kind reports how the event should be applied to the job.
func (e Event) Kind() EventKind {
	switch e.Status {
	case "complete":
		if e.Results != nil {
			return EventComplete
		}
		return EventUnknown
	case "error":
		return EventError
	case "starting":
		return EventStarting
	}
	if e.Error != "" {
		return EventError
	}
	if e.Progress != nil {
		return EventProgress
	}
	return EventUnknown
}

// Percent returns the progress truncated to an integer in [0, 100].
func (e Event) Percent() int {
	if e.Progress == nil || math.IsNaN(*e.Progress) {
		return 0
	}
	p := math.Trunc(*e.Progress)
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return int(p)
}
