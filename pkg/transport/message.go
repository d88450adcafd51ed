package transport

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Message is an opaque structured payload exchanged with the robot.
// Field names and types are a contract with the remote end; structural
// checks happen once at the transport boundary (see pkg/schema).
type Message map[string]any

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	if m == nil {
		return nil
	}
	out := make(Message, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Message:
		return t.Clone()
	case map[string]any:
		return map[string]any(Message(t).Clone())
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []float64:
		out := make([]float64, len(t))
		copy(out, t)
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}

// DecodeMessage parses a UTF-8 JSON object.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = Message{}
	}
	return m, nil
}

// Handle identifies a live subscription.
type Handle string

// NewHandle returns a fresh, unique subscription handle.
func NewHandle() Handle {
	return Handle(uuid.NewString())
}

// Status is the terminal (or current) state of an action.
type Status string

// Action statuses.
const (
	StatusSucceeded  Status = "SUCCEEDED"
	StatusFailed     Status = "FAILED"
	StatusCanceled   Status = "CANCELED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusUnknown    Status = "UNKNOWN"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// ActionResult is the outcome of one action invocation. Result is nil when
// the remote end returned no payload.
type ActionResult struct {
	Result Message `json:"result,omitempty"`
	Status Status  `json:"status"`
}
