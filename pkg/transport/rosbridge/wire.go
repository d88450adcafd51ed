package rosbridge

import (
	"encoding/json"

	"github.com/teslashibe/walkie-go/pkg/transport"
)

// rosbridge v2 operation names.
const (
	opSubscribe        = "subscribe"
	opUnsubscribe      = "unsubscribe"
	opAdvertise        = "advertise"
	opPublish          = "publish"
	opCallService      = "call_service"
	opServiceResponse  = "service_response"
	opSendActionGoal   = "send_action_goal"
	opActionFeedback   = "action_feedback"
	opActionResult     = "action_result"
	opCancelActionGoal = "cancel_action_goal"
	opStatus           = "status"
)

// action_msgs/GoalStatus codes carried in action_result.
const (
	goalStatusSucceeded = 4
	goalStatusCanceled  = 5
	goalStatusAborted   = 6
)

// outbound is every op the client sends. Unused fields are omitted.
type outbound struct {
	Op           string `json:"op"`
	ID           string `json:"id,omitempty"`
	Topic        string `json:"topic,omitempty"`
	Type         string `json:"type,omitempty"`
	Msg          any    `json:"msg,omitempty"`
	ThrottleRate int64  `json:"throttle_rate,omitempty"`
	QueueLength  int    `json:"queue_length,omitempty"`
	Service      string `json:"service,omitempty"`
	Action       string `json:"action,omitempty"`
	ActionType   string `json:"action_type,omitempty"`
	Args         any    `json:"args,omitempty"`
	Feedback     bool   `json:"feedback,omitempty"`
}

// inbound is every op the server sends. msg is an object for publish and
// a string for status, so it stays raw until the op is known.
type inbound struct {
	Op      string          `json:"op"`
	ID      string          `json:"id"`
	Topic   string          `json:"topic"`
	Msg     json.RawMessage `json:"msg"`
	Service string          `json:"service"`
	Action  string          `json:"action"`
	Values  json.RawMessage `json:"values"`
	Result  *bool           `json:"result"`
	Status  *int            `json:"status"`
	Level   string          `json:"level"`
}

// statusText returns the human-readable text of a status op.
func (in *inbound) statusText() string {
	var s string
	if err := json.Unmarshal(in.Msg, &s); err == nil {
		return s
	}
	return string(in.Msg)
}

// values decodes the values field, tolerating absent or non-object payloads.
func (in *inbound) values() transport.Message {
	if len(in.Values) == 0 {
		return nil
	}
	m, err := transport.DecodeMessage(in.Values)
	if err != nil {
		return transport.Message{"value": string(in.Values)}
	}
	return m
}

// actionStatus maps an action_result onto a terminal status.
func actionStatus(status *int, result *bool) transport.Status {
	if status != nil {
		switch *status {
		case goalStatusSucceeded:
			return transport.StatusSucceeded
		case goalStatusCanceled:
			return transport.StatusCanceled
		case goalStatusAborted:
			return transport.StatusFailed
		}
	}
	if result == nil || *result {
		return transport.StatusSucceeded
	}
	return transport.StatusFailed
}
