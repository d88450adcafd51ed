package overlay

import (
	"github.com/teslashibe/walkie-go/pkg/transport"
)

type sendGoalRequest struct {
	GoalID string            `json:"goal_id"`
	Goal   transport.Message `json:"goal"`
}

type sendGoalReply struct {
	Accepted bool   `json:"accepted"`
	GoalID   string `json:"goal_id"`
	Message  string `json:"message,omitempty"`
}

type getResultRequest struct {
	GoalID string `json:"goal_id"`
	WaitMS int64  `json:"wait_ms"`
}

type getResultReply struct {
	GoalID string            `json:"goal_id"`
	Status transport.Status  `json:"status"`
	Result transport.Message `json:"result,omitempty"`
}

type cancelGoalRequest struct {
	GoalID string `json:"goal_id"`
}

type cancelGoalReply struct {
	Canceling bool `json:"canceling"`
}
