// Package navigation sends pose goals to the robot's navigation stack and
// streams velocity commands.
package navigation

import (
	"context"
	"log/slog"
	"time"

	"github.com/teslashibe/walkie-go/internal/log"
	"github.com/teslashibe/walkie-go/pkg/geom"
	"github.com/teslashibe/walkie-go/pkg/goal"
	"github.com/teslashibe/walkie-go/pkg/schema"
	"github.com/teslashibe/walkie-go/pkg/transport"
)

// Resource names before namespacing.
const (
	ActionName  = "navigate_to_pose"
	CmdVelTopic = "cmd_vel"
	MapFrame    = "map"
)

// Navigation drives the base. It holds at most one goal at a time, the
// same constraint the transport enforces.
type Navigation struct {
	t         transport.CommandTransport
	namespace string
	logger    *slog.Logger
	goals     *goal.Tracker
	velocity  *VelocityController
}

// New creates a navigation module on t. namespace prefixes every
// resource name.
func New(t transport.CommandTransport, namespace string, logger *slog.Logger) *Navigation {
	logger = log.Component("navigation", logger)
	n := &Navigation{
		t:         t,
		namespace: namespace,
		logger:    logger,
		goals:     goal.NewTracker(t.CancelAction, logger),
	}
	n.velocity = NewVelocityController(t, n.CmdVelTopic(), DefaultVelocityConfig(), logger)
	return n
}

// ActionName returns the namespaced navigation action.
func (n *Navigation) ActionName() string {
	return transport.ApplyNamespace(ActionName, n.namespace)
}

// CmdVelTopic returns the namespaced velocity topic.
func (n *Navigation) CmdVelTopic() string {
	return transport.ApplyNamespace(CmdVelTopic, n.namespace)
}

// Velocity returns the streaming velocity controller. It is idle until
// started.
func (n *Navigation) Velocity() *VelocityController { return n.velocity }

// Drive sets the streamed velocity, starting the stream if needed. The
// stream runs until Stop or Close.
func (n *Navigation) Drive(v Velocity) error {
	if !n.t.IsConnected() {
		return transport.ErrNotConnected
	}
	n.velocity.Set(v)
	n.velocity.Start(context.Background())
	return nil
}

// PoseGoal builds the action goal for a planar target in the map frame.
func PoseGoal(x, y, heading float64) transport.Message {
	return transport.Message{
		"pose": map[string]any{
			"header": map[string]any{
				"frame_id": MapFrame,
				"stamp":    map[string]any{"sec": 0, "nanosec": 0},
			},
			"pose": map[string]any{
				"position":    map[string]any{"x": x, "y": y, "z": 0.0},
				"orientation": geom.FromYaw(heading).Map(),
			},
		},
	}
}

// GoTo drives to (x, y) in meters facing heading radians. It blocks by
// default; see goal.NonBlocking, goal.Timeout and goal.Feedback.
//
// A blocking call returns the terminal status. On timeout the goal is
// canceled and the *transport.TimeoutError is returned alongside FAILED.
// Other failures are logged and reported as FAILED with a nil error.
func (n *Navigation) GoTo(ctx context.Context, x, y, heading float64, opts ...goal.Option) (transport.Status, error) {
	if !n.t.IsConnected() {
		return transport.StatusFailed, transport.ErrNotConnected
	}
	msg := PoseGoal(x, y, heading)
	action := n.ActionName()
	n.logger.Info("navigating", "x", x, "y", y, "heading", heading)

	return n.goals.Run(ctx, action, goal.Apply(opts...),
		func(ctx context.Context, fb transport.FeedbackFunc, timeout time.Duration) (transport.ActionResult, error) {
			return n.t.CallAction(ctx, action, schema.NavigateToPose, msg, fb, timeout)
		})
}

// Cancel cancels the current goal. It reports false when disconnected or
// when the cancel could not be sent.
func (n *Navigation) Cancel() bool {
	if !n.t.IsConnected() {
		return false
	}
	if err := n.t.CancelAction(); err != nil {
		n.logger.Warn("cancel failed", "error", err)
		return false
	}
	n.goals.Set(transport.StatusCanceled)
	return true
}

// Stop publishes a zero velocity, halts the velocity stream and cancels
// the current goal. It reports false when disconnected or when either
// command could not be sent.
func (n *Navigation) Stop() bool {
	if !n.t.IsConnected() {
		return false
	}
	n.velocity.Halt()
	if err := n.t.Publish(n.CmdVelTopic(), schema.Twist, schema.TwistMsg{}.Map()); err != nil {
		n.logger.Error("stop: zero velocity not sent", "error", err)
		return false
	}
	if err := n.t.CancelAction(); err != nil {
		n.logger.Error("stop: cancel not sent", "error", err)
		return false
	}
	n.goals.Set(goal.StatusStopped)
	n.logger.Warn("emergency stop")
	return true
}

// Status returns the latest navigation status, or "" before any goal.
func (n *Navigation) Status() transport.Status { return n.goals.Status() }

// IsNavigating reports whether a goal is in progress.
func (n *Navigation) IsNavigating() bool {
	return n.goals.Status() == transport.StatusInProgress
}

// Wait blocks until background goals have returned or ctx is done.
func (n *Navigation) Wait(ctx context.Context) error { return n.goals.Wait(ctx) }

// Close stops the velocity stream and abandons background goals.
func (n *Navigation) Close() {
	n.velocity.Stop()
	n.goals.Close()
}
