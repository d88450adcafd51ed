// Package arm controls Walkie's two arms: joint-state readback, direct
// joint commands and the MoveIt motion actions.
package arm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/walkie-go/internal/log"
	"github.com/teslashibe/walkie-go/pkg/goal"
	"github.com/teslashibe/walkie-go/pkg/schema"
	"github.com/teslashibe/walkie-go/pkg/transport"
)

// Resource names before namespacing.
const (
	StatesTopic   = "joint_states"
	CommandsTopic = "walkie/arm/commands"

	GoToHomeAction         = "go_to_home"
	ControlGripperAction   = "control_gripper"
	GoToPoseAction         = "go_to_pose"
	GoToPoseRelativeAction = "go_to_pose_relative"
)

// Pose is an end-effector target in meters and radians. Cartesian asks
// the planner for a straight-line path.
type Pose struct {
	X, Y, Z          float64
	Roll, Pitch, Yaw float64
	Cartesian        bool
}

func (p Pose) goal(group string) transport.Message {
	return transport.Message{
		"group_name":     group,
		"x":              p.X,
		"y":              p.Y,
		"z":              p.Z,
		"roll":           p.Roll,
		"pitch":          p.Pitch,
		"yaw":            p.Yaw,
		"cartesian_path": p.Cartesian,
	}
}

// Arm is the arm controller. Motion actions share the transport's
// single-goal slot with navigation.
type Arm struct {
	t         transport.CommandTransport
	namespace string
	logger    *slog.Logger
	goals     *goal.Tracker

	subMu  sync.Mutex
	handle transport.Handle

	mu     sync.Mutex
	latest transport.Message
	count  uint64
}

// New creates an arm module and tries to subscribe to joint states. A
// failed subscription is logged; call Subscribe again once connected.
func New(t transport.CommandTransport, namespace string, logger *slog.Logger) *Arm {
	logger = log.Component("arm", logger)
	a := &Arm{
		t:         t,
		namespace: namespace,
		logger:    logger,
		goals:     goal.NewTracker(t.CancelAction, logger),
	}
	if err := a.Subscribe(); err != nil {
		logger.Warn("joint states unavailable", "topic", a.StatesTopic(), "error", err)
	}
	return a
}

// StatesTopic returns the namespaced joint state topic.
func (a *Arm) StatesTopic() string {
	return transport.ApplyNamespace(StatesTopic, a.namespace)
}

// CommandsTopic returns the namespaced joint command topic.
func (a *Arm) CommandsTopic() string {
	return transport.ApplyNamespace(CommandsTopic, a.namespace)
}

// Subscribe subscribes to joint states. It is a no-op when subscribed.
func (a *Arm) Subscribe() error {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	if a.handle != "" {
		return nil
	}
	h, err := a.t.Subscribe(a.StatesTopic(), schema.JointState, a.onStates, transport.SubscribeOptions{QueueDepth: 1})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", a.StatesTopic(), err)
	}
	a.handle = h
	return nil
}

// Subscribed reports whether joint states are being received.
func (a *Arm) Subscribed() bool {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	return a.handle != ""
}

func (a *Arm) onStates(msg transport.Message) {
	a.mu.Lock()
	a.latest = msg
	a.count++
	n := a.count
	a.mu.Unlock()
	if n == 1 || n%100 == 0 {
		a.logger.Debug("joint states", "count", n, "joints", len(schema.Strings(msg["name"])))
	}
}

// JointStates parses the latest joint state, or returns false before
// the first one.
func (a *Arm) JointStates() (JointStates, bool) {
	a.mu.Lock()
	msg := a.latest
	a.mu.Unlock()
	if msg == nil {
		return JointStates{}, false
	}
	return ParseJointStates(msg), true
}

// SetJointPositions publishes a position command.
func (a *Arm) SetJointPositions(cmd JointCommand) error {
	if err := a.t.Publish(a.CommandsTopic(), schema.JointState, cmd.Message()); err != nil {
		return fmt.Errorf("joint command: %w", err)
	}
	return nil
}

// GoToHome moves group to its home configuration.
func (a *Arm) GoToHome(ctx context.Context, group string, opts ...goal.Option) (transport.Status, error) {
	return a.send(ctx, GoToHomeAction, schema.GoToHome, transport.Message{"group_name": group}, opts)
}

// ControlGripper moves group's gripper to position radians. See
// GripperOpen and GripperClosed.
func (a *Arm) ControlGripper(ctx context.Context, group string, position float64, opts ...goal.Option) (transport.Status, error) {
	msg := transport.Message{"group_name": group, "position": position}
	return a.send(ctx, ControlGripperAction, schema.ControlGripper, msg, opts)
}

// GoToPose moves group's end effector to an absolute pose.
func (a *Arm) GoToPose(ctx context.Context, group string, p Pose, opts ...goal.Option) (transport.Status, error) {
	return a.send(ctx, GoToPoseAction, schema.GoToPose, p.goal(group), opts)
}

// GoToPoseRelative moves group's end effector by an offset from its
// current pose.
func (a *Arm) GoToPoseRelative(ctx context.Context, group string, p Pose, opts ...goal.Option) (transport.Status, error) {
	return a.send(ctx, GoToPoseRelativeAction, schema.GoToPoseRelative, p.goal(group), opts)
}

// send runs one motion goal with the same blocking contract as
// navigation.GoTo.
func (a *Arm) send(ctx context.Context, action, schemaName string, msg transport.Message, opts []goal.Option) (transport.Status, error) {
	if !a.t.IsConnected() {
		return transport.StatusFailed, transport.ErrNotConnected
	}
	name := transport.ApplyNamespace(action, a.namespace)
	a.logger.Info("arm goal", "action", name, "group", msg["group_name"])
	return a.goals.Run(ctx, name, goal.Apply(opts...),
		func(ctx context.Context, fb transport.FeedbackFunc, timeout time.Duration) (transport.ActionResult, error) {
			return a.t.CallAction(ctx, name, schemaName, msg, fb, timeout)
		})
}

// LastStatus returns the status of the most recent motion goal, or ""
// before any.
func (a *Arm) LastStatus() transport.Status { return a.goals.Status() }

// Wait blocks until background goals have returned or ctx is done.
func (a *Arm) Wait(ctx context.Context) error { return a.goals.Wait(ctx) }

// Close unsubscribes and abandons background goals.
func (a *Arm) Close() {
	a.subMu.Lock()
	if a.handle != "" {
		a.t.Unsubscribe(a.handle)
		a.handle = ""
	}
	a.subMu.Unlock()
	a.goals.Close()
}
