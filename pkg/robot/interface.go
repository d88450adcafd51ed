// Package robot is the Walkie client facade. Connect builds the
// transports, connects them and wires the navigation, telemetry, arm
// and camera modules.
//
// The small interfaces below describe what outer surfaces (the web
// dashboard, the CLI) need from a robot. Consumers should depend only on
// the interfaces they use.
package robot

import (
	"context"

	"github.com/teslashibe/walkie-go/pkg/arm"
	"github.com/teslashibe/walkie-go/pkg/camera"
	"github.com/teslashibe/walkie-go/pkg/goal"
	"github.com/teslashibe/walkie-go/pkg/navigation"
	"github.com/teslashibe/walkie-go/pkg/telemetry"
	"github.com/teslashibe/walkie-go/pkg/transport"
)

// Navigator drives the base.
type Navigator interface {
	GoTo(ctx context.Context, x, y, heading float64, opts ...goal.Option) (transport.Status, error)
	Drive(v navigation.Velocity) error
	Cancel() bool
	Stop() bool
	Status() transport.Status
}

// PoseSource reports odometry.
type PoseSource interface {
	Pose() (telemetry.Pose, bool)
	Velocity() (telemetry.Velocity, bool)
}

// JointSource reports arm joint states.
type JointSource interface {
	JointStates() (arm.JointStates, bool)
}

// FrameSource serves camera frames by channel.
type FrameSource interface {
	ChannelNames() []string
	Frame(name string) (*transport.Frame, bool)
	Snapshot(name string, quality int) ([]byte, error)
}

var (
	_ Navigator   = (*navigation.Navigation)(nil)
	_ PoseSource  = (*telemetry.Telemetry)(nil)
	_ JointSource = (*arm.Arm)(nil)
	_ FrameSource = (*camera.MultiCamera)(nil)
)
