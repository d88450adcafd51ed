package arm

import (
	"strconv"
	"strings"

	"github.com/teslashibe/walkie-go/pkg/schema"
	"github.com/teslashibe/walkie-go/pkg/transport"
)

// JointsPerArm is the number of revolute joints in each arm.
const JointsPerArm = 7

// Gripper positions in radians.
const (
	GripperOpen   = -15.71
	GripperClosed = 0.7
)

// ArmState is one arm's joints, indexed from joint1.
type ArmState struct {
	Positions  []float64 `json:"positions"`
	Velocities []float64 `json:"velocities"`
	Torques    []float64 `json:"torques"`
}

func (s *ArmState) grow(n int) {
	for len(s.Positions) < n {
		s.Positions = append(s.Positions, 0)
		s.Velocities = append(s.Velocities, 0)
		s.Torques = append(s.Torques, 0)
	}
}

// JointStates is a structured snapshot of both arms. Grippers are nil
// when the joint state does not report them.
type JointStates struct {
	LeftArm      ArmState `json:"left_arm"`
	RightArm     ArmState `json:"right_arm"`
	LeftGripper  *float64 `json:"left_gripper"`
	RightGripper *float64 `json:"right_gripper"`
}

// ParseJointStates splits a sensor_msgs/JointState payload into per-arm
// state by joint name. Arm slices extend to the highest joint index
// present; joints missing below it, and entries missing from the
// parallel arrays, read as zero.
func ParseJointStates(msg transport.Message) JointStates {
	names := schema.Strings(msg["name"])
	pos := schema.Floats(msg["position"])
	vel := schema.Floats(msg["velocity"])
	eff := schema.Floats(msg["effort"])
	at := func(list []float64, i int) float64 {
		if i < len(list) {
			return list[i]
		}
		return 0
	}

	var js JointStates
	for i, name := range names {
		var arm *ArmState
		var suffix string
		switch {
		case strings.HasPrefix(name, "left_joint"):
			arm, suffix = &js.LeftArm, strings.TrimPrefix(name, "left_joint")
		case strings.HasPrefix(name, "right_joint"):
			arm, suffix = &js.RightArm, strings.TrimPrefix(name, "right_joint")
		case strings.HasPrefix(name, "left_gripper"):
			if i < len(pos) {
				v := pos[i]
				js.LeftGripper = &v
			}
			continue
		case strings.HasPrefix(name, "right_gripper"):
			if i < len(pos) {
				v := pos[i]
				js.RightGripper = &v
			}
			continue
		default:
			continue
		}
		n, err := strconv.Atoi(suffix)
		if err != nil || n < 1 || n > JointsPerArm {
			continue
		}
		arm.grow(n)
		arm.Positions[n-1] = at(pos, i)
		arm.Velocities[n-1] = at(vel, i)
		arm.Torques[n-1] = at(eff, i)
	}
	return js
}

// JointCommand is a position command. Nil arms and grippers are left out.
type JointCommand struct {
	LeftArm      []float64
	RightArm     []float64
	LeftGripper  *float64
	RightGripper *float64
}

// Message renders c as a sensor_msgs/JointState payload. Arms shorter
// than JointsPerArm are padded with zeros.
func (c JointCommand) Message() transport.Message {
	var names []string
	var pos []float64
	addArm := func(side string, joints []float64) {
		if len(joints) == 0 {
			return
		}
		for i := 0; i < JointsPerArm; i++ {
			names = append(names, side+"_joint"+strconv.Itoa(i+1))
			v := 0.0
			if i < len(joints) {
				v = joints[i]
			}
			pos = append(pos, v)
		}
	}
	addArm("left", c.LeftArm)
	addArm("right", c.RightArm)
	if c.LeftGripper != nil {
		names = append(names, "left_gripper_controller")
		pos = append(pos, *c.LeftGripper)
	}
	if c.RightGripper != nil {
		names = append(names, "right_gripper_controller")
		pos = append(pos, *c.RightGripper)
	}

	toAny := func(v []float64) []any {
		out := make([]any, len(v))
		for i, f := range v {
			out[i] = f
		}
		return out
	}
	nameList := make([]any, len(names))
	for i, n := range names {
		nameList[i] = n
	}
	zeros := make([]float64, len(pos))
	return transport.Message{
		"header": map[string]any{
			"stamp":    map[string]any{"sec": 0, "nanosec": 0},
			"frame_id": "",
		},
		"name":     nameList,
		"position": toAny(pos),
		"velocity": toAny(zeros),
		"effort":   toAny(zeros),
	}
}
