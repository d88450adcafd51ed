package navigation

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/walkie-go/pkg/geom"
	"github.com/teslashibe/walkie-go/pkg/goal"
	"github.com/teslashibe/walkie-go/pkg/schema"
	"github.com/teslashibe/walkie-go/pkg/transport"
	"github.com/teslashibe/walkie-go/pkg/transport/transporttest"
)

func newNav(t *testing.T, ns string) (*Navigation, *transporttest.Command) {
	t.Helper()
	fake := transporttest.Connected()
	n := New(fake, ns, nil)
	t.Cleanup(n.Close)
	return n, fake
}

func TestNames(t *testing.T) {
	n, _ := newNav(t, "")
	assert.Equal(t, "/navigate_to_pose", n.ActionName())
	assert.Equal(t, "/cmd_vel", n.CmdVelTopic())

	n, _ = newNav(t, "/walkie1/")
	assert.Equal(t, "/walkie1/navigate_to_pose", n.ActionName())
	assert.Equal(t, "/walkie1/cmd_vel", n.CmdVelTopic())
}

func TestPoseGoal(t *testing.T) {
	msg := PoseGoal(2, 1, math.Pi/2)
	require.NoError(t, schema.Builtin().Validate(schema.NavigateToPose, msg))

	var decoded struct {
		Pose struct {
			Header struct {
				FrameID string `json:"frame_id"`
			} `json:"header"`
			Pose schema.PoseMsg `json:"pose"`
		} `json:"pose"`
	}
	require.NoError(t, schema.Decode(msg, &decoded))
	assert.Equal(t, "map", decoded.Pose.Header.FrameID)
	assert.Equal(t, 2.0, decoded.Pose.Pose.Position.X)
	assert.InDelta(t, math.Pi/2, decoded.Pose.Pose.Orientation.Yaw(), 1e-9)

	roll, pitch, _ := decoded.Pose.Pose.Orientation.Euler()
	assert.InDelta(t, 0, roll, 1e-12)
	assert.InDelta(t, 0, pitch, 1e-12)
	assert.Equal(t, geom.FromYaw(math.Pi/2), decoded.Pose.Pose.Orientation)
}

func TestGoToBlockingSucceeded(t *testing.T) {
	n, fake := newNav(t, "")
	assert.Empty(t, n.Status())

	s, err := n.GoTo(context.Background(), 2.0, 1.0, 0.0)
	require.NoError(t, err)
	assert.Equal(t, transport.StatusSucceeded, s)
	assert.Equal(t, transport.StatusSucceeded, n.Status())
	assert.False(t, n.IsNavigating())

	calls := fake.Actions()
	require.Len(t, calls, 1)
	assert.Equal(t, "/navigate_to_pose", calls[0].Name)
	assert.Equal(t, schema.NavigateToPose, calls[0].Schema)
	assert.Zero(t, calls[0].Timeout)
}

func TestGoToBlockingMapsStatus(t *testing.T) {
	n, fake := newNav(t, "")
	fake.Action = transporttest.Resolve(transport.StatusCanceled, nil)

	s, err := n.GoTo(context.Background(), 1, 1, 0, goal.Timeout(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, transport.StatusCanceled, s)
	assert.Equal(t, time.Minute, fake.Actions()[0].Timeout)
}

func TestGoToNonBlocking(t *testing.T) {
	n, fake := newNav(t, "")
	release := make(chan struct{})
	fake.Action = transporttest.Block(release, transport.StatusSucceeded)

	s, err := n.GoTo(context.Background(), 2.0, 1.0, 0.0, goal.NonBlocking())
	require.NoError(t, err)
	assert.Equal(t, transport.StatusInProgress, s)
	assert.True(t, n.IsNavigating())

	close(release)
	assert.Eventually(t, func() bool { return n.Status() == transport.StatusSucceeded }, 2*time.Second, 5*time.Millisecond)
}

func TestGoToTimeoutCancelsFirst(t *testing.T) {
	n, fake := newNav(t, "")
	fake.Action = transporttest.TimeOut()

	s, err := n.GoTo(context.Background(), 5, 5, 0, goal.Timeout(50*time.Millisecond))
	require.Error(t, err)
	assert.True(t, transport.IsTimeout(err))
	assert.Equal(t, transport.StatusFailed, s)
	assert.Equal(t, transport.StatusFailed, n.Status())

	calls := fake.Calls()
	require.GreaterOrEqual(t, len(calls), 2)
	assert.Equal(t, []string{"action /navigate_to_pose", "cancel"}, calls[len(calls)-2:])
}

func TestGoToOtherErrorsDegrade(t *testing.T) {
	n, fake := newNav(t, "")
	fake.Action = func(context.Context, transporttest.ActionCall, transport.FeedbackFunc) (transport.ActionResult, error) {
		return transport.ActionResult{}, errors.New("server rejected goal")
	}

	s, err := n.GoTo(context.Background(), 1, 2, 3)
	assert.NoError(t, err)
	assert.Equal(t, transport.StatusFailed, s)
	assert.Zero(t, fake.Cancels())
}

func TestGoToFeedback(t *testing.T) {
	n, fake := newNav(t, "")
	fake.Action = func(_ context.Context, _ transporttest.ActionCall, fb transport.FeedbackFunc) (transport.ActionResult, error) {
		fb(transport.Message{"distance_remaining": 1.5})
		fb(transport.Message{"distance_remaining": 0.2})
		return transport.ActionResult{Status: transport.StatusSucceeded}, nil
	}

	var remaining []float64
	_, err := n.GoTo(context.Background(), 1, 0, 0, goal.Feedback(func(m transport.Message) {
		remaining = append(remaining, schema.Float(m["distance_remaining"]))
	}))
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5, 0.2}, remaining)
}

func TestGoToNotConnected(t *testing.T) {
	fake := transporttest.NewCommand()
	n := New(fake, "", nil)
	defer n.Close()

	s, err := n.GoTo(context.Background(), 1, 1, 0)
	assert.ErrorIs(t, err, transport.ErrNotConnected)
	assert.Equal(t, transport.StatusFailed, s)
	assert.Empty(t, fake.Actions())
	assert.False(t, n.Cancel())
	assert.False(t, n.Stop())
}

func TestCancel(t *testing.T) {
	n, fake := newNav(t, "")
	assert.True(t, n.Cancel())
	assert.Equal(t, transport.StatusCanceled, n.Status())
	assert.Equal(t, 1, fake.Cancels())
}

func TestStop(t *testing.T) {
	n, fake := newNav(t, "ns")
	release := make(chan struct{})
	defer close(release)
	fake.Action = transporttest.Block(release, transport.StatusCanceled)

	_, err := n.GoTo(context.Background(), 3, 0, 0, goal.NonBlocking())
	require.NoError(t, err)
	n.Velocity().Set(Velocity{X: 0.3})

	assert.True(t, n.Stop())
	assert.Equal(t, goal.StatusStopped, n.Status())
	assert.True(t, n.Velocity().Target().IsZero())

	pubs := fake.Published()
	require.NotEmpty(t, pubs)
	last := pubs[len(pubs)-1]
	assert.Equal(t, "/ns/cmd_vel", last.Topic)
	assert.Equal(t, schema.Twist, last.Schema)
	require.NoError(t, schema.Builtin().Validate(schema.Twist, last.Msg))
	assert.Equal(t, 0.0, schema.Float(last.Msg["linear"].(map[string]any)["x"]))
	assert.Equal(t, 1, fake.Cancels())
}

func TestDrive(t *testing.T) {
	n, fake := newNav(t, "")
	require.NoError(t, n.Drive(Velocity{X: 0.2, Yaw: 5}))
	assert.True(t, n.Velocity().Running())
	assert.Equal(t, Velocity{X: 0.2, Yaw: 1.0}, n.Velocity().Target())
	assert.Eventually(t, func() bool { return len(fake.Published()) > 0 }, time.Second, 5*time.Millisecond)

	assert.True(t, n.Stop())
	assert.True(t, n.Velocity().Target().IsZero())

	fake.SetConnected(false)
	assert.ErrorIs(t, n.Drive(Velocity{X: 0.1}), transport.ErrNotConnected)
}
