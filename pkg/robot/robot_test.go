package robot

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/walkie-go/internal/config"
	"github.com/teslashibe/walkie-go/pkg/goal"
	"github.com/teslashibe/walkie-go/pkg/telemetry"
	"github.com/teslashibe/walkie-go/pkg/transport"
	"github.com/teslashibe/walkie-go/pkg/transport/factory"
	"github.com/teslashibe/walkie-go/pkg/transport/transporttest"
)

func testConfig() *config.Robot {
	cfg := config.Default()
	cfg.Host = "walkie.local"
	cfg.Timeout = time.Second
	cfg.VideoProtocol = string(factory.NoVideo)
	return cfg
}

func connect(t *testing.T, cfg *config.Robot, opts ...Option) (*Robot, *transporttest.Command) {
	t.Helper()
	fake := transporttest.NewCommand()
	opts = append([]Option{WithCommandTransport(fake, factory.Bridge), WithLogger(slog.Default())}, opts...)
	r, err := Connect(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(r.Disconnect)
	return r, fake
}

func TestGoToBlocking(t *testing.T) {
	r, _ := connect(t, testConfig())

	s, err := r.Nav().GoTo(context.Background(), 2.0, 1.0, 0.0)
	require.NoError(t, err)
	assert.Equal(t, transport.StatusSucceeded, s)
	assert.Equal(t, transport.StatusSucceeded, r.Nav().Status())
}

func TestGoToNonBlocking(t *testing.T) {
	r, fake := connect(t, testConfig())
	release := make(chan struct{})
	fake.Action = transporttest.Block(release, transport.StatusSucceeded)

	s, err := r.Nav().GoTo(context.Background(), 2.0, 1.0, 0.0, goal.NonBlocking())
	require.NoError(t, err)
	assert.Equal(t, transport.StatusInProgress, s)

	close(release)
	assert.Eventually(t, func() bool { return r.Nav().Status() == transport.StatusSucceeded }, 2*time.Second, 5*time.Millisecond)
}

func TestConnectWiresModules(t *testing.T) {
	cfg := testConfig()
	cfg.Namespace = "walkie2"
	r, fake := connect(t, cfg)

	assert.True(t, r.IsConnected())
	assert.Equal(t, factory.Bridge, r.CommandProtocol())
	assert.Equal(t, factory.NoVideo, r.VideoProtocol())
	assert.Equal(t, "walkie2", r.Namespace())
	assert.Equal(t, "walkie.local", r.Host())
	assert.Nil(t, r.Camera())
	assert.Nil(t, r.Cameras())
	assert.Equal(t, `Walkie(host="walkie.local", protocol=bridge, status=connected)`, r.String())

	_, ok := fake.Subscribed("/walkie2/" + telemetry.OdomTopic)
	assert.True(t, ok, "telemetry starts on connect")
	_, ok = fake.Subscribed("/walkie2/joint_states")
	assert.True(t, ok, "arm subscribes on connect")

	r.Disconnect()
	r.Disconnect()
	assert.False(t, r.IsConnected())
	assert.False(t, fake.IsConnected())
	assert.Contains(t, r.String(), "status=disconnected")
}

func TestVideoFailureIsNotFatal(t *testing.T) {
	video := transporttest.NewVideo()
	video.ConnectErr = errors.New("signaling refused")
	r, _ := connect(t, testConfig(), WithVideoTransport(video, factory.WebRTC))

	assert.True(t, r.IsConnected())
	assert.Nil(t, r.Camera())
	assert.Nil(t, r.Cameras())
}

func TestVideoConnected(t *testing.T) {
	video := transporttest.NewVideo("head", "left", "right")
	r, _ := connect(t, testConfig(), WithVideoTransport(video, factory.SharedMemory))
	require.NotNil(t, r.Camera())
	require.NotNil(t, r.Cameras())
	assert.Equal(t, factory.SharedMemory, r.VideoProtocol())
	assert.True(t, r.Camera().IsStreaming())
	assert.Equal(t, []string{"head", "left", "right"}, r.Cameras().ChannelNames())

	video.SetFrame("left", transporttest.SolidFrame(2, 2, 4))
	f, ok := r.Cameras().LeftFrame()
	require.True(t, ok)
	assert.Equal(t, byte(4), f.Data[0])

	r.Disconnect()
	assert.False(t, video.IsStreaming())
}

func TestCommandFailure(t *testing.T) {
	fake := transporttest.NewCommand()
	fake.ConnectErr = &transport.ConnectionError{Transport: "bridge", Host: "walkie.local", Port: 9090, Err: errors.New("refused")}

	_, err := Connect(context.Background(), testConfig(), WithCommandTransport(fake, factory.Bridge))
	require.Error(t, err)
	assert.True(t, transport.IsConnection(err))
}

func TestAutoDetect(t *testing.T) {
	bridge := transporttest.NewCommand()
	overlay := transporttest.NewCommand()
	overlay.ConnectErr = errors.New("no nats server")
	build := func(p factory.CommandProtocol, _ factory.Options, _ *slog.Logger) (transport.CommandTransport, error) {
		if p == factory.Overlay {
			return overlay, nil
		}
		return bridge, nil
	}

	r, err := Connect(context.Background(), testConfig(), WithCommandBuilder(build))
	require.NoError(t, err)
	defer r.Disconnect()
	assert.Equal(t, factory.Bridge, r.CommandProtocol())
	assert.True(t, bridge.IsConnected())
}

func TestInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.CommandProtocol = "carrier-pigeon"
	_, err := Connect(context.Background(), cfg)
	assert.True(t, transport.IsConfiguration(err))
}
