package robot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/teslashibe/walkie-go/internal/config"
	"github.com/teslashibe/walkie-go/internal/log"
	"github.com/teslashibe/walkie-go/pkg/arm"
	"github.com/teslashibe/walkie-go/pkg/camera"
	"github.com/teslashibe/walkie-go/pkg/metrics"
	"github.com/teslashibe/walkie-go/pkg/navigation"
	"github.com/teslashibe/walkie-go/pkg/telemetry"
	"github.com/teslashibe/walkie-go/pkg/transport"
	"github.com/teslashibe/walkie-go/pkg/transport/factory"
)

// Option configures Connect.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	metrics  *metrics.Metrics
	cmd      transport.CommandTransport
	cmdProto factory.CommandProtocol
	video    transport.VideoTransport
	vidProto factory.VideoProtocol
	videoSet bool
	builder  factory.CommandBuilder
}

// WithLogger sets the logger shared by every module.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records transport metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithCommandTransport uses t instead of building one. p names its
// protocol and picks the default video pairing.
func WithCommandTransport(t transport.CommandTransport, p factory.CommandProtocol) Option {
	return func(o *options) { o.cmd, o.cmdProto = t, p }
}

// WithVideoTransport uses v instead of building one. p names its
// protocol. A nil v disables the camera.
func WithVideoTransport(v transport.VideoTransport, p factory.VideoProtocol) Option {
	return func(o *options) { o.video, o.vidProto, o.videoSet = v, p, true }
}

// WithCommandBuilder replaces how the factory constructs command
// transports.
func WithCommandBuilder(b factory.CommandBuilder) Option {
	return func(o *options) { o.builder = b }
}

// Robot is a connected Walkie. It owns its transports and the modules
// built on them.
type Robot struct {
	cfg      config.Robot
	logger   *slog.Logger
	cmdProto factory.CommandProtocol
	vidProto factory.VideoProtocol

	cmd   transport.CommandTransport
	video transport.VideoTransport

	nav     *navigation.Navigation
	status  *telemetry.Telemetry
	arm     *arm.Arm
	cam     *camera.Camera
	cameras *camera.MultiCamera

	mu        sync.Mutex
	connected bool
}

// Connect builds the transports described by cfg, connects them and
// starts telemetry. A command transport failure is returned as a
// *transport.ConnectionError. A camera failure is logged and leaves
// Camera and Cameras nil.
func Connect(ctx context.Context, cfg *config.Robot, opts ...Option) (*Robot, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	logger := log.Component("robot", o.logger)

	fopts := cfg.FactoryOptions()
	fopts.Metrics = o.metrics
	var fo []factory.Option
	if o.builder != nil {
		fo = append(fo, factory.WithCommandBuilder(o.builder))
	}
	fac := factory.New(fopts, o.logger, fo...)

	r := &Robot{cfg: *cfg, logger: logger}

	cmd, proto := o.cmd, o.cmdProto
	if cmd == nil {
		p, err := factory.ParseCommandProtocol(cfg.CommandProtocol)
		if err != nil {
			return nil, err
		}
		if cmd, proto, err = fac.CommandTransport(ctx, p); err != nil {
			return nil, err
		}
	}
	logger.Info("connecting", "host", cfg.Host, "protocol", proto)
	if err := cmd.Connect(ctx); err != nil {
		cmd.Disconnect()
		return nil, fmt.Errorf("connect to robot: %w", err)
	}
	r.cmd, r.cmdProto = cmd, proto

	r.nav = navigation.New(cmd, cfg.Namespace, o.logger)
	r.status = telemetry.New(cmd, cfg.Namespace, o.logger)
	r.arm = arm.New(cmd, cfg.Namespace, o.logger)
	if err := r.status.Start(); err != nil {
		logger.Warn("telemetry unavailable", "error", err)
	}

	r.connectVideo(ctx, fac, o)

	r.mu.Lock()
	r.connected = true
	r.mu.Unlock()
	logger.Info("robot connected", "protocol", r.cmdProto, "video", r.vidProto)
	return r, nil
}

func (r *Robot) connectVideo(ctx context.Context, fac *factory.Factory, o options) {
	video := o.video
	r.vidProto = factory.NoVideo
	if !o.videoSet {
		p, err := factory.ParseVideoProtocol(r.cfg.VideoProtocol)
		if err != nil {
			r.logger.Warn("camera disabled", "error", err)
			return
		}
		if p == "" {
			p = factory.DefaultVideoProtocol(r.cmdProto)
		}
		r.vidProto = p
		if video, err = fac.VideoTransport(p, r.cmd); err != nil {
			r.logger.Warn("camera disabled", "protocol", p, "error", err)
			return
		}
	} else if video != nil {
		r.vidProto = o.vidProto
	}
	if video == nil {
		return
	}
	if err := video.Connect(ctx); err != nil {
		r.logger.Warn("camera connection failed, camera will not be available", "error", err)
		video.Disconnect()
		return
	}
	r.video = video
	r.cam = camera.New(video)
	r.cameras = camera.NewMulti(video)
}

// Nav returns the navigation module.
func (r *Robot) Nav() *navigation.Navigation { return r.nav }

// Status returns the telemetry module.
func (r *Robot) Status() *telemetry.Telemetry { return r.status }

// Arm returns the arm module.
func (r *Robot) Arm() *arm.Arm { return r.arm }

// Camera returns the primary camera, or nil when video is disabled or
// failed to connect.
func (r *Robot) Camera() *camera.Camera { return r.cam }

// Cameras returns the multi-camera view, or nil like Camera.
func (r *Robot) Cameras() *camera.MultiCamera { return r.cameras }

// Host returns the robot address.
func (r *Robot) Host() string { return r.cfg.Host }

// Namespace returns the resource namespace.
func (r *Robot) Namespace() string { return r.cfg.Namespace }

// CommandProtocol returns the protocol in use, after auto-detection.
func (r *Robot) CommandProtocol() factory.CommandProtocol { return r.cmdProto }

// VideoProtocol returns the configured video protocol.
func (r *Robot) VideoProtocol() factory.VideoProtocol { return r.vidProto }

// IsConnected reports whether the robot is connected and the command
// transport is up.
func (r *Robot) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected && r.cmd.IsConnected()
}

// Disconnect stops every module and closes the transports. Safe to call
// repeatedly.
func (r *Robot) Disconnect() {
	r.mu.Lock()
	if !r.connected {
		r.mu.Unlock()
		return
	}
	r.connected = false
	r.mu.Unlock()

	r.logger.Info("disconnecting")
	r.status.Stop()
	r.nav.Close()
	r.arm.Close()
	if r.video != nil {
		r.video.Disconnect()
	}
	r.cmd.Disconnect()
	r.logger.Info("robot disconnected")
}

func (r *Robot) String() string {
	status := "disconnected"
	if r.IsConnected() {
		status = "connected"
	}
	return fmt.Sprintf("Walkie(host=%q, protocol=%s, status=%s)", r.cfg.Host, r.cmdProto, status)
}
