package factory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/teslashibe/walkie-go/internal/log"
	"github.com/teslashibe/walkie-go/pkg/metrics"
	"github.com/teslashibe/walkie-go/pkg/schema"
	"github.com/teslashibe/walkie-go/pkg/transport"
	"github.com/teslashibe/walkie-go/pkg/transport/overlay"
	"github.com/teslashibe/walkie-go/pkg/transport/rosbridge"
	"github.com/teslashibe/walkie-go/pkg/transport/shm"
	"github.com/teslashibe/walkie-go/pkg/transport/webrtc"
)

// Options carries the settings shared by every transport.
type Options struct {
	Host string

	// CommandPort is the bridge port. 0 means default.
	CommandPort int

	// OverlayPort is the NATS port for commands and overlay video.
	// 0 means default.
	OverlayPort int

	// VideoPort is the WebRTC signaling port. 0 means default.
	VideoPort int

	// Timeout bounds each Connect.
	Timeout time.Duration

	// Channels are the camera channels for overlay and shm video.
	Channels []string

	// ShmPrefix prefixes shared-memory segment names.
	ShmPrefix string

	// STUNServer is passed to the WebRTC camera.
	STUNServer string

	Schemas *schema.Registry
	Metrics *metrics.Metrics
}

// DefaultOptions returns Options for a robot on localhost.
func DefaultOptions() Options {
	return Options{
		Host:     "localhost",
		Timeout:  10 * time.Second,
		Channels: append([]string(nil), overlay.DefaultChannels...),
	}
}

// CommandBuilder constructs an unconnected command transport.
type CommandBuilder func(p CommandProtocol, opts Options, logger *slog.Logger) (transport.CommandTransport, error)

// Option configures a Factory.
type Option func(*Factory)

// WithCommandBuilder replaces how command transports are constructed.
func WithCommandBuilder(b CommandBuilder) Option {
	return func(f *Factory) { f.build = b }
}

// Factory creates transports.
type Factory struct {
	opts   Options
	logger *slog.Logger
	build  CommandBuilder
}

// New creates a Factory.
func New(opts Options, logger *slog.Logger, options ...Option) *Factory {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	f := &Factory{
		opts:   opts,
		logger: log.Component("factory", logger),
		build:  buildCommand,
	}
	for _, o := range options {
		o(f)
	}
	return f
}

// Options returns the factory settings.
func (f *Factory) Options() Options { return f.opts }

// CommandTransport creates the transport for p. Bridge and Overlay are
// returned unconnected. Auto connects each candidate in turn and returns
// the first that succeeds, already connected. The protocol result names
// the transport chosen.
func (f *Factory) CommandTransport(ctx context.Context, p CommandProtocol) (transport.CommandTransport, CommandProtocol, error) {
	switch p {
	case Bridge, Overlay:
		t, err := f.build(p, f.opts, f.logger)
		return t, p, err
	case Auto:
		return f.autoDetect(ctx)
	}
	return nil, "", &transport.ConfigurationError{Field: "command protocol", Value: string(p), Reason: "unknown protocol"}
}

func (f *Factory) autoDetect(ctx context.Context) (transport.CommandTransport, CommandProtocol, error) {
	candidates := []CommandProtocol{Overlay, Bridge}
	var deadline time.Time
	if f.opts.Timeout > 0 {
		deadline = time.Now().Add(f.opts.Timeout)
	}

	ae := &AutoDetectError{}
	for i, p := range candidates {
		t, err := f.build(p, f.opts, f.logger)
		if err == nil {
			if err = f.connectWithin(ctx, t, deadline, len(candidates)-i); err == nil {
				f.logger.Info("auto-detected command transport", "protocol", p, "host", f.opts.Host)
				return t, p, nil
			}
			t.Disconnect()
		}
		f.logger.Debug("command transport unavailable", "protocol", p, "error", err)
		ae.add(p, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, "", &transport.ConnectionError{
		Transport: string(Auto),
		Host:      f.opts.Host,
		Timeout:   f.opts.Timeout,
		Err:       ae,
	}
}

// connectWithin connects t with an equal share of the time left before
// deadline among the remaining candidates. A zero deadline leaves only
// the transport's own timeout.
func (f *Factory) connectWithin(ctx context.Context, t transport.CommandTransport, deadline time.Time, remaining int) error {
	if deadline.IsZero() {
		return t.Connect(ctx)
	}
	share := time.Until(deadline) / time.Duration(remaining)
	if share <= 0 {
		return context.DeadlineExceeded
	}
	cctx, cancel := context.WithTimeout(ctx, share)
	defer cancel()
	return t.Connect(cctx)
}

// VideoTransport creates the camera for p, unconnected. NoVideo returns
// nil. An overlay camera reuses cmd's connection when cmd is an overlay
// transport with a live connection.
func (f *Factory) VideoTransport(p VideoProtocol, cmd transport.CommandTransport) (transport.VideoTransport, error) {
	o := f.opts
	switch p {
	case NoVideo:
		return nil, nil

	case WebRTC:
		cfg := webrtc.DefaultConfig()
		cfg.Host = o.Host
		if o.VideoPort > 0 {
			cfg.Port = o.VideoPort
		}
		cfg.ConnectTimeout = o.Timeout
		cfg.STUNServer = o.STUNServer
		cfg.Metrics = o.Metrics
		cam, err := webrtc.New(cfg, f.logger)
		if err != nil {
			return nil, err
		}
		return cam, nil

	case OverlayVideo:
		cfg := overlay.DefaultCameraConfig()
		cfg.Server = overlayConfig(o)
		if len(o.Channels) > 0 {
			cfg.Channels = append([]string(nil), o.Channels...)
		}
		var (
			cam *overlay.Camera
			err error
		)
		if nc := sharedConn(cmd); nc != nil {
			f.logger.Debug("overlay camera shares the command connection")
			cam, err = overlay.NewCameraWithConn(nc, cfg, f.logger)
		} else {
			cam, err = overlay.NewCamera(cfg, f.logger)
		}
		if err != nil {
			return nil, err
		}
		return cam, nil

	case SharedMemory:
		cfg := shm.DefaultConfig()
		if o.ShmPrefix != "" {
			cfg.Prefix = o.ShmPrefix
		}
		if len(o.Channels) > 0 {
			cfg.Channels = append([]string(nil), o.Channels...)
		}
		cfg.Metrics = o.Metrics
		return shm.NewMultiCamera(cfg, f.logger), nil
	}
	return nil, &transport.ConfigurationError{Field: "video protocol", Value: string(p), Reason: "unknown protocol"}
}

func overlayConfig(o Options) overlay.Config {
	cfg := overlay.DefaultConfig()
	cfg.Host = o.Host
	if o.OverlayPort > 0 {
		cfg.Port = o.OverlayPort
	}
	cfg.ConnectTimeout = o.Timeout
	cfg.Schemas = o.Schemas
	cfg.Metrics = o.Metrics
	return cfg
}

func sharedConn(cmd transport.CommandTransport) *nats.Conn {
	c, ok := cmd.(interface{ Conn() *nats.Conn })
	if !ok {
		return nil
	}
	nc := c.Conn()
	if nc == nil || nc.IsClosed() {
		return nil
	}
	return nc
}

func buildCommand(p CommandProtocol, o Options, logger *slog.Logger) (transport.CommandTransport, error) {
	switch p {
	case Bridge:
		cfg := rosbridge.DefaultConfig()
		cfg.Host = o.Host
		if o.CommandPort > 0 {
			cfg.Port = o.CommandPort
		}
		cfg.ConnectTimeout = o.Timeout
		cfg.Schemas = o.Schemas
		cfg.Metrics = o.Metrics
		t, err := rosbridge.New(cfg, logger)
		if err != nil {
			return nil, err
		}
		return t, nil

	case Overlay:
		t, err := overlay.New(overlayConfig(o), logger)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	return nil, &transport.ConfigurationError{Field: "command protocol", Value: string(p), Reason: "cannot be built directly"}
}

// AutoDetectError lists why each candidate command transport failed.
type AutoDetectError struct {
	Protocols []CommandProtocol
	Errs      []error
}

func (e *AutoDetectError) add(p CommandProtocol, err error) {
	e.Protocols = append(e.Protocols, p)
	e.Errs = append(e.Errs, err)
}

// Error lists every failure.
func (e *AutoDetectError) Error() string {
	parts := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		parts[i] = fmt.Sprintf("%s: %v", e.Protocols[i], err)
	}
	return "no command transport could connect (" + strings.Join(parts, "; ") + ")"
}

// Unwrap returns the per-protocol errors.
func (e *AutoDetectError) Unwrap() []error { return e.Errs }
