package overlay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"github.com/teslashibe/walkie-go/internal/log"
	"github.com/teslashibe/walkie-go/pkg/transport"
)

// DefaultCameraPrefix is the topic under which camera channels publish.
const DefaultCameraPrefix = "walkie/camera"

// DefaultChannels are the robot's camera channels. The first is the
// default for Frame.
var DefaultChannels = []string{"head", "left", "right"}

// CameraConfig configures the overlay camera.
type CameraConfig struct {
	Server Config `yaml:"server" json:"server"`

	// Prefix is joined with each channel name to form its topic.
	Prefix   string   `yaml:"prefix" json:"prefix"`
	Channels []string `yaml:"channels" json:"channels"`
}

// DefaultCameraConfig returns a CameraConfig with sensible defaults.
func DefaultCameraConfig() CameraConfig {
	return CameraConfig{
		Server:   DefaultConfig(),
		Prefix:   DefaultCameraPrefix,
		Channels: append([]string(nil), DefaultChannels...),
	}
}

// Camera receives frames for several camera channels. Payloads are stored
// as they arrive and decoded on the first read after each update.
type Camera struct {
	cfg    CameraConfig
	logger *slog.Logger

	mu       sync.Mutex
	nc       *nats.Conn
	owned    bool
	subs     []*nats.Subscription
	channels map[string]*channel

	streaming atomic.Bool
}

type channel struct {
	name  string
	topic string

	mu      sync.Mutex
	payload []byte
	seq     uint64
	decoded uint64
	slot    transport.FrameSlot
}

var (
	_ transport.VideoTransport = (*Camera)(nil)
	_ transport.MultiChannel   = (*Camera)(nil)
)

// NewCamera creates an overlay camera that dials its own connection.
func NewCamera(cfg CameraConfig, logger *slog.Logger) (*Camera, error) {
	cfg.Server.applyDefaults()
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultCameraPrefix
	}
	if len(cfg.Channels) == 0 {
		cfg.Channels = append([]string(nil), DefaultChannels...)
	}
	if err := cfg.Server.Validate(); err != nil {
		return nil, &transport.ConfigurationError{Field: "overlay camera config", Reason: err.Error()}
	}
	c := &Camera{
		cfg:      cfg,
		logger:   log.Component("overlay-camera", logger),
		channels: make(map[string]*channel, len(cfg.Channels)),
	}
	for _, n := range cfg.Channels {
		c.channels[n] = &channel{name: n, topic: cfg.Prefix + "/" + n}
	}
	return c, nil
}

// NewCameraWithConn creates a camera on an existing connection, typically
// the command transport's. Disconnect leaves nc open.
func NewCameraWithConn(nc *nats.Conn, cfg CameraConfig, logger *slog.Logger) (*Camera, error) {
	c, err := NewCamera(cfg, logger)
	if err != nil {
		return nil, err
	}
	c.nc = nc
	return c, nil
}

// Connect subscribes to every channel.
func (c *Camera) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.streaming.Load() {
		return nil
	}

	if c.nc == nil || c.nc.IsClosed() {
		nc, err := dial(ctx, c.cfg.Server, nats.Name(c.cfg.Server.Name+"-camera"), nats.MaxReconnects(-1))
		c.cfg.Server.Metrics.ConnectAttempt("overlay-camera", err)
		if err != nil {
			return &transport.ConnectionError{
				Transport: "overlay-camera",
				Host:      c.cfg.Server.Host,
				Port:      c.cfg.Server.Port,
				Timeout:   c.cfg.Server.ConnectTimeout,
				Err:       err,
			}
		}
		c.nc, c.owned = nc, true
	}

	for _, n := range c.cfg.Channels {
		ch := c.channels[n]
		sub, err := c.nc.Subscribe(Subject(ch.topic), ch.store)
		if err != nil {
			c.teardown()
			return &transport.ConnectionError{
				Transport: "overlay-camera",
				Host:      c.cfg.Server.Host,
				Port:      c.cfg.Server.Port,
				Err:       fmt.Errorf("subscribe %s: %w", ch.topic, err),
			}
		}
		c.subs = append(c.subs, sub)
	}

	c.streaming.Store(true)
	c.logger.Info("overlay camera streaming", "channels", c.cfg.Channels)
	return nil
}

// teardown releases subscriptions and an owned connection. c.mu is held.
func (c *Camera) teardown() {
	for _, s := range c.subs {
		_ = s.Unsubscribe()
	}
	c.subs = nil
	if c.owned && c.nc != nil {
		c.nc.Close()
		c.nc, c.owned = nil, false
	}
}

// Disconnect stops receiving and drops cached frames.
func (c *Camera) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardown()
	c.streaming.Store(false)
	for _, ch := range c.channels {
		ch.reset()
	}
}

// IsStreaming reports whether channel subscriptions are live.
func (c *Camera) IsStreaming() bool { return c.streaming.Load() }

// ChannelNames returns the configured channel names in order.
func (c *Camera) ChannelNames() []string {
	return append([]string(nil), c.cfg.Channels...)
}

// Frame returns the latest frame of the default channel.
func (c *Camera) Frame() (*transport.Frame, bool) {
	return c.ChannelFrame(c.cfg.Channels[0])
}

// FrameShape reports the shape of the default channel's latest frame.
func (c *Camera) FrameShape() (transport.Shape, bool) {
	ch := c.channels[c.cfg.Channels[0]]
	c.refresh(ch)
	return ch.slot.Shape()
}

// ChannelFrame returns the latest frame of the named channel.
func (c *Camera) ChannelFrame(name string) (*transport.Frame, bool) {
	ch, ok := c.channels[name]
	if !ok {
		return nil, false
	}
	c.refresh(ch)
	return ch.slot.Load()
}

func (c *Camera) refresh(ch *channel) {
	decoded, err := ch.refresh()
	switch {
	case err != nil:
		c.logger.Debug("dropping frame", "channel", ch.name, "error", err)
		c.cfg.Server.Metrics.DecodeError("overlay-camera", ch.topic)
	case decoded:
		c.cfg.Server.Metrics.FrameDecoded("overlay-camera", ch.name)
	}
}

func (ch *channel) store(m *nats.Msg) {
	ch.mu.Lock()
	ch.payload = m.Data
	ch.seq++
	ch.mu.Unlock()
}

// refresh decodes the stored payload if it is newer than the cached frame.
// The previous frame is kept when decoding fails.
func (ch *channel) refresh() (bool, error) {
	ch.mu.Lock()
	if ch.seq == ch.decoded {
		ch.mu.Unlock()
		return false, nil
	}
	data, seq := ch.payload, ch.seq
	ch.decoded = seq
	ch.mu.Unlock()

	f, err := transport.DecodePayload(data)
	if err != nil {
		return false, err
	}
	ch.slot.Store(f)
	return true, nil
}

func (ch *channel) reset() {
	ch.mu.Lock()
	ch.payload, ch.seq, ch.decoded = nil, 0, 0
	ch.mu.Unlock()
	ch.slot.Reset()
}
