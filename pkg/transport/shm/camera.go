package shm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/walkie-go/internal/log"
	"github.com/teslashibe/walkie-go/pkg/metrics"
	"github.com/teslashibe/walkie-go/pkg/transport"
)

const name = "shm"

// DefaultChannel is the channel a single camera reads when none is set.
const DefaultChannel = "head"

// DefaultChannels are the channels the simulator exports.
var DefaultChannels = []string{"head", "left", "right"}

// Config configures a shared-memory camera.
type Config struct {
	// Prefix is prepended to channel names to form segment names.
	Prefix string `yaml:"prefix" json:"prefix"`

	// Channel is read by Camera.
	Channel string `yaml:"channel" json:"channel"`

	// Channels are read by MultiCamera.
	Channels []string `yaml:"channels" json:"channels"`

	// Opener maps segments. Defaults to OpenSegment.
	Opener Opener `yaml:"-" json:"-"`

	Metrics *metrics.Metrics `yaml:"-" json:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Prefix:   DefaultPrefix,
		Channel:  DefaultChannel,
		Channels: append([]string(nil), DefaultChannels...),
	}
}

func (c *Config) applyDefaults() {
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if c.Channel == "" {
		c.Channel = DefaultChannel
	}
	if len(c.Channels) == 0 {
		c.Channels = append([]string(nil), DefaultChannels...)
	}
	if c.Opener == nil {
		c.Opener = OpenSegment
	}
}

// Camera reads one channel's segment. Every Frame call re-reads the
// header; the payload is decoded only when the writer's timestamp moved.
type Camera struct {
	cfg     Config
	channel string
	segName string
	logger  *slog.Logger

	mu     sync.Mutex
	seg    Segment
	hdr    [HeaderSize]byte
	lastTS uint64
	slot   transport.FrameSlot

	decodes atomic.Int64
}

var _ transport.VideoTransport = (*Camera)(nil)

// NewCamera creates a camera for cfg.Channel.
func NewCamera(cfg Config, logger *slog.Logger) *Camera {
	cfg.applyDefaults()
	return newCamera(cfg, cfg.Channel, log.Component("shm-camera", logger))
}

func newCamera(cfg Config, channel string, logger *slog.Logger) *Camera {
	seg := SegmentName(cfg.Prefix, channel)
	return &Camera{
		cfg:     cfg,
		channel: channel,
		segName: seg,
		logger:  logger.With("channel", channel, "segment", seg),
	}
}

// Channel returns the camera's channel name.
func (c *Camera) Channel() string { return c.channel }

// Connect maps the channel's segment.
func (c *Camera) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seg != nil {
		return nil
	}

	seg, err := c.cfg.Opener(c.segName)
	c.cfg.Metrics.ConnectAttempt(name, err)
	if err != nil {
		hint := err
		if errors.Is(err, ErrSegmentNotFound) {
			hint = fmt.Errorf("%w (is the simulation running with cameras enabled?)", err)
		}
		return &transport.ConnectionError{Transport: name, Host: c.segName, Err: hint}
	}
	if seg.Size() < HeaderSize {
		_ = seg.Close()
		return &transport.ConnectionError{
			Transport: name,
			Host:      c.segName,
			Err:       fmt.Errorf("segment is %d bytes, smaller than its header", seg.Size()),
		}
	}
	c.seg = seg
	c.cfg.Metrics.SetConnected(name, true)
	c.logger.Info("mapped camera segment", "size", seg.Size())
	return nil
}

// Disconnect unmaps the segment and drops the cached frame.
func (c *Camera) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seg == nil {
		return
	}
	if err := c.seg.Close(); err != nil {
		c.logger.Warn("unmap failed", "error", err)
	}
	c.seg = nil
	c.lastTS = 0
	c.slot.Reset()
	c.cfg.Metrics.SetConnected(name, false)
}

// IsStreaming reports whether the segment is mapped.
func (c *Camera) IsStreaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seg != nil
}

// Frame returns a copy of the newest frame. A frame that fails to decode
// is skipped and the previous frame is returned.
func (c *Camera) Frame() (*transport.Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seg == nil {
		return nil, false
	}
	c.poll()
	return c.slot.Load()
}

// FrameShape returns the geometry of the newest frame.
func (c *Camera) FrameShape() (transport.Shape, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seg == nil {
		return transport.Shape{}, false
	}
	c.poll()
	return c.slot.Shape()
}

// Timestamp returns the writer timestamp of the last frame read, in
// milliseconds. Zero means nothing has been read.
func (c *Camera) Timestamp() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTS
}

// Decodes returns how many payloads were decoded.
func (c *Camera) Decodes() int64 { return c.decodes.Load() }

// poll must be called with mu held.
func (c *Camera) poll() {
	if _, err := c.seg.ReadAt(c.hdr[:], 0); err != nil {
		c.logger.Debug("header read failed", "error", err)
		return
	}
	h, err := ParseHeader(c.hdr[:])
	if err != nil || h.Timestamp == 0 || h.Timestamp == c.lastTS {
		return
	}
	c.lastTS = h.Timestamp

	f, err := c.decode(h)
	if err != nil {
		c.cfg.Metrics.DecodeError(name, c.channel)
		c.logger.Debug("frame dropped", "timestamp", h.Timestamp, "error", err)
		return
	}
	c.decodes.Add(1)
	c.cfg.Metrics.FrameDecoded(name, c.channel)
	c.slot.Store(f)
}

func (c *Camera) decode(h Header) (*transport.Frame, error) {
	if h.DataSize == 0 {
		return nil, transport.ErrEmptyImage
	}
	if int64(HeaderSize)+int64(h.DataSize) > int64(c.seg.Size()) {
		return nil, fmt.Errorf("data size %d overflows a %d byte segment", h.DataSize, c.seg.Size())
	}
	payload := make([]byte, h.DataSize)
	if _, err := c.seg.ReadAt(payload, HeaderSize); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}

	var f *transport.Frame
	switch h.Encoding {
	case EncodingJPEG:
		var err error
		if f, err = transport.DecodeImage(payload); err != nil {
			return nil, err
		}
	case EncodingRaw:
		shape := transport.Shape{Height: int(h.Height), Width: int(h.Width), Channels: int(h.Channels)}
		if shape.Channels != 1 && shape.Channels != 3 {
			return nil, fmt.Errorf("raw frame with %d channels", shape.Channels)
		}
		if shape.Size() != len(payload) {
			return nil, fmt.Errorf("raw frame %s needs %d bytes, header says %d", shape, shape.Size(), len(payload))
		}
		f = &transport.Frame{Data: payload, Shape: shape}
	default:
		return nil, fmt.Errorf("unknown encoding %s", h.Encoding)
	}
	f.Timestamp = time.UnixMilli(int64(h.Timestamp))
	return f, nil
}

func (c *Camera) String() string {
	return fmt.Sprintf("shm camera %s", c.segName)
}

// MultiCamera reads several channels. It stays usable while at least one
// channel is mapped.
type MultiCamera struct {
	cfg    Config
	logger *slog.Logger
	order  []string
	cams   map[string]*Camera
}

var (
	_ transport.VideoTransport = (*MultiCamera)(nil)
	_ transport.MultiChannel   = (*MultiCamera)(nil)
)

// NewMultiCamera creates a camera over cfg.Channels.
func NewMultiCamera(cfg Config, logger *slog.Logger) *MultiCamera {
	cfg.applyDefaults()
	logger = log.Component("shm-camera", logger)
	m := &MultiCamera{
		cfg:    cfg,
		logger: logger,
		cams:   make(map[string]*Camera, len(cfg.Channels)),
	}
	for _, ch := range cfg.Channels {
		if _, dup := m.cams[ch]; dup {
			continue
		}
		m.order = append(m.order, ch)
		m.cams[ch] = newCamera(cfg, ch, logger)
	}
	return m
}

// Connect maps every channel it can. It fails only when none could be
// mapped.
func (m *MultiCamera) Connect(ctx context.Context) error {
	var errs []error
	for _, ch := range m.order {
		if err := m.cams[ch].Connect(ctx); err != nil {
			if ctx.Err() != nil {
				m.Disconnect()
				return ctx.Err()
			}
			m.logger.Warn("camera channel unavailable", "channel", ch, "error", err)
			errs = append(errs, err)
		}
	}
	if len(errs) == len(m.order) {
		return &transport.ConnectionError{
			Transport: name,
			Host:      SegmentName(m.cfg.Prefix, "*"),
			Err:       fmt.Errorf("no camera segment available: %w", errors.Join(errs...)),
		}
	}
	return nil
}

// Disconnect unmaps every channel.
func (m *MultiCamera) Disconnect() {
	for _, ch := range m.order {
		m.cams[ch].Disconnect()
	}
}

// IsStreaming reports whether any channel is mapped.
func (m *MultiCamera) IsStreaming() bool {
	for _, ch := range m.order {
		if m.cams[ch].IsStreaming() {
			return true
		}
	}
	return false
}

// ChannelNames returns the configured channels in order.
func (m *MultiCamera) ChannelNames() []string {
	return append([]string(nil), m.order...)
}

// ChannelFrame returns the newest frame of one channel.
func (m *MultiCamera) ChannelFrame(channel string) (*transport.Frame, bool) {
	cam, ok := m.cams[channel]
	if !ok {
		return nil, false
	}
	return cam.Frame()
}

// Frame returns the head channel's frame, or the first channel's when
// there is no head.
func (m *MultiCamera) Frame() (*transport.Frame, bool) {
	return m.ChannelFrame(m.primary())
}

// FrameShape returns the shape of the first channel holding a frame.
func (m *MultiCamera) FrameShape() (transport.Shape, bool) {
	for _, ch := range m.order {
		if s, ok := m.cams[ch].FrameShape(); ok {
			return s, true
		}
	}
	return transport.Shape{}, false
}

// AllFrames returns the newest frame of every channel that has one.
func (m *MultiCamera) AllFrames() map[string]*transport.Frame {
	out := make(map[string]*transport.Frame, len(m.order))
	for _, ch := range m.order {
		if f, ok := m.cams[ch].Frame(); ok {
			out[ch] = f
		}
	}
	return out
}

// Decodes sums decode counts across channels.
func (m *MultiCamera) Decodes() int64 {
	var n int64
	for _, c := range m.cams {
		n += c.Decodes()
	}
	return n
}

func (m *MultiCamera) primary() string {
	if _, ok := m.cams[DefaultChannel]; ok {
		return DefaultChannel
	}
	if len(m.order) > 0 {
		return m.order[0]
	}
	return ""
}
