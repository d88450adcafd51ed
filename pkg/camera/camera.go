// Package camera wraps video transports with the consumer-facing camera
// API: the primary camera and the head/left/right multi-camera view.
package camera

import (
	"context"
	"fmt"

	"github.com/teslashibe/walkie-go/pkg/transport"
)

// Camera is a protocol-agnostic view of one video transport.
type Camera struct {
	t transport.VideoTransport
}

// New wraps t.
func New(t transport.VideoTransport) *Camera {
	return &Camera{t: t}
}

// Transport returns the wrapped transport.
func (c *Camera) Transport() transport.VideoTransport { return c.t }

// IsStreaming reports whether frames are being received.
func (c *Camera) IsStreaming() bool { return c.t.IsStreaming() }

// FrameShape reports the latest frame's geometry.
func (c *Camera) FrameShape() (transport.Shape, bool) { return c.t.FrameShape() }

// Frame returns a copy of the latest frame without waiting for a new one.
func (c *Camera) Frame() (*transport.Frame, bool) { return c.t.Frame() }

// Start connects the stream unless it is already streaming.
func (c *Camera) Start(ctx context.Context) error {
	if c.t.IsStreaming() {
		return nil
	}
	return c.t.Connect(ctx)
}

// Stop releases the stream. Start may be called again afterwards.
func (c *Camera) Stop() {
	if c.t.IsStreaming() {
		c.t.Disconnect()
	}
}

func (c *Camera) String() string {
	status := "stopped"
	if c.IsStreaming() {
		status = "streaming"
	}
	if s, ok := c.FrameShape(); ok {
		return fmt.Sprintf("Camera(status=%s, resolution=%dx%d)", status, s.Width, s.Height)
	}
	return fmt.Sprintf("Camera(status=%s)", status)
}
