package camera

import (
	"context"

	"github.com/teslashibe/walkie-go/pkg/transport"
)

// Standard channel names.
const (
	Head  = "head"
	Left  = "left"
	Right = "right"
)

// MultiCamera serves the named channels of one video transport.
type MultiCamera struct {
	t transport.VideoTransport
}

// NewMulti wraps t. A transport that does not implement
// transport.MultiChannel serves only the head channel.
func NewMulti(t transport.VideoTransport) *MultiCamera {
	return &MultiCamera{t: t}
}

// IsStreaming reports whether the transport is streaming.
func (m *MultiCamera) IsStreaming() bool { return m.t.IsStreaming() }

// ChannelNames lists the channels this camera serves.
func (m *MultiCamera) ChannelNames() []string {
	if mc, ok := m.t.(transport.MultiChannel); ok {
		return mc.ChannelNames()
	}
	return []string{Head}
}

// Frame returns a copy of the latest frame from channel name.
func (m *MultiCamera) Frame(name string) (*transport.Frame, bool) {
	if mc, ok := m.t.(transport.MultiChannel); ok {
		return mc.ChannelFrame(name)
	}
	if name != Head {
		return nil, false
	}
	return m.t.Frame()
}

// HeadFrame returns the head camera frame.
func (m *MultiCamera) HeadFrame() (*transport.Frame, bool) { return m.Frame(Head) }

// LeftFrame returns the left wrist camera frame.
func (m *MultiCamera) LeftFrame() (*transport.Frame, bool) { return m.Frame(Left) }

// RightFrame returns the right wrist camera frame.
func (m *MultiCamera) RightFrame() (*transport.Frame, bool) { return m.Frame(Right) }

// AllFrames returns the latest frame of every channel that has one.
func (m *MultiCamera) AllFrames() map[string]*transport.Frame {
	out := make(map[string]*transport.Frame)
	for _, name := range m.ChannelNames() {
		if f, ok := m.Frame(name); ok {
			out[name] = f
		}
	}
	return out
}

// Start connects the transport unless it is already streaming.
func (m *MultiCamera) Start(ctx context.Context) error { return New(m.t).Start(ctx) }

// Stop disconnects the transport if it is streaming.
func (m *MultiCamera) Stop() { New(m.t).Stop() }
