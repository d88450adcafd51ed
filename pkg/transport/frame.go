package transport

import (
	"fmt"
	"sync"
	"time"
)

// Shape is the (height, width, channels) geometry of a frame.
type Shape struct {
	Height   int `json:"height"`
	Width    int `json:"width"`
	Channels int `json:"channels"`
}

// Size returns the number of bytes a dense buffer of this shape occupies.
func (s Shape) Size() int {
	return s.Height * s.Width * s.Channels
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s.Height, s.Width, s.Channels)
}

// Frame is a dense, row-major BGR (or grayscale) pixel buffer.
type Frame struct {
	Data []byte
	Shape
	// Timestamp is the local receive/decode time.
	Timestamp time.Time
}

// Clone returns a deep copy so callers can never alias a cached buffer.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	return &Frame{Data: data, Shape: f.Shape, Timestamp: f.Timestamp}
}

// FrameSlot holds exactly one frame: newer writes replace older ones.
// The zero value is ready to use.
type FrameSlot struct {
	mu    sync.RWMutex
	frame *Frame
}

// Store replaces the held frame. The slot takes ownership of f.
func (s *FrameSlot) Store(f *Frame) {
	s.mu.Lock()
	s.frame = f
	s.mu.Unlock()
}

// Load returns a copy of the held frame.
func (s *FrameSlot) Load() (*Frame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.frame == nil {
		return nil, false
	}
	return s.frame.Clone(), true
}

// Shape returns the geometry of the held frame.
func (s *FrameSlot) Shape() (Shape, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.frame == nil {
		return Shape{}, false
	}
	return s.frame.Shape, true
}

// Reset drops the held frame.
func (s *FrameSlot) Reset() {
	s.mu.Lock()
	s.frame = nil
	s.mu.Unlock()
}
