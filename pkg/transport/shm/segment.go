package shm

import (
	"errors"
	"io"
)

// ErrSegmentNotFound is returned when no segment exists under a name.
var ErrSegmentNotFound = errors.New("shm: segment not found")

// Segment is a readable view of one shared-memory segment.
type Segment interface {
	io.ReaderAt
	Size() int
	Close() error
}

// Opener opens a segment by name.
type Opener func(name string) (Segment, error)

// SegmentName returns the segment name for a channel.
func SegmentName(prefix, channel string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + channel
}

// readAt is a bounds-checked ReadAt over a byte slice.
func readAt(data, p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(data)) {
		return 0, io.EOF
	}
	n := copy(p, data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
