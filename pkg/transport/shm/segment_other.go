//go:build !linux

package shm

import (
	"fmt"
	"runtime"

	"github.com/teslashibe/walkie-go/pkg/transport"
)

// OpenSegment is only available on Linux.
func OpenSegment(name string) (Segment, error) {
	return nil, fmt.Errorf("open segment %s on %s: %w", name, runtime.GOOS, transport.ErrNotSupported)
}
