//go:build linux

package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// shmDir is where POSIX shared memory objects live.
const shmDir = "/dev/shm"

// MappedSegment is a segment mapped into this process.
type MappedSegment struct {
	name string
	data []byte
}

// OpenSegment maps an existing segment read-only.
func OpenSegment(name string) (Segment, error) {
	return mapSegment(name, os.O_RDONLY, 0, unix.PROT_READ)
}

// CreateSegment creates (or truncates) a writable segment of size bytes.
// Writers such as simulators and tests use it.
func CreateSegment(name string, size int) (*MappedSegment, error) {
	return mapSegment(name, os.O_RDWR|os.O_CREATE, size, unix.PROT_READ|unix.PROT_WRITE)
}

func mapSegment(name string, flag, size, prot int) (*MappedSegment, error) {
	path := filepath.Join(shmDir, name)
	f, err := os.OpenFile(path, flag, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSegmentNotFound, name)
		}
		return nil, fmt.Errorf("open segment %s: %w", name, err)
	}
	defer f.Close()

	if size > 0 {
		if err := f.Truncate(int64(size)); err != nil {
			return nil, fmt.Errorf("size segment %s: %w", name, err)
		}
	} else {
		st, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("stat segment %s: %w", name, err)
		}
		size = int(st.Size())
	}
	if size < HeaderSize {
		return nil, fmt.Errorf("segment %s: %d bytes is smaller than the header", name, size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap segment %s: %w", name, err)
	}
	return &MappedSegment{name: name, data: data}, nil
}

// ReadAt implements io.ReaderAt over the mapping.
func (s *MappedSegment) ReadAt(p []byte, off int64) (int, error) {
	if s.data == nil {
		return 0, os.ErrClosed
	}
	return readAt(s.data, p, off)
}

// WriteAt implements io.WriterAt over the mapping.
func (s *MappedSegment) WriteAt(p []byte, off int64) (int, error) {
	if s.data == nil {
		return 0, os.ErrClosed
	}
	if off < 0 || off+int64(len(p)) > int64(len(s.data)) {
		return 0, fmt.Errorf("segment %s: write of %d bytes at %d overflows %d", s.name, len(p), off, len(s.data))
	}
	return copy(s.data[off:], p), nil
}

// Size returns the mapped length.
func (s *MappedSegment) Size() int { return len(s.data) }

// Close unmaps the segment. The segment itself survives.
func (s *MappedSegment) Close() error {
	if s.data == nil {
		return nil
	}
	err := unix.Munmap(s.data)
	s.data = nil
	return err
}

// Unlink removes a segment by name.
func Unlink(name string) error {
	return os.Remove(filepath.Join(shmDir, name))
}
