// Package shm implements the same-host camera transport: each channel is a
// named shared-memory segment holding a fixed header followed by one image.
//
// Segment layout (little-endian):
//
//	off  size  field
//	  0     8  timestamp (ms, monotonically increasing per write)
//	  8     4  height
//	 12     4  width
//	 16     4  channels
//	 20     4  encoding (0 raw, 1 JPEG)
//	 24     4  quality
//	 28     4  data size
//	 32    16  channel name, NUL padded
//	 48     …  payload
package shm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// HeaderSize is the fixed size of the segment header.
const HeaderSize = 48

// DefaultSegmentSize is the per-channel segment size used by the simulator.
const DefaultSegmentSize = 4 << 20

// DefaultPrefix is prepended to a channel name to form its segment name.
const DefaultPrefix = "walkie_cam_"

// Encoding tags the payload format.
type Encoding uint32

const (
	EncodingRaw  Encoding = 0
	EncodingJPEG Encoding = 1
)

func (e Encoding) String() string {
	switch e {
	case EncodingRaw:
		return "raw"
	case EncodingJPEG:
		return "jpeg"
	}
	return fmt.Sprintf("encoding(%d)", uint32(e))
}

// Header is the decoded segment header.
type Header struct {
	Timestamp uint64
	Height    uint32
	Width     uint32
	Channels  uint32
	Encoding  Encoding
	Quality   uint32
	DataSize  uint32
	Name      string
}

// ParseHeader decodes the first HeaderSize bytes of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("shm header: need %d bytes, got %d", HeaderSize, len(b))
	}
	le := binary.LittleEndian
	return Header{
		Timestamp: le.Uint64(b[0:8]),
		Height:    le.Uint32(b[8:12]),
		Width:     le.Uint32(b[12:16]),
		Channels:  le.Uint32(b[16:20]),
		Encoding:  Encoding(le.Uint32(b[20:24])),
		Quality:   le.Uint32(b[24:28]),
		DataSize:  le.Uint32(b[28:32]),
		Name:      string(bytes.TrimRight(b[32:48], "\x00")),
	}, nil
}

// MarshalBinary encodes h. Names longer than 16 bytes are truncated.
func (h Header) MarshalBinary() ([]byte, error) {
	b := make([]byte, HeaderSize)
	le := binary.LittleEndian
	le.PutUint64(b[0:8], h.Timestamp)
	le.PutUint32(b[8:12], h.Height)
	le.PutUint32(b[12:16], h.Width)
	le.PutUint32(b[16:20], h.Channels)
	le.PutUint32(b[20:24], uint32(h.Encoding))
	le.PutUint32(b[24:28], h.Quality)
	le.PutUint32(b[28:32], h.DataSize)
	copy(b[32:48], h.Name)
	return b, nil
}

// WriteFrame writes payload then its header into w. Writing the header
// last means a reader never sees a timestamp for a payload that is not in
// place yet.
func WriteFrame(w io.WriterAt, h Header, payload []byte) error {
	h.DataSize = uint32(len(payload))
	if _, err := w.WriteAt(payload, HeaderSize); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	hdr, _ := h.MarshalBinary()
	if _, err := w.WriteAt(hdr, 0); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	return nil
}
