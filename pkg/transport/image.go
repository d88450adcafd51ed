package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// RawHeaderSize is the size of the raw-pixel header: uint32 height, width
// and channels, little-endian.
const RawHeaderSize = 12

// ErrEmptyImage is returned when a payload carries no pixels.
var ErrEmptyImage = errors.New("transport: empty image")

// IsJPEG reports whether data starts with the JPEG SOI marker.
func IsJPEG(data []byte) bool {
	return len(data) >= 2 && data[0] == 0xFF && data[1] == 0xD8
}

// DecodeImage decodes an encoded image (JPEG or PNG) into a BGR frame.
// Grayscale sources produce a single-channel frame.
func DecodeImage(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}
	f, err := decodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	f.Timestamp = time.Now()
	return f, nil
}

// EncodeJPEG encodes a BGR or grayscale frame as JPEG.
func EncodeJPEG(f *Frame, quality int) ([]byte, error) {
	if f == nil || len(f.Data) == 0 {
		return nil, ErrEmptyImage
	}
	if len(f.Data) != f.Size() {
		return nil, fmt.Errorf("encode jpeg: %d bytes for shape %s", len(f.Data), f.Shape)
	}
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	return encodeJPEG(f, quality)
}

// DecodeRawPixels parses a raw-pixel payload: a RawHeaderSize header
// followed by exactly height*width*channels bytes.
func DecodeRawPixels(data []byte) (*Frame, error) {
	if len(data) < RawHeaderSize {
		return nil, fmt.Errorf("raw frame: %d bytes is shorter than header", len(data))
	}
	shape := Shape{
		Height:   int(binary.LittleEndian.Uint32(data[0:4])),
		Width:    int(binary.LittleEndian.Uint32(data[4:8])),
		Channels: int(binary.LittleEndian.Uint32(data[8:12])),
	}
	body := data[RawHeaderSize:]
	if shape.Size() == 0 {
		return nil, ErrEmptyImage
	}
	if shape.Size() != len(body) {
		return nil, fmt.Errorf("raw frame: shape %s needs %d bytes, got %d", shape, shape.Size(), len(body))
	}
	return &Frame{Data: bytes.Clone(body), Shape: shape, Timestamp: time.Now()}, nil
}

// EncodeRawPixels is the inverse of DecodeRawPixels.
func EncodeRawPixels(f *Frame) []byte {
	out := make([]byte, RawHeaderSize+len(f.Data))
	binary.LittleEndian.PutUint32(out[0:4], uint32(f.Height))
	binary.LittleEndian.PutUint32(out[4:8], uint32(f.Width))
	binary.LittleEndian.PutUint32(out[8:12], uint32(f.Channels))
	copy(out[RawHeaderSize:], f.Data)
	return out
}

// DecodePayload decodes either a JPEG or a raw-pixel payload.
func DecodePayload(data []byte) (*Frame, error) {
	if IsJPEG(data) {
		return DecodeImage(data)
	}
	return DecodeRawPixels(data)
}

func errUnsupportedChannels(n int) error {
	return fmt.Errorf("encode jpeg: unsupported channel count %d", n)
}
