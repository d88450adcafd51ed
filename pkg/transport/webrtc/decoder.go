package webrtc

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/teslashibe/walkie-go/pkg/transport"
)

// Decoder turns an Annex-B H.264 stream that starts at a keyframe into the
// most recent picture it contains.
type Decoder interface {
	Decode(ctx context.Context, annexB []byte) (*transport.Frame, error)
}

// FFmpegDecoder pipes H.264 through an ffmpeg process and decodes the last
// JPEG it emits.
type FFmpegDecoder struct {
	// Path to the ffmpeg binary. Empty means "ffmpeg" on PATH.
	Path string

	// Timeout bounds one ffmpeg run.
	Timeout time.Duration
}

// NewFFmpegDecoder returns a decoder using ffmpeg from PATH.
func NewFFmpegDecoder() *FFmpegDecoder {
	return &FFmpegDecoder{Path: "ffmpeg", Timeout: time.Second}
}

// Decode runs ffmpeg once over annexB.
func (d *FFmpegDecoder) Decode(ctx context.Context, annexB []byte) (*transport.Frame, error) {
	if len(annexB) < minDecodeBytes {
		return nil, errShortStream
	}
	path := d.Path
	if path == "" {
		path = "ffmpeg"
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path,
		"-loglevel", "error",
		"-f", "h264",
		"-i", "pipe:0",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "3",
		"pipe:1",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(annexB)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// ffmpeg exits non-zero on a truncated trailing picture but still
	// writes the complete ones before it.
	runErr := cmd.Run()
	jpg := lastJPEG(stdout.Bytes())
	if jpg == nil {
		if runErr != nil {
			return nil, fmt.Errorf("ffmpeg: %w: %s", runErr, bytes.TrimSpace(stderr.Bytes()))
		}
		return nil, errNoPicture
	}
	return transport.DecodeImage(jpg)
}

// lastJPEG returns the final complete JPEG in a concatenated MJPEG stream.
func lastJPEG(stream []byte) []byte {
	soi := []byte{0xFF, 0xD8, 0xFF}
	eoi := []byte{0xFF, 0xD9}
	for end := len(stream); end > 0; {
		i := bytes.LastIndex(stream[:end], soi)
		if i < 0 {
			return nil
		}
		if j := bytes.Index(stream[i:], eoi); j >= 0 {
			return stream[i : i+j+len(eoi)]
		}
		end = i
	}
	return nil
}
