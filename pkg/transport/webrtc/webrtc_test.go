package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/walkie-go/internal/httpc"
	"github.com/teslashibe/walkie-go/pkg/transport"
)

type fakeDecoder struct {
	mu    sync.Mutex
	calls [][]byte
	err   error
}

func (d *fakeDecoder) Decode(_ context.Context, annexB []byte) (*transport.Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, append([]byte(nil), annexB...))
	if d.err != nil {
		return nil, d.err
	}
	return &transport.Frame{
		Data:  make([]byte, 4*6*3),
		Shape: transport.Shape{Height: 4, Width: 6, Channels: 3},
	}, nil
}

func (d *fakeDecoder) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

// accessUnit builds an Annex-B access unit of the given NAL type padded
// to size bytes.
func accessUnit(nalType byte, size int) []byte {
	au := make([]byte, size)
	copy(au, []byte{0, 0, 0, 1, 0x60 | nalType})
	for i := 5; i < size; i++ {
		au[i] = 0xAB
	}
	return au
}

func signalingCamera(t *testing.T, h http.HandlerFunc, timeout time.Duration) *Camera {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Host = u.Hostname()
	cfg.Port = port
	cfg.ConnectTimeout = timeout
	cfg.Decoder = &fakeDecoder{}
	cam, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(cam.Disconnect)
	return cam
}

func TestConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "http://localhost:8554/offer", cfg.OfferURL())

	cfg.Host = ""
	assert.Error(t, cfg.Validate())

	_, err := New(Config{Host: "robot", Port: -1}, nil)
	assert.True(t, transport.IsConfiguration(err))
}

func TestConnectSignalingRejected(t *testing.T) {
	var offer map[string]any
	var mu sync.Mutex
	cam := signalingCamera(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/offer", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		mu.Lock()
		_ = json.NewDecoder(r.Body).Decode(&offer)
		mu.Unlock()
		http.Error(w, "no camera", http.StatusServiceUnavailable)
	}, 5*time.Second)

	start := time.Now()
	err := cam.Connect(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second, "a rejected offer fails before the timeout")

	var ce *transport.ConnectionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "webrtc", ce.Transport)

	var se *httpc.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)

	mu.Lock()
	assert.Equal(t, "offer", offer["type"])
	assert.Contains(t, offer["sdp"], "m=video")
	assert.Contains(t, offer["sdp"], "a=recvonly")
	mu.Unlock()

	assert.False(t, cam.IsStreaming())
	_, ok := cam.Frame()
	assert.False(t, ok)
}

func TestConnectBadAnswer(t *testing.T) {
	cam := signalingCamera(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"type":"answer","sdp":""}`))
	}, 5*time.Second)

	err := cam.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, transport.IsConnection(err))
	assert.Contains(t, err.Error(), "expected an sdp answer")
}

func TestConnectTimeout(t *testing.T) {
	cam := signalingCamera(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}, 300*time.Millisecond)

	start := time.Now()
	err := cam.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, transport.IsConnection(err))
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.False(t, cam.IsStreaming())

	cam.Disconnect()
	cam.Disconnect()
}

func TestConnectContextCanceled(t *testing.T) {
	cam := signalingCamera(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}, 10*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := cam.Connect(ctx)
	require.Error(t, err)
	assert.True(t, transport.IsConnection(err))
}

func TestReceiverDecodesFromKeyframe(t *testing.T) {
	dec := &fakeDecoder{}
	cfg := DefaultConfig()
	cfg.Decoder = dec
	cfg.DecodeInterval = time.Hour
	cam, err := New(cfg, nil)
	require.NoError(t, err)

	r := cam.newReceiver()
	ctx := context.Background()

	r.push(ctx, accessUnit(1, 200))
	assert.Zero(t, dec.count(), "nothing decodes before a keyframe")

	r.push(ctx, accessUnit(nalSPS, 200))
	require.Equal(t, 1, dec.count())
	assert.Equal(t, byte(0x60|nalSPS), dec.calls[0][4])

	r.push(ctx, accessUnit(1, 200))
	assert.Equal(t, 1, dec.count(), "decode is rate limited")

	f, ok := cam.Frame()
	require.True(t, ok)
	assert.Equal(t, transport.Shape{Height: 4, Width: 6, Channels: 3}, f.Shape)
	shape, ok := cam.FrameShape()
	require.True(t, ok)
	assert.Equal(t, 6, shape.Width)
	assert.EqualValues(t, 1, cam.FramesDecoded())
}

func TestReceiverKeepsFrameOnDecodeError(t *testing.T) {
	dec := &fakeDecoder{}
	cfg := DefaultConfig()
	cfg.Decoder = dec
	cfg.DecodeInterval = time.Nanosecond
	cam, err := New(cfg, nil)
	require.NoError(t, err)

	r := cam.newReceiver()
	r.push(context.Background(), accessUnit(nalIDR, 200))
	_, ok := cam.Frame()
	require.True(t, ok)

	dec.mu.Lock()
	dec.err = errNoPicture
	dec.mu.Unlock()
	time.Sleep(time.Millisecond)
	r.push(context.Background(), accessUnit(1, 200))

	assert.Equal(t, 2, dec.count())
	_, ok = cam.Frame()
	assert.True(t, ok, "previous frame survives a failed decode")
	assert.EqualValues(t, 1, cam.FramesDecoded())
}

func TestNALTypes(t *testing.T) {
	au := []byte{0, 0, 0, 1, 0x67, 0x42, 0, 0, 1, 0x68, 0xCE, 0, 0, 1, 0x65, 0x88}
	assert.Equal(t, []byte{7, 8, 5}, nalTypes(au))
	assert.True(t, isKeyframe(au))
	assert.False(t, isKeyframe([]byte{0, 0, 1, 0x41, 0x9A}))
	assert.Empty(t, nalTypes([]byte{1, 2, 3}))
}

func TestGOP(t *testing.T) {
	var g gop
	g.add(accessUnit(1, 10))
	assert.Nil(t, g.bytes())

	g.add(accessUnit(nalIDR, 10))
	g.add(accessUnit(1, 10))
	assert.Len(t, g.bytes(), 20)

	g.add(accessUnit(nalSPS, 10))
	assert.Len(t, g.bytes(), 10, "a keyframe restarts the buffer")

	g.add(make([]byte, maxGOPBytes))
	assert.Nil(t, g.bytes(), "overflow drops sync until the next keyframe")
}

func TestLastJPEG(t *testing.T) {
	a := []byte{0xFF, 0xD8, 0xFF, 0xE0, 1, 0xFF, 0xD9}
	b := []byte{0xFF, 0xD8, 0xFF, 0xE0, 2, 2, 0xFF, 0xD9}
	truncated := []byte{0xFF, 0xD8, 0xFF, 0xE0, 3}

	stream := append(append(append([]byte{}, a...), b...), truncated...)
	assert.Equal(t, b, lastJPEG(stream))
	assert.Equal(t, a, lastJPEG(a))
	assert.Nil(t, lastJPEG(truncated))
	assert.Nil(t, lastJPEG(nil))
}

func TestFFmpegDecoderRejectsShortStream(t *testing.T) {
	_, err := NewFFmpegDecoder().Decode(context.Background(), []byte{0, 0, 1})
	assert.ErrorIs(t, err, errShortStream)
}
