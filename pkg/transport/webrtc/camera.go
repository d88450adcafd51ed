package webrtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media/samplebuilder"

	"github.com/teslashibe/walkie-go/internal/httpc"
	"github.com/teslashibe/walkie-go/internal/log"
	"github.com/teslashibe/walkie-go/pkg/transport"
)

const (
	name = "webrtc"

	// stopWait bounds how long Disconnect waits for the background loop.
	stopWait = 2 * time.Second

	// maxLate is the sample builder's reorder window in packets.
	maxLate = 256
)

var errConnectTimeout = errors.New("peer connection not established; is the signaling server running?")

// Camera is a VideoTransport fed by a WebRTC video track.
type Camera struct {
	cfg     Config
	logger  *slog.Logger
	decoder Decoder

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	streaming atomic.Bool
	slot      transport.FrameSlot
	decoded   atomic.Int64
}

var _ transport.VideoTransport = (*Camera)(nil)

// New creates a peer-video camera. Call Connect to start streaming.
func New(cfg Config, logger *slog.Logger) (*Camera, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, &transport.ConfigurationError{Field: "webrtc config", Reason: err.Error()}
	}
	dec := cfg.Decoder
	if dec == nil {
		dec = NewFFmpegDecoder()
	}
	return &Camera{
		cfg:     cfg,
		logger:  log.Component(name, logger),
		decoder: dec,
	}, nil
}

// Host returns the configured robot address.
func (c *Camera) Host() string { return c.cfg.Host }

// Port returns the configured signaling port.
func (c *Camera) Port() int { return c.cfg.Port }

// Connect starts the background peer connection and blocks until it is
// connected, fails, or Config.ConnectTimeout elapses. On failure the
// background loop is stopped before returning.
func (c *Camera) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.streaming.Load() {
		return nil
	}
	if c.done != nil {
		c.stopLocked()
	}

	c.logger.Info("connecting to webrtc camera", "url", c.cfg.OfferURL())

	runCtx, cancel := context.WithCancel(context.Background())
	up := make(chan struct{})
	failed := make(chan error, 1)
	c.cancel, c.done = cancel, make(chan struct{})
	go c.run(runCtx, up, failed, c.done)

	timer := time.NewTimer(c.cfg.ConnectTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-up:
		c.cfg.Metrics.ConnectAttempt(name, nil)
		c.logger.Info("webrtc camera connected")
		return nil
	case err = <-failed:
	case <-timer.C:
		c.stopLocked()
		c.cfg.Metrics.ConnectAttempt(name, errConnectTimeout)
		return &transport.ConnectionError{
			Transport: name,
			Host:      c.cfg.Host,
			Port:      c.cfg.Port,
			Timeout:   c.cfg.ConnectTimeout,
			Err:       errConnectTimeout,
		}
	case <-ctx.Done():
		err = ctx.Err()
	}

	c.stopLocked()
	c.cfg.Metrics.ConnectAttempt(name, err)
	return &transport.ConnectionError{Transport: name, Host: c.cfg.Host, Port: c.cfg.Port, Err: err}
}

// Disconnect stops the background loop and closes the peer connection.
// Safe to call repeatedly.
func (c *Camera) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		return
	}
	c.stopLocked()
	c.logger.Info("webrtc camera disconnected")
}

// stopLocked cancels the loop and waits for it. c.mu is held.
func (c *Camera) stopLocked() {
	c.cancel()
	select {
	case <-c.done:
	case <-time.After(stopWait):
		c.logger.Warn("webrtc loop did not stop in time")
	}
	c.cancel, c.done = nil, nil
	c.streaming.Store(false)
	c.slot.Reset()
	c.cfg.Metrics.SetConnected(name, false)
}

// IsStreaming reports whether the peer connection is connected.
func (c *Camera) IsStreaming() bool { return c.streaming.Load() }

// Frame returns a copy of the latest decoded frame.
func (c *Camera) Frame() (*transport.Frame, bool) { return c.slot.Load() }

// FrameShape reports the shape of the latest decoded frame.
func (c *Camera) FrameShape() (transport.Shape, bool) { return c.slot.Shape() }

// FramesDecoded returns how many pictures have been decoded.
func (c *Camera) FramesDecoded() int64 { return c.decoded.Load() }

func (c *Camera) String() string {
	status := "stopped"
	if c.IsStreaming() {
		status = "streaming"
	}
	return fmt.Sprintf("webrtc(%s:%d, %s)", c.cfg.Host, c.cfg.Port, status)
}

// run owns the peer connection for one Connect attempt.
func (c *Camera) run(ctx context.Context, up chan struct{}, failed chan<- error, done chan struct{}) {
	defer close(done)

	fail := func(err error) {
		select {
		case failed <- err:
		default:
		}
	}

	pc, err := c.newPeerConnection(ctx, up, fail)
	if err != nil {
		fail(err)
		return
	}
	defer pc.Close()

	if err := c.negotiate(ctx, pc); err != nil {
		fail(err)
		return
	}
	<-ctx.Done()
}

func (c *Camera) newPeerConnection(ctx context.Context, up chan struct{}, fail func(error)) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{}
	if c.cfg.STUNServer != "" {
		config.ICEServers = []webrtc.ICEServer{{URLs: []string{c.cfg.STUNServer}}}
	}

	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("add video transceiver: %w", err)
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.logger.Info("track received", "kind", track.Kind().String(), "codec", track.Codec().MimeType)
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go c.receive(ctx, track)
		}
	})

	var once sync.Once
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.logger.Debug("peer connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			c.streaming.Store(true)
			c.cfg.Metrics.SetConnected(name, true)
			once.Do(func() { close(up) })
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed,
			webrtc.PeerConnectionStateDisconnected:
			c.streaming.Store(false)
			c.cfg.Metrics.SetConnected(name, false)
			fail(fmt.Errorf("peer connection %s", state))
		}
	})

	return pc, nil
}

// negotiate posts a non-trickle offer and applies the answer.
func (c *Camera) negotiate(ctx context.Context, pc *webrtc.PeerConnection) error {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return ctx.Err()
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	var answer webrtc.SessionDescription
	if err := httpc.PostJSON(reqCtx, c.cfg.HTTP, c.cfg.OfferURL(), pc.LocalDescription(), &answer); err != nil {
		return fmt.Errorf("signaling: %w", err)
	}
	if answer.Type != webrtc.SDPTypeAnswer || answer.SDP == "" {
		return fmt.Errorf("signaling: expected an sdp answer, got type %q", answer.Type.String())
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

// receive depacketises the track into access units until it ends.
func (c *Camera) receive(ctx context.Context, track *webrtc.TrackRemote) {
	if !strings.EqualFold(track.Codec().MimeType, webrtc.MimeTypeH264) {
		c.logger.Warn("unsupported video codec", "codec", track.Codec().MimeType)
		return
	}
	sb := samplebuilder.New(maxLate, &codecs.H264Packet{}, track.Codec().ClockRate)
	r := c.newReceiver()
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Debug("video track ended", "error", err)
			}
			return
		}
		sb.Push(pkt)
		for s := sb.Pop(); s != nil; s = sb.Pop() {
			r.push(ctx, s.Data)
		}
	}
}

// receiver rate-limits decoding of one track.
type receiver struct {
	c    *Camera
	gop  gop
	last time.Time
}

func (c *Camera) newReceiver() *receiver {
	return &receiver{c: c}
}

func (r *receiver) push(ctx context.Context, au []byte) {
	r.gop.add(au)
	stream := r.gop.bytes()
	if len(stream) < minDecodeBytes || time.Since(r.last) < r.c.cfg.DecodeInterval {
		return
	}
	r.last = time.Now()

	f, err := r.c.decoder.Decode(ctx, stream)
	if err != nil {
		r.c.logger.Debug("decode failed", "error", err)
		r.c.cfg.Metrics.DecodeError(name, "video")
		return
	}
	r.c.slot.Store(f)
	r.c.decoded.Add(1)
	r.c.cfg.Metrics.FrameDecoded(name, "video")
}
