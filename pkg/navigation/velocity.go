package navigation

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/walkie-go/pkg/schema"
	"github.com/teslashibe/walkie-go/pkg/transport"
)

// VelocityConfig tunes the velocity stream.
type VelocityConfig struct {
	// Rate is the publish period.
	Rate time.Duration `yaml:"rate" json:"rate"`

	// MaxLinear (m/s) and MaxAngular (rad/s) clamp every command.
	MaxLinear  float64 `yaml:"max_linear" json:"max_linear"`
	MaxAngular float64 `yaml:"max_angular" json:"max_angular"`

	// Changes smaller than the dead zones are not re-sent until
	// Keepalive elapses. A zero command already sent is never repeated.
	DeadZoneLinear  float64       `yaml:"dead_zone_linear" json:"dead_zone_linear"`
	DeadZoneAngular float64       `yaml:"dead_zone_angular" json:"dead_zone_angular"`
	Keepalive       time.Duration `yaml:"keepalive" json:"keepalive"`
}

// DefaultVelocityConfig returns the defaults for the omni base.
func DefaultVelocityConfig() VelocityConfig {
	return VelocityConfig{
		Rate:            50 * time.Millisecond,
		MaxLinear:       0.5,
		MaxAngular:      1.0,
		DeadZoneLinear:  0.01,
		DeadZoneAngular: 0.02,
		Keepalive:       500 * time.Millisecond,
	}
}

// Velocity is a planar base command: X forward, Y left, Yaw rate CCW.
type Velocity struct {
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
	Yaw float64 `json:"yaw"`
}

// IsZero reports whether v commands no motion.
func (v Velocity) IsZero() bool { return v == Velocity{} }

func (v Velocity) twist() schema.TwistMsg {
	var t schema.TwistMsg
	t.Linear.X, t.Linear.Y, t.Angular.Z = v.X, v.Y, v.Yaw
	return t
}

func clamp(v, limit float64) float64 {
	if limit <= 0 {
		return v
	}
	return math.Max(-limit, math.Min(limit, v))
}

// VelocityStats counts ticks.
type VelocityStats struct {
	Ticks   uint64
	Sent    uint64
	Skipped uint64
	Errors  uint64
}

// VelocityController publishes the target velocity at a fixed rate so
// every caller shares one stream instead of racing on the topic.
type VelocityController struct {
	t      transport.CommandTransport
	topic  string
	cfg    VelocityConfig
	logger *slog.Logger

	mu     sync.Mutex
	target Velocity

	// Owned by the loop goroutine.
	lastSent  Velocity
	sentOnce  bool
	lastAt    time.Time
	lastErrAt time.Time

	ticks, sent, skipped, errs atomic.Uint64

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewVelocityController creates an idle controller publishing on topic.
func NewVelocityController(t transport.CommandTransport, topic string, cfg VelocityConfig, logger *slog.Logger) *VelocityController {
	d := DefaultVelocityConfig()
	if cfg.Rate <= 0 {
		cfg.Rate = d.Rate
	}
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = d.Keepalive
	}
	return &VelocityController{t: t, topic: topic, cfg: cfg, logger: logger}
}

// Set replaces the target velocity, clamped to the configured limits.
func (c *VelocityController) Set(v Velocity) {
	v = Velocity{
		X:   clamp(v.X, c.cfg.MaxLinear),
		Y:   clamp(v.Y, c.cfg.MaxLinear),
		Yaw: clamp(v.Yaw, c.cfg.MaxAngular),
	}
	c.mu.Lock()
	c.target = v
	c.mu.Unlock()
}

// Halt sets a zero target.
func (c *VelocityController) Halt() { c.Set(Velocity{}) }

// Target returns the current target.
func (c *VelocityController) Target() Velocity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

// Start runs the publish loop until ctx is done or Stop is called.
// Starting a running controller is a no-op.
func (c *VelocityController) Start(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run(ctx, c.done)
}

// Running reports whether the loop is active.
func (c *VelocityController) Running() bool {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.cancel != nil
}

// Stop halts the loop after publishing a final zero command.
func (c *VelocityController) Stop() {
	c.runMu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.Halt()
	if c.t.IsConnected() {
		if err := c.t.Publish(c.topic, schema.Twist, schema.TwistMsg{}.Map()); err != nil {
			c.logger.Warn("final zero velocity not sent", "error", err)
		}
	}
}

func (c *VelocityController) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.cfg.Rate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.tick(now)
		}
	}
}

// tick publishes the target unless it is within the dead zone of the
// last command sent and the keepalive has not elapsed.
func (c *VelocityController) tick(now time.Time) {
	v := c.Target()
	ticks := c.ticks.Add(1)

	if c.sentOnce && c.withinDeadZone(v) {
		if v.IsZero() && c.lastSent.IsZero() || now.Sub(c.lastAt) < c.cfg.Keepalive {
			c.skipped.Add(1)
			return
		}
	}
	if !c.t.IsConnected() {
		c.skipped.Add(1)
		return
	}

	if err := c.t.Publish(c.topic, schema.Twist, v.twist().Map()); err != nil {
		n := c.errs.Add(1)
		if c.lastErrAt.IsZero() || now.Sub(c.lastErrAt) > 5*time.Second {
			c.logger.Warn("velocity publish failed", "error", err, "errors", n)
			c.lastErrAt = now
		}
		return
	}
	c.lastSent, c.sentOnce, c.lastAt = v, true, now
	c.sent.Add(1)

	if ticks%100 == 0 {
		c.logger.Debug("velocity stream", "ticks", ticks, "stats", c.Stats())
	}
}

func (c *VelocityController) withinDeadZone(v Velocity) bool {
	l := math.Max(math.Abs(v.X-c.lastSent.X), math.Abs(v.Y-c.lastSent.Y))
	return l < c.cfg.DeadZoneLinear && math.Abs(v.Yaw-c.lastSent.Yaw) < c.cfg.DeadZoneAngular
}

// Stats returns tick counters.
func (c *VelocityController) Stats() VelocityStats {
	return VelocityStats{
		Ticks:   c.ticks.Load(),
		Sent:    c.sent.Load(),
		Skipped: c.skipped.Load(),
		Errors:  c.errs.Load(),
	}
}
