// Package telemetry caches the robot's pose and velocity from odometry.
package telemetry

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/teslashibe/walkie-go/internal/log"
	"github.com/teslashibe/walkie-go/pkg/geom"
	"github.com/teslashibe/walkie-go/pkg/schema"
	"github.com/teslashibe/walkie-go/pkg/transport"
)

// OdomTopic is the odometry topic before namespacing.
const OdomTopic = "omni_wheel_drive_controller/odom"

// Throttle caps odometry delivery at 10 Hz.
const Throttle = 100 * time.Millisecond

// Pose is the planar robot pose in the odometry frame.
type Pose struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Heading float64 `json:"heading"`
}

// Moved reports whether p is more than dist meters or angle radians away
// from o. Heading differences wrap at ±π.
func (p Pose) Moved(o Pose, dist, angle float64) bool {
	return math.Hypot(p.X-o.X, p.Y-o.Y) > dist || math.Abs(geom.AngleDiff(p.Heading, o.Heading)) > angle
}

// Velocity is the base velocity: Linear and LinearY in m/s, Angular in rad/s.
type Velocity struct {
	Linear  float64 `json:"linear"`
	LinearY float64 `json:"linear_y"`
	Angular float64 `json:"angular"`
}

// Telemetry subscribes to odometry and caches the latest values.
type Telemetry struct {
	t         transport.CommandTransport
	namespace string
	logger    *slog.Logger

	subMu  sync.Mutex
	handle transport.Handle

	mu       sync.RWMutex
	pose     *Pose
	velocity *Velocity
	raw      transport.Message
	updated  time.Time
}

// New creates a telemetry module on t. Call Start once t is connected.
func New(t transport.CommandTransport, namespace string, logger *slog.Logger) *Telemetry {
	return &Telemetry{
		t:         t,
		namespace: namespace,
		logger:    log.Component("telemetry", logger),
	}
}

// OdomTopic returns the namespaced odometry topic.
func (m *Telemetry) OdomTopic() string {
	return transport.ApplyNamespace(OdomTopic, m.namespace)
}

// Start subscribes to odometry. It is a no-op when already started.
func (m *Telemetry) Start() error {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if m.handle != "" {
		return nil
	}
	if !m.t.IsConnected() {
		return transport.ErrNotConnected
	}
	h, err := m.t.Subscribe(m.OdomTopic(), schema.Odometry, m.onOdom, transport.SubscribeOptions{
		ThrottleInterval: Throttle,
		QueueDepth:       1,
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", m.OdomTopic(), err)
	}
	m.handle = h
	m.logger.Debug("subscribed", "topic", m.OdomTopic())
	return nil
}

// Stop unsubscribes. Cached values are kept. Safe to call repeatedly.
func (m *Telemetry) Stop() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if m.handle == "" {
		return
	}
	m.t.Unsubscribe(m.handle)
	m.handle = ""
}

// Running reports whether the odometry subscription is live.
func (m *Telemetry) Running() bool {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	return m.handle != ""
}

func (m *Telemetry) onOdom(msg transport.Message) {
	odom, err := schema.DecodeOdometry(msg)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.raw = msg
	m.updated = time.Now()
	if err != nil {
		m.logger.Debug("odometry dropped", "error", err)
		return
	}
	p := odom.Pose.Pose
	m.pose = &Pose{X: p.Position.X, Y: p.Position.Y, Heading: p.Orientation.Yaw()}
	tw := odom.Twist.Twist
	m.velocity = &Velocity{Linear: tw.Linear.X, LinearY: tw.Linear.Y, Angular: tw.Angular.Z}
}

// Pose returns the latest pose, or false before the first odometry.
func (m *Telemetry) Pose() (Pose, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.pose == nil {
		return Pose{}, false
	}
	return *m.pose, true
}

// Velocity returns the latest velocity, or false before the first odometry.
func (m *Telemetry) Velocity() (Velocity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.velocity == nil {
		return Velocity{}, false
	}
	return *m.velocity, true
}

// RawOdometry returns a copy of the latest odometry message.
func (m *Telemetry) RawOdometry() (transport.Message, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.raw == nil {
		return nil, false
	}
	return m.raw.Clone(), true
}

// HasData reports whether a pose has been received.
func (m *Telemetry) HasData() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pose != nil
}

// Updated returns when odometry last arrived.
func (m *Telemetry) Updated() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.updated
}
