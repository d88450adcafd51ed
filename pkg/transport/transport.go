// Package transport defines the contracts every Walkie transport implements.
//
// Two small interfaces cover the robot's wire surface:
//
//   - CommandTransport: pub/sub topics, long-running actions and
//     request/response services (rosbridge, overlay).
//   - VideoTransport: latest-frame access to one or more camera channels
//     (WebRTC, overlay, shared memory).
//
// Control modules (navigation, telemetry, arm) and the robot facade depend
// only on these interfaces, never on a concrete implementation.
package transport

import (
	"context"
	"time"
)

// Callback receives one decoded message from a subscription.
type Callback func(msg Message)

// FeedbackFunc receives incremental feedback while an action runs.
type FeedbackFunc func(feedback Message)

// SubscribeOptions tunes delivery for one subscription.
type SubscribeOptions struct {
	// ThrottleInterval is the minimum spacing between callbacks.
	// Zero disables throttling.
	ThrottleInterval time.Duration

	// QueueDepth is how many undelivered messages are kept before the
	// oldest is dropped. Values below 1 are treated as 1.
	QueueDepth int
}

// CommandTransport carries commands and telemetry between the SDK and the robot.
//
// Only one action goal may be outstanding per transport instance. A second
// CallAction issued while a goal is running fails with ErrGoalInProgress.
type CommandTransport interface {
	// Connect blocks until the transport is ready or fails with a
	// *ConnectionError after the configured timeout. Connecting an already
	// connected transport is a no-op.
	Connect(ctx context.Context) error

	// Disconnect releases subscriptions and publishers. Safe to call
	// repeatedly; never blocks indefinitely.
	Disconnect()

	IsConnected() bool

	// Subscribe registers cb for messages on topic. The callback runs on a
	// transport-owned goroutine, in receipt order for that subscription.
	Subscribe(topic, schema string, cb Callback, opts SubscribeOptions) (Handle, error)

	// Unsubscribe is best-effort and idempotent.
	Unsubscribe(h Handle)

	// Publish is fire-and-forget. Publishes from one transport are FIFO.
	Publish(topic, schema string, msg Message) error

	// CallAction sends a goal and blocks until a terminal status, ctx is
	// done, or timeout elapses (timeout <= 0 waits without a deadline). On
	// timeout the remote goal is canceled before a *TimeoutError is returned.
	CallAction(ctx context.Context, name, schema string, goal Message, feedback FeedbackFunc, timeout time.Duration) (ActionResult, error)

	// CancelAction cancels the outstanding goal, if any.
	CancelAction() error

	// CallService performs one request/response exchange.
	CallService(ctx context.Context, name, schema string, req Message, timeout time.Duration) (Message, error)
}

// VideoTransport exposes the most recent frame of a camera stream.
type VideoTransport interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsStreaming() bool

	// Frame returns a copy of the latest cached frame. It never waits.
	Frame() (*Frame, bool)

	// FrameShape reports the dimensions of the latest frame.
	FrameShape() (Shape, bool)
}

// MultiChannel is implemented by video transports that serve several
// named camera channels (head, left, right).
type MultiChannel interface {
	ChannelNames() []string
	ChannelFrame(name string) (*Frame, bool)
}
