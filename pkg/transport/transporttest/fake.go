// Package transporttest provides in-memory transports for tests. They
// record every call and let the test decide how actions and services
// resolve.
package transporttest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/teslashibe/walkie-go/pkg/transport"
)

// ActionFunc resolves a CallAction.
type ActionFunc func(ctx context.Context, call ActionCall, feedback transport.FeedbackFunc) (transport.ActionResult, error)

// ServiceFunc resolves a CallService.
type ServiceFunc func(ctx context.Context, name string, req transport.Message) (transport.Message, error)

// ActionCall records one CallAction.
type ActionCall struct {
	Name    string
	Schema  string
	Goal    transport.Message
	Timeout time.Duration
}

// Publication records one Publish.
type Publication struct {
	Topic  string
	Schema string
	Msg    transport.Message
}

type subscription struct {
	topic  string
	schema string
	cb     transport.Callback
	opts   transport.SubscribeOptions
}

// Command is a fake transport.CommandTransport. The zero value is not
// usable; call NewCommand.
type Command struct {
	mu sync.Mutex

	// ConnectErr, when set, is returned by Connect.
	ConnectErr error

	// Dial, when set, runs at the start of Connect without the lock held.
	// A non-nil error is returned from Connect.
	Dial func(ctx context.Context) error

	// SubscribeErr, when set, is returned by Subscribe.
	SubscribeErr error

	// Action resolves actions. Nil means every goal succeeds at once.
	Action ActionFunc

	// Service resolves services. Nil echoes the request.
	Service ServiceFunc

	connected bool
	inFlight  bool
	subs      map[transport.Handle]*subscription
	published []Publication
	actions   []ActionCall
	cancels   int
	calls     []string
}

var _ transport.CommandTransport = (*Command)(nil)

// NewCommand returns a disconnected fake.
func NewCommand() *Command {
	return &Command{subs: make(map[transport.Handle]*subscription)}
}

// Connected returns a fake that is already connected.
func Connected() *Command {
	c := NewCommand()
	c.connected = true
	return c
}

func (c *Command) record(call string) {
	c.calls = append(c.calls, call)
}

func (c *Command) Connect(ctx context.Context) error {
	if c.Dial != nil {
		if err := c.Dial(ctx); err != nil {
			c.mu.Lock()
			c.record("connect")
			c.mu.Unlock()
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("connect")
	if c.ConnectErr != nil {
		return c.ConnectErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.connected = true
	return nil
}

func (c *Command) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("disconnect")
	c.connected = false
	c.subs = make(map[transport.Handle]*subscription)
}

func (c *Command) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SetConnected flips the connection state without recording a call.
func (c *Command) SetConnected(up bool) {
	c.mu.Lock()
	c.connected = up
	c.mu.Unlock()
}

func (c *Command) Subscribe(topic, schema string, cb transport.Callback, opts transport.SubscribeOptions) (transport.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("subscribe " + topic)
	if c.SubscribeErr != nil {
		return "", c.SubscribeErr
	}
	if !c.connected {
		return "", transport.ErrNotConnected
	}
	h := transport.NewHandle()
	c.subs[h] = &subscription{topic: topic, schema: schema, cb: cb, opts: opts}
	return h, nil
}

func (c *Command) Unsubscribe(h transport.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[h]; ok {
		c.record("unsubscribe")
		delete(c.subs, h)
	}
}

func (c *Command) Publish(topic, schema string, msg transport.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("publish " + topic)
	if !c.connected {
		return transport.ErrNotConnected
	}
	c.published = append(c.published, Publication{Topic: topic, Schema: schema, Msg: msg.Clone()})
	return nil
}

func (c *Command) CallAction(ctx context.Context, name, schema string, goal transport.Message, feedback transport.FeedbackFunc, timeout time.Duration) (transport.ActionResult, error) {
	c.mu.Lock()
	c.record("action " + name)
	if !c.connected {
		c.mu.Unlock()
		return transport.ActionResult{}, transport.ErrNotConnected
	}
	if c.inFlight {
		c.mu.Unlock()
		return transport.ActionResult{}, transport.ErrGoalInProgress
	}
	c.inFlight = true
	call := ActionCall{Name: name, Schema: schema, Goal: goal.Clone(), Timeout: timeout}
	c.actions = append(c.actions, call)
	resolve := c.Action
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight = false
		c.mu.Unlock()
	}()
	if resolve == nil {
		return transport.ActionResult{Status: transport.StatusSucceeded, Result: transport.Message{}}, nil
	}
	return resolve(ctx, call, feedback)
}

func (c *Command) CancelAction() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("cancel")
	if !c.connected {
		return transport.ErrNotConnected
	}
	c.cancels++
	return nil
}

func (c *Command) CallService(ctx context.Context, name, schema string, req transport.Message, timeout time.Duration) (transport.Message, error) {
	c.mu.Lock()
	c.record("service " + name)
	connected, resolve := c.connected, c.Service
	c.mu.Unlock()
	if !connected {
		return nil, transport.ErrNotConnected
	}
	if resolve == nil {
		return req.Clone(), nil
	}
	return resolve(ctx, name, req)
}

// Emit delivers msg to every subscriber of topic on the calling
// goroutine and returns how many received it.
func (c *Command) Emit(topic string, msg transport.Message) int {
	c.mu.Lock()
	var cbs []transport.Callback
	for _, s := range c.subs {
		if s.topic == topic {
			cbs = append(cbs, s.cb)
		}
	}
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(msg.Clone())
	}
	return len(cbs)
}

// Subscribed reports whether anything is subscribed to topic, and with
// which options.
func (c *Command) Subscribed(topic string) (transport.SubscribeOptions, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.subs {
		if s.topic == topic {
			return s.opts, true
		}
	}
	return transport.SubscribeOptions{}, false
}

// Published returns every publication so far.
func (c *Command) Published() []Publication {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Publication(nil), c.published...)
}

// Actions returns every action call so far.
func (c *Command) Actions() []ActionCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ActionCall(nil), c.actions...)
}

// Cancels returns how many CancelAction calls succeeded.
func (c *Command) Cancels() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancels
}

// Calls returns the ordered call log, e.g. "action /navigate_to_pose".
func (c *Command) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// Video is a fake multi-channel video transport.
type Video struct {
	// ConnectErr, when set, is returned by Connect.
	ConnectErr error

	// Dial, when set, runs at the start of Connect without the lock held.
	// A non-nil error is returned from Connect.
	Dial func(ctx context.Context) error

	mu        sync.Mutex
	streaming bool
	order     []string
	frames    map[string]*transport.Frame
}

var (
	_ transport.VideoTransport = (*Video)(nil)
	_ transport.MultiChannel   = (*Video)(nil)
)

// NewVideo returns a fake serving the given channels. The first channel
// backs Frame.
func NewVideo(channels ...string) *Video {
	if len(channels) == 0 {
		channels = []string{"head"}
	}
	return &Video{order: channels, frames: make(map[string]*transport.Frame)}
}

// SetFrame stores f for channel.
func (v *Video) SetFrame(channel string, f *transport.Frame) {
	v.mu.Lock()
	v.frames[channel] = f.Clone()
	v.mu.Unlock()
}

func (v *Video) Connect(ctx context.Context) error {
	if v.ConnectErr != nil {
		return v.ConnectErr
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.streaming = true
	return ctx.Err()
}

func (v *Video) Disconnect() {
	v.mu.Lock()
	v.streaming = false
	v.mu.Unlock()
}

func (v *Video) IsStreaming() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.streaming
}

func (v *Video) Frame() (*transport.Frame, bool) {
	return v.ChannelFrame(v.order[0])
}

func (v *Video) FrameShape() (transport.Shape, bool) {
	f, ok := v.Frame()
	if !ok {
		return transport.Shape{}, false
	}
	return f.Shape, true
}

func (v *Video) ChannelNames() []string { return append([]string(nil), v.order...) }

func (v *Video) ChannelFrame(name string) (*transport.Frame, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	f, ok := v.frames[name]
	if !ok || !v.streaming {
		return nil, false
	}
	return f.Clone(), true
}

// SolidFrame returns an h×w BGR frame filled with one value.
func SolidFrame(h, w int, fill byte) *transport.Frame {
	data := make([]byte, h*w*3)
	for i := range data {
		data[i] = fill
	}
	return &transport.Frame{Data: data, Shape: transport.Shape{Height: h, Width: w, Channels: 3}}
}

// Resolve returns an ActionFunc that completes every goal with status.
func Resolve(status transport.Status, result transport.Message) ActionFunc {
	return func(context.Context, ActionCall, transport.FeedbackFunc) (transport.ActionResult, error) {
		return transport.ActionResult{Status: status, Result: result}, nil
	}
}

// Block returns an ActionFunc that waits for release or ctx, then
// completes with status.
func Block(release <-chan struct{}, status transport.Status) ActionFunc {
	return func(ctx context.Context, call ActionCall, _ transport.FeedbackFunc) (transport.ActionResult, error) {
		select {
		case <-release:
			return transport.ActionResult{Status: status}, nil
		case <-ctx.Done():
			return transport.ActionResult{}, ctx.Err()
		}
	}
}

// TimeOut returns an ActionFunc that fails every goal with a
// *transport.TimeoutError.
func TimeOut() ActionFunc {
	return func(_ context.Context, call ActionCall, _ transport.FeedbackFunc) (transport.ActionResult, error) {
		return transport.ActionResult{}, &transport.TimeoutError{
			Op:      "action",
			Name:    call.Name,
			Timeout: call.Timeout,
			Err:     fmt.Errorf("no result"),
		}
	}
}
