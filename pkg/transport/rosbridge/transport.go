package rosbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/teslashibe/walkie-go/internal/log"
	"github.com/teslashibe/walkie-go/pkg/transport"
)

const (
	name = "rosbridge"

	// disconnectWait bounds how long Disconnect waits for the reader.
	disconnectWait = 2 * time.Second
)

// Transport is a rosbridge v2 client.
type Transport struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.RWMutex
	conn       *websocket.Conn
	readerDone chan struct{}
	remote     map[string]string // topic -> remote subscription id

	// writeMu serialises frames on the socket; publishes are FIFO.
	// advertised is guarded by writeMu.
	writeMu    sync.Mutex
	advertised map[string]bool

	subs *transport.Subscriptions

	pendingMu sync.Mutex
	pending   map[string]chan serviceReply

	goalMu sync.Mutex
	goal   *goal

	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
}

type serviceReply struct {
	values transport.Message
	err    error
}

type outcome struct {
	result transport.ActionResult
	err    error
}

// goal is one in-flight action invocation.
type goal struct {
	id       string
	action   string
	done     chan outcome
	feedback transport.FeedbackFunc
	once     sync.Once
}

func (g *goal) resolve(o outcome) {
	g.once.Do(func() {
		g.done <- o
	})
}

var _ transport.CommandTransport = (*Transport)(nil)

// New creates a rosbridge transport. Call Connect to open the socket.
func New(cfg Config, logger *slog.Logger) (*Transport, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, &transport.ConfigurationError{Field: "rosbridge config", Reason: err.Error()}
	}
	return &Transport{
		cfg:        cfg,
		logger:     log.Component(name, logger),
		remote:     make(map[string]string),
		advertised: make(map[string]bool),
		subs:       transport.NewSubscriptions(),
		pending:    make(map[string]chan serviceReply),
	}, nil
}

// Host returns the configured robot address.
func (t *Transport) Host() string { return t.cfg.Host }

// Port returns the configured rosbridge port.
func (t *Transport) Port() int { return t.cfg.Port }

// Connect dials the rosbridge server.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return nil
	}

	t.logger.Info("connecting to rosbridge", "url", t.cfg.URL())

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.ConnectTimeout}
	conn, _, err := dialer.DialContext(dialCtx, t.cfg.URL(), nil)
	t.cfg.Metrics.ConnectAttempt(name, err)
	if err != nil {
		return &transport.ConnectionError{
			Transport: name,
			Host:      t.cfg.Host,
			Port:      t.cfg.Port,
			Timeout:   t.cfg.ConnectTimeout,
			Err:       err,
		}
	}

	t.conn = conn
	t.readerDone = make(chan struct{})
	go t.readLoop(conn, t.readerDone)

	t.logger.Info("connected to rosbridge", "url", t.cfg.URL())
	return nil
}

// Disconnect closes the socket and releases every subscription. Safe to
// call repeatedly.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	conn, done := t.conn, t.readerDone
	if conn == nil {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.remote = make(map[string]string)
	t.mu.Unlock()

	t.writeMu.Lock()
	t.advertised = make(map[string]bool)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()
	conn.Close()

	select {
	case <-done:
	case <-time.After(disconnectWait):
		t.logger.Warn("rosbridge reader did not stop in time")
	}

	t.release(transport.ErrClosed)
	t.cfg.Metrics.SetConnected(name, false)
	t.logger.Info("rosbridge disconnected")
}

// IsConnected reports whether the socket is open.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn != nil
}

// release tears down subscriptions and fails in-flight calls.
func (t *Transport) release(reason error) {
	t.subs.CloseAll()

	t.pendingMu.Lock()
	for id, ch := range t.pending {
		ch <- serviceReply{err: reason}
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()

	t.goalMu.Lock()
	g := t.goal
	t.goal = nil
	t.goalMu.Unlock()
	if g != nil {
		g.resolve(outcome{err: t.connErr(reason)})
	}
}

func (t *Transport) connErr(err error) error {
	return &transport.ConnectionError{Transport: name, Host: t.cfg.Host, Port: t.cfg.Port, Err: err}
}

// send writes one op. It fails with a *ConnectionError when not connected.
func (t *Transport) send(op outbound) error {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return t.connErr(transport.ErrNotConnected)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.writeLocked(conn, op)
}

func (t *Transport) writeLocked(conn *websocket.Conn, op outbound) error {
	conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	if err := conn.WriteJSON(op); err != nil {
		return t.connErr(fmt.Errorf("write %s: %w", op.Op, err))
	}
	t.messagesSent.Add(1)
	return nil
}

// Subscribe registers cb for topic. The remote subscription is shared by
// all local subscribers of the same topic.
func (t *Transport) Subscribe(topic, schemaName string, cb transport.Callback, opts transport.SubscribeOptions) (transport.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return "", t.connErr(transport.ErrNotConnected)
	}

	if schemaName != "" && !t.cfg.Schemas.Known(schemaName) {
		t.logger.Debug("no schema registered, messages pass unchecked", "topic", topic, "type", schemaName)
	}
	sub := transport.NewSubscription(topic, schemaName, cb, opts, t.logger)

	if _, ok := t.remote[topic]; !ok {
		id := fmt.Sprintf("%s:%s:%s", opSubscribe, topic, uuid.NewString())
		queue := opts.QueueDepth
		if queue < 1 {
			queue = 1
		}
		t.writeMu.Lock()
		err := t.writeLocked(t.conn, outbound{
			Op:           opSubscribe,
			ID:           id,
			Topic:        topic,
			Type:         schemaName,
			ThrottleRate: opts.ThrottleInterval.Milliseconds(),
			QueueLength:  queue,
		})
		t.writeMu.Unlock()
		if err != nil {
			sub.Close()
			return "", err
		}
		t.remote[topic] = id
	}

	t.subs.Add(sub)
	t.logger.Debug("subscribed", "topic", topic, "type", schemaName, "handle", sub.Handle)
	return sub.Handle, nil
}

// Unsubscribe removes one local subscriber; the remote subscription is
// dropped with the last one. Unknown handles are ignored.
func (t *Transport) Unsubscribe(h transport.Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sub := t.subs.Remove(h)
	if sub == nil || t.subs.CountTopic(sub.Topic) > 0 {
		return
	}
	id, ok := t.remote[sub.Topic]
	if !ok {
		return
	}
	delete(t.remote, sub.Topic)
	if t.conn == nil {
		return
	}
	t.writeMu.Lock()
	err := t.writeLocked(t.conn, outbound{Op: opUnsubscribe, ID: id, Topic: sub.Topic})
	t.writeMu.Unlock()
	if err != nil {
		t.logger.Debug("unsubscribe failed", "topic", sub.Topic, "error", err)
	}
}

// Publish advertises topic on first use, then sends msg.
func (t *Transport) Publish(topic, schemaName string, msg transport.Message) error {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return t.connErr(transport.ErrNotConnected)
	}
	if msg == nil {
		msg = transport.Message{}
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if !t.advertised[topic] {
		err := t.writeLocked(conn, outbound{
			Op:    opAdvertise,
			ID:    fmt.Sprintf("%s:%s:%s", opAdvertise, topic, uuid.NewString()),
			Topic: topic,
			Type:  schemaName,
		})
		if err != nil {
			return err
		}
		t.advertised[topic] = true
	}
	if err := t.writeLocked(conn, outbound{Op: opPublish, Topic: topic, Msg: msg}); err != nil {
		return err
	}
	t.cfg.Metrics.Published(name, topic)
	return nil
}

// CallAction sends a goal and waits for its result.
func (t *Transport) CallAction(ctx context.Context, action, actionType string, goalMsg transport.Message, feedback transport.FeedbackFunc, timeout time.Duration) (transport.ActionResult, error) {
	if !t.IsConnected() {
		return transport.ActionResult{}, t.connErr(transport.ErrNotConnected)
	}
	if err := t.cfg.Schemas.Validate(actionType, goalMsg); err != nil {
		return transport.ActionResult{}, fmt.Errorf("invalid goal for %s: %w", action, err)
	}

	g := &goal{
		id:       fmt.Sprintf("%s:%s:%s", opSendActionGoal, action, uuid.NewString()),
		action:   action,
		done:     make(chan outcome, 1),
		feedback: feedback,
	}

	t.goalMu.Lock()
	if t.goal != nil {
		t.goalMu.Unlock()
		return transport.ActionResult{}, transport.ErrGoalInProgress
	}
	t.goal = g
	t.goalMu.Unlock()
	defer t.clearGoal(g)

	if goalMsg == nil {
		goalMsg = transport.Message{}
	}
	start := time.Now()
	err := t.send(outbound{
		Op:         opSendActionGoal,
		ID:         g.id,
		Action:     action,
		ActionType: actionType,
		Args:       goalMsg,
		Feedback:   feedback != nil,
	})
	if err != nil {
		return transport.ActionResult{}, err
	}
	t.logger.Debug("action goal sent", "action", action, "id", g.id)

	var timer <-chan time.Time
	if timeout > 0 {
		tm := time.NewTimer(timeout)
		defer tm.Stop()
		timer = tm.C
	}

	select {
	case o := <-g.done:
		if o.err == nil {
			t.cfg.Metrics.ActionDone(name, action, string(o.result.Status), time.Since(start))
		}
		return o.result, o.err
	case <-timer:
		cancelErr := t.cancelGoal(g)
		t.cfg.Metrics.ActionDone(name, action, "TIMEOUT", time.Since(start))
		return transport.ActionResult{}, &transport.TimeoutError{
			Op:         "action",
			Name:       action,
			Timeout:    timeout,
			CancelSent: cancelErr == nil,
		}
	case <-ctx.Done():
		if err := t.cancelGoal(g); err != nil {
			t.logger.Debug("cancel after context done failed", "action", action, "error", err)
		}
		return transport.ActionResult{}, ctx.Err()
	}
}

func (t *Transport) clearGoal(g *goal) {
	t.goalMu.Lock()
	if t.goal == g {
		t.goal = nil
	}
	t.goalMu.Unlock()
}

func (t *Transport) cancelGoal(g *goal) error {
	return t.send(outbound{Op: opCancelActionGoal, ID: g.id, Action: g.action})
}

// CancelAction cancels the outstanding goal and resolves its caller with
// StatusCanceled. It is a no-op when no goal is outstanding.
func (t *Transport) CancelAction() error {
	t.goalMu.Lock()
	g := t.goal
	t.goal = nil
	t.goalMu.Unlock()
	if g == nil {
		return nil
	}

	err := t.cancelGoal(g)
	g.resolve(outcome{result: transport.ActionResult{Status: transport.StatusCanceled}})
	if err != nil {
		return fmt.Errorf("cancel %s: %w", g.action, err)
	}
	t.logger.Info("action canceled", "action", g.action, "id", g.id)
	return nil
}

// CallService performs one request/response exchange. A timeout of 0
// uses Config.ServiceTimeout.
func (t *Transport) CallService(ctx context.Context, service, serviceType string, req transport.Message, timeout time.Duration) (transport.Message, error) {
	if timeout <= 0 {
		timeout = t.cfg.ServiceTimeout
	}
	if req == nil {
		req = transport.Message{}
	}

	id := fmt.Sprintf("%s:%s:%s", opCallService, service, uuid.NewString())
	ch := make(chan serviceReply, 1)
	t.pendingMu.Lock()
	t.pending[id] = ch
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	if err := t.send(outbound{Op: opCallService, ID: id, Service: service, Type: serviceType, Args: req}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.values, r.err
	case <-timer.C:
		return nil, &transport.TimeoutError{Op: "service", Name: service, Timeout: timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stats returns transport statistics.
func (t *Transport) Stats() Stats {
	return Stats{
		Connected:        t.IsConnected(),
		Subscriptions:    t.subs.Len(),
		MessagesSent:     t.messagesSent.Load(),
		MessagesReceived: t.messagesReceived.Load(),
	}
}

// Stats contains transport statistics.
type Stats struct {
	Connected        bool  `json:"connected"`
	Subscriptions    int   `json:"subscriptions"`
	MessagesSent     int64 `json:"messages_sent"`
	MessagesReceived int64 `json:"messages_received"`
}

func (t *Transport) String() string {
	status := "disconnected"
	if t.IsConnected() {
		status = "connected"
	}
	return fmt.Sprintf("rosbridge(%s:%d, %s)", t.cfg.Host, t.cfg.Port, status)
}

// readLoop dispatches inbound ops until the socket fails or is closed.
func (t *Transport) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.connectionLost(conn, err)
			return
		}
		t.messagesReceived.Add(1)

		var in inbound
		if err := json.Unmarshal(data, &in); err != nil {
			t.logger.Debug("dropping malformed frame", "error", err)
			continue
		}
		t.dispatch(&in)
	}
}

// connectionLost handles a reader failure that Disconnect did not cause.
func (t *Transport) connectionLost(conn *websocket.Conn, err error) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.remote = make(map[string]string)
	t.mu.Unlock()

	t.writeMu.Lock()
	t.advertised = make(map[string]bool)
	t.writeMu.Unlock()

	conn.Close()
	t.logger.Warn("rosbridge connection lost", "error", err)
	t.cfg.Metrics.SetConnected(name, false)
	t.release(err)
}

func (t *Transport) dispatch(in *inbound) {
	switch in.Op {
	case opPublish:
		t.handlePublish(in)
	case opServiceResponse:
		t.handleServiceResponse(in)
	case opActionFeedback:
		t.handleActionFeedback(in)
	case opActionResult:
		t.handleActionResult(in)
	case opStatus:
		t.handleStatus(in)
	default:
		t.logger.Debug("ignoring op", "op", in.Op)
	}
}

func (t *Transport) handlePublish(in *inbound) {
	subs := t.subs.ForTopic(in.Topic)
	if len(subs) == 0 {
		return
	}
	t.cfg.Metrics.Received(name, in.Topic)

	msg, err := transport.DecodeMessage(in.Msg)
	if err != nil {
		derr := &transport.DecodeError{Topic: in.Topic, Schema: subs[0].Schema, Err: err}
		t.logger.Warn("dropping message", "error", derr)
		t.cfg.Metrics.DecodeError(name, in.Topic)
		return
	}

	validate := func(schema string, m transport.Message) error { return t.cfg.Schemas.Validate(schema, m) }
	for _, derr := range transport.Fanout(subs, msg, validate) {
		t.logger.Warn("dropping message", "error", derr)
		t.cfg.Metrics.DecodeError(name, in.Topic)
	}
}

func (t *Transport) handleServiceResponse(in *inbound) {
	t.pendingMu.Lock()
	ch, ok := t.pending[in.ID]
	delete(t.pending, in.ID)
	t.pendingMu.Unlock()
	if !ok {
		return
	}
	reply := serviceReply{values: in.values()}
	if in.Result != nil && !*in.Result {
		reply.err = fmt.Errorf("service %s failed: %s", in.Service, string(in.Values))
	}
	ch <- reply
}

func (t *Transport) currentGoal(id string) *goal {
	t.goalMu.Lock()
	defer t.goalMu.Unlock()
	if t.goal == nil || t.goal.id != id {
		return nil
	}
	return t.goal
}

func (t *Transport) handleActionFeedback(in *inbound) {
	g := t.currentGoal(in.ID)
	if g == nil || g.feedback == nil {
		return
	}
	// Feedback runs on the reader so it is always delivered before the
	// result that follows it.
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("feedback callback panicked", "action", g.action, "panic", r)
		}
	}()
	g.feedback(in.values())
}

func (t *Transport) handleActionResult(in *inbound) {
	g := t.currentGoal(in.ID)
	if g == nil {
		t.logger.Debug("result for unknown goal", "id", in.ID)
		return
	}
	g.resolve(outcome{result: transport.ActionResult{
		Result: in.values(),
		Status: actionStatus(in.Status, in.Result),
	}})
}

// handleStatus fails the call a server-side error refers to, if any.
func (t *Transport) handleStatus(in *inbound) {
	text := in.statusText()
	t.logger.Warn("rosbridge status", "level", in.Level, "id", in.ID, "msg", text)
	if in.ID == "" || in.Level == "info" {
		return
	}

	t.pendingMu.Lock()
	ch, ok := t.pending[in.ID]
	delete(t.pending, in.ID)
	t.pendingMu.Unlock()
	if ok {
		ch <- serviceReply{err: errors.New(text)}
		return
	}

	if g := t.currentGoal(in.ID); g != nil {
		g.resolve(outcome{result: transport.ActionResult{
			Result: transport.Message{"error": text},
			Status: transport.StatusFailed,
		}})
	}
}
