package overlay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/teslashibe/walkie-go/internal/log"
	"github.com/teslashibe/walkie-go/pkg/transport"
)

const (
	name = "overlay"

	// errorHeader carries a server-side failure on service replies.
	errorHeader = "Walkie-Error"
)

// Transport is a CommandTransport over NATS.
type Transport struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	nc     *nats.Conn
	owned  bool                          // nc was dialed by Connect
	remote map[string]*nats.Subscription // topic -> shared NATS subscription

	subs *transport.Subscriptions

	pubMu      sync.Mutex
	publishers map[string]*publisher

	goalMu sync.Mutex
	goal   *goal

	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
}

// publisher is the cached per-topic publishing state.
type publisher struct {
	topic   string
	subject string
	sent    atomic.Int64
}

var _ transport.CommandTransport = (*Transport)(nil)

// New creates an overlay transport. Call Connect to dial the server.
func New(cfg Config, logger *slog.Logger) (*Transport, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, &transport.ConfigurationError{Field: "overlay config", Reason: err.Error()}
	}
	return &Transport{
		cfg:        cfg,
		logger:     log.Component(name, logger),
		remote:     make(map[string]*nats.Subscription),
		subs:       transport.NewSubscriptions(),
		publishers: make(map[string]*publisher),
	}, nil
}

// NewWithConn wraps an existing connection. Disconnect releases the
// transport's subscriptions but leaves nc open.
func NewWithConn(nc *nats.Conn, cfg Config, logger *slog.Logger) (*Transport, error) {
	t, err := New(cfg, logger)
	if err != nil {
		return nil, err
	}
	t.nc = nc
	return t, nil
}

// Host returns the configured server address.
func (t *Transport) Host() string { return t.cfg.Host }

// Port returns the configured server port.
func (t *Transport) Port() int { return t.cfg.Port }

// Conn returns the underlying connection, or nil when disconnected.
// The overlay camera can share it.
func (t *Transport) Conn() *nats.Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nc
}

func (t *Transport) connectionOptions() []nats.Option {
	return []nats.Option{
		nats.Name(t.cfg.Name),
		nats.Timeout(t.cfg.ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			t.cfg.Metrics.SetConnected(name, false)
			if err != nil {
				t.logger.Warn("overlay disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			t.cfg.Metrics.SetConnected(name, true)
			t.logger.Info("overlay reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			t.logger.Debug("overlay connection closed")
		}),
	}
}

// Connect dials the NATS server.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.nc != nil && !t.nc.IsClosed() {
		return nil
	}

	t.logger.Info("connecting to overlay", "url", t.cfg.ServerURL())

	nc, err := dial(ctx, t.cfg, t.connectionOptions()...)
	if err == nil {
		t.nc, t.owned = nc, true
	}
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

	t.logger.Info("connected to overlay", "url", t.nc.ConnectedUrl())
	return nil
}

// Disconnect drops every subscription and publisher and closes the
// connection if Connect opened it. Safe to call repeatedly.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	nc, owned := t.nc, t.owned
	if nc == nil {
		t.mu.Unlock()
		return
	}
	for topic, s := range t.remote {
		if err := s.Unsubscribe(); err != nil {
			t.logger.Debug("unsubscribe failed", "topic", topic, "error", err)
		}
	}
	t.remote = make(map[string]*nats.Subscription)
	t.nc, t.owned = nil, false
	t.mu.Unlock()

	t.pubMu.Lock()
	t.publishers = make(map[string]*publisher)
	t.pubMu.Unlock()

	t.subs.CloseAll()

	t.goalMu.Lock()
	g := t.goal
	t.goal = nil
	t.goalMu.Unlock()
	if g != nil {
		g.stop(transport.ErrClosed)
	}

	if owned {
		nc.Close()
	}
	t.cfg.Metrics.SetConnected(name, false)
	t.logger.Info("overlay disconnected")
}

// IsConnected reports whether the connection is up.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nc != nil && t.nc.IsConnected()
}

func (t *Transport) conn() (*nats.Conn, error) {
	t.mu.RLock()
	nc := t.nc
	t.mu.RUnlock()
	if nc == nil || nc.IsClosed() {
		return nil, t.connErr(transport.ErrNotConnected)
	}
	return nc, nil
}

func (t *Transport) connErr(err error) error {
	return &transport.ConnectionError{Transport: name, Host: t.cfg.Host, Port: t.cfg.Port, Err: err}
}

// Subscribe registers cb for topic. Local subscribers of one topic share
// a single NATS subscription.
func (t *Transport) Subscribe(topic, schemaName string, cb transport.Callback, opts transport.SubscribeOptions) (transport.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.nc == nil || t.nc.IsClosed() {
		return "", t.connErr(transport.ErrNotConnected)
	}

	if schemaName != "" && !t.cfg.Schemas.Known(schemaName) {
		t.logger.Debug("no schema registered, messages pass unchecked", "topic", topic, "type", schemaName)
	}
	sub := transport.NewSubscription(topic, schemaName, cb, opts, t.logger)

	if _, ok := t.remote[topic]; !ok {
		ns, err := t.nc.Subscribe(Subject(topic), func(m *nats.Msg) {
			t.handleSample(topic, m.Data)
		})
		if err != nil {
			sub.Close()
			return "", fmt.Errorf("subscribe %s: %w", topic, err)
		}
		t.remote[topic] = ns
	}

	t.subs.Add(sub)
	t.logger.Debug("subscribed", "topic", topic, "subject", Subject(topic), "handle", sub.Handle)
	return sub.Handle, nil
}

// handleSample decodes one payload and fans it out. Malformed payloads are
// logged and dropped; the subscription stays alive.
func (t *Transport) handleSample(topic string, data []byte) {
	t.messagesReceived.Add(1)
	subs := t.subs.ForTopic(topic)
	if len(subs) == 0 {
		return
	}
	t.cfg.Metrics.Received(name, topic)

	msg, err := transport.DecodeMessage(data)
	if err != nil {
		derr := &transport.DecodeError{Topic: topic, Schema: subs[0].Schema, Err: err}
		t.logger.Warn("dropping sample", "error", derr)
		t.cfg.Metrics.DecodeError(name, topic)
		return
	}

	validate := func(schema string, m transport.Message) error { return t.cfg.Schemas.Validate(schema, m) }
	for _, derr := range transport.Fanout(subs, msg, validate) {
		t.logger.Warn("dropping sample", "error", derr)
		t.cfg.Metrics.DecodeError(name, topic)
	}
}

// Unsubscribe removes one local subscriber. Unknown handles are ignored.
func (t *Transport) Unsubscribe(h transport.Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sub := t.subs.Remove(h)
	if sub == nil || t.subs.CountTopic(sub.Topic) > 0 {
		return
	}
	ns, ok := t.remote[sub.Topic]
	if !ok {
		return
	}
	delete(t.remote, sub.Topic)
	if err := ns.Unsubscribe(); err != nil {
		t.logger.Debug("unsubscribe failed", "topic", sub.Topic, "error", err)
	}
}

func (t *Transport) publisherFor(topic string) *publisher {
	t.pubMu.Lock()
	defer t.pubMu.Unlock()
	p, ok := t.publishers[topic]
	if !ok {
		p = &publisher{topic: topic, subject: Subject(topic)}
		t.publishers[topic] = p
		t.logger.Debug("publisher declared", "topic", topic, "subject", p.subject)
	}
	return p
}

// Publish serialises msg as JSON on the topic's subject.
func (t *Transport) Publish(topic, schemaName string, msg transport.Message) error {
	nc, err := t.conn()
	if err != nil {
		return err
	}
	if msg == nil {
		msg = transport.Message{}
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", topic, err)
	}

	p := t.publisherFor(topic)
	if err := nc.Publish(p.subject, data); err != nil {
		return t.connErr(fmt.Errorf("publish %s: %w", topic, err))
	}
	p.sent.Add(1)
	t.messagesSent.Add(1)
	t.cfg.Metrics.Published(name, topic)
	return nil
}

// CallService sends req on the service subject and waits for one reply.
// A timeout of 0 uses Config.ServiceTimeout.
func (t *Transport) CallService(ctx context.Context, service, serviceType string, req transport.Message, timeout time.Duration) (transport.Message, error) {
	nc, err := t.conn()
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = t.cfg.ServiceTimeout
	}
	if req == nil {
		req = transport.Message{}
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", service, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	t.messagesSent.Add(1)
	reply, err := nc.RequestWithContext(reqCtx, Subject(service), data)
	if err != nil {
		switch {
		case errors.Is(err, nats.ErrNoResponders):
			return nil, fmt.Errorf("service %s: %w", service, err)
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
			return nil, &transport.TimeoutError{Op: "service", Name: service, Timeout: timeout, Err: err}
		default:
			return nil, t.connErr(fmt.Errorf("service %s: %w", service, err))
		}
	}
	t.messagesReceived.Add(1)

	if reason := reply.Header.Get(errorHeader); reason != "" {
		return nil, fmt.Errorf("service %s failed: %s", service, reason)
	}
	msg, err := transport.DecodeMessage(reply.Data)
	if err != nil {
		return nil, &transport.DecodeError{Topic: service, Schema: serviceType, Err: err}
	}
	return msg, nil
}

// Stats returns transport statistics.
func (t *Transport) Stats() Stats {
	t.pubMu.Lock()
	pubs := len(t.publishers)
	t.pubMu.Unlock()
	return Stats{
		Connected:        t.IsConnected(),
		Subscriptions:    t.subs.Len(),
		Publishers:       pubs,
		MessagesSent:     t.messagesSent.Load(),
		MessagesReceived: t.messagesReceived.Load(),
	}
}

// Stats contains transport statistics.
type Stats struct {
	Connected        bool  `json:"connected"`
	Subscriptions    int   `json:"subscriptions"`
	Publishers       int   `json:"publishers"`
	MessagesSent     int64 `json:"messages_sent"`
	MessagesReceived int64 `json:"messages_received"`
}

func (t *Transport) String() string {
	status := "disconnected"
	if t.IsConnected() {
		status = "connected"
	}
	return fmt.Sprintf("overlay(%s, %s)", t.cfg.ServerURL(), status)
}
