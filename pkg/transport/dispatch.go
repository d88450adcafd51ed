package transport

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Subscription delivers messages for one subscriber on a dedicated
// goroutine, so slow callbacks never stall the transport's reader.
//
// Delivery keeps at most QueueDepth pending messages; when the queue is
// full the oldest pending message is discarded.
type Subscription struct {
	Handle Handle
	Topic  string
	Schema string

	cb       Callback
	throttle time.Duration
	queue    chan Message
	done     chan struct{}
	once     sync.Once
	logger   *slog.Logger

	mu   sync.Mutex
	last time.Time

	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewSubscription starts a delivery goroutine for cb.
func NewSubscription(topic, schema string, cb Callback, opts SubscribeOptions, logger *slog.Logger) *Subscription {
	depth := opts.QueueDepth
	if depth < 1 {
		depth = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Subscription{
		Handle:   NewHandle(),
		Topic:    topic,
		Schema:   schema,
		cb:       cb,
		throttle: opts.ThrottleInterval,
		queue:    make(chan Message, depth),
		done:     make(chan struct{}),
		logger:   logger,
	}
	go s.run()
	return s
}

// Deliver queues msg for the callback. It never blocks. It returns false
// when the message was throttled or the subscription is closed.
func (s *Subscription) Deliver(msg Message) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	if s.throttle > 0 {
		s.mu.Lock()
		now := time.Now()
		if !s.last.IsZero() && now.Sub(s.last) < s.throttle {
			s.mu.Unlock()
			s.dropped.Add(1)
			return false
		}
		s.last = now
		s.mu.Unlock()
	}

	for {
		select {
		case s.queue <- msg:
			return true
		default:
		}
		// Queue full: discard the oldest pending message and retry.
		select {
		case <-s.queue:
			s.dropped.Add(1)
		default:
		}
	}
}

// Close stops delivery. Pending messages are discarded. Safe to call
// repeatedly and from within the callback.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
	})
}

// Closed reports whether Close has been called.
func (s *Subscription) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Stats returns delivered and dropped message counts.
func (s *Subscription) Stats() (delivered, dropped int64) {
	return s.delivered.Load(), s.dropped.Load()
}

func (s *Subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.queue:
			s.invoke(msg)
		}
	}
}

func (s *Subscription) invoke(msg Message) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("subscription callback panicked", "topic", s.Topic, "panic", r)
		}
	}()
	s.cb(msg)
	s.delivered.Add(1)
}

// Subscriptions is a concurrency-safe registry of live subscriptions.
type Subscriptions struct {
	mu   sync.RWMutex
	subs map[Handle]*Subscription
}

// NewSubscriptions creates an empty registry.
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{subs: make(map[Handle]*Subscription)}
}

// Add registers s.
func (r *Subscriptions) Add(s *Subscription) {
	r.mu.Lock()
	r.subs[s.Handle] = s
	r.mu.Unlock()
}

// Remove unregisters and closes the subscription for h. It returns the
// removed subscription, or nil if h was unknown.
func (r *Subscriptions) Remove(h Handle) *Subscription {
	r.mu.Lock()
	s, ok := r.subs[h]
	if ok {
		delete(r.subs, h)
	}
	r.mu.Unlock()
	if ok {
		s.Close()
	}
	return s
}

// ForTopic returns the live subscriptions for topic.
func (r *Subscriptions) ForTopic(topic string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Subscription
	for _, s := range r.subs {
		if s.Topic == topic {
			out = append(out, s)
		}
	}
	return out
}

// CountTopic returns how many live subscriptions target topic.
func (r *Subscriptions) CountTopic(topic string) int {
	return len(r.ForTopic(topic))
}

// Len returns the number of live subscriptions.
func (r *Subscriptions) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// CloseAll closes and removes every subscription.
func (r *Subscriptions) CloseAll() []*Subscription {
	r.mu.Lock()
	subs := make([]*Subscription, 0, len(r.subs))
	for h, s := range r.subs {
		subs = append(subs, s)
		delete(r.subs, h)
	}
	r.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
	return subs
}

// Fanout delivers msg to each subscriber whose schema accepts it. Every
// distinct schema name is validated once. Subscribers after the first
// receive copies. One DecodeError is returned per rejecting schema.
func Fanout(subs []*Subscription, msg Message, validate func(schema string, msg Message) error) []*DecodeError {
	verdicts := make(map[string]error, 1)
	var rejected []*DecodeError
	first := true
	for _, s := range subs {
		err, seen := verdicts[s.Schema]
		if !seen {
			err = validate(s.Schema, msg)
			verdicts[s.Schema] = err
			if err != nil {
				rejected = append(rejected, &DecodeError{Topic: s.Topic, Schema: s.Schema, Err: err})
			}
		}
		if err != nil {
			continue
		}
		if first {
			s.Deliver(msg)
			first = false
			continue
		}
		s.Deliver(msg.Clone())
	}
	return rejected
}
