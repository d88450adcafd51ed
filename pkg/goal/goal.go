// Package goal runs action goals in blocking or background mode and
// tracks the latest status, shared by the navigation and arm modules.
package goal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/walkie-go/pkg/transport"
)

// StatusStopped is recorded by an emergency stop.
const StatusStopped transport.Status = "STOPPED"

// Options controls one goal.
type Options struct {
	// Blocking waits for the result. Defaults to true.
	Blocking bool

	// Timeout bounds the goal. Zero waits without a deadline.
	Timeout time.Duration

	// Feedback receives progress messages.
	Feedback transport.FeedbackFunc
}

// Option adjusts Options.
type Option func(*Options)

// NonBlocking returns immediately with IN_PROGRESS; the result is
// recorded in the tracker when it arrives.
func NonBlocking() Option {
	return func(o *Options) { o.Blocking = false }
}

// Timeout bounds the goal.
func Timeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

// Feedback registers a progress callback.
func Feedback(fn transport.FeedbackFunc) Option {
	return func(o *Options) { o.Feedback = fn }
}

// Apply resolves opts over the defaults.
func Apply(opts ...Option) Options {
	o := Options{Blocking: true}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Call sends one goal and waits for it.
type Call func(ctx context.Context, feedback transport.FeedbackFunc, timeout time.Duration) (transport.ActionResult, error)

// Tracker remembers the status of the most recent goal. Results of
// goals that were superseded (by a newer goal or an explicit Set) are
// discarded.
type Tracker struct {
	logger *slog.Logger
	cancel func() error

	mu     sync.Mutex
	status transport.Status
	result transport.Message
	gen    uint64

	bg   context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// NewTracker returns a tracker. cancel is issued against the transport
// when a blocking goal times out.
func NewTracker(cancel func() error, logger *slog.Logger) *Tracker {
	bg, stop := context.WithCancel(context.Background())
	return &Tracker{logger: logger, cancel: cancel, bg: bg, stop: stop}
}

// Status returns the latest status, or "" if no goal was sent.
func (t *Tracker) Status() transport.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Result returns the result payload of the latest finished goal.
func (t *Tracker) Result() transport.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result.Clone()
}

// Set records s and discards any result still in flight.
func (t *Tracker) Set(s transport.Status) {
	t.mu.Lock()
	t.gen++
	t.status = s
	t.mu.Unlock()
}

func (t *Tracker) begin() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	t.status = transport.StatusInProgress
	t.result = nil
	return t.gen
}

func (t *Tracker) finish(gen uint64, s transport.Status, result transport.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		return
	}
	t.status = s
	t.result = result
}

// Run executes call. A blocking run returns the terminal status; a
// timeout cancels the remote goal and returns FAILED with the
// *transport.TimeoutError, a canceled ctx returns FAILED with ctx's
// error, and any other failure is logged and reported as FAILED with a
// nil error. A background run returns IN_PROGRESS at once.
func (t *Tracker) Run(ctx context.Context, name string, o Options, call Call) (transport.Status, error) {
	gen := t.begin()

	if !o.Blocking {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			s, _ := t.run(t.bg, gen, name, o, call)
			t.logger.Debug("background goal finished", "action", name, "status", s)
		}()
		return transport.StatusInProgress, nil
	}
	return t.run(ctx, gen, name, o, call)
}

func (t *Tracker) run(ctx context.Context, gen uint64, name string, o Options, call Call) (transport.Status, error) {
	res, err := call(ctx, o.Feedback, o.Timeout)
	switch {
	case err == nil:
		s := res.Status
		if !s.Terminal() {
			s = transport.StatusFailed
		}
		t.finish(gen, s, res.Result)
		return s, nil

	case transport.IsTimeout(err):
		if cerr := t.cancel(); cerr != nil {
			t.logger.Warn("cancel after timeout failed", "action", name, "error", cerr)
		}
		t.finish(gen, transport.StatusFailed, nil)
		t.logger.Warn("goal timed out", "action", name, "timeout", o.Timeout)
		return transport.StatusFailed, err

	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		t.finish(gen, transport.StatusFailed, nil)
		return transport.StatusFailed, err

	default:
		t.finish(gen, transport.StatusFailed, nil)
		t.logger.Warn("goal failed", "action", name, "error", err)
		return transport.StatusFailed, nil
	}
}

// Close abandons background goals and waits for them to return.
func (t *Tracker) Close() {
	t.stop()
	t.wg.Wait()
}

// Wait blocks until every background goal has returned or ctx is done.
func (t *Tracker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
