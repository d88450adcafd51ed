package overlay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/teslashibe/walkie-go/pkg/transport"
)

// feedbackBuffer is how many feedback samples may queue before NATS
// reports a slow consumer and drops them.
const feedbackBuffer = 64

// goal is one in-flight action invocation on the client side.
type goal struct {
	id     string
	action string

	once    sync.Once
	stopped chan struct{}
	reason  error // nil when stopped by CancelAction
}

func newGoal(action string) *goal {
	return &goal{id: uuid.NewString(), action: action, stopped: make(chan struct{})}
}

// stop wakes the caller waiting on g. reason is read only after stopped
// is closed.
func (g *goal) stop(reason error) {
	g.once.Do(func() {
		g.reason = reason
		close(g.stopped)
	})
}

type outcome struct {
	result transport.ActionResult
	err    error
}

func failed(format string, args ...any) transport.ActionResult {
	return transport.ActionResult{
		Status: transport.StatusFailed,
		Result: transport.Message{"error": fmt.Sprintf(format, args...)},
	}
}

// CallAction sends a goal to the action server and waits for its result.
// Feedback is invoked on the calling goroutine and always precedes the
// returned result.
func (t *Transport) CallAction(ctx context.Context, action, actionType string, goalMsg transport.Message, feedback transport.FeedbackFunc, timeout time.Duration) (transport.ActionResult, error) {
	nc, err := t.conn()
	if err != nil {
		return transport.ActionResult{}, err
	}
	if err := t.cfg.Schemas.Validate(actionType, goalMsg); err != nil {
		return transport.ActionResult{}, fmt.Errorf("invalid goal for %s: %w", action, err)
	}

	g := newGoal(action)
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
	done := func(r transport.ActionResult, err error) (transport.ActionResult, error) {
		if err == nil {
			t.cfg.Metrics.ActionDone(name, action, string(r.Status), time.Since(start))
		}
		return r, err
	}

	// Subscribe before sending so no early feedback is lost.
	var fbCh chan *nats.Msg
	if feedback != nil {
		fbCh = make(chan *nats.Msg, feedbackBuffer)
		fsub, err := nc.ChanSubscribe(feedbackSubject(action, g.id), fbCh)
		if err != nil {
			return transport.ActionResult{}, t.connErr(fmt.Errorf("feedback subscribe %s: %w", action, err))
		}
		defer fsub.Unsubscribe()
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		tm := time.NewTimer(timeout)
		defer tm.Stop()
		deadline = tm.C
	}

	// send_goal is bounded by whichever of the action timeout and the
	// request timeout is shorter.
	limit := t.cfg.RequestTimeout
	if timeout > 0 && timeout < limit {
		limit = timeout
	}
	accepted, err := t.sendGoal(ctx, nc, g, goalMsg, limit)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			cancelErr := t.cancelGoal(nc, g)
			t.cfg.Metrics.ActionDone(name, action, "TIMEOUT", time.Since(start))
			return transport.ActionResult{}, &transport.TimeoutError{
				Op:         "action",
				Name:       action,
				Timeout:    limit,
				CancelSent: cancelErr == nil,
				Err:        errors.New("send_goal unanswered"),
			}
		}
		return transport.ActionResult{}, err
	}
	if accepted != nil {
		return done(*accepted, nil)
	}
	t.logger.Debug("action goal accepted", "action", action, "id", g.id)

	pollCtx, stopPoll := context.WithCancel(ctx)
	defer stopPoll()
	results := make(chan outcome, 1)
	go t.pollResult(pollCtx, nc, g, results)

	for {
		select {
		case m := <-fbCh:
			t.deliverFeedback(g, feedback, m)
		case o := <-results:
			t.drainFeedback(g, feedback, fbCh)
			return done(o.result, o.err)
		case <-g.stopped:
			stopPoll()
			if g.reason != nil {
				return transport.ActionResult{}, t.connErr(g.reason)
			}
			return done(transport.ActionResult{Status: transport.StatusCanceled}, nil)
		case <-deadline:
			stopPoll()
			cancelErr := t.cancelGoal(nc, g)
			t.cfg.Metrics.ActionDone(name, action, "TIMEOUT", time.Since(start))
			return transport.ActionResult{}, &transport.TimeoutError{
				Op:         "action",
				Name:       action,
				Timeout:    timeout,
				CancelSent: cancelErr == nil,
			}
		case <-ctx.Done():
			stopPoll()
			if err := t.cancelGoal(nc, g); err != nil {
				t.logger.Debug("cancel after context done failed", "action", action, "error", err)
			}
			return transport.ActionResult{}, ctx.Err()
		}
	}
}

// sendGoal issues send_goal. A non-nil result means the goal ended before
// it started (rejected or no server).
func (t *Transport) sendGoal(ctx context.Context, nc *nats.Conn, g *goal, goalMsg transport.Message, limit time.Duration) (*transport.ActionResult, error) {
	data, err := json.Marshal(sendGoalRequest{GoalID: g.id, Goal: goalMsg})
	if err != nil {
		return nil, fmt.Errorf("encode goal for %s: %w", g.action, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	t.messagesSent.Add(1)
	reply, err := nc.RequestWithContext(reqCtx, actionSubject(g.action, "send_goal"), data)
	switch {
	case errors.Is(err, nats.ErrNoResponders):
		r := failed("no action server for %s", g.action)
		return &r, nil
	case err != nil && ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return nil, context.DeadlineExceeded
	case err != nil:
		return nil, t.connErr(fmt.Errorf("send_goal %s: %w", g.action, err))
	}
	t.messagesReceived.Add(1)

	var r sendGoalReply
	if err := json.Unmarshal(reply.Data, &r); err != nil {
		fr := failed("malformed send_goal reply: %v", err)
		return &fr, nil
	}
	if !r.Accepted {
		reason := r.Message
		if reason == "" {
			reason = "goal rejected"
		}
		fr := failed("%s", reason)
		return &fr, nil
	}
	return nil, nil
}

// pollResult long-polls get_result until the goal terminates or ctx ends.
func (t *Transport) pollResult(ctx context.Context, nc *nats.Conn, g *goal, out chan<- outcome) {
	data, err := json.Marshal(getResultRequest{GoalID: g.id, WaitMS: t.cfg.ResultPoll.Milliseconds()})
	if err != nil {
		out <- outcome{err: err}
		return
	}
	subject := actionSubject(g.action, "get_result")

	for {
		reqCtx, cancel := context.WithTimeout(ctx, t.cfg.ResultPoll+t.cfg.RequestTimeout)
		reply, err := nc.RequestWithContext(reqCtx, subject, data)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			switch {
			case errors.Is(err, nats.ErrNoResponders):
				out <- outcome{result: failed("action server for %s went away", g.action)}
				return
			case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
				t.logger.Debug("get_result unanswered, retrying", "action", g.action, "id", g.id)
				continue
			default:
				out <- outcome{err: t.connErr(fmt.Errorf("get_result %s: %w", g.action, err))}
				return
			}
		}
		t.messagesReceived.Add(1)

		var r getResultReply
		if err := json.Unmarshal(reply.Data, &r); err != nil {
			out <- outcome{result: failed("malformed get_result reply: %v", err)}
			return
		}
		switch {
		case r.Status.Terminal():
			out <- outcome{result: transport.ActionResult{Status: r.Status, Result: r.Result}}
			return
		case r.Status == transport.StatusInProgress:
			continue
		default:
			out <- outcome{result: failed("goal %s unknown to action server", g.id)}
			return
		}
	}
}

func (t *Transport) deliverFeedback(g *goal, fn transport.FeedbackFunc, m *nats.Msg) {
	msg, err := transport.DecodeMessage(m.Data)
	if err != nil {
		t.logger.Debug("dropping malformed feedback", "action", g.action, "error", err)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("feedback callback panicked", "action", g.action, "panic", r)
		}
	}()
	fn(msg)
}

// drainFeedback delivers feedback that arrived before the result.
func (t *Transport) drainFeedback(g *goal, fn transport.FeedbackFunc, ch chan *nats.Msg) {
	if ch == nil {
		return
	}
	for {
		select {
		case m := <-ch:
			t.deliverFeedback(g, fn, m)
		default:
			return
		}
	}
}

func (t *Transport) clearGoal(g *goal) {
	t.goalMu.Lock()
	if t.goal == g {
		t.goal = nil
	}
	t.goalMu.Unlock()
}

func (t *Transport) cancelGoal(nc *nats.Conn, g *goal) error {
	data, err := json.Marshal(cancelGoalRequest{GoalID: g.id})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.RequestTimeout)
	defer cancel()
	t.messagesSent.Add(1)
	if _, err := nc.RequestWithContext(ctx, actionSubject(g.action, "cancel_goal"), data); err != nil {
		return fmt.Errorf("cancel_goal %s: %w", g.action, err)
	}
	return nil
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

	var err error
	if nc, cerr := t.conn(); cerr != nil {
		err = cerr
	} else {
		err = t.cancelGoal(nc, g)
	}
	g.stop(nil)
	if err != nil {
		return fmt.Errorf("cancel %s: %w", g.action, err)
	}
	t.logger.Info("action canceled", "action", g.action, "id", g.id)
	return nil
}
