package overlay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/teslashibe/walkie-go/internal/log"
	"github.com/teslashibe/walkie-go/pkg/transport"
)

// GoalHandler executes one goal. It should return promptly once ctx is
// canceled; a non-terminal status returned after cancellation is reported
// as CANCELED.
type GoalHandler func(ctx context.Context, goal transport.Message, feedback func(transport.Message)) (transport.Status, transport.Message)

// ActionServer serves one action on the overlay. It is the robot side of
// CallAction and is used by simulators and tests.
type ActionServer struct {
	nc      *nats.Conn
	action  string
	handler GoalHandler
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup

	mu    sync.Mutex
	goals map[string]*serverGoal
}

type serverGoal struct {
	cancel context.CancelFunc
	done   chan struct{}
	status transport.Status
	result transport.Message
}

// NewActionServer starts serving action on nc.
func NewActionServer(nc *nats.Conn, action string, handler GoalHandler, logger *slog.Logger) (*ActionServer, error) {
	if handler == nil {
		return nil, errors.New("overlay: nil goal handler")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &ActionServer{
		nc:      nc,
		action:  action,
		handler: handler,
		logger:  log.Component("overlay-action-server", logger).With("action", action),
		ctx:     ctx,
		cancel:  cancel,
		goals:   make(map[string]*serverGoal),
	}

	handlers := map[string]nats.MsgHandler{
		"send_goal":   s.handleSendGoal,
		"get_result":  s.handleGetResult,
		"cancel_goal": s.handleCancelGoal,
	}
	for verb, h := range handlers {
		sub, err := nc.Subscribe(actionSubject(action, verb), h)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("serve %s %s: %w", action, verb, err)
		}
		s.subs = append(s.subs, sub)
	}
	if err := nc.Flush(); err != nil {
		s.Close()
		return nil, fmt.Errorf("serve %s: %w", action, err)
	}
	return s, nil
}

// Close stops serving and cancels every running goal.
func (s *ActionServer) Close() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.cancel()
	s.wg.Wait()
}

func (s *ActionServer) reply(m *nats.Msg, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("encode reply failed", "error", err)
		return
	}
	if err := m.Respond(data); err != nil {
		s.logger.Debug("respond failed", "error", err)
	}
}

func (s *ActionServer) handleSendGoal(m *nats.Msg) {
	var req sendGoalRequest
	if err := json.Unmarshal(m.Data, &req); err != nil || req.GoalID == "" {
		s.reply(m, sendGoalReply{Accepted: false, Message: "malformed goal request"})
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	g := &serverGoal{cancel: cancel, done: make(chan struct{}), status: transport.StatusInProgress}

	s.mu.Lock()
	if _, dup := s.goals[req.GoalID]; dup {
		s.mu.Unlock()
		cancel()
		s.reply(m, sendGoalReply{Accepted: false, GoalID: req.GoalID, Message: "duplicate goal id"})
		return
	}
	s.goals[req.GoalID] = g
	s.mu.Unlock()

	s.reply(m, sendGoalReply{Accepted: true, GoalID: req.GoalID})
	s.logger.Debug("goal accepted", "id", req.GoalID)

	fbSubject := feedbackSubject(s.action, req.GoalID)
	feedback := func(msg transport.Message) {
		data, err := json.Marshal(msg)
		if err != nil {
			return
		}
		_ = s.nc.Publish(fbSubject, data)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		status, result := s.handler(ctx, req.Goal, feedback)
		if !status.Terminal() {
			if ctx.Err() != nil {
				status = transport.StatusCanceled
			} else {
				status = transport.StatusFailed
			}
		}
		s.mu.Lock()
		g.status, g.result = status, result
		s.mu.Unlock()
		// Feedback published by the handler must reach the server before
		// the result becomes visible.
		_ = s.nc.Flush()
		close(g.done)
		s.logger.Debug("goal finished", "id", req.GoalID, "status", status)
	}()
}

// handleGetResult long-polls one goal. Each poll runs on its own goroutine
// so concurrent goals do not wait on each other.
func (s *ActionServer) handleGetResult(m *nats.Msg) {
	var req getResultRequest
	if err := json.Unmarshal(m.Data, &req); err != nil {
		s.reply(m, getResultReply{Status: transport.StatusUnknown})
		return
	}

	s.mu.Lock()
	g, ok := s.goals[req.GoalID]
	s.mu.Unlock()
	if !ok {
		s.reply(m, getResultReply{GoalID: req.GoalID, Status: transport.StatusUnknown})
		return
	}

	wait := time.Duration(req.WaitMS) * time.Millisecond
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-g.done:
		case <-timer.C:
		case <-s.ctx.Done():
		}

		s.mu.Lock()
		r := getResultReply{GoalID: req.GoalID, Status: g.status, Result: g.result}
		if r.Status.Terminal() {
			delete(s.goals, req.GoalID)
		}
		s.mu.Unlock()
		s.reply(m, r)
	}()
}

func (s *ActionServer) handleCancelGoal(m *nats.Msg) {
	var req cancelGoalRequest
	if err := json.Unmarshal(m.Data, &req); err != nil {
		s.reply(m, cancelGoalReply{})
		return
	}
	s.mu.Lock()
	g, ok := s.goals[req.GoalID]
	s.mu.Unlock()
	if ok {
		g.cancel()
		s.logger.Debug("goal cancel requested", "id", req.GoalID)
	}
	s.reply(m, cancelGoalReply{Canceling: ok})
}

// ServiceHandler answers one service request.
type ServiceHandler func(ctx context.Context, req transport.Message) (transport.Message, error)

// ServeService answers requests on service until the returned
// subscription is drained or unsubscribed. Handler errors are carried in
// a reply header and surface as errors from CallService.
func ServeService(nc *nats.Conn, service string, handler ServiceHandler) (*nats.Subscription, error) {
	return nc.Subscribe(Subject(service), func(m *nats.Msg) {
		reply := nats.NewMsg(m.Reply)
		req, err := transport.DecodeMessage(m.Data)
		var resp transport.Message
		if err == nil {
			resp, err = handler(context.Background(), req)
		}
		if err != nil {
			reply.Header.Set(errorHeader, err.Error())
		} else {
			if resp == nil {
				resp = transport.Message{}
			}
			reply.Data, _ = json.Marshal(resp)
		}
		_ = m.RespondMsg(reply)
	})
}
