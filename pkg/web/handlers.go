package web

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/walkie-go/pkg/arm"
	"github.com/teslashibe/walkie-go/pkg/camera"
	"github.com/teslashibe/walkie-go/pkg/goal"
	"github.com/teslashibe/walkie-go/pkg/hub"
	"github.com/teslashibe/walkie-go/pkg/navigation"
	"github.com/teslashibe/walkie-go/pkg/telemetry"
	"github.com/teslashibe/walkie-go/pkg/transport"
)

// Status is the body of GET /api/status and of each websocket push.
type Status struct {
	Info
	Pose      *telemetry.Pose     `json:"pose"`
	Velocity  *telemetry.Velocity `json:"velocity"`
	NavStatus transport.Status    `json:"nav_status"`
	Time      time.Time           `json:"time"`
}

func (s *Server) status() Status {
	st := Status{Time: time.Now()}
	if s.deps.Info != nil {
		st.Info = s.deps.Info()
	}
	if p, ok := s.deps.Pose.Pose(); ok {
		st.Pose = &p
	}
	if v, ok := s.deps.Pose.Velocity(); ok {
		st.Velocity = &v
	}
	st.NavStatus = s.deps.Nav.Status()
	return st
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code = fe.Code
	case errors.Is(err, transport.ErrNotConnected):
		code = fiber.StatusServiceUnavailable
	case transport.IsTimeout(err):
		code = fiber.StatusGatewayTimeout
	}
	if code >= fiber.StatusInternalServerError {
		s.logger.Warn("request failed", "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.status())
}

// GoToRequest is the body of POST /api/nav/goto.
type GoToRequest struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Heading float64 `json:"heading"`

	// Timeout in seconds. Zero waits without a deadline.
	Timeout float64 `json:"timeout"`
}

// handleGoTo starts a non-blocking goal; progress shows up in status.
func (s *Server) handleGoTo(c *fiber.Ctx) error {
	var req GoToRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid goal: "+err.Error())
	}
	opts := []goal.Option{goal.NonBlocking()}
	if req.Timeout > 0 {
		opts = append(opts, goal.Timeout(time.Duration(req.Timeout*float64(time.Second))))
	}
	status, err := s.deps.Nav.GoTo(context.Background(), req.X, req.Y, req.Heading, opts...)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": status})
}

func (s *Server) handleCancel(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"ok": s.deps.Nav.Cancel(), "status": s.deps.Nav.Status()})
}

func (s *Server) handleStop(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"ok": s.deps.Nav.Stop(), "status": s.deps.Nav.Status()})
}

func (s *Server) handleDrive(c *fiber.Ctx) error {
	var v navigation.Velocity
	if err := c.BodyParser(&v); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid velocity: "+err.Error())
	}
	if err := s.deps.Nav.Drive(v); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"ok": true})
}

func (s *Server) handleJoints(c *fiber.Ctx) error {
	if s.deps.Joints == nil {
		return fiber.NewError(fiber.StatusNotFound, "arm not available")
	}
	js, ok := s.deps.Joints.JointStates()
	if !ok {
		return c.JSON(fiber.Map{"joints": (*arm.JointStates)(nil)})
	}
	return c.JSON(fiber.Map{"joints": js})
}

func (s *Server) handleCameras(c *fiber.Ctx) error {
	if s.deps.Frames == nil {
		return c.JSON(fiber.Map{"cameras": []string{}})
	}
	return c.JSON(fiber.Map{"cameras": s.deps.Frames.ChannelNames()})
}

func (s *Server) handleSnapshot(c *fiber.Ctx) error {
	if s.deps.Frames == nil {
		return fiber.NewError(fiber.StatusNotFound, "camera not available")
	}
	quality, err := s.snapshotQuality(c.Query("quality"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	data, err := s.deps.Frames.Snapshot(c.Params("name"), quality)
	if errors.Is(err, transport.ErrEmptyImage) {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, "image/jpeg")
	c.Set(fiber.HeaderCacheControl, "no-store")
	return c.Send(data)
}

// snapshotQuality accepts a JPEG quality (1-100) or a preset name. An
// empty value selects the configured quality.
func (s *Server) snapshotQuality(raw string) (int, error) {
	if raw == "" {
		return s.cfg.SnapshotQuality, nil
	}
	if q, err := strconv.Atoi(raw); err == nil {
		if q < 1 || q > 100 {
			return 0, &transport.ConfigurationError{Field: "quality", Value: raw, Reason: "must be 1-100"}
		}
		return q, nil
	}
	return camera.ParseQuality(raw)
}

func (s *Server) handleStatusWS(conn *websocket.Conn) {
	hub.NewClient(s.statusHub, conn).Run()
}
