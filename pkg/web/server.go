// Package web serves the Walkie dashboard API: status, teleoperation,
// arm joints, camera snapshots, metrics and a status websocket.
package web

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"

	"github.com/teslashibe/walkie-go/internal/log"
	"github.com/teslashibe/walkie-go/pkg/hub"
	"github.com/teslashibe/walkie-go/pkg/metrics"
	"github.com/teslashibe/walkie-go/pkg/robot"
)

// Info describes the robot connection.
type Info struct {
	Connected       bool   `json:"connected"`
	Host            string `json:"host"`
	CommandProtocol string `json:"command_protocol"`
	VideoProtocol   string `json:"video_protocol"`
	Namespace       string `json:"namespace"`
}

// Deps are the robot surfaces the dashboard uses. Frames, Joints and
// Metrics may be nil.
type Deps struct {
	Info    func() Info
	Nav     robot.Navigator
	Pose    robot.PoseSource
	Joints  robot.JointSource
	Frames  robot.FrameSource
	Metrics *metrics.Metrics
}

// FromRobot collects Deps from a connected robot.
func FromRobot(r *robot.Robot, m *metrics.Metrics) Deps {
	d := Deps{
		Info: func() Info {
			return Info{
				Connected:       r.IsConnected(),
				Host:            r.Host(),
				CommandProtocol: string(r.CommandProtocol()),
				VideoProtocol:   string(r.VideoProtocol()),
				Namespace:       r.Namespace(),
			}
		},
		Nav:     r.Nav(),
		Pose:    r.Status(),
		Joints:  r.Arm(),
		Metrics: m,
	}
	if c := r.Cameras(); c != nil {
		d.Frames = c
	}
	return d
}

// Config tunes the server.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// StatusInterval is how often status is pushed to websocket clients.
	StatusInterval time.Duration

	// SnapshotQuality is the JPEG quality for camera snapshots.
	SnapshotQuality int
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{Addr: ":8080", StatusInterval: 200 * time.Millisecond, SnapshotQuality: 85}
}

// Server is the dashboard HTTP server.
type Server struct {
	cfg       Config
	deps      Deps
	logger    *slog.Logger
	app       *fiber.App
	statusHub *hub.Hub
}

// NewServer builds the routes. Call Start to serve.
func NewServer(cfg Config, deps Deps, logger *slog.Logger) *Server {
	d := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = d.Addr
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = d.StatusInterval
	}
	if cfg.SnapshotQuality <= 0 {
		cfg.SnapshotQuality = d.SnapshotQuality
	}
	logger = log.Component("web", logger)
	s := &Server{
		cfg:       cfg,
		deps:      deps,
		logger:    logger,
		statusHub: hub.New("status", logger),
	}

	app := fiber.New(fiber.Config{
		AppName:               "Walkie Dashboard",
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Post("/nav/goto", s.handleGoTo)
	api.Post("/nav/cancel", s.handleCancel)
	api.Post("/nav/stop", s.handleStop)
	api.Post("/nav/drive", s.handleDrive)
	api.Get("/arm/joints", s.handleJoints)
	api.Get("/cameras", s.handleCameras)
	api.Get("/camera/:name", s.handleSnapshot)

	if deps.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(deps.Metrics.Handler()))
	}

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/status", websocket.New(s.handleStatusWS))

	s.app = app
	return s
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App { return s.app }

// StatusHub returns the hub that carries status pushes.
func (s *Server) StatusHub() *hub.Hub { return s.statusHub }

// Start serves until ctx is done, then shuts down.
func (s *Server) Start(ctx context.Context) error {
	go s.statusHub.Run(ctx)
	go s.pushStatus(ctx)

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("dashboard listening", "addr", s.cfg.Addr)
		errc <- s.app.Listen(s.cfg.Addr)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return s.app.Shutdown()
	}
}

func (s *Server) pushStatus(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.statusHub.ClientCount() == 0 {
				continue
			}
			if err := s.statusHub.BroadcastJSON(s.status()); err != nil {
				s.logger.Warn("status encode failed", "error", err)
			}
		}
	}
}
