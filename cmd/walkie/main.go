// Walkie - connect to a Walkie robot, log its pose and optionally serve
// the dashboard.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/teslashibe/walkie-go/internal/config"
	"github.com/teslashibe/walkie-go/internal/log"
	"github.com/teslashibe/walkie-go/pkg/metrics"
	"github.com/teslashibe/walkie-go/pkg/robot"
	"github.com/teslashibe/walkie-go/pkg/telemetry"
	"github.com/teslashibe/walkie-go/pkg/web"
)

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "walkie: %v\n", err)
		os.Exit(2)
	}
	log.Init(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		log.Error("walkie failed", "error", err)
		os.Exit(1)
	}
}

// parseFlags layers defaults, the optional YAML file, the environment
// and finally explicit flags.
func parseFlags(args []string) (*config.Robot, error) {
	fs := flag.NewFlagSet("walkie", flag.ContinueOnError)
	path := fs.String("config", "", "YAML config file")
	host := fs.String("robot-ip", "", "Robot IP address (overrides ROBOT_IP env var)")
	cmdProto := fs.String("protocol", "", "Command protocol: bridge, overlay, auto")
	videoProto := fs.String("video", "", "Video protocol: webrtc, overlay, shm, none")
	namespace := fs.String("namespace", "", "Namespace prefixed to every topic and action")
	dashboard := fs.String("dashboard", "", "Serve the dashboard on this address, e.g. :8080")
	timeout := fs.Duration("timeout", 0, "Connection timeout")
	debug := fs.Bool("debug", false, "Enable verbose debug logging")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := config.Default()
	if *path != "" {
		var err error
		if cfg, err = config.Load(*path); err != nil {
			return nil, err
		}
	}
	cfg.FromEnv()

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["robot-ip"] {
		cfg.Host = *host
	}
	if set["protocol"] {
		cfg.CommandProtocol = *cmdProto
	}
	if set["video"] {
		cfg.VideoProtocol = *videoProto
	}
	if set["namespace"] {
		cfg.Namespace = *namespace
	}
	if set["dashboard"] {
		cfg.DashboardAddr = *dashboard
	}
	if set["timeout"] {
		cfg.Timeout = *timeout
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, cfg *config.Robot) error {
	m := metrics.New()
	r, err := robot.Connect(ctx, cfg, robot.WithMetrics(m))
	if err != nil {
		return err
	}
	defer r.Disconnect()
	log.Info("connected", "robot", r.String(), "video", r.VideoProtocol())

	errc := make(chan error, 1)
	if cfg.DashboardAddr != "" {
		wcfg := web.DefaultConfig()
		wcfg.Addr = cfg.DashboardAddr
		srv := web.NewServer(wcfg, web.FromRobot(r, m), nil)
		go func() { errc <- srv.Start(ctx) }()
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var last *telemetry.Pose
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return nil
		case err := <-errc:
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("dashboard: %w", err)
			}
			return nil
		case <-ticker.C:
			last = logPose(r, last)
		}
	}
}

// Pose changes below these are logged at debug level.
const (
	poseDistTolerance  = 0.01
	poseAngleTolerance = 0.01
)

// logPose logs the current pose and returns it. Poses that have not moved
// since last are logged at debug level.
func logPose(r *robot.Robot, last *telemetry.Pose) *telemetry.Pose {
	if !r.IsConnected() {
		log.Warn("robot disconnected")
		return last
	}
	p, ok := r.Status().Pose()
	if !ok {
		log.Debug("waiting for odometry")
		return last
	}
	v, _ := r.Status().Velocity()
	logf := log.Info
	if last != nil && !p.Moved(*last, poseDistTolerance, poseAngleTolerance) {
		logf = log.Debug
	}
	logf("pose",
		"x", fmt.Sprintf("%.2f", p.X),
		"y", fmt.Sprintf("%.2f", p.Y),
		"heading", fmt.Sprintf("%.2f", p.Heading),
		"linear", fmt.Sprintf("%.2f", v.Linear),
		"angular", fmt.Sprintf("%.2f", v.Angular),
		"nav", r.Nav().Status())
	return &p
}
