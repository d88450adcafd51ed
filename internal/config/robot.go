// Package config loads robot connection settings from YAML and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/teslashibe/walkie-go/internal/log"
	"github.com/teslashibe/walkie-go/pkg/transport"
	"github.com/teslashibe/walkie-go/pkg/transport/factory"
)

// Environment variables read by FromEnv.
const (
	EnvRobotIP         = "ROBOT_IP"
	EnvNamespace       = "WALKIE_NAMESPACE"
	EnvCommandProtocol = "WALKIE_COMMAND_PROTOCOL"
	EnvVideoProtocol   = "WALKIE_VIDEO_PROTOCOL"
	EnvLogLevel        = "LOG_LEVEL"
)

// DefaultHost is used when neither the file nor ROBOT_IP name a robot.
const DefaultHost = "localhost"

// Robot is the full client configuration.
type Robot struct {
	Host string `yaml:"host"`

	// CommandProtocol is bridge, overlay or auto.
	CommandProtocol string `yaml:"command_protocol"`
	CommandPort     int    `yaml:"command_port"`

	// VideoProtocol is webrtc, overlay, shm or none. Empty picks the
	// pairing for CommandProtocol.
	VideoProtocol string `yaml:"video_protocol"`
	VideoPort     int    `yaml:"video_port"`

	OverlayPort int `yaml:"overlay_port"`

	Timeout   time.Duration `yaml:"timeout"`
	Namespace string        `yaml:"namespace"`

	Camera CameraConfig `yaml:"camera"`

	// DashboardAddr enables the web dashboard when non-empty, e.g. ":8080".
	DashboardAddr string `yaml:"dashboard_addr"`

	LogLevel string `yaml:"log_level"`
}

// CameraConfig holds camera channel settings.
type CameraConfig struct {
	Channels   []string `yaml:"channels"`
	ShmPrefix  string   `yaml:"shm_prefix"`
	STUNServer string   `yaml:"stun_server"`
}

// Default returns the configuration used when nothing is set.
func Default() *Robot {
	return &Robot{
		Host:            DefaultHost,
		CommandProtocol: string(factory.Auto),
		Timeout:         10 * time.Second,
		Camera: CameraConfig{
			Channels: []string{"head", "left", "right"},
		},
		LogLevel: "info",
	}
}

// Load reads a YAML file over the defaults. Keys missing from the file
// keep their default values.
func Load(path string) (*Robot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// FromEnv overlays environment variables onto c and returns it.
func (c *Robot) FromEnv() *Robot {
	if v := os.Getenv(EnvRobotIP); v != "" {
		c.Host = v
	}
	if v, ok := os.LookupEnv(EnvNamespace); ok {
		c.Namespace = v
	}
	if v := os.Getenv(EnvCommandProtocol); v != "" {
		c.CommandProtocol = v
	}
	if v := os.Getenv(EnvVideoProtocol); v != "" {
		c.VideoProtocol = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	return c
}

// Validate reports every problem at once.
func (c *Robot) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Host) == "" {
		errs = append(errs, &transport.ConfigurationError{Field: "host", Reason: "required"})
	}
	if _, err := factory.ParseCommandProtocol(c.CommandProtocol); err != nil {
		errs = append(errs, err)
	}
	if _, err := factory.ParseVideoProtocol(c.VideoProtocol); err != nil {
		errs = append(errs, err)
	}
	for field, port := range map[string]int{"command_port": c.CommandPort, "video_port": c.VideoPort, "overlay_port": c.OverlayPort} {
		if port < 0 || port > 65535 {
			errs = append(errs, &transport.ConfigurationError{Field: field, Value: fmt.Sprint(port), Reason: "out of range"})
		}
	}
	if c.Timeout <= 0 {
		errs = append(errs, &transport.ConfigurationError{Field: "timeout", Value: c.Timeout.String(), Reason: "must be positive"})
	}
	if c.LogLevel != "" && !log.ValidLevel(c.LogLevel) {
		errs = append(errs, &transport.ConfigurationError{Field: "log_level", Value: c.LogLevel, Reason: "want debug, info, warn or error"})
	}
	return errors.Join(errs...)
}

// Protocols resolves the protocol pair, filling in the default video
// protocol for the command protocol.
func (c *Robot) Protocols() (factory.CommandProtocol, factory.VideoProtocol, error) {
	cmd, err := factory.ParseCommandProtocol(c.CommandProtocol)
	if err != nil {
		return "", "", err
	}
	video, err := factory.ParseVideoProtocol(c.VideoProtocol)
	if err != nil {
		return "", "", err
	}
	if video == "" {
		video = factory.DefaultVideoProtocol(cmd)
	}
	return cmd, video, nil
}

// FactoryOptions converts c into transport factory options.
func (c *Robot) FactoryOptions() factory.Options {
	return factory.Options{
		Host:        c.Host,
		CommandPort: c.CommandPort,
		OverlayPort: c.OverlayPort,
		VideoPort:   c.VideoPort,
		Timeout:     c.Timeout,
		Channels:    append([]string(nil), c.Camera.Channels...),
		ShmPrefix:   c.Camera.ShmPrefix,
		STUNServer:  c.Camera.STUNServer,
	}
}
