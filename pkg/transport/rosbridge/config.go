// Package rosbridge implements transport.CommandTransport over the
// rosbridge v2 JSON protocol on a single WebSocket connection.
//
// Topics map onto subscribe/advertise/publish ops, services onto
// call_service/service_response, and actions onto send_action_goal with
// action_feedback/action_result replies. One remote subscription is held
// per topic regardless of how many local subscribers share it.
package rosbridge

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/teslashibe/walkie-go/pkg/metrics"
	"github.com/teslashibe/walkie-go/pkg/schema"
)

// DefaultPort is the rosbridge_server WebSocket port.
const DefaultPort = 9090

// Config holds rosbridge transport configuration.
type Config struct {
	// Host is the robot address.
	Host string `yaml:"host" json:"host"`

	// Port is the rosbridge WebSocket port.
	Port int `yaml:"port" json:"port"`

	// ConnectTimeout bounds Connect.
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`

	// WriteTimeout bounds each frame written to the socket.
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// ServiceTimeout is used by CallService when the caller passes 0.
	ServiceTimeout time.Duration `yaml:"service_timeout" json:"service_timeout"`

	// Schemas validates inbound messages and outbound goals. Nil means
	// the built-in registry.
	Schemas *schema.Registry `yaml:"-" json:"-"`

	// Metrics is optional.
	Metrics *metrics.Metrics `yaml:"-" json:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Host:           "localhost",
		Port:           DefaultPort,
		ConnectTimeout: 10 * time.Second,
		WriteTimeout:   5 * time.Second,
		ServiceTimeout: 5 * time.Second,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be in 1..65535, got %d", c.Port)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive")
	}
	return nil
}

// URL returns the WebSocket endpoint.
func (c *Config) URL() string {
	return "ws://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ServiceTimeout == 0 {
		c.ServiceTimeout = d.ServiceTimeout
	}
	if c.Schemas == nil {
		c.Schemas = schema.Builtin()
	}
}
