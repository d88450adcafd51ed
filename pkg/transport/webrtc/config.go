// Package webrtc implements the peer-video camera: an HTTP offer/answer
// handshake with the robot's signaling server followed by a receive-only
// H.264 track decoded in the background.
package webrtc

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/teslashibe/walkie-go/pkg/metrics"
)

// DefaultPort is the signaling server port.
const DefaultPort = 8554

// Config holds peer-video configuration.
type Config struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`

	// STUNServer is an optional ICE server URL, e.g. "stun:stun.l.google.com:19302".
	STUNServer string `yaml:"stun_server" json:"stun_server"`

	// ConnectTimeout bounds both the offer exchange and the wait for the
	// peer connection to reach the connected state.
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`

	// DecodeInterval is the minimum spacing between decodes.
	DecodeInterval time.Duration `yaml:"decode_interval" json:"decode_interval"`

	HTTP    *http.Client     `yaml:"-" json:"-"`
	Decoder Decoder          `yaml:"-" json:"-"`
	Metrics *metrics.Metrics `yaml:"-" json:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Host:           "localhost",
		Port:           DefaultPort,
		ConnectTimeout: 10 * time.Second,
		DecodeInterval: 100 * time.Millisecond,
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

// OfferURL is where the SDP offer is POSTed.
func (c *Config) OfferURL() string {
	return "http://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port)) + "/offer"
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.DecodeInterval == 0 {
		c.DecodeInterval = d.DecodeInterval
	}
}
