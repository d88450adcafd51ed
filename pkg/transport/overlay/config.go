// Package overlay implements the command and video transports over a NATS
// pub/sub fabric.
//
// Topic paths become overlay keys by dropping the leading separator, and
// keys become NATS subjects by replacing "/" with ".":
//
//	/robot1/odom  ->  robot1/odom  ->  robot1.odom
//
// Payloads are UTF-8 JSON. Services are plain NATS request/reply on the
// service subject. Actions use a query/reply protocol on derived subjects:
//
//	<key>._action.send_goal        {"goal_id", "goal"}      -> {"accepted", "message"}
//	<key>._action.get_result       {"goal_id", "wait_ms"}   -> {"status", "result"}
//	<key>._action.cancel_goal      {"goal_id"}              -> {"canceling"}
//	<key>._action.feedback.<id>    feedback messages (published by the server)
//
// get_result is a long poll: the server answers when the goal terminates or
// after wait_ms with status IN_PROGRESS.
package overlay

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/teslashibe/walkie-go/pkg/metrics"
	"github.com/teslashibe/walkie-go/pkg/schema"
	"github.com/teslashibe/walkie-go/pkg/transport"
)

// DefaultPort is the NATS client port.
const DefaultPort = 4222

// Config holds overlay transport configuration.
type Config struct {
	// Host and Port locate the NATS server. URL, when set, wins.
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
	URL  string `yaml:"url" json:"url"`

	// Name identifies this client to the server.
	Name string `yaml:"name" json:"name"`

	// ConnectTimeout bounds Connect.
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`

	// RequestTimeout bounds send_goal and cancel_goal round trips.
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`

	// ResultPoll is the long-poll window for get_result.
	ResultPoll time.Duration `yaml:"result_poll" json:"result_poll"`

	// ServiceTimeout is used by CallService when the caller passes 0.
	ServiceTimeout time.Duration `yaml:"service_timeout" json:"service_timeout"`

	Schemas *schema.Registry `yaml:"-" json:"-"`
	Metrics *metrics.Metrics `yaml:"-" json:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Host:           "localhost",
		Port:           DefaultPort,
		Name:           "walkie-sdk",
		ConnectTimeout: 10 * time.Second,
		RequestTimeout: 2 * time.Second,
		ResultPoll:     time.Second,
		ServiceTimeout: 5 * time.Second,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.URL == "" && c.Host == "" {
		return fmt.Errorf("host or url is required")
	}
	if c.URL == "" && (c.Port <= 0 || c.Port > 65535) {
		return fmt.Errorf("port must be in 1..65535, got %d", c.Port)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive")
	}
	return nil
}

// ServerURL returns the NATS URL to dial.
func (c *Config) ServerURL() string {
	if c.URL != "" {
		return c.URL
	}
	return "nats://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Port == 0 && c.URL == "" {
		c.Port = d.Port
	}
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.ResultPoll == 0 {
		c.ResultPoll = d.ResultPoll
	}
	if c.ServiceTimeout == 0 {
		c.ServiceTimeout = d.ServiceTimeout
	}
	if c.Schemas == nil {
		c.Schemas = schema.Builtin()
	}
}

// Subject converts a topic path into a NATS subject.
func Subject(topic string) string {
	parts := strings.Split(transport.OverlayKey(topic), "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ".")
}

func actionSubject(action, verb string) string {
	return Subject(action) + "._action." + verb
}

func feedbackSubject(action, goalID string) string {
	return Subject(action) + "._action.feedback." + goalID
}

// dial connects to the configured server, bounded by ctx and
// Config.ConnectTimeout.
func dial(ctx context.Context, cfg Config, opts ...nats.Option) (*nats.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	type result struct {
		nc  *nats.Conn
		err error
	}
	done := make(chan result, 1)
	go func() {
		nc, err := nats.Connect(cfg.ServerURL(), opts...)
		done <- result{nc, err}
	}()

	select {
	case r := <-done:
		return r.nc, r.err
	case <-ctx.Done():
		// A late success must not leak.
		go func() {
			if r := <-done; r.nc != nil {
				r.nc.Close()
			}
		}()
		return nil, ctx.Err()
	}
}
