// Package factory builds command and video transports from protocol
// names, including auto-detection of the command transport.
package factory

import (
	"strings"

	"github.com/teslashibe/walkie-go/pkg/transport"
)

// CommandProtocol selects the command transport.
type CommandProtocol string

const (
	// Bridge is rosbridge JSON over WebSocket.
	Bridge CommandProtocol = "bridge"
	// Overlay is pub/sub and request/reply over NATS.
	Overlay CommandProtocol = "overlay"
	// Auto tries Overlay, then Bridge.
	Auto CommandProtocol = "auto"
)

// VideoProtocol selects the camera transport.
type VideoProtocol string

const (
	WebRTC       VideoProtocol = "webrtc"
	OverlayVideo VideoProtocol = "overlay"
	SharedMemory VideoProtocol = "shm"
	NoVideo      VideoProtocol = "none"
)

var commandAliases = map[string]CommandProtocol{
	"bridge":    Bridge,
	"rosbridge": Bridge,
	"websocket": Bridge,
	"overlay":   Overlay,
	"nats":      Overlay,
	"zenoh":     Overlay,
	"auto":      Auto,
}

var videoAliases = map[string]VideoProtocol{
	"webrtc":        WebRTC,
	"overlay":       OverlayVideo,
	"nats":          OverlayVideo,
	"zenoh":         OverlayVideo,
	"shm":           SharedMemory,
	"shared_memory": SharedMemory,
	"none":          NoVideo,
	"off":           NoVideo,
}

// ParseCommandProtocol resolves a protocol name. Empty means Auto.
func ParseCommandProtocol(s string) (CommandProtocol, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Auto, nil
	}
	if p, ok := commandAliases[s]; ok {
		return p, nil
	}
	return "", &transport.ConfigurationError{
		Field:  "command protocol",
		Value:  s,
		Reason: "want bridge, overlay or auto",
	}
}

// ParseVideoProtocol resolves a camera protocol name. Empty means
// "use the default for the command protocol" and is returned as "".
func ParseVideoProtocol(s string) (VideoProtocol, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", nil
	}
	if p, ok := videoAliases[s]; ok {
		return p, nil
	}
	return "", &transport.ConfigurationError{
		Field:  "video protocol",
		Value:  s,
		Reason: "want webrtc, overlay, shm or none",
	}
}

// DefaultVideoProtocol returns the camera protocol that pairs with a
// command protocol. The pairing is advice; any combination is allowed.
func DefaultVideoProtocol(p CommandProtocol) VideoProtocol {
	switch p {
	case Bridge, Auto:
		return WebRTC
	case Overlay:
		return OverlayVideo
	}
	return NoVideo
}
