package camera

import (
	"fmt"
	"strings"

	"github.com/teslashibe/walkie-go/pkg/transport"
)

// Snapshot quality presets.
const (
	PresetLow     = "low"
	PresetDefault = "default"
	PresetHigh    = "high"
)

// Qualities maps preset names to JPEG quality.
func Qualities() map[string]int {
	return map[string]int{
		PresetLow:     50,
		PresetDefault: 85,
		PresetHigh:    95,
	}
}

// ParseQuality resolves a preset name to a JPEG quality. An empty name
// selects the default preset.
func ParseQuality(preset string) (int, error) {
	if preset == "" {
		preset = PresetDefault
	}
	q, ok := Qualities()[strings.ToLower(preset)]
	if !ok {
		return 0, &transport.ConfigurationError{Field: "quality", Value: preset, Reason: "unknown preset"}
	}
	return q, nil
}

// Snapshot encodes the latest frame of channel as JPEG.
func (m *MultiCamera) Snapshot(channel string, quality int) ([]byte, error) {
	f, ok := m.Frame(channel)
	if !ok {
		return nil, fmt.Errorf("camera %s: %w", channel, transport.ErrEmptyImage)
	}
	return transport.EncodeJPEG(f, quality)
}
