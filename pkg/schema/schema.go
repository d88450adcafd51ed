// Package schema maps message type names to structural validators and
// typed decoders.
//
// Payloads crossing a transport boundary are checked once against the
// registered JSON Schema for their type name; everything downstream can
// then decode them into typed structs without re-checking shape. Unknown
// type names are treated as opaque and always pass.
package schema

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Message type names understood by the robot.
const (
	Odometry         = "nav_msgs/msg/Odometry"
	Twist            = "geometry_msgs/msg/Twist"
	JointState       = "sensor_msgs/msg/JointState"
	NavigateToPose   = "nav2_msgs/action/NavigateToPose"
	GoToHome         = "my_robot_interfaces/action/GoToHome"
	ControlGripper   = "my_robot_interfaces/action/ControlGripper"
	GoToPose         = "my_robot_interfaces/action/GoToPose"
	GoToPoseRelative = "my_robot_interfaces/action/GoToPoseRelative"
)

// ValidationError reports a payload that does not match its schema.
type ValidationError struct {
	Schema  string
	Details []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("schema %s: %s", e.Schema, strings.Join(e.Details, "; "))
}

// Registry holds compiled schemas keyed by message type name.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*gojsonschema.Schema
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*gojsonschema.Schema)}
}

// Register compiles a JSON Schema document for name, replacing any
// previous registration.
func (r *Registry) Register(name, document string) error {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(document))
	if err != nil {
		return fmt.Errorf("compile schema %s: %w", name, err)
	}
	r.mu.Lock()
	r.schemas[name] = s
	r.mu.Unlock()
	return nil
}

// Known reports whether name has a registered schema.
func (r *Registry) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[name]
	return ok
}

// Validate checks msg against the schema registered for name. Messages of
// unregistered types pass unchecked.
func (r *Registry) Validate(name string, msg map[string]any) error {
	r.mu.RLock()
	s, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	if msg == nil {
		msg = map[string]any{}
	}

	result, err := s.Validate(gojsonschema.NewGoLoader(msg))
	if err != nil {
		return &ValidationError{Schema: name, Details: []string{err.Error()}}
	}
	if result.Valid() {
		return nil
	}
	details := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}
	return &ValidationError{Schema: name, Details: details}
}

var (
	builtinOnce sync.Once
	builtin     *Registry
)

// Builtin returns a shared, read-only registry preloaded with the robot's
// message types. Callers that need extra types should build their own
// with NewRegistry and RegisterBuiltins.
func Builtin() *Registry {
	builtinOnce.Do(func() {
		builtin = NewRegistry()
		if err := RegisterBuiltins(builtin); err != nil {
			panic(err)
		}
	})
	return builtin
}

// RegisterBuiltins adds every built-in message schema to r.
func RegisterBuiltins(r *Registry) error {
	for name, doc := range builtinDocuments {
		if err := r.Register(name, doc); err != nil {
			return err
		}
	}
	return nil
}
