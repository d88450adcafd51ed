package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"

	"github.com/mitchellh/mapstructure"

	"github.com/teslashibe/walkie-go/pkg/geom"
)

// Vector3 mirrors geometry_msgs/Vector3 and geometry_msgs/Point.
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// PoseMsg mirrors geometry_msgs/Pose.
type PoseMsg struct {
	Position    Vector3         `json:"position"`
	Orientation geom.Quaternion `json:"orientation"`
}

// TwistMsg mirrors geometry_msgs/Twist.
type TwistMsg struct {
	Linear  Vector3 `json:"linear"`
	Angular Vector3 `json:"angular"`
}

// Map renders t as a message payload.
func (t TwistMsg) Map() map[string]any {
	return map[string]any{
		"linear":  map[string]any{"x": t.Linear.X, "y": t.Linear.Y, "z": t.Linear.Z},
		"angular": map[string]any{"x": t.Angular.X, "y": t.Angular.Y, "z": t.Angular.Z},
	}
}

// OdometryMsg is the subset of nav_msgs/Odometry the SDK reads.
type OdometryMsg struct {
	Header struct {
		FrameID string `json:"frame_id"`
	} `json:"header"`
	ChildFrameID string `json:"child_frame_id"`
	Pose         struct {
		Pose PoseMsg `json:"pose"`
	} `json:"pose"`
	Twist struct {
		Twist TwistMsg `json:"twist"`
	} `json:"twist"`
}

// Decode copies a loosely typed payload into out, matching fields by
// their json tag. Numeric strings and integer/float mismatches are
// converted.
func Decode(msg map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		DecodeHook:       jsonNumberHook,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(msg); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}

// DecodeOdometry decodes an nav_msgs/Odometry payload.
func DecodeOdometry(msg map[string]any) (OdometryMsg, error) {
	var odom OdometryMsg
	err := Decode(msg, &odom)
	return odom, err
}

// Float converts a loosely typed numeric value. Anything that is not a
// finite number yields 0.
func Float(v any) float64 {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint32:
		f = float64(n)
	case json.Number:
		f, _ = n.Float64()
	default:
		return 0
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// Floats converts a loosely typed list. Malformed elements become 0 and
// non-list inputs yield nil.
func Floats(v any) []float64 {
	switch list := v.(type) {
	case []float64:
		out := make([]float64, len(list))
		copy(out, list)
		return out
	case []any:
		out := make([]float64, len(list))
		for i, e := range list {
			out[i] = Float(e)
		}
		return out
	}
	return nil
}

// Strings converts a loosely typed list of names. Non-string elements
// become "".
func Strings(v any) []string {
	switch list := v.(type) {
	case []string:
		out := make([]string, len(list))
		copy(out, list)
		return out
	case []any:
		out := make([]string, len(list))
		for i, e := range list {
			out[i], _ = e.(string)
		}
		return out
	}
	return nil
}

func jsonNumberHook(from, to reflect.Type, data any) (any, error) {
	n, ok := data.(json.Number)
	if !ok {
		return data, nil
	}
	switch to.Kind() {
	case reflect.Float32, reflect.Float64:
		return n.Float64()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return n.Int64()
	}
	return data, nil
}
