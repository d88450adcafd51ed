// Package geom converts between planar headings and 3D orientations.
//
// Rotations follow the ROS convention: extrinsic roll (X), pitch (Y),
// yaw (Z), composed as q = qz * qy * qx.
package geom

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
)

// Quaternion is a unit rotation in (x, y, z, w) order, matching
// geometry_msgs/Quaternion.
type Quaternion struct {
	X float64 `json:"x" mapstructure:"x"`
	Y float64 `json:"y" mapstructure:"y"`
	Z float64 `json:"z" mapstructure:"z"`
	W float64 `json:"w" mapstructure:"w"`
}

// Identity is the zero rotation.
var Identity = Quaternion{W: 1}

func (q Quaternion) number() quat.Number {
	return quat.Number{Real: q.W, Imag: q.X, Jmag: q.Y, Kmag: q.Z}
}

func fromNumber(n quat.Number) Quaternion {
	return Quaternion{X: n.Imag, Y: n.Jmag, Z: n.Kmag, W: n.Real}
}

// axis returns the rotation of angle radians about a unit axis.
func axis(angle, x, y, z float64) quat.Number {
	s, c := math.Sincos(angle / 2)
	return quat.Number{Real: c, Imag: s * x, Jmag: s * y, Kmag: s * z}
}

// FromEuler builds a quaternion from roll, pitch and yaw in radians.
func FromEuler(roll, pitch, yaw float64) Quaternion {
	q := quat.Mul(axis(yaw, 0, 0, 1), quat.Mul(axis(pitch, 0, 1, 0), axis(roll, 1, 0, 0)))
	return fromNumber(q)
}

// FromYaw builds a planar orientation (roll = pitch = 0).
func FromYaw(yaw float64) Quaternion {
	return FromEuler(0, 0, yaw)
}

// Euler returns roll, pitch and yaw in radians. Pitch is clamped to
// ±π/2 at the gimbal-lock singularity.
func (q Quaternion) Euler() (roll, pitch, yaw float64) {
	q = q.Normalize()

	sinrCosp := 2 * (q.W*q.X + q.Y*q.Z)
	cosrCosp := 1 - 2*(q.X*q.X+q.Y*q.Y)
	roll = math.Atan2(sinrCosp, cosrCosp)

	sinp := 2 * (q.W*q.Y - q.Z*q.X)
	if math.Abs(sinp) >= 1 {
		pitch = math.Copysign(math.Pi/2, sinp)
	} else {
		pitch = math.Asin(sinp)
	}

	sinyCosp := 2 * (q.W*q.Z + q.X*q.Y)
	cosyCosp := 1 - 2*(q.Y*q.Y+q.Z*q.Z)
	yaw = math.Atan2(sinyCosp, cosyCosp)
	return roll, pitch, yaw
}

// Yaw returns only the heading component.
func (q Quaternion) Yaw() float64 {
	_, _, yaw := q.Euler()
	return yaw
}

// Normalize scales q to unit length. The zero quaternion maps to Identity.
func (q Quaternion) Normalize() Quaternion {
	n := q.number()
	norm := quat.Abs(n)
	if norm == 0 || math.IsNaN(norm) {
		return Identity
	}
	return fromNumber(quat.Scale(1/norm, n))
}

// Map renders q as a message field.
func (q Quaternion) Map() map[string]any {
	return map[string]any{"x": q.X, "y": q.Y, "z": q.Z, "w": q.W}
}

// NormalizeAngle wraps a to the interval (-π, π].
func NormalizeAngle(a float64) float64 {
	if math.IsNaN(a) || math.IsInf(a, 0) {
		return a
	}
	a = math.Mod(a, 2*math.Pi)
	if a > math.Pi {
		a -= 2 * math.Pi
	} else if a <= -math.Pi {
		a += 2 * math.Pi
	}
	return a
}

// AngleDiff returns the signed shortest rotation from b to a.
func AngleDiff(a, b float64) float64 {
	return NormalizeAngle(a - b)
}
