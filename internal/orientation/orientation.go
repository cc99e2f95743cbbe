package orientation

import (
	"math"
)

// Pose is the canonical representation of orientation for the recorder.
// All angles are in degrees.
type Pose struct {
	Pitch float64 `json:"pitch"`
	Roll  float64 `json:"roll"`
	Yaw   float64 `json:"yaw"`
}

// ComputePoseFromAccel computes roll and pitch from accelerometer data only.
// Yaw is 0; an accelerometer alone cannot observe heading.
//
// Uses simple tilt formulas:
//
//	roll  = atan2(ay, az)
//	pitch = atan2(-ax, sqrt(ay² + az²))
func ComputePoseFromAccel(ax, ay, az float64) Pose {
	rollRad := math.Atan2(ay, az)
	pitchRad := math.Atan2(-ax, math.Sqrt(ay*ay+az*az))

	return Pose{
		Roll:  rollRad * 180.0 / math.Pi,
		Pitch: pitchRad * 180.0 / math.Pi,
	}
}

// FromRotationVector converts a rotation-vector reading (the vector part of
// a unit quaternion, optionally with the scalar part w) into pitch, roll and
// yaw in degrees.
//
// The rotation matrix and angle extraction follow the usual phone sensor
// convention:
//
//	yaw   = atan2(R[0][1], R[1][1])
//	pitch = asin(-R[2][1])
//	roll  = atan2(-R[2][0], R[2][2])
func FromRotationVector(x, y, z, w float64) Pose {
	q0 := w
	if q0 == 0 {
		q0 = 1 - x*x - y*y - z*z
		if q0 > 0 {
			q0 = math.Sqrt(q0)
		} else {
			q0 = 0
		}
	}

	sqX := 2 * x * x
	sqY := 2 * y * y
	sqZ := 2 * z * z
	xy := 2 * x * y
	zw := 2 * z * q0
	xz := 2 * x * z
	yw := 2 * y * q0
	yz := 2 * y * z
	xw := 2 * x * q0

	r01 := xy - zw
	r11 := 1 - sqX - sqZ
	r20 := xz - yw
	r21 := yz + xw
	r22 := 1 - sqX - sqY

	// Clamp against rounding so asin never sees |v| > 1.
	s := -r21
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}

	return Pose{
		Yaw:   math.Atan2(r01, r11) * 180.0 / math.Pi,
		Pitch: math.Asin(s) * 180.0 / math.Pi,
		Roll:  math.Atan2(-r20, r22) * 180.0 / math.Pi,
	}
}
