// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package movement turns raw motion samples into a baseline-corrected,
// thresholded, signed movement delta.
package movement

import (
	"fmt"
	"math"

	"github.com/relabs-tech/movement_recorder/internal/calibration"
	"github.com/relabs-tech/movement_recorder/internal/orientation"
)

// StandardGravity is the gravity baseline removed from accelerometer
// magnitudes, in m/s².
const StandardGravity = 9.81

// Default thresholds per sensor family.
const (
	DefaultGyroThreshold  = 0.5  // deg/s
	DefaultAccelThreshold = 0.11 // m/s²
)

// SensorKind selects how a raw delta is derived from a 3-axis vector.
type SensorKind string

const (
	// GyroZ uses the signed z-axis angular velocity, in deg/s.
	GyroZ SensorKind = "gyro_z"
	// GyroMagnitude uses the norm of the angular velocity, in deg/s.
	GyroMagnitude SensorKind = "gyro_magnitude"
	// Accelerometer uses |‖a‖ − g|, in m/s².
	Accelerometer SensorKind = "accelerometer"
)

// ParseSensorKind validates a configured sensor name.
func ParseSensorKind(s string) (SensorKind, error) {
	switch SensorKind(s) {
	case GyroZ, GyroMagnitude, Accelerometer:
		return SensorKind(s), nil
	}
	return "", fmt.Errorf("unknown sensor kind %q", s)
}

// DefaultThreshold returns the movement threshold used when none is configured.
func (k SensorKind) DefaultThreshold() float64 {
	if k == Accelerometer {
		return DefaultAccelThreshold
	}
	return DefaultGyroThreshold
}

// UsesGyroscope reports whether the kind consumes gyroscope samples
// (otherwise accelerometer samples).
func (k SensorKind) UsesGyroscope() bool {
	return k != Accelerometer
}

// Params is one pipeline variant.
type Params struct {
	Sensor    SensorKind
	Threshold float64
}

// OrientationFields are the optional pose-derived outputs. They are only
// present when an orientation feed is active.
type OrientationFields struct {
	Pitch         float64 `json:"pitch"`
	Roll          float64 `json:"roll"`
	CalibratedYaw float64 `json:"yaw"`
	Yaw           float64 `json:"raw_yaw"`
}

// Result is the output of Compute.
type Result struct {
	Delta       float64            `json:"delta"`
	RawDelta    float64            `json:"raw_delta"`
	Orientation *OrientationFields `json:"orientation,omitempty"`
}

func degrees(rad float64) float64 {
	return rad * 180.0 / math.Pi
}

// RawDelta derives the uncorrected delta for a sensor kind from a 3-axis
// vector (rad/s for gyroscopes, m/s² for accelerometers).
func RawDelta(kind SensorKind, v [3]float64) float64 {
	switch kind {
	case GyroMagnitude:
		return degrees(math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2]))
	case Accelerometer:
		return math.Abs(math.Sqrt(v[0]*v[0]+v[1]*v[1]+v[2]*v[2]) - StandardGravity)
	default:
		return degrees(v[2])
	}
}

// Correct subtracts the noise floor from |rawDelta|, restores the sign of
// rawDelta and zeroes anything below threshold.
func Correct(rawDelta, noiseFloor, threshold float64) float64 {
	magnitude := math.Max(0, math.Abs(rawDelta)-noiseFloor)
	delta := math.Copysign(magnitude, rawDelta)
	if math.Abs(delta) < math.Abs(threshold) || delta == 0 {
		// Also normalizes -0.
		return 0
	}
	return delta
}

// CalibrateYaw removes the yaw baseline magnitude while keeping the sign
// of the raw yaw.
func CalibrateYaw(yaw, yawBaseline float64) float64 {
	return math.Copysign(math.Abs(math.Abs(yaw)-math.Abs(yawBaseline)), yaw)
}

// Compute runs the full delta pipeline for one raw delta. pose is nil when
// no orientation feed is active.
func Compute(p Params, rawDelta float64, b calibration.Baseline, pose *orientation.Pose) Result {
	r := Result{
		Delta:    Correct(rawDelta, b.NoiseFloor, p.Threshold),
		RawDelta: rawDelta,
	}
	if pose != nil {
		r.Orientation = &OrientationFields{
			Pitch:         pose.Pitch,
			Roll:          pose.Roll,
			CalibratedYaw: CalibrateYaw(pose.Yaw, b.YawBaseline),
			Yaw:           pose.Yaw,
		}
	}
	return r
}
