package imu

import (
	"context"
	"errors"
	"time"
)

// Kind identifies which sensor produced a Sample.
type Kind string

const (
	KindGyroscope      Kind = "gyroscope"       // angular velocity, rad/s
	KindAccelerometer  Kind = "accelerometer"   // acceleration, m/s²
	KindRotationVector Kind = "rotation_vector" // unit quaternion x,y,z(,w)
)

// ErrSourceClosed is returned by Source.Next once a source has no more samples.
var ErrSourceClosed = errors.New("imu: source closed")

// Sample is a single timestamped reading from one sensor.
type Sample struct {
	Kind Kind      `json:"kind"`
	Time time.Time `json:"-"`

	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	// W is the scalar quaternion component for rotation vectors.
	// Zero means "derive from x,y,z".
	W float64 `json:"w,omitempty"`
}

// Vector returns the three axis components.
func (s Sample) Vector() [3]float64 {
	return [3]float64{s.X, s.Y, s.Z}
}

// IsMotion reports whether the sample drives calibration and logging
// (as opposed to orientation samples, which only update the pose).
func (s Sample) IsMotion() bool {
	return s.Kind == KindGyroscope || s.Kind == KindAccelerometer
}

// Source delivers samples one at a time, in order.
type Source interface {
	Next(ctx context.Context) (Sample, error)
	Close() error
}
