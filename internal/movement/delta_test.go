package movement

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/movement_recorder/internal/calibration"
	"github.com/relabs-tech/movement_recorder/internal/orientation"
)

func TestRawDelta(t *testing.T) {
	tests := []struct {
		name string
		kind SensorKind
		v    [3]float64
		want float64
	}{
		{"gyro z positive", GyroZ, [3]float64{5, 5, math.Pi}, 180},
		{"gyro z negative", GyroZ, [3]float64{0, 0, -math.Pi / 2}, -90},
		{"gyro magnitude", GyroMagnitude, [3]float64{0, 3 * math.Pi / 180, 4 * math.Pi / 180}, 5},
		{"accel at rest", Accelerometer, [3]float64{0, 0, 9.81}, 0},
		{"accel free fall", Accelerometer, [3]float64{0, 0, 0}, 9.81},
		{"accel push", Accelerometer, [3]float64{0, 0, 10.81}, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, RawDelta(tc.kind, tc.v), 1e-9)
		})
	}
}

func TestCorrect_BaselineAndSign(t *testing.T) {
	assert.InDelta(t, 1.95, Correct(2.0, 0.05, 0.5), 1e-12)
	assert.InDelta(t, -1.95, Correct(-2.0, 0.05, 0.5), 1e-12)

	// Below the noise floor collapses to zero, never -0.
	d := Correct(-0.01, 0.05, 0)
	assert.Equal(t, 0.0, d)
	assert.False(t, math.Signbit(d))
}

func TestCorrect_ThresholdAndSignProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 5000; i++ {
		raw := (rng.Float64() - 0.5) * 20
		noise := rng.Float64()
		threshold := rng.Float64()

		d := Correct(raw, noise, threshold)
		if math.Abs(d) < threshold {
			require.Equal(t, 0.0, d, "raw=%v noise=%v thr=%v", raw, noise, threshold)
		}
		if d != 0 {
			require.Equal(t, math.Signbit(raw), math.Signbit(d), "raw=%v d=%v", raw, d)
			require.InDelta(t, math.Abs(raw)-noise, math.Abs(d), 1e-12)
		}
	}
}

func TestCorrect_AccelerometerAtGravity(t *testing.T) {
	raw := RawDelta(Accelerometer, [3]float64{0, 0, 9.81})
	d := Correct(raw, 0, DefaultAccelThreshold)
	assert.Equal(t, 0.0, d)
}

func TestCalibrateYaw(t *testing.T) {
	assert.InDelta(t, 20.0, CalibrateYaw(30, 10), 1e-12)
	assert.InDelta(t, -20.0, CalibrateYaw(-30, 10), 1e-12)
	assert.InDelta(t, -20.0, CalibrateYaw(-30, -10), 1e-12)
	// Baseline larger than the reading: magnitude of the gap, sign of yaw.
	assert.InDelta(t, 5.0, CalibrateYaw(5, -10), 1e-12)
}

func TestCompute(t *testing.T) {
	p := Params{Sensor: GyroZ, Threshold: DefaultGyroThreshold}
	b := calibration.Baseline{NoiseFloor: 0.05, YawBaseline: 10}

	r := Compute(p, 2.0, b, nil)
	assert.InDelta(t, 1.95, r.Delta, 1e-12)
	assert.Equal(t, 2.0, r.RawDelta)
	assert.Nil(t, r.Orientation, "orientation fields must be omitted without a pose")

	r = Compute(p, 0.3, b, &orientation.Pose{Pitch: 1, Roll: 2, Yaw: -40})
	assert.Equal(t, 0.0, r.Delta)
	require.NotNil(t, r.Orientation)
	assert.Equal(t, 1.0, r.Orientation.Pitch)
	assert.Equal(t, 2.0, r.Orientation.Roll)
	assert.InDelta(t, -30.0, r.Orientation.CalibratedYaw, 1e-12)
	assert.Equal(t, -40.0, r.Orientation.Yaw)
}

func TestParseSensorKind(t *testing.T) {
	k, err := ParseSensorKind("accelerometer")
	require.NoError(t, err)
	assert.Equal(t, Accelerometer, k)
	assert.Equal(t, DefaultAccelThreshold, k.DefaultThreshold())
	assert.False(t, k.UsesGyroscope())

	_, err = ParseSensorKind("magnetometer")
	assert.Error(t, err)
}
