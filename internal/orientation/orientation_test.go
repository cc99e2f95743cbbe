package orientation

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputePoseFromAccel(t *testing.T) {
	p := ComputePoseFromAccel(0, 0, 9.81)
	assert.InDelta(t, 0, p.Roll, 1e-9)
	assert.InDelta(t, 0, p.Pitch, 1e-9)
	assert.Equal(t, 0.0, p.Yaw)

	// Lying on its side: gravity entirely on +y.
	p = ComputePoseFromAccel(0, 9.81, 0)
	assert.InDelta(t, 90, p.Roll, 1e-9)
}

func TestFromRotationVector(t *testing.T) {
	tests := []struct {
		name       string
		x, y, z, w float64
		want       Pose
	}{
		{name: "identity", want: Pose{}},
		{
			name: "quarter turn about z",
			z:    math.Sin(math.Pi / 4),
			w:    math.Cos(math.Pi / 4),
			want: Pose{Yaw: -90},
		},
		{
			name: "quarter turn about z, derived w",
			z:    math.Sin(math.Pi / 4),
			want: Pose{Yaw: -90},
		},
		{
			name: "quarter turn about x",
			x:    math.Sin(math.Pi / 4),
			w:    math.Cos(math.Pi / 4),
			want: Pose{Pitch: -90},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := FromRotationVector(tc.x, tc.y, tc.z, tc.w)
			assert.InDelta(t, tc.want.Yaw, got.Yaw, 1e-6)
			assert.InDelta(t, tc.want.Pitch, got.Pitch, 1e-6)
			if tc.want.Pitch == 0 {
				assert.InDelta(t, tc.want.Roll, got.Roll, 1e-6)
			}
		})
	}
}
