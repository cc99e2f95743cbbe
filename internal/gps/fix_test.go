package gps

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rmc = "$GPRMC,220516,A,5133.82,N,00042.24,W,173.8,231.8,130694,004.2,W*70"

func TestTracker_ParsesRMC(t *testing.T) {
	tr := NewTracker(nil)
	_, ok := tr.Latest()
	assert.False(t, ok)

	tr.Observe(rmc + "\r\n")
	fix, ok := tr.Latest()
	require.True(t, ok)
	assert.InDelta(t, 51.563667, fix.Latitude, 1e-5)
	assert.InDelta(t, -0.704, fix.Longitude, 1e-5)
	assert.Equal(t, 173.8, fix.SpeedKnots)
	assert.Equal(t, "A", fix.Validity)
}

func TestTracker_RunIgnoresNoise(t *testing.T) {
	input := strings.Join([]string{
		"garbage",
		"$GPRMC,broken*00",
		"$GPGSA,A,3,04,05,,09,12,,,24,,,,,2.5,1.3,2.1*39",
		rmc,
	}, "\n")

	tr := NewTracker(nil)
	require.NoError(t, tr.Run(context.Background(), strings.NewReader(input)))
	fix, ok := tr.Latest()
	require.True(t, ok)
	assert.InDelta(t, 51.563667, fix.Latitude, 1e-5)
}

func TestTracker_RunStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewTracker(nil).Run(ctx, strings.NewReader(rmc+"\n"))
	assert.ErrorIs(t, err, context.Canceled)
}
