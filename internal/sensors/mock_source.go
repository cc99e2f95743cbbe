// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/relabs-tech/movement_recorder/internal/imu"
)

// MockOptions shapes the synthetic motion.
type MockOptions struct {
	Interval    time.Duration
	StillFor    time.Duration // quiet lead-in so calibration sees a stationary device
	Orientation bool          // also emit rotation-vector samples
	Seed        int64
}

// MockSource generates smooth changing motion with a little sensor noise.
// Each tick emits gyroscope, accelerometer and (optionally) rotation-vector
// samples in that order.
type MockSource struct {
	opts  MockOptions
	clock clock.Clock
	start time.Time
	rng   *rand.Rand

	ticker    *clock.Ticker
	pending   []imu.Sample
	done      chan struct{}
	closeOnce sync.Once
}

// NewMockSource creates a mock source timed by clk (the wall clock when nil).
func NewMockSource(opts MockOptions, clk clock.Clock) *MockSource {
	if clk == nil {
		clk = clock.New()
	}
	if opts.Interval <= 0 {
		opts.Interval = 20 * time.Millisecond
	}
	return &MockSource{
		opts:   opts,
		clock:  clk,
		start:  clk.Now(),
		rng:    rand.New(rand.NewSource(opts.Seed)),
		ticker: clk.Ticker(opts.Interval),
		done:   make(chan struct{}),
	}
}

func (m *MockSource) Next(ctx context.Context) (imu.Sample, error) {
	select {
	case <-m.done:
		return imu.Sample{}, imu.ErrSourceClosed
	default:
	}
	if len(m.pending) > 0 {
		next := m.pending[0]
		m.pending = m.pending[1:]
		return next, nil
	}

	select {
	case <-ctx.Done():
		return imu.Sample{}, ctx.Err()
	case <-m.done:
		return imu.Sample{}, imu.ErrSourceClosed
	case now := <-m.ticker.C:
		samples := m.generate(now)
		m.pending = append(m.pending, samples[1:]...)
		return samples[0], nil
	}
}

func (m *MockSource) generate(now time.Time) []imu.Sample {
	elapsed := now.Sub(m.start)
	noise := func() float64 { return (m.rng.Float64() - 0.5) * 0.002 }

	var rate, yaw float64 // rad/s, degrees
	if elapsed >= m.opts.StillFor {
		t := (elapsed - m.opts.StillFor).Seconds()
		rate = 0.6 * math.Sin(t*1.3) * math.Max(0, math.Sin(t*0.4))
		yaw = 30 * math.Sin(t*0.5)
	}

	out := []imu.Sample{
		{Kind: imu.KindGyroscope, Time: now, X: noise(), Y: noise(), Z: rate + noise()},
		{Kind: imu.KindAccelerometer, Time: now, X: noise(), Y: noise(), Z: standardGravity + rate*0.3 + noise()},
	}
	if m.opts.Orientation {
		half := yaw * math.Pi / 360
		out = append(out, imu.Sample{Kind: imu.KindRotationVector, Time: now, Z: math.Sin(half), W: math.Cos(half)})
	}
	return out
}

func (m *MockSource) Close() error {
	m.closeOnce.Do(func() {
		m.ticker.Stop()
		close(m.done)
	})
	return nil
}
