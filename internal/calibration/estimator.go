// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package calibration estimates the stationary noise floor of a motion
// sensor (and, when orientation is available, a yaw baseline) over a fixed
// window of samples.
//
// The estimator is a value type: Begin and Observe return a new State and
// never mutate their input, so the caller owns exactly one copy of the
// running totals.
package calibration

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// DefaultSampleCount is the calibration window length.
const DefaultSampleCount = 50

// Phase is the lifecycle position of a calibration run.
type Phase int

const (
	Uncalibrated Phase = iota
	Calibrating
	Calibrated
)

func (p Phase) String() string {
	switch p {
	case Uncalibrated:
		return "uncalibrated"
	case Calibrating:
		return "calibrating"
	case Calibrated:
		return "calibrated"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// YawAggregation selects how yaw samples are folded into the baseline.
type YawAggregation string

const (
	// YawSigned averages raw yaw: Σyaw / N.
	YawSigned YawAggregation = "signed"
	// YawAbsolute averages absolute yaw: Σ|yaw| / N.
	YawAbsolute YawAggregation = "absolute"
)

// ParseYawAggregation validates a configured aggregation name.
func ParseYawAggregation(s string) (YawAggregation, error) {
	switch YawAggregation(s) {
	case YawSigned, YawAbsolute:
		return YawAggregation(s), nil
	case "":
		return YawSigned, nil
	}
	return "", fmt.Errorf("unknown yaw aggregation %q (want %q or %q)", s, YawSigned, YawAbsolute)
}

// Baseline is the result of a completed calibration run.
type Baseline struct {
	NoiseFloor  float64 `json:"noise_floor"`
	YawBaseline float64 `json:"yaw_baseline"`
	NoiseStdDev float64 `json:"noise_stddev"`
	Samples     int     `json:"samples"`
}

// State holds the running totals of one calibration run.
type State struct {
	Phase   Phase
	Count   int
	SumAbs  float64
	SumYaw  float64
	window  []float64
	results Baseline
}

// Calibrated reports whether the baseline is trustworthy.
func (s State) Calibrated() bool { return s.Phase == Calibrated }

// Calibrating reports whether samples are still being collected.
func (s State) Calibrating() bool { return s.Phase == Calibrating }

// Baseline returns the finalized baseline. Mid-calibration (or before any
// calibration) it is all zeros; check Calibrated first.
func (s State) Baseline() Baseline { return s.results }

// Estimator carries the calibration parameters.
type Estimator struct {
	SampleCount int
	Yaw         YawAggregation
}

// NewEstimator returns an estimator with the given window; n <= 0 selects
// DefaultSampleCount.
func NewEstimator(n int, yaw YawAggregation) Estimator {
	if n <= 0 {
		n = DefaultSampleCount
	}
	if yaw == "" {
		yaw = YawSigned
	}
	return Estimator{SampleCount: n, Yaw: yaw}
}

// Begin resets the running totals and enters Calibrating.
func (e Estimator) Begin() State {
	return State{Phase: Calibrating}
}

// Observe folds one raw delta (and, when hasYaw, one yaw sample) into s.
// Outside Calibrating it returns s unchanged. After exactly SampleCount
// observations the returned state is Calibrated.
func (e Estimator) Observe(s State, rawDelta, yaw float64, hasYaw bool) State {
	if s.Phase != Calibrating {
		return s
	}

	next := s
	abs := math.Abs(rawDelta)
	next.Count++
	next.SumAbs += abs
	if hasYaw {
		if e.Yaw == YawAbsolute {
			next.SumYaw += math.Abs(yaw)
		} else {
			next.SumYaw += yaw
		}
	}
	// Full slice expression forces a copy so s keeps its own window.
	next.window = append(s.window[:len(s.window):len(s.window)], abs)

	if next.Count >= e.SampleCount {
		n := float64(next.Count)
		_, std := stat.PopMeanStdDev(next.window, nil)
		next.results = Baseline{
			NoiseFloor:  next.SumAbs / n,
			YawBaseline: next.SumYaw / n,
			NoiseStdDev: std,
			Samples:     next.Count,
		}
		next.Phase = Calibrated
	}
	return next
}

// Progress returns (collected, required) for display.
func (e Estimator) Progress(s State) (int, int) {
	return s.Count, e.SampleCount
}
