// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"fmt"
	"io"

	"github.com/relabs-tech/movement_recorder/internal/calibration"
	"github.com/relabs-tech/movement_recorder/internal/movement"
)

// FormatDelta renders one delta as a console line.
func FormatDelta(r movement.Result) string {
	line := fmt.Sprintf("DELTA=%8.3f  RAW=%8.3f", r.Delta, r.RawDelta)
	if o := r.Orientation; o != nil {
		line += fmt.Sprintf("  ROLL=%6.2f  PITCH=%6.2f  YAW=%6.2f (raw %6.2f)", o.Roll, o.Pitch, o.CalibratedYaw, o.Yaw)
	}
	return line
}

// RunConsole calibrates the configured source and prints every delta
// until ctx is done. Nothing is recorded.
func RunConsole(ctx context.Context, out io.Writer) error {
	return headless(ctx, func(ctx context.Context, rt *Runtime, b calibration.Baseline) error {
		fmt.Fprintf(out, "calibrated: noise floor %.4f, yaw baseline %.2f\n", b.NoiseFloor, b.YawBaseline)
		rt.Controller.Observe(func(ev Event) {
			if ev.Type == EventDelta && ev.Delta != nil {
				fmt.Fprintln(out, FormatDelta(*ev.Delta))
			}
		})
		<-ctx.Done()
		return nil
	})
}
