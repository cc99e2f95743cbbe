package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/movement_recorder/internal/calibration"
	"github.com/relabs-tech/movement_recorder/internal/config"
)

// RunServe runs the recorder with the websocket monitor until ctx is done
// or the sample source ends.
func RunServe(ctx context.Context) error {
	cfg := config.Get()
	log := NewLogger(cfg)
	defer func() { _ = log.Sync() }()

	rt, err := NewRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.Warnf("serve: shutdown: %v", err)
		}
	}()

	mon := NewMonitor(rt.Controller, "", log)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return rt.Controller.Run(gctx)
	})
	g.Go(func() error { return mon.Serve(gctx, cfg.Monitor.Addr) })
	g.Go(func() error { return rt.RunGPS(gctx) })
	return g.Wait()
}

// headless drives a runtime without the monitor: it calibrates, then hands
// control to fn while the controller keeps running.
func headless(ctx context.Context, fn func(ctx context.Context, rt *Runtime, b calibration.Baseline) error) error {
	cfg := config.Get()
	log := NewLogger(cfg)
	defer func() { _ = log.Sync() }()

	rt, err := NewRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}

	calibrated := make(chan calibration.Baseline, 1)
	rt.Controller.Observe(func(ev Event) {
		if ev.Type == EventCalibrated && ev.Baseline != nil {
			select {
			case calibrated <- *ev.Baseline:
			default:
			}
		}
	})

	ctx, cancel := context.WithCancel(ctx)
	runErr := make(chan error, 1)
	go func() { runErr <- rt.Controller.Run(ctx) }()
	go func() { _ = rt.RunGPS(ctx) }()

	err = func() error {
		if !cfg.Sensor.AutoCalibrate {
			if err := rt.Controller.Calibrate(ctx); err != nil {
				return err
			}
		}
		select {
		case b := <-calibrated:
			return fn(ctx, rt, b)
		case err := <-runErr:
			runErr <- err
			if err == nil {
				err = errors.New("sample source ended before calibration completed")
			}
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}()

	cancel()
	if rerr := <-runErr; err == nil {
		err = rerr
	}
	return multierr.Append(err, rt.Close())
}

// RunSession records one session for duration (until ctx is done when
// duration is zero) and prints the session file path.
func RunSession(ctx context.Context, subject, sessionID string, duration time.Duration, out io.Writer) error {
	return headless(ctx, func(ctx context.Context, rt *Runtime, _ calibration.Baseline) error {
		if err := rt.Controller.StartSession(ctx, subject, sessionID); err != nil {
			return err
		}
		rt.Log.Infof("session: recording %s/%s", subject, sessionID)

		if duration > 0 {
			timer := time.NewTimer(duration)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
			}
		} else {
			<-ctx.Done()
		}

		// The parent context may already be cancelled; stop on a fresh one.
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.Controller.StopSession(stopCtx); err != nil && !errors.Is(err, ErrStopped) {
			return err
		}
		st := rt.Recorder.Status()
		fmt.Fprintf(out, "%s\t%d lines\t%d mirrored\n", st.FilePath, st.LinesWritten, st.RecordsMirrored)
		return nil
	})
}

// RunCalibrate runs one calibration window and prints the baseline as JSON.
func RunCalibrate(ctx context.Context, out io.Writer) error {
	return headless(ctx, func(_ context.Context, _ *Runtime, b calibration.Baseline) error {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(b)
	})
}
