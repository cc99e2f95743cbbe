// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relabs-tech/movement_recorder/internal/calibration"
	"github.com/relabs-tech/movement_recorder/internal/imu"
	"github.com/relabs-tech/movement_recorder/internal/movement"
	"github.com/relabs-tech/movement_recorder/internal/orientation"
	"github.com/relabs-tech/movement_recorder/internal/session"
	"github.com/relabs-tech/movement_recorder/internal/sink"
)

// Control errors returned by the Controller commands.
var (
	ErrMissingSubject   = errors.New("subject code is required")
	ErrMissingSession   = errors.New("session id is required")
	ErrCalibrating      = errors.New("calibration in progress")
	ErrNotCalibrated    = errors.New("sensor not calibrated")
	ErrAlreadyRecording = errors.New("already recording")
	ErrRecording        = errors.New("cannot calibrate during recording")
	ErrStopped          = errors.New("controller stopped")
)

// sourceRetryDelay throttles a source that keeps failing.
const sourceRetryDelay = 100 * time.Millisecond

// EventType tags monitor events.
type EventType string

const (
	EventProgress   EventType = "progress"
	EventCalibrated EventType = "calibrated"
	EventDelta      EventType = "delta"
	EventSession    EventType = "session"
	EventError      EventType = "error"
)

// Progress is the calibration window fill level.
type Progress struct {
	Collected int `json:"collected"`
	Required  int `json:"required"`
}

// Event is emitted by the controller goroutine to every observer.
type Event struct {
	Type     EventType             `json:"type"`
	Time     time.Time             `json:"time"`
	Progress *Progress             `json:"progress,omitempty"`
	Baseline *calibration.Baseline `json:"baseline,omitempty"`
	Delta    *movement.Result      `json:"delta,omitempty"`
	Session  *session.Status       `json:"session,omitempty"`
	Message  string                `json:"message,omitempty"`
}

// Observer receives events on the controller goroutine and must not block.
type Observer func(Event)

// Status is a point-in-time view of the controller.
type Status struct {
	Phase     string                `json:"phase"`
	Progress  Progress              `json:"progress"`
	Baseline  *calibration.Baseline `json:"baseline,omitempty"`
	Sensor    movement.SensorKind   `json:"sensor"`
	Threshold float64               `json:"threshold"`
	Pose      *orientation.Pose     `json:"pose,omitempty"`
	LastDelta *movement.Result      `json:"last_delta,omitempty"`
	Session   session.Status        `json:"session"`
}

// ControllerOptions selects the pipeline variant.
type ControllerOptions struct {
	Params        movement.Params
	Estimator     calibration.Estimator
	Orientation   bool
	AutoCalibrate bool
	// Device returns the metadata attached to a new session.
	Device func() sink.Device
}

type commandKind int

const (
	cmdCalibrate commandKind = iota
	cmdStart
	cmdStop
	cmdStatus
)

type command struct {
	kind      commandKind
	subject   string
	sessionID string
	reply     chan commandReply
}

type commandReply struct {
	err    error
	status Status
}

// Controller is the single sample-delivery path. Calibration state, the
// latest pose and the recorder are only touched by the Run goroutine;
// commands are serialized onto it.
type Controller struct {
	opts     ControllerOptions
	source   imu.Source
	recorder *session.Recorder
	log      *zap.SugaredLogger

	cmds chan command
	done chan struct{}

	obsMu     sync.Mutex
	observers []Observer

	cal       calibration.State
	pose      *orientation.Pose
	rvSeen    bool
	subject   string
	sessionID string
	lastDelta *movement.Result
}

// NewController wires a source to a recorder.
func NewController(opts ControllerOptions, source imu.Source, recorder *session.Recorder, log *zap.SugaredLogger) *Controller {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if opts.Estimator.SampleCount <= 0 {
		opts.Estimator = calibration.NewEstimator(0, opts.Estimator.Yaw)
	}
	return &Controller{
		opts:     opts,
		source:   source,
		recorder: recorder,
		log:      log,
		cmds:     make(chan command),
		done:     make(chan struct{}),
	}
}

// Observe registers fn for all subsequent events.
func (c *Controller) Observe(fn Observer) {
	c.obsMu.Lock()
	c.observers = append(c.observers, fn)
	c.obsMu.Unlock()
}

// Run delivers samples until ctx is done or the source ends. An active
// session is stopped on the way out.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	samples := make(chan imu.Sample)
	srcErr := make(chan error, 1)
	srcWarn := make(chan error, 1)
	go c.read(ctx, samples, srcErr, srcWarn)

	if c.opts.AutoCalibrate {
		c.beginCalibration()
	}

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case err := <-srcErr:
			c.shutdown()
			if errors.Is(err, imu.ErrSourceClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case err := <-srcWarn:
			c.emit(Event{Type: EventError, Message: "sensor unavailable: " + err.Error()})
		case s := <-samples:
			c.handleSample(s)
		case cmd := <-c.cmds:
			cmd.reply <- c.handleCommand(cmd)
		}
	}
}

// read pumps the blocking source into samples. Transient errors are logged
// and retried; only a closed source or cancellation ends it.
func (c *Controller) read(ctx context.Context, samples chan<- imu.Sample, srcErr, srcWarn chan<- error) {
	for {
		s, err := c.source.Next(ctx)
		if err != nil {
			if errors.Is(err, imu.ErrSourceClosed) || ctx.Err() != nil {
				srcErr <- err
				return
			}
			c.log.Warnf("controller: sensor unavailable: %v", err)
			select {
			case srcWarn <- err:
			default:
			}
			select {
			case <-ctx.Done():
				srcErr <- ctx.Err()
				return
			case <-time.After(sourceRetryDelay):
			}
			continue
		}
		select {
		case samples <- s:
		case <-ctx.Done():
			srcErr <- ctx.Err()
			return
		}
	}
}

func (c *Controller) shutdown() {
	if c.recorder.Recording() {
		c.recorder.Stop()
		c.emit(Event{Type: EventSession, Session: ptr(c.recorder.Status())})
	}
}

func (c *Controller) handleSample(s imu.Sample) {
	if s.Kind == imu.KindRotationVector {
		if c.opts.Orientation {
			pose := orientation.FromRotationVector(s.X, s.Y, s.Z, s.W)
			c.pose, c.rvSeen = &pose, true
		}
		return
	}
	// Without a rotation-vector feed, tilt comes from gravity and yaw stays 0.
	if s.Kind == imu.KindAccelerometer && c.opts.Orientation && !c.rvSeen {
		pose := orientation.ComputePoseFromAccel(s.X, s.Y, s.Z)
		c.pose = &pose
	}
	if !s.IsMotion() || (s.Kind == imu.KindGyroscope) != c.opts.Params.Sensor.UsesGyroscope() {
		return
	}

	raw := movement.RawDelta(c.opts.Params.Sensor, s.Vector())

	if c.cal.Calibrating() {
		var yaw float64
		if c.pose != nil {
			yaw = c.pose.Yaw
		}
		c.cal = c.opts.Estimator.Observe(c.cal, raw, yaw, c.pose != nil)
		n, total := c.opts.Estimator.Progress(c.cal)
		c.emit(Event{Type: EventProgress, Progress: &Progress{Collected: n, Required: total}})
		if c.cal.Calibrated() {
			b := c.cal.Baseline()
			c.log.Infof("controller: calibration complete: noise floor %.4f (stddev %.4f), yaw baseline %.2f over %d samples",
				b.NoiseFloor, b.NoiseStdDev, b.YawBaseline, b.Samples)
			c.emit(Event{Type: EventCalibrated, Baseline: &b})
		}
		return
	}
	if !c.cal.Calibrated() {
		return
	}

	var pose *orientation.Pose
	if c.opts.Orientation {
		pose = c.pose
	}
	res := movement.Compute(c.opts.Params, raw, c.cal.Baseline(), pose)
	c.lastDelta = &res

	if c.recorder.Recording() {
		c.recorder.LogMovement(c.sessionID, c.subject, res)
	}
	c.emit(Event{Type: EventDelta, Delta: &res})
}

func (c *Controller) handleCommand(cmd command) commandReply {
	switch cmd.kind {
	case cmdCalibrate:
		if c.recorder.Recording() {
			return commandReply{err: ErrRecording}
		}
		c.beginCalibration()
	case cmdStart:
		if err := c.startSession(cmd.subject, cmd.sessionID); err != nil {
			return commandReply{err: err}
		}
	case cmdStop:
		if c.recorder.Recording() {
			c.recorder.Stop()
			c.emit(Event{Type: EventSession, Session: ptr(c.recorder.Status())})
		}
	case cmdStatus:
	}
	return commandReply{status: c.status()}
}

func (c *Controller) beginCalibration() {
	c.cal = c.opts.Estimator.Begin()
	c.log.Infof("controller: calibrating over %d samples, keep the device still", c.opts.Estimator.SampleCount)
	c.emit(Event{Type: EventProgress, Progress: &Progress{Required: c.opts.Estimator.SampleCount}})
}

func (c *Controller) startSession(subject, sessionID string) error {
	switch {
	case subject == "":
		return ErrMissingSubject
	case sessionID == "":
		return ErrMissingSession
	case c.cal.Calibrating():
		return ErrCalibrating
	case !c.cal.Calibrated():
		return ErrNotCalibrated
	case c.recorder.Recording():
		return ErrAlreadyRecording
	}

	var device sink.Device
	if c.opts.Device != nil {
		device = c.opts.Device()
	}
	if err := c.recorder.Start(subject, sessionID, device); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	c.subject, c.sessionID = subject, sessionID
	c.emit(Event{Type: EventSession, Session: ptr(c.recorder.Status())})
	return nil
}

func (c *Controller) status() Status {
	n, total := c.opts.Estimator.Progress(c.cal)
	st := Status{
		Phase:     c.cal.Phase.String(),
		Progress:  Progress{Collected: n, Required: total},
		Sensor:    c.opts.Params.Sensor,
		Threshold: c.opts.Params.Threshold,
		LastDelta: c.lastDelta,
		Session:   c.recorder.Status(),
	}
	if c.cal.Calibrated() {
		st.Baseline = ptr(c.cal.Baseline())
	}
	if c.pose != nil {
		st.Pose = ptr(*c.pose)
	}
	return st
}

func (c *Controller) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	c.obsMu.Lock()
	observers := c.observers
	c.obsMu.Unlock()
	for _, fn := range observers {
		fn(ev)
	}
}

func (c *Controller) send(ctx context.Context, cmd command) (Status, error) {
	cmd.reply = make(chan commandReply, 1)
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return Status{}, ErrStopped
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
	select {
	case r := <-cmd.reply:
		return r.status, r.err
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// Calibrate restarts calibration. Rejected while recording.
func (c *Controller) Calibrate(ctx context.Context) error {
	_, err := c.send(ctx, command{kind: cmdCalibrate})
	return err
}

// StartSession validates the identity and starts recording.
func (c *Controller) StartSession(ctx context.Context, subject, sessionID string) error {
	_, err := c.send(ctx, command{kind: cmdStart, subject: subject, sessionID: sessionID})
	return err
}

// StopSession stops the active session; it is a no-op while idle.
func (c *Controller) StopSession(ctx context.Context) error {
	_, err := c.send(ctx, command{kind: cmdStop})
	return err
}

// Status returns a snapshot taken on the controller goroutine.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	return c.send(ctx, command{kind: cmdStatus})
}

func ptr[T any](v T) *T { return &v }
