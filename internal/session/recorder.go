// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package session records one movement session at a time: every delta goes
// to a local CSV file, and changed deltas are mirrored in batches to the
// configured remote sinks.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/relabs-tech/movement_recorder/internal/movement"
	"github.com/relabs-tech/movement_recorder/internal/sink"
	"github.com/relabs-tech/movement_recorder/internal/workerpool"
)

// DefaultBatchSize is the number of mirrored records per remote insert.
const DefaultBatchSize = 20

const (
	fileTimeLayout   = "20060102_150405"
	recordTimeLayout = "15:04:05.000"
)

var (
	// ErrLocalWrite marks a local file failure; local logging stops for the
	// rest of the session.
	ErrLocalWrite = errors.New("local write failure")
	// ErrAlreadyRecording is returned by Start while a session is active.
	ErrAlreadyRecording = errors.New("session already recording")
)

// Options selects the recorded variant.
type Options struct {
	OutputDir    string
	SimpleNaming bool // Experiment_{ts}.csv instead of {Subject}__{Session}__{ts}.csv
	BatchSize    int
	RawDelta     bool // RawDelta column and field
	Orientation  bool // Pitch, Roll, Yaw columns and fields
}

// Status is a snapshot for monitoring.
type Status struct {
	Recording        bool      `json:"recording"`
	SessionID        string    `json:"session_id,omitempty"`
	ExperimenterCode string    `json:"experimenter_code,omitempty"`
	FilePath         string    `json:"file_path,omitempty"`
	StartedAt        time.Time `json:"started_at,omitempty"`
	LocalLogging     bool      `json:"local_logging"`
	LinesWritten     int       `json:"lines_written"`
	RecordsMirrored  int       `json:"records_mirrored"`
	BatchesSubmitted int       `json:"batches_submitted"`
}

// Recorder is owned by a single goroutine; none of its methods are safe for
// concurrent use. Remote calls are handed to the worker pool.
type Recorder struct {
	opts  Options
	sinks []sink.RemoteSink
	pool  *workerpool.Pool
	clock clock.Clock
	log   *zap.SugaredLogger

	recording        bool
	sessionID        string
	experimenterCode string
	start            time.Time
	path             string
	csv              *csvFile

	lastMirrored float64
	buffers      [][]sink.MovementRecord

	lines    int
	mirrored int
	batches  int
}

// NewRecorder returns an idle recorder mirroring to sinks through pool.
func NewRecorder(opts Options, sinks []sink.RemoteSink, pool *workerpool.Pool, clk clock.Clock, log *zap.SugaredLogger) *Recorder {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Recorder{
		opts:    opts,
		sinks:   sinks,
		pool:    pool,
		clock:   clk,
		log:     log,
		buffers: make([][]sink.MovementRecord, len(sinks)),
	}
}

var pathSafe = strings.NewReplacer("/", "_", "\\", "_")

// FileName builds the session file name for a start time.
func FileName(subjectCode, sessionID string, start time.Time, simple bool) string {
	ts := start.Format(fileTimeLayout)
	if simple {
		return "Experiment_" + ts + ".csv"
	}
	return pathSafe.Replace(subjectCode) + "__" + pathSafe.Replace(sessionID) + "__" + ts + ".csv"
}

// Header returns the CSV header columns for the configured variant.
func (r *Recorder) Header() []string {
	cols := []string{"SessionID", "ExperimenterCode", "Timestamp", "ElapsedTimeMs", "Magnitude"}
	if r.opts.RawDelta {
		cols = append(cols, "RawDelta")
	}
	if r.opts.Orientation {
		cols = append(cols, "Pitch", "Roll", "Yaw")
	}
	return cols
}

// Start opens the session file and announces the session to every sink.
// A file that cannot be opened disables local logging for the session; the
// session itself still starts.
func (r *Recorder) Start(subjectCode, sessionID string, device sink.Device) error {
	if r.recording {
		return ErrAlreadyRecording
	}

	r.start = r.clock.Now()
	r.sessionID = sessionID
	r.experimenterCode = subjectCode
	r.path = filepath.Join(r.opts.OutputDir, FileName(subjectCode, sessionID, r.start, r.opts.SimpleNaming))
	r.lastMirrored = math.NaN()
	for i := range r.buffers {
		r.buffers[i] = make([]sink.MovementRecord, 0, r.opts.BatchSize)
	}
	r.lines, r.mirrored, r.batches = 0, 0, 0
	r.recording = true

	if err := os.MkdirAll(r.opts.OutputDir, 0o755); err != nil {
		r.localFailure(err)
	} else if f, err := openCSV(r.path, r.Header()); err != nil {
		r.localFailure(err)
	} else {
		r.csv = f
	}

	start := sink.SessionStart{
		SessionID:        sessionID,
		ExperimenterCode: subjectCode,
		StartTime:        r.start,
		FilePath:         r.path,
		Device:           device,
	}
	for _, s := range r.sinks {
		s := s
		r.pool.Submit(s.Name()+".start_session", func(ctx context.Context) error {
			return s.StartSession(ctx, start)
		})
	}

	r.log.Infof("recorder: session %s started for %s, writing %s", sessionID, subjectCode, r.path)
	return nil
}

// LogMovement appends one line to the session file and, when the delta
// differs from the last mirrored one, one record to every sink buffer.
func (r *Recorder) LogMovement(sessionID, experimenterCode string, res movement.Result) {
	if !r.recording {
		return
	}

	now := r.clock.Now()
	rec := sink.MovementRecord{
		SessionID:        sessionID,
		ExperimenterCode: experimenterCode,
		Timestamp:        now.Format(recordTimeLayout),
		ElapsedTimeMs:    now.Sub(r.start).Milliseconds(),
		Magnitude:        res.Delta,
	}
	if r.opts.RawDelta {
		raw := res.RawDelta
		rec.RawDelta = &raw
	}
	if r.opts.Orientation && res.Orientation != nil {
		o := *res.Orientation
		rec.Pitch, rec.Roll, rec.Yaw, rec.RawYaw = &o.Pitch, &o.Roll, &o.CalibratedYaw, &o.Yaw
	}

	if r.csv != nil {
		if err := r.csv.write(r.line(rec)); err != nil {
			r.localFailure(err)
		} else {
			r.lines++
		}
	}

	// NaN never compares equal, so the first record of a session is mirrored.
	if rec.Magnitude == r.lastMirrored {
		return
	}
	r.lastMirrored = rec.Magnitude
	r.mirrored++
	for i := range r.buffers {
		r.buffers[i] = append(r.buffers[i], rec)
		if len(r.buffers[i]) >= r.opts.BatchSize {
			r.flush(i)
		}
	}
}

// Stop announces the session end, flushes pending records and closes the
// file. Calling Stop while idle is a no-op.
func (r *Recorder) Stop() {
	if !r.recording {
		r.log.Debug("recorder: stop while idle")
		return
	}

	end := sink.SessionEnd{
		SessionID:        r.sessionID,
		ExperimenterCode: r.experimenterCode,
		StartTime:        r.start,
		EndTime:          r.clock.Now(),
	}
	for _, s := range r.sinks {
		s := s
		r.pool.Submit(s.Name()+".end_session", func(ctx context.Context) error {
			return s.EndSession(ctx, end)
		})
	}
	for i := range r.buffers {
		if len(r.buffers[i]) > 0 {
			r.flush(i)
		}
	}

	if r.csv != nil {
		if err := r.csv.close(); err != nil {
			r.log.Errorf("recorder: close %s: %v", r.path, err)
		}
		r.csv = nil
	}
	r.recording = false
	r.log.Infof("recorder: session %s stopped after %d ms, %d lines, %d mirrored",
		end.SessionID, end.DurationMs(), r.lines, r.mirrored)
}

// Recording reports whether a session is active.
func (r *Recorder) Recording() bool { return r.recording }

// FilePath is the file of the current or most recent session.
func (r *Recorder) FilePath() string { return r.path }

// Status returns a monitoring snapshot.
func (r *Recorder) Status() Status {
	st := Status{
		Recording:        r.recording,
		FilePath:         r.path,
		LocalLogging:     r.csv != nil,
		LinesWritten:     r.lines,
		RecordsMirrored:  r.mirrored,
		BatchesSubmitted: r.batches,
	}
	if r.recording {
		st.SessionID = r.sessionID
		st.ExperimenterCode = r.experimenterCode
		st.StartedAt = r.start
	}
	return st
}

// flush moves buffer i to a background insert and replaces it.
func (r *Recorder) flush(i int) {
	batch := r.buffers[i]
	r.buffers[i] = make([]sink.MovementRecord, 0, r.opts.BatchSize)
	r.batches++

	s := r.sinks[i]
	r.pool.Submit(fmt.Sprintf("%s.insert_records[%d]", s.Name(), len(batch)), func(ctx context.Context) error {
		return s.InsertRecords(ctx, batch)
	})
}

func (r *Recorder) line(rec sink.MovementRecord) []string {
	fields := []string{
		rec.SessionID,
		rec.ExperimenterCode,
		rec.Timestamp,
		fmt.Sprintf("%d", rec.ElapsedTimeMs),
		formatFloat(rec.Magnitude),
	}
	if r.opts.RawDelta {
		fields = append(fields, formatOptional(rec.RawDelta))
	}
	if r.opts.Orientation {
		fields = append(fields, formatOptional(rec.Pitch), formatOptional(rec.Roll), formatOptional(rec.Yaw))
	}
	return fields
}

func (r *Recorder) localFailure(err error) {
	r.log.Errorf("recorder: %v; local logging disabled for session %s", fmt.Errorf("%w: %v", ErrLocalWrite, err), r.sessionID)
	if r.csv != nil {
		_ = r.csv.close()
		r.csv = nil
	}
}
