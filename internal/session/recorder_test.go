package session

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/relabs-tech/movement_recorder/internal/calibration"
	"github.com/relabs-tech/movement_recorder/internal/movement"
	"github.com/relabs-tech/movement_recorder/internal/orientation"
	"github.com/relabs-tech/movement_recorder/internal/sink"
	"github.com/relabs-tech/movement_recorder/internal/workerpool"
)

type fakeSink struct {
	name string

	mu      sync.Mutex
	starts  []sink.SessionStart
	ends    []sink.SessionEnd
	batches [][]sink.MovementRecord
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) StartSession(_ context.Context, s sink.SessionStart) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, s)
	return nil
}

func (f *fakeSink) EndSession(_ context.Context, e sink.SessionEnd) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends = append(f.ends, e)
	return nil
}

func (f *fakeSink) InsertRecords(_ context.Context, records []sink.MovementRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, records)
	return nil
}

type harness struct {
	rec   *Recorder
	clock *clock.Mock
	pool  *workerpool.Pool
	a, b  *fakeSink
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	if opts.OutputDir == "" {
		opts.OutputDir = t.TempDir()
	}
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))

	pool := workerpool.New(3, 0, nil)
	a, b := &fakeSink{name: "docstore"}, &fakeSink{name: "rest"}
	rec := NewRecorder(opts, []sink.RemoteSink{a, b}, pool, mock, nil)
	return &harness{rec: rec, clock: mock, pool: pool, a: a, b: b}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

func TestFileName(t *testing.T) {
	ts := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	assert.Equal(t, "S1__abc123__20260102_150405.csv", FileName("S1", "abc123", ts, false))
	assert.Equal(t, "Experiment_20260102_150405.csv", FileName("S1", "abc123", ts, true))
	assert.Equal(t, "a_b__c_d__20260102_150405.csv", FileName("a/b", `c\d`, ts, false))
}

func TestRecorder_EndToEnd(t *testing.T) {
	h := newHarness(t, Options{})

	est := calibration.NewEstimator(calibration.DefaultSampleCount, calibration.YawSigned)
	state := est.Begin()
	for i := 0; i < calibration.DefaultSampleCount; i++ {
		state = est.Observe(state, 0.05, 0, false)
	}
	require.True(t, state.Calibrated())
	assert.InDelta(t, 0.05, state.Baseline().NoiseFloor, 1e-12)

	require.NoError(t, h.rec.Start("S1", "abc123", sink.Device{Model: "bench"}))
	h.clock.Add(2 * time.Millisecond)

	params := movement.Params{Sensor: movement.GyroZ, Threshold: movement.DefaultGyroThreshold}
	h.rec.LogMovement("abc123", "S1", movement.Compute(params, 2.0, state.Baseline(), nil))

	lines := readLines(t, h.rec.FilePath())
	require.Len(t, lines, 2)
	assert.Equal(t, "SessionID,ExperimenterCode,Timestamp,ElapsedTimeMs,Magnitude", lines[0])
	assert.Equal(t, "abc123,S1,09:00:00.002,2,1.9500", lines[1])

	for _, buf := range h.rec.buffers {
		require.Len(t, buf, 1, "exactly one new buffered record per sink")
		assert.InDelta(t, 1.95, buf[0].Magnitude, 1e-12)
	}

	h.pool.Wait()
	require.Len(t, h.a.starts, 1)
	assert.Equal(t, "abc123", h.a.starts[0].SessionID)
	assert.Equal(t, "S1", h.a.starts[0].ExperimenterCode)
	assert.Equal(t, h.rec.FilePath(), h.a.starts[0].FilePath)
	assert.Empty(t, h.a.batches)
}

func TestRecorder_DedupUnchangedDelta(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.rec.Start("S1", "abc123", sink.Device{}))

	h.rec.LogMovement("abc123", "S1", movement.Result{Delta: 0})
	h.rec.LogMovement("abc123", "S1", movement.Result{Delta: 0})

	assert.Len(t, readLines(t, h.rec.FilePath()), 3)
	assert.Len(t, h.rec.buffers[0], 1)
	assert.Len(t, h.rec.buffers[1], 1, "both sinks share one dedup decision")

	// A changed value is mirrored again, and so is a return to a prior value.
	h.rec.LogMovement("abc123", "S1", movement.Result{Delta: 1})
	h.rec.LogMovement("abc123", "S1", movement.Result{Delta: 0})
	assert.Len(t, h.rec.buffers[0], 3)
}

func TestRecorder_FlushAtBatchSize(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.rec.Start("S1", "abc123", sink.Device{}))

	for i := 0; i < DefaultBatchSize; i++ {
		h.rec.LogMovement("abc123", "S1", movement.Result{Delta: float64(i + 1)})
		if i < DefaultBatchSize-1 {
			assert.Len(t, h.rec.buffers[0], i+1)
		}
	}
	assert.Empty(t, h.rec.buffers[0], "buffer is empty right after the swap")
	assert.Empty(t, h.rec.buffers[1])

	h.pool.Wait()
	for _, s := range []*fakeSink{h.a, h.b} {
		require.Len(t, s.batches, 1, "sink %s", s.name)
		assert.Len(t, s.batches[0], DefaultBatchSize)
		assert.Equal(t, 1.0, s.batches[0][0].Magnitude)
		assert.Equal(t, float64(DefaultBatchSize), s.batches[0][DefaultBatchSize-1].Magnitude)
	}
	assert.Equal(t, 2, h.rec.Status().BatchesSubmitted, "one batch per sink")
}

func TestRecorder_StopFlushesAndIsIdempotent(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	h := newHarness(t, Options{BatchSize: 5})
	h.rec.log = zap.New(core).Sugar()

	require.NoError(t, h.rec.Start("S1", "abc123", sink.Device{}))
	h.rec.LogMovement("abc123", "S1", movement.Result{Delta: 1})
	h.rec.LogMovement("abc123", "S1", movement.Result{Delta: 2})
	h.clock.Add(1500 * time.Millisecond)

	h.rec.Stop()
	h.rec.Stop()
	h.pool.Wait()

	assert.False(t, h.rec.Recording())
	for _, s := range []*fakeSink{h.a, h.b} {
		require.Len(t, s.ends, 1, "one session end per sink")
		assert.Equal(t, int64(1500), s.ends[0].DurationMs())
		require.Len(t, s.batches, 1)
		assert.Len(t, s.batches[0], 2)
	}
	assert.Equal(t, 1, logs.FilterMessage("recorder: stop while idle").Len())

	// Logging after stop writes nothing.
	h.rec.LogMovement("abc123", "S1", movement.Result{Delta: 3})
	assert.Len(t, readLines(t, h.rec.FilePath()), 3)
}

func TestRecorder_OptionalColumns(t *testing.T) {
	h := newHarness(t, Options{RawDelta: true, Orientation: true, SimpleNaming: true})
	require.NoError(t, h.rec.Start("S1", "abc123", sink.Device{}))
	assert.Equal(t, "Experiment_20260314_090000.csv", filepath.Base(h.rec.FilePath()))

	params := movement.Params{Sensor: movement.GyroZ, Threshold: movement.DefaultGyroThreshold}
	base := calibration.Baseline{NoiseFloor: 0.05, YawBaseline: 10}
	h.rec.LogMovement("abc123", "S1", movement.Compute(params, -2.0, base, &orientation.Pose{Pitch: 1.5, Roll: -2.25, Yaw: -40}))
	h.rec.LogMovement("abc123", "S1", movement.Compute(params, 0.2, base, nil))

	lines := readLines(t, h.rec.FilePath())
	require.Len(t, lines, 3)
	assert.Equal(t, "SessionID,ExperimenterCode,Timestamp,ElapsedTimeMs,Magnitude,RawDelta,Pitch,Roll,Yaw", lines[0])
	assert.Equal(t, "abc123,S1,09:00:00.000,0,-1.9500,-2.0000,1.5000,-2.2500,-30.0000", lines[1])
	assert.Equal(t, "abc123,S1,09:00:00.000,0,0.0000,0.2000,,,", lines[2])

	rec := h.rec.buffers[0][0]
	require.NotNil(t, rec.Yaw)
	assert.Equal(t, -30.0, *rec.Yaw)
	assert.Equal(t, -40.0, *rec.RawYaw)
	assert.Nil(t, h.rec.buffers[0][1].Pitch, "missing orientation is not fabricated")
}

func TestRecorder_LocalFailureKeepsMirroring(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	core, logs := observer.New(zapcore.ErrorLevel)
	h := newHarness(t, Options{OutputDir: blocker})
	h.rec.log = zap.New(core).Sugar()

	require.NoError(t, h.rec.Start("S1", "abc123", sink.Device{}))
	h.rec.LogMovement("abc123", "S1", movement.Result{Delta: 1})

	st := h.rec.Status()
	assert.True(t, st.Recording)
	assert.False(t, st.LocalLogging)
	assert.Equal(t, 0, st.LinesWritten)
	assert.Equal(t, 1, st.RecordsMirrored)
	assert.Equal(t, 1, logs.Len())
	assert.Contains(t, logs.All()[0].Message, ErrLocalWrite.Error())

	h.rec.Stop()
	h.pool.Wait()
	assert.Len(t, h.a.starts, 1)
	assert.Len(t, h.a.batches, 1)
}

func TestRecorder_StartWhileRecording(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.rec.Start("S1", "abc123", sink.Device{}))
	assert.ErrorIs(t, h.rec.Start("S2", "x", sink.Device{}), ErrAlreadyRecording)
}
