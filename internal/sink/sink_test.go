package sink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func f64(v float64) *float64 { return &v }

var (
	startAt = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	endAt   = startAt.Add(90 * time.Second)
)

func testStart() SessionStart {
	return SessionStart{
		SessionID:        "S1",
		ExperimenterCode: "P01",
		StartTime:        startAt,
		FilePath:         "/data/P01__S1__20260314_092653.csv",
		Device:           Device{Model: "bench", OSVersion: "linux/arm64", DeviceID: "dev-1"},
	}
}

func testEnd() SessionEnd {
	return SessionEnd{SessionID: "S1", ExperimenterCode: "P01", StartTime: startAt, EndTime: endAt}
}

func testRecords() []MovementRecord {
	return []MovementRecord{
		{SessionID: "S1", ExperimenterCode: "P01", Timestamp: "09:26:53.120", ElapsedTimeMs: 120, Magnitude: 1.95, RawDelta: f64(2.0)},
		{SessionID: "S1", ExperimenterCode: "P01", Timestamp: "09:26:53.140", ElapsedTimeMs: 140, Magnitude: 0,
			RawDelta: f64(0.3), Pitch: f64(1), Roll: f64(2), Yaw: f64(-30), RawYaw: f64(-40)},
	}
}

func TestSessionEnd_Duration(t *testing.T) {
	e := testEnd()
	assert.Equal(t, int64(90000), e.DurationMs())
	assert.Equal(t, "2026-03-14 09:28:23", e.EndTimeString())
}

func TestExperimentCodeFallback(t *testing.T) {
	assert.Equal(t, UnknownExperiment, ExperimentCode(""))
	assert.Equal(t, "P01", ExperimentCode("P01"))
	assert.Equal(t, "experiments/Unknown_Experiment/sessions/S1", SessionPath("", "S1"))
}

func TestFirestoreDocuments(t *testing.T) {
	start := sessionStartDoc(testStart())
	assert.Equal(t, StatusStarted, start["status"])
	assert.Equal(t, startAt.UnixMilli(), start["start_time_millis"])
	assert.NotContains(t, start, "latitude")

	withFix := testStart()
	withFix.Device.Latitude, withFix.Device.Longitude = f64(51.5), f64(-0.7)
	assert.Equal(t, 51.5, sessionStartDoc(withFix)["latitude"])

	end := sessionEndDoc(testEnd())
	assert.Equal(t, StatusCompleted, end["status"])
	assert.Equal(t, int64(90000), end["duration_ms"])

	recs := testRecords()
	plain := recordDoc(recs[0])
	assert.Equal(t, firestore.ServerTimestamp, plain["server_timestamp"])
	assert.Equal(t, 2.0, plain["raw_delta"])
	assert.NotContains(t, plain, "pitch", "absent orientation must not be fabricated")

	oriented := recordDoc(recs[1])
	assert.Equal(t, -30.0, oriented["yaw"])
	assert.Equal(t, -40.0, oriented["raw_yaw"])
}

func TestFirestoreRecordsAreNotRetried(t *testing.T) {
	assert.Equal(t, []firestore.TransactionOption{firestore.MaxAttempts(1)}, recordTxOptions)
}

// Runs against the emulator started by `gcloud emulators firestore start`.
func TestFirestore_Emulator(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	ctx := context.Background()
	fs, err := NewFirestore(ctx, "movement-recorder-test", "", zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = fs.Close() })

	start := testStart()
	start.SessionID = uuid.NewString()
	end := testEnd()
	end.SessionID = start.SessionID
	recs := testRecords()
	for i := range recs {
		recs[i].SessionID = start.SessionID
	}

	require.NoError(t, fs.StartSession(ctx, start))
	require.NoError(t, fs.InsertRecords(ctx, recs))
	require.NoError(t, fs.InsertRecords(ctx, nil))
	require.NoError(t, fs.EndSession(ctx, end))

	ref := fs.client.Doc(SessionPath(start.ExperimenterCode, start.SessionID))
	snap, err := ref.Get(ctx)
	require.NoError(t, err)
	doc := snap.Data()
	assert.Equal(t, StatusCompleted, doc["status"])
	assert.Equal(t, "bench", doc["device_model"], "end merges into the start document")
	assert.EqualValues(t, 90000, doc["duration_ms"])

	stored, err := ref.Collection("records").Documents(ctx).GetAll()
	require.NoError(t, err)
	require.Len(t, stored, 2)
	byElapsed := map[int64]map[string]any{}
	for _, d := range stored {
		data := d.Data()
		byElapsed[data["elapsed_time_ms"].(int64)] = data
		assert.IsType(t, time.Time{}, data["server_timestamp"])
	}
	assert.Equal(t, 2.0, byElapsed[120]["raw_delta"])
	assert.NotContains(t, byElapsed[120], "yaw")
	assert.Equal(t, -30.0, byElapsed[140]["yaw"])
}

type capturedRequest struct {
	method string
	path   string
	query  string
	header http.Header
	body   []byte
}

func newSupabaseServer(t *testing.T, status int) (*httptest.Server, *[]capturedRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []capturedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		reqs = append(reqs, capturedRequest{r.Method, r.URL.Path, r.URL.RawQuery, r.Header.Clone(), body})
		mu.Unlock()
		w.WriteHeader(status)
		if status >= 300 {
			_, _ = w.Write([]byte(`{"message":"duplicate key"}` + "\n"))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs
}

func TestSupabase_Requests(t *testing.T) {
	srv, reqs := newSupabaseServer(t, http.StatusCreated)
	s := NewSupabase(srv.URL+"/", "anon-key", time.Second, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	require.NoError(t, s.StartSession(ctx, testStart()))
	require.NoError(t, s.InsertRecords(ctx, testRecords()))
	require.NoError(t, s.EndSession(ctx, testEnd()))
	require.NoError(t, s.InsertRecords(ctx, nil), "empty batch is a no-op")

	require.Len(t, *reqs, 3)
	for _, r := range *reqs {
		assert.Equal(t, "anon-key", r.header.Get("apikey"))
		assert.Equal(t, "Bearer anon-key", r.header.Get("Authorization"))
		assert.Equal(t, "application/json", r.header.Get("Content-Type"))
	}

	start := (*reqs)[0]
	assert.Equal(t, http.MethodPost, start.method)
	assert.Equal(t, "/rest/v1/sessions", start.path)
	assert.Contains(t, start.header.Get("Prefer"), "resolution=merge-duplicates")
	var row map[string]any
	require.NoError(t, json.Unmarshal(start.body, &row))
	assert.Equal(t, "started", row["status"])
	assert.Equal(t, "2026-03-14 09:26:53", row["start_time"])

	insert := (*reqs)[1]
	assert.Equal(t, "/rest/v1/movement_records", insert.path)
	var got []MovementRecord
	require.NoError(t, json.Unmarshal(insert.body, &got))
	want := testRecords()
	want[1].RawYaw = nil
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
	assert.NotContains(t, string(insert.body), `"pitch":null`)
	assert.NotContains(t, string(insert.body), "raw_yaw", "movement_records has no raw yaw column")

	end := (*reqs)[2]
	assert.Equal(t, http.MethodPatch, end.method)
	assert.Equal(t, "experimenter_code=eq.P01&session_id=eq.S1", end.query)
	assert.Equal(t, "return=minimal", end.header.Get("Prefer"))
	var patch map[string]any
	require.NoError(t, json.Unmarshal(end.body, &patch))
	assert.Equal(t, "completed", patch["status"])
	assert.EqualValues(t, 90000, patch["duration_ms"])
}

func TestSupabase_ErrorCarriesStatusAndBody(t *testing.T) {
	srv, _ := newSupabaseServer(t, http.StatusConflict)
	s := NewSupabase(srv.URL, "k", time.Second, nil)

	err := s.InsertRecords(context.Background(), testRecords())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
	assert.Contains(t, err.Error(), `{"message":"duplicate key"}`)
}

func TestSupabase_EscapesFilter(t *testing.T) {
	srv, reqs := newSupabaseServer(t, http.StatusNoContent)
	s := NewSupabase(srv.URL, "k", time.Second, nil)

	end := testEnd()
	end.SessionID = "a&b=c"
	require.NoError(t, s.EndSession(context.Background(), end))
	assert.Equal(t, "experimenter_code=eq.P01&session_id=eq.a%26b%3Dc", (*reqs)[0].query)
}

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	st, err := OpenSQLStore("sqlite", filepath.Join(t.TempDir(), "db", "movement.db"), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSQLStore_SessionLifecycle(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.StartSession(ctx, testStart()))
	// Restarting the same identity replaces instead of failing.
	require.NoError(t, st.StartSession(ctx, testStart()))

	status, _, err := st.SessionStatus(ctx, "P01", "S1")
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, status)

	require.NoError(t, st.EndSession(ctx, testEnd()))
	status, dur, err := st.SessionStatus(ctx, "P01", "S1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
	assert.Equal(t, int64(90000), dur)
}

func TestSQLStore_EndUnknownSession(t *testing.T) {
	st := openTestStore(t)
	err := st.EndSession(context.Background(), testEnd())
	assert.True(t, errors.Is(err, ErrSessionNotFound))
}

func TestSQLStore_InsertRecords(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertRecords(ctx, testRecords()))
	require.NoError(t, st.InsertRecords(ctx, nil))

	got, err := st.Records(ctx, "P01", "S1")
	require.NoError(t, err)
	if diff := cmp.Diff(testRecords(), got); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestSQLStore_UnknownDriver(t *testing.T) {
	_, err := OpenSQLStore("oracle", "x", nil)
	assert.Error(t, err)
}

type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                       { <-t.done; return true }
func (t *fakeToken) WaitTimeout(_ time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}            { return t.done }
func (t *fakeToken) Error() error                     { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakePublisher struct {
	err  error
	msgs []published
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	p.msgs = append(p.msgs, published{topic, qos, retained, payload.([]byte)})
	return newFakeToken(p.err)
}

func TestMQTTSink_Topics(t *testing.T) {
	pub := &fakePublisher{}
	m := NewMQTT(pub, "experiments", 1, nil)
	ctx := context.Background()

	require.NoError(t, m.StartSession(ctx, testStart()))
	require.NoError(t, m.InsertRecords(ctx, testRecords()))
	require.NoError(t, m.EndSession(ctx, testEnd()))

	require.Len(t, pub.msgs, 3)
	assert.Equal(t, "experiments/P01/S1/session", pub.msgs[0].topic)
	assert.True(t, pub.msgs[0].retained)
	assert.Equal(t, byte(1), pub.msgs[0].qos)

	assert.Equal(t, "experiments/P01/S1/records", pub.msgs[1].topic)
	assert.False(t, pub.msgs[1].retained)
	var batch []MovementRecord
	require.NoError(t, json.Unmarshal(pub.msgs[1].payload, &batch))
	assert.Len(t, batch, 2)

	var end SessionMessage
	require.NoError(t, json.Unmarshal(pub.msgs[2].payload, &end))
	assert.Equal(t, StatusCompleted, end.Status)
	assert.Equal(t, int64(90000), end.DurationMs)
}

func TestMQTTSink_UnknownExperimentAndErrors(t *testing.T) {
	pub := &fakePublisher{err: errors.New("not connected")}
	m := NewMQTT(pub, "x", 0, nil)

	s := testStart()
	s.ExperimenterCode = ""
	err := m.StartSession(context.Background(), s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
	assert.Equal(t, "x/Unknown_Experiment/S1/session", pub.msgs[0].topic)
}
