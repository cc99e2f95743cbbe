package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	sessionsTable = "sessions"
	recordsTable  = "movement_records"
)

// SupabaseSink writes to the sessions and movement_records tables through
// the PostgREST endpoint of a Supabase project.
type SupabaseSink struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     *zap.SugaredLogger
}

// NewSupabase returns a sink for the project at baseURL
// (https://<ref>.supabase.co).
func NewSupabase(baseURL, apiKey string, timeout time.Duration, log *zap.SugaredLogger) *SupabaseSink {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &SupabaseSink{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		log:     log,
	}
}

func (s *SupabaseSink) Name() string { return "supabase" }

type supabaseSession struct {
	SessionID        string   `json:"session_id"`
	ExperimenterCode string   `json:"experimenter_code"`
	StartTime        string   `json:"start_time"`
	StartTimeMillis  int64    `json:"start_time_millis"`
	Status           string   `json:"status"`
	FilePath         string   `json:"file_path"`
	DeviceModel      string   `json:"device_model"`
	OSVersion        string   `json:"os_version"`
	DeviceID         string   `json:"device_id"`
	Latitude         *float64 `json:"latitude,omitempty"`
	Longitude        *float64 `json:"longitude,omitempty"`
}

type supabaseSessionEnd struct {
	EndTime       string `json:"end_time"`
	EndTimeMillis int64  `json:"end_time_millis"`
	DurationMs    int64  `json:"duration_ms"`
	Status        string `json:"status"`
}

// supabaseRecord is a movement_records row. The table has no raw yaw column.
type supabaseRecord struct {
	SessionID        string   `json:"session_id"`
	ExperimenterCode string   `json:"experimenter_code"`
	Timestamp        string   `json:"timestamp"`
	ElapsedTimeMs    int64    `json:"elapsed_time_ms"`
	Magnitude        float64  `json:"magnitude"`
	RawDelta         *float64 `json:"raw_delta,omitempty"`
	Pitch            *float64 `json:"pitch,omitempty"`
	Roll             *float64 `json:"roll,omitempty"`
	Yaw              *float64 `json:"yaw,omitempty"`
}

func toSupabaseRecord(r MovementRecord, _ int) supabaseRecord {
	return supabaseRecord{
		SessionID:        r.SessionID,
		ExperimenterCode: r.ExperimenterCode,
		Timestamp:        r.Timestamp,
		ElapsedTimeMs:    r.ElapsedTimeMs,
		Magnitude:        r.Magnitude,
		RawDelta:         r.RawDelta,
		Pitch:            r.Pitch,
		Roll:             r.Roll,
		Yaw:              r.Yaw,
	}
}

// StartSession upserts the session row.
func (s *SupabaseSink) StartSession(ctx context.Context, st SessionStart) error {
	row := supabaseSession{
		SessionID:        st.SessionID,
		ExperimenterCode: st.ExperimenterCode,
		StartTime:        st.StartTimeString(),
		StartTimeMillis:  st.StartTimeMillis(),
		Status:           StatusStarted,
		FilePath:         st.FilePath,
		DeviceModel:      st.Device.Model,
		OSVersion:        st.Device.OSVersion,
		DeviceID:         st.Device.DeviceID,
		Latitude:         st.Device.Latitude,
		Longitude:        st.Device.Longitude,
	}
	err := s.do(ctx, http.MethodPost, sessionsTable, nil, "resolution=merge-duplicates,return=minimal", row)
	if err != nil {
		return fmt.Errorf("supabase: start session %s: %w", st.SessionID, err)
	}
	return nil
}

// EndSession patches the row matching session id and experimenter code.
func (s *SupabaseSink) EndSession(ctx context.Context, e SessionEnd) error {
	filter := url.Values{}
	filter.Set("session_id", "eq."+e.SessionID)
	filter.Set("experimenter_code", "eq."+e.ExperimenterCode)

	body := supabaseSessionEnd{
		EndTime:       e.EndTimeString(),
		EndTimeMillis: e.EndTimeMillis(),
		DurationMs:    e.DurationMs(),
		Status:        StatusCompleted,
	}
	if err := s.do(ctx, http.MethodPatch, sessionsTable, filter, "return=minimal", body); err != nil {
		return fmt.Errorf("supabase: end session %s: %w", e.SessionID, err)
	}
	return nil
}

// InsertRecords posts the batch as one JSON array.
func (s *SupabaseSink) InsertRecords(ctx context.Context, records []MovementRecord) error {
	if len(records) == 0 {
		return nil
	}
	rows := lo.Map(records, toSupabaseRecord)
	if err := s.do(ctx, http.MethodPost, recordsTable, nil, "return=minimal", rows); err != nil {
		return fmt.Errorf("supabase: insert %d records: %w", len(records), err)
	}
	return nil
}

func (s *SupabaseSink) do(ctx context.Context, method, table string, query url.Values, prefer string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	endpoint := s.baseURL + "/rest/v1/" + table
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("apikey", s.apiKey)
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", prefer)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, table, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	s.log.Debugf("supabase: %s %s: %d", method, table, resp.StatusCode)
	return nil
}
