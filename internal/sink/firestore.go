package sink

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// recordTxOptions makes a failed batch transaction final.
var recordTxOptions = []firestore.TransactionOption{firestore.MaxAttempts(1)}

// FirestoreSink mirrors sessions into the document tree
// experiments/{code}/sessions/{id}/records/{auto}.
type FirestoreSink struct {
	client *firestore.Client
	log    *zap.SugaredLogger
}

// NewFirestore connects to projectID. An empty credentialsFile uses the
// application default credentials.
func NewFirestore(ctx context.Context, projectID, credentialsFile string, log *zap.SugaredLogger) (*FirestoreSink, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore: connect to project %s: %w", projectID, err)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &FirestoreSink{client: client, log: log}, nil
}

func (f *FirestoreSink) Name() string { return "firestore" }

// SessionPath returns the document path of a session.
func SessionPath(experimenterCode, sessionID string) string {
	return "experiments/" + ExperimentCode(experimenterCode) + "/sessions/" + sessionID
}

func (f *FirestoreSink) session(experimenterCode, sessionID string) (*firestore.DocumentRef, error) {
	ref := f.client.Doc(SessionPath(experimenterCode, sessionID))
	if ref == nil {
		return nil, fmt.Errorf("firestore: invalid session path %q", SessionPath(experimenterCode, sessionID))
	}
	return ref, nil
}

func (f *FirestoreSink) StartSession(ctx context.Context, s SessionStart) error {
	ref, err := f.session(s.ExperimenterCode, s.SessionID)
	if err != nil {
		return err
	}
	if _, err := ref.Set(ctx, sessionStartDoc(s)); err != nil {
		return fmt.Errorf("firestore: start session %s: %w", s.SessionID, err)
	}
	f.log.Debugf("firestore: session %s created", SessionPath(s.ExperimenterCode, s.SessionID))
	return nil
}

func (f *FirestoreSink) EndSession(ctx context.Context, e SessionEnd) error {
	ref, err := f.session(e.ExperimenterCode, e.SessionID)
	if err != nil {
		return err
	}
	if _, err := ref.Set(ctx, sessionEndDoc(e), firestore.MergeAll); err != nil {
		return fmt.Errorf("firestore: end session %s: %w", e.SessionID, err)
	}
	return nil
}

// InsertRecords commits the whole batch atomically.
func (f *FirestoreSink) InsertRecords(ctx context.Context, records []MovementRecord) error {
	if len(records) == 0 {
		return nil
	}
	docs := lo.Map(records, func(r MovementRecord, _ int) map[string]any { return recordDoc(r) })

	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		for i, r := range records {
			session, err := f.session(r.ExperimenterCode, r.SessionID)
			if err != nil {
				return err
			}
			if err := tx.Set(session.Collection("records").NewDoc(), docs[i]); err != nil {
				return err
			}
		}
		return nil
	}, recordTxOptions...)
	if err != nil {
		return fmt.Errorf("firestore: insert %d records: %w", len(records), err)
	}
	return nil
}

// Close releases the client connection.
func (f *FirestoreSink) Close() error {
	return f.client.Close()
}

func sessionStartDoc(s SessionStart) map[string]any {
	doc := map[string]any{
		"session_id":        s.SessionID,
		"experimenter_code": s.ExperimenterCode,
		"start_time":        s.StartTimeString(),
		"start_time_millis": s.StartTimeMillis(),
		"status":            StatusStarted,
		"file_path":         s.FilePath,
		"device_model":      s.Device.Model,
		"os_version":        s.Device.OSVersion,
		"device_id":         s.Device.DeviceID,
	}
	if s.Device.Latitude != nil && s.Device.Longitude != nil {
		doc["latitude"] = *s.Device.Latitude
		doc["longitude"] = *s.Device.Longitude
	}
	return doc
}

func sessionEndDoc(e SessionEnd) map[string]any {
	return map[string]any{
		"end_time":        e.EndTimeString(),
		"end_time_millis": e.EndTimeMillis(),
		"duration_ms":     e.DurationMs(),
		"status":          StatusCompleted,
	}
}

func recordDoc(r MovementRecord) map[string]any {
	doc := map[string]any{
		"session_id":        r.SessionID,
		"experimenter_code": r.ExperimenterCode,
		"timestamp":         r.Timestamp,
		"elapsed_time_ms":   r.ElapsedTimeMs,
		"magnitude":         r.Magnitude,
		"server_timestamp":  firestore.ServerTimestamp,
	}
	optional := map[string]*float64{
		"raw_delta": r.RawDelta,
		"pitch":     r.Pitch,
		"roll":      r.Roll,
		"yaw":       r.Yaw,
		"raw_yaw":   r.RawYaw,
	}
	for k, v := range optional {
		if v != nil {
			doc[k] = *v
		}
	}
	return doc
}
