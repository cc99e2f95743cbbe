package sink

import (
	"context"
	"encoding/json"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Publisher is the part of mqtt.Client used by MQTTSink.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink publishes session documents (retained) and record batches to a
// broker:
//
//	{prefix}/{code}/{session}/session
//	{prefix}/{code}/{session}/records
type MQTTSink struct {
	pub    Publisher
	prefix string
	qos    byte
	log    *zap.SugaredLogger
}

// NewMQTT returns a sink publishing through pub.
func NewMQTT(pub Publisher, prefix string, qos byte, log *zap.SugaredLogger) *MQTTSink {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &MQTTSink{pub: pub, prefix: prefix, qos: qos, log: log}
}

func (m *MQTTSink) Name() string { return "mqtt" }

// SessionTopic is the retained topic carrying a session document.
func (m *MQTTSink) SessionTopic(experimenterCode, sessionID string) string {
	return m.prefix + "/" + ExperimentCode(experimenterCode) + "/" + sessionID + "/session"
}

// RecordsTopic is the topic carrying record batches of a session.
func (m *MQTTSink) RecordsTopic(experimenterCode, sessionID string) string {
	return m.prefix + "/" + ExperimentCode(experimenterCode) + "/" + sessionID + "/records"
}

// SessionMessage is the retained session document.
type SessionMessage struct {
	SessionID        string  `json:"session_id"`
	ExperimenterCode string  `json:"experimenter_code"`
	Status           string  `json:"status"`
	StartTime        string  `json:"start_time,omitempty"`
	StartTimeMillis  int64   `json:"start_time_millis,omitempty"`
	EndTime          string  `json:"end_time,omitempty"`
	EndTimeMillis    int64   `json:"end_time_millis,omitempty"`
	DurationMs       int64   `json:"duration_ms,omitempty"`
	FilePath         string  `json:"file_path,omitempty"`
	Device           *Device `json:"device,omitempty"`
}

func (m *MQTTSink) StartSession(ctx context.Context, s SessionStart) error {
	dev := s.Device
	msg := SessionMessage{
		SessionID:        s.SessionID,
		ExperimenterCode: s.ExperimenterCode,
		Status:           StatusStarted,
		StartTime:        s.StartTimeString(),
		StartTimeMillis:  s.StartTimeMillis(),
		FilePath:         s.FilePath,
		Device:           &dev,
	}
	if err := m.publish(ctx, m.SessionTopic(s.ExperimenterCode, s.SessionID), true, msg); err != nil {
		return fmt.Errorf("mqtt: start session %s: %w", s.SessionID, err)
	}
	return nil
}

func (m *MQTTSink) EndSession(ctx context.Context, e SessionEnd) error {
	msg := SessionMessage{
		SessionID:        e.SessionID,
		ExperimenterCode: e.ExperimenterCode,
		Status:           StatusCompleted,
		StartTime:        e.StartTime.Format(TimeLayout),
		StartTimeMillis:  e.StartTime.UnixMilli(),
		EndTime:          e.EndTimeString(),
		EndTimeMillis:    e.EndTimeMillis(),
		DurationMs:       e.DurationMs(),
	}
	if err := m.publish(ctx, m.SessionTopic(e.ExperimenterCode, e.SessionID), true, msg); err != nil {
		return fmt.Errorf("mqtt: end session %s: %w", e.SessionID, err)
	}
	return nil
}

func (m *MQTTSink) InsertRecords(ctx context.Context, records []MovementRecord) error {
	if len(records) == 0 {
		return nil
	}
	first := records[0]
	if err := m.publish(ctx, m.RecordsTopic(first.ExperimenterCode, first.SessionID), false, records); err != nil {
		return fmt.Errorf("mqtt: publish %d records: %w", len(records), err)
	}
	return nil
}

func (m *MQTTSink) publish(ctx context.Context, topic string, retained bool, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	token := m.pub.Publish(topic, m.qos, retained, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	m.log.Debugf("mqtt: published %d bytes to %s", len(payload), topic)
	return nil
}
