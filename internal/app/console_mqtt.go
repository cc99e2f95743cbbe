package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/relabs-tech/movement_recorder/internal/config"
	"github.com/relabs-tech/movement_recorder/internal/sink"
)

// Subscriber is the part of mqtt.Client used by the MQTT console.
type Subscriber interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

// MirrorConsole prints what the MQTT sink publishes.
type MirrorConsole struct {
	prefix string
	out    io.Writer
	log    *zap.SugaredLogger
}

// NewMirrorConsole returns a console for sessions under prefix.
func NewMirrorConsole(prefix string, out io.Writer, log *zap.SugaredLogger) *MirrorConsole {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &MirrorConsole{prefix: prefix, out: out, log: log}
}

// Subscribe registers the session and records handlers.
func (c *MirrorConsole) Subscribe(sub Subscriber) error {
	subs := map[string]mqtt.MessageHandler{
		c.prefix + "/+/+/session": c.onSession,
		c.prefix + "/+/+/records": c.onRecords,
	}
	for topic, handler := range subs {
		token := sub.Subscribe(topic, 1, handler)
		token.Wait()
		if token.Error() != nil {
			return fmt.Errorf("console: subscribe %s: %w", topic, token.Error())
		}
		c.log.Infof("console: subscribed to %s", topic)
	}
	return nil
}

func (c *MirrorConsole) onSession(_ mqtt.Client, msg mqtt.Message) {
	var s sink.SessionMessage
	if err := json.Unmarshal(msg.Payload(), &s); err != nil {
		c.log.Warnf("console: session unmarshal error: %v", err)
		return
	}
	switch s.Status {
	case sink.StatusCompleted:
		fmt.Fprintf(c.out, "[SESSION] %s/%s completed at %s after %d ms\n",
			s.ExperimenterCode, s.SessionID, s.EndTime, s.DurationMs)
	default:
		fmt.Fprintf(c.out, "[SESSION] %s/%s %s at %s\n",
			s.ExperimenterCode, s.SessionID, s.Status, s.StartTime)
	}
}

func (c *MirrorConsole) onRecords(_ mqtt.Client, msg mqtt.Message) {
	var recs []sink.MovementRecord
	if err := json.Unmarshal(msg.Payload(), &recs); err != nil {
		c.log.Warnf("console: records unmarshal error: %v", err)
		return
	}
	for _, r := range recs {
		line := fmt.Sprintf("[MOVE] %s/%s %s +%6dms  %8.3f", r.ExperimenterCode, r.SessionID, r.Timestamp, r.ElapsedTimeMs, r.Magnitude)
		var extra []string
		if r.RawDelta != nil {
			extra = append(extra, fmt.Sprintf("raw=%.3f", *r.RawDelta))
		}
		if r.Yaw != nil {
			extra = append(extra, fmt.Sprintf("yaw=%.2f", *r.Yaw))
		}
		if len(extra) > 0 {
			line += "  " + strings.Join(extra, " ")
		}
		fmt.Fprintln(c.out, line)
	}
}

// RunConsoleMQTT follows sessions mirrored by another recorder until ctx
// is done.
func RunConsoleMQTT(ctx context.Context, out io.Writer) error {
	cfg := config.Get()
	log := NewLogger(cfg)
	defer func() { _ = log.Sync() }()

	client, err := ConnectMQTT(cfg.MQTT.Broker, cfg.MQTT.ClientID+"-console", log)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	if err := NewMirrorConsole(cfg.MQTTSink.TopicPrefix, out, log).Subscribe(client); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}
