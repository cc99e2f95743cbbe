package sensors

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/relabs-tech/movement_recorder/internal/imu"
)

// samplePayload is the JSON wire shape of one sample on the broker.
type samplePayload struct {
	Kind imu.Kind `json:"kind"`
	T    int64    `json:"t"` // unix milliseconds; 0 means "now"
	X    float64  `json:"x"`
	Y    float64  `json:"y"`
	Z    float64  `json:"z"`
	W    float64  `json:"w,omitempty"`
}

// EncodeSample renders s in the broker wire format.
func EncodeSample(s imu.Sample) ([]byte, error) {
	return json.Marshal(samplePayload{Kind: s.Kind, T: s.Time.UnixMilli(), X: s.X, Y: s.Y, Z: s.Z, W: s.W})
}

// DecodeSample parses one broker payload.
func DecodeSample(payload []byte, now time.Time) (imu.Sample, error) {
	var p samplePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return imu.Sample{}, fmt.Errorf("decode sample: %w", err)
	}
	switch p.Kind {
	case imu.KindGyroscope, imu.KindAccelerometer, imu.KindRotationVector:
	default:
		return imu.Sample{}, fmt.Errorf("decode sample: unknown kind %q", p.Kind)
	}
	t := now
	if p.T > 0 {
		t = time.UnixMilli(p.T)
	}
	return imu.Sample{Kind: p.Kind, Time: t, X: p.X, Y: p.Y, Z: p.Z, W: p.W}, nil
}

// Subscriber is the part of mqtt.Client used by MQTTSource.
type Subscriber interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

// MQTTSource delivers samples published on a broker topic.
type MQTTSource struct {
	sub   Subscriber
	topic string
	log   *zap.SugaredLogger

	samples   chan imu.Sample
	done      chan struct{}
	closeOnce sync.Once
}

// NewMQTTSource subscribes to topic. Messages that arrive while the queue
// is full are dropped and logged.
func NewMQTTSource(sub Subscriber, topic string, qos byte, log *zap.SugaredLogger) (*MQTTSource, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &MQTTSource{
		sub:     sub,
		topic:   topic,
		log:     log,
		samples: make(chan imu.Sample, 256),
		done:    make(chan struct{}),
	}
	token := sub.Subscribe(topic, qos, s.handle)
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt source: subscribe %s: %w", topic, token.Error())
	}
	log.Infof("mqtt source: subscribed to %s", topic)
	return s, nil
}

func (s *MQTTSource) handle(_ mqtt.Client, msg mqtt.Message) {
	sample, err := DecodeSample(msg.Payload(), time.Now())
	if err != nil {
		s.log.Warnf("mqtt source: %s: %v", msg.Topic(), err)
		return
	}
	select {
	case <-s.done:
	case s.samples <- sample:
	default:
		s.log.Warnf("mqtt source: queue full, dropping %s sample", sample.Kind)
	}
}

// Next blocks until a sample arrives, ctx is done, or the source is closed.
func (s *MQTTSource) Next(ctx context.Context) (imu.Sample, error) {
	select {
	case sample := <-s.samples:
		return sample, nil
	case <-s.done:
		return imu.Sample{}, imu.ErrSourceClosed
	case <-ctx.Done():
		return imu.Sample{}, ctx.Err()
	}
}

// Close unsubscribes; the broker connection stays with its owner.
func (s *MQTTSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		token := s.sub.Unsubscribe(s.topic)
		if token.WaitTimeout(2*time.Second) && token.Error() != nil {
			err = fmt.Errorf("mqtt source: unsubscribe %s: %w", s.topic, token.Error())
		}
	})
	return err
}
