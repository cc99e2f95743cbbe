// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/relabs-tech/movement_recorder/internal/config"
	"github.com/relabs-tech/movement_recorder/internal/imu"
	"github.com/relabs-tech/movement_recorder/internal/sensors"
	"github.com/relabs-tech/movement_recorder/internal/sink"
)

// producerLogEvery sets how often the producer reports its rate.
const producerLogEvery = 10 * time.Second

// PublishSamples forwards every sample of src to topic until the source
// ends or ctx is done. It returns the number of samples published.
func PublishSamples(ctx context.Context, src imu.Source, pub sink.Publisher, topic string, qos byte, log *zap.SugaredLogger) (int, error) {
	var (
		sent     int
		lastLog  = time.Now()
		lastSent int
	)
	for {
		s, err := src.Next(ctx)
		if errors.Is(err, imu.ErrSourceClosed) || ctx.Err() != nil {
			return sent, nil
		}
		if err != nil {
			log.Warnf("producer: sensor read error: %v", err)
			continue
		}

		payload, err := sensors.EncodeSample(s)
		if err != nil {
			log.Warnf("producer: json marshal error (%s): %v", s.Kind, err)
			continue
		}
		if token := pub.Publish(topic, qos, false, payload); token.Wait() && token.Error() != nil {
			log.Warnf("producer: MQTT publish error (%s): %v", topic, token.Error())
			continue
		}
		sent++

		if now := time.Now(); now.Sub(lastLog) >= producerLogEvery {
			rate := float64(sent-lastSent) / now.Sub(lastLog).Seconds()
			log.Infof("producer: %d samples published (%.1f/s) to %s", sent, rate, topic)
			lastLog, lastSent = now, sent
		}
	}
}

// RunSampleProducer reads the local sensor and publishes its samples on
// the configured sample topic, for a recorder elsewhere to consume.
func RunSampleProducer(ctx context.Context) error {
	cfg := config.Get()
	log := NewLogger(cfg)
	defer func() { _ = log.Sync() }()

	if cfg.Sensor.Source == "mqtt" {
		return fmt.Errorf("producer: sensor.source must be a local sensor, got %q", cfg.Sensor.Source)
	}
	src, err := OpenLocalSource(cfg, log)
	if err != nil {
		return err
	}
	defer src.Close()

	client, err := ConnectMQTT(cfg.MQTT.Broker, cfg.MQTT.ClientID+"-producer", log)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	log.Infof("producer: publishing %s samples to %s", cfg.Sensor.Source, cfg.MQTT.SampleTopic)
	n, err := PublishSamples(ctx, src, client, cfg.MQTT.SampleTopic, cfg.MQTT.QoS, log)
	log.Infof("producer: stopped after %d samples", n)
	return err
}
