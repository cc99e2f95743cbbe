// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/relabs-tech/movement_recorder/internal/calibration"
	"github.com/relabs-tech/movement_recorder/internal/config"
	"github.com/relabs-tech/movement_recorder/internal/gps"
	"github.com/relabs-tech/movement_recorder/internal/imu"
	"github.com/relabs-tech/movement_recorder/internal/logging"
	"github.com/relabs-tech/movement_recorder/internal/movement"
	"github.com/relabs-tech/movement_recorder/internal/sensors"
	"github.com/relabs-tech/movement_recorder/internal/session"
	"github.com/relabs-tech/movement_recorder/internal/sink"
	"github.com/relabs-tech/movement_recorder/internal/workerpool"
)

// Runtime owns every long-lived component built from a Config.
type Runtime struct {
	Config     *config.Config
	Log        *zap.SugaredLogger
	Pool       *workerpool.Pool
	Recorder   *session.Recorder
	Controller *Controller
	GPS        *gps.Tracker

	source   imu.Source
	gpsPort  io.Reader
	closeGPS func() error
	closers  []func() error
	clients  []mqtt.Client
}

// NewLogger builds the process logger from the [log] section.
func NewLogger(cfg *config.Config) *zap.SugaredLogger {
	return logging.Must(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
}

// ConnectMQTT opens a paho client and waits for the connection.
func ConnectMQTT(broker, clientID string, log *zap.SugaredLogger) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warnf("mqtt: connection to %s lost: %v", broker, err)
		})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, token.Error())
	}
	log.Infof("mqtt: connected to %s as %s", broker, clientID)
	return client, nil
}

// PipelineParams resolves the sensor variant and threshold.
func PipelineParams(cfg *config.Config) (movement.Params, error) {
	kind, err := movement.ParseSensorKind(cfg.Sensor.Kind)
	if err != nil {
		return movement.Params{}, err
	}
	threshold := kind.DefaultThreshold()
	if cfg.Sensor.Threshold != nil {
		threshold = *cfg.Sensor.Threshold
	}
	return movement.Params{Sensor: kind, Threshold: threshold}, nil
}

// NewRuntime connects the configured source and sinks and wires them to a
// recorder and controller. On error everything opened so far is closed.
func NewRuntime(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (rt *Runtime, err error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	r := &Runtime{Config: cfg, Log: log}
	defer func() {
		if err != nil {
			err = multierr.Append(err, r.Close())
		}
	}()

	params, err := PipelineParams(cfg)
	if err != nil {
		return nil, err
	}
	yaw, err := calibration.ParseYawAggregation(cfg.Sensor.YawBaseline)
	if err != nil {
		return nil, err
	}

	if cfg.GPS.Enabled {
		port, err := gps.OpenSerial(cfg.GPS.Port, cfg.GPS.BaudRate)
		if err != nil {
			// Sessions are still recorded without a position.
			log.Warnf("gps: disabled: %v", err)
		} else {
			r.closeGPS = sync.OnceValue(port.Close)
			r.gpsPort = port
			r.GPS = gps.NewTracker(log)
		}
	}

	r.source, err = r.openSource(cfg, log)
	if err != nil {
		return nil, err
	}

	sinks, err := r.openSinks(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	r.Pool = workerpool.New(cfg.Workers.Count, cfg.TaskTimeout(), log)
	r.Recorder = session.NewRecorder(session.Options{
		OutputDir:    cfg.Recording.OutputDir,
		SimpleNaming: cfg.Recording.FileNaming == "simple",
		BatchSize:    cfg.Recording.BatchSize,
		RawDelta:     cfg.Recording.RawDelta,
		Orientation:  cfg.Sensor.Orientation,
	}, sinks, r.Pool, clock.New(), log)

	r.Controller = NewController(ControllerOptions{
		Params:        params,
		Estimator:     calibration.NewEstimator(cfg.Sensor.CalibrationSamples, yaw),
		Orientation:   cfg.Sensor.Orientation,
		AutoCalibrate: cfg.Sensor.AutoCalibrate,
		Device:        r.device,
	}, r.source, r.Recorder, log)
	return r, nil
}

func (rt *Runtime) mqttClient(clientID string, log *zap.SugaredLogger) (mqtt.Client, error) {
	client, err := ConnectMQTT(rt.Config.MQTT.Broker, clientID, log)
	if err != nil {
		return nil, err
	}
	rt.clients = append(rt.clients, client)
	return client, nil
}

func (rt *Runtime) openSource(cfg *config.Config, log *zap.SugaredLogger) (imu.Source, error) {
	if cfg.Sensor.Source != "mqtt" {
		return OpenLocalSource(cfg, log)
	}
	client, err := rt.mqttClient(cfg.MQTT.ClientID, log)
	if err != nil {
		return nil, err
	}
	src, err := sensors.NewMQTTSource(client, cfg.MQTT.SampleTopic, cfg.MQTT.QoS, log)
	if err != nil {
		return nil, err
	}
	return src, nil
}

// OpenLocalSource opens a source attached to this host: a serial line,
// an MPU9250 on SPI or the mock generator.
func OpenLocalSource(cfg *config.Config, log *zap.SugaredLogger) (imu.Source, error) {
	switch cfg.Sensor.Source {
	case "serial":
		src, err := sensors.OpenSerialSource(cfg.Serial.Port, cfg.Serial.BaudRate, log)
		if err != nil {
			return nil, err
		}
		return src, nil
	case "mpu9250":
		src, err := sensors.NewMPU9250Source(sensors.MPU9250Options{
			SPIDevice:  cfg.MPU9250.SPIDevice,
			CSPin:      cfg.MPU9250.CSPin,
			AccelRange: cfg.MPU9250.AccelRange,
			GyroRange:  cfg.MPU9250.GyroRange,
			Interval:   cfg.SampleInterval(),
		}, log)
		if err != nil {
			return nil, err
		}
		return src, nil
	case "mock":
		// Stay still long enough for a full calibration window.
		still := time.Duration(2*cfg.Sensor.CalibrationSamples) * cfg.SampleInterval()
		return sensors.NewMockSource(sensors.MockOptions{
			Interval:    cfg.SampleInterval(),
			StillFor:    still,
			Orientation: cfg.Sensor.Orientation,
			Seed:        time.Now().UnixNano(),
		}, nil), nil
	}
	return nil, fmt.Errorf("source %q is not a local sensor", cfg.Sensor.Source)
}

func (rt *Runtime) openSinks(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) ([]sink.RemoteSink, error) {
	var sinks []sink.RemoteSink

	if cfg.Firestore.Enabled {
		fs, err := sink.NewFirestore(ctx, cfg.Firestore.ProjectID, cfg.Firestore.CredentialsFile, log)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, fs.Close)
		sinks = append(sinks, fs)
	}
	if cfg.Supabase.Enabled {
		timeout := time.Duration(cfg.Supabase.TimeoutMs) * time.Millisecond
		sinks = append(sinks, sink.NewSupabase(cfg.Supabase.URL, cfg.Supabase.APIKey, timeout, log))
	}
	if cfg.SQLStore.Enabled {
		store, err := sink.OpenSQLStore(cfg.SQLStore.Driver, cfg.SQLStore.DSN, log)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, store.Close)
		sinks = append(sinks, store)
	}
	if cfg.MQTTSink.Enabled {
		clientID := cfg.MQTTSink.ClientID
		if clientID == "" {
			clientID = cfg.MQTT.ClientID + "-sink"
		}
		client, err := rt.mqttClient(clientID, log)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink.NewMQTT(client, cfg.MQTTSink.TopicPrefix, cfg.MQTTSink.QoS, log))
	}

	if len(sinks) == 0 {
		log.Info("recorder: no remote sinks enabled, recording locally only")
	} else {
		log.Infof("recorder: remote sinks %v", lo.Map(sinks, func(s sink.RemoteSink, _ int) string { return s.Name() }))
	}
	return sinks, nil
}

// device is evaluated when a session starts so it carries the latest fix.
func (rt *Runtime) device() sink.Device {
	d := sink.Device{
		Model:     "unknown",
		OSVersion: runtime.GOOS + "/" + runtime.GOARCH,
		DeviceID:  rt.Config.DeviceID,
	}
	if host, err := os.Hostname(); err == nil {
		d.Model = host
	}
	if rt.GPS != nil {
		if fix, ok := rt.GPS.Latest(); ok {
			lat, lon := fix.Latitude, fix.Longitude
			d.Latitude, d.Longitude = &lat, &lon
		}
	}
	return d
}

// RunGPS feeds the tracker until ctx is done. It returns immediately when
// GPS is disabled.
func (rt *Runtime) RunGPS(ctx context.Context) error {
	if rt.GPS == nil {
		return nil
	}
	go func() {
		<-ctx.Done()
		_ = rt.closeGPS()
	}()
	if err := rt.GPS.Run(ctx, rt.gpsPort); err != nil && ctx.Err() == nil {
		rt.Log.Warnf("gps: reader stopped: %v", err)
	}
	return nil
}

// Close drains queued sink calls and releases every connection.
func (rt *Runtime) Close() error {
	var err error
	if rt.source != nil {
		err = multierr.Append(err, rt.source.Close())
	}
	if rt.Pool != nil {
		rt.Pool.Close()
		rt.Pool.Wait()
	}
	for _, c := range rt.closers {
		err = multierr.Append(err, c())
	}
	for _, c := range rt.clients {
		c.Disconnect(250)
	}
	if rt.closeGPS != nil {
		err = multierr.Append(err, rt.closeGPS())
	}
	return err
}
