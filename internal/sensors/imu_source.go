// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/devices/v3/mpu9250"
	"periph.io/x/host/v3"

	"github.com/relabs-tech/movement_recorder/internal/imu"
)

const standardGravity = 9.80665

// MPU9250Options configures the SPI-attached sensor.
type MPU9250Options struct {
	SPIDevice  string
	CSPin      string
	AccelRange byte // 0=±2g .. 3=±16g
	GyroRange  byte // 0=±250°/s .. 3=±2000°/s
	Interval   time.Duration
}

// rawReader is the part of *mpu9250.MPU9250 read on every tick.
type rawReader interface {
	GetAccelerationX() (int16, error)
	GetAccelerationY() (int16, error)
	GetAccelerationZ() (int16, error)
	GetRotationX() (int16, error)
	GetRotationY() (int16, error)
	GetRotationZ() (int16, error)
}

// MPU9250Source polls an MPU9250 and emits one gyroscope and one
// accelerometer sample per tick, in that order.
type MPU9250Source struct {
	dev      rawReader
	interval time.Duration
	accelLSB float64 // counts per g
	gyroLSB  float64 // counts per deg/s
	log      *zap.SugaredLogger

	ticker    *time.Ticker
	pending   []imu.Sample
	done      chan struct{}
	closeOnce sync.Once
}

// NewMPU9250Source initializes the sensor over SPI, applies the configured
// ranges and runs the chip's bias calibration.
func NewMPU9250Source(opts MPU9250Options, log *zap.SugaredLogger) (*MPU9250Source, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("mpu9250: periph host init: %w", err)
	}

	cs := gpioreg.ByName(opts.CSPin)
	if cs == nil {
		return nil, fmt.Errorf("mpu9250: CS pin %q not found", opts.CSPin)
	}

	tr, err := mpu9250.NewSpiTransport(opts.SPIDevice, cs)
	if err != nil {
		return nil, fmt.Errorf("mpu9250: SPI transport (%s): %w", opts.SPIDevice, err)
	}

	dev, err := mpu9250.New(*tr)
	if err != nil {
		return nil, fmt.Errorf("mpu9250: device creation: %w", err)
	}
	if err := dev.Init(); err != nil {
		return nil, fmt.Errorf("mpu9250: initialization: %w", err)
	}

	if err := dev.SetAccelRange(opts.AccelRange); err != nil {
		return nil, fmt.Errorf("mpu9250: set accel range: %w", err)
	}
	log.Infof("mpu9250: accelerometer range set to %d (±%dg)", opts.AccelRange, []int{2, 4, 8, 16}[opts.AccelRange&3])

	if err := dev.SetGyroRange(opts.GyroRange); err != nil {
		return nil, fmt.Errorf("mpu9250: set gyro range: %w", err)
	}
	log.Infof("mpu9250: gyroscope range set to %d (±%d°/s)", opts.GyroRange, []int{250, 500, 1000, 2000}[opts.GyroRange&3])

	if err := dev.Calibrate(); err != nil {
		log.Warnf("mpu9250: calibration failed: %v", err)
	} else {
		log.Info("mpu9250: calibration complete")
	}

	return newMPU9250Source(dev, opts, log), nil
}

func newMPU9250Source(dev rawReader, opts MPU9250Options, log *zap.SugaredLogger) *MPU9250Source {
	interval := opts.Interval
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	return &MPU9250Source{
		dev:      dev,
		interval: interval,
		accelLSB: 16384 / math.Exp2(float64(opts.AccelRange&3)),
		gyroLSB:  131 / math.Exp2(float64(opts.GyroRange&3)),
		log:      log,
		ticker:   time.NewTicker(interval),
		done:     make(chan struct{}),
	}
}

// Next returns the next sample, reading the device on each tick.
func (s *MPU9250Source) Next(ctx context.Context) (imu.Sample, error) {
	select {
	case <-s.done:
		return imu.Sample{}, imu.ErrSourceClosed
	default:
	}
	if len(s.pending) > 0 {
		next := s.pending[0]
		s.pending = s.pending[1:]
		return next, nil
	}

	select {
	case <-ctx.Done():
		return imu.Sample{}, ctx.Err()
	case <-s.done:
		return imu.Sample{}, imu.ErrSourceClosed
	case now := <-s.ticker.C:
		gyro, accel, err := s.read(now)
		if err != nil {
			return imu.Sample{}, err
		}
		s.pending = append(s.pending, accel)
		return gyro, nil
	}
}

func (s *MPU9250Source) read(now time.Time) (gyro, accel imu.Sample, err error) {
	var raw [6]int16
	reads := []func() (int16, error){
		s.dev.GetRotationX, s.dev.GetRotationY, s.dev.GetRotationZ,
		s.dev.GetAccelerationX, s.dev.GetAccelerationY, s.dev.GetAccelerationZ,
	}
	names := []string{"gyro X", "gyro Y", "gyro Z", "accel X", "accel Y", "accel Z"}
	for i, read := range reads {
		if raw[i], err = read(); err != nil {
			return gyro, accel, fmt.Errorf("mpu9250 %s: %w", names[i], err)
		}
	}

	toRad := func(v int16) float64 { return float64(v) / s.gyroLSB * math.Pi / 180 }
	toMS2 := func(v int16) float64 { return float64(v) / s.accelLSB * standardGravity }

	gyro = imu.Sample{Kind: imu.KindGyroscope, Time: now, X: toRad(raw[0]), Y: toRad(raw[1]), Z: toRad(raw[2])}
	accel = imu.Sample{Kind: imu.KindAccelerometer, Time: now, X: toMS2(raw[3]), Y: toMS2(raw[4]), Z: toMS2(raw[5])}
	return gyro, accel, nil
}

// Close stops polling.
func (s *MPU9250Source) Close() error {
	s.closeOnce.Do(func() {
		s.ticker.Stop()
		close(s.done)
	})
	return nil
}
