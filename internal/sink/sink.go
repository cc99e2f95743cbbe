// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package sink defines the remote persistence capability shared by every
// backend that mirrors recorded sessions, and the payloads they store.
package sink

import (
	"context"
	"time"
)

// Session status values.
const (
	StatusStarted   = "started"
	StatusCompleted = "completed"
)

// UnknownExperiment replaces an empty experimenter code in document paths.
const UnknownExperiment = "Unknown_Experiment"

// TimeLayout is the wall-clock format of session start and end times.
const TimeLayout = "2006-01-02 15:04:05"

// RemoteSink is one remote backend. Calls run on worker goroutines and may
// block on the network; returned errors are logged and the payload dropped.
type RemoteSink interface {
	Name() string
	StartSession(ctx context.Context, s SessionStart) error
	EndSession(ctx context.Context, e SessionEnd) error
	InsertRecords(ctx context.Context, records []MovementRecord) error
}

// Device describes the recording host.
type Device struct {
	Model     string   `json:"device_model"`
	OSVersion string   `json:"os_version"`
	DeviceID  string   `json:"device_id"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// SessionStart is the document created when recording begins.
type SessionStart struct {
	SessionID        string    `json:"session_id"`
	ExperimenterCode string    `json:"experimenter_code"`
	StartTime        time.Time `json:"-"`
	FilePath         string    `json:"file_path"`
	Device           Device    `json:"-"`
}

// StartTimeString formats StartTime with TimeLayout.
func (s SessionStart) StartTimeString() string { return s.StartTime.Format(TimeLayout) }

// StartTimeMillis is StartTime in unix milliseconds.
func (s SessionStart) StartTimeMillis() int64 { return s.StartTime.UnixMilli() }

// SessionEnd is merged into the session document when recording stops.
type SessionEnd struct {
	SessionID        string
	ExperimenterCode string
	StartTime        time.Time
	EndTime          time.Time
}

// EndTimeString formats EndTime with TimeLayout.
func (e SessionEnd) EndTimeString() string { return e.EndTime.Format(TimeLayout) }

// EndTimeMillis is EndTime in unix milliseconds.
func (e SessionEnd) EndTimeMillis() int64 { return e.EndTime.UnixMilli() }

// DurationMs is the session length in milliseconds.
func (e SessionEnd) DurationMs() int64 { return e.EndTime.Sub(e.StartTime).Milliseconds() }

// MovementRecord is one mirrored delta. Optional fields are nil when the
// active variant does not produce them.
type MovementRecord struct {
	SessionID        string   `json:"session_id"`
	ExperimenterCode string   `json:"experimenter_code"`
	Timestamp        string   `json:"timestamp"`
	ElapsedTimeMs    int64    `json:"elapsed_time_ms"`
	Magnitude        float64  `json:"magnitude"`
	RawDelta         *float64 `json:"raw_delta,omitempty"`
	Pitch            *float64 `json:"pitch,omitempty"`
	Roll             *float64 `json:"roll,omitempty"`
	Yaw              *float64 `json:"yaw,omitempty"`
	RawYaw           *float64 `json:"raw_yaw,omitempty"`
}

// ExperimentCode returns code, or UnknownExperiment when it is empty.
func ExperimentCode(code string) string {
	if code == "" {
		return UnknownExperiment
	}
	return code
}
