// Package gps keeps the latest position fix from an NMEA stream so that
// sessions can be tagged with where they were recorded.
package gps

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	nmea "github.com/adrianmo/go-nmea"
	serial "github.com/jacobsa/go-serial/serial"
	"go.uber.org/zap"
)

// Fix represents a single combined GPS fix suitable for JSON.
type Fix struct {
	Time       string  `json:"time"`        // e.g. "12:34:56"
	Date       string  `json:"date"`        // e.g. "13/06/94"
	Latitude   float64 `json:"lat"`         // decimal degrees
	Longitude  float64 `json:"lon"`         // decimal degrees
	SpeedKnots float64 `json:"speed_knots"` // speed over ground
	CourseDeg  float64 `json:"course_deg"`  // course over ground
	Validity   string  `json:"validity"`    // "A" (valid) / "V" (void)
}

// Tracker parses RMC sentences and remembers the latest valid fix.
type Tracker struct {
	log *zap.SugaredLogger

	mu     sync.RWMutex
	latest Fix
	valid  bool
}

// NewTracker returns a tracker with no fix.
func NewTracker(log *zap.SugaredLogger) *Tracker {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Tracker{log: log}
}

// Latest returns the most recent valid fix.
func (t *Tracker) Latest() (Fix, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.latest, t.valid
}

// Observe parses one NMEA line. Non-RMC and void sentences are ignored.
func (t *Tracker) Observe(line string) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return
	}
	sentence, err := nmea.Parse(line)
	if err != nil {
		// noisy GPS or partial sentences
		t.log.Debugf("gps: NMEA parse error: %v (line: %q)", err, line)
		return
	}
	if sentence.DataType() != nmea.TypeRMC {
		return
	}
	m := sentence.(nmea.RMC)
	if m.Validity != nmea.ValidRMC {
		return
	}

	fix := Fix{
		Time:       m.Time.String(),
		Date:       m.Date.String(),
		Latitude:   m.Latitude,
		Longitude:  m.Longitude,
		SpeedKnots: m.Speed,
		CourseDeg:  m.Course,
		Validity:   m.Validity,
	}
	t.mu.Lock()
	t.latest, t.valid = fix, true
	t.mu.Unlock()
}

// Run reads NMEA lines from r until EOF, a read error, or ctx is done.
func (t *Tracker) Run(ctx context.Context, r io.Reader) error {
	reader := bufio.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := reader.ReadString('\n')
		if line != "" {
			t.Observe(line)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("gps: read: %w", err)
		}
	}
}

// OpenSerial opens the GPS serial port.
func OpenSerial(port string, baud uint) (io.ReadWriteCloser, error) {
	p, err := serial.Open(serial.OpenOptions{
		PortName:              port,
		BaudRate:              baud,
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       1,
		ParityMode:            serial.PARITY_NONE,
		InterCharacterTimeout: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("gps: open %s: %w", port, err)
	}
	return p, nil
}
