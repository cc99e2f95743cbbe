package sensors

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	serial "github.com/jacobsa/go-serial/serial"
	"go.uber.org/zap"

	"github.com/relabs-tech/movement_recorder/internal/imu"
)

var lineKinds = map[string]imu.Kind{
	"g": imu.KindGyroscope,
	"a": imu.KindAccelerometer,
	"r": imu.KindRotationVector,
}

// ParseLine parses "kind,x,y,z[,w]" where kind is g, a or r.
func ParseLine(line string, now time.Time) (imu.Sample, error) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) < 4 || len(fields) > 5 {
		return imu.Sample{}, fmt.Errorf("parse line %q: want 4 or 5 fields, got %d", line, len(fields))
	}
	kind, ok := lineKinds[strings.TrimSpace(fields[0])]
	if !ok {
		return imu.Sample{}, fmt.Errorf("parse line %q: unknown kind %q", line, fields[0])
	}
	var v [4]float64
	for i, f := range fields[1:] {
		x, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return imu.Sample{}, fmt.Errorf("parse line %q: field %d: %w", line, i+1, err)
		}
		v[i] = x
	}
	return imu.Sample{Kind: kind, Time: now, X: v[0], Y: v[1], Z: v[2], W: v[3]}, nil
}

// LineSource reads text sample lines from a stream such as a serial port.
type LineSource struct {
	rc      io.ReadCloser
	lines   chan string
	errs    chan error
	done    chan struct{}
	log     *zap.SugaredLogger
	nowFunc func() time.Time

	closeOnce sync.Once
}

// NewLineSource starts reading rc in the background.
func NewLineSource(rc io.ReadCloser, log *zap.SugaredLogger) *LineSource {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &LineSource{
		rc:      rc,
		lines:   make(chan string, 64),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
		log:     log,
		nowFunc: time.Now,
	}
	go s.scan()
	return s
}

// OpenSerialSource opens a serial port at baud and reads sample lines from it.
func OpenSerialSource(port string, baud uint, log *zap.SugaredLogger) (*LineSource, error) {
	p, err := serial.Open(serial.OpenOptions{
		PortName:        port,
		BaudRate:        baud,
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 1,
		ParityMode:      serial.PARITY_NONE,
	})
	if err != nil {
		return nil, fmt.Errorf("serial source: open %s: %w", port, err)
	}
	if log != nil {
		log.Infof("serial source: opened %s at %d baud", port, baud)
	}
	return NewLineSource(p, log), nil
}

func (s *LineSource) scan() {
	defer close(s.lines)
	sc := bufio.NewScanner(s.rc)
	for sc.Scan() {
		select {
		case s.lines <- sc.Text():
		case <-s.done:
			return
		}
	}
	if err := sc.Err(); err != nil {
		s.errs <- err
	}
}

// Next returns the next parseable line. Malformed lines are logged and
// skipped; end of stream yields imu.ErrSourceClosed.
func (s *LineSource) Next(ctx context.Context) (imu.Sample, error) {
	for {
		select {
		case <-ctx.Done():
			return imu.Sample{}, ctx.Err()
		case line, ok := <-s.lines:
			if !ok {
				select {
				case err := <-s.errs:
					if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
						return imu.Sample{}, fmt.Errorf("serial source: %w: %v", imu.ErrSourceClosed, err)
					}
				default:
				}
				return imu.Sample{}, imu.ErrSourceClosed
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			sample, err := ParseLine(line, s.nowFunc())
			if err != nil {
				s.log.Debugf("serial source: %v", err)
				continue
			}
			return sample, nil
		}
	}
}

// Close closes the underlying stream, which ends the reader goroutine.
func (s *LineSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.rc.Close()
	})
	return err
}
