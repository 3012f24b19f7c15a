// Package serialsink drives a visual beat indicator over a serial line.
package serialsink

import (
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"beatsync/schedule"
)

// Sink writes one Frame per beat.
type Sink struct {
	mu              sync.Mutex
	port            io.WriteCloser
	beatsPerMeasure int
	seq             byte
	log             logrus.FieldLogger
}

// Open opens the serial device name at baud.
func Open(name string, baud int, beatsPerMeasure int, log logrus.FieldLogger) (*Sink, error) {
	p, err := serial.Open(name, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, errors.Wrapf(err, "opening serial port %s", name)
	}
	log.WithFields(logrus.Fields{"device": name, "baud": baud}).Info("serial: port opened")
	return New(p, beatsPerMeasure, log), nil
}

// New wraps an already open port.
func New(port io.WriteCloser, beatsPerMeasure int, log logrus.FieldLogger) *Sink {
	return &Sink{port: port, beatsPerMeasure: beatsPerMeasure, log: log}
}

// SetBeatsPerMeasure changes how Position is computed.
func (s *Sink) SetBeatsPerMeasure(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beatsPerMeasure = n
}

// Fire implements schedule.Sink.
func (s *Sink) Fire(b schedule.Beat) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := Frame{Index: uint32(b.Index), Accent: b.Accent, Seq: s.seq}
	if s.beatsPerMeasure > 0 {
		f.Position = byte(b.Index % int64(s.beatsPerMeasure))
	}
	s.seq++
	if _, err := s.port.Write(f.Encode()); err != nil {
		s.log.WithError(err).Warn("serial: write error")
	}
}

// Close closes the port.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port.Close()
}
