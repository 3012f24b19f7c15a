// Package midisink plays beats as General MIDI percussion notes.
package midisink

import (
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"beatsync/schedule"
)

const (
	// Channel 10 (index 9) is the GM percussion channel.
	percussionChannel = 9

	accentKey      = 76 // hi wood block
	beatKey        = 77 // low wood block
	accentVelocity = 127
	beatVelocity   = 90

	noteLength = 50 * time.Millisecond
)

// Notes returns the note-on and note-off messages for b.
func Notes(b schedule.Beat) (on, off midi.Message) {
	key, vel := uint8(beatKey), uint8(beatVelocity)
	if b.Accent {
		key, vel = accentKey, accentVelocity
	}
	return midi.NoteOn(percussionChannel, key, vel), midi.NoteOff(percussionChannel, key)
}

// Sink sends beats to a MIDI output port.
type Sink struct {
	mu  sync.Mutex
	drv *rtmididrv.Driver
	out drivers.Out
	log logrus.FieldLogger
}

// Open opens the first output port whose name contains match
// (case-insensitive). An empty match picks the first port.
func Open(match string, log logrus.FieldLogger) (*Sink, error) {
	drv, err := rtmididrv.New()
	if err != nil {
		return nil, errors.Wrap(err, "rtmididrv")
	}
	outs, err := drv.Outs()
	if err != nil {
		drv.Close()
		return nil, errors.Wrap(err, "listing midi outputs")
	}
	var found drivers.Out
	for _, out := range outs {
		if match == "" || strings.Contains(strings.ToLower(out.String()), strings.ToLower(match)) {
			found = out
			break
		}
	}
	if found == nil {
		drv.Close()
		return nil, errors.Errorf("no midi output matching %q", match)
	}
	if err := found.Open(); err != nil {
		drv.Close()
		return nil, errors.Wrapf(err, "opening %q", found.String())
	}
	log.WithField("device", found.String()).Info("midi: output opened")
	return &Sink{drv: drv, out: found, log: log}, nil
}

// Fire implements schedule.Sink.
func (s *Sink) Fire(b schedule.Beat) {
	on, off := Notes(b)
	if err := s.send(on); err != nil {
		s.log.WithError(err).WithField("beat", b.Index).Warn("midi: note on failed")
		return
	}
	time.AfterFunc(noteLength, func() {
		if err := s.send(off); err != nil {
			s.log.WithError(err).Debug("midi: note off failed")
		}
	})
}

func (s *Sink) send(m midi.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		return errors.New("midi output closed")
	}
	return s.out.Send(m)
}

// Close closes the port and the driver.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out != nil {
		_ = s.out.Close()
		s.out = nil
	}
	s.drv.Close()
}
