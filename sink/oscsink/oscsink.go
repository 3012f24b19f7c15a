// Package oscsink fires beats as OSC messages, for driving SuperCollider
// and other OSC-speaking synths.
package oscsink

import (
	"net"

	"github.com/pkg/errors"
	"github.com/scgolang/osc"
	"github.com/sirupsen/logrus"

	"beatsync/schedule"
)

// AddressBeat is the OSC address beats are sent to.
const AddressBeat = "/beatsync/beat"

// Sink sends one message per beat to a remote OSC server.
type Sink struct {
	conn *osc.UDPConn
	log  logrus.FieldLogger
}

// Dial connects to the OSC server at addr (host:port).
func Dial(addr string, log logrus.FieldLogger) (*Sink, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "resolving osc address")
	}
	conn, err := osc.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, errors.Wrap(err, "dialing osc server")
	}
	return &Sink{conn: conn, log: log}, nil
}

// Message builds the OSC message for b: beat index and accent flag (0/1).
func Message(b schedule.Beat) osc.Message {
	accent := 0
	if b.Accent {
		accent = 1
	}
	return osc.Message{
		Address: AddressBeat,
		Arguments: osc.Arguments{
			osc.Int(int32(b.Index)),
			osc.Int(int32(accent)),
		},
	}
}

// Fire implements schedule.Sink.
func (s *Sink) Fire(b schedule.Beat) {
	if err := s.conn.Send(Message(b)); err != nil {
		s.log.WithError(err).WithField("beat", b.Index).Warn("osc send failed")
	}
}

// Close closes the UDP connection.
func (s *Sink) Close() error {
	return s.conn.Close()
}
