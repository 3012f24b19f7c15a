// Package peer carries beats, clock pings and media frames between a
// leader and its followers over websocket links.
package peer

import (
	"encoding/binary"
	"encoding/json"
	"math"

	"github.com/pkg/errors"

	"beatsync/clock"
	"beatsync/follow"
)

// Message types carried in text frames.
const (
	TypeBeat = "beat"
	TypePing = "dc_ping"
	TypePong = "dc_pong"
)

// envelope is decoded first to route a text frame.
type envelope struct {
	Type string `json:"type"`
}

// BeatMessage announces that beat BeatIndex sounds at ServerScheduledMs on
// the reference clock. BeatNumber duplicates BeatIndex for older followers.
type BeatMessage struct {
	Type              string  `json:"type"`
	BeatNumber        int64   `json:"beatNumber"`
	BeatIndex         int64   `json:"beatIndex"`
	BeatsPerMeasure   int     `json:"beatsPerMeasure"`
	BPM               float64 `json:"bpm"`
	ServerScheduledMs float64 `json:"serverScheduledMs"`
	LeaderOffsetMs    float64 `json:"leaderOffsetMs"`
}

// Follow converts the message for the follower sync.
func (m BeatMessage) Follow() follow.Beat {
	return follow.Beat{
		Index:           m.BeatIndex,
		Tempo:           m.BPM,
		BeatsPerMeasure: m.BeatsPerMeasure,
		ServerMs:        m.ServerScheduledMs,
	}
}

// PingMessage starts a clock exchange; T1 is the follower's send time.
type PingMessage struct {
	Type string  `json:"type"`
	Seq  uint64  `json:"seq"`
	T1   float64 `json:"t1"`
}

// PongMessage answers a ping. T2 is stamped when the ping was read, T3 just
// before the pong is written.
type PongMessage struct {
	Type           string   `json:"type"`
	Seq            uint64   `json:"seq"`
	T1             float64  `json:"t1"`
	T2             float64  `json:"t2"`
	T3             float64  `json:"t3"`
	LeaderOffsetMs *float64 `json:"leaderOffsetMs,omitempty"`
}

// Clock converts the pong for the refiner.
func (p PongMessage) Clock() clock.Pong {
	return clock.Pong{T1: p.T1, T2: p.T2, T3: p.T3, LeaderOffsetMs: p.LeaderOffsetMs}
}

func decodeType(data []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", errors.Wrap(err, "decoding message envelope")
	}
	return env.Type, nil
}

// Media frames travel as binary messages:
//
//	['B']['F'][seq uint32][leader time float64 ms][payload...]
//
// all big-endian.
const frameHeaderLen = 2 + 4 + 8

// Frame is one chunk of the leader's media stream.
type Frame struct {
	Seq      uint32
	LeaderMs float64
	Payload  []byte
}

// Encode returns the wire form of f.
func (f Frame) Encode() []byte {
	out := make([]byte, frameHeaderLen, frameHeaderLen+len(f.Payload))
	out[0], out[1] = 'B', 'F'
	binary.BigEndian.PutUint32(out[2:6], f.Seq)
	binary.BigEndian.PutUint64(out[6:14], math.Float64bits(f.LeaderMs))
	return append(out, f.Payload...)
}

// DecodeFrame parses a binary media message.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) < frameHeaderLen || data[0] != 'B' || data[1] != 'F' {
		return Frame{}, errors.New("malformed media frame")
	}
	f := Frame{
		Seq:      binary.BigEndian.Uint32(data[2:6]),
		LeaderMs: math.Float64frombits(binary.BigEndian.Uint64(data[6:14])),
	}
	if len(data) > frameHeaderLen {
		f.Payload = append([]byte(nil), data[frameHeaderLen:]...)
	}
	return f, nil
}
