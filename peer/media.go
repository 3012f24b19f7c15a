package peer

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"beatsync/clock"
	"beatsync/schedule"
)

// DefaultFrameInterval is the spacing of media frames.
const DefaultFrameInterval = 20 * time.Millisecond

const markerLen = 9

// MediaPump streams media frames to every follower. Followers treat the
// frames as the liveness signal for the leader's stream.
type MediaPump struct {
	Hub      *Hub
	Clock    clock.Clock
	Interval time.Duration
	// Payload, if set, supplies the body of each frame.
	Payload func(seq uint32) []byte
}

// Run sends frames until ctx is done.
func (p *MediaPump) Run(ctx context.Context) error {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	c := p.Clock
	if c == nil {
		c = clock.System{}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint32
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			var payload []byte
			if p.Payload != nil {
				payload = p.Payload(seq)
			}
			if p.Hub.Len() == 0 {
				continue
			}
			f := Frame{Seq: seq, LeaderMs: clock.Millis(c.Now()), Payload: payload}
			seq++
			p.Hub.Broadcast(websocket.BinaryMessage, f.Encode())
		}
	}
}

// Tap is a leader sink that marks the next media frame with each beat the
// leader sounds, so the stream carries the leader's clicks as they happen.
type Tap struct {
	mu      sync.Mutex
	pending *schedule.Beat
}

// Fire implements schedule.Sink.
func (t *Tap) Fire(b schedule.Beat) {
	t.mu.Lock()
	t.pending = &b
	t.mu.Unlock()
}

// Payload hands the pending beat, if any, to MediaPump.
func (t *Tap) Payload(uint32) []byte {
	t.mu.Lock()
	b := t.pending
	t.pending = nil
	t.mu.Unlock()
	if b == nil {
		return nil
	}
	return EncodeMarker(b.Index, b.Accent)
}

// EncodeMarker is the frame payload for a sounded beat: index (int64,
// big-endian) then accent (0/1).
func EncodeMarker(index int64, accent bool) []byte {
	out := make([]byte, markerLen)
	binary.BigEndian.PutUint64(out, uint64(index))
	if accent {
		out[8] = 1
	}
	return out
}

// DecodeMarker reads a beat marker from a frame payload.
func DecodeMarker(p []byte) (index int64, accent bool, ok bool) {
	if len(p) != markerLen {
		return 0, false, false
	}
	return int64(binary.BigEndian.Uint64(p)), p[8] == 1, true
}
