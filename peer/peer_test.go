package peer

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"beatsync/clock"
	"beatsync/schedule"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestFrameRoundTrip(t *testing.T) {
	f := Frame{Seq: 7, LeaderMs: 1_700_000_000_123.5, Payload: []byte{1, 2, 3}}
	data := f.Encode()
	if data[0] != 'B' || data[1] != 'F' || len(data) != frameHeaderLen+3 {
		t.Fatalf("Encode() = % x", data)
	}
	got, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	if got.Seq != f.Seq || got.LeaderMs != f.LeaderMs || !bytes.Equal(got.Payload, f.Payload) {
		t.Errorf("DecodeFrame() = %+v, want %+v", got, f)
	}

	empty, err := DecodeFrame(Frame{Seq: 1}.Encode())
	if err != nil || empty.Payload != nil {
		t.Errorf("DecodeFrame(no payload) = %+v, %v", empty, err)
	}
}

func TestDecodeFrameRejects(t *testing.T) {
	tests := map[string][]byte{
		"short":     {'B', 'F', 0, 0},
		"bad magic": append([]byte{'X', 'F'}, make([]byte, 12)...),
		"empty":     nil,
	}
	for name, data := range tests {
		if _, err := DecodeFrame(data); err == nil {
			t.Errorf("%s: DecodeFrame() error = nil", name)
		}
	}
}

func TestMarker(t *testing.T) {
	for _, tt := range []struct {
		index  int64
		accent bool
	}{{0, true}, {13, false}, {1 << 40, true}} {
		idx, accent, ok := DecodeMarker(EncodeMarker(tt.index, tt.accent))
		if !ok || idx != tt.index || accent != tt.accent {
			t.Errorf("marker(%d, %v) decoded as %d, %v, %v", tt.index, tt.accent, idx, accent, ok)
		}
	}
	if _, _, ok := DecodeMarker([]byte{1, 2}); ok {
		t.Error("DecodeMarker accepted a short payload")
	}
	if _, _, ok := DecodeMarker(nil); ok {
		t.Error("DecodeMarker accepted an empty payload")
	}
}

func TestTap(t *testing.T) {
	var tap Tap
	if p := tap.Payload(0); p != nil {
		t.Errorf("Payload() with nothing pending = %v", p)
	}
	tap.Fire(schedule.Beat{Index: 3})
	tap.Fire(schedule.Beat{Index: 4, Accent: true})
	idx, accent, ok := DecodeMarker(tap.Payload(1))
	if !ok || idx != 4 || !accent {
		t.Errorf("Payload() = beat %d accent %v ok %v, want latest beat 4", idx, accent, ok)
	}
	if p := tap.Payload(2); p != nil {
		t.Errorf("Payload() marked two frames with one beat")
	}
}

func TestMediaPumpDrainsWithoutPeers(t *testing.T) {
	hub := NewHub(quietLogger())
	var calls atomic.Int32
	p := &MediaPump{
		Hub:      hub,
		Interval: 2 * time.Millisecond,
		Payload:  func(uint32) []byte { calls.Add(1); return nil },
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if calls.Load() == 0 {
		t.Error("payload never requested")
	}
}

type fixedStatus schedule.Status

func (s fixedStatus) Status() schedule.Status { return schedule.Status(s) }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLeaderFollowerLink(t *testing.T) {
	log := quietLogger()
	ctx, cancel := context.WithCancel(context.Background())

	hub := NewHub(log)
	go hub.Run(ctx)

	offsets := clock.NewStore()
	offsets.Set(clock.Estimate{OffsetMs: 42, Samples: 1})
	srv := httptest.NewServer(NewEndpoint(hub, offsets, log))
	defer srv.Close()
	defer cancel()

	link, err := Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), "follower-1", nil, log)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	beats := make(chan BeatMessage, 4)
	frames := make(chan Frame, 4)
	served := make(chan error, 1)
	go func() {
		served <- link.Serve(ctx, Handler{
			OnBeat:  func(_ *Link, m BeatMessage) { beats <- m },
			OnFrame: func(_ *Link, f Frame) { frames <- f },
		})
	}()
	waitFor(t, func() bool { return hub.Len() == 1 })

	pctx, pcancel := context.WithTimeout(ctx, 2*time.Second)
	defer pcancel()
	pong, err := link.Ping(pctx, 1000)
	if err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	if pong.T1 != 1000 || pong.LeaderOffsetMs == nil || *pong.LeaderOffsetMs != 42 {
		t.Errorf("Ping() = %+v, want t1 1000 and leader offset 42", pong)
	}
	if pong.T3 < pong.T2 {
		t.Errorf("pong t3 %v before t2 %v", pong.T3, pong.T2)
	}

	b := &Broadcaster{
		Hub:     hub,
		Offsets: offsets,
		Status:  fixedStatus{Tempo: 96, BeatsPerMeasure: 3},
		Log:     log,
	}
	local := time.Unix(1_700_000_000, 0)
	b.Beat(schedule.Beat{Index: 5, Local: local})
	select {
	case m := <-beats:
		if m.BeatIndex != 5 || m.BeatNumber != 5 || m.BPM != 96 || m.BeatsPerMeasure != 3 {
			t.Errorf("beat message = %+v", m)
		}
		if want := clock.Millis(local) + 42; m.ServerScheduledMs != want {
			t.Errorf("serverScheduledMs = %v, want %v", m.ServerScheduledMs, want)
		}
		if f := m.Follow(); f.Index != 5 || f.Tempo != 96 {
			t.Errorf("Follow() = %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("beat message not received")
	}

	hub.Broadcast(websocket.BinaryMessage, Frame{Seq: 9, Payload: EncodeMarker(5, true)}.Encode())
	select {
	case f := <-frames:
		idx, accent, ok := DecodeMarker(f.Payload)
		if f.Seq != 9 || !ok || idx != 5 || !accent {
			t.Errorf("frame = %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("media frame not received")
	}

	link.Close()
	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve() did not return after Close")
	}
	waitFor(t, func() bool { return hub.Len() == 0 })

	if _, err := link.Ping(pctx, 2000); err == nil {
		t.Error("Ping() on a closed link succeeded")
	}
}

func TestBroadcasterSkipsWithoutPeers(t *testing.T) {
	hub := NewHub(quietLogger())
	b := &Broadcaster{Hub: hub, Offsets: clock.NewStore(), Status: fixedStatus{}, Log: quietLogger()}
	b.Beat(schedule.Beat{Index: 1})
	if len(hub.broadcast) != 0 {
		t.Errorf("queued %d messages with no peers", len(hub.broadcast))
	}
}
