package peer

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"beatsync/clock"
	"beatsync/schedule"
)

// StatusSource reports the tempo and time signature beats are sent with.
type StatusSource interface {
	Status() schedule.Status
}

// Broadcaster pushes every beat the leader's scheduler commits to all
// followers, stamped on the reference clock.
type Broadcaster struct {
	Hub     *Hub
	Offsets schedule.Offsets
	Status  StatusSource
	Log     logrus.FieldLogger
}

// Beat is registered with schedule.Scheduler.OnSchedule. It never blocks.
func (b *Broadcaster) Beat(beat schedule.Beat) {
	if b.Hub.Len() == 0 {
		return
	}
	leaderOffset := b.Offsets.Load().OffsetMs
	localMs := clock.Millis(beat.Local)
	st := b.Status.Status()
	msg := BeatMessage{
		Type:              TypeBeat,
		BeatNumber:        beat.Index,
		BeatIndex:         beat.Index,
		BeatsPerMeasure:   st.BeatsPerMeasure,
		BPM:               st.Tempo,
		ServerScheduledMs: localMs + leaderOffset,
		LeaderOffsetMs:    leaderOffset,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		b.Log.WithError(err).Warn("encoding beat message")
		return
	}
	if !b.Hub.Broadcast(websocket.TextMessage, data) {
		b.Log.WithField("beat", beat.Index).Warn("broadcast queue full, beat not sent")
		return
	}
	b.Log.WithFields(logrus.Fields{
		"kind":     "leader_send",
		"beat":     beat.Index,
		"serverMs": msg.ServerScheduledMs,
		"localMs":  localMs,
	}).Debug("beat broadcast")
}

// Endpoint accepts follower connections on the leader.
type Endpoint struct {
	Hub     *Hub
	Offsets schedule.Offsets
	Clock   clock.Clock
	Log     logrus.FieldLogger

	upgrader websocket.Upgrader
}

// NewEndpoint returns an endpoint registering links with hub and answering
// pings with the leader's offset from offsets.
func NewEndpoint(hub *Hub, offsets schedule.Offsets, log logrus.FieldLogger) *Endpoint {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Endpoint{
		Hub:     hub,
		Offsets: offsets,
		Clock:   clock.System{},
		Log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and serves the link until it closes.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.Log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	id := r.URL.Query().Get("peer")
	if id == "" {
		id = uuid.NewString()
	}
	l := NewLink(id, conn, e.Clock, e.Log)
	e.Hub.Register(l)
	defer e.Hub.Unregister(l)

	err = l.Serve(r.Context(), Handler{OnPing: e.answer})
	if err != nil {
		e.Log.WithError(err).WithField("peer", id).Info("peer disconnected")
	}
}

// answer replies to a ping with the receive stamp and the leader's offset.
func (e *Endpoint) answer(l *Link, m PingMessage, recvAt time.Time) {
	pong := PongMessage{Seq: m.Seq, T1: m.T1, T2: clock.Millis(recvAt)}
	if est := e.Offsets.Load(); est.Seeded() {
		off := est.OffsetMs
		pong.LeaderOffsetMs = &off
	}
	if !l.Pong(pong) {
		e.Log.WithField("peer", l.ID).Debug("pong dropped")
	}
}
