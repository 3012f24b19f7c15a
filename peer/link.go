package peer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"beatsync/clock"
)

const (
	sendQueueLen        = 256
	DefaultWriteTimeout = 250 * time.Millisecond
	maxMessageSize      = 64 << 10
)

// ErrClosed is returned by operations on a closed link.
var ErrClosed = errors.New("peer link closed")

// Handler receives what arrives on a link. Nil fields are ignored. recvAt
// is read from the link's clock as soon as the message is off the socket.
type Handler struct {
	OnBeat  func(l *Link, m BeatMessage)
	OnPing  func(l *Link, m PingMessage, recvAt time.Time)
	OnFrame func(l *Link, f Frame)
}

type outbound struct {
	kind int
	data []byte
	pong *PongMessage
}

// Link is one websocket connection between a leader and a follower. Writes
// go through a bounded queue drained by a single writer goroutine, so a
// slow peer only ever loses its own messages.
type Link struct {
	ID           string
	WriteTimeout time.Duration

	conn  *websocket.Conn
	clock clock.Clock
	log   logrus.FieldLogger
	send  chan outbound

	closeOnce sync.Once
	done      chan struct{}

	mu      sync.Mutex
	seq     uint64
	waiting map[uint64]chan PongMessage
}

// NewLink wraps an established websocket connection.
func NewLink(id string, conn *websocket.Conn, c clock.Clock, log logrus.FieldLogger) *Link {
	if c == nil {
		c = clock.System{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Link{
		ID:           id,
		WriteTimeout: DefaultWriteTimeout,
		conn:         conn,
		clock:        c,
		log:          log.WithField("peer", id),
		send:         make(chan outbound, sendQueueLen),
		done:         make(chan struct{}),
		waiting:      make(map[uint64]chan PongMessage),
	}
}

// Done is closed when the link is closed.
func (l *Link) Done() <-chan struct{} { return l.done }

// Close shuts the link down. It is safe to call more than once.
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.conn.Close()
	})
}

// Enqueue queues a message without blocking. It reports false if the queue
// is full or the link is closed.
func (l *Link) Enqueue(kind int, data []byte) bool {
	return l.enqueue(outbound{kind: kind, data: data})
}

func (l *Link) enqueue(out outbound) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.send <- out:
		return true
	default:
		return false
	}
}

// SendJSON encodes v and queues it as a text message.
func (l *Link) SendJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encoding message")
	}
	if !l.Enqueue(websocket.TextMessage, data) {
		return errors.New("send queue full or link closed")
	}
	return nil
}

// Pong queues an answer to a ping; T3 is stamped by the writer right
// before the message goes out.
func (l *Link) Pong(p PongMessage) bool {
	p.Type = TypePong
	return l.enqueue(outbound{kind: websocket.TextMessage, pong: &p})
}

// Ping implements clock.Pinger: it sends a ping stamped t1 and waits for
// the matching pong.
func (l *Link) Ping(ctx context.Context, t1 float64) (clock.Pong, error) {
	ch := make(chan PongMessage, 1)
	l.mu.Lock()
	l.seq++
	seq := l.seq
	l.waiting[seq] = ch
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.waiting, seq)
		l.mu.Unlock()
	}()

	if err := l.SendJSON(PingMessage{Type: TypePing, Seq: seq, T1: t1}); err != nil {
		return clock.Pong{}, errors.Wrap(err, "sending ping")
	}
	select {
	case <-ctx.Done():
		return clock.Pong{}, ctx.Err()
	case <-l.done:
		return clock.Pong{}, ErrClosed
	case p := <-ch:
		return p.Clock(), nil
	}
}

func (l *Link) resolvePong(p PongMessage) {
	l.mu.Lock()
	ch, ok := l.waiting[p.Seq]
	l.mu.Unlock()
	if !ok {
		l.log.WithField("seq", p.Seq).Debug("unmatched pong")
		return
	}
	select {
	case ch <- p:
	default:
	}
}

// Serve runs the link until ctx is done or the connection fails: writes on
// a separate goroutine, reads on the calling one.
func (l *Link) Serve(ctx context.Context, h Handler) error {
	go l.writePump()
	go func() {
		select {
		case <-ctx.Done():
			l.Close()
		case <-l.done:
		}
	}()
	err := l.readPump(h)
	l.Close()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (l *Link) readPump(h Handler) error {
	l.conn.SetReadLimit(maxMessageSize)
	for {
		kind, data, err := l.conn.ReadMessage()
		recvAt := l.clock.Now()
		if err != nil {
			select {
			case <-l.done:
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return errors.Wrap(err, "reading from peer")
		}
		switch kind {
		case websocket.BinaryMessage:
			f, err := DecodeFrame(data)
			if err != nil {
				l.log.WithError(err).Debug("dropping media frame")
				continue
			}
			if h.OnFrame != nil {
				h.OnFrame(l, f)
			}
		case websocket.TextMessage:
			l.dispatch(h, data, recvAt)
		}
	}
}

func (l *Link) dispatch(h Handler, data []byte, recvAt time.Time) {
	typ, err := decodeType(data)
	if err != nil {
		l.log.WithError(err).Debug("dropping message")
		return
	}
	switch typ {
	case TypeBeat:
		var m BeatMessage
		if err := json.Unmarshal(data, &m); err != nil {
			l.log.WithError(err).Debug("dropping beat message")
			return
		}
		if h.OnBeat != nil {
			h.OnBeat(l, m)
		}
	case TypePing:
		var m PingMessage
		if err := json.Unmarshal(data, &m); err != nil {
			l.log.WithError(err).Debug("dropping ping")
			return
		}
		if h.OnPing != nil {
			h.OnPing(l, m, recvAt)
		}
	case TypePong:
		var m PongMessage
		if err := json.Unmarshal(data, &m); err != nil {
			l.log.WithError(err).Debug("dropping pong")
			return
		}
		l.resolvePong(m)
	default:
		l.log.WithField("type", typ).Debug("ignoring message")
	}
}

func (l *Link) writePump() {
	defer l.Close()
	for {
		select {
		case <-l.done:
			_ = l.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(l.WriteTimeout))
			return
		case out := <-l.send:
			data := out.data
			if out.pong != nil {
				out.pong.T3 = clock.Millis(l.clock.Now())
				var err error
				if data, err = json.Marshal(out.pong); err != nil {
					l.log.WithError(err).Warn("encoding pong")
					continue
				}
			}
			_ = l.conn.SetWriteDeadline(time.Now().Add(l.WriteTimeout))
			if err := l.conn.WriteMessage(out.kind, data); err != nil {
				l.log.WithError(err).Info("peer write failed, closing link")
				return
			}
		}
	}
}
