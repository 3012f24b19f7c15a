package peer

import (
	"context"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Hub maintains the set of live links and broadcasts messages to them.
type Hub struct {
	links      map[*Link]bool
	broadcast  chan outbound
	register   chan *Link
	unregister chan *Link
	done       chan struct{}
	count      atomic.Int32
	dropped    atomic.Int64
	log        logrus.FieldLogger
}

// NewHub returns a hub; call Run to start it.
func NewHub(log logrus.FieldLogger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		links:      make(map[*Link]bool),
		broadcast:  make(chan outbound, 64),
		register:   make(chan *Link),
		unregister: make(chan *Link),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run serves registrations and broadcasts until ctx is done, then closes
// every link.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for l := range h.links {
				l.Close()
				delete(h.links, l)
			}
			h.count.Store(0)
			return nil
		case l := <-h.register:
			h.links[l] = true
			h.count.Store(int32(len(h.links)))
			h.log.WithFields(logrus.Fields{"peer": l.ID, "peers": len(h.links)}).Info("peer registered")
		case l := <-h.unregister:
			if _, ok := h.links[l]; ok {
				delete(h.links, l)
				h.count.Store(int32(len(h.links)))
				h.log.WithFields(logrus.Fields{"peer": l.ID, "peers": len(h.links)}).Info("peer unregistered")
			}
		case out := <-h.broadcast:
			for l := range h.links {
				select {
				case <-l.Done():
					delete(h.links, l)
					h.count.Store(int32(len(h.links)))
					continue
				default:
				}
				if !l.enqueue(out) {
					h.dropped.Add(1)
					h.log.WithField("peer", l.ID).Debug("send queue full, dropping message")
				}
			}
		}
	}
}

// Register adds l to the broadcast set.
func (h *Hub) Register(l *Link) {
	select {
	case h.register <- l:
	case <-h.done:
	}
}

// Unregister removes l from the broadcast set.
func (h *Hub) Unregister(l *Link) {
	select {
	case h.unregister <- l:
	case <-h.done:
	}
}

// Broadcast queues data for every link without blocking. It reports false
// when the hub is saturated and the message was dropped.
func (h *Hub) Broadcast(kind int, data []byte) bool {
	select {
	case h.broadcast <- outbound{kind: kind, data: data}:
		return true
	default:
		h.dropped.Add(1)
		return false
	}
}

// Len is the number of registered links.
func (h *Hub) Len() int { return int(h.count.Load()) }

// Dropped counts messages dropped for full queues.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }
