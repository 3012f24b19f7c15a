// Package sink holds the outputs beats are fired into.
package sink

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"beatsync/schedule"
)

// Gate forwards beats to Next unless suppressed. A follower keeps its local
// schedule running behind a suppressed gate while the leader's stream is
// live, so fallback only has to open the gate.
type Gate struct {
	Next       schedule.Sink
	suppressed atomic.Bool
}

// NewGate returns an open gate.
func NewGate(next schedule.Sink) *Gate {
	return &Gate{Next: next}
}

// Suppress closes (true) or opens (false) the gate.
func (g *Gate) Suppress(v bool) { g.suppressed.Store(v) }

// Suppressed reports whether the gate is closed.
func (g *Gate) Suppressed() bool { return g.suppressed.Load() }

// Fire implements schedule.Sink.
func (g *Gate) Fire(b schedule.Beat) {
	if g.suppressed.Load() || g.Next == nil {
		return
	}
	g.Next.Fire(b)
}

// Multi fans a beat out to every sink in order.
type Multi []schedule.Sink

// Fire implements schedule.Sink.
func (m Multi) Fire(b schedule.Beat) {
	for _, s := range m {
		s.Fire(b)
	}
}

// Latest passes a beat on only if its index is above every index already
// passed. A follower puts it in front of its outputs so the leader's stream
// and its own schedule never sound the same beat twice.
type Latest struct {
	Next schedule.Sink

	mu   sync.Mutex
	last int64
}

// NewLatest returns a Latest that has passed nothing.
func NewLatest(next schedule.Sink) *Latest {
	return &Latest{Next: next, last: -1}
}

// Fire implements schedule.Sink.
func (l *Latest) Fire(b schedule.Beat) {
	l.mu.Lock()
	if b.Index <= l.last {
		l.mu.Unlock()
		return
	}
	l.last = b.Index
	l.mu.Unlock()
	if l.Next != nil {
		l.Next.Fire(b)
	}
}

// Last is the highest index passed so far, or -1.
func (l *Latest) Last() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// Reset forgets every index passed, for when the count starts over.
func (l *Latest) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.last = -1
}

// Log writes every beat to a logger at debug level.
type Log struct {
	Log logrus.FieldLogger
}

// Fire implements schedule.Sink.
func (l Log) Fire(b schedule.Beat) {
	l.Log.WithFields(logrus.Fields{
		"beat":   b.Index,
		"accent": b.Accent,
	}).Debug("beat")
}

// Visual renders a measure as a row of segments with the current beat lit,
// or a single flashing block when there is no subdivision.
type Visual struct {
	mu              sync.Mutex
	w               io.Writer
	beatsPerMeasure int
	flash           bool
	last            string
}

// NewVisual writes frames to w.
func NewVisual(w io.Writer, beatsPerMeasure int) *Visual {
	return &Visual{w: w, beatsPerMeasure: beatsPerMeasure}
}

// SetBeatsPerMeasure changes the number of segments drawn.
func (v *Visual) SetBeatsPerMeasure(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.beatsPerMeasure = n
}

// Fire implements schedule.Sink.
func (v *Visual) Fire(b schedule.Beat) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.last = v.render(b.Index)
	fmt.Fprintf(v.w, "\r%s %6d", v.last, b.Index)
}

// Frame returns the most recently rendered frame.
func (v *Visual) Frame() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.last
}

func (v *Visual) render(index int64) string {
	if v.beatsPerMeasure <= 0 {
		v.flash = !v.flash
		if v.flash {
			return "[██]"
		}
		return "[  ]"
	}
	var sb strings.Builder
	sb.WriteByte('[')
	lit := int(index % int64(v.beatsPerMeasure))
	for i := 0; i < v.beatsPerMeasure; i++ {
		switch {
		case i == lit && i == 0:
			sb.WriteString("●")
		case i == lit:
			sb.WriteString("o")
		default:
			sb.WriteString("·")
		}
	}
	sb.WriteByte(']')
	return sb.String()
}
