// Package schedule turns a tempo, a time signature and a zero point into a
// stream of beats fired at precise local instants.
package schedule

import (
	"fmt"
	"time"
)

// Beat is one pulse. Reference is the instant on the shared reference
// timeline; Local is the same instant on this device's clock, as computed
// when the beat was committed.
type Beat struct {
	Index     int64
	Accent    bool
	Reference time.Time
	Local     time.Time
}

func (b Beat) String() string {
	accent := ""
	if b.Accent {
		accent = " accent"
	}
	return fmt.Sprintf("beat %d%s @ %s", b.Index, accent, b.Local.Format("15:04:05.000"))
}

// Sink receives beats at their scheduled instant.
type Sink interface {
	Fire(Beat)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Beat)

// Fire calls f(b).
func (f SinkFunc) Fire(b Beat) { f(b) }

// Interval is the spacing of beats at tempo bpm.
func Interval(bpm float64) time.Duration {
	if bpm <= 0 {
		return 0
	}
	return time.Duration(float64(time.Minute) / bpm)
}

// IndexAt is the beat that is sounding at reference instant t for a session
// that started at zero: floor((t − zero) / interval).
func IndexAt(zero time.Time, interval time.Duration, t time.Time) int64 {
	if interval <= 0 {
		return 0
	}
	d := t.Sub(zero)
	q := d / interval
	if d%interval != 0 && d < 0 {
		q--
	}
	return int64(q)
}

// IsAccent reports whether index starts a measure. With no subdivision every
// beat is an accent.
func IsAccent(index int64, beatsPerMeasure int) bool {
	if beatsPerMeasure <= 0 {
		return true
	}
	return index%int64(beatsPerMeasure) == 0
}
