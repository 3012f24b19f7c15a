// Package follow keeps a follower's scheduler in step with the beat
// messages its leader broadcasts.
package follow

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"beatsync/clock"
	"beatsync/schedule"
)

// Tolerance is how far, in beats, the local expectation may differ from an
// incoming beat before the schedule is realigned.
const Tolerance = 1

// Beat is a leader's announcement that beat Index sounds at ServerMs on
// the reference clock.
type Beat struct {
	Index           int64
	Tempo           float64
	BeatsPerMeasure int
	ServerMs        float64
}

// Scheduler is the part of *schedule.Scheduler the follower drives.
type Scheduler interface {
	Expected() int64
	Realign(index int64, ref time.Time) bool
	Retune(tempo float64, beatsPerMeasure int, index int64, ref time.Time) error
	Deliver(index int64, ref, local time.Time) bool
	Status() schedule.Status
}

// Result describes what HandleBeat did with one message.
type Result struct {
	Local     time.Time
	Resynced  bool
	Retuned   bool
	Scheduled bool
}

// Follower converts leader beats into local time and schedules them.
type Follower struct {
	Scheduler Scheduler
	Offsets   schedule.Offsets
	Clock     clock.Clock
	Log       logrus.FieldLogger

	// OnBeat, if set, is called after every handled message.
	OnBeat func(Beat, Result)

	mu sync.Mutex
}

// New returns a follower driving sched with estimates from offsets.
func New(sched Scheduler, offsets schedule.Offsets, log logrus.FieldLogger) *Follower {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Follower{Scheduler: sched, Offsets: offsets, Clock: clock.System{}, Log: log}
}

// HandleBeat processes one beat message. A tempo or time signature that
// differs from the local one retunes the schedule around the message's
// beat; otherwise an index more than Tolerance away from the expected one
// realigns it. The beat itself is then scheduled unless it already is.
func (f *Follower) HandleBeat(msg Beat) Result {
	f.mu.Lock()
	defer f.mu.Unlock()

	est := f.Offsets.Load()
	ref := clock.FromMillis(msg.ServerMs)
	res := Result{Local: est.ToLocal(ref)}

	st := f.Scheduler.Status()
	if msg.Tempo > 0 && st.State != schedule.Idle &&
		(msg.Tempo != st.Tempo || msg.BeatsPerMeasure != st.BeatsPerMeasure) {
		if err := f.Scheduler.Retune(msg.Tempo, msg.BeatsPerMeasure, msg.Index, ref); err != nil {
			f.Log.WithError(err).Warn("retune failed")
		} else {
			res.Retuned = true
			f.Log.WithFields(logrus.Fields{
				"kind":            "retune",
				"beat":            msg.Index,
				"bpm":             msg.Tempo,
				"beatsPerMeasure": msg.BeatsPerMeasure,
			}).Info("adopted leader tempo")
		}
	} else {
		expected := f.Scheduler.Expected()
		diff := msg.Index - expected
		if diff > Tolerance || diff < -Tolerance {
			if f.Scheduler.Realign(msg.Index, ref) {
				res.Resynced = true
				f.Log.WithFields(logrus.Fields{
					"kind":     "resync",
					"beat":     msg.Index,
					"expected": expected,
					"diff":     diff,
					"nextMs":   clock.Millis(est.ToLocal(ref.Add(schedule.Interval(st.Tempo)))),
				}).Info("resynced to leader")
			}
		}
	}

	res.Scheduled = f.Scheduler.Deliver(msg.Index, ref, res.Local)
	f.Log.WithFields(logrus.Fields{
		"kind":     "follower_recv_beat",
		"beat":     msg.Index,
		"serverMs": msg.ServerMs,
		"localMs":  clock.Millis(res.Local),
		"diffMs":   clock.ToMs(res.Local.Sub(f.Clock.Now())),
	}).Debug("beat received")

	if f.OnBeat != nil {
		f.OnBeat(msg, res)
	}
	return res
}
