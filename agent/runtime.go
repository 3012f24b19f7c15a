package main

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"beatsync/clock"
	"beatsync/liveness"
	"beatsync/peer"
	"beatsync/registry"
	"beatsync/relay"
	"beatsync/schedule"
	"beatsync/sink"
	"beatsync/sink/midisink"
	"beatsync/sink/oscsink"
	"beatsync/sink/serialsink"
)

// Roles shown in the status view.
const (
	roleLeader   = "leader"
	roleFollower = "follower"
	roleLocal    = "local"
)

// runtime is one running metronome: the shared estimate, the scheduler and
// the sinks it fires into.
type runtime struct {
	app  *app
	log  *logrus.Logger
	role string

	label   string
	offsets *clock.Store
	sched   *schedule.Scheduler

	// outputs fans out to every configured sink; gate sits in front of it
	// on the scheduler's path.
	outputs sink.Multi
	gate    *sink.Gate
	visual  *sink.Visual
	serial  *serialsink.Sink

	// Set by the leading and following commands for the status view.
	hub     *peer.Hub
	monitor *liveness.Monitor

	// onTempo, if set, is told about tempo changes made from the keyboard.
	onTempo func(bpm float64)

	closers []func()
}

func (a *app) newRuntime(role string, beatsPerMeasure int, extra ...schedule.Sink) (*runtime, error) {
	rt := &runtime{
		app:     a,
		log:     a.log,
		role:    role,
		offsets: clock.NewStore(),
	}
	if err := rt.openSinks(beatsPerMeasure); err != nil {
		rt.Close()
		return nil, err
	}
	rt.outputs = append(rt.outputs, extra...)
	rt.gate = sink.NewGate(rt.outputs)
	rt.sched = schedule.New(a.cfg.SchedulerConfig(), clock.System{}, rt.offsets, rt.gate, a.log)
	return rt, nil
}

func (rt *runtime) openSinks(beatsPerMeasure int) error {
	cfg := rt.app.cfg.Sinks
	rt.outputs = sink.Multi{sink.Log{Log: rt.log}}

	if cfg.Visual {
		rt.visual = sink.NewVisual(os.Stdout, beatsPerMeasure)
	} else if rt.app.tui {
		rt.visual = sink.NewVisual(io.Discard, beatsPerMeasure)
	}
	if rt.visual != nil {
		rt.outputs = append(rt.outputs, rt.visual)
	}
	if cfg.OSC != "" {
		s, err := oscsink.Dial(cfg.OSC, rt.log)
		if err != nil {
			return err
		}
		rt.closers = append(rt.closers, func() { s.Close() })
		rt.outputs = append(rt.outputs, s)
	}
	if cfg.MIDI != "" {
		s, err := midisink.Open(cfg.MIDI, rt.log)
		if err != nil {
			return err
		}
		rt.closers = append(rt.closers, s.Close)
		rt.outputs = append(rt.outputs, s)
	}
	if cfg.Serial != "" {
		s, err := serialsink.Open(cfg.Serial, cfg.SerialBaud, beatsPerMeasure, rt.log)
		if err != nil {
			return err
		}
		rt.serial = s
		rt.closers = append(rt.closers, func() { s.Close() })
		rt.outputs = append(rt.outputs, s)
	}
	return nil
}

// setBeatsPerMeasure updates the sinks that draw the measure.
func (rt *runtime) setBeatsPerMeasure(n int) {
	if rt.visual != nil {
		rt.visual.SetBeatsPerMeasure(n)
	}
	if rt.serial != nil {
		rt.serial.SetBeatsPerMeasure(n)
	}
}

// apply brings the running schedule in line with a registry session.
func (rt *runtime) apply(s registry.Session, prev registry.Session) {
	if s.StartTime != prev.StartTime {
		if err := rt.sched.Start(s.Zero(), s.BPM, s.BeatsPerMeasure); err != nil {
			rt.log.WithError(err).Warn("restarting schedule")
		}
		rt.setBeatsPerMeasure(s.BeatsPerMeasure)
		return
	}
	if s.BPM != prev.BPM {
		if err := rt.sched.ChangeTempo(s.BPM); err != nil {
			rt.log.WithError(err).Warn("changing tempo")
		}
	}
	if s.BeatsPerMeasure != prev.BeatsPerMeasure {
		rt.sched.SetBeatsPerMeasure(s.BeatsPerMeasure)
		rt.setBeatsPerMeasure(s.BeatsPerMeasure)
	}
}

// preferStream mutes the local schedule until the leader's stream goes
// missing and returns the sink both paths sound through.
func (rt *runtime) preferStream() *sink.Latest {
	rt.gate.Suppress(true)
	sounded := sink.NewLatest(rt.outputs)
	rt.gate.Next = sounded
	return sounded
}

// synchronize seeds the estimate from the server's timesync endpoint.
func (rt *runtime) synchronize(ctx context.Context) (clock.Estimate, error) {
	cfg := rt.app.cfg
	est := cfg.Estimator(clock.NewEstimator(clock.NewHTTPExchanger(timesyncURL(cfg.Server))))
	est.Log = rt.log
	e, err := est.Synchronize(ctx, cfg.Sync.Samples)
	if err != nil {
		return clock.Estimate{}, errors.Wrap(err, "synchronizing with server")
	}
	rt.offsets.Set(e)
	rt.log.WithFields(logrus.Fields{"offset": e.OffsetMs, "delay": e.DelayMs, "samples": e.Samples}).Info("synchronized with server")
	return e, nil
}

func (rt *runtime) registry() *registry.Client { return registry.NewClient(rt.app.cfg.Server) }

func (rt *runtime) relay() *relay.Client { return relay.NewClient(rt.app.cfg.Server) }

// Close stops the schedule and releases the sinks.
func (rt *runtime) Close() {
	if rt.sched != nil {
		rt.sched.Stop()
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

// status is what the status view shows.
type status struct {
	Role     string
	Label    string
	Schedule schedule.Status
	Estimate clock.Estimate
	Stream   string
	Gated    bool
	Peers    int
	Frame    string
}

func (rt *runtime) status() status {
	st := status{
		Role:     rt.role,
		Label:    rt.label,
		Schedule: rt.sched.Status(),
		Estimate: rt.offsets.Load(),
		Gated:    rt.gate.Suppressed(),
	}
	if rt.monitor != nil {
		st.Stream = rt.monitor.State().String()
	}
	if rt.hub != nil {
		st.Peers = rt.hub.Len()
	}
	if rt.visual != nil {
		st.Frame = rt.visual.Frame()
	}
	return st
}

// adjustTempo nudges the local tempo; leaders also publish the change.
func (rt *runtime) adjustTempo(delta float64) {
	st := rt.sched.Status()
	if st.State == schedule.Idle {
		return
	}
	next := st.Tempo + delta
	if next < 1 {
		return
	}
	if err := rt.sched.ChangeTempo(next); err != nil {
		rt.log.WithError(err).Warn("changing tempo")
		return
	}
	if rt.onTempo != nil {
		go rt.onTempo(next)
	}
}

func timesyncURL(server string) string {
	return strings.TrimRight(server, "/") + "/api/timesync"
}
