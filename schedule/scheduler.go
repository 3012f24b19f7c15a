package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"beatsync/clock"
)

// State of a Scheduler.
type State int

const (
	Idle State = iota
	Armed
	Running
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Running:
		return "running"
	}
	return "unknown"
}

const (
	DefaultTick      = 25 * time.Millisecond
	DefaultLookahead = 1200 * time.Millisecond
	DefaultStartLead = 50 * time.Millisecond
)

// ErrInvalidTempo is returned for tempos that are not strictly positive.
var ErrInvalidTempo = errors.New("tempo must be positive")

// Offsets supplies the current reference-clock estimate. *clock.Store
// satisfies it.
type Offsets interface {
	Load() clock.Estimate
}

// Config tunes a Scheduler. Zero fields take the defaults.
type Config struct {
	// Tick is the cadence of the decision loop.
	Tick time.Duration
	// Lookahead is how far ahead of now beats are committed.
	Lookahead time.Duration
	// StartLead is the delay before beat 0 when no zero point is given, and
	// the window of near-future beats that survive a tempo change.
	StartLead time.Duration
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = DefaultTick
	}
	if c.Lookahead <= 0 {
		c.Lookahead = DefaultLookahead
	}
	if c.StartLead <= 0 {
		c.StartLead = DefaultStartLead
	}
	return c
}

// Status is a point-in-time view of a Scheduler.
type Status struct {
	State           State
	Tempo           float64
	BeatsPerMeasure int
	Zero            time.Time
	Next            int64
	LastFired       int64
	Pending         int
}

type pendingBeat struct {
	beat Beat
	stop clock.Stopper
}

// Scheduler commits beats a lookahead window ahead of time and fires each
// one at its exact local instant through the clock's AfterFunc, so the
// decision loop's own jitter never reaches the sink. It runs the same way
// on leaders and followers.
type Scheduler struct {
	cfg     Config
	clock   clock.Clock
	offsets Offsets
	sink    Sink
	log     logrus.FieldLogger

	mu              sync.Mutex
	state           State
	tempo           float64
	beatsPerMeasure int
	zero            time.Time
	interval        time.Duration
	anchorIndex     int64
	anchorRef       time.Time
	next            int64
	lastFired       int64
	scheduled       map[int64]struct{}
	pending         map[int64]pendingBeat
	observers       []func(Beat)
	gen             uint64
	cancel          context.CancelFunc
}

// New returns an idle scheduler that fires into sink.
func New(cfg Config, c clock.Clock, offsets Offsets, sink Sink, log logrus.FieldLogger) *Scheduler {
	if c == nil {
		c = clock.System{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Scheduler{
		cfg:       cfg.withDefaults(),
		clock:     c,
		offsets:   offsets,
		sink:      sink,
		log:       log,
		lastFired: -1,
		scheduled: make(map[int64]struct{}),
		pending:   make(map[int64]pendingBeat),
	}
}

// OnSchedule registers fn to be called, from the decision loop, with every
// beat the loop commits. fn must not block.
func (s *Scheduler) OnSchedule(fn func(Beat)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Start begins producing beats for a session whose beat 0 is at the
// reference instant zero. A zero at or after now arms the scheduler; a
// past zero resumes at the beat after the one currently sounding, which
// counts as already played. A zero-valued zero starts StartLead from now.
func (s *Scheduler) Start(zero time.Time, tempo float64, beatsPerMeasure int) error {
	if tempo <= 0 {
		return ErrInvalidTempo
	}
	if beatsPerMeasure < 0 {
		return errors.Errorf("invalid beats per measure %d", beatsPerMeasure)
	}

	s.mu.Lock()
	s.resetLocked()

	now := s.clock.Now()
	est := s.offsets.Load()
	nowRef := est.ToReference(now)
	if zero.IsZero() {
		zero = nowRef.Add(s.cfg.StartLead)
	}

	s.tempo = tempo
	s.beatsPerMeasure = beatsPerMeasure
	s.zero = zero
	s.interval = Interval(tempo)
	s.anchorIndex = 0
	s.anchorRef = zero

	fields := logrus.Fields{"zero": clock.Millis(zero), "bpm": tempo, "beatsPerMeasure": beatsPerMeasure}
	if !zero.Before(nowRef) {
		s.state = Armed
		s.next = 0
		fields["kind"] = "start_future"
		fields["localStart"] = clock.Millis(est.ToLocal(zero))
		s.log.WithFields(fields).Info("scheduled future start")
	} else {
		played := IndexAt(zero, s.interval, nowRef)
		s.scheduled[played] = struct{}{}
		s.lastFired = played
		s.next = played + 1
		s.state = Running
		fields["kind"] = "start_aligned"
		fields["beatsSince"] = played
		s.log.WithFields(fields).Info("start aligned")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	gen := s.gen
	s.mu.Unlock()

	go s.loop(ctx, gen)
	s.tick()
	return nil
}

// Stop cancels the loop and every pending beat and returns to Idle. It is
// safe to call repeatedly.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	wasIdle := s.state == Idle
	s.resetLocked()
	s.mu.Unlock()
	if !wasIdle {
		s.log.WithField("kind", "stop").Info("stopped scheduler")
	}
}

// resetLocked clears everything that belongs to the current run.
func (s *Scheduler) resetLocked() {
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.cancelPendingLocked(func(pendingBeat) bool { return true })
	s.scheduled = make(map[int64]struct{})
	s.next = 0
	s.lastFired = -1
	s.state = Idle
}

func (s *Scheduler) cancelPendingLocked(match func(pendingBeat) bool) {
	for idx, p := range s.pending {
		if match(p) {
			p.stop.Stop()
			delete(s.pending, idx)
		}
	}
}

// ChangeTempo switches to a new tempo without rewinding. Beats due within
// StartLead stay committed; later pending beats are withdrawn and
// rescheduled at the new spacing from the last committed beat.
func (s *Scheduler) ChangeTempo(tempo float64) error {
	if tempo <= 0 {
		return ErrInvalidTempo
	}
	s.mu.Lock()
	if s.state == Idle {
		s.tempo = tempo
		s.interval = Interval(tempo)
		s.mu.Unlock()
		return nil
	}

	cutoff := s.clock.Now().Add(s.cfg.StartLead)
	s.cancelPendingLocked(func(p pendingBeat) bool { return p.beat.Local.After(cutoff) })

	anchor, anchorRef, ok := int64(-1), time.Time{}, false
	for idx, p := range s.pending {
		if idx > anchor {
			anchor, anchorRef, ok = idx, p.beat.Reference, true
		}
	}
	if !ok && s.lastFired >= 0 {
		anchor, anchorRef, ok = s.lastFired, s.refOf(s.lastFired), true
	}
	if ok {
		s.anchorIndex = anchor
		s.anchorRef = anchorRef
		s.next = anchor + 1
	} else {
		// Nothing played yet: respace from the existing anchor.
		s.next = s.anchorIndex
	}

	s.scheduled = make(map[int64]struct{})
	for idx := range s.pending {
		s.scheduled[idx] = struct{}{}
	}
	old := s.tempo
	s.tempo = tempo
	s.interval = Interval(tempo)
	s.log.WithFields(logrus.Fields{
		"kind":     "tempo_change",
		"from":     old,
		"to":       tempo,
		"interval": s.interval,
		"next":     s.next,
	}).Info("tempo changed")
	s.mu.Unlock()

	s.tick()
	return nil
}

// SetBeatsPerMeasure changes the time signature for beats not yet committed.
func (s *Scheduler) SetBeatsPerMeasure(n int) {
	if n < 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beatsPerMeasure = n
}

// Expected is the index of the next beat the loop will commit.
func (s *Scheduler) Expected() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Realign discards the local schedule and continues from a beat known to
// sound at reference instant ref: pending beats are cancelled, the
// scheduled set is cleared and the next beat is index+1 at ref+interval.
// It reports false if the scheduler is idle.
func (s *Scheduler) Realign(index int64, ref time.Time) bool {
	s.mu.Lock()
	if s.state == Idle {
		s.mu.Unlock()
		return false
	}
	s.cancelPendingLocked(func(pendingBeat) bool { return true })
	s.scheduled = make(map[int64]struct{})
	s.anchorIndex = index
	s.anchorRef = ref
	s.next = index + 1
	s.mu.Unlock()
	return true
}

// Retune adopts a tempo and time signature announced by the leader,
// anchored at beat index sounding at reference instant ref.
func (s *Scheduler) Retune(tempo float64, beatsPerMeasure int, index int64, ref time.Time) error {
	if tempo <= 0 {
		return ErrInvalidTempo
	}
	s.mu.Lock()
	s.tempo = tempo
	s.interval = Interval(tempo)
	if beatsPerMeasure >= 0 {
		s.beatsPerMeasure = beatsPerMeasure
	}
	s.mu.Unlock()
	s.Realign(index, ref)
	return nil
}

// Deliver commits a beat computed elsewhere (a leader's beat message) unless
// its index is already scheduled. It reports whether the beat was committed.
func (s *Scheduler) Deliver(index int64, ref, local time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scheduled[index]; ok {
		return false
	}
	s.commitLocked(Beat{
		Index:     index,
		Accent:    IsAccent(index, s.beatsPerMeasure),
		Reference: ref,
		Local:     local,
	})
	return true
}

// Status returns a snapshot of the scheduler.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:           s.state,
		Tempo:           s.tempo,
		BeatsPerMeasure: s.beatsPerMeasure,
		Zero:            s.zero,
		Next:            s.next,
		LastFired:       s.lastFired,
		Pending:         len(s.pending),
	}
}

// Interval is the current beat spacing.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

func (s *Scheduler) loop(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			stale := gen != s.gen
			s.mu.Unlock()
			if stale {
				return
			}
			s.tick()
		}
	}
}

// Tick runs one pass of the decision loop now. The loop does this on its
// own; code driving a manual clock calls it after moving time.
func (s *Scheduler) Tick() { s.tick() }

// tick commits every beat whose local instant falls inside the lookahead
// window. Beats more than half an interval overdue are skipped rather than
// fired late in a burst.
func (s *Scheduler) tick() {
	s.mu.Lock()
	if s.state == Idle {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	est := s.offsets.Load()
	horizon := now.Add(s.cfg.Lookahead)
	late := now.Add(-s.interval / 2)

	var committed []Beat
	for {
		ref := s.refOf(s.next)
		local := est.ToLocal(ref)
		if !local.Before(horizon) {
			break
		}
		idx := s.next
		s.next++
		if local.Before(late) {
			s.log.WithFields(logrus.Fields{"beat": idx, "late": now.Sub(local)}).Debug("skipped overdue beat")
			continue
		}
		if _, ok := s.scheduled[idx]; ok {
			continue
		}
		b := Beat{Index: idx, Accent: IsAccent(idx, s.beatsPerMeasure), Reference: ref, Local: local}
		s.commitLocked(b)
		committed = append(committed, b)
	}
	observers := s.observers
	s.mu.Unlock()

	for _, b := range committed {
		for _, fn := range observers {
			fn(b)
		}
	}
}

func (s *Scheduler) refOf(index int64) time.Time {
	return s.anchorRef.Add(time.Duration(index-s.anchorIndex) * s.interval)
}

func (s *Scheduler) commitLocked(b Beat) {
	s.scheduled[b.Index] = struct{}{}
	gen := s.gen
	stop := clock.At(s.clock, b.Local, func() { s.fire(gen, b) })
	s.pending[b.Index] = pendingBeat{beat: b, stop: stop}
}

// fire hands b to the sink. Indices at or below the last fired one are
// dropped, so a run never delivers the same index twice.
func (s *Scheduler) fire(gen uint64, b Beat) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	if p, ok := s.pending[b.Index]; ok && p.beat.Local.Equal(b.Local) {
		delete(s.pending, b.Index)
	}
	if b.Index <= s.lastFired {
		s.mu.Unlock()
		s.log.WithField("beat", b.Index).Debug("dropped already played beat")
		return
	}
	s.lastFired = b.Index
	if s.state == Armed {
		s.state = Running
	}
	sink := s.sink
	s.mu.Unlock()

	if sink != nil {
		sink.Fire(b)
	}
}
