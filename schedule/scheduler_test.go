package schedule

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"beatsync/clock"
	"beatsync/clock/clocktest"
)

var t0 = time.Unix(1_700_000_000, 0)

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

type recorder struct {
	mu    sync.Mutex
	beats []Beat
}

func (r *recorder) Fire(b Beat) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beats = append(r.beats, b)
}

func (r *recorder) indices() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, len(r.beats))
	for i, b := range r.beats {
		out[i] = b.Index
	}
	return out
}

func (r *recorder) all() []Beat {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Beat(nil), r.beats...)
}

// newTestScheduler returns a scheduler on a manual clock whose own ticker
// never fires; tests drive the loop through drive.
func newTestScheduler(start time.Time) (*Scheduler, *clocktest.Manual, *recorder) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	m := clocktest.NewManual(start)
	rec := &recorder{}
	s := New(Config{Tick: time.Hour}, m, clock.NewStore(), rec, log)
	return s, m, rec
}

// drive moves the clock to until in loop-sized steps, ticking after each.
func drive(s *Scheduler, m *clocktest.Manual, until time.Time) {
	for m.Now().Before(until) {
		next := m.Now().Add(DefaultTick)
		if next.After(until) {
			next = until
		}
		m.Set(next)
		s.tick()
	}
}

func equalIndices(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestIndexAt(t *testing.T) {
	interval := ms(500)
	tests := []struct {
		name string
		at   time.Duration
		want int64
	}{
		{"zero", 0, 0},
		{"inside first beat", ms(499), 0},
		{"exact multiple", ms(1500), 3},
		{"just before zero", -ms(1), -1},
		{"one interval before", -ms(500), -1},
		{"just past one before", -ms(501), -2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IndexAt(t0, interval, t0.Add(tt.at)); got != tt.want {
				t.Errorf("IndexAt(+%v) = %d, want %d", tt.at, got, tt.want)
			}
		})
	}
	if got := IndexAt(t0, 0, t0.Add(time.Hour)); got != 0 {
		t.Errorf("IndexAt with no interval = %d, want 0", got)
	}
}

func TestIsAccentAndInterval(t *testing.T) {
	if Interval(120) != ms(500) {
		t.Errorf("Interval(120) = %v, want 500ms", Interval(120))
	}
	if Interval(0) != 0 {
		t.Errorf("Interval(0) = %v, want 0", Interval(0))
	}
	for i := int64(0); i < 8; i++ {
		if got, want := IsAccent(i, 4), i%4 == 0; got != want {
			t.Errorf("IsAccent(%d, 4) = %v, want %v", i, got, want)
		}
		if !IsAccent(i, 0) {
			t.Errorf("IsAccent(%d, 0) = false, want true", i)
		}
	}
}

func TestStartRejectsBadInput(t *testing.T) {
	s, _, _ := newTestScheduler(t0)
	if err := s.Start(t0, 0, 4); err != ErrInvalidTempo {
		t.Errorf("Start(bpm 0) error = %v, want ErrInvalidTempo", err)
	}
	if err := s.Start(t0, 120, -1); err == nil {
		t.Error("Start(beats -1) error = nil")
	}
	if st := s.Status(); st.State != Idle {
		t.Errorf("State = %v, want idle", st.State)
	}
}

func TestFutureStart(t *testing.T) {
	s, m, rec := newTestScheduler(t0)
	defer s.Stop()
	zero := t0.Add(ms(1500))
	if err := s.Start(zero, 120, 4); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if st := s.Status(); st.State != Armed || st.Next != 0 {
		t.Fatalf("Status() = %+v, want armed at beat 0", st)
	}

	drive(s, m, t0.Add(ms(3600)))

	beats := rec.all()
	if got := rec.indices(); !equalIndices(got, []int64{0, 1, 2, 3, 4}) {
		t.Fatalf("fired %v, want [0 1 2 3 4]", got)
	}
	for _, b := range beats {
		want := zero.Add(time.Duration(b.Index) * ms(500))
		if !b.Local.Equal(want) || !b.Reference.Equal(want) {
			t.Errorf("beat %d at %v, want %v", b.Index, b.Local, want)
		}
		if b.Accent != (b.Index%4 == 0) {
			t.Errorf("beat %d accent = %v", b.Index, b.Accent)
		}
	}
	if st := s.Status(); st.State != Running || st.LastFired != 4 {
		t.Errorf("Status() = %+v, want running with beat 4 fired", st)
	}
}

func TestLateJoinSkipsSoundingBeat(t *testing.T) {
	zero := t0.Add(ms(1500))
	s, m, rec := newTestScheduler(t0.Add(ms(1700)))
	defer s.Stop()
	if err := s.Start(zero, 120, 4); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	// Beat 0 counts as played; the first tick already committed 1 and 2.
	if st := s.Status(); st.State != Running || st.LastFired != 0 || st.Pending != 2 {
		t.Fatalf("Status() = %+v, want running after beat 0 with 2 pending", st)
	}

	drive(s, m, t0.Add(ms(2600)))

	beats := rec.all()
	if got := rec.indices(); !equalIndices(got, []int64{1, 2}) {
		t.Fatalf("fired %v, want [1 2]", got)
	}
	if !beats[0].Local.Equal(t0.Add(ms(2000))) {
		t.Errorf("beat 1 at %v, want +2000ms", beats[0].Local)
	}
}

func TestStartOnTimeSoundsBeatZero(t *testing.T) {
	s, m, rec := newTestScheduler(t0)
	defer s.Stop()
	if err := s.Start(t0, 120, 4); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if st := s.Status(); st.State != Armed {
		t.Fatalf("State = %v, want armed", st.State)
	}

	drive(s, m, t0.Add(ms(1100)))

	if got := rec.indices(); !equalIndices(got, []int64{0, 1, 2}) {
		t.Fatalf("fired %v, want [0 1 2]", got)
	}
	if b := rec.all()[0]; !b.Local.Equal(t0) || !b.Accent {
		t.Errorf("beat 0 = %+v, want accented at start", b)
	}
}

func TestStartWithOffset(t *testing.T) {
	s, m, rec := newTestScheduler(t0)
	defer s.Stop()
	// Reference time runs 300ms ahead of this device.
	store := clock.NewStore()
	store.Set(clock.Estimate{OffsetMs: 300, Samples: 1})
	s.offsets = store

	zero := t0.Add(ms(1000))
	if err := s.Start(zero, 60, 0); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	drive(s, m, t0.Add(ms(1800)))

	beats := rec.all()
	if len(beats) != 2 {
		t.Fatalf("fired %d beats, want 2", len(beats))
	}
	if want := t0.Add(ms(700)); !beats[0].Local.Equal(want) || !beats[0].Reference.Equal(zero) {
		t.Errorf("beat 0 local %v ref %v, want local %v ref %v", beats[0].Local, beats[0].Reference, want, zero)
	}
	if !beats[1].Accent {
		t.Error("beat 1 not accented with no subdivision")
	}
}

func TestImmediateStart(t *testing.T) {
	s, m, rec := newTestScheduler(t0)
	defer s.Stop()
	if err := s.Start(time.Time{}, 120, 4); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	drive(s, m, t0.Add(DefaultStartLead))
	beats := rec.all()
	if len(beats) != 1 || beats[0].Index != 0 || !beats[0].Local.Equal(t0.Add(DefaultStartLead)) {
		t.Fatalf("fired %v, want beat 0 at +%v", beats, DefaultStartLead)
	}
}

func TestStop(t *testing.T) {
	s, m, rec := newTestScheduler(t0)
	if err := s.Start(t0.Add(ms(100)), 120, 4); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	drive(s, m, t0.Add(ms(700)))
	fired := len(rec.all())

	s.Stop()
	s.Stop()
	if st := s.Status(); st.State != Idle || st.Pending != 0 || st.LastFired != -1 {
		t.Errorf("Status() after Stop = %+v", st)
	}
	if n := m.Pending(); n != 0 {
		t.Errorf("%d timers still pending", n)
	}
	drive(s, m, t0.Add(ms(3000)))
	if got := len(rec.all()); got != fired {
		t.Errorf("fired %d beats after Stop", got-fired)
	}
}

func TestChangeTempo(t *testing.T) {
	s, m, rec := newTestScheduler(t0)
	defer s.Stop()
	if err := s.Start(t0.Add(ms(100)), 120, 4); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	drive(s, m, t0.Add(ms(700)))
	if got := rec.indices(); !equalIndices(got, []int64{0, 1}) {
		t.Fatalf("before change fired %v, want [0 1]", got)
	}

	if err := s.ChangeTempo(60); err != nil {
		t.Fatalf("ChangeTempo() error = %v", err)
	}
	if err := s.ChangeTempo(-5); err != ErrInvalidTempo {
		t.Errorf("ChangeTempo(-5) error = %v, want ErrInvalidTempo", err)
	}
	drive(s, m, t0.Add(ms(2700)))

	beats := rec.all()
	if got := rec.indices(); !equalIndices(got, []int64{0, 1, 2, 3}) {
		t.Fatalf("fired %v, want [0 1 2 3]", got)
	}
	// Beat 1 sounded at +600ms; the new spacing is one second.
	for i, want := range []time.Duration{ms(1600), ms(2600)} {
		if b := beats[2+i]; !b.Local.Equal(t0.Add(want)) {
			t.Errorf("beat %d at %v, want +%v", b.Index, b.Local.Sub(t0), want)
		}
	}
	if st := s.Status(); st.Tempo != 60 {
		t.Errorf("Tempo = %v, want 60", st.Tempo)
	}
}

func TestChangeTempoKeepsImminentBeat(t *testing.T) {
	s, m, rec := newTestScheduler(t0)
	defer s.Stop()
	if err := s.Start(t0.Add(ms(100)), 120, 4); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	// Beat 1 is due at +600ms, within the start lead of +570ms.
	drive(s, m, t0.Add(ms(570)))
	if err := s.ChangeTempo(60); err != nil {
		t.Fatalf("ChangeTempo() error = %v", err)
	}
	drive(s, m, t0.Add(ms(1700)))

	beats := rec.all()
	if got := rec.indices(); !equalIndices(got, []int64{0, 1, 2}) {
		t.Fatalf("fired %v, want [0 1 2]", got)
	}
	if !beats[1].Local.Equal(t0.Add(ms(600))) || !beats[2].Local.Equal(t0.Add(ms(1600))) {
		t.Errorf("beats at %v and %v, want +600ms and +1600ms", beats[1].Local.Sub(t0), beats[2].Local.Sub(t0))
	}
}

func TestAtMostOnce(t *testing.T) {
	s, m, rec := newTestScheduler(t0)
	defer s.Stop()
	if err := s.Start(t0.Add(ms(100)), 120, 4); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	drive(s, m, t0.Add(ms(1200)))

	if s.Deliver(3, t0.Add(ms(1600)), t0.Add(ms(1600))) {
		t.Error("Deliver() committed an already scheduled beat")
	}
	// Step back a beat; beat 2 is rescheduled but has already sounded.
	if !s.Realign(1, t0.Add(ms(600))) {
		t.Fatal("Realign() = false on a running scheduler")
	}
	drive(s, m, t0.Add(ms(2200)))

	if got := rec.indices(); !equalIndices(got, []int64{0, 1, 2, 3, 4}) {
		t.Errorf("fired %v, want [0 1 2 3 4]", got)
	}
}

func TestRealignIdle(t *testing.T) {
	s, _, _ := newTestScheduler(t0)
	if s.Realign(3, t0) {
		t.Error("Realign() = true on an idle scheduler")
	}
}

func TestRetune(t *testing.T) {
	s, m, rec := newTestScheduler(t0)
	defer s.Stop()
	if err := s.Start(t0.Add(ms(100)), 120, 4); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	drive(s, m, t0.Add(ms(200)))

	// The leader says beat 1 sounds at +600ms at 60 BPM in 3.
	if err := s.Retune(60, 3, 1, t0.Add(ms(600))); err != nil {
		t.Fatalf("Retune() error = %v", err)
	}
	if !s.Deliver(1, t0.Add(ms(600)), t0.Add(ms(600))) {
		t.Fatal("Deliver() did not commit the retuned beat")
	}
	drive(s, m, t0.Add(ms(3700)))

	beats := rec.all()
	if got := rec.indices(); !equalIndices(got, []int64{0, 1, 2, 3, 4}) {
		t.Fatalf("fired %v, want [0 1 2 3 4]", got)
	}
	if !beats[2].Local.Equal(t0.Add(ms(1600))) {
		t.Errorf("beat 2 at %v, want +1600ms", beats[2].Local.Sub(t0))
	}
	if !beats[3].Accent || beats[4].Accent {
		t.Errorf("accents = %v, %v, want beat 3 accented in 3", beats[3].Accent, beats[4].Accent)
	}
}

func TestOnSchedule(t *testing.T) {
	s, m, _ := newTestScheduler(t0)
	defer s.Stop()
	var seen []int64
	s.OnSchedule(func(b Beat) { seen = append(seen, b.Index) })
	if err := s.Start(t0.Add(ms(100)), 120, 4); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	// Committed a lookahead ahead: +100, +600, +1100 at start.
	if !equalIndices(seen, []int64{0, 1, 2}) {
		t.Fatalf("observed %v at start, want [0 1 2]", seen)
	}
	drive(s, m, t0.Add(ms(500)))
	if !equalIndices(seen, []int64{0, 1, 2, 3}) {
		t.Errorf("observed %v, want [0 1 2 3]", seen)
	}
}
