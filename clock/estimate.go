package clock

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Estimate is the device's current view of the reference clock:
// reference ≈ local + OffsetMs.
type Estimate struct {
	OffsetMs    float64   `json:"offsetMs"`
	DelayMs     float64   `json:"delayMs"`
	Samples     int       `json:"samples"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Seeded reports whether the estimate came from at least one exchange.
func (e Estimate) Seeded() bool { return e.Samples > 0 }

// ToReference maps a local instant onto the reference timeline.
func (e Estimate) ToReference(local time.Time) time.Time {
	return local.Add(Ms(e.OffsetMs))
}

// ToLocal maps a reference instant onto the local timeline.
func (e Estimate) ToLocal(ref time.Time) time.Time {
	return ref.Add(-Ms(e.OffsetMs))
}

func (e Estimate) String() string {
	return fmt.Sprintf("offset=%.1fms delay=%.1fms samples=%d", e.OffsetMs, e.DelayMs, e.Samples)
}

// Store holds the session's estimate. Writers replace the whole value, so
// readers always see a consistent snapshot and never wait on a writer.
type Store struct {
	v atomic.Pointer[Estimate]
}

// NewStore returns an unseeded store.
func NewStore() *Store {
	s := &Store{}
	s.Reset()
	return s
}

// Load returns the current snapshot.
func (s *Store) Load() Estimate {
	if e := s.v.Load(); e != nil {
		return *e
	}
	return Estimate{}
}

// Set replaces the estimate.
func (s *Store) Set(e Estimate) {
	s.v.Store(&e)
}

// Update applies fn to the current snapshot and stores the result, retrying
// if another writer got there first.
func (s *Store) Update(fn func(Estimate) Estimate) Estimate {
	for {
		old := s.v.Load()
		var cur Estimate
		if old != nil {
			cur = *old
		}
		next := fn(cur)
		if s.v.CompareAndSwap(old, &next) {
			return next
		}
	}
}

// Reset returns the store to the unseeded state.
func (s *Store) Reset() {
	s.v.Store(&Estimate{})
}
