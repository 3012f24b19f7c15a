// Package liveness watches a leader's media stream and switches a follower
// to local playback while the stream is missing.
package liveness

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"beatsync/clock"
)

// State of a Monitor.
type State int

const (
	StreamLive State = iota
	FallbackActive
)

func (s State) String() string {
	if s == FallbackActive {
		return "fallback"
	}
	return "live"
}

const (
	DefaultPoll          = 120 * time.Millisecond
	DefaultFallbackAfter = 800 * time.Millisecond
	DefaultRecoverAfter  = 400 * time.Millisecond
	DefaultGap           = 100 * time.Millisecond
)

// Config tunes a Monitor. Zero fields take the defaults.
type Config struct {
	// Poll is how often Run evaluates the state.
	Poll time.Duration
	// FallbackAfter is the silence that switches to local playback.
	FallbackAfter time.Duration
	// RecoverAfter is the continuous presence needed to switch back.
	RecoverAfter time.Duration
	// Gap is the largest spacing between frames that still counts as
	// continuous presence.
	Gap time.Duration
}

func (c Config) withDefaults() Config {
	if c.Poll <= 0 {
		c.Poll = DefaultPoll
	}
	if c.FallbackAfter <= 0 {
		c.FallbackAfter = DefaultFallbackAfter
	}
	if c.RecoverAfter <= 0 {
		c.RecoverAfter = DefaultRecoverAfter
	}
	if c.Gap <= 0 {
		c.Gap = DefaultGap
	}
	return c
}

// Monitor is a two-state machine with hysteresis: it falls back after
// FallbackAfter without frames and recovers only after frames have arrived
// continuously for RecoverAfter, so a stray frame during an outage does not
// flip playback back and forth.
type Monitor struct {
	cfg   Config
	clock clock.Clock
	log   logrus.FieldLogger

	// OnFallback and OnRecover run on the goroutine that observed the
	// transition, outside the monitor's lock.
	OnFallback func()
	OnRecover  func()

	mu           sync.Mutex
	state        State
	lastSeen     time.Time
	presentSince time.Time
}

// New returns a monitor in StreamLive whose silence is counted from now.
func New(cfg Config, c clock.Clock, log logrus.FieldLogger) *Monitor {
	if c == nil {
		c = clock.System{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	m := &Monitor{cfg: cfg.withDefaults(), clock: c, log: log}
	m.Reset()
	return m
}

// Reset returns to StreamLive and restarts the silence count.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	m.state = StreamLive
	m.lastSeen = now
	m.presentSince = now
}

// Observe records a media frame.
func (m *Monitor) Observe() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	if now.Sub(m.lastSeen) > m.cfg.Gap {
		m.presentSince = now
	}
	m.lastSeen = now
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastSeen is when the most recent frame arrived.
func (m *Monitor) LastSeen() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSeen
}

// Check evaluates the state machine at the current time and fires the
// transition callback if the state changed.
func (m *Monitor) Check() State {
	m.mu.Lock()
	now := m.clock.Now()
	silence := now.Sub(m.lastSeen)
	var cb func()
	switch m.state {
	case StreamLive:
		if silence > m.cfg.FallbackAfter {
			m.state = FallbackActive
			cb = m.OnFallback
			m.log.WithFields(logrus.Fields{"kind": "audio_fallback_start", "silence": silence}).
				Info("stream missing, enabling local fallback")
		}
	case FallbackActive:
		present := silence <= m.cfg.Gap
		if present && now.Sub(m.presentSince) >= m.cfg.RecoverAfter {
			m.state = StreamLive
			cb = m.OnRecover
			m.log.WithFields(logrus.Fields{"kind": "audio_fallback_recover", "present": now.Sub(m.presentSince)}).
				Info("stream recovered, disabling local fallback")
		}
	}
	state := m.state
	m.mu.Unlock()

	if cb != nil {
		cb()
	}
	return state
}

// Run polls Check until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check()
		}
	}
}
