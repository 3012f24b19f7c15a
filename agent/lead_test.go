package main

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"beatsync/registry"
)

// fakeSessions is a registry whose Get can be held mid-flight. A held Get
// returns the session as it was when the call began.
type fakeSessions struct {
	mu     sync.Mutex
	server registry.Session
	held   chan struct{}
	hold   chan struct{}
}

func (f *fakeSessions) Get(ctx context.Context, key string) (registry.Session, error) {
	f.mu.Lock()
	s, held, hold := f.server, f.held, f.hold
	f.mu.Unlock()
	if hold != nil {
		held <- struct{}{}
		<-hold
	}
	return s, nil
}

func (f *fakeSessions) Update(ctx context.Context, req registry.UpdateRequest) (registry.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.BPM != nil {
		f.server.BPM = *req.BPM
	}
	return f.server, nil
}

func TestSessionWatchKeepsLocalTempo(t *testing.T) {
	rt := newTestRuntime(t)
	sess := registry.Session{ID: "s1", Label: "band", BPM: 120, BeatsPerMeasure: 4, StartTime: time.Now().Add(time.Hour).UnixMilli()}
	if err := rt.sched.Start(sess.Zero(), sess.BPM, sess.BeatsPerMeasure); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	log := logrus.New()
	log.SetOutput(io.Discard)
	reg := &fakeSessions{server: sess, held: make(chan struct{}), hold: make(chan struct{})}
	w := &sessionWatch{reg: reg, rt: rt, current: sess, log: log}
	ctx := context.Background()

	// A refresh reads the old tempo while the keyboard change is published.
	done := make(chan struct{})
	go func() {
		w.refresh(ctx, false)
		close(done)
	}()
	<-reg.held
	if err := rt.sched.ChangeTempo(130); err != nil {
		t.Fatalf("ChangeTempo() error = %v", err)
	}
	w.publishTempo(130)
	close(reg.hold)
	<-done

	if got := rt.sched.Status().Tempo; got != 130 {
		t.Errorf("tempo after racing refresh = %v, want 130", got)
	}
	w.mu.Lock()
	current := w.current.BPM
	w.mu.Unlock()
	if current != 130 {
		t.Errorf("watched BPM = %v, want 130", current)
	}

	// A later change from another device still applies.
	reg.mu.Lock()
	reg.hold = nil
	reg.server.BPM = 90
	reg.mu.Unlock()
	w.refresh(ctx, false)
	if got := rt.sched.Status().Tempo; got != 90 {
		t.Errorf("tempo after remote change = %v, want 90", got)
	}
}
