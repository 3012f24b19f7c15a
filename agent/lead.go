package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"beatsync/discovery"
	"beatsync/peer"
	"beatsync/registry"
	"beatsync/relay"
)

const (
	peerPath      = "/peer"
	watchInterval = 2 * time.Second

	// renewInterval keeps a led session well inside the registry's TTL.
	renewInterval = 30 * time.Minute
)

type leadOptions struct {
	label        string
	bpm          float64
	beats        int
	allowChanges bool
	listen       string
	peerURL      string
	noMDNS       bool
}

func (a *app) leadCmd() *cobra.Command {
	var o leadOptions
	cmd := &cobra.Command{
		Use:   "lead",
		Short: "Create a session and lead it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("listen") {
				a.cfg.PeerListen = o.listen
			}
			if cmd.Flags().Changed("peer-url") {
				a.cfg.PeerURL = o.peerURL
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return a.lead(ctx, o)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.label, "label", "l", "", "session label (default Beat-XXXX)")
	f.Float64VarP(&o.bpm, "bpm", "b", 120, "tempo in beats per minute")
	f.IntVar(&o.beats, "beats", 4, "beats per measure (0 for no accent)")
	f.BoolVar(&o.allowChanges, "allow-changes", false, "let other devices change the tempo")
	f.StringVar(&o.listen, "listen", "", "address followers connect to (default :7070)")
	f.StringVar(&o.peerURL, "peer-url", "", "websocket URL to advertise (default derived from --listen)")
	f.BoolVar(&o.noMDNS, "no-mdns", false, "do not advertise on the local network")
	return cmd
}

func (a *app) lead(ctx context.Context, o leadOptions) error {
	tap := &peer.Tap{}
	rt, err := a.newRuntime(roleLeader, o.beats, tap)
	if err != nil {
		return err
	}
	defer rt.Close()

	if _, err := rt.synchronize(ctx); err != nil {
		return err
	}

	reg := rt.registry()
	sess, err := reg.Create(ctx, registry.CreateRequest{
		Label:                o.label,
		BPM:                  o.bpm,
		BeatsPerMeasure:      o.beats,
		AllowChangesByOthers: o.allowChanges,
	})
	if err != nil {
		return errors.Wrap(err, "creating session")
	}
	rt.label = sess.Label
	log := a.log.WithField("label", sess.Label)
	log.WithFields(logrus.Fields{"id": sess.ID, "bpm": sess.BPM, "startTime": sess.StartTime}).Info("leading session")

	// Peer transport.
	hub := peer.NewHub(a.log)
	rt.hub = hub
	endpoint := peer.NewEndpoint(hub, rt.offsets, a.log)
	router := mux.NewRouter()
	router.Handle(peerPath, endpoint)
	ln, err := net.Listen("tcp", a.cfg.PeerListen)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", a.cfg.PeerListen)
	}
	peerSrv := &http.Server{Handler: router, ReadHeaderTimeout: 5 * time.Second}
	port := ln.Addr().(*net.TCPAddr).Port
	peerURL := a.cfg.PeerURL
	if peerURL == "" {
		peerURL = "ws://" + net.JoinHostPort(outboundIP(), strconv.Itoa(port)) + peerPath
	}

	broadcaster := &peer.Broadcaster{Hub: hub, Offsets: rt.offsets, Status: rt.sched, Log: a.log}
	rt.sched.OnSchedule(broadcaster.Beat)
	pump := &peer.MediaPump{Hub: hub, Payload: tap.Payload}

	if err := rt.sched.Start(sess.Zero(), sess.BPM, sess.BeatsPerMeasure); err != nil {
		return err
	}

	if !o.noMDNS {
		adv, err := discovery.Advertise(sess.Label, sess.ID, peerPath, port, a.log)
		if err != nil {
			log.WithError(err).Warn("mDNS advertisement unavailable")
		} else {
			defer adv.Shutdown()
		}
	}

	w := &sessionWatch{reg: reg, rt: rt, current: sess, log: log}
	rt.onTempo = w.publishTempo

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error {
		log.WithField("url", peerURL).Info("accepting followers")
		if err := peerSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "serving peers")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return peerSrv.Shutdown(sctx)
	})
	g.Go(func() error { return pump.Run(ctx) })
	g.Go(func() error {
		offer := relay.Offer{Endpoint: peerURL, SessionID: sess.ID, Leader: hostname()}
		return answerLoop(ctx, rt.relay(), sess.Label, offer, log)
	})
	g.Go(func() error { return w.run(ctx) })
	if a.tui {
		g.Go(func() error { return a.runTUI(ctx, rt, cancel) })
	}
	return g.Wait()
}

// answerLoop keeps the offer posted and logs every follower that answers.
// Reposting the offer clears the answer slot for the next follower.
func answerLoop(ctx context.Context, rc *relay.Client, label string, offer relay.Offer, log logrus.FieldLogger) error {
	for {
		if err := rc.Post(ctx, relay.KindOffer, label, offer); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.WithError(err).Warn("posting offer")
		} else {
			var ans relay.Answer
			err := rc.Await(ctx, relay.KindAnswer, label, &ans)
			switch {
			case ctx.Err() != nil:
				return nil
			case err == nil:
				log.WithField("peer", ans.Peer).Info("follower answered")
				continue
			case errors.Is(err, relay.ErrNoDescriptor):
				continue
			default:
				log.WithError(err).Warn("polling for answers")
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(watchInterval):
		}
	}
}

// sessionAPI is the part of *registry.Client the watch uses.
type sessionAPI interface {
	Get(ctx context.Context, key string) (registry.Session, error)
	Update(ctx context.Context, req registry.UpdateRequest) (registry.Session, error)
}

// sessionWatch applies registry changes made by other devices, publishes
// the leader's own keyboard changes and renews the session's TTL.
type sessionWatch struct {
	reg sessionAPI
	rt  *runtime
	log logrus.FieldLogger

	// pub orders publishes so the registry ends on the latest tempo.
	pub sync.Mutex

	mu      sync.Mutex
	current registry.Session
	// edits counts keyboard changes; inflight counts publishes not yet
	// answered. A refresh that overlaps either is discarded.
	edits    uint64
	inflight int
}

func (w *sessionWatch) run(ctx context.Context) error {
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()
	renewed := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if w.refresh(ctx, time.Since(renewed) >= renewInterval) {
			renewed = time.Now()
		}
	}
}

// refresh reads the session, or renews it when renew is set, and applies
// any remote change. It reports whether a renewal went through.
func (w *sessionWatch) refresh(ctx context.Context, renew bool) bool {
	w.mu.Lock()
	id, edits, busy := w.current.ID, w.edits, w.inflight > 0
	w.mu.Unlock()
	if busy {
		return false
	}

	var (
		s   registry.Session
		err error
	)
	if renew {
		s, err = w.reg.Update(ctx, registry.UpdateRequest{ID: id, Force: true})
	} else {
		s, err = w.reg.Get(ctx, id)
	}
	if err != nil {
		if ctx.Err() == nil {
			w.log.WithError(err).Debug("session refresh failed")
		}
		return false
	}

	w.mu.Lock()
	if w.edits != edits || w.inflight > 0 {
		w.mu.Unlock()
		w.log.Debug("discarded refresh that raced a local tempo change")
		return renew
	}
	prev := w.current
	w.current = s
	w.mu.Unlock()
	if s.BPM != prev.BPM || s.BeatsPerMeasure != prev.BeatsPerMeasure || s.StartTime != prev.StartTime {
		w.log.WithFields(logrus.Fields{"bpm": s.BPM, "beatsPerMeasure": s.BeatsPerMeasure}).Info("session changed remotely")
		w.rt.apply(s, prev)
	}
	return renew
}

// publishTempo records a keyboard tempo change and writes the latest one
// to the registry.
func (w *sessionWatch) publishTempo(bpm float64) {
	w.mu.Lock()
	w.edits++
	w.inflight++
	w.current.BPM = bpm
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.inflight--
		w.mu.Unlock()
	}()

	w.pub.Lock()
	defer w.pub.Unlock()
	w.mu.Lock()
	id, latest, edits := w.current.ID, w.current.BPM, w.edits
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := w.reg.Update(ctx, registry.UpdateRequest{ID: id, BPM: &latest, Force: true})
	if err != nil {
		w.log.WithError(err).Warn("publishing tempo")
		return
	}
	w.mu.Lock()
	if w.edits == edits {
		w.current = s
	}
	w.mu.Unlock()
}

// outboundIP is the local address used to reach the outside world, which
// is what followers on the same network will reach us at.
func outboundIP() string {
	conn, err := net.Dial("udp", "192.0.2.1:9")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}
