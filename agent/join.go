package main

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"beatsync/clock"
	"beatsync/discovery"
	"beatsync/follow"
	"beatsync/liveness"
	"beatsync/peer"
	"beatsync/registry"
	"beatsync/relay"
	"beatsync/schedule"
)

const mdnsTimeout = 5 * time.Second

type joinOptions struct {
	mdns   bool
	peerID string
}

func (a *app) joinCmd() *cobra.Command {
	var o joinOptions
	cmd := &cobra.Command{
		Use:   "join <label>",
		Short: "Follow a leader's session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return a.join(ctx, args[0], o)
		},
	}
	cmd.Flags().BoolVar(&o.mdns, "mdns", false, "find the leader on the local network instead of through the relay")
	cmd.Flags().StringVar(&o.peerID, "peer-id", "", "name this follower (default random)")
	return cmd
}

func (a *app) join(ctx context.Context, label string, o joinOptions) error {
	rt, err := a.newRuntime(roleFollower, 0)
	if err != nil {
		return err
	}
	defer rt.Close()
	sounded := rt.preferStream()

	if _, err := rt.synchronize(ctx); err != nil {
		return err
	}
	sess, err := rt.registry().Get(ctx, label)
	if err != nil {
		return errors.Wrapf(err, "looking up session %q", label)
	}
	rt.label = sess.Label
	rt.setBeatsPerMeasure(sess.BeatsPerMeasure)
	log := a.log.WithField("label", sess.Label)
	log.WithFields(logrus.Fields{"id": sess.ID, "bpm": sess.BPM, "startTime": sess.StartTime}).Info("joining session")

	// Keep local timing aligned so fallback is seamless.
	if err := rt.sched.Start(sess.Zero(), sess.BPM, sess.BeatsPerMeasure); err != nil {
		return err
	}

	monitor := liveness.New(a.cfg.LivenessConfig(), nil, a.log)
	rt.monitor = monitor
	monitor.OnFallback = func() {
		rt.gate.Suppress(false)
		if rt.sched.Status().State == schedule.Idle {
			if err := rt.sched.Start(sess.Zero(), sess.BPM, sess.BeatsPerMeasure); err != nil {
				log.WithError(err).Warn("starting local fallback")
			}
		}
	}
	monitor.OnRecover = func() { rt.gate.Suppress(true) }

	follower := follow.New(rt.sched, rt.offsets, a.log)
	follower.OnBeat = func(b follow.Beat, res follow.Result) {
		if res.Retuned {
			rt.setBeatsPerMeasure(b.BeatsPerMeasure)
		}
		if res.Resynced && b.Index < sounded.Last() {
			// The leader's count went back; start over with it.
			sounded.Reset()
		}
	}

	refiner := a.cfg.Refiner(clock.NewRefiner(rt.offsets))
	refiner.Log = a.log

	handler := peer.Handler{
		OnBeat: func(_ *peer.Link, m peer.BeatMessage) {
			follower.HandleBeat(m.Follow())
		},
		OnFrame: func(_ *peer.Link, f peer.Frame) {
			monitor.Observe()
			index, accent, ok := peer.DecodeMarker(f.Payload)
			if !ok || monitor.State() != liveness.StreamLive {
				return
			}
			// The stream's clicks sound as they arrive, like the leader's audio.
			now := time.Now()
			sounded.Fire(schedule.Beat{
				Index:     index,
				Accent:    accent,
				Local:     now,
				Reference: rt.offsets.Load().ToReference(now),
			})
		},
	}

	peerID := o.peerID
	if peerID == "" {
		peerID = uuid.NewString()
	}
	f := &followLink{
		app:     a,
		rt:      rt,
		sess:    sess,
		peerID:  peerID,
		mdns:    o.mdns,
		handler: handler,
		refiner: refiner,
		log:     log,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return monitor.Run(ctx) })
	g.Go(func() error { return f.run(ctx) })
	if a.tui {
		g.Go(func() error { return a.runTUI(ctx, rt, cancel) })
	}
	return g.Wait()
}

// followLink keeps a link to the leader up, reconnecting with backoff.
type followLink struct {
	app     *app
	rt      *runtime
	sess    registry.Session
	peerID  string
	mdns    bool
	handler peer.Handler
	refiner *clock.Refiner
	log     logrus.FieldLogger
}

func (f *followLink) run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0

	op := func() error {
		err := f.connect(ctx, b)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, d time.Duration) {
		f.log.WithError(err).WithField("retryIn", d).Warn("leader link down")
	}
	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// connect serves one link until it drops. It always returns an error so
// the caller reconnects.
func (f *followLink) connect(ctx context.Context, b backoff.BackOff) error {
	endpoint, err := f.locate(ctx)
	if err != nil {
		return err
	}
	link, err := peer.Dial(ctx, endpoint, f.peerID, nil, f.app.log)
	if err != nil {
		return err
	}
	b.Reset()
	f.log.WithField("endpoint", endpoint).Info("connected to leader")

	lctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go f.refiner.Run(lctx, link)
	if err := link.Serve(lctx, f.handler); err != nil {
		return err
	}
	return errors.New("leader link closed")
}

// locate finds the leader's endpoint through mDNS or the relay. Through
// the relay it also posts this follower's answer.
func (f *followLink) locate(ctx context.Context) (string, error) {
	if f.mdns {
		mctx, cancel := context.WithTimeout(ctx, mdnsTimeout)
		defer cancel()
		l, err := discovery.Find(mctx, f.sess.Label, f.log)
		if err != nil {
			return "", err
		}
		return l.Endpoint(), nil
	}

	rc := f.rt.relay()
	var offer relay.Offer
	if err := rc.Await(ctx, relay.KindOffer, f.sess.Label, &offer); err != nil {
		return "", errors.Wrap(err, "waiting for offer")
	}
	if offer.SessionID != "" && offer.SessionID != f.sess.ID {
		f.log.WithFields(logrus.Fields{"offered": offer.SessionID, "joined": f.sess.ID}).Warn("offer is for a different session")
	}
	if err := rc.Post(ctx, relay.KindAnswer, f.sess.Label, relay.Answer{Peer: f.peerID}); err != nil {
		return "", errors.Wrap(err, "posting answer")
	}
	return offer.Endpoint, nil
}
