package clock

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultRefineInterval = 2 * time.Second
	DefaultLeaderAlpha    = 0.35
	DefaultDirectAlpha    = 0.2
)

// Pong is the leader's answer to a ping. LeaderOffsetMs is the leader's own
// reference offset, nil when the leader has none to share.
type Pong struct {
	T1             float64
	T2             float64
	T3             float64
	LeaderOffsetMs *float64
}

// PeerOffset is the follower-to-leader offset measured by p, received at t4.
func (p Pong) PeerOffset(t4 float64) float64 { return ((p.T2 - p.T1) + (p.T3 - t4)) / 2 }

// RTT is the round trip of p excluding the leader's hold time.
func (p Pong) RTT(t4 float64) float64 { return (t4 - p.T1) - (p.T3 - p.T2) }

// Pinger sends a ping stamped t1 over the peer link and waits for the pong.
type Pinger interface {
	Ping(ctx context.Context, t1 float64) (Pong, error)
}

// Refiner keeps a follower's estimate current by exchanging timestamps with
// the leader directly.
type Refiner struct {
	Store    *Store
	Clock    Clock
	Log      logrus.FieldLogger
	Interval time.Duration

	// LeaderAlpha weights leaderOffset+peerOffset; DirectAlpha weights the
	// peer offset alone when the leader sent no offset.
	LeaderAlpha float64
	DirectAlpha float64
}

// NewRefiner returns a refiner with the default interval and weights.
func NewRefiner(store *Store) *Refiner {
	return &Refiner{
		Store:       store,
		Clock:       System{},
		Log:         logrus.StandardLogger(),
		Interval:    DefaultRefineInterval,
		LeaderAlpha: DefaultLeaderAlpha,
		DirectAlpha: DefaultDirectAlpha,
	}
}

// Blend folds one pong, received at t4, into cur.
func (r *Refiner) Blend(cur Estimate, p Pong, t4 float64) Estimate {
	peer := p.PeerOffset(t4)
	next := cur
	if p.LeaderOffsetMs != nil {
		refined := *p.LeaderOffsetMs + peer
		next.OffsetMs = (1-r.LeaderAlpha)*cur.OffsetMs + r.LeaderAlpha*refined
	} else {
		next.OffsetMs = cur.OffsetMs + r.DirectAlpha*peer
	}
	next.DelayMs = p.RTT(t4)
	next.Samples = cur.Samples + 1
	next.LastUpdated = FromMillis(t4)
	return next
}

// Refine performs one exchange and blends it into the store. On error the
// store is left untouched and the current estimate is returned with the error.
func (r *Refiner) Refine(ctx context.Context, p Pinger) (Estimate, error) {
	t1 := Millis(r.Clock.Now())
	pong, err := p.Ping(ctx, t1)
	if err != nil {
		return r.Store.Load(), err
	}
	t4 := Millis(r.Clock.Now())

	est := r.Store.Update(func(cur Estimate) Estimate { return r.Blend(cur, pong, t4) })

	kind := "dc_pong_refine"
	if pong.LeaderOffsetMs == nil {
		kind = "dc_pong_fallback"
	}
	r.Log.WithFields(logrus.Fields{
		"kind":       kind,
		"offset":     est.OffsetMs,
		"rtt":        est.DelayMs,
		"peerOffset": pong.PeerOffset(t4),
	}).Debug("offset refined")
	return est, nil
}

// Run refines every Interval until ctx is done. Failed exchanges are skipped.
func (r *Refiner) Run(ctx context.Context, p Pinger) error {
	interval := r.Interval
	if interval <= 0 {
		interval = DefaultRefineInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, interval)
			if _, err := r.Refine(pctx, p); err != nil && ctx.Err() == nil {
				r.Log.WithError(err).Debug("offset refinement skipped")
			}
			cancel()
		}
	}
}
