package clock

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrNoSamples is returned when every exchange of a synchronization failed.
var ErrNoSamples = errors.New("timesync failed (no samples)")

const (
	DefaultSamples        = 16
	DefaultSampleInterval = 40 * time.Millisecond
	DefaultSampleJitter   = 40 * time.Millisecond

	minKeptSamples = 3
)

// Exchanger performs one round trip with the reference-time service. The
// service stamps t2 when the request arrives and t3 just before replying;
// both are epoch milliseconds on the reference clock.
type Exchanger interface {
	Exchange(ctx context.Context, t1 float64) (t2, t3 float64, err error)
}

// Sample is one four-timestamp exchange, in epoch milliseconds.
type Sample struct {
	T1, T2, T3, T4 float64
}

// Offset is ((t2−t1)+(t3−t4))/2.
func (s Sample) Offset() float64 { return ((s.T2 - s.T1) + (s.T3 - s.T4)) / 2 }

// Delay is the round trip minus the time the remote side held the request.
func (s Sample) Delay() float64 { return (s.T4 - s.T1) - (s.T3 - s.T2) }

// Reduce turns a set of samples into an estimate. Congestion only ever adds
// delay, so the lower-delay half is kept and its medians are taken.
func Reduce(samples []Sample) (Estimate, error) {
	if len(samples) == 0 {
		return Estimate{}, ErrNoSamples
	}
	sorted := make([]Sample, len(samples))
	copy(sorted, samples)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Delay() < sorted[j].Delay() })

	keep := len(sorted) / 2
	if keep < minKeptSamples {
		keep = minKeptSamples
	}
	if keep > len(sorted) {
		keep = len(sorted)
	}
	kept := sorted[:keep]

	offsets := make([]float64, len(kept))
	delays := make([]float64, len(kept))
	for i, s := range kept {
		offsets[i] = s.Offset()
		delays[i] = s.Delay()
	}
	return Estimate{
		OffsetMs: median(offsets),
		DelayMs:  median(delays),
		Samples:  len(samples),
	}, nil
}

func median(xs []float64) float64 {
	sort.Float64s(xs)
	return xs[len(xs)/2]
}

// Estimator seeds a session's estimate from the reference-time service.
type Estimator struct {
	Exchanger Exchanger
	Clock     Clock
	Log       logrus.FieldLogger

	// Interval and Jitter control the pause between samples: Interval plus a
	// uniform random amount in [0, Jitter).
	Interval time.Duration
	Jitter   time.Duration

	rand *rand.Rand
}

// NewEstimator returns an estimator using the system clock and default pacing.
func NewEstimator(ex Exchanger) *Estimator {
	return &Estimator{
		Exchanger: ex,
		Clock:     System{},
		Log:       logrus.StandardLogger(),
		Interval:  DefaultSampleInterval,
		Jitter:    DefaultSampleJitter,
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Synchronize runs n exchanges and reduces them. Individual failures are
// dropped; only a run with no successful sample returns an error.
func (e *Estimator) Synchronize(ctx context.Context, n int) (Estimate, error) {
	if n <= 0 {
		n = DefaultSamples
	}
	samples := make([]Sample, 0, n)
	for i := 0; i < n; i++ {
		t1 := Millis(e.Clock.Now())
		t2, t3, err := e.Exchanger.Exchange(ctx, t1)
		t4 := Millis(e.Clock.Now())
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			e.Log.WithError(err).WithField("sample", i).Debug("timesync sample failed")
		} else {
			s := Sample{T1: t1, T2: t2, T3: t3, T4: t4}
			samples = append(samples, s)
			e.Log.WithFields(logrus.Fields{
				"kind":   "timesync_sample",
				"sample": i,
				"offset": s.Offset(),
				"delay":  s.Delay(),
			}).Debug("timesync sample")
		}
		if i < n-1 {
			if err := e.pause(ctx); err != nil {
				break
			}
		}
	}

	est, err := Reduce(samples)
	if err != nil {
		return Estimate{}, err
	}
	est.LastUpdated = e.Clock.Now()
	e.Log.WithFields(logrus.Fields{
		"kind":    "timesync_done",
		"offset":  est.OffsetMs,
		"delay":   est.DelayMs,
		"samples": est.Samples,
	}).Info("timesync done")
	return est, nil
}

func (e *Estimator) pause(ctx context.Context) error {
	d := e.Interval
	if e.Jitter > 0 {
		if e.rand == nil {
			e.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
		}
		d += time.Duration(e.rand.Int63n(int64(e.Jitter)))
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
