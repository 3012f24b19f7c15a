package registry

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	DefaultTTL        = 2 * time.Hour
	DefaultStartDelay = 1500 * time.Millisecond
	DefaultBPM        = 120

	labelPrefix   = "Beat-"
	labelAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Store persists sessions. Implementations drop sessions once ExpiresAt has
// passed; Load of a missing or expired session returns ErrNotFound.
type Store interface {
	Save(ctx context.Context, s Session) error
	Load(ctx context.Context, id string) (Session, error)
	List(ctx context.Context) ([]Session, error)
}

// Registry implements session create/list/get/update over a Store.
type Registry struct {
	store Store
	log   logrus.FieldLogger

	TTL        time.Duration
	StartDelay time.Duration
	Now        func() time.Time

	mu   sync.Mutex
	rand *rand.Rand
}

// New returns a registry over store.
func New(store Store, log logrus.FieldLogger) *Registry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registry{
		store:      store,
		log:        log,
		TTL:        DefaultTTL,
		StartDelay: DefaultStartDelay,
		Now:        time.Now,
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Create registers a new session. A blank label gets a generated
// "Beat-XXXX" one; a label already in use gets a one-character suffix.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (Session, error) {
	bpm := req.BPM
	if bpm == 0 {
		bpm = DefaultBPM
	}
	if bpm < 0 || math.IsNaN(bpm) || math.IsInf(bpm, 0) {
		return Session{}, errors.Wrapf(ErrInvalidArgument, "bpm %v", req.BPM)
	}
	if req.BeatsPerMeasure < 0 {
		return Session{}, errors.Wrapf(ErrInvalidArgument, "beatsPerMeasure %d", req.BeatsPerMeasure)
	}

	// Serialize creates so the collision check and the save cannot interleave.
	r.mu.Lock()
	defer r.mu.Unlock()

	label := strings.TrimSpace(req.Label)
	if label == "" {
		label = labelPrefix + r.randomString(4)
	}
	existing, err := r.store.List(ctx)
	if err != nil {
		return Session{}, errors.Wrap(err, "listing sessions")
	}
	for _, s := range existing {
		if s.Label == label {
			label = label + "-" + r.randomString(1)
			break
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Session{}, errors.Wrap(err, "generating session id")
	}
	now := r.Now()
	start := now.Add(r.StartDelay).UnixMilli()
	if req.StartTime != nil {
		start = *req.StartTime
	}
	s := Session{
		ID:                   id.String(),
		Label:                label,
		BPM:                  bpm,
		BeatsPerMeasure:      req.BeatsPerMeasure,
		AllowChangesByOthers: req.AllowChangesByOthers,
		CreatedAt:            now.UnixMilli(),
		StartTime:            start,
		ExpiresAt:            now.Add(r.TTL).UnixMilli(),
	}
	if err := r.store.Save(ctx, s); err != nil {
		return Session{}, errors.Wrap(err, "saving session")
	}
	r.log.WithFields(logrus.Fields{
		"id":              s.ID,
		"label":           s.Label,
		"bpm":             s.BPM,
		"beatsPerMeasure": s.BeatsPerMeasure,
		"startTime":       s.StartTime,
	}).Info("leader created")
	return s, nil
}

// List returns every live session.
func (r *Registry) List(ctx context.Context) ([]Session, error) {
	return r.store.List(ctx)
}

// Get finds a session by ID or, failing that, by label.
func (r *Registry) Get(ctx context.Context, key string) (Session, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Session{}, errors.Wrap(ErrInvalidArgument, "missing label or id")
	}
	s, err := r.store.Load(ctx, key)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Session{}, err
	}
	all, err := r.store.List(ctx)
	if err != nil {
		return Session{}, errors.Wrap(err, "listing sessions")
	}
	for _, s := range all {
		if s.Label == key {
			return s, nil
		}
	}
	return Session{}, errors.Wrapf(ErrNotFound, "session %q", key)
}

// Update changes a session's tempo, time signature, start time or
// permission flag. Unless the session allows changes by others, only a
// forced update is accepted. Every update renews the TTL.
func (r *Registry) Update(ctx context.Context, req UpdateRequest) (Session, error) {
	if req.ID == "" {
		return Session{}, errors.Wrap(ErrInvalidArgument, "missing id")
	}
	if req.BPM != nil && (*req.BPM <= 0 || math.IsNaN(*req.BPM) || math.IsInf(*req.BPM, 0)) {
		return Session{}, errors.Wrapf(ErrInvalidArgument, "bpm %v", *req.BPM)
	}
	if req.BeatsPerMeasure != nil && *req.BeatsPerMeasure < 0 {
		return Session{}, errors.Wrapf(ErrInvalidArgument, "beatsPerMeasure %d", *req.BeatsPerMeasure)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.store.Load(ctx, req.ID)
	if err != nil {
		return Session{}, err
	}
	if !s.AllowChangesByOthers && !req.Force {
		return Session{}, errors.Wrapf(ErrForbidden, "session %q", s.Label)
	}
	if req.BPM != nil {
		s.BPM = *req.BPM
	}
	if req.BeatsPerMeasure != nil {
		s.BeatsPerMeasure = *req.BeatsPerMeasure
	}
	if req.StartTime != nil {
		s.StartTime = *req.StartTime
	}
	if req.AllowChangesByOthers != nil {
		s.AllowChangesByOthers = *req.AllowChangesByOthers
	}
	now := r.Now()
	s.UpdatedAt = now.UnixMilli()
	s.ExpiresAt = now.Add(r.TTL).UnixMilli()

	if err := r.store.Save(ctx, s); err != nil {
		return Session{}, errors.Wrap(err, "saving session")
	}
	r.log.WithFields(logrus.Fields{
		"id":              s.ID,
		"bpm":             s.BPM,
		"beatsPerMeasure": s.BeatsPerMeasure,
		"startTime":       s.StartTime,
	}).Info("leader updated")
	return s, nil
}

func (r *Registry) randomString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = labelAlphabet[r.rand.Intn(len(labelAlphabet))]
	}
	return string(b)
}
