// Package relay is the rendezvous mailbox leaders and followers use to find
// each other: one offer and one answer slot per session label.
package relay

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Kind names a mailbox slot.
type Kind string

const (
	KindOffer  Kind = "offer"
	KindAnswer Kind = "answer"
)

// DefaultTTL bounds how long an unanswered descriptor is kept.
const DefaultTTL = 10 * time.Minute

// ErrInvalidArgument reports a malformed post or query.
var ErrInvalidArgument = errors.New("invalid argument")

// ParseKind validates s as a slot kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindOffer, KindAnswer:
		return k, nil
	case "":
		return "", errors.Wrap(ErrInvalidArgument, "missing type (offer|answer)")
	default:
		return "", errors.Wrapf(ErrInvalidArgument, "unknown type %q", s)
	}
}

// Offer is the descriptor a leader posts: where to connect and which
// session the link belongs to.
type Offer struct {
	Endpoint  string `json:"endpoint"`
	SessionID string `json:"sessionId"`
	Leader    string `json:"leader,omitempty"`
}

// Answer is the descriptor a follower posts before connecting.
type Answer struct {
	Peer string `json:"peer"`
}

// Store holds raw descriptors per kind and label. Get returns nil with no
// error when the slot is empty.
type Store interface {
	Put(ctx context.Context, kind Kind, label string, payload json.RawMessage, ttl time.Duration) error
	Get(ctx context.Context, kind Kind, label string) (json.RawMessage, error)
	Delete(ctx context.Context, kind Kind, label string) error
}

// Relay validates posts and applies the offer/answer rules over a Store.
type Relay struct {
	store Store
	log   logrus.FieldLogger
	TTL   time.Duration
}

// New returns a relay over store.
func New(store Store, log logrus.FieldLogger) *Relay {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Relay{store: store, log: log, TTL: DefaultTTL}
}

// Post stores payload in the kind slot for label. A new offer clears any
// earlier answer for the label.
func (r *Relay) Post(ctx context.Context, kind Kind, label string, payload json.RawMessage) error {
	if _, err := ParseKind(string(kind)); err != nil {
		return err
	}
	label = strings.TrimSpace(label)
	if label == "" {
		return errors.Wrap(ErrInvalidArgument, "missing label")
	}
	if isEmpty(payload) {
		return errors.Wrap(ErrInvalidArgument, "missing payload")
	}
	if err := r.store.Put(ctx, kind, label, payload, r.TTL); err != nil {
		return errors.Wrapf(err, "storing %s for %s", kind, label)
	}
	if kind == KindOffer {
		if err := r.store.Delete(ctx, KindAnswer, label); err != nil {
			return errors.Wrapf(err, "clearing answer for %s", label)
		}
	}
	r.log.WithFields(logrus.Fields{"type": kind, "label": label, "bytes": len(payload)}).Info("descriptor stored")
	return nil
}

// Get returns the descriptor in the kind slot for label, or nil.
func (r *Relay) Get(ctx context.Context, kind Kind, label string) (json.RawMessage, error) {
	if _, err := ParseKind(string(kind)); err != nil {
		return nil, err
	}
	label = strings.TrimSpace(label)
	if label == "" {
		return nil, errors.Wrap(ErrInvalidArgument, "missing label")
	}
	return r.store.Get(ctx, kind, label)
}

func (r *Relay) PostOffer(ctx context.Context, label string, payload json.RawMessage) error {
	return r.Post(ctx, KindOffer, label, payload)
}

func (r *Relay) PostAnswer(ctx context.Context, label string, payload json.RawMessage) error {
	return r.Post(ctx, KindAnswer, label, payload)
}

func (r *Relay) GetOffer(ctx context.Context, label string) (json.RawMessage, error) {
	return r.Get(ctx, KindOffer, label)
}

func (r *Relay) GetAnswer(ctx context.Context, label string) (json.RawMessage, error) {
	return r.Get(ctx, KindAnswer, label)
}

func isEmpty(p json.RawMessage) bool {
	s := strings.TrimSpace(string(p))
	return s == "" || s == "null"
}
