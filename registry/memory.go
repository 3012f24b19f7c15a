package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// MemoryStore keeps sessions in process. Expired sessions are purged
// lazily on access.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	Now      func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session), Now: time.Now}
}

func (m *MemoryStore) Save(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeLocked()
	if s.Expired(m.Now()) {
		delete(m.sessions, s.ID)
		return errors.Wrapf(ErrExpired, "session %s", s.ID)
	}
	m.sessions[s.ID] = s
	return nil
}

func (m *MemoryStore) Load(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeLocked()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, errors.Wrapf(ErrNotFound, "session %q", id)
	}
	return s, nil
}

func (m *MemoryStore) List(_ context.Context) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeLocked()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sortSessions(out)
	return out, nil
}

func (m *MemoryStore) purgeLocked() {
	now := m.Now()
	for id, s := range m.sessions {
		if s.Expired(now) {
			delete(m.sessions, id)
		}
	}
}

// sortSessions orders by creation time, oldest first.
func sortSessions(ss []Session) {
	sort.Slice(ss, func(i, j int) bool {
		if ss[i].CreatedAt != ss[j].CreatedAt {
			return ss[i].CreatedAt < ss[j].CreatedAt
		}
		return ss[i].ID < ss[j].ID
	})
}
