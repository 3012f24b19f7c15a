package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type slot struct {
	kind  Kind
	label string
}

type entry struct {
	payload json.RawMessage
	expires time.Time
}

// MemoryStore keeps descriptors in process.
type MemoryStore struct {
	mu    sync.Mutex
	slots map[slot]entry
	Now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{slots: make(map[slot]entry), Now: time.Now}
}

func (m *MemoryStore) Put(_ context.Context, kind Kind, label string, payload json.RawMessage, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := append(json.RawMessage(nil), payload...)
	m.slots[slot{kind, label}] = entry{payload: cp, expires: m.Now().Add(ttl)}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, kind Kind, label string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := slot{kind, label}
	e, ok := m.slots[k]
	if !ok {
		return nil, nil
	}
	if !m.Now().Before(e.expires) {
		delete(m.slots, k)
		return nil, nil
	}
	return e.payload, nil
}

func (m *MemoryStore) Delete(_ context.Context, kind Kind, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.slots, slot{kind, label})
	return nil
}

// RedisStore keeps each slot under beatsync:<kind>:<label> with a TTL.
type RedisStore struct {
	rdb redis.UniversalClient
}

func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func redisKey(kind Kind, label string) string {
	return "beatsync:" + string(kind) + ":" + label
}

func (r *RedisStore) Put(ctx context.Context, kind Kind, label string, payload json.RawMessage, ttl time.Duration) error {
	return errors.Wrap(r.rdb.Set(ctx, redisKey(kind, label), []byte(payload), ttl).Err(), "redis set")
}

func (r *RedisStore) Get(ctx context.Context, kind Kind, label string) (json.RawMessage, error) {
	b, err := r.rdb.Get(ctx, redisKey(kind, label)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis get")
	}
	return json.RawMessage(b), nil
}

func (r *RedisStore) Delete(ctx context.Context, kind Kind, label string) error {
	return errors.Wrap(r.rdb.Del(ctx, redisKey(kind, label)).Err(), "redis del")
}
