package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	redisSessionPrefix = "beatsync:session:"
	redisIndexKey      = "beatsync:sessions"
)

// RedisStore keeps each session under its own key with a Redis TTL. A set
// indexes the IDs; members whose key has expired are pruned on List.
type RedisStore struct {
	rdb redis.UniversalClient
	Now func() time.Time
}

// NewRedisStore returns a store over rdb.
func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb, Now: time.Now}
}

func (r *RedisStore) Save(ctx context.Context, s Session) error {
	ttl := time.UnixMilli(s.ExpiresAt).Sub(r.Now())
	if ttl <= 0 {
		pipe := r.rdb.TxPipeline()
		pipe.Del(ctx, redisSessionPrefix+s.ID)
		pipe.SRem(ctx, redisIndexKey, s.ID)
		if _, err := pipe.Exec(ctx); err != nil {
			return errors.Wrap(err, "dropping expired session")
		}
		return errors.Wrapf(ErrExpired, "session %s", s.ID)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "encoding session")
	}
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, redisSessionPrefix+s.ID, data, ttl)
	pipe.SAdd(ctx, redisIndexKey, s.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "saving session %s", s.ID)
	}
	return nil
}

func (r *RedisStore) Load(ctx context.Context, id string) (Session, error) {
	data, err := r.rdb.Get(ctx, redisSessionPrefix+id).Bytes()
	if err == redis.Nil {
		return Session{}, errors.Wrapf(ErrNotFound, "session %q", id)
	}
	if err != nil {
		return Session{}, errors.Wrapf(err, "loading session %s", id)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, errors.Wrapf(err, "decoding session %s", id)
	}
	return s, nil
}

func (r *RedisStore) List(ctx context.Context) ([]Session, error) {
	ids, err := r.rdb.SMembers(ctx, redisIndexKey).Result()
	if err != nil {
		return nil, errors.Wrap(err, "listing session ids")
	}
	if len(ids) == 0 {
		return []Session{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = redisSessionPrefix + id
	}
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "loading sessions")
	}

	out := make([]Session, 0, len(vals))
	var stale []interface{}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var s Session
		if err := json.Unmarshal([]byte(str), &s); err != nil {
			return nil, errors.Wrapf(err, "decoding session %s", ids[i])
		}
		out = append(out, s)
	}
	if len(stale) > 0 {
		if err := r.rdb.SRem(ctx, redisIndexKey, stale...).Err(); err != nil {
			return nil, errors.Wrap(err, "pruning session index")
		}
	}
	sortSessions(out)
	return out, nil
}
