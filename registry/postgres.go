package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const schema = `CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	label      TEXT NOT NULL,
	body       JSONB NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
)`

// PostgresStore keeps sessions in a sessions table, one JSONB body per row.
type PostgresStore struct {
	pool *pgxpool.Pool
	Now  func() time.Time
}

// NewPostgresStore creates the table if needed and returns the store.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, errors.Wrap(err, "creating sessions table")
	}
	return &PostgresStore{pool: pool, Now: time.Now}, nil
}

func (p *PostgresStore) Save(ctx context.Context, s Session) error {
	expires := time.UnixMilli(s.ExpiresAt)
	if !expires.After(p.Now()) {
		if _, err := p.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, s.ID); err != nil {
			return errors.Wrap(err, "dropping expired session")
		}
		return errors.Wrapf(ErrExpired, "session %s", s.ID)
	}
	body, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "encoding session")
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO sessions (id, label, body, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET label = EXCLUDED.label, body = EXCLUDED.body, expires_at = EXCLUDED.expires_at`,
		s.ID, s.Label, body, expires)
	if err != nil {
		return errors.Wrapf(err, "saving session %s", s.ID)
	}
	return nil
}

func (p *PostgresStore) Load(ctx context.Context, id string) (Session, error) {
	var body []byte
	err := p.pool.QueryRow(ctx,
		`SELECT body FROM sessions WHERE id = $1 AND expires_at > $2`, id, p.Now()).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, errors.Wrapf(ErrNotFound, "session %q", id)
	}
	if err != nil {
		return Session{}, errors.Wrapf(err, "loading session %s", id)
	}
	var s Session
	if err := json.Unmarshal(body, &s); err != nil {
		return Session{}, errors.Wrapf(err, "decoding session %s", id)
	}
	return s, nil
}

func (p *PostgresStore) List(ctx context.Context) ([]Session, error) {
	now := p.Now()
	if _, err := p.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now); err != nil {
		return nil, errors.Wrap(err, "purging expired sessions")
	}
	rows, err := p.pool.Query(ctx, `SELECT body FROM sessions WHERE expires_at > $1`, now)
	if err != nil {
		return nil, errors.Wrap(err, "listing sessions")
	}
	defer rows.Close()

	out := []Session{}
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, errors.Wrap(err, "scanning session")
		}
		var s Session
		if err := json.Unmarshal(body, &s); err != nil {
			return nil, errors.Wrap(err, "decoding session")
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "listing sessions")
	}
	sortSessions(out)
	return out, nil
}
