package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	session "fleet-link/internal/session/domain"
)

// Store keeps sealed last-good sessions in Postgres, one row per username.
type Store struct {
	db    *sql.DB
	codec session.Codec
}

// NewStore constructs a store.
func NewStore(db *sql.DB, codec session.Codec) (*Store, error) {
	if db == nil {
		return nil, errors.New("session store: nil db")
	}
	if codec == nil {
		return nil, errors.New("session store: nil codec")
	}
	return &Store{db: db, codec: codec}, nil
}

// InitSchema creates the cache table if missing.
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS fleet_session_cache (
	username TEXT PRIMARY KEY,
	level TEXT NOT NULL,
	payload BYTEA NOT NULL,
	expires_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL
)`)
	return err
}

// Get loads the record for username.
func (s *Store) Get(ctx context.Context, username string) (*session.Record, error) {
	if username == "" {
		return nil, session.ErrEmptyUsername
	}
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM fleet_session_cache WHERE username = $1`, username).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	record, err := s.codec.Decode(payload)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// Put upserts the record for its username.
func (s *Store) Put(ctx context.Context, record session.Record) error {
	if record.Username == "" {
		return session.ErrEmptyUsername
	}
	payload, err := s.codec.Encode(record)
	if err != nil {
		return err
	}
	var expiresAt sql.NullTime
	if !record.ExpiresAt.IsZero() {
		expiresAt = sql.NullTime{Time: record.ExpiresAt.UTC(), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO fleet_session_cache (username, level, payload, expires_at, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (username)
DO UPDATE SET level = EXCLUDED.level,
	payload = EXCLUDED.payload,
	expires_at = EXCLUDED.expires_at,
	updated_at = EXCLUDED.updated_at`,
		record.Username, record.Level.String(), payload, expiresAt, time.Now().UTC())
	return err
}

// Delete removes the record for username.
func (s *Store) Delete(ctx context.Context, username string) error {
	if username == "" {
		return session.ErrEmptyUsername
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM fleet_session_cache WHERE username = $1`, username)
	return err
}
