package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	session "fleet-link/internal/session/domain"
)

// Store keeps sealed last-good sessions in a local SQLite file, for
// deployments without Postgres.
type Store struct {
	db    *sql.DB
	codec session.Codec
}

// Open initializes the database, creating directories as needed.
func Open(path string, codec session.Codec) (*Store, error) {
	if codec == nil {
		return nil, errors.New("session sqlite: nil codec")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	return &Store{db: db, codec: codec}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema ensures the cache table exists.
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS session_cache (
		username TEXT PRIMARY KEY,
		level TEXT NOT NULL,
		payload BLOB NOT NULL,
		updated_at TEXT NOT NULL
	);`)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Get loads the record for username.
func (s *Store) Get(ctx context.Context, username string) (*session.Record, error) {
	if username == "" {
		return nil, session.ErrEmptyUsername
	}
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM session_cache WHERE username = ?;`, username).Scan(&payload)
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
	_, err = s.db.ExecContext(ctx, `INSERT INTO session_cache (username, level, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET level = excluded.level, payload = excluded.payload, updated_at = excluded.updated_at;`,
		record.Username, record.Level.String(), payload, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// Delete removes the record for username.
func (s *Store) Delete(ctx context.Context, username string) error {
	if username == "" {
		return session.ErrEmptyUsername
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM session_cache WHERE username = ?;`, username)
	return err
}

// Count returns the number of cached sessions.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM session_cache;`).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
