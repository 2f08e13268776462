package audit

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Repository writes audit entries to Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository constructs an audit repository.
func NewRepository(db *sql.DB) *Repository {
	if db == nil {
		return nil
	}
	return &Repository{db: db}
}

// InitSchema creates the audit table when missing.
func (r *Repository) InitSchema(ctx context.Context) error {
	if r == nil || r.db == nil {
		return errors.New("audit repo: nil db")
	}
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS fleet_audit_log (
	id TEXT PRIMARY KEY,
	actor TEXT NOT NULL,
	role TEXT NOT NULL,
	action TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	resource_id TEXT NOT NULL,
	outcome TEXT NOT NULL,
	metadata JSONB,
	payload_digest TEXT,
	ip TEXT,
	user_agent TEXT,
	created_at TIMESTAMPTZ NOT NULL
)`)
	return err
}

// Log writes an audit entry.
func (r *Repository) Log(ctx context.Context, entry Entry) error {
	if r == nil || r.db == nil {
		return errors.New("audit repo: nil db")
	}
	if entry.ID == "" {
		entry.ID = NewID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.PayloadDigest == "" {
		entry.PayloadDigest = DigestJSON(entry.Metadata)
	}
	var metadata any
	if len(entry.Metadata) > 0 {
		metadata = []byte(entry.Metadata)
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO fleet_audit_log (
	id, actor, role, action, resource_type, resource_id, outcome,
	metadata, payload_digest, ip, user_agent, created_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)`, entry.ID, entry.Actor, entry.Role, entry.Action, entry.ResourceType, entry.ResourceID, entry.Outcome,
		metadata, entry.PayloadDigest, entry.IP, entry.UserAgent, entry.CreatedAt)
	return err
}
