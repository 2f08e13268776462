package session

import (
	"time"

	"github.com/google/uuid"
)

// Record is an established session at some AuthLevel.
type Record struct {
	ID              string    `json:"id"`
	Username        string    `json:"username"`
	Level           AuthLevel `json:"level"`
	RemoteToken     string    `json:"remote_token,omitempty"`
	FromCache       bool      `json:"from_cache"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	LastValidatedAt time.Time `json:"last_validated_at"`
}

// NewRecord creates a record with a fresh id.
func NewRecord(username string, level AuthLevel, now time.Time) Record {
	return Record{
		ID:              uuid.NewString(),
		Username:        username,
		Level:           level,
		CreatedAt:       now,
		LastValidatedAt: now,
	}
}

// Expired reports whether the record is past its expiry at now.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Redacted returns a copy without the remote token, for responses and logs.
func (r Record) Redacted() Record {
	r.RemoteToken = ""
	return r
}
