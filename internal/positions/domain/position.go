package positions

import (
	"errors"
	"math"
	"time"
)

var (
	ErrEmptyEntityID     = errors.New("positions: empty entity id")
	ErrMissingCapturedAt = errors.New("positions: missing captured_at")
	ErrInvalidCoordinate = errors.New("positions: coordinate out of range")
)

// Position is the most recent known location of a tracked entity.
type Position struct {
	EntityID   string    `json:"entity_id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Speed      float64   `json:"speed"`
	Course     float64   `json:"course"`
	CapturedAt time.Time `json:"captured_at"`
	ReceivedAt time.Time `json:"received_at"`
	Moving     bool      `json:"moving"`
}

// Validate checks the fields every writer must provide.
func (p Position) Validate() error {
	if p.EntityID == "" {
		return ErrEmptyEntityID
	}
	if p.CapturedAt.IsZero() {
		return ErrMissingCapturedAt
	}
	if !inRange(p.Latitude, 90) || !inRange(p.Longitude, 180) {
		return ErrInvalidCoordinate
	}
	return nil
}

// inRange rejects NaN, which fails every comparison.
func inRange(value, limit float64) bool {
	return !math.IsNaN(value) && value >= -limit && value <= limit
}

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock returns UTC wall time.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
