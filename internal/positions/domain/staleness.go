package positions

import (
	"errors"
	"time"
)

// Staleness classifies how old a cached position is.
type Staleness string

const (
	StalenessFresh   Staleness = "fresh"
	StalenessIdle    Staleness = "idle"
	StalenessStale   Staleness = "stale"
	StalenessUnknown Staleness = "unknown"
)

const (
	DefaultFreshFor = 5 * time.Minute
	DefaultIdleFor  = 30 * time.Minute
)

// Thresholds bounds the fresh and idle classes. Anything older than IdleFor is stale.
type Thresholds struct {
	FreshFor time.Duration `yaml:"fresh_for"`
	IdleFor  time.Duration `yaml:"idle_for"`
}

// DefaultThresholds returns the 5m/30m split.
func DefaultThresholds() Thresholds {
	return Thresholds{FreshFor: DefaultFreshFor, IdleFor: DefaultIdleFor}
}

// Validate rejects non-positive or inverted thresholds.
func (t Thresholds) Validate() error {
	if t.FreshFor <= 0 || t.IdleFor <= 0 {
		return errors.New("positions: staleness thresholds must be positive")
	}
	if t.IdleFor < t.FreshFor {
		return errors.New("positions: idle threshold must not be shorter than fresh threshold")
	}
	return nil
}

// Classify derives staleness from the age of receivedAt at now.
func (t Thresholds) Classify(receivedAt, now time.Time) Staleness {
	if receivedAt.IsZero() {
		return StalenessUnknown
	}
	age := now.Sub(receivedAt)
	switch {
	case age < t.FreshFor:
		return StalenessFresh
	case age < t.IdleFor:
		return StalenessIdle
	default:
		return StalenessStale
	}
}
