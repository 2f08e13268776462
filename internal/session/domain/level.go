package session

import (
	"encoding/json"
	"fmt"
)

// AuthLevel is the trust level of the current session, ordered
// full > degraded > minimal > offline.
type AuthLevel int

const (
	LevelOffline AuthLevel = iota
	LevelMinimal
	LevelDegraded
	LevelFull
)

func (l AuthLevel) String() string {
	switch l {
	case LevelFull:
		return "full"
	case LevelDegraded:
		return "degraded"
	case LevelMinimal:
		return "minimal"
	case LevelOffline:
		return "offline"
	default:
		return fmt.Sprintf("AuthLevel(%d)", int(l))
	}
}

// AtLeast reports whether l is as trusted as other.
func (l AuthLevel) AtLeast(other AuthLevel) bool {
	return l >= other
}

// ParseLevel parses the string form of a level.
func ParseLevel(value string) (AuthLevel, error) {
	switch value {
	case "full":
		return LevelFull, nil
	case "degraded":
		return LevelDegraded, nil
	case "minimal":
		return LevelMinimal, nil
	case "offline":
		return LevelOffline, nil
	default:
		return LevelOffline, fmt.Errorf("session: unknown auth level %q", value)
	}
}

// MarshalJSON encodes the level by name.
func (l AuthLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON decodes a level name.
func (l *AuthLevel) UnmarshalJSON(data []byte) error {
	var value string
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	parsed, err := ParseLevel(value)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
