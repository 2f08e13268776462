package application

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	session "fleet-link/internal/session/domain"
)

// Attempt records one rung of the fallback ladder.
type Attempt struct {
	Level    session.AuthLevel
	Err      error
	Duration time.Duration
}

// Succeeded reports whether this rung established a session.
func (a Attempt) Succeeded() bool {
	return a.Err == nil
}

// MarshalJSON renders the attempt for diagnostics endpoints.
func (a Attempt) MarshalJSON() ([]byte, error) {
	out := struct {
		Level      session.AuthLevel `json:"level"`
		Error      string            `json:"error,omitempty"`
		DurationMS int64             `json:"duration_ms"`
	}{Level: a.Level, DurationMS: a.Duration.Milliseconds()}
	if a.Err != nil {
		out.Error = a.Err.Error()
	}
	return json.Marshal(out)
}

// AuthResult is the outcome of a ladder run that established a session.
type AuthResult struct {
	Session  session.Record    `json:"session"`
	Level    session.AuthLevel `json:"level"`
	Attempts []Attempt         `json:"attempts"`
}

// LadderError is returned when no level above offline could be established.
// It carries every attempt so callers can see why each rung failed.
type LadderError struct {
	Username string
	Attempts []Attempt
	// Fatal is set when the ladder stopped early on a configuration error.
	Fatal bool
}

func (e *LadderError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, attempt := range e.Attempts {
		if attempt.Err == nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %v", attempt.Level, attempt.Err))
	}
	prefix := "session: fallback ladder exhausted"
	if e.Fatal {
		prefix = "session: fallback ladder aborted"
	}
	return fmt.Sprintf("%s for %q (%s)", prefix, e.Username, strings.Join(parts, "; "))
}

// Unwrap exposes every attempt error to errors.Is and errors.As.
func (e *LadderError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, attempt := range e.Attempts {
		if attempt.Err != nil {
			errs = append(errs, attempt.Err)
		}
	}
	return errs
}
