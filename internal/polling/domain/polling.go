package polling

import (
	"errors"
	"fmt"
	"time"
)

const (
	DefaultIntervalSeconds = 30
	DefaultMaxRetries      = 3
	DefaultInitialDelay    = 2 * time.Second
)

var (
	ErrInvalidInterval   = errors.New("polling: interval must be positive")
	ErrInvalidMaxRetries = errors.New("polling: max retries must be positive")
	// ErrOffline marks a run skipped because no session exists. It is not a
	// failure for the circuit breaker.
	ErrOffline = errors.New("polling: no usable session")
	// ErrCircuitOpen matches every *CircuitOpenError.
	ErrCircuitOpen = errors.New("polling: circuit open")
)

// Config controls the recurring schedule.
type Config struct {
	IntervalSeconds int           `json:"interval_seconds" yaml:"interval_seconds"`
	MaxRetries      int           `json:"max_retries" yaml:"max_retries"`
	InitialDelay    time.Duration `json:"-" yaml:"initial_delay"`
}

// DefaultConfig returns the recommended schedule.
func DefaultConfig() Config {
	return Config{
		IntervalSeconds: DefaultIntervalSeconds,
		MaxRetries:      DefaultMaxRetries,
		InitialDelay:    DefaultInitialDelay,
	}
}

// Validate checks bounds.
func (c Config) Validate() error {
	if c.IntervalSeconds <= 0 {
		return ErrInvalidInterval
	}
	if c.MaxRetries <= 0 {
		return ErrInvalidMaxRetries
	}
	return nil
}

// Interval returns the recurrence as a duration.
func (c Config) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Trigger names what started a run.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// RunResult summarises one run.
type RunResult struct {
	Trigger   Trigger       `json:"trigger"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
	Fetched   int           `json:"fetched"`
	Applied   int           `json:"applied"`
	Invalid   int           `json:"invalid"`
	Offline   bool          `json:"offline"`
	Error     string        `json:"error,omitempty"`
}

// Succeeded reports whether the run fetched and stored positions.
func (r RunResult) Succeeded() bool {
	return !r.Offline && r.Error == ""
}

// State is a read-only view of the engine.
type State struct {
	IsRunning         bool       `json:"is_running"`
	IntervalSeconds   int        `json:"interval_seconds"`
	MaxRetries        int        `json:"max_retries"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	CircuitOpen       bool       `json:"circuit_open"`
	TotalRuns         int        `json:"total_runs"`
	RunInFlight       bool       `json:"run_in_flight"`
	LastRunAt         *time.Time `json:"last_run_at,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
}

// CircuitOpenError is returned by the run that stopped the schedule after
// too many consecutive failures. Only Start resumes polling.
type CircuitOpenError struct {
	ConsecutiveErrors int
	MaxRetries        int
	Last              error
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("polling: stopped after %d consecutive failures (max %d): %v", e.ConsecutiveErrors, e.MaxRetries, e.Last)
}

// Is matches ErrCircuitOpen.
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

func (e *CircuitOpenError) Unwrap() error {
	return e.Last
}
