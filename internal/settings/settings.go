// Package settings loads runtime tunables from an optional YAML file with
// environment fallbacks.
package settings

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	polling "fleet-link/internal/polling/domain"
	positions "fleet-link/internal/positions/domain"
	sessionapp "fleet-link/internal/session/application"
	status "fleet-link/internal/status/domain"
)

// Settings groups the tunables of every component.
type Settings struct {
	Status    StatusSettings    `yaml:"status"`
	Positions PositionSettings  `yaml:"positions"`
	Polling   PollingSettings   `yaml:"polling"`
	Session   sessionapp.Config `yaml:"session"`
}

// StatusSettings tunes the status coordinator.
type StatusSettings struct {
	PriorityWindow   time.Duration `yaml:"priority_window"`
	SubscriberBuffer int           `yaml:"subscriber_buffer"`
}

// PositionSettings tunes the position cache.
type PositionSettings struct {
	Staleness     positions.Thresholds `yaml:"staleness"`
	Retention     time.Duration        `yaml:"retention"`
	SweepInterval time.Duration        `yaml:"sweep_interval"`
}

// PollingSettings tunes the polling engine.
type PollingSettings struct {
	polling.Config `yaml:",inline"`
	AutoStart      bool          `yaml:"auto_start"`
	Entities       []string      `yaml:"entities"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
}

// Defaults returns built-in values before env and file overlays.
func Defaults() Settings {
	return Settings{
		Status: StatusSettings{
			PriorityWindow:   status.DefaultPriorityWindow,
			SubscriberBuffer: 16,
		},
		Positions: PositionSettings{
			Staleness:     positions.DefaultThresholds(),
			Retention:     24 * time.Hour,
			SweepInterval: 10 * time.Minute,
		},
		Polling: PollingSettings{
			Config:       polling.DefaultConfig(),
			FetchTimeout: 12 * time.Second,
		},
		Session: sessionapp.DefaultConfig(),
	}
}

// Load builds settings from defaults, env vars, then the file named by
// FLEETLINK_CONFIG.
func Load() (Settings, error) {
	cfg := Defaults()
	applyEnv(&cfg)

	if path := os.Getenv("FLEETLINK_CONFIG"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (s *Settings) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("settings: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return fmt.Errorf("settings: parse %s: %w", path, err)
	}
	return nil
}

// Validate checks cross-field constraints.
func (s Settings) Validate() error {
	if s.Status.PriorityWindow <= 0 {
		return errors.New("settings: status.priority_window must be positive")
	}
	if err := s.Positions.Staleness.Validate(); err != nil {
		return err
	}
	if err := s.Polling.Config.Validate(); err != nil {
		return err
	}
	if s.Session.LadderTimeout > 0 && s.Session.RemoteTimeout > s.Session.LadderTimeout {
		return errors.New("settings: session.remote_timeout exceeds session.ladder_timeout")
	}
	return nil
}

func applyEnv(cfg *Settings) {
	cfg.Status.PriorityWindow = getenvDuration("STATUS_PRIORITY_WINDOW", cfg.Status.PriorityWindow)
	cfg.Positions.Staleness.FreshFor = getenvDuration("POSITION_FRESH_FOR", cfg.Positions.Staleness.FreshFor)
	cfg.Positions.Staleness.IdleFor = getenvDuration("POSITION_IDLE_FOR", cfg.Positions.Staleness.IdleFor)
	cfg.Positions.Retention = getenvDuration("POSITION_RETENTION", cfg.Positions.Retention)
	cfg.Polling.IntervalSeconds = getenvIntDefault("POLL_INTERVAL_SECONDS", cfg.Polling.IntervalSeconds)
	cfg.Polling.MaxRetries = getenvIntDefault("POLL_MAX_RETRIES", cfg.Polling.MaxRetries)
	cfg.Polling.InitialDelay = getenvDuration("POLL_INITIAL_DELAY", cfg.Polling.InitialDelay)
	cfg.Polling.AutoStart = getenvBool("POLL_AUTOSTART", cfg.Polling.AutoStart)
	if entities := splitCSV(os.Getenv("POLL_ENTITIES")); len(entities) > 0 {
		cfg.Polling.Entities = entities
	}
	cfg.Session.RemoteTimeout = getenvDuration("SESSION_REMOTE_TIMEOUT", cfg.Session.RemoteTimeout)
	cfg.Session.LadderTimeout = getenvDuration("SESSION_LADDER_TIMEOUT", cfg.Session.LadderTimeout)
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
