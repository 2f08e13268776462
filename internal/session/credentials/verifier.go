// Package credentials implements the local-only credential check used when the
// remote fleet API cannot be reached. It never makes a network call.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	session "fleet-link/internal/session/domain"
)

// Verifier checks secrets against bcrypt hashes held in memory. Hashes come
// from an operator-provisioned file and from successful remote logins; a
// learned hash takes precedence over a provisioned one for the same user.
type Verifier struct {
	mu          sync.RWMutex
	provisioned map[string]string
	learned     map[string]string
	cost        int
}

// NewVerifier constructs an empty verifier with the given bcrypt cost.
func NewVerifier(cost int) *Verifier {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	return &Verifier{
		provisioned: make(map[string]string),
		learned:     make(map[string]string),
		cost:        cost,
	}
}

type fileFormat struct {
	Users map[string]string `yaml:"users"`
}

// LoadFile adds username -> bcrypt hash pairs from a YAML file of the form
//
//	users:
//	  octopus: "$2a$12$..."
func (v *Verifier) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("credentials: read %s: %w", path, err)
	}
	var parsed fileFormat
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("credentials: parse %s: %w", path, err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for username, hash := range parsed.Users {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return fmt.Errorf("credentials: invalid hash for %q: %w", username, err)
		}
		v.provisioned[username] = hash
	}
	return nil
}

// Verify returns nil when secret matches the known hash for username.
func (v *Verifier) Verify(ctx context.Context, username, secret string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if username == "" {
		return session.ErrEmptyUsername
	}
	v.mu.RLock()
	hash, ok := v.learned[username]
	if !ok {
		hash, ok = v.provisioned[username]
	}
	v.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: unknown user", session.ErrInvalidSecret)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return fmt.Errorf("%w: secret mismatch", session.ErrInvalidSecret)
		}
		return fmt.Errorf("%w: %v", session.ErrInvalidSecret, err)
	}
	return nil
}

// Remember stores a hash of a secret the remote platform just accepted.
func (v *Verifier) Remember(ctx context.Context, username, secret string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if username == "" {
		return session.ErrEmptyUsername
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), v.cost)
	if err != nil {
		return fmt.Errorf("credentials: hash: %w", err)
	}
	v.mu.Lock()
	v.learned[username] = string(hash)
	v.mu.Unlock()
	return nil
}

// Forget drops the hash learned for username. Provisioned hashes stay.
func (v *Verifier) Forget(username string) {
	v.mu.Lock()
	delete(v.learned, username)
	v.mu.Unlock()
}
