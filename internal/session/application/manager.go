package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"fleet-link/internal/fleetapi"
	"fleet-link/internal/observability/metrics"
	session "fleet-link/internal/session/domain"
)

// RemoteAuthenticator performs full authentication against the fleet API.
type RemoteAuthenticator interface {
	Authenticate(ctx context.Context, username, secret string) (fleetapi.Token, error)
}

// LocalVerifier checks a secret without any network call.
type LocalVerifier interface {
	Verify(ctx context.Context, username, secret string) error
}

// Enroller is implemented by verifiers that learn secrets from successful
// remote logins.
type Enroller interface {
	Remember(ctx context.Context, username, secret string) error
}

// Forgetter is implemented by verifiers that drop learned secrets on logout.
type Forgetter interface {
	Forget(username string)
}

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Config bounds the ladder's timing.
type Config struct {
	RemoteTimeout time.Duration `yaml:"remote_timeout"`
	LadderTimeout time.Duration `yaml:"ladder_timeout"`
	StoreTimeout  time.Duration `yaml:"store_timeout"`
	// SessionTTL applies to full sessions whose token carries no expiry.
	SessionTTL time.Duration `yaml:"session_ttl"`
	MinimalTTL time.Duration `yaml:"minimal_ttl"`
}

// DefaultConfig returns the recommended bounds.
func DefaultConfig() Config {
	return Config{
		RemoteTimeout: 12 * time.Second,
		LadderTimeout: 20 * time.Second,
		StoreTimeout:  3 * time.Second,
		SessionTTL:    12 * time.Hour,
		MinimalTTL:    time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RemoteTimeout <= 0 {
		c.RemoteTimeout = d.RemoteTimeout
	}
	if c.LadderTimeout <= 0 {
		c.LadderTimeout = d.LadderTimeout
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = d.StoreTimeout
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = d.SessionTTL
	}
	if c.MinimalTTL <= 0 {
		c.MinimalTTL = d.MinimalTTL
	}
	return c
}

type activeSession struct {
	record session.Record
	secret string
}

// Manager establishes sessions through the fallback ladder
// full -> degraded -> minimal -> offline and owns the active session.
type Manager struct {
	remote   RemoteAuthenticator
	store    session.Store
	verifier LocalVerifier
	clock    Clock
	cfg      Config
	logger   *log.Logger

	mu     sync.RWMutex
	active *activeSession
	level  session.AuthLevel
	// epoch increments whenever the active session is replaced so a slow
	// refresh cannot overwrite a newer login or a logout.
	epoch uint64

	refreshGroup singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithVerifier sets the local-only credential check.
func WithVerifier(v LocalVerifier) Option {
	return func(m *Manager) {
		m.verifier = v
	}
}

// WithClock overrides the clock.
func WithClock(clock Clock) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithConfig overrides timing bounds. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(m *Manager) {
		m.cfg = cfg.withDefaults()
	}
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager constructs a Manager in the offline level.
func NewManager(remote RemoteAuthenticator, store session.Store, opts ...Option) (*Manager, error) {
	if remote == nil {
		return nil, fmt.Errorf("%w: session manager: nil remote authenticator", fleetapi.ErrConfiguration)
	}
	if store == nil {
		return nil, errors.New("session manager: nil store")
	}
	m := &Manager{
		remote: remote,
		store:  store,
		clock:  systemClock{},
		cfg:    DefaultConfig(),
		logger: log.Default(),
		level:  session.LevelOffline,
	}
	for _, opt := range opts {
		opt(m)
	}
	metrics.SetAuthLevel(int(m.level))
	return m, nil
}

// Authenticate runs the ladder for a fresh login and replaces the active
// session with the outcome. On failure the level is offline and the error is
// a *LadderError holding every attempt.
func (m *Manager) Authenticate(ctx context.Context, username, secret string) (*AuthResult, error) {
	if username == "" {
		return nil, session.ErrEmptyUsername
	}
	record, attempts, err := m.runLadder(ctx, username, secret)

	m.mu.Lock()
	m.epoch++
	if err != nil {
		m.active = nil
		m.level = session.LevelOffline
	} else {
		m.active = &activeSession{record: record, secret: secret}
		m.level = record.Level
	}
	level := m.level
	m.mu.Unlock()

	metrics.SetAuthLevel(int(level))
	if err != nil {
		m.logger.Printf("session: authenticate failed user=%s level=%s err=%v", username, level, err)
		return &AuthResult{Level: level, Attempts: attempts}, err
	}
	m.rememberFull(ctx, record, secret)
	m.logger.Printf("session: authenticated user=%s level=%s from_cache=%t", username, level, record.FromCache)
	return &AuthResult{Session: record, Level: level, Attempts: attempts}, nil
}

// CurrentLevel returns the level of the active session.
func (m *Manager) CurrentLevel() session.AuthLevel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.level
}

// CurrentSession returns a copy of the active session, if any.
func (m *Manager) CurrentSession() (session.Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return session.Record{}, false
	}
	return m.active.record, true
}

// Refresh re-runs the ladder from full with the active credentials.
// Concurrent calls share one ladder run. A full session whose token is still
// valid is kept when the remote only failed transiently.
func (m *Manager) Refresh(ctx context.Context) (session.AuthLevel, error) {
	v, err, _ := m.refreshGroup.Do("refresh", func() (any, error) {
		return m.refresh(ctx)
	})
	level, _ := v.(session.AuthLevel)
	return level, err
}

func (m *Manager) refresh(ctx context.Context) (session.AuthLevel, error) {
	m.mu.RLock()
	active := m.active
	epoch := m.epoch
	current := m.level
	m.mu.RUnlock()
	if active == nil {
		return session.LevelOffline, session.ErrNoActiveSession
	}

	record, attempts, err := m.runLadder(ctx, active.record.Username, active.secret)
	committed, level, err := m.commitRefresh(active, epoch, current, record, attempts, err)
	if committed {
		m.rememberFull(ctx, record, active.secret)
	}
	return level, err
}

func (m *Manager) commitRefresh(active *activeSession, epoch uint64, current session.AuthLevel, record session.Record, attempts []Attempt, ladderErr error) (bool, session.AuthLevel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		m.logger.Printf("session: refresh result discarded, session changed user=%s", active.record.Username)
		return false, m.level, nil
	}
	next := session.LevelOffline
	if ladderErr == nil {
		next = record.Level
	}
	if next < current && keepCurrent(active.record, attempts, m.clock.Now()) {
		m.logger.Printf("session: refresh kept level=%s user=%s, remote failed transiently", current, active.record.Username)
		return false, current, nil
	}

	m.epoch++
	if ladderErr != nil {
		m.active = nil
		m.level = session.LevelOffline
		metrics.SetAuthLevel(int(m.level))
		m.logger.Printf("session: refresh failed user=%s err=%v", active.record.Username, ladderErr)
		return false, m.level, ladderErr
	}
	m.active = &activeSession{record: record, secret: active.secret}
	m.level = record.Level
	metrics.SetAuthLevel(int(m.level))
	if next != current {
		m.logger.Printf("session: refresh moved level %s -> %s user=%s", current, next, active.record.Username)
	}
	return true, m.level, nil
}

// keepCurrent reports whether a lower refresh outcome should be ignored: the
// current record is unexpired and its own level's rung failed only transiently.
func keepCurrent(current session.Record, attempts []Attempt, now time.Time) bool {
	if current.Expired(now) {
		return false
	}
	for _, attempt := range attempts {
		if attempt.Level == current.Level {
			return attempt.Err != nil && fleetapi.IsTransient(attempt.Err)
		}
	}
	return false
}

// EnsureSession returns a usable session for background work. Below full, or
// with an expired record, it first tries to refresh.
func (m *Manager) EnsureSession(ctx context.Context) (session.Record, error) {
	m.mu.RLock()
	active := m.active
	level := m.level
	m.mu.RUnlock()
	if active == nil {
		return session.Record{}, session.ErrNoActiveSession
	}
	if level < session.LevelFull || active.record.Expired(m.clock.Now()) {
		if _, err := m.Refresh(ctx); err != nil && !errors.Is(err, session.ErrNoActiveSession) {
			m.logger.Printf("session: background refresh failed user=%s err=%v", active.record.Username, err)
		}
	}
	record, ok := m.CurrentSession()
	if !ok {
		return session.Record{}, session.ErrNoActiveSession
	}
	return record, nil
}

// Logout destroys the active session and the persisted last-good record for
// its username. Calling it without an active session is a no-op.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	active := m.active
	m.active = nil
	m.level = session.LevelOffline
	m.epoch++
	m.mu.Unlock()
	metrics.SetAuthLevel(int(session.LevelOffline))

	if active == nil {
		return nil
	}
	if forgetter, ok := m.verifier.(Forgetter); ok {
		forgetter.Forget(active.record.Username)
	}
	_, err := callWithin(ctx, m.cfg.StoreTimeout, func(callCtx context.Context) (struct{}, error) {
		return struct{}{}, m.store.Delete(callCtx, active.record.Username)
	})
	if err != nil {
		return fmt.Errorf("session: delete cached session: %w", err)
	}
	m.logger.Printf("session: logged out user=%s", active.record.Username)
	return nil
}

func (m *Manager) runLadder(ctx context.Context, username, secret string) (session.Record, []Attempt, error) {
	ladderCtx, cancel := context.WithTimeout(ctx, m.cfg.LadderTimeout)
	defer cancel()

	rungs := []struct {
		level session.AuthLevel
		try   func(context.Context, string, string) (session.Record, error)
	}{
		{session.LevelFull, m.tryFull},
		{session.LevelDegraded, m.tryDegraded},
		{session.LevelMinimal, m.tryMinimal},
	}

	attempts := make([]Attempt, 0, len(rungs))
	for _, rung := range rungs {
		start := time.Now()
		record, err := rung.try(ladderCtx, username, secret)
		attempt := Attempt{Level: rung.level, Err: err, Duration: time.Since(start)}
		attempts = append(attempts, attempt)
		metrics.ObserveAuthAttempt(rung.level.String(), fleetapi.Reason(err), attempt.Duration)
		if err == nil {
			return record, attempts, nil
		}
		if errors.Is(err, fleetapi.ErrConfiguration) {
			return session.Record{}, attempts, &LadderError{Username: username, Attempts: attempts, Fatal: true}
		}
	}
	return session.Record{}, attempts, &LadderError{Username: username, Attempts: attempts}
}

func (m *Manager) tryFull(ctx context.Context, username, secret string) (session.Record, error) {
	token, err := callWithin(ctx, m.cfg.RemoteTimeout, func(callCtx context.Context) (fleetapi.Token, error) {
		return m.remote.Authenticate(callCtx, username, secret)
	})
	if err != nil {
		return session.Record{}, err
	}
	now := m.clock.Now()
	record := session.NewRecord(username, session.LevelFull, now)
	record.RemoteToken = token.Value
	record.ExpiresAt = token.ExpiresAt
	if record.ExpiresAt.IsZero() {
		record.ExpiresAt = now.Add(m.cfg.SessionTTL)
	}
	return record, nil
}

// rememberFull persists a committed full session as the last-good record and
// enrolls the secret with the local verifier. Failures only degrade future
// fallbacks, so they are logged.
func (m *Manager) rememberFull(ctx context.Context, record session.Record, secret string) {
	if record.Level != session.LevelFull {
		return
	}
	if _, err := callWithin(ctx, m.cfg.StoreTimeout, func(callCtx context.Context) (struct{}, error) {
		return struct{}{}, m.store.Put(callCtx, record)
	}); err != nil {
		m.logger.Printf("session: persist last-good session failed user=%s err=%v", record.Username, err)
	}
	if enroller, ok := m.verifier.(Enroller); ok {
		if err := enroller.Remember(ctx, record.Username, secret); err != nil {
			m.logger.Printf("session: remember local credential failed user=%s err=%v", record.Username, err)
		}
	}
}

func (m *Manager) tryDegraded(ctx context.Context, username, secret string) (session.Record, error) {
	cached, err := callWithin(ctx, m.cfg.StoreTimeout, func(callCtx context.Context) (*session.Record, error) {
		return m.store.Get(callCtx, username)
	})
	if err != nil {
		return session.Record{}, fmt.Errorf("session: load cached session: %w", err)
	}
	if cached == nil || cached.RemoteToken == "" {
		return session.Record{}, session.ErrNoCachedSession
	}
	now := m.clock.Now()
	token := fleetapi.NewToken(cached.RemoteToken, cached.ExpiresAt)
	if token.Expired(now) {
		return session.Record{}, session.ErrCachedExpired
	}
	if m.verifier != nil {
		if err := m.verifier.Verify(ctx, username, secret); err != nil {
			return session.Record{}, err
		}
	}
	record := session.NewRecord(username, session.LevelDegraded, now)
	record.RemoteToken = cached.RemoteToken
	record.FromCache = true
	record.ExpiresAt = token.ExpiresAt
	record.LastValidatedAt = cached.LastValidatedAt
	return record, nil
}

func (m *Manager) tryMinimal(ctx context.Context, username, secret string) (session.Record, error) {
	if m.verifier == nil {
		return session.Record{}, session.ErrNoVerifier
	}
	if err := m.verifier.Verify(ctx, username, secret); err != nil {
		return session.Record{}, err
	}
	now := m.clock.Now()
	record := session.NewRecord(username, session.LevelMinimal, now)
	record.ExpiresAt = now.Add(m.cfg.MinimalTTL)
	return record, nil
}

// callWithin runs fn with a timeout and returns as soon as the timeout fires,
// even if fn ignores its context. Timeouts surface as fleetapi.ErrTransient.
func callWithin[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer cancel()
		value, err := fn(callCtx)
		done <- outcome{value: value, err: err}
	}()
	select {
	case out := <-done:
		return out.value, out.err
	case <-callCtx.Done():
		var zero T
		return zero, fmt.Errorf("%w: %v", fleetapi.ErrTransient, callCtx.Err())
	}
}
