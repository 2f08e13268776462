package application

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-link/internal/fleetapi"
	"fleet-link/internal/session/credentials"
	session "fleet-link/internal/session/domain"
	"fleet-link/internal/session/infrastructure/memory"
)

var base = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

type fakeRemote struct {
	mu    sync.Mutex
	fn    func(ctx context.Context, username, secret string) (fleetapi.Token, error)
	calls int
}

func (f *fakeRemote) Authenticate(ctx context.Context, username, secret string) (fleetapi.Token, error) {
	f.mu.Lock()
	f.calls++
	fn := f.fn
	f.mu.Unlock()
	return fn(ctx, username, secret)
}

func (f *fakeRemote) set(fn func(ctx context.Context, username, secret string) (fleetapi.Token, error)) {
	f.mu.Lock()
	f.fn = fn
	f.mu.Unlock()
}

func remoteOK(expiresAt time.Time) func(context.Context, string, string) (fleetapi.Token, error) {
	return func(context.Context, string, string) (fleetapi.Token, error) {
		return fleetapi.Token{Value: "remote-token", ExpiresAt: expiresAt}, nil
	}
}

func remoteErr(err error) func(context.Context, string, string) (fleetapi.Token, error) {
	return func(context.Context, string, string) (fleetapi.Token, error) {
		return fleetapi.Token{}, err
	}
}

type harness struct {
	manager  *Manager
	remote   *fakeRemote
	store    *memory.Store
	verifier *credentials.Verifier
	clock    *fakeClock
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		remote:   &fakeRemote{fn: remoteOK(base.Add(time.Hour))},
		store:    memory.NewStore(),
		verifier: credentials.NewVerifier(4),
		clock:    &fakeClock{now: base},
	}
	manager, err := NewManager(h.remote, h.store,
		WithVerifier(h.verifier),
		WithClock(h.clock),
		WithConfig(cfg),
		WithLogger(log.New(io.Discard, "", 0)),
	)
	require.NoError(t, err)
	h.manager = manager
	return h
}

func (h *harness) seedCache(t *testing.T, username string, expiresAt time.Time) {
	t.Helper()
	record := session.NewRecord(username, session.LevelFull, base.Add(-time.Hour))
	record.RemoteToken = "cached-token"
	record.ExpiresAt = expiresAt
	require.NoError(t, h.store.Put(context.Background(), record))
}

func TestNewManagerValidatesDependencies(t *testing.T) {
	_, err := NewManager(nil, memory.NewStore())
	assert.ErrorIs(t, err, fleetapi.ErrConfiguration)
	_, err = NewManager(&fakeRemote{}, nil)
	assert.Error(t, err)
}

func TestAuthenticateFull(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	result, err := h.manager.Authenticate(ctx, "octopus", "ink")
	require.NoError(t, err)
	assert.Equal(t, session.LevelFull, result.Level)
	assert.Equal(t, "remote-token", result.Session.RemoteToken)
	assert.False(t, result.Session.FromCache)
	require.Len(t, result.Attempts, 1)
	assert.Equal(t, session.LevelFull, h.manager.CurrentLevel())

	stored, err := h.store.Get(ctx, "octopus")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "remote-token", stored.RemoteToken)

	assert.NoError(t, h.verifier.Verify(ctx, "octopus", "ink"), "remote success enrolls the local credential")
}

func TestAuthenticateFullWithoutExpiryUsesSessionTTL(t *testing.T) {
	h := newHarness(t, Config{SessionTTL: 2 * time.Hour})
	h.remote.set(remoteOK(time.Time{}))
	result, err := h.manager.Authenticate(context.Background(), "octopus", "ink")
	require.NoError(t, err)
	assert.Equal(t, base.Add(2*time.Hour), result.Session.ExpiresAt)
}

func TestAuthenticateDegradedNeverFullWhileRemoteFails(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.verifier.Remember(ctx, "octopus", "ink"))
	h.seedCache(t, "octopus", base.Add(24*time.Hour))
	h.remote.set(remoteErr(fleetapi.ErrTransient))

	for i := 0; i < 5; i++ {
		result, err := h.manager.Authenticate(ctx, "octopus", "ink")
		require.NoError(t, err)
		assert.Equal(t, session.LevelDegraded, result.Level)
		assert.True(t, result.Session.FromCache)
		assert.Equal(t, "cached-token", result.Session.RemoteToken)
		require.Len(t, result.Attempts, 2)
		assert.ErrorIs(t, result.Attempts[0].Err, fleetapi.ErrTransient)
		h.clock.Advance(time.Minute)
	}
}

func TestAuthenticateDegradedRequiresMatchingSecret(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.verifier.Remember(ctx, "octopus", "ink"))
	h.seedCache(t, "octopus", base.Add(time.Hour))
	h.remote.set(remoteErr(fleetapi.ErrTransient))

	result, err := h.manager.Authenticate(ctx, "octopus", "wrong")
	require.Error(t, err)
	assert.Equal(t, session.LevelOffline, result.Level)
	assert.ErrorIs(t, err, session.ErrInvalidSecret)
}

func TestAuthenticateSkipsExpiredCache(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.verifier.Remember(ctx, "octopus", "ink"))
	h.seedCache(t, "octopus", base.Add(-time.Minute))
	h.remote.set(remoteErr(fleetapi.ErrTransient))

	result, err := h.manager.Authenticate(ctx, "octopus", "ink")
	require.NoError(t, err)
	assert.Equal(t, session.LevelMinimal, result.Level)
	require.Len(t, result.Attempts, 3)
	assert.ErrorIs(t, result.Attempts[1].Err, session.ErrCachedExpired)
	assert.Empty(t, result.Session.RemoteToken)
	assert.Equal(t, base.Add(DefaultConfig().MinimalTTL), result.Session.ExpiresAt)
}

func TestAuthenticateOfflineCarriesEveryAttempt(t *testing.T) {
	h := newHarness(t, Config{})
	h.remote.set(remoteErr(fleetapi.ErrTransient))

	result, err := h.manager.Authenticate(context.Background(), "octopus", "ink")
	require.Error(t, err)
	assert.Equal(t, session.LevelOffline, result.Level)
	assert.Equal(t, session.LevelOffline, h.manager.CurrentLevel())

	var ladderErr *LadderError
	require.True(t, errors.As(err, &ladderErr))
	assert.False(t, ladderErr.Fatal)
	require.Len(t, ladderErr.Attempts, 3)
	assert.ErrorIs(t, err, fleetapi.ErrTransient)
	assert.ErrorIs(t, err, session.ErrNoCachedSession)
	assert.ErrorIs(t, err, session.ErrInvalidSecret)
	assert.Contains(t, err.Error(), "octopus")
}

func TestAuthenticateConfigurationErrorAbortsLadder(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.verifier.Remember(ctx, "octopus", "ink"))
	h.seedCache(t, "octopus", base.Add(time.Hour))
	h.remote.set(remoteErr(fleetapi.ErrConfiguration))

	_, err := h.manager.Authenticate(ctx, "octopus", "ink")
	var ladderErr *LadderError
	require.True(t, errors.As(err, &ladderErr))
	assert.True(t, ladderErr.Fatal)
	assert.Len(t, ladderErr.Attempts, 1)
	assert.ErrorIs(t, err, fleetapi.ErrConfiguration)
}

func TestAuthenticateRejectsEmptyUsername(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.manager.Authenticate(context.Background(), "", "ink")
	assert.ErrorIs(t, err, session.ErrEmptyUsername)
}

func TestAuthenticateHungRemoteDoesNotBlockLadder(t *testing.T) {
	h := newHarness(t, Config{RemoteTimeout: 50 * time.Millisecond, LadderTimeout: time.Second})
	ctx := context.Background()
	require.NoError(t, h.verifier.Remember(ctx, "octopus", "ink"))
	hang := make(chan struct{})
	defer close(hang)
	h.remote.set(func(context.Context, string, string) (fleetapi.Token, error) {
		<-hang
		return fleetapi.Token{}, nil
	})

	start := time.Now()
	result, err := h.manager.Authenticate(ctx, "octopus", "ink")
	require.NoError(t, err)
	assert.Equal(t, session.LevelMinimal, result.Level)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
	assert.ErrorIs(t, result.Attempts[0].Err, fleetapi.ErrTransient)
}

func TestRefreshKeepsFullOnTransientFailure(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	_, err := h.manager.Authenticate(ctx, "octopus", "ink")
	require.NoError(t, err)

	h.remote.set(remoteErr(fleetapi.ErrTransient))
	level, err := h.manager.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.LevelFull, level)
	assert.Equal(t, session.LevelFull, h.manager.CurrentLevel())
}

func TestRefreshDowngradesWhenRemoteRejects(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	_, err := h.manager.Authenticate(ctx, "octopus", "ink")
	require.NoError(t, err)

	h.remote.set(remoteErr(fleetapi.ErrAuthentication))
	level, err := h.manager.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.LevelDegraded, level)
}

func TestRefreshDowngradesExpiredFull(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	_, err := h.manager.Authenticate(ctx, "octopus", "ink")
	require.NoError(t, err)

	h.clock.Advance(2 * time.Hour)
	h.remote.set(remoteErr(fleetapi.ErrTransient))
	level, err := h.manager.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.LevelMinimal, level)
}

func TestRefreshUpgradesWhenRemoteRecovers(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.verifier.Remember(ctx, "octopus", "ink"))
	h.remote.set(remoteErr(fleetapi.ErrTransient))
	result, err := h.manager.Authenticate(ctx, "octopus", "ink")
	require.NoError(t, err)
	require.Equal(t, session.LevelMinimal, result.Level)

	h.remote.set(remoteOK(base.Add(time.Hour)))
	level, err := h.manager.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.LevelFull, level)

	record, err := h.manager.EnsureSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "remote-token", record.RemoteToken)
}

func TestRefreshWithoutSession(t *testing.T) {
	h := newHarness(t, Config{})
	level, err := h.manager.Refresh(context.Background())
	assert.ErrorIs(t, err, session.ErrNoActiveSession)
	assert.Equal(t, session.LevelOffline, level)

	_, err = h.manager.EnsureSession(context.Background())
	assert.ErrorIs(t, err, session.ErrNoActiveSession)
}

func TestRefreshResultDiscardedAfterLogout(t *testing.T) {
	h := newHarness(t, Config{RemoteTimeout: 5 * time.Second, LadderTimeout: 5 * time.Second})
	ctx := context.Background()
	_, err := h.manager.Authenticate(ctx, "octopus", "ink")
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	h.remote.set(func(context.Context, string, string) (fleetapi.Token, error) {
		close(entered)
		<-release
		return fleetapi.Token{Value: "late-token", ExpiresAt: base.Add(time.Hour)}, nil
	})

	done := make(chan session.AuthLevel, 1)
	go func() {
		level, _ := h.manager.Refresh(ctx)
		done <- level
	}()
	<-entered
	require.NoError(t, h.manager.Logout(ctx))
	close(release)

	assert.Equal(t, session.LevelOffline, <-done)
	assert.Equal(t, session.LevelOffline, h.manager.CurrentLevel())
	_, ok := h.manager.CurrentSession()
	assert.False(t, ok)
	stored, err := h.store.Get(ctx, "octopus")
	require.NoError(t, err)
	assert.Nil(t, stored, "a discarded refresh must not resurrect the cached session")
}

func TestConcurrentRefreshSharesOneLadder(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	_, err := h.manager.Authenticate(ctx, "octopus", "ink")
	require.NoError(t, err)

	gate := make(chan struct{})
	h.remote.set(func(context.Context, string, string) (fleetapi.Token, error) {
		<-gate
		return fleetapi.Token{Value: "fresh", ExpiresAt: base.Add(time.Hour)}, nil
	})
	h.remote.mu.Lock()
	h.remote.calls = 0
	h.remote.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			level, err := h.manager.Refresh(ctx)
			assert.NoError(t, err)
			assert.Equal(t, session.LevelFull, level)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	h.remote.mu.Lock()
	defer h.remote.mu.Unlock()
	assert.Equal(t, 1, h.remote.calls)
}

func TestLogoutIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	_, err := h.manager.Authenticate(ctx, "octopus", "ink")
	require.NoError(t, err)

	require.NoError(t, h.manager.Logout(ctx))
	require.NoError(t, h.manager.Logout(ctx))
	assert.Equal(t, session.LevelOffline, h.manager.CurrentLevel())
	stored, err := h.store.Get(ctx, "octopus")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestLogoutForgetsLearnedCredential(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	_, err := h.manager.Authenticate(ctx, "octopus", "s3cret")
	require.NoError(t, err)
	require.NoError(t, h.manager.Logout(ctx))

	h.remote.set(remoteErr(fleetapi.ErrTransient))
	result, err := h.manager.Authenticate(ctx, "octopus", "s3cret")
	require.Error(t, err)
	assert.Equal(t, session.LevelOffline, result.Level)
	assert.ErrorIs(t, h.verifier.Verify(ctx, "octopus", "s3cret"), session.ErrInvalidSecret)
}

func TestEnsureSessionRefreshesBelowFull(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.verifier.Remember(ctx, "octopus", "ink"))
	h.seedCache(t, "octopus", base.Add(time.Hour))
	h.remote.set(remoteErr(fleetapi.ErrTransient))
	_, err := h.manager.Authenticate(ctx, "octopus", "ink")
	require.NoError(t, err)
	require.Equal(t, session.LevelDegraded, h.manager.CurrentLevel())

	h.remote.set(remoteOK(base.Add(time.Hour)))
	record, err := h.manager.EnsureSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.LevelFull, record.Level)
}

func TestAttemptMarshalJSON(t *testing.T) {
	data, err := Attempt{Level: session.LevelDegraded, Err: session.ErrCachedExpired, Duration: 1500 * time.Millisecond}.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"level":"degraded","error":"session: cached token expired","duration_ms":1500}`, string(data))
}
