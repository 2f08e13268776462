package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"fleet-link/internal/fleetapi"
	"fleet-link/internal/observability/metrics"
	polling "fleet-link/internal/polling/domain"
	positions "fleet-link/internal/positions/domain"
	session "fleet-link/internal/session/domain"
	status "fleet-link/internal/status/domain"
)

const (
	defaultFetchTimeout = 12 * time.Second
	defaultHistorySize  = 50
)

// SessionSource hands out a usable session for background work.
type SessionSource interface {
	EnsureSession(ctx context.Context) (session.Record, error)
	Refresh(ctx context.Context) (session.AuthLevel, error)
}

// PositionFetcher loads the latest positions from the remote fleet API.
type PositionFetcher interface {
	FetchPositions(ctx context.Context, token string, entityIDs []string) ([]positions.Position, error)
}

// PositionSink stores a fetched batch.
type PositionSink interface {
	BatchPut(records []positions.Position) (int, []error)
}

// MonitorReporter receives background health results.
type MonitorReporter interface {
	BeginMonitorCheck()
	ReportMonitorResult(connected bool, errorMessage string) status.Outcome
}

// EntityLister returns the entities to poll. An empty list means every
// entity visible to the session.
type EntityLister interface {
	EntityIDs(ctx context.Context) ([]string, error)
}

// StaticEntities is a fixed entity list.
type StaticEntities []string

// EntityIDs implements EntityLister.
func (s StaticEntities) EntityIDs(context.Context) ([]string, error) {
	return append([]string(nil), s...), nil
}

// Engine drives periodic position sync. At most one run is in flight; a
// manual trigger during a scheduled run waits for it to finish.
type Engine struct {
	sessions     SessionSource
	fetcher      PositionFetcher
	sink         PositionSink
	reporter     MonitorReporter
	entities     EntityLister
	scheduler    Scheduler
	clock        Clock
	fetchTimeout time.Duration
	historySize  int
	logger       *log.Logger

	runMu sync.Mutex

	mu                sync.Mutex
	running           bool
	inFlight          bool
	cfg               polling.Config
	generation        uint64
	ticker            Ticker
	stopLoop          chan struct{}
	consecutiveErrors int
	circuitOpen       bool
	totalRuns         int
	lastRunAt         *time.Time
	lastErr           error
	history           []polling.RunResult
}

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Option configures an Engine.
type Option func(*Engine)

// WithScheduler overrides the timer source.
func WithScheduler(s Scheduler) Option {
	return func(e *Engine) {
		if s != nil {
			e.scheduler = s
		}
	}
}

// WithClock overrides the clock.
func WithClock(clock Clock) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithEntities sets the entity source.
func WithEntities(lister EntityLister) Option {
	return func(e *Engine) {
		if lister != nil {
			e.entities = lister
		}
	}
}

// WithFetchTimeout bounds one remote fetch.
func WithFetchTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.fetchTimeout = d
		}
	}
}

// WithHistorySize sets how many run results are kept.
func WithHistorySize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.historySize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine constructs a stopped engine.
func NewEngine(sessions SessionSource, fetcher PositionFetcher, sink PositionSink, reporter MonitorReporter, opts ...Option) (*Engine, error) {
	if sessions == nil {
		return nil, errors.New("polling engine: nil session source")
	}
	if fetcher == nil {
		return nil, errors.New("polling engine: nil fetcher")
	}
	if sink == nil {
		return nil, errors.New("polling engine: nil sink")
	}
	if reporter == nil {
		return nil, errors.New("polling engine: nil reporter")
	}
	e := &Engine{
		sessions:     sessions,
		fetcher:      fetcher,
		sink:         sink,
		reporter:     reporter,
		entities:     StaticEntities(nil),
		scheduler:    SystemScheduler{},
		clock:        systemClock{},
		fetchTimeout: defaultFetchTimeout,
		historySize:  defaultHistorySize,
		logger:       log.Default(),
		cfg:          polling.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Start begins the recurring schedule. It is a no-op while already running.
// Runs stop when ctx is done or Stop is called.
func (e *Engine) Start(ctx context.Context, cfg polling.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = polling.DefaultInitialDelay
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}
	e.running = true
	e.cfg = cfg
	e.consecutiveErrors = 0
	e.circuitOpen = false
	e.generation++
	e.ticker = e.scheduler.Every(cfg.InitialDelay, cfg.Interval())
	e.stopLoop = make(chan struct{})
	metrics.SetPollConsecutiveErrors(0)

	go e.loop(ctx, e.generation, e.ticker, e.stopLoop)
	e.logger.Printf("polling: started interval=%ds max_retries=%d", cfg.IntervalSeconds, cfg.MaxRetries)
	return nil
}

// Stop cancels the schedule. No scheduled run begins after Stop returns; a run
// already in flight (State().RunInFlight) completes and reports. Stop keeps
// the error count.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopLocked() {
		e.logger.Printf("polling: stopped")
	}
}

func (e *Engine) stopLocked() bool {
	if !e.running {
		return false
	}
	e.running = false
	e.generation++
	e.ticker.Stop()
	close(e.stopLoop)
	e.ticker = nil
	e.stopLoop = nil
	return true
}

// TriggerManualRun executes one run now regardless of the schedule. It never
// starts or re-phases the recurring timer.
func (e *Engine) TriggerManualRun(ctx context.Context) (polling.RunResult, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	e.mu.Lock()
	e.inFlight = true
	e.mu.Unlock()
	defer e.endRun()
	return e.run(ctx, polling.TriggerManual)
}

// State returns a snapshot.
func (e *Engine) State() polling.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	state := polling.State{
		IsRunning:         e.running,
		IntervalSeconds:   e.cfg.IntervalSeconds,
		MaxRetries:        e.cfg.MaxRetries,
		ConsecutiveErrors: e.consecutiveErrors,
		CircuitOpen:       e.circuitOpen,
		TotalRuns:         e.totalRuns,
		RunInFlight:       e.inFlight,
	}
	if e.lastRunAt != nil {
		t := *e.lastRunAt
		state.LastRunAt = &t
	}
	if e.lastErr != nil {
		state.LastError = e.lastErr.Error()
	}
	return state
}

// History returns recent run results, oldest first.
func (e *Engine) History() []polling.RunResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]polling.RunResult(nil), e.history...)
}

func (e *Engine) loop(ctx context.Context, generation uint64, ticker Ticker, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			e.mu.Lock()
			if e.generation == generation {
				e.stopLocked()
			}
			e.mu.Unlock()
			return
		case <-ticker.C():
			e.scheduledRun(ctx, generation)
		}
	}
}

func (e *Engine) scheduledRun(ctx context.Context, generation uint64) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	// The run is committed under the same lock Stop takes, so a Stop that
	// returns first always wins.
	e.mu.Lock()
	current := e.running && e.generation == generation
	if current {
		e.inFlight = true
	}
	e.mu.Unlock()
	if !current {
		return
	}
	defer e.endRun()
	if _, err := e.run(ctx, polling.TriggerSchedule); err != nil && !errors.Is(err, polling.ErrOffline) {
		e.logger.Printf("polling: scheduled run failed err=%v", err)
	}
}

func (e *Engine) endRun() {
	e.mu.Lock()
	e.inFlight = false
	e.mu.Unlock()
}

// run executes one sync. Callers hold runMu and have set inFlight.
func (e *Engine) run(ctx context.Context, trigger polling.Trigger) (polling.RunResult, error) {
	started := e.clock.Now()
	wallStart := time.Now()
	result := polling.RunResult{Trigger: trigger, StartedAt: started}

	record, err := e.sessions.EnsureSession(ctx)
	if err == nil && record.Level == session.LevelOffline {
		err = session.ErrNoActiveSession
	}
	if err != nil {
		result.Offline = true
		result.Duration = time.Since(wallStart)
		e.finishOffline(result)
		metrics.ObservePollRun(metrics.PollResultOffline, result.Duration)
		return result, fmt.Errorf("%w: %v", polling.ErrOffline, err)
	}

	e.reporter.BeginMonitorCheck()
	batch, err := e.fetch(ctx, record)
	if err == nil {
		result.Fetched = len(batch)
		applied, errs := e.sink.BatchPut(batch)
		result.Applied = applied
		result.Invalid = len(errs)
		metrics.AddPositionUpdates("poll", metrics.PositionApplied, applied)
		metrics.AddPositionUpdates("poll", metrics.PositionSkipped, len(batch)-applied-len(errs))
		metrics.AddPositionUpdates("poll", metrics.PositionInvalid, len(errs))
	}
	result.Duration = time.Since(wallStart)
	return e.finish(result, err)
}

func (e *Engine) fetch(ctx context.Context, record session.Record) ([]positions.Position, error) {
	ids, err := e.entities.EntityIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("polling: list entities: %w", err)
	}
	batch, err := e.fetchOnce(ctx, record.RemoteToken, ids)
	if !errors.Is(err, fleetapi.ErrTokenExpired) {
		return batch, err
	}
	if _, rerr := e.sessions.Refresh(ctx); rerr != nil {
		return nil, err
	}
	refreshed, rerr := e.sessions.EnsureSession(ctx)
	if rerr != nil || refreshed.RemoteToken == "" {
		return nil, err
	}
	return e.fetchOnce(ctx, refreshed.RemoteToken, ids)
}

func (e *Engine) fetchOnce(ctx context.Context, token string, ids []string) ([]positions.Position, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	defer cancel()
	batch, err := e.fetcher.FetchPositions(callCtx, token, ids)
	if err != nil && callCtx.Err() != nil && !errors.Is(err, fleetapi.ErrTransient) {
		err = fmt.Errorf("%w: %v", fleetapi.ErrTransient, err)
	}
	return batch, err
}

func (e *Engine) finishOffline(result polling.RunResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recordLocked(result)
}

func (e *Engine) finish(result polling.RunResult, runErr error) (polling.RunResult, error) {
	e.mu.Lock()
	e.totalRuns++
	now := result.StartedAt
	e.lastRunAt = &now

	if runErr == nil {
		e.consecutiveErrors = 0
		e.lastErr = nil
		e.recordLocked(result)
		e.mu.Unlock()
		metrics.SetPollConsecutiveErrors(0)
		metrics.ObservePollRun(metrics.ResultSuccess, result.Duration)
		e.reporter.ReportMonitorResult(true, "")
		return result, nil
	}

	e.consecutiveErrors++
	e.lastErr = runErr
	count := e.consecutiveErrors
	maxRetries := e.cfg.MaxRetries
	var tripped bool
	if e.running && count >= maxRetries {
		e.stopLocked()
		e.circuitOpen = true
		tripped = true
		runErr = &polling.CircuitOpenError{ConsecutiveErrors: count, MaxRetries: maxRetries, Last: runErr}
		e.lastErr = runErr
	}
	result.Error = runErr.Error()
	e.recordLocked(result)
	e.mu.Unlock()

	metrics.SetPollConsecutiveErrors(count)
	if tripped {
		metrics.IncPollCircuitOpen()
		metrics.ObservePollRun(metrics.PollResultCircuitOpen, result.Duration)
		e.logger.Printf("polling: circuit open after %d consecutive failures err=%v", count, runErr)
	} else {
		metrics.ObservePollRun(metrics.ResultError, result.Duration)
	}
	e.reporter.ReportMonitorResult(false, runErr.Error())
	return result, runErr
}

func (e *Engine) recordLocked(result polling.RunResult) {
	e.history = append(e.history, result)
	if over := len(e.history) - e.historySize; over > 0 {
		e.history = append([]polling.RunResult(nil), e.history[over:]...)
	}
}
