package application

import (
	"log"
	"sync"
	"time"

	"fleet-link/internal/observability/metrics"
	status "fleet-link/internal/status/domain"
)

const (
	defaultSaveFailure    = "credential save failed"
	defaultMonitorFailure = "remote fleet API unreachable"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Coordinator owns the connection status and arbitrates between the save
// reporter and the monitor reporter.
type Coordinator struct {
	clock  Clock
	window time.Duration
	buffer int
	logger *log.Logger

	mu          sync.Mutex
	state       status.State
	subscribers map[uint64]*Subscription
	nextID      uint64
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the clock.
func WithClock(clock Clock) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithPriorityWindow overrides the save priority window.
func WithPriorityWindow(window time.Duration) Option {
	return func(c *Coordinator) {
		if window > 0 {
			c.window = window
		}
	}
}

// WithSubscriberBuffer sets the per-subscriber queue length.
func WithSubscriberBuffer(size int) Option {
	return func(c *Coordinator) {
		if size > 0 {
			c.buffer = size
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCoordinator constructs a coordinator in the initial disconnected, idle state.
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		clock:       systemClock{},
		window:      status.DefaultPriorityWindow,
		buffer:      16,
		logger:      log.Default(),
		state:       status.Initial(),
		subscribers: make(map[uint64]*Subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PriorityWindow returns the configured window.
func (c *Coordinator) PriorityWindow() time.Duration {
	return c.window
}

// StartSaveOperation marks a save in progress. Monitor reports are ignored
// until the matching ReportSaveResult.
func (c *Coordinator) StartSaveOperation() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.CurrentOperation = status.OperationSaving
	c.state.ClearError()
	c.publishLocked()
}

// ReportSaveResult ends a save.
func (c *Coordinator) ReportSaveResult(success bool, username, errorMessage string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	c.state.CurrentOperation = status.OperationIdle
	if success {
		c.state.IsConnected = true
		c.state.LastSuccessfulSave = &now
		c.state.ClearError()
		c.state.Username = username
		c.logger.Printf("status: save succeeded user=%s", username)
	} else {
		if errorMessage == "" {
			errorMessage = defaultSaveFailure
		}
		c.state.IsConnected = false
		c.state.ErrorSource = status.SourceSave
		c.state.ErrorMessage = errorMessage
		c.logger.Printf("status: save failed user=%s err=%s", username, errorMessage)
	}
	metrics.IncStatusReport(string(status.SourceSave), metrics.StatusApplied)
	c.publishLocked()
}

// BeginMonitorCheck marks a background check in flight. It never interrupts
// a save.
func (c *Coordinator) BeginMonitorCheck() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.CurrentOperation != status.OperationIdle {
		return
	}
	c.state.CurrentOperation = status.OperationMonitoring
	c.publishLocked()
}

// ReportMonitorResult applies a background health result unless a save is in
// progress or a recent save success outranks a disconnect.
func (c *Coordinator) ReportMonitorResult(connected bool, errorMessage string) status.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.CurrentOperation == status.OperationSaving {
		metrics.IncStatusReport(string(status.SourceMonitor), metrics.StatusIgnored)
		return status.OutcomeIgnored
	}
	now := c.clock.Now()
	if !connected && c.state.WithinPriorityWindow(now, c.window) {
		c.logger.Printf("status: monitor disconnect suppressed within priority window err=%s", errorMessage)
		metrics.IncStatusReport(string(status.SourceMonitor), metrics.StatusSuppressed)
		if c.state.CurrentOperation == status.OperationMonitoring {
			c.state.CurrentOperation = status.OperationIdle
			c.publishLocked()
		}
		return status.OutcomeSuppressed
	}

	c.state.IsConnected = connected
	c.state.CurrentOperation = status.OperationIdle
	c.state.LastMonitorCheck = &now
	if connected {
		c.state.ClearError()
	} else {
		if errorMessage == "" {
			errorMessage = defaultMonitorFailure
		}
		c.state.ErrorSource = status.SourceMonitor
		c.state.ErrorMessage = errorMessage
	}
	metrics.IncStatusReport(string(status.SourceMonitor), metrics.StatusApplied)
	c.publishLocked()
	return status.OutcomeApplied
}

// ShouldShowError is the single gate for rendering a connectivity error.
func (c *Coordinator) ShouldShowError() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.CurrentOperation == status.OperationSaving {
		return false
	}
	if c.state.ErrorSource == status.SourceMonitor && c.state.WithinPriorityWindow(c.clock.Now(), c.window) {
		return false
	}
	return c.state.ErrorMessage != ""
}

// CurrentStatus returns a snapshot.
func (c *Coordinator) CurrentStatus() status.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}
