package status

import "time"

// Operation is what the connection is currently busy with.
type Operation string

const (
	OperationIdle       Operation = "idle"
	OperationSaving     Operation = "saving"
	OperationMonitoring Operation = "monitoring"
)

// ErrorSource names the reporter that set the current error.
type ErrorSource string

const (
	SourceNone    ErrorSource = ""
	SourceSave    ErrorSource = "save"
	SourceMonitor ErrorSource = "monitor"
)

// Outcome describes what a monitor report did to the state.
type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeIgnored    Outcome = "ignored"
)

// DefaultPriorityWindow is how long a successful save outranks monitor
// disconnect reports.
const DefaultPriorityWindow = 10 * time.Second

// State is the connection picture shown to users.
type State struct {
	IsConnected        bool        `json:"is_connected"`
	CurrentOperation   Operation   `json:"current_operation"`
	LastSuccessfulSave *time.Time  `json:"last_successful_save,omitempty"`
	LastMonitorCheck   *time.Time  `json:"last_monitor_check,omitempty"`
	ErrorMessage       string      `json:"error_message,omitempty"`
	ErrorSource        ErrorSource `json:"error_source,omitempty"`
	Username           string      `json:"username,omitempty"`
	// Version increases by one with every applied change.
	Version uint64 `json:"version"`
}

// Initial is the state before any report arrives.
func Initial() State {
	return State{CurrentOperation: OperationIdle}
}

// Clone returns a copy that shares no pointers with s.
func (s State) Clone() State {
	if s.LastSuccessfulSave != nil {
		t := *s.LastSuccessfulSave
		s.LastSuccessfulSave = &t
	}
	if s.LastMonitorCheck != nil {
		t := *s.LastMonitorCheck
		s.LastMonitorCheck = &t
	}
	return s
}

// WithinPriorityWindow reports whether now is less than window after the last
// successful save.
func (s State) WithinPriorityWindow(now time.Time, window time.Duration) bool {
	if s.LastSuccessfulSave == nil {
		return false
	}
	return now.Sub(*s.LastSuccessfulSave) < window
}

// ClearError drops the error fields.
func (s *State) ClearError() {
	s.ErrorMessage = ""
	s.ErrorSource = SourceNone
}
