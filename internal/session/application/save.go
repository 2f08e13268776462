package application

import (
	"context"
	"errors"
	"fmt"

	session "fleet-link/internal/session/domain"
)

// SaveReporter receives the outcome of an explicit credential save.
type SaveReporter interface {
	StartSaveOperation()
	ReportSaveResult(success bool, username, errorMessage string)
}

// ErrSaveNotFull is returned when a save only reached a fallback level.
var ErrSaveNotFull = errors.New("session: credentials saved without remote confirmation")

// SaveFlow runs a user-triggered credential save and reports it with save
// priority.
type SaveFlow struct {
	manager  *Manager
	reporter SaveReporter
}

// NewSaveFlow wires a manager to a status reporter.
func NewSaveFlow(manager *Manager, reporter SaveReporter) (*SaveFlow, error) {
	if manager == nil {
		return nil, errors.New("save flow: nil manager")
	}
	if reporter == nil {
		return nil, errors.New("save flow: nil reporter")
	}
	return &SaveFlow{manager: manager, reporter: reporter}, nil
}

// Save authenticates and reports success only when the remote platform
// accepted the credentials. Fallback levels are returned with ErrSaveNotFull.
func (f *SaveFlow) Save(ctx context.Context, username, secret string) (*AuthResult, error) {
	f.reporter.StartSaveOperation()
	result, err := f.manager.Authenticate(ctx, username, secret)
	if err != nil {
		f.reporter.ReportSaveResult(false, username, err.Error())
		return result, err
	}
	if result.Level != session.LevelFull {
		msg := fmt.Sprintf("remote fleet API unavailable, signed in at %s level", result.Level)
		f.reporter.ReportSaveResult(false, username, msg)
		return result, fmt.Errorf("%w: level %s", ErrSaveNotFull, result.Level)
	}
	f.reporter.ReportSaveResult(true, username, "")
	return result, nil
}
