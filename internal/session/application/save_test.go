package application

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-link/internal/fleetapi"
	session "fleet-link/internal/session/domain"
)

type saveCall struct {
	success  bool
	username string
	message  string
}

type recordingReporter struct {
	mu      sync.Mutex
	started int
	results []saveCall
}

func (r *recordingReporter) StartSaveOperation() {
	r.mu.Lock()
	r.started++
	r.mu.Unlock()
}

func (r *recordingReporter) ReportSaveResult(success bool, username, errorMessage string) {
	r.mu.Lock()
	r.results = append(r.results, saveCall{success: success, username: username, message: errorMessage})
	r.mu.Unlock()
}

func TestSaveFlowReportsFullAsSuccess(t *testing.T) {
	h := newHarness(t, Config{})
	reporter := &recordingReporter{}
	flow, err := NewSaveFlow(h.manager, reporter)
	require.NoError(t, err)

	result, err := flow.Save(context.Background(), "octopus", "ink")
	require.NoError(t, err)
	assert.Equal(t, session.LevelFull, result.Level)
	assert.Equal(t, 1, reporter.started)
	require.Len(t, reporter.results, 1)
	assert.Equal(t, saveCall{success: true, username: "octopus"}, reporter.results[0])
}

func TestSaveFlowFallbackIsNotSuccess(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.verifier.Remember(ctx, "octopus", "ink"))
	h.remote.set(remoteErr(fleetapi.ErrTransient))
	reporter := &recordingReporter{}
	flow, err := NewSaveFlow(h.manager, reporter)
	require.NoError(t, err)

	result, err := flow.Save(ctx, "octopus", "ink")
	assert.ErrorIs(t, err, ErrSaveNotFull)
	assert.Equal(t, session.LevelMinimal, result.Level)
	require.Len(t, reporter.results, 1)
	assert.False(t, reporter.results[0].success)
	assert.Contains(t, reporter.results[0].message, "minimal")
}

func TestSaveFlowOffline(t *testing.T) {
	h := newHarness(t, Config{})
	h.remote.set(remoteErr(fleetapi.ErrAuthentication))
	reporter := &recordingReporter{}
	flow, err := NewSaveFlow(h.manager, reporter)
	require.NoError(t, err)

	_, err = flow.Save(context.Background(), "octopus", "bad")
	assert.ErrorIs(t, err, fleetapi.ErrAuthentication)
	require.Len(t, reporter.results, 1)
	assert.False(t, reporter.results[0].success)
	assert.NotEmpty(t, reporter.results[0].message)
}

func TestNewSaveFlowValidates(t *testing.T) {
	_, err := NewSaveFlow(nil, &recordingReporter{})
	assert.Error(t, err)
	h := newHarness(t, Config{})
	_, err = NewSaveFlow(h.manager, nil)
	assert.Error(t, err)
}
