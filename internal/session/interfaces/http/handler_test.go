package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-link/internal/audit"
	"fleet-link/internal/fleetapi"
	sessionapp "fleet-link/internal/session/application"
	session "fleet-link/internal/session/domain"
)

type fakeSessions struct {
	level      session.AuthLevel
	record     *session.Record
	refreshErr error
	logouts    int
}

func (f *fakeSessions) Refresh(context.Context) (session.AuthLevel, error) {
	return f.level, f.refreshErr
}

func (f *fakeSessions) Logout(context.Context) error {
	f.logouts++
	f.record = nil
	f.level = session.LevelOffline
	return nil
}

func (f *fakeSessions) CurrentLevel() session.AuthLevel { return f.level }

func (f *fakeSessions) CurrentSession() (session.Record, bool) {
	if f.record == nil {
		return session.Record{}, false
	}
	return *f.record, true
}

type fakeSaver struct {
	result *sessionapp.AuthResult
	err    error
	got    [2]string
}

func (f *fakeSaver) Save(_ context.Context, username, secret string) (*sessionapp.AuthResult, error) {
	f.got = [2]string{username, secret}
	return f.result, f.err
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *recordingAudit) Log(_ context.Context, entry audit.Entry) error {
	r.mu.Lock()
	r.entries = append(r.entries, entry)
	r.mu.Unlock()
	return nil
}

var now = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func fullRecord() session.Record {
	record := session.NewRecord("octopus", session.LevelFull, now)
	record.RemoteToken = "secret-token"
	record.ExpiresAt = now.Add(time.Hour)
	return record
}

func newHandler(t *testing.T, sessions *fakeSessions, saver *fakeSaver) (*Handler, *recordingAudit) {
	t.Helper()
	rec := &recordingAudit{}
	h, err := NewHandler(sessions, saver, rec, nil)
	require.NoError(t, err)
	return h, rec
}

func post(h http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestNewHandlerValidates(t *testing.T) {
	_, err := NewHandler(nil, &fakeSaver{}, nil, nil)
	assert.Error(t, err)
	_, err = NewHandler(&fakeSessions{}, nil, nil, nil)
	assert.Error(t, err)
}

func TestSaveFull(t *testing.T) {
	record := fullRecord()
	saver := &fakeSaver{result: &sessionapp.AuthResult{
		Session:  record,
		Level:    session.LevelFull,
		Attempts: []sessionapp.Attempt{{Level: session.LevelFull}},
	}}
	h, rec := newHandler(t, &fakeSessions{}, saver)

	rr := post(h, "/api/v1/session/credentials", `{"username":" octopus ","password":"pw"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, [2]string{"octopus", "pw"}, saver.got)
	assert.NotContains(t, rr.Body.String(), "secret-token")

	var resp struct {
		Saved   bool   `json:"saved"`
		Level   string `json:"level"`
		Session struct {
			Username string `json:"username"`
		} `json:"session"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Saved)
	assert.Equal(t, "full", resp.Level)
	assert.Equal(t, "octopus", resp.Session.Username)

	require.Len(t, rec.entries, 1)
	assert.Equal(t, audit.ActionCredentialsSave, rec.entries[0].Action)
	assert.Equal(t, "octopus", rec.entries[0].ResourceID)
	assert.Equal(t, "full", rec.entries[0].Outcome)
}

func TestSaveFallbackIsAccepted(t *testing.T) {
	record := session.NewRecord("octopus", session.LevelDegraded, now)
	saver := &fakeSaver{
		result: &sessionapp.AuthResult{Session: record, Level: session.LevelDegraded},
		err:    fmt.Errorf("%w: level degraded", sessionapp.ErrSaveNotFull),
	}
	h, _ := newHandler(t, &fakeSessions{}, saver)

	rr := post(h, "/api/v1/session/credentials", `{"username":"octopus","password":"pw"}`)
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Contains(t, rr.Body.String(), `"saved":false`)
	assert.Contains(t, rr.Body.String(), `"level":"degraded"`)
}

func TestSaveStatusCodes(t *testing.T) {
	authErr := &sessionapp.LadderError{Username: "u", Attempts: []sessionapp.Attempt{
		{Level: session.LevelFull, Err: fleetapi.ErrAuthentication},
		{Level: session.LevelDegraded, Err: session.ErrNoCachedSession},
		{Level: session.LevelMinimal, Err: session.ErrNoVerifier},
	}}
	fatal := &sessionapp.LadderError{Username: "u", Fatal: true, Attempts: []sessionapp.Attempt{
		{Level: session.LevelFull, Err: fleetapi.ErrConfiguration},
	}}
	down := &sessionapp.LadderError{Username: "u", Attempts: []sessionapp.Attempt{
		{Level: session.LevelFull, Err: fleetapi.ErrTransient},
	}}

	assert.Equal(t, http.StatusOK, saveStatus(nil))
	assert.Equal(t, http.StatusUnauthorized, saveStatus(authErr))
	assert.Equal(t, http.StatusServiceUnavailable, saveStatus(fatal))
	assert.Equal(t, http.StatusBadGateway, saveStatus(down))
	assert.Equal(t, http.StatusBadRequest, saveStatus(session.ErrEmptyUsername))
}

func TestSaveRejectsBadInput(t *testing.T) {
	h, rec := newHandler(t, &fakeSessions{}, &fakeSaver{})
	assert.Equal(t, http.StatusBadRequest, post(h, "/api/v1/session/credentials", `{`).Code)
	assert.Equal(t, http.StatusBadRequest, post(h, "/api/v1/session/credentials", `{"username":"  ","password":"x"}`).Code)
	assert.Empty(t, rec.entries)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/session/credentials", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestCurrentSessionRedactsToken(t *testing.T) {
	record := fullRecord()
	h, _ := newHandler(t, &fakeSessions{level: session.LevelFull, record: &record}, &fakeSaver{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/session", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"level":"full"`)
	assert.NotContains(t, rr.Body.String(), "secret-token")
}

func TestRefresh(t *testing.T) {
	record := fullRecord()
	sessions := &fakeSessions{level: session.LevelDegraded, record: &record}
	h, rec := newHandler(t, sessions, &fakeSaver{})

	rr := post(h, "/api/v1/session/refresh", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"level":"degraded"`)
	require.Len(t, rec.entries, 1)
	assert.Equal(t, "degraded", rec.entries[0].Outcome)

	sessions.record = nil
	sessions.refreshErr = session.ErrNoActiveSession
	assert.Equal(t, http.StatusConflict, post(h, "/api/v1/session/refresh", "").Code)
}

func TestLogout(t *testing.T) {
	record := fullRecord()
	sessions := &fakeSessions{level: session.LevelFull, record: &record}
	h, rec := newHandler(t, sessions, &fakeSaver{})

	assert.Equal(t, http.StatusNoContent, post(h, "/api/v1/session/logout", "").Code)
	assert.Equal(t, http.StatusNoContent, post(h, "/api/v1/session/logout", "").Code)
	assert.Equal(t, 2, sessions.logouts)
	require.Len(t, rec.entries, 2)
	assert.Equal(t, "octopus", rec.entries[0].ResourceID)
	assert.Equal(t, "", rec.entries[1].ResourceID)
}

func TestUnknownRoute(t *testing.T) {
	h, _ := newHandler(t, &fakeSessions{}, &fakeSaver{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/session/other", bytes.NewReader(nil))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
