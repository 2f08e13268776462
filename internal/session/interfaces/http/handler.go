package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"fleet-link/internal/audit"
	"fleet-link/internal/fleetapi"
	sessionapp "fleet-link/internal/session/application"
	session "fleet-link/internal/session/domain"
)

const maxCredentialsBody = 64 << 10

// Sessions is the session manager surface the handler needs.
type Sessions interface {
	Refresh(ctx context.Context) (session.AuthLevel, error)
	Logout(ctx context.Context) error
	CurrentLevel() session.AuthLevel
	CurrentSession() (session.Record, bool)
}

// Saver runs the manual credential save flow.
type Saver interface {
	Save(ctx context.Context, username, secret string) (*sessionapp.AuthResult, error)
}

// Handler provides session HTTP endpoints.
type Handler struct {
	sessions Sessions
	saver    Saver
	audit    audit.Logger
	logger   *log.Logger
}

// NewHandler constructs a handler. auditLogger may be nil.
func NewHandler(sessions Sessions, saver Saver, auditLogger audit.Logger, logger *log.Logger) (*Handler, error) {
	if sessions == nil {
		return nil, errors.New("session handler: nil sessions")
	}
	if saver == nil {
		return nil, errors.New("session handler: nil saver")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{sessions: sessions, saver: saver, audit: auditLogger, logger: logger}, nil
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Level   session.AuthLevel `json:"level"`
	Session *session.Record   `json:"session,omitempty"`
}

type saveResponse struct {
	Saved    bool                 `json:"saved"`
	Level    session.AuthLevel    `json:"level"`
	Session  *session.Record      `json:"session,omitempty"`
	Attempts []sessionapp.Attempt `json:"attempts,omitempty"`
	Error    string               `json:"error,omitempty"`
}

// ServeHTTP handles /api/v1/session and subroutes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/v1/session":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleCurrent(w)
	case "/api/v1/session/credentials":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleSave(w, r)
	case "/api/v1/session/refresh":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleRefresh(w, r)
	case "/api/v1/session/logout":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleLogout(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleCurrent(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, h.current())
}

func (h *Handler) current() sessionResponse {
	resp := sessionResponse{Level: h.sessions.CurrentLevel()}
	if record, ok := h.sessions.CurrentSession(); ok {
		redacted := record.Redacted()
		resp.Session = &redacted
	}
	return resp
}

func (h *Handler) handleSave(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxCredentialsBody)).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		http.Error(w, "username and password are required", http.StatusBadRequest)
		return
	}

	result, err := h.saver.Save(r.Context(), req.Username, req.Password)
	resp := saveResponse{Saved: err == nil, Level: session.LevelOffline}
	if result != nil {
		resp.Level = result.Level
		resp.Attempts = result.Attempts
		if result.Session.ID != "" {
			redacted := result.Session.Redacted()
			resp.Session = &redacted
		}
	}
	if err != nil {
		resp.Error = err.Error()
	}

	statusCode := saveStatus(err)
	h.record(r, audit.ActionCredentialsSave, req.Username, resp.Level.String(), map[string]any{"saved": resp.Saved})
	if err != nil {
		h.logger.Printf("session: credential save user=%s level=%s err=%v", req.Username, resp.Level, err)
	}
	writeJSON(w, statusCode, resp)
}

// saveStatus maps a save error onto a response code. A save that fell back to
// a cached or local level still established a session, so it is accepted.
func saveStatus(err error) int {
	var ladderErr *sessionapp.LadderError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, sessionapp.ErrSaveNotFull):
		return http.StatusAccepted
	case errors.Is(err, session.ErrEmptyUsername):
		return http.StatusBadRequest
	case errors.As(err, &ladderErr) && ladderErr.Fatal:
		return http.StatusServiceUnavailable
	case errors.Is(err, fleetapi.ErrAuthentication):
		return http.StatusUnauthorized
	default:
		return http.StatusBadGateway
	}
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	level, err := h.sessions.Refresh(r.Context())
	outcome := level.String()
	if err != nil {
		outcome = "error"
	}
	username := ""
	if record, ok := h.sessions.CurrentSession(); ok {
		username = record.Username
	}
	h.record(r, audit.ActionSessionRefresh, username, outcome, nil)
	if err != nil {
		if errors.Is(err, session.ErrNoActiveSession) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		h.logger.Printf("session: refresh failed level=%s err=%v", level, err)
	}
	writeJSON(w, http.StatusOK, h.current())
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	username := ""
	if record, ok := h.sessions.CurrentSession(); ok {
		username = record.Username
	}
	if err := h.sessions.Logout(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.record(r, audit.ActionSessionLogout, username, "ok", nil)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) record(r *http.Request, action, username, outcome string, metadata any) {
	audit.Record(r.Context(), h.audit, h.logger, audit.FromRequest(r, action, "session", username, outcome, metadata))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
