package http

import (
	"encoding/json"
	"errors"
	"net/http"

	statusapp "fleet-link/internal/status/application"
	status "fleet-link/internal/status/domain"
)

// Source is the read side of the status coordinator.
type Source interface {
	CurrentStatus() status.State
	ShouldShowError() bool
}

// Handler serves GET /api/v1/status.
type Handler struct {
	source Source
}

// NewHandler constructs a handler.
func NewHandler(source Source) (*Handler, error) {
	if source == nil {
		return nil, errors.New("status handler: nil source")
	}
	return &Handler{source: source}, nil
}

type statusResponse struct {
	status.State
	ShowError bool `json:"show_error"`
}

// ServeHTTP handles GET /api/v1/status.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/v1/status" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	resp := statusResponse{State: h.source.CurrentStatus(), ShowError: h.source.ShouldShowError()}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

var _ Source = (*statusapp.Coordinator)(nil)
