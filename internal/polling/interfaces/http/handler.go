package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"fleet-link/internal/audit"
	"fleet-link/internal/observability/metrics"
	polling "fleet-link/internal/polling/domain"
)

// Controller is the polling engine surface the handler drives.
type Controller interface {
	Start(ctx context.Context, cfg polling.Config) error
	Stop()
	TriggerManualRun(ctx context.Context) (polling.RunResult, error)
	State() polling.State
	History() []polling.RunResult
}

// Handler provides polling control endpoints.
type Handler struct {
	// lifetime bounds the schedule started over HTTP; request contexts end
	// with the response.
	lifetime context.Context
	engine   Controller
	defaults polling.Config
	audit    audit.Logger
	logger   *log.Logger
	now      func() time.Time
}

// NewHandler constructs a handler. defaults fill fields a start request omits.
func NewHandler(lifetime context.Context, engine Controller, defaults polling.Config, auditLogger audit.Logger, logger *log.Logger) (*Handler, error) {
	if engine == nil {
		return nil, errors.New("polling handler: nil engine")
	}
	if lifetime == nil {
		lifetime = context.Background()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		lifetime: lifetime,
		engine:   engine,
		defaults: defaults,
		audit:    auditLogger,
		logger:   logger,
		now:      time.Now,
	}, nil
}

type runResponse struct {
	Result polling.RunResult `json:"result"`
	State  polling.State     `json:"state"`
	Error  string            `json:"error,omitempty"`
}

// ServeHTTP handles /api/v1/polling and subroutes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/v1/polling":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, h.engine.State())
	case "/api/v1/polling/report.pdf":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleReport(w)
	case "/api/v1/polling/start":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleStart(w, r)
	case "/api/v1/polling/stop":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.engine.Stop()
		h.record(r, audit.ActionPollingStop, "ok", nil)
		writeJSON(w, http.StatusOK, h.engine.State())
	case "/api/v1/polling/run":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleRun(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	cfg := h.defaults
	body, err := io.ReadAll(io.LimitReader(r.Body, 4096))
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &cfg); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}
	if err := h.engine.Start(h.lifetime, cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.record(r, audit.ActionPollingStart, "ok", cfg)
	writeJSON(w, http.StatusOK, h.engine.State())
}

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.TriggerManualRun(r.Context())
	resp := runResponse{Result: result, State: h.engine.State()}
	statusCode := http.StatusOK
	outcome := "ok"
	if err != nil {
		resp.Error = err.Error()
		outcome = "error"
		switch {
		case errors.Is(err, polling.ErrOffline):
			statusCode = http.StatusServiceUnavailable
			outcome = "offline"
		default:
			statusCode = http.StatusBadGateway
		}
	}
	h.record(r, audit.ActionPollingRun, outcome, map[string]int{"fetched": result.Fetched, "applied": result.Applied})
	writeJSON(w, statusCode, resp)
}

func (h *Handler) handleReport(w http.ResponseWriter) {
	start := time.Now()
	payload, err := BuildConnectionReportPDF(h.engine.State(), h.engine.History(), h.now().UTC())
	if err != nil {
		metrics.ObserveExport("pdf", metrics.ResultError, time.Since(start))
		h.logger.Printf("polling: report failed err=%v", err)
		http.Error(w, "report failed", http.StatusInternalServerError)
		return
	}
	metrics.ObserveExport("pdf", metrics.ResultSuccess, time.Since(start))
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="connection-report.pdf"`)
	_, _ = w.Write(payload)
}

func (h *Handler) record(r *http.Request, action, outcome string, metadata any) {
	audit.Record(r.Context(), h.audit, h.logger, audit.FromRequest(r, action, "polling", "engine", outcome, metadata))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
