package http

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"fleet-link/internal/observability/metrics"
	positions "fleet-link/internal/positions/domain"
	"fleet-link/internal/positions/infrastructure/memory"
)

// Reader is the read side of the position cache.
type Reader interface {
	Get(entityID string) (positions.Position, positions.Staleness, bool)
	Snapshot() []memory.Entry
}

// Handler provides position read endpoints.
type Handler struct {
	reader Reader
	now    func() time.Time
	logger *log.Logger
}

// NewHandler constructs a handler.
func NewHandler(reader Reader, logger *log.Logger) (*Handler, error) {
	if reader == nil {
		return nil, errors.New("positions handler: nil reader")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{reader: reader, now: time.Now, logger: logger}, nil
}

// ServeHTTP handles /api/v1/positions and subroutes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	switch {
	case r.URL.Path == "/api/v1/positions":
		h.handleList(w, r)
	case r.URL.Path == "/api/v1/positions/export.xlsx":
		h.handleExport(w, r)
	case strings.HasPrefix(r.URL.Path, "/api/v1/positions/"):
		id := strings.TrimPrefix(r.URL.Path, "/api/v1/positions/")
		if id == "" || strings.Contains(id, "/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.handleGet(w, id)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	entries, err := h.filtered(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(entries)
}

func (h *Handler) handleGet(w http.ResponseWriter, id string) {
	position, staleness, ok := h.reader.Get(id)
	if !ok {
		http.Error(w, "position not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(memory.Entry{Position: position, Staleness: staleness})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	entries, err := h.filtered(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	payload, err := BuildPositionsXLSX(entries, h.now().UTC())
	if err != nil {
		metrics.ObserveExport("xlsx", metrics.ResultError, time.Since(start))
		h.logger.Printf("positions: export failed err=%v", err)
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}
	metrics.ObserveExport("xlsx", metrics.ResultSuccess, time.Since(start))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="positions.xlsx"`)
	_, _ = w.Write(payload)
}

// filtered applies the optional staleness query parameter.
func (h *Handler) filtered(r *http.Request) ([]memory.Entry, error) {
	entries := h.reader.Snapshot()
	raw := r.URL.Query().Get("staleness")
	if raw == "" {
		return entries, nil
	}
	wanted := make(map[positions.Staleness]struct{})
	for _, value := range strings.Split(raw, ",") {
		staleness := positions.Staleness(strings.TrimSpace(value))
		switch staleness {
		case positions.StalenessFresh, positions.StalenessIdle, positions.StalenessStale:
			wanted[staleness] = struct{}{}
		default:
			return nil, errors.New("invalid staleness filter")
		}
	}
	out := entries[:0]
	for _, entry := range entries {
		if _, ok := wanted[entry.Staleness]; ok {
			out = append(out, entry)
		}
	}
	return out, nil
}
