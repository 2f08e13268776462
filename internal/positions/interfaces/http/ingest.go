package http

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"fleet-link/internal/observability/metrics"
	positions "fleet-link/internal/positions/domain"
)

const maxIngestBody = 4 << 20

// Writer is the write side of the position cache.
type Writer interface {
	BatchPut(records []positions.Position) (int, []error)
}

// IngestHandler accepts position batches pushed by the remote platform.
// Requests are expected to pass through the ingest signature middleware.
type IngestHandler struct {
	writer Writer
	logger *log.Logger
}

// NewIngestHandler constructs an ingest handler.
func NewIngestHandler(writer Writer, logger *log.Logger) (*IngestHandler, error) {
	if writer == nil {
		return nil, errors.New("positions ingest: nil writer")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &IngestHandler{writer: writer, logger: logger}, nil
}

type ingestRequest struct {
	Positions []positions.Position `json:"positions"`
}

type ingestResponse struct {
	Received int      `json:"received"`
	Applied  int      `json:"applied"`
	Skipped  int      `json:"skipped"`
	Invalid  []string `json:"invalid,omitempty"`
}

// ServeHTTP handles POST /ingest/positions.
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody))
	if err != nil {
		metrics.IncIngestError("read_body")
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	var req ingestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		metrics.IncIngestError("bad_json")
		metrics.ObserveIngest(metrics.ResultError, time.Since(start))
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.Positions) == 0 {
		metrics.IncIngestError("empty_batch")
		metrics.ObserveIngest(metrics.ResultError, time.Since(start))
		http.Error(w, "positions are required", http.StatusBadRequest)
		return
	}

	// Pushed records carry no receive time of their own.
	for i := range req.Positions {
		req.Positions[i].ReceivedAt = time.Time{}
	}
	applied, errs := h.writer.BatchPut(req.Positions)
	resp := ingestResponse{
		Received: len(req.Positions),
		Applied:  applied,
		Skipped:  len(req.Positions) - applied - len(errs),
	}
	for _, e := range errs {
		resp.Invalid = append(resp.Invalid, e.Error())
	}
	metrics.AddPositionUpdates("ingest", metrics.PositionApplied, resp.Applied)
	metrics.AddPositionUpdates("ingest", metrics.PositionSkipped, resp.Skipped)
	metrics.AddPositionUpdates("ingest", metrics.PositionInvalid, len(errs))
	metrics.ObserveIngest(metrics.ResultSuccess, time.Since(start))
	if len(errs) > 0 {
		h.logger.Printf("positions: ingest received=%d applied=%d invalid=%d", resp.Received, resp.Applied, len(errs))
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
