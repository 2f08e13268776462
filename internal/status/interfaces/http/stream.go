package http

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	statusapp "fleet-link/internal/status/application"
)

const defaultKeepAlive = 25 * time.Second

// Subscriber hands out status feeds.
type Subscriber interface {
	SubscribeChan() *statusapp.Subscription
}

// StreamHandler serves status changes as server-sent events.
type StreamHandler struct {
	subscriber Subscriber
	keepAlive  time.Duration
	logger     *log.Logger
}

// NewStreamHandler constructs a stream handler. keepAlive <= 0 uses 25s.
func NewStreamHandler(subscriber Subscriber, keepAlive time.Duration, logger *log.Logger) *StreamHandler {
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	if logger == nil {
		logger = log.Default()
	}
	return &StreamHandler{subscriber: subscriber, keepAlive: keepAlive, logger: logger}
}

// ServeHTTP handles GET /api/v1/status/stream.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.subscriber == nil {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := h.subscriber.SubscribeChan()
	defer sub.Close()

	clientID := uuid.NewString()
	h.logger.Printf("status stream: client connected id=%s", clientID)
	defer h.logger.Printf("status stream: client disconnected id=%s", clientID)

	_, _ = fmt.Fprintf(w, "event: ready\ndata: {\"client_id\":%q}\n\n", clientID)
	flusher.Flush()

	keepAlive := time.NewTicker(h.keepAlive)
	defer keepAlive.Stop()

	notify := r.Context().Done()
	for {
		select {
		case state, ok := <-sub.C:
			if !ok {
				return
			}
			payload, err := json.Marshal(state)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "id: %d\nevent: status\ndata: %s\n\n", state.Version, payload)
			flusher.Flush()
		case <-keepAlive.C:
			_, _ = w.Write([]byte(": keep-alive\n\n"))
			flusher.Flush()
		case <-notify:
			return
		}
	}
}
