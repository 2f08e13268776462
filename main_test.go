package main

import (
	"bytes"
	"context"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	session "fleet-link/internal/session/domain"
	"fleet-link/internal/session/sealed"
)

func TestOpenSessionStore(t *testing.T) {
	ctx := context.Background()
	codec := jsonCodecForTest(t)

	store, closeStore, err := openSessionStore(ctx, config{SessionStore: "memory"}, nil, codec)
	if err != nil || store == nil {
		t.Fatalf("memory store: %v", err)
	}
	closeStore()

	path := filepath.Join(t.TempDir(), "sessions.db")
	store, closeStore, err = openSessionStore(ctx, config{SessionStore: "sqlite", SessionSQLitePath: path}, nil, codec)
	if err != nil || store == nil {
		t.Fatalf("sqlite store: %v", err)
	}
	closeStore()

	if _, _, err := openSessionStore(ctx, config{SessionStore: "postgres"}, nil, codec); err == nil {
		t.Fatal("expected postgres without db to fail")
	}
	if _, _, err := openSessionStore(ctx, config{SessionStore: "redis"}, nil, codec); err == nil {
		t.Fatal("expected unknown store to fail")
	}
}

func TestLoggingMiddlewareKeepsFlusher(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)
	flushed := false
	handler := loggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("wrapped writer lost http.Flusher")
		}
		w.WriteHeader(http.StatusAccepted)
		flusher.Flush()
		flushed = true
	}), logger)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/status/stream", nil))
	if !flushed || !rr.Flushed {
		t.Fatal("expected flush to reach the recorder")
	}
	if !strings.Contains(buf.String(), "http GET /api/v1/status/stream 202") {
		t.Fatalf("unexpected log line: %q", buf.String())
	}
}

func jsonCodecForTest(t *testing.T) session.Codec {
	t.Helper()
	codec, err := sealed.NewCodec("")
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	return codec
}
