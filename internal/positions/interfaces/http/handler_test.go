package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"fleet-link/internal/auth"
	positions "fleet-link/internal/positions/domain"
	"fleet-link/internal/positions/infrastructure/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

var base = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func seededCache(t *testing.T) (*memory.Cache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: base}
	cache, err := memory.NewCache(memory.WithClock(clock))
	require.NoError(t, err)

	_, err = cache.Put("truck-1", positions.Position{Latitude: 6.5, Longitude: 3.4, CapturedAt: base})
	require.NoError(t, err)
	clock.Advance(20 * time.Minute)
	_, err = cache.Put("truck-2", positions.Position{Latitude: 6.6, Longitude: 3.3, CapturedAt: clock.Now(), Moving: true})
	require.NoError(t, err)
	return cache, clock
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestListAndFilter(t *testing.T) {
	cache, _ := seededCache(t)
	h, err := NewHandler(cache, nil)
	require.NoError(t, err)

	rr := get(h, "/api/v1/positions")
	require.Equal(t, http.StatusOK, rr.Code)
	var entries []memory.Entry
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "truck-1", entries[0].Position.EntityID)
	assert.Equal(t, positions.StalenessIdle, entries[0].Staleness)
	assert.Equal(t, positions.StalenessFresh, entries[1].Staleness)

	rr = get(h, "/api/v1/positions?staleness=idle")
	require.Equal(t, http.StatusOK, rr.Code)
	entries = nil
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "truck-1", entries[0].Position.EntityID)

	assert.Equal(t, http.StatusBadRequest, get(h, "/api/v1/positions?staleness=ancient").Code)
}

func TestGetPosition(t *testing.T) {
	cache, _ := seededCache(t)
	h, err := NewHandler(cache, nil)
	require.NoError(t, err)

	rr := get(h, "/api/v1/positions/truck-2")
	require.Equal(t, http.StatusOK, rr.Code)
	var entry memory.Entry
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &entry))
	assert.Equal(t, "truck-2", entry.Position.EntityID)
	assert.True(t, entry.Position.Moving)
	assert.Equal(t, positions.StalenessFresh, entry.Staleness)

	assert.Equal(t, http.StatusNotFound, get(h, "/api/v1/positions/truck-9").Code)
	assert.Equal(t, http.StatusNotFound, get(h, "/api/v1/positions/a/b").Code)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/positions/truck-2", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestExportXLSX(t *testing.T) {
	cache, _ := seededCache(t)
	h, err := NewHandler(cache, nil)
	require.NoError(t, err)

	rr := get(h, "/api/v1/positions/export.xlsx")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Disposition"), "positions.xlsx")

	f, err := excelize.OpenReader(bytes.NewReader(rr.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()

	entity, err := f.GetCellValue("positions", "A2")
	require.NoError(t, err)
	assert.Equal(t, "truck-1", entity)
	staleness, err := f.GetCellValue("positions", "I3")
	require.NoError(t, err)
	assert.Equal(t, "fresh", staleness)
	total, err := f.GetCellValue("summary", "B4")
	require.NoError(t, err)
	assert.Equal(t, "2", total)
}

func signedIngest(t *testing.T, secret []byte, body []byte, now time.Time) *http.Request {
	t.Helper()
	ts := strconv.FormatInt(now.Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/ingest/positions", bytes.NewReader(body))
	req.Header.Set(auth.HeaderIngestTimestamp, ts)
	req.Header.Set(auth.HeaderIngestSignature, auth.SignIngest(secret, ts, body))
	return req
}

func TestIngestThroughSignatureMiddleware(t *testing.T) {
	cache, clock := seededCache(t)
	ingest, err := NewIngestHandler(cache, nil)
	require.NoError(t, err)

	secret := []byte("ingest-secret")
	mw := auth.NewIngestAuthMiddleware(secret, 5*time.Minute)
	mw.Now = clock.Now
	h := mw.Wrap(ingest)

	body := []byte(`{"positions":[
		{"entity_id":"truck-1","latitude":6.7,"longitude":3.5,"captured_at":"2026-03-01T08:10:00Z"},
		{"entity_id":"truck-2","latitude":6.0,"longitude":3.0,"captured_at":"2026-03-01T08:00:00Z"},
		{"entity_id":"","latitude":1,"longitude":1,"captured_at":"2026-03-01T08:00:00Z"}
	]}`)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, signedIngest(t, secret, body, clock.Now()))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp struct {
		Received int      `json:"received"`
		Applied  int      `json:"applied"`
		Skipped  int      `json:"skipped"`
		Invalid  []string `json:"invalid"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Received)
	assert.Equal(t, 1, resp.Applied)
	assert.Equal(t, 1, resp.Skipped, "older capture for truck-2 must not overwrite")
	assert.Len(t, resp.Invalid, 1)

	got, staleness, ok := cache.Get("truck-1")
	require.True(t, ok)
	assert.Equal(t, 6.7, got.Latitude)
	assert.Equal(t, clock.Now(), got.ReceivedAt)
	assert.Equal(t, positions.StalenessFresh, staleness)

	tampered := signedIngest(t, secret, body, clock.Now())
	tampered.Header.Set(auth.HeaderIngestSignature, "00")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, tampered)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestIngestRejectsBadPayloads(t *testing.T) {
	cache, _ := seededCache(t)
	ingest, err := NewIngestHandler(cache, nil)
	require.NoError(t, err)

	for _, body := range []string{`{`, `{"positions":[]}`} {
		req := httptest.NewRequest(http.MethodPost, "/ingest/positions", bytes.NewBufferString(body))
		rr := httptest.NewRecorder()
		ingest.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code, body)
	}

	req := httptest.NewRequest(http.MethodGet, "/ingest/positions", nil)
	rr := httptest.NewRecorder()
	ingest.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}
