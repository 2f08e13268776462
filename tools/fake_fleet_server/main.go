package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// fakeFleetServer mimics the remote fleet API closely enough to drive the
// fallback ladder and the polling circuit breaker locally.
type fakeFleetServer struct {
	start    time.Time
	latency  time.Duration
	failRate float64
	tokenTTL time.Duration
	secret   []byte
	users    map[string]string
	outage   atomic.Bool

	mu         sync.Mutex
	rng        *rand.Rand
	vehicles   map[string]*vehicle
	byPath     map[string]int64
	byStatus   map[int]int64
	totalCalls int64
}

type vehicle struct {
	ID     string
	Lat    float64
	Lng    float64
	Speed  float64
	Course float64
}

func main() {
	addr := getenvDefault("FAKE_FLEET_ADDR", ":18080")
	latencyMs := getenvIntDefault("FAKE_FLEET_LATENCY_MS", 0)
	failRate := getenvFloatDefault("FAKE_FLEET_FAIL_RATE", 0)
	tokenTTL := time.Duration(getenvIntDefault("FAKE_FLEET_TOKEN_TTL_SECONDS", 3600)) * time.Second
	vehicles := getenvIntDefault("FAKE_FLEET_VEHICLES", 5)
	users := parseUsers(getenvDefault("FAKE_FLEET_USERS", "demo:demo"))

	srv := newFakeFleetServer(users, vehicles, time.Duration(latencyMs)*time.Millisecond, failRate, tokenTTL)

	log.Printf("fake fleet API listening on %s vehicles=%d users=%d", addr, vehicles, len(users))
	if err := http.ListenAndServe(addr, srv.routes()); err != nil {
		log.Fatal(err)
	}
}

func (s *fakeFleetServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/admin/outage", s.handleOutage)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/positions/latest", s.handlePositions)
	return mux
}

func newFakeFleetServer(users map[string]string, count int, latency time.Duration, failRate float64, tokenTTL time.Duration) *fakeFleetServer {
	s := &fakeFleetServer{
		start:    time.Now().UTC(),
		latency:  latency,
		failRate: failRate,
		tokenTTL: tokenTTL,
		secret:   []byte(uuid.NewString()),
		users:    users,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		vehicles: make(map[string]*vehicle, count),
		byPath:   make(map[string]int64),
		byStatus: make(map[int]int64),
	}
	for i := 1; i <= count; i++ {
		id := fmt.Sprintf("truck-%d", i)
		s.vehicles[id] = &vehicle{
			ID:  id,
			Lat: 6.45 + s.rng.Float64()/10,
			Lng: 3.39 + s.rng.Float64()/10,
		}
	}
	return s
}

func (s *fakeFleetServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *fakeFleetServer) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byStatus := make(map[string]int64, len(s.byStatus))
	for code, count := range s.byStatus {
		byStatus[strconv.Itoa(code)] = count
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"started_at": s.start.Format(time.RFC3339),
		"outage":     s.outage.Load(),
		"total":      s.totalCalls,
		"by_path":    s.byPath,
		"by_status":  byStatus,
	})
}

// handleOutage toggles a full outage: POST /admin/outage?on=true.
func (s *fakeFleetServer) handleOutage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	on, err := strconv.ParseBool(r.URL.Query().Get("on"))
	if err != nil {
		http.Error(w, "on must be true or false", http.StatusBadRequest)
		return
	}
	s.outage.Store(on)
	log.Printf("fake fleet API outage=%t", on)
	writeJSON(w, http.StatusOK, map[string]bool{"outage": on})
}

func (s *fakeFleetServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	if code, ok := s.simulateFailure(); !ok {
		s.respondError(w, r, code)
		return
	}
	var payload struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.respondError(w, r, http.StatusBadRequest)
		return
	}
	if expected, ok := s.users[payload.Username]; !ok || expected != payload.Password {
		s.respondError(w, r, http.StatusUnauthorized)
		return
	}

	expiresAt := time.Now().UTC().Add(s.tokenTTL)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   payload.Username,
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
		ID:        uuid.NewString(),
	}).SignedString(s.secret)
	if err != nil {
		s.respondError(w, r, http.StatusInternalServerError)
		return
	}
	s.record(r.URL.Path, http.StatusOK)
	writeJSON(w, http.StatusOK, map[string]string{
		"token":      token,
		"expires_at": expiresAt.Format(time.RFC3339),
	})
}

func (s *fakeFleetServer) handlePositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	if code, ok := s.simulateFailure(); !ok {
		s.respondError(w, r, code)
		return
	}
	if !s.validToken(r.Header.Get("X-Authorization")) {
		s.respondError(w, r, http.StatusUnauthorized)
		return
	}
	var payload struct {
		EntityIDs []string `json:"entity_ids"`
	}
	_ = json.NewDecoder(r.Body).Decode(&payload)

	now := time.Now().UTC()
	s.mu.Lock()
	ids := payload.EntityIDs
	if len(ids) == 0 {
		for id := range s.vehicles {
			ids = append(ids, id)
		}
	}
	items := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		v, ok := s.vehicles[id]
		if !ok {
			continue
		}
		s.step(v)
		items = append(items, map[string]any{
			"device_id":   v.ID,
			"lat":         v.Lat,
			"lng":         v.Lng,
			"speed":       v.Speed,
			"course":      v.Course,
			"reported_at": now.UnixMilli(),
		})
	}
	s.mu.Unlock()

	s.record(r.URL.Path, http.StatusOK)
	writeJSON(w, http.StatusOK, map[string]any{"positions": items})
}

// step moves a vehicle on a small random walk. Callers hold s.mu.
func (s *fakeFleetServer) step(v *vehicle) {
	if s.rng.Float64() < 0.3 {
		v.Speed = 0
		return
	}
	v.Speed = 20 + s.rng.Float64()*60
	v.Course = float64(int(v.Course+s.rng.Float64()*40-20+360) % 360)
	v.Lat += (s.rng.Float64() - 0.5) / 500
	v.Lng += (s.rng.Float64() - 0.5) / 500
}

func (s *fakeFleetServer) validToken(header string) bool {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return false
	}
	_, err := jwt.ParseWithClaims(parts[1], &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	return err == nil
}

// simulateFailure applies latency, outage and random failures.
func (s *fakeFleetServer) simulateFailure() (int, bool) {
	if s.latency > 0 {
		time.Sleep(s.latency)
	}
	if s.outage.Load() {
		return http.StatusServiceUnavailable, false
	}
	s.mu.Lock()
	fail := s.failRate > 0 && s.rng.Float64() < s.failRate
	s.mu.Unlock()
	if fail {
		return http.StatusBadGateway, false
	}
	return 0, true
}

func (s *fakeFleetServer) respondError(w http.ResponseWriter, r *http.Request, code int) {
	s.record(r.URL.Path, code)
	http.Error(w, http.StatusText(code), code)
}

func (s *fakeFleetServer) record(path string, code int) {
	s.mu.Lock()
	s.totalCalls++
	s.byPath[path]++
	s.byStatus[code]++
	s.mu.Unlock()
}

func parseUsers(value string) map[string]string {
	users := make(map[string]string)
	for _, pair := range strings.Split(value, ",") {
		name, password, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || name == "" {
			continue
		}
		users[name] = password
	}
	return users
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvFloatDefault(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
