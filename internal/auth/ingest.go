package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fleet-link/internal/observability/metrics"
)

const (
	HeaderIngestTimestamp = "X-Ingest-Timestamp"
	HeaderIngestSignature = "X-Ingest-Signature"

	maxIngestBody = 4 << 20
)

// IngestAuthMiddleware verifies HMAC signatures on position pushes from the
// remote platform.
type IngestAuthMiddleware struct {
	Secret  []byte
	MaxSkew time.Duration
	Now     func() time.Time
}

// NewIngestAuthMiddleware constructs ingest auth middleware.
func NewIngestAuthMiddleware(secret []byte, maxSkew time.Duration) *IngestAuthMiddleware {
	return &IngestAuthMiddleware{Secret: secret, MaxSkew: maxSkew, Now: time.Now}
}

// Wrap rejects unsigned, stale or tampered requests.
func (m *IngestAuthMiddleware) Wrap(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(m.Secret) == 0 {
			reject(w, "not_configured", "ingest auth not configured")
			return
		}
		timestamp := strings.TrimSpace(r.Header.Get(HeaderIngestTimestamp))
		signature := strings.TrimSpace(r.Header.Get(HeaderIngestSignature))
		if timestamp == "" || signature == "" {
			reject(w, "missing_signature", "missing ingest signature")
			return
		}
		ts, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			reject(w, "bad_timestamp", "invalid ingest timestamp")
			return
		}
		now := time.Now
		if m.Now != nil {
			now = m.Now
		}
		skew := now().Sub(time.Unix(ts, 0))
		if skew < 0 {
			skew = -skew
		}
		if m.MaxSkew > 0 && skew > m.MaxSkew {
			reject(w, "expired_signature", "ingest signature expired")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody))
		if err != nil {
			http.Error(w, "read body error", http.StatusBadRequest)
			return
		}
		_ = r.Body.Close()

		expected := SignIngest(m.Secret, timestamp, body)
		if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
			reject(w, "bad_signature", "invalid ingest signature")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

// SignIngest returns the hex HMAC-SHA256 of "timestamp\nbody".
func SignIngest(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func reject(w http.ResponseWriter, reason, message string) {
	metrics.IncIngestError(reason)
	http.Error(w, message, http.StatusUnauthorized)
}
