package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"fleet-link/internal/auth"
)

// Actions recorded by the dashboard.
const (
	ActionCredentialsSave = "session.credentials.save"
	ActionSessionRefresh  = "session.refresh"
	ActionSessionLogout   = "session.logout"
	ActionPollingStart    = "polling.start"
	ActionPollingStop     = "polling.stop"
	ActionPollingRun      = "polling.run"
)

// Entry is one audit record.
type Entry struct {
	ID            string          `json:"id"`
	Actor         string          `json:"actor"`
	Role          string          `json:"role"`
	Action        string          `json:"action"`
	ResourceType  string          `json:"resource_type"`
	ResourceID    string          `json:"resource_id"`
	Outcome       string          `json:"outcome"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	PayloadDigest string          `json:"payload_digest,omitempty"`
	IP            string          `json:"ip"`
	UserAgent     string          `json:"user_agent"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Logger writes audit entries.
type Logger interface {
	Log(ctx context.Context, entry Entry) error
}

// NewID generates an audit id.
func NewID() string {
	return "audit-" + uuid.NewString()
}

// DigestJSON computes a SHA256 hex digest for metadata payloads.
func DigestJSON(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FromRequest fills caller details from the request and its auth identity.
// Metadata that fails to marshal is dropped.
func FromRequest(r *http.Request, action, resourceType, resourceID, outcome string, metadata any) Entry {
	entry := Entry{
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Outcome:      outcome,
	}
	if r == nil {
		return entry
	}
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		entry.Actor = identity.Subject
		entry.Role = string(identity.Role)
	}
	entry.IP = clientIP(r)
	entry.UserAgent = r.UserAgent()
	if metadata != nil {
		if raw, err := json.Marshal(metadata); err == nil {
			entry.Metadata = raw
		}
	}
	return entry
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// LogWriter writes entries to a process logger when no database is configured.
type LogWriter struct {
	logger *log.Logger
}

// NewLogWriter constructs a LogWriter.
func NewLogWriter(logger *log.Logger) *LogWriter {
	if logger == nil {
		logger = log.Default()
	}
	return &LogWriter{logger: logger}
}

// Log implements Logger.
func (w *LogWriter) Log(_ context.Context, entry Entry) error {
	w.logger.Printf("audit: action=%s actor=%s role=%s resource=%s/%s outcome=%s ip=%s",
		entry.Action, entry.Actor, entry.Role, entry.ResourceType, entry.ResourceID, entry.Outcome, entry.IP)
	return nil
}

// Record logs entry and reports failures to logger without failing the request.
func Record(ctx context.Context, sink Logger, logger *log.Logger, entry Entry) {
	if sink == nil {
		return
	}
	if err := sink.Log(ctx, entry); err != nil && logger != nil {
		logger.Printf("audit: write failed action=%s err=%v", entry.Action, err)
	}
}
