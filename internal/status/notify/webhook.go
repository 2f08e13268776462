package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	status "fleet-link/internal/status/domain"
)

// HeaderEvent carries the alert event so receivers can route without parsing.
const HeaderEvent = "X-Fleet-Connection-Event"

// Alert is one connection transition ready for delivery.
type Alert struct {
	Event   string
	Content string
	State   status.State
	At      time.Time
}

// Channel delivers alerts.
type Channel interface {
	Send(ctx context.Context, alert Alert) error
}

// webhookPayload keeps the chat-bot text envelope and adds the machine
// readable connection block alongside it.
type webhookPayload struct {
	MsgType    string            `json:"msgtype"`
	Text       webhookText       `json:"text"`
	Connection connectionPayload `json:"connection"`
}

type webhookText struct {
	Content string `json:"content"`
}

type connectionPayload struct {
	Event       string `json:"event"`
	IsConnected bool   `json:"is_connected"`
	Username    string `json:"username,omitempty"`
	ErrorSource string `json:"error_source,omitempty"`
	Error       string `json:"error,omitempty"`
	Version     uint64 `json:"version"`
	At          string `json:"at"`
}

func newWebhookPayload(alert Alert) webhookPayload {
	return webhookPayload{
		MsgType: "text",
		Text:    webhookText{Content: alert.Content},
		Connection: connectionPayload{
			Event:       alert.Event,
			IsConnected: alert.State.IsConnected,
			Username:    alert.State.Username,
			ErrorSource: string(alert.State.ErrorSource),
			Error:       alert.State.ErrorMessage,
			Version:     alert.State.Version,
			At:          alert.At.UTC().Format(time.RFC3339),
		},
	}
}

// WebhookChannel posts connection alerts to a chat webhook.
type WebhookChannel struct {
	url    string
	client *http.Client
}

// WebhookOption configures the webhook channel.
type WebhookOption func(*WebhookChannel)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(ch *WebhookChannel) {
		if client != nil {
			ch.client = client
		}
	}
}

// NewWebhookChannel constructs a webhook channel.
func NewWebhookChannel(url string, opts ...WebhookOption) (*WebhookChannel, error) {
	if url == "" {
		return nil, errors.New("webhook channel: empty url")
	}
	channel := &WebhookChannel{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(channel)
	}
	return channel, nil
}

// Send posts the alert.
func (w *WebhookChannel) Send(ctx context.Context, alert Alert) error {
	if alert.Event == "" {
		return errors.New("webhook channel: empty event")
	}
	body, err := json.Marshal(newWebhookPayload(alert))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, alert.Event)
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook channel: %s alert rejected status=%d", alert.Event, resp.StatusCode)
	}
	return nil
}
