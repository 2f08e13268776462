package fleetapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	positions "fleet-link/internal/positions/domain"
)

const (
	defaultHTTPTimeout = 15 * time.Second
	defaultMaxTries    = 3
)

// Client is a minimal REST client for the remote fleet API.
type Client struct {
	baseURL  string
	client   *http.Client
	maxTries uint
	backoff  func() backoff.BackOff
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// WithMaxTries bounds retries of a single call. 1 disables retrying.
func WithMaxTries(n uint) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxTries = n
		}
	}
}

// WithBackOff overrides the retry schedule.
func WithBackOff(factory func() backoff.BackOff) Option {
	return func(c *Client) {
		if factory != nil {
			c.backoff = factory
		}
	}
}

// NewClient constructs a fleet API client.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("%w: empty base url", ErrConfiguration)
	}
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: defaultHTTPTimeout},
		maxTries: defaultMaxTries,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Authenticate exchanges credentials for a remote session token.
func (c *Client) Authenticate(ctx context.Context, username, secret string) (Token, error) {
	if username == "" || secret == "" {
		return Token{}, fmt.Errorf("%w: empty credentials", ErrConfiguration)
	}
	body := loginRequest{Username: username, Password: secret}
	resp, err := retry(ctx, c, func() (loginResponse, error) {
		var out loginResponse
		err := c.doJSON(ctx, http.MethodPost, "/api/auth/login", "", body, &out, ErrAuthentication)
		return out, err
	})
	if err != nil {
		return Token{}, err
	}
	if resp.Token == "" {
		return Token{}, fmt.Errorf("%w: login response without token", ErrMalformedResponse)
	}
	var fallback time.Time
	if resp.ExpiresAt != "" {
		if parsed, perr := time.Parse(time.RFC3339, resp.ExpiresAt); perr == nil {
			fallback = parsed.UTC()
		}
	}
	return NewToken(resp.Token, fallback), nil
}

// FetchPositions loads the latest position of each entity. An empty id list
// asks for every entity visible to the token.
func (c *Client) FetchPositions(ctx context.Context, token string, entityIDs []string) ([]positions.Position, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: no session token", ErrTokenExpired)
	}
	body := positionsRequest{EntityIDs: entityIDs}
	resp, err := retry(ctx, c, func() (positionsResponse, error) {
		var out positionsResponse
		err := c.doJSON(ctx, http.MethodPost, "/api/positions/latest", token, body, &out, ErrTokenExpired)
		return out, err
	})
	if err != nil {
		return nil, err
	}
	result := make([]positions.Position, 0, len(resp.Positions))
	for _, item := range resp.Positions {
		position, err := item.toPosition()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		result = append(result, position)
	}
	return result, nil
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

type positionsRequest struct {
	EntityIDs []string `json:"entity_ids,omitempty"`
}

type positionsResponse struct {
	Positions []remotePosition `json:"positions"`
}

type remotePosition struct {
	DeviceID   string  `json:"device_id"`
	Latitude   float64 `json:"lat"`
	Longitude  float64 `json:"lng"`
	Speed      float64 `json:"speed"`
	Course     float64 `json:"course"`
	ReportedAt int64   `json:"reported_at"`
	Moving     *bool   `json:"moving"`
}

func (p remotePosition) toPosition() (positions.Position, error) {
	if p.DeviceID == "" {
		return positions.Position{}, errors.New("missing device_id")
	}
	capturedAt, err := ParseTimestamp(p.ReportedAt)
	if err != nil {
		return positions.Position{}, err
	}
	moving := p.Speed > 0
	if p.Moving != nil {
		moving = *p.Moving
	}
	return positions.Position{
		EntityID:   p.DeviceID,
		Latitude:   p.Latitude,
		Longitude:  p.Longitude,
		Speed:      p.Speed,
		Course:     p.Course,
		CapturedAt: capturedAt,
		Moving:     moving,
	}, nil
}

// ParseTimestamp accepts unix seconds or milliseconds.
func ParseTimestamp(value int64) (time.Time, error) {
	if value <= 0 {
		return time.Time{}, errors.New("invalid reported_at")
	}
	if value > 1_000_000_000_000 {
		return time.UnixMilli(value).UTC(), nil
	}
	return time.Unix(value, 0).UTC(), nil
}

func retry[T any](ctx context.Context, c *Client, op func() (T, error)) (T, error) {
	out, err := backoff.Retry(ctx, func() (T, error) {
		res, err := op()
		var rateLimited *backoff.RetryAfterError
		if errors.As(err, &rateLimited) {
			return res, err
		}
		if err != nil && !IsTransient(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}, backoff.WithBackOff(c.backoff()), backoff.WithMaxTries(c.maxTries))
	if err == nil {
		return out, nil
	}
	var rateLimited *backoff.RetryAfterError
	switch {
	case errors.As(err, &rateLimited):
		return out, fmt.Errorf("%w: rate limited, retry after %s", ErrTransient, rateLimited.Duration)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return out, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return out, err
}

func (c *Client) doJSON(ctx context.Context, method, path, token string, body any, out any, unauthorized error) error {
	var reqBody io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("X-Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %v", ErrTransient, ctxErr)
		}
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return unauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		if seconds, perr := strconv.Atoi(resp.Header.Get("Retry-After")); perr == nil && seconds > 0 {
			return backoff.RetryAfter(seconds)
		}
		return fmt.Errorf("%w: http %d", ErrTransient, resp.StatusCode)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: http %d", ErrTransient, resp.StatusCode)
	case resp.StatusCode >= 300:
		return fmt.Errorf("fleetapi: http %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}
