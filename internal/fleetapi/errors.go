package fleetapi

import (
	"context"
	"errors"
	"net"
)

// Error taxonomy for the remote fleet API. Callers classify with errors.Is.
var (
	// ErrTransient covers timeouts, refused connections, 5xx and rate limiting. Retryable.
	ErrTransient = errors.New("fleetapi: transient network error")
	// ErrAuthentication means the remote rejected the credentials.
	ErrAuthentication = errors.New("fleetapi: authentication failed")
	// ErrTokenExpired means the remote rejected a session token that used to work.
	ErrTokenExpired = errors.New("fleetapi: token expired")
	// ErrConfiguration is fatal: missing endpoint or credentials. Never retried.
	ErrConfiguration = errors.New("fleetapi: configuration error")
	// ErrMalformedResponse means the remote answered with something undecodable.
	ErrMalformedResponse = errors.New("fleetapi: malformed response")
)

// IsTransient reports whether err should be retried on a later attempt.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Reason maps an error onto a short label for logs and metrics.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrAuthentication):
		return "authentication"
	case errors.Is(err, ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed_response"
	case IsTransient(err):
		return "transient"
	default:
		return "unknown"
	}
}
