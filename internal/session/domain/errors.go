package session

import "errors"

var (
	ErrEmptyUsername   = errors.New("session: empty username")
	ErrNilRecord       = errors.New("session: nil record")
	ErrNoActiveSession = errors.New("session: no active session")
	ErrNoCachedSession = errors.New("session: no cached session")
	ErrCachedExpired   = errors.New("session: cached token expired")
	ErrInvalidSecret   = errors.New("session: local credential check failed")
	ErrNoVerifier      = errors.New("session: no local verifier configured")
)
