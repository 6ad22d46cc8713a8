package model

import "errors"

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation error")

	// ErrSessionExpired is recoverable by refreshing the shared credential
	// and retrying the single failed unit of work.
	ErrSessionExpired = errors.New("upstream session expired")
	// ErrUpstreamBlocked signals connection resets, 403 or 429 responses,
	// most likely rate limiting. The current job must fail.
	ErrUpstreamBlocked = errors.New("upstream blocked the request")
	ErrUpstreamAPI     = errors.New("upstream api error")
	ErrLoginFailed     = errors.New("upstream login failed")
	ErrNoCredential    = errors.New("no upstream credential obtainable")
)
