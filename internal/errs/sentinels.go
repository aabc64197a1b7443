// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/client/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNetwork indicates a transient network failure; safe to retry.
	ErrNetwork = errors.New("network error")

	// ErrInvalidCredentials indicates the provider rejected the credentials.
	// Terminal for the current attempt; do not retry automatically.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrTokenExpired indicates an access or refresh token is past its expiry.
	ErrTokenExpired = errors.New("token expired")

	// ErrServer indicates an upstream 5xx-class failure.
	ErrServer = errors.New("server error")

	// ErrUserCancelled indicates the user aborted the operation.
	ErrUserCancelled = errors.New("cancelled by user")

	// ErrSessionRevoked indicates the session is terminal and cannot be reused.
	ErrSessionRevoked = errors.New("session revoked")

	// ErrNoSession indicates no current session exists for this manager.
	ErrNoSession = errors.New("no active session")
)
