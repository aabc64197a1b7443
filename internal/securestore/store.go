// Package securestore persists the last successfully obtained token material.
// It is a cache of what the provider last issued, never a source of truth for
// server-side validity.
package securestore

import "time"

// State is the full snapshot held by a store. All fields travel together:
// a partial write must never be observable.
type State struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	UserID       string    `json:"user_id"`
	SessionID    string    `json:"session_id"`
	Provider     string    `json:"provider"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// validitySkew is subtracted from the stored expiry so a token about to
// expire is not reported valid.
const validitySkew = 30 * time.Second

// Valid reports whether the snapshot holds a still-usable access token.
func (s State) Valid(now time.Time) bool {
	return s.AccessToken != "" && now.Before(s.ExpiresAt.Add(-validitySkew))
}

// TokenStore is scoped key-value persistence for token material.
type TokenStore interface {
	// HasValidToken reports whether a non-expired access token is stored.
	HasValidToken() bool
	// Get returns the current snapshot; ok is false when the store is empty.
	Get() (State, bool)
	// Save atomically replaces the snapshot.
	Save(st State) error
	// Clear removes all stored token material.
	Clear() error
}
