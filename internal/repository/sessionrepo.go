// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/planweave/planweave-auth/internal/model"
)

// CreateSessionParams carries everything needed to open a new session record.
type CreateSessionParams struct {
	UserID       uuid.UUID
	DeviceID     string
	DeviceName   string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	IPAddress    string // optional
	UserAgent    string // optional
}

// SessionRepository is the single source of truth for session, device and
// blacklist records. Conflicting writes to the same session id are serialized
// at this layer.
type SessionRepository interface {
	// CreateSession inserts a new active session and returns its id.
	CreateSession(ctx context.Context, p CreateSessionParams) (uuid.UUID, error)
	// GetSession loads one session by id.
	GetSession(ctx context.Context, id uuid.UUID) (*model.Session, error)
	// UpdateSessionTokens persists a rotated token pair and touches last_accessed_at.
	// Fails with ErrSessionRevoked if the session is no longer active.
	UpdateSessionTokens(ctx context.Context, id uuid.UUID, accessToken, refreshToken string, expiresAt time.Time) error
	// TouchSession updates last_accessed_at for an active session.
	TouchSession(ctx context.Context, id uuid.UUID) error

	// RevokeSession terminates one session. Revocation is terminal.
	RevokeSession(ctx context.Context, id uuid.UUID, reason model.RevokeReason) error
	// RevokeAllUserSessions terminates every active session of a user and
	// returns how many were revoked.
	RevokeAllUserSessions(ctx context.Context, userID uuid.UUID, reason model.RevokeReason) (int, error)
	// RevokeAllOtherSessions terminates every active session of a user except
	// the given one and returns how many were revoked.
	RevokeAllOtherSessions(ctx context.Context, userID, exceptID uuid.UUID, reason model.RevokeReason) (int, error)

	// GetActiveSessionsForUser lists active sessions, most recent first.
	GetActiveSessionsForUser(ctx context.Context, userID uuid.UUID) ([]model.Session, error)
	// CountActiveSessions counts a user's active sessions.
	CountActiveSessions(ctx context.Context, userID uuid.UUID) (int, error)

	// RegisterDevice inserts or refreshes a device fingerprint record.
	// New devices default to untrusted.
	RegisterDevice(ctx context.Context, fp model.DeviceFingerprint) error
	// SetDeviceTrusted flips the trusted flag on a known fingerprint.
	SetDeviceTrusted(ctx context.Context, fingerprint string, trusted bool) error
	// GetDevice loads a fingerprint record.
	GetDevice(ctx context.Context, fingerprint string) (*model.DeviceFingerprint, error)

	// BlacklistToken records a token revoked before its natural expiry.
	BlacklistToken(ctx context.Context, token string, expiresAt time.Time) error
	// IsTokenBlacklisted reports whether a token was explicitly revoked.
	// Absence is not proof of validity; expiry is checked separately.
	IsTokenBlacklisted(ctx context.Context, token string) (bool, error)

	// CleanupOldSessions revokes expired sessions and deletes long-terminal
	// ones. Idempotent; safe alongside normal traffic.
	CleanupOldSessions(ctx context.Context, retention time.Duration) (int, error)
	// CleanupExpiredBlacklist purges blacklist entries past their expiry.
	CleanupExpiredBlacklist(ctx context.Context) (int, error)
}
