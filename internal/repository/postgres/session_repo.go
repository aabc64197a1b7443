package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/planweave/planweave-auth/internal/errs"
	"github.com/planweave/planweave-auth/internal/model"
	"github.com/planweave/planweave-auth/internal/repository"
)

// SessionRepo implements repository.SessionRepository using PostgreSQL.
type SessionRepo struct{ db *DB }

// NewSessionRepo constructs a session repository.
func NewSessionRepo(db *DB) *SessionRepo { return &SessionRepo{db: db} }

var _ repository.SessionRepository = (*SessionRepo)(nil)

// CreateSession inserts a new active session row.
func (r *SessionRepo) CreateSession(ctx context.Context, p repository.CreateSessionParams) (uuid.UUID, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return uuid.Nil, err
	}
	const q = `
INSERT INTO sessions (id, user_id, device_id, device_name, access_token, refresh_token, expires_at, ip_address, user_agent, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'active')`
	_, err = r.db.Pool.Exec(ctx, q,
		id, p.UserID, p.DeviceID, p.DeviceName,
		p.AccessToken, p.RefreshToken, p.ExpiresAt,
		nullable(p.IPAddress), nullable(p.UserAgent))
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

const sessionColumns = `id, user_id, device_id, device_name, access_token, refresh_token, expires_at,
       COALESCE(ip_address, ''), COALESCE(user_agent, ''), status, COALESCE(revoke_reason, ''),
       created_at, last_accessed_at`

// GetSession selects one session by id.
func (r *SessionRepo) GetSession(ctx context.Context, id uuid.UUID) (*model.Session, error) {
	const q = `
SELECT ` + sessionColumns + `
FROM sessions WHERE id=$1`
	row := r.db.Pool.QueryRow(ctx, q, id)
	var s model.Session
	if err := row.Scan(
		&s.ID, &s.UserID, &s.DeviceID, &s.DeviceName,
		&s.AccessToken, &s.RefreshToken, &s.ExpiresAt,
		&s.IPAddress, &s.UserAgent, &s.Status, &s.RevokeReason,
		&s.CreatedAt, &s.LastAccessedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// UpdateSessionTokens persists a rotated token pair for an active session.
func (r *SessionRepo) UpdateSessionTokens(ctx context.Context, id uuid.UUID, accessToken, refreshToken string, expiresAt time.Time) error {
	const q = `
UPDATE sessions
SET access_token=$2, refresh_token=$3, expires_at=$4, last_accessed_at=now()
WHERE id=$1 AND status='active'`
	tag, err := r.db.Pool.Exec(ctx, q, id, accessToken, refreshToken, expiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrSessionRevoked
	}
	return nil
}

// TouchSession bumps last_accessed_at for an active session.
func (r *SessionRepo) TouchSession(ctx context.Context, id uuid.UUID) error {
	const q = `
UPDATE sessions SET last_accessed_at=now() WHERE id=$1 AND status='active'`
	tag, err := r.db.Pool.Exec(ctx, q, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrSessionRevoked
	}
	return nil
}

// RevokeSession terminates one session; already-revoked sessions stay terminal.
func (r *SessionRepo) RevokeSession(ctx context.Context, id uuid.UUID, reason model.RevokeReason) error {
	const q = `
UPDATE sessions
SET status='revoked', revoke_reason=$2, revoked_at=now()
WHERE id=$1 AND status='active'`
	tag, err := r.db.Pool.Exec(ctx, q, id, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// RevokeAllUserSessions terminates every active session of a user.
func (r *SessionRepo) RevokeAllUserSessions(ctx context.Context, userID uuid.UUID, reason model.RevokeReason) (int, error) {
	const q = `
UPDATE sessions
SET status='revoked', revoke_reason=$2, revoked_at=now()
WHERE user_id=$1 AND status='active'`
	tag, err := r.db.Pool.Exec(ctx, q, userID, reason)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// RevokeAllOtherSessions terminates every active session of a user except one.
func (r *SessionRepo) RevokeAllOtherSessions(ctx context.Context, userID, exceptID uuid.UUID, reason model.RevokeReason) (int, error) {
	const q = `
UPDATE sessions
SET status='revoked', revoke_reason=$3, revoked_at=now()
WHERE user_id=$1 AND id<>$2 AND status='active'`
	tag, err := r.db.Pool.Exec(ctx, q, userID, exceptID, reason)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// GetActiveSessionsForUser lists active sessions, most recently used first.
func (r *SessionRepo) GetActiveSessionsForUser(ctx context.Context, userID uuid.UUID) ([]model.Session, error) {
	const q = `
SELECT ` + sessionColumns + `
FROM sessions
WHERE user_id=$1 AND status='active'
ORDER BY last_accessed_at DESC`
	rows, err := r.db.Pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		var s model.Session
		if err := rows.Scan(
			&s.ID, &s.UserID, &s.DeviceID, &s.DeviceName,
			&s.AccessToken, &s.RefreshToken, &s.ExpiresAt,
			&s.IPAddress, &s.UserAgent, &s.Status, &s.RevokeReason,
			&s.CreatedAt, &s.LastAccessedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CountActiveSessions counts a user's active sessions.
func (r *SessionRepo) CountActiveSessions(ctx context.Context, userID uuid.UUID) (int, error) {
	const q = `SELECT count(*) FROM sessions WHERE user_id=$1 AND status='active'`
	var n int
	if err := r.db.Pool.QueryRow(ctx, q, userID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// RegisterDevice inserts or refreshes a device fingerprint record.
func (r *SessionRepo) RegisterDevice(ctx context.Context, fp model.DeviceFingerprint) error {
	const q = `
INSERT INTO device_fingerprints (fingerprint, user_id, device_id, device_name, user_agent, trusted, first_seen, last_seen)
VALUES ($1, $2, $3, $4, $5, $6, now(), now())
ON CONFLICT (fingerprint)
DO UPDATE SET device_name=EXCLUDED.device_name, user_agent=EXCLUDED.user_agent, last_seen=now()`
	_, err := r.db.Pool.Exec(ctx, q,
		fp.Fingerprint, fp.UserID, fp.DeviceID, fp.DeviceName, fp.UserAgent, fp.Trusted)
	return err
}

// SetDeviceTrusted flips the trusted flag on a known fingerprint.
func (r *SessionRepo) SetDeviceTrusted(ctx context.Context, fingerprint string, trusted bool) error {
	const q = `UPDATE device_fingerprints SET trusted=$2, last_seen=now() WHERE fingerprint=$1`
	tag, err := r.db.Pool.Exec(ctx, q, fingerprint, trusted)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// GetDevice selects a fingerprint record.
func (r *SessionRepo) GetDevice(ctx context.Context, fingerprint string) (*model.DeviceFingerprint, error) {
	const q = `
SELECT fingerprint, user_id, device_id, device_name, user_agent, trusted, first_seen, last_seen
FROM device_fingerprints WHERE fingerprint=$1`
	row := r.db.Pool.QueryRow(ctx, q, fingerprint)
	var fp model.DeviceFingerprint
	if err := row.Scan(
		&fp.Fingerprint, &fp.UserID, &fp.DeviceID, &fp.DeviceName,
		&fp.UserAgent, &fp.Trusted, &fp.FirstSeen, &fp.LastSeen,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &fp, nil
}

// BlacklistToken records an early-revoked token until its natural expiry.
func (r *SessionRepo) BlacklistToken(ctx context.Context, token string, expiresAt time.Time) error {
	const q = `
INSERT INTO token_blacklist (token, expires_at, revoked_at)
VALUES ($1, $2, now())
ON CONFLICT (token) DO NOTHING`
	_, err := r.db.Pool.Exec(ctx, q, token, expiresAt)
	return err
}

// IsTokenBlacklisted reports whether a token was explicitly revoked.
func (r *SessionRepo) IsTokenBlacklisted(ctx context.Context, token string) (bool, error) {
	const q = `SELECT EXISTS(SELECT 1 FROM token_blacklist WHERE token=$1)`
	var exists bool
	if err := r.db.Pool.QueryRow(ctx, q, token).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// CleanupOldSessions revokes already-expired active sessions and deletes
// revoked ones past the retention window. Idempotent.
func (r *SessionRepo) CleanupOldSessions(ctx context.Context, retention time.Duration) (int, error) {
	const expireQ = `
UPDATE sessions
SET status='revoked', revoke_reason='expired', revoked_at=now()
WHERE status='active' AND expires_at < now()`
	tag, err := r.db.Pool.Exec(ctx, expireQ)
	if err != nil {
		return 0, err
	}
	n := int(tag.RowsAffected())

	const purgeQ = `
DELETE FROM sessions
WHERE status='revoked' AND revoked_at < now() - $1::interval`
	tag, err = r.db.Pool.Exec(ctx, purgeQ, retention)
	if err != nil {
		return n, err
	}
	return n + int(tag.RowsAffected()), nil
}

// CleanupExpiredBlacklist purges blacklist entries past their natural expiry.
func (r *SessionRepo) CleanupExpiredBlacklist(ctx context.Context) (int, error) {
	const q = `DELETE FROM token_blacklist WHERE expires_at < now()`
	tag, err := r.db.Pool.Exec(ctx, q)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// nullable maps "" to NULL for optional text columns.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
