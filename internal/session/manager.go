// Package session coordinates session lifecycle: creation, token rotation,
// multi-device revocation and maintenance.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/planweave/planweave-auth/internal/errs"
	"github.com/planweave/planweave-auth/internal/model"
	"github.com/planweave/planweave-auth/internal/repository"
)

const (
	defaultRefreshThreshold = 5 * time.Minute
	defaultCheckInterval    = time.Minute
	defaultExpiredRetry     = 30 * time.Second
	defaultRefreshTimeout   = 30 * time.Second
	defaultRetention        = 30 * 24 * time.Hour
)

// RefreshFunc is invoked by the rotation loop when the current session's
// access token is expired or close to expiry. Errors are logged by the loop
// and retried on its own schedule; they never propagate.
type RefreshFunc func(ctx context.Context, sessionID uuid.UUID) error

// StartParams carries everything needed to open a session for this device.
type StartParams struct {
	UserID       uuid.UUID
	DeviceID     string
	DeviceName   string
	AccessToken  string
	RefreshToken string
	TokenExpiry  time.Time
	IPAddress    string // optional
	UserAgent    string // optional
}

// Option tunes Manager timing; tests shrink the intervals.
type Option func(*Manager)

// WithRefreshThreshold sets how close to expiry proactive refresh starts.
func WithRefreshThreshold(d time.Duration) Option {
	return func(m *Manager) { m.refreshThreshold = d }
}

// WithIntervals sets the loop's check and expired-retry sleeps.
func WithIntervals(check, expiredRetry time.Duration) Option {
	return func(m *Manager) {
		m.checkInterval = check
		m.expiredRetry = expiredRetry
	}
}

// WithRetention sets how long revoked sessions are kept before cleanup.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) { m.retention = d }
}

// rotation is the state of one background rotation loop. Expiry is read and
// written only under Manager.mu so updates are observed by the next tick.
type rotation struct {
	sessionID uuid.UUID
	userID    uuid.UUID
	expiry    time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// Manager owns the lifecycle of this device's session and orchestrates
// multi-device revocation. One instance per process.
type Manager struct {
	repo repository.SessionRepository
	log  *zap.Logger

	refreshThreshold time.Duration
	checkInterval    time.Duration
	expiredRetry     time.Duration
	refreshTimeout   time.Duration
	retention        time.Duration

	mu      sync.Mutex
	refresh RefreshFunc
	rot     *rotation // nil when no loop is running
	current uuid.UUID // uuid.Nil when no current session

	onCurrentChange func(uuid.UUID)
}

// NewManager constructs a session manager.
func NewManager(repo repository.SessionRepository, log *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		repo:             repo,
		log:              log,
		refreshThreshold: defaultRefreshThreshold,
		checkInterval:    defaultCheckInterval,
		expiredRetry:     defaultExpiredRetry,
		refreshTimeout:   defaultRefreshTimeout,
		retention:        defaultRetention,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetRefreshFunc installs the rotation refresh callback. Must be called
// before the first StartSession.
func (m *Manager) SetRefreshFunc(f RefreshFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh = f
}

// SetCurrentSessionObserver registers a callback invoked whenever the
// current session id changes (uuid.Nil on clear).
func (m *Manager) SetCurrentSessionObserver(f func(uuid.UUID)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCurrentChange = f
}

// CurrentSessionID returns this device's session id, or uuid.Nil.
func (m *Manager) CurrentSessionID() uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// StartSession opens a new session for this device. Effects in order: the
// prior rotation loop is cancelled, the session record is created, the
// device fingerprint is registered (untrusted by default), the rotation loop
// starts, and the new id is published as current. Repository failure aborts
// before any timer starts.
func (m *Manager) StartSession(ctx context.Context, p StartParams) (uuid.UUID, error) {
	if p.UserID == uuid.Nil {
		return uuid.Nil, errors.New("session: empty user id")
	}
	if p.DeviceID == "" {
		return uuid.Nil, errors.New("session: empty device id")
	}

	m.stopRotation()

	id, err := m.repo.CreateSession(ctx, repository.CreateSessionParams{
		UserID:       p.UserID,
		DeviceID:     p.DeviceID,
		DeviceName:   p.DeviceName,
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		ExpiresAt:    p.TokenExpiry,
		IPAddress:    p.IPAddress,
		UserAgent:    p.UserAgent,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("create session: %w", err)
	}

	fp := model.DeviceFingerprint{
		Fingerprint: model.FingerprintDevice(p.DeviceID, p.DeviceName, p.UserAgent),
		UserID:      p.UserID,
		DeviceID:    p.DeviceID,
		DeviceName:  p.DeviceName,
		UserAgent:   p.UserAgent,
		Trusted:     false,
	}
	if err := m.repo.RegisterDevice(ctx, fp); err != nil {
		return uuid.Nil, fmt.Errorf("register device: %w", err)
	}

	m.mu.Lock()
	m.startRotationLocked(id, p.UserID, p.TokenExpiry)
	m.setCurrentLocked(id)
	m.mu.Unlock()

	m.log.Info("session started",
		zap.String("session_id", id.String()),
		zap.String("device_id", p.DeviceID),
	)
	return id, nil
}

// ResumeSession restarts rotation for a session surviving a process restart.
// It touches last_accessed_at and republishes the id as current.
func (m *Manager) ResumeSession(ctx context.Context, sessionID, userID uuid.UUID, tokenExpiry time.Time) error {
	if sessionID == uuid.Nil {
		return errs.ErrNoSession
	}
	m.stopRotation()

	if err := m.repo.TouchSession(ctx, sessionID); err != nil {
		return err
	}

	m.mu.Lock()
	m.startRotationLocked(sessionID, userID, tokenExpiry)
	m.setCurrentLocked(sessionID)
	m.mu.Unlock()

	m.log.Info("session resumed", zap.String("session_id", sessionID.String()))
	return nil
}

// UpdateSessionTokens persists a rotated token pair and restarts the
// rotation loop against the new expiry. The stop-then-start handoff happens
// under the manager lock so the loop can never read a stale expiry.
func (m *Manager) UpdateSessionTokens(ctx context.Context, sessionID uuid.UUID, accessToken, refreshToken string, expiresAt time.Time) error {
	if err := m.repo.UpdateSessionTokens(ctx, sessionID, accessToken, refreshToken, expiresAt); err != nil {
		return err
	}

	m.mu.Lock()
	if m.rot != nil && m.rot.sessionID == sessionID {
		userID := m.rot.userID
		m.stopRotationLocked()
		m.startRotationLocked(sessionID, userID, expiresAt)
	}
	m.mu.Unlock()

	m.log.Debug("session tokens rotated",
		zap.String("session_id", sessionID.String()),
		zap.Time("expires_at", expiresAt),
	)
	return nil
}

// ValidateToken reports whether the token is absent from the blacklist.
// This is a negative check only: a non-blacklisted token may still be past
// its natural expiry, which callers check separately.
func (m *Manager) ValidateToken(ctx context.Context, token string) (bool, error) {
	blacklisted, err := m.repo.IsTokenBlacklisted(ctx, token)
	if err != nil {
		return false, err
	}
	return !blacklisted, nil
}

// EndCurrentSession revokes this device's session, blacklists its access
// token and stops the rotation loop.
func (m *Manager) EndCurrentSession(ctx context.Context, reason model.RevokeReason) error {
	m.mu.Lock()
	id := m.current
	m.mu.Unlock()
	if id == uuid.Nil {
		return errs.ErrNoSession
	}

	m.stopRotation()

	s, err := m.repo.GetSession(ctx, id)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return err
	}
	if err := m.repo.RevokeSession(ctx, id, reason); err != nil && !errors.Is(err, errs.ErrNotFound) {
		return err
	}
	if s != nil && s.AccessToken != "" {
		if err := m.repo.BlacklistToken(ctx, s.AccessToken, s.ExpiresAt); err != nil {
			m.log.Warn("blacklist token", zap.Error(err))
		}
	}

	m.mu.Lock()
	m.setCurrentLocked(uuid.Nil)
	m.mu.Unlock()

	m.log.Info("session ended",
		zap.String("session_id", id.String()),
		zap.String("reason", string(reason)),
	)
	return nil
}

// EndAllUserSessions revokes every active session of a user. If the current
// session belongs to that user its rotation loop stops and current clears.
func (m *Manager) EndAllUserSessions(ctx context.Context, userID uuid.UUID, reason model.RevokeReason) error {
	m.mu.Lock()
	ownCurrent := m.rot != nil && m.rot.userID == userID
	m.mu.Unlock()

	if ownCurrent {
		m.stopRotation()
	}

	n, err := m.repo.RevokeAllUserSessions(ctx, userID, reason)
	if err != nil {
		return err
	}

	if ownCurrent {
		m.mu.Lock()
		m.setCurrentLocked(uuid.Nil)
		m.mu.Unlock()
	}

	m.log.Info("all user sessions ended",
		zap.String("user_id", userID.String()),
		zap.Int("revoked", n),
		zap.String("reason", string(reason)),
	)
	return nil
}

// EndAllOtherSessions revokes every active session of a user except the
// current one. The current session and its rotation loop are untouched.
func (m *Manager) EndAllOtherSessions(ctx context.Context, userID uuid.UUID, reason model.RevokeReason) error {
	m.mu.Lock()
	current := m.current
	m.mu.Unlock()
	if current == uuid.Nil {
		return errs.ErrNoSession
	}

	n, err := m.repo.RevokeAllOtherSessions(ctx, userID, current, reason)
	if err != nil {
		return err
	}
	m.log.Info("other sessions ended",
		zap.String("user_id", userID.String()),
		zap.Int("revoked", n),
		zap.String("reason", string(reason)),
	)
	return nil
}

// ListUserSessions returns the active-session projection for display, with
// this device's session flagged current.
func (m *Manager) ListUserSessions(ctx context.Context, userID uuid.UUID) ([]model.SessionDisplayData, error) {
	sessions, err := m.repo.GetActiveSessionsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	current := m.CurrentSessionID()

	out := make([]model.SessionDisplayData, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, model.SessionDisplayData{
			ID:             s.ID.String(),
			DeviceName:     s.DeviceName,
			DeviceID:       s.DeviceID,
			IPAddress:      s.IPAddress,
			CreatedAt:      s.CreatedAt,
			LastAccessedAt: s.LastAccessedAt,
			IsCurrent:      s.ID == current,
		})
	}
	return out, nil
}

// CountActiveSessions counts a user's active sessions.
func (m *Manager) CountActiveSessions(ctx context.Context, userID uuid.UUID) (int, error) {
	return m.repo.CountActiveSessions(ctx, userID)
}

// CleanupOldSessions revokes expired sessions and purges long-terminal ones.
// Idempotent; intended for a recurring schedule.
func (m *Manager) CleanupOldSessions(ctx context.Context) (int, error) {
	return m.repo.CleanupOldSessions(ctx, m.retention)
}

// CleanupExpiredBlacklist purges blacklist entries past their expiry.
func (m *Manager) CleanupExpiredBlacklist(ctx context.Context) (int, error) {
	return m.repo.CleanupExpiredBlacklist(ctx)
}

// Stop cancels any running rotation loop and waits for it to exit.
// Idempotent; part of manager disposal.
func (m *Manager) Stop() {
	m.stopRotation()
}

func (m *Manager) setCurrentLocked(id uuid.UUID) {
	if m.current == id {
		return
	}
	m.current = id
	if m.onCurrentChange != nil {
		m.onCurrentChange(id)
	}
}

// stopRotation cancels the loop and waits for it outside the lock.
func (m *Manager) stopRotation() {
	m.mu.Lock()
	done := m.stopRotationLocked()
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (m *Manager) stopRotationLocked() chan struct{} {
	if m.rot == nil {
		return nil
	}
	m.rot.cancel()
	done := m.rot.done
	m.rot = nil
	return done
}

func (m *Manager) startRotationLocked(sessionID, userID uuid.UUID, expiry time.Time) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &rotation{
		sessionID: sessionID,
		userID:    userID,
		expiry:    expiry,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	m.rot = r
	go m.rotationLoop(ctx, r)
}

// rotationLoop re-evaluates remaining lifetime from wall-clock time every
// tick rather than arming a one-shot timer, so expiry corrections made by
// UpdateSessionTokens are picked up after its stop-then-start handoff.
func (m *Manager) rotationLoop(ctx context.Context, r *rotation) {
	defer close(r.done)
	for {
		if ctx.Err() != nil {
			return
		}
		m.mu.Lock()
		expiry := r.expiry
		m.mu.Unlock()

		var wait time.Duration
		remaining := time.Until(expiry)
		switch {
		case remaining <= 0:
			m.invokeRefresh(ctx, r.sessionID, true)
			wait = m.expiredRetry
		case remaining <= m.refreshThreshold:
			m.invokeRefresh(ctx, r.sessionID, false)
			wait = m.checkInterval
		default:
			wait = m.checkInterval
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// invokeRefresh runs the refresh callback with a timeout; failures are
// logged and retried on the loop's schedule, never propagated.
func (m *Manager) invokeRefresh(ctx context.Context, sessionID uuid.UUID, expired bool) {
	m.mu.Lock()
	refresh := m.refresh
	m.mu.Unlock()
	if refresh == nil {
		m.log.Warn("rotation tick with no refresh callback",
			zap.String("session_id", sessionID.String()))
		return
	}
	if ctx.Err() != nil {
		return
	}

	rctx, cancel := context.WithTimeout(ctx, m.refreshTimeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			m.log.Error("refresh callback panicked",
				zap.String("session_id", sessionID.String()),
				zap.Any("panic", rec),
			)
		}
	}()
	if err := refresh(rctx, sessionID); err != nil {
		m.log.Warn("token refresh failed",
			zap.String("session_id", sessionID.String()),
			zap.Bool("expired", expired),
			zap.Error(err),
		)
	}
}
