package state

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/planweave/planweave-auth/internal/authclient"
	"github.com/planweave/planweave-auth/internal/errs"
	"github.com/planweave/planweave-auth/internal/model"
	"github.com/planweave/planweave-auth/internal/securestore"
	"github.com/planweave/planweave-auth/internal/session"
)

const (
	defaultRefreshThreshold = 5 * time.Minute
	demoTokenTTL            = 24 * time.Hour
	subscriberBuffer        = 16
)

// userNamespace maps provider subjects to stable internal user ids.
var userNamespace = uuid.Must(uuid.FromString("8e0e8d7c-34bb-5c4f-9df1-2f6b0a4c9d11"))

// DeviceInfo identifies the device this process runs on.
type DeviceInfo struct {
	ID        string
	Name      string
	UserAgent string
	IPAddress string
}

// Config tunes the state manager. OAuthEnabled is the single switch between
// real OAuth and the synthesized demo identity; nothing else branches on it.
type Config struct {
	OAuthEnabled     bool
	RefreshThreshold time.Duration
	Device           DeviceInfo
}

// Manager is the authentication state machine. It composes the auth client,
// the secure token store and the session manager into one observable
// Loading/Unauthenticated/Authenticated/Error state. Single writer: only
// this manager mutates the state container.
type Manager struct {
	client   authclient.Client
	store    securestore.TokenStore
	sessions *session.Manager
	log      *zap.Logger
	cfg      Config

	mu       sync.Mutex
	state    AuthState
	subs     map[int]chan AuthState
	nextSub  int
	disposed bool
}

// NewManager wires the state machine and installs the rotation refresh
// callback on the session manager. One instance per process lifetime,
// owned by the composition root.
func NewManager(client authclient.Client, store securestore.TokenStore, sessions *session.Manager, cfg Config, log *zap.Logger) *Manager {
	if cfg.RefreshThreshold <= 0 {
		cfg.RefreshThreshold = defaultRefreshThreshold
	}
	m := &Manager{
		client:   client,
		store:    store,
		sessions: sessions,
		log:      log,
		cfg:      cfg,
		state:    Loading(),
		subs:     map[int]chan AuthState{},
	}
	sessions.SetRefreshFunc(m.rotationRefresh)
	return m
}

// State returns the current state snapshot.
func (m *Manager) State() AuthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe returns a stream of state changes and a cancel func. The stream
// is buffered; a slow consumer misses intermediate states, never blocks the
// machine.
func (m *Manager) Subscribe() (<-chan AuthState, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	ch := make(chan AuthState, subscriberBuffer)
	if !m.disposed {
		m.subs[id] = ch
	} else {
		close(ch)
	}
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
	}
}

func (m *Manager) setState(st AuthState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return
	}
	m.state = st
	m.log.Debug("auth state changed", zap.String("state", st.Kind.String()))
	for _, ch := range m.subs {
		select {
		case ch <- st:
		default:
		}
	}
}

// Initialize decides the cold-start state: a valid cached token resumes the
// session (refreshing first when the remaining lifetime is under the
// threshold), an invalid or missing one lands in Unauthenticated. With
// OAuth disabled it synthesizes a demo identity and never touches the
// network.
func (m *Manager) Initialize(ctx context.Context) error {
	m.setState(Loading())

	if !m.cfg.OAuthEnabled {
		return m.initializeDemo(ctx)
	}

	st, ok := m.store.Get()
	if !ok || st.AccessToken == "" {
		m.setState(Unauthenticated())
		return nil
	}

	userID, err := uuid.FromString(st.UserID)
	if err != nil {
		// unreadable identity: treat the cache as garbage
		_ = m.store.Clear()
		m.setState(Unauthenticated())
		return nil
	}

	var profile *model.UserProfile
	tokens := model.Tokens{
		AccessToken:  st.AccessToken,
		RefreshToken: st.RefreshToken,
		ExpiresAt:    st.ExpiresAt,
	}

	// never present as authenticated with a near-expiry token
	if time.Until(st.ExpiresAt) <= m.cfg.RefreshThreshold {
		resp, err := m.client.RefreshToken(ctx)
		if err != nil {
			if errors.Is(err, errs.ErrNetwork) || errors.Is(err, errs.ErrServer) {
				m.setState(Errored("could not refresh session", codeFromErr(err)))
				return err
			}
			// refresh token dead: cached identity is unusable
			_ = m.store.Clear()
			m.setState(Unauthenticated())
			return nil
		}
		tokens = resp.Tokens
		profile = resp.User
	}

	sessionID, err := m.ensureSession(ctx, st.SessionID, userID, tokens)
	if err != nil {
		m.setState(Errored("could not restore session", codeFromErr(err)))
		return err
	}

	if profile == nil {
		profile = &model.UserProfile{UserID: st.UserID, Provider: st.Provider}
	}
	m.setState(Authenticated(st.UserID, profile, sessionID.String()))
	return nil
}

// initializeDemo synthesizes a local identity with a self-issued token.
func (m *Manager) initializeDemo(ctx context.Context) error {
	userID := uuid.NewV5(userNamespace, "demo-user")
	profile := &model.UserProfile{
		UserID:      userID.String(),
		Email:       "demo@planweave.local",
		DisplayName: "Demo User",
		Provider:    string(authclient.ProviderDemo),
		Role:        "USER",
		CreatedAt:   time.Now(),
	}

	expiry := time.Now().Add(demoTokenTTL)
	access, err := demoToken(userID, expiry)
	if err != nil {
		m.setState(Errored("could not create demo identity", CodeUnknown))
		return err
	}
	tokens := model.Tokens{AccessToken: access, ExpiresAt: expiry}

	sessionID, err := m.startSession(ctx, userID, tokens)
	if err != nil {
		m.setState(Errored("could not create demo session", codeFromErr(err)))
		return err
	}

	if err := m.store.Save(securestore.State{
		AccessToken: access,
		UserID:      userID.String(),
		SessionID:   sessionID.String(),
		Provider:    string(authclient.ProviderDemo),
		ExpiresAt:   expiry,
	}); err != nil {
		return err
	}
	m.setState(Authenticated(userID.String(), profile, sessionID.String()))
	return nil
}

// Login exchanges an authorization code, opens a session and publishes
// Authenticated. Failures publish a typed Error state and are returned.
func (m *Manager) Login(ctx context.Context, provider authclient.Provider, code string, extra *authclient.SignupInfo) error {
	m.setState(Loading())

	resp, err := m.client.LoginWithProvider(ctx, provider, code, extra)
	if err != nil {
		m.setState(Errored("login failed", codeFromErr(err)))
		return err
	}

	userID := internalUserID(provider, resp.User.UserID)
	sessionID, err := m.startSession(ctx, userID, resp.Tokens)
	if err != nil {
		m.setState(Errored("could not open session", codeFromErr(err)))
		return err
	}

	// rewrite the provider subject with the internal id and bind the session
	if st, ok := m.store.Get(); ok {
		st.UserID = userID.String()
		st.SessionID = sessionID.String()
		if err := m.store.Save(st); err != nil {
			m.log.Warn("persist session binding", zap.Error(err))
		}
	}

	m.setState(Authenticated(userID.String(), resp.User, sessionID.String()))
	return nil
}

// Logout always lands in Unauthenticated locally. The remote revocation and
// the session-record revocation are best effort: a user-initiated logout
// must leave this device logged out even when the network is down. This is
// deliberate policy, trading server-side immediacy for local consistency.
func (m *Manager) Logout(ctx context.Context) error {
	if err := m.client.Logout(ctx); err != nil {
		m.log.Warn("remote logout failed, proceeding locally", zap.Error(err))
	}
	if err := m.sessions.EndCurrentSession(ctx, model.RevokeLogout); err != nil && !errors.Is(err, errs.ErrNoSession) {
		m.log.Warn("session revocation failed, proceeding locally", zap.Error(err))
	}
	if err := m.store.Clear(); err != nil {
		m.log.Warn("token store clear failed", zap.Error(err))
	}
	m.setState(Unauthenticated())
	return nil
}

// RefreshTokenIfNeeded refreshes proactively when the cached token's
// remaining lifetime is under the threshold. No-op otherwise.
func (m *Manager) RefreshTokenIfNeeded(ctx context.Context) error {
	if m.State().Kind != KindAuthenticated {
		return nil
	}
	st, ok := m.store.Get()
	if !ok {
		return nil
	}
	if time.Until(st.ExpiresAt) > m.cfg.RefreshThreshold {
		return nil
	}
	if err := m.refreshSession(ctx, m.sessions.CurrentSessionID()); err != nil {
		if isTerminalRefreshErr(err) {
			m.HandleTokenExpired(ctx)
		}
		return err
	}
	return nil
}

// HandleTokenExpired publishes Error{TokenExpired} and forces a local
// logout. Refresh failure is never silently ignored while UI believes it is
// still authenticated.
func (m *Manager) HandleTokenExpired(ctx context.Context) {
	m.setState(Errored("session expired", CodeTokenExpired))
	if err := m.sessions.EndCurrentSession(ctx, model.RevokeExpired); err != nil && !errors.Is(err, errs.ErrNoSession) {
		m.log.Warn("expired-session revocation failed", zap.Error(err))
	}
	if err := m.store.Clear(); err != nil {
		m.log.Warn("token store clear failed", zap.Error(err))
	}
	m.setState(Unauthenticated())
}

// CurrentUserID returns the authenticated user id, or "".
func (m *Manager) CurrentUserID() string {
	st := m.State()
	if st.Kind != KindAuthenticated {
		return ""
	}
	return st.UserID
}

// CurrentAccessToken returns the cached access token, or "".
func (m *Manager) CurrentAccessToken() string {
	if m.State().Kind != KindAuthenticated {
		return ""
	}
	st, ok := m.store.Get()
	if !ok {
		return ""
	}
	return st.AccessToken
}

// ActiveSessions lists the user's active sessions with this device's
// session flagged current.
func (m *Manager) ActiveSessions(ctx context.Context) ([]model.SessionDisplayData, error) {
	st := m.State()
	if st.Kind != KindAuthenticated {
		return nil, errs.ErrNoSession
	}
	userID, err := uuid.FromString(st.UserID)
	if err != nil {
		return nil, err
	}
	return m.sessions.ListUserSessions(ctx, userID)
}

// Dispose stops background work and closes subscriber streams. Idempotent;
// no state is published after disposal.
func (m *Manager) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
	m.mu.Unlock()

	m.sessions.Stop()
	m.log.Debug("auth state manager disposed")
}

// rotationRefresh is the session manager's refresh callback. Transient
// failures are left to the rotation loop's own retry schedule; a dead
// refresh token escalates to the expiry path asynchronously (the loop
// goroutine must not wait on its own cancellation).
func (m *Manager) rotationRefresh(ctx context.Context, sessionID uuid.UUID) error {
	err := m.refreshSession(ctx, sessionID)
	if err != nil && isTerminalRefreshErr(err) {
		go m.HandleTokenExpired(context.Background())
	}
	return err
}

// refreshSession performs one refresh exchange and persists the rotated
// pair. A profile returned by the provider updates the Authenticated
// payload in place; userId and sessionId never change here.
func (m *Manager) refreshSession(ctx context.Context, sessionID uuid.UUID) error {
	resp, err := m.client.RefreshToken(ctx)
	if err != nil {
		return err
	}
	if sessionID != uuid.Nil {
		if err := m.sessions.UpdateSessionTokens(ctx, sessionID, resp.Tokens.AccessToken, resp.Tokens.RefreshToken, resp.Tokens.ExpiresAt); err != nil {
			return err
		}
	}

	if resp.User != nil {
		m.mu.Lock()
		if !m.disposed && m.state.Kind == KindAuthenticated {
			next := m.state
			next.Profile = resp.User
			m.state = next
			for _, ch := range m.subs {
				select {
				case ch <- next:
				default:
				}
			}
		}
		m.mu.Unlock()
	}
	return nil
}

// ensureSession resumes the stored session or opens a fresh one when the
// cache predates session binding.
func (m *Manager) ensureSession(ctx context.Context, storedSessionID string, userID uuid.UUID, tokens model.Tokens) (uuid.UUID, error) {
	if storedSessionID != "" {
		if sid, err := uuid.FromString(storedSessionID); err == nil {
			if err := m.sessions.ResumeSession(ctx, sid, userID, tokens.ExpiresAt); err == nil {
				return sid, nil
			} else if !errors.Is(err, errs.ErrSessionRevoked) && !errors.Is(err, errs.ErrNotFound) {
				return uuid.Nil, err
			}
			// stored session is gone; fall through to a fresh one
		}
	}
	return m.startSession(ctx, userID, tokens)
}

func (m *Manager) startSession(ctx context.Context, userID uuid.UUID, tokens model.Tokens) (uuid.UUID, error) {
	return m.sessions.StartSession(ctx, session.StartParams{
		UserID:       userID,
		DeviceID:     m.cfg.Device.ID,
		DeviceName:   m.cfg.Device.Name,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		TokenExpiry:  tokens.ExpiresAt,
		IPAddress:    m.cfg.Device.IPAddress,
		UserAgent:    m.cfg.Device.UserAgent,
	})
}

// internalUserID derives a stable internal id from the provider subject.
func internalUserID(provider authclient.Provider, subject string) uuid.UUID {
	return uuid.NewV5(userNamespace, fmt.Sprintf("%s:%s", provider, subject))
}

// demoToken mints a self-signed token for the demo identity. The key is
// random per process; nothing ever validates this token remotely.
func demoToken(userID uuid.UUID, expiry time.Time) (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	claims := jwt.RegisteredClaims{
		Subject:   userID.String(),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(expiry),
		Issuer:    "planweave-demo",
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

// isTerminalRefreshErr reports whether a refresh failure means the refresh
// token itself is dead (retrying cannot help).
func isTerminalRefreshErr(err error) bool {
	return errors.Is(err, errs.ErrTokenExpired) || errors.Is(err, errs.ErrInvalidCredentials)
}

// codeFromErr is the single place sentinels become UI error codes.
func codeFromErr(err error) Code {
	switch {
	case errors.Is(err, errs.ErrNetwork), errors.Is(err, context.DeadlineExceeded):
		return CodeNetworkError
	case errors.Is(err, errs.ErrInvalidCredentials):
		return CodeInvalidCredentials
	case errors.Is(err, errs.ErrTokenExpired):
		return CodeTokenExpired
	case errors.Is(err, errs.ErrServer):
		return CodeServerError
	case errors.Is(err, errs.ErrUserCancelled), errors.Is(err, context.Canceled):
		return CodeUserCancelled
	default:
		return CodeUnknown
	}
}
