package state

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/planweave/planweave-auth/internal/authclient"
	"github.com/planweave/planweave-auth/internal/errs"
	"github.com/planweave/planweave-auth/internal/model"
	"github.com/planweave/planweave-auth/internal/repository"
	"github.com/planweave/planweave-auth/internal/securestore"
	"github.com/planweave/planweave-auth/internal/session"
)

// stubRepo is a minimal in-memory SessionRepository.
type stubRepo struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*model.Session
	black    map[string]time.Time
}

func newStubRepo() *stubRepo {
	return &stubRepo{sessions: map[uuid.UUID]*model.Session{}, black: map[string]time.Time{}}
}

var _ repository.SessionRepository = (*stubRepo)(nil)

func (r *stubRepo) CreateSession(_ context.Context, p repository.CreateSessionParams) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.Must(uuid.NewV4())
	now := time.Now()
	r.sessions[id] = &model.Session{
		ID: id, UserID: p.UserID, DeviceID: p.DeviceID, DeviceName: p.DeviceName,
		AccessToken: p.AccessToken, RefreshToken: p.RefreshToken, ExpiresAt: p.ExpiresAt,
		Status: model.SessionActive, CreatedAt: now, LastAccessedAt: now,
	}
	return id, nil
}

func (r *stubRepo) GetSession(_ context.Context, id uuid.UUID) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *s
	return &c, nil
}

func (r *stubRepo) UpdateSessionTokens(_ context.Context, id uuid.UUID, at, rt string, exp time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.Status != model.SessionActive {
		return errs.ErrSessionRevoked
	}
	s.AccessToken, s.RefreshToken, s.ExpiresAt = at, rt, exp
	return nil
}

func (r *stubRepo) TouchSession(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.Status != model.SessionActive {
		return errs.ErrSessionRevoked
	}
	s.LastAccessedAt = time.Now()
	return nil
}

func (r *stubRepo) RevokeSession(_ context.Context, id uuid.UUID, reason model.RevokeReason) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.Status != model.SessionActive {
		return errs.ErrNotFound
	}
	s.Status = model.SessionRevoked
	s.RevokeReason = reason
	return nil
}

func (r *stubRepo) RevokeAllUserSessions(_ context.Context, userID uuid.UUID, reason model.RevokeReason) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sessions {
		if s.UserID == userID && s.Status == model.SessionActive {
			s.Status, s.RevokeReason = model.SessionRevoked, reason
			n++
		}
	}
	return n, nil
}

func (r *stubRepo) RevokeAllOtherSessions(_ context.Context, userID, exceptID uuid.UUID, reason model.RevokeReason) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sessions {
		if s.UserID == userID && s.ID != exceptID && s.Status == model.SessionActive {
			s.Status, s.RevokeReason = model.SessionRevoked, reason
			n++
		}
	}
	return n, nil
}

func (r *stubRepo) GetActiveSessionsForUser(_ context.Context, userID uuid.UUID) ([]model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Session
	for _, s := range r.sessions {
		if s.UserID == userID && s.Status == model.SessionActive {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *stubRepo) CountActiveSessions(ctx context.Context, userID uuid.UUID) (int, error) {
	ss, _ := r.GetActiveSessionsForUser(ctx, userID)
	return len(ss), nil
}

func (r *stubRepo) RegisterDevice(context.Context, model.DeviceFingerprint) error { return nil }
func (r *stubRepo) SetDeviceTrusted(context.Context, string, bool) error          { return nil }
func (r *stubRepo) GetDevice(context.Context, string) (*model.DeviceFingerprint, error) {
	return nil, errs.ErrNotFound
}

func (r *stubRepo) BlacklistToken(_ context.Context, token string, exp time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.black[token] = exp
	return nil
}

func (r *stubRepo) IsTokenBlacklisted(_ context.Context, token string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.black[token]
	return ok, nil
}

func (r *stubRepo) CleanupOldSessions(context.Context, time.Duration) (int, error) { return 0, nil }
func (r *stubRepo) CleanupExpiredBlacklist(context.Context) (int, error)           { return 0, nil }

// fakeClient is a scripted authclient.Client that writes through to a store
// the way the real one does.
type fakeClient struct {
	mu    sync.Mutex
	store securestore.TokenStore

	loginResp   *authclient.LoginResponse
	loginErr    error
	refreshResp *authclient.LoginResponse
	refreshErr  error
	logoutErr   error

	loginCalls   int
	refreshCalls int
	logoutCalls  int
}

var _ authclient.Client = (*fakeClient)(nil)

func (c *fakeClient) LoginWithProvider(_ context.Context, provider authclient.Provider, _ string, _ *authclient.SignupInfo) (*authclient.LoginResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loginCalls++
	if c.loginErr != nil {
		return nil, c.loginErr
	}
	resp := c.loginResp
	_ = c.store.Save(securestore.State{
		AccessToken:  resp.Tokens.AccessToken,
		RefreshToken: resp.Tokens.RefreshToken,
		UserID:       resp.User.UserID,
		Provider:     string(provider),
		ExpiresAt:    resp.Tokens.ExpiresAt,
	})
	return resp, nil
}

func (c *fakeClient) RefreshToken(context.Context) (*authclient.LoginResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshCalls++
	if c.refreshErr != nil {
		return nil, c.refreshErr
	}
	resp := c.refreshResp
	if st, ok := c.store.Get(); ok {
		st.AccessToken = resp.Tokens.AccessToken
		if resp.Tokens.RefreshToken != "" {
			st.RefreshToken = resp.Tokens.RefreshToken
		}
		st.ExpiresAt = resp.Tokens.ExpiresAt
		_ = c.store.Save(st)
	}
	return resp, nil
}

func (c *fakeClient) Logout(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logoutCalls++
	return c.logoutErr
}

func (c *fakeClient) IsLoggedIn() bool { return c.store.HasValidToken() }

func (c *fakeClient) StoredAccessToken() string {
	st, ok := c.store.Get()
	if !ok {
		return ""
	}
	return st.AccessToken
}

func (c *fakeClient) calls() (login, refresh, logout int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loginCalls, c.refreshCalls, c.logoutCalls
}

type fixture struct {
	m      *Manager
	client *fakeClient
	store  *securestore.MemStore
	repo   *stubRepo
}

func newFixture(t *testing.T, oauthEnabled bool) *fixture {
	t.Helper()
	repo := newStubRepo()
	sessions := session.NewManager(repo, zap.NewNop(),
		session.WithRefreshThreshold(50*time.Millisecond),
		session.WithIntervals(10*time.Millisecond, 10*time.Millisecond),
	)
	store := securestore.NewMemStore()
	client := &fakeClient{store: store}
	m := NewManager(client, store, sessions, Config{
		OAuthEnabled:     oauthEnabled,
		RefreshThreshold: 5 * time.Minute,
		Device:           DeviceInfo{ID: "dev-1", Name: "Pixel 9", UserAgent: "ua"},
	}, zap.NewNop())
	t.Cleanup(m.Dispose)
	return &fixture{m: m, client: client, store: store, repo: repo}
}

func loginResponse(sub string, expiry time.Time) *authclient.LoginResponse {
	return &authclient.LoginResponse{
		Tokens: model.Tokens{AccessToken: "at-1", RefreshToken: "rt-1", ExpiresAt: expiry},
		User: &model.UserProfile{
			UserID: sub, Email: sub + "@example.com", DisplayName: "Alice",
			Provider: string(authclient.ProviderGoogle),
		},
	}
}

func TestInitialize_DemoIdentityNoNetwork(t *testing.T) {
	f := newFixture(t, false)

	if err := f.m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	st := f.m.State()
	if st.Kind != KindAuthenticated {
		t.Fatalf("state = %s, want authenticated", st.Kind)
	}
	if st.Profile == nil || st.Profile.Provider != "DEMO" {
		t.Fatalf("profile = %+v, want provider DEMO", st.Profile)
	}
	if login, refresh, logout := f.client.calls(); login+refresh+logout != 0 {
		t.Fatalf("demo init must make no network calls: %d/%d/%d", login, refresh, logout)
	}
	if f.m.CurrentAccessToken() == "" {
		t.Fatalf("demo token missing")
	}
	if st.SessionID == "" {
		t.Fatalf("demo session missing")
	}
}

func TestInitialize_EmptyCacheUnauthenticated(t *testing.T) {
	f := newFixture(t, true)
	if err := f.m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if k := f.m.State().Kind; k != KindUnauthenticated {
		t.Fatalf("state = %s, want unauthenticated", k)
	}
}

func TestInitialize_NearExpiryTriggersOneRefresh(t *testing.T) {
	f := newFixture(t, true)
	userID := uuid.Must(uuid.NewV4())
	sid, _ := f.repo.CreateSession(context.Background(), repository.CreateSessionParams{
		UserID: userID, DeviceID: "dev-1", ExpiresAt: time.Now().Add(2 * time.Minute),
	})
	_ = f.store.Save(securestore.State{
		AccessToken:  "at-old",
		RefreshToken: "rt-old",
		UserID:       userID.String(),
		SessionID:    sid.String(),
		Provider:     "GOOGLE",
		ExpiresAt:    time.Now().Add(2 * time.Minute), // under the 5m threshold
	})
	f.client.refreshResp = &authclient.LoginResponse{
		Tokens: model.Tokens{AccessToken: "at-new", RefreshToken: "rt-new", ExpiresAt: time.Now().Add(time.Hour)},
	}

	if err := f.m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if k := f.m.State().Kind; k != KindAuthenticated {
		t.Fatalf("state = %s, want authenticated", k)
	}
	if _, refresh, _ := f.client.calls(); refresh != 1 {
		t.Fatalf("refresh calls = %d, want exactly 1", refresh)
	}
	if tok := f.m.CurrentAccessToken(); tok != "at-new" {
		t.Fatalf("access token = %q, want refreshed", tok)
	}
}

func TestInitialize_FreshTokenNoRefresh(t *testing.T) {
	f := newFixture(t, true)
	userID := uuid.Must(uuid.NewV4())
	sid, _ := f.repo.CreateSession(context.Background(), repository.CreateSessionParams{
		UserID: userID, DeviceID: "dev-1", ExpiresAt: time.Now().Add(time.Hour),
	})
	_ = f.store.Save(securestore.State{
		AccessToken: "at-1", RefreshToken: "rt-1",
		UserID: userID.String(), SessionID: sid.String(),
		Provider: "GOOGLE", ExpiresAt: time.Now().Add(time.Hour),
	})

	if err := f.m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	st := f.m.State()
	if st.Kind != KindAuthenticated {
		t.Fatalf("state = %s, want authenticated", st.Kind)
	}
	if st.SessionID != sid.String() {
		t.Fatalf("session = %s, want resumed %s", st.SessionID, sid)
	}
	if _, refresh, _ := f.client.calls(); refresh != 0 {
		t.Fatalf("no refresh expected, got %d", refresh)
	}
}

func TestLogin_TransitionsAndSessionBinding(t *testing.T) {
	f := newFixture(t, true)
	_ = f.m.Initialize(context.Background()) // -> unauthenticated
	f.client.loginResp = loginResponse("google-sub-1", time.Now().Add(time.Hour))

	stream, cancel := f.m.Subscribe()
	defer cancel()

	if err := f.m.Login(context.Background(), authclient.ProviderGoogle, "code-1", nil); err != nil {
		t.Fatalf("Login: %v", err)
	}

	var kinds []Kind
	for len(kinds) < 2 {
		select {
		case st := <-stream:
			kinds = append(kinds, st.Kind)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for transitions, got %v", kinds)
		}
	}
	if kinds[0] != KindLoading || kinds[1] != KindAuthenticated {
		t.Fatalf("transitions = %v, want [loading authenticated]", kinds)
	}

	st := f.m.State()
	if f.m.CurrentUserID() != st.UserID || st.UserID == "" {
		t.Fatalf("user id mismatch")
	}
	if st.SessionID != f.m.sessions.CurrentSessionID().String() {
		t.Fatalf("session id not published as current")
	}
	stored, ok := f.store.Get()
	if !ok || stored.SessionID != st.SessionID || stored.UserID != st.UserID {
		t.Fatalf("store not rebound to internal identity: %+v", stored)
	}
}

func TestLogin_FailureCodes(t *testing.T) {
	cases := []struct {
		err  error
		code Code
	}{
		{errs.ErrNetwork, CodeNetworkError},
		{errs.ErrInvalidCredentials, CodeInvalidCredentials},
		{errs.ErrServer, CodeServerError},
		{errs.ErrUserCancelled, CodeUserCancelled},
		{context.Canceled, CodeUserCancelled},
	}
	for _, tc := range cases {
		f := newFixture(t, true)
		f.client.loginErr = tc.err
		if err := f.m.Login(context.Background(), authclient.ProviderGoogle, "code", nil); err == nil {
			t.Fatalf("want error for %v", tc.err)
		}
		st := f.m.State()
		if st.Kind != KindError || st.Code != tc.code {
			t.Fatalf("state = %s/%s, want error/%s", st.Kind, st.Code, tc.code)
		}
		f.m.Dispose()
	}
}

func TestLogout_AlwaysLocalEvenWhenRemoteFails(t *testing.T) {
	f := newFixture(t, true)
	f.client.loginResp = loginResponse("google-sub-1", time.Now().Add(time.Hour))
	if err := f.m.Login(context.Background(), authclient.ProviderGoogle, "code", nil); err != nil {
		t.Fatalf("Login: %v", err)
	}

	f.client.logoutErr = errs.ErrNetwork
	if err := f.m.Logout(context.Background()); err != nil {
		t.Fatalf("Logout must succeed locally: %v", err)
	}
	if k := f.m.State().Kind; k != KindUnauthenticated {
		t.Fatalf("state = %s, want unauthenticated", k)
	}
	if f.m.sessions.CurrentSessionID() != uuid.Nil {
		t.Fatalf("rotation/current session must be cleared")
	}
	if _, ok := f.store.Get(); ok {
		t.Fatalf("token store must be cleared")
	}
}

func TestRefreshTokenIfNeeded(t *testing.T) {
	f := newFixture(t, true)
	f.client.loginResp = loginResponse("google-sub-1", time.Now().Add(time.Hour))
	if err := f.m.Login(context.Background(), authclient.ProviderGoogle, "code", nil); err != nil {
		t.Fatalf("Login: %v", err)
	}

	// plenty of lifetime: no-op
	if err := f.m.RefreshTokenIfNeeded(context.Background()); err != nil {
		t.Fatalf("RefreshTokenIfNeeded: %v", err)
	}
	if _, refresh, _ := f.client.calls(); refresh != 0 {
		t.Fatalf("unexpected refresh: %d", refresh)
	}

	// shrink the cached expiry under the threshold
	st, _ := f.store.Get()
	st.ExpiresAt = time.Now().Add(time.Minute)
	_ = f.store.Save(st)
	f.client.refreshResp = &authclient.LoginResponse{
		Tokens: model.Tokens{AccessToken: "at-2", RefreshToken: "rt-2", ExpiresAt: time.Now().Add(time.Hour)},
	}

	if err := f.m.RefreshTokenIfNeeded(context.Background()); err != nil {
		t.Fatalf("RefreshTokenIfNeeded: %v", err)
	}
	if _, refresh, _ := f.client.calls(); refresh != 1 {
		t.Fatalf("refresh calls = %d, want 1", refresh)
	}

	// rotated pair persisted on the session record
	sid := f.m.sessions.CurrentSessionID()
	s, err := f.repo.GetSession(context.Background(), sid)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if s.AccessToken != "at-2" {
		t.Fatalf("session tokens not rotated: %+v", s)
	}
}

func TestRefreshFailure_ForcesLogout(t *testing.T) {
	f := newFixture(t, true)
	f.client.loginResp = loginResponse("google-sub-1", time.Now().Add(time.Hour))
	if err := f.m.Login(context.Background(), authclient.ProviderGoogle, "code", nil); err != nil {
		t.Fatalf("Login: %v", err)
	}

	stream, cancel := f.m.Subscribe()
	defer cancel()

	st, _ := f.store.Get()
	st.ExpiresAt = time.Now().Add(time.Minute)
	_ = f.store.Save(st)
	f.client.refreshErr = errs.ErrTokenExpired

	if err := f.m.RefreshTokenIfNeeded(context.Background()); err == nil {
		t.Fatalf("want refresh error")
	}

	var kinds []Kind
	var sawExpired bool
	for len(kinds) < 2 {
		select {
		case s := <-stream:
			kinds = append(kinds, s.Kind)
			if s.Kind == KindError && s.Code == CodeTokenExpired {
				sawExpired = true
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out, got %v", kinds)
		}
	}
	if !sawExpired {
		t.Fatalf("Error{token_expired} must be published before logout: %v", kinds)
	}
	if f.m.State().Kind != KindUnauthenticated {
		t.Fatalf("forced logout must land in unauthenticated")
	}
}

func TestActiveSessions_FlagsCurrent(t *testing.T) {
	f := newFixture(t, true)
	f.client.loginResp = loginResponse("google-sub-1", time.Now().Add(time.Hour))
	if err := f.m.Login(context.Background(), authclient.ProviderGoogle, "code", nil); err != nil {
		t.Fatalf("Login: %v", err)
	}

	userID := uuid.FromStringOrNil(f.m.CurrentUserID())
	if _, err := f.repo.CreateSession(context.Background(), repository.CreateSessionParams{
		UserID: userID, DeviceID: "other", DeviceName: "Laptop", ExpiresAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	list, err := f.m.ActiveSessions(context.Background())
	if err != nil {
		t.Fatalf("ActiveSessions: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	current := 0
	for _, d := range list {
		if d.IsCurrent {
			current++
		}
	}
	if current != 1 {
		t.Fatalf("exactly one current session expected, got %d", current)
	}
}

func TestDispose_IdempotentAndClosesStreams(t *testing.T) {
	f := newFixture(t, true)
	stream, cancel := f.m.Subscribe()
	defer cancel()

	f.m.Dispose()
	f.m.Dispose() // second call is a no-op

	if _, open := <-stream; open {
		t.Fatalf("subscriber stream must be closed on dispose")
	}
	// no publications after disposal
	_ = f.m.Logout(context.Background())
	if k := f.m.State().Kind; k == KindUnauthenticated {
		t.Fatalf("state must not change after dispose")
	}
}
