package securestore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func tempStore(t *testing.T, secret string) (*FileStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tokens.bin")
	fs, err := NewFileStore(path, []byte(secret))
	require.NoError(t, err)
	return fs, path
}

func TestFileStore_SaveGetRoundtrip(t *testing.T) {
	fs, path := tempStore(t, "secret-a")

	st := State{
		AccessToken:  "at",
		RefreshToken: "rt",
		UserID:       "u-1",
		SessionID:    "s-1",
		Provider:     "GOOGLE",
		ExpiresAt:    time.Now().Add(time.Hour).UTC(),
	}
	require.NoError(t, fs.Save(st))

	// re-open to force a disk read
	fs2, err := NewFileStore(path, []byte("secret-a"))
	require.NoError(t, err)
	got, ok := fs2.Get()
	require.True(t, ok)
	require.Equal(t, st.AccessToken, got.AccessToken)
	require.Equal(t, st.SessionID, got.SessionID)
	require.True(t, fs2.HasValidToken())
}

func TestFileStore_CiphertextNotPlaintext(t *testing.T) {
	fs, path := tempStore(t, "secret-a")
	require.NoError(t, fs.Save(State{AccessToken: "very-secret-token", ExpiresAt: time.Now().Add(time.Hour)}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "very-secret-token")
}

func TestFileStore_WrongSecretReadsAsEmpty(t *testing.T) {
	fs, path := tempStore(t, "secret-a")
	require.NoError(t, fs.Save(State{AccessToken: "at", ExpiresAt: time.Now().Add(time.Hour)}))

	other, err := NewFileStore(path, []byte("secret-b"))
	require.NoError(t, err)
	_, ok := other.Get()
	require.False(t, ok)
	require.False(t, other.HasValidToken())
}

func TestFileStore_ExpiredTokenNotValid(t *testing.T) {
	fs, _ := tempStore(t, "secret-a")
	require.NoError(t, fs.Save(State{AccessToken: "at", ExpiresAt: time.Now().Add(-time.Minute)}))
	require.False(t, fs.HasValidToken())

	// within the skew window counts as invalid too
	require.NoError(t, fs.Save(State{AccessToken: "at", ExpiresAt: time.Now().Add(10 * time.Second)}))
	require.False(t, fs.HasValidToken())
}

func TestFileStore_Clear(t *testing.T) {
	fs, path := tempStore(t, "secret-a")
	require.NoError(t, fs.Save(State{AccessToken: "at", ExpiresAt: time.Now().Add(time.Hour)}))
	require.NoError(t, fs.Clear())
	require.False(t, fs.HasValidToken())
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))

	// clearing an already-empty store is fine
	require.NoError(t, fs.Clear())
}

func TestMemStore(t *testing.T) {
	m := NewMemStore()
	require.False(t, m.HasValidToken())

	require.NoError(t, m.Save(State{AccessToken: "at", ExpiresAt: time.Now().Add(time.Hour)}))
	require.True(t, m.HasValidToken())
	st, ok := m.Get()
	require.True(t, ok)
	require.Equal(t, "at", st.AccessToken)

	require.NoError(t, m.Clear())
	require.False(t, m.HasValidToken())
}
