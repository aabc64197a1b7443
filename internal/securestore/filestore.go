package securestore

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/planweave/planweave-auth/internal/errs"
)

const keyLen = 32

// hkdf info string; bump the suffix if the on-disk format ever changes.
var keyInfo = []byte("planweave-token-store-v1")

// FileStore keeps token state in a single file, encrypted at rest with
// XChaCha20-Poly1305. The key is derived from a configured secret via
// HKDF-SHA256, so rotating the secret invalidates the cache in place.
type FileStore struct {
	mu   sync.Mutex
	path string
	key  []byte

	loaded bool
	state  State
	empty  bool
}

// NewFileStore derives the encryption key and returns a store backed by path.
func NewFileStore(path string, secret []byte) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("securestore: empty path")
	}
	if len(secret) == 0 {
		return nil, errors.New("securestore: empty secret")
	}
	key := make([]byte, keyLen)
	if _, err := hkdf.New(sha256.New, secret, nil, keyInfo).Read(key); err != nil {
		return nil, err
	}
	return &FileStore{path: path, key: key}, nil
}

var _ TokenStore = (*FileStore)(nil)

// HasValidToken reports whether a non-expired access token is stored.
func (f *FileStore) HasValidToken() bool {
	st, ok := f.Get()
	return ok && st.Valid(time.Now())
}

// Get returns the current snapshot, loading it from disk on first use.
func (f *FileStore) Get() (State, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.loadLocked(); err != nil {
		return State{}, false
	}
	if f.empty {
		return State{}, false
	}
	return f.state, true
}

// Save atomically replaces the snapshot on disk (write-then-rename).
func (f *FileStore) Save(st State) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	plain, err := json.Marshal(st)
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.NewX(f.key)
	if err != nil {
		return err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if err := randBytes(nonce); err != nil {
		return err
	}
	blob := append(nonce, aead.Seal(nil, nonce, plain, nil)...)

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	f.loaded = true
	f.empty = false
	f.state = st
	return nil
}

// Clear removes the stored token material.
func (f *FileStore) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaded = true
	f.empty = true
	f.state = State{}
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (f *FileStore) loadLocked() error {
	if f.loaded {
		return nil
	}
	blob, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		f.loaded = true
		f.empty = true
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) < chacha20poly1305.NonceSizeX {
		return errs.ErrNotFound
	}
	aead, err := chacha20poly1305.NewX(f.key)
	if err != nil {
		return err
	}
	nonce, ct := blob[:chacha20poly1305.NonceSizeX], blob[chacha20poly1305.NonceSizeX:]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		// wrong secret or corrupt file: treat as empty cache
		f.loaded = true
		f.empty = true
		return nil
	}
	var st State
	if err := json.Unmarshal(plain, &st); err != nil {
		return err
	}
	f.loaded = true
	f.empty = false
	f.state = st
	return nil
}

// ensure parent dir exists for callers that pass nested paths.
func EnsureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o700)
}
