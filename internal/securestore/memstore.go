package securestore

import (
	"crypto/rand"
	"sync"
	"time"
)

// randBytes fills b with cryptographically secure random bytes.
func randBytes(b []byte) error {
	_, err := rand.Read(b)
	return err
}

// MemStore is an in-process TokenStore used by tests and the demo path.
type MemStore struct {
	mu    sync.Mutex
	state State
	set   bool
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore { return &MemStore{} }

var _ TokenStore = (*MemStore)(nil)

func (m *MemStore) HasValidToken() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.set && m.state.Valid(time.Now())
}

func (m *MemStore) Get() (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.set
}

func (m *MemStore) Save(st State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = st
	m.set = true
	return nil
}

func (m *MemStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = State{}
	m.set = false
	return nil
}
