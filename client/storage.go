package client

import "sync"

// Keys under which the per-attempt secrets are kept.
const (
	StateKey    = "ms_oauth_state"
	VerifierKey = "ms_oauth_verifier"
)

// Storage is the ephemeral key/value slot the secrets live in between Start and Complete.
// It must not outlive a single login attempt.
type Storage interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Remove(key string) error
}

// MemoryStorage is a process-local Storage.
type MemoryStorage struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemoryStorage constructs an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{values: make(map[string]string)}
}

// Get returns the stored value and whether it was present.
func (m *MemoryStorage) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

// Set stores value under key.
func (m *MemoryStorage) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

// Remove deletes key. Removing an absent key is not an error.
func (m *MemoryStorage) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// AuthSession is the pair of secrets for one login attempt. Both fields are written and read together.
type AuthSession struct {
	State    string
	Verifier string
}

func saveSession(s Storage, sess AuthSession) error {
	if err := s.Set(StateKey, sess.State); err != nil {
		return err
	}
	if err := s.Set(VerifierKey, sess.Verifier); err != nil {
		_ = s.Remove(StateKey)
		return err
	}
	return nil
}

func loadSession(s Storage) (AuthSession, bool, bool) {
	state, hasState := s.Get(StateKey)
	verifier, hasVerifier := s.Get(VerifierKey)
	return AuthSession{State: state, Verifier: verifier}, hasState && state != "", hasVerifier && verifier != ""
}

func clearSession(s Storage) error {
	errState := s.Remove(StateKey)
	errVerifier := s.Remove(VerifierKey)
	if errState != nil {
		return errState
	}
	return errVerifier
}
