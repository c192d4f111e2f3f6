// Package keystore abstracts the platform secure keystore used to persist
// the auth session. Real implementations wrap the OS keychain; the in-memory
// implementation backs tests and ephemeral sessions.
package keystore

import (
	"encoding/json"
	"sync"

	"github.com/clanhub/appcore/internal/models"
)

// Keystore stores small secrets under string keys.
type Keystore interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// SessionKey is the keystore slot holding the serialized auth session.
const SessionKey = "auth_session"

// SaveSession serializes and stores the session.
func SaveSession(ks Keystore, session *models.AuthSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return ks.Set(SessionKey, data)
}

// LoadSession restores a previously stored session. Returns (nil, nil) when
// no session is stored.
func LoadSession(ks Keystore) (*models.AuthSession, error) {
	data, ok, err := ks.Get(SessionKey)
	if err != nil || !ok {
		return nil, err
	}
	var session models.AuthSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// ClearSession removes the stored session.
func ClearSession(ks Keystore) error {
	return ks.Delete(SessionKey)
}

// Memory is an in-memory Keystore.
type Memory struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemory creates an empty in-memory keystore.
func NewMemory() *Memory {
	return &Memory{values: make(map[string][]byte)}
}

// Get returns the value stored under key.
func (m *Memory) Get(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// Set stores value under key.
func (m *Memory) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := make([]byte, len(value))
	copy(v, value)
	m.values[key] = v
	return nil
}

// Delete removes the value stored under key.
func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.values, key)
	return nil
}
