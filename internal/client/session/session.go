// Package session holds per-process client state that must never touch
// disk: the unwrapped vault key and the sync in-flight guard.
package session

import (
	"errors"
	"sync"
)

// ErrLocked is returned when an operation needs the vault key but the
// session is locked.
var ErrLocked = errors.New("vault is locked")

// Session is safe for concurrent use by the sync engine and the UI loop.
type Session struct {
	mu        sync.Mutex
	vaultKey  []byte
	encrypted bool
	inFlight  bool
}

// New returns an unlocked plaintext-mode session.
func New() *Session {
	return &Session{}
}

// Unlock installs the unwrapped vault key and switches the session to
// encrypted mode. The key is copied so the caller may zero its slice.
func (s *Session) Unlock(key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vaultKey = make([]byte, len(key))
	copy(s.vaultKey, key)
	s.encrypted = true
}

// Lock zeroes and drops the vault key. The session stays in encrypted
// mode; payload operations fail with ErrLocked until the next Unlock.
func (s *Session) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.vaultKey {
		s.vaultKey[i] = 0
	}
	s.vaultKey = nil
}

// Key returns a copy of the vault key, or ErrLocked.
func (s *Session) Key() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vaultKey == nil {
		return nil, ErrLocked
	}
	key := make([]byte, len(s.vaultKey))
	copy(key, s.vaultKey)
	return key, nil
}

// Unlocked reports whether a vault key is currently held.
func (s *Session) Unlocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vaultKey != nil
}

// Encrypted reports whether the session is in encrypted sync mode.
func (s *Session) Encrypted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.encrypted
}

// SetEncrypted flips the sync mode. Leaving encrypted mode also drops
// the key.
func (s *Session) SetEncrypted(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encrypted = on
	if !on {
		for i := range s.vaultKey {
			s.vaultKey[i] = 0
		}
		s.vaultKey = nil
	}
}

// TryBegin claims the single sync slot, reporting false when a sync is
// already running.
func (s *Session) TryBegin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight {
		return false
	}
	s.inFlight = true
	return true
}

// End releases the sync slot.
func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight = false
}
