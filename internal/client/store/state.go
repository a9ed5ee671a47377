package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Well-known sync_state keys.
const (
	StateCursor       = "cursor"
	StateLastChecksum = "last_checksum"
	StateSyncMode     = "sync_mode"
	StateToken        = "token"
	StateLogin        = "login"
	// StateDisablePhase marks progress through the vault disable
	// protocol so an interrupted disable resumes where it stopped.
	StateDisablePhase = "disable_phase"
	// StateMigrationPending blocks sync after a sign-in found both
	// local and cloud data; cleared once the user picks a merge choice.
	StateMigrationPending = "migration_pending"
)

// GetState returns the value for key, or "" with ErrNotFound when the
// key was never set.
func (s *Store) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get state %s: %w", key, err)
	}
	return value, nil
}

// SetState writes key to value, creating or overwriting.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}

// ClearState removes key. Clearing an absent key is not an error.
func (s *Store) ClearState(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("clear state %s: %w", key, err)
	}
	return nil
}
