package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/akarpov/markvault/internal/models"
)

// ErrEnvelopeExists is returned when creating an envelope for an owner
// that already has one. A second envelope would orphan the first key.
var ErrEnvelopeExists = errors.New("vault envelope already exists")

// SyncMode is the owner's stored record mode.
type SyncMode string

const (
	// ModePlaintext means records are stored as plaintext JSON.
	ModePlaintext SyncMode = "plaintext"
	// ModeEncrypted means records are stored as opaque ciphertext.
	ModeEncrypted SyncMode = "encrypted"
)

// PostgresVaultRepository persists vault key envelopes and the owner's
// sync mode.
type PostgresVaultRepository struct {
	DB *sql.DB
}

// NewPostgresVaultRepository creates a new PostgresVaultRepository
// using the provided *sql.DB.
func NewPostgresVaultRepository(db *sql.DB) *PostgresVaultRepository {
	return &PostgresVaultRepository{DB: db}
}

// GetEnvelope loads the owner's envelope. Returns ErrNotFound when the
// owner has no vault.
func (r *PostgresVaultRepository) GetEnvelope(ctx context.Context, ownerID string) (*models.VaultKeyEnvelope, error) {
	var env models.VaultKeyEnvelope
	var kdfParams []byte
	var recovery []byte
	err := r.DB.QueryRowContext(ctx, `
		SELECT wrapped_key, salt, kdf_params, recovery_wrappers
		  FROM vault_envelopes WHERE owner_id = $1
	`, ownerID).Scan(&env.WrappedKey, &env.Salt, &kdfParams, &recovery)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get envelope: %w", err)
	}
	if err := json.Unmarshal(kdfParams, &env.KDFParams); err != nil {
		return nil, fmt.Errorf("decode kdf params: %w", err)
	}
	if len(recovery) > 0 {
		if err := json.Unmarshal(recovery, &env.RecoveryWrappers); err != nil {
			return nil, fmt.Errorf("decode recovery wrappers: %w", err)
		}
	}
	return &env, nil
}

// CreateEnvelope inserts the owner's envelope and flips the sync mode
// to encrypted in one transaction. Returns ErrEnvelopeExists when the
// owner already has one.
func (r *PostgresVaultRepository) CreateEnvelope(ctx context.Context, ownerID string, env *models.VaultKeyEnvelope) error {
	kdfParams, err := json.Marshal(env.KDFParams)
	if err != nil {
		return fmt.Errorf("encode kdf params: %w", err)
	}
	var recovery []byte
	if len(env.RecoveryWrappers) > 0 {
		recovery, err = json.Marshal(env.RecoveryWrappers)
		if err != nil {
			return fmt.Errorf("encode recovery wrappers: %w", err)
		}
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO vault_envelopes (owner_id, wrapped_key, salt, kdf_params, recovery_wrappers)
		VALUES ($1, $2, $3, $4, $5)
	`, ownerID, env.WrappedKey, env.Salt, kdfParams, recovery)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrEnvelopeExists
		}
		return fmt.Errorf("insert envelope: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE users SET sync_mode = 'encrypted' WHERE id = $1
	`, ownerID); err != nil {
		return fmt.Errorf("set sync mode: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// DeleteEnvelope removes the owner's envelope and flips the stored sync
// mode back to plaintext. Deleting an already-absent envelope is a
// no-op, not an error, so the call is independently idempotent and safe
// to re-run after a crash between the two phase-2 steps of vault
// disable.
func (r *PostgresVaultRepository) DeleteEnvelope(ctx context.Context, ownerID string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM vault_envelopes WHERE owner_id = $1
	`, ownerID); err != nil {
		return fmt.Errorf("delete envelope: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE users SET sync_mode = 'plaintext' WHERE id = $1
	`, ownerID); err != nil {
		return fmt.Errorf("set sync mode: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetSyncMode returns the owner's stored sync mode.
func (r *PostgresVaultRepository) GetSyncMode(ctx context.Context, ownerID string) (SyncMode, error) {
	var mode string
	err := r.DB.QueryRowContext(ctx, `
		SELECT sync_mode FROM users WHERE id = $1
	`, ownerID).Scan(&mode)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get sync mode: %w", err)
	}
	return SyncMode(mode), nil
}
