// Package vaultflow implements the client-side vault lifecycle: the
// enable transition (plaintext to encrypted), the three-phase disable
// protocol, and the first-sign-in migration conflict check.
package vaultflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/akarpov/markvault/internal/client/session"
	"github.com/akarpov/markvault/internal/client/store"
	syncapi "github.com/akarpov/markvault/internal/client/sync"
	"github.com/akarpov/markvault/internal/models"
	"github.com/akarpov/markvault/internal/vault"
)

// Flow runs the vault lifecycle transitions.
type Flow struct {
	api     *syncapi.API
	store   *store.Store
	session *session.Session
	engine  *syncapi.Engine
	log     *zap.Logger
}

// New wires a Flow over its collaborators.
func New(api *syncapi.API, st *store.Store, sess *session.Session, engine *syncapi.Engine, log *zap.Logger) *Flow {
	return &Flow{api: api, store: st, session: sess, engine: engine, log: log}
}

// Enable turns the vault on: generate a key, wrap it under passphrase,
// upload the envelope, encrypt every local record and push the
// ciphertexts. Any failure before the envelope upload leaves the
// account untouched in plaintext mode. If an envelope is already on the
// server, an earlier Enable got past the upload and crashed; the same
// passphrase adopts that envelope's key and the run resumes.
func (f *Flow) Enable(ctx context.Context, passphrase string) error {
	if f.session.Encrypted() {
		return errors.New("vault already enabled")
	}

	key, err := vault.GenerateVaultKey()
	if err != nil {
		return fmt.Errorf("generate vault key: %w", err)
	}
	env, err := vault.CreateEnvelope(passphrase, key)
	if err != nil {
		return fmt.Errorf("build envelope: %w", err)
	}

	if err := f.api.PutEnvelope(ctx, env); err != nil {
		if !errors.Is(err, syncapi.ErrVaultExists) {
			return fmt.Errorf("upload envelope: %w", err)
		}
		existing, ferr := f.api.FetchEnvelope(ctx)
		if ferr != nil {
			return fmt.Errorf("fetch existing envelope: %w", ferr)
		}
		key, err = vault.Unwrap(existing, passphrase)
		if err != nil {
			return fmt.Errorf("vault already exists and the passphrase does not unlock it: %w", err)
		}
		f.log.Info("resuming interrupted vault enable")
	}

	// Point of no return: the server is in encrypted mode now.
	f.session.Unlock(key)
	if err := f.store.SetState(ctx, store.StateSyncMode, "encrypted"); err != nil {
		return fmt.Errorf("persist mode: %w", err)
	}

	records, err := f.store.List(ctx, true)
	if err != nil {
		return fmt.Errorf("load local records: %w", err)
	}

	encrypted := make([]models.Record, 0, len(records))
	entries := make([]models.OutboxEntry, 0, len(records))
	for _, rec := range records {
		// A resumed run may find records already converted; they keep
		// their ciphertext.
		if rec.Ciphertext == "" {
			ct, err := vault.Encrypt([]byte(rec.Data), key)
			if err != nil {
				return fmt.Errorf("encrypt %s: %w", rec.RecordID, err)
			}
			rec.Data = ""
			rec.Ciphertext = ct
			rec.Version = 0
			rec.UpdatedAt = time.Now().UTC()
		}
		encrypted = append(encrypted, rec)
		// The encrypted row family starts fresh server-side, so every
		// ciphertext is pushed as an insert.
		entries = append(entries, models.OutboxEntry{
			RecordID:   rec.RecordID,
			RecordType: rec.RecordType,
			Ciphertext: rec.Ciphertext,
			Deleted:    rec.Deleted,
		})
	}

	// One transaction, so a crash leaves either the plaintext set or
	// the ciphertext set with its full push queue, never half of each.
	if err := f.store.ReplaceAll(ctx, encrypted, entries); err != nil {
		return fmt.Errorf("store ciphertexts: %w", err)
	}
	f.store.InvalidateDerived()

	if err := f.engine.SyncNow(ctx); err != nil {
		// The outbox is durable; the push completes on the next sync.
		f.log.Warn("initial encrypted push incomplete", zap.Error(err))
	}

	// The plaintext-era checksum and pull cursor are meaningless in
	// encrypted mode.
	for _, k := range []string{store.StateLastChecksum, store.StateCursor} {
		if err := f.store.ClearState(ctx, k); err != nil {
			return fmt.Errorf("clear state: %w", err)
		}
	}

	f.log.Info("vault enabled", zap.Int("records", len(encrypted)))
	return nil
}

// Unlock re-derives the vault key from the stored envelope and installs
// it in the session.
func (f *Flow) Unlock(ctx context.Context, passphrase string) error {
	env, err := f.api.FetchEnvelope(ctx)
	if err != nil {
		return fmt.Errorf("fetch envelope: %w", err)
	}
	key, err := vault.Unwrap(env, passphrase)
	if err != nil {
		return err
	}
	f.session.Unlock(key)
	return nil
}

// Lock drops the in-memory vault key. Synced ciphertext stays cached
// and syncable; payload access needs the next Unlock.
func (f *Flow) Lock() {
	f.session.Lock()
}
