package vaultflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/akarpov/markvault/internal/client/store"
	"github.com/akarpov/markvault/internal/models"
	"github.com/akarpov/markvault/internal/vault"
)

// Disable protocol phases, persisted so an interrupted disable resumes
// at the step it reached instead of starting over.
const (
	phaseReupload    = "reupload"
	phaseVerify      = "verify"
	phasePurge       = "purge-encrypted"
	phaseDeleteVault = "delete-vault"
)

// ErrVerifyFailed means the server's plaintext count did not match the
// local one; phase 0 must be repeated before anything is deleted.
var ErrVerifyFailed = errors.New("plaintext verification failed")

// Disable runs the vault-off protocol: re-upload every record as
// plaintext, have the server verify the set is complete, and only then
// delete the encrypted copies and the key envelope. Progress is
// persisted; calling Disable again resumes an interrupted run.
func (f *Flow) Disable(ctx context.Context) error {
	if !f.session.Encrypted() {
		return errors.New("vault is not enabled")
	}

	phase, err := f.store.GetState(ctx, store.StateDisablePhase)
	if errors.Is(err, store.ErrNotFound) {
		phase = phaseReupload
		if err := f.store.SetState(ctx, store.StateDisablePhase, phase); err != nil {
			return fmt.Errorf("persist phase: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("load phase: %w", err)
	}

	for {
		switch phase {
		case phaseReupload:
			// Land queued encrypted edits first so the plaintext
			// re-upload below covers their latest content.
			if err := f.engine.SyncNow(ctx); err != nil {
				return fmt.Errorf("flush pending pushes: %w", err)
			}
			if err := f.reuploadPlaintext(ctx); err != nil {
				return err
			}
			phase = phaseVerify
		case phaseVerify:
			if err := f.verifyPlaintext(ctx); err != nil {
				if errors.Is(err, ErrVerifyFailed) {
					// Fall back to phase 0; nothing was deleted.
					if err := f.store.SetState(ctx, store.StateDisablePhase, phaseReupload); err != nil {
						return fmt.Errorf("persist phase: %w", err)
					}
				}
				return err
			}
			phase = phasePurge
		case phasePurge:
			if err := f.api.DeleteEncrypted(ctx); err != nil {
				return fmt.Errorf("delete encrypted records: %w", err)
			}
			phase = phaseDeleteVault
		case phaseDeleteVault:
			if err := f.api.DeleteVault(ctx); err != nil {
				return fmt.Errorf("delete vault: %w", err)
			}
			return f.finishDisable(ctx)
		default:
			return fmt.Errorf("unknown disable phase %q", phase)
		}
		if err := f.store.SetState(ctx, store.StateDisablePhase, phase); err != nil {
			return fmt.Errorf("persist phase: %w", err)
		}
	}
}

// reuploadPlaintext is phase 0: decrypt every live record and upload
// the plaintexts in bounded batches. Idempotent end to end.
func (f *Flow) reuploadPlaintext(ctx context.Context) error {
	key, err := f.session.Key()
	if err != nil {
		return err
	}

	records, err := f.store.List(ctx, false)
	if err != nil {
		return fmt.Errorf("load local records: %w", err)
	}

	batch := make([]models.Record, 0, models.MaxPushBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := f.api.UpsertPlaintext(ctx, batch); err != nil {
			return fmt.Errorf("upload plaintext batch: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	for _, rec := range records {
		if rec.Ciphertext == "" {
			continue
		}
		plain, err := vault.Decrypt(rec.Ciphertext, key)
		if err != nil {
			return fmt.Errorf("decrypt %s: %w", rec.RecordID, err)
		}
		batch = append(batch, models.Record{
			RecordID:   rec.RecordID,
			RecordType: rec.RecordType,
			Data:       string(plain),
			Version:    max(rec.Version, 1),
			UpdatedAt:  time.Now().UTC(),
		})
		if len(batch) == models.MaxPushBatch {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// verifyPlaintext is phase 1, the safety gate: the server must hold
// exactly as many live plaintext records as we do before anything gets
// deleted.
func (f *Flow) verifyPlaintext(ctx context.Context) error {
	counts, err := f.store.Count(ctx)
	if err != nil {
		return fmt.Errorf("count local records: %w", err)
	}
	expected := counts.Bookmarks + counts.Spaces + counts.PinnedViews

	resp, err := f.api.VerifyPlaintext(ctx, expected)
	if err != nil {
		return fmt.Errorf("verify plaintext: %w", err)
	}
	if !resp.Verified {
		f.log.Warn("plaintext verification failed",
			zap.Int("serverCount", resp.ServerCount),
			zap.Int("expectedCount", resp.ExpectedCount),
			zap.String("serverChecksum", resp.Checksum))
		return fmt.Errorf("%w: server has %d records, expected %d",
			ErrVerifyFailed, resp.ServerCount, resp.ExpectedCount)
	}
	return nil
}

// finishDisable converts the local cache back to plaintext and clears
// all vault state.
func (f *Flow) finishDisable(ctx context.Context) error {
	key, err := f.session.Key()
	if err != nil {
		return err
	}

	records, err := f.store.List(ctx, true)
	if err != nil {
		return fmt.Errorf("load local records: %w", err)
	}
	plain := make([]models.Record, 0, len(records))
	for _, rec := range records {
		if rec.Ciphertext != "" {
			data, err := vault.Decrypt(rec.Ciphertext, key)
			if err != nil {
				return fmt.Errorf("decrypt %s: %w", rec.RecordID, err)
			}
			rec.Data = string(data)
			rec.Ciphertext = ""
		}
		rec.Version = 0
		plain = append(plain, rec)
	}
	// ReplaceAll also empties the outbox: a ciphertext mutation still
	// queued here would recreate encrypted rows on the next push,
	// undoing the purge.
	if err := f.store.ReplaceAll(ctx, plain, nil); err != nil {
		return fmt.Errorf("store plaintexts: %w", err)
	}
	f.store.InvalidateDerived()

	f.session.SetEncrypted(false)
	for _, k := range []string{store.StateDisablePhase, store.StateLastChecksum, store.StateCursor} {
		if err := f.store.ClearState(ctx, k); err != nil {
			return fmt.Errorf("clear state: %w", err)
		}
	}
	if err := f.store.SetState(ctx, store.StateSyncMode, "plaintext"); err != nil {
		return fmt.Errorf("persist mode: %w", err)
	}

	f.log.Info("vault disabled", zap.Int("records", len(plain)))
	return nil
}
