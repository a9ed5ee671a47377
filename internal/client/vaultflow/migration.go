package vaultflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/akarpov/markvault/internal/client/store"
	syncapi "github.com/akarpov/markvault/internal/client/sync"
	"github.com/akarpov/markvault/internal/models"
	"github.com/akarpov/markvault/internal/vault"
)

// MigrationChoice settles a sign-in migration conflict.
type MigrationChoice int

const (
	// MergeLocal keeps both sides, the most recently updated copy of
	// each record winning; surviving local records are pushed into the
	// account, encrypted first when the account runs a vault.
	MergeLocal MigrationChoice = iota
	// CloudWins discards the local records and pulls the cloud data
	// fresh.
	CloudWins
)

// DetectMigrationConflict checks for the sign-in edge case where this
// device holds local data while the account already has its own. Until
// the user picks a MigrationChoice, sync stays blocked through a
// persisted flag; auto-merging could silently clobber either side, and
// across the encryption boundary it cannot work at all.
func (f *Flow) DetectMigrationConflict(ctx context.Context) (bool, error) {
	if f.session.Encrypted() {
		return false, nil
	}
	counts, err := f.store.Count(ctx)
	if err != nil {
		return false, fmt.Errorf("count local records: %w", err)
	}
	if counts.Bookmarks+counts.Spaces+counts.PinnedViews == 0 {
		return false, nil
	}

	page, err := f.api.Pull(ctx, "", "", 1)
	if err != nil {
		return false, fmt.Errorf("check cloud data: %w", err)
	}
	if len(page.Records) == 0 {
		return false, nil
	}

	if err := f.store.SetState(ctx, store.StateMigrationPending, "1"); err != nil {
		return false, fmt.Errorf("persist migration flag: %w", err)
	}
	return true, nil
}

// ResolveMigration applies the user's choice and unblocks sync.
// MergeLocal against a vaulted account requires the vault passphrase to
// unlock the existing envelope first.
func (f *Flow) ResolveMigration(ctx context.Context, choice MigrationChoice, passphrase string) error {
	switch choice {
	case MergeLocal:
		return f.mergeLocal(ctx, passphrase)
	case CloudWins:
		return f.cloudWins(ctx)
	default:
		return fmt.Errorf("unknown migration choice %d", choice)
	}
}

// accountEncrypted reports whether the account runs a vault.
func (f *Flow) accountEncrypted(ctx context.Context) (bool, *models.VaultKeyEnvelope, error) {
	env, err := f.api.FetchEnvelope(ctx)
	if errors.Is(err, syncapi.ErrNoVault) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("fetch envelope: %w", err)
	}
	return true, env, nil
}

func (f *Flow) mergeLocal(ctx context.Context, passphrase string) error {
	encrypted, env, err := f.accountEncrypted(ctx)
	if err != nil {
		return err
	}
	var key []byte
	if encrypted {
		key, err = vault.Unwrap(env, passphrase)
		if err != nil {
			return fmt.Errorf("unlock vault: %w", err)
		}
		f.session.Unlock(key)
	}

	// Full cloud snapshot, keyed by identity, for the recency compare.
	cloud := make(map[string]models.Record)
	cursor := ""
	for {
		page, err := f.api.Pull(ctx, cursor, "", 0)
		if err != nil {
			return fmt.Errorf("pull cloud records: %w", err)
		}
		for _, rec := range page.Records {
			cloud[string(rec.RecordType)+"|"+rec.RecordID] = rec
		}
		cursor = page.NextCursor
		if !page.HasMore {
			break
		}
	}

	locals, err := f.store.List(ctx, false)
	if err != nil {
		return fmt.Errorf("load local records: %w", err)
	}

	kept, adopted := 0, 0
	for _, rec := range locals {
		id := string(rec.RecordType) + "|" + rec.RecordID
		remote, exists := cloud[id]
		if exists {
			delete(cloud, id)
			if !remote.UpdatedAt.Before(rec.UpdatedAt) {
				// The cloud copy is at least as recent; adopt it.
				if err := f.store.Apply(ctx, &remote); err != nil {
					return fmt.Errorf("adopt %s: %w", rec.RecordID, err)
				}
				adopted++
				continue
			}
		}

		// The local copy wins; push it on top of the cloud version.
		entry := models.OutboxEntry{
			RecordID:    rec.RecordID,
			RecordType:  rec.RecordType,
			BaseVersion: remote.Version,
			Deleted:     rec.Deleted,
		}
		if encrypted {
			ct, err := vault.Encrypt([]byte(rec.Data), key)
			if err != nil {
				return fmt.Errorf("encrypt %s: %w", rec.RecordID, err)
			}
			rec.Data = ""
			rec.Ciphertext = ct
			entry.Ciphertext = ct
		} else {
			entry.Data = rec.Data
		}
		rec.Version = remote.Version
		rec.UpdatedAt = time.Now().UTC()
		if err := f.store.Put(ctx, &rec); err != nil {
			return fmt.Errorf("store %s: %w", rec.RecordID, err)
		}
		if err := f.store.Enqueue(ctx, entry); err != nil {
			return fmt.Errorf("enqueue %s: %w", rec.RecordID, err)
		}
		kept++
	}
	for _, remote := range cloud {
		if err := f.store.Apply(ctx, &remote); err != nil {
			return fmt.Errorf("adopt %s: %w", remote.RecordID, err)
		}
		adopted++
	}
	f.store.InvalidateDerived()

	if err := f.finishMigration(ctx, encrypted); err != nil {
		return err
	}
	if err := f.engine.SyncNow(ctx); err != nil {
		f.log.Warn("merge push incomplete", zap.Error(err))
	}
	f.log.Info("merged local records with cloud data",
		zap.Int("localKept", kept), zap.Int("cloudAdopted", adopted))
	return nil
}

func (f *Flow) cloudWins(ctx context.Context) error {
	encrypted, _, err := f.accountEncrypted(ctx)
	if err != nil {
		return err
	}

	if err := f.store.ReplaceAll(ctx, nil, nil); err != nil {
		return fmt.Errorf("drop local records: %w", err)
	}
	f.store.InvalidateDerived()

	if err := f.finishMigration(ctx, encrypted); err != nil {
		return err
	}
	f.log.Info("adopted cloud data, local records discarded")
	return nil
}

// finishMigration records the post-merge sync mode and lifts the
// migration block.
func (f *Flow) finishMigration(ctx context.Context, encrypted bool) error {
	mode := "plaintext"
	if encrypted {
		mode = "encrypted"
	}
	f.session.SetEncrypted(encrypted)
	if err := f.store.SetState(ctx, store.StateSyncMode, mode); err != nil {
		return fmt.Errorf("persist mode: %w", err)
	}
	for _, k := range []string{store.StateCursor, store.StateLastChecksum, store.StateMigrationPending} {
		if err := f.store.ClearState(ctx, k); err != nil {
			return fmt.Errorf("clear state: %w", err)
		}
	}
	return nil
}
