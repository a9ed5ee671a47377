// Package repository provides persistence implementations for the sync
// protocol, vault envelopes and user accounts using a PostgreSQL database.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/akarpov/markvault/internal/models"
)

// PostgresRecordRepository implements the record synchronization
// operations against a PostgreSQL database.
//
// Records live in two disjoint row families distinguished by the
// encrypted flag, keyed by (owner, recordId, recordType, encrypted).
// In steady state an owner only has rows of one family; during a vault
// transition both families coexist until the purge step.
type PostgresRecordRepository struct {
	// DB is the database handle for executing queries and transactions.
	DB *sql.DB
}

// NewPostgresRecordRepository creates a new PostgresRecordRepository
// using the provided *sql.DB.
func NewPostgresRecordRepository(db *sql.DB) *PostgresRecordRepository {
	return &PostgresRecordRepository{DB: db}
}

// PushOutcome is the per-operation result of ApplyOperation: either an
// accepted new version or the server's current state on conflict.
type PushOutcome struct {
	Accepted   bool
	NewVersion int64
	Server     *models.Record
}

// ApplyOperation applies one push operation atomically with respect to
// the record's version column:
//
//   - version == baseVersion → conditional update, version+1
//   - no row at all          → insert at version 1
//   - version != baseVersion → no change, current server row returned
//
// The conditional update is the compare-and-swap that serializes
// concurrent writers across devices; there is no read-then-write race.
// When an encrypted operation is accepted, the record's plaintext twin
// row is removed in the same transaction, so a completed vault enable
// leaves no stale plaintext rows behind.
func (r *PostgresRecordRepository) ApplyOperation(ctx context.Context, ownerID string, op models.PushOperation) (*PushOutcome, error) {
	encrypted := op.Ciphertext != ""
	payload := op.Data
	if encrypted {
		payload = op.Ciphertext
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// CAS: applies only when the stored version equals baseVersion.
	res, err := tx.ExecContext(ctx, `
		UPDATE records
		   SET data = CASE WHEN $1 THEN NULL ELSE $2 END,
		       ciphertext = CASE WHEN $1 THEN $2 ELSE NULL END,
		       deleted = $3,
		       version = version + 1,
		       updated_at = now()
		 WHERE owner_id = $4 AND record_id = $5 AND record_type = $6
		   AND encrypted = $1 AND version = $7
	`, encrypted, payload, op.Deleted, ownerID, op.RecordID, op.RecordType, op.BaseVersion)
	if err != nil {
		return nil, fmt.Errorf("cas update: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	} else if n == 1 {
		if err := r.dropTwin(ctx, tx, ownerID, op, encrypted); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		return &PushOutcome{Accepted: true, NewVersion: op.BaseVersion + 1}, nil
	}

	// No row matched the CAS predicate: either the record does not exist
	// yet (insert at version 1) or it exists at another version (conflict).
	res, err = tx.ExecContext(ctx, `
		INSERT INTO records (owner_id, record_id, record_type, data, ciphertext, encrypted, version, deleted, updated_at)
		VALUES ($1, $2, $3, CASE WHEN $4 THEN NULL ELSE $5 END, CASE WHEN $4 THEN $5 ELSE NULL END, $4, 1, $6, now())
		ON CONFLICT (owner_id, record_id, record_type, encrypted) DO NOTHING
	`, ownerID, op.RecordID, op.RecordType, encrypted, payload, op.Deleted)
	if err != nil {
		return nil, fmt.Errorf("insert: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	} else if n == 1 {
		if err := r.dropTwin(ctx, tx, ownerID, op, encrypted); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		return &PushOutcome{Accepted: true, NewVersion: 1}, nil
	}

	// Conflict: report the server's current state for resolution.
	server := &models.Record{OwnerID: ownerID}
	var data, ciphertext sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT record_id, record_type, data, ciphertext, version, deleted, updated_at
		  FROM records
		 WHERE owner_id = $1 AND record_id = $2 AND record_type = $3 AND encrypted = $4
	`, ownerID, op.RecordID, op.RecordType, encrypted).Scan(
		&server.RecordID, &server.RecordType, &data, &ciphertext,
		&server.Version, &server.Deleted, &server.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("load conflicting record: %w", err)
	}
	server.Data = data.String
	server.Ciphertext = ciphertext.String
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &PushOutcome{Accepted: false, Server: server}, nil
}

// dropTwin removes the plaintext counterpart of an accepted encrypted
// record. The delete rides in the same transaction as the accepted
// write, so the plaintext copy only ever disappears together with its
// encrypted replacement landing. Plaintext pushes never touch the
// encrypted family: during vault disable the encrypted rows must
// survive until the verified purge.
func (r *PostgresRecordRepository) dropTwin(ctx context.Context, tx *sql.Tx, ownerID string, op models.PushOperation, encrypted bool) error {
	if !encrypted {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		DELETE FROM records
		 WHERE owner_id = $1 AND record_id = $2 AND record_type = $3 AND encrypted = false
	`, ownerID, op.RecordID, op.RecordType)
	if err != nil {
		return fmt.Errorf("drop plaintext twin: %w", err)
	}
	return nil
}

// ListPage returns one pull page: records of the given family strictly
// after the (cursor, afterID) position, ordered by updated_at then
// record_id ascending, limited. The record id tie-break matters because
// updated_at is transaction-stable: every row written by one batch
// transaction shares a timestamp, and a page boundary may split such a
// group. recordType narrows the page to a single type when non-empty.
func (r *PostgresRecordRepository) ListPage(ctx context.Context, ownerID string, encrypted bool, cursor time.Time, afterID string, recordType models.RecordType, limit int) ([]models.Record, error) {
	query := `
		SELECT record_id, record_type, data, ciphertext, version, deleted, updated_at
		  FROM records
		 WHERE owner_id = $1 AND encrypted = $2 AND (updated_at, record_id) > ($3, $4)`
	args := []any{ownerID, encrypted, cursor, afterID}
	if recordType != "" {
		query += ` AND record_type = $5`
		args = append(args, recordType)
	}
	query += fmt.Sprintf(` ORDER BY updated_at ASC, record_id ASC LIMIT %d`, limit)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list page: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows, ownerID)
}

// ListPlaintext returns every non-deleted plaintext record of the
// owner. The checksum endpoint canonicalizes the result itself.
func (r *PostgresRecordRepository) ListPlaintext(ctx context.Context, ownerID string) ([]models.Record, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT record_id, record_type, data, ciphertext, version, deleted, updated_at
		  FROM records
		 WHERE owner_id = $1 AND encrypted = false AND deleted = false
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list plaintext: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows, ownerID)
}

// CountPlaintext counts the owner's non-deleted plaintext records. This
// count is the sole safety predicate of the vault disable verification
// gate.
func (r *PostgresRecordRepository) CountPlaintext(ctx context.Context, ownerID string) (int, error) {
	var count int
	err := r.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM records
		 WHERE owner_id = $1 AND encrypted = false AND deleted = false
	`, ownerID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count plaintext: %w", err)
	}
	return count, nil
}

// Meta aggregates the plaintext family for the checksum endpoint:
// per-type live counts and the latest update time.
func (r *PostgresRecordRepository) Meta(ctx context.Context, ownerID string) (models.PerTypeCounts, time.Time, error) {
	var counts models.PerTypeCounts
	var last sql.NullTime
	err := r.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE record_type = 'bookmark'),
		       COUNT(*) FILTER (WHERE record_type = 'space'),
		       COUNT(*) FILTER (WHERE record_type = 'pinned-view'),
		       MAX(updated_at)
		  FROM records
		 WHERE owner_id = $1 AND encrypted = false AND deleted = false
	`, ownerID).Scan(&counts.Bookmarks, &counts.Spaces, &counts.PinnedViews, &last)
	if err != nil {
		return counts, time.Time{}, fmt.Errorf("record meta: %w", err)
	}
	return counts, last.Time, nil
}

// UpsertPlaintextBatch idempotently writes plaintext rows during vault
// disable phase 0. Re-uploading the same records is safe: the conflict
// target replaces the previous plaintext row wholesale. Encrypted rows
// are never touched. Versions are floored at 1 so a client that omits
// them cannot create a row below the protocol's version range.
func (r *PostgresRecordRepository) UpsertPlaintextBatch(ctx context.Context, ownerID string, records []models.Record) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range records {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO records (owner_id, record_id, record_type, data, ciphertext, encrypted, version, deleted, updated_at)
			VALUES ($1, $2, $3, $4, NULL, false, GREATEST($5, 1), $6, now())
			ON CONFLICT (owner_id, record_id, record_type, encrypted) DO UPDATE SET
				data = EXCLUDED.data,
				ciphertext = NULL,
				version = EXCLUDED.version,
				deleted = EXCLUDED.deleted,
				updated_at = now()
		`, ownerID, rec.RecordID, rec.RecordType, rec.Data, rec.Version, rec.Deleted)
		if err != nil {
			return fmt.Errorf("upsert plaintext: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// DeleteEncrypted physically removes every encrypted row of the owner.
// This is the destructive phase-2 step of vault disable; the service
// layer guarantees it only runs after a passing verification.
func (r *PostgresRecordRepository) DeleteEncrypted(ctx context.Context, ownerID string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM records WHERE owner_id = $1 AND encrypted = true
	`, ownerID)
	if err != nil {
		return 0, fmt.Errorf("delete encrypted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func scanRecords(rows *sql.Rows, ownerID string) ([]models.Record, error) {
	var records []models.Record
	for rows.Next() {
		rec := models.Record{OwnerID: ownerID}
		var data, ciphertext sql.NullString
		if err := rows.Scan(&rec.RecordID, &rec.RecordType, &data, &ciphertext,
			&rec.Version, &rec.Deleted, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		rec.Data = data.String
		rec.Ciphertext = ciphertext.String
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return records, nil
}

// ErrNotFound is returned by lookups when no row matches.
var ErrNotFound = errors.New("not found")
