package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/akarpov/markvault/internal/models"
)

// Enqueue stores a pending mutation for a record. A second mutation to
// the same record supersedes the queued one instead of appending; the
// original seq is kept so drain order still reflects first-touch order,
// and the generation is bumped so an in-flight push of the superseded
// content cannot acknowledge the new one away.
func (s *Store) Enqueue(ctx context.Context, entry models.OutboxEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx, `SELECT seq FROM outbox WHERE record_id = ?`, entry.RecordID).Scan(&seq)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM outbox`).Scan(&seq); err != nil {
			return fmt.Errorf("next seq: %w", err)
		}
	case err != nil:
		return fmt.Errorf("lookup seq: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (record_id, record_type, base_version, data, ciphertext, deleted, enqueued_at, seq, gen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT (record_id) DO UPDATE SET
			record_type = excluded.record_type,
			base_version = excluded.base_version,
			data = excluded.data,
			ciphertext = excluded.ciphertext,
			deleted = excluded.deleted,
			enqueued_at = excluded.enqueued_at,
			gen = outbox.gen + 1
	`, entry.RecordID, entry.RecordType, entry.BaseVersion, nullable(entry.Data),
		nullable(entry.Ciphertext), entry.Deleted,
		time.Now().UTC().Format(time.RFC3339Nano), seq); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Drain returns up to limit queued entries in enqueue order. Entries
// stay queued until Ack removes them, so a crash mid-push replays them.
func (s *Store) Drain(ctx context.Context, limit int) ([]models.OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id, record_type, base_version, data, ciphertext, deleted, gen
		  FROM outbox ORDER BY seq LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("drain outbox: %w", err)
	}
	defer rows.Close()

	var entries []models.OutboxEntry
	for rows.Next() {
		var e models.OutboxEntry
		var data, ciphertext sql.NullString
		if err := rows.Scan(&e.RecordID, &e.RecordType, &e.BaseVersion, &data, &ciphertext, &e.Deleted, &e.Gen); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		e.Data = data.String
		e.Ciphertext = ciphertext.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Ack removes an acknowledged entry, unless a newer mutation superseded
// it while the push was in flight. gen must be the generation Drain
// returned; a superseding edit carries the same record id and often the
// same base version, so only the generation tells the two apart.
func (s *Store) Ack(ctx context.Context, recordID string, gen int64) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM outbox WHERE record_id = ? AND gen = ?
	`, recordID, gen)
	if err != nil {
		return fmt.Errorf("ack outbox: %w", err)
	}
	return nil
}

// Rebase rewrites the base version of a queued entry after conflict
// resolution picked local-wins.
func (s *Store) Rebase(ctx context.Context, recordID string, baseVersion int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET base_version = ? WHERE record_id = ?
	`, baseVersion, recordID)
	if err != nil {
		return fmt.Errorf("rebase outbox: %w", err)
	}
	return nil
}

// Remove drops a queued entry regardless of its base version. Used when
// conflict resolution picks remote-wins.
func (s *Store) Remove(ctx context.Context, recordID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE record_id = ?`, recordID)
	if err != nil {
		return fmt.Errorf("remove outbox: %w", err)
	}
	return nil
}

// OutboxLen reports how many mutations are waiting to be pushed.
func (s *Store) OutboxLen(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count outbox: %w", err)
	}
	return n, nil
}
