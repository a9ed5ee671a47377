// Package store is the client's durable local state: the record cache,
// the outbox queue and the small key/value sync state, all in one
// SQLite database so a crash never loses a pending mutation.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/akarpov/markvault/internal/models"
)

// ErrNotFound is returned by lookups when no row matches.
var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS records (
    record_id TEXT NOT NULL,
    record_type TEXT NOT NULL,
    data TEXT,
    ciphertext TEXT,
    version INTEGER NOT NULL DEFAULT 0,
    deleted INTEGER NOT NULL DEFAULT 0,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (record_id, record_type)
);

CREATE TABLE IF NOT EXISTS outbox (
    record_id TEXT PRIMARY KEY,
    record_type TEXT NOT NULL,
    base_version INTEGER NOT NULL,
    data TEXT,
    ciphertext TEXT,
    deleted INTEGER NOT NULL DEFAULT 0,
    enqueued_at TEXT NOT NULL,
    seq INTEGER NOT NULL,
    gen INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sync_state (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// Store is the durable client-side cache of records plus the outbox.
// The local version column is a cache of the last version pushed or
// pulled; the server's copy is the authoritative one.
type Store struct {
	db *sql.DB

	mu       sync.Mutex
	tagIndex map[string][]string
}

// Open opens (creating if needed) the client database at path.
// Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The store is used from the sync engine and the UI loop at once;
	// a single connection serializes access through SQLite itself.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Get returns one record, tombstones included.
func (s *Store) Get(ctx context.Context, recordID string, recordType models.RecordType) (*models.Record, error) {
	rec := models.Record{}
	var data, ciphertext sql.NullString
	var updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT record_id, record_type, data, ciphertext, version, deleted, updated_at
		  FROM records WHERE record_id = ? AND record_type = ?
	`, recordID, recordType).Scan(&rec.RecordID, &rec.RecordType, &data, &ciphertext,
		&rec.Version, &rec.Deleted, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	rec.Data = data.String
	rec.Ciphertext = ciphertext.String
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &rec, nil
}

// List returns all records, tombstones included when withDeleted is set.
func (s *Store) List(ctx context.Context, withDeleted bool) ([]models.Record, error) {
	query := `
		SELECT record_id, record_type, data, ciphertext, version, deleted, updated_at
		  FROM records`
	if !withDeleted {
		query += ` WHERE deleted = 0`
	}
	query += ` ORDER BY record_id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var records []models.Record
	for rows.Next() {
		var rec models.Record
		var data, ciphertext sql.NullString
		var updatedAt string
		if err := rows.Scan(&rec.RecordID, &rec.RecordType, &data, &ciphertext,
			&rec.Version, &rec.Deleted, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		rec.Data = data.String
		rec.Ciphertext = ciphertext.String
		rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// Put writes a locally-mutated record. The version stays whatever the
// store last learned from the server; acceptance bumps it via SetVersion.
func (s *Store) Put(ctx context.Context, rec *models.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (record_id, record_type, data, ciphertext, version, deleted, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (record_id, record_type) DO UPDATE SET
			data = excluded.data,
			ciphertext = excluded.ciphertext,
			version = excluded.version,
			deleted = excluded.deleted,
			updated_at = excluded.updated_at
	`, rec.RecordID, rec.RecordType, nullable(rec.Data), nullable(rec.Ciphertext),
		rec.Version, rec.Deleted, rec.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

// Apply overwrites local state with a pulled remote record. The server
// is authoritative for everything it has already accepted, so no
// version comparison happens here: remote always wins.
func (s *Store) Apply(ctx context.Context, rec *models.Record) error {
	return s.Put(ctx, rec)
}

// ApplyBatch applies one pull page in the order received. Derived state
// is not recomputed per record; call InvalidateDerived once afterwards.
func (s *Store) ApplyBatch(ctx context.Context, records []models.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range records {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO records (record_id, record_type, data, ciphertext, version, deleted, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (record_id, record_type) DO UPDATE SET
				data = excluded.data,
				ciphertext = excluded.ciphertext,
				version = excluded.version,
				deleted = excluded.deleted,
				updated_at = excluded.updated_at
		`, rec.RecordID, rec.RecordType, nullable(rec.Data), nullable(rec.Ciphertext),
			rec.Version, rec.Deleted, rec.UpdatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("apply record: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// SetVersion records a server-acknowledged version for a record.
func (s *Store) SetVersion(ctx context.Context, recordID string, recordType models.RecordType, version int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE records SET version = ? WHERE record_id = ? AND record_type = ?
	`, version, recordID, recordType)
	if err != nil {
		return fmt.Errorf("set version: %w", err)
	}
	return nil
}

// Delete marks a record as a tombstone locally.
func (s *Store) Delete(ctx context.Context, recordID string, recordType models.RecordType) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE records SET deleted = 1, updated_at = ? WHERE record_id = ? AND record_type = ? AND deleted = 0
	`, time.Now().UTC().Format(time.RFC3339Nano), recordID, recordType)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceAll swaps the entire record set, and the outbox with it, in
// one transaction. Mode transitions use it so a crash can never leave
// the new record set paired with queued mutations from the old one.
func (s *Store) ReplaceAll(ctx context.Context, records []models.Record, entries []models.OutboxEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM records`); err != nil {
		return fmt.Errorf("clear records: %w", err)
	}
	for _, rec := range records {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO records (record_id, record_type, data, ciphertext, version, deleted, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, rec.RecordID, rec.RecordType, nullable(rec.Data), nullable(rec.Ciphertext),
			rec.Version, rec.Deleted, rec.UpdatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM outbox`); err != nil {
		return fmt.Errorf("clear outbox: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for i, e := range entries {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO outbox (record_id, record_type, base_version, data, ciphertext, deleted, enqueued_at, seq, gen)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
		`, e.RecordID, e.RecordType, e.BaseVersion, nullable(e.Data), nullable(e.Ciphertext),
			e.Deleted, now, i+1); err != nil {
			return fmt.Errorf("enqueue: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Count returns live record counts by type.
func (s *Store) Count(ctx context.Context) (models.PerTypeCounts, error) {
	var counts models.PerTypeCounts
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_type, COUNT(*) FROM records WHERE deleted = 0 GROUP BY record_type
	`)
	if err != nil {
		return counts, fmt.Errorf("count records: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rt string
		var n int
		if err := rows.Scan(&rt, &n); err != nil {
			return counts, err
		}
		switch models.RecordType(rt) {
		case models.Bookmark:
			counts.Bookmarks = n
		case models.Space:
			counts.Spaces = n
		case models.PinnedView:
			counts.PinnedViews = n
		}
	}
	return counts, rows.Err()
}

// TagIndex returns the derived tag → bookmark-id index, rebuilding it
// lazily from plaintext bookmark payloads. Bulk writes do not rebuild
// it record by record; callers invalidate once after the batch.
func (s *Store) TagIndex(ctx context.Context) (map[string][]string, error) {
	s.mu.Lock()
	if s.tagIndex != nil {
		idx := s.tagIndex
		s.mu.Unlock()
		return idx, nil
	}
	s.mu.Unlock()

	records, err := s.List(ctx, false)
	if err != nil {
		return nil, err
	}
	idx := make(map[string][]string)
	for _, rec := range records {
		if rec.RecordType != models.Bookmark || rec.Data == "" {
			continue
		}
		var payload struct {
			Tags []string `json:"tags"`
		}
		if err := json.Unmarshal([]byte(rec.Data), &payload); err != nil {
			continue
		}
		for _, tag := range payload.Tags {
			idx[tag] = append(idx[tag], rec.RecordID)
		}
	}

	s.mu.Lock()
	s.tagIndex = idx
	s.mu.Unlock()
	return idx, nil
}

// InvalidateDerived drops cached derived state after a bulk write.
func (s *Store) InvalidateDerived() {
	s.mu.Lock()
	s.tagIndex = nil
	s.mu.Unlock()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
