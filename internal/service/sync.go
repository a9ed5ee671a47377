// Package service provides the business logic of the sync protocol,
// vault lifecycle and authentication, delegating persistence to
// repository interfaces.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/akarpov/markvault/internal/models"
	"github.com/akarpov/markvault/internal/repository"
	"github.com/akarpov/markvault/internal/vault"
)

// ErrValidation marks a malformed or oversized request. Handlers map it
// to a 400 and reject the request whole.
var ErrValidation = errors.New("validation error")

// DefaultPullLimit bounds a pull page when the client does not ask for
// a specific size.
const DefaultPullLimit = 100

// RecordRepository defines the persistence operations needed by the
// SyncService.
type RecordRepository interface {
	// ApplyOperation applies one push operation atomically against the
	// record's version column.
	ApplyOperation(ctx context.Context, ownerID string, op models.PushOperation) (*repository.PushOutcome, error)
	// ListPage returns one cursor page ordered by (updated_at, record_id)
	// ascending, starting strictly after that position.
	ListPage(ctx context.Context, ownerID string, encrypted bool, cursor time.Time, afterID string, recordType models.RecordType, limit int) ([]models.Record, error)
	// ListPlaintext returns all live plaintext records for checksumming.
	ListPlaintext(ctx context.Context, ownerID string) ([]models.Record, error)
	// Meta aggregates live plaintext per-type counts and last update.
	Meta(ctx context.Context, ownerID string) (models.PerTypeCounts, time.Time, error)
}

// ModeReader reports the owner's stored sync mode.
type ModeReader interface {
	GetSyncMode(ctx context.Context, ownerID string) (repository.SyncMode, error)
}

// SyncService implements the push/pull/checksum protocol.
type SyncService struct {
	records RecordRepository
	modes   ModeReader
}

// NewSyncService constructs a SyncService over the given repositories.
func NewSyncService(records RecordRepository, modes ModeReader) *SyncService {
	return &SyncService{records: records, modes: modes}
}

// Push applies a batch of operations. Each entry is processed
// independently; the response mixes accepted results and conflicts.
// Partial success is the expected shape, not an error.
func (s *SyncService) Push(ctx context.Context, ownerID string, ops []models.PushOperation) (*models.PushResponse, error) {
	if len(ops) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrValidation)
	}
	if len(ops) > models.MaxPushBatch {
		return nil, fmt.Errorf("%w: batch of %d exceeds limit %d", ErrValidation, len(ops), models.MaxPushBatch)
	}
	for _, op := range ops {
		if op.RecordID == "" || !op.RecordType.Valid() {
			return nil, fmt.Errorf("%w: operation missing record id or type", ErrValidation)
		}
		if op.Data != "" && op.Ciphertext != "" {
			return nil, fmt.Errorf("%w: operation carries both data and ciphertext", ErrValidation)
		}
		if op.BaseVersion < 0 {
			return nil, fmt.Errorf("%w: negative base version", ErrValidation)
		}
	}

	resp := &models.PushResponse{Results: []models.PushResult{}, Conflicts: []models.PushConflict{}}
	for _, op := range ops {
		out, err := s.records.ApplyOperation(ctx, ownerID, op)
		if err != nil {
			return nil, err
		}
		if out.Accepted {
			resp.Results = append(resp.Results, models.PushResult{RecordID: op.RecordID, Version: out.NewVersion})
			continue
		}
		resp.Conflicts = append(resp.Conflicts, models.PushConflict{
			RecordID:         out.Server.RecordID,
			RecordType:       out.Server.RecordType,
			ServerVersion:    out.Server.Version,
			ServerData:       out.Server.Data,
			ServerCiphertext: out.Server.Ciphertext,
			ServerDeleted:    out.Server.Deleted,
		})
	}
	resp.Success = len(resp.Conflicts) == 0
	return resp, nil
}

// Pull returns one page of the owner's records after the cursor
// position, scoped to the family of the owner's current sync mode.
// HasMore is true exactly when the page was full; NextCursor encodes
// the last record's update time and id.
func (s *SyncService) Pull(ctx context.Context, ownerID, cursor string, recordType models.RecordType, limit int) (*models.PullResponse, error) {
	if limit <= 0 || limit > DefaultPullLimit {
		limit = DefaultPullLimit
	}
	if recordType != "" && !recordType.Valid() {
		return nil, fmt.Errorf("%w: unknown record type %q", ErrValidation, recordType)
	}
	since, afterID, err := decodeCursor(cursor)
	if err != nil {
		return nil, err
	}

	mode, err := s.modes.GetSyncMode(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	records, err := s.records.ListPage(ctx, ownerID, mode == repository.ModeEncrypted, since, afterID, recordType, limit)
	if err != nil {
		return nil, err
	}

	resp := &models.PullResponse{Records: records, HasMore: len(records) == limit}
	if len(records) > 0 {
		last := records[len(records)-1]
		resp.NextCursor = encodeCursor(last.UpdatedAt, last.RecordID)
	} else {
		resp.NextCursor = cursor
	}
	return resp, nil
}

// The cursor is opaque to clients: an update timestamp plus the last
// record id of the page. The id breaks timestamp ties, since rows
// written in one transaction share an updated_at and a page boundary
// can fall inside such a group; advancing on the timestamp alone would
// skip the rest of the group.
func encodeCursor(ts time.Time, recordID string) string {
	return ts.Format(time.RFC3339Nano) + "|" + recordID
}

func decodeCursor(cursor string) (time.Time, string, error) {
	if cursor == "" {
		return time.Time{}, "", nil
	}
	ts := cursor
	var afterID string
	if i := strings.IndexByte(cursor, '|'); i >= 0 {
		ts, afterID = cursor[:i], cursor[i+1:]
	}
	since, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: bad cursor", ErrValidation)
	}
	return since, afterID, nil
}

// Checksum summarizes the owner's live plaintext record set: a
// canonical digest, counts and last update. The digest is computed over
// the recordId-sorted set, so repeated calls over unchanged data are
// byte-identical regardless of row order. Only meaningful in plaintext
// mode; the encrypted path is never checksum-gated.
func (s *SyncService) Checksum(ctx context.Context, ownerID string) (*models.ChecksumMeta, error) {
	records, err := s.records.ListPlaintext(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	counts, last, err := s.records.Meta(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return &models.ChecksumMeta{
		Checksum:      vault.Checksum(records),
		Count:         len(records),
		LastUpdate:    last,
		PerTypeCounts: counts,
	}, nil
}
