package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/akarpov/markvault/internal/models"
	"github.com/akarpov/markvault/internal/vault"
)

// VaultRepository defines the persistence operations needed by the
// VaultService.
type VaultRepository interface {
	GetEnvelope(ctx context.Context, ownerID string) (*models.VaultKeyEnvelope, error)
	CreateEnvelope(ctx context.Context, ownerID string, env *models.VaultKeyEnvelope) error
	DeleteEnvelope(ctx context.Context, ownerID string) error
}

// PlaintextRepository covers the record operations of the vault disable
// protocol: the idempotent plaintext re-upload, the verification count
// and the encrypted purge.
type PlaintextRepository interface {
	UpsertPlaintextBatch(ctx context.Context, ownerID string, records []models.Record) error
	CountPlaintext(ctx context.Context, ownerID string) (int, error)
	ListPlaintext(ctx context.Context, ownerID string) ([]models.Record, error)
	DeleteEncrypted(ctx context.Context, ownerID string) (int64, error)
}

// VaultService implements the server half of the vault lifecycle:
// envelope storage and the verification-gated disable steps.
type VaultService struct {
	vaults  VaultRepository
	records PlaintextRepository
	log     *zap.Logger
}

// NewVaultService constructs a VaultService.
func NewVaultService(vaults VaultRepository, records PlaintextRepository, log *zap.Logger) *VaultService {
	return &VaultService{vaults: vaults, records: records, log: log}
}

// GetEnvelope returns the owner's envelope, or repository.ErrNotFound.
func (s *VaultService) GetEnvelope(ctx context.Context, ownerID string) (*models.VaultKeyEnvelope, error) {
	return s.vaults.GetEnvelope(ctx, ownerID)
}

// CreateEnvelope validates and stores a new envelope. Creation fails
// with repository.ErrEnvelopeExists when the owner already has one;
// overwriting would orphan the key every device depends on.
func (s *VaultService) CreateEnvelope(ctx context.Context, ownerID string, env *models.VaultKeyEnvelope) error {
	if env.WrappedKey == "" || env.Salt == "" || env.KDFParams.Algorithm == "" {
		return fmt.Errorf("%w: envelope missing wrappedKey, salt or kdfParams", ErrValidation)
	}
	return s.vaults.CreateEnvelope(ctx, ownerID, env)
}

// UpsertPlaintext is disable phase 0: the client re-uploads decrypted
// records in bounded batches. Idempotent, so a retried batch is safe.
func (s *VaultService) UpsertPlaintext(ctx context.Context, ownerID string, records []models.Record) error {
	if len(records) == 0 {
		return fmt.Errorf("%w: empty batch", ErrValidation)
	}
	if len(records) > models.MaxPushBatch {
		return fmt.Errorf("%w: batch of %d exceeds limit %d", ErrValidation, len(records), models.MaxPushBatch)
	}
	for _, r := range records {
		if r.RecordID == "" || !r.RecordType.Valid() {
			return fmt.Errorf("%w: record missing id or type", ErrValidation)
		}
		if r.Ciphertext != "" {
			return fmt.Errorf("%w: plaintext upload carries ciphertext", ErrValidation)
		}
	}
	return s.records.UpsertPlaintextBatch(ctx, ownerID, records)
}

// VerifyPlaintext is the phase-1 gate of vault disable: the server
// independently counts its live plaintext records and compares against
// the count the client claims to have uploaded. Count equality is the
// sole safety predicate; the checksum is returned for diagnostics only.
// A mismatch is a recoverable outcome, never an error.
func (s *VaultService) VerifyPlaintext(ctx context.Context, ownerID string, expectedCount int) (*models.VerifyPlaintextResponse, error) {
	count, err := s.records.CountPlaintext(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	records, err := s.records.ListPlaintext(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	resp := &models.VerifyPlaintextResponse{
		Verified:      count == expectedCount,
		ServerCount:   count,
		ExpectedCount: expectedCount,
		Checksum:      vault.Checksum(records),
	}
	if !resp.Verified {
		s.log.Warn("vault disable verification failed",
			zap.String("owner", ownerID),
			zap.Int("serverCount", count),
			zap.Int("expectedCount", expectedCount))
	}
	return resp, nil
}

// DeleteEncrypted is phase 2a: physically removes every encrypted row.
// The client state machine only calls this after a passing
// verification.
func (s *VaultService) DeleteEncrypted(ctx context.Context, ownerID string) error {
	n, err := s.records.DeleteEncrypted(ctx, ownerID)
	if err != nil {
		return err
	}
	s.log.Info("purged encrypted records", zap.String("owner", ownerID), zap.Int64("removed", n))
	return nil
}

// DeleteVault is phase 2b: removes the envelope and flips the stored
// mode to plaintext. Independently idempotent so a crash between the
// two phase-2 calls is recoverable by re-running this alone.
func (s *VaultService) DeleteVault(ctx context.Context, ownerID string) error {
	return s.vaults.DeleteEnvelope(ctx, ownerID)
}
