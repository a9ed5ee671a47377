package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/akarpov/markvault/internal/middleware"
	"github.com/akarpov/markvault/internal/models"
	"github.com/akarpov/markvault/internal/repository"
	"github.com/akarpov/markvault/internal/service"
)

// VaultService defines the vault lifecycle operations required by the
// VaultHandler.
type VaultService interface {
	GetEnvelope(ctx context.Context, ownerID string) (*models.VaultKeyEnvelope, error)
	CreateEnvelope(ctx context.Context, ownerID string, env *models.VaultKeyEnvelope) error
	UpsertPlaintext(ctx context.Context, ownerID string, records []models.Record) error
	VerifyPlaintext(ctx context.Context, ownerID string, expectedCount int) (*models.VerifyPlaintextResponse, error)
	DeleteEncrypted(ctx context.Context, ownerID string) error
	DeleteVault(ctx context.Context, ownerID string) error
}

// VaultHandler handles envelope storage and the disable protocol
// endpoints.
type VaultHandler struct {
	VaultService VaultService
}

// GetEnvelope handles GET /api/vault/envelope.
func (h *VaultHandler) GetEnvelope(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.GetUserIDFromContext(r.Context())

	env, err := h.VaultService.GetEnvelope(r.Context(), ownerID)
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, "no vault", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

// PutEnvelope handles PUT /api/vault/envelope. A second envelope for
// the same owner is a 409: the existing one must be deleted through the
// disable protocol first.
func (h *VaultHandler) PutEnvelope(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.GetUserIDFromContext(r.Context())

	var env models.VaultKeyEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	err := h.VaultService.CreateEnvelope(r.Context(), ownerID, &env)
	switch {
	case errors.Is(err, service.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, repository.ErrEnvelopeExists):
		http.Error(w, "vault already exists", http.StatusConflict)
	case err != nil:
		http.Error(w, "internal error", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusCreated)
	}
}

// UpsertPlaintext handles POST /api/vault/plaintext, disable phase 0:
// the idempotent plaintext re-upload.
func (h *VaultHandler) UpsertPlaintext(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.GetUserIDFromContext(r.Context())

	var req struct {
		Records []models.Record `json:"records"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	err := h.VaultService.UpsertPlaintext(r.Context(), ownerID, req.Records)
	if errors.Is(err, service.ErrValidation) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// VerifyPlaintext handles GET /api/vault/verify-plaintext?expectedCount.
// A count mismatch is reported in the body with verified=false, status
// 200: it is a recoverable outcome, not an error.
func (h *VaultHandler) VerifyPlaintext(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.GetUserIDFromContext(r.Context())

	expected, err := strconv.Atoi(r.URL.Query().Get("expectedCount"))
	if err != nil || expected < 0 {
		http.Error(w, "invalid expectedCount", http.StatusBadRequest)
		return
	}

	resp, err := h.VaultService.VerifyPlaintext(r.Context(), ownerID, expected)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Disable handles POST /api/vault/disable, the two destructive
// phase-2 actions. Both are idempotent; the client state machine is in
// charge of never calling delete-encrypted without a passing
// verification.
func (h *VaultHandler) Disable(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.GetUserIDFromContext(r.Context())

	var req struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	var err error
	switch req.Action {
	case "delete-encrypted":
		err = h.VaultService.DeleteEncrypted(r.Context(), ownerID)
	case "delete-vault":
		err = h.VaultService.DeleteVault(r.Context(), ownerID)
	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
