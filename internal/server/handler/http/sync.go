package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/akarpov/markvault/internal/middleware"
	"github.com/akarpov/markvault/internal/models"
	"github.com/akarpov/markvault/internal/service"
)

// SyncService defines the synchronization operations required by the
// SyncHandler.
type SyncService interface {
	// Push applies a batch of operations, returning mixed per-entry
	// results and conflicts.
	Push(ctx context.Context, ownerID string, ops []models.PushOperation) (*models.PushResponse, error)
	// Pull returns one cursor page of the owner's records.
	Pull(ctx context.Context, ownerID, cursor string, recordType models.RecordType, limit int) (*models.PullResponse, error)
	// Checksum summarizes the owner's live plaintext record set.
	Checksum(ctx context.Context, ownerID string) (*models.ChecksumMeta, error)
}

// SyncHandler handles the push/pull/checksum endpoints.
type SyncHandler struct {
	SyncService SyncService
}

// Push handles POST /api/sync/push. The response carries per-entry
// results; the status is 409 when any entry conflicted, which is an
// expected outcome, not a failure; the body still lists the accepted
// entries.
func (h *SyncHandler) Push(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.GetUserIDFromContext(r.Context())

	var req models.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	resp, err := h.SyncService.Push(r.Context(), ownerID, req.Operations)
	if errors.Is(err, service.ErrValidation) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	if len(resp.Conflicts) > 0 {
		status = http.StatusConflict
	}
	writeJSON(w, status, resp)
}

// Pull handles GET /api/sync/pull?cursor&recordType&limit.
func (h *SyncHandler) Pull(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.GetUserIDFromContext(r.Context())

	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	resp, err := h.SyncService.Pull(r.Context(), ownerID, q.Get("cursor"), models.RecordType(q.Get("recordType")), limit)
	if errors.Is(err, service.ErrValidation) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Checksum handles GET /api/sync/checksum.
func (h *SyncHandler) Checksum(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.GetUserIDFromContext(r.Context())

	meta, err := h.SyncService.Checksum(r.Context(), ownerID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}
