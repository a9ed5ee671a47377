package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/akarpov/markvault/internal/models"
	"github.com/akarpov/markvault/internal/repository"
)

// fakeVaultService implements VaultService for testing.
type fakeVaultService struct {
	env        *models.VaultKeyEnvelope
	envErr     error
	createErr  error
	upsertErr  error
	verifyResp *models.VerifyPlaintextResponse
	verifyErr  error

	deletedEncrypted bool
	deletedVault     bool
}

func (f *fakeVaultService) GetEnvelope(ctx context.Context, ownerID string) (*models.VaultKeyEnvelope, error) {
	return f.env, f.envErr
}
func (f *fakeVaultService) CreateEnvelope(ctx context.Context, ownerID string, env *models.VaultKeyEnvelope) error {
	return f.createErr
}
func (f *fakeVaultService) UpsertPlaintext(ctx context.Context, ownerID string, records []models.Record) error {
	return f.upsertErr
}
func (f *fakeVaultService) VerifyPlaintext(ctx context.Context, ownerID string, expectedCount int) (*models.VerifyPlaintextResponse, error) {
	return f.verifyResp, f.verifyErr
}
func (f *fakeVaultService) DeleteEncrypted(ctx context.Context, ownerID string) error {
	f.deletedEncrypted = true
	return nil
}
func (f *fakeVaultService) DeleteVault(ctx context.Context, ownerID string) error {
	f.deletedVault = true
	return nil
}

func TestVaultHandler_GetEnvelope(t *testing.T) {
	tests := []struct {
		name         string
		service      *fakeVaultService
		expectedCode int
	}{
		{
			name: "found",
			service: &fakeVaultService{env: &models.VaultKeyEnvelope{
				KeyWrapper: models.KeyWrapper{WrappedKey: "w==", Salt: "s=="},
			}},
			expectedCode: http.StatusOK,
		},
		{
			name:         "no vault",
			service:      &fakeVaultService{envErr: repository.ErrNotFound},
			expectedCode: http.StatusNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &VaultHandler{VaultService: tt.service}
			rr := httptest.NewRecorder()
			h.GetEnvelope(rr, authedRequest(http.MethodGet, "/api/vault/envelope", ""))
			if rr.Code != tt.expectedCode {
				t.Errorf("status = %d; want %d", rr.Code, tt.expectedCode)
			}
		})
	}
}

func TestVaultHandler_PutEnvelope(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		service      *fakeVaultService
		expectedCode int
	}{
		{
			name:         "created",
			body:         `{"wrappedKey":"w==","salt":"s==","kdfParams":{"algorithm":"argon2id"}}`,
			service:      &fakeVaultService{},
			expectedCode: http.StatusCreated,
		},
		{
			name:         "already exists",
			body:         `{"wrappedKey":"w==","salt":"s==","kdfParams":{"algorithm":"argon2id"}}`,
			service:      &fakeVaultService{createErr: repository.ErrEnvelopeExists},
			expectedCode: http.StatusConflict,
		},
		{
			name:         "invalid JSON",
			body:         `{{{`,
			service:      &fakeVaultService{},
			expectedCode: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &VaultHandler{VaultService: tt.service}
			rr := httptest.NewRecorder()
			h.PutEnvelope(rr, authedRequest(http.MethodPut, "/api/vault/envelope", tt.body))
			if rr.Code != tt.expectedCode {
				t.Errorf("status = %d; want %d", rr.Code, tt.expectedCode)
			}
		})
	}
}

func TestVaultHandler_VerifyPlaintext(t *testing.T) {
	h := &VaultHandler{VaultService: &fakeVaultService{verifyResp: &models.VerifyPlaintextResponse{
		Verified:      false,
		ServerCount:   9,
		ExpectedCount: 10,
		Checksum:      "deadbeef",
	}}}
	rr := httptest.NewRecorder()
	h.VerifyPlaintext(rr, authedRequest(http.MethodGet, "/api/vault/verify-plaintext?expectedCount=10", ""))

	// A mismatch is still a 200: it is a result, not an error.
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", rr.Code)
	}
	var resp models.VerifyPlaintextResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Verified || resp.ServerCount != 9 {
		t.Errorf("body = %+v", resp)
	}
}

func TestVaultHandler_VerifyPlaintextBadCount(t *testing.T) {
	h := &VaultHandler{VaultService: &fakeVaultService{}}
	for _, target := range []string{
		"/api/vault/verify-plaintext",
		"/api/vault/verify-plaintext?expectedCount=x",
		"/api/vault/verify-plaintext?expectedCount=-1",
	} {
		rr := httptest.NewRecorder()
		h.VerifyPlaintext(rr, authedRequest(http.MethodGet, target, ""))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d; want 400", target, rr.Code)
		}
	}
}

func TestVaultHandler_Disable(t *testing.T) {
	tests := []struct {
		name          string
		body          string
		expectedCode  int
		wantEncrypted bool
		wantVault     bool
	}{
		{"delete encrypted", `{"action":"delete-encrypted"}`, http.StatusOK, true, false},
		{"delete vault", `{"action":"delete-vault"}`, http.StatusOK, false, true},
		{"unknown action", `{"action":"drop-everything"}`, http.StatusBadRequest, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeVaultService{}
			h := &VaultHandler{VaultService: svc}
			rr := httptest.NewRecorder()
			h.Disable(rr, authedRequest(http.MethodPost, "/api/vault/disable", tt.body))

			if rr.Code != tt.expectedCode {
				t.Errorf("status = %d; want %d", rr.Code, tt.expectedCode)
			}
			if svc.deletedEncrypted != tt.wantEncrypted || svc.deletedVault != tt.wantVault {
				t.Errorf("calls = (enc %v, vault %v); want (%v, %v)",
					svc.deletedEncrypted, svc.deletedVault, tt.wantEncrypted, tt.wantVault)
			}
		})
	}
}
