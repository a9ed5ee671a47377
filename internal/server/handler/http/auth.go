// Package http provides the HTTP handlers of the MarkVault API:
// authentication, record synchronization and the vault lifecycle.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/akarpov/markvault/internal/service"
)

// AuthService defines the authentication operations required by the
// HTTP handlers.
type AuthService interface {
	// Register creates an account and returns a bearer token.
	Register(ctx context.Context, login, password string) (string, error)
	// Login verifies credentials and returns a bearer token.
	Login(ctx context.Context, login, password string) (string, error)
}

// AuthHandler handles registration and login requests.
type AuthHandler struct {
	// AuthService performs the underlying authentication operations.
	AuthService AuthService
}

// credentialsRequest is the JSON payload of register and login.
type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// tokenResponse carries the issued bearer token.
type tokenResponse struct {
	Token string `json:"token"`
}

// Register handles POST /api/register.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Login == "" || req.Password == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	token, err := h.AuthService.Register(r.Context(), req.Login, req.Password)
	if errors.Is(err, service.ErrValidation) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: token})
}

// Login handles POST /api/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Login == "" || req.Password == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Login, req.Password)
	if errors.Is(err, service.ErrBadCredentials) {
		http.Error(w, "invalid login or password", http.StatusUnauthorized)
		return
	}
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: token})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
