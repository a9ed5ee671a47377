package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret []byte, ownerID string, expiry time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(expiry)},
		OwnerID:          ownerID,
	})
	s, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestBearerAuth(t *testing.T) {
	secret := []byte("test-secret")
	var gotOwner string
	handler := BearerAuth(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOwner = GetUserIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name         string
		header       string
		expectedCode int
		expectedUser string
	}{
		{
			name:         "valid token",
			header:       "Bearer " + signToken(t, secret, "owner-1", time.Now().Add(time.Hour)),
			expectedCode: http.StatusOK,
			expectedUser: "owner-1",
		},
		{
			name:         "missing header",
			header:       "",
			expectedCode: http.StatusUnauthorized,
		},
		{
			name:         "not a bearer",
			header:       "Basic abc",
			expectedCode: http.StatusUnauthorized,
		},
		{
			name:         "wrong secret",
			header:       "Bearer " + signToken(t, []byte("other"), "owner-1", time.Now().Add(time.Hour)),
			expectedCode: http.StatusUnauthorized,
		},
		{
			name:         "expired token",
			header:       "Bearer " + signToken(t, secret, "owner-1", time.Now().Add(-time.Hour)),
			expectedCode: http.StatusUnauthorized,
		},
		{
			name:         "empty owner claim",
			header:       "Bearer " + signToken(t, secret, "", time.Now().Add(time.Hour)),
			expectedCode: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotOwner = ""
			req := httptest.NewRequest(http.MethodGet, "/api/sync/pull", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.expectedCode {
				t.Errorf("status = %d; want %d", rr.Code, tt.expectedCode)
			}
			if tt.expectedUser != "" && gotOwner != tt.expectedUser {
				t.Errorf("owner = %q; want %q", gotOwner, tt.expectedUser)
			}
		})
	}
}
