package http

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/akarpov/markvault/internal/middleware"
)

// NewRouter constructs the HTTP handler serving the MarkVault API.
//
// Routes:
//
//	POST /api/register                      → AuthHandler.Register
//	POST /api/login                         → AuthHandler.Login
//	POST /api/sync/push                     → SyncHandler.Push
//	GET  /api/sync/pull                     → SyncHandler.Pull
//	GET  /api/sync/checksum                 → SyncHandler.Checksum
//	GET  /api/vault/envelope                → VaultHandler.GetEnvelope
//	PUT  /api/vault/envelope                → VaultHandler.PutEnvelope
//	POST /api/vault/plaintext               → VaultHandler.UpsertPlaintext
//	GET  /api/vault/verify-plaintext        → VaultHandler.VerifyPlaintext
//	POST /api/vault/disable                 → VaultHandler.Disable
//
// Everything except register/login sits behind bearer-token auth.
func NewRouter(
	authHandler *AuthHandler,
	syncHandler *SyncHandler,
	vaultHandler *VaultHandler,
	jwtSecret []byte,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.WithRequestLogging(logger))

	r.Route("/api", func(r chi.Router) {
		// Public endpoints
		r.Group(func(r chi.Router) {
			r.Use(chiMiddleware.AllowContentType("application/json"))
			r.Post("/register", authHandler.Register)
			r.Post("/login", authHandler.Login)
		})

		// Protected group: requires a valid bearer token
		r.Group(func(r chi.Router) {
			r.Use(middleware.BearerAuth(jwtSecret))

			r.Post("/sync/push", syncHandler.Push)
			r.Get("/sync/pull", syncHandler.Pull)
			r.Get("/sync/checksum", syncHandler.Checksum)

			r.Get("/vault/envelope", vaultHandler.GetEnvelope)
			r.Put("/vault/envelope", vaultHandler.PutEnvelope)
			r.Post("/vault/plaintext", vaultHandler.UpsertPlaintext)
			r.Get("/vault/verify-plaintext", vaultHandler.VerifyPlaintext)
			r.Post("/vault/disable", vaultHandler.Disable)
		})
	})

	return r
}
