// Package main initializes and starts the MarkVault sync server,
// setting up configuration, logging, database connections,
// repositories, services and handlers.
package main

import (
	"cmp"
	"context"
	"fmt"
	"time"

	nethttp "net/http"

	"go.uber.org/zap"

	"github.com/akarpov/markvault/internal/config"
	"github.com/akarpov/markvault/internal/db"
	"github.com/akarpov/markvault/internal/logger"
	"github.com/akarpov/markvault/internal/repository"
	"github.com/akarpov/markvault/internal/server/handler/http"
	"github.com/akarpov/markvault/internal/service"
)

var (
	// version holds the build version set via ldflags.
	version string
	// buildDate holds the build timestamp set via ldflags.
	buildDate string
)

const tokenTTL = 30 * 24 * time.Hour

func main() {
	// Parse command-line and environment configuration.
	options := config.ParseServer()

	// Print build metadata (or "N/A" if unset).
	fmt.Printf("Build version: %s\n", cmp.Or(version, "N/A"))
	fmt.Printf("Build date: %s\n", cmp.Or(buildDate, "N/A"))

	// Initialize structured logging.
	log := logger.New()
	if err := log.Init(options.LogLevel); err != nil {
		panic(err)
	}
	defer func() { _ = log.Log.Sync() }()
	zapLogger := log.Log

	if options.JWTSecret == "" {
		zapLogger.Fatal("jwt secret is required (-s or JWT_SECRET)")
	}

	// Initialize PostgreSQL and run migrations.
	postgresDB, err := db.InitPostgres(options.DatabaseDSN)
	if err != nil {
		zapLogger.Fatal("cannot init database", zap.Error(err))
	}

	// Periodically drop tombstones past their retention window.
	db.StartTombstoneCleaner(context.Background(), postgresDB,
		time.Hour,
		options.TombstoneRetention,
		zapLogger,
	)

	// Repositories.
	authRepo := repository.NewPostgresAuthRepository(postgresDB)
	recordRepo := repository.NewPostgresRecordRepository(postgresDB)
	vaultRepo := repository.NewPostgresVaultRepository(postgresDB)

	// Business-logic services.
	authService := service.NewAuthService(authRepo, []byte(options.JWTSecret), tokenTTL)
	syncService := service.NewSyncService(recordRepo, vaultRepo)
	vaultService := service.NewVaultService(vaultRepo, recordRepo, zapLogger)

	// HTTP handlers.
	authHandler := &http.AuthHandler{AuthService: authService}
	syncHandler := &http.SyncHandler{SyncService: syncService}
	vaultHandler := &http.VaultHandler{VaultService: vaultService}

	router := http.NewRouter(authHandler, syncHandler, vaultHandler, []byte(options.JWTSecret), zapLogger)

	server := &nethttp.Server{
		Addr:    options.Addr,
		Handler: router,
	}

	if options.TLSCert != "" && options.TLSKey != "" {
		zapLogger.Info("starting HTTPS server", zap.String("addr", options.Addr))
		if err := server.ListenAndServeTLS(options.TLSCert, options.TLSKey); err != nil {
			zapLogger.Fatal("server stopped", zap.Error(err))
		}
		return
	}

	zapLogger.Info("starting HTTP server", zap.String("addr", options.Addr))
	if err := server.ListenAndServe(); err != nil {
		zapLogger.Fatal("server stopped", zap.Error(err))
	}
}
