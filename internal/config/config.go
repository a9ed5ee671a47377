// Package config provides configuration for the MarkVault server and
// client using command-line flags, a JSON config file and environment
// variables. Precedence: env var > config file > flag default.
package config

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"time"
)

// ServerOptions holds configuration for cmd/server.
type ServerOptions struct {
	// Addr is the listening address (ip:port).
	Addr string `json:"addr"`
	// DatabaseDSN is the Postgres connection string.
	DatabaseDSN string `json:"database_dsn"`
	// JWTSecret signs bearer tokens.
	JWTSecret string `json:"jwt_secret"`
	// TLSCert/TLSKey enable HTTPS when both are set.
	TLSCert string `json:"tls_cert"`
	TLSKey  string `json:"tls_key"`
	// TombstoneRetention is how long soft-deleted records are kept
	// before the background cleaner removes them physically.
	TombstoneRetention time.Duration `json:"-"`
	// LogLevel is the zap level for the server logger.
	LogLevel string `json:"log_level"`
	// Config is the path to the JSON config file.
	Config string `json:"-"`
}

// ParseServer reads server configuration from flags, the optional JSON
// config file and environment variables.
func ParseServer() *ServerOptions {
	o := &ServerOptions{TombstoneRetention: 30 * 24 * time.Hour}
	flag.StringVar(&o.Addr, "a", "localhost:8080", "listen on ip:port")
	flag.StringVar(&o.DatabaseDSN, "d", "", "postgres dsn")
	flag.StringVar(&o.JWTSecret, "s", "", "jwt signing secret")
	flag.StringVar(&o.TLSCert, "tls-cert", "", "path to TLS certificate")
	flag.StringVar(&o.TLSKey, "tls-key", "", "path to TLS private key")
	flag.StringVar(&o.LogLevel, "l", "info", "log level")
	flag.StringVar(&o.Config, "config", "config.json", "path to config file")
	flag.StringVar(&o.Config, "c", "config.json", "path to config file (shorthand)")
	flag.Parse()

	if p := os.Getenv("CONFIG"); p != "" {
		o.Config = p
	}
	loadFile(o.Config, o)

	if v := os.Getenv("SERVER_ADDRESS"); v != "" {
		o.Addr = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		o.DatabaseDSN = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		o.JWTSecret = v
	}
	return o
}

// ClientOptions holds configuration for cmd/client.
type ClientOptions struct {
	// ServerURL is the base URL of the sync server.
	ServerURL string `json:"server_url"`
	// DataDir is where the client keeps its SQLite store and token.
	DataDir string `json:"data_dir"`
	// LogLevel is the zap level for the client logger.
	LogLevel string `json:"log_level"`
	// Config is the path to the JSON config file.
	Config string `json:"-"`
}

// ParseClient reads client configuration from flags, the optional JSON
// config file and environment variables.
func ParseClient() *ClientOptions {
	o := &ClientOptions{}
	flag.StringVar(&o.ServerURL, "s", "http://localhost:8080", "sync server base URL")
	flag.StringVar(&o.DataDir, "data", defaultDataDir(), "client data directory")
	flag.StringVar(&o.LogLevel, "l", "warn", "log level")
	flag.StringVar(&o.Config, "config", "", "path to config file")
	flag.StringVar(&o.Config, "c", "", "path to config file (shorthand)")
	flag.Parse()

	if p := os.Getenv("CONFIG"); p != "" {
		o.Config = p
	}
	if o.Config != "" {
		loadFile(o.Config, o)
	}

	if v := os.Getenv("MARKVAULT_SERVER"); v != "" {
		o.ServerURL = v
	}
	if v := os.Getenv("MARKVAULT_DATA"); v != "" {
		o.DataDir = v
	}
	return o
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".markvault"
	}
	return home + "/.markvault"
}

// loadFile overlays JSON config-file values onto o when the file exists.
func loadFile(path string, o any) {
	if path == "" {
		return
	}
	if _, err := os.Stat(path); err != nil {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("error while reading config file: %v", err)
	}
	if err := json.Unmarshal(data, o); err != nil {
		log.Fatalf("error while parsing config file: %v", err)
	}
}
