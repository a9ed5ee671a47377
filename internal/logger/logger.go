// Package logger wraps zap construction so both binaries configure
// logging the same way.
package logger

import (
	"fmt"

	"go.uber.org/zap"
)

// Logger holds the application-wide zap logger.
type Logger struct {
	Log *zap.Logger
}

// New returns an uninitialized Logger. Call Init before use.
func New() *Logger {
	return &Logger{Log: zap.NewNop()}
}

// Init builds a production zap logger at the given level
// ("debug", "info", "warn", "error").
func (l *Logger) Init(level string) error {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	log, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	l.Log = log
	return nil
}
