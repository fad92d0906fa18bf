// Package logging builds the relay's zap logger.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// New creates a sugared zap logger for env: "production", "development"
// or "example" (deterministic output without timestamps).
func New(env string) (*zap.SugaredLogger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "", "development", "dev":
		logger, err = zap.NewDevelopment()
	case "production", "prod":
		logger, err = zap.NewProduction()
	case "example":
		logger = zap.NewExample()
	default:
		return nil, fmt.Errorf("logging: unknown environment %q", env)
	}
	if err != nil {
		return nil, fmt.Errorf("logging: build %s logger: %w", env, err)
	}
	return logger.Sugar(), nil
}

// Sync flushes buffered entries, ignoring the error stderr returns on
// some platforms.
func Sync(log *zap.SugaredLogger) {
	_ = log.Sync()
}
