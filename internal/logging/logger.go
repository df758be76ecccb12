// Package logging constructs the structured zap loggers the services share.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const defaultLevelName = "info"

// NewLogger builds a production JSON logger at the named level. An empty
// level means info; an unknown name is an error so a config typo cannot
// silently mute settlement failures.
func NewLogger(level string) (*zap.Logger, error) {
	name := strings.ToLower(strings.TrimSpace(level))
	switch name {
	case "":
		name = defaultLevelName
	case "warning":
		name = "warn"
	}

	parsed, err := zapcore.ParseLevel(name)
	if err != nil {
		return nil, fmt.Errorf("logging: unknown level %q", level)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}
