package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLoggerLevels(t *testing.T) {
	cases := []struct {
		name  string
		level string
		want  zapcore.Level
	}{
		{name: "debug", level: "debug", want: zapcore.DebugLevel},
		{name: "info", level: "info", want: zapcore.InfoLevel},
		{name: "empty defaults to info", level: "", want: zapcore.InfoLevel},
		{name: "warn", level: "warn", want: zapcore.WarnLevel},
		{name: "warning alias", level: "Warning", want: zapcore.WarnLevel},
		{name: "error", level: "error", want: zapcore.ErrorLevel},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			logger, err := NewLogger(testCase.level)
			if err != nil {
				t.Fatalf("failed to build logger: %v", err)
			}
			if !logger.Core().Enabled(testCase.want) {
				t.Fatalf("expected level %s to be enabled", testCase.want)
			}
			if testCase.want > zapcore.DebugLevel && logger.Core().Enabled(testCase.want-1) {
				t.Fatalf("expected level below %s to be disabled", testCase.want)
			}
		})
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := NewLogger("loud"); err == nil {
		t.Fatalf("expected an unknown level to be rejected")
	}
}
