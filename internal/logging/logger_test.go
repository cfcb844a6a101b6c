package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLoggerLevels(t *testing.T) {
	testCases := []struct {
		level   string
		enabled zapcore.Level
		muted   zapcore.Level
	}{
		{level: "debug", enabled: zapcore.DebugLevel, muted: zapcore.DebugLevel - 1},
		{level: "", enabled: zapcore.InfoLevel, muted: zapcore.DebugLevel},
		{level: "WARNING", enabled: zapcore.WarnLevel, muted: zapcore.InfoLevel},
		{level: "error", enabled: zapcore.ErrorLevel, muted: zapcore.WarnLevel},
		{level: "verbose", enabled: zapcore.InfoLevel, muted: zapcore.DebugLevel},
	}

	for _, testCase := range testCases {
		logger, err := NewLogger(testCase.level, "dtc-test")
		if err != nil {
			t.Fatalf("level %q: %v", testCase.level, err)
		}
		core := logger.Core()
		if !core.Enabled(testCase.enabled) {
			t.Fatalf("level %q: expected %s enabled", testCase.level, testCase.enabled)
		}
		if core.Enabled(testCase.muted) {
			t.Fatalf("level %q: expected %s muted", testCase.level, testCase.muted)
		}
	}
}
