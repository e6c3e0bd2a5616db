package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestInitRejectsUnknownLevel(t *testing.T) {
	if _, err := Init("development", "loud"); err == nil {
		t.Fatal("expected error for invalid level")
	}
}

func TestInitInstallsGlobalLogger(t *testing.T) {
	prev := zap.L()
	t.Cleanup(func() { zap.ReplaceGlobals(prev) })

	logger, err := Init("production", "warn")
	if err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	if zap.L() != logger {
		t.Fatal("expected Init to replace the global logger")
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("expected info to be disabled at warn level")
	}
}
