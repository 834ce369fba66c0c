package kvdoc

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewZapLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := NewZapLogger(zap.New(core))

	logger.Debug("hidden", "key", "value")
	logger.Info("visible", "key", "value")

	if logs.Len() != 1 {
		t.Fatalf("expected 1 entry at info level, got %d", logs.Len())
	}
	entry := logs.All()[0]
	if entry.Message != "visible" {
		t.Errorf("unexpected message %q", entry.Message)
	}
	if entry.ContextMap()["key"] != "value" {
		t.Errorf("expected key=value field, got %v", entry.ContextMap())
	}
}

func TestNewZapLoggerFromSugar(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewZapLoggerFromSugar(zap.New(core).Sugar())

	logger.Debug("d")
	logger.Info("i")
	logger.Warn("w")
	logger.Error("e")

	if logs.Len() != 4 {
		t.Errorf("expected 4 entries, got %d", logs.Len())
	}
	if logs.FilterLevelExact(zapcore.WarnLevel).Len() != 1 {
		t.Error("expected one warn entry")
	}
}

func TestNewZapLoggerWithLevel(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		logger, err := NewZapLoggerWithLevel(level)
		if err != nil {
			t.Errorf("level %s: %v", level, err)
			continue
		}
		_ = logger.Sync()
	}

	if _, err := NewZapLoggerWithLevel("loud"); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestNewProductionZapLogger(t *testing.T) {
	logger, err := NewProductionZapLogger()
	if err != nil {
		t.Fatalf("failed to create production logger: %v", err)
	}
	logger.Info("info message", "key", "value")
}

func TestNewDevelopmentZapLogger(t *testing.T) {
	logger, err := NewDevelopmentZapLogger()
	if err != nil {
		t.Fatalf("failed to create development logger: %v", err)
	}
	logger.Debug("debug message", "key", "value")
}

// Session changes are logged with the session id.
func TestZapLogger_ConnectionFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := NewZapLogger(zap.New(core))

	conn := NewConnection(testConnConfig(), DialMemory(NewMemoryBackend()), logger, nil)
	if _, err := conn.Active(context.Background()); err != nil {
		t.Fatalf("active failed: %v", err)
	}

	established := logs.FilterMessage("backend session established")
	if established.Len() != 1 {
		t.Fatalf("expected one session log, got %d", established.Len())
	}
	fields := established.All()[0].ContextMap()
	if fields["session"] != conn.Session() {
		t.Errorf("expected session %q in log, got %v", conn.Session(), fields["session"])
	}
	if fields["endpoint"] != "test" {
		t.Errorf("expected endpoint in log, got %v", fields["endpoint"])
	}
}
