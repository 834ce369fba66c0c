package kvdoc

import (
	"context"
	"errors"
	"testing"
)

// recordingLogger keeps messages per level.
type recordingLogger struct {
	entries map[string][]string
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{entries: make(map[string][]string)}
}

func (l *recordingLogger) Debug(msg string, fields ...interface{}) {
	l.entries["debug"] = append(l.entries["debug"], msg)
}
func (l *recordingLogger) Info(msg string, fields ...interface{}) {
	l.entries["info"] = append(l.entries["info"], msg)
}
func (l *recordingLogger) Warn(msg string, fields ...interface{}) {
	l.entries["warn"] = append(l.entries["warn"], msg)
}
func (l *recordingLogger) Error(msg string, fields ...interface{}) {
	l.entries["error"] = append(l.entries["error"], msg)
}

func TestNoOpLogger(t *testing.T) {
	logger := &NoOpLogger{}

	logger.Debug("test message", "key", "value")
	logger.Info("test message", "key", "value")
	logger.Warn("test message", "key", "value")
	logger.Error("test message", "key", "value")
}

func TestLoggerOrNoOp(t *testing.T) {
	if _, ok := loggerOrNoOp(nil).(*NoOpLogger); !ok {
		t.Error("nil logger should become NoOpLogger")
	}
	rec := newRecordingLogger()
	if loggerOrNoOp(rec) != Logger(rec) {
		t.Error("non-nil logger should be kept")
	}
}

func TestPolicy_LogsReconnect(t *testing.T) {
	fk := newFaultKV(NewMemoryBackend())
	dialer := &countingDialer{kv: fk}
	logger := newRecordingLogger()
	conn := NewConnection(testConnConfig(), dialer.Dial, logger, nil)
	client := NewClient(NewPolicy(testRetryConfig(2), conn, logger, nil))

	fk.failNext("get", errors.New("socket closed"))
	if _, _, err := client.Get(context.Background(), "k"); err == nil {
		t.Fatal("expected error")
	}

	if len(logger.entries["error"]) == 0 {
		t.Error("expected the unexpected error to be logged")
	}
	if len(logger.entries["info"]) != 2 {
		t.Errorf("expected 2 session logs, got %v", logger.entries["info"])
	}
}
