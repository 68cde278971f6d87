package testsupport

import (
	"log/slog"
	"testing"

	"chorus/internal/logging"
)

// NewLogger returns a logger that routes records through the test log so
// failures carry the component output that led up to them.
func NewLogger(t testing.TB) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// NopLogger returns a logger that discards everything.
func NopLogger() *slog.Logger {
	return logging.NewNop()
}

type testWriter struct {
	t testing.TB
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", p)
	return len(p), nil
}
