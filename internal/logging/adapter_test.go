package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewPrintfAdapter_WithNil(t *testing.T) {
	adapter := NewPrintfAdapter(nil)
	if adapter == nil {
		t.Fatal("NewPrintfAdapter returned nil")
	}
	if adapter.logger == nil {
		t.Error("adapter.logger should not be nil when created with nil")
	}
}

func TestPrintfAdapter_Printf(t *testing.T) {
	var buf bytes.Buffer
	adapter := NewPrintfAdapter(slog.New(slog.NewTextHandler(&buf, nil)))

	adapter.Printf("OK   %s (%d ms)\n", "00001_init.sql", 3)

	out := buf.String()
	if !strings.Contains(out, "level=INFO") {
		t.Errorf("expected info level, got %q", out)
	}
	if !strings.Contains(out, "00001_init.sql") {
		t.Errorf("expected formatted message, got %q", out)
	}
}

func TestPrintfAdapter_Fatalf(t *testing.T) {
	var buf bytes.Buffer
	adapter := NewPrintfAdapter(slog.New(slog.NewTextHandler(&buf, nil)))

	// Must not exit the process.
	adapter.Fatalf("migration %s failed", "00002")

	if !strings.Contains(buf.String(), "level=ERROR") {
		t.Errorf("expected error level, got %q", buf.String())
	}
}

func TestPrintfAdapter_Logger(t *testing.T) {
	logger := slog.Default()
	adapter := NewPrintfAdapter(logger)
	if adapter.Logger() != logger {
		t.Error("Logger() should return the underlying logger")
	}
}
