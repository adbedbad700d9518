package logging_test

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/next-trace/scg-binder/logging"
)

func TestUpToAndEnabled(t *testing.T) {
	m := logging.NewMask(logging.UpTo(logging.LevelWarning))

	if !m.Enabled(logging.LevelError) || !m.Enabled(logging.LevelWarning) {
		t.Fatalf("error and warning must be enabled, mask=%b", m.Load())
	}
	if m.Enabled(logging.LevelNotice) || m.Enabled(logging.LevelDebug) {
		t.Fatalf("notice and debug must be disabled, mask=%b", m.Load())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]logging.Level{
		"error": logging.LevelError,
		"WARN":  logging.LevelWarning,
		"7":     logging.LevelDebug,
		"info":  logging.LevelInfo,
	}
	for in, want := range tests {
		got, err := logging.ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q)=%v,%v want %v", in, got, err, want)
		}
	}
	if _, err := logging.ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestHandlerGatesByMask(t *testing.T) {
	var buf bytes.Buffer
	mask := logging.NewMask(logging.UpTo(logging.LevelError))
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	log := slog.New(logging.NewHandler(inner, mask)).With("api", "demo")

	log.Info("hidden")
	log.Error("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Fatalf("unexpected output: %s", out)
	}

	// masks are live: widening lets info through without rebuilding the logger
	mask.Store(logging.UpTo(logging.LevelDebug))
	log.Info("now visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Fatalf("mask update not honoured: %s", buf.String())
	}
}
