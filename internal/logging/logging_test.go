package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestLevelFromString(t *testing.T) {
	cases := map[string]slog.Level{
		"error":   slog.LevelError,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"debug":   slog.LevelDebug,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for input, want := range cases {
		if got := levelFromString(input); got != want {
			t.Fatalf("levelFromString(%q)=%v, want %v", input, got, want)
		}
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "info", "json")
	log.Debug("hidden")
	log.Info("shown", "entity_id", "e1")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug record leaked at info level: %s", out)
	}
	if !strings.Contains(out, `"entity_id":"e1"`) {
		t.Fatalf("expected json attribute, got %s", out)
	}
}
