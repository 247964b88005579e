package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		"Error":   ERROR,
		"none":    SILENT,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q) error: %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}

	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(WARN, &buf, false)

	l.Info("Capture", "hidden %d", 1)
	l.Warn("Capture", "shown %d", 2)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line should be filtered: %q", out)
	}
	if !strings.Contains(out, "[WARN] [Capture] shown 2") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestModuleLogger(t *testing.T) {
	var buf bytes.Buffer
	l := New(DEBUG, &buf, false)
	m := l.Module("Detection")

	m.Debug("cycle %d", 7)

	if !strings.Contains(buf.String(), "[DEBUG] [Detection] cycle 7") {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}

func TestSilentWritesNothing(t *testing.T) {
	var buf bytes.Buffer
	l := New(SILENT, &buf, true)
	l.Error("Recorder", "boom")
	if buf.Len() != 0 {
		t.Fatalf("silent logger wrote %q", buf.String())
	}
}
