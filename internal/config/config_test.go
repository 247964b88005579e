package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestStatusTicksEverySecond(t *testing.T) {
	// The page's m:ss counter is refreshed from status events.
	if got := DefaultConfig().Status.Interval; got != time.Second {
		t.Fatalf("status interval = %s, want 1s", got)
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "facecam.yaml")
	body := `
capture:
  source: testpattern
  width: 320
detection:
  interval: 250ms
recording:
  encoder: mjpeg
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Capture.Source != "testpattern" || cfg.Capture.Width != 320 {
		t.Fatalf("capture not applied: %+v", cfg.Capture)
	}
	if cfg.Capture.Height != 480 {
		t.Fatalf("default height lost: %d", cfg.Capture.Height)
	}
	if cfg.Detection.Interval != 250*time.Millisecond {
		t.Fatalf("interval = %v", cfg.Detection.Interval)
	}
	if cfg.Recording.Encoder != "mjpeg" || cfg.Recording.Timeslice != 100*time.Millisecond {
		t.Fatalf("recording = %+v", cfg.Recording)
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTP.Addr != DefaultConfig().HTTP.Addr {
		t.Fatalf("addr = %q", cfg.HTTP.Addr)
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capture.Source = "webcam"
	cfg.Recording.Encoder = "h265"
	cfg.Detection.Interval = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"capture.source", "recording.encoder", "detection.interval"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("capture: [oops"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}
