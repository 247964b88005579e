package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestGatherReflectsCounters(t *testing.T) {
	m := New()
	m.DetectionCycles.Add(3)
	m.InferenceErrors.Add(1)
	m.SetRecording(true)
	m.UpdateDetectionLatency(42 * time.Millisecond)

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	got := map[string]float64{}
	for _, f := range families {
		got[f.GetName()] = f.GetMetric()[0].GetGauge().GetValue()
	}

	want := map[string]float64{
		"facecam_detection_cycles_total": 3,
		"facecam_inference_errors_total": 1,
		"facecam_recording_active":       1,
		"facecam_detection_latency_ms":   42,
	}
	for name, v := range want {
		if got[name] != v {
			t.Fatalf("%s = %v, want %v", name, got[name], v)
		}
	}
}

func TestHandlerServesText(t *testing.T) {
	m := New()
	m.ArtifactsCreated.Add(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "facecam_artifacts_created_total 2") {
		t.Fatalf("metrics body missing counter:\n%s", body)
	}
}
