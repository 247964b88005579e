package webmonitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/facecam/facecam/internal/capture"
	"github.com/facecam/facecam/internal/metrics"
	"github.com/facecam/facecam/internal/model"
	"github.com/facecam/facecam/internal/pipeline"
	"github.com/facecam/facecam/internal/recorder"
	"github.com/facecam/facecam/pkg/types"
)

const defaultRequestTimeout = 3 * time.Second

type faceModel struct{}

func (faceModel) InputSize() types.Dimensions { return types.Dimensions{Width: 160, Height: 120} }

func (faceModel) Detect(context.Context, image.Image) ([]types.Detection, error) {
	return []types.Detection{{
		Box:       types.BBox{X: 40, Y: 30, W: 50, H: 50},
		Landmarks: []types.Point{{X: 55, Y: 45}, {X: 75, Y: 45}},
		Score:     9,
	}}, nil
}

type faceLoader struct{}

func (faceLoader) Load(context.Context) (model.Model, error) { return faceModel{}, nil }

type testEnv struct {
	srv     *httptest.Server
	ctl     *pipeline.Controller
	monitor *Server
	m       *metrics.Metrics
}

// newTestEnv serves a pipeline fed by the test pattern. When start is set
// the pipeline is started and detection is running on return.
func newTestEnv(t *testing.T, start bool, peers Peers) *testEnv {
	t.Helper()
	return newTestEnvWithSource(t, &capture.TestPatternSource{}, start, peers)
}

func newTestEnvWithSource(t *testing.T, src capture.Source, start bool, peers Peers) *testEnv {
	t.Helper()
	m := metrics.New()
	ctl := pipeline.New(pipeline.Deps{
		Loader:  faceLoader{},
		Source:  src,
		Encoder: &recorder.MJPEGEncoder{Quality: 60},
		Metrics: m,
	}, pipeline.Options{
		Constraints:       capture.Constraints{Width: 320, Height: 240, FPS: 30},
		DetectionInterval: 20 * time.Millisecond,
		RecordFPS:         30,
		Timeslice:         20 * time.Millisecond,
	})

	cfg := DefaultConfig()
	cfg.MJPEGInterval = 20 * time.Millisecond
	cfg.StatusInterval = 50 * time.Millisecond
	monitor := NewServer(cfg, ctl, peers, m)
	srv := httptest.NewServer(monitor.Handler())

	t.Cleanup(func() {
		srv.CloseClientConnections()
		monitor.Close()
		srv.Close()
		ctl.Stop()
	})

	if start {
		if err := ctl.Start(context.Background()); err != nil {
			t.Fatalf("pipeline start: %v", err)
		}
		deadline := time.Now().Add(defaultRequestTimeout)
		for ctl.Status().DetectionState != pipeline.DetectionRunning {
			if time.Now().After(deadline) {
				t.Fatal("detection never started")
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	return &testEnv{srv: srv, ctl: ctl, monitor: monitor, m: m}
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	client := &http.Client{Timeout: defaultRequestTimeout}
	resp, err := client.Get(e.srv.URL + path)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	_ = resp.Body.Close()
	return resp, body
}

func (e *testEnv) postJSON(t *testing.T, path string, payload any) (*http.Response, []byte) {
	t.Helper()
	var body io.Reader = http.NoBody
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+path, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	client := &http.Client{Timeout: defaultRequestTimeout}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	_ = resp.Body.Close()
	return resp, out
}

// readSSEEvent returns the first non-comment event on url.
func readSSEEvent(url string, accept string, timeout time.Duration) (string, http.Header, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, fmt.Errorf("build request: %w", err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 512)
	for {
		n, readErr := resp.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			for {
				idx := bytes.Index(buf, []byte("\n\n"))
				if idx < 0 {
					break
				}
				event := string(buf[:idx])
				buf = buf[idx+2:]
				if strings.HasPrefix(event, ":") {
					continue
				}
				return event, resp.Header, nil
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return "", nil, fmt.Errorf("sse stream closed before event")
			}
			return "", nil, fmt.Errorf("read sse: %w", readErr)
		}
	}
}

func sseData(t *testing.T, event string) string {
	t.Helper()
	for _, line := range strings.Split(event, "\n") {
		if strings.HasPrefix(line, "data:") {
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				t.Fatalf("empty sse data line")
			}
			return payload
		}
	}
	t.Fatalf("no data line in sse event: %q", event)
	return ""
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode json: %v\nbody=%s", err, string(body))
	}
	return payload
}

func requireString(t *testing.T, value any, field string) string {
	t.Helper()
	str, ok := value.(string)
	if !ok {
		t.Fatalf("expected %s to be string, got %T", field, value)
	}
	return str
}

func requireNumber(t *testing.T, value any, field string) float64 {
	t.Helper()
	num, ok := value.(float64)
	if !ok {
		t.Fatalf("expected %s to be number, got %T", field, value)
	}
	return num
}

func requireBool(t *testing.T, value any, field string) bool {
	t.Helper()
	b, ok := value.(bool)
	if !ok {
		t.Fatalf("expected %s to be bool, got %T", field, value)
	}
	return b
}

func requireMap(t *testing.T, value any, field string) map[string]any {
	t.Helper()
	m, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("expected %s to be object, got %T", field, value)
	}
	return m
}

func requireSlice(t *testing.T, value any, field string) []any {
	t.Helper()
	s, ok := value.([]any)
	if !ok {
		t.Fatalf("expected %s to be array, got %T", field, value)
	}
	return s
}

func assertStatusPayload(t *testing.T, payload map[string]any) {
	t.Helper()
	requireString(t, payload["model_state"], "model_state")
	requireString(t, payload["camera_state"], "camera_state")
	requireString(t, payload["detection_state"], "detection_state")
	requireBool(t, payload["face_detected"], "face_detected")
	requireBool(t, payload["recording"], "recording")
	requireString(t, payload["elapsed"], "elapsed")
	display := requireMap(t, payload["display"], "display")
	requireNumber(t, display["width"], "display.width")
	requireNumber(t, display["height"], "display.height")
	controls := requireMap(t, payload["controls"], "controls")
	requireBool(t, controls["can_start_recording"], "controls.can_start_recording")
	requireBool(t, controls["can_stop_recording"], "controls.can_stop_recording")
	requireBool(t, controls["can_download"], "controls.can_download")
	requireBool(t, controls["can_retry"], "controls.can_retry")
}

func assertDetectionPayload(t *testing.T, payload map[string]any) {
	t.Helper()
	requireNumber(t, payload["cycle"], "cycle")
	requireString(t, payload["timestamp"], "timestamp")
	requireBool(t, payload["face_detected"], "face_detected")
	detections := requireSlice(t, payload["detections"], "detections")
	for i, raw := range detections {
		det := requireMap(t, raw, fmt.Sprintf("detections[%d]", i))
		requireNumber(t, det["score"], "detections.score")
		box := requireMap(t, det["box"], "detections.box")
		requireNumber(t, box["x"], "detections.box.x")
		requireNumber(t, box["y"], "detections.box.y")
		requireNumber(t, box["w"], "detections.box.w")
		requireNumber(t, box["h"], "detections.box.h")
		requireSlice(t, det["landmarks"], "detections.landmarks")
	}
}
