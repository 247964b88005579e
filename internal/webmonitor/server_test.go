package webmonitor

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/facecam/facecam/internal/capture"
	"github.com/facecam/facecam/internal/webrtc"
)

func TestIndexServesControlPage(t *testing.T) {
	env := newTestEnv(t, false, nil)

	resp, body := env.get(t, "/")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET / status = %d", resp.StatusCode)
	}
	if !strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		t.Fatalf("GET / content-type = %q", resp.Header.Get("Content-Type"))
	}
	for _, id := range []string{`id="btn-start"`, `id="btn-stop"`, `id="btn-download"`, `id="btn-retry"`, `src="/stream"`} {
		if !bytes.Contains(body, []byte(id)) {
			t.Fatalf("page missing %s", id)
		}
	}

	if resp, _ := env.get(t, "/nope"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET /nope status = %d", resp.StatusCode)
	}
}

func TestStatusBeforeStart(t *testing.T) {
	env := newTestEnv(t, false, nil)

	resp, body := env.get(t, "/api/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/status status = %d", resp.StatusCode)
	}
	payload := decodeJSONMap(t, body)
	assertStatusPayload(t, payload)
	if payload["model_state"] != "Idle" || payload["camera_state"] != "Idle" {
		t.Fatalf("unexpected states: %v / %v", payload["model_state"], payload["camera_state"])
	}
	controls := requireMap(t, payload["controls"], "controls")
	if controls["can_start_recording"] != false {
		t.Fatal("start enabled before the pipeline is ready")
	}
}

func TestRecordingStartBeforeReadyConflicts(t *testing.T) {
	env := newTestEnv(t, false, nil)

	resp, body := env.postJSON(t, "/api/recording/start", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("POST /api/recording/start status = %d body=%s", resp.StatusCode, body)
	}
	requireString(t, decodeJSONMap(t, body)["error"], "error")

	if resp, _ := env.get(t, "/api/recording/start"); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET /api/recording/start status = %d", resp.StatusCode)
	}
}

func TestRecordingRoundTripAndDownload(t *testing.T) {
	env := newTestEnv(t, true, nil)

	record := func() string {
		t.Helper()
		resp, body := env.postJSON(t, "/api/recording/start", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("start status = %d body=%s", resp.StatusCode, body)
		}
		if got := decodeJSONMap(t, body)["status"]; got != "recording" {
			t.Fatalf("start payload status = %v", got)
		}

		_, body = env.get(t, "/api/recording/status")
		status := decodeJSONMap(t, body)
		if status["recording"] != true {
			t.Fatalf("recording status = %v", status)
		}
		requireString(t, status["elapsed"], "elapsed")

		time.Sleep(150 * time.Millisecond)
		resp, body = env.postJSON(t, "/api/recording/stop", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("stop status = %d body=%s", resp.StatusCode, body)
		}
		stopped := decodeJSONMap(t, body)
		artifact := requireMap(t, stopped["artifact"], "artifact")
		if artifact["mime_type"] != "video/x-motion-jpeg" {
			t.Fatalf("artifact mime = %v", artifact["mime_type"])
		}
		controls := requireMap(t, stopped["controls"], "controls")
		if controls["can_download"] != true {
			t.Fatal("download not enabled after stop")
		}
		return requireString(t, artifact["url"], "artifact.url")
	}

	first := record()
	resp, body := env.get(t, first)
	if resp.StatusCode != http.StatusOK || len(body) == 0 {
		t.Fatalf("GET %s status = %d (%d bytes)", first, resp.StatusCode, len(body))
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Disposition"), "attachment") ||
		!strings.Contains(resp.Header.Get("Content-Disposition"), "face_recording_") {
		t.Fatalf("content-disposition = %q", resp.Header.Get("Content-Disposition"))
	}
	if resp.Header.Get("Content-Type") != "video/x-motion-jpeg" {
		t.Fatalf("content-type = %q", resp.Header.Get("Content-Type"))
	}

	second := record()
	if second == first {
		t.Fatal("second recording reused the first handle")
	}
	if resp, _ := env.get(t, first); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("released artifact status = %d", resp.StatusCode)
	}
	if resp, _ := env.get(t, second); resp.StatusCode != http.StatusOK {
		t.Fatalf("current artifact status = %d", resp.StatusCode)
	}

	resp, body = env.postJSON(t, "/api/recording/stop", nil)
	if resp.StatusCode != http.StatusOK || decodeJSONMap(t, body)["status"] != "idle" {
		t.Fatalf("idle stop = %d %s", resp.StatusCode, body)
	}
}

func TestStatusStreamSendsCurrentStatusFirst(t *testing.T) {
	env := newTestEnv(t, true, nil)

	event, headers, err := readSSEEvent(env.srv.URL+"/api/status/stream", "", defaultRequestTimeout)
	if err != nil {
		t.Fatalf("status stream error: %v", err)
	}
	if !strings.Contains(headers.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("status stream content-type = %q", headers.Get("Content-Type"))
	}
	payload := decodeJSONMap(t, []byte(sseData(t, event)))
	if payload["type"] != "status" {
		t.Fatalf("first event type = %v", payload["type"])
	}
	status := requireMap(t, payload["status"], "status")
	assertStatusPayload(t, status)
	if status["detection_state"] != "DetectionRunning" {
		t.Fatalf("detection_state = %v", status["detection_state"])
	}
}

func TestDetectionsStreamJSON(t *testing.T) {
	env := newTestEnv(t, true, nil)

	event, headers, err := readSSEEvent(env.srv.URL+"/api/detections/stream", "", defaultRequestTimeout)
	if err != nil {
		t.Fatalf("detections stream error: %v", err)
	}
	if headers.Get("X-Content-Format") != "application/json" {
		t.Fatalf("format = %q", headers.Get("X-Content-Format"))
	}
	payload := decodeJSONMap(t, []byte(sseData(t, event)))
	if payload["type"] != "detection" {
		t.Fatalf("event type = %v", payload["type"])
	}
	det := requireMap(t, payload["detection"], "detection")
	assertDetectionPayload(t, det)
	if len(requireSlice(t, det["detections"], "detections")) != 1 {
		t.Fatalf("detections = %v", det["detections"])
	}
}

func TestDetectionsStreamProtobuf(t *testing.T) {
	env := newTestEnv(t, true, nil)

	event, headers, err := readSSEEvent(env.srv.URL+"/api/detections/stream", "application/x-protobuf", defaultRequestTimeout)
	if err != nil {
		t.Fatalf("detections stream error: %v", err)
	}
	if headers.Get("X-Content-Format") != "application/protobuf" {
		t.Fatalf("format = %q", headers.Get("X-Content-Format"))
	}

	raw, err := base64.StdEncoding.DecodeString(sseData(t, event))
	if err != nil {
		t.Fatalf("base64: %v", err)
	}
	var st structpb.Struct
	if err := proto.Unmarshal(raw, &st); err != nil {
		t.Fatalf("protobuf: %v", err)
	}
	fields := st.AsMap()
	if fields["type"] != "detection" {
		t.Fatalf("event type = %v", fields["type"])
	}
	assertDetectionPayload(t, requireMap(t, fields["detection"], "detection"))
}

func TestMJPEGStreamDeliversFrames(t *testing.T) {
	env := newTestEnv(t, true, nil)

	ctx, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "multipart/x-mixed-replace") || !strings.Contains(contentType, "boundary=frame") {
		t.Fatalf("GET /stream content-type = %q", contentType)
	}

	buf := make([]byte, 0, 64*1024)
	tmp := make([]byte, 4096)
	for !bytes.Contains(buf, []byte{0xFF, 0xD9}) {
		n, err := resp.Body.Read(tmp)
		buf = append(buf, tmp[:n]...)
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
	}
	if !bytes.HasPrefix(buf, []byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n\xFF\xD8")) {
		t.Fatalf("unexpected part header %q", buf[:min(len(buf), 48)])
	}
	if env.m.StreamClients.Load() != 1 {
		t.Fatalf("stream clients = %d", env.m.StreamClients.Load())
	}
}

func TestDisplayResize(t *testing.T) {
	env := newTestEnv(t, true, nil)

	resp, body := env.postJSON(t, "/api/display", map[string]int{"width": 640, "height": 480})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resize status = %d body=%s", resp.StatusCode, body)
	}
	display := requireMap(t, decodeJSONMap(t, body)["display"], "display")
	if display["width"] != float64(640) || display["height"] != float64(480) {
		t.Fatalf("display = %v", display)
	}
	if got := env.ctl.Surface().Dimensions(); got.Width != 640 || got.Height != 480 {
		t.Fatalf("surface = %v", got)
	}

	for _, bad := range []string{`{"width":-1,"height":10}`, `{"width":10}`, `nope`} {
		req, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/api/display", strings.NewReader(bad))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status = %d", bad, resp.StatusCode)
		}
	}

	resp, body = env.postJSON(t, "/api/display", map[string]int{"width": 0, "height": 0})
	display = requireMap(t, decodeJSONMap(t, body)["display"], "display")
	if resp.StatusCode != http.StatusOK || display["width"] != float64(320) {
		t.Fatalf("unpinned display = %v", display)
	}
}

func TestWebSocketGreetsWithStatus(t *testing.T) {
	env := newTestEnv(t, true, nil)

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(defaultRequestTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	payload := decodeJSONMap(t, msg)
	if payload["type"] != "status" {
		t.Fatalf("greeting type = %v", payload["type"])
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("no detection over websocket: %v", err)
		}
		if decodeJSONMap(t, msg)["type"] == "detection" {
			break
		}
	}
	if env.m.WSClients.Load() != 1 {
		t.Fatalf("ws clients = %d", env.m.WSClients.Load())
	}
}

type fakePeers struct {
	err       error
	broadcast chan []byte
}

func (p *fakePeers) HandleOffer([]byte) ([]byte, error) {
	if p.err != nil {
		return nil, p.err
	}
	return []byte(`{"type":"answer","sdp":"v=0"}`), nil
}

func (p *fakePeers) Broadcast(payload []byte) {
	select {
	case p.broadcast <- payload:
	default:
	}
}

func TestWebRTCOffer(t *testing.T) {
	disabled := newTestEnv(t, false, nil)
	if resp, _ := disabled.postJSON(t, "/api/webrtc/offer", map[string]string{"type": "offer", "sdp": "v=0"}); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("disabled status = %d", resp.StatusCode)
	}

	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{fmt.Errorf("%w: bad sdp", webrtc.ErrInvalidOffer), http.StatusBadRequest},
		{fmt.Errorf("%w (4)", webrtc.ErrTooManyClients), http.StatusServiceUnavailable},
		{errors.New("ice failure"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		env := newTestEnv(t, false, &fakePeers{err: tc.err, broadcast: make(chan []byte, 1)})
		resp, body := env.postJSON(t, "/api/webrtc/offer", map[string]string{"type": "offer", "sdp": "v=0"})
		if resp.StatusCode != tc.want {
			t.Fatalf("err=%v: status = %d body=%s", tc.err, resp.StatusCode, body)
		}
	}
}

func TestDetectionsReachPeers(t *testing.T) {
	peers := &fakePeers{broadcast: make(chan []byte, 1)}
	newTestEnv(t, true, peers)

	select {
	case msg := <-peers.broadcast:
		if decodeJSONMap(t, msg)["type"] != "detection" {
			t.Fatalf("peer got %s", msg)
		}
	case <-time.After(defaultRequestTimeout):
		t.Fatal("no detection delivered to peers")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, true, nil)

	resp, body := env.get(t, "/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /metrics status = %d", resp.StatusCode)
	}
	for _, name := range []string{"facecam_frames_captured", "facecam_detection_cycles"} {
		if !bytes.Contains(body, []byte(name)) {
			t.Fatalf("metrics missing %s", name)
		}
	}
}

type deniedOnceSource struct {
	mu     sync.Mutex
	denied bool
}

func (s *deniedOnceSource) Open(ctx context.Context, c capture.Constraints) (capture.Stream, error) {
	s.mu.Lock()
	denied := !s.denied
	s.denied = true
	s.mu.Unlock()
	if denied {
		return nil, capture.ErrPermissionDenied
	}
	return (&capture.TestPatternSource{}).Open(ctx, c)
}

func TestPipelineStartRetriesFailedCamera(t *testing.T) {
	env := newTestEnvWithSource(t, &deniedOnceSource{}, false, nil)

	resp, body := env.postJSON(t, "/api/pipeline/start", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first start status = %d body=%s", resp.StatusCode, body)
	}
	payload := decodeJSONMap(t, body)
	if requireBool(t, payload["ready"], "ready") {
		t.Fatal("reported ready after permission denial")
	}
	if msg := requireString(t, payload["error"], "error"); !strings.Contains(msg, "permission") {
		t.Fatalf("error = %q", msg)
	}
	st := requireMap(t, payload["status"], "status")
	assertStatusPayload(t, st)
	if got := requireString(t, st["camera_state"], "camera_state"); got != "CameraFailed" {
		t.Fatalf("camera_state = %q", got)
	}
	controls := requireMap(t, st["controls"], "controls")
	if !requireBool(t, controls["can_retry"], "controls.can_retry") {
		t.Fatal("retry not offered")
	}
	if requireBool(t, controls["can_start_recording"], "controls.can_start_recording") {
		t.Fatal("recording offered with a failed camera")
	}

	resp, body = env.postJSON(t, "/api/pipeline/start", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("retry status = %d body=%s", resp.StatusCode, body)
	}
	payload = decodeJSONMap(t, body)
	if !requireBool(t, payload["ready"], "ready") {
		t.Fatalf("not ready after retry: %s", body)
	}
	if _, ok := payload["error"]; ok {
		t.Fatalf("unexpected error after retry: %v", payload["error"])
	}
	st = requireMap(t, payload["status"], "status")
	if got := requireString(t, st["camera_state"], "camera_state"); got != "CameraReady" {
		t.Fatalf("camera_state after retry = %q", got)
	}
	if requireBool(t, requireMap(t, st["controls"], "controls")["can_retry"], "controls.can_retry") {
		t.Fatal("retry still offered after success")
	}

	if resp, _ := env.get(t, "/api/pipeline/start"); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET /api/pipeline/start status = %d", resp.StatusCode)
	}
}

func TestPipelineStartAfterStop(t *testing.T) {
	env := newTestEnv(t, false, nil)
	env.ctl.Stop()

	resp, body := env.postJSON(t, "/api/pipeline/start", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("start after stop status = %d body=%s", resp.StatusCode, body)
	}
}

func TestDefaultStatusIntervalIsOneSecond(t *testing.T) {
	if got := DefaultConfig().StatusInterval; got != time.Second {
		t.Fatalf("status interval = %s, want 1s", got)
	}
}
