// Package webmonitor serves the browser control page and the HTTP surface
// of the face pipeline: MJPEG overlay stream, status and detection SSE,
// recording controls, artifact downloads, WebSocket and WebRTC feeds.
package webmonitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/facecam/facecam/internal/logger"
	"github.com/facecam/facecam/internal/metrics"
	"github.com/facecam/facecam/internal/pipeline"
	"github.com/facecam/facecam/internal/recorder"
	"github.com/facecam/facecam/internal/webrtc"
	"github.com/facecam/facecam/pkg/types"
)

// Pipeline is what the monitor drives.
type Pipeline interface {
	SnapshotSource
	Start(ctx context.Context) error
	Status() pipeline.Status
	StartRecording() error
	StopRecording() (*types.Artifact, error)
	Resize(types.Dimensions) (types.Dimensions, error)
	Artifact(id string) (*types.Artifact, []byte, bool)
	Events() *pipeline.EventBus
}

// Peers answers WebRTC offers and receives detection events.
type Peers interface {
	HandleOffer(offerJSON []byte) ([]byte, error)
	Broadcast(payload []byte)
}

// Server serves the web monitor endpoints.
type Server struct {
	cfg    Config
	p      Pipeline
	peers  Peers
	m      *metrics.Metrics
	log    *logger.Module
	frames *FrameBroadcaster
	events *EventBroadcaster
	hub    *Hub
}

// NewServer returns a configured monitor server with its broadcasters
// running. peers and m may be nil.
func NewServer(cfg Config, p Pipeline, peers Peers, m *metrics.Metrics) *Server {
	def := DefaultConfig()
	if cfg.MJPEGInterval <= 0 {
		cfg.MJPEGInterval = def.MJPEGInterval
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = def.StatusInterval
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = def.JPEGQuality
	}

	s := &Server{
		cfg:    cfg,
		p:      p,
		peers:  peers,
		m:      m,
		log:    logger.For("WebMonitor"),
		frames: NewFrameBroadcaster(p, cfg.MJPEGInterval, cfg.JPEGQuality),
		events: NewEventBroadcaster(p.Events(), p.Status, cfg.StatusInterval),
		hub:    NewHub(m),
	}

	s.events.AddSink(func(se *SerializedEvent) {
		s.hub.Broadcast(se.JSONData)
		if s.peers != nil && se.Type == pipeline.EventDetection {
			s.peers.Broadcast(se.JSONData)
		}
	})
	s.frames.Start()
	s.events.Start()
	return s
}

// Close stops the broadcasters and disconnects streaming clients.
func (s *Server) Close() {
	s.frames.Stop()
	s.events.Stop()
	s.hub.Close()
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/status/stream", s.handleStatusStream)
	mux.HandleFunc("/api/pipeline/start", s.handlePipelineStart)
	mux.HandleFunc("/api/detections/stream", s.handleDetectionsStream)
	mux.HandleFunc("/api/recording/start", s.handleRecordingStart)
	mux.HandleFunc("/api/recording/stop", s.handleRecordingStop)
	mux.HandleFunc("/api/recording/status", s.handleRecordingStatus)
	mux.HandleFunc(pipeline.ArtifactPrefix, s.handleArtifact)
	mux.HandleFunc("/api/display", s.handleDisplay)
	mux.HandleFunc("/api/webrtc/offer", s.handleWebRTCOffer)
	mux.HandleFunc("/ws", s.handleWS)
	if s.cfg.EnableMetrics && s.m != nil {
		mux.Handle("/metrics", s.m.Handler())
	}

	return mux
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, frameCh := s.frames.Subscribe()
	defer s.frames.Unsubscribe(id)
	if s.m != nil {
		s.m.StreamClients.Add(1)
		defer s.m.StreamClients.Add(-1)
	}
	streamMJPEGFromChannel(w, r, frameCh)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.p.Status())
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.events.Subscribe()
	defer s.events.Unsubscribe(id)

	st := s.p.Status()
	initial, err := SerializeEvent(pipeline.Event{Type: pipeline.EventStatus, Time: time.Now(), Status: &st})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	streamEventsFromChannel(w, r, eventCh, pipeline.EventStatus, wantsProtobuf(r), initial)
}

func (s *Server) handleDetectionsStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.events.Subscribe()
	defer s.events.Unsubscribe(id)
	streamEventsFromChannel(w, r, eventCh, pipeline.EventDetection, wantsProtobuf(r), nil)
}

func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")
}

// handlePipelineStart retries any failed gate. Gate failures are reported
// in the returned status rather than as an HTTP error.
func (s *Server) handlePipelineStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// The device outlives the request.
	err := s.p.Start(context.WithoutCancel(r.Context()))
	if errors.Is(err, pipeline.ErrStopped) {
		writeError(w, err)
		return
	}

	st := s.p.Status()
	payload := map[string]any{
		"ready":  st.ModelReady && st.CameraReady,
		"status": st,
	}
	if err != nil {
		s.log.Warn("Pipeline start incomplete: %v", err)
		payload["error"] = err.Error()
	}
	writeJSON(w, payload)
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.p.StartRecording(); err != nil {
		writeError(w, err)
		return
	}

	st := s.p.Status()
	writeJSON(w, map[string]any{
		"status":     "recording",
		"started_at": float64(time.Now().Unix()),
		"controls":   st.Controls,
	})
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	art, err := s.p.StopRecording()
	if err != nil {
		writeError(w, err)
		return
	}

	st := s.p.Status()
	payload := map[string]any{
		"status":     "stopped",
		"stopped_at": float64(time.Now().Unix()),
		"controls":   st.Controls,
	}
	if art != nil {
		payload["artifact"] = art
	} else {
		payload["status"] = "idle"
	}
	writeJSON(w, payload)
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	st := s.p.Status()
	writeJSON(w, map[string]any{
		"recording":       st.Recording,
		"elapsed_seconds": st.ElapsedSeconds,
		"elapsed":         st.Elapsed,
		"artifact":        st.Artifact,
		"controls":        st.Controls,
	})
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, pipeline.ArtifactPrefix)
	art, data, ok := s.p.Artifact(id)
	if id == "" || !ok {
		writeJSONWithStatus(w, map[string]any{"error": "artifact not found"}, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", art.MimeType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": art.Filename}))
	http.ServeContent(w, r, art.Filename, art.CreatedAt, bytes.NewReader(data))
}

func (s *Server) handleDisplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var dims types.Dimensions
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<10)).Decode(&dims); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid display size"}, http.StatusBadRequest)
		return
	}
	if dims.Width < 0 || dims.Height < 0 || (dims.Width == 0) != (dims.Height == 0) {
		writeJSONWithStatus(w, map[string]any{"error": "width and height must both be positive, or both zero to follow the video"}, http.StatusBadRequest)
		return
	}

	display, err := s.p.Resize(dims)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"display": display})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	st := s.p.Status()
	greeting, err := SerializeEvent(pipeline.Event{Type: pipeline.EventStatus, Time: time.Now(), Status: &st})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.hub.ServeWS(w, r, greeting.JSONData)
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.peers == nil {
		writeJSONWithStatus(w, map[string]any{"error": "WebRTC is disabled"}, http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	answer, err := s.peers.HandleOffer(body)
	switch {
	case err == nil:
	case errors.Is(err, webrtc.ErrInvalidOffer):
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	case errors.Is(err, webrtc.ErrTooManyClients):
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusServiceUnavailable)
		return
	default:
		s.log.Warn("WebRTC offer failed: %v", err)
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answer)
}

// writeError maps pipeline errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pipeline.ErrStopped):
		status = http.StatusServiceUnavailable
	case errors.Is(err, pipeline.ErrNotReady),
		errors.Is(err, recorder.ErrSurfaceNotReady),
		errors.Is(err, recorder.ErrAlreadyRecording):
		status = http.StatusConflict
	}
	writeJSONWithStatus(w, map[string]any{"error": err.Error()}, status)
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":%q}`, err.Error())
	}
}
