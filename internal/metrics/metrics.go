package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all pipeline counters. Components update the atomics
// directly; Prometheus reads them through gauge funcs.
type Metrics struct {
	// Capture
	FramesCaptured atomic.Uint64
	FramesDropped  atomic.Uint64

	// Overlay surface
	SurfaceComposites atomic.Uint64

	// Detection
	DetectionCycles    atomic.Uint64
	InferenceErrors    atomic.Uint64
	StaleResults       atomic.Uint64
	FacesDetected      atomic.Uint64 // faces in the latest committed result
	DetectionLatencyMs atomic.Uint64

	// Recording state
	RecordingActive        atomic.Uint64 // 0 = inactive, 1 = active
	RecordingChunks        atomic.Uint64
	RecordingBytes         atomic.Uint64
	RecordingFrames        atomic.Uint64
	RecordingFramesDropped atomic.Uint64
	EncodeErrors           atomic.Uint64

	// Artifacts
	ArtifactsCreated  atomic.Uint64
	ArtifactsReleased atomic.Uint64

	// Clients
	StreamClients atomic.Int64
	WSClients     atomic.Int64
	ActivePeers   atomic.Int64
	TotalPeers    atomic.Uint64

	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

type gauge struct {
	name string
	help string
	fn   func() float64
}

func (m *Metrics) gauges() []gauge {
	u := func(v *atomic.Uint64) func() float64 { return func() float64 { return float64(v.Load()) } }
	i := func(v *atomic.Int64) func() float64 { return func() float64 { return float64(v.Load()) } }

	return []gauge{
		{"facecam_frames_captured_total", "Total frames delivered by the capture device", u(&m.FramesCaptured)},
		{"facecam_frames_dropped_total", "Capture frames replaced before being read", u(&m.FramesDropped)},
		{"facecam_surface_composites_total", "Overlay surface frames composited", u(&m.SurfaceComposites)},
		{"facecam_detection_cycles_total", "Detection cycles launched", u(&m.DetectionCycles)},
		{"facecam_inference_errors_total", "Detection cycles that failed inside the model", u(&m.InferenceErrors)},
		{"facecam_stale_results_total", "Detection results discarded because a newer cycle had committed", u(&m.StaleResults)},
		{"facecam_faces_detected", "Faces in the latest committed detection result", u(&m.FacesDetected)},
		{"facecam_detection_latency_ms", "Latency of the latest detection cycle in milliseconds", u(&m.DetectionLatencyMs)},
		{"facecam_recording_active", "Recording active (0=inactive, 1=active)", u(&m.RecordingActive)},
		{"facecam_recording_chunks_total", "Encoded segments flushed by the recorder", u(&m.RecordingChunks)},
		{"facecam_recording_bytes_total", "Encoded bytes produced by the recorder", u(&m.RecordingBytes)},
		{"facecam_recording_frames_total", "Frames handed to the encoder", u(&m.RecordingFrames)},
		{"facecam_recording_frames_dropped_total", "Surface frames the encoder could not keep up with", u(&m.RecordingFramesDropped)},
		{"facecam_encode_errors_total", "Recording attempts that failed in the encoder", u(&m.EncodeErrors)},
		{"facecam_artifacts_created_total", "Recording artifacts made available", u(&m.ArtifactsCreated)},
		{"facecam_artifacts_released_total", "Recording artifact handles released", u(&m.ArtifactsReleased)},
		{"facecam_stream_clients", "Connected MJPEG clients", i(&m.StreamClients)},
		{"facecam_ws_clients", "Connected websocket clients", i(&m.WSClients)},
		{"facecam_webrtc_active_peers", "Connected WebRTC peers", i(&m.ActivePeers)},
		{"facecam_webrtc_total_peers", "WebRTC peers accepted since start", u(&m.TotalPeers)},
	}
}

func (m *Metrics) registerPrometheusMetrics() {
	for _, g := range m.gauges() {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			g.fn,
		))
	}
}

// UpdateDetectionLatency records how long the latest cycle took.
func (m *Metrics) UpdateDetectionLatency(d time.Duration) {
	m.DetectionLatencyMs.Store(uint64(d.Milliseconds()))
}

// SetRecording flips the recording gauge.
func (m *Metrics) SetRecording(active bool) {
	if active {
		m.RecordingActive.Store(1)
	} else {
		m.RecordingActive.Store(0)
	}
}

// Registry exposes the private registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
