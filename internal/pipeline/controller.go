package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/facecam/facecam/internal/capture"
	"github.com/facecam/facecam/internal/detection"
	"github.com/facecam/facecam/internal/logger"
	"github.com/facecam/facecam/internal/metrics"
	"github.com/facecam/facecam/internal/model"
	"github.com/facecam/facecam/internal/overlay"
	"github.com/facecam/facecam/internal/recorder"
	"github.com/facecam/facecam/internal/video"
	"github.com/facecam/facecam/pkg/types"
)

var (
	// ErrStopped is returned by every operation after Stop.
	ErrStopped = errors.New("pipeline stopped")
	// ErrNotReady means recording was requested before model and camera
	// were both ready.
	ErrNotReady = errors.New("model and camera must be ready")
)

// ArtifactPrefix is the URL prefix of artifact download handles.
const ArtifactPrefix = "/api/artifacts/"

type ModelState string

const (
	ModelIdle    ModelState = "Idle"
	ModelLoading ModelState = "LoadingModel"
	ModelReady   ModelState = "ModelReady"
	ModelFailed  ModelState = "LoadFailed"
)

type CameraState string

const (
	CameraIdle      CameraState = "Idle"
	CameraAcquiring CameraState = "AcquiringCamera"
	CameraReady     CameraState = "CameraReady"
	CameraFailed    CameraState = "CameraFailed"
)

type DetectionState string

const (
	DetectionIdle    DetectionState = "DetectionIdle"
	DetectionRunning DetectionState = "DetectionRunning"
)

// ModelLoader is the model gate the controller waits on.
type ModelLoader interface {
	Load(ctx context.Context) (model.Model, error)
}

// Deps are the injectable capabilities.
type Deps struct {
	Loader  ModelLoader
	Source  capture.Source
	Encoder recorder.Encoder
	Metrics *metrics.Metrics
}

// Options tune the pipeline. Zero values pick defaults.
type Options struct {
	Constraints       capture.Constraints
	Display           types.Dimensions
	DetectionInterval time.Duration
	RecordFPS         int
	Timeslice         time.Duration
	Now               func() time.Time
}

// Controls mirrors which user controls are enabled.
type Controls struct {
	CanStartRecording bool `json:"can_start_recording"`
	CanStopRecording  bool `json:"can_stop_recording"`
	CanDownload       bool `json:"can_download"`
	CanRetry          bool `json:"can_retry"` // a failed gate can be retried with Start
}

// Status is a point-in-time snapshot of the pipeline.
type Status struct {
	ModelState     ModelState       `json:"model_state"`
	ModelReady     bool             `json:"model_ready"`
	ModelError     string           `json:"model_error,omitempty"`
	CameraState    CameraState      `json:"camera_state"`
	CameraReady    bool             `json:"camera_ready"`
	CameraError    string           `json:"camera_error,omitempty"`
	DetectionState DetectionState   `json:"detection_state"`
	FaceDetected   bool             `json:"face_detected"`
	Recording      bool             `json:"recording"`
	ElapsedSeconds int              `json:"elapsed_seconds"`
	Elapsed        string           `json:"elapsed"`
	Display        types.Dimensions `json:"display"`
	Video          types.Dimensions `json:"video"`
	Artifact       *types.Artifact  `json:"artifact,omitempty"`
	Message        string           `json:"message,omitempty"`
	Controls       Controls         `json:"controls"`
	Stopped        bool             `json:"stopped"`
}

// Controller orchestrates model load, capture, detection and recording.
type Controller struct {
	opts   Options
	loader ModelLoader
	m      *metrics.Metrics
	log    *logger.Module

	capture  *capture.Manager
	view     *video.View
	surface  *overlay.Surface
	loop     *detection.Loop
	store    *recorder.Store
	recorder *recorder.Recorder
	bus      *EventBus

	runCtx    context.Context
	runCancel context.CancelFunc

	mu          sync.Mutex
	modelState  ModelState
	modelErr    error
	mdl         model.Model
	cameraState CameraState
	cameraErr   error
	device      *capture.Device
	detecting   bool
	message     string
	stopped     bool
}

// New wires a controller. Nothing runs until Start.
func New(deps Deps, opts Options) *Controller {
	if opts.DetectionInterval <= 0 {
		opts.DetectionInterval = detection.DefaultInterval
	}
	if opts.RecordFPS <= 0 {
		opts.RecordFPS = 30
	}
	if opts.Constraints.FacingMode == "" {
		opts.Constraints.FacingMode = "user"
	}

	c := &Controller{
		opts:        opts,
		loader:      deps.Loader,
		m:           deps.Metrics,
		log:         logger.For("Pipeline"),
		capture:     capture.NewManager(deps.Source, deps.Metrics),
		view:        video.New(opts.Display),
		surface:     overlay.New(opts.Display, deps.Metrics),
		loop:        detection.NewLoop(deps.Metrics),
		store:       recorder.NewStore(ArtifactPrefix, deps.Metrics),
		bus:         NewEventBus(),
		modelState:  ModelIdle,
		cameraState: CameraIdle,
	}
	c.recorder = recorder.NewRecorder(deps.Encoder, c.store, deps.Metrics, recorder.Options{
		Timeslice: opts.Timeslice,
		Now:       opts.Now,
	})
	c.runCtx, c.runCancel = context.WithCancel(context.Background())

	c.view.OnFrame(c.surface.SetBackground)
	c.view.OnResize(func(d types.Dimensions) {
		c.surface.Sync(d)
		c.log.Debug("Display resized to %s", d)
		c.publishStatus()
	})
	c.loop.OnResult = c.onDetection
	c.recorder.OnArtifact = func(a *types.Artifact) {
		c.bus.Publish(Event{Type: EventArtifact, Artifact: a})
	}
	return c
}

// Start loads the model and acquires the camera concurrently and waits for
// both to settle. Detection starts on its own once both are ready and the
// video is playing. Failed gates are retried by calling Start again.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	loadModel := c.modelState == ModelIdle || c.modelState == ModelFailed
	if loadModel {
		c.modelState, c.modelErr = ModelLoading, nil
	}
	acquire := c.cameraState == CameraIdle || c.cameraState == CameraFailed
	if acquire {
		c.cameraState, c.cameraErr = CameraAcquiring, nil
	}
	c.mu.Unlock()
	c.publishStatus()

	var wg sync.WaitGroup
	if loadModel {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.loadModel(ctx)
		}()
	}
	if acquire {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.acquireCamera(ctx)
		}()
	}
	wg.Wait()

	c.mu.Lock()
	err := errors.Join(c.modelErr, c.cameraErr)
	c.mu.Unlock()
	c.publishStatus()
	return err
}

func (c *Controller) loadModel(ctx context.Context) {
	mdl, err := c.loader.Load(ctx)

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.modelState, c.modelErr = ModelFailed, err
		c.mu.Unlock()
		c.publishError(err)
		return
	}
	c.modelState, c.mdl = ModelReady, mdl
	c.mu.Unlock()

	c.log.Info("Model ready")
	c.maybeStartDetection()
}

func (c *Controller) acquireCamera(ctx context.Context) {
	dev, err := c.capture.Start(ctx, c.opts.Constraints)

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.capture.Stop(dev)
		return
	}
	if err != nil {
		c.cameraState, c.cameraErr = CameraFailed, err
		c.mu.Unlock()
		c.publishError(err)
		return
	}
	c.cameraState, c.device = CameraReady, dev
	c.mu.Unlock()

	go c.play(dev)
	go func() {
		select {
		case <-c.view.Playing():
			c.maybeStartDetection()
		case <-c.runCtx.Done():
		}
	}()
}

// play feeds the device into the view and marks the camera failed if the
// device ends on its own.
func (c *Controller) play(dev *capture.Device) {
	c.view.Run(c.runCtx, dev.Frames())

	c.mu.Lock()
	if c.stopped || c.device != dev {
		c.mu.Unlock()
		return
	}
	c.cameraState = CameraFailed
	c.cameraErr = fmt.Errorf("%w: capture ended", capture.ErrDeviceUnavailable)
	c.device = nil
	c.detecting = false
	c.mu.Unlock()

	c.loop.Stop()
	c.capture.Stop(dev)
	c.log.Warn("Capture ended unexpectedly")
	c.publishError(c.cameraErr)
}

func (c *Controller) maybeStartDetection() {
	c.mu.Lock()
	ready := !c.stopped && !c.detecting &&
		c.modelState == ModelReady && c.cameraState == CameraReady
	if ready {
		select {
		case <-c.view.Playing():
		default:
			ready = false
		}
	}
	if !ready {
		c.mu.Unlock()
		return
	}
	c.detecting = true
	mdl := c.mdl
	c.mu.Unlock()

	c.loop.Start(c.view, c.surface, mdl, c.opts.DetectionInterval)
	c.publishStatus()
}

func (c *Controller) onDetection(res types.DetectionResult) {
	display := c.surface.Dimensions()
	sx, sy := c.surface.ScaleFactor()
	dets := make([]types.Detection, len(res.Detections))
	for i, d := range res.Detections {
		dets[i] = d.Scale(sx, sy)
	}
	c.bus.Publish(Event{Type: EventDetection, Detection: &DetectionEvent{
		Cycle:        res.Cycle,
		Timestamp:    res.Timestamp,
		FaceDetected: len(dets) > 0,
		Display:      display,
		Detections:   dets,
	}})
}

// StartRecording begins recording the overlay surface.
func (c *Controller) StartRecording() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	ready := c.modelState == ModelReady && c.cameraState == CameraReady
	c.mu.Unlock()
	if !ready {
		return ErrNotReady
	}

	err := c.recorder.Start(c.surface, c.opts.RecordFPS)
	c.mu.Lock()
	switch {
	case err == nil:
		c.message = ""
	case errors.Is(err, recorder.ErrSurfaceNotReady):
		c.message = "The video has not produced a frame yet. Try again in a moment."
	default:
		c.message = err.Error()
	}
	c.mu.Unlock()

	if err != nil {
		c.publishError(err)
		return err
	}
	c.publishStatus()
	return nil
}

// StopRecording finishes the recording and returns its artifact. It is a
// no-op returning (nil, nil) when not recording.
func (c *Controller) StopRecording() (*types.Artifact, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrStopped
	}
	c.mu.Unlock()

	art, err := c.recorder.Stop()
	if err != nil {
		c.mu.Lock()
		c.message = err.Error()
		c.mu.Unlock()
		c.publishError(err)
		return nil, err
	}
	c.publishStatus()
	return art, nil
}

// Resize pins the display size; the overlay re-syncs immediately.
func (c *Controller) Resize(dims types.Dimensions) (types.Dimensions, error) {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return types.Dimensions{}, ErrStopped
	}
	return c.view.Resize(dims), nil
}

// Artifact returns the bytes behind a download handle.
func (c *Controller) Artifact(id string) (*types.Artifact, []byte, bool) {
	return c.store.Open(id)
}

// Surface exposes the overlay for streaming.
func (c *Controller) Surface() *overlay.Surface { return c.surface }

// Snapshot returns the latest overlay composite, or nil before the first.
func (c *Controller) Snapshot() *types.Frame { return c.surface.Snapshot() }

// Events exposes the event bus.
func (c *Controller) Events() *EventBus { return c.bus }

// Status returns a snapshot.
func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{
		ModelState:  c.modelState,
		ModelReady:  c.modelState == ModelReady,
		CameraState: c.cameraState,
		CameraReady: c.cameraState == CameraReady,
		Message:     c.message,
		Stopped:     c.stopped,
	}
	if c.modelErr != nil {
		st.ModelError = c.modelErr.Error()
	}
	if c.cameraErr != nil {
		st.CameraError = c.cameraErr.Error()
	}
	detecting := c.detecting
	c.mu.Unlock()

	st.DetectionState = DetectionIdle
	if detecting && c.loop.Running() {
		st.DetectionState = DetectionRunning
	}
	st.FaceDetected = detecting && c.loop.FaceDetected()
	st.Recording = c.recorder.IsRecording()
	st.ElapsedSeconds = c.recorder.ElapsedSeconds()
	st.Elapsed = recorder.FormatElapsed(st.ElapsedSeconds)
	st.Display = c.view.DisplaySize()
	st.Video = c.view.VideoSize()
	if art, ok := c.store.Current(); ok {
		st.Artifact = art
	}

	st.Controls = Controls{
		CanStartRecording: !st.Stopped && st.ModelReady && st.CameraReady && !st.Recording && !c.recorder.Finalizing(),
		CanStopRecording:  !st.Stopped && st.Recording,
		CanDownload:       st.Artifact != nil,
		CanRetry:          !st.Stopped && (st.ModelState == ModelFailed || st.CameraState == CameraFailed),
	}
	return st
}

// Stop tears everything down. The pipeline cannot be started again.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	dev := c.device
	c.device = nil
	c.detecting = false
	c.mu.Unlock()

	c.loop.Stop()
	if err := c.recorder.Close(); err != nil {
		c.log.Warn("Recording discarded during shutdown: %v", err)
	}
	c.capture.Stop(dev)
	c.runCancel()

	c.log.Info("Pipeline stopped")
	c.publishStatus()
}

func (c *Controller) publishStatus() {
	st := c.Status()
	c.bus.Publish(Event{Type: EventStatus, Status: &st})
}

func (c *Controller) publishError(err error) {
	c.bus.Publish(Event{Type: EventError, Error: err.Error()})
	c.publishStatus()
}
