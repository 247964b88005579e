package detection

import (
	"context"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/facecam/facecam/internal/imaging"
	"github.com/facecam/facecam/internal/logger"
	"github.com/facecam/facecam/internal/metrics"
	"github.com/facecam/facecam/internal/model"
	"github.com/facecam/facecam/pkg/types"
)

// DefaultInterval is the detection cadence, independent of display rate.
const DefaultInterval = 100 * time.Millisecond

// Video supplies the frame to run inference on.
type Video interface {
	CurrentFrame() *types.Frame
}

// Surface receives committed results.
type Surface interface {
	Draw(dets []types.Detection, modelDims types.Dimensions)
}

// InferenceError wraps a failure inside the model for one cycle.
type InferenceError struct {
	Cycle uint64
	Err   error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed in cycle %d: %v", e.Cycle, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// Loop runs inference on a fixed interval. Cycles may overlap; results are
// committed in cycle order and a cycle finishing after a newer one has
// committed is discarded.
type Loop struct {
	m   *metrics.Metrics
	log *logger.Module

	// OnResult, when set, is called with every committed result.
	OnResult func(types.DetectionResult)
	// OnError, when set, is called for every failed cycle.
	OnError func(error)

	mu        sync.Mutex
	cancel    context.CancelFunc
	gen       uint64 // bumped by Start and Stop
	nextCycle uint64
	committed uint64
	running   bool
	inflight  sync.WaitGroup

	faceDetected atomic.Bool
	last         atomic.Pointer[types.DetectionResult]
}

// NewLoop creates an idle loop. m may be nil.
func NewLoop(m *metrics.Metrics) *Loop {
	return &Loop{m: m, log: logger.For("Detection")}
}

// Start begins the recurring task. Any previously running timer is
// cancelled first, so there is only ever one.
func (l *Loop) Start(video Video, surface Surface, mdl model.Model, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
	}
	l.gen++
	gen := l.gen
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.running = true
	l.mu.Unlock()

	l.log.Info("Detection started (interval %s, input %s)", interval, mdl.InputSize())
	go l.run(ctx, gen, video, surface, mdl, interval)
}

func (l *Loop) run(ctx context.Context, gen uint64, video Video, surface Surface, mdl model.Model, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			if l.gen != gen {
				l.mu.Unlock()
				return
			}
			l.nextCycle++
			cycle := l.nextCycle
			l.inflight.Add(1)
			l.mu.Unlock()

			go func() {
				defer l.inflight.Done()
				l.cycle(gen, cycle, video, surface, mdl)
			}()
		}
	}
}

// cycle runs one inference pass. The model call is not cancelled by Stop;
// its result is dropped instead.
func (l *Loop) cycle(gen, cycle uint64, video Video, surface Surface, mdl model.Model) {
	frame := video.CurrentFrame()
	if frame == nil {
		return
	}
	if l.m != nil {
		l.m.DetectionCycles.Add(1)
	}

	started := time.Now()
	input := mdl.InputSize()
	dets, err := detect(mdl, imaging.Scale(frame.Image, input), cycle)
	if l.m != nil {
		l.m.UpdateDetectionLatency(time.Since(started))
	}
	if err != nil {
		if l.m != nil {
			l.m.InferenceErrors.Add(1)
		}
		l.log.Warn("%v", err)
		if l.OnError != nil {
			l.OnError(err)
		}
		return
	}

	res := types.DetectionResult{
		Cycle:      cycle,
		Timestamp:  frame.Timestamp,
		Input:      input,
		Detections: dets,
	}

	l.mu.Lock()
	if l.gen != gen || cycle < l.committed {
		l.mu.Unlock()
		if l.m != nil {
			l.m.StaleResults.Add(1)
		}
		return
	}
	l.committed = cycle
	l.faceDetected.Store(len(dets) > 0)
	l.last.Store(&res)
	surface.Draw(dets, input)
	onResult := l.OnResult
	l.mu.Unlock()

	if l.m != nil {
		l.m.FacesDetected.Store(uint64(len(dets)))
	}
	if onResult != nil {
		onResult(res)
	}
}

func detect(mdl model.Model, img image.Image, cycle uint64) (dets []types.Detection, err error) {
	defer func() {
		if r := recover(); r != nil {
			dets, err = nil, &InferenceError{Cycle: cycle, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	dets, err = mdl.Detect(context.Background(), img)
	if err != nil {
		return nil, &InferenceError{Cycle: cycle, Err: err}
	}
	return dets, nil
}

// Stop cancels the timer. In-flight cycles finish but their results are
// discarded. Calling Stop again does nothing.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return
	}
	l.cancel()
	l.cancel = nil
	l.gen++
	l.running = false
	l.log.Info("Detection stopped")
}

// Wait blocks until every launched cycle has returned.
func (l *Loop) Wait() { l.inflight.Wait() }

// Running reports whether the timer is active.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// FaceDetected is true iff the latest committed result was non-empty.
func (l *Loop) FaceDetected() bool { return l.faceDetected.Load() }

// Last returns the latest committed result.
func (l *Loop) Last() (types.DetectionResult, bool) {
	if p := l.last.Load(); p != nil {
		return *p, true
	}
	return types.DetectionResult{}, false
}
