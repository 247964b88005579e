package overlay

import (
	"image"
	"sync"
	"time"

	"github.com/facecam/facecam/internal/imaging"
	"github.com/facecam/facecam/internal/metrics"
	"github.com/facecam/facecam/pkg/types"
)

// Surface is the drawable overlay kept at the display size. It composites
// the current video frame with the latest detection layer. Readers only
// ever see complete composites: each one is built off-lock and swapped in.
type Surface struct {
	style Style
	m     *metrics.Metrics

	mu         sync.RWMutex
	dims       types.Dimensions
	modelDims  types.Dimensions
	layer      []types.Detection // model coordinates
	background *types.Frame
	gen        uint64 // bumped on every state change

	outMu     sync.RWMutex
	out       *types.Frame // latest composite
	outGen    uint64
	composite uint64
}

// New creates a surface sized to dims. m may be nil.
func New(dims types.Dimensions, m *metrics.Metrics) *Surface {
	return &Surface{style: DefaultStyle(), dims: dims, m: m}
}

// Sync resizes the surface to the display size. Existing detections are
// rescaled with the new factor on the next composite.
func (s *Surface) Sync(dims types.Dimensions) {
	if !dims.Valid() {
		return
	}
	s.mu.Lock()
	if s.dims == dims {
		s.mu.Unlock()
		return
	}
	s.dims = dims
	s.gen++
	s.mu.Unlock()
	s.recompose()
}

// Dimensions returns the surface size.
func (s *Surface) Dimensions() types.Dimensions {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dims
}

// Clear removes every detection from the surface.
func (s *Surface) Clear() {
	s.mu.Lock()
	s.layer = nil
	s.gen++
	s.mu.Unlock()
	s.recompose()
}

// Draw replaces the previous detections with dets. Clearing and drawing
// happen in one critical section, so overlays never accumulate. dets are
// in modelDims coordinates.
func (s *Surface) Draw(dets []types.Detection, modelDims types.Dimensions) {
	layer := make([]types.Detection, len(dets))
	copy(layer, dets)

	s.mu.Lock()
	s.layer = layer
	if modelDims.Valid() {
		s.modelDims = modelDims
	}
	s.gen++
	s.mu.Unlock()
	s.recompose()
}

// SetBackground makes f the video frame under the overlay.
func (s *Surface) SetBackground(f *types.Frame) {
	if f == nil || f.Image == nil {
		return
	}
	s.mu.Lock()
	s.background = f
	s.gen++
	s.mu.Unlock()
	s.recompose()
}

// ScaleFactor maps model coordinates to display coordinates.
func (s *Surface) ScaleFactor() (sx, sy float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scaleFactor(s.dims, s.modelDims)
}

func scaleFactor(display, model types.Dimensions) (float64, float64) {
	if !display.Valid() || !model.Valid() {
		return 1, 1
	}
	return float64(display.Width) / float64(model.Width), float64(display.Height) / float64(model.Height)
}

// Layer returns the current detections in display coordinates.
func (s *Surface) Layer() []types.Detection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scaled(s.layer, s.dims, s.modelDims)
}

func scaled(layer []types.Detection, display, model types.Dimensions) []types.Detection {
	sx, sy := scaleFactor(display, model)
	out := make([]types.Detection, len(layer))
	for i, d := range layer {
		out[i] = d.Scale(sx, sy)
	}
	return out
}

// HasFrame reports whether the surface has produced at least one frame.
func (s *Surface) HasFrame() bool {
	s.outMu.RLock()
	defer s.outMu.RUnlock()
	return s.out != nil
}

// Snapshot returns the latest complete composite, or nil.
func (s *Surface) Snapshot() *types.Frame {
	s.outMu.RLock()
	defer s.outMu.RUnlock()
	return s.out
}

func (s *Surface) recompose() {
	s.mu.RLock()
	gen := s.gen
	dims := s.dims
	bg := s.background
	layer := scaled(s.layer, s.dims, s.modelDims)
	s.mu.RUnlock()

	if !dims.Valid() {
		if bg == nil {
			return
		}
		dims = bg.Dimensions()
	}

	var canvas *image.RGBA
	if bg != nil {
		canvas = imaging.Scale(bg.Image, dims)
		if canvas == bg.Image {
			canvas = imaging.ToRGBA(canvas)
		}
	} else {
		canvas = image.NewRGBA(image.Rect(0, 0, dims.Width, dims.Height))
	}
	s.style.Render(canvas, layer)

	s.outMu.Lock()
	defer s.outMu.Unlock()
	if gen < s.outGen {
		return // a newer composite already landed
	}
	s.outGen = gen
	s.composite++
	s.out = &types.Frame{Image: canvas, Seq: s.composite, Timestamp: time.Now()}
	if s.m != nil {
		s.m.SurfaceComposites.Add(1)
	}
}

// FrameStream samples the surface at a fixed rate.
type FrameStream struct {
	frames chan *types.Frame
	done   chan struct{}
	once   sync.Once
}

// Frames delivers composites. It holds at most one frame and is closed by
// Close.
func (fs *FrameStream) Frames() <-chan *types.Frame { return fs.frames }

// Close stops sampling. Safe to call repeatedly.
func (fs *FrameStream) Close() {
	fs.once.Do(func() { close(fs.done) })
}

// FrameSource starts sampling the surface fps times per second. Ticks
// before the first composite deliver nothing.
func (s *Surface) FrameSource(fps int) *FrameStream {
	if fps <= 0 {
		fps = 30
	}
	fs := &FrameStream{frames: make(chan *types.Frame, 1), done: make(chan struct{})}
	go func() {
		defer close(fs.frames)
		ticker := time.NewTicker(time.Second / time.Duration(fps))
		defer ticker.Stop()
		for {
			select {
			case <-fs.done:
				return
			case <-ticker.C:
				f := s.Snapshot()
				if f == nil {
					continue
				}
				select {
				case fs.frames <- f:
				default:
					// Consumer is behind: replace the unread frame.
					select {
					case <-fs.frames:
						if s.m != nil {
							s.m.RecordingFramesDropped.Add(1)
						}
					default:
					}
					select {
					case fs.frames <- f:
					default:
					}
				}
			}
		}
	}()
	return fs
}
