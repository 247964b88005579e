package capture

import (
	"context"
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/facecam/facecam/internal/imaging"
	"github.com/facecam/facecam/pkg/types"
)

// TestPatternSource produces color bars with a moving block. It stands in
// for a camera in demos and headless runs.
type TestPatternSource struct {
	// Native, when set, is the size actually delivered regardless of the
	// requested constraints, mimicking a camera that ignores them.
	Native types.Dimensions
}

func (s *TestPatternSource) Open(ctx context.Context, c Constraints) (Stream, error) {
	dims := s.Native
	if !dims.Valid() {
		dims = types.Dimensions{Width: c.Width, Height: c.Height}
	}
	if !dims.Valid() {
		dims = types.Dimensions{Width: 640, Height: 480}
	}
	fps := c.FPS
	if fps <= 0 {
		fps = 30
	}

	st := &patternStream{
		dims:   dims,
		frames: make(chan *types.Frame, 1),
		done:   make(chan struct{}),
		base:   imaging.ColorBars(dims),
	}
	go st.run(time.Second / time.Duration(fps))
	return st, nil
}

type patternStream struct {
	dims   types.Dimensions
	frames chan *types.Frame
	done   chan struct{}
	once   sync.Once
	base   *image.RGBA
}

func (s *patternStream) Frames() <-chan *types.Frame { return s.frames }
func (s *patternStream) Label() string               { return "test pattern " + s.dims.String() }

func (s *patternStream) run(interval time.Duration) {
	defer close(s.frames)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			seq++
			f := &types.Frame{Image: s.render(seq), Seq: seq, Timestamp: now}
			select {
			case s.frames <- f:
			case <-s.done:
				return
			default:
			}
		}
	}
}

func (s *patternStream) render(seq uint64) *image.RGBA {
	img := image.NewRGBA(s.base.Rect)
	copy(img.Pix, s.base.Pix)

	size := max(s.dims.Height/8, 1)
	x0 := int(seq*4) % max(s.dims.Width-size, 1)
	y0 := (s.dims.Height - size) / 2
	grey := color.RGBA{R: 128, G: 128, B: 128, A: 255}
	for y := y0; y < y0+size; y++ {
		for x := x0; x < x0+size; x++ {
			img.SetRGBA(x, y, grey)
		}
	}
	return img
}

func (s *patternStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
