package overlay

import (
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/facecam/facecam/internal/metrics"
	"github.com/facecam/facecam/pkg/types"
)

var (
	display = types.Dimensions{Width: 640, Height: 480}
	modelIn = types.Dimensions{Width: 320, Height: 240}
)

func blackFrame(d types.Dimensions) *types.Frame {
	img := image.NewRGBA(image.Rect(0, 0, d.Width, d.Height))
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
	}
	return &types.Frame{Image: img, Seq: 1, Timestamp: time.Now()}
}

func box(x, y, w, h float64) types.Detection {
	return types.Detection{Box: types.BBox{X: x, Y: y, W: w, H: h}, Score: 0.9}
}

func pixel(t *testing.T, s *Surface, x, y int) color.RGBA {
	t.Helper()
	f := s.Snapshot()
	if f == nil {
		t.Fatal("no composite")
	}
	return f.Image.(*image.RGBA).RGBAAt(x, y)
}

func TestDrawReplacesPreviousLayer(t *testing.T) {
	s := New(display, nil)
	s.SetBackground(blackFrame(display))

	s.Draw([]types.Detection{box(10, 40, 20, 20), box(200, 40, 20, 20)}, modelIn)
	if got := len(s.Layer()); got != 2 {
		t.Fatalf("layer = %d detections", got)
	}
	if c := pixel(t, s, 20, 80); c != s.style.BoxColor {
		t.Fatalf("expected first box edge at (20,80), got %v", c)
	}

	s.Draw([]types.Detection{box(100, 100, 10, 10)}, modelIn)

	layer := s.Layer()
	if len(layer) != 1 {
		t.Fatalf("overlays accumulated: %d detections", len(layer))
	}
	if layer[0].Box != (types.BBox{X: 200, Y: 200, W: 20, H: 20}) {
		t.Fatalf("layer box = %+v", layer[0].Box)
	}
	if c := pixel(t, s, 20, 80); c == s.style.BoxColor {
		t.Fatalf("previous cycle's box still painted")
	}
}

func TestClearEmptiesLayer(t *testing.T) {
	s := New(display, nil)
	s.Draw([]types.Detection{box(1, 1, 5, 5)}, modelIn)
	s.Clear()
	if len(s.Layer()) != 0 {
		t.Fatalf("layer not cleared")
	}
}

func TestScaleFactorFollowsResize(t *testing.T) {
	s := New(display, nil)
	s.Draw([]types.Detection{box(10, 10, 20, 20)}, modelIn)

	if sx, sy := s.ScaleFactor(); sx != 2 || sy != 2 {
		t.Fatalf("scale = %v,%v", sx, sy)
	}

	s.Sync(types.Dimensions{Width: 1280, Height: 960})
	if s.Dimensions() != (types.Dimensions{Width: 1280, Height: 960}) {
		t.Fatalf("dims not synced: %v", s.Dimensions())
	}
	if sx, sy := s.ScaleFactor(); sx != 4 || sy != 4 {
		t.Fatalf("scale after resize = %v,%v", sx, sy)
	}
	if got := s.Layer()[0].Box; got != (types.BBox{X: 40, Y: 40, W: 80, H: 80}) {
		t.Fatalf("layer drifted after resize: %+v", got)
	}
}

func TestCompositeMatchesDisplaySize(t *testing.T) {
	s := New(display, nil)
	s.SetBackground(blackFrame(types.Dimensions{Width: 320, Height: 180}))

	if got := s.Snapshot().Dimensions(); got != display {
		t.Fatalf("composite = %v, want %v", got, display)
	}
	s.Sync(types.Dimensions{Width: 800, Height: 600})
	if got := s.Snapshot().Dimensions(); got != (types.Dimensions{Width: 800, Height: 600}) {
		t.Fatalf("composite after sync = %v", got)
	}
}

func TestHasFrame(t *testing.T) {
	s := New(display, nil)
	if s.HasFrame() {
		t.Fatal("fresh surface has a frame")
	}
	s.SetBackground(blackFrame(display))
	if !s.HasFrame() {
		t.Fatal("no frame after background")
	}
}

func TestBackgroundFrameIsNotPaintedOn(t *testing.T) {
	bg := blackFrame(display)
	s := New(display, nil)
	s.Draw([]types.Detection{box(0, 0, 50, 50)}, modelIn)
	s.SetBackground(bg)

	if c := bg.Image.(*image.RGBA).RGBAAt(0, 0); c != (color.RGBA{A: 255}) {
		t.Fatalf("capture frame mutated: %v", c)
	}
}

func TestReadersNeverSeeHalfDrawnSurface(t *testing.T) {
	s := New(display, nil)
	s.SetBackground(blackFrame(display))
	det := []types.Detection{box(10, 10, 40, 40)}
	s.Draw(det, modelIn)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				s.Draw(det, modelIn)
				s.SetBackground(blackFrame(display))
			}
		}
	}()

	for n := 0; n < 200; n++ {
		if c := pixel(t, s, 20, 20); c != s.style.BoxColor {
			close(stop)
			wg.Wait()
			t.Fatalf("observed surface without the current box: %v", c)
		}
	}
	close(stop)
	wg.Wait()
}

func TestFrameSourceDeliversComposites(t *testing.T) {
	s := New(display, nil)
	fs := s.FrameSource(50)

	s.SetBackground(blackFrame(display))

	select {
	case f := <-fs.Frames():
		if f.Dimensions() != display {
			t.Fatalf("frame dims = %v", f.Dimensions())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame from source")
	}

	fs.Close()
	fs.Close()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-fs.Frames():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("source not closed")
		}
	}
}

func TestFrameSourceCountsReplacedFrames(t *testing.T) {
	m := metrics.New()
	s := New(display, m)
	s.SetBackground(blackFrame(display))

	fs := s.FrameSource(200)
	defer fs.Close()

	deadline := time.Now().Add(2 * time.Second)
	for m.RecordingFramesDropped.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("unread frames were replaced without being counted")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if f, ok := <-fs.Frames(); !ok || f == nil {
		t.Fatal("stream should still hold the newest frame")
	}
}
