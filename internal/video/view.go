// Package video holds the playing video: the latest frame from the
// capture device and the size it is displayed at.
package video

import (
	"context"
	"sync"

	"github.com/facecam/facecam/pkg/types"
)

// View tracks the current frame and display size and notifies listeners
// of new frames and size changes. The display size follows the video
// unless an explicit size was set with Resize.
type View struct {
	mu       sync.RWMutex
	current  *types.Frame
	video    types.Dimensions
	override types.Dimensions
	onFrame  []func(*types.Frame)
	onResize []func(types.Dimensions)

	playing     chan struct{}
	playingOnce sync.Once
}

// New creates a view. A valid display size pins the display; otherwise it
// follows the delivered video size.
func New(display types.Dimensions) *View {
	v := &View{playing: make(chan struct{})}
	if display.Valid() {
		v.override = display
	}
	return v
}

// OnFrame registers fn for every new frame. Listeners run on the feed
// goroutine and must not block.
func (v *View) OnFrame(fn func(*types.Frame)) {
	v.mu.Lock()
	v.onFrame = append(v.onFrame, fn)
	v.mu.Unlock()
}

// OnResize registers fn for display size changes.
func (v *View) OnResize(fn func(types.Dimensions)) {
	v.mu.Lock()
	v.onResize = append(v.onResize, fn)
	v.mu.Unlock()
}

// Playing is closed once the first frame has arrived.
func (v *View) Playing() <-chan struct{} { return v.playing }

// Run feeds frames into the view until frames closes or ctx ends.
func (v *View) Run(ctx context.Context, frames <-chan *types.Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			v.Push(f)
		}
	}
}

// Push makes f the current frame.
func (v *View) Push(f *types.Frame) {
	if f == nil || f.Image == nil {
		return
	}
	dims := f.Dimensions()

	v.mu.Lock()
	v.current = f
	resized := false
	if dims != v.video {
		v.video = dims
		resized = !v.override.Valid()
	}
	display := v.displayLocked()
	frameFns := v.onFrame
	resizeFns := v.onResize
	v.mu.Unlock()

	if resized {
		for _, fn := range resizeFns {
			fn(display)
		}
	}
	v.playingOnce.Do(func() { close(v.playing) })
	for _, fn := range frameFns {
		fn(f)
	}
}

// Resize pins the display size. An invalid size releases the pin.
func (v *View) Resize(dims types.Dimensions) types.Dimensions {
	v.mu.Lock()
	before := v.displayLocked()
	if dims.Valid() {
		v.override = dims
	} else {
		v.override = types.Dimensions{}
	}
	after := v.displayLocked()
	fns := v.onResize
	v.mu.Unlock()

	if after != before && after.Valid() {
		for _, fn := range fns {
			fn(after)
		}
	}
	return after
}

func (v *View) displayLocked() types.Dimensions {
	if v.override.Valid() {
		return v.override
	}
	return v.video
}

// CurrentFrame returns the latest frame or nil before playback.
func (v *View) CurrentFrame() *types.Frame {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.current
}

// DisplaySize is the size the video is shown at.
func (v *View) DisplaySize() types.Dimensions {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.displayLocked()
}

// VideoSize is the delivered frame size.
func (v *View) VideoSize() types.Dimensions {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.video
}
