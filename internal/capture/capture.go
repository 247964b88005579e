package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/facecam/facecam/internal/logger"
	"github.com/facecam/facecam/internal/metrics"
	"github.com/facecam/facecam/pkg/types"
)

var (
	// ErrPermissionDenied means the user or OS refused camera access.
	ErrPermissionDenied = errors.New("camera permission denied")
	// ErrDeviceUnavailable means no camera exists or it is in use.
	ErrDeviceUnavailable = errors.New("camera device unavailable")
)

// Constraints is the capture request. Width, Height and FPS are ideal
// values only; read the delivered size from the frames.
type Constraints struct {
	Width      int
	Height     int
	FPS        int
	FacingMode string
	Audio      bool
}

// Stream is an opened video source.
type Stream interface {
	// Frames is closed when the stream ends.
	Frames() <-chan *types.Frame
	Label() string
	Close() error
}

// Source opens streams. Implementations return errors wrapping
// ErrPermissionDenied or ErrDeviceUnavailable.
type Source interface {
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// Track is one media track of a Device.
type Track struct {
	Kind  string
	Label string
	ended atomic.Bool
}

// Ended reports whether the track was stopped.
func (t *Track) Ended() bool { return t.ended.Load() }

// Device is an acquired capture handle.
type Device struct {
	stream Stream
	tracks []*Track
	frames chan *types.Frame
	done   chan struct{}
	once   sync.Once
	dims   atomic.Pointer[types.Dimensions]
	count  atomic.Uint64
	m      *metrics.Metrics
}

// Frames delivers the most recent frames. Slow readers lose frames, never
// delay the device.
func (d *Device) Frames() <-chan *types.Frame { return d.frames }

// Tracks returns the device's tracks. Audio is never requested, so this is
// a single video track.
func (d *Device) Tracks() []*Track { return d.tracks }

// Active reports whether any track is still live.
func (d *Device) Active() bool {
	for _, t := range d.tracks {
		if !t.Ended() {
			return true
		}
	}
	return false
}

// Dimensions is the size of the last delivered frame, which may differ
// from what was requested.
func (d *Device) Dimensions() types.Dimensions {
	if p := d.dims.Load(); p != nil {
		return *p
	}
	return types.Dimensions{}
}

// FrameCount returns how many frames the device has delivered.
func (d *Device) FrameCount() uint64 { return d.count.Load() }

func (d *Device) pump() {
	defer close(d.frames)
	src := d.stream.Frames()
	for {
		select {
		case <-d.done:
			return
		case f, ok := <-src:
			if !ok {
				d.endTracks()
				return
			}
			dims := f.Dimensions()
			d.dims.Store(&dims)
			d.count.Add(1)
			if d.m != nil {
				d.m.FramesCaptured.Add(1)
			}

			// Mailbox: replace a stale unread frame with the new one.
			select {
			case d.frames <- f:
			default:
				select {
				case <-d.frames:
					if d.m != nil {
						d.m.FramesDropped.Add(1)
					}
				default:
				}
				select {
				case d.frames <- f:
				default:
				}
			}
		}
	}
}

func (d *Device) endTracks() {
	for _, t := range d.tracks {
		t.ended.Store(true)
	}
}

// stop ends every track and closes the stream. Safe to call repeatedly.
func (d *Device) stop() error {
	var err error
	d.once.Do(func() {
		d.endTracks()
		close(d.done)
		err = d.stream.Close()
	})
	return err
}

// Manager acquires and owns the capture device.
type Manager struct {
	src Source
	m   *metrics.Metrics
	log *logger.Module

	mu     sync.Mutex
	device *Device
}

// NewManager creates a manager over src. m may be nil.
func NewManager(src Source, m *metrics.Metrics) *Manager {
	return &Manager{src: src, m: m, log: logger.For("Capture")}
}

// Start acquires the device. On failure no handle is retained and the
// error wraps ErrPermissionDenied or ErrDeviceUnavailable. A second Start
// while a device is held returns the held device.
func (m *Manager) Start(ctx context.Context, c Constraints) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device != nil && m.device.Active() {
		return m.device, nil
	}
	m.device = nil

	c.Audio = false
	if c.FacingMode == "" {
		c.FacingMode = "user"
	}

	m.log.Info("Requesting camera %dx%d@%d facing=%s", c.Width, c.Height, c.FPS, c.FacingMode)
	stream, err := m.src.Open(ctx, c)
	if err != nil {
		err = classify(err)
		m.log.Error("Camera acquisition failed: %v", err)
		return nil, err
	}

	d := &Device{
		stream: stream,
		tracks: []*Track{{Kind: "video", Label: stream.Label()}},
		frames: make(chan *types.Frame, 1),
		done:   make(chan struct{}),
		m:      m.m,
	}
	go d.pump()

	m.device = d
	m.log.Info("Camera ready: %s", stream.Label())
	return d, nil
}

// Stop ends all tracks of d and releases it. Calling it again, or with a
// nil device, does nothing.
func (m *Manager) Stop(d *Device) {
	if d == nil {
		return
	}
	if err := d.stop(); err != nil {
		m.log.Warn("Camera close: %v", err)
	}

	m.mu.Lock()
	if m.device == d {
		m.device = nil
	}
	m.mu.Unlock()
}

// Device returns the currently held device, if any.
func (m *Manager) Device() *Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.device
}

func classify(err error) error {
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrDeviceUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
}
