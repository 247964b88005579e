package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/facecam/facecam/internal/logger"
	"github.com/facecam/facecam/pkg/types"
)

// FFmpegSource captures a V4L2 device through an ffmpeg subprocess that
// writes MJPEG to stdout.
type FFmpegSource struct {
	Device     string
	FFmpegPath string
	// StartTimeout bounds the wait for the first frame.
	StartTimeout time.Duration
}

// NewFFmpegSource creates a source for device.
func NewFFmpegSource(device, ffmpegPath string) *FFmpegSource {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &FFmpegSource{Device: device, FFmpegPath: ffmpegPath, StartTimeout: 5 * time.Second}
}

// probeDevice checks the device node exists and is readable.
func probeDevice(device string) error {
	if _, err := os.Stat(device); err != nil {
		if os.IsPermission(err) {
			return fmt.Errorf("%w: %s", ErrPermissionDenied, device)
		}
		return fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, device, err)
	}

	f, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		if os.IsPermission(err) {
			return fmt.Errorf("%w: %s", ErrPermissionDenied, device)
		}
		return fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, device, err)
	}
	return f.Close()
}

func (s *FFmpegSource) args(c Constraints) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-f", "v4l2"}
	if c.Width > 0 && c.Height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", c.Width, c.Height))
	}
	if c.FPS > 0 {
		args = append(args, "-framerate", strconv.Itoa(c.FPS))
	}
	return append(args,
		"-i", s.Device,
		"-an",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "5",
		"-",
	)
}

// Open starts ffmpeg and waits for the first decoded frame.
func (s *FFmpegSource) Open(ctx context.Context, c Constraints) (Stream, error) {
	if err := probeDevice(s.Device); err != nil {
		return nil, err
	}
	if _, err := exec.LookPath(s.FFmpegPath); err != nil {
		return nil, fmt.Errorf("%w: ffmpeg not found: %v", ErrDeviceUnavailable, err)
	}

	st := &ffmpegStream{
		label:  s.Device,
		frames: make(chan *types.Frame, 2),
		first:  make(chan struct{}),
		exited: make(chan struct{}),
		log:    logger.For("Capture"),
	}

	cmd := exec.Command(s.FFmpegPath, s.args(c)...)
	cmd.Stderr = &st.stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start ffmpeg: %v", ErrDeviceUnavailable, err)
	}
	st.cmd = cmd
	go st.read(stdout)

	timeout := s.StartTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-st.first:
		return st, nil
	case <-st.exited:
		_ = st.Close()
		return nil, st.exitError()
	case <-timer.C:
		_ = st.Close()
		return nil, fmt.Errorf("%w: no frame from %s within %s", ErrDeviceUnavailable, s.Device, timeout)
	case <-ctx.Done():
		_ = st.Close()
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, ctx.Err())
	}
}

type ffmpegStream struct {
	label  string
	cmd    *exec.Cmd
	frames chan *types.Frame
	first  chan struct{}
	exited chan struct{}
	log    *logger.Module

	stderr    tailBuffer
	closeOnce sync.Once
	waitErr   error
}

func (s *ffmpegStream) Frames() <-chan *types.Frame { return s.frames }
func (s *ffmpegStream) Label() string               { return s.label }

// tailBuffer keeps the first few KiB of ffmpeg's stderr for diagnostics.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := 4096 - b.buf.Len(); room > 0 {
		b.buf.Write(p[:min(room, len(p))])
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (s *ffmpegStream) read(r io.Reader) {
	defer func() {
		s.waitErr = s.cmd.Wait()
		close(s.exited)
		close(s.frames)
	}()

	var (
		seq       uint64
		firstOnce sync.Once
	)
	split := NewJPEGSplitter(r)
	for {
		data, err := split.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Warn("Read error: %v", err)
			}
			return
		}
		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			s.log.Debug("Skipping undecodable frame: %v", err)
			continue
		}
		seq++
		f := &types.Frame{Image: img, Seq: seq, Timestamp: time.Now()}
		firstOnce.Do(func() { close(s.first) })

		select {
		case s.frames <- f:
		default:
			// Reader is behind; the device wrapper keeps only the newest frame anyway.
		}
	}
}

func (s *ffmpegStream) exitError() error {
	msg := strings.TrimSpace(s.stderr.String())

	lower := strings.ToLower(msg)
	if strings.Contains(lower, "permission denied") {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, msg)
	}
	if msg == "" && s.waitErr != nil {
		msg = s.waitErr.Error()
	}
	return fmt.Errorf("%w: %s", ErrDeviceUnavailable, msg)
}

func (s *ffmpegStream) Close() error {
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
	})
	<-s.exited
	return nil
}

// JPEGSplitter cuts a concatenated MJPEG byte stream into JPEG images by
// their SOI/EOI markers.
type JPEGSplitter struct {
	r     io.Reader
	buf   []byte
	chunk []byte
}

func NewJPEGSplitter(r io.Reader) *JPEGSplitter {
	return &JPEGSplitter{r: r, buf: make([]byte, 0, 1<<20), chunk: make([]byte, 32*1024)}
}

var (
	soi = []byte{0xFF, 0xD8}
	eoi = []byte{0xFF, 0xD9}
)

// Next returns the next complete JPEG. It returns io.EOF once the reader
// is exhausted; a trailing partial image is discarded.
func (j *JPEGSplitter) Next() ([]byte, error) {
	for {
		if frame := j.extract(); frame != nil {
			return frame, nil
		}
		n, err := j.r.Read(j.chunk)
		j.buf = append(j.buf, j.chunk[:n]...)
		if err != nil {
			if frame := j.extract(); frame != nil {
				return frame, nil
			}
			return nil, err
		}
	}
}

func (j *JPEGSplitter) extract() []byte {
	start := bytes.Index(j.buf, soi)
	if start < 0 {
		// Keep a trailing 0xFF that may begin the next marker.
		if len(j.buf) > 0 && j.buf[len(j.buf)-1] == 0xFF {
			j.buf = j.buf[len(j.buf)-1:]
		} else {
			j.buf = j.buf[:0]
		}
		return nil
	}
	end := bytes.Index(j.buf[start+2:], eoi)
	if end < 0 {
		if start > 0 {
			j.buf = append(j.buf[:0], j.buf[start:]...)
		}
		return nil
	}
	end += start + 4

	frame := make([]byte, end-start)
	copy(frame, j.buf[start:end])
	j.buf = append(j.buf[:0], j.buf[end:]...)
	return frame
}
