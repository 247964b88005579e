package recorder

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/facecam/facecam/internal/imaging"
	"github.com/facecam/facecam/pkg/types"
)

// EncodeConfig is what a recording asks of the encoder.
type EncodeConfig struct {
	Size types.Dimensions
	FPS  int
}

// Encoder opens encoding sessions.
type Encoder interface {
	Name() string
	MimeType() string
	Extension() string
	// Open returns an *EncodeError when cfg cannot be encoded.
	Open(cfg EncodeConfig) (EncodeSession, error)
}

// EncodeSession receives frames and yields encoded segments.
type EncodeSession interface {
	WriteFrame(f *types.Frame) error
	// Flush returns the bytes produced since the previous Flush.
	Flush() ([]byte, error)
	// Close finishes the stream and returns the remaining bytes.
	Close() ([]byte, error)
}

// EncodeError is a failure of the encoding subsystem.
type EncodeError struct {
	Encoder string
	Err     error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encoder %s: %v", e.Encoder, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// MJPEGEncoder concatenates JPEG images. It needs nothing outside the Go
// runtime, so it is the fallback when ffmpeg is missing.
type MJPEGEncoder struct {
	Quality int
}

func (e *MJPEGEncoder) Name() string      { return "mjpeg" }
func (e *MJPEGEncoder) MimeType() string  { return "video/x-motion-jpeg" }
func (e *MJPEGEncoder) Extension() string { return ".mjpeg" }

func (e *MJPEGEncoder) Open(cfg EncodeConfig) (EncodeSession, error) {
	if !cfg.Size.Valid() {
		return nil, &EncodeError{Encoder: e.Name(), Err: fmt.Errorf("invalid frame size %s", cfg.Size)}
	}
	q := e.Quality
	if q <= 0 || q > 100 {
		q = 80
	}
	return &mjpegSession{size: cfg.Size, quality: q}, nil
}

type mjpegSession struct {
	size    types.Dimensions
	quality int
	mu      sync.Mutex
	pending bytes.Buffer
}

func (s *mjpegSession) WriteFrame(f *types.Frame) error {
	data, err := imaging.EncodeJPEG(imaging.Scale(f.Image, s.size), s.quality)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.pending.Write(data)
	s.mu.Unlock()
	return nil
}

func (s *mjpegSession) Flush() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending.Len() == 0 {
		return nil, nil
	}
	out := bytes.Clone(s.pending.Bytes())
	s.pending.Reset()
	return out, nil
}

func (s *mjpegSession) Close() ([]byte, error) { return s.Flush() }

// FFmpegEncoder pipes raw RGBA frames into ffmpeg and collects the
// container bytes it writes to stdout. The default is VP8 in WebM.
type FFmpegEncoder struct {
	Path    string
	Codec   string
	Bitrate string

	probeMu sync.Mutex
	probed  map[string]error
}

func NewFFmpegEncoder(path, codec, bitrate string) *FFmpegEncoder {
	if path == "" {
		path = "ffmpeg"
	}
	if codec == "" {
		codec = "libvpx"
	}
	if bitrate == "" {
		bitrate = "1M"
	}
	return &FFmpegEncoder{Path: path, Codec: codec, Bitrate: bitrate}
}

func (e *FFmpegEncoder) Name() string      { return "ffmpeg/" + e.Codec }
func (e *FFmpegEncoder) MimeType() string  { return "video/webm" }
func (e *FFmpegEncoder) Extension() string { return ".webm" }

// probe checks once per codec that ffmpeg exists and knows the encoder.
func (e *FFmpegEncoder) probe() error {
	e.probeMu.Lock()
	defer e.probeMu.Unlock()
	if err, ok := e.probed[e.Codec]; ok {
		return err
	}
	if e.probed == nil {
		e.probed = make(map[string]error)
	}

	err := func() error {
		if _, err := exec.LookPath(e.Path); err != nil {
			return fmt.Errorf("ffmpeg not found: %w", err)
		}
		out, err := exec.Command(e.Path, "-hide_banner", "-h", "encoder="+e.Codec).CombinedOutput()
		if err != nil {
			return fmt.Errorf("probe encoder %s: %w", e.Codec, err)
		}
		if strings.Contains(string(out), "is not recognized") {
			return fmt.Errorf("codec %s is not supported by this ffmpeg build", e.Codec)
		}
		return nil
	}()
	e.probed[e.Codec] = err
	return err
}

func (e *FFmpegEncoder) args(cfg EncodeConfig) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", cfg.Size.String(),
		"-r", strconv.Itoa(cfg.FPS),
		"-i", "pipe:0",
		"-an",
		"-c:v", e.Codec,
		"-b:v", e.Bitrate,
		"-deadline", "realtime",
		"-cpu-used", "8",
		"-pix_fmt", "yuv420p",
		"-f", "webm",
		"pipe:1",
	}
}

func (e *FFmpegEncoder) Open(cfg EncodeConfig) (EncodeSession, error) {
	// yuv420p needs even sides.
	cfg.Size.Width &^= 1
	cfg.Size.Height &^= 1
	if !cfg.Size.Valid() || cfg.FPS <= 0 {
		return nil, &EncodeError{Encoder: e.Name(), Err: fmt.Errorf("invalid config %s@%d", cfg.Size, cfg.FPS)}
	}
	if err := e.probe(); err != nil {
		return nil, &EncodeError{Encoder: e.Name(), Err: err}
	}

	s := &ffmpegSession{name: e.Name(), size: cfg.Size, done: make(chan struct{})}
	cmd := exec.Command(e.Path, e.args(cfg)...)
	cmd.Stderr = &s.stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &EncodeError{Encoder: e.Name(), Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &EncodeError{Encoder: e.Name(), Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &EncodeError{Encoder: e.Name(), Err: err}
	}
	s.cmd, s.stdin = cmd, stdin
	go s.collect(stdout)
	return s, nil
}

type ffmpegSession struct {
	name   string
	size   types.Dimensions
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	done   chan struct{}
	stderr bytes.Buffer // written only by the exec copier, read after Wait

	mu  sync.Mutex
	out bytes.Buffer
}

func (s *ffmpegSession) collect(r io.Reader) {
	defer close(s.done)
	buf := make([]byte, 64*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.out.Write(buf[:n])
			s.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (s *ffmpegSession) WriteFrame(f *types.Frame) error {
	img := imaging.Scale(f.Image, s.size)
	if img.Stride != 4*s.size.Width {
		img = imaging.ToRGBA(img)
	}
	if _, err := s.stdin.Write(img.Pix); err != nil {
		return &EncodeError{Encoder: s.name, Err: fmt.Errorf("write frame: %w", err)}
	}
	return nil
}

func (s *ffmpegSession) Flush() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out.Len() == 0 {
		return nil, nil
	}
	data := bytes.Clone(s.out.Bytes())
	s.out.Reset()
	return data, nil
}

func (s *ffmpegSession) Close() ([]byte, error) {
	_ = s.stdin.Close()
	<-s.done
	waitErr := s.cmd.Wait()

	tail, _ := s.Flush()
	if waitErr != nil {
		msg := strings.TrimSpace(s.stderr.String())
		if msg == "" {
			msg = waitErr.Error()
		}
		return tail, &EncodeError{Encoder: s.name, Err: errors.New(msg)}
	}
	return tail, nil
}
