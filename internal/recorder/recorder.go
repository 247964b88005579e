package recorder

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/facecam/facecam/internal/logger"
	"github.com/facecam/facecam/internal/metrics"
	"github.com/facecam/facecam/internal/overlay"
	"github.com/facecam/facecam/pkg/types"
)

var (
	// ErrSurfaceNotReady means the overlay has not produced a frame yet.
	ErrSurfaceNotReady = errors.New("overlay surface not ready: no frame produced yet")
	// ErrAlreadyRecording is returned by Start during an active session.
	ErrAlreadyRecording = errors.New("already recording")
)

// FilenamePrefix and TimestampLayout form artifact names such as
// face_recording_2025-06-01T12:00:00.webm.
const (
	FilenamePrefix  = "face_recording_"
	TimestampLayout = "2006-01-02T15:04:05"
)

// DefaultTimeslice is how often encoded segments are flushed.
const DefaultTimeslice = 100 * time.Millisecond

// Source is the surface whose frame stream gets recorded.
type Source interface {
	HasFrame() bool
	Dimensions() types.Dimensions
	FrameSource(fps int) *overlay.FrameStream
}

// Options tunes a Recorder. Zero values pick defaults.
type Options struct {
	Timeslice time.Duration
	Now       func() time.Time
}

// Session is one recording from Start to Stop.
type Session struct {
	StartTime  time.Time
	Filename   string
	Chunks     [][]byte // in arrival order
	FrameCount uint64
	Bytes      uint64
	err        error
	done       chan struct{} // closed when the writer exits
}

// Recorder encodes the surface's frame stream into chunks and assembles
// an artifact on Stop.
type Recorder struct {
	enc       Encoder
	store     *Store
	m         *metrics.Metrics
	log       *logger.Module
	timeslice time.Duration
	now       func() time.Time

	// OnArtifact, when set, receives every finished artifact.
	OnArtifact func(*types.Artifact)

	mu         sync.RWMutex
	recording  bool
	finalizing bool // Stop is sealing the previous session
	session    *Session
	encSess    EncodeSession
	stream     *overlay.FrameStream
	stop       chan struct{}
}

// NewRecorder creates a recorder writing artifacts into store.
func NewRecorder(enc Encoder, store *Store, m *metrics.Metrics, opts Options) *Recorder {
	if opts.Timeslice <= 0 {
		opts.Timeslice = DefaultTimeslice
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Recorder{
		enc:       enc,
		store:     store,
		m:         m,
		log:       logger.For("Recorder"),
		timeslice: opts.Timeslice,
		now:       opts.Now,
	}
}

// Start begins recording src at targetFPS. It fails with
// ErrSurfaceNotReady before the surface has a frame and with an
// *EncodeError when the encoder rejects the configuration.
func (r *Recorder) Start(src Source, targetFPS int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording || r.finalizing {
		return ErrAlreadyRecording
	}
	if !src.HasFrame() {
		return ErrSurfaceNotReady
	}
	if targetFPS <= 0 {
		targetFPS = 30
	}

	cfg := EncodeConfig{Size: src.Dimensions(), FPS: targetFPS}
	encSess, err := r.enc.Open(cfg)
	if err != nil {
		if r.m != nil {
			r.m.EncodeErrors.Add(1)
		}
		var ee *EncodeError
		if !errors.As(err, &ee) {
			err = &EncodeError{Encoder: r.enc.Name(), Err: err}
		}
		r.log.Error("%v", err)
		return err
	}

	start := r.now()
	r.session = &Session{
		StartTime: start,
		Filename:  FilenamePrefix + start.UTC().Format(TimestampLayout) + r.enc.Extension(),
		done:      make(chan struct{}),
	}
	r.encSess = encSess
	r.stream = src.FrameSource(targetFPS)
	r.stop = make(chan struct{})
	r.recording = true
	if r.m != nil {
		r.m.SetRecording(true)
	}

	go r.writeFrames(r.stream, encSess, r.session, r.stop)

	r.log.Info("Recording started: %s (%s @ %d fps)", r.session.Filename, cfg.Size, targetFPS)
	return nil
}

// writeFrames feeds the encoder and flushes a segment every timeslice.
func (r *Recorder) writeFrames(stream *overlay.FrameStream, enc EncodeSession, sess *Session, stop <-chan struct{}) {
	defer close(sess.done)

	ticker := time.NewTicker(r.timeslice)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case f, ok := <-stream.Frames():
			if !ok {
				return
			}
			if err := enc.WriteFrame(f); err != nil {
				r.fail(sess, err)
				return
			}
			r.mu.Lock()
			sess.FrameCount++
			r.mu.Unlock()
			if r.m != nil {
				r.m.RecordingFrames.Add(1)
			}
		case <-ticker.C:
			data, err := enc.Flush()
			if err != nil {
				r.fail(sess, err)
				return
			}
			r.appendChunk(sess, data)
		}
	}
}

func (r *Recorder) fail(sess *Session, err error) {
	var ee *EncodeError
	if !errors.As(err, &ee) {
		err = &EncodeError{Encoder: r.enc.Name(), Err: err}
	}
	if r.m != nil {
		r.m.EncodeErrors.Add(1)
	}
	r.log.Error("Recording failed: %v", err)
	r.mu.Lock()
	sess.err = err
	r.mu.Unlock()
}

func (r *Recorder) appendChunk(sess *Session, data []byte) {
	if len(data) == 0 {
		return
	}
	r.mu.Lock()
	sess.Chunks = append(sess.Chunks, data)
	sess.Bytes += uint64(len(data))
	r.mu.Unlock()
	if r.m != nil {
		r.m.RecordingChunks.Add(1)
		r.m.RecordingBytes.Add(uint64(len(data)))
	}
}

// Stop ends the session and returns the new artifact. The previous
// artifact's handle is released before the new one is exposed. Stop while
// not recording does nothing and returns (nil, nil). Start fails with
// ErrAlreadyRecording until Stop has stored the artifact.
func (r *Recorder) Stop() (*types.Artifact, error) {
	return r.finish(true)
}

func (r *Recorder) finish(notify bool) (*types.Artifact, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return nil, nil
	}
	r.recording = false
	r.finalizing = true
	stoppedAt := r.now()
	sess, encSess, stream, stop := r.session, r.encSess, r.stream, r.stop
	r.encSess, r.stream, r.stop = nil, nil, nil
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.finalizing = false
		r.mu.Unlock()
	}()

	if r.m != nil {
		r.m.SetRecording(false)
	}

	close(stop)
	<-sess.done
	stream.Close()

	tail, closeErr := encSess.Close()

	r.mu.Lock()
	failed := sess.err
	r.mu.Unlock()
	if failed != nil {
		return nil, failed
	}
	if closeErr != nil {
		r.fail(sess, closeErr)
		return nil, sess.err
	}
	r.appendChunk(sess, tail)

	r.mu.RLock()
	data := bytes.Join(sess.Chunks, nil)
	r.mu.RUnlock()

	elapsed := int(stoppedAt.Sub(sess.StartTime) / time.Second)
	art := r.store.Replace(data, Meta{
		Filename: sess.Filename,
		MimeType: r.enc.MimeType(),
		Duration: elapsed,
	})
	r.log.Info("Recording stopped: %s (%d chunks, %d bytes, %s)", art.Filename, len(sess.Chunks), art.Size, FormatElapsed(elapsed))

	if notify && r.OnArtifact != nil {
		go r.OnArtifact(art)
	}
	return art, nil
}

// IsRecording returns true if currently recording
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// ElapsedSeconds is the whole seconds since Start, or 0 when idle.
func (r *Recorder) ElapsedSeconds() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.recording {
		return 0
	}
	return int(r.now().Sub(r.session.StartTime) / time.Second)
}

// GetStatus returns the current recording status
func (r *Recorder) GetStatus() RecordingStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := RecordingStatus{Recording: r.recording}
	if r.session == nil {
		st.Elapsed = FormatElapsed(0)
		return st
	}
	st.Filename = r.session.Filename
	st.FrameCount = r.session.FrameCount
	st.BytesWritten = r.session.Bytes
	st.Chunks = len(r.session.Chunks)
	st.StartTime = r.session.StartTime
	if r.recording {
		st.ElapsedSeconds = int(r.now().Sub(r.session.StartTime) / time.Second)
	}
	st.Elapsed = FormatElapsed(st.ElapsedSeconds)
	return st
}

// Finalizing reports whether a stopped session is still being sealed.
func (r *Recorder) Finalizing() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.finalizing
}

// Close stops an active recording and releases the current artifact.
// The discarded artifact is not handed to OnArtifact.
func (r *Recorder) Close() error {
	_, err := r.finish(false)
	r.store.Release()
	return err
}

// RecordingStatus holds the current recording status
type RecordingStatus struct {
	Recording      bool      `json:"recording"`
	Filename       string    `json:"filename"`
	FrameCount     uint64    `json:"frame_count"`
	BytesWritten   uint64    `json:"bytes_written"`
	Chunks         int       `json:"chunks"`
	ElapsedSeconds int       `json:"elapsed_seconds"`
	Elapsed        string    `json:"elapsed"`
	StartTime      time.Time `json:"start_time"`
}

// FormatElapsed renders whole seconds as m:ss.
func FormatElapsed(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}
