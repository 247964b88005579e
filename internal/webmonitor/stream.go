package webmonitor

import (
	"fmt"
	"net/http"
	"time"

	"github.com/facecam/facecam/internal/imaging"
	"github.com/facecam/facecam/internal/logger"
	"github.com/facecam/facecam/internal/pipeline"
	"github.com/facecam/facecam/pkg/types"
)

const (
	mjpegKeepalive = 5 * time.Second
	sseKeepalive   = 30 * time.Second
)

func blankJPEG() ([]byte, error) {
	return imaging.EncodeJPEG(imaging.ColorBars(types.Dimensions{Width: 640, Height: 480}), 75)
}

// streamMJPEGFromChannel streams MJPEG from a channel (fanout pattern).
// Color bars are sent when no frame arrives for a while.
func streamMJPEGFromChannel(w http.ResponseWriter, r *http.Request, frameCh <-chan []byte) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")

	blank, err := blankJPEG()
	if err != nil {
		http.Error(w, "Failed to render frame", http.StatusInternalServerError)
		return
	}

	for {
		var jpegData []byte
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-frameCh:
			if !ok {
				return
			}
			jpegData = data
		case <-time.After(mjpegKeepalive):
			jpegData = blank
		}

		if _, err := w.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n")); err != nil {
			logger.Debug("MJPEG", "Client disconnected during write: %v", err)
			return
		}
		if _, err := w.Write(jpegData); err != nil {
			logger.Debug("MJPEG", "Client disconnected during frame write: %v", err)
			return
		}
		if _, err := w.Write([]byte("\r\n")); err != nil {
			logger.Debug("MJPEG", "Client disconnected during delimiter write: %v", err)
			return
		}
		flusher.Flush()
	}
}

// streamEventsFromChannel streams pre-serialized events of type want to an
// SSE client. initial, when non-nil, is written first.
func streamEventsFromChannel(w http.ResponseWriter, r *http.Request, eventCh <-chan *SerializedEvent,
	want pipeline.EventType, useProtobuf bool, initial *SerializedEvent) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if useProtobuf {
		w.Header().Set("X-Content-Format", "application/protobuf")
	} else {
		w.Header().Set("X-Content-Format", "application/json")
	}

	send := func(event *SerializedEvent) error {
		data := event.JSONData
		if useProtobuf {
			data = event.ProtobufData
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if initial != nil {
		if err := send(initial); err != nil {
			return
		}
	} else {
		// Commit headers so clients see the stream open immediately.
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			if event.Type != want {
				continue
			}
			if err := send(event); err != nil {
				logger.Debug("SSE", "Client disconnected during event write: %v", err)
				return
			}
		case <-time.After(sseKeepalive):
			if _, err := fmt.Fprintf(w, ": keepalive\n\n"); err != nil {
				logger.Debug("SSE", "Client disconnected during keepalive: %v", err)
				return
			}
			flusher.Flush()
		}
	}
}
