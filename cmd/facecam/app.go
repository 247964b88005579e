package main

import (
	"fmt"

	"github.com/facecam/facecam/internal/capture"
	"github.com/facecam/facecam/internal/config"
	"github.com/facecam/facecam/internal/metrics"
	"github.com/facecam/facecam/internal/model"
	"github.com/facecam/facecam/internal/pipeline"
	"github.com/facecam/facecam/internal/recorder"
	"github.com/facecam/facecam/pkg/types"
)

func newLoader(c config.Config) *model.Loader {
	l := model.NewLoader(c.Models.BaseDir, c.Models.Detector, c.Models.Landmarks, nil)
	overrides := map[string]float64{}
	if c.Detection.MinFaceSize > 0 {
		overrides["min_size"] = float64(c.Detection.MinFaceSize)
	}
	if c.Detection.MinScore > 0 {
		overrides["min_score"] = c.Detection.MinScore
	}
	l.Overrides = overrides
	return l
}

func newSource(c config.Config) (capture.Source, error) {
	switch c.Capture.Source {
	case "ffmpeg":
		return capture.NewFFmpegSource(c.Capture.Device, c.Capture.FFmpegPath), nil
	case "testpattern":
		return &capture.TestPatternSource{}, nil
	default:
		return nil, fmt.Errorf("unknown capture source %q", c.Capture.Source)
	}
}

func newEncoder(c config.Config) (recorder.Encoder, error) {
	switch c.Recording.Encoder {
	case "ffmpeg":
		return recorder.NewFFmpegEncoder(c.Recording.FFmpegPath, c.Recording.Codec, c.Recording.Bitrate), nil
	case "mjpeg":
		return &recorder.MJPEGEncoder{Quality: 85}, nil
	default:
		return nil, fmt.Errorf("unknown recording encoder %q", c.Recording.Encoder)
	}
}

// newPipeline wires a controller from the configuration.
func newPipeline(c config.Config, m *metrics.Metrics) (*pipeline.Controller, error) {
	src, err := newSource(c)
	if err != nil {
		return nil, err
	}
	enc, err := newEncoder(c)
	if err != nil {
		return nil, err
	}

	return pipeline.New(pipeline.Deps{
		Loader:  newLoader(c),
		Source:  src,
		Encoder: enc,
		Metrics: m,
	}, pipeline.Options{
		Constraints: capture.Constraints{
			Width:      c.Capture.Width,
			Height:     c.Capture.Height,
			FPS:        c.Capture.FPS,
			FacingMode: c.Capture.FacingMode,
		},
		Display:           types.Dimensions{Width: c.Display.Width, Height: c.Display.Height},
		DetectionInterval: c.Detection.Interval,
		RecordFPS:         c.Recording.TargetFPS,
		Timeslice:         c.Recording.Timeslice,
	}), nil
}
