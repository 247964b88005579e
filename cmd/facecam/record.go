package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/facecam/facecam/internal/logger"
	"github.com/facecam/facecam/internal/metrics"
	"github.com/facecam/facecam/internal/pipeline"
)

var (
	recordDuration time.Duration
	recordOutDir   string
	readyTimeout   time.Duration
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a fixed-length overlay clip without the web UI",
	RunE:  runRecord,
}

func init() {
	recordCmd.Flags().DurationVarP(&recordDuration, "duration", "d", 10*time.Second, "Recording length")
	recordCmd.Flags().StringVarP(&recordOutDir, "out", "o", "", "Output directory (defaults to recording.output_dir)")
	recordCmd.Flags().DurationVar(&readyTimeout, "ready-timeout", 30*time.Second, "How long to wait for model and camera")
}

func runRecord(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if recordDuration <= 0 {
		return fmt.Errorf("duration must be positive, got %s", recordDuration)
	}
	out := recordOutDir
	if out == "" {
		out = cfg.Recording.OutputDir
	}

	ctl, err := newPipeline(cfg, metrics.New())
	if err != nil {
		return err
	}
	defer ctl.Stop()

	if err := ctl.Start(ctx); err != nil {
		return err
	}
	if err := waitForDetection(ctx, ctl, readyTimeout); err != nil {
		return err
	}

	if err := ctl.StartRecording(); err != nil {
		return fmt.Errorf("start recording: %w", err)
	}
	logger.Info("Main", "Recording for %s", recordDuration)

	seconds := int64(recordDuration.Round(time.Second) / time.Second)
	bar := progressbar.NewOptions64(seconds,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("recording"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionClearOnFinish(),
	)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	deadline := time.NewTimer(recordDuration)
	defer deadline.Stop()

	interrupted := false
loop:
	for {
		select {
		case <-ticker.C:
			_ = bar.Add(1)
		case <-deadline.C:
			break loop
		case <-ctx.Done():
			interrupted = true
			break loop
		}
	}
	_ = bar.Finish()

	artifact, err := ctl.StopRecording()
	if err != nil {
		return fmt.Errorf("stop recording: %w", err)
	}
	if artifact == nil {
		return errors.New("recording produced no artifact")
	}
	_, data, ok := ctl.Artifact(artifact.ID)
	if !ok {
		return errors.New("recording artifact vanished before it was saved")
	}

	if err := os.MkdirAll(out, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	path := filepath.Join(out, artifact.Filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write recording: %w", err)
	}

	if interrupted {
		logger.Warn("Main", "Interrupted, saved partial recording")
	}
	logger.Info("Main", "Saved %s (%d bytes, %s)", path, artifact.Size, artifact.MimeType)
	return nil
}

// waitForDetection blocks until the pipeline is running detection cycles,
// which also means a composited frame is available to record.
func waitForDetection(ctx context.Context, ctl *pipeline.Controller, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if ctl.Status().DetectionState == pipeline.DetectionRunning {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("pipeline not ready: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
