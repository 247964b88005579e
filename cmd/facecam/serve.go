package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/facecam/facecam/internal/logger"
	"github.com/facecam/facecam/internal/metrics"
	"github.com/facecam/facecam/internal/webmonitor"
	"github.com/facecam/facecam/internal/webrtc"
)

const shutdownTimeout = 5 * time.Second

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline and serve the browser control page",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "http", "", "HTTP server address (overrides http.addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if serveAddr != "" {
		cfg.HTTP.Addr = serveAddr
	}

	m := metrics.New()
	ctl, err := newPipeline(cfg, m)
	if err != nil {
		return err
	}
	defer ctl.Stop()

	var peers webmonitor.Peers
	if cfg.WebRTC.Enabled {
		rtc := webrtc.NewServer(cfg.WebRTC.STUN, cfg.WebRTC.MaxClients, m)
		defer rtc.Close()
		peers = rtc
	}

	monitor := webmonitor.NewServer(webmonitor.FromConfig(cfg), ctl, peers, m)
	defer monitor.Close()

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           monitor.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Main", "Listening on %s", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Failed gates are reported on the page; the server keeps running so
	// the user can see why.
	go func() {
		if err := ctl.Start(ctx); err != nil {
			logger.Warn("Main", "Pipeline not fully ready: %v", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Main", "Shutting down...")
	case err, ok := <-serveErr:
		if ok {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	monitor.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Main", "Error during shutdown: %v", err)
	}
	logger.Info("Main", "Server stopped")
	return nil
}
