package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/facecam/facecam/internal/config"
	"github.com/facecam/facecam/internal/logger"
)

// Version is the application version.
const Version = "0.1.0"

var (
	configPath string
	logLevel   string
	logColor   bool

	// cfg is loaded once before any subcommand runs
	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:           "facecam",
	Short:         "Live face detection overlay and recorder",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			cfg.Log.Level = logLevel
		}
		if cmd.Flags().Changed("log-color") {
			cfg.Log.Color = logColor
		}

		level, err := logger.ParseLevel(cfg.Log.Level)
		if err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
		logger.Init(level, os.Stderr, cfg.Log.Color)
		logger.Debug("Main", "Configuration:\n%s", cfg)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error, silent)")
	rootCmd.PersistentFlags().BoolVar(&logColor, "log-color", true, "Enable colored log output")

	rootCmd.AddCommand(serveCmd, recordCmd, modelsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
