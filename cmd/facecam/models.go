package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/facecam/facecam/internal/model"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Inspect the face detection models",
}

var modelsCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Load the configured models and report whether they are usable",
	RunE: func(cmd *cobra.Command, args []string) error {
		loader := newLoader(cfg)
		started := time.Now()
		mdl, err := loader.Load(cmd.Context())
		if err != nil {
			var le *model.LoadError
			if errors.As(err, &le) {
				return fmt.Errorf("model %q at %s is not usable: %w", le.Model, le.Path, le.Err)
			}
			return err
		}

		in := mdl.InputSize()
		fmt.Fprintf(cmd.OutOrStdout(), "detector:  %s\nlandmarks: %s\ninput:     %dx%d\nloaded in: %s\n",
			cfg.Models.Detector, cfg.Models.Landmarks, in.Width, in.Height,
			time.Since(started).Round(time.Millisecond))
		return nil
	},
}

func init() {
	modelsCmd.AddCommand(modelsCheckCmd)
}
