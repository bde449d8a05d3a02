package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"example/camflow/calibration"
	"example/camflow/capture"
	"example/camflow/config"
	"example/camflow/cvbackend"
	"example/camflow/output"
	"example/camflow/pipeline"
	"example/camflow/vision"
)

func newReplayCmd(flags *globalFlags) *cobra.Command {
	var outputDir string
	cmd := &cobra.Command{
		Use:   "replay [flags] <frame1.png> <frame2.png> ...",
		Short: "Run a recorded frame sequence through the pipeline into PNG files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg)
			stats, err := replay(cmd.Context(), cvbackend.New(), cfg, args, outputDir, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d frames written to %s (%d failed, %d fallbacks)\n",
				stats.Frames, outputDir, stats.Failures, stats.Fallbacks)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outputDir, "output-dir", "o", "replay_out", "directory for the processed frames")
	return cmd
}

// replay steps the loop once per input frame. Frames that fail are skipped;
// the rest are written to outputDir.
func replay(ctx context.Context, backend vision.Backend, cfg *config.Config, paths []string, outputDir string, logger zerolog.Logger) (pipeline.Stats, error) {
	mode, err := cfg.Mode()
	if err != nil {
		return pipeline.Stats{}, err
	}
	controls := pipeline.NewControls(mode)
	if _, err := calibration.NewManager(nil, controls, logger).Apply(ctx, cfg.Calibration.Text); err != nil {
		return pipeline.Stats{}, err
	}

	source, err := capture.NewFiles(paths, false)
	if err != nil {
		return pipeline.Stats{}, err
	}
	sink, err := output.NewDir(outputDir)
	if err != nil {
		return pipeline.Stats{}, err
	}
	loop, err := pipeline.NewLoop(pipeline.Options{
		Source:    source,
		Sink:      sink,
		Backend:   backend,
		Controls:  controls,
		Loop:      cfg.LoopConfig(),
		Tracker:   cfg.TrackerConfig(),
		Processor: cfg.ProcessorConfig(),
		Logger:    logger,
	})
	if err != nil {
		return pipeline.Stats{}, err
	}

	logger.Info().Int("frames", source.Len()).Str("mode", string(mode)).Msg("replay starting")
	for ctx.Err() == nil {
		err := loop.Step(ctx)
		if errors.Is(err, capture.ErrClosed) {
			break
		}
		if err != nil {
			logger.Warn().Err(err).Msg("frame skipped")
		}
	}
	closeErr := loop.Close()
	stats := loop.Stats()
	if err := ctx.Err(); err != nil {
		return stats, err
	}
	return stats, closeErr
}
