package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"example/camflow/config"
	"example/camflow/pipeline"
)

type globalFlags struct {
	cfgFile string
	mode    string
	verbose bool
}

func newRootCmd() *cobra.Command {
	var flags globalFlags

	root := &cobra.Command{
		Use:   "camflow",
		Short: "Live camera processing with undistortion and optical flow",
		Long: `camflow pulls frames from a camera, optionally undistorts them with the
configured lens calibration and runs one of the transforms raw, grayscale,
canny, corners or opticalflow on every frame.

Configuration is read from, in order of precedence:
  1. CAMFLOW_* environment variables (e.g. CAMFLOW_PIPELINE_MODE)
  2. --config flag, or ./camflow.yaml, or $HOME/.config/camflow/camflow.yaml
  3. built-in defaults`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.cfgFile, "config", "", "config file (default is ./camflow.yaml)")
	root.PersistentFlags().StringVar(&flags.mode, "mode", "", "initial mode: raw, grayscale, canny, corners, opticalflow (overrides config)")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newRunCmd(&flags))
	root.AddCommand(newReplayCmd(&flags))
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig applies the global flags on top of the loaded configuration.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if flags.mode != "" {
		mode, err := pipeline.ParseMode(flags.mode)
		if err != nil {
			return nil, err
		}
		cfg.Pipeline.Mode = string(mode)
	}
	if flags.verbose {
		cfg.Log.Level = zerolog.LevelDebugValue
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(w io.Writer, cfg *config.Config) zerolog.Logger {
	out := zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	return zerolog.New(out).Level(cfg.LogLevel()).With().
		Timestamp().
		Str("app", "camflow").
		Logger()
}
