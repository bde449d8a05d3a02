package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"example/camflow/api"
	"example/camflow/calibration"
	"example/camflow/capture"
	"example/camflow/capture/cvcam"
	"example/camflow/capture/gstcam"
	"example/camflow/config"
	"example/camflow/cvbackend"
	"example/camflow/output"
	"example/camflow/pipeline"
)

func newRunCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Process the camera live and serve the result over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runLive(ctx, cfg, logger)
		},
	}
}

// opener returns how the configured camera driver is opened.
func opener(cfg *config.Config, logger zerolog.Logger) capture.Opener {
	switch cfg.Camera.Driver {
	case config.DriverGStreamer:
		gc := gstcam.DefaultConfig()
		if cfg.Camera.Device != "" {
			gc.Device = cfg.Camera.Device
			if cfg.Camera.Device[0] != '/' {
				gc.Device = "/dev/video" + cfg.Camera.Device
			}
		}
		gc.Width, gc.Height = cfg.Camera.Width, cfg.Camera.Height
		return func(ctx context.Context) (capture.Source, error) {
			return gstcam.Open(ctx, gc, logger)
		}
	case config.DriverFiles:
		return func(ctx context.Context) (capture.Source, error) {
			paths, err := capture.Glob(cfg.Camera.Files)
			if err != nil {
				return nil, err
			}
			return capture.NewFiles(paths, cfg.Camera.Loop)
		}
	default:
		cc := cvcam.DefaultConfig()
		cc.Device = cfg.Camera.Device
		cc.Width, cc.Height = cfg.Camera.Width, cfg.Camera.Height
		return func(ctx context.Context) (capture.Source, error) {
			return cvcam.Open(ctx, cc, logger)
		}
	}
}

// setupCalibration opens the store, applies the configured text (or the
// stored fallback) and returns a watcher when a calibration file is set.
func setupCalibration(ctx context.Context, cfg *config.Config, controls *pipeline.Controls, logger zerolog.Logger) (*calibration.Manager, *calibration.Watcher, func() error, error) {
	var store *calibration.Store
	closeStore := func() error { return nil }
	if cfg.Calibration.Database != "" {
		s, err := calibration.OpenStore(cfg.Calibration.Database)
		if err != nil {
			return nil, nil, nil, err
		}
		store = s
		closeStore = s.Close
	}
	manager := calibration.NewManager(store, controls, logger)
	if _, err := manager.Apply(ctx, cfg.Calibration.Text); err != nil {
		logger.Warn().Err(err).Msg("persist calibration")
	}
	if cfg.Calibration.File == "" {
		return manager, nil, closeStore, nil
	}
	w, err := calibration.NewWatcher(cfg.Calibration.File, manager, logger)
	if err != nil {
		return nil, nil, nil, errors.Join(err, closeStore())
	}
	return manager, w, closeStore, nil
}

func runLive(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	mode, err := cfg.Mode()
	if err != nil {
		return err
	}
	controls := pipeline.NewControls(mode)

	manager, watcher, closeStore, err := setupCalibration(ctx, cfg, controls, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	source := capture.NewSwitch(logger)
	source.Acquire(ctx, opener(cfg, logger))

	frames := output.NewLatest()
	loop, err := pipeline.NewLoop(pipeline.Options{
		Source:    source,
		Sink:      frames,
		Backend:   cvbackend.New(),
		Controls:  controls,
		Loop:      cfg.LoopConfig(),
		Tracker:   cfg.TrackerConfig(),
		Processor: cfg.ProcessorConfig(),
		Logger:    logger,
	})
	if err != nil {
		source.Close()
		return err
	}
	defer func() {
		if err := loop.Close(); err != nil {
			logger.Warn().Err(err).Msg("close loop")
		}
	}()

	server := api.NewServer(api.Config{
		Address:     cfg.Server.Addr,
		Controls:    controls,
		Frames:      frames,
		Stats:       loop,
		Calibration: manager,
		Logger:      logger,
	})

	logger.Info().
		Str("driver", cfg.Camera.Driver).
		Str("mode", string(mode)).
		Str("addr", cfg.Server.Addr).
		Msg("camflow starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(gctx) })
	g.Go(func() error { return server.Start(gctx) })
	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("camflow: %w", err)
	}
	return nil
}
