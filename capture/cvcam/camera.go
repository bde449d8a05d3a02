// Package cvcam reads a local camera through OpenCV's VideoCapture.
package cvcam

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"example/camflow/capture"
	"example/camflow/vision"
)

// Config selects the device and the requested resolution. The driver may
// deliver a different size; frames carry their real dimensions.
type Config struct {
	Device string
	Width  int
	Height int
	// MaxReadFailures consecutive failed reads end the stream.
	MaxReadFailures int
}

// DefaultConfig asks device 0 for 1280x720.
func DefaultConfig() Config {
	return Config{Device: "0", Width: 1280, Height: 720, MaxReadFailures: 30}
}

// Camera grabs frames on its own goroutine and exposes the newest one.
type Camera struct {
	slot capture.Slot

	dev    *gocv.VideoCapture
	cfg    Config
	logger zerolog.Logger

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Open starts the device. It blocks until the device is open, not until the
// first frame arrives.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (*Camera, error) {
	dev, err := gocv.OpenVideoCapture(cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("cvcam: open %q: %w", cfg.Device, err)
	}
	if !dev.IsOpened() {
		dev.Close()
		return nil, fmt.Errorf("cvcam: device %q did not open", cfg.Device)
	}
	if cfg.Width > 0 && cfg.Height > 0 {
		dev.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
		dev.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &Camera{
		dev:    dev,
		cfg:    cfg,
		logger: logger.With().Str("component", "cvcam").Str("device", cfg.Device).Logger(),
		cancel: cancel,
	}
	c.wg.Add(1)
	go c.grab(ctx)
	c.logger.Info().
		Float64("width", dev.Get(gocv.VideoCaptureFrameWidth)).
		Float64("height", dev.Get(gocv.VideoCaptureFrameHeight)).
		Msg("camera opened")
	return c, nil
}

func (c *Camera) grab(ctx context.Context) {
	defer c.wg.Done()
	defer c.slot.Close()

	raw := gocv.NewMat()
	defer raw.Close()
	rgba := gocv.NewMat()
	defer rgba.Close()

	failures := 0
	for ctx.Err() == nil {
		if ok := c.dev.Read(&raw); !ok || raw.Empty() {
			failures++
			if c.cfg.MaxReadFailures > 0 && failures >= c.cfg.MaxReadFailures {
				c.logger.Error().Int("failures", failures).Msg("camera stopped delivering frames")
				return
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}
		failures = 0

		gocv.CvtColor(raw, &rgba, gocv.ColorBGRToRGBA)
		c.slot.Store(vision.Image{
			Timestamp: time.Now(),
			Width:     rgba.Cols(),
			Height:    rgba.Rows(),
			Pix:       rgba.ToBytes(),
		})
	}
}

// Next returns the newest frame.
func (c *Camera) Next(ctx context.Context) (vision.Image, error) {
	return c.slot.Next(ctx)
}

// Close stops grabbing and releases the device.
func (c *Camera) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
		if err := c.dev.Close(); err != nil {
			c.closeErr = fmt.Errorf("cvcam: close device: %w", err)
		}
		c.logger.Info().Msg("camera closed")
	})
	return c.closeErr
}
