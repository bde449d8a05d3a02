// Package gstcam reads a V4L2 camera through a GStreamer pipeline that
// converts to RGBA and hands frames to an appsink.
package gstcam

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"example/camflow/capture"
	"example/camflow/vision"
)

// Config selects the device and the negotiated frame size.
type Config struct {
	Device string
	Width  int
	Height int
}

// DefaultConfig asks /dev/video0 for 1280x720.
func DefaultConfig() Config {
	return Config{Device: "/dev/video0", Width: 1280, Height: 720}
}

// Caps returns the raw video caps the appsink accepts.
func (c Config) Caps() string {
	return fmt.Sprintf("video/x-raw,format=RGBA,width=%d,height=%d", c.Width, c.Height)
}

// Camera is a running pipeline: v4l2src, videoconvert, videoscale, an RGBA
// capsfilter and an appsink keeping only the newest buffer.
type Camera struct {
	slot capture.Slot

	cfg      Config
	logger   zerolog.Logger
	pipeline *gst.Pipeline
	sink     *app.Sink

	samples atomic.Uint64
	empty   atomic.Uint64

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Open builds the pipeline and sets it playing. Frames arrive asynchronously;
// until the first one Next reports capture.ErrNotReady.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (*Camera, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("gstcam: invalid size %dx%d", cfg.Width, cfg.Height)
	}
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("camflow")
	if err != nil {
		return nil, fmt.Errorf("gstcam: create pipeline: %w", err)
	}
	elements := make([]*gst.Element, 0, 4)
	for _, name := range []string{"v4l2src", "videoconvert", "videoscale", "capsfilter"} {
		elem, err := gst.NewElement(name)
		if err != nil {
			return nil, abort(pipeline, fmt.Errorf("gstcam: create %s: %w", name, err))
		}
		elements = append(elements, elem)
	}
	src, capsfilter := elements[0], elements[3]
	if err := setProperties("v4l2src", src, property{"device", cfg.Device}); err != nil {
		return nil, abort(pipeline, err)
	}
	if err := setProperties("capsfilter", capsfilter, property{"caps", gst.NewCapsFromString(cfg.Caps())}); err != nil {
		return nil, abort(pipeline, err)
	}

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, abort(pipeline, fmt.Errorf("gstcam: create appsink: %w", err))
	}
	err = setProperties("appsink", sink,
		property{"sync", false},
		property{"max-buffers", uint(1)},
		property{"drop", true},
	)
	if err != nil {
		return nil, abort(pipeline, err)
	}

	all := append(elements, sink.Element)
	if err := pipeline.AddMany(all...); err != nil {
		return nil, abort(pipeline, fmt.Errorf("gstcam: add elements: %w", err))
	}
	if err := gst.ElementLinkMany(all...); err != nil {
		return nil, abort(pipeline, fmt.Errorf("gstcam: link pipeline: %w", err))
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &Camera{
		cfg:      cfg,
		logger:   logger.With().Str("component", "gstcam").Str("device", cfg.Device).Logger(),
		pipeline: pipeline,
		sink:     sink,
		cancel:   cancel,
	}
	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: c.onSample,
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		cancel()
		return nil, abort(pipeline, fmt.Errorf("gstcam: start pipeline: %w", err))
	}
	c.wg.Add(1)
	go c.watchBus(ctx)
	c.logger.Info().Str("caps", cfg.Caps()).Msg("pipeline started")
	return c, nil
}

type property struct {
	name  string
	value any
}

type propertySetter interface {
	SetProperty(name string, value interface{}) error
}

// setProperties applies props in order and stops at the first failure.
func setProperties(element string, e propertySetter, props ...property) error {
	for _, p := range props {
		if err := e.SetProperty(p.name, p.value); err != nil {
			return fmt.Errorf("gstcam: set %s %s: %w", element, p.name, err)
		}
	}
	return nil
}

type stateSetter interface {
	SetState(state gst.State) error
}

// abort drops a half-built pipeline back to NULL so its elements are freed.
func abort(p stateSetter, err error) error {
	if serr := p.SetState(gst.StateNull); serr != nil {
		return errors.Join(err, fmt.Errorf("gstcam: release pipeline: %w", serr))
	}
	return err
}

// onSample copies the mapped buffer into the slot. GStreamer reuses the
// buffer after the callback returns.
func (c *Camera) onSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		c.empty.Add(1)
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		c.empty.Add(1)
		return gst.FlowOK
	}
	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) != c.cfg.Width*c.cfg.Height*4 {
		buffer.Unmap()
		c.empty.Add(1)
		c.logger.Debug().Int("bytes", len(data)).Msg("unexpected buffer size, skipping")
		return gst.FlowOK
	}
	pix := make([]byte, len(data))
	copy(pix, data)
	buffer.Unmap()

	c.samples.Add(1)
	c.slot.Store(vision.Image{
		Timestamp: time.Now(),
		Width:     c.cfg.Width,
		Height:    c.cfg.Height,
		Pix:       pix,
	})
	return gst.FlowOK
}

// watchBus ends the stream on EOS or a pipeline error.
func (c *Camera) watchBus(ctx context.Context) {
	defer c.wg.Done()
	bus := c.pipeline.GetPipelineBus()
	for ctx.Err() == nil {
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			c.logger.Info().Uint64("samples", c.samples.Load()).Msg("end of stream")
			c.slot.Close()
			return
		case gst.MessageError:
			gerr := msg.ParseError()
			c.logger.Error().
				Str("error", gerr.Error()).
				Str("debug", gerr.DebugString()).
				Uint64("samples", c.samples.Load()).
				Msg("pipeline error")
			c.slot.Close()
			return
		}
	}
}

// Next returns the newest frame.
func (c *Camera) Next(ctx context.Context) (vision.Image, error) {
	return c.slot.Next(ctx)
}

// Close stops the pipeline and ends the stream.
func (c *Camera) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
		if err := c.pipeline.SetState(gst.StateNull); err != nil {
			c.closeErr = fmt.Errorf("gstcam: stop pipeline: %w", err)
		}
		c.slot.Close()
		c.logger.Info().
			Uint64("samples", c.samples.Load()).
			Uint64("skipped", c.empty.Load()).
			Msg("pipeline stopped")
	})
	return c.closeErr
}
