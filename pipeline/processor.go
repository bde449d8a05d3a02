package pipeline

import (
	"errors"
	"fmt"
	"image/color"

	"github.com/rs/zerolog"

	"example/camflow/flow"
	"example/camflow/framepool"
	"example/camflow/vision"
)

// CannyConfig is the blur and edge-detection policy of canny mode.
type CannyConfig struct {
	Kernel int
	Sigma  float64
	Edges  vision.EdgeParams
}

// CornersConfig is the detection and drawing policy of corners mode.
type CornersConfig struct {
	Features vision.CornerParams
	Radius   int
	Color    color.RGBA
}

// ProcessorConfig groups the per-mode policies.
type ProcessorConfig struct {
	Canny   CannyConfig
	Corners CornersConfig
}

// DefaultProcessorConfig returns the stock policies.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		Canny: CannyConfig{
			Kernel: 5,
			Sigma:  1.2,
			Edges:  vision.EdgeParams{Low: 80, High: 150, Aperture: 3},
		},
		Corners: CornersConfig{
			Features: vision.CornerParams{MaxCorners: 500, Quality: 0.01, MinDistance: 8},
			Radius:   3,
			Color:    color.RGBA{G: 255, A: 255},
		},
	}
}

// Validate reports policies the backend would reject.
func (c ProcessorConfig) Validate() error {
	var errs []error
	if c.Canny.Kernel < 1 || c.Canny.Kernel%2 == 0 {
		errs = append(errs, fmt.Errorf("canny kernel %d must be odd and positive", c.Canny.Kernel))
	}
	if c.Canny.Sigma < 0 {
		errs = append(errs, fmt.Errorf("canny sigma %v must be >= 0", c.Canny.Sigma))
	}
	if c.Canny.Edges.Low > c.Canny.Edges.High {
		errs = append(errs, fmt.Errorf("canny thresholds %v/%v are inverted", c.Canny.Edges.Low, c.Canny.Edges.High))
	}
	switch c.Canny.Edges.Aperture {
	case 3, 5, 7:
	default:
		errs = append(errs, fmt.Errorf("canny aperture %d must be 3, 5 or 7", c.Canny.Edges.Aperture))
	}
	if c.Corners.Features.MaxCorners < 1 {
		errs = append(errs, fmt.Errorf("max corners %d must be >= 1", c.Corners.Features.MaxCorners))
	}
	if c.Corners.Features.Quality <= 0 || c.Corners.Features.Quality > 1 {
		errs = append(errs, fmt.Errorf("corner quality %v must be in (0, 1]", c.Corners.Features.Quality))
	}
	if c.Corners.Radius < 1 {
		errs = append(errs, fmt.Errorf("corner radius %d must be >= 1", c.Corners.Radius))
	}
	return errors.Join(errs...)
}

// Output is the result of one Process call.
type Output struct {
	// Buffer is the RGBA output, owned by the scope passed to Process.
	Buffer vision.Buffer
	// Mode is the mode that actually ran; unknown modes run as raw.
	Mode Mode
	// Fallback is set when the transform failed and Buffer is a plain copy
	// of the input.
	Fallback bool
	// Err is the transform failure behind a fallback.
	Err error
	// Corners is the number of points drawn in corners mode.
	Corners int
	// Track is set in opticalflow mode when the tracker ran.
	Track *flow.Result
}

// Processor dispatches a frame to the transform of the selected mode.
type Processor struct {
	backend vision.Backend
	tracker *flow.Tracker
	cfg     ProcessorConfig
	logger  zerolog.Logger
}

// NewProcessor returns a Processor. tracker serves opticalflow mode.
func NewProcessor(backend vision.Backend, tracker *flow.Tracker, cfg ProcessorConfig, logger zerolog.Logger) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: invalid processor config: %w", err)
	}
	return &Processor{
		backend: backend,
		tracker: tracker,
		cfg:     cfg,
		logger:  logger.With().Str("component", "processor").Logger(),
	}, nil
}

// Process writes the mode's transform of frame into a new RGBA buffer owned
// by scope. Backend failures degrade to a copy of frame; allocation failures
// are returned. Scratch buffers are released before Process returns.
func (p *Processor) Process(scope *framepool.Scope, frame vision.Buffer, mode Mode) (Output, error) {
	if !mode.Valid() {
		mode = ModeRaw
	}
	out, err := scope.Like(frame)
	if err != nil {
		return Output{}, fmt.Errorf("process: %w", err)
	}
	res := Output{Buffer: out, Mode: mode}

	switch mode {
	case ModeGrayscale:
		err = p.grayscale(scope, frame, out)
	case ModeCanny:
		err = p.canny(scope, frame, out)
	case ModeCorners:
		res.Corners, err = p.corners(scope, frame, out)
	case ModeOpticalFlow:
		var tr flow.Result
		if tr, err = p.tracker.Process(scope, frame, out); err == nil {
			res.Track = &tr
		}
	default:
		err = p.backend.Copy(frame, out)
	}
	if err != nil {
		if errors.Is(err, framepool.ErrAllocation) {
			return Output{}, fmt.Errorf("process %s: %w", mode, err)
		}
		p.logger.Debug().Err(err).Str("mode", string(mode)).Msg("transform failed, passing frame through")
		if cerr := p.backend.Copy(frame, out); cerr != nil {
			return Output{}, fmt.Errorf("process %s: fallback copy: %w", mode, errors.Join(err, cerr))
		}
		res = Output{Buffer: out, Mode: mode, Fallback: true, Err: err}
	}
	// Only frames that reach the output age an idle track.
	if mode != ModeOpticalFlow {
		p.tracker.Skip()
	}
	return res, nil
}

// scratch acquires a buffer that the caller releases with the returned func.
func scratch(scope *framepool.Scope, like vision.Buffer, format vision.Format) (vision.Buffer, func(), error) {
	buf, err := scope.Acquire(like.Width(), like.Height(), format)
	if err != nil {
		return nil, nil, err
	}
	return buf, func() { _ = scope.Release(buf) }, nil
}

func (p *Processor) grayscale(scope *framepool.Scope, frame, out vision.Buffer) error {
	gray, done, err := scratch(scope, frame, vision.FormatGray)
	if err != nil {
		return err
	}
	defer done()
	if err := p.backend.ConvertColor(frame, gray, vision.RGBAToGray); err != nil {
		return err
	}
	return p.backend.ConvertColor(gray, out, vision.GrayToRGBA)
}

func (p *Processor) canny(scope *framepool.Scope, frame, out vision.Buffer) error {
	gray, done, err := scratch(scope, frame, vision.FormatGray)
	if err != nil {
		return err
	}
	defer done()
	smooth, doneSmooth, err := scratch(scope, frame, vision.FormatGray)
	if err != nil {
		return err
	}
	defer doneSmooth()

	c := p.cfg.Canny
	if err := p.backend.ConvertColor(frame, gray, vision.RGBAToGray); err != nil {
		return err
	}
	if err := p.backend.Blur(gray, smooth, c.Kernel, c.Sigma); err != nil {
		return err
	}
	if err := p.backend.EdgeDetect(smooth, gray, c.Edges); err != nil {
		return err
	}
	return p.backend.ConvertColor(gray, out, vision.GrayToRGBA)
}

func (p *Processor) corners(scope *framepool.Scope, frame, out vision.Buffer) (int, error) {
	gray, done, err := scratch(scope, frame, vision.FormatGray)
	if err != nil {
		return 0, err
	}
	defer done()

	c := p.cfg.Corners
	if err := p.backend.ConvertColor(frame, gray, vision.RGBAToGray); err != nil {
		return 0, err
	}
	pts, err := p.backend.DetectCorners(gray, c.Features)
	if err != nil {
		return 0, err
	}
	if err := p.backend.Copy(frame, out); err != nil {
		return 0, err
	}
	if err := flow.DrawPoints(p.backend, out, pts, c.Radius, c.Color); err != nil {
		return 0, err
	}
	return len(pts), nil
}
