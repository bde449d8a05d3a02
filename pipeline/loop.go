// Package pipeline runs frames through undistortion and the selected mode
// transform, one frame at a time, and delivers the result to a sink.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"example/camflow/capture"
	"example/camflow/flow"
	"example/camflow/framepool"
	"example/camflow/metrics"
	"example/camflow/vision"
)

// ErrLoopClosed is returned by Step after Close.
var ErrLoopClosed = errors.New("pipeline: loop closed")

// Sink receives one output frame per processed iteration. Deliver must not
// keep a reference to img.Pix past the call unless it owns it; the loop
// hands over a fresh slice every time.
type Sink interface {
	Deliver(img vision.Image) error
}

// Clock is the loop's time source.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// StageError tags a per-frame failure with the stage that produced it.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return e.Stage + ": " + e.Err.Error() }
func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage string, err error) error {
	return &StageError{Stage: stage, Err: err}
}

// LoopConfig is the cadence of the loop.
type LoopConfig struct {
	// Interval is the tick period of Run, one display refresh.
	Interval time.Duration
	// FPSWindow is the averaging window of the FPS estimate.
	FPSWindow time.Duration
	// StallWarning is how long the source may stay not ready before a
	// warning is logged.
	StallWarning time.Duration
}

// DefaultLoopConfig ticks at 60Hz.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		Interval:     16 * time.Millisecond,
		FPSWindow:    MinFPSWindow,
		StallWarning: 2 * time.Second,
	}
}

// Options wires a Loop.
type Options struct {
	Source    capture.Source
	Sink      Sink
	Backend   vision.Backend
	Controls  *Controls
	Loop      LoopConfig
	Tracker   flow.Config
	Processor ProcessorConfig
	// Clock defaults to the system clock.
	Clock  Clock
	Logger zerolog.Logger
}

// Stats is a snapshot of loop activity.
type Stats struct {
	Frames           uint64             `json:"frames"`
	NotReady         uint64             `json:"not_ready"`
	Failures         uint64             `json:"failures"`
	Fallbacks        uint64             `json:"fallbacks"`
	UndistortSkipped uint64             `json:"undistort_skipped"`
	FPS              float64            `json:"fps"`
	Mode             Mode               `json:"mode"`
	Waiting          bool               `json:"waiting"`
	LastSeq          uint64             `json:"last_seq"`
	LastFrame        time.Time          `json:"last_frame"`
	LastError        string             `json:"last_error,omitempty"`
	Tracker          flow.State         `json:"tracker"`
	Motion           flow.MotionSummary `json:"motion"`
	Buffers          framepool.Stats    `json:"buffers"`
}

// Loop pulls frames from a source and pushes processed frames to a sink.
// Step and Close are serialised, so Close never overlaps a frame.
type Loop struct {
	cfg       LoopConfig
	source    capture.Source
	sink      Sink
	backend   vision.Backend
	controls  *Controls
	pool      *framepool.Pool
	tracker   *flow.Tracker
	undistort *Undistorter
	processor *Processor
	clock     Clock
	logger    zerolog.Logger

	stepMu       sync.Mutex
	closed       bool
	fps          *FPSMeter
	waitingSince time.Time
	warned       bool

	statsMu sync.Mutex
	stats   Stats
}

// NewLoop builds the pool, tracker and stages over opts.Backend.
func NewLoop(opts Options) (*Loop, error) {
	if opts.Source == nil || opts.Sink == nil || opts.Backend == nil || opts.Controls == nil {
		return nil, errors.New("pipeline: source, sink, backend and controls are required")
	}
	if opts.Loop.Interval <= 0 {
		return nil, fmt.Errorf("pipeline: tick interval %v must be positive", opts.Loop.Interval)
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	logger := opts.Logger.With().Str("component", "loop").Logger()

	pool := framepool.New(opts.Backend, opts.Logger)
	tracker, err := flow.NewTracker(opts.Backend, pool, "main", opts.Tracker, opts.Logger)
	if err != nil {
		return nil, err
	}
	processor, err := NewProcessor(opts.Backend, tracker, opts.Processor, opts.Logger)
	if err != nil {
		return nil, err
	}
	return &Loop{
		cfg:       opts.Loop,
		source:    opts.Source,
		sink:      opts.Sink,
		backend:   opts.Backend,
		controls:  opts.Controls,
		pool:      pool,
		tracker:   tracker,
		undistort: NewUndistorter(opts.Backend, opts.Logger),
		processor: processor,
		clock:     opts.Clock,
		logger:    logger,
		fps:       NewFPSMeter(opts.Loop.FPSWindow),
		stats:     Stats{Mode: opts.Controls.Mode()},
	}, nil
}

// Run calls Step once per tick until ctx is done, the source ends or the loop
// is closed. Per-frame failures are logged by Step and do not stop Run.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	l.logger.Info().Dur("interval", l.cfg.Interval).Msg("frame loop started")

	for {
		select {
		case <-ctx.Done():
			l.logger.Info().Msg("frame loop stopped")
			return nil
		case <-ticker.C:
		}
		err := l.Step(ctx)
		switch {
		case err == nil:
		case errors.Is(err, capture.ErrClosed):
			l.logger.Info().Msg("source ended, frame loop stopped")
			return nil
		case errors.Is(err, ErrLoopClosed), ctx.Err() != nil:
			return nil
		}
	}
}

// Step processes at most one frame. A not-ready source is a no-op and
// returns nil. Any other failure abandons the frame, releases its buffers
// and is returned; the previous output stays with the sink.
func (l *Loop) Step(ctx context.Context) error {
	l.stepMu.Lock()
	defer l.stepMu.Unlock()
	if l.closed {
		return ErrLoopClosed
	}

	now := l.clock.Now()
	if fps, ok := l.fps.Tick(now); ok {
		metrics.FPS.Set(fps)
		l.update(func(s *Stats) { s.FPS = fps })
	}

	img, err := l.source.Next(ctx)
	switch {
	case errors.Is(err, capture.ErrNotReady):
		l.notReady(now)
		return nil
	case err != nil:
		if !errors.Is(err, capture.ErrClosed) && ctx.Err() == nil {
			l.fail("source", "", err)
		}
		return stageErr("source", err)
	}
	l.waitingSince, l.warned = time.Time{}, false

	set := l.controls.Snapshot()
	res, err := l.frame(img, set)
	if err != nil {
		var se *StageError
		stage := "frame"
		if errors.As(err, &se) {
			stage = se.Stage
		}
		l.fail(stage, img.TraceID, err)
		return err
	}

	metrics.FrameDuration.Observe(l.clock.Now().Sub(now).Seconds())
	metrics.FramesProcessed.WithLabelValues(string(res.out.Mode)).Inc()
	if res.out.Fallback {
		metrics.Fallbacks.WithLabelValues(string(res.out.Mode)).Inc()
	}
	if res.undistortSkipped {
		metrics.UndistortSkipped.Inc()
	}
	if tr := res.out.Track; tr != nil {
		if tr.Transition == flow.Reseeded && tr.Points > 0 {
			metrics.TrackerReseeds.Inc()
		}
		metrics.TrackedPoints.Set(float64(tr.Drawn))
	}
	buffers := l.pool.Stats()
	metrics.LiveBuffers.Set(float64(buffers.Live))

	tracker := l.tracker.State()
	l.update(func(s *Stats) {
		s.Frames++
		if res.out.Fallback {
			s.Fallbacks++
		}
		if res.undistortSkipped {
			s.UndistortSkipped++
		}
		s.Mode = res.out.Mode
		s.Waiting = false
		s.LastSeq = img.Seq
		s.LastFrame = img.Timestamp
		s.Tracker = tracker
		if res.out.Track != nil {
			s.Motion = res.out.Track.Motion
		}
		s.Buffers = buffers
	})
	return nil
}

type frameResult struct {
	out              Output
	undistortSkipped bool
}

// frame runs one image through the stages. Every buffer it acquires belongs
// to scope and is released on return, error paths included.
func (l *Loop) frame(img vision.Image, set Settings) (res frameResult, err error) {
	if err := img.Validate(); err != nil {
		return res, stageErr("source", err)
	}

	scope := l.pool.Scope()
	defer func() {
		if cerr := scope.Close(); cerr != nil {
			err = errors.Join(err, stageErr("release", cerr))
		}
	}()

	in, err := scope.Acquire(img.Width, img.Height, vision.FormatRGBA)
	if err != nil {
		return res, stageErr("upload", err)
	}
	if err := l.backend.Upload(in, img.Pix); err != nil {
		return res, stageErr("upload", err)
	}

	working, applied, err := l.undistort.Apply(scope, in, set.Intrinsics)
	if err != nil {
		return res, stageErr("undistort", err)
	}
	if applied {
		if err := scope.Release(in); err != nil {
			return res, stageErr("undistort", err)
		}
	}
	res.undistortSkipped = set.Intrinsics != nil && set.Intrinsics.Usable() && !applied

	out, err := l.processor.Process(scope, working, set.Mode)
	if err != nil {
		return res, stageErr("process", err)
	}
	res.out = out

	pix, err := l.backend.Download(out.Buffer)
	if err != nil {
		return res, stageErr("download", err)
	}
	if err := l.sink.Deliver(vision.Image{
		Seq:       img.Seq,
		Timestamp: img.Timestamp,
		Width:     img.Width,
		Height:    img.Height,
		Pix:       pix,
		TraceID:   img.TraceID,
	}); err != nil {
		return res, stageErr("sink", err)
	}
	return res, nil
}

func (l *Loop) notReady(now time.Time) {
	metrics.SourceNotReady.Inc()
	if l.waitingSince.IsZero() {
		l.waitingSince = now
	}
	if !l.warned && now.Sub(l.waitingSince) >= l.cfg.StallWarning {
		l.warned = true
		l.logger.Warn().Dur("waiting", now.Sub(l.waitingSince)).Msg("no frames from source")
	}
	l.update(func(s *Stats) {
		s.NotReady++
		s.Waiting = true
	})
}

func (l *Loop) fail(stage, traceID string, err error) {
	metrics.FrameFailures.WithLabelValues(stage).Inc()
	l.logger.Debug().Err(err).Str("stage", stage).Str("trace_id", traceID).Msg("frame abandoned")
	l.update(func(s *Stats) {
		s.Failures++
		s.LastError = err.Error()
	})
}

func (l *Loop) update(fn func(*Stats)) {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	fn(&l.stats)
}

// Stats returns a snapshot of loop activity.
func (l *Loop) Stats() Stats {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	return l.stats
}

// Close waits for an in-flight frame, then releases the tracker's retained
// buffers and the source. Later Steps return ErrLoopClosed.
func (l *Loop) Close() error {
	l.stepMu.Lock()
	defer l.stepMu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	var errs []error
	if err := l.tracker.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := l.pool.Close(); err != nil {
		errs = append(errs, err)
	}
	if c, ok := l.source.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close source: %w", err))
		}
	}
	metrics.LiveBuffers.Set(float64(l.pool.Stats().Live))
	l.update(func(s *Stats) { s.Buffers = l.pool.Stats() })
	l.logger.Info().Msg("frame loop closed")
	return errors.Join(errs...)
}
