// Package flow implements sparse optical-flow tracking over a live stream.
//
// A Tracker seeds good-features-to-track on a grayscale frame, then follows
// those points frame to frame with pyramidal Lucas-Kanade until the track is
// ReseedThreshold frames old, at which point it detects a fresh set.
package flow

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"example/camflow/framepool"
	"example/camflow/vision"
)

// DefaultReseedThreshold is the track age at which features are re-detected.
const DefaultReseedThreshold = 12

// Config holds the tracking policy.
type Config struct {
	ReseedThreshold int
	Features        vision.CornerParams
	Flow            vision.FlowParams
	Style           Style
}

// DefaultConfig returns the stock tracking policy.
func DefaultConfig() Config {
	return Config{
		ReseedThreshold: DefaultReseedThreshold,
		Features:        vision.CornerParams{MaxCorners: 800, Quality: 0.01, MinDistance: 8},
		Flow:            vision.FlowParams{WindowSize: 21, MaxLevel: 3, MaxIterations: 20, Epsilon: 0.03},
		Style:           DefaultStyle(),
	}
}

// Validate reports configuration that cannot drive a tracker.
func (c Config) Validate() error {
	var errs []error
	if c.ReseedThreshold < 1 {
		errs = append(errs, fmt.Errorf("reseed threshold %d must be >= 1", c.ReseedThreshold))
	}
	if c.Features.MaxCorners < 1 {
		errs = append(errs, fmt.Errorf("max features %d must be >= 1", c.Features.MaxCorners))
	}
	if c.Features.Quality <= 0 || c.Features.Quality > 1 {
		errs = append(errs, fmt.Errorf("feature quality %v must be in (0, 1]", c.Features.Quality))
	}
	if c.Features.MinDistance < 0 {
		errs = append(errs, fmt.Errorf("feature min distance %v must be >= 0", c.Features.MinDistance))
	}
	if c.Flow.WindowSize < 3 || c.Flow.WindowSize%2 == 0 {
		errs = append(errs, fmt.Errorf("flow window %d must be odd and >= 3", c.Flow.WindowSize))
	}
	if c.Flow.MaxLevel < 0 {
		errs = append(errs, fmt.Errorf("flow pyramid levels %d must be >= 0", c.Flow.MaxLevel))
	}
	if c.Flow.MaxIterations < 1 && c.Flow.Epsilon <= 0 {
		errs = append(errs, errors.New("flow needs an iteration limit or an epsilon"))
	}
	return errors.Join(errs...)
}

// Transition is what a Process call did to the track.
type Transition int

const (
	// Reseeded means fresh features were detected and the age reset to 0.
	Reseeded Transition = iota
	// Propagated means existing features were tracked into the new frame.
	Propagated
)

func (t Transition) String() string {
	if t == Propagated {
		return "propagate"
	}
	return "reseed"
}

// Result reports one Process call.
type Result struct {
	Transition Transition
	Age        int
	// Points is the number of points held for the next frame.
	Points int
	// Drawn is the number of tracks painted on the output.
	Drawn  int
	Motion MotionSummary
}

// State is a read-only view of the track.
type State struct {
	Seeded  bool   `json:"seeded"`
	Age     int    `json:"age"`
	Points  int    `json:"points"`
	Reseeds uint64 `json:"reseeds"`
}

// Tracker owns the previous grayscale frame, the previous points and the
// track age. The previous frame lives in a framepool slot so it survives the
// scope of the frame that produced it. A Tracker is driven from one goroutine.
type Tracker struct {
	backend vision.Backend
	pool    *framepool.Pool
	cfg     Config
	logger  zerolog.Logger
	slot    string

	// points and the pool slot are set and cleared together.
	points  []vision.Point
	age     int
	reseeds uint64
}

// NewTracker returns an unseeded tracker. name keys its retained frame in
// pool, so two trackers sharing a pool need different names.
func NewTracker(backend vision.Backend, pool *framepool.Pool, name string, cfg Config, logger zerolog.Logger) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("flow: invalid tracker config: %w", err)
	}
	return &Tracker{
		backend: backend,
		pool:    pool,
		cfg:     cfg,
		logger:  logger.With().Str("component", "tracker").Str("slot", name).Logger(),
		slot:    "flow/" + name + "/previous",
	}, nil
}

// Process runs one step of the state machine on frame (RGBA) and writes the
// frame plus track overlay into out (RGBA, same size). Scratch buffers come
// from scope; only the grayscale frame adopted as the new reference outlives
// it. On error the track is left exactly as it was before the call.
func (t *Tracker) Process(scope *framepool.Scope, frame, out vision.Buffer) (Result, error) {
	gray, err := scope.Acquire(frame.Width(), frame.Height(), vision.FormatGray)
	if err != nil {
		return Result{}, err
	}
	// gray is scratch unless it became the new reference.
	defer func() {
		if scope.Owns(gray) {
			_ = scope.Release(gray)
		}
	}()
	if err := t.backend.ConvertColor(frame, gray, vision.RGBAToGray); err != nil {
		return Result{}, fmt.Errorf("flow: grayscale: %w", err)
	}

	prev, seeded := t.previous()
	if !seeded || t.age >= t.cfg.ReseedThreshold || sizeChanged(prev, gray) {
		return t.reseed(scope, frame, gray, out)
	}
	return t.propagate(scope, frame, prev, gray, out)
}

func sizeChanged(a, b vision.Buffer) bool {
	return a.Width() != b.Width() || a.Height() != b.Height()
}

func (t *Tracker) previous() (vision.Buffer, bool) {
	if len(t.points) == 0 {
		return nil, false
	}
	prev, ok := t.pool.Retained(t.slot)
	return prev, ok
}

func (t *Tracker) reseed(scope *framepool.Scope, frame, gray, out vision.Buffer) (Result, error) {
	pts, err := t.backend.DetectCorners(gray, t.cfg.Features)
	if err != nil {
		return Result{}, fmt.Errorf("flow: detect features: %w", err)
	}
	if err := t.backend.Copy(frame, out); err != nil {
		return Result{}, fmt.Errorf("flow: copy frame: %w", err)
	}

	if len(pts) == 0 {
		// Nothing to follow: stay unseeded so the next frame tries again.
		if err := t.clear(); err != nil {
			return Result{}, err
		}
		t.logger.Debug().Msg("no features found, staying unseeded")
		return Result{Transition: Reseeded}, nil
	}
	if err := scope.Retain(t.slot, gray); err != nil {
		return Result{}, fmt.Errorf("flow: retain reference frame: %w", err)
	}
	t.points = pts
	t.age = 0
	t.reseeds++
	t.logger.Debug().Int("features", len(pts)).Uint64("reseeds", t.reseeds).Msg("reseeded")
	return Result{Transition: Reseeded, Points: len(pts)}, nil
}

func (t *Tracker) propagate(scope *framepool.Scope, frame, prev, gray, out vision.Buffer) (Result, error) {
	next, status, err := t.backend.OpticalFlow(prev, gray, t.points, t.cfg.Flow)
	if err != nil {
		return Result{}, fmt.Errorf("flow: optical flow: %w", err)
	}
	if len(next) != len(t.points) || len(status) != len(t.points) {
		return Result{}, fmt.Errorf("flow: %w: optical flow returned %d points and %d statuses for %d inputs",
			vision.ErrBackend, len(next), len(status), len(t.points))
	}
	if err := t.backend.Copy(frame, out); err != nil {
		return Result{}, fmt.Errorf("flow: copy frame: %w", err)
	}
	drawn, err := DrawTracks(t.backend, out, t.points, next, status, t.cfg.Style)
	if err != nil {
		return Result{}, fmt.Errorf("flow: overlay: %w", err)
	}
	motion := Summarize(t.points, next, status)

	// The full point list is kept, lost points included; only a reseed
	// replaces it.
	if err := scope.Retain(t.slot, gray); err != nil {
		return Result{}, fmt.Errorf("flow: retain reference frame: %w", err)
	}
	t.points = next
	t.age++
	return Result{
		Transition: Propagated,
		Age:        t.age,
		Points:     len(next),
		Drawn:      drawn,
		Motion:     motion,
	}, nil
}

// Skip ages a seeded track by one frame without touching its buffers. The
// frame loop calls it while another mode is active so that a track left alone
// for ReseedThreshold frames is re-detected when tracking resumes. The age
// saturates at the threshold.
func (t *Tracker) Skip() {
	if len(t.points) == 0 || t.age >= t.cfg.ReseedThreshold {
		return
	}
	t.age++
}

// Reset drops the track; the next Process call reseeds.
func (t *Tracker) Reset() error {
	return t.clear()
}

// Close releases the retained reference frame.
func (t *Tracker) Close() error {
	return t.clear()
}

func (t *Tracker) clear() error {
	t.points = nil
	t.age = 0
	if err := t.pool.Forget(t.slot); err != nil {
		return fmt.Errorf("flow: release reference frame: %w", err)
	}
	return nil
}

// State returns a snapshot of the track.
func (t *Tracker) State() State {
	_, seeded := t.previous()
	return State{
		Seeded:  seeded,
		Age:     t.age,
		Points:  len(t.points),
		Reseeds: t.reseeds,
	}
}

// Points returns a copy of the points held for the next frame.
func (t *Tracker) Points() []vision.Point {
	return append([]vision.Point(nil), t.points...)
}
