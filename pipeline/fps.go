package pipeline

import (
	"math"
	"time"
)

// MinFPSWindow is the shortest window FPS is averaged over.
const MinFPSWindow = 500 * time.Millisecond

// FPSMeter counts iterations and publishes a rate once per window.
type FPSMeter struct {
	window time.Duration
	start  time.Time
	count  int
	fps    float64
}

// NewFPSMeter returns a meter averaging over window, raised to MinFPSWindow
// if shorter.
func NewFPSMeter(window time.Duration) *FPSMeter {
	if window < MinFPSWindow {
		window = MinFPSWindow
	}
	return &FPSMeter{window: window}
}

// Tick records one iteration at now. It returns the current estimate and
// whether this tick closed a window.
func (m *FPSMeter) Tick(now time.Time) (float64, bool) {
	if m.start.IsZero() {
		m.start = now
		return m.fps, false
	}
	m.count++
	elapsed := now.Sub(m.start)
	if elapsed < m.window {
		return m.fps, false
	}
	m.fps = math.Round(float64(m.count) / elapsed.Seconds())
	m.start = now
	m.count = 0
	return m.fps, true
}

// FPS returns the estimate from the last closed window.
func (m *FPSMeter) FPS() float64 {
	return m.fps
}
