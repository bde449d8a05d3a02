package pipeline

import (
	"fmt"
	"sync/atomic"

	"example/camflow/intrinsics"
)

// Settings is what a frame reads from Controls before it starts.
type Settings struct {
	Mode       Mode
	Intrinsics *intrinsics.Intrinsics
}

// Controls holds the mode and intrinsics. Writers may be any goroutine; the
// frame loop takes one Snapshot per frame, so a change applies from the next
// frame on.
type Controls struct {
	mode       atomic.Pointer[Mode]
	intrinsics atomic.Pointer[intrinsics.Intrinsics]
}

// NewControls starts in mode with no intrinsics.
func NewControls(mode Mode) *Controls {
	c := &Controls{}
	if !mode.Valid() {
		mode = ModeRaw
	}
	c.mode.Store(&mode)
	return c
}

// SetMode selects the transform for subsequent frames.
func (c *Controls) SetMode(m Mode) error {
	if !m.Valid() {
		return fmt.Errorf("pipeline: unknown mode %q", m)
	}
	c.mode.Store(&m)
	return nil
}

// Mode returns the current mode.
func (c *Controls) Mode() Mode {
	return *c.mode.Load()
}

// SetIntrinsics installs in for subsequent frames. nil disables undistortion.
func (c *Controls) SetIntrinsics(in *intrinsics.Intrinsics) {
	if in != nil {
		v := *in
		in = &v
	}
	c.intrinsics.Store(in)
}

// Intrinsics returns the current intrinsics, or nil.
func (c *Controls) Intrinsics() *intrinsics.Intrinsics {
	return c.intrinsics.Load()
}

// Snapshot reads both settings.
func (c *Controls) Snapshot() Settings {
	return Settings{Mode: c.Mode(), Intrinsics: c.Intrinsics()}
}
