package pipeline

import (
	"fmt"
	"strings"
)

// Mode selects the transform applied to each frame.
type Mode string

const (
	ModeRaw         Mode = "raw"
	ModeGrayscale   Mode = "grayscale"
	ModeCanny       Mode = "canny"
	ModeCorners     Mode = "corners"
	ModeOpticalFlow Mode = "opticalflow"
)

// Modes lists every mode in display order.
func Modes() []Mode {
	return []Mode{ModeRaw, ModeGrayscale, ModeCanny, ModeCorners, ModeOpticalFlow}
}

// Valid reports whether m is one of Modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeRaw, ModeGrayscale, ModeCanny, ModeCorners, ModeOpticalFlow:
		return true
	}
	return false
}

// ParseMode accepts a mode name in any case. "optical-flow" and
// "optical_flow" are accepted as spellings of opticalflow.
func ParseMode(s string) (Mode, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	name = strings.NewReplacer("-", "", "_", "").Replace(name)
	m := Mode(name)
	if !m.Valid() {
		return "", fmt.Errorf("pipeline: unknown mode %q (want one of %v)", s, Modes())
	}
	return m, nil
}
