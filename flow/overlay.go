package flow

import (
	"fmt"
	"image/color"

	"example/camflow/vision"
)

// Style controls how tracks and points are painted.
type Style struct {
	PointRadius int
	PointColor  color.RGBA
	TrackColor  color.RGBA
	TrackWidth  int
}

// DefaultStyle paints green endpoints and amber track segments.
func DefaultStyle() Style {
	return Style{
		PointRadius: 2,
		PointColor:  color.RGBA{R: 0, G: 255, B: 0, A: 255},
		TrackColor:  color.RGBA{R: 255, G: 200, B: 0, A: 255},
		TrackWidth:  1,
	}
}

// DrawTracks paints a segment from prev[i] to next[i] and a filled dot at
// next[i] for every i whose status is true. Lost points are skipped. It
// returns the number of tracks drawn.
func DrawTracks(b vision.Backend, dst vision.Buffer, prev, next []vision.Point, status []bool, s Style) (int, error) {
	if len(prev) != len(next) || len(next) != len(status) {
		return 0, fmt.Errorf("flow: misaligned tracks: %d prev, %d next, %d status", len(prev), len(next), len(status))
	}
	drawn := 0
	for i, ok := range status {
		if !ok {
			continue
		}
		if err := b.DrawLine(dst, prev[i], next[i], s.TrackColor, s.TrackWidth); err != nil {
			return drawn, fmt.Errorf("draw track %d: %w", i, err)
		}
		if err := b.DrawCircle(dst, next[i], s.PointRadius, s.PointColor, vision.Filled); err != nil {
			return drawn, fmt.Errorf("draw point %d: %w", i, err)
		}
		drawn++
	}
	return drawn, nil
}

// DrawPoints paints a filled dot of the given radius at every point.
func DrawPoints(b vision.Backend, dst vision.Buffer, pts []vision.Point, radius int, c color.RGBA) error {
	for i, p := range pts {
		if err := b.DrawCircle(dst, p, radius, c, vision.Filled); err != nil {
			return fmt.Errorf("draw point %d: %w", i, err)
		}
	}
	return nil
}
