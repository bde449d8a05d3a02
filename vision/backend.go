// Package vision defines the capability interface the frame pipeline sequences
// calls into. Pixel math lives behind Backend; callers only move buffers
// between operations and decide what to do when one fails.
package vision

import (
	"errors"
	"fmt"
	"image/color"
)

// ErrBackend wraps every failure reported by a vision primitive.
var ErrBackend = errors.New("vision: backend failure")

// Filled is the thickness value that asks DrawCircle to fill the shape.
const Filled = -1

// Format is the pixel layout of a Buffer.
type Format int

const (
	// FormatRGBA is 4 channels, 8 bits each, in R, G, B, A order.
	FormatRGBA Format = iota
	// FormatGray is a single 8-bit channel.
	FormatGray
)

// Channels returns the number of 8-bit channels per pixel.
func (f Format) Channels() int {
	switch f {
	case FormatGray:
		return 1
	default:
		return 4
	}
}

func (f Format) String() string {
	switch f {
	case FormatRGBA:
		return "rgba"
	case FormatGray:
		return "gray"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// Buffer is a native image buffer owned by a Backend. It must be handed back
// through Backend.Release exactly once.
type Buffer interface {
	Width() int
	Height() int
	Format() Format
}

// Point is a sub-pixel image location.
type Point struct {
	X, Y float32
}

// ColorConversion selects a ConvertColor transform.
type ColorConversion int

const (
	RGBAToGray ColorConversion = iota
	GrayToRGBA
)

// EdgeParams configures EdgeDetect.
type EdgeParams struct {
	Low      float64
	High     float64
	Aperture int
}

// CornerParams configures DetectCorners (good-features-to-track).
type CornerParams struct {
	MaxCorners  int
	Quality     float64
	MinDistance float64
}

// FlowParams configures pyramidal Lucas-Kanade sparse optical flow.
// Iteration stops at MaxIterations or when the update drops below Epsilon,
// whichever comes first.
type FlowParams struct {
	WindowSize    int
	MaxLevel      int
	MaxIterations int
	Epsilon       float64
}

// CameraMatrix is the 3x3 pinhole matrix, row major:
//
//	fx  0 cx
//	 0 fy cy
//	 0  0  1
type CameraMatrix [9]float64

// Distortion holds the lens coefficients in OpenCV order k1, k2, p1, p2, k3.
type Distortion [5]float64

// Backend is the set of vision primitives the pipeline needs.
//
// Operations that write into dst expect dst to have been produced by Allocate
// with the right size and format. Errors wrap ErrBackend.
type Backend interface {
	Allocate(width, height int, format Format) (Buffer, error)
	Release(buf Buffer) error

	// Upload fills dst with tightly packed pixels in dst's format.
	Upload(dst Buffer, pix []byte) error
	// Download returns a copy of the pixels of src, tightly packed.
	Download(src Buffer) ([]byte, error)
	Copy(src, dst Buffer) error

	ConvertColor(src, dst Buffer, code ColorConversion) error
	Blur(src, dst Buffer, kernel int, sigma float64) error
	EdgeDetect(src, dst Buffer, p EdgeParams) error
	DetectCorners(src Buffer, p CornerParams) ([]Point, error)
	// OpticalFlow tracks prevPts from prev into next. The returned points and
	// status are index-aligned with prevPts; status[i] reports whether point i
	// was found.
	OpticalFlow(prev, next Buffer, prevPts []Point, p FlowParams) ([]Point, []bool, error)
	Undistort(src, dst Buffer, camera CameraMatrix, dist Distortion) error

	DrawCircle(dst Buffer, center Point, radius int, c color.RGBA, thickness int) error
	DrawLine(dst Buffer, from, to Point, c color.RGBA, thickness int) error
}
