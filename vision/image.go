package vision

import (
	"fmt"
	"image"
	"time"
)

// Image is a raw RGBA frame living in Go memory, as produced by a capture
// source or delivered to an output sink.
type Image struct {
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	// Pix holds Width*Height*4 bytes in R, G, B, A order.
	Pix     []byte
	TraceID string
}

// Validate reports whether the dimensions and pixel slice agree.
func (i Image) Validate() error {
	if i.Width <= 0 || i.Height <= 0 {
		return fmt.Errorf("vision: invalid image size %dx%d", i.Width, i.Height)
	}
	if want := i.Width * i.Height * FormatRGBA.Channels(); len(i.Pix) != want {
		return fmt.Errorf("vision: image has %d bytes, want %d for %dx%d", len(i.Pix), want, i.Width, i.Height)
	}
	return nil
}

// RGBA wraps the pixels as an *image.RGBA without copying.
func (i Image) RGBA() *image.RGBA {
	return &image.RGBA{
		Pix:    i.Pix,
		Stride: i.Width * 4,
		Rect:   image.Rect(0, 0, i.Width, i.Height),
	}
}

// FromRGBA copies img into a new Image. The result always starts at (0,0).
func FromRGBA(img *image.RGBA, ts time.Time) Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	pix := make([]byte, w*h*4)
	for y := 0; y < h; y++ {
		start := img.PixOffset(b.Min.X, b.Min.Y+y)
		copy(pix[y*w*4:(y+1)*w*4], img.Pix[start:start+w*4])
	}
	return Image{Timestamp: ts, Width: w, Height: h, Pix: pix}
}
