package visiontest

import (
	"image/color"
	"time"

	"example/camflow/vision"
)

// Solid returns a w x h image filled with c.
func Solid(w, h int, c color.RGBA) vision.Image {
	pix := make([]byte, w*h*4)
	for i := 0; i < len(pix); i += 4 {
		pix[i], pix[i+1], pix[i+2], pix[i+3] = c.R, c.G, c.B, c.A
	}
	return vision.Image{Timestamp: time.Unix(0, 0), Width: w, Height: h, Pix: pix}
}

// Checker returns a black and white checkerboard with square cells.
func Checker(w, h, cell int) vision.Image {
	img := Solid(w, h, color.RGBA{A: 255})
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x/cell+y/cell)%2 == 0 {
				continue
			}
			off := (y*w + x) * 4
			img.Pix[off], img.Pix[off+1], img.Pix[off+2] = 255, 255, 255
		}
	}
	return img
}
