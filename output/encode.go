package output

import (
	"context"
	"fmt"
	"image/jpeg"
	"image/png"
	"io"
	"mime/multipart"
	"net/textproto"
	"os"
	"path/filepath"
	"sync/atomic"

	"example/camflow/vision"
)

// DefaultJPEGQuality is used by the MJPEG stream.
const DefaultJPEGQuality = 80

// EncodePNG writes img as PNG.
func EncodePNG(w io.Writer, img vision.Image) error {
	if err := img.Validate(); err != nil {
		return err
	}
	if err := png.Encode(w, img.RGBA()); err != nil {
		return fmt.Errorf("failed to encode PNG: %w", err)
	}
	return nil
}

// MJPEG writes a multipart/x-mixed-replace stream of JPEG frames.
type MJPEG struct {
	mw      *multipart.Writer
	quality int
	flush   func()
}

// NewMJPEG starts a stream on w. flush, if non-nil, is called after every
// frame so the client sees it at once.
func NewMJPEG(w io.Writer, quality int, flush func()) *MJPEG {
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	return &MJPEG{mw: multipart.NewWriter(w), quality: quality, flush: flush}
}

// ContentType is the value for the response Content-Type header.
func (m *MJPEG) ContentType() string {
	return "multipart/x-mixed-replace; boundary=" + m.mw.Boundary()
}

// WriteFrame appends one JPEG part.
func (m *MJPEG) WriteFrame(img vision.Image) error {
	if err := img.Validate(); err != nil {
		return err
	}
	part, err := m.mw.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"image/jpeg"},
	})
	if err != nil {
		return err
	}
	if err := jpeg.Encode(part, img.RGBA(), &jpeg.Options{Quality: m.quality}); err != nil {
		return fmt.Errorf("failed to encode JPEG: %w", err)
	}
	if m.flush != nil {
		m.flush()
	}
	return nil
}

// Stream writes every new frame from src until ctx is done or a write
// fails.
func (m *MJPEG) Stream(ctx context.Context, src *Latest) error {
	var version uint64
	for {
		img, v, err := src.Wait(ctx, version)
		if err != nil {
			return err
		}
		version = v
		if err := m.WriteFrame(img); err != nil {
			return err
		}
	}
}

// Dir writes each delivered frame to a numbered PNG file.
type Dir struct {
	path  string
	count atomic.Uint64
}

// NewDir creates path if needed.
func NewDir(path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("output: create %s: %w", path, err)
	}
	return &Dir{path: path}, nil
}

// Deliver writes img to frame_NNNNN.png, numbered by img.Seq.
func (d *Dir) Deliver(img vision.Image) error {
	name := filepath.Join(d.path, fmt.Sprintf("frame_%05d.png", img.Seq))
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	if err := EncodePNG(f, img); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	d.count.Add(1)
	return nil
}

// Written returns the number of files written.
func (d *Dir) Written() uint64 {
	return d.count.Load()
}
